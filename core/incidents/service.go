package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"evidence-ledger/core/audit"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/events"
	"evidence-ledger/core/metrics"
	"evidence-ledger/core/rbac"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"

	"go.uber.org/zap"
)

type NewIncident struct {
	UserID       string `validate:"required"`
	IncidentType string `validate:"required,max=64"`
	Description  string
	Language     string
	Location     *store.Location `validate:"-"`
	StationID    *string         `validate:"-"`
}

type TransitionRequest struct {
	IncidentID      string
	Actor           store.Actor
	To              store.Status
	ExpectedVersion int
	Reason          string
}

type Service struct {
	db        *store.DB
	incidents store.IncidentsStore
	evidence  store.EvidenceStore
	stations  store.StationsStore
	users     store.UsersStore
	risk      store.RiskStore
	audit     *audit.Recorder
	policy    *rbac.Policy
	emitter   *events.Emitter
	logger    *utils.Logger
}

func NewService(db *store.DB, incidents store.IncidentsStore, evidence store.EvidenceStore, stations store.StationsStore, users store.UsersStore, risk store.RiskStore, recorder *audit.Recorder, policy *rbac.Policy, emitter *events.Emitter, logger *utils.Logger) *Service {
	return &Service{
		db:        db,
		incidents: incidents,
		evidence:  evidence,
		stations:  stations,
		users:     users,
		risk:      risk,
		audit:     recorder,
		policy:    policy,
		emitter:   emitter,
		logger:    logger,
	}
}

func (s *Service) Create(ctx context.Context, actor store.Actor, in NewIncident) (*store.Incident, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.IncidentType = strings.TrimSpace(in.IncidentType)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	if actor.Role == store.RoleVictim && actor.UserID != in.UserID {
		return nil, errs.New(errs.CodeForbidden, "victims may only report their own incidents")
	}
	inc := &store.Incident{
		ID:           utils.NewID(),
		UserID:       in.UserID,
		IncidentType: in.IncidentType,
		Description:  strings.TrimSpace(in.Description),
		Status:       store.StatusPending,
		Language:     strings.TrimSpace(in.Language),
		Location:     in.Location,
	}
	if in.StationID != nil && strings.TrimSpace(*in.StationID) != "" {
		id := strings.TrimSpace(*in.StationID)
		inc.StationID = &id
	}
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		user, err := s.users.Get(ctx, tx, in.UserID)
		if err != nil {
			return errs.Persistence("load user", err)
		}
		if user == nil {
			return errs.NotFound(store.EntityUser, in.UserID)
		}
		if !user.Active {
			return errs.Validation("user %s is not active", user.ID)
		}
		if !user.ConsentGiven || user.ConsentAt == nil {
			return errs.Validation("user %s has not recorded consent", user.ID)
		}
		if inc.StationID != nil {
			st, err := s.stations.Get(ctx, tx, *inc.StationID)
			if err != nil {
				return errs.Persistence("load station", err)
			}
			if st == nil {
				return errs.NotFound(store.EntityStation, *inc.StationID)
			}
		}
		if err := s.incidents.Create(ctx, tx, inc); err != nil {
			return errs.Persistence("insert incident", err)
		}
		_, err = s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionIncidentCreate,
			EntityType: store.EntityIncident,
			EntityID:   inc.ID,
			New:        inc,
		})
		return err
	})
	if err != nil {
		return nil, errs.Persistence("create incident", err)
	}
	return inc, nil
}

// Transition moves an incident along one edge of the lifecycle. The status update, any station
// counter change and the audit entry commit together; the state-changed event follows the commit.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*store.Incident, error) {
	return s.transition(ctx, req, nil)
}

var errSkipped = errors.New("transition skipped")

// precondition runs inside the transition's transaction after the incident is loaded.
// Returning errSkipped abandons the transition without error.
type precondition func(ctx context.Context, q store.Querier, inc *store.Incident) error

func (s *Service) transition(ctx context.Context, req TransitionRequest, pre precondition) (*store.Incident, error) {
	to, err := store.ParseStatus(string(req.To))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.IncidentID) == "" {
		return nil, errs.Validation("incident id is required")
	}
	if req.ExpectedVersion <= 0 {
		return nil, errs.Validation("expected version is required")
	}
	reason := strings.TrimSpace(req.Reason)
	var before, after *store.Incident
	err = s.db.WithTx(ctx, func(tx *store.Tx) error {
		inc, err := s.incidents.Get(ctx, tx, req.IncidentID)
		if err != nil {
			return errs.Persistence("load incident", err)
		}
		if inc == nil {
			return errs.NotFound(store.EntityIncident, req.IncidentID)
		}
		if pre != nil {
			if err := pre(ctx, tx, inc); err != nil {
				return err
			}
		}
		if inc.Version != req.ExpectedVersion {
			return errs.New(errs.CodeConcurrentModification,
				fmt.Sprintf("incident %s is at version %d, expected %d", inc.ID, inc.Version, req.ExpectedVersion))
		}
		from := inc.Status
		if err := s.checkEdge(ctx, tx, inc, req.Actor, from, to, reason); err != nil {
			return err
		}
		now := utils.NowUTC()
		if err := s.incidents.UpdateStatus(ctx, tx, inc.ID, to, req.ExpectedVersion, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return errs.New(errs.CodeConcurrentModification, "incident changed concurrently")
			}
			return errs.Persistence("update incident status", err)
		}
		if delta := counterDelta(from, to); delta != 0 && inc.StationID != nil {
			if err := s.stations.AdjustActiveCases(ctx, tx, *inc.StationID, delta); err != nil {
				return errs.Persistence("adjust station active cases", err)
			}
		}
		updated, err := s.incidents.Get(ctx, tx, inc.ID)
		if err != nil {
			return errs.Persistence("reload incident", err)
		}
		if _, err := s.audit.RecordTx(ctx, tx, req.Actor, audit.Change{
			Action:     audit.ActionStatusChange,
			EntityType: store.EntityIncident,
			EntityID:   inc.ID,
			Old:        inc,
			New:        updated,
			Reason:     reason,
		}); err != nil {
			return err
		}
		before, after = inc, updated
		return nil
	})
	if errors.Is(err, errSkipped) {
		return nil, err
	}
	if err != nil {
		metrics.Transition("", string(to), errs.CodeOf(err))
		return nil, errs.Persistence("transition incident", err)
	}
	metrics.Transition(string(before.Status), string(after.Status), "ok")
	s.logger.Info("incident status changed",
		zap.String("incident_id", after.ID),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)),
		zap.String("actor_role", string(req.Actor.Role)))
	s.emitter.Emit(events.StateChanged{
		IncidentID: after.ID,
		OldStatus:  before.Status,
		NewStatus:  after.Status,
		StationID:  after.StationID,
		ActorRole:  req.Actor.Role,
		At:         after.UpdatedAt,
	})
	return after, nil
}

func (s *Service) checkEdge(ctx context.Context, q store.Querier, inc *store.Incident, actor store.Actor, from, to store.Status, reason string) error {
	if IsTerminal(from) {
		return errs.New(errs.CodeTerminalState, fmt.Sprintf("incident %s is %s", inc.ID, from))
	}
	if from == to {
		return errs.New(errs.CodeInvalidTransition, fmt.Sprintf("incident %s is already %s", inc.ID, to))
	}
	if !CanMove(from, to) {
		return errs.New(errs.CodeInvalidTransition, fmt.Sprintf("%s -> %s is not a valid transition (allowed: %v)", from, to, NextStatuses(from)))
	}
	if !s.policy.CanTransition(actor.Role, from, to) {
		return errs.New(errs.CodeForbidden, fmt.Sprintf("role %q may not move %s -> %s", actor.Role, from, to))
	}
	switch {
	case from == store.StatusPending && to == store.StatusReviewed:
		n, err := s.evidence.CountByIncident(ctx, q, inc.ID)
		if err != nil {
			return errs.Persistence("count evidence", err)
		}
		if n == 0 {
			return errs.New(errs.CodeInvalidTransition, "review requires at least one evidence record")
		}
	case to == store.StatusDismissed:
		if reason == "" {
			return errs.New(errs.CodeInvalidTransition, "dismissal requires a reason")
		}
	}
	return nil
}

// Route assigns the incident to a station. An escalated incident carries its active case along.
func (s *Service) Route(ctx context.Context, actor store.Actor, incidentID, stationID string, expectedVersion int) (*store.Incident, error) {
	incidentID = strings.TrimSpace(incidentID)
	stationID = strings.TrimSpace(stationID)
	if incidentID == "" || stationID == "" {
		return nil, errs.Validation("incident id and station id are required")
	}
	if !s.policy.Allowed(actor.Role, store.EntityIncident, rbac.ActRoute) {
		return nil, errs.New(errs.CodeForbidden, fmt.Sprintf("role %q may not route incidents", actor.Role))
	}
	var after *store.Incident
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		inc, err := s.incidents.Get(ctx, tx, incidentID)
		if err != nil {
			return errs.Persistence("load incident", err)
		}
		if inc == nil {
			return errs.NotFound(store.EntityIncident, incidentID)
		}
		if inc.Version != expectedVersion {
			return errs.New(errs.CodeConcurrentModification,
				fmt.Sprintf("incident %s is at version %d, expected %d", inc.ID, inc.Version, expectedVersion))
		}
		if IsTerminal(inc.Status) {
			return errs.New(errs.CodeTerminalState, fmt.Sprintf("incident %s is %s", inc.ID, inc.Status))
		}
		if inc.StationID != nil && *inc.StationID == stationID {
			return errs.Validation("incident %s is already routed to %s", inc.ID, stationID)
		}
		st, err := s.stations.Get(ctx, tx, stationID)
		if err != nil {
			return errs.Persistence("load station", err)
		}
		if st == nil {
			return errs.NotFound(store.EntityStation, stationID)
		}
		if err := s.incidents.UpdateStation(ctx, tx, inc.ID, &stationID, expectedVersion, utils.NowUTC()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return errs.New(errs.CodeConcurrentModification, "incident changed concurrently")
			}
			return errs.Persistence("route incident", err)
		}
		if inc.Status == store.StatusEscalated {
			if inc.StationID != nil {
				if err := s.stations.AdjustActiveCases(ctx, tx, *inc.StationID, -1); err != nil {
					return errs.Persistence("release station case", err)
				}
			}
			if err := s.stations.AdjustActiveCases(ctx, tx, stationID, 1); err != nil {
				return errs.Persistence("assign station case", err)
			}
		}
		updated, err := s.incidents.Get(ctx, tx, inc.ID)
		if err != nil {
			return errs.Persistence("reload incident", err)
		}
		if _, err := s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionIncidentRoute,
			EntityType: store.EntityIncident,
			EntityID:   inc.ID,
			Old:        inc,
			New:        updated,
		}); err != nil {
			return err
		}
		after = updated
		return nil
	})
	if err != nil {
		return nil, errs.Persistence("route incident", err)
	}
	return after, nil
}

// ReactToBreach escalates a reviewed incident when entry is still its latest assessment.
// A stale or non-breaching entry, or an incident in any other status, is left alone.
func (s *Service) ReactToBreach(ctx context.Context, entry store.RiskScoreEntry) error {
	if !entry.ThresholdBreached || entry.IncidentID == nil {
		return nil
	}
	latestOnly := func(ctx context.Context, q store.Querier, inc *store.Incident) error {
		latest, err := s.risk.LatestForIncident(ctx, q, inc.ID)
		if err != nil {
			return errs.Persistence("load latest risk entry", err)
		}
		if latest == nil || latest.Seq != entry.Seq || inc.Status != store.StatusReviewed {
			return errSkipped
		}
		return nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		inc, err := s.incidents.Get(ctx, s.db, *entry.IncidentID)
		if err != nil {
			return errs.Persistence("load incident", err)
		}
		if inc == nil || inc.Status != store.StatusReviewed {
			return nil
		}
		_, err = s.transition(ctx, TransitionRequest{
			IncidentID:      inc.ID,
			Actor:           store.SystemActor(),
			To:              store.StatusEscalated,
			ExpectedVersion: inc.Version,
			Reason:          fmt.Sprintf("risk score %.2f reached threshold %.2f (entry %s)", entry.Score, entry.Threshold, entry.ID),
		}, latestOnly)
		switch {
		case err == nil, errors.Is(err, errSkipped):
			return nil
		case errors.Is(err, errs.ErrConcurrentModification) && attempt == 0:
			continue
		default:
			return err
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.Incident, error) {
	inc, err := s.incidents.Get(ctx, s.db, id)
	if err != nil {
		return nil, errs.Persistence("get incident", err)
	}
	if inc == nil {
		return nil, errs.NotFound(store.EntityIncident, id)
	}
	return inc, nil
}

func (s *Service) List(ctx context.Context, filter store.IncidentFilter) ([]store.Incident, error) {
	items, err := s.incidents.List(ctx, s.db, filter)
	if err != nil {
		return nil, errs.Persistence("list incidents", err)
	}
	return items, nil
}
