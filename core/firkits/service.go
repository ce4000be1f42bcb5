package firkits

import (
	"context"
	"errors"
	"strings"

	"evidence-ledger/core/audit"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/rbac"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"
)

// SaveInput is the kit generator's write-back. Scores are stored as given, never recomputed here.
type SaveInput struct {
	IncidentID        string            `validate:"required"`
	PoliceStationID   *string           `validate:"-"`
	CompletenessScore float64           `validate:"gte=0,lte=100"`
	MissingFields     []string          `validate:"-"`
	PreFilled         map[string]string `validate:"-"`
	Language          string            `validate:"omitempty,max=8"`
}

type Service struct {
	db        *store.DB
	kits      store.FIRKitsStore
	incidents store.IncidentsStore
	stations  store.StationsStore
	audit     *audit.Recorder
	policy    *rbac.Policy
}

func NewService(db *store.DB, kits store.FIRKitsStore, incidents store.IncidentsStore, stations store.StationsStore, recorder *audit.Recorder, policy *rbac.Policy) *Service {
	return &Service{db: db, kits: kits, incidents: incidents, stations: stations, audit: recorder, policy: policy}
}

func (s *Service) Save(ctx context.Context, actor store.Actor, in SaveInput) (*store.FIRKit, error) {
	in.IncidentID = strings.TrimSpace(in.IncidentID)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !s.policy.Allowed(actor.Role, store.EntityFIRKit, rbac.ActSave) {
		return nil, errs.New(errs.CodeForbidden, "role may not store fir kits")
	}
	var saved *store.FIRKit
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		inc, err := s.incidents.Get(ctx, tx, in.IncidentID)
		if err != nil {
			return errs.Persistence("load incident", err)
		}
		if inc == nil {
			return errs.NotFound(store.EntityIncident, in.IncidentID)
		}
		stationID := in.PoliceStationID
		if stationID == nil {
			stationID = inc.StationID
		}
		if stationID != nil {
			st, err := s.stations.Get(ctx, tx, *stationID)
			if err != nil {
				return errs.Persistence("load station", err)
			}
			if st == nil {
				return errs.NotFound(store.EntityStation, *stationID)
			}
		}
		before, err := s.kits.Get(ctx, tx, inc.ID)
		if err != nil {
			return errs.Persistence("load fir kit", err)
		}
		kit := &store.FIRKit{
			ID:                utils.NewID(),
			IncidentID:        inc.ID,
			PoliceStationID:   stationID,
			CompletenessScore: in.CompletenessScore,
			MissingFields:     normalizeFields(in.MissingFields),
			PreFilled:         in.PreFilled,
			Language:          in.Language,
		}
		if kit.Language == "" {
			kit.Language = inc.Language
		}
		if err := s.kits.Upsert(ctx, tx, kit); err != nil {
			return errs.Persistence("save fir kit", err)
		}
		if saved, err = s.kits.Get(ctx, tx, inc.ID); err != nil {
			return errs.Persistence("reload fir kit", err)
		}
		_, err = s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionFIRKitSave,
			EntityType: store.EntityFIRKit,
			EntityID:   inc.ID,
			Old:        before,
			New:        saved,
		})
		return err
	})
	if err != nil {
		return nil, errs.Persistence("save fir kit", err)
	}
	return saved, nil
}

func (s *Service) Get(ctx context.Context, incidentID string) (*store.FIRKit, error) {
	kit, err := s.kits.Get(ctx, s.db, incidentID)
	if err != nil {
		return nil, errs.Persistence("get fir kit", err)
	}
	if kit == nil {
		return nil, errs.NotFound(store.EntityFIRKit, incidentID)
	}
	return kit, nil
}

// ListStale returns kits whose incident evidence changed after the last generation.
func (s *Service) ListStale(ctx context.Context, limit int) ([]store.FIRKit, error) {
	items, err := s.kits.ListStale(ctx, s.db, limit)
	if err != nil {
		return nil, errs.Persistence("list stale fir kits", err)
	}
	return items, nil
}

func (s *Service) MarkDownloaded(ctx context.Context, actor store.Actor, incidentID string) (*store.FIRKit, error) {
	var after *store.FIRKit
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		before, err := s.kits.Get(ctx, tx, incidentID)
		if err != nil {
			return errs.Persistence("load fir kit", err)
		}
		if before == nil {
			return errs.NotFound(store.EntityFIRKit, incidentID)
		}
		if err := s.kits.MarkDownloaded(ctx, tx, incidentID, utils.NowUTC()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return errs.NotFound(store.EntityFIRKit, incidentID)
			}
			return errs.Persistence("mark fir kit downloaded", err)
		}
		if after, err = s.kits.Get(ctx, tx, incidentID); err != nil {
			return errs.Persistence("reload fir kit", err)
		}
		_, err = s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionFIRKitDownloaded,
			EntityType: store.EntityFIRKit,
			EntityID:   incidentID,
			Old:        before,
			New:        after,
		})
		return err
	})
	if err != nil {
		return nil, errs.Persistence("mark fir kit downloaded", err)
	}
	return after, nil
}

func normalizeFields(fields []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
