package risk

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"evidence-ledger/core/audit"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/metrics"
	"evidence-ledger/core/rbac"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"

	"go.uber.org/zap"
)

type AppendInput struct {
	UserID                string            `validate:"required"`
	IncidentID            *string           `validate:"-"`
	Score                 float64           `validate:"gte=0,lte=100"`
	Confidence            float64           `validate:"gte=0,lte=1"`
	Factors               store.RiskFactors `validate:"-"`
	Model                 string
	PredictedEscalation   *bool    `validate:"-"`
	EscalationProbability *float64 `validate:"omitempty,gte=0,lte=1"`
}

// BreachReactor receives breaching entries after they commit.
type BreachReactor interface {
	ReactToBreach(ctx context.Context, entry store.RiskScoreEntry) error
}

type Options struct {
	Threshold float64
	Async     bool
	Timeout   time.Duration
}

type Ledger struct {
	db        *store.DB
	risk      store.RiskStore
	users     store.UsersStore
	incidents store.IncidentsStore
	audit     *audit.Recorder
	policy    *rbac.Policy
	reactor   BreachReactor
	opts      Options
	logger    *utils.Logger
	wg        sync.WaitGroup
}

func NewLedger(db *store.DB, risk store.RiskStore, users store.UsersStore, incidents store.IncidentsStore, recorder *audit.Recorder, policy *rbac.Policy, reactor BreachReactor, opts Options, logger *utils.Logger) *Ledger {
	if opts.Threshold <= 0 || opts.Threshold > 100 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Ledger{
		db:        db,
		risk:      risk,
		users:     users,
		incidents: incidents,
		audit:     recorder,
		policy:    policy,
		reactor:   reactor,
		opts:      opts,
		logger:    logger,
	}
}

func (l *Ledger) Threshold() float64 {
	return l.opts.Threshold
}

// Append records a new assessment. It never edits earlier entries and never waits on the
// incident reaction a breach triggers.
func (l *Ledger) Append(ctx context.Context, actor store.Actor, in AppendInput) (*store.RiskScoreEntry, error) {
	if !l.policy.Allowed(actor.Role, store.EntityRisk, rbac.ActAppend) {
		return nil, errs.New(errs.CodeForbidden, "role "+string(actor.Role)+" may not append risk scores")
	}
	in.UserID = strings.TrimSpace(in.UserID)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	for name, v := range in.Factors {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errs.Validation("factor %q is not a finite number", name)
		}
	}
	var incidentID *string
	if in.IncidentID != nil && strings.TrimSpace(*in.IncidentID) != "" {
		id := strings.TrimSpace(*in.IncidentID)
		incidentID = &id
	}
	user, err := l.users.Get(ctx, l.db, in.UserID)
	if err != nil {
		return nil, errs.Persistence("load user", err)
	}
	if user == nil {
		return nil, errs.NotFound(store.EntityUser, in.UserID)
	}
	if incidentID != nil {
		inc, err := l.incidents.Get(ctx, l.db, *incidentID)
		if err != nil {
			return nil, errs.Persistence("load incident", err)
		}
		if inc == nil {
			return nil, errs.NotFound(store.EntityIncident, *incidentID)
		}
		if inc.UserID != user.ID {
			return nil, errs.Validation("incident %s does not belong to user %s", inc.ID, user.ID)
		}
	}

	entry := &store.RiskScoreEntry{
		ID:                  utils.NewID(),
		UserID:              user.ID,
		IncidentID:          incidentID,
		Score:               in.Score,
		Confidence:          in.Confidence,
		Factors:             in.Factors,
		Model:               strings.TrimSpace(in.Model),
		PredictedEscalation: in.PredictedEscalation,
		Threshold:           l.opts.Threshold,
		ThresholdBreached:   Breached(in.Score, l.opts.Threshold),
	}
	if in.EscalationProbability != nil {
		p := RoundProbability(*in.EscalationProbability)
		entry.EscalationProbability = &p
	}
	err = l.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := l.risk.Insert(ctx, tx, entry); err != nil {
			return errs.Persistence("insert risk entry", err)
		}
		if err := l.incidents.ApplyRiskProjection(ctx, tx, entry); err != nil {
			return errs.Persistence("refresh incident risk", err)
		}
		_, err := l.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionRiskAppend,
			EntityType: store.EntityRisk,
			EntityID:   entry.ID,
			New:        entry,
		})
		return err
	})
	if err != nil {
		return nil, errs.Persistence("append risk entry", err)
	}
	metrics.RiskAppended(entry.Score, entry.ThresholdBreached)
	if entry.ThresholdBreached && entry.IncidentID != nil {
		l.react(*entry)
	}
	return entry, nil
}

func (l *Ledger) react(entry store.RiskScoreEntry) {
	if l.reactor == nil {
		return
	}
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.Timeout)
		defer cancel()
		if err := l.reactor.ReactToBreach(ctx, entry); err != nil {
			l.logger.Warn("breach reaction failed",
				zap.String("risk_entry_id", entry.ID),
				zap.Stringp("incident_id", entry.IncidentID),
				zap.Error(err))
		}
	}
	if !l.opts.Async {
		run()
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		run()
	}()
}

// Wait blocks until pending breach reactions finish.
func (l *Ledger) Wait() {
	l.wg.Wait()
}

// CurrentScore returns the entry with the highest sequence for the key.
func (l *Ledger) CurrentScore(ctx context.Context, userID string, incidentID *string) (*store.RiskScoreEntry, error) {
	entry, err := l.risk.Latest(ctx, l.db, userID, incidentID)
	if err != nil {
		return nil, errs.Persistence("current risk score", err)
	}
	if entry == nil {
		return nil, errs.NotFound(store.EntityRisk, userID)
	}
	return entry, nil
}

func (l *Ledger) History(ctx context.Context, userID string, incidentID *string) ([]store.RiskScoreEntry, error) {
	entries, err := l.risk.History(ctx, l.db, userID, incidentID)
	if err != nil {
		return nil, errs.Persistence("risk history", err)
	}
	return entries, nil
}
