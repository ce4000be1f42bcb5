package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"evidence-ledger/core/errs"
	"evidence-ledger/core/metrics"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultWindowDays = 30
	// HighRiskCutoff is the dashboard's fixed high-risk line, independent of the escalation threshold.
	HighRiskCutoff = 70.0
	dayLayout      = "2006-01-02"
)

type RefreshResult struct {
	WindowDays  int       `json:"window_days"`
	FromDay     string    `json:"from_day"`
	ToDay       string    `json:"to_day"`
	DaysWritten int       `json:"days_written"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Aggregator folds incidents into per-day rollups. Its output is derived entirely from incident rows
// so it can be dropped and rebuilt by running Refresh again.
type Aggregator struct {
	db        *store.DB
	incidents store.IncidentsStore
	rollups   store.AnalyticsStore
	logger    *utils.Logger
	now       func() time.Time
	mu        sync.Mutex
}

func NewAggregator(db *store.DB, incidents store.IncidentsStore, rollups store.AnalyticsStore, logger *utils.Logger) *Aggregator {
	return &Aggregator{db: db, incidents: incidents, rollups: rollups, logger: logger, now: utils.NowUTC}
}

// Refresh reads the window from a read-only snapshot and rewrites its buckets in one short
// transaction. Foreground writers are never blocked by the read.
func (a *Aggregator) Refresh(ctx context.Context, windowDays int) (*RefreshResult, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	started := a.now()
	today := utils.DayStart(started)
	from := today.AddDate(0, 0, -(windowDays - 1))
	res := &RefreshResult{
		WindowDays: windowDays,
		FromDay:    from.Format(dayLayout),
		ToDay:      today.Format(dayLayout),
		StartedAt:  started,
	}

	var items []store.Incident
	err := a.db.WithSnapshot(ctx, func(q store.Querier) error {
		var err error
		items, err = a.incidents.ListCreatedSince(ctx, q, from)
		return err
	})
	if err != nil {
		metrics.AnalyticsRefreshed(time.Since(started).Seconds(), err)
		return nil, errs.Persistence("read incidents for analytics", err)
	}
	rollups := Rollup(items, from, today)

	err = a.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := a.rollups.ReplaceDays(ctx, tx, res.FromDay, res.ToDay, rollups); err != nil {
			return err
		}
		res.FinishedAt = a.now()
		return a.rollups.RecordRun(ctx, tx, windowDays, len(rollups), started, res.FinishedAt)
	})
	metrics.AnalyticsRefreshed(time.Since(started).Seconds(), err)
	if err != nil {
		return nil, errs.Persistence("write analytics rollups", err)
	}
	res.DaysWritten = len(rollups)
	a.logger.Info("analytics refreshed",
		zap.Int("window_days", windowDays),
		zap.Int("days_written", res.DaysWritten),
		zap.Int("incidents", len(items)))
	return res, nil
}

// Daily returns the stored buckets for the last days days, oldest first.
func (a *Aggregator) Daily(ctx context.Context, days int) ([]store.DailyRollup, error) {
	if days <= 0 {
		days = DefaultWindowDays
	}
	from := utils.DayStart(a.now()).AddDate(0, 0, -(days - 1))
	items, err := a.rollups.ListDaily(ctx, a.db, from.Format(dayLayout))
	if err != nil {
		return nil, errs.Persistence("read analytics rollups", err)
	}
	return items, nil
}

type bucket struct {
	total     int
	highRisk  int
	predicted int
	riskSum   decimal.Decimal
	users     map[string]struct{}
}

// Rollup groups incidents created within [from, to] by UTC day. Days without incidents are omitted.
func Rollup(items []store.Incident, from, to time.Time) []store.DailyRollup {
	end := to.AddDate(0, 0, 1)
	buckets := map[string]*bucket{}
	for i := range items {
		inc := &items[i]
		created := inc.CreatedAt.UTC()
		if created.Before(from) || !created.Before(end) {
			continue
		}
		day := created.Format(dayLayout)
		b, ok := buckets[day]
		if !ok {
			b = &bucket{users: map[string]struct{}{}}
			buckets[day] = b
		}
		b.total++
		if inc.RiskScore > HighRiskCutoff {
			b.highRisk++
		}
		if inc.PredictedEscalation != nil && *inc.PredictedEscalation {
			b.predicted++
		}
		b.riskSum = b.riskSum.Add(decimal.NewFromFloat(inc.RiskScore))
		b.users[inc.UserID] = struct{}{}
	}
	out := make([]store.DailyRollup, 0, len(buckets))
	for day, b := range buckets {
		avg := b.riskSum.Div(decimal.NewFromInt(int64(b.total))).Round(4)
		out = append(out, store.DailyRollup{
			Day:                      day,
			TotalIncidents:           b.total,
			HighRiskCount:            b.highRisk,
			PredictedEscalationCount: b.predicted,
			AvgRiskScore:             avg.InexactFloat64(),
			DistinctUsers:            len(b.users),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}
