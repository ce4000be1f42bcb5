package analytics

import (
	"context"
	"testing"
	"time"

	"evidence-ledger/config"
	"evidence-ledger/core/store"
	"evidence-ledger/core/store/storetest"
	"evidence-ledger/core/utils"

	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, db *store.DB) string {
	t.Helper()
	now := utils.NowUTC()
	u := &store.User{ID: utils.NewID(), Email: utils.NewID() + "@example.org", Name: "V", Role: store.RoleVictim, ConsentGiven: true, ConsentAt: &now, Active: true}
	require.NoError(t, store.NewUsersStore().Create(context.Background(), db, u))
	return u.ID
}

func seedIncidentWithRisk(t *testing.T, db *store.DB, userID string, score float64, predicted bool) {
	t.Helper()
	inc := &store.Incident{ID: utils.NewID(), UserID: userID, IncidentType: "harassment", RiskScore: score, PredictedEscalation: &predicted}
	require.NoError(t, store.NewIncidentsStore().Create(context.Background(), db, inc))
}

func TestRollupBucketsByUTCDay(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	yes := true
	items := []store.Incident{
		{UserID: "u1", RiskScore: 80, PredictedEscalation: &yes, CreatedAt: day1.Add(2 * time.Hour)},
		{UserID: "u1", RiskScore: 70, CreatedAt: day1.Add(20 * time.Hour)},
		{UserID: "u2", RiskScore: 10, CreatedAt: day1.Add(23 * time.Hour)},
		{UserID: "u3", RiskScore: 33.33333, CreatedAt: day2.Add(time.Minute)},
		{UserID: "u4", RiskScore: 99, CreatedAt: day1.Add(-time.Minute)},
	}

	got := Rollup(items, day1, day2)
	require.Len(t, got, 2)
	require.Equal(t, store.DailyRollup{
		Day:                      "2026-03-01",
		TotalIncidents:           3,
		HighRiskCount:            1,
		PredictedEscalationCount: 1,
		AvgRiskScore:             53.3333,
		DistinctUsers:            2,
	}, got[0])
	require.Equal(t, "2026-03-02", got[1].Day)
	require.Equal(t, 33.3333, got[1].AvgRiskScore)
}

func TestRefreshIsIdempotent(t *testing.T) {
	db := storetest.NewDB(t)
	ctx := context.Background()
	user := seedUser(t, db)
	seedIncidentWithRisk(t, db, user, 85, true)
	seedIncidentWithRisk(t, db, user, 20, false)

	agg := NewAggregator(db, store.NewIncidentsStore(), store.NewAnalyticsStore(), utils.NewNopLogger())
	_, err := agg.Refresh(ctx, 7)
	require.NoError(t, err)
	first, err := agg.Daily(ctx, 7)
	require.NoError(t, err)

	_, err = agg.Refresh(ctx, 7)
	require.NoError(t, err)
	second, err := agg.Daily(ctx, 7)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, first, 1)
	require.Equal(t, 2, first[0].TotalIncidents)
	require.Equal(t, 1, first[0].HighRiskCount)
	require.Equal(t, 1, first[0].PredictedEscalationCount)
	require.Equal(t, 52.5, first[0].AvgRiskScore)
	require.Equal(t, 1, first[0].DistinctUsers)
}

func TestRefreshPicksUpNewIncidents(t *testing.T) {
	db := storetest.NewDB(t)
	ctx := context.Background()
	user := seedUser(t, db)
	seedIncidentWithRisk(t, db, user, 50, false)

	agg := NewAggregator(db, store.NewIncidentsStore(), store.NewAnalyticsStore(), utils.NewNopLogger())
	_, err := agg.Refresh(ctx, 1)
	require.NoError(t, err)
	before, err := agg.Daily(ctx, 1)
	require.NoError(t, err)

	other := seedUser(t, db)
	for i := 0; i < 3; i++ {
		seedIncidentWithRisk(t, db, other, 90, true)
	}
	res, err := agg.Refresh(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.DaysWritten)

	after, err := agg.Daily(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, before[0].TotalIncidents+3, after[0].TotalIncidents)
	require.Equal(t, 2, after[0].DistinctUsers)
	require.Equal(t, 3, after[0].HighRiskCount)
}

func TestRefreshDropsBucketsThatNoLongerHaveIncidents(t *testing.T) {
	db := storetest.NewDB(t)
	ctx := context.Background()
	rollups := store.NewAnalyticsStore()
	stale := utils.DayStart(utils.NowUTC()).AddDate(0, 0, -2).Format(dayLayout)
	require.NoError(t, rollups.ReplaceDays(ctx, db, stale, stale, []store.DailyRollup{{Day: stale, TotalIncidents: 9}}))

	agg := NewAggregator(db, store.NewIncidentsStore(), rollups, utils.NewNopLogger())
	_, err := agg.Refresh(ctx, 5)
	require.NoError(t, err)
	items, err := agg.Daily(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestSchedulerRunOnceAndDisabledStart(t *testing.T) {
	db := storetest.NewDB(t)
	ctx := context.Background()
	seedIncidentWithRisk(t, db, seedUser(t, db), 75, false)
	agg := NewAggregator(db, store.NewIncidentsStore(), store.NewAnalyticsStore(), utils.NewNopLogger())

	s := NewScheduler(config.AnalyticsConfig{Enabled: false, WindowDays: 3}, agg, utils.NewNopLogger())
	require.NoError(t, s.StartWithContext(ctx))
	require.NoError(t, s.StopWithContext(ctx))
	require.NoError(t, s.RunOnce(ctx))

	items, err := agg.Daily(ctx, 3)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].HighRiskCount)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	agg := NewAggregator(nil, nil, nil, utils.NewNopLogger())
	s := NewScheduler(config.AnalyticsConfig{Enabled: true, Schedule: "not a schedule"}, agg, utils.NewNopLogger())
	require.Error(t, s.StartWithContext(context.Background()))
}

func TestSchedulerStartStop(t *testing.T) {
	agg := NewAggregator(nil, nil, nil, utils.NewNopLogger())
	s := NewScheduler(config.AnalyticsConfig{Enabled: true, Schedule: "@every 1h"}, agg, utils.NewNopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.StartWithContext(ctx))
	require.NoError(t, s.StartWithContext(ctx))
	require.NoError(t, s.StopWithContext(ctx))
}
