package risk_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"evidence-ledger/config"
	"evidence-ledger/core/appbootstrap/runtimetest"
	"evidence-ledger/core/audit"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/risk"
	"evidence-ledger/core/store"

	"github.com/stretchr/testify/require"
)

func TestAppendRejectsOutOfRangeValues(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	user, _ := h.Victim(t)

	_, err := h.Risk.Append(ctx, store.SystemActor(), risk.AppendInput{UserID: user.ID, Score: 100.5, Confidence: 0.5})
	require.ErrorIs(t, err, errs.ErrOutOfRange)
	_, err = h.Risk.Append(ctx, store.SystemActor(), risk.AppendInput{UserID: user.ID, Score: 50, Confidence: -0.1})
	require.ErrorIs(t, err, errs.ErrOutOfRange)
	p := 1.2
	_, err = h.Risk.Append(ctx, store.SystemActor(), risk.AppendInput{UserID: user.ID, Score: 50, Confidence: 0.5, EscalationProbability: &p})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = h.Risk.Append(ctx, store.SystemActor(), risk.AppendInput{UserID: user.ID, Score: 50, Confidence: 0.5, Factors: store.RiskFactors{"x": math.NaN()}})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.Risk.CurrentScore(ctx, user.ID, nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAppendChecksOwnership(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, _ := h.Incident(t, nil)
	other, _ := h.Victim(t)

	_, err := h.Risk.Append(ctx, store.SystemActor(), risk.AppendInput{UserID: other.ID, IncidentID: &inc.ID, Score: 10, Confidence: 0.5})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = h.Risk.Append(ctx, store.SystemActor(), risk.AppendInput{UserID: "ghost", Score: 10, Confidence: 0.5})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCurrentScoreFollowsLatestAppend(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, victim := h.Incident(t, nil)

	var last *store.RiskScoreEntry
	for _, score := range []float64{20, 75, 35} {
		p := 0.333333
		entry, err := h.Risk.Append(ctx, store.SystemActor(), risk.AppendInput{
			UserID:                victim.UserID,
			IncidentID:            &inc.ID,
			Score:                 score,
			Confidence:            0.7,
			Model:                 "heuristic-v1",
			EscalationProbability: &p,
		})
		require.NoError(t, err)
		require.Equal(t, score >= 70, entry.ThresholdBreached)
		require.Equal(t, 70.0, entry.Threshold)
		require.Equal(t, 0.3333, *entry.EscalationProbability)
		last = entry
	}

	current, err := h.Risk.CurrentScore(ctx, victim.UserID, &inc.ID)
	require.NoError(t, err)
	require.Equal(t, last.ID, current.ID)
	require.Equal(t, 35.0, current.Score)

	history, err := h.Risk.History(ctx, victim.UserID, &inc.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		require.Greater(t, history[i].Seq, history[i-1].Seq)
	}
	require.True(t, history[1].ThresholdBreached)

	got, err := h.Incidents.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, 35.0, got.RiskScore)
	require.Equal(t, 1, got.Version)
}

func TestAsyncReactionEscalatesAfterWait(t *testing.T) {
	h := runtimetest.New(t, func(cfg *config.AppConfig) { cfg.Reactor.Async = true })
	ctx := context.Background()
	inc, victim := h.Reviewed(t, nil)

	_, err := h.Risk.Append(ctx, store.SystemActor(), risk.AppendInput{UserID: victim.UserID, IncidentID: &inc.ID, Score: 90, Confidence: 0.8})
	require.NoError(t, err)
	h.Risk.Wait()

	got, err := h.Incidents.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusEscalated, got.Status)
}

func TestCustomThreshold(t *testing.T) {
	h := runtimetest.New(t, func(cfg *config.AppConfig) { cfg.Risk.Threshold = 90 })
	ctx := context.Background()
	inc, victim := h.Reviewed(t, nil)

	entry, err := h.Risk.Append(ctx, store.SystemActor(), risk.AppendInput{UserID: victim.UserID, IncidentID: &inc.ID, Score: 85, Confidence: 0.8})
	require.NoError(t, err)
	require.False(t, entry.ThresholdBreached)

	got, err := h.Incidents.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusReviewed, got.Status)
}

var scorer = store.Actor{UserID: "scoring-svc", Role: store.RoleAnalyst}

func TestAppendRequiresScoringRole(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, victim := h.Reviewed(t, nil)

	for _, actor := range []store.Actor{victim, {UserID: "officer-1", Role: store.RolePolice}, {}} {
		_, err := h.Risk.Append(ctx, actor, risk.AppendInput{UserID: victim.UserID, IncidentID: &inc.ID, Score: 99, Confidence: 1})
		require.ErrorIs(t, err, errs.ErrForbidden, "role %q", actor.Role)
	}
	history, err := h.Risk.History(ctx, victim.UserID, &inc.ID)
	require.NoError(t, err)
	require.Empty(t, history)
	got, err := h.Incidents.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusReviewed, got.Status)

	_, err = h.Risk.Append(ctx, scorer, risk.AppendInput{UserID: victim.UserID, IncidentID: &inc.ID, Score: 99, Confidence: 1})
	require.NoError(t, err)
	got, err = h.Incidents.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusEscalated, got.Status)
}

func TestAppendRecordsExactlyOneAuditEntry(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, victim := h.Incident(t, nil)

	entry, err := h.Risk.Append(ctx, scorer, risk.AppendInput{
		UserID:     victim.UserID,
		IncidentID: &inc.ID,
		Score:      42.5,
		Confidence: 0.6,
		Factors:    store.RiskFactors{"keyword_hits": 3},
		Model:      "heuristic-v1",
	})
	require.NoError(t, err)

	history, err := h.Audit.History(ctx, store.EntityRisk, entry.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, audit.ActionRiskAppend, history[0].Action)
	require.NotNil(t, history[0].ActorID)
	require.Equal(t, scorer.UserID, *history[0].ActorID)

	var recorded store.RiskScoreEntry
	require.NoError(t, json.Unmarshal(history[0].NewValue, &recorded))
	stored, err := h.Risk.CurrentScore(ctx, victim.UserID, &inc.ID)
	require.NoError(t, err)
	require.Equal(t, stored.ID, recorded.ID)
	require.Equal(t, stored.Seq, recorded.Seq)
	require.Equal(t, stored.Score, recorded.Score)
	require.Equal(t, stored.Confidence, recorded.Confidence)
	require.Equal(t, stored.Factors, recorded.Factors)
	require.Equal(t, stored.Model, recorded.Model)
	require.Equal(t, stored.ThresholdBreached, recorded.ThresholdBreached)
	require.Equal(t, *stored.IncidentID, *recorded.IncidentID)
}

func TestAuditFailureRollsBackAppend(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, victim := h.Reviewed(t, nil)

	restore := h.AuditOutage()
	_, err := h.Risk.Append(ctx, scorer, risk.AppendInput{UserID: victim.UserID, IncidentID: &inc.ID, Score: 95, Confidence: 1})
	restore()
	require.ErrorIs(t, err, errs.ErrPersistence)

	history, err := h.Risk.History(ctx, victim.UserID, &inc.ID)
	require.NoError(t, err)
	require.Empty(t, history)
	got, err := h.Incidents.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusReviewed, got.Status)
	require.Zero(t, got.RiskScore)
	require.Equal(t, inc.Version, got.Version)
}
