package risk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBreachedIsInclusive(t *testing.T) {
	require.True(t, Breached(70, 70))
	require.False(t, Breached(69.99, 70))
	require.True(t, Breached(100, 70))
}

func TestRoundProbability(t *testing.T) {
	require.Equal(t, 0.1235, RoundProbability(0.123456))
	require.Equal(t, 0.5, RoundProbability(0.5))
}

func TestRecommendBands(t *testing.T) {
	cases := []struct {
		score float64
		p     float64
		want  Recommendation
	}{
		{85, 0.1, RecommendImmediateEscalation},
		{30, 0.81, RecommendImmediateEscalation},
		{80, 0.8, RecommendPoliceReview},
		{61, 0, RecommendPoliceReview},
		{60, 0, RecommendMonitorClosely},
		{41, 0, RecommendMonitorClosely},
		{40, 0, RecommendSafeZone},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Recommend(tc.score, tc.p), "score=%v p=%v", tc.score, tc.p)
	}
}
