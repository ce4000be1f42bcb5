package risk

import "github.com/shopspring/decimal"

const DefaultThreshold = 70.0

// Breached is the only source of threshold_breached. It depends on nothing but its inputs so
// history can be re-derived without the scoring model.
func Breached(score, threshold float64) bool {
	return score >= threshold
}

// RoundProbability keeps four decimal places.
func RoundProbability(p float64) float64 {
	return decimal.NewFromFloat(p).Round(4).InexactFloat64()
}

type Recommendation string

const (
	RecommendImmediateEscalation Recommendation = "IMMEDIATE_ESCALATION"
	RecommendPoliceReview        Recommendation = "SCHEDULE_POLICE_REVIEW"
	RecommendMonitorClosely      Recommendation = "MONITOR_CLOSELY"
	RecommendSafeZone            Recommendation = "SAFE_ZONE"
)

func Recommend(score, escalationProbability float64) Recommendation {
	switch {
	case score > 80 || escalationProbability > 0.8:
		return RecommendImmediateEscalation
	case score > 60:
		return RecommendPoliceReview
	case score > 40:
		return RecommendMonitorClosely
	default:
		return RecommendSafeZone
	}
}
