package store

import (
	"context"
	"fmt"
	"time"
)

type AnalyticsStore interface {
	ReplaceDays(ctx context.Context, q Querier, fromDay, toDay string, rollups []DailyRollup) error
	RecordRun(ctx context.Context, q Querier, windowDays, daysWritten int, startedAt, finishedAt time.Time) error
	ListDaily(ctx context.Context, q Querier, fromDay string) ([]DailyRollup, error)
}

type analyticsStore struct{}

func NewAnalyticsStore() AnalyticsStore {
	return &analyticsStore{}
}

// ReplaceDays makes [fromDay, toDay] hold exactly rollups. Buckets are upserted so overlapping
// refreshes converge on the same rows.
func (s *analyticsStore) ReplaceDays(ctx context.Context, q Querier, fromDay, toDay string, rollups []DailyRollup) error {
	args := []any{fromDay, toDay}
	query := `DELETE FROM analytics_daily WHERE day >= ? AND day <= ?`
	if len(rollups) > 0 {
		query += fmt.Sprintf(" AND day NOT IN (%s)", placeholders(len(rollups)))
		for _, r := range rollups {
			args = append(args, r.Day)
		}
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	for _, r := range rollups {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO analytics_daily(day, total_incidents, high_risk_count, predicted_escalation_count, avg_risk_score, distinct_users)
			VALUES(?,?,?,?,?,?)
			ON CONFLICT(day) DO UPDATE SET
				total_incidents=excluded.total_incidents,
				high_risk_count=excluded.high_risk_count,
				predicted_escalation_count=excluded.predicted_escalation_count,
				avg_risk_score=excluded.avg_risk_score,
				distinct_users=excluded.distinct_users`,
			r.Day, r.TotalIncidents, r.HighRiskCount, r.PredictedEscalationCount, r.AvgRiskScore, r.DistinctUsers); err != nil {
			return err
		}
	}
	return nil
}

func (s *analyticsStore) RecordRun(ctx context.Context, q Querier, windowDays, daysWritten int, startedAt, finishedAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO analytics_runs(window_days, days_written, started_at, finished_at) VALUES(?,?,?,?)`,
		windowDays, daysWritten, startedAt.UTC(), finishedAt.UTC())
	return err
}

func (s *analyticsStore) ListDaily(ctx context.Context, q Querier, fromDay string) ([]DailyRollup, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT day, total_incidents, high_risk_count, predicted_escalation_count, avg_risk_score, distinct_users
		FROM analytics_daily WHERE day >= ? ORDER BY day`, fromDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DailyRollup
	for rows.Next() {
		var r DailyRollup
		if err := rows.Scan(&r.Day, &r.TotalIncidents, &r.HighRiskCount, &r.PredictedEscalationCount, &r.AvgRiskScore, &r.DistinctUsers); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
