package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type RiskStore interface {
	Insert(ctx context.Context, q Querier, entry *RiskScoreEntry) error
	Latest(ctx context.Context, q Querier, userID string, incidentID *string) (*RiskScoreEntry, error)
	LatestForIncident(ctx context.Context, q Querier, incidentID string) (*RiskScoreEntry, error)
	History(ctx context.Context, q Querier, userID string, incidentID *string) ([]RiskScoreEntry, error)
}

type riskStore struct{}

func NewRiskStore() RiskStore {
	return &riskStore{}
}

const riskColumns = `seq, id, user_id, incident_id, score, confidence, factors_json, model, predicted_escalation, escalation_probability, threshold, threshold_breached, created_at`

// Insert appends the entry and fills Seq from the database sequence.
func (s *riskStore) Insert(ctx context.Context, q Querier, entry *RiskScoreEntry) error {
	if entry.Factors == nil {
		entry.Factors = RiskFactors{}
	}
	entry.CreatedAt = time.Now().UTC()
	row := q.QueryRowContext(ctx, `
		INSERT INTO risk_scores(id, user_id, incident_id, score, confidence, factors_json, model, predicted_escalation, escalation_probability, threshold, threshold_breached, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		RETURNING seq`,
		entry.ID, entry.UserID, nullableString(entry.IncidentID), entry.Score, entry.Confidence, toJSON(entry.Factors, "{}"),
		entry.Model, nullableBool(entry.PredictedEscalation), nullableFloat(entry.EscalationProbability), entry.Threshold,
		entry.ThresholdBreached, entry.CreatedAt)
	return row.Scan(&entry.Seq)
}

// Latest orders by seq only. created_at is informational.
func (s *riskStore) Latest(ctx context.Context, q Querier, userID string, incidentID *string) (*RiskScoreEntry, error) {
	query, args := riskKeyQuery(userID, incidentID)
	return getRiskEntry(ctx, q, query+` ORDER BY seq DESC LIMIT 1`, args...)
}

func (s *riskStore) LatestForIncident(ctx context.Context, q Querier, incidentID string) (*RiskScoreEntry, error) {
	return getRiskEntry(ctx, q, `SELECT `+riskColumns+` FROM risk_scores WHERE incident_id=? ORDER BY seq DESC LIMIT 1`, incidentID)
}

func (s *riskStore) History(ctx context.Context, q Querier, userID string, incidentID *string) ([]RiskScoreEntry, error) {
	query, args := riskKeyQuery(userID, incidentID)
	rows, err := q.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RiskScoreEntry
	for rows.Next() {
		entry, err := scanRiskEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}

func riskKeyQuery(userID string, incidentID *string) (string, []any) {
	query := `SELECT ` + riskColumns + ` FROM risk_scores WHERE user_id=?`
	args := []any{userID}
	if incidentID != nil && *incidentID != "" {
		query += ` AND incident_id=?`
		args = append(args, *incidentID)
	}
	return query, args
}

func getRiskEntry(ctx context.Context, q Querier, query string, args ...any) (*RiskScoreEntry, error) {
	entry, err := scanRiskEntry(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func scanRiskEntry(row scanner) (RiskScoreEntry, error) {
	var e RiskScoreEntry
	var incident sql.NullString
	var factorsRaw string
	var predicted sql.NullBool
	var probability sql.NullFloat64
	if err := row.Scan(&e.Seq, &e.ID, &e.UserID, &incident, &e.Score, &e.Confidence, &factorsRaw, &e.Model, &predicted, &probability, &e.Threshold, &e.ThresholdBreached, &e.CreatedAt); err != nil {
		return e, err
	}
	e.IncidentID = stringPtr(incident)
	e.PredictedEscalation = boolPtr(predicted)
	e.EscalationProbability = floatPtr(probability)
	e.CreatedAt = e.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(factorsRaw), &e.Factors); err != nil || e.Factors == nil {
		e.Factors = RiskFactors{}
	}
	return e, nil
}
