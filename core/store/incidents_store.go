package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type IncidentFilter struct {
	UserID    string
	StationID string
	Status    Status
	StatusIn  []Status
	Limit     int
	Offset    int
}

type IncidentsStore interface {
	Create(ctx context.Context, q Querier, incident *Incident) error
	Get(ctx context.Context, q Querier, id string) (*Incident, error)
	List(ctx context.Context, q Querier, filter IncidentFilter) ([]Incident, error)
	ListCreatedSince(ctx context.Context, q Querier, since time.Time) ([]Incident, error)
	UpdateStatus(ctx context.Context, q Querier, id string, to Status, expectedVersion int, at time.Time) error
	UpdateStation(ctx context.Context, q Querier, id string, stationID *string, expectedVersion int, at time.Time) error
	ApplyRiskProjection(ctx context.Context, q Querier, entry *RiskScoreEntry) error
	AnonymizeByUser(ctx context.Context, q Querier, userID string, at time.Time) (int64, error)
}

type incidentsStore struct{}

func NewIncidentsStore() IncidentsStore {
	return &incidentsStore{}
}

const incidentColumns = `id, user_id, incident_type, description, risk_score, status, station_id, predicted_escalation, escalation_probability, language, location_json, version, created_at, updated_at`

func (s *incidentsStore) Create(ctx context.Context, q Querier, incident *Incident) error {
	if incident.Version <= 0 {
		incident.Version = 1
	}
	if incident.Status == "" {
		incident.Status = StatusPending
	}
	if incident.Language == "" {
		incident.Language = "en"
	}
	if incident.EvidenceHashes == nil {
		incident.EvidenceHashes = []string{}
	}
	now := time.Now().UTC()
	incident.CreatedAt = now
	incident.UpdatedAt = now
	_, err := q.ExecContext(ctx, `
		INSERT INTO incidents(`+incidentColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		incident.ID, incident.UserID, incident.IncidentType, incident.Description, incident.RiskScore, string(incident.Status),
		nullableString(incident.StationID), nullableBool(incident.PredictedEscalation), nullableFloat(incident.EscalationProbability),
		incident.Language, locationToJSON(incident.Location), incident.Version, now, now)
	return err
}

// Get returns nil, nil when the incident does not exist. EvidenceHashes follow insertion order.
func (s *incidentsStore) Get(ctx context.Context, q Querier, id string) (*Incident, error) {
	row := q.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, err
	}
	hashes, err := evidenceHashes(ctx, q, id)
	if err != nil {
		return nil, err
	}
	inc.EvidenceHashes = hashes
	return &inc, nil
}

func (s *incidentsStore) List(ctx context.Context, q Querier, filter IncidentFilter) ([]Incident, error) {
	var clauses []string
	var args []any
	if filter.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, filter.UserID)
	}
	if filter.StationID != "" {
		clauses = append(clauses, "station_id=?")
		args = append(args, filter.StationID)
	}
	if len(filter.StatusIn) > 0 {
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders(len(filter.StatusIn))))
		for _, st := range filter.StatusIn {
			args = append(args, string(st))
		}
	} else if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return queryIncidents(ctx, q, query, args...)
}

func (s *incidentsStore) ListCreatedSince(ctx context.Context, q Querier, since time.Time) ([]Incident, error) {
	return queryIncidents(ctx, q, `SELECT `+incidentColumns+` FROM incidents WHERE created_at >= ? ORDER BY created_at, id`, since.UTC())
}

func (s *incidentsStore) UpdateStatus(ctx context.Context, q Querier, id string, to Status, expectedVersion int, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE incidents SET status=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		string(to), at.UTC(), id, expectedVersion)
	return requireAffected(res, err)
}

func (s *incidentsStore) UpdateStation(ctx context.Context, q Querier, id string, stationID *string, expectedVersion int, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE incidents SET station_id=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		nullableString(stationID), at.UTC(), id, expectedVersion)
	return requireAffected(res, err)
}

// ApplyRiskProjection copies the entry onto its incident unless a later entry already did.
// The projection does not take part in version checks, so appends never conflict with transitions.
func (s *incidentsStore) ApplyRiskProjection(ctx context.Context, q Querier, entry *RiskScoreEntry) error {
	if entry == nil || entry.IncidentID == nil {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		UPDATE incidents SET risk_score=?, predicted_escalation=?, escalation_probability=?, risk_seq=?, updated_at=?
		WHERE id=? AND risk_seq < ?`,
		entry.Score, nullableBool(entry.PredictedEscalation), nullableFloat(entry.EscalationProbability), entry.Seq,
		time.Now().UTC(), *entry.IncidentID, entry.Seq)
	return err
}

// AnonymizeByUser strips free text and location from every incident the user owns.
func (s *incidentsStore) AnonymizeByUser(ctx context.Context, q Querier, userID string, at time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE incidents SET description='', location_json='', updated_at=? WHERE user_id=?`,
		at.UTC(), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func queryIncidents(ctx context.Context, q Querier, query string, args ...any) ([]Incident, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func scanIncident(row scanner) (Incident, error) {
	var inc Incident
	var status, locationRaw string
	var station sql.NullString
	var predicted sql.NullBool
	var probability sql.NullFloat64
	if err := row.Scan(&inc.ID, &inc.UserID, &inc.IncidentType, &inc.Description, &inc.RiskScore, &status, &station, &predicted, &probability, &inc.Language, &locationRaw, &inc.Version, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		return inc, err
	}
	inc.Status = Status(status)
	inc.StationID = stringPtr(station)
	inc.PredictedEscalation = boolPtr(predicted)
	inc.EscalationProbability = floatPtr(probability)
	inc.Location = parseLocation(locationRaw)
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	inc.EvidenceHashes = []string{}
	return inc, nil
}

func locationToJSON(loc *Location) string {
	if loc == nil {
		return ""
	}
	return toJSON(loc, "")
}

func parseLocation(raw string) *Location {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var loc Location
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return nil
	}
	return &loc
}
