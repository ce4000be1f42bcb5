package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type FIRKitsStore interface {
	Upsert(ctx context.Context, q Querier, kit *FIRKit) error
	MarkStale(ctx context.Context, q Querier, id, incidentID string, at time.Time) error
	Get(ctx context.Context, q Querier, incidentID string) (*FIRKit, error)
	ListStale(ctx context.Context, q Querier, limit int) ([]FIRKit, error)
	MarkDownloaded(ctx context.Context, q Querier, incidentID string, at time.Time) error
}

type firKitsStore struct{}

func NewFIRKitsStore() FIRKitsStore {
	return &firKitsStore{}
}

const firKitColumns = `id, incident_id, police_station_id, completeness_score, missing_fields_json, pre_filled_json, language, downloaded, stale, generated_at, updated_at`

// Upsert stores the generator output and clears the stale flag.
func (s *firKitsStore) Upsert(ctx context.Context, q Querier, kit *FIRKit) error {
	now := time.Now().UTC()
	if kit.GeneratedAt == nil {
		kit.GeneratedAt = &now
	}
	if kit.MissingFields == nil {
		kit.MissingFields = []string{}
	}
	if kit.Language == "" {
		kit.Language = "en"
	}
	kit.Stale = false
	kit.UpdatedAt = now
	_, err := q.ExecContext(ctx, `
		INSERT INTO fir_kits(`+firKitColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(incident_id) DO UPDATE SET
			police_station_id=excluded.police_station_id,
			completeness_score=excluded.completeness_score,
			missing_fields_json=excluded.missing_fields_json,
			pre_filled_json=excluded.pre_filled_json,
			language=excluded.language,
			downloaded=excluded.downloaded,
			stale=excluded.stale,
			generated_at=excluded.generated_at,
			updated_at=excluded.updated_at`,
		kit.ID, kit.IncidentID, nullableString(kit.PoliceStationID), kit.CompletenessScore, toJSON(kit.MissingFields, "[]"),
		toJSON(kit.PreFilled, "{}"), kit.Language, false, false, nullableTime(kit.GeneratedAt), now)
	return err
}

// MarkStale flags the incident's kit for regeneration, creating an empty placeholder when none exists yet.
func (s *firKitsStore) MarkStale(ctx context.Context, q Querier, id, incidentID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO fir_kits(id, incident_id, completeness_score, missing_fields_json, pre_filled_json, downloaded, stale, updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(incident_id) DO UPDATE SET stale=excluded.stale, updated_at=excluded.updated_at`,
		id, incidentID, 0.0, "[]", "{}", false, true, at.UTC())
	return err
}

func (s *firKitsStore) Get(ctx context.Context, q Querier, incidentID string) (*FIRKit, error) {
	kit, err := scanFIRKit(q.QueryRowContext(ctx, `SELECT `+firKitColumns+` FROM fir_kits WHERE incident_id=?`, incidentID))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &kit, nil
}

func (s *firKitsStore) ListStale(ctx context.Context, q Querier, limit int) ([]FIRKit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+firKitColumns+` FROM fir_kits WHERE stale=? ORDER BY updated_at, incident_id LIMIT ?`, true, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []FIRKit
	for rows.Next() {
		kit, err := scanFIRKit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, kit)
	}
	return res, rows.Err()
}

func (s *firKitsStore) MarkDownloaded(ctx context.Context, q Querier, incidentID string, at time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE fir_kits SET downloaded=?, updated_at=? WHERE incident_id=?`, true, at.UTC(), incidentID)
	return requireAffected(res, err)
}

func scanFIRKit(row scanner) (FIRKit, error) {
	var kit FIRKit
	var station sql.NullString
	var missingRaw, preFilledRaw string
	var generatedAt sql.NullTime
	if err := row.Scan(&kit.ID, &kit.IncidentID, &station, &kit.CompletenessScore, &missingRaw, &preFilledRaw, &kit.Language, &kit.Downloaded, &kit.Stale, &generatedAt, &kit.UpdatedAt); err != nil {
		return kit, err
	}
	kit.PoliceStationID = stringPtr(station)
	kit.GeneratedAt = timePtr(generatedAt)
	kit.UpdatedAt = kit.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(missingRaw), &kit.MissingFields); err != nil || kit.MissingFields == nil {
		kit.MissingFields = []string{}
	}
	_ = json.Unmarshal([]byte(preFilledRaw), &kit.PreFilled)
	return kit, nil
}
