package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type EvidenceStore interface {
	Insert(ctx context.Context, q Querier, ev *Evidence) error
	GetByHash(ctx context.Context, q Querier, contentHash string) (*Evidence, error)
	GetByID(ctx context.Context, q Querier, id string) (*Evidence, error)
	ListByIncident(ctx context.Context, q Querier, incidentID string) ([]Evidence, error)
	CountByIncident(ctx context.Context, q Querier, incidentID string) (int, error)
	Anchor(ctx context.Context, q Querier, id, externalHash, externalTxID string, at time.Time, expectedVersion int) error
}

type evidenceStore struct{}

func NewEvidenceStore() EvidenceStore {
	return &evidenceStore{}
}

const evidenceColumns = `id, incident_id, evidence_type, content_hash, size_bytes, storage_key, metadata_json, auto_tags_json, external_hash, external_tx_id, anchored_at, tamper_proof, version, created_at`

// Insert fails with a unique violation when the content hash is already stored under any incident.
func (s *evidenceStore) Insert(ctx context.Context, q Querier, ev *Evidence) error {
	if ev.Version <= 0 {
		ev.Version = 1
	}
	ev.TamperProof = true
	ev.AutoTags = normalizeTags(ev.AutoTags)
	ev.CreatedAt = time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		INSERT INTO evidence(`+evidenceColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.IncidentID, string(ev.Type), ev.ContentHash, ev.SizeBytes, ev.StorageKey, toJSON(ev.Metadata, "{}"),
		toJSON(ev.AutoTags, "[]"), ev.ExternalHash, ev.ExternalTxID, nullableTime(ev.AnchoredAt), ev.TamperProof, ev.Version, ev.CreatedAt)
	return err
}

func (s *evidenceStore) GetByHash(ctx context.Context, q Querier, contentHash string) (*Evidence, error) {
	return getEvidence(ctx, q, `SELECT `+evidenceColumns+` FROM evidence WHERE content_hash=?`, contentHash)
}

func (s *evidenceStore) GetByID(ctx context.Context, q Querier, id string) (*Evidence, error) {
	return getEvidence(ctx, q, `SELECT `+evidenceColumns+` FROM evidence WHERE id=?`, id)
}

func (s *evidenceStore) ListByIncident(ctx context.Context, q Querier, incidentID string) ([]Evidence, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE incident_id=? ORDER BY seq`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (s *evidenceStore) CountByIncident(ctx context.Context, q Querier, incidentID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence WHERE incident_id=?`, incidentID).Scan(&n)
	return n, err
}

// Anchor fills the external references. A reference that is already set only matches itself, and
// anchored_at keeps the first anchoring time.
func (s *evidenceStore) Anchor(ctx context.Context, q Querier, id, externalHash, externalTxID string, at time.Time, expectedVersion int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE evidence SET external_hash=?, external_tx_id=?, anchored_at=COALESCE(anchored_at, ?), tamper_proof=?, version=version+1
		WHERE id=? AND version=? AND (external_hash='' OR external_hash=?) AND (external_tx_id='' OR external_tx_id=?)`,
		externalHash, externalTxID, at.UTC(), true, id, expectedVersion, externalHash, externalTxID)
	return requireAffected(res, err)
}

func evidenceHashes(ctx context.Context, q Querier, incidentID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT content_hash FROM evidence WHERE incident_id=? ORDER BY seq`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	hashes := []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func getEvidence(ctx context.Context, q Querier, query string, arg any) (*Evidence, error) {
	ev, err := scanEvidence(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

func scanEvidence(row scanner) (Evidence, error) {
	var ev Evidence
	var evType, metaRaw, tagsRaw string
	var anchoredAt sql.NullTime
	if err := row.Scan(&ev.ID, &ev.IncidentID, &evType, &ev.ContentHash, &ev.SizeBytes, &ev.StorageKey, &metaRaw, &tagsRaw, &ev.ExternalHash, &ev.ExternalTxID, &anchoredAt, &ev.TamperProof, &ev.Version, &ev.CreatedAt); err != nil {
		return ev, err
	}
	ev.Type = EvidenceType(evType)
	ev.AnchoredAt = timePtr(anchoredAt)
	ev.CreatedAt = ev.CreatedAt.UTC()
	_ = json.Unmarshal([]byte(metaRaw), &ev.Metadata)
	if err := json.Unmarshal([]byte(tagsRaw), &ev.AutoTags); err != nil || ev.AutoTags == nil {
		ev.AutoTags = []string{}
	}
	return ev, nil
}
