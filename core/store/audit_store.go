package store

import (
	"context"
	"database/sql"
)

type AuditStore interface {
	Insert(ctx context.Context, q Querier, entry *AuditLogEntry) error
	LastHash(ctx context.Context, q Querier, entityType, entityID string) (string, error)
	History(ctx context.Context, q Querier, entityType, entityID string) ([]AuditLogEntry, error)
	AnonymizeActor(ctx context.Context, q Querier, userID string) (int64, error)
}

type auditStore struct{}

func NewAuditStore() AuditStore {
	return &auditStore{}
}

const auditColumns = `seq, id, actor_id, action, entity_type, entity_id, old_value, new_value, reason, prev_hash, hash, created_at`

func (s *auditStore) Insert(ctx context.Context, q Querier, entry *AuditLogEntry) error {
	row := q.QueryRowContext(ctx, `
		INSERT INTO audit_log(id, actor_id, action, entity_type, entity_id, old_value, new_value, reason, prev_hash, hash, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		RETURNING seq`,
		entry.ID, nullableString(entry.ActorID), entry.Action, entry.EntityType, entry.EntityID, nullableJSON(entry.OldValue),
		nullableJSON(entry.NewValue), entry.Reason, entry.PrevHash, entry.Hash, entry.CreatedAt.UTC())
	return row.Scan(&entry.Seq)
}

// LastHash returns the chain head for the entity, or "" before its first entry.
func (s *auditStore) LastHash(ctx context.Context, q Querier, entityType, entityID string) (string, error) {
	var hash string
	err := q.QueryRowContext(ctx, `
		SELECT hash FROM audit_log WHERE entity_type=? AND entity_id=? ORDER BY seq DESC LIMIT 1`,
		entityType, entityID).Scan(&hash)
	if noRows(err) {
		return "", nil
	}
	return hash, err
}

func (s *auditStore) History(ctx context.Context, q Querier, entityType, entityID string) ([]AuditLogEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log WHERE entity_type=? AND entity_id=? ORDER BY created_at, seq`,
		entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		var actor, oldValue, newValue sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &actor, &e.Action, &e.EntityType, &e.EntityID, &oldValue, &newValue, &e.Reason, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = stringPtr(actor)
		if oldValue.Valid {
			e.OldValue = []byte(oldValue.String)
		}
		if newValue.Valid {
			e.NewValue = []byte(newValue.String)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}

// AnonymizeActor drops the user reference from past entries. Entry content and hashes stay intact.
func (s *auditStore) AnonymizeActor(ctx context.Context, q Querier, userID string) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE audit_log SET actor_id=NULL WHERE actor_id=?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
