package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"evidence-ledger/core/errs"
	"evidence-ledger/core/metrics"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Change describes one mutation. Old and New are marshalled to JSON snapshots; nil means absent.
type Change struct {
	Action     string
	EntityType string
	EntityID   string
	Old        any
	New        any
	Reason     string
}

type Recorder struct {
	db     *store.DB
	audits store.AuditStore
	logger *utils.Logger
}

func NewRecorder(db *store.DB, audits store.AuditStore, logger *utils.Logger) *Recorder {
	return &Recorder{db: db, audits: audits, logger: logger}
}

// Record appends a standalone entry in its own transaction.
func (r *Recorder) Record(ctx context.Context, actor store.Actor, ch Change) (*store.AuditLogEntry, error) {
	var entry *store.AuditLogEntry
	err := r.db.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = r.RecordTx(ctx, tx, actor, ch)
		return err
	})
	if err != nil {
		return nil, errs.Persistence("record audit", err)
	}
	return entry, nil
}

// RecordTx appends the entry inside the caller's transaction so it commits or rolls back with the mutation.
func (r *Recorder) RecordTx(ctx context.Context, q store.Querier, actor store.Actor, ch Change) (*store.AuditLogEntry, error) {
	if strings.TrimSpace(ch.Action) == "" || strings.TrimSpace(ch.EntityType) == "" || strings.TrimSpace(ch.EntityID) == "" {
		return nil, errs.Validation("audit entry requires action, entity type and entity id")
	}
	oldValue, err := snapshot(ch.Old)
	if err != nil {
		return nil, errs.Persistence("encode audit old value", err)
	}
	newValue, err := snapshot(ch.New)
	if err != nil {
		return nil, errs.Persistence("encode audit new value", err)
	}
	prev, err := r.audits.LastHash(ctx, q, ch.EntityType, ch.EntityID)
	if err != nil {
		return nil, errs.Persistence("read audit chain head", err)
	}
	entry := &store.AuditLogEntry{
		ID:         utils.NewID(),
		ActorID:    actor.Ref(),
		Action:     ch.Action,
		EntityType: ch.EntityType,
		EntityID:   ch.EntityID,
		OldValue:   oldValue,
		NewValue:   newValue,
		Reason:     strings.TrimSpace(ch.Reason),
		PrevHash:   prev,
		// Postgres keeps microseconds; truncating keeps the hash stable across a round trip.
		CreatedAt: utils.NowUTC().Truncate(time.Microsecond),
	}
	entry.Hash = ChainHash(entry)
	if err := r.audits.Insert(ctx, q, entry); err != nil {
		r.logger.Error("audit insert failed", zap.String("action", ch.Action), zap.String("entity_id", ch.EntityID), zap.Error(err))
		return nil, errs.Persistence("insert audit entry", err)
	}
	metrics.AuditRecorded(ch.Action)
	return entry, nil
}

func (r *Recorder) History(ctx context.Context, entityType, entityID string) ([]store.AuditLogEntry, error) {
	entries, err := r.audits.History(ctx, r.db, entityType, entityID)
	if err != nil {
		return nil, errs.Persistence("read audit history", err)
	}
	return entries, nil
}

type ChainReport struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Entries    int    `json:"entries"`
	Valid      bool   `json:"valid"`
	BrokenSeq  int64  `json:"broken_seq,omitempty"`
	Problem    string `json:"problem,omitempty"`
}

// VerifyChain recomputes every link of the entity's chain in insertion order.
func (r *Recorder) VerifyChain(ctx context.Context, entityType, entityID string) (ChainReport, error) {
	report := ChainReport{EntityType: entityType, EntityID: entityID, Valid: true}
	entries, err := r.History(ctx, entityType, entityID)
	if err != nil {
		return report, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	report.Entries = len(entries)
	prev := ""
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev {
			report.Valid = false
			report.BrokenSeq = e.Seq
			report.Problem = "prev_hash does not match preceding entry"
			return report, nil
		}
		if ChainHash(e) != e.Hash {
			report.Valid = false
			report.BrokenSeq = e.Seq
			report.Problem = "hash does not match entry content"
			return report, nil
		}
		prev = e.Hash
	}
	return report, nil
}

// ChainHash is BLAKE2b-256 over the entry content and its predecessor. The actor is excluded so
// erasure can drop the reference without breaking the chain.
func ChainHash(e *store.AuditLogEntry) string {
	parts := []string{
		e.PrevHash,
		e.Action,
		e.EntityType,
		e.EntityID,
		string(e.OldValue),
		string(e.NewValue),
		e.Reason,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}
