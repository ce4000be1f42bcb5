package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"evidence-ledger/core/audit"
	"evidence-ledger/core/blobs"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/metrics"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"

	"go.uber.org/zap"
)

type PutInput struct {
	IncidentID string                 `validate:"required"`
	Type       store.EvidenceType     `validate:"required,oneof=screenshot chat_log email audio"`
	Content    []byte                 `validate:"required,min=1"`
	Metadata   store.EvidenceMetadata `validate:"-"`
}

type Verification struct {
	EvidenceID   string    `json:"evidence_id"`
	ContentHash  string    `json:"content_hash"`
	Verified     bool      `json:"verified"`
	TamperProof  bool      `json:"tamper_proof"`
	Anchored     bool      `json:"anchored"`
	ExternalHash string    `json:"external_hash,omitempty"`
	ExternalTxID string    `json:"external_tx_id,omitempty"`
	Problem      string    `json:"problem,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

type Service struct {
	db        *store.DB
	evidence  store.EvidenceStore
	incidents store.IncidentsStore
	firKits   store.FIRKitsStore
	blobs     blobs.Store
	audit     *audit.Recorder
	maxBytes  int64
	logger    *utils.Logger
}

func NewService(db *store.DB, evidence store.EvidenceStore, incidents store.IncidentsStore, firKits store.FIRKitsStore, blobStore blobs.Store, recorder *audit.Recorder, maxBytes int64, logger *utils.Logger) *Service {
	return &Service{
		db:        db,
		evidence:  evidence,
		incidents: incidents,
		firKits:   firKits,
		blobs:     blobStore,
		audit:     recorder,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Put stores new evidence. Content already on file under any incident fails with DuplicateEvidence.
func (s *Service) Put(ctx context.Context, actor store.Actor, in PutInput) (*store.Evidence, error) {
	in.IncidentID = strings.TrimSpace(in.IncidentID)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	if s.maxBytes > 0 && int64(len(in.Content)) > s.maxBytes {
		return nil, errs.Validation("evidence exceeds %d bytes", s.maxBytes)
	}
	inc, err := s.incidents.Get(ctx, s.db, in.IncidentID)
	if err != nil {
		return nil, errs.Persistence("load incident", err)
	}
	if inc == nil {
		return nil, errs.NotFound(store.EntityIncident, in.IncidentID)
	}
	if actor.Role == store.RoleVictim && actor.UserID != inc.UserID {
		return nil, errs.New(errs.CodeForbidden, "victims may only file evidence on their own incidents")
	}
	hash := ContentHash(in.Content)
	existing, err := s.evidence.GetByHash(ctx, s.db, hash)
	if err != nil {
		return nil, errs.Persistence("lookup evidence hash", err)
	}
	if existing != nil {
		metrics.EvidencePut("duplicate")
		return nil, errs.New(errs.CodeDuplicateEvidence, "content already filed")
	}

	key := blobs.Key(hash)
	if err := s.blobs.Put(ctx, key, in.Content, in.Metadata.ContentType); err != nil {
		metrics.EvidencePut("error")
		return nil, errs.Persistence("store evidence blob", err)
	}

	now := utils.NowUTC()
	ev := &store.Evidence{
		ID:          utils.NewID(),
		IncidentID:  inc.ID,
		Type:        in.Type,
		ContentHash: hash,
		SizeBytes:   int64(len(in.Content)),
		StorageKey:  key,
		Metadata:    in.Metadata,
		AutoTags:    AutoTags(in.Type, in.Content, now),
	}
	err = s.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := s.evidence.Insert(ctx, tx, ev); err != nil {
			if store.IsUniqueViolation(err) {
				return errs.New(errs.CodeDuplicateEvidence, "content already filed")
			}
			return errs.Persistence("insert evidence", err)
		}
		if err := s.firKits.MarkStale(ctx, tx, utils.NewID(), inc.ID, now); err != nil {
			return errs.Persistence("mark fir kit stale", err)
		}
		_, err := s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionEvidencePut,
			EntityType: store.EntityEvidence,
			EntityID:   ev.ID,
			New:        ev,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, errs.ErrDuplicateEvidence) {
			metrics.EvidencePut("duplicate")
		} else {
			metrics.EvidencePut("error")
		}
		return nil, errs.Persistence("put evidence", err)
	}
	metrics.EvidencePut("stored")
	s.logger.Info("evidence stored", zap.String("evidence_id", ev.ID), zap.String("incident_id", ev.IncidentID), zap.String("content_hash", hash))
	return ev, nil
}

// Anchor attaches external references. Each reference is write-once: an empty one may be filled by a
// later callback, a set one only accepts its own value. A callback that adds nothing is a no-op.
func (s *Service) Anchor(ctx context.Context, actor store.Actor, evidenceID, externalHash, externalTxID string) (*store.Evidence, error) {
	evidenceID = strings.TrimSpace(evidenceID)
	externalHash = strings.TrimSpace(externalHash)
	externalTxID = strings.TrimSpace(externalTxID)
	if evidenceID == "" {
		return nil, errs.Validation("evidence id is required")
	}
	if externalHash == "" && externalTxID == "" {
		return nil, errs.Validation("anchor requires an external hash or transaction id")
	}
	var result *store.Evidence
	replay := false
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		ev, err := s.evidence.GetByID(ctx, tx, evidenceID)
		if err != nil {
			return errs.Persistence("load evidence", err)
		}
		if ev == nil {
			return errs.NotFound(store.EntityEvidence, evidenceID)
		}
		hash, txID, changed, err := mergeAnchor(ev, externalHash, externalTxID)
		if err != nil {
			return err
		}
		if !changed {
			result, replay = ev, true
			return nil
		}
		before := *ev
		now := utils.NowUTC()
		if err := s.evidence.Anchor(ctx, tx, ev.ID, hash, txID, now, ev.Version); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				return errs.Persistence("anchor evidence", err)
			}
			fresh, ferr := s.evidence.GetByID(ctx, tx, ev.ID)
			if ferr != nil {
				return errs.Persistence("reload evidence", ferr)
			}
			if fresh != nil {
				_, _, pending, merr := mergeAnchor(fresh, externalHash, externalTxID)
				if merr != nil {
					return merr
				}
				if !pending {
					result, replay = fresh, true
					return nil
				}
			}
			return errs.New(errs.CodeConcurrentModification, "evidence changed while anchoring")
		}
		after, err := s.evidence.GetByID(ctx, tx, ev.ID)
		if err != nil {
			return errs.Persistence("reload evidence", err)
		}
		if err := s.firKits.MarkStale(ctx, tx, utils.NewID(), ev.IncidentID, now); err != nil {
			return errs.Persistence("mark fir kit stale", err)
		}
		if _, err := s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionEvidenceAnchor,
			EntityType: store.EntityEvidence,
			EntityID:   ev.ID,
			Old:        anchorView(&before),
			New:        anchorView(after),
		}); err != nil {
			return err
		}
		result = after
		return nil
	})
	switch {
	case err == nil && replay:
		metrics.EvidenceAnchor("replay")
	case err == nil:
		metrics.EvidenceAnchor("anchored")
	case errors.Is(err, errs.ErrAnchorConflict):
		metrics.EvidenceAnchor("conflict")
	default:
		metrics.EvidenceAnchor("error")
	}
	if err != nil {
		return nil, errs.Persistence("anchor evidence", err)
	}
	return result, nil
}

// mergeAnchor folds the callback values into the stored ones. changed is false when every supplied
// value is already on file.
func mergeAnchor(ev *store.Evidence, externalHash, externalTxID string) (hash, txID string, changed bool, err error) {
	hash, txID = ev.ExternalHash, ev.ExternalTxID
	if externalHash != "" {
		if hash != "" && hash != externalHash {
			return "", "", false, errs.New(errs.CodeAnchorConflict, "evidence already anchored with a different external hash")
		}
		changed = changed || hash == ""
		hash = externalHash
	}
	if externalTxID != "" {
		if txID != "" && txID != externalTxID {
			return "", "", false, errs.New(errs.CodeAnchorConflict, "evidence already anchored with a different transaction id")
		}
		changed = changed || txID == ""
		txID = externalTxID
	}
	return hash, txID, changed, nil
}

type anchorSnapshot struct {
	ExternalHash string     `json:"external_hash"`
	ExternalTxID string     `json:"external_tx_id"`
	AnchoredAt   *time.Time `json:"anchored_at,omitempty"`
	TamperProof  bool       `json:"tamper_proof"`
	Version      int        `json:"version"`
}

func anchorView(ev *store.Evidence) anchorSnapshot {
	return anchorSnapshot{
		ExternalHash: ev.ExternalHash,
		ExternalTxID: ev.ExternalTxID,
		AnchoredAt:   ev.AnchoredAt,
		TamperProof:  ev.TamperProof,
		Version:      ev.Version,
	}
}

func (s *Service) Get(ctx context.Context, contentHash string) (*store.Evidence, error) {
	ev, err := s.evidence.GetByHash(ctx, s.db, strings.ToLower(strings.TrimSpace(contentHash)))
	if err != nil {
		return nil, errs.Persistence("get evidence", err)
	}
	if ev == nil {
		return nil, errs.NotFound(store.EntityEvidence, contentHash)
	}
	return ev, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*store.Evidence, error) {
	ev, err := s.evidence.GetByID(ctx, s.db, id)
	if err != nil {
		return nil, errs.Persistence("get evidence", err)
	}
	if ev == nil {
		return nil, errs.NotFound(store.EntityEvidence, id)
	}
	return ev, nil
}

func (s *Service) ListByIncident(ctx context.Context, incidentID string) ([]store.Evidence, error) {
	items, err := s.evidence.ListByIncident(ctx, s.db, incidentID)
	if err != nil {
		return nil, errs.Persistence("list evidence", err)
	}
	return items, nil
}

// Verify re-reads the stored bytes and checks them against the recorded hash.
func (s *Service) Verify(ctx context.Context, contentHash string) (*Verification, error) {
	ev, err := s.Get(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	v := &Verification{
		EvidenceID:   ev.ID,
		ContentHash:  ev.ContentHash,
		TamperProof:  ev.TamperProof,
		Anchored:     ev.Anchored(),
		ExternalHash: ev.ExternalHash,
		ExternalTxID: ev.ExternalTxID,
		CheckedAt:    utils.NowUTC(),
	}
	data, err := s.blobs.Get(ctx, ev.StorageKey)
	switch {
	case errors.Is(err, blobs.ErrNotFound):
		v.Problem = "stored content missing"
		return v, nil
	case err != nil:
		return nil, errs.Persistence("read evidence blob", err)
	}
	if ContentHash(data) != ev.ContentHash {
		v.Problem = "stored content does not match hash"
		s.logger.Warn("evidence hash mismatch", zap.String("evidence_id", ev.ID))
		return v, nil
	}
	v.Verified = true
	return v, nil
}
