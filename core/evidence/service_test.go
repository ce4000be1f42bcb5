package evidence_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"evidence-ledger/config"
	"evidence-ledger/core/appbootstrap/runtimetest"
	"evidence-ledger/core/audit"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/evidence"
	"evidence-ledger/core/store"

	"github.com/stretchr/testify/require"
)

func TestPutStoresContentAddressedEvidence(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, _ := h.Incident(t, nil)

	content := []byte("he said he would harm me if I told anyone")
	ev, err := h.Evidence.Put(ctx, runtimetest.Admin, evidence.PutInput{
		IncidentID: inc.ID,
		Type:       store.EvidenceChatLog,
		Content:    content,
		Metadata:   store.EvidenceMetadata{Filename: "chat.txt", ContentType: "text/plain"},
	})
	require.NoError(t, err)
	require.Equal(t, evidence.ContentHash(content), ev.ContentHash)
	require.Len(t, ev.ContentHash, 64)
	require.True(t, ev.TamperProof)
	require.False(t, ev.Anchored())
	require.Contains(t, ev.AutoTags, "chat_log")
	require.Contains(t, ev.AutoTags, "threat_contained")

	got, err := h.Evidence.Get(ctx, strings.ToUpper(ev.ContentHash))
	require.NoError(t, err)
	require.Equal(t, ev.ID, got.ID)
	require.Equal(t, "chat.txt", got.Metadata.Filename)

	history, err := h.Audit.History(ctx, store.EntityEvidence, ev.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, audit.ActionEvidencePut, history[0].Action)

	withHashes, err := h.Incidents.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, []string{ev.ContentHash}, withHashes.EvidenceHashes)
}

func TestPutRejectsDuplicateContentAcrossIncidents(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	first, _ := h.Incident(t, nil)
	second, _ := h.Incident(t, nil)
	h.AddEvidence(t, first.ID, "same bytes")

	_, err := h.Evidence.Put(ctx, runtimetest.Admin, evidence.PutInput{IncidentID: second.ID, Type: store.EvidenceEmail, Content: []byte("same bytes")})
	require.ErrorIs(t, err, errs.ErrDuplicateEvidence)

	items, err := h.Evidence.ListByIncident(ctx, second.ID)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestPutValidatesInput(t *testing.T) {
	h := runtimetest.New(t, func(cfg *config.AppConfig) { cfg.Evidence.MaxBytes = 8 })
	ctx := context.Background()
	inc, _ := h.Incident(t, nil)

	_, err := h.Evidence.Put(ctx, runtimetest.Admin, evidence.PutInput{IncidentID: inc.ID, Type: store.EvidenceAudio})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.Evidence.Put(ctx, runtimetest.Admin, evidence.PutInput{IncidentID: inc.ID, Type: "video", Content: []byte("x")})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.Evidence.Put(ctx, runtimetest.Admin, evidence.PutInput{IncidentID: inc.ID, Type: store.EvidenceAudio, Content: []byte("far too many bytes")})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.Evidence.Put(ctx, runtimetest.Admin, evidence.PutInput{IncidentID: "missing", Type: store.EvidenceAudio, Content: []byte("ok")})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAnchorIsWriteOnce(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, _ := h.Incident(t, nil)
	ev := h.AddEvidence(t, inc.ID, "anchor me")

	_, err := h.Evidence.Anchor(ctx, runtimetest.Admin, ev.ID, " ", "")
	require.ErrorIs(t, err, errs.ErrValidation)

	anchored, err := h.Evidence.Anchor(ctx, runtimetest.Admin, ev.ID, "0xabc", "tx-1")
	require.NoError(t, err)
	require.True(t, anchored.Anchored())
	require.NotNil(t, anchored.AnchoredAt)
	require.Equal(t, ev.Version+1, anchored.Version)

	replay, err := h.Evidence.Anchor(ctx, runtimetest.Admin, ev.ID, "0xabc", "tx-1")
	require.NoError(t, err)
	require.Equal(t, anchored.Version, replay.Version)

	_, err = h.Evidence.Anchor(ctx, runtimetest.Admin, ev.ID, "0xdef", "tx-1")
	require.ErrorIs(t, err, errs.ErrAnchorConflict)
	_, err = h.Evidence.Anchor(ctx, runtimetest.Admin, ev.ID, "", "tx-2")
	require.ErrorIs(t, err, errs.ErrAnchorConflict)
	partial, err := h.Evidence.Anchor(ctx, runtimetest.Admin, ev.ID, "0xabc", "")
	require.NoError(t, err)
	require.Equal(t, anchored.Version, partial.Version)
	require.Equal(t, "tx-1", partial.ExternalTxID)

	_, err = h.Evidence.Anchor(ctx, runtimetest.Admin, "missing", "0xabc", "")
	require.ErrorIs(t, err, errs.ErrNotFound)

	history, err := h.Audit.History(ctx, store.EntityEvidence, ev.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, audit.ActionEvidenceAnchor, history[1].Action)
	require.Contains(t, string(history[1].NewValue), "0xabc")

	report, err := h.Audit.VerifyChain(ctx, store.EntityEvidence, ev.ID)
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Entries)
}

func TestAnchorFillsMissingReferenceOnce(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, _ := h.Incident(t, nil)
	ev := h.AddEvidence(t, inc.ID, "hash first, tx later")

	first, err := h.Evidence.Anchor(ctx, runtimetest.Admin, ev.ID, "0xabc", "")
	require.NoError(t, err)
	require.True(t, first.Anchored())
	require.Empty(t, first.ExternalTxID)

	filled, err := h.Evidence.Anchor(ctx, runtimetest.Admin, ev.ID, "", "tx-7")
	require.NoError(t, err)
	require.Equal(t, "0xabc", filled.ExternalHash)
	require.Equal(t, "tx-7", filled.ExternalTxID)
	require.Equal(t, first.Version+1, filled.Version)
	require.True(t, first.AnchoredAt.Equal(*filled.AnchoredAt))

	_, err = h.Evidence.Anchor(ctx, runtimetest.Admin, ev.ID, "0xabc", "tx-8")
	require.ErrorIs(t, err, errs.ErrAnchorConflict)

	history, err := h.Audit.History(ctx, store.EntityEvidence, ev.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, audit.ActionEvidenceAnchor, history[2].Action)
	require.Contains(t, string(history[2].OldValue), `"external_tx_id":""`)
	require.Contains(t, string(history[2].NewValue), `"external_tx_id":"tx-7"`)
}

func TestPutRequiresIncidentOwnershipForVictims(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, owner := h.Incident(t, nil)
	_, stranger := h.Victim(t)

	_, err := h.Evidence.Put(ctx, stranger, evidence.PutInput{IncidentID: inc.ID, Type: store.EvidenceChatLog, Content: []byte("not my case")})
	require.ErrorIs(t, err, errs.ErrForbidden)
	items, err := h.Evidence.ListByIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.Empty(t, items)

	_, err = h.Evidence.Put(ctx, owner, evidence.PutInput{IncidentID: inc.ID, Type: store.EvidenceChatLog, Content: []byte("my case")})
	require.NoError(t, err)
}

func TestAuditFailureRollsBackPut(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, _ := h.Incident(t, nil)
	content := []byte("lost if the audit write fails")

	restore := h.AuditOutage()
	_, err := h.Evidence.Put(ctx, runtimetest.Admin, evidence.PutInput{IncidentID: inc.ID, Type: store.EvidenceChatLog, Content: content})
	restore()
	require.ErrorIs(t, err, errs.ErrPersistence)

	_, err = h.Evidence.Get(ctx, evidence.ContentHash(content))
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = h.FIRKits.Get(ctx, inc.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	ev, err := h.Evidence.Put(ctx, runtimetest.Admin, evidence.PutInput{IncidentID: inc.ID, Type: store.EvidenceChatLog, Content: content})
	require.NoError(t, err)
	require.Equal(t, evidence.ContentHash(content), ev.ContentHash)
}

func TestVerifyDetectsTamperedContent(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, _ := h.Incident(t, nil)
	ev := h.AddEvidence(t, inc.ID, "original screenshot")

	v, err := h.Evidence.Verify(ctx, ev.ContentHash)
	require.NoError(t, err)
	require.True(t, v.Verified)
	require.Empty(t, v.Problem)

	require.NoError(t, h.Blobs.Put(ctx, ev.StorageKey, []byte("edited screenshot"), ""))
	v, err = h.Evidence.Verify(ctx, ev.ContentHash)
	require.NoError(t, err)
	require.False(t, v.Verified)
	require.NotEmpty(t, v.Problem)

	_, err = h.Evidence.Verify(ctx, strings.Repeat("0", 64))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEvidenceMarksFIRKitStale(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, _ := h.Incident(t, nil)
	h.AddEvidence(t, inc.ID, "first")

	kit, err := h.FIRKits.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.True(t, kit.Stale)
}

func TestAutoTags(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	require.Equal(t, []string{"email", "phishing_attempt", "scam", "timestamp_20260504"},
		evidence.AutoTags(store.EvidenceEmail, []byte("Phishing link, obvious SCAM"), at))
	require.Equal(t, []string{"audio", "timestamp_20260504"},
		evidence.AutoTags(store.EvidenceAudio, []byte("threat"), at))
}
