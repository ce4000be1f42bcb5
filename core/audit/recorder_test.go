package audit_test

import (
	"context"
	"testing"

	"evidence-ledger/core/audit"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/store"
	"evidence-ledger/core/store/storetest"
	"evidence-ledger/core/utils"

	"github.com/stretchr/testify/require"
)

func TestChainLinksEntriesPerEntity(t *testing.T) {
	db := storetest.NewDB(t)
	ctx := context.Background()
	rec := audit.NewRecorder(db, store.NewAuditStore(), utils.NewNopLogger())
	actor := store.Actor{UserID: "u-1", Role: store.RoleAdmin}

	first, err := rec.Record(ctx, actor, audit.Change{Action: audit.ActionStationCreate, EntityType: store.EntityStation, EntityID: "s-1", New: map[string]string{"code": "A"}})
	require.NoError(t, err)
	require.Empty(t, first.PrevHash)
	_, err = rec.Record(ctx, actor, audit.Change{Action: audit.ActionStationCreate, EntityType: store.EntityStation, EntityID: "s-2"})
	require.NoError(t, err)
	second, err := rec.Record(ctx, actor, audit.Change{Action: audit.ActionStationCreate, EntityType: store.EntityStation, EntityID: "s-1", Old: map[string]string{"code": "A"}, Reason: "rename"})
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.PrevHash)

	history, err := rec.History(ctx, store.EntityStation, "s-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, first.Hash, audit.ChainHash(&history[0]))

	report, err := rec.VerifyChain(ctx, store.EntityStation, "s-1")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Entries)
}

func TestVerifyChainSurvivesActorErasure(t *testing.T) {
	db := storetest.NewDB(t)
	ctx := context.Background()
	audits := store.NewAuditStore()
	rec := audit.NewRecorder(db, audits, utils.NewNopLogger())
	actor := store.Actor{UserID: "u-9", Role: store.RolePolice}
	for i := 0; i < 3; i++ {
		_, err := rec.Record(ctx, actor, audit.Change{Action: audit.ActionIncidentRoute, EntityType: store.EntityIncident, EntityID: "i-1"})
		require.NoError(t, err)
	}
	n, err := audits.AnonymizeActor(ctx, db, "u-9")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	report, err := rec.VerifyChain(ctx, store.EntityIncident, "i-1")
	require.NoError(t, err)
	require.True(t, report.Valid)
}

func TestVerifyChainReportsTampering(t *testing.T) {
	e := &store.AuditLogEntry{Action: "x", EntityType: "t", EntityID: "1", Reason: "r", CreatedAt: utils.NowUTC()}
	h := audit.ChainHash(e)
	e.Reason = "edited"
	require.NotEqual(t, h, audit.ChainHash(e))
	e.Reason = "r"
	e.ActorID = nil
	require.Equal(t, h, audit.ChainHash(e))
}

func TestRecordRequiresIdentity(t *testing.T) {
	db := storetest.NewDB(t)
	rec := audit.NewRecorder(db, store.NewAuditStore(), utils.NewNopLogger())
	_, err := rec.Record(context.Background(), store.SystemActor(), audit.Change{Action: audit.ActionIncidentCreate, EntityType: store.EntityIncident})
	require.ErrorIs(t, err, errs.ErrValidation)
}
