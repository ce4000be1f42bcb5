package users_test

import (
	"context"
	"testing"

	"evidence-ledger/core/appbootstrap/runtimetest"
	"evidence-ledger/core/audit"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/incidents"
	"evidence-ledger/core/store"
	"evidence-ledger/core/users"

	"github.com/stretchr/testify/require"
)

func TestRegisterNormalizesAndRejectsDuplicates(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()

	u, err := h.Users.Register(ctx, runtimetest.Admin, users.RegisterInput{Email: " Priya@Example.org ", Name: "Priya", Role: store.RoleVictim})
	require.NoError(t, err)
	require.Equal(t, "priya@example.org", u.Email)
	require.True(t, u.Active)
	require.False(t, u.ConsentGiven)

	_, err = h.Users.Register(ctx, runtimetest.Admin, users.RegisterInput{Email: "priya@example.org", Name: "Other", Role: store.RoleVictim})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.Users.Register(ctx, runtimetest.Admin, users.RegisterInput{Name: "X", Role: "superuser"})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.Users.Register(ctx, runtimetest.Admin, users.RegisterInput{Email: "not-an-email", Name: "X", Role: store.RoleVictim})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestIncidentRequiresConsentAndActiveUser(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	u, err := h.Users.Register(ctx, runtimetest.Admin, users.RegisterInput{Name: "No Consent", Role: store.RoleVictim})
	require.NoError(t, err)

	_, err = h.Incidents.Create(ctx, runtimetest.Admin, incidents.NewIncident{UserID: u.ID, IncidentType: "stalking"})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.Users.RecordConsent(ctx, runtimetest.Admin, u.ID)
	require.NoError(t, err)
	_, err = h.Users.Deactivate(ctx, runtimetest.Admin, u.ID)
	require.NoError(t, err)

	_, err = h.Incidents.Create(ctx, runtimetest.Admin, incidents.NewIncident{UserID: u.ID, IncidentType: "stalking"})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.Users.Deactivate(ctx, runtimetest.Admin, u.ID)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestEraseScrubsPersonalDataAndKeepsChainsValid(t *testing.T) {
	h := runtimetest.New(t, nil)
	ctx := context.Background()
	inc, victim := h.Incident(t, nil)

	_, err := h.Users.Erase(ctx, store.Actor{UserID: "someone-else", Role: store.RolePolice}, victim.UserID, "")
	require.ErrorIs(t, err, errs.ErrForbidden)

	report, err := h.Users.Erase(ctx, victim, victim.UserID, "user request")
	require.NoError(t, err)
	require.Equal(t, int64(1), report.IncidentsAnonymized)
	require.GreaterOrEqual(t, report.AuditRefsCleared, int64(2))

	u, err := h.Users.Get(ctx, victim.UserID)
	require.NoError(t, err)
	require.Empty(t, u.Email)
	require.Empty(t, u.Name)
	require.False(t, u.Active)
	require.NotNil(t, u.ErasedAt)

	got, err := h.Incidents.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Empty(t, got.Description)
	require.Nil(t, got.Location)

	history, err := h.Audit.History(ctx, store.EntityUser, victim.UserID)
	require.NoError(t, err)
	require.Equal(t, audit.ActionUserErase, history[len(history)-1].Action)
	for _, e := range history {
		if e.ActorID != nil {
			require.NotEqual(t, victim.UserID, *e.ActorID)
		}
		require.NotContains(t, string(e.NewValue), "@example.org")
	}
	for _, entity := range []struct{ typ, id string }{{store.EntityUser, victim.UserID}, {store.EntityIncident, inc.ID}} {
		chain, err := h.Audit.VerifyChain(ctx, entity.typ, entity.id)
		require.NoError(t, err)
		require.True(t, chain.Valid, chain.Problem)
	}

	_, err = h.Users.Erase(ctx, runtimetest.Admin, victim.UserID, "again")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = h.Users.RecordConsent(ctx, runtimetest.Admin, victim.UserID)
	require.ErrorIs(t, err, errs.ErrValidation)
}
