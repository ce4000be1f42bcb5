package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"evidence-ledger/core/appbootstrap/runtimetest"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"

	"github.com/stretchr/testify/require"
)

type client struct {
	t       *testing.T
	handler http.Handler
}

func (c client) do(method, path string, actor store.Actor, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor.Role != "" {
		req.Header.Set(headerActorRole, string(actor.Role))
		req.Header.Set(headerActorID, actor.UserID)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func newClient(t *testing.T) (client, *runtimetest.Harness) {
	h := runtimetest.New(t, nil)
	return client{t: t, handler: NewServer(h.Runtime, utils.NewNopLogger()).Router()}, h
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	c, _ := newClient(t)
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", store.Actor{}, nil).Code)
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/metrics", store.Actor{}, nil).Code)
}

func TestAPIRequiresActor(t *testing.T) {
	c, _ := newClient(t)
	require.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/stations", store.Actor{}, nil).Code)
	require.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/stations", store.Actor{Role: "root", UserID: "x"}, nil).Code)
	require.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/stations", store.Actor{Role: store.RolePolice}, nil).Code)
	require.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/stations", store.SystemActor(), nil).Code)
	require.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/stations", store.Actor{UserID: "x", Role: store.RoleSystem}, nil).Code)
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/stations", store.Actor{UserID: "p-1", Role: store.RolePolice}, nil).Code)
}

var scorer = store.Actor{UserID: "scoring-svc", Role: store.RoleAnalyst}

func TestEscalationCannotBeForcedOverHTTP(t *testing.T) {
	c, h := newClient(t)
	inc, victim := h.Reviewed(t, nil)

	rec := c.do(http.MethodPost, "/api/incidents/"+inc.ID+"/transition", store.Actor{Role: store.RoleSystem}, map[string]any{"to": "escalated", "expected_version": inc.Version})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = c.do(http.MethodPost, "/api/risk", victim, map[string]any{
		"user_id":     victim.UserID,
		"incident_id": inc.ID,
		"score":       99,
		"confidence":  1,
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = c.do(http.MethodGet, "/api/incidents/"+inc.ID, victim, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[store.Incident](t, rec)
	require.Equal(t, store.StatusReviewed, got.Status)
	require.Zero(t, got.RiskScore)
}

func TestEvidenceAnchorCallback(t *testing.T) {
	c, h := newClient(t)
	inc, victim := h.Incident(t, nil)

	rec := c.do(http.MethodPost, "/api/incidents/"+inc.ID+"/evidence", victim, map[string]any{
		"evidence_type": "email",
		"content":       []byte("phishing mail body"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ev := decode[store.Evidence](t, rec)
	require.Contains(t, ev.AutoTags, "phishing_attempt")

	dup := c.do(http.MethodPost, "/api/incidents/"+inc.ID+"/evidence", victim, map[string]any{
		"evidence_type": "email",
		"content":       []byte("phishing mail body"),
	})
	require.Equal(t, http.StatusConflict, dup.Code)
	require.Contains(t, dup.Body.String(), "duplicate_evidence")

	_, stranger := h.Victim(t)
	rec = c.do(http.MethodPost, "/api/incidents/"+inc.ID+"/evidence", stranger, map[string]any{
		"evidence_type": "chat_log",
		"content":       []byte("someone else's case"),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	anchor := map[string]string{"external_hash": "0xfeed", "external_tx_id": "tx-9"}
	rec = c.do(http.MethodPost, "/api/evidence/"+ev.ID+"/anchor", runtimetest.Admin, anchor)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "0xfeed", decode[store.Evidence](t, rec).ExternalHash)

	rec = c.do(http.MethodPost, "/api/evidence/"+ev.ID+"/anchor", runtimetest.Admin, anchor)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodPost, "/api/evidence/"+ev.ID+"/anchor", runtimetest.Admin, map[string]string{"external_hash": "0xbeef"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "anchor_conflict")

	rec = c.do(http.MethodGet, "/api/evidence/"+ev.ContentHash+"/verify", victim, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"verified":true`)
}

func TestRiskCallbackEscalatesAndFIRKitFlow(t *testing.T) {
	c, h := newClient(t)
	st := h.Station(t, "KOL-03")
	inc, victim := h.Reviewed(t, &st.ID)

	rec := c.do(http.MethodPost, "/api/risk", scorer, map[string]any{
		"user_id":     victim.UserID,
		"incident_id": inc.ID,
		"score":       85,
		"confidence":  0.9,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "IMMEDIATE_ESCALATION")

	rec = c.do(http.MethodGet, "/api/incidents/"+inc.ID, victim, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, store.StatusEscalated, decode[store.Incident](t, rec).Status)

	rec = c.do(http.MethodPost, "/api/risk", scorer, map[string]any{"user_id": victim.UserID, "score": 120, "confidence": 0.5})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "out_of_range")

	rec = c.do(http.MethodGet, "/api/fir-kits/stale", runtimetest.Admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stale := decode[struct{ Items []store.FIRKit }](t, rec)
	require.Len(t, stale.Items, 1)

	rec = c.do(http.MethodPut, "/api/incidents/"+inc.ID+"/fir-kit", runtimetest.Admin, map[string]any{
		"completeness_score": 64,
		"missing_fields":     []string{"suspect_contact"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.False(t, decode[store.FIRKit](t, rec).Stale)

	rec = c.do(http.MethodGet, "/api/audit/incident/"+inc.ID+"/verify", runtimetest.Admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"valid":true`)
}

func TestTransitionErrorsMapToStatuses(t *testing.T) {
	c, h := newClient(t)
	inc, victim := h.Incident(t, nil)
	analyst := store.Actor{UserID: "a-1", Role: store.RoleAnalyst}

	rec := c.do(http.MethodPost, "/api/incidents/"+inc.ID+"/transition", analyst, map[string]any{"to": "reviewed", "expected_version": 1})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	h.AddEvidence(t, inc.ID, "proof")
	rec = c.do(http.MethodPost, "/api/incidents/"+inc.ID+"/transition", victim, map[string]any{"to": "reviewed", "expected_version": 1})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = c.do(http.MethodPost, "/api/incidents/"+inc.ID+"/transition", analyst, map[string]any{"to": "reviewed", "expected_version": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodPost, "/api/incidents/"+inc.ID+"/transition", analyst, map[string]any{"to": "escalated", "expected_version": 1})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "concurrent_modification")

	rec = c.do(http.MethodGet, "/api/incidents/missing", analyst, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = c.do(http.MethodPost, "/api/incidents/"+inc.ID+"/transition", analyst, map[string]any{"to": "reviewed", "bogus": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsEndpoints(t *testing.T) {
	c, h := newClient(t)
	h.Incident(t, nil)

	require.Equal(t, http.StatusForbidden, c.do(http.MethodPost, "/api/analytics/refresh", store.Actor{UserID: "p", Role: store.RolePolice}, nil).Code)
	rec := c.do(http.MethodPost, "/api/analytics/refresh?window_days=7", runtimetest.Admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = c.do(http.MethodGet, "/api/analytics/daily?days=7", runtimetest.Admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	daily := decode[struct{ Items []store.DailyRollup }](t, rec)
	require.Len(t, daily.Items, 1)
	require.Equal(t, 1, daily.Items[0].TotalIncidents)
}
