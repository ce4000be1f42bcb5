// Package runtimetest builds a fully wired runtime on a throwaway sqlite database.
package runtimetest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"evidence-ledger/config"
	"evidence-ledger/core/appbootstrap"
	"evidence-ledger/core/events"
	"evidence-ledger/core/evidence"
	"evidence-ledger/core/incidents"
	"evidence-ledger/core/stations"
	"evidence-ledger/core/store"
	"evidence-ledger/core/store/storetest"
	"evidence-ledger/core/users"
	"evidence-ledger/core/utils"
)

type Harness struct {
	*appbootstrap.Runtime
	Events *events.MemoryPublisher
	audits *switchableAudit
}

var ErrAuditDown = errors.New("audit store unavailable")

// switchableAudit fails every insert while down is set.
type switchableAudit struct {
	store.AuditStore
	down atomic.Bool
}

func (a *switchableAudit) Insert(ctx context.Context, q store.Querier, entry *store.AuditLogEntry) error {
	if a.down.Load() {
		return ErrAuditDown
	}
	return a.AuditStore.Insert(ctx, q, entry)
}

// AuditOutage makes audit inserts fail until the returned func is called.
func (h *Harness) AuditOutage() (restore func()) {
	h.audits.down.Store(true)
	return func() { h.audits.down.Store(false) }
}

// New composes a runtime with synchronous breach reactions and in-memory events.
// mutate, when set, adjusts the config before composition.
func New(t testing.TB, mutate func(cfg *config.AppConfig)) *Harness {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite"}
	cfg.Risk.Threshold = 70
	cfg.Evidence.Backend = "fs"
	cfg.Evidence.StorageDir = t.TempDir()
	cfg.Evidence.MaxBytes = 1 << 20
	cfg.Analytics.WindowDays = 30
	if mutate != nil {
		mutate(cfg)
	}
	pub := &events.MemoryPublisher{}
	audits := &switchableAudit{AuditStore: store.NewAuditStore()}
	rt, err := appbootstrap.Compose(context.Background(), cfg, storetest.NewDB(t), utils.NewNopLogger(), appbootstrap.Overrides{
		Publisher:  pub,
		AuditStore: audits,
	})
	if err != nil {
		t.Fatalf("compose runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Drain() })
	return &Harness{Runtime: rt, Events: pub, audits: audits}
}

var Admin = store.Actor{UserID: "admin-1", Role: store.RoleAdmin}

// Victim registers a consenting user and returns it with an actor for it.
func (h *Harness) Victim(t testing.TB) (*store.User, store.Actor) {
	t.Helper()
	ctx := context.Background()
	u, err := h.Users.Register(ctx, Admin, users.RegisterInput{Email: utils.NewID() + "@example.org", Name: "Victim", Role: store.RoleVictim})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	actor := store.Actor{UserID: u.ID, Role: store.RoleVictim}
	if u, err = h.Users.RecordConsent(ctx, actor, u.ID); err != nil {
		t.Fatalf("consent: %v", err)
	}
	return u, actor
}

func (h *Harness) Station(t testing.TB, code string) *store.PoliceStation {
	t.Helper()
	st, err := h.Stations.Create(context.Background(), Admin, stations.NewStation{StationCode: code, Name: "Station " + code})
	if err != nil {
		t.Fatalf("create station: %v", err)
	}
	return st
}

// Incident files a pending incident for a fresh victim, optionally routed to stationID.
func (h *Harness) Incident(t testing.TB, stationID *string) (*store.Incident, store.Actor) {
	t.Helper()
	_, actor := h.Victim(t)
	inc, err := h.Incidents.Create(context.Background(), actor, incidents.NewIncident{
		UserID:       actor.UserID,
		IncidentType: "cyberbullying",
		Description:  "repeated threats over chat",
		StationID:    stationID,
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	return inc, actor
}

// AddEvidence attaches content to the incident.
func (h *Harness) AddEvidence(t testing.TB, incidentID, content string) *store.Evidence {
	t.Helper()
	ev, err := h.Runtime.Evidence.Put(context.Background(), Admin, evidence.PutInput{
		IncidentID: incidentID,
		Type:       store.EvidenceChatLog,
		Content:    []byte(content),
	})
	if err != nil {
		t.Fatalf("put evidence: %v", err)
	}
	return ev
}

// Reviewed files an incident with one evidence record and moves it to reviewed.
func (h *Harness) Reviewed(t testing.TB, stationID *string) (*store.Incident, store.Actor) {
	t.Helper()
	inc, actor := h.Incident(t, stationID)
	h.AddEvidence(t, inc.ID, "evidence for "+inc.ID)
	reviewed, err := h.Incidents.Transition(context.Background(), incidents.TransitionRequest{
		IncidentID:      inc.ID,
		Actor:           store.Actor{UserID: "analyst-1", Role: store.RoleAnalyst},
		To:              store.StatusReviewed,
		ExpectedVersion: inc.Version,
	})
	if err != nil {
		t.Fatalf("review incident: %v", err)
	}
	return reviewed, actor
}
