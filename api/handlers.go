package api

import (
	"net/http"
	"strings"

	"evidence-ledger/core/evidence"
	"evidence-ledger/core/firkits"
	"evidence-ledger/core/incidents"
	"evidence-ledger/core/risk"
	"evidence-ledger/core/stations"
	"evidence-ledger/core/store"
	"evidence-ledger/core/users"

	"github.com/go-chi/chi/v5"
)

func (s *Server) registerUser(w http.ResponseWriter, r *http.Request) {
	var in users.RegisterInput
	if !decodeJSON(w, r, &in) {
		return
	}
	u, err := s.rt.Users.Register(r.Context(), currentActor(r), in)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.rt.Users.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) recordConsent(w http.ResponseWriter, r *http.Request) {
	u, err := s.rt.Users.RecordConsent(r.Context(), currentActor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) deactivateUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.rt.Users.Deactivate(r.Context(), currentActor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) eraseUser(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Reason string `json:"reason"`
	}{}
	if r.ContentLength > 0 && !decodeJSON(w, r, &payload) {
		return
	}
	report, err := s.rt.Users.Erase(r.Context(), currentActor(r), chi.URLParam(r, "id"), payload.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) createStation(w http.ResponseWriter, r *http.Request) {
	var in stations.NewStation
	if !decodeJSON(w, r, &in) {
		return
	}
	st, err := s.rt.Stations.Create(r.Context(), currentActor(r), in)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) listStations(w http.ResponseWriter, r *http.Request) {
	items, err := s.rt.Stations.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getStation(w http.ResponseWriter, r *http.Request) {
	st, err := s.rt.Stations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) createIncident(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		UserID       string          `json:"user_id"`
		IncidentType string          `json:"incident_type"`
		Description  string          `json:"description"`
		Language     string          `json:"language"`
		Location     *store.Location `json:"location"`
		StationID    *string         `json:"station_id"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}
	inc, err := s.rt.Incidents.Create(r.Context(), currentActor(r), incidents.NewIncident{
		UserID:       payload.UserID,
		IncidentType: payload.IncidentType,
		Description:  payload.Description,
		Language:     payload.Language,
		Location:     payload.Location,
		StationID:    payload.StationID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IncidentFilter{
		UserID:    strings.TrimSpace(q.Get("user_id")),
		StationID: strings.TrimSpace(q.Get("station_id")),
		Limit:     parseIntDefault(q.Get("limit"), 100),
		Offset:    parseIntDefault(q.Get("offset"), 0),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := store.ParseStatus(raw)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		filter.Status = status
	}
	actor := currentActor(r)
	if actor.Role == store.RoleVictim {
		filter.UserID = actor.UserID
	}
	items, err := s.rt.Incidents.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.rt.Incidents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) transitionIncident(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		To              string `json:"to"`
		ExpectedVersion int    `json:"expected_version"`
		Reason          string `json:"reason"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}
	inc, err := s.rt.Incidents.Transition(r.Context(), incidents.TransitionRequest{
		IncidentID:      chi.URLParam(r, "id"),
		Actor:           currentActor(r),
		To:              store.Status(strings.TrimSpace(payload.To)),
		ExpectedVersion: payload.ExpectedVersion,
		Reason:          payload.Reason,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) routeIncident(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		StationID       string `json:"station_id"`
		ExpectedVersion int    `json:"expected_version"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}
	inc, err := s.rt.Incidents.Route(r.Context(), currentActor(r), chi.URLParam(r, "id"), payload.StationID, payload.ExpectedVersion)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	items, err := s.rt.Evidence.ListByIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// putEvidence takes the content base64-encoded in the json body.
func (s *Server) putEvidence(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Type     string                 `json:"evidence_type"`
		Content  []byte                 `json:"content"`
		Metadata store.EvidenceMetadata `json:"metadata"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}
	ev, err := s.rt.Evidence.Put(r.Context(), currentActor(r), evidence.PutInput{
		IncidentID: chi.URLParam(r, "id"),
		Type:       store.EvidenceType(strings.TrimSpace(payload.Type)),
		Content:    payload.Content,
		Metadata:   payload.Metadata,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) getEvidence(w http.ResponseWriter, r *http.Request) {
	ev, err := s.rt.Evidence.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) verifyEvidence(w http.ResponseWriter, r *http.Request) {
	v, err := s.rt.Evidence.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) anchorEvidence(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		ExternalHash string `json:"external_hash"`
		ExternalTxID string `json:"external_tx_id"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}
	ev, err := s.rt.Evidence.Anchor(r.Context(), currentActor(r), chi.URLParam(r, "id"), payload.ExternalHash, payload.ExternalTxID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) appendRisk(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		UserID                string            `json:"user_id"`
		IncidentID            *string           `json:"incident_id"`
		Score                 float64           `json:"score"`
		Confidence            float64           `json:"confidence"`
		Factors               store.RiskFactors `json:"factors"`
		Model                 string            `json:"model"`
		PredictedEscalation   *bool             `json:"predicted_escalation"`
		EscalationProbability *float64          `json:"escalation_probability"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}
	entry, err := s.rt.Risk.Append(r.Context(), currentActor(r), risk.AppendInput{
		UserID:                payload.UserID,
		IncidentID:            payload.IncidentID,
		Score:                 payload.Score,
		Confidence:            payload.Confidence,
		Factors:               payload.Factors,
		Model:                 payload.Model,
		PredictedEscalation:   payload.PredictedEscalation,
		EscalationProbability: payload.EscalationProbability,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	p := 0.0
	if entry.EscalationProbability != nil {
		p = *entry.EscalationProbability
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"entry":          entry,
		"recommendation": risk.Recommend(entry.Score, p),
	})
}

func (s *Server) currentRisk(w http.ResponseWriter, r *http.Request) {
	entry, err := s.rt.Risk.CurrentScore(r.Context(), chi.URLParam(r, "id"), incidentQuery(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) riskHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.rt.Risk.History(r.Context(), chi.URLParam(r, "id"), incidentQuery(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func incidentQuery(r *http.Request) *string {
	id := strings.TrimSpace(r.URL.Query().Get("incident_id"))
	if id == "" {
		return nil
	}
	return &id
}

func (s *Server) auditHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.rt.Audit.History(r.Context(), chi.URLParam(r, "entity_type"), chi.URLParam(r, "entity_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) verifyAuditChain(w http.ResponseWriter, r *http.Request) {
	report, err := s.rt.Audit.VerifyChain(r.Context(), chi.URLParam(r, "entity_type"), chi.URLParam(r, "entity_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getFIRKit(w http.ResponseWriter, r *http.Request) {
	kit, err := s.rt.FIRKits.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kit)
}

func (s *Server) saveFIRKit(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		PoliceStationID   *string           `json:"police_station_id"`
		CompletenessScore float64           `json:"completeness_score"`
		MissingFields     []string          `json:"missing_fields"`
		PreFilled         map[string]string `json:"pre_filled"`
		Language          string            `json:"language"`
	}{}
	if !decodeJSON(w, r, &payload) {
		return
	}
	kit, err := s.rt.FIRKits.Save(r.Context(), currentActor(r), firkits.SaveInput{
		IncidentID:        chi.URLParam(r, "id"),
		PoliceStationID:   payload.PoliceStationID,
		CompletenessScore: payload.CompletenessScore,
		MissingFields:     payload.MissingFields,
		PreFilled:         payload.PreFilled,
		Language:          payload.Language,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kit)
}

func (s *Server) markFIRKitDownloaded(w http.ResponseWriter, r *http.Request) {
	kit, err := s.rt.FIRKits.MarkDownloaded(r.Context(), currentActor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kit)
}

func (s *Server) listStaleFIRKits(w http.ResponseWriter, r *http.Request) {
	items, err := s.rt.FIRKits.ListStale(r.Context(), parseIntDefault(r.URL.Query().Get("limit"), 100))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) dailyAnalytics(w http.ResponseWriter, r *http.Request) {
	items, err := s.rt.Analytics.Daily(r.Context(), parseIntDefault(r.URL.Query().Get("days"), 30))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) refreshAnalytics(w http.ResponseWriter, r *http.Request) {
	if currentActor(r).Role != store.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "analytics refresh is limited to admins")
		return
	}
	res, err := s.rt.Analytics.Refresh(r.Context(), parseIntDefault(r.URL.Query().Get("window_days"), 0))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
