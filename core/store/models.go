package store

import (
	"encoding/json"
	"time"

	"evidence-ledger/core/errs"
)

type Role string

const (
	RoleVictim  Role = "victim"
	RolePolice  Role = "police"
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	// RoleSystem is the actor for automatic reactions; it is never stored on a user.
	RoleSystem Role = "system"
)

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleVictim, RolePolice, RoleAdmin, RoleAnalyst:
		return Role(raw), nil
	default:
		return "", errs.Validation("unknown role %q", raw)
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusReviewed  Status = "reviewed"
	StatusEscalated Status = "escalated"
	StatusDismissed Status = "dismissed"
	StatusResolved  Status = "resolved"
)

var AllStatuses = []Status{StatusPending, StatusReviewed, StatusEscalated, StatusDismissed, StatusResolved}

func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusReviewed, StatusEscalated, StatusDismissed, StatusResolved:
		return Status(raw), nil
	default:
		return "", errs.Validation("unknown status %q", raw)
	}
}

type EvidenceType string

const (
	EvidenceScreenshot EvidenceType = "screenshot"
	EvidenceChatLog    EvidenceType = "chat_log"
	EvidenceEmail      EvidenceType = "email"
	EvidenceAudio      EvidenceType = "audio"
)

func ParseEvidenceType(raw string) (EvidenceType, error) {
	switch EvidenceType(raw) {
	case EvidenceScreenshot, EvidenceChatLog, EvidenceEmail, EvidenceAudio:
		return EvidenceType(raw), nil
	default:
		return "", errs.Validation("unknown evidence type %q", raw)
	}
}

// Actor is supplied by the auth provider on every call. UserID is empty for system actions.
type Actor struct {
	UserID string
	Role   Role
}

func SystemActor() Actor {
	return Actor{Role: RoleSystem}
}

// Ref is the nullable user reference stored on audit entries.
func (a Actor) Ref() *string {
	if a.UserID == "" {
		return nil
	}
	id := a.UserID
	return &id
}

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Phone        string     `json:"phone,omitempty"`
	Name         string     `json:"name"`
	Role         Role       `json:"role"`
	Language     string     `json:"language"`
	ConsentGiven bool       `json:"consent_given"`
	ConsentAt    *time.Time `json:"consent_at,omitempty"`
	Active       bool       `json:"active"`
	ErasedAt     *time.Time `json:"erased_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Location struct {
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	City      string  `json:"city,omitempty"`
	State     string  `json:"state,omitempty"`
}

type Incident struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	IncidentType          string    `json:"incident_type"`
	Description           string    `json:"description"`
	RiskScore             float64   `json:"risk_score"`
	Status                Status    `json:"status"`
	StationID             *string   `json:"station_id,omitempty"`
	PredictedEscalation   *bool     `json:"predicted_escalation,omitempty"`
	EscalationProbability *float64  `json:"escalation_probability,omitempty"`
	Language              string    `json:"language"`
	Location              *Location `json:"location,omitempty"`
	EvidenceHashes        []string  `json:"evidence_hashes"`
	Version               int       `json:"version"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

type EvidenceMetadata struct {
	Source      string     `json:"source,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

type Evidence struct {
	ID           string           `json:"id"`
	IncidentID   string           `json:"incident_id"`
	Type         EvidenceType     `json:"evidence_type"`
	ContentHash  string           `json:"content_hash"`
	SizeBytes    int64            `json:"size_bytes"`
	StorageKey   string           `json:"storage_key"`
	Metadata     EvidenceMetadata `json:"metadata"`
	AutoTags     []string         `json:"auto_tags"`
	ExternalHash string           `json:"external_hash,omitempty"`
	ExternalTxID string           `json:"external_tx_id,omitempty"`
	AnchoredAt   *time.Time       `json:"anchored_at,omitempty"`
	TamperProof  bool             `json:"tamper_proof"`
	Version      int              `json:"version"`
	CreatedAt    time.Time        `json:"created_at"`
}

func (e *Evidence) Anchored() bool {
	return e != nil && (e.ExternalHash != "" || e.ExternalTxID != "")
}

// RiskFactors maps a factor name to its contribution to the score.
type RiskFactors map[string]float64

type RiskScoreEntry struct {
	Seq                   int64       `json:"seq"`
	ID                    string      `json:"id"`
	UserID                string      `json:"user_id"`
	IncidentID            *string     `json:"incident_id,omitempty"`
	Score                 float64     `json:"score"`
	Confidence            float64     `json:"confidence"`
	Factors               RiskFactors `json:"factors"`
	Model                 string      `json:"model"`
	PredictedEscalation   *bool       `json:"predicted_escalation,omitempty"`
	EscalationProbability *float64    `json:"escalation_probability,omitempty"`
	Threshold             float64     `json:"threshold"`
	ThresholdBreached     bool        `json:"threshold_breached"`
	CreatedAt             time.Time   `json:"created_at"`
}

type Jurisdiction struct {
	State    string   `json:"state,omitempty"`
	District string   `json:"district,omitempty"`
	PinCodes []string `json:"pin_codes,omitempty"`
}

type Contact struct {
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type PoliceStation struct {
	ID           string       `json:"id"`
	StationCode  string       `json:"station_code"`
	Name         string       `json:"name"`
	Jurisdiction Jurisdiction `json:"jurisdiction"`
	Contact      Contact      `json:"contact"`
	Languages    []string     `json:"languages"`
	ActiveCases  int          `json:"active_cases"`
	CreatedAt    time.Time    `json:"created_at"`
}

type FIRKit struct {
	ID                string            `json:"id"`
	IncidentID        string            `json:"incident_id"`
	PoliceStationID   *string           `json:"police_station_id,omitempty"`
	CompletenessScore float64           `json:"completeness_score"`
	MissingFields     []string          `json:"missing_fields"`
	PreFilled         map[string]string `json:"pre_filled,omitempty"`
	Language          string            `json:"language"`
	Downloaded        bool              `json:"downloaded"`
	Stale             bool              `json:"stale"`
	GeneratedAt       *time.Time        `json:"generated_at,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type AuditLogEntry struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	ActorID    *string         `json:"actor_id,omitempty"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
	CreatedAt  time.Time       `json:"created_at"`
}

type DailyRollup struct {
	Day                      string  `json:"day"`
	TotalIncidents           int     `json:"total_incidents"`
	HighRiskCount            int     `json:"high_risk_count"`
	PredictedEscalationCount int     `json:"predicted_escalation_count"`
	AvgRiskScore             float64 `json:"avg_risk_score"`
	DistinctUsers            int     `json:"distinct_users"`
}

const (
	EntityUser     = "user"
	EntityIncident = "incident"
	EntityEvidence = "evidence"
	EntityRisk     = "risk_score"
	EntityStation  = "police_station"
	EntityFIRKit   = "fir_kit"
)
