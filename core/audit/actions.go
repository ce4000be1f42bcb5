package audit

const (
	ActionEvidencePut      = "evidence.put"
	ActionEvidenceAnchor   = "evidence.anchor"
	ActionRiskAppend       = "risk.append"
	ActionIncidentCreate   = "incident.create"
	ActionStatusChange     = "status_change"
	ActionIncidentRoute    = "incident.route"
	ActionUserRegister     = "user.register"
	ActionUserConsent      = "user.consent"
	ActionUserDeactivate   = "user.deactivate"
	ActionUserErase        = "user.erase"
	ActionStationCreate    = "station.create"
	ActionFIRKitSave       = "fir_kit.save"
	ActionFIRKitDownloaded = "fir_kit.downloaded"
)
