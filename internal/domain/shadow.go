package domain

import "time"

// ProvisionState tracks a shadow environment through its short life.
type ProvisionState string

const (
	ProvisionPending   ProvisionState = "pending"
	ProvisionReady     ProvisionState = "ready"
	ProvisionFailed    ProvisionState = "failed"
	ProvisionDestroyed ProvisionState = "destroyed"
)

// ShadowEnvironment is an isolated clone of the production resources needed
// to reproduce one incident. The Shadow Verification Manager owns it; an
// Incident only keeps its ID.
type ShadowEnvironment struct {
	ID         string         `json:"id"`
	IncidentID string         `json:"incident_id"`
	Namespace  string         `json:"namespace"`
	Target     ResourceRef    `json:"target"`
	Cloned     []ResourceRef  `json:"cloned"`
	State      ProvisionState `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Labels placed on every object tb-remediate creates.
const (
	LabelManaged     = "tb-remediate/managed"
	LabelIncident    = "tb-remediate/incident"
	LabelEnvironment = "tb-remediate/env"
)
