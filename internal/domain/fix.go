package domain

import "time"

// ActionType enumerates the remediation mutations the executor understands.
// Every action is idempotent: applying it twice leaves the resource in the
// same state as applying it once.
type ActionType string

const (
	ActionSetEnv       ActionType = "set_env"
	ActionSetImage     ActionType = "set_image"
	ActionSetResources ActionType = "set_resources"
	ActionScale        ActionType = "scale"
	ActionRestart      ActionType = "restart"
	ActionPatch        ActionType = "patch"
)

// Action is one resource mutation description.
//
// Params by type:
//   - set_env: name, and one of value | configmap+key | secret+key
//   - set_image: image
//   - set_resources: any of cpu_limit, memory_limit, cpu_request, memory_request
//   - scale: replicas
//   - restart: token (stamped into the pod template so re-applying is a no-op)
//   - patch: patch (strategic merge patch JSON)
type Action struct {
	Type        ActionType        `json:"type" validate:"required,oneof=set_env set_image set_resources scale restart patch"`
	Target      ResourceRef       `json:"target" validate:"required"`
	Container   string            `json:"container,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Description string            `json:"description,omitempty"`
}

// ProposedFix is an ordered sequence of actions with a rationale. It is
// immutable once attached to an Incident.
type ProposedFix struct {
	ID          string    `json:"id" validate:"required"`
	Actions     []Action  `json:"actions" validate:"min=1,dive"`
	Rationale   string    `json:"rationale"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ActionOutcome records the result of applying one action.
type ActionOutcome struct {
	Action  Action `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ApplyOutcome is what the Apply Gate reports after touching production.
// Partial application is surfaced verbatim: Applied lists what succeeded,
// Failed the action that broke the sequence and Skipped everything after it.
type ApplyOutcome struct {
	Success     bool            `json:"success"`
	Applied     []ActionOutcome `json:"applied"`
	Failed      *ActionOutcome  `json:"failed,omitempty"`
	Skipped     []Action        `json:"skipped,omitempty"`
	Message     string          `json:"message"`
	CompletedAt time.Time       `json:"completed_at"`
}
