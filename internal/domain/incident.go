package domain

import (
	"fmt"
	"time"
)

// AuditEvent is one immutable state-transition record.
type AuditEvent struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	Seq         int       `json:"seq"`
	From        State     `json:"from_state"`
	To          State     `json:"to_state"`
	Timestamp   time.Time `json:"timestamp"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Outcome is the terminal verdict of an incident.
type Outcome struct {
	State  State     `json:"state"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Incident is one tracked occurrence of an unhealthy resource. Only the
// remediation engine mutates it.
type Incident struct {
	ID                  string              `json:"id"`
	Resource            ResourceRef         `json:"resource"`
	Signal              string              `json:"signal,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	State               State               `json:"state"`
	Diagnosis           *Diagnosis          `json:"diagnosis,omitempty"`
	Fix                 *ProposedFix        `json:"fix,omitempty"`
	FixAttempts         int                 `json:"fix_attempts"`
	ShadowEnvironmentID string              `json:"shadow_environment_id,omitempty"`
	Verification        *VerificationResult `json:"verification,omitempty"`
	Apply               *ApplyOutcome       `json:"apply,omitempty"`
	Outcome             *Outcome            `json:"outcome,omitempty"`
	History             []AuditEvent        `json:"history"`
}

// NewIncident creates an incident in DETECTED.
func NewIncident(id string, ref ResourceRef, signal string, now time.Time) *Incident {
	return &Incident{
		ID:        id,
		Resource:  ref,
		Signal:    signal,
		CreatedAt: now,
		State:     StateDetected,
	}
}

// Transition moves the incident to `to`, appending an audit event. Audit
// timestamps are strictly increasing: a clock that did not advance is nudged
// forward by a nanosecond. Entering FIX_PROPOSED a second time is the
// fix-candidate retry and counts against FixAttempts.
func (i *Incident) Transition(eventID string, to State, now time.Time, evidenceRef, reason string) (AuditEvent, error) {
	if !CanTransition(i.State, to) {
		return AuditEvent{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, i.State, to)
	}
	if n := len(i.History); n > 0 {
		if last := i.History[n-1].Timestamp; !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
	}
	ev := AuditEvent{
		ID:          eventID,
		IncidentID:  i.ID,
		Seq:         len(i.History) + 1,
		From:        i.State,
		To:          to,
		Timestamp:   now,
		EvidenceRef: evidenceRef,
		Reason:      reason,
	}
	i.History = append(i.History, ev)
	i.State = to
	if to == StateFixProposed {
		i.FixAttempts++
	}
	if to.Terminal() {
		i.Outcome = &Outcome{State: to, Reason: reason, At: now}
	}
	return ev, nil
}

// AttachDiagnosis sets the diagnosis once. Confidence must lie in [0,1].
func (i *Incident) AttachDiagnosis(d *Diagnosis) error {
	if i.Diagnosis != nil {
		return fmt.Errorf("incident %s: diagnosis already attached", i.ID)
	}
	if d == nil {
		return fmt.Errorf("incident %s: nil diagnosis", i.ID)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("incident %s: diagnosis confidence %.2f outside [0,1]", i.ID, d.Confidence)
	}
	i.Diagnosis = d
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	if i.Diagnosis != nil {
		d := *i.Diagnosis
		d.Evidence = append([]string(nil), i.Diagnosis.Evidence...)
		d.Hints = cloneMap(i.Diagnosis.Hints)
		c.Diagnosis = &d
	}
	if i.Fix != nil {
		c.Fix = i.Fix.Clone()
	}
	if i.Verification != nil {
		v := *i.Verification
		v.Checks = append([]CheckResult(nil), i.Verification.Checks...)
		c.Verification = &v
	}
	if i.Apply != nil {
		a := *i.Apply
		a.Applied = append([]ActionOutcome(nil), i.Apply.Applied...)
		a.Skipped = append([]Action(nil), i.Apply.Skipped...)
		if i.Apply.Failed != nil {
			f := *i.Apply.Failed
			a.Failed = &f
		}
		c.Apply = &a
	}
	if i.Outcome != nil {
		o := *i.Outcome
		c.Outcome = &o
	}
	c.History = append([]AuditEvent(nil), i.History...)
	return &c
}

// Clone returns a deep copy of the fix.
func (f *ProposedFix) Clone() *ProposedFix {
	c := *f
	c.Actions = make([]Action, len(f.Actions))
	for n, a := range f.Actions {
		a.Params = cloneMap(a.Params)
		c.Actions[n] = a
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
