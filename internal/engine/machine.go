package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
	"github.com/tinkerbelle-io/tb-remediate/internal/gate"
	"github.com/tinkerbelle-io/tb-remediate/internal/retry"
)

// run drives one incident from DIAGNOSING to a terminal state. Stages run
// strictly in sequence; a panic is recovered and recorded as the failure of
// the stage it interrupted.
func (e *Engine) run(t *tracked) {
	ctx := e.baseCtx
	inc := e.snapshot(t)
	defer e.finish(t)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("incident processing panicked", "incident_id", inc.ID, "panic", r, "stack", string(debug.Stack()))
			e.abort(ctx, t, fmt.Sprintf("internal error: %v", r))
		}
	}()

	snap, diag, err := e.diagnose(ctx, inc.Resource)
	if err != nil {
		e.transition(ctx, t, domain.StateDiagnosisFailed, "diagnosis", domain.Reason(err))
		return
	}
	var attachErr error
	e.update(t, func(inc *domain.Incident) { attachErr = inc.AttachDiagnosis(diag) })
	if attachErr != nil {
		e.log.Error("failed to attach diagnosis", "incident_id", inc.ID, "error", attachErr)
		e.transition(ctx, t, domain.StateDiagnosisFailed, "diagnosis", attachErr.Error())
		return
	}
	evidence := "diagnosis:" + diag.Category
	if diag.Confidence < e.cfg.ConfidenceThreshold {
		e.transition(ctx, t, domain.StateDiagnosisFailed, evidence,
			fmt.Sprintf("diagnosis confidence %.2f is below threshold %.2f: %s", diag.Confidence, e.cfg.ConfidenceThreshold, diag.RootCause))
		return
	}

	candidates, err := e.propose(ctx, diag, snap)
	if err != nil {
		e.transition(ctx, t, domain.StateNoFixAvailable, evidence, domain.Reason(err))
		return
	}

	if e.verify(ctx, t, candidates) {
		e.apply(ctx, t)
	}
}

// diagnose collects a snapshot and asks the provider for a root cause.
// Transient failures are retried; a missing resource or a provider that
// gave up is final.
func (e *Engine) diagnose(ctx context.Context, ref domain.ResourceRef) (*cluster.ResourceSnapshot, *domain.Diagnosis, error) {
	const op = "engine.diagnose"
	policy := retry.DefaultPolicy()
	policy.Attempts = e.cfg.DiagnosisAttempts
	policy.Clock = e.cfg.RetryClock

	var snap *cluster.ResourceSnapshot
	var diag *domain.Diagnosis
	err := retry.Do(ctx, policy, retryableDiagnosis, func(ctx context.Context, attempt int) error {
		dctx, cancel := withTimeout(ctx, e.cfg.DiagnosisTimeout)
		defer cancel()

		s, err := cluster.Collect(dctx, e.deps.Accessor, ref)
		if err != nil {
			return err
		}
		d, err := e.deps.Diagnoser.Diagnose(dctx, s)
		if err != nil {
			if dctx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("diagnosis timed out after %s: %w", e.cfg.DiagnosisTimeout, err)
			}
			return err
		}
		snap, diag = s, d
		return nil
	})
	if err != nil {
		return nil, nil, domain.NewError(op, domain.ErrDiagnosisFailed, err, "%s", ref)
	}
	if diag == nil {
		return nil, nil, domain.NewError(op, domain.ErrDiagnosisFailed, nil, "provider %s returned no diagnosis", e.deps.Diagnoser.Name())
	}
	if diag.Provider == "" {
		diag.Provider = e.deps.Diagnoser.Name()
	}
	return snap, diag, nil
}

func retryableDiagnosis(err error) bool {
	return !errors.Is(err, domain.ErrDiagnosisFailed) && !errors.Is(err, domain.ErrResourceNotFound)
}

// propose asks for fix candidates under the proposal timeout.
func (e *Engine) propose(ctx context.Context, diag *domain.Diagnosis, snap *cluster.ResourceSnapshot) ([]*domain.ProposedFix, error) {
	const op = "engine.propose"
	pctx, cancel := withTimeout(ctx, e.cfg.ProposalTimeout)
	defer cancel()

	fixes, err := e.deps.Proposer.Propose(pctx, diag, snap)
	switch {
	case err != nil && pctx.Err() != nil:
		return nil, domain.NewError(op, domain.ErrNoFixAvailable, err, "fix proposal timed out after %s", e.cfg.ProposalTimeout)
	case err != nil:
		return nil, domain.NewError(op, domain.ErrNoFixAvailable, err, "fix proposal failed")
	}
	var usable []*domain.ProposedFix
	for _, f := range fixes {
		if f != nil && len(f.Actions) > 0 {
			usable = append(usable, f)
		}
	}
	if len(usable) == 0 {
		return nil, domain.NewError(op, domain.ErrNoFixAvailable, nil, "no remediation known for %s", diag.Category)
	}
	return usable, nil
}

// verify walks the candidates through shadow verification. It returns true
// once the incident is VERIFIED. After a REJECT or exhausted provisioning
// the next candidate is tried, at most MaxFixRetries times.
func (e *Engine) verify(ctx context.Context, t *tracked, candidates []*domain.ProposedFix) bool {
	inc := e.snapshot(t)
	id, target := inc.ID, inc.Resource
	for i := 0; ; i++ {
		candidate := candidates[i].Clone()
		e.update(t, func(inc *domain.Incident) {
			inc.Fix = candidate
			inc.Verification = nil
			inc.ShadowEnvironmentID = ""
		})
		if !e.transition(ctx, t, domain.StateFixProposed, "fix:"+candidate.ID, candidate.Rationale) {
			return false
		}
		if !e.transition(ctx, t, domain.StateVerifying, "fix:"+candidate.ID, "") {
			return false
		}

		deadline := e.now().Add(e.cfg.VerificationDeadline)
		res, err := e.deps.Verifier.Verify(ctx, id, target, candidate, deadline)
		if res != nil {
			e.update(t, func(inc *domain.Incident) {
				inc.Verification = res
				inc.ShadowEnvironmentID = res.EnvironmentID
			})
		}

		evidence := "verification:" + candidate.ID
		if res != nil {
			evidence += ":" + string(res.Recommendation)
		}
		if err == nil && res != nil && res.Recommendation == domain.RecommendApply {
			return e.transition(ctx, t, domain.StateVerified, evidence,
				fmt.Sprintf("%d/%d checks passed", res.ChecksPassed, len(res.Checks)))
		}

		reason := verificationFailure(res, err)
		rejected := err == nil && res != nil && res.Recommendation == domain.RecommendReject
		unprovisioned := res == nil && errors.Is(err, domain.ErrProvisioning) && !errors.Is(err, domain.ErrTimeout)
		retries := e.fixAttempts(t) - 1
		if (rejected || unprovisioned) && retries < e.cfg.MaxFixRetries && i+1 < len(candidates) && ctx.Err() == nil {
			e.log.Info("trying alternative fix", "incident_id", id, "rejected", candidate.ID, "reason", reason)
			continue
		}
		e.transition(ctx, t, domain.StateVerificationFailed, evidence, reason)
		return false
	}
}

func (e *Engine) fixAttempts(t *tracked) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inc.FixAttempts
}

func verificationFailure(res *domain.VerificationResult, err error) string {
	switch {
	case err != nil && res != nil:
		return fmt.Sprintf("verification %s: %s", res.Recommendation, domain.Reason(err))
	case err != nil:
		return domain.Reason(err)
	case res == nil:
		return "verification returned no result"
	}
	for _, c := range res.Checks {
		if c.Required && c.Status == domain.CheckFailed {
			return fmt.Sprintf("verification %s: required check %s failed: %s", res.Recommendation, c.Name, c.Error)
		}
	}
	for _, c := range res.Checks {
		if c.Required && c.Status == domain.CheckInconclusive {
			return fmt.Sprintf("verification %s: required check %s did not complete", res.Recommendation, c.Name)
		}
	}
	return fmt.Sprintf("verification %s", res.Recommendation)
}

// apply hands a VERIFIED incident to the gate. A failed apply is final.
func (e *Engine) apply(ctx context.Context, t *tracked) {
	inc := e.snapshot(t)
	out, err := e.deps.Gate.Apply(ctx, gate.Request{
		IncidentID:   inc.ID,
		State:        inc.State,
		Target:       inc.Resource,
		Fix:          inc.Fix,
		Verification: inc.Verification,
	})
	if out != nil {
		e.update(t, func(inc *domain.Incident) { inc.Apply = out })
	}
	evidence := "apply:" + inc.Fix.ID
	switch {
	case err == nil && out != nil && out.Success:
		e.transition(ctx, t, domain.StateApplied, evidence, out.Message)
	case errors.Is(err, domain.ErrPrecondition):
		e.log.Error("gate refused a verified incident", "incident_id", inc.ID, "error", err)
		e.transition(ctx, t, domain.StateApplyFailed, evidence, domain.Reason(err))
	case err != nil:
		e.transition(ctx, t, domain.StateApplyFailed, evidence, domain.Reason(err))
	default:
		e.transition(ctx, t, domain.StateApplyFailed, evidence, "gate reported no success")
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sortIncidents(list []*domain.Incident) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
