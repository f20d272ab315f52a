// Package gate is the last step before production: it re-checks that a fix
// was verified, then applies its actions in order.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
	"github.com/tinkerbelle-io/tb-remediate/internal/metrics"
)

// Request is everything the gate needs to decide and act.
type Request struct {
	IncidentID   string
	State        domain.State
	Target       domain.ResourceRef
	Fix          *domain.ProposedFix
	Verification *domain.VerificationResult
}

// Applier applies one action; an empty namespace keeps the action's own.
type Applier interface {
	Apply(ctx context.Context, namespace string, a domain.Action) domain.ActionOutcome
}

// Verifier checks a verification attestation against the fix it covers.
type Verifier interface {
	Verify(r *domain.VerificationResult, fix *domain.ProposedFix) error
}

// Gate applies verified fixes to production.
type Gate struct {
	applier  Applier
	verifier Verifier
	breaker  *Breaker
	now      func() time.Time
	log      *slog.Logger
}

// New creates a gate. A nil breaker allows every apply.
func New(applier Applier, verifier Verifier, breaker *Breaker) *Gate {
	return &Gate{
		applier:  applier,
		verifier: verifier,
		breaker:  breaker,
		now:      time.Now,
		log:      slog.Default().With("component", "gate"),
	}
}

// Apply runs req's fix against production. It fails closed with
// domain.ErrPrecondition unless the incident is VERIFIED and carries a
// signed APPLY verdict for exactly this fix. Actions run in order and stop
// at the first failure; nothing is rolled back. A partial or blocked apply
// returns the outcome together with an error wrapping domain.ErrApplyFailed.
func (g *Gate) Apply(ctx context.Context, req Request) (*domain.ApplyOutcome, error) {
	const op = "gate.apply"
	log := g.log.With("incident_id", req.IncidentID, "kind", req.Target.Kind, "ns", req.Target.Namespace, "name", req.Target.Name)

	if err := g.precondition(req); err != nil {
		metrics.GateDecisions.WithLabelValues("precondition").Inc()
		log.Error("apply refused", "error", err)
		return nil, domain.NewError(op, domain.ErrPrecondition, nil, "%s", err.Error())
	}

	if g.breaker != nil {
		if err := g.breaker.Reserve(req.Target); err != nil {
			metrics.GateDecisions.WithLabelValues("blocked").Inc()
			log.Warn("apply blocked", "error", err)
			out := &domain.ApplyOutcome{
				Skipped:     append([]domain.Action(nil), req.Fix.Actions...),
				Message:     err.Error(),
				CompletedAt: g.now().UTC(),
			}
			return out, domain.NewError(op, domain.ErrApplyFailed, nil, "%s", err.Error())
		}
	}

	out := &domain.ApplyOutcome{}
	for i, a := range req.Fix.Actions {
		res := g.applier.Apply(ctx, "", a)
		if res.Success {
			out.Applied = append(out.Applied, res)
			continue
		}
		out.Failed = &res
		out.Skipped = append([]domain.Action(nil), req.Fix.Actions[i+1:]...)
		break
	}
	out.CompletedAt = g.now().UTC()

	if out.Failed != nil {
		if len(out.Applied) == 0 && g.breaker != nil {
			g.breaker.Release(req.Target)
		}
		out.Message = fmt.Sprintf("applied %d of %d actions; %s failed: %s",
			len(out.Applied), len(req.Fix.Actions), out.Failed.Action.Type, out.Failed.Message)
		metrics.GateDecisions.WithLabelValues("failed").Inc()
		log.Error("apply failed", "applied", len(out.Applied), "skipped", len(out.Skipped), "error", out.Failed.Message)
		return out, domain.NewError(op, domain.ErrApplyFailed, nil, "%s", out.Message)
	}

	out.Success = true
	out.Message = fmt.Sprintf("applied %d actions", len(out.Applied))
	metrics.GateDecisions.WithLabelValues("applied").Inc()
	log.Info("fix applied to production", "fix_id", req.Fix.ID, "actions", len(out.Applied))
	return out, nil
}

func (g *Gate) precondition(req Request) error {
	switch {
	case req.State != domain.StateVerified:
		return fmt.Errorf("incident is %s, not %s", req.State, domain.StateVerified)
	case req.Fix == nil || len(req.Fix.Actions) == 0:
		return fmt.Errorf("no fix to apply")
	case req.Verification == nil:
		return fmt.Errorf("fix %s has no verification result", req.Fix.ID)
	case req.Verification.Recommendation != domain.RecommendApply:
		return fmt.Errorf("verification recommended %s", req.Verification.Recommendation)
	case req.Verification.FixID != req.Fix.ID:
		return fmt.Errorf("verification covers fix %s, not %s", req.Verification.FixID, req.Fix.ID)
	case req.Verification.IncidentID != req.IncidentID:
		return fmt.Errorf("verification belongs to incident %s", req.Verification.IncidentID)
	}
	for _, a := range req.Fix.Actions {
		if a.Target.Namespace != req.Target.Namespace {
			return fmt.Errorf("action %s targets namespace %s outside %s", a.Type, a.Target.Namespace, req.Target.Namespace)
		}
	}
	if g.verifier == nil {
		return fmt.Errorf("no attestation verifier configured")
	}
	if err := g.verifier.Verify(req.Verification, req.Fix); err != nil {
		return fmt.Errorf("attestation: %w", err)
	}
	return nil
}
