// Package fix turns a diagnosis into candidate remediations, most
// preferred first.
package fix

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Proposer returns candidate fixes for a diagnosis. An empty result means no
// remediation is known.
type Proposer interface {
	Propose(ctx context.Context, d *domain.Diagnosis, snap *cluster.ResourceSnapshot) ([]*domain.ProposedFix, error)
}

// RuleProposer maps diagnosis categories onto known remediations.
type RuleProposer struct {
	validate *validator.Validate
	now      func() time.Time
}

func NewRuleProposer() *RuleProposer {
	return &RuleProposer{validate: validator.New(), now: time.Now}
}

// Propose builds candidates for d. Candidates failing validation are
// dropped.
func (p *RuleProposer) Propose(ctx context.Context, d *domain.Diagnosis, snap *cluster.ResourceSnapshot) ([]*domain.ProposedFix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d == nil || snap == nil {
		return nil, nil
	}

	var candidates []*domain.ProposedFix
	switch d.Category {
	case domain.CategoryMissingEnv:
		candidates = p.missingEnv(d, snap)
	case domain.CategoryOOMKilled:
		candidates = p.oomKilled(d, snap)
	case domain.CategoryImagePull:
		candidates = p.imagePull(d, snap)
	case domain.CategoryProbeFailure:
		candidates = p.probeFailure(d, snap)
	case domain.CategoryCrashLoop:
		candidates = p.crashLoop(d, snap)
	}

	valid := candidates[:0]
	for _, c := range candidates {
		if err := p.validate.Struct(c); err != nil {
			continue
		}
		valid = append(valid, c)
	}
	return valid, nil
}

func (p *RuleProposer) newFix(rationale string, actions ...domain.Action) *domain.ProposedFix {
	return &domain.ProposedFix{
		ID:          uuid.NewString(),
		Actions:     actions,
		Rationale:   rationale,
		GeneratedAt: p.now().UTC(),
	}
}

func container(d *domain.Diagnosis, snap *cluster.ResourceSnapshot) string {
	if c := snap.Container(d.Hints["container"]); c != nil {
		return c.Name
	}
	return d.Hints["container"]
}

// missingEnv wires the variable from every ConfigMap, then every Secret,
// holding a key of the same name; a suggested literal value comes last.
func (p *RuleProposer) missingEnv(d *domain.Diagnosis, snap *cluster.ResourceSnapshot) []*domain.ProposedFix {
	name := d.Hints["env_var"]
	if name == "" {
		return nil
	}
	target := container(d, snap)
	var out []*domain.ProposedFix
	for _, kind := range []string{"ConfigMap", "Secret"} {
		for _, src := range snap.ConfigSources {
			if src.Kind != kind || !src.HasKey(name) {
				continue
			}
			param := "configmap"
			if kind == "Secret" {
				param = "secret"
			}
			out = append(out, p.newFix(
				fmt.Sprintf("%s %q holds key %s; expose it to container %q", kind, src.Name, name, target),
				domain.Action{
					Type:        domain.ActionSetEnv,
					Target:      snap.Ref,
					Container:   target,
					Params:      map[string]string{"name": name, param: src.Name, "key": name},
					Description: fmt.Sprintf("add env %s from %s %s", name, kind, src.Name),
				}))
		}
	}
	if v := d.Hints["suggested_value"]; v != "" {
		out = append(out, p.newFix(
			fmt.Sprintf("set %s on container %q to the suggested value", name, target),
			domain.Action{
				Type:        domain.ActionSetEnv,
				Target:      snap.Ref,
				Container:   target,
				Params:      map[string]string{"name": name, "value": v},
				Description: fmt.Sprintf("add env %s", name),
			}))
	}
	return out
}

// oomKilled proposes doubling, then quadrupling, the memory limit.
func (p *RuleProposer) oomKilled(d *domain.Diagnosis, snap *cluster.ResourceSnapshot) []*domain.ProposedFix {
	target := container(d, snap)
	current := resource.MustParse("256Mi")
	if c := snap.Container(target); c != nil {
		if mem := c.Resources.Limits.Memory(); mem != nil && !mem.IsZero() {
			current = mem.DeepCopy()
		}
	}
	var out []*domain.ProposedFix
	for _, factor := range []int64{2, 4} {
		limit := resource.NewQuantity(current.Value()*factor, resource.BinarySI)
		out = append(out, p.newFix(
			fmt.Sprintf("container %q is OOMKilled at %s; raise the memory limit %dx", target, current.String(), factor),
			domain.Action{
				Type:        domain.ActionSetResources,
				Target:      snap.Ref,
				Container:   target,
				Params:      map[string]string{"memory_limit": limit.String()},
				Description: fmt.Sprintf("set memory limit to %s", limit.String()),
			}))
	}
	return out
}

// imagePull can only roll back to a known image supplied as a hint.
func (p *RuleProposer) imagePull(d *domain.Diagnosis, snap *cluster.ResourceSnapshot) []*domain.ProposedFix {
	image := d.Hints["suggested_image"]
	if image == "" {
		return nil
	}
	target := container(d, snap)
	return []*domain.ProposedFix{p.newFix(
		fmt.Sprintf("image %s cannot be pulled; switch container %q to %s", d.Hints["image"], target, image),
		domain.Action{
			Type:        domain.ActionSetImage,
			Target:      snap.Ref,
			Container:   target,
			Params:      map[string]string{"image": image},
			Description: "set image " + image,
		})}
}

// probeFailure relaxes the failing probe's timing.
func (p *RuleProposer) probeFailure(d *domain.Diagnosis, snap *cluster.ResourceSnapshot) []*domain.ProposedFix {
	target := container(d, snap)
	if target == "" {
		return nil
	}
	field := "readinessProbe"
	if d.Hints["probe"] == "liveness" {
		field = "livenessProbe"
	}
	patch := fmt.Sprintf(`{"spec":{"template":{"spec":{"containers":[{"name":%q,%q:{"initialDelaySeconds":30,"timeoutSeconds":5,"failureThreshold":6}}]}}}}`,
		target, field)
	return []*domain.ProposedFix{p.newFix(
		fmt.Sprintf("%s probe of container %q fails; give the process more time to start", d.Hints["probe"], target),
		domain.Action{
			Type:        domain.ActionPatch,
			Target:      snap.Ref,
			Container:   target,
			Params:      map[string]string{"patch": patch},
			Description: "relax " + field,
		})}
}

// crashLoop falls back to a rolling restart.
func (p *RuleProposer) crashLoop(d *domain.Diagnosis, snap *cluster.ResourceSnapshot) []*domain.ProposedFix {
	if snap.Ref.Kind == "Pod" {
		return nil
	}
	return []*domain.ProposedFix{p.newFix(
		"crashloop with no recognised cause; restart the workload",
		domain.Action{
			Type:        domain.ActionRestart,
			Target:      snap.Ref,
			Params:      map[string]string{"token": uuid.NewString()[:8]},
			Description: "rolling restart",
		})}
}
