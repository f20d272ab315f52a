package diagnosis

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

var missingEnvPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i:environment variable|env var|env)\s+["'` + "`" + `]?([A-Z][A-Z0-9_]*)["'` + "`" + `]?\s+(?i:is\s+)?(?i:not set|missing|required|undefined|empty)`),
	regexp.MustCompile(`(?i:missing|required|undefined)\s+(?i:environment variable|env var|env)\s*:?\s*["'` + "`" + `]?([A-Z][A-Z0-9_]*)`),
	regexp.MustCompile(`KeyError:\s*'([A-Z][A-Z0-9_]*)'`),
}

// RuleProvider recognises common failure signatures without external calls.
type RuleProvider struct{}

func NewRuleProvider() *RuleProvider { return &RuleProvider{} }

func (p *RuleProvider) Name() string { return "rules" }

func (p *RuleProvider) Diagnose(ctx context.Context, snap *cluster.ResourceSnapshot) (*domain.Diagnosis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, domain.NewError("diagnosis.rules", domain.ErrDiagnosisFailed, nil, "no snapshot")
	}

	rules := []func(*cluster.ResourceSnapshot) *domain.Diagnosis{
		missingEnv,
		imagePull,
		oomKilled,
		probeFailure,
		crashLoop,
	}
	for _, rule := range rules {
		if d := rule(snap); d != nil {
			d.Provider = p.Name()
			return d, nil
		}
	}
	return &domain.Diagnosis{
		RootCause:  "no known failure signature found",
		Category:   domain.CategoryUnknown,
		Severity:   domain.SeverityLow,
		Confidence: 0.1,
		Evidence:   stateEvidence(snap),
		Provider:   p.Name(),
	}, nil
}

func missingEnv(snap *cluster.ResourceSnapshot) *domain.Diagnosis {
	for container, text := range snap.Logs {
		for _, line := range strings.Split(text, "\n") {
			for _, re := range missingEnvPatterns {
				m := re.FindStringSubmatch(line)
				if m == nil {
					continue
				}
				name := m[1]
				if declaresEnv(snap, container, name) {
					continue
				}
				confidence := 0.8
				if snap.Crashlooping() {
					confidence = 0.95
				}
				evidence := append([]string{fmt.Sprintf("log %s: %s", container, strings.TrimSpace(line))}, stateEvidence(snap)...)
				return &domain.Diagnosis{
					RootCause:  fmt.Sprintf("container %q exits because environment variable %s is not set", container, name),
					Category:   domain.CategoryMissingEnv,
					Severity:   domain.SeverityHigh,
					Confidence: confidence,
					Evidence:   evidence,
					Hints:      map[string]string{"env_var": name, "container": container},
				}
			}
		}
	}
	return nil
}

func declaresEnv(snap *cluster.ResourceSnapshot, container, name string) bool {
	c := snap.Container(container)
	if c == nil {
		return false
	}
	for _, e := range c.Env {
		if e.Name == name {
			return true
		}
	}
	return false
}

func imagePull(snap *cluster.ResourceSnapshot) *domain.Diagnosis {
	for _, pod := range snap.Pods {
		for _, c := range pod.Containers {
			if c.Waiting != "ImagePullBackOff" && c.Waiting != "ErrImagePull" {
				continue
			}
			return &domain.Diagnosis{
				RootCause:  fmt.Sprintf("image %s for container %q cannot be pulled", c.Image, c.Name),
				Category:   domain.CategoryImagePull,
				Severity:   domain.SeverityHigh,
				Confidence: 0.9,
				Evidence: []string{fmt.Sprintf("pod %s: container %s waiting %s: %s",
					pod.Name, c.Name, c.Waiting, c.WaitingMessage)},
				Hints: map[string]string{"container": c.Name, "image": c.Image},
			}
		}
	}
	return nil
}

func oomKilled(snap *cluster.ResourceSnapshot) *domain.Diagnosis {
	for _, pod := range snap.Pods {
		for _, c := range pod.Containers {
			if c.Terminated != "OOMKilled" {
				continue
			}
			hints := map[string]string{"container": c.Name}
			if tc := snap.Container(c.Name); tc != nil {
				if mem := tc.Resources.Limits.Memory(); mem != nil && !mem.IsZero() {
					hints["memory_limit"] = mem.String()
				}
			}
			return &domain.Diagnosis{
				RootCause:  fmt.Sprintf("container %q exceeds its memory limit", c.Name),
				Category:   domain.CategoryOOMKilled,
				Severity:   domain.SeverityHigh,
				Confidence: 0.9,
				Evidence: []string{fmt.Sprintf("pod %s: container %s terminated OOMKilled (exit %d, restarts=%d)",
					pod.Name, c.Name, c.ExitCode, c.RestartCount)},
				Hints: hints,
			}
		}
	}
	return nil
}

func probeFailure(snap *cluster.ResourceSnapshot) *domain.Diagnosis {
	for _, e := range snap.EventsWithReason("Unhealthy") {
		msg := strings.ToLower(e.Message)
		if !strings.Contains(msg, "probe failed") {
			continue
		}
		probe := "readiness"
		if strings.Contains(msg, "liveness") {
			probe = "liveness"
		}
		hints := map[string]string{"probe": probe}
		if c := snap.Container(""); c != nil {
			hints["container"] = c.Name
		}
		return &domain.Diagnosis{
			RootCause:  fmt.Sprintf("%s probe is failing", probe),
			Category:   domain.CategoryProbeFailure,
			Severity:   domain.SeverityMedium,
			Confidence: 0.65,
			Evidence:   []string{fmt.Sprintf("event %s %s: %s", e.Object, e.Reason, e.Message)},
			Hints:      hints,
		}
	}
	return nil
}

func crashLoop(snap *cluster.ResourceSnapshot) *domain.Diagnosis {
	if !snap.Crashlooping() {
		return nil
	}
	evidence := stateEvidence(snap)
	container := ""
	for name, text := range snap.Logs {
		if last := lastLine(text); last != "" {
			evidence = append(evidence, fmt.Sprintf("log %s: %s", name, last))
			container = name
		}
	}
	if c := snap.Container(container); c != nil {
		container = c.Name
	}
	return &domain.Diagnosis{
		RootCause:  "containers are crashlooping for an unrecognised reason",
		Category:   domain.CategoryCrashLoop,
		Severity:   domain.SeverityMedium,
		Confidence: 0.4,
		Evidence:   evidence,
		Hints:      map[string]string{"container": container},
	}
}

func stateEvidence(snap *cluster.ResourceSnapshot) []string {
	var out []string
	for _, pod := range snap.Pods {
		for _, c := range pod.Containers {
			if c.Waiting == "" && c.RestartCount == 0 {
				continue
			}
			out = append(out, fmt.Sprintf("pod %s: container %s waiting=%q restarts=%d",
				pod.Name, c.Name, c.Waiting, c.RestartCount))
		}
	}
	return out
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
