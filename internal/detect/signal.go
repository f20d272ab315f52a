// Package detect scans the cluster for unhealthy workloads and turns them
// into incident signals.
package detect

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Signal is one detected problem with a workload.
type Signal struct {
	Analyzer    string             `json:"analyzer"`
	Severity    domain.Severity    `json:"severity"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Target      domain.ResourceRef `json:"target"`
	Fingerprint string             `json:"fingerprint"`
}

func (s Signal) String() string {
	return fmt.Sprintf("%s: %s", s.Analyzer, s.Title)
}

// MakeFingerprint returns sha256("analyzer:kind:namespace:name")[:16].
func MakeFingerprint(analyzer string, ref domain.ResourceRef) string {
	input := fmt.Sprintf("%s:%s:%s:%s", analyzer, ref.Kind, ref.Namespace, ref.Name)
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash[:8])
}

func newSignal(analyzer string, sev domain.Severity, ref domain.ResourceRef, title, desc string) Signal {
	return Signal{
		Analyzer:    analyzer,
		Severity:    sev,
		Title:       title,
		Description: desc,
		Target:      ref,
		Fingerprint: MakeFingerprint(analyzer, ref),
	}
}

// For returns the signals concerning ref.
func For(signals []Signal, ref domain.ResourceRef) []Signal {
	var out []Signal
	for _, s := range signals {
		if s.Target.Key() == ref.Key() {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(signals []Signal) []Signal {
	seen := make(map[string]bool, len(signals))
	out := signals[:0]
	for _, s := range signals {
		if seen[s.Fingerprint] {
			continue
		}
		seen[s.Fingerprint] = true
		out = append(out, s)
	}
	return out
}

// sortSignals orders by severity, most severe first.
func sortSignals(signals []Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].Severity > signals[j].Severity
	})
}
