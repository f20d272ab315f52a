package domain

import (
	"fmt"
	"strings"
)

// Severity is ordered: SeverityLow < SeverityMedium < SeverityHigh < SeverityCritical.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityUnknown:  "UNKNOWN",
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity accepts the names in any case.
func ParseSeverity(s string) (Severity, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for sev, name := range severityNames {
		if name == up && sev != SeverityUnknown {
			return sev, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Diagnosis categories understood by the rule-based fix proposer.
const (
	CategoryMissingEnv   = "missing_env"
	CategoryImagePull    = "image_pull"
	CategoryOOMKilled    = "oom_killed"
	CategoryProbeFailure = "probe_failure"
	CategoryCrashLoop    = "crashloop"
	CategoryUnknown      = "unknown"
)

// Diagnosis is the root-cause verdict for an incident. It is immutable once
// attached to an Incident.
type Diagnosis struct {
	RootCause  string            `json:"root_cause"`
	Category   string            `json:"category"`
	Severity   Severity          `json:"severity"`
	Confidence float64           `json:"confidence"`
	Evidence   []string          `json:"evidence,omitempty"`
	Hints      map[string]string `json:"hints,omitempty"`
	Provider   string            `json:"provider"`
}
