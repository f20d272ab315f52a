package verify

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CheckDefinition configures one check of a suite file.
type CheckDefinition struct {
	Name     string            `yaml:"name"`
	Required bool              `yaml:"required"`
	Timeout  time.Duration     `yaml:"timeout"`
	Params   map[string]string `yaml:"params"`
}

// SuiteDefinition is the YAML form of a Suite.
type SuiteDefinition struct {
	Name   string            `yaml:"name"`
	Checks []CheckDefinition `yaml:"checks"`
}

// DefaultSuiteDefinition is used when no suite file is configured. Health
// and reproduction checks are required; hygiene, security and smoke checks
// are advisory.
func DefaultSuiteDefinition() SuiteDefinition {
	return SuiteDefinition{
		Name: "default",
		Checks: []CheckDefinition{
			{Name: "rollout_ready", Required: true},
			{Name: "pods_running", Required: true},
			{Name: "no_crashloop", Required: true},
			{Name: "image_pullable", Required: true},
			{Name: "no_oom", Required: true},
			{Name: "env_resolvable", Required: true},
			{Name: "events_clean"},
			{Name: "probes_defined"},
			{Name: "limits_defined"},
			{Name: "no_privileged"},
			{Name: "http_smoke", Params: map[string]string{"path": "/", "requests": "5"}},
		},
	}
}

// BuildSuite constructs the checks a definition names.
func BuildSuite(def SuiteDefinition) (Suite, error) {
	suite := Suite{Name: def.Name}
	if len(def.Checks) == 0 {
		return suite, fmt.Errorf("suite %q has no checks", def.Name)
	}
	for _, cd := range def.Checks {
		check, err := newCheck(cd)
		if err != nil {
			return Suite{}, fmt.Errorf("suite %q: %w", def.Name, err)
		}
		suite.Entries = append(suite.Entries, SuiteEntry{Check: check, Required: cd.Required, Timeout: cd.Timeout})
	}
	return suite, nil
}

func newCheck(cd CheckDefinition) (Check, error) {
	switch cd.Name {
	case "rollout_ready":
		interval := time.Second
		if v := cd.Params["interval"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("rollout_ready interval: %w", err)
			}
			interval = d
		}
		return RolloutReady(interval), nil
	case "pods_running":
		return PodsRunning(), nil
	case "no_crashloop":
		return NoCrashloop(), nil
	case "image_pullable":
		return ImagePullable(), nil
	case "no_oom":
		return NoOOM(), nil
	case "env_resolvable":
		return EnvResolvable(), nil
	case "events_clean":
		return EventsClean(), nil
	case "probes_defined":
		return ProbesDefined(), nil
	case "limits_defined":
		return LimitsDefined(), nil
	case "no_privileged":
		return NoPrivileged(), nil
	case "http_smoke":
		requests := 1
		if v := cd.Params["requests"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("http_smoke requests: %w", err)
			}
			requests = n
		}
		return HTTPSmoke(cd.Params["path"], requests), nil
	}
	return nil, fmt.Errorf("unknown check %q", cd.Name)
}

// DefaultSuite builds DefaultSuiteDefinition.
func DefaultSuite() Suite {
	s, err := BuildSuite(DefaultSuiteDefinition())
	if err != nil {
		panic(err)
	}
	return s
}

// LoadSuite reads a suite from path, or returns DefaultSuite when path is
// empty.
func LoadSuite(path string) (Suite, error) {
	if path == "" {
		return DefaultSuite(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Suite{}, fmt.Errorf("read suite: %w", err)
	}
	var def SuiteDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Suite{}, fmt.Errorf("parse suite %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = path
	}
	return BuildSuite(def)
}
