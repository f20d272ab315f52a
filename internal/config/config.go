// Package config handles configuration for tb-remediate.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables prefixed TBR_ with "__" separating nested keys
// (TBR_ENGINE__CONFIDENCE_THRESHOLD=0.7).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TBR_"

// DefaultConfigFile is read when no path is given and the file exists.
const DefaultConfigFile = "/etc/tb-remediate/config.yaml"

// Config holds all tb-remediate configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Cluster   ClusterConfig   `koanf:"cluster"`
	Engine    EngineConfig    `koanf:"engine"`
	Shadow    ShadowConfig    `koanf:"shadow"`
	Verify    VerifyConfig    `koanf:"verify"`
	Gate      GateConfig      `koanf:"gate"`
	Detect    DetectConfig    `koanf:"detect"`
	Diagnosis DiagnosisConfig `koanf:"diagnosis"`
	Store     StoreConfig     `koanf:"store"`
	HTTP      HTTPConfig      `koanf:"http"`
	Attest    AttestConfig    `koanf:"attest"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// ClusterConfig selects the production cluster and, optionally, a separate
// cluster hosting shadow environments. Empty kubeconfig means in-cluster
// config with a fallback to ~/.kube/config.
type ClusterConfig struct {
	Kubeconfig       string `koanf:"kubeconfig"`
	Context          string `koanf:"context"`
	ShadowKubeconfig string `koanf:"shadow_kubeconfig"`
	ShadowContext    string `koanf:"shadow_context"`
}

type EngineConfig struct {
	ConfidenceThreshold  float64       `koanf:"confidence_threshold" validate:"gte=0,lte=1"`
	DiagnosisTimeout     time.Duration `koanf:"diagnosis_timeout" validate:"gt=0"`
	DiagnosisAttempts    int           `koanf:"diagnosis_attempts" validate:"gte=1,lte=10"`
	ProposalTimeout      time.Duration `koanf:"proposal_timeout" validate:"gt=0"`
	VerificationDeadline time.Duration `koanf:"verification_deadline" validate:"gt=0"`
	MaxFixRetries        int           `koanf:"max_fix_retries" validate:"gte=0,lte=1"`
}

type ShadowConfig struct {
	MaxEnvironments   int           `koanf:"max_environments" validate:"gte=1"`
	FailFast          bool          `koanf:"fail_fast"`
	ProvisionAttempts int           `koanf:"provision_attempts" validate:"gte=1,lte=10"`
	InitialBackoff    time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	TTL               time.Duration `koanf:"ttl" validate:"gt=0"`
	TeardownTimeout   time.Duration `koanf:"teardown_timeout" validate:"gt=0"`
	NamespacePrefix   string        `koanf:"namespace_prefix" validate:"required,max=20"`
	CPUQuota          string        `koanf:"cpu_quota"`
	MemoryQuota       string        `koanf:"memory_quota"`
}

type VerifyConfig struct {
	FanOut       int           `koanf:"fan_out" validate:"gte=1"`
	CheckTimeout time.Duration `koanf:"check_timeout" validate:"gt=0"`
	SuiteFile    string        `koanf:"suite_file"`
}

type GateConfig struct {
	MaxAppliesPerHour int           `koanf:"max_applies_per_hour" validate:"gte=1"`
	Cooldown          time.Duration `koanf:"cooldown" validate:"gte=0"`
}

type DetectConfig struct {
	Interval          time.Duration `koanf:"interval" validate:"gt=0"`
	ExcludeNamespaces []string      `koanf:"exclude_namespaces"`
	IntakePerSecond   float64       `koanf:"intake_per_second" validate:"gt=0"`
	IntakeBurst       int           `koanf:"intake_burst" validate:"gte=1"`
}

type DiagnosisConfig struct {
	Provider     string `koanf:"provider" validate:"oneof=rules openai"`
	OpenAIModel  string `koanf:"openai_model"`
	OpenAIAPIKey string `koanf:"openai_api_key" validate:"required_if=Provider openai"`
	OpenAIURL    string `koanf:"openai_url" validate:"omitempty,url"`
	LogTailLines int64  `koanf:"log_tail_lines" validate:"gte=0"`
}

type StoreConfig struct {
	Driver      string `koanf:"driver" validate:"oneof=memory postgres"`
	PostgresURL string `koanf:"postgres_url" validate:"required_if=Driver postgres"`
	JournalPath string `koanf:"journal_path"`
}

type HTTPConfig struct {
	Address string `koanf:"address"`
}

// AttestConfig holds the Ed25519 seed (hex) used to sign verification
// results. Empty generates an ephemeral key at startup.
type AttestConfig struct {
	SeedHex string `koanf:"seed_hex" validate:"omitempty,hexadecimal,len=64"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			ConfidenceThreshold:  0.6,
			DiagnosisTimeout:     30 * time.Second,
			DiagnosisAttempts:    2,
			ProposalTimeout:      30 * time.Second,
			VerificationDeadline: 45 * time.Second,
			MaxFixRetries:        1,
		},
		Shadow: ShadowConfig{
			MaxEnvironments:   4,
			ProvisionAttempts: 3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        8 * time.Second,
			TTL:               10 * time.Minute,
			TeardownTimeout:   30 * time.Second,
			NamespacePrefix:   "shadow-",
			CPUQuota:          "2",
			MemoryQuota:       "4Gi",
		},
		Verify: VerifyConfig{
			FanOut:       4,
			CheckTimeout: 20 * time.Second,
		},
		Gate: GateConfig{
			MaxAppliesPerHour: 10,
			Cooldown:          30 * time.Minute,
		},
		Detect: DetectConfig{
			Interval:          1 * time.Minute,
			ExcludeNamespaces: []string{"kube-system", "kube-public", "kube-node-lease"},
			IntakePerSecond:   1,
			IntakeBurst:       5,
		},
		Diagnosis: DiagnosisConfig{
			Provider:     "rules",
			OpenAIModel:  "gpt-4o-mini",
			LogTailLines: 200,
		},
		Store: StoreConfig{Driver: "memory"},
		HTTP:  HTTPConfig{Address: ":8080"},
	}
}

// Load builds the configuration. An explicit path must exist; with no path
// DefaultConfigFile is used when present.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps TBR_SHADOW__MAX_ENVIRONMENTS to shadow.max_environments.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterStructValidation(validateShadowTTL, Config{})
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// validateShadowTTL requires the shadow TTL to exceed the verification
// deadline plus the teardown timeout.
func validateShadowTTL(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.Shadow.TTL <= c.Engine.VerificationDeadline+c.Shadow.TeardownTimeout {
		sl.ReportError(c.Shadow.TTL, "Shadow.TTL", "TTL", "gt_deadline_plus_teardown", "")
	}
}
