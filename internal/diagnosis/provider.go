// Package diagnosis derives a root cause from a workload snapshot. Providers
// are interchangeable and selected by configuration.
package diagnosis

import (
	"context"
	"fmt"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Provider diagnoses a snapshot. Errors wrapping domain.ErrDiagnosisFailed
// are permanent; anything else may be retried.
type Provider interface {
	Name() string
	Diagnose(ctx context.Context, snap *cluster.ResourceSnapshot) (*domain.Diagnosis, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider     string
	OpenAIModel  string
	OpenAIAPIKey string
	OpenAIURL    string
}

// New returns the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "rules":
		return NewRuleProvider(), nil
	case "openai":
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIURL)
	default:
		return nil, fmt.Errorf("unknown diagnosis provider %q", cfg.Provider)
	}
}
