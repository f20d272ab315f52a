// Package app wires configuration into a running remediation engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/actions"
	"github.com/tinkerbelle-io/tb-remediate/internal/attest"
	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/config"
	"github.com/tinkerbelle-io/tb-remediate/internal/detect"
	"github.com/tinkerbelle-io/tb-remediate/internal/diagnosis"
	"github.com/tinkerbelle-io/tb-remediate/internal/engine"
	"github.com/tinkerbelle-io/tb-remediate/internal/fix"
	"github.com/tinkerbelle-io/tb-remediate/internal/gate"
	"github.com/tinkerbelle-io/tb-remediate/internal/httpapi"
	"github.com/tinkerbelle-io/tb-remediate/internal/retry"
	"github.com/tinkerbelle-io/tb-remediate/internal/shadow"
	"github.com/tinkerbelle-io/tb-remediate/internal/store"
	"github.com/tinkerbelle-io/tb-remediate/internal/store/postgres"
	"github.com/tinkerbelle-io/tb-remediate/internal/verify"
)

// Clients are the clusters the engine talks to. Shadow may be the same
// clientset as Production.
type Clients struct {
	Production kubernetes.Interface
	Shadow     kubernetes.Interface
	// Accessor replaces the accessor built over Production when set.
	Accessor cluster.Accessor
}

// NewClients builds clientsets from the cluster section. Without a shadow
// kubeconfig, shadow environments live in the production cluster.
func NewClients(cfg config.ClusterConfig) (Clients, error) {
	prod, err := cluster.NewClientset(cfg.Kubeconfig, cfg.Context)
	if err != nil {
		return Clients{}, fmt.Errorf("production cluster: %w", err)
	}
	c := Clients{Production: prod, Shadow: prod}
	if cfg.ShadowKubeconfig != "" || cfg.ShadowContext != "" {
		kubeconfig := cfg.ShadowKubeconfig
		if kubeconfig == "" {
			kubeconfig = cfg.Kubeconfig
		}
		c.Shadow, err = cluster.NewClientset(kubeconfig, cfg.ShadowContext)
		if err != nil {
			return Clients{}, fmt.Errorf("shadow cluster: %w", err)
		}
	}
	return c, nil
}

// App holds the wired components.
type App struct {
	cfg *config.Config
	log *slog.Logger

	Engine      *engine.Engine
	Detector    *detect.Detector
	Provisioner *shadow.Provisioner
	Signer      *attest.Signer

	repo    store.Repository
	journal *store.Journal
}

// Build constructs every component from cfg. The caller owns the result and
// must Close it.
func Build(ctx context.Context, cfg *config.Config, clients Clients) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default().With("component", "app")}

	repo, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.repo = repo

	if cfg.Store.JournalPath != "" {
		a.journal, err = store.OpenJournal(cfg.Store.JournalPath)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	diagnoser, err := diagnosis.New(diagnosis.Config{
		Provider:     cfg.Diagnosis.Provider,
		OpenAIModel:  cfg.Diagnosis.OpenAIModel,
		OpenAIAPIKey: cfg.Diagnosis.OpenAIAPIKey,
		OpenAIURL:    cfg.Diagnosis.OpenAIURL,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	suite, err := verify.LoadSuite(cfg.Verify.SuiteFile)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Signer, err = attest.NewSigner(cfg.Attest.SeedHex)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if cfg.Attest.SeedHex == "" {
		a.log.Warn("using an ephemeral attestation key; results signed before a restart cannot be applied")
	}

	a.Provisioner = shadow.NewProvisioner(clients.Production, clients.Shadow, shadow.Options{
		NamespacePrefix: cfg.Shadow.NamespacePrefix,
		MaxEnvironments: cfg.Shadow.MaxEnvironments,
		FailFast:        cfg.Shadow.FailFast,
		TTL:             cfg.Shadow.TTL,
		CPUQuota:        cfg.Shadow.CPUQuota,
		MemoryQuota:     cfg.Shadow.MemoryQuota,
		TeardownTimeout: cfg.Shadow.TeardownTimeout,
	})
	provision := retry.DefaultPolicy()
	provision.Attempts = cfg.Shadow.ProvisionAttempts
	provision.Initial = cfg.Shadow.InitialBackoff
	provision.Max = cfg.Shadow.MaxBackoff
	manager := shadow.NewManager(a.Provisioner, actions.NewExecutor(clients.Shadow),
		verify.NewRunner(cfg.Verify.FanOut, cfg.Verify.CheckTimeout), a.Signer,
		shadow.ManagerOptions{Suite: suite, Provision: provision, TeardownTimeout: cfg.Shadow.TeardownTimeout})

	applyGate := gate.New(actions.NewExecutor(clients.Production), a.Signer,
		gate.NewBreaker(cfg.Gate.MaxAppliesPerHour, cfg.Gate.Cooldown))

	accessor := clients.Accessor
	if accessor == nil {
		accessor = cluster.NewKubeAccessor(clients.Production, cfg.Diagnosis.LogTailLines)
	}
	deps := engine.Deps{
		Accessor:  accessor,
		Diagnoser: diagnoser,
		Proposer:  fix.NewRuleProposer(),
		Verifier:  manager,
		Gate:      applyGate,
		Store:     repo,
	}
	if a.journal != nil {
		deps.Journal = a.journal
	}
	a.Engine = engine.New(engine.Config{
		ConfidenceThreshold:  cfg.Engine.ConfidenceThreshold,
		DiagnosisTimeout:     cfg.Engine.DiagnosisTimeout,
		DiagnosisAttempts:    cfg.Engine.DiagnosisAttempts,
		ProposalTimeout:      cfg.Engine.ProposalTimeout,
		VerificationDeadline: cfg.Engine.VerificationDeadline,
		MaxFixRetries:        cfg.Engine.MaxFixRetries,
	}, deps)

	a.Detector = detect.NewDetector(clients.Production, a.Engine, detect.Options{
		ExcludeNamespaces: cfg.Detect.ExcludeNamespaces,
		IntakePerSecond:   cfg.Detect.IntakePerSecond,
		IntakeBurst:       cfg.Detect.IntakeBurst,
	})

	a.log.Info("components ready",
		"store", cfg.Store.Driver,
		"diagnosis", diagnoser.Name(),
		"suite", suite.Name,
		"checks", len(suite.Entries),
		"journal", cfg.Store.JournalPath != "",
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemory(), nil
	case "postgres":
		if err := postgres.Migrate(cfg.PostgresURL); err != nil {
			return nil, err
		}
		pool, err := postgres.Connect(ctx, postgres.Config{URL: cfg.PostgresURL})
		if err != nil {
			return nil, err
		}
		return postgres.NewRepository(pool), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Run recovers interrupted incidents, then runs detection, the shadow
// sweeper and the HTTP API until ctx is done. In-flight incidents are
// cancelled and recorded before Run returns.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.Engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover incidents: %w", err)
	} else if n > 0 {
		a.log.Warn("closed incidents interrupted by a previous run", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCancel(a.Detector.Run(gctx, a.cfg.Detect.Interval))
	})
	g.Go(func() error {
		return a.sweep(gctx)
	})
	if a.cfg.HTTP.Address != "" {
		g.Go(func() error {
			return httpapi.NewServer(a.cfg.HTTP.Address, a.Engine).Run(gctx)
		})
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Shadow.TeardownTimeout+10*time.Second)
	defer cancel()
	if serr := a.Engine.Shutdown(shutdownCtx); serr != nil {
		a.log.Error("engine did not stop in time", "error", serr)
	}
	if _, serr := a.Provisioner.Sweep(shutdownCtx); serr != nil {
		a.log.Warn("final shadow sweep failed", "error", serr)
	}
	return err
}

// sweep removes expired and orphaned shadow environments every TTL/2.
func (a *App) sweep(ctx context.Context) error {
	interval := a.cfg.Shadow.TTL / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := a.Provisioner.Sweep(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("shadow sweep failed", "error", err)
		} else if n > 0 {
			a.log.Info("swept shadow environments", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Store exposes the repository for read-only commands.
func (a *App) Store() store.Repository { return a.repo }

// Close releases the store and journal.
func (a *App) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	return errors.Join(errs...)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
