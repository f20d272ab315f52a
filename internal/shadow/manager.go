package shadow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/attest"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
	"github.com/tinkerbelle-io/tb-remediate/internal/metrics"
	"github.com/tinkerbelle-io/tb-remediate/internal/retry"
	"github.com/tinkerbelle-io/tb-remediate/internal/verify"
)

// ApplyFixCheck names the synthetic check recorded when a fix cannot be
// applied to the shadow clone.
const ApplyFixCheck = "apply_fix"

// Environments creates and destroys shadow environments. *Provisioner is
// the production implementation.
type Environments interface {
	Create(ctx context.Context, spec Spec) (*domain.ShadowEnvironment, error)
	Destroy(ctx context.Context, id string) error
	Clientset() kubernetes.Interface
}

// Applier applies one action inside a namespace.
type Applier interface {
	Apply(ctx context.Context, namespace string, a domain.Action) domain.ActionOutcome
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Suite verify.Suite
	// Provision bounds environment creation retries. Teardown reuses its
	// backoff schedule.
	Provision       retry.Policy
	TeardownTimeout time.Duration
}

// Manager runs one verification per incident at a time: it provisions an
// environment, applies the fix to the clone, runs the suite, signs the
// result and always tears the environment down.
type Manager struct {
	envs    Environments
	applier Applier
	runner  *verify.Runner
	signer  *attest.Signer
	opts    ManagerOptions
	log     *slog.Logger

	mu     sync.Mutex
	active map[string]string
}

func NewManager(envs Environments, applier Applier, runner *verify.Runner, signer *attest.Signer, opts ManagerOptions) *Manager {
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 30 * time.Second
	}
	return &Manager{
		envs:    envs,
		applier: applier,
		runner:  runner,
		signer:  signer,
		opts:    opts,
		log:     slog.Default().With("component", "shadow"),
		active:  make(map[string]string),
	}
}

// Verify checks fix against a fresh clone of target. A second call for an
// incident that is already verifying fails at once with domain.ErrConflict.
// When the deadline passes the partial, INCONCLUSIVE result is returned
// together with an error wrapping domain.ErrTimeout. Provisioning that keeps
// failing surfaces domain.ErrProvisioning. A zero deadline means none.
func (m *Manager) Verify(ctx context.Context, incidentID string, target domain.ResourceRef, fix *domain.ProposedFix, deadline time.Time) (*domain.VerificationResult, error) {
	const op = "shadow.verify"
	if fix == nil || len(fix.Actions) == 0 {
		return nil, domain.NewError(op, domain.ErrRunner, nil, "no fix to verify")
	}
	if !m.lock(incidentID) {
		return nil, domain.NewError(op, domain.ErrConflict, nil, "incident %s", incidentID)
	}
	defer m.unlock(incidentID)

	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	log := m.log.With("incident_id", incidentID, "kind", target.Kind, "ns", target.Namespace, "name", target.Name, "fix_id", fix.ID)

	env, err := m.provision(ctx, incidentID, target)
	if err != nil {
		log.Warn("shadow provisioning failed", "error", err)
		return nil, err
	}
	defer m.teardown(ctx, env)
	m.setActive(incidentID, env.ID)

	res, runErr := m.applyFix(ctx, env, fix)
	if res == nil {
		res, runErr = m.runner.Run(ctx, verify.Target{
			Environment: env,
			Namespace:   env.Namespace,
			Resource:    domain.ResourceRef{Kind: target.Kind, Namespace: env.Namespace, Name: target.Name},
			Clientset:   m.envs.Clientset(),
		}, m.opts.Suite)
		if res == nil {
			return nil, runErr
		}
	}
	res.IncidentID = incidentID
	res.EnvironmentID = env.ID
	res.FixID = fix.ID
	if err := m.signer.Sign(res, fix); err != nil {
		return nil, domain.NewError(op, domain.ErrRunner, err, "sign result")
	}

	metrics.VerificationDuration.WithLabelValues(string(res.Recommendation)).Observe(res.Duration.Seconds())
	for _, c := range res.Checks {
		metrics.VerificationChecks.WithLabelValues(c.Name, string(c.Status)).Inc()
	}
	log.Info("verification complete", "env_id", env.ID, "recommendation", res.Recommendation,
		"passed", res.ChecksPassed, "run", res.ChecksRun, "inconclusive", res.ChecksInconclusive)
	return res, runErr
}

// Active reports the environment currently serving an incident. The id is
// empty while the environment is still being provisioned.
func (m *Manager) Active(incidentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[incidentID]
	return id, ok
}

func (m *Manager) lock(incidentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.active[incidentID]; held {
		return false
	}
	m.active[incidentID] = ""
	return true
}

func (m *Manager) unlock(incidentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, incidentID)
}

func (m *Manager) setActive(incidentID, envID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[incidentID] = envID
}

func (m *Manager) provision(ctx context.Context, incidentID string, target domain.ResourceRef) (*domain.ShadowEnvironment, error) {
	const op = "shadow.provision"
	var env *domain.ShadowEnvironment
	err := retry.Do(ctx, m.opts.Provision, retryableProvisioning, func(ctx context.Context, attempt int) error {
		e, err := m.envs.Create(ctx, Spec{IncidentID: incidentID, Target: target})
		if err != nil {
			m.log.Warn("shadow provisioning attempt failed", "incident_id", incidentID, "attempt", attempt, "error", err)
			return err
		}
		env = e
		return nil
	})
	switch {
	case err == nil:
		return env, nil
	case ctx.Err() != nil:
		return nil, domain.NewError(op, domain.ErrTimeout, err, "incident %s", incidentID)
	default:
		return nil, domain.NewError(op, domain.ErrProvisioning, err, "incident %s", incidentID)
	}
}

// retryableProvisioning stops retrying when the production target is gone.
func retryableProvisioning(err error) bool {
	return !errors.Is(err, domain.ErrResourceNotFound)
}

// applyFix applies every action of fix inside env. It returns nil when all
// actions succeeded; otherwise a result that rejects the fix, or an
// inconclusive one when the deadline cut the apply short.
func (m *Manager) applyFix(ctx context.Context, env *domain.ShadowEnvironment, fix *domain.ProposedFix) (*domain.VerificationResult, error) {
	start := time.Now()
	for _, a := range fix.Actions {
		out := m.applier.Apply(ctx, env.Namespace, a)
		if out.Success {
			continue
		}
		check := domain.CheckResult{
			Name:     ApplyFixCheck,
			Required: true,
			Status:   domain.CheckFailed,
			Evidence: []string{string(a.Type) + " " + a.Target.String()},
			Error:    out.Message,
			Duration: time.Since(start),
		}
		var err error
		if ctx.Err() != nil {
			check.Status = domain.CheckInconclusive
			err = domain.NewError("shadow.apply_fix", domain.ErrTimeout, ctx.Err(), "applying fix %s", fix.ID)
		}
		res := &domain.VerificationResult{
			Checks:      []domain.CheckResult{check},
			Duration:    time.Since(start),
			CompletedAt: time.Now().UTC(),
		}
		res.Tally()
		return res, err
	}
	return nil, nil
}

// teardown destroys env on every exit path of Verify, even after ctx has
// been cancelled.
func (m *Manager) teardown(ctx context.Context, env *domain.ShadowEnvironment) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.TeardownTimeout)
	defer cancel()
	err := retry.Do(tctx, m.opts.Provision, nil, func(ctx context.Context, _ int) error {
		return m.envs.Destroy(ctx, env.ID)
	})
	if err != nil {
		metrics.ShadowTeardownFailures.Inc()
		m.log.Error("shadow teardown failed", "incident_id", env.IncidentID, "env_id", env.ID, "namespace", env.Namespace, "error", err)
	}
}
