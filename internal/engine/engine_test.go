package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/tinkerbelle-io/tb-remediate/internal/actions"
	"github.com/tinkerbelle-io/tb-remediate/internal/attest"
	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/cluster/clustertest"
	"github.com/tinkerbelle-io/tb-remediate/internal/detect"
	"github.com/tinkerbelle-io/tb-remediate/internal/diagnosis"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
	"github.com/tinkerbelle-io/tb-remediate/internal/fix"
	"github.com/tinkerbelle-io/tb-remediate/internal/gate"
	"github.com/tinkerbelle-io/tb-remediate/internal/retry"
	"github.com/tinkerbelle-io/tb-remediate/internal/shadow"
	"github.com/tinkerbelle-io/tb-remediate/internal/store"
	"github.com/tinkerbelle-io/tb-remediate/internal/verify"
)

type stubProvider struct {
	calls atomic.Int32
	fn    func(call int) (*domain.Diagnosis, error)
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Diagnose(context.Context, *cluster.ResourceSnapshot) (*domain.Diagnosis, error) {
	return p.fn(int(p.calls.Add(1)))
}

func confident(confidence float64) *stubProvider {
	return &stubProvider{fn: func(int) (*domain.Diagnosis, error) {
		return &domain.Diagnosis{
			RootCause:  "DATABASE_URL is not set",
			Category:   domain.CategoryMissingEnv,
			Severity:   domain.SeverityHigh,
			Confidence: confidence,
			Hints:      map[string]string{"env_var": "DATABASE_URL", "container": "api"},
		}, nil
	}}
}

type stubProposer struct {
	fn func(ctx context.Context) ([]*domain.ProposedFix, error)
}

func (p *stubProposer) Propose(ctx context.Context, _ *domain.Diagnosis, _ *cluster.ResourceSnapshot) ([]*domain.ProposedFix, error) {
	return p.fn(ctx)
}

func candidates(n int) *stubProposer {
	return &stubProposer{fn: func(context.Context) ([]*domain.ProposedFix, error) {
		var out []*domain.ProposedFix
		for i := 0; i < n; i++ {
			out = append(out, &domain.ProposedFix{
				ID: fmt.Sprintf("fix-%d", i+1),
				Actions: []domain.Action{{
					Type:      domain.ActionSetEnv,
					Target:    clustertest.DemoAPI,
					Container: "api",
					Params:    map[string]string{"name": "DATABASE_URL", "value": fmt.Sprintf("v%d", i+1)},
				}},
			})
		}
		return out, nil
	}}
}

type stubVerifier struct {
	mu    sync.Mutex
	fixes []string
	fn    func(ctx context.Context, call int, f *domain.ProposedFix) (*domain.VerificationResult, error)
}

func (v *stubVerifier) Verify(ctx context.Context, incidentID string, _ domain.ResourceRef, f *domain.ProposedFix, _ time.Time) (*domain.VerificationResult, error) {
	v.mu.Lock()
	v.fixes = append(v.fixes, f.ID)
	call := len(v.fixes)
	v.mu.Unlock()
	res, err := v.fn(ctx, call, f)
	if res != nil {
		res.IncidentID = incidentID
		res.FixID = f.ID
	}
	return res, err
}

func (v *stubVerifier) calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.fixes...)
}

func verdict(rec domain.Recommendation) *domain.VerificationResult {
	status := domain.CheckPassed
	switch rec {
	case domain.RecommendReject:
		status = domain.CheckFailed
	case domain.RecommendInconclusive:
		status = domain.CheckInconclusive
	}
	res := &domain.VerificationResult{EnvironmentID: "env-1", Checks: []domain.CheckResult{{Name: "rollout_ready", Required: true, Status: status}}}
	res.Tally()
	return res
}

func always(rec domain.Recommendation) *stubVerifier {
	return &stubVerifier{fn: func(context.Context, int, *domain.ProposedFix) (*domain.VerificationResult, error) {
		return verdict(rec), nil
	}}
}

type stubGate struct {
	calls atomic.Int32
	err   error
}

func (g *stubGate) Apply(_ context.Context, req gate.Request) (*domain.ApplyOutcome, error) {
	g.calls.Add(1)
	if req.Verification == nil || req.Verification.Recommendation != domain.RecommendApply {
		return nil, domain.NewError("stub", domain.ErrPrecondition, nil, "not verified")
	}
	if g.err != nil {
		return &domain.ApplyOutcome{Message: g.err.Error()}, g.err
	}
	return &domain.ApplyOutcome{Success: true, Message: "applied 1 actions"}, nil
}

func defaultDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Accessor:  clustertest.NewAccessor(clustertest.NewClientset()),
		Diagnoser: confident(0.95),
		Proposer:  candidates(2),
		Verifier:  always(domain.RecommendApply),
		Gate:      &stubGate{},
		Store:     store.NewMemory(),
	}
}

func newEngine(t *testing.T, deps Deps, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryClock = retry.NewFakeClock(time.Now())
	for _, m := range mutate {
		m(&cfg)
	}
	e := New(cfg, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func process(t *testing.T, e *Engine) *domain.Incident {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inc, err := e.Process(ctx, clustertest.DemoAPI, "crashloop")
	require.NoError(t, err)
	return inc
}

func states(inc *domain.Incident) []domain.State {
	var out []domain.State
	for _, ev := range inc.History {
		out = append(out, ev.To)
	}
	return out
}

func assertOrderedHistory(t *testing.T, inc *domain.Incident) {
	t.Helper()
	prev := domain.StateDetected
	var last time.Time
	for i, ev := range inc.History {
		assert.Equal(t, prev, ev.From, "event %d", i)
		assert.Equal(t, i+1, ev.Seq)
		assert.True(t, ev.Timestamp.After(last), "event %d timestamp not increasing", i)
		prev, last = ev.To, ev.Timestamp
	}
	assert.Equal(t, inc.State, prev)
}

// TestHappyPath runs the real shadow manager, gate and rule components
// against fake clusters.
func TestHappyPath(t *testing.T) {
	prod := clustertest.NewClientset()
	shadowCluster := fake.NewSimpleClientset()
	signer, err := attest.NewSigner("")
	require.NoError(t, err)

	var suite verify.Suite
	for i := 0; i < 15; i++ {
		suite.Entries = append(suite.Entries, verify.SuiteEntry{Required: true,
			Check: verify.NewCheck(fmt.Sprintf("check_%02d", i), func(context.Context, verify.Target) ([]string, error) {
				return nil, nil
			})})
	}
	prov := shadow.NewProvisioner(prod, shadowCluster, shadow.Options{MaxEnvironments: 2})
	mgr := shadow.NewManager(prov, actions.NewExecutor(shadowCluster), verify.NewRunner(4, time.Second), signer,
		shadow.ManagerOptions{Suite: suite, Provision: retry.Policy{Attempts: 3, Clock: retry.NewFakeClock(time.Now())}})

	journalPath := filepath.Join(t.TempDir(), "journal.log")
	journal, err := store.OpenJournal(journalPath)
	require.NoError(t, err)
	defer journal.Close()

	repo := store.NewMemory()
	e := newEngine(t, Deps{
		Accessor:  clustertest.NewAccessor(prod),
		Diagnoser: diagnosis.NewRuleProvider(),
		Proposer:  fix.NewRuleProposer(),
		Verifier:  mgr,
		Gate:      gate.New(actions.NewExecutor(prod), signer, gate.NewBreaker(10, time.Hour)),
		Store:     repo,
		Journal:   journal,
	})

	inc := process(t, e)
	require.Equal(t, domain.StateApplied, inc.State, "reason: %+v", inc.Outcome)
	assert.Equal(t, []domain.State{domain.StateDiagnosing, domain.StateFixProposed, domain.StateVerifying,
		domain.StateVerified, domain.StateApplied}, states(inc))
	assertOrderedHistory(t, inc)

	require.NotNil(t, inc.Diagnosis)
	assert.Equal(t, domain.SeverityHigh, inc.Diagnosis.Severity)
	assert.GreaterOrEqual(t, inc.Diagnosis.Confidence, 0.8)
	require.NotNil(t, inc.Fix)
	assert.Equal(t, "DATABASE_URL", inc.Fix.Actions[0].Params["name"])
	require.NotNil(t, inc.Verification)
	assert.Equal(t, domain.RecommendApply, inc.Verification.Recommendation)
	assert.Equal(t, 15, inc.Verification.ChecksRun)
	assert.Equal(t, 15, inc.Verification.ChecksPassed)
	assert.NotEmpty(t, inc.ShadowEnvironmentID)
	require.NotNil(t, inc.Apply)
	assert.True(t, inc.Apply.Success)

	d, err := prod.AppsV1().Deployments(clustertest.Namespace).Get(context.Background(), "demo-api", metav1.GetOptions{})
	require.NoError(t, err)
	var wired bool
	for _, env := range d.Spec.Template.Spec.Containers[0].Env {
		if env.Name == "DATABASE_URL" && env.ValueFrom != nil && env.ValueFrom.ConfigMapKeyRef != nil {
			wired = true
		}
	}
	assert.True(t, wired, "production deployment did not receive DATABASE_URL")
	assert.Zero(t, prov.Live(), "shadow environment must be destroyed")

	stored, err := repo.LoadIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApplied, stored.State)
	assert.Len(t, stored.History, 5)

	n, err := store.VerifyJournal(journalPath)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestLowConfidenceStopsBeforeVerification(t *testing.T) {
	deps := defaultDeps(t)
	deps.Diagnoser = confident(0.40)
	v := always(domain.RecommendApply)
	deps.Verifier = v
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateDiagnosisFailed, inc.State)
	assert.Empty(t, v.calls(), "no verification may be attempted")
	require.NotNil(t, inc.Outcome)
	assert.Contains(t, inc.Outcome.Reason, "0.40")
	require.NotNil(t, inc.Diagnosis)
}

func TestVerificationTimeoutDestroysEnvironment(t *testing.T) {
	prod := clustertest.NewClientset()
	shadowCluster := fake.NewSimpleClientset()
	signer, err := attest.NewSigner("")
	require.NoError(t, err)
	hang := verify.SuiteEntry{Required: true, Check: verify.NewCheck("load_test", func(ctx context.Context, _ verify.Target) ([]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})}
	prov := shadow.NewProvisioner(prod, shadowCluster, shadow.Options{MaxEnvironments: 1})
	mgr := shadow.NewManager(prov, actions.NewExecutor(shadowCluster), verify.NewRunner(4, time.Minute), signer,
		shadow.ManagerOptions{Suite: verify.Suite{Entries: []verify.SuiteEntry{hang}}})

	deps := defaultDeps(t)
	deps.Accessor = clustertest.NewAccessor(prod)
	deps.Verifier = mgr
	g := &stubGate{}
	deps.Gate = g
	e := newEngine(t, deps, func(c *Config) { c.VerificationDeadline = 150 * time.Millisecond })

	inc := process(t, e)
	assert.Equal(t, domain.StateVerificationFailed, inc.State)
	require.NotNil(t, inc.Verification)
	assert.Equal(t, domain.RecommendInconclusive, inc.Verification.Recommendation)
	assert.Equal(t, 1, inc.FixAttempts, "a timeout is not retried with another candidate")
	assert.Zero(t, prov.Live())
	list, err := shadowCluster.CoreV1().Namespaces().List(context.Background(), metav1.ListOptions{LabelSelector: domain.LabelManaged + "=true"})
	require.NoError(t, err)
	assert.Empty(t, list.Items)
	assert.Zero(t, g.calls.Load())
}

func TestRejectTwiceEndsInVerificationFailed(t *testing.T) {
	deps := defaultDeps(t)
	deps.Proposer = candidates(3)
	v := always(domain.RecommendReject)
	deps.Verifier = v
	g := &stubGate{}
	deps.Gate = g
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateVerificationFailed, inc.State)
	assert.Equal(t, []string{"fix-1", "fix-2"}, v.calls())
	assert.Equal(t, 2, inc.FixAttempts)
	assert.Equal(t, []domain.State{domain.StateDiagnosing, domain.StateFixProposed, domain.StateVerifying,
		domain.StateFixProposed, domain.StateVerifying, domain.StateVerificationFailed}, states(inc))
	assertOrderedHistory(t, inc)
	assert.Contains(t, inc.Outcome.Reason, "rollout_ready")
	assert.Zero(t, g.calls.Load())
}

func TestRejectThenApply(t *testing.T) {
	deps := defaultDeps(t)
	deps.Verifier = &stubVerifier{fn: func(_ context.Context, call int, _ *domain.ProposedFix) (*domain.VerificationResult, error) {
		if call == 1 {
			return verdict(domain.RecommendReject), nil
		}
		return verdict(domain.RecommendApply), nil
	}}
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateApplied, inc.State)
	assert.Equal(t, "fix-2", inc.Fix.ID)
	assert.Equal(t, "fix-2", inc.Verification.FixID)
}

func TestRetryNeedsAnotherCandidate(t *testing.T) {
	deps := defaultDeps(t)
	deps.Proposer = candidates(1)
	v := always(domain.RecommendReject)
	deps.Verifier = v
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateVerificationFailed, inc.State)
	assert.Len(t, v.calls(), 1)
}

func TestProvisioningFailureTriesNextCandidate(t *testing.T) {
	deps := defaultDeps(t)
	v := &stubVerifier{fn: func(_ context.Context, call int, _ *domain.ProposedFix) (*domain.VerificationResult, error) {
		if call == 1 {
			return nil, domain.NewError("shadow.provision", domain.ErrProvisioning, errors.New("quota exceeded"), "inc")
		}
		return verdict(domain.RecommendApply), nil
	}}
	deps.Verifier = v
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateApplied, inc.State)
	assert.Len(t, v.calls(), 2)
}

func TestInconclusiveNeverReachesGate(t *testing.T) {
	deps := defaultDeps(t)
	g := &stubGate{}
	deps.Gate = g
	deps.Verifier = always(domain.RecommendInconclusive)
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateVerificationFailed, inc.State)
	assert.Zero(t, g.calls.Load())
}

func TestApplyFailureIsTerminal(t *testing.T) {
	deps := defaultDeps(t)
	g := &stubGate{err: domain.NewError("gate.apply", domain.ErrApplyFailed, nil, "applied 0 of 1 actions")}
	deps.Gate = g
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateApplyFailed, inc.State)
	assert.Equal(t, int32(1), g.calls.Load(), "production mutations are never retried")
	assert.Contains(t, inc.Outcome.Reason, "applied 0 of 1")
}

func TestDiagnosisRetriesTransientErrors(t *testing.T) {
	deps := defaultDeps(t)
	p := confident(0.95)
	inner := p.fn
	p.fn = func(call int) (*domain.Diagnosis, error) {
		if call == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return inner(call)
	}
	deps.Diagnoser = p
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateApplied, inc.State)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestDiagnosisFailureIsNotRetried(t *testing.T) {
	deps := defaultDeps(t)
	p := &stubProvider{fn: func(int) (*domain.Diagnosis, error) {
		return nil, domain.NewError("stub", domain.ErrDiagnosisFailed, nil, "model returned garbage")
	}}
	deps.Diagnoser = p
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateDiagnosisFailed, inc.State)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Contains(t, inc.Outcome.Reason, "model returned garbage")
}

func TestMissingResourceFailsDiagnosis(t *testing.T) {
	deps := defaultDeps(t)
	e := newEngine(t, deps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inc, err := e.Process(ctx, domain.ResourceRef{Kind: "deploy", Namespace: "demo", Name: "ghost"}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDiagnosisFailed, inc.State)
	assert.Equal(t, "Deployment", inc.Resource.Kind)
}

func TestNoFixAvailable(t *testing.T) {
	deps := defaultDeps(t)
	deps.Proposer = candidates(0)
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateNoFixAvailable, inc.State)
}

func TestProposalTimeout(t *testing.T) {
	deps := defaultDeps(t)
	deps.Proposer = &stubProposer{fn: func(ctx context.Context) ([]*domain.ProposedFix, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newEngine(t, deps, func(c *Config) { c.ProposalTimeout = 50 * time.Millisecond })

	inc := process(t, e)
	assert.Equal(t, domain.StateNoFixAvailable, inc.State)
	assert.Contains(t, inc.Outcome.Reason, "timed out")
}

func TestPanicIsRecordedAsStageFailure(t *testing.T) {
	deps := defaultDeps(t)
	deps.Proposer = &stubProposer{fn: func(context.Context) ([]*domain.ProposedFix, error) {
		panic("proposer exploded")
	}}
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateDiagnosisFailed, inc.State)
	assert.Contains(t, inc.Outcome.Reason, "proposer exploded")
	assert.False(t, e.ActiveFor(clustertest.DemoAPI))
}

func TestDuplicateSubmitReturnsActiveIncident(t *testing.T) {
	release := make(chan struct{})
	deps := defaultDeps(t)
	deps.Verifier = &stubVerifier{fn: func(ctx context.Context, _ int, _ *domain.ProposedFix) (*domain.VerificationResult, error) {
		<-release
		return verdict(domain.RecommendApply), nil
	}}
	e := newEngine(t, deps)
	ctx := context.Background()

	first, err := e.Submit(ctx, clustertest.DemoAPI, "crashloop")
	require.NoError(t, err)
	assert.True(t, e.ActiveFor(domain.ResourceRef{Kind: "deployments", Namespace: "demo", Name: "demo-api"}))

	second, err := e.Submit(ctx, clustertest.DemoAPI, "crashloop")
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, first, second)

	close(release)
	inc, err := e.Wait(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApplied, inc.State)
	assert.False(t, e.ActiveFor(clustertest.DemoAPI))
}

func TestSlowIncidentDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	other := domain.ResourceRef{Kind: "StatefulSet", Namespace: "demo", Name: "db"}

	deps := defaultDeps(t)
	deps.Verifier = &routingVerifier{route: func(target domain.ResourceRef) bool {
		return target.Name == "demo-api"
	}, slow: func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}}
	e := newEngine(t, deps)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slowID, err := e.Submit(ctx, clustertest.DemoAPI, "crashloop")
	require.NoError(t, err)
	inc, err := e.Process(ctx, other, "unready")
	require.NoError(t, err)
	assert.True(t, inc.State.Terminal())

	got, err := e.Get(ctx, slowID)
	require.NoError(t, err)
	assert.False(t, got.State.Terminal())
}

// routingVerifier blocks verification of targets matched by route.
type routingVerifier struct {
	route func(domain.ResourceRef) bool
	slow  func(ctx context.Context)
}

func (r *routingVerifier) Verify(ctx context.Context, incidentID string, target domain.ResourceRef, f *domain.ProposedFix, _ time.Time) (*domain.VerificationResult, error) {
	if r.route(target) {
		r.slow(ctx)
	}
	res := verdict(domain.RecommendApply)
	res.IncidentID, res.FixID = incidentID, f.ID
	return res, nil
}

func TestQueries(t *testing.T) {
	deps := defaultDeps(t)
	e := newEngine(t, deps)
	inc := process(t, e)
	ctx := context.Background()

	got, err := e.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.State, got.State)

	history, err := e.History(ctx, inc.ID)
	require.NoError(t, err)
	assert.Len(t, history, len(inc.History))

	list, err := e.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, inc.ID, list[0].ID)

	_, err = e.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrIncidentNotFound)

	// returned copies are detached from engine state
	got.History = nil
	again, _ := e.Get(ctx, inc.ID)
	assert.NotEmpty(t, again.History)
}

func TestRecoverClosesInterruptedIncidents(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	inc := domain.NewIncident("inc-old", clustertest.DemoAPI, "", now)
	for _, s := range []domain.State{domain.StateDiagnosing, domain.StateFixProposed, domain.StateVerifying} {
		_, err := inc.Transition("ev", s, now, "", "")
		require.NoError(t, err)
	}
	require.NoError(t, repo.SaveIncident(ctx, inc))
	done := domain.NewIncident("inc-done", clustertest.DemoAPI, "", now)
	_, _ = done.Transition("ev", domain.StateDiagnosing, now, "", "")
	_, _ = done.Transition("ev", domain.StateNoFixAvailable, now, "", "")
	require.NoError(t, repo.SaveIncident(ctx, done))

	deps := defaultDeps(t)
	deps.Store = repo
	e := newEngine(t, deps)

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.LoadIncident(ctx, "inc-old")
	require.NoError(t, err)
	assert.Equal(t, domain.StateVerificationFailed, got.State)
	assert.Contains(t, got.Outcome.Reason, "restart")
	assertOrderedHistory(t, got)

	failedID, failed := e.FailedFor(clustertest.DemoAPI)
	assert.True(t, failed, "recovered failures suppress detection")
	assert.Equal(t, "inc-old", failedID)
}

func TestShutdownFailsInFlightIncidents(t *testing.T) {
	deps := defaultDeps(t)
	deps.Verifier = &stubVerifier{fn: func(ctx context.Context, _ int, _ *domain.ProposedFix) (*domain.VerificationResult, error) {
		<-ctx.Done()
		return nil, domain.NewError("shadow.verify", domain.ErrTimeout, ctx.Err(), "cancelled")
	}}
	e := newEngine(t, deps)
	ctx := context.Background()

	id, err := e.Submit(ctx, clustertest.DemoAPI, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inc, _ := e.Get(ctx, id)
		return inc.State == domain.StateVerifying
	}, 5*time.Second, 5*time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(sctx))

	inc, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateVerificationFailed, inc.State)

	_, err = e.Submit(ctx, clustertest.DemoAPI, "")
	assert.Error(t, err)
}

func TestApplyFailedResourceIsNotResubmittedByDetector(t *testing.T) {
	prod := clustertest.NewClientset()
	deps := defaultDeps(t)
	deps.Accessor = clustertest.NewAccessor(prod)
	g := &stubGate{err: domain.NewError("gate.apply", domain.ErrApplyFailed, nil, "applied 0 of 1 actions")}
	deps.Gate = g
	e := newEngine(t, deps)
	d := detect.NewDetector(prod, e, detect.Options{})
	ctx := context.Background()

	n, err := d.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		_, failed := e.FailedFor(clustertest.DemoAPI)
		return failed
	}, 5*time.Second, 5*time.Millisecond)

	id, _ := e.FailedFor(clustertest.DemoAPI)
	inc, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApplyFailed, inc.State)

	for i := 0; i < 2; i++ {
		n, err = d.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "tick %d resubmitted a failed resource", i)
	}
	assert.Equal(t, int32(1), g.calls.Load())
	assert.False(t, e.ActiveFor(clustertest.DemoAPI))

	assert.True(t, e.Acknowledge(clustertest.DemoAPI))
	assert.False(t, e.Acknowledge(clustertest.DemoAPI))
	n, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "acknowledged resource is eligible again")
}

func TestSubmitClearsRecordedFailure(t *testing.T) {
	deps := defaultDeps(t)
	deps.Gate = &stubGate{err: domain.NewError("gate.apply", domain.ErrApplyFailed, nil, "boom")}
	e := newEngine(t, deps)

	first := process(t, e)
	require.Equal(t, domain.StateApplyFailed, first.State)
	_, failed := e.FailedFor(clustertest.DemoAPI)
	require.True(t, failed)

	deps.Gate.(*stubGate).err = nil
	second := process(t, e)
	assert.Equal(t, domain.StateApplied, second.State)
	_, failed = e.FailedFor(clustertest.DemoAPI)
	assert.False(t, failed)
}

func TestSubmitRacingShutdown(t *testing.T) {
	deps := defaultDeps(t)
	e := newEngine(t, deps)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ref := domain.ResourceRef{Kind: "Deployment", Namespace: clustertest.Namespace, Name: fmt.Sprintf("svc-%d", i)}
			if id, err := e.Submit(ctx, ref, ""); err == nil {
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(sctx))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		inc, err := e.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, inc.State.Terminal(), "incident %s still %s after shutdown", id, inc.State)
	}
}

func TestUnattachableDiagnosisFailsIncident(t *testing.T) {
	deps := defaultDeps(t)
	deps.Diagnoser = confident(1.5)
	g := &stubGate{}
	deps.Gate = g
	e := newEngine(t, deps)

	inc := process(t, e)
	assert.Equal(t, domain.StateDiagnosisFailed, inc.State)
	assert.Contains(t, inc.Outcome.Reason, "outside [0,1]")
	assert.Nil(t, inc.Diagnosis)
	assert.Zero(t, g.calls.Load())
}
