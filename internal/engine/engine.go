// Package engine is the remediation state machine. Each incident runs on
// its own goroutine through detection, diagnosis, fix proposal, shadow
// verification and the production gate; the engine only ever applies a fix
// whose latest verification recommended APPLY.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/diagnosis"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
	"github.com/tinkerbelle-io/tb-remediate/internal/fix"
	"github.com/tinkerbelle-io/tb-remediate/internal/gate"
	"github.com/tinkerbelle-io/tb-remediate/internal/metrics"
	"github.com/tinkerbelle-io/tb-remediate/internal/retry"
	"github.com/tinkerbelle-io/tb-remediate/internal/store"
)

// Config holds the state machine's thresholds and timeouts.
type Config struct {
	ConfidenceThreshold  float64
	DiagnosisTimeout     time.Duration
	DiagnosisAttempts    int
	ProposalTimeout      time.Duration
	VerificationDeadline time.Duration
	// MaxFixRetries bounds how many alternative candidates may be tried
	// after the first one is rejected.
	MaxFixRetries int
	// RetryClock drives diagnosis backoff; nil uses the wall clock.
	RetryClock retry.Clock
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:  0.6,
		DiagnosisTimeout:     30 * time.Second,
		DiagnosisAttempts:    2,
		ProposalTimeout:      30 * time.Second,
		VerificationDeadline: 45 * time.Second,
		MaxFixRetries:        1,
	}
}

// Verifier runs a fix through a shadow environment. *shadow.Manager
// implements it.
type Verifier interface {
	Verify(ctx context.Context, incidentID string, target domain.ResourceRef, fix *domain.ProposedFix, deadline time.Time) (*domain.VerificationResult, error)
}

// Gate applies a verified fix to production. *gate.Gate implements it.
type Gate interface {
	Apply(ctx context.Context, req gate.Request) (*domain.ApplyOutcome, error)
}

// Journal receives every audit event after it is persisted.
type Journal interface {
	Append(ev domain.AuditEvent) error
}

// Deps are the engine's collaborators. Journal is optional.
type Deps struct {
	Accessor  cluster.Accessor
	Diagnoser diagnosis.Provider
	Proposer  fix.Proposer
	Verifier  Verifier
	Gate      Gate
	Store     store.Repository
	Journal   Journal
}

// tracked is an in-flight or finished incident. mu serializes every
// mutation so audit events are appended strictly in order.
type tracked struct {
	mu   sync.Mutex
	inc  *domain.Incident
	done chan struct{}
}

// Engine dispatches incidents and answers read-only queries about them.
type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	log  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.RWMutex
	incidents map[string]*tracked
	active    map[string]string
	// failed maps a resource key to its latest incident when that incident
	// ended in a failure state.
	failed map[string]string
}

func New(cfg Config, deps Deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		now:       time.Now,
		log:       slog.Default().With("component", "engine"),
		baseCtx:   ctx,
		cancel:    cancel,
		incidents: make(map[string]*tracked),
		active:    make(map[string]string),
		failed:    make(map[string]string),
	}
}

// Submit opens an incident for ref and starts processing it in the
// background. It never waits for the incident to progress. When ref already
// has an incident in flight, that incident's id is returned together with
// an error wrapping domain.ErrConflict. An explicit submission clears any
// earlier failure recorded for ref.
func (e *Engine) Submit(ctx context.Context, ref domain.ResourceRef, signal string) (string, error) {
	ref, ok := normalize(ref)
	if !ok {
		return "", fmt.Errorf("unsupported resource kind %q", ref.Kind)
	}

	e.mu.Lock()
	// Checked under mu so Shutdown cannot slip between the check and wg.Add.
	if e.baseCtx.Err() != nil {
		e.mu.Unlock()
		return "", errors.New("engine is shut down")
	}
	if id, busy := e.active[ref.Key()]; busy {
		e.mu.Unlock()
		return id, domain.NewError("engine.submit", domain.ErrConflict, nil, "%s already has incident %s", ref, id)
	}
	id := uuid.NewString()
	t := &tracked{inc: domain.NewIncident(id, ref, signal, e.now().UTC()), done: make(chan struct{})}
	e.incidents[id] = t
	e.active[ref.Key()] = id
	delete(e.failed, ref.Key())
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.IncidentsActive.Inc()
	e.log.Info("incident detected", "incident_id", id, "kind", ref.Kind, "ns", ref.Namespace, "name", ref.Name, "signal", signal)

	// DETECTED -> DIAGNOSING happens on creation.
	e.transition(ctx, t, domain.StateDiagnosing, "signal", signal)

	go e.run(t)
	return id, nil
}

// Process submits ref and waits for its incident to finish.
func (e *Engine) Process(ctx context.Context, ref domain.ResourceRef, signal string) (*domain.Incident, error) {
	id, err := e.Submit(ctx, ref, signal)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, id)
}

// Wait blocks until the incident reaches a terminal state or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (*domain.Incident, error) {
	t, ok := e.lookup(id)
	if !ok {
		return nil, domain.NewError("engine.wait", domain.ErrIncidentNotFound, nil, "%s", id)
	}
	select {
	case <-t.done:
		return e.snapshot(t), nil
	case <-ctx.Done():
		return e.snapshot(t), ctx.Err()
	}
}

// Shutdown cancels every in-flight incident and waits for them to record
// their terminal state.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveFor reports whether ref has a non-terminal incident.
func (e *Engine) ActiveFor(ref domain.ResourceRef) bool {
	ref, _ = normalize(ref)
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, busy := e.active[ref.Key()]
	return busy
}

// FailedFor returns the id of ref's latest incident when it ended in a
// failure state and nobody has acknowledged it since.
func (e *Engine) FailedFor(ref domain.ResourceRef) (string, bool) {
	ref, _ = normalize(ref)
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, failed := e.failed[ref.Key()]
	return id, failed
}

// Acknowledge forgets the failure recorded for ref so detection may open a
// new incident for it. It reports whether a failure was recorded.
func (e *Engine) Acknowledge(ref domain.ResourceRef) bool {
	ref, _ = normalize(ref)
	e.mu.Lock()
	id, failed := e.failed[ref.Key()]
	delete(e.failed, ref.Key())
	e.mu.Unlock()
	if failed {
		e.log.Info("failure acknowledged", "incident_id", id, "resource", ref.String())
	}
	return failed
}

func normalize(ref domain.ResourceRef) (domain.ResourceRef, bool) {
	kind, ok := cluster.NormalizeKind(ref.Kind)
	if ok {
		ref.Kind = kind
	}
	if ref.Namespace == "" {
		ref.Namespace = "default"
	}
	return ref, ok
}

// Get returns a copy of the incident, from memory or the store.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Incident, error) {
	if t, ok := e.lookup(id); ok {
		return e.snapshot(t), nil
	}
	return e.deps.Store.LoadIncident(ctx, id)
}

// History returns the incident's audit events in order.
func (e *Engine) History(ctx context.Context, id string) ([]domain.AuditEvent, error) {
	inc, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return inc.History, nil
}

// List returns every known incident, oldest first. Stored incidents are
// overlaid with the engine's in-memory state.
func (e *Engine) List(ctx context.Context) ([]*domain.Incident, error) {
	stored, err := e.deps.Store.ListIncidents(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(stored))
	for i, inc := range stored {
		seen[inc.ID] = true
		if t, ok := e.lookup(inc.ID); ok {
			stored[i] = e.snapshot(t)
		}
	}

	e.mu.RLock()
	var extra []*tracked
	for id, t := range e.incidents {
		if !seen[id] {
			extra = append(extra, t)
		}
	}
	e.mu.RUnlock()
	for _, t := range extra {
		stored = append(stored, e.snapshot(t))
	}
	sortIncidents(stored)
	return stored, nil
}

// Recover closes incidents a previous process left unfinished. They are
// moved to the failure state of the stage they were in.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stored, err := e.deps.Store.ListIncidents(ctx)
	if err != nil {
		return 0, err
	}
	sortIncidents(stored)
	n := 0
	for _, inc := range stored {
		if inc.State.Terminal() {
			e.recordOutcome(inc)
			continue
		}
		if _, ok := e.lookup(inc.ID); ok {
			continue
		}
		t := &tracked{inc: inc, done: make(chan struct{})}
		if inc.State == domain.StateDetected {
			e.transition(ctx, t, domain.StateDiagnosing, "recover", "")
		}
		e.abort(ctx, t, "interrupted by engine restart")
		close(t.done)
		e.mu.Lock()
		e.incidents[inc.ID] = t
		e.mu.Unlock()
		e.recordOutcome(e.snapshot(t))
		n++
	}
	return n, nil
}

func (e *Engine) lookup(id string) (*tracked, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.incidents[id]
	return t, ok
}

func (e *Engine) snapshot(t *tracked) *domain.Incident {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inc.Clone()
}

// update mutates the incident under its lock.
func (e *Engine) update(t *tracked, fn func(inc *domain.Incident)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.inc)
}

// transition moves the incident, persists it and journals the event.
// Persistence failures are logged; the next save carries the full history.
func (e *Engine) transition(ctx context.Context, t *tracked, to domain.State, evidenceRef, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	inc := t.inc
	from := inc.State
	ev, err := inc.Transition(uuid.NewString(), to, e.now().UTC(), evidenceRef, reason)
	if err != nil {
		e.log.Error("rejected state transition", "incident_id", inc.ID, "error", err)
		return false
	}

	sctx := context.WithoutCancel(ctx)
	if err := e.deps.Store.SaveIncident(sctx, inc); err != nil {
		e.log.Error("failed to persist incident", "incident_id", inc.ID, "state", to, "error", err)
	}
	if e.deps.Journal != nil {
		if err := e.deps.Journal.Append(ev); err != nil {
			e.log.Error("failed to journal transition", "incident_id", inc.ID, "state", to, "error", err)
		}
	}
	metrics.IncidentTransitions.WithLabelValues(string(to)).Inc()

	attrs := []any{"incident_id", inc.ID, "kind", inc.Resource.Kind, "ns", inc.Resource.Namespace,
		"name", inc.Resource.Name, "from", from, "state", to}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	if to.Failed() {
		e.log.Warn("incident transition", attrs...)
	} else {
		e.log.Info("incident transition", attrs...)
	}
	return true
}

// abort moves an unfinished incident to the failure state of its stage.
func (e *Engine) abort(ctx context.Context, t *tracked, reason string) {
	t.mu.Lock()
	state := t.inc.State
	t.mu.Unlock()
	if state.Terminal() {
		return
	}
	if state == domain.StateFixProposed {
		e.transition(ctx, t, domain.StateVerifying, "abort", "")
		state = domain.StateVerifying
	}
	if to, ok := domain.FailureStateFor(state); ok {
		e.transition(ctx, t, to, "abort", reason)
	}
}

// recordOutcome remembers or clears the failure for inc's resource. inc
// must be terminal and the resource's latest incident.
func (e *Engine) recordOutcome(inc *domain.Incident) {
	ref, _ := normalize(inc.Resource)
	key := ref.Key()
	e.mu.Lock()
	defer e.mu.Unlock()
	if inc.State.Failed() {
		e.failed[key] = inc.ID
	} else {
		delete(e.failed, key)
	}
}

func (e *Engine) finish(t *tracked) {
	t.mu.Lock()
	ref := t.inc.Resource
	id := t.inc.ID
	failed := t.inc.State.Failed()
	t.mu.Unlock()

	e.mu.Lock()
	if e.active[ref.Key()] == id {
		delete(e.active, ref.Key())
		if failed {
			e.failed[ref.Key()] = id
		} else {
			delete(e.failed, ref.Key())
		}
	}
	e.mu.Unlock()
	metrics.IncidentsActive.Dec()
	close(t.done)
	e.wg.Done()
}
