// Package verify runs check suites against shadow environments and turns
// the per-check outcomes into a recommendation.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// ErrInconclusive is returned by a check that ran but could not decide.
var ErrInconclusive = errors.New("check inconclusive")

// Target is what a check runs against: the cloned resource inside the
// shadow namespace.
type Target struct {
	Environment *domain.ShadowEnvironment
	Namespace   string
	Resource    domain.ResourceRef
	Clientset   kubernetes.Interface
}

// Check is one verification. A nil error passes; ErrInconclusive or a
// context error is inconclusive; any other error fails. The returned strings
// are evidence.
type Check interface {
	Name() string
	Run(ctx context.Context, t Target) ([]string, error)
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context, t Target) ([]string, error)
}

func (c *checkFunc) Name() string { return c.name }

func (c *checkFunc) Run(ctx context.Context, t Target) ([]string, error) { return c.fn(ctx, t) }

// NewCheck adapts a function to Check.
func NewCheck(name string, fn func(ctx context.Context, t Target) ([]string, error)) Check {
	return &checkFunc{name: name, fn: fn}
}

// SuiteEntry is a check together with how it counts. A zero Timeout uses
// the runner default.
type SuiteEntry struct {
	Check    Check
	Required bool
	Timeout  time.Duration
}

// Suite is an ordered set of checks.
type Suite struct {
	Name    string
	Entries []SuiteEntry
}

// Runner executes suites with bounded concurrency.
type Runner struct {
	fanOut         int
	defaultTimeout time.Duration
	now            func() time.Time
	log            *slog.Logger
}

func NewRunner(fanOut int, defaultTimeout time.Duration) *Runner {
	if fanOut < 1 {
		fanOut = 1
	}
	return &Runner{
		fanOut:         fanOut,
		defaultTimeout: defaultTimeout,
		now:            time.Now,
		log:            slog.Default().With("component", "verify"),
	}
}

// Run executes every check of suite against t, at most fanOut at a time. A
// failing check never stops its siblings. When ctx ends first, running
// checks are abandoned, unstarted ones are marked inconclusive, and the
// partial result is returned together with an error wrapping
// domain.ErrTimeout.
func (r *Runner) Run(ctx context.Context, t Target, suite Suite) (*domain.VerificationResult, error) {
	if t.Clientset == nil || t.Namespace == "" {
		return nil, domain.NewError("verify.run", domain.ErrRunner, nil, "target has no cluster or namespace")
	}
	start := r.now()
	results := make([]domain.CheckResult, len(suite.Entries))
	for i, e := range suite.Entries {
		results[i] = domain.CheckResult{
			Name:     e.Check.Name(),
			Required: e.Required,
			Status:   domain.CheckInconclusive,
			Error:    "not started before the verification deadline",
		}
	}

	var g errgroup.Group
	g.SetLimit(r.fanOut)
	for i, e := range suite.Entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = r.runOne(ctx, t, e)
			return nil
		})
	}
	_ = g.Wait()

	res := &domain.VerificationResult{
		Checks:      results,
		Duration:    r.now().Sub(start),
		CompletedAt: r.now().UTC(),
	}
	if t.Environment != nil {
		res.IncidentID = t.Environment.IncidentID
		res.EnvironmentID = t.Environment.ID
	}
	res.Tally()

	r.log.Info("verification finished", "suite", suite.Name, "namespace", t.Namespace,
		"recommendation", res.Recommendation, "passed", res.ChecksPassed, "failed", res.ChecksFailed,
		"inconclusive", res.ChecksInconclusive, "duration", res.Duration)

	if err := ctx.Err(); err != nil {
		return res, domain.NewError("verify.run", domain.ErrTimeout, err, "suite %s cancelled", suite.Name)
	}
	return res, nil
}

type checkOutcome struct {
	evidence []string
	err      error
}

// runOne runs a check under its own timeout. The check goroutine is
// abandoned when the timeout fires; it observes cancellation through ctx.
func (r *Runner) runOne(ctx context.Context, t Target, e SuiteEntry) domain.CheckResult {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := domain.CheckResult{Name: e.Check.Name(), Required: e.Required}
	start := r.now()
	done := make(chan checkOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- checkOutcome{err: fmt.Errorf("%w: check panicked: %v", domain.ErrRunner, p)}
			}
		}()
		ev, err := e.Check.Run(cctx, t)
		done <- checkOutcome{evidence: ev, err: err}
	}()

	select {
	case o := <-done:
		res.Evidence = o.evidence
		switch {
		case o.err == nil:
			res.Status = domain.CheckPassed
		case errors.Is(o.err, ErrInconclusive), errors.Is(o.err, context.DeadlineExceeded),
			errors.Is(o.err, context.Canceled):
			res.Status = domain.CheckInconclusive
			res.Error = o.err.Error()
		default:
			res.Status = domain.CheckFailed
			res.Error = o.err.Error()
		}
	case <-cctx.Done():
		res.Status = domain.CheckInconclusive
		if ctx.Err() != nil {
			res.Error = "abandoned: verification deadline exceeded"
		} else {
			res.Error = fmt.Sprintf("timed out after %s", timeout)
		}
	}
	res.Duration = r.now().Sub(start)
	r.log.Debug("check finished", "check", res.Name, "status", res.Status, "duration", res.Duration)
	return res
}
