package verify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

func target() Target {
	return Target{
		Environment: &domain.ShadowEnvironment{ID: "env-1", IncidentID: "inc-1"},
		Namespace:   "shadow-env-1",
		Resource:    domain.ResourceRef{Kind: "Deployment", Namespace: "shadow-env-1", Name: "demo-api"},
		Clientset:   fake.NewSimpleClientset(),
	}
}

func pass(name string) Check {
	return NewCheck(name, func(context.Context, Target) ([]string, error) { return []string{"ok"}, nil })
}

func fail(name string) Check {
	return NewCheck(name, func(context.Context, Target) ([]string, error) { return nil, errors.New("broken") })
}

// hang blocks without looking at its context.
func hang(name string) Check {
	return NewCheck(name, func(context.Context, Target) ([]string, error) {
		select {}
	})
}

func TestRunAllPass(t *testing.T) {
	var running, peak int32
	var entries []SuiteEntry
	for i := 0; i < 15; i++ {
		entries = append(entries, SuiteEntry{Required: true, Check: NewCheck(fmt.Sprintf("c%d", i),
			func(context.Context, Target) ([]string, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})})
	}

	res, err := NewRunner(3, time.Second).Run(context.Background(), target(), Suite{Name: "s", Entries: entries})
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendApply, res.Recommendation)
	assert.True(t, res.Passed)
	assert.Equal(t, 15, res.ChecksRun)
	assert.Equal(t, 15, res.ChecksPassed)
	assert.Equal(t, "env-1", res.EnvironmentID)
	assert.Equal(t, "inc-1", res.IncidentID)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRunFailureDoesNotAbortSiblings(t *testing.T) {
	suite := Suite{Entries: []SuiteEntry{
		{Check: fail("a"), Required: true},
		{Check: pass("b"), Required: true},
		{Check: pass("c"), Required: true},
	}}
	res, err := NewRunner(1, time.Second).Run(context.Background(), target(), suite)
	require.NoError(t, err)

	assert.Equal(t, domain.RecommendReject, res.Recommendation)
	assert.Equal(t, domain.CheckFailed, res.Checks[0].Status)
	assert.Equal(t, "broken", res.Checks[0].Error)
	assert.Equal(t, domain.CheckPassed, res.Checks[1].Status)
	assert.Equal(t, domain.CheckPassed, res.Checks[2].Status)
	assert.Equal(t, 3, res.ChecksRun)
	assert.Equal(t, 1, res.ChecksFailed)
}

func TestRunOptionalFailureStillApplies(t *testing.T) {
	suite := Suite{Entries: []SuiteEntry{
		{Check: pass("a"), Required: true},
		{Check: fail("lint")},
	}}
	res, err := NewRunner(2, time.Second).Run(context.Background(), target(), suite)
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendApply, res.Recommendation)
}

func TestRunCheckTimeoutIsInconclusive(t *testing.T) {
	suite := Suite{Entries: []SuiteEntry{
		{Check: pass("a"), Required: true},
		{Check: hang("slow"), Required: true, Timeout: 20 * time.Millisecond},
	}}
	res, err := NewRunner(2, time.Second).Run(context.Background(), target(), suite)
	require.NoError(t, err)

	assert.Equal(t, domain.RecommendInconclusive, res.Recommendation)
	assert.Equal(t, domain.CheckInconclusive, res.Checks[1].Status)
	assert.Contains(t, res.Checks[1].Error, "timed out")
	assert.Equal(t, 1, res.ChecksRun)
	assert.Equal(t, 1, res.ChecksInconclusive)
}

func TestRunDeadlineAbandonsChecks(t *testing.T) {
	suite := Suite{Entries: []SuiteEntry{
		{Check: hang("stuck"), Required: true},
		{Check: pass("never-started"), Required: true},
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := NewRunner(1, time.Minute).Run(ctx, target(), suite)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)

	require.NotNil(t, res)
	assert.Equal(t, domain.RecommendInconclusive, res.Recommendation)
	assert.Equal(t, domain.CheckInconclusive, res.Checks[0].Status)
	assert.Equal(t, domain.CheckInconclusive, res.Checks[1].Status)
}

func TestRunPanicAndInconclusiveChecks(t *testing.T) {
	suite := Suite{Entries: []SuiteEntry{
		{Check: NewCheck("boom", func(context.Context, Target) ([]string, error) { panic("nil map") }), Required: true},
		{Check: NewCheck("unsure", func(context.Context, Target) ([]string, error) {
			return nil, fmt.Errorf("%w: nothing to probe", ErrInconclusive)
		})},
	}}
	res, err := NewRunner(2, time.Second).Run(context.Background(), target(), suite)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckFailed, res.Checks[0].Status)
	assert.Contains(t, res.Checks[0].Error, "panicked")
	assert.Equal(t, domain.CheckInconclusive, res.Checks[1].Status)
	assert.Equal(t, domain.RecommendReject, res.Recommendation)
}

func TestRunNoRequiredChecksIsInconclusive(t *testing.T) {
	res, err := NewRunner(1, time.Second).Run(context.Background(), target(), Suite{Entries: []SuiteEntry{{Check: pass("a")}}})
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendInconclusive, res.Recommendation)
}

func TestRunRejectsEmptyTarget(t *testing.T) {
	_, err := NewRunner(1, time.Second).Run(context.Background(), Target{}, Suite{})
	assert.True(t, errors.Is(err, domain.ErrRunner))
}
