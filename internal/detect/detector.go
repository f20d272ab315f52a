package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
	"github.com/tinkerbelle-io/tb-remediate/internal/metrics"
)

// Sink receives detected problems; the remediation engine implements it.
// FailedFor reports a resource whose latest incident ended in a failure
// state; Acknowledge clears that record.
type Sink interface {
	ActiveFor(ref domain.ResourceRef) bool
	FailedFor(ref domain.ResourceRef) (string, bool)
	Acknowledge(ref domain.ResourceRef) bool
	Submit(ctx context.Context, ref domain.ResourceRef, signal string) (string, error)
}

// Options configure a Detector.
type Options struct {
	ExcludeNamespaces []string
	IntakePerSecond   float64
	IntakeBurst       int
	Analyzers         []Analyzer
}

// Detector runs analyzers over every non-excluded namespace and opens one
// incident per unhealthy workload that has none in flight. A workload whose
// last incident failed is left alone until its signal clears.
type Detector struct {
	clientset kubernetes.Interface
	sink      Sink
	analyzers []Analyzer
	exclude   map[string]bool
	limiter   *rate.Limiter
	log       *slog.Logger

	mu sync.Mutex
	// watched holds resources with an incident opened or failed, until
	// their signal is gone.
	watched map[string]domain.ResourceRef
}

func NewDetector(clientset kubernetes.Interface, sink Sink, opts Options) *Detector {
	excl := make(map[string]bool, len(opts.ExcludeNamespaces))
	for _, ns := range opts.ExcludeNamespaces {
		excl[ns] = true
	}
	analyzers := opts.Analyzers
	if len(analyzers) == 0 {
		analyzers = DefaultAnalyzers()
	}
	limit := rate.Limit(opts.IntakePerSecond)
	if opts.IntakePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := opts.IntakeBurst
	if burst < 1 {
		burst = 1
	}
	return &Detector{
		clientset: clientset,
		sink:      sink,
		analyzers: analyzers,
		exclude:   excl,
		limiter:   rate.NewLimiter(limit, burst),
		log:       slog.Default().With("component", "detect"),
		watched:   make(map[string]domain.ResourceRef),
	}
}

// Scan returns the current signals, most severe first. Namespaces created
// by tb-remediate itself are skipped.
func (d *Detector) Scan(ctx context.Context) ([]Signal, error) {
	nsList, err := d.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	var all []Signal
	for _, ns := range nsList.Items {
		if d.exclude[ns.Name] || ns.Labels[domain.LabelManaged] == "true" {
			continue
		}
		for _, a := range d.analyzers {
			signals, err := a.Analyze(ctx, d.clientset, ns.Name)
			if err != nil {
				d.log.Warn("analyzer failed", "analyzer", a.Name(), "namespace", ns.Name, "error", err)
				continue
			}
			for _, s := range signals {
				metrics.DetectSignals.WithLabelValues(s.Analyzer).Inc()
			}
			all = append(all, signals...)
		}
	}
	sortSignals(all)
	return dedupe(all), nil
}

// Tick scans once and submits a new incident for each affected workload
// with neither an active incident nor an unacknowledged failure. It returns
// the number submitted.
func (d *Detector) Tick(ctx context.Context) (int, error) {
	signals, err := d.Scan(ctx)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	submitted := 0
	handled := make(map[string]bool)
	for _, s := range signals {
		key := s.Target.Key()
		if handled[key] {
			continue
		}
		handled[key] = true
		if d.sink.ActiveFor(s.Target) {
			continue
		}
		if id, failed := d.sink.FailedFor(s.Target); failed {
			d.watched[key] = s.Target
			d.log.Debug("suppressing resubmission after failed incident", "incident_id", id,
				"resource", s.Target.String(), "analyzer", s.Analyzer)
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return submitted, err
		}
		id, err := d.sink.Submit(ctx, s.Target, s.String())
		if err != nil {
			d.log.Warn("failed to submit incident", "resource", s.Target.String(), "error", err)
			continue
		}
		submitted++
		d.watched[key] = s.Target
		d.log.Info("incident opened", "incident_id", id, "resource", s.Target.String(),
			"analyzer", s.Analyzer, "severity", s.Severity.String())
	}
	d.releaseCleared(handled)
	return submitted, nil
}

// releaseCleared acknowledges watched resources that no longer raise a
// signal and have no incident in flight.
func (d *Detector) releaseCleared(current map[string]bool) {
	for key, ref := range d.watched {
		if current[key] || d.sink.ActiveFor(ref) {
			continue
		}
		delete(d.watched, key)
		if d.sink.Acknowledge(ref) {
			d.log.Info("signal cleared", "resource", ref.String())
		}
	}
}

// Run calls Tick every interval until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("detection scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
