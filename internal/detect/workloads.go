package detect

import (
	"context"
	"fmt"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

type unreadyWorkloadsAnalyzer struct{}

// NewUnreadyWorkloadsAnalyzer flags Deployments and StatefulSets with fewer
// ready replicas than desired.
func NewUnreadyWorkloadsAnalyzer() Analyzer { return &unreadyWorkloadsAnalyzer{} }

func (a *unreadyWorkloadsAnalyzer) Name() string { return "unready_workloads" }

func (a *unreadyWorkloadsAnalyzer) Analyze(ctx context.Context, clientset kubernetes.Interface, namespace string) ([]Signal, error) {
	var signals []Signal
	check := func(kind, name string, replicas *int32, ready int32) {
		desired := int32(1)
		if replicas != nil {
			desired = *replicas
		}
		if desired == 0 || ready >= desired {
			return
		}
		ref := domain.ResourceRef{Kind: kind, Namespace: namespace, Name: name}
		signals = append(signals, newSignal(a.Name(), domain.SeverityMedium, ref,
			fmt.Sprintf("%s %q has %d/%d ready", kind, name, ready, desired),
			fmt.Sprintf("Only %d of %d desired replicas are ready.", ready, desired)))
	}

	deploys, err := clientset.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, d := range deploys.Items {
		check("Deployment", d.Name, d.Spec.Replicas, d.Status.ReadyReplicas)
	}

	stss, err := clientset.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, s := range stss.Items {
		check("StatefulSet", s.Name, s.Spec.Replicas, s.Status.ReadyReplicas)
	}
	return signals, nil
}

type missingProbesAnalyzer struct{}

// NewMissingProbesAnalyzer flags workloads with containers lacking a
// readiness or liveness probe.
func NewMissingProbesAnalyzer() Analyzer { return &missingProbesAnalyzer{} }

func (a *missingProbesAnalyzer) Name() string { return "missing_probes" }

func (a *missingProbesAnalyzer) Analyze(ctx context.Context, clientset kubernetes.Interface, namespace string) ([]Signal, error) {
	templates, err := listTemplates(ctx, clientset, namespace)
	if err != nil {
		return nil, err
	}
	var signals []Signal
	for _, t := range templates {
		var missing []string
		for _, c := range t.spec.Containers {
			if c.ReadinessProbe == nil || c.LivenessProbe == nil {
				missing = append(missing, c.Name)
			}
		}
		if len(missing) == 0 {
			continue
		}
		signals = append(signals, newSignal(a.Name(), domain.SeverityLow, t.ref,
			fmt.Sprintf("%s %q has containers without probes", t.ref.Kind, t.ref.Name),
			fmt.Sprintf("Container(s) %s lack readiness/liveness probes.", strings.Join(missing, ", "))))
	}
	return signals, nil
}

type missingLimitsAnalyzer struct{}

// NewMissingLimitsAnalyzer flags workloads with containers lacking a memory
// limit.
func NewMissingLimitsAnalyzer() Analyzer { return &missingLimitsAnalyzer{} }

func (a *missingLimitsAnalyzer) Name() string { return "missing_limits" }

func (a *missingLimitsAnalyzer) Analyze(ctx context.Context, clientset kubernetes.Interface, namespace string) ([]Signal, error) {
	templates, err := listTemplates(ctx, clientset, namespace)
	if err != nil {
		return nil, err
	}
	var signals []Signal
	for _, t := range templates {
		var missing []string
		for _, c := range t.spec.Containers {
			if mem := c.Resources.Limits.Memory(); mem == nil || mem.IsZero() {
				missing = append(missing, c.Name)
			}
		}
		if len(missing) == 0 {
			continue
		}
		signals = append(signals, newSignal(a.Name(), domain.SeverityLow, t.ref,
			fmt.Sprintf("%s %q has no memory limits", t.ref.Kind, t.ref.Name),
			fmt.Sprintf("Container(s) %s have no memory limits.", strings.Join(missing, ", "))))
	}
	return signals, nil
}
