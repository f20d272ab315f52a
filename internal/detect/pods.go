package detect

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// podAnalyzer flags pods having at least one container matching match and
// reports the owning workload. One signal per workload.
type podAnalyzer struct {
	name     string
	severity domain.Severity
	match    func(cs corev1.ContainerStatus) bool
	describe func(ref domain.ResourceRef, containers []string) (title, desc string)
}

func (a *podAnalyzer) Name() string { return a.name }

func (a *podAnalyzer) Analyze(ctx context.Context, clientset kubernetes.Interface, namespace string) ([]Signal, error) {
	pods, err := clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	var signals []Signal
	for i := range pods.Items {
		pod := &pods.Items[i]
		var hit []string
		for _, cs := range pod.Status.ContainerStatuses {
			if a.match(cs) {
				hit = append(hit, cs.Name)
			}
		}
		if len(hit) == 0 {
			continue
		}
		ref := ownerOf(ctx, clientset, pod)
		title, desc := a.describe(ref, hit)
		signals = append(signals, newSignal(a.name, a.severity, ref, title, desc))
	}
	// several pods usually share one owner
	return dedupe(signals), nil
}

// NewCrashloopingAnalyzer flags containers in CrashLoopBackOff or with five
// or more restarts.
func NewCrashloopingAnalyzer() Analyzer {
	return &podAnalyzer{
		name:     "crashlooping",
		severity: domain.SeverityHigh,
		match: func(cs corev1.ContainerStatus) bool {
			crashloop := cs.State.Waiting != nil && cs.State.Waiting.Reason == "CrashLoopBackOff"
			return crashloop || cs.RestartCount >= 5
		},
		describe: func(ref domain.ResourceRef, containers []string) (string, string) {
			return fmt.Sprintf("%s %q has crashlooping pods", ref.Kind, ref.Name),
				fmt.Sprintf("Container(s) %s keep restarting. Check logs for the root cause.", strings.Join(containers, ", "))
		},
	}
}

// NewImagePullAnalyzer flags containers stuck in ImagePullBackOff or
// ErrImagePull.
func NewImagePullAnalyzer() Analyzer {
	return &podAnalyzer{
		name:     "image_pull",
		severity: domain.SeverityHigh,
		match: func(cs corev1.ContainerStatus) bool {
			if cs.State.Waiting == nil {
				return false
			}
			r := cs.State.Waiting.Reason
			return r == "ImagePullBackOff" || r == "ErrImagePull"
		},
		describe: func(ref domain.ResourceRef, containers []string) (string, string) {
			return fmt.Sprintf("%s %q cannot pull image", ref.Kind, ref.Name),
				fmt.Sprintf("Container(s) %s cannot pull their image. Check the image name, tag and registry credentials.", strings.Join(containers, ", "))
		},
	}
}

// NewOOMKilledAnalyzer flags containers whose last termination was OOMKilled.
func NewOOMKilledAnalyzer() Analyzer {
	return &podAnalyzer{
		name:     "oom_killed",
		severity: domain.SeverityHigh,
		match: func(cs corev1.ContainerStatus) bool {
			t := cs.LastTerminationState.Terminated
			return t != nil && t.Reason == "OOMKilled"
		},
		describe: func(ref domain.ResourceRef, containers []string) (string, string) {
			return fmt.Sprintf("%s %q was OOMKilled", ref.Kind, ref.Name),
				fmt.Sprintf("Container(s) %s exceeded their memory limit.", strings.Join(containers, ", "))
		},
	}
}
