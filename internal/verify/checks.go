package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/detect"
)

// workloadStatus reads the cloned workload's template and replica counts.
func workloadStatus(ctx context.Context, t Target) (*corev1.PodTemplateSpec, map[string]string, int32, int32, error) {
	kind, _ := cluster.NormalizeKind(t.Resource.Kind)
	switch kind {
	case cluster.KindDeployment:
		d, err := t.Clientset.AppsV1().Deployments(t.Namespace).Get(ctx, t.Resource.Name, metav1.GetOptions{})
		if err != nil {
			return nil, nil, 0, 0, err
		}
		desired := int32(1)
		if d.Spec.Replicas != nil {
			desired = *d.Spec.Replicas
		}
		var sel map[string]string
		if d.Spec.Selector != nil {
			sel = d.Spec.Selector.MatchLabels
		}
		return &d.Spec.Template, sel, desired, d.Status.ReadyReplicas, nil
	case cluster.KindStatefulSet:
		s, err := t.Clientset.AppsV1().StatefulSets(t.Namespace).Get(ctx, t.Resource.Name, metav1.GetOptions{})
		if err != nil {
			return nil, nil, 0, 0, err
		}
		desired := int32(1)
		if s.Spec.Replicas != nil {
			desired = *s.Spec.Replicas
		}
		var sel map[string]string
		if s.Spec.Selector != nil {
			sel = s.Spec.Selector.MatchLabels
		}
		return &s.Spec.Template, sel, desired, s.Status.ReadyReplicas, nil
	case cluster.KindDaemonSet:
		d, err := t.Clientset.AppsV1().DaemonSets(t.Namespace).Get(ctx, t.Resource.Name, metav1.GetOptions{})
		if err != nil {
			return nil, nil, 0, 0, err
		}
		var sel map[string]string
		if d.Spec.Selector != nil {
			sel = d.Spec.Selector.MatchLabels
		}
		return &d.Spec.Template, sel, d.Status.DesiredNumberScheduled, d.Status.NumberReady, nil
	case cluster.KindPod:
		p, err := t.Clientset.CoreV1().Pods(t.Namespace).Get(ctx, t.Resource.Name, metav1.GetOptions{})
		if err != nil {
			return nil, nil, 0, 0, err
		}
		ready := int32(0)
		for _, c := range p.Status.Conditions {
			if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
				ready = 1
			}
		}
		tmpl := &corev1.PodTemplateSpec{ObjectMeta: metav1.ObjectMeta{Labels: p.Labels}, Spec: p.Spec}
		return tmpl, p.Labels, 1, ready, nil
	}
	return nil, nil, 0, 0, fmt.Errorf("unsupported kind %s", t.Resource.Kind)
}

func targetPods(ctx context.Context, t Target) ([]corev1.Pod, error) {
	_, sel, _, _, err := workloadStatus(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(sel) == 0 {
		return nil, nil
	}
	list, err := t.Clientset.CoreV1().Pods(t.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(sel).String(),
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// RolloutReady waits until every desired replica of the clone is ready,
// polling every interval.
func RolloutReady(interval time.Duration) Check {
	if interval <= 0 {
		interval = time.Second
	}
	return NewCheck("rollout_ready", func(ctx context.Context, t Target) ([]string, error) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, _, desired, ready, err := workloadStatus(ctx, t)
			if err != nil {
				return nil, err
			}
			if ready >= desired {
				return []string{fmt.Sprintf("%d/%d replicas ready", ready, desired)}, nil
			}
			select {
			case <-ctx.Done():
				return []string{fmt.Sprintf("%d/%d replicas ready", ready, desired)}, ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

// PodsRunning requires every pod of the clone to be Running with all
// containers ready.
func PodsRunning() Check {
	return NewCheck("pods_running", func(ctx context.Context, t Target) ([]string, error) {
		pods, err := targetPods(ctx, t)
		if err != nil {
			return nil, err
		}
		if len(pods) == 0 {
			return nil, fmt.Errorf("%w: no pods scheduled", ErrInconclusive)
		}
		var bad, evidence []string
		for _, p := range pods {
			ready := 0
			for _, cs := range p.Status.ContainerStatuses {
				if cs.Ready {
					ready++
				}
			}
			evidence = append(evidence, fmt.Sprintf("pod %s %s %d/%d ready", p.Name, p.Status.Phase, ready, len(p.Spec.Containers)))
			if p.Status.Phase != corev1.PodRunning || ready < len(p.Spec.Containers) {
				bad = append(bad, p.Name)
			}
		}
		if len(bad) > 0 {
			return evidence, fmt.Errorf("pods not running: %s", strings.Join(bad, ", "))
		}
		return evidence, nil
	})
}

// fromAnalyzer fails when the analyzer reports anything about the clone.
func fromAnalyzer(name string, a detect.Analyzer) Check {
	return NewCheck(name, func(ctx context.Context, t Target) ([]string, error) {
		signals, err := a.Analyze(ctx, t.Clientset, t.Namespace)
		if err != nil {
			return nil, err
		}
		ref := t.Resource
		if kind, ok := cluster.NormalizeKind(ref.Kind); ok {
			ref.Kind = kind
		}
		ref.Namespace = t.Namespace
		found := detect.For(signals, ref)
		if len(found) == 0 {
			return []string{a.Name() + ": no findings"}, nil
		}
		var evidence []string
		for _, s := range found {
			evidence = append(evidence, s.Title+": "+s.Description)
		}
		return evidence, fmt.Errorf("%s", found[0].Title)
	})
}

func NoCrashloop() Check   { return fromAnalyzer("no_crashloop", detect.NewCrashloopingAnalyzer()) }
func ImagePullable() Check { return fromAnalyzer("image_pullable", detect.NewImagePullAnalyzer()) }
func NoOOM() Check         { return fromAnalyzer("no_oom", detect.NewOOMKilledAnalyzer()) }
func ProbesDefined() Check { return fromAnalyzer("probes_defined", detect.NewMissingProbesAnalyzer()) }
func LimitsDefined() Check { return fromAnalyzer("limits_defined", detect.NewMissingLimitsAnalyzer()) }

// EnvResolvable requires every ConfigMap and Secret key referenced by the
// clone's environment to exist, unless marked optional.
func EnvResolvable() Check {
	return NewCheck("env_resolvable", func(ctx context.Context, t Target) ([]string, error) {
		tmpl, _, _, _, err := workloadStatus(ctx, t)
		if err != nil {
			return nil, err
		}
		var evidence, missing []string
		for _, c := range tmpl.Spec.Containers {
			for _, e := range c.Env {
				if e.ValueFrom == nil {
					continue
				}
				var ok bool
				var src string
				switch {
				case e.ValueFrom.ConfigMapKeyRef != nil:
					r := e.ValueFrom.ConfigMapKeyRef
					src = "configmap " + r.Name + "/" + r.Key
					ok, err = configMapHasKey(ctx, t, r.Name, r.Key)
					ok = ok || (r.Optional != nil && *r.Optional)
				case e.ValueFrom.SecretKeyRef != nil:
					r := e.ValueFrom.SecretKeyRef
					src = "secret " + r.Name + "/" + r.Key
					ok, err = secretHasKey(ctx, t, r.Name, r.Key)
					ok = ok || (r.Optional != nil && *r.Optional)
				default:
					continue
				}
				if err != nil {
					return evidence, err
				}
				evidence = append(evidence, fmt.Sprintf("%s %s <- %s resolved=%t", c.Name, e.Name, src, ok))
				if !ok {
					missing = append(missing, e.Name)
				}
			}
		}
		if len(missing) > 0 {
			return evidence, fmt.Errorf("unresolvable env: %s", strings.Join(missing, ", "))
		}
		return evidence, nil
	})
}

func configMapHasKey(ctx context.Context, t Target, name, key string) (bool, error) {
	cm, err := t.Clientset.CoreV1().ConfigMaps(t.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, ok := cm.Data[key]
	if !ok {
		_, ok = cm.BinaryData[key]
	}
	return ok, nil
}

func secretHasKey(ctx context.Context, t Target, name, key string) (bool, error) {
	s, err := t.Clientset.CoreV1().Secrets(t.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, ok := s.Data[key]
	if !ok {
		_, ok = s.StringData[key]
	}
	return ok, nil
}

// NoPrivileged is a security scan of the clone's pod template.
func NoPrivileged() Check {
	return NewCheck("no_privileged", func(ctx context.Context, t Target) ([]string, error) {
		tmpl, _, _, _, err := workloadStatus(ctx, t)
		if err != nil {
			return nil, err
		}
		var findings []string
		if tmpl.Spec.HostNetwork {
			findings = append(findings, "pod uses host network")
		}
		if tmpl.Spec.HostPID {
			findings = append(findings, "pod shares host PID namespace")
		}
		for _, c := range tmpl.Spec.Containers {
			sc := c.SecurityContext
			if sc == nil {
				continue
			}
			if sc.Privileged != nil && *sc.Privileged {
				findings = append(findings, "container "+c.Name+" is privileged")
			}
			if sc.AllowPrivilegeEscalation != nil && *sc.AllowPrivilegeEscalation {
				findings = append(findings, "container "+c.Name+" allows privilege escalation")
			}
		}
		if len(findings) > 0 {
			return findings, fmt.Errorf("%d security findings", len(findings))
		}
		return []string{"no privileged settings"}, nil
	})
}

var badEventReasons = map[string]bool{
	"BackOff":          true,
	"Failed":           true,
	"FailedMount":      true,
	"FailedScheduling": true,
	"Unhealthy":        true,
	"FailedCreate":     true,
}

// EventsClean fails on warning events about the clone or its pods.
func EventsClean() Check {
	return NewCheck("events_clean", func(ctx context.Context, t Target) ([]string, error) {
		pods, err := targetPods(ctx, t)
		if err != nil {
			return nil, err
		}
		names := map[string]bool{t.Resource.Name: true}
		for _, p := range pods {
			names[p.Name] = true
		}
		events, err := t.Clientset.CoreV1().Events(t.Namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, err
		}
		var evidence []string
		for _, e := range events.Items {
			if e.Type != corev1.EventTypeWarning || !names[e.InvolvedObject.Name] || !badEventReasons[e.Reason] {
				continue
			}
			evidence = append(evidence, fmt.Sprintf("%s %s: %s", e.InvolvedObject.Name, e.Reason, e.Message))
		}
		if len(evidence) > 0 {
			return evidence, fmt.Errorf("%d warning events", len(evidence))
		}
		return []string{"no warning events"}, nil
	})
}

// HTTPSmoke sends requests GET requests through the API server proxy to the
// first Service selecting the clone and fails on any 5xx or transport error.
func HTTPSmoke(path string, requests int) Check {
	if path == "" {
		path = "/"
	}
	if requests < 1 {
		requests = 1
	}
	return NewCheck("http_smoke", func(ctx context.Context, t Target) ([]string, error) {
		tmpl, _, _, _, err := workloadStatus(ctx, t)
		if err != nil {
			return nil, err
		}
		svcs, err := t.Clientset.CoreV1().Services(t.Namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, err
		}
		var svc *corev1.Service
		for i := range svcs.Items {
			s := &svcs.Items[i]
			if len(s.Spec.Selector) > 0 && len(s.Spec.Ports) > 0 &&
				labels.SelectorFromSet(s.Spec.Selector).Matches(labels.Set(tmpl.Labels)) {
				svc = s
				break
			}
		}
		if svc == nil {
			return nil, fmt.Errorf("%w: no service exposes %s", ErrInconclusive, t.Resource.Name)
		}

		port := fmt.Sprintf("%d", svc.Spec.Ports[0].Port)
		failures := 0
		var lastErr error
		for i := 0; i < requests; i++ {
			_, err := t.Clientset.CoreV1().Services(t.Namespace).ProxyGet("http", svc.Name, port, path, nil).DoRaw(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				failures++
				lastErr = err
			}
		}
		evidence := []string{fmt.Sprintf("GET %s via service %s:%s: %d/%d ok", path, svc.Name, port, requests-failures, requests)}
		if failures > 0 {
			return evidence, fmt.Errorf("%d/%d requests failed: %v", failures, requests, lastErr)
		}
		return evidence, nil
	})
}
