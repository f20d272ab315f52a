package cluster

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Supported workload kinds.
const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
	KindDaemonSet   = "DaemonSet"
	KindPod         = "Pod"
)

// NormalizeKind maps common spellings ("deploy", "sts") onto the canonical
// kind name.
func NormalizeKind(kind string) (string, bool) {
	switch strings.ToLower(kind) {
	case "deployment", "deployments", "deploy":
		return KindDeployment, true
	case "statefulset", "statefulsets", "sts":
		return KindStatefulSet, true
	case "daemonset", "daemonsets", "ds":
		return KindDaemonSet, true
	case "pod", "pods", "po":
		return KindPod, true
	}
	return kind, false
}

// KubeAccessor implements Accessor with client-go.
type KubeAccessor struct {
	clientset kubernetes.Interface
	tailLines int64
	now       func() time.Time
	log       *slog.Logger
}

// NewKubeAccessor creates an accessor. tailLines bounds log reads; zero
// reads the whole log.
func NewKubeAccessor(clientset kubernetes.Interface, tailLines int64) *KubeAccessor {
	return &KubeAccessor{
		clientset: clientset,
		tailLines: tailLines,
		now:       time.Now,
		log:       slog.Default().With("component", "cluster"),
	}
}

// Clientset exposes the underlying client for components that mutate the
// cluster through their own paths.
func (a *KubeAccessor) Clientset() kubernetes.Interface { return a.clientset }

// workload is the kind-independent part of a workload object.
type workload struct {
	labels   map[string]string
	selector map[string]string
	template *corev1.PodTemplateSpec
	replicas int32
	ready    int32
}

func (a *KubeAccessor) getWorkload(ctx context.Context, ref domain.ResourceRef) (*workload, error) {
	const op = "cluster.get"
	kind, ok := NormalizeKind(ref.Kind)
	if !ok {
		return nil, domain.NewError(op, domain.ErrResourceNotFound, nil, "unsupported kind %q", ref.Kind)
	}

	switch kind {
	case KindDeployment:
		d, err := a.clientset.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return nil, classify(op, ref, err)
		}
		w := &workload{labels: d.Labels, template: &d.Spec.Template, replicas: 1, ready: d.Status.ReadyReplicas}
		if d.Spec.Replicas != nil {
			w.replicas = *d.Spec.Replicas
		}
		if d.Spec.Selector != nil {
			w.selector = d.Spec.Selector.MatchLabels
		}
		return w, nil
	case KindStatefulSet:
		s, err := a.clientset.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return nil, classify(op, ref, err)
		}
		w := &workload{labels: s.Labels, template: &s.Spec.Template, replicas: 1, ready: s.Status.ReadyReplicas}
		if s.Spec.Replicas != nil {
			w.replicas = *s.Spec.Replicas
		}
		if s.Spec.Selector != nil {
			w.selector = s.Spec.Selector.MatchLabels
		}
		return w, nil
	case KindDaemonSet:
		d, err := a.clientset.AppsV1().DaemonSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return nil, classify(op, ref, err)
		}
		w := &workload{labels: d.Labels, template: &d.Spec.Template,
			replicas: d.Status.DesiredNumberScheduled, ready: d.Status.NumberReady}
		if d.Spec.Selector != nil {
			w.selector = d.Spec.Selector.MatchLabels
		}
		return w, nil
	default:
		p, err := a.clientset.CoreV1().Pods(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return nil, classify(op, ref, err)
		}
		w := &workload{
			labels:   p.Labels,
			template: &corev1.PodTemplateSpec{ObjectMeta: metav1.ObjectMeta{Labels: p.Labels}, Spec: p.Spec},
			replicas: 1,
		}
		if podReady(p) {
			w.ready = 1
		}
		return w, nil
	}
}

// pods returns the pods backing ref.
func (a *KubeAccessor) pods(ctx context.Context, ref domain.ResourceRef, w *workload) ([]corev1.Pod, error) {
	if kind, _ := NormalizeKind(ref.Kind); kind == KindPod {
		p, err := a.clientset.CoreV1().Pods(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return nil, classify("cluster.pods", ref, err)
		}
		return []corev1.Pod{*p}, nil
	}
	if len(w.selector) == 0 {
		return nil, nil
	}
	list, err := a.clientset.CoreV1().Pods(ref.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(w.selector).String(),
	})
	if err != nil {
		return nil, classify("cluster.pods", ref, err)
	}
	return list.Items, nil
}

// GetResourceState returns the workload, its pods and the namespace's
// configuration sources. Events and logs are filled by Collect.
func (a *KubeAccessor) GetResourceState(ctx context.Context, ref domain.ResourceRef) (*ResourceSnapshot, error) {
	w, err := a.getWorkload(ctx, ref)
	if err != nil {
		return nil, err
	}
	pods, err := a.pods(ctx, ref, w)
	if err != nil {
		return nil, err
	}

	snap := &ResourceSnapshot{
		Ref:           ref,
		Labels:        w.labels,
		Selector:      w.selector,
		Template:      w.template,
		Replicas:      w.replicas,
		ReadyReplicas: w.ready,
		CollectedAt:   a.now(),
	}
	if kind, ok := NormalizeKind(ref.Kind); ok {
		snap.Ref.Kind = kind
	}
	for _, p := range pods {
		snap.Pods = append(snap.Pods, podState(p))
	}

	sources, err := a.configSources(ctx, ref.Namespace)
	if err != nil {
		a.log.Warn("failed to list config sources", "namespace", ref.Namespace, "error", err)
	}
	snap.ConfigSources = sources
	return snap, nil
}

// GetEvents returns events for the resource and its pods, oldest first.
func (a *KubeAccessor) GetEvents(ctx context.Context, ref domain.ResourceRef) ([]Event, error) {
	w, err := a.getWorkload(ctx, ref)
	if err != nil {
		return nil, err
	}
	pods, err := a.pods(ctx, ref, w)
	if err != nil {
		return nil, err
	}

	names := map[string]bool{ref.Name: true}
	for _, p := range pods {
		names[p.Name] = true
	}

	// Field selectors are not honoured by every client, so filter here.
	list, err := a.clientset.CoreV1().Events(ref.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("cluster.events", ref, err)
	}
	var events []Event
	for _, e := range list.Items {
		if !names[e.InvolvedObject.Name] {
			continue
		}
		seen := e.LastTimestamp.Time
		if seen.IsZero() {
			seen = e.EventTime.Time
		}
		events = append(events, Event{
			Type:     e.Type,
			Reason:   e.Reason,
			Message:  e.Message,
			Object:   e.InvolvedObject.Kind + "/" + e.InvolvedObject.Name,
			Count:    e.Count,
			LastSeen: seen,
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].LastSeen.Before(events[j].LastSeen) })
	return events, nil
}

// GetLogs returns the log tail of container in the most relevant pod. For a
// restarted container the previous instance is read first, since the live
// one has usually not yet failed.
func (a *KubeAccessor) GetLogs(ctx context.Context, ref domain.ResourceRef, container string) (string, error) {
	w, err := a.getWorkload(ctx, ref)
	if err != nil {
		return "", err
	}
	pods, err := a.pods(ctx, ref, w)
	if err != nil {
		return "", err
	}
	if len(pods) == 0 {
		return "", domain.NewError("cluster.logs", domain.ErrResourceNotFound, nil, "%s has no pods", ref)
	}

	pod := worstPod(pods)
	if container == "" && len(pod.Spec.Containers) > 0 {
		container = pod.Spec.Containers[0].Name
	}

	opts := &corev1.PodLogOptions{Container: container}
	if a.tailLines > 0 {
		opts.TailLines = &a.tailLines
	}
	if restarts(pod, container) > 0 {
		prev := *opts
		prev.Previous = true
		if raw, err := a.clientset.CoreV1().Pods(ref.Namespace).GetLogs(pod.Name, &prev).DoRaw(ctx); err == nil {
			return string(raw), nil
		}
	}
	raw, err := a.clientset.CoreV1().Pods(ref.Namespace).GetLogs(pod.Name, opts).DoRaw(ctx)
	if err != nil {
		return "", classify("cluster.logs", ref, err)
	}
	return string(raw), nil
}

func (a *KubeAccessor) configSources(ctx context.Context, namespace string) ([]ConfigSource, error) {
	var out []ConfigSource
	cms, err := a.clientset.CoreV1().ConfigMaps(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, cm := range cms.Items {
		out = append(out, ConfigSource{Kind: "ConfigMap", Name: cm.Name, Keys: sortedKeys(cm.Data)})
	}
	secrets, err := a.clientset.CoreV1().Secrets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return out, err
	}
	for _, s := range secrets.Items {
		if s.Type == corev1.SecretTypeServiceAccountToken {
			continue
		}
		keys := make([]string, 0, len(s.Data)+len(s.StringData))
		for k := range s.Data {
			keys = append(keys, k)
		}
		for k := range s.StringData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out = append(out, ConfigSource{Kind: "Secret", Name: s.Name, Keys: keys})
	}
	return out, nil
}

// Collect builds a full snapshot: state, events and the log tail of every
// template container. Event and log failures are logged, not returned.
func Collect(ctx context.Context, a Accessor, ref domain.ResourceRef) (*ResourceSnapshot, error) {
	snap, err := a.GetResourceState(ctx, ref)
	if err != nil {
		return nil, err
	}
	log := slog.Default().With("component", "cluster", "resource", ref.String())

	events, err := a.GetEvents(ctx, ref)
	if err != nil {
		log.Warn("failed to read events", "error", err)
	}
	snap.Events = events

	snap.Logs = make(map[string]string)
	if snap.Template != nil {
		for _, c := range snap.Template.Spec.Containers {
			text, err := a.GetLogs(ctx, ref, c.Name)
			if err != nil {
				log.Debug("failed to read logs", "container", c.Name, "error", err)
				continue
			}
			snap.Logs[c.Name] = text
		}
	}
	return snap, nil
}

func classify(op string, ref domain.ResourceRef, err error) error {
	if apierrors.IsNotFound(err) {
		return domain.NewError(op, domain.ErrResourceNotFound, err, "%s", ref)
	}
	return domain.NewError(op, domain.ErrClusterUnreachable, err, "%s", ref)
}

func podState(p corev1.Pod) PodState {
	images := make(map[string]string, len(p.Spec.Containers))
	for _, c := range p.Spec.Containers {
		images[c.Name] = c.Image
	}
	ps := PodState{Name: p.Name, Phase: string(p.Status.Phase)}
	for _, cs := range p.Status.ContainerStatuses {
		c := ContainerState{
			Name:         cs.Name,
			Image:        images[cs.Name],
			Ready:        cs.Ready,
			RestartCount: cs.RestartCount,
		}
		if c.Image == "" {
			c.Image = cs.Image
		}
		if cs.State.Waiting != nil {
			c.Waiting = cs.State.Waiting.Reason
			c.WaitingMessage = cs.State.Waiting.Message
		}
		if t := cs.LastTerminationState.Terminated; t != nil {
			c.Terminated = t.Reason
			c.ExitCode = t.ExitCode
		} else if t := cs.State.Terminated; t != nil {
			c.Terminated = t.Reason
			c.ExitCode = t.ExitCode
		}
		ps.Containers = append(ps.Containers, c)
	}
	return ps
}

// worstPod picks the pod with the most container restarts.
func worstPod(pods []corev1.Pod) *corev1.Pod {
	best, bestRestarts := 0, int32(-1)
	for i := range pods {
		var n int32
		for _, cs := range pods[i].Status.ContainerStatuses {
			n += cs.RestartCount
		}
		if n > bestRestarts {
			best, bestRestarts = i, n
		}
	}
	return &pods[best]
}

func restarts(p *corev1.Pod, container string) int32 {
	for _, cs := range p.Status.ContainerStatuses {
		if cs.Name == container {
			return cs.RestartCount
		}
	}
	return 0
}

func podReady(p *corev1.Pod) bool {
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
