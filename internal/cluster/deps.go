package cluster

import (
	"context"
	"regexp"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// CloneSet is the minimal set of production objects needed to reproduce a
// workload elsewhere: the workload itself plus its direct dependencies.
type CloneSet struct {
	Target       domain.ResourceRef
	Deployments  []appsv1.Deployment
	StatefulSets []appsv1.StatefulSet
	DaemonSets   []appsv1.DaemonSet
	Pods         []corev1.Pod
	Services     []corev1.Service
	ConfigMaps   []corev1.ConfigMap
	Secrets      []corev1.Secret
}

// Refs lists every object in the set.
func (c *CloneSet) Refs() []domain.ResourceRef {
	var refs []domain.ResourceRef
	add := func(kind string, m metav1.ObjectMeta) {
		refs = append(refs, domain.ResourceRef{Kind: kind, Namespace: m.Namespace, Name: m.Name})
	}
	for _, o := range c.ConfigMaps {
		add("ConfigMap", o.ObjectMeta)
	}
	for _, o := range c.Secrets {
		add("Secret", o.ObjectMeta)
	}
	for _, o := range c.Services {
		add("Service", o.ObjectMeta)
	}
	for _, o := range c.StatefulSets {
		add(KindStatefulSet, o.ObjectMeta)
	}
	for _, o := range c.Deployments {
		add(KindDeployment, o.ObjectMeta)
	}
	for _, o := range c.DaemonSets {
		add(KindDaemonSet, o.ObjectMeta)
	}
	for _, o := range c.Pods {
		add(KindPod, o.ObjectMeta)
	}
	return refs
}

type cloneBuilder struct {
	clientset  kubernetes.Interface
	ns         string
	set        *CloneSet
	seen       map[string]bool
	configMaps map[string]bool
	secrets    map[string]bool
}

// ResolveCloneSet collects ref and its direct dependencies: Services
// selecting its pods, ConfigMaps and Secrets it references, and the
// workloads behind Services named in its environment (data-layer
// dependencies). Optional references that do not exist are skipped.
func ResolveCloneSet(ctx context.Context, clientset kubernetes.Interface, ref domain.ResourceRef) (*CloneSet, error) {
	const op = "cluster.clone_set"
	kind, ok := NormalizeKind(ref.Kind)
	if !ok {
		return nil, domain.NewError(op, domain.ErrResourceNotFound, nil, "unsupported kind %q", ref.Kind)
	}
	ref.Kind = kind

	b := &cloneBuilder{
		clientset:  clientset,
		ns:         ref.Namespace,
		set:        &CloneSet{Target: ref},
		seen:       make(map[string]bool),
		configMaps: make(map[string]bool),
		secrets:    make(map[string]bool),
	}

	template, err := b.addWorkload(ctx, kind, ref.Name)
	if err != nil {
		return nil, classify(op, ref, err)
	}

	services, err := clientset.CoreV1().Services(ref.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify(op, ref, err)
	}

	for _, svc := range services.Items {
		if selects(svc, template.Labels) {
			b.addService(svc)
		}
	}

	b.collectConfigRefs(&template.Spec)
	if err := b.addConfig(ctx); err != nil {
		return nil, classify(op, ref, err)
	}

	// Data-layer dependencies: Services mentioned in env values or
	// referenced ConfigMap data, and the workloads they select.
	text := envText(&template.Spec, b.set.ConfigMaps)
	for _, svc := range services.Items {
		if b.seen["Service/"+svc.Name] || !mentions(text, svc.Name) {
			continue
		}
		b.addService(svc)
		if err := b.addBackends(ctx, svc); err != nil {
			return nil, classify(op, ref, err)
		}
	}
	return b.set, nil
}

func (b *cloneBuilder) addWorkload(ctx context.Context, kind, name string) (*corev1.PodTemplateSpec, error) {
	key := kind + "/" + name
	switch kind {
	case KindDeployment:
		d, err := b.clientset.AppsV1().Deployments(b.ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		if !b.seen[key] {
			b.seen[key] = true
			b.set.Deployments = append(b.set.Deployments, *d)
		}
		return &d.Spec.Template, nil
	case KindStatefulSet:
		s, err := b.clientset.AppsV1().StatefulSets(b.ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		if !b.seen[key] {
			b.seen[key] = true
			b.set.StatefulSets = append(b.set.StatefulSets, *s)
		}
		return &s.Spec.Template, nil
	case KindDaemonSet:
		d, err := b.clientset.AppsV1().DaemonSets(b.ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		if !b.seen[key] {
			b.seen[key] = true
			b.set.DaemonSets = append(b.set.DaemonSets, *d)
		}
		return &d.Spec.Template, nil
	default:
		p, err := b.clientset.CoreV1().Pods(b.ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		if !b.seen[key] {
			b.seen[key] = true
			b.set.Pods = append(b.set.Pods, *p)
		}
		return &corev1.PodTemplateSpec{ObjectMeta: metav1.ObjectMeta{Labels: p.Labels}, Spec: p.Spec}, nil
	}
}

func (b *cloneBuilder) addService(svc corev1.Service) {
	key := "Service/" + svc.Name
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.set.Services = append(b.set.Services, svc)
}

// addBackends adds the Deployments and StatefulSets selected by svc.
func (b *cloneBuilder) addBackends(ctx context.Context, svc corev1.Service) error {
	if len(svc.Spec.Selector) == 0 {
		return nil
	}
	deps, err := b.clientset.AppsV1().Deployments(b.ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}
	for _, d := range deps.Items {
		if selects(svc, d.Spec.Template.Labels) && !b.seen[KindDeployment+"/"+d.Name] {
			b.seen[KindDeployment+"/"+d.Name] = true
			b.set.Deployments = append(b.set.Deployments, d)
			b.collectConfigRefs(&d.Spec.Template.Spec)
		}
	}
	sets, err := b.clientset.AppsV1().StatefulSets(b.ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}
	for _, s := range sets.Items {
		if selects(svc, s.Spec.Template.Labels) && !b.seen[KindStatefulSet+"/"+s.Name] {
			b.seen[KindStatefulSet+"/"+s.Name] = true
			b.set.StatefulSets = append(b.set.StatefulSets, s)
			b.collectConfigRefs(&s.Spec.Template.Spec)
		}
	}
	return b.addConfig(ctx)
}

func (b *cloneBuilder) collectConfigRefs(spec *corev1.PodSpec) {
	containers := append(append([]corev1.Container{}, spec.InitContainers...), spec.Containers...)
	for _, c := range containers {
		for _, from := range c.EnvFrom {
			if from.ConfigMapRef != nil {
				b.configMaps[from.ConfigMapRef.Name] = true
			}
			if from.SecretRef != nil {
				b.secrets[from.SecretRef.Name] = true
			}
		}
		for _, e := range c.Env {
			if e.ValueFrom == nil {
				continue
			}
			if r := e.ValueFrom.ConfigMapKeyRef; r != nil {
				b.configMaps[r.Name] = true
			}
			if r := e.ValueFrom.SecretKeyRef; r != nil {
				b.secrets[r.Name] = true
			}
		}
	}
	for _, v := range spec.Volumes {
		if v.ConfigMap != nil {
			b.configMaps[v.ConfigMap.Name] = true
		}
		if v.Secret != nil {
			b.secrets[v.Secret.SecretName] = true
		}
		if v.Projected != nil {
			for _, src := range v.Projected.Sources {
				if src.ConfigMap != nil {
					b.configMaps[src.ConfigMap.Name] = true
				}
				if src.Secret != nil {
					b.secrets[src.Secret.Name] = true
				}
			}
		}
	}
}

// addConfig fetches every referenced ConfigMap and Secret not yet added.
func (b *cloneBuilder) addConfig(ctx context.Context) error {
	for name := range b.configMaps {
		key := "ConfigMap/" + name
		if b.seen[key] {
			continue
		}
		cm, err := b.clientset.CoreV1().ConfigMaps(b.ns).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		b.seen[key] = true
		b.set.ConfigMaps = append(b.set.ConfigMaps, *cm)
	}
	for name := range b.secrets {
		key := "Secret/" + name
		if b.seen[key] {
			continue
		}
		s, err := b.clientset.CoreV1().Secrets(b.ns).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		b.seen[key] = true
		b.set.Secrets = append(b.set.Secrets, *s)
	}
	return nil
}

func selects(svc corev1.Service, podLabels map[string]string) bool {
	if len(svc.Spec.Selector) == 0 {
		return false
	}
	return labels.SelectorFromSet(svc.Spec.Selector).Matches(labels.Set(podLabels))
}

func envText(spec *corev1.PodSpec, configMaps []corev1.ConfigMap) []string {
	var out []string
	for _, c := range spec.Containers {
		for _, e := range c.Env {
			if e.Value != "" {
				out = append(out, e.Value)
			}
		}
	}
	for _, cm := range configMaps {
		for _, v := range cm.Data {
			out = append(out, v)
		}
	}
	return out
}

// mentions reports whether name appears as a host in any value, e.g.
// "postgres://app@db:5432/x" or "db.prod.svc.cluster.local".
func mentions(values []string, name string) bool {
	re := regexp.MustCompile(`(^|[/@\s=,])` + regexp.QuoteMeta(name) + `($|[.:/\s,])`)
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}
