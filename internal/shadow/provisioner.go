// Package shadow provisions isolated verification environments and runs
// proposed fixes through them before anything touches production.
//
// A shadow environment is a dedicated namespace on the shadow cluster (which
// may be the production cluster itself) holding sanitized copies of the
// target workload and its direct dependencies. The namespace is fenced with a
// deny-ingress NetworkPolicy and a ResourceQuota.
package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
	"github.com/tinkerbelle-io/tb-remediate/internal/metrics"
)

// ErrBudgetExhausted is returned in fail-fast mode when every environment
// slot is taken.
var ErrBudgetExhausted = fmt.Errorf("%w: environment budget exhausted", domain.ErrProvisioning)

// Spec describes the environment to create.
type Spec struct {
	IncidentID string
	Target     domain.ResourceRef
}

// Options configure a Provisioner.
type Options struct {
	NamespacePrefix string
	MaxEnvironments int
	// FailFast makes Create fail immediately instead of waiting for a slot.
	FailFast    bool
	TTL         time.Duration
	CPUQuota    string
	MemoryQuota string
	// TeardownTimeout bounds the cleanup of a partially created environment.
	TeardownTimeout time.Duration
}

// Provisioner creates and destroys shadow environments. It reads the clone
// set from source and writes the copies to target.
type Provisioner struct {
	source kubernetes.Interface
	target kubernetes.Interface
	opts   Options
	budget *semaphore.Weighted
	now    func() time.Time
	log    *slog.Logger

	mu   sync.Mutex
	envs map[string]*domain.ShadowEnvironment
}

func NewProvisioner(source, target kubernetes.Interface, opts Options) *Provisioner {
	if opts.MaxEnvironments < 1 {
		opts.MaxEnvironments = 1
	}
	if opts.NamespacePrefix == "" {
		opts.NamespacePrefix = "shadow-"
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 30 * time.Second
	}
	return &Provisioner{
		source: source,
		target: target,
		opts:   opts,
		budget: semaphore.NewWeighted(int64(opts.MaxEnvironments)),
		now:    time.Now,
		log:    slog.Default().With("component", "shadow"),
		envs:   make(map[string]*domain.ShadowEnvironment),
	}
}

// Clientset is the cluster environments are created on.
func (p *Provisioner) Clientset() kubernetes.Interface { return p.target }

// Create provisions a new environment for spec. It takes one slot of the
// environment budget, blocking until one frees up unless FailFast is set.
// When any step fails the partial environment is destroyed before Create
// returns.
func (p *Provisioner) Create(ctx context.Context, spec Spec) (*domain.ShadowEnvironment, error) {
	const op = "shadow.create"
	if p.opts.FailFast {
		if !p.budget.TryAcquire(1) {
			metrics.ShadowProvisions.WithLabelValues("budget_exhausted").Inc()
			return nil, domain.NewError(op, domain.ErrProvisioning, ErrBudgetExhausted, "%d environments live", p.opts.MaxEnvironments)
		}
	} else if err := p.budget.Acquire(ctx, 1); err != nil {
		return nil, domain.NewError(op, domain.ErrTimeout, err, "waiting for an environment slot")
	}

	id := uuid.NewString()
	now := p.now().UTC()
	env := &domain.ShadowEnvironment{
		ID:         id,
		IncidentID: spec.IncidentID,
		Namespace:  p.opts.NamespacePrefix + strings.ReplaceAll(id, "-", "")[:12],
		Target:     spec.Target,
		State:      domain.ProvisionPending,
		CreatedAt:  now,
	}
	if p.opts.TTL > 0 {
		env.ExpiresAt = now.Add(p.opts.TTL)
	}

	p.mu.Lock()
	p.envs[id] = env
	p.mu.Unlock()
	metrics.ShadowEnvironments.Inc()

	log := p.log.With("incident_id", spec.IncidentID, "env_id", id, "namespace", env.Namespace)
	log.Info("provisioning shadow environment", "target", spec.Target.String())

	cloned, err := p.populate(ctx, env)
	if err != nil {
		metrics.ShadowProvisions.WithLabelValues("failed").Inc()
		p.setState(id, domain.ProvisionFailed, nil)
		log.Warn("provisioning failed, destroying partial environment", "error", err)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.TeardownTimeout)
		if derr := p.Destroy(dctx, id); derr != nil {
			log.Error("failed to destroy partial environment", "error", derr)
		}
		cancel()
		if ctx.Err() != nil {
			return nil, domain.NewError(op, domain.ErrTimeout, err, "environment %s", id)
		}
		return nil, domain.NewError(op, domain.ErrProvisioning, err, "environment %s", id)
	}

	metrics.ShadowProvisions.WithLabelValues("ready").Inc()
	out := p.setState(id, domain.ProvisionReady, cloned)
	log.Info("shadow environment ready", "objects", len(cloned))
	return out, nil
}

func (p *Provisioner) setState(id string, state domain.ProvisionState, cloned []domain.ResourceRef) *domain.ShadowEnvironment {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.envs[id]
	if !ok {
		return nil
	}
	env.State = state
	if cloned != nil {
		env.Cloned = cloned
	}
	cp := *env
	cp.Cloned = append([]domain.ResourceRef(nil), env.Cloned...)
	return &cp
}

func (p *Provisioner) populate(ctx context.Context, env *domain.ShadowEnvironment) ([]domain.ResourceRef, error) {
	set, err := cluster.ResolveCloneSet(ctx, p.source, env.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve clone set: %w", err)
	}
	if err := p.fence(ctx, env); err != nil {
		return nil, err
	}

	ns := env.Namespace
	core, apps := p.target.CoreV1(), p.target.AppsV1()
	for _, o := range set.ConfigMaps {
		o.ObjectMeta = p.cloneMeta(o.ObjectMeta, env)
		if _, err := core.ConfigMaps(ns).Create(ctx, &o, metav1.CreateOptions{}); err != nil {
			return nil, fmt.Errorf("clone configmap %s: %w", o.Name, err)
		}
	}
	for _, o := range set.Secrets {
		o.ObjectMeta = p.cloneMeta(o.ObjectMeta, env)
		if _, err := core.Secrets(ns).Create(ctx, &o, metav1.CreateOptions{}); err != nil {
			return nil, fmt.Errorf("clone secret %s: %w", o.Name, err)
		}
	}
	for _, o := range set.Services {
		o.ObjectMeta = p.cloneMeta(o.ObjectMeta, env)
		sanitizeService(&o)
		if _, err := core.Services(ns).Create(ctx, &o, metav1.CreateOptions{}); err != nil {
			return nil, fmt.Errorf("clone service %s: %w", o.Name, err)
		}
	}
	for _, o := range set.StatefulSets {
		o.ObjectMeta = p.cloneMeta(o.ObjectMeta, env)
		o.Spec.Replicas = capReplicas(o.Spec.Replicas)
		o.Status = appsv1.StatefulSetStatus{}
		if _, err := apps.StatefulSets(ns).Create(ctx, &o, metav1.CreateOptions{}); err != nil {
			return nil, fmt.Errorf("clone statefulset %s: %w", o.Name, err)
		}
	}
	for _, o := range set.Deployments {
		o.ObjectMeta = p.cloneMeta(o.ObjectMeta, env)
		o.Spec.Replicas = capReplicas(o.Spec.Replicas)
		o.Status = appsv1.DeploymentStatus{}
		if _, err := apps.Deployments(ns).Create(ctx, &o, metav1.CreateOptions{}); err != nil {
			return nil, fmt.Errorf("clone deployment %s: %w", o.Name, err)
		}
	}
	for _, o := range set.DaemonSets {
		o.ObjectMeta = p.cloneMeta(o.ObjectMeta, env)
		o.Status = appsv1.DaemonSetStatus{}
		if _, err := apps.DaemonSets(ns).Create(ctx, &o, metav1.CreateOptions{}); err != nil {
			return nil, fmt.Errorf("clone daemonset %s: %w", o.Name, err)
		}
	}
	for _, o := range set.Pods {
		o.ObjectMeta = p.cloneMeta(o.ObjectMeta, env)
		o.Spec.NodeName = ""
		o.Status = corev1.PodStatus{}
		if _, err := core.Pods(ns).Create(ctx, &o, metav1.CreateOptions{}); err != nil {
			return nil, fmt.Errorf("clone pod %s: %w", o.Name, err)
		}
	}

	refs := set.Refs()
	for i := range refs {
		refs[i].Namespace = ns
	}
	return refs, nil
}

// fence creates the namespace together with its isolation policy and quota.
func (p *Provisioner) fence(ctx context.Context, env *domain.ShadowEnvironment) error {
	nsObj := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: env.Namespace, Labels: envLabels(env)}}
	if _, err := p.target.CoreV1().Namespaces().Create(ctx, nsObj, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create namespace %s: %w", env.Namespace, err)
	}

	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "shadow-isolation", Namespace: env.Namespace, Labels: envLabels(env)},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			// Only peers from the same namespace may connect.
			Ingress: []networkingv1.NetworkPolicyIngressRule{{
				From: []networkingv1.NetworkPolicyPeer{{PodSelector: &metav1.LabelSelector{}}},
			}},
		},
	}
	if _, err := p.target.NetworkingV1().NetworkPolicies(env.Namespace).Create(ctx, policy, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create network policy: %w", err)
	}

	hard := corev1.ResourceList{}
	if p.opts.CPUQuota != "" {
		q, err := resource.ParseQuantity(p.opts.CPUQuota)
		if err != nil {
			return fmt.Errorf("cpu quota: %w", err)
		}
		hard[corev1.ResourceLimitsCPU] = q
	}
	if p.opts.MemoryQuota != "" {
		q, err := resource.ParseQuantity(p.opts.MemoryQuota)
		if err != nil {
			return fmt.Errorf("memory quota: %w", err)
		}
		hard[corev1.ResourceLimitsMemory] = q
	}
	if len(hard) == 0 {
		return nil
	}
	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: "shadow-quota", Namespace: env.Namespace, Labels: envLabels(env)},
		Spec:       corev1.ResourceQuotaSpec{Hard: hard},
	}
	if _, err := p.target.CoreV1().ResourceQuotas(env.Namespace).Create(ctx, quota, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create resource quota: %w", err)
	}
	return nil
}

// Destroy deletes the environment and returns its budget slot. Unknown ids
// and namespaces that are already gone are not errors. When the delete call
// fails the environment stays registered so Destroy can be retried.
func (p *Provisioner) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	env, ok := p.envs[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	err := p.target.CoreV1().Namespaces().Delete(ctx, env.Namespace, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete namespace %s: %w", env.Namespace, err)
	}

	p.mu.Lock()
	_, stillLive := p.envs[id]
	delete(p.envs, id)
	p.mu.Unlock()
	if !stillLive {
		return nil
	}
	p.budget.Release(1)
	metrics.ShadowEnvironments.Dec()
	p.log.Info("shadow environment destroyed", "incident_id", env.IncidentID, "env_id", id, "namespace", env.Namespace)
	return nil
}

// Lookup returns a copy of a live environment.
func (p *Provisioner) Lookup(id string) (*domain.ShadowEnvironment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.envs[id]
	if !ok {
		return nil, false
	}
	cp := *env
	cp.Cloned = append([]domain.ResourceRef(nil), env.Cloned...)
	return &cp, true
}

// Live returns the number of environments holding a budget slot.
func (p *Provisioner) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs)
}

// Sweep deletes managed namespaces this process does not own (left behind
// by a crash) and destroys owned environments that failed to provision or
// are past their expiry. It returns
// the number of namespaces removed.
func (p *Provisioner) Sweep(ctx context.Context) (int, error) {
	list, err := p.target.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: domain.LabelManaged + "=true",
	})
	if err != nil {
		return 0, fmt.Errorf("list shadow namespaces: %w", err)
	}

	now := p.now()
	owned := make(map[string]string)
	var expired []string
	p.mu.Lock()
	for id, env := range p.envs {
		owned[env.Namespace] = id
		if env.State == domain.ProvisionFailed || (!env.ExpiresAt.IsZero() && now.After(env.ExpiresAt)) {
			expired = append(expired, id)
		}
	}
	p.mu.Unlock()

	removed := 0
	for _, ns := range list.Items {
		if _, ok := owned[ns.Name]; ok {
			continue
		}
		err := p.target.CoreV1().Namespaces().Delete(ctx, ns.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			p.log.Warn("failed to delete orphaned shadow namespace", "namespace", ns.Name, "error", err)
			continue
		}
		p.log.Info("deleted orphaned shadow namespace", "namespace", ns.Name)
		removed++
	}
	for _, id := range expired {
		if err := p.Destroy(ctx, id); err != nil {
			p.log.Warn("failed to destroy expired shadow environment", "env_id", id, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func envLabels(env *domain.ShadowEnvironment) map[string]string {
	return map[string]string{
		domain.LabelManaged:     "true",
		domain.LabelIncident:    env.IncidentID,
		domain.LabelEnvironment: env.ID,
	}
}

// cloneMeta keeps the user-facing parts of an object's metadata and drops
// everything the production cluster assigned.
func (p *Provisioner) cloneMeta(m metav1.ObjectMeta, env *domain.ShadowEnvironment) metav1.ObjectMeta {
	labels := make(map[string]string, len(m.Labels)+2)
	for k, v := range m.Labels {
		labels[k] = v
	}
	labels[domain.LabelManaged] = "true"
	labels[domain.LabelEnvironment] = env.ID

	var annotations map[string]string
	for k, v := range m.Annotations {
		if k == corev1.LastAppliedConfigAnnotation || strings.HasPrefix(k, "deployment.kubernetes.io/") {
			continue
		}
		if annotations == nil {
			annotations = make(map[string]string)
		}
		annotations[k] = v
	}
	return metav1.ObjectMeta{
		Name:        m.Name,
		Namespace:   env.Namespace,
		Labels:      labels,
		Annotations: annotations,
	}
}

func sanitizeService(svc *corev1.Service) {
	svc.Status = corev1.ServiceStatus{}
	if svc.Spec.Type == corev1.ServiceTypeExternalName {
		return
	}
	if svc.Spec.ClusterIP != corev1.ClusterIPNone {
		svc.Spec.ClusterIP = ""
		svc.Spec.ClusterIPs = nil
	}
	if svc.Spec.Type == corev1.ServiceTypeNodePort || svc.Spec.Type == corev1.ServiceTypeLoadBalancer {
		svc.Spec.Type = corev1.ServiceTypeClusterIP
	}
	svc.Spec.LoadBalancerIP = ""
	svc.Spec.LoadBalancerSourceRanges = nil
	svc.Spec.ExternalIPs = nil
	svc.Spec.HealthCheckNodePort = 0
	svc.Spec.ExternalTrafficPolicy = ""
	svc.Spec.AllocateLoadBalancerNodePorts = nil
	for i := range svc.Spec.Ports {
		svc.Spec.Ports[i].NodePort = 0
	}
}

// capReplicas runs clones with at most one replica.
func capReplicas(r *int32) *int32 {
	one := int32(1)
	if r == nil || *r > one {
		return &one
	}
	v := *r
	return &v
}
