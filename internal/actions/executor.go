// Package actions applies remediation actions to workloads. The same
// executor serves shadow environments and production; only the namespace
// differs.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apitypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// RestartAnnotation carries the restart token on the pod template.
const RestartAnnotation = "tb-remediate/restart-token"

// Executor applies actions with strategic merge patches.
type Executor struct {
	clientset kubernetes.Interface
	log       *slog.Logger
}

func NewExecutor(clientset kubernetes.Interface) *Executor {
	return &Executor{
		clientset: clientset,
		log:       slog.Default().With("component", "actions"),
	}
}

// Apply runs one action. namespace overrides the action target's namespace
// when non-empty.
func (e *Executor) Apply(ctx context.Context, namespace string, a domain.Action) domain.ActionOutcome {
	ref := a.Target
	if namespace != "" {
		ref.Namespace = namespace
	}
	kind, ok := cluster.NormalizeKind(ref.Kind)
	ref.Kind = kind

	e.log.Info("applying action", "type", a.Type, "kind", ref.Kind, "ns", ref.Namespace, "name", ref.Name)

	var msg string
	var err error
	switch {
	case !ok || kind == cluster.KindPod:
		err = fmt.Errorf("%s targets are not mutable", ref.Kind)
	case a.Type == domain.ActionScale:
		msg, err = e.scale(ctx, ref, a)
	case a.Type == domain.ActionRestart:
		msg, err = e.restart(ctx, ref, a)
	case a.Type == domain.ActionPatch:
		msg, err = e.rawPatch(ctx, ref, a)
	default:
		msg, err = e.containerPatch(ctx, ref, a)
	}

	outcome := domain.ActionOutcome{Action: a, Success: err == nil, Message: msg}
	if err != nil {
		outcome.Message = err.Error()
	}
	e.log.Info("action result", "type", a.Type, "name", ref.Name, "success", outcome.Success, "message", outcome.Message)
	return outcome
}

func (e *Executor) patch(ctx context.Context, ref domain.ResourceRef, body []byte) error {
	var err error
	switch ref.Kind {
	case cluster.KindDeployment:
		_, err = e.clientset.AppsV1().Deployments(ref.Namespace).Patch(
			ctx, ref.Name, apitypes.StrategicMergePatchType, body, metav1.PatchOptions{})
	case cluster.KindStatefulSet:
		_, err = e.clientset.AppsV1().StatefulSets(ref.Namespace).Patch(
			ctx, ref.Name, apitypes.StrategicMergePatchType, body, metav1.PatchOptions{})
	case cluster.KindDaemonSet:
		_, err = e.clientset.AppsV1().DaemonSets(ref.Namespace).Patch(
			ctx, ref.Name, apitypes.StrategicMergePatchType, body, metav1.PatchOptions{})
	default:
		err = fmt.Errorf("unsupported kind %s", ref.Kind)
	}
	return err
}

func (e *Executor) template(ctx context.Context, ref domain.ResourceRef) (*corev1.PodTemplateSpec, error) {
	switch ref.Kind {
	case cluster.KindDeployment:
		d, err := e.clientset.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return &d.Spec.Template, nil
	case cluster.KindStatefulSet:
		s, err := e.clientset.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return &s.Spec.Template, nil
	case cluster.KindDaemonSet:
		d, err := e.clientset.AppsV1().DaemonSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return &d.Spec.Template, nil
	}
	return nil, fmt.Errorf("unsupported kind %s", ref.Kind)
}

// containerPatch handles set_env, set_image and set_resources, which all
// patch a single container merged by name.
func (e *Executor) containerPatch(ctx context.Context, ref domain.ResourceRef, a domain.Action) (string, error) {
	tmpl, err := e.template(ctx, ref)
	if err != nil {
		return "", err
	}
	name := a.Container
	if name == "" && len(tmpl.Spec.Containers) > 0 {
		name = tmpl.Spec.Containers[0].Name
	}
	found := false
	for _, c := range tmpl.Spec.Containers {
		if c.Name == name {
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("container %q not found in %s", name, ref)
	}

	container := map[string]any{"name": name}
	var msg string
	switch a.Type {
	case domain.ActionSetEnv:
		env, err := envEntry(a.Params)
		if err != nil {
			return "", err
		}
		container["env"] = []any{env}
		msg = fmt.Sprintf("env %s set on %s container %s", a.Params["name"], ref, name)
	case domain.ActionSetImage:
		image := a.Params["image"]
		if image == "" {
			return "", fmt.Errorf("missing 'image' parameter")
		}
		container["image"] = image
		msg = fmt.Sprintf("%s container %s image set to %s", ref, name, image)
	case domain.ActionSetResources:
		res, err := resourcesEntry(a.Params)
		if err != nil {
			return "", err
		}
		container["resources"] = res
		msg = fmt.Sprintf("%s container %s resources updated", ref, name)
	default:
		return "", fmt.Errorf("unknown action: %s", a.Type)
	}

	body, err := json.Marshal(map[string]any{
		"spec": map[string]any{"template": map[string]any{"spec": map[string]any{
			"containers": []any{container},
		}}},
	})
	if err != nil {
		return "", err
	}
	if err := e.patch(ctx, ref, body); err != nil {
		return "", err
	}
	return msg, nil
}

func envEntry(params map[string]string) (map[string]any, error) {
	name := params["name"]
	if name == "" {
		return nil, fmt.Errorf("missing 'name' parameter")
	}
	entry := map[string]any{"name": name}
	switch {
	case params["configmap"] != "":
		entry["value"] = nil
		entry["valueFrom"] = map[string]any{"configMapKeyRef": map[string]any{
			"name": params["configmap"], "key": keyOr(params, name),
		}}
	case params["secret"] != "":
		entry["value"] = nil
		entry["valueFrom"] = map[string]any{"secretKeyRef": map[string]any{
			"name": params["secret"], "key": keyOr(params, name),
		}}
	default:
		value, ok := params["value"]
		if !ok {
			return nil, fmt.Errorf("set_env needs one of value, configmap or secret")
		}
		entry["value"] = value
		entry["valueFrom"] = nil
	}
	return entry, nil
}

func keyOr(params map[string]string, fallback string) string {
	if k := params["key"]; k != "" {
		return k
	}
	return fallback
}

func resourcesEntry(params map[string]string) (map[string]any, error) {
	limits := map[string]any{}
	requests := map[string]any{}
	fields := []struct {
		param string
		into  map[string]any
		name  corev1.ResourceName
	}{
		{"cpu_limit", limits, corev1.ResourceCPU},
		{"memory_limit", limits, corev1.ResourceMemory},
		{"cpu_request", requests, corev1.ResourceCPU},
		{"memory_request", requests, corev1.ResourceMemory},
	}
	for _, f := range fields {
		v := params[f.param]
		if v == "" {
			continue
		}
		if _, err := resource.ParseQuantity(v); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", f.param, v, err)
		}
		f.into[string(f.name)] = v
	}
	if len(limits) == 0 && len(requests) == 0 {
		return nil, fmt.Errorf("set_resources needs at least one limit or request")
	}
	out := map[string]any{}
	if len(limits) > 0 {
		out["limits"] = limits
	}
	if len(requests) > 0 {
		out["requests"] = requests
	}
	return out, nil
}

func (e *Executor) scale(ctx context.Context, ref domain.ResourceRef, a domain.Action) (string, error) {
	if ref.Kind == cluster.KindDaemonSet {
		return "", fmt.Errorf("DaemonSets cannot be scaled")
	}
	replicas, err := strconv.ParseInt(a.Params["replicas"], 10, 32)
	if err != nil || replicas < 0 {
		return "", fmt.Errorf("invalid replicas value: %q", a.Params["replicas"])
	}
	body := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	if err := e.patch(ctx, ref, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s scaled to %d", ref, replicas), nil
}

// restart stamps the token into the pod template, so applying the same
// action twice triggers one rollout.
func (e *Executor) restart(ctx context.Context, ref domain.ResourceRef, a domain.Action) (string, error) {
	token := a.Params["token"]
	if token == "" {
		return "", fmt.Errorf("missing 'token' parameter")
	}
	body, err := json.Marshal(map[string]any{
		"spec": map[string]any{"template": map[string]any{"metadata": map[string]any{
			"annotations": map[string]string{RestartAnnotation: token},
		}}},
	})
	if err != nil {
		return "", err
	}
	if err := e.patch(ctx, ref, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s restarted (token %s)", ref, token), nil
}

func (e *Executor) rawPatch(ctx context.Context, ref domain.ResourceRef, a domain.Action) (string, error) {
	body := []byte(a.Params["patch"])
	if !json.Valid(body) {
		return "", fmt.Errorf("invalid patch: not JSON")
	}
	if err := e.patch(ctx, ref, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s patched", ref), nil
}
