// Package clustertest provides a fake production cluster for tests: a
// crashlooping "demo-api" Deployment that is missing DATABASE_URL, backed by
// a "db" StatefulSet.
package clustertest

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

const Namespace = "demo"

// MissingEnvLog is what demo-api prints before exiting.
const MissingEnvLog = `2026-10-14T09:12:01Z INFO starting demo-api version=1.4.2
2026-10-14T09:12:01Z FATAL config: required environment variable DATABASE_URL is not set
`

// DemoAPI is the failing workload.
var DemoAPI = domain.ResourceRef{Kind: "Deployment", Namespace: Namespace, Name: "demo-api"}

func int32Ptr(i int32) *int32 { return &i }

// Objects returns the production objects.
func Objects() []runtime.Object {
	return []runtime.Object{
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: Namespace}},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "demo-api", Namespace: Namespace, Labels: map[string]string{"app": "demo-api"}},
			Spec: appsv1.DeploymentSpec{
				Replicas: int32Ptr(2),
				Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "demo-api"}},
				Template: corev1.PodTemplateSpec{
					ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "demo-api"}},
					Spec: corev1.PodSpec{Containers: []corev1.Container{{
						Name:  "api",
						Image: "ghcr.io/acme/demo-api:1.4.2",
						Ports: []corev1.ContainerPort{{ContainerPort: 8080}},
						Env: []corev1.EnvVar{{
							Name: "LOG_LEVEL",
							ValueFrom: &corev1.EnvVarSource{ConfigMapKeyRef: &corev1.ConfigMapKeySelector{
								LocalObjectReference: corev1.LocalObjectReference{Name: "app-config"},
								Key:                  "LOG_LEVEL",
							}},
						}},
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("500m"),
								corev1.ResourceMemory: resource.MustParse("256Mi"),
							},
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("100m"),
								corev1.ResourceMemory: resource.MustParse("128Mi"),
							},
						},
						ReadinessProbe: &corev1.Probe{ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{Path: "/healthz", Port: intstr.FromInt32(8080)},
						}},
						LivenessProbe: &corev1.Probe{ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{Path: "/healthz", Port: intstr.FromInt32(8080)},
						}},
					}}},
				},
			},
			Status: appsv1.DeploymentStatus{Replicas: 2, ReadyReplicas: 0},
		},
		&appsv1.ReplicaSet{
			ObjectMeta: metav1.ObjectMeta{
				Name: "demo-api-7d9f", Namespace: Namespace,
				OwnerReferences: []metav1.OwnerReference{{Kind: "Deployment", Name: "demo-api"}},
			},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name: "demo-api-7d9f-x2k4q", Namespace: Namespace,
				Labels:          map[string]string{"app": "demo-api"},
				OwnerReferences: []metav1.OwnerReference{{Kind: "ReplicaSet", Name: "demo-api-7d9f"}},
			},
			Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "api", Image: "ghcr.io/acme/demo-api:1.4.2"}}},
			Status: corev1.PodStatus{
				Phase: corev1.PodRunning,
				ContainerStatuses: []corev1.ContainerStatus{{
					Name:         "api",
					RestartCount: 7,
					State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{
						Reason: "CrashLoopBackOff", Message: "back-off 5m0s restarting failed container",
					}},
					LastTerminationState: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
						Reason: "Error", ExitCode: 1,
					}},
				}},
			},
		},
		&corev1.Event{
			ObjectMeta:     metav1.ObjectMeta{Name: "demo-api-7d9f-x2k4q.backoff", Namespace: Namespace},
			InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "demo-api-7d9f-x2k4q", Namespace: Namespace},
			Type:           corev1.EventTypeWarning,
			Reason:         "BackOff",
			Message:        "Back-off restarting failed container api",
			Count:          7,
		},
		&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: "app-config", Namespace: Namespace},
			Data: map[string]string{
				"LOG_LEVEL":    "info",
				"DATABASE_URL": "postgres://app@db:5432/app",
			},
		},
		&corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "db-credentials", Namespace: Namespace},
			Data:       map[string][]byte{"POSTGRES_PASSWORD": []byte("s3cret")},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "demo-api", Namespace: Namespace},
			Spec: corev1.ServiceSpec{
				Selector:  map[string]string{"app": "demo-api"},
				ClusterIP: "10.0.0.10",
				Ports:     []corev1.ServicePort{{Port: 80, TargetPort: intstr.FromInt32(8080)}},
			},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "db", Namespace: Namespace},
			Spec: corev1.ServiceSpec{
				Selector:  map[string]string{"app": "db"},
				ClusterIP: "10.0.0.11",
				Ports:     []corev1.ServicePort{{Port: 5432}},
			},
		},
		&appsv1.StatefulSet{
			ObjectMeta: metav1.ObjectMeta{Name: "db", Namespace: Namespace},
			Spec: appsv1.StatefulSetSpec{
				Replicas: int32Ptr(1),
				Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "db"}},
				Template: corev1.PodTemplateSpec{
					ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "db"}},
					Spec: corev1.PodSpec{Containers: []corev1.Container{{
						Name:  "postgres",
						Image: "postgres:16",
						Env: []corev1.EnvVar{{
							Name: "POSTGRES_PASSWORD",
							ValueFrom: &corev1.EnvVarSource{SecretKeyRef: &corev1.SecretKeySelector{
								LocalObjectReference: corev1.LocalObjectReference{Name: "db-credentials"},
								Key:                  "POSTGRES_PASSWORD",
							}},
						}},
					}}},
				},
			},
			Status: appsv1.StatefulSetStatus{Replicas: 1, ReadyReplicas: 1},
		},
		// unrelated objects that must not be cloned
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "unrelated", Namespace: Namespace}, Data: map[string]string{"x": "y"}},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "cache", Namespace: Namespace},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "cache"}},
		},
	}
}

// NewClientset returns a fake clientset holding Objects plus extra.
func NewClientset(extra ...runtime.Object) *fake.Clientset {
	return fake.NewSimpleClientset(append(Objects(), extra...)...)
}

// LogAccessor overrides GetLogs of an Accessor with fixed text per
// container. The fake clientset always returns "fake logs".
type LogAccessor struct {
	cluster.Accessor
	Logs map[string]string
}

func (a *LogAccessor) GetLogs(ctx context.Context, ref domain.ResourceRef, container string) (string, error) {
	if text, ok := a.Logs[container]; ok {
		return text, nil
	}
	return a.Accessor.GetLogs(ctx, ref, container)
}

// NewAccessor returns an accessor over clientset whose "api" container logs
// MissingEnvLog.
func NewAccessor(clientset *fake.Clientset) *LogAccessor {
	return &LogAccessor{
		Accessor: cluster.NewKubeAccessor(clientset, 200),
		Logs:     map[string]string{"api": MissingEnvLog},
	}
}
