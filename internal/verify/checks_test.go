package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster/clustertest"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

const shadowNS = "shadow-env-1"

func int32Ptr(i int32) *int32 { return &i }
func boolPtr(b bool) *bool    { return &b }

func healthyDeployment(mutate func(*appsv1.Deployment)) *appsv1.Deployment {
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "demo-api", Namespace: shadowNS},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "demo-api"}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "demo-api"}},
				Spec: corev1.PodSpec{Containers: []corev1.Container{{
					Name: "api",
					Env: []corev1.EnvVar{{Name: "DATABASE_URL", ValueFrom: &corev1.EnvVarSource{
						ConfigMapKeyRef: &corev1.ConfigMapKeySelector{
							LocalObjectReference: corev1.LocalObjectReference{Name: "app-config"}, Key: "DATABASE_URL",
						},
					}}},
				}}},
			},
		},
		Status: appsv1.DeploymentStatus{ReadyReplicas: 1},
	}
	if mutate != nil {
		mutate(d)
	}
	return d
}

func runningPod() *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "demo-api-1", Namespace: shadowNS, Labels: map[string]string{"app": "demo-api"}},
		Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "api"}}},
		Status: corev1.PodStatus{
			Phase:             corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{Name: "api", Ready: true}},
		},
	}
}

func shadowTarget(objs ...runtime.Object) Target {
	return Target{
		Namespace: shadowNS,
		Resource:  domain.ResourceRef{Kind: "Deployment", Namespace: shadowNS, Name: "demo-api"},
		Clientset: fake.NewSimpleClientset(objs...),
	}
}

func TestHealthyCloneChecks(t *testing.T) {
	tgt := shadowTarget(
		healthyDeployment(nil),
		runningPod(),
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "app-config", Namespace: shadowNS},
			Data: map[string]string{"DATABASE_URL": "postgres://db/app"}},
	)
	for _, c := range []Check{
		RolloutReady(10 * time.Millisecond), PodsRunning(), NoCrashloop(), ImagePullable(), NoOOM(),
		EnvResolvable(), NoPrivileged(), EventsClean(),
	} {
		t.Run(c.Name(), func(t *testing.T) {
			ev, err := c.Run(context.Background(), tgt)
			assert.NoError(t, err)
			assert.NotEmpty(t, ev)
		})
	}
}

func TestRolloutReadyTimesOut(t *testing.T) {
	tgt := shadowTarget(healthyDeployment(func(d *appsv1.Deployment) { d.Status.ReadyReplicas = 0 }))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ev, err := RolloutReady(5*time.Millisecond).Run(ctx, tgt)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"0/1 replicas ready"}, ev)
}

func TestEnvResolvableMissingKey(t *testing.T) {
	tgt := shadowTarget(
		healthyDeployment(nil),
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "app-config", Namespace: shadowNS},
			Data: map[string]string{"LOG_LEVEL": "info"}},
	)
	_, err := EnvResolvable().Run(context.Background(), tgt)
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestNoPrivilegedFindings(t *testing.T) {
	tgt := shadowTarget(healthyDeployment(func(d *appsv1.Deployment) {
		d.Spec.Template.Spec.Containers[0].SecurityContext = &corev1.SecurityContext{Privileged: boolPtr(true)}
	}))
	ev, err := NoPrivileged().Run(context.Background(), tgt)
	assert.Error(t, err)
	assert.Contains(t, ev, "container api is privileged")
}

func TestEventsCleanWarnings(t *testing.T) {
	tgt := shadowTarget(healthyDeployment(nil), runningPod(), &corev1.Event{
		ObjectMeta:     metav1.ObjectMeta{Name: "e1", Namespace: shadowNS},
		InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "demo-api-1"},
		Type:           corev1.EventTypeWarning,
		Reason:         "BackOff",
		Message:        "Back-off restarting failed container",
	})
	_, err := EventsClean().Run(context.Background(), tgt)
	assert.Error(t, err)
}

func TestPodsRunningWithoutPodsIsInconclusive(t *testing.T) {
	_, err := PodsRunning().Run(context.Background(), shadowTarget(healthyDeployment(nil)))
	assert.ErrorIs(t, err, ErrInconclusive)
}

func TestHTTPSmokeWithoutServiceIsInconclusive(t *testing.T) {
	_, err := HTTPSmoke("/healthz", 3).Run(context.Background(), shadowTarget(healthyDeployment(nil)))
	assert.ErrorIs(t, err, ErrInconclusive)
}

func TestNoCrashloopOnFailingWorkload(t *testing.T) {
	tgt := Target{
		Namespace: clustertest.Namespace,
		Resource:  clustertest.DemoAPI,
		Clientset: clustertest.NewClientset(),
	}
	ev, err := NoCrashloop().Run(context.Background(), tgt)
	assert.Error(t, err)
	assert.NotEmpty(t, ev)
}

func TestDefaultSuite(t *testing.T) {
	s := DefaultSuite()
	assert.Equal(t, "default", s.Name)
	require.Len(t, s.Entries, 11)
	required := 0
	for _, e := range s.Entries {
		if e.Required {
			required++
		}
	}
	assert.Equal(t, 6, required)
}

func TestLoadSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: strict
checks:
  - name: rollout_ready
    required: true
    timeout: 90s
    params:
      interval: 2s
  - name: http_smoke
    required: true
    params:
      path: /healthz
      requests: "20"
`), 0600))

	s, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", s.Name)
	require.Len(t, s.Entries, 2)
	assert.Equal(t, 90*time.Second, s.Entries[0].Timeout)
	assert.Equal(t, "http_smoke", s.Entries[1].Check.Name())
	assert.True(t, s.Entries[1].Required)

	s, err = LoadSuite("")
	require.NoError(t, err)
	assert.Equal(t, "default", s.Name)
}

func TestBuildSuiteErrors(t *testing.T) {
	_, err := BuildSuite(SuiteDefinition{Name: "empty"})
	assert.Error(t, err)

	_, err = BuildSuite(SuiteDefinition{Name: "bad", Checks: []CheckDefinition{{Name: "chaos_monkey"}}})
	assert.ErrorContains(t, err, "chaos_monkey")

	_, err = BuildSuite(SuiteDefinition{Name: "bad", Checks: []CheckDefinition{
		{Name: "http_smoke", Params: map[string]string{"requests": "many"}},
	}})
	assert.Error(t, err)
}
