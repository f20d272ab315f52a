package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/cluster/clustertest"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

func demoSnapshot(t *testing.T) *cluster.ResourceSnapshot {
	t.Helper()
	a := clustertest.NewAccessor(clustertest.NewClientset())
	snap, err := cluster.Collect(context.Background(), a, clustertest.DemoAPI)
	require.NoError(t, err)
	return snap
}

func TestRuleProviderMissingEnv(t *testing.T) {
	d, err := NewRuleProvider().Diagnose(context.Background(), demoSnapshot(t))
	require.NoError(t, err)

	assert.Equal(t, domain.CategoryMissingEnv, d.Category)
	assert.Equal(t, domain.SeverityHigh, d.Severity)
	assert.Equal(t, 0.95, d.Confidence)
	assert.Equal(t, "DATABASE_URL", d.Hints["env_var"])
	assert.Equal(t, "api", d.Hints["container"])
	assert.Equal(t, "rules", d.Provider)
	assert.NotEmpty(t, d.Evidence)
}

func TestRuleProviderSkipsDeclaredVariable(t *testing.T) {
	snap := demoSnapshot(t)
	snap.Template.Spec.Containers[0].Env = append(snap.Template.Spec.Containers[0].Env,
		corev1.EnvVar{Name: "DATABASE_URL", Value: "postgres://db/app"})

	d, err := NewRuleProvider().Diagnose(context.Background(), snap)
	require.NoError(t, err)
	// still crashlooping but the variable is declared, so the cause is unknown
	assert.Equal(t, domain.CategoryCrashLoop, d.Category)
	assert.Equal(t, 0.4, d.Confidence)
}

func TestRuleProviderSignatures(t *testing.T) {
	tests := []struct {
		name     string
		snap     *cluster.ResourceSnapshot
		category string
		conf     float64
	}{
		{
			name: "image pull",
			snap: &cluster.ResourceSnapshot{Pods: []cluster.PodState{{Name: "p", Containers: []cluster.ContainerState{
				{Name: "web", Image: "nginx:nope", Waiting: "ImagePullBackOff"},
			}}}},
			category: domain.CategoryImagePull,
			conf:     0.9,
		},
		{
			name: "oom",
			snap: &cluster.ResourceSnapshot{Pods: []cluster.PodState{{Name: "p", Containers: []cluster.ContainerState{
				{Name: "worker", Terminated: "OOMKilled", ExitCode: 137, RestartCount: 3},
			}}}},
			category: domain.CategoryOOMKilled,
			conf:     0.9,
		},
		{
			name: "probe",
			snap: &cluster.ResourceSnapshot{Events: []cluster.Event{
				{Reason: "Unhealthy", Message: "Liveness probe failed: HTTP probe failed with statuscode: 500"},
			}},
			category: domain.CategoryProbeFailure,
			conf:     0.65,
		},
		{
			name:     "healthy",
			snap:     &cluster.ResourceSnapshot{},
			category: domain.CategoryUnknown,
			conf:     0.1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewRuleProvider().Diagnose(context.Background(), tt.snap)
			require.NoError(t, err)
			assert.Equal(t, tt.category, d.Category)
			assert.Equal(t, tt.conf, d.Confidence)
		})
	}
}

func TestMissingEnvPatterns(t *testing.T) {
	lines := map[string]string{
		"required environment variable DATABASE_URL is not set": "DATABASE_URL",
		`Error: env var "REDIS_HOST" missing`:                   "REDIS_HOST",
		"missing environment variable: API_TOKEN":               "API_TOKEN",
		"KeyError: 'SECRET_KEY'":                                "SECRET_KEY",
	}
	for line, want := range lines {
		var got string
		for _, re := range missingEnvPatterns {
			if m := re.FindStringSubmatch(line); m != nil {
				got = m[1]
				break
			}
		}
		assert.Equal(t, want, got, line)
	}
}

func openAIServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "DATABASE_URL")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProvider(t *testing.T) {
	srv := openAIServer(t, `{"root_cause":"DATABASE_URL unset","category":"missing_env","severity":"HIGH",
		"confidence":0.92,"evidence":["log api: DATABASE_URL is not set"],"hints":{"env_var":"DATABASE_URL","container":"api"}}`)
	p, err := NewOpenAIProvider("test-key", "", srv.URL+"/v1")
	require.NoError(t, err)

	d, err := p.Diagnose(context.Background(), demoSnapshot(t))
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, d.Severity)
	assert.Equal(t, 0.92, d.Confidence)
	assert.Equal(t, "DATABASE_URL", d.Hints["env_var"])
	assert.Equal(t, "openai", d.Provider)
}

func TestOpenAIProviderBadReply(t *testing.T) {
	srv := openAIServer(t, "I think it is the database")
	p, err := NewOpenAIProvider("test-key", "gpt-4o", srv.URL+"/v1")
	require.NoError(t, err)

	_, err = p.Diagnose(context.Background(), demoSnapshot(t))
	assert.True(t, errors.Is(err, domain.ErrDiagnosisFailed))
}

func TestNew(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "rules", p.Name())

	_, err = New(Config{Provider: "openai"})
	assert.Error(t, err)

	_, err = New(Config{Provider: "oracle"})
	assert.True(t, err != nil && strings.Contains(err.Error(), "oracle"))
}
