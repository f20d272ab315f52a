package fix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

var demo = domain.ResourceRef{Kind: "Deployment", Namespace: "demo", Name: "demo-api"}

func snapshot() *cluster.ResourceSnapshot {
	return &cluster.ResourceSnapshot{
		Ref: demo,
		Template: &corev1.PodTemplateSpec{Spec: corev1.PodSpec{Containers: []corev1.Container{{
			Name: "api",
			Resources: corev1.ResourceRequirements{Limits: corev1.ResourceList{
				corev1.ResourceMemory: resource.MustParse("256Mi"),
			}},
		}}}},
		ConfigSources: []cluster.ConfigSource{
			{Kind: "Secret", Name: "db-credentials", Keys: []string{"DATABASE_URL"}},
			{Kind: "ConfigMap", Name: "app-config", Keys: []string{"DATABASE_URL", "LOG_LEVEL"}},
			{Kind: "ConfigMap", Name: "unrelated", Keys: []string{"x"}},
		},
	}
}

func TestProposeMissingEnv(t *testing.T) {
	d := &domain.Diagnosis{
		Category: domain.CategoryMissingEnv,
		Hints:    map[string]string{"env_var": "DATABASE_URL", "container": "api", "suggested_value": "postgres://db/app"},
	}
	fixes, err := NewRuleProposer().Propose(context.Background(), d, snapshot())
	require.NoError(t, err)
	require.Len(t, fixes, 3)

	// ConfigMap first, then Secret, then the literal value
	first := fixes[0].Actions[0]
	assert.Equal(t, domain.ActionSetEnv, first.Type)
	assert.Equal(t, "app-config", first.Params["configmap"])
	assert.Equal(t, "DATABASE_URL", first.Params["key"])
	assert.Equal(t, "api", first.Container)
	assert.Equal(t, demo, first.Target)

	assert.Equal(t, "db-credentials", fixes[1].Actions[0].Params["secret"])
	assert.Equal(t, "postgres://db/app", fixes[2].Actions[0].Params["value"])

	assert.NotEqual(t, fixes[0].ID, fixes[1].ID)
	assert.False(t, fixes[0].GeneratedAt.IsZero())
}

func TestProposeMissingEnvNoSource(t *testing.T) {
	d := &domain.Diagnosis{
		Category: domain.CategoryMissingEnv,
		Hints:    map[string]string{"env_var": "FEATURE_FLAGS", "container": "api"},
	}
	fixes, err := NewRuleProposer().Propose(context.Background(), d, snapshot())
	require.NoError(t, err)
	assert.Empty(t, fixes)
}

func TestProposeOOM(t *testing.T) {
	d := &domain.Diagnosis{Category: domain.CategoryOOMKilled, Hints: map[string]string{"container": "api"}}
	fixes, err := NewRuleProposer().Propose(context.Background(), d, snapshot())
	require.NoError(t, err)
	require.Len(t, fixes, 2)
	assert.Equal(t, "512Mi", fixes[0].Actions[0].Params["memory_limit"])
	assert.Equal(t, "1Gi", fixes[1].Actions[0].Params["memory_limit"])
}

func TestProposeOtherCategories(t *testing.T) {
	tests := []struct {
		name  string
		diag  *domain.Diagnosis
		want  domain.ActionType
		count int
	}{
		{"image without hint", &domain.Diagnosis{Category: domain.CategoryImagePull}, "", 0},
		{"image with hint", &domain.Diagnosis{Category: domain.CategoryImagePull,
			Hints: map[string]string{"container": "api", "suggested_image": "ghcr.io/acme/demo-api:1.4.1"}}, domain.ActionSetImage, 1},
		{"probe", &domain.Diagnosis{Category: domain.CategoryProbeFailure,
			Hints: map[string]string{"container": "api", "probe": "liveness"}}, domain.ActionPatch, 1},
		{"crashloop", &domain.Diagnosis{Category: domain.CategoryCrashLoop}, domain.ActionRestart, 1},
		{"unknown", &domain.Diagnosis{Category: domain.CategoryUnknown}, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixes, err := NewRuleProposer().Propose(context.Background(), tt.diag, snapshot())
			require.NoError(t, err)
			require.Len(t, fixes, tt.count)
			if tt.count > 0 {
				assert.Equal(t, tt.want, fixes[0].Actions[0].Type)
			}
		})
	}
}

func TestProposeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRuleProposer().Propose(ctx, &domain.Diagnosis{Category: domain.CategoryCrashLoop}, snapshot())
	assert.ErrorIs(t, err, context.Canceled)
}
