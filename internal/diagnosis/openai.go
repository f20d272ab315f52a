package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/tinkerbelle-io/tb-remediate/internal/cluster"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

const systemPrompt = `You are a Kubernetes site reliability engineer. Given the state, events and logs of a failing
workload, identify the single most likely root cause. Reply with one JSON object:
{"root_cause": string, "category": one of "missing_env","image_pull","oom_killed","probe_failure","crashloop","unknown",
 "severity": one of "LOW","MEDIUM","HIGH","CRITICAL", "confidence": number between 0 and 1,
 "evidence": [string], "hints": {string: string}}
For missing_env set hints.env_var and hints.container. Use hints.suggested_value only if the value is evident.`

// maxLogBytes bounds the log tail sent per container.
const maxLogBytes = 4000

// OpenAIProvider asks a chat completion model for the diagnosis.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

// NewOpenAIProvider creates a provider. baseURL overrides the API endpoint
// for compatible servers.
func NewOpenAIProvider(apiKey, model, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai diagnosis provider requires an API key")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    slog.Default().With("component", "diagnosis", "provider", "openai"),
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

type llmDiagnosis struct {
	RootCause  string            `json:"root_cause"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Confidence float64           `json:"confidence"`
	Evidence   []string          `json:"evidence"`
	Hints      map[string]string `json:"hints"`
}

func (p *OpenAIProvider) Diagnose(ctx context.Context, snap *cluster.ResourceSnapshot) (*domain.Diagnosis, error) {
	const op = "diagnosis.openai"
	if snap == nil {
		return nil, domain.NewError(op, domain.ErrDiagnosisFailed, nil, "no snapshot")
	}
	prompt, err := buildPrompt(snap)
	if err != nil {
		return nil, domain.NewError(op, domain.ErrDiagnosisFailed, err, "build prompt")
	}

	p.log.Debug("requesting diagnosis", "model", p.model, "resource", snap.Ref.String())
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewError(op, domain.ErrDiagnosisFailed, nil, "model returned no choices")
	}

	var out llmDiagnosis
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, domain.NewError(op, domain.ErrDiagnosisFailed, err, "unparsable model reply")
	}
	sev, err := domain.ParseSeverity(out.Severity)
	if err != nil {
		return nil, domain.NewError(op, domain.ErrDiagnosisFailed, err, "model reply")
	}
	if out.RootCause == "" {
		return nil, domain.NewError(op, domain.ErrDiagnosisFailed, nil, "model reply has no root cause")
	}
	if out.Category == "" {
		out.Category = domain.CategoryUnknown
	}

	return &domain.Diagnosis{
		RootCause:  out.RootCause,
		Category:   out.Category,
		Severity:   sev,
		Confidence: clamp(out.Confidence),
		Evidence:   out.Evidence,
		Hints:      out.Hints,
		Provider:   p.Name(),
	}, nil
}

func buildPrompt(snap *cluster.ResourceSnapshot) (string, error) {
	state, err := json.MarshalIndent(struct {
		Ref           domain.ResourceRef     `json:"resource"`
		Replicas      int32                  `json:"replicas"`
		ReadyReplicas int32                  `json:"ready_replicas"`
		Pods          []cluster.PodState     `json:"pods"`
		Events        []cluster.Event        `json:"events"`
		ConfigSources []cluster.ConfigSource `json:"config_sources"`
	}{snap.Ref, snap.Replicas, snap.ReadyReplicas, snap.Pods, snap.Events, snap.ConfigSources}, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Workload state:\n")
	b.Write(state)
	if c := snap.Container(""); c != nil {
		b.WriteString("\n\nDeclared environment of container " + c.Name + ":\n")
		for _, e := range c.Env {
			b.WriteString("- " + e.Name + "\n")
		}
	}
	for name, text := range snap.Logs {
		if len(text) > maxLogBytes {
			text = text[len(text)-maxLogBytes:]
		}
		fmt.Fprintf(&b, "\nLogs of container %s:\n%s\n", name, text)
	}
	return b.String(), nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
