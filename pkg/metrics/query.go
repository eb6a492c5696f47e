package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Usage is aggregated token usage read back from Prometheus.
type Usage struct {
	AgentID          string `json:"agent_id,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Queries          int64  `json:"queries"`
}

// QueryService reads usage recorded by PrometheusRecorder from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetAgentUsage aggregates an agent's usage across every model.
func (q *QueryService) GetAgentUsage(ctx context.Context, agentID string) (*Usage, error) {
	usage := &Usage{AgentID: agentID}
	selector := fmt.Sprintf("agent_id=%q", agentID)
	if err := q.fill(ctx, usage, selector); err != nil {
		return nil, err
	}
	return usage, nil
}

// GetAgentUsageByModel breaks an agent's usage down by model.
func (q *QueryService) GetAgentUsageByModel(ctx context.Context, agentID string) (map[string]*Usage, error) {
	modelsQuery := fmt.Sprintf(`group by (model) (conclave_tokens_total{agent_id=%q})`, agentID)
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	var models []string
	if vector, ok := modelsResult.(model.Vector); ok {
		for _, sample := range vector {
			if modelName, ok := sample.Metric["model"]; ok {
				models = append(models, string(modelName))
			}
		}
	}

	result := make(map[string]*Usage, len(models))
	for _, modelName := range models {
		usage := &Usage{AgentID: agentID, Model: modelName}
		selector := fmt.Sprintf("agent_id=%q, model=%q", agentID, modelName)
		if err := q.fill(ctx, usage, selector); err != nil {
			return nil, fmt.Errorf("model %s: %w", modelName, err)
		}
		result[modelName] = usage
	}
	return result, nil
}

func (q *QueryService) fill(ctx context.Context, usage *Usage, selector string) error {
	var err error
	if usage.PromptTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(conclave_tokens_total{%s, type="prompt"})`, selector)); err != nil {
		return fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if usage.CompletionTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(conclave_tokens_total{%s, type="completion"})`, selector)); err != nil {
		return fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if usage.Queries, err = q.scalar(ctx, fmt.Sprintf(`sum(conclave_model_queries_total{%s})`, selector)); err != nil {
		return fmt.Errorf("failed to query request count: %w", err)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err //nolint:wrapcheck // wrapped by fill
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
