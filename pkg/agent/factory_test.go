package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/pkg/agent/llm"
	"conclave/pkg/config"
)

type echoClient struct {
	model string
}

func (c *echoClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	return llm.CompletionResponse{
		Content: c.model + ": " + req.Messages[len(req.Messages)-1].Text(),
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 2},
	}, nil
}

func (c *echoClient) GetModelName() string { return c.model }

type countingRecorder struct {
	mu       sync.Mutex
	requests map[string]int
}

func (r *countingRecorder) ObserveRequest(model, _ string, _, _ int, _ bool, _ string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[model]++
}

func TestFactoryBuildsPoolInConfigOrder(t *testing.T) {
	cfg := &config.Config{Models: []config.ModelConfig{
		{ID: "alpha", Provider: config.ProviderAnthropic, Model: "claude"},
		{ID: "beta", Provider: config.ProviderOllama, Model: "llama"},
	}}
	rec := &countingRecorder{requests: map[string]int{}}
	factory := NewLLMClientFactory(cfg, rec).WithRawClientFunc(func(m *config.ModelConfig) (llm.LLMClient, error) {
		return &echoClient{model: m.Model}, nil
	})

	pool, err := factory.CreatePool()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, pool.IDs())

	res := pool.Query(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("ping")}, pool.IDs(), llm.QueryOptions{})
	require.Len(t, res.Successful, 2)
	alpha, ok := res.Response("alpha")
	require.True(t, ok)
	assert.Equal(t, "claude: ping", alpha.Content)
	assert.Equal(t, map[string]int{"alpha": 1, "beta": 1}, rec.requests)
}

func TestFactoryReportsAdapterErrors(t *testing.T) {
	cfg := &config.Config{Models: []config.ModelConfig{{ID: "broken", Provider: config.ProviderOpenAI}}}
	factory := NewLLMClientFactory(cfg, nil).WithRawClientFunc(func(*config.ModelConfig) (llm.LLMClient, error) {
		return nil, errors.New("no key")
	})

	_, err := factory.CreatePool()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model broken")
}

func TestNewRawClientRejectsUnknownProvider(t *testing.T) {
	t.Setenv("CONCLAVE_TEST_KEY", "secret")
	_, err := NewRawClient(&config.ModelConfig{ID: "x", Provider: "carrier-pigeon", APIKeyEnv: "CONCLAVE_TEST_KEY"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}
