package agent

import (
	"fmt"

	"conclave/pkg/agent/internal/llmimpl/anthropic"
	"conclave/pkg/agent/internal/llmimpl/google"
	"conclave/pkg/agent/internal/llmimpl/ollama"
	"conclave/pkg/agent/internal/llmimpl/openaiofficial"
	"conclave/pkg/agent/llm"
	"conclave/pkg/agent/middleware/metrics"
	"conclave/pkg/agent/middleware/resilience/circuit"
	"conclave/pkg/agent/middleware/resilience/retry"
	"conclave/pkg/agent/middleware/resilience/timeout"
	"conclave/pkg/config"
	"conclave/pkg/logx"
)

// RawClientFunc builds the provider adapter for one pool member.
type RawClientFunc func(m *config.ModelConfig) (llm.LLMClient, error)

// LLMClientFactory builds the model pool with a middleware chain per model.
type LLMClientFactory struct {
	newRaw   RawClientFunc
	recorder metrics.Recorder
	logger   *logx.Logger
	config   config.Config
}

// NewLLMClientFactory creates a factory. A nil recorder discards metrics.
func NewLLMClientFactory(cfg *config.Config, recorder metrics.Recorder) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &LLMClientFactory{
		config:   *cfg,
		recorder: recorder,
		newRaw:   NewRawClient,
		logger:   logx.NewLogger("llm-factory"),
	}
}

// WithRawClientFunc replaces the adapter constructor, for tests and alternative providers.
func (f *LLMClientFactory) WithRawClientFunc(fn RawClientFunc) *LLMClientFactory {
	f.newRaw = fn
	return f
}

// NewRawClient creates the provider adapter selected by m.Provider.
func NewRawClient(m *config.ModelConfig) (llm.LLMClient, error) {
	apiKey, err := config.GetAPIKey(m)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for model %s: %w", m.ID, err)
	}

	model := m.Model
	if model == "" {
		model = m.ID
	}

	switch m.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, model), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(apiKey, model), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, model), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", m.Provider)
	}
}

// CreateClient wraps the adapter for m in the middleware chain:
// Metrics -> CircuitBreaker -> Retry -> Timeout -> RawClient.
func (f *LLMClientFactory) CreateClient(m *config.ModelConfig) (llm.LLMClient, error) {
	rawClient, err := f.newRaw(m)
	if err != nil {
		return nil, err
	}

	requestTimeout := f.config.Resilience.Timeout
	if requestTimeout <= 0 {
		requestTimeout = config.DefaultRequestTimeout
	}
	retryPolicy := retry.NewPolicy(retry.FromConfig(f.config.Resilience.Retry), nil)
	breaker := circuit.New(circuit.FromConfig(f.config.Resilience.CircuitBreaker))

	return llm.Chain(rawClient,
		metrics.Middleware(f.recorder, m.ID, nil, f.logger),
		circuit.Middleware(breaker),
		retry.Middleware(retryPolicy, f.logger),
		timeout.Middleware(requestTimeout),
	), nil
}

// CreatePool builds a client for every configured model, in configuration order.
func (f *LLMClientFactory) CreatePool() (*llm.Pool, error) {
	pool := llm.NewPool()
	for i := range f.config.Models {
		m := &f.config.Models[i]
		client, err := f.CreateClient(m)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m.ID, err)
		}
		pool.Register(m.ID, client)
		f.logger.Info("registered model %s (%s/%s)", m.ID, m.Provider, client.GetModelName())
	}
	return pool, nil
}
