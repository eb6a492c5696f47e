package preflight

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/pkg/config"
)

func ollamaServer(t *testing.T, names ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		var resp OllamaModelsResponse
		for _, n := range names {
			resp.Models = append(resp.Models, OllamaModel{Name: n})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRequiredProvidersComesFromPool(t *testing.T) {
	cfg := &config.Config{Models: []config.ModelConfig{
		{ID: "a", Provider: config.ProviderOpenAI},
		{ID: "b", Provider: config.ProviderAnthropic},
		{ID: "c", Provider: config.ProviderOpenAI},
	}}

	assert.Equal(t, []Provider{ProviderAnthropic, ProviderOpenAI}, RequiredProviders(cfg))
	assert.Empty(t, RequiredProviders(&config.Config{}))
}

func TestAPIKeyCheck(t *testing.T) {
	t.Setenv("CONCLAVE_PREFLIGHT_KEY", "secret")
	t.Setenv(config.EnvAnthropicAPIKey, "")

	cfg := &config.Config{Models: []config.ModelConfig{
		{ID: "gpt", Provider: config.ProviderOpenAI, APIKeyEnv: "CONCLAVE_PREFLIGHT_KEY"},
		{ID: "claude", Provider: config.ProviderAnthropic},
	}}

	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, results.Passed)
	assert.Equal(t, "1 of 2 preflight checks failed", results.Summary)

	byProvider := map[Provider]CheckResult{}
	for _, c := range results.Checks {
		byProvider[c.Provider] = c
	}
	assert.True(t, byProvider[ProviderOpenAI].Passed)
	assert.False(t, byProvider[ProviderAnthropic].Passed)
	assert.Contains(t, byProvider[ProviderAnthropic].Message, "claude")
}

func TestOllamaCheck(t *testing.T) {
	srv := ollamaServer(t, "llama3.1:8b", "qwen2.5:7b")

	t.Run("models present", func(t *testing.T) {
		cfg := &config.Config{Models: []config.ModelConfig{
			{ID: "l", Provider: config.ProviderOllama, Model: "llama3.1:8b", Host: srv.URL},
			{ID: "q", Provider: config.ProviderOllama, Model: "qwen2.5:7b", Host: srv.URL + "/"},
		}}
		require.NoError(t, Validate(context.Background(), cfg))
	})

	t.Run("model missing", func(t *testing.T) {
		cfg := &config.Config{Models: []config.ModelConfig{
			{ID: "m", Provider: config.ProviderOllama, Model: "mistral:7b", Host: srv.URL},
		}}
		err := Validate(context.Background(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mistral:7b")
		assert.Contains(t, err.Error(), "ollama pull")
	})

	t.Run("unreachable", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		url := dead.URL
		dead.Close()

		cfg := &config.Config{Models: []config.ModelConfig{
			{ID: "m", Provider: config.ProviderOllama, Model: "llama3.1:8b", Host: url},
		}}
		results, err := Run(context.Background(), cfg)
		require.NoError(t, err)
		require.Len(t, results.Checks, 1)
		assert.False(t, results.Checks[0].Passed)
		assert.Contains(t, results.Checks[0].Message, "Cannot reach Ollama")
	})
}

func TestUnknownProviderFails(t *testing.T) {
	cfg := &config.Config{Models: []config.ModelConfig{{ID: "x", Provider: "mystery"}}}

	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, results.Passed)
	assert.Error(t, results.Checks[0].Error)
}

func TestFormatResults(t *testing.T) {
	results := &Results{
		Passed: false,
		Checks: []CheckResult{
			{Provider: ProviderOpenAI, Passed: true, Message: "ok"},
			{Provider: ProviderGoogle, Passed: false, Message: "no key"},
		},
	}

	out := FormatResults(results)
	assert.Contains(t, out, "Preflight checks failed")
	assert.Contains(t, out, "google: no key")
	assert.Contains(t, out, "GOOGLE_GENAI_API_KEY")
	assert.Contains(t, out, "[PASS] openai: ok")

	results.Passed = true
	results.Checks = results.Checks[:1]
	assert.Contains(t, FormatResults(results), "Preflight checks passed")
}
