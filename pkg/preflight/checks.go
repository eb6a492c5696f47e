package preflight

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"conclave/pkg/config"
)

// checkAPIKeys verifies every pool member of a cloud provider has a credential.
func checkAPIKeys(provider Provider, models []config.ModelConfig) CheckResult {
	result := CheckResult{Provider: provider}

	var missing []string
	for i := range models {
		if _, err := config.GetAPIKey(&models[i]); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%v)", models[i].ID, err))
		}
	}

	if len(missing) > 0 {
		result.Passed = false
		result.Message = "No credential for " + strings.Join(missing, ", ")
		result.Error = fmt.Errorf("missing credentials for %d model(s)", len(missing))
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("API key configured for %d model(s)", len(models))
	return result
}

// OllamaModel represents a model from Ollama's API.
type OllamaModel struct {
	Name string `json:"name"`
}

// OllamaModelsResponse represents the response from Ollama's /api/tags endpoint.
type OllamaModelsResponse struct {
	Models []OllamaModel `json:"models"`
}

// checkOllama verifies each Ollama host is reachable and serves the pool's models.
func checkOllama(ctx context.Context, models []config.ModelConfig) CheckResult {
	result := CheckResult{Provider: ProviderOllama}

	// Members may point at different hosts.
	byHost := make(map[string][]string)
	var hosts []string
	for i := range models {
		host, _ := config.GetAPIKey(&models[i])
		host = strings.TrimRight(host, "/")
		if _, ok := byHost[host]; !ok {
			hosts = append(hosts, host)
		}
		byHost[host] = append(byHost[host], models[i].Model)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	total := 0
	for _, host := range hosts {
		available, err := listOllamaModels(ctx, client, host)
		if err != nil {
			result.Passed = false
			result.Message = fmt.Sprintf("Cannot reach Ollama at %s", host)
			result.Error = err
			return result
		}
		total += len(available)

		var missing []string
		for _, name := range byHost[host] {
			if !available[name] {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			result.Passed = false
			result.Message = fmt.Sprintf("Missing Ollama models at %s: %s", host, strings.Join(missing, ", "))
			result.Error = fmt.Errorf("missing models: %v", missing)
			return result
		}
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Ollama is running with %d models available", total)
	return result
}

func listOllamaModels(ctx context.Context, client *http.Client, host string) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/api/tags", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create Ollama request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err //nolint:wrapcheck // message carries the host
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var modelsResp OllamaModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama models response: %w", err)
	}

	available := make(map[string]bool, len(modelsResp.Models))
	for _, m := range modelsResp.Models {
		available[m.Name] = true
	}
	return available, nil
}
