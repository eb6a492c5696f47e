// Package preflight validates, before startup, that every provider backing
// the configured model pool is usable. Only providers that some pool member
// actually uses are checked.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"conclave/pkg/config"
)

// Provider represents a model provider that may need validation.
type Provider string

// Provider constants for supported model providers.
const (
	ProviderOpenAI    Provider = config.ProviderOpenAI
	ProviderAnthropic Provider = config.ProviderAnthropic
	ProviderGoogle    Provider = config.ProviderGoogle
	ProviderOllama    Provider = config.ProviderOllama
)

// CheckResult represents the outcome of a single preflight check.
type CheckResult struct {
	Error    error
	Message  string
	Provider Provider
	Passed   bool
}

// Results contains all preflight check results.
type Results struct {
	Summary string
	Checks  []CheckResult
	Passed  bool
}

// RequiredProviders returns the providers used by cfg.Models, sorted.
func RequiredProviders(cfg *config.Config) []Provider {
	seen := make(map[Provider]bool)
	for i := range cfg.Models {
		if p := cfg.Models[i].Provider; p != "" {
			seen[Provider(p)] = true
		}
	}

	result := make([]Provider, 0, len(seen))
	for p := range seen {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// modelsFor returns the pool members served by provider, in pool order.
func modelsFor(cfg *config.Config, provider Provider) []config.ModelConfig {
	var out []config.ModelConfig
	for i := range cfg.Models {
		if Provider(cfg.Models[i].Provider) == provider {
			out = append(out, cfg.Models[i])
		}
	}
	return out
}

// Run executes the checks for every required provider.
func Run(ctx context.Context, cfg *config.Config) (*Results, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	required := RequiredProviders(cfg)

	results := &Results{
		Checks: make([]CheckResult, 0, len(required)),
		Passed: true,
	}

	failed := 0
	for _, provider := range required {
		result := runCheck(ctx, provider, cfg)
		results.Checks = append(results.Checks, result)
		if !result.Passed {
			results.Passed = false
			failed++
		}
	}

	if results.Passed {
		results.Summary = fmt.Sprintf("All %d preflight checks passed", len(results.Checks))
	} else {
		results.Summary = fmt.Sprintf("%d of %d preflight checks failed", failed, len(results.Checks))
	}

	return results, nil
}

func runCheck(ctx context.Context, provider Provider, cfg *config.Config) CheckResult {
	models := modelsFor(cfg, provider)
	switch provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
		return checkAPIKeys(provider, models)
	case ProviderOllama:
		return checkOllama(ctx, models)
	default:
		return CheckResult{
			Provider: provider,
			Passed:   false,
			Message:  "Unknown provider",
			Error:    fmt.Errorf("unknown provider: %s", provider),
		}
	}
}

// Validate runs the checks and returns an error describing every failure.
func Validate(ctx context.Context, cfg *config.Config) error {
	results, err := Run(ctx, cfg)
	if err != nil {
		return fmt.Errorf("preflight check error: %w", err)
	}

	if !results.Passed {
		var failedChecks []string
		for i := range results.Checks {
			if !results.Checks[i].Passed {
				failedChecks = append(failedChecks, FormatCheckError(results.Checks[i]))
			}
		}
		return errors.New(strings.Join(failedChecks, "\n"))
	}

	return nil
}
