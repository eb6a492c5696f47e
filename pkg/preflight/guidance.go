package preflight

import (
	"fmt"
	"strings"
)

// FormatCheckError formats a failed check result with actionable guidance.
func FormatCheckError(check CheckResult) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("  %s: %s\n", check.Provider, check.Message))
	sb.WriteString(fmt.Sprintf("    %s\n", getGuidance(check.Provider)))

	return sb.String()
}

// FormatResults formats all preflight results for display.
func FormatResults(results *Results) string {
	var sb strings.Builder

	if results.Passed {
		sb.WriteString("Preflight checks passed\n")
		for i := range results.Checks {
			sb.WriteString(fmt.Sprintf("  [PASS] %s: %s\n", results.Checks[i].Provider, results.Checks[i].Message))
		}
		return sb.String()
	}

	sb.WriteString("Preflight checks failed\n\n")
	sb.WriteString("Failed checks:\n")
	for i := range results.Checks {
		if !results.Checks[i].Passed {
			sb.WriteString(FormatCheckError(results.Checks[i]))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("Passed checks:\n")
	for i := range results.Checks {
		if results.Checks[i].Passed {
			sb.WriteString(fmt.Sprintf("  [PASS] %s: %s\n", results.Checks[i].Provider, results.Checks[i].Message))
		}
	}

	return sb.String()
}

// getGuidance returns actionable guidance for fixing a failed check.
func getGuidance(provider Provider) string {
	switch provider {
	case ProviderOpenAI:
		return "Set OPENAI_API_KEY (or the model's api_key_env): https://platform.openai.com/api-keys"

	case ProviderAnthropic:
		return "Set ANTHROPIC_API_KEY (or the model's api_key_env): https://console.anthropic.com/"

	case ProviderGoogle:
		return "Set GOOGLE_GENAI_API_KEY (or the model's api_key_env): https://aistudio.google.com/app/apikey"

	case ProviderOllama:
		return "Start Ollama (ollama serve) at OLLAMA_HOST or the model's host, then pull the pool's models:\n" +
			"    ollama pull <model>"

	default:
		return "Check the provider documentation for setup instructions."
	}
}
