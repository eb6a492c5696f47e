package circuit

import (
	"context"
	"errors"

	"conclave/pkg/agent/llm"
	"conclave/pkg/agent/llmerrors"
)

// Middleware returns a middleware function that wraps an LLM client with circuit breaker logic.
// If the circuit is OPEN, requests are rejected immediately without calling the underlying client.
// Only failures that say something about provider health trip the breaker; a context overflow
// or a rejected prompt means the provider answered.
func Middleware(breaker Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					return llm.CompletionResponse{}, &Error{State: breaker.GetState()}
				}

				resp, err := next.Complete(ctx, req)
				if err != nil && errors.Is(err, context.Canceled) {
					return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				breaker.Record(!countsAsFailure(err))

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeContextLength, llmerrors.ErrorTypeBadPrompt, llmerrors.ErrorTypeAuth:
		return false
	default:
		return true
	}
}
