// Package utils provides token counting and identifier helpers.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with a tiktoken codec, falling back to a
// 4-characters-per-token estimate when no codec is available.
type TokenCounter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // codec construction is expensive; shared read-only instance
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// NewTokenCounter creates a counter. Every provider is approximated with the GPT-4 encoding.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// DefaultTokenCounter returns a shared counter; it never returns nil.
func DefaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		tc, err := NewTokenCounter()
		if err != nil {
			tc = &TokenCounter{}
		}
		defaultCounter = tc
	})
	return defaultCounter
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountTokensSimple counts tokens with the shared counter.
func CountTokensSimple(text string) int {
	return DefaultTokenCounter().CountTokens(text)
}
