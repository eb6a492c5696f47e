package google

import (
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"

	"conclave/pkg/agent/llm"
	"conclave/pkg/agent/llmerrors"
)

// TestGetModelName tests model name retrieval.
func TestGetModelName(t *testing.T) {
	client := NewGeminiClientWithModel("test-key", "gemini-2.5-flash")

	if client.GetModelName() != "gemini-2.5-flash" {
		t.Errorf("expected model %q, got %q", "gemini-2.5-flash", client.GetModelName())
	}
}

// TestConvertMessagesToGemini tests message conversion logic.
func TestConvertMessagesToGemini(t *testing.T) {
	tests := []struct {
		name             string
		messages         []llm.CompletionMessage
		expectSystem     string
		expectContentLen int
		expectErr        bool
		errContains      string
	}{
		{
			name:        "empty messages",
			messages:    []llm.CompletionMessage{},
			expectErr:   true,
			errContains: "message list cannot be empty",
		},
		{
			name: "system message extracted",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are helpful"},
				{Role: llm.RoleUser, Content: "Hello"},
			},
			expectSystem:     "You are helpful",
			expectContentLen: 1,
		},
		{
			name: "multiple system messages concatenated",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are helpful"},
				{Role: llm.RoleSystem, Content: "And concise"},
				{Role: llm.RoleUser, Content: "Hello"},
			},
			expectSystem:     "You are helpful\n\nAnd concise",
			expectContentLen: 1,
		},
		{
			name: "user and assistant messages",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleAssistant, Content: "Hi there"},
			},
			expectContentLen: 2,
		},
		{
			name: "only system messages",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are helpful"},
			},
			expectErr:   true,
			errContains: "no user or model content",
		},
		{
			name: "unknown role",
			messages: []llm.CompletionMessage{
				{Role: "tool", Content: "x"},
			},
			expectErr:   true,
			errContains: "unsupported message role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contents, system, err := convertMessagesToGemini(tt.messages)
			if tt.expectErr {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %v", tt.errContains, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if system != tt.expectSystem {
				t.Errorf("expected system %q, got %q", tt.expectSystem, system)
			}
			if len(contents) != tt.expectContentLen {
				t.Errorf("expected %d contents, got %d", tt.expectContentLen, len(contents))
			}
		})
	}
}

func TestConvertMessagesInlineImage(t *testing.T) {
	msgs := []llm.CompletionMessage{{Role: llm.RoleUser, Parts: []llm.ContentPart{
		{Type: llm.PartText, Text: "describe"},
		{Type: llm.PartImage, MIMEType: "image/png", Data: []byte{7, 7}},
	}}}

	contents, _, err := convertMessagesToGemini(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parts := contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/png" {
		t.Errorf("expected inline image blob, got %+v", parts[1])
	}
	if contents[0].Role != genai.RoleUser {
		t.Errorf("expected user role, got %s", contents[0].Role)
	}
}

func TestGetStopReason(t *testing.T) {
	if getStopReason(nil) != "end_turn" {
		t.Error("nil result should default to end_turn")
	}
	res := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}}}
	if getStopReason(res) != string(genai.FinishReasonMaxTokens) {
		t.Errorf("unexpected stop reason %q", getStopReason(res))
	}
}

func TestClassifyError(t *testing.T) {
	err := classifyError(errors.New("The input token count (1200000) exceeds the maximum number of tokens allowed (1048576)"))
	if err.Type != llmerrors.ErrorTypeContextLength {
		t.Errorf("expected context_length, got %s", err.Type)
	}
	err = classifyError(genai.APIError{Code: 429, Message: "quota"})
	if err.Type != llmerrors.ErrorTypeRateLimit {
		t.Errorf("expected rate_limit, got %s", err.Type)
	}
}
