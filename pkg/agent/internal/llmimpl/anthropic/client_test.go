package anthropic

import (
	"errors"
	"strings"
	"testing"

	"conclave/pkg/agent/llm"
	"conclave/pkg/agent/llmerrors"
)

// TestEnsureAlternation tests the message alternation logic.
func TestEnsureAlternation(t *testing.T) {
	tests := []struct {
		name         string
		input        []llm.CompletionMessage
		expectSystem string
		expectMsgLen int
		expectErr    bool
		errContains  string
	}{
		{
			name:        "empty messages",
			input:       []llm.CompletionMessage{},
			expectErr:   true,
			errContains: "message list cannot be empty",
		},
		{
			name: "system message extracted",
			input: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are helpful"},
				{Role: llm.RoleUser, Content: "Hello"},
			},
			expectSystem: "You are helpful",
			expectMsgLen: 1,
			expectErr:    false,
		},
		{
			name: "multiple system messages concatenated",
			input: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are helpful"},
				{Role: llm.RoleSystem, Content: "And concise"},
				{Role: llm.RoleUser, Content: "Hello"},
			},
			expectSystem: "You are helpful\n\nAnd concise",
			expectMsgLen: 1,
			expectErr:    false,
		},
		{
			name: "proper alternation maintained",
			input: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleAssistant, Content: "Hi"},
				{Role: llm.RoleUser, Content: "How are you?"},
			},
			expectSystem: "",
			expectMsgLen: 3,
			expectErr:    false,
		},
		{
			name: "consecutive user messages merged",
			input: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleUser, Content: "Anyone there?"},
			},
			expectSystem: "",
			expectMsgLen: 1,
			expectErr:    false,
		},
		{
			name: "ends with assistant returns error",
			input: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleAssistant, Content: "Hi"},
			},
			expectErr:   true,
			errContains: "last message must be user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, msgs, err := ensureAlternation(tt.input)

			if tt.expectErr {
				if err == nil {
					t.Error("expected error, got nil")
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if system != tt.expectSystem {
				t.Errorf("expected system %q, got %q", tt.expectSystem, system)
			}

			if len(msgs) != tt.expectMsgLen {
				t.Errorf("expected %d messages, got %d", tt.expectMsgLen, len(msgs))
			}
		})
	}
}

// TestValidatePreSend tests the pre-send validation logic.
func TestValidatePreSend(t *testing.T) {
	tests := []struct {
		name        string
		messages    []llm.CompletionMessage
		expectErr   bool
		errContains string
	}{
		{
			name: "valid alternating messages",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleAssistant, Content: "Hi"},
				{Role: llm.RoleUser, Content: "Bye"},
			},
			expectErr: false,
		},
		{
			name: "system message in array",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleSystem, Content: "You are helpful"},
			},
			expectErr:   true,
			errContains: "system message found",
		},
		{
			name: "consecutive user messages",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleUser, Content: "Anyone?"},
			},
			expectErr:   true,
			errContains: "alternation violation",
		},
		{
			name: "consecutive assistant messages",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleAssistant, Content: "Hi"},
				{Role: llm.RoleAssistant, Content: "There"},
			},
			expectErr:   true,
			errContains: "alternation violation",
		},
		{
			name: "starts with assistant",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleAssistant, Content: "Hello"},
			},
			expectErr:   true,
			errContains: "first message must be user",
		},
		{
			name: "ends with assistant",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleAssistant, Content: "Hi"},
			},
			expectErr:   true,
			errContains: "last message must be user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePreSend("test-model", tt.messages)

			if tt.expectErr {
				if err == nil {
					t.Error("expected error, got nil")
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}
}

// TestGetModelName tests model name retrieval.
func TestGetModelName(t *testing.T) {
	client := NewClaudeClientWithModel("test-key", "claude-3-opus-20240229")

	modelName := client.GetModelName()

	if modelName != "claude-3-opus-20240229" {
		t.Errorf("expected model %q, got %q", "claude-3-opus-20240229", modelName)
	}
}

// TestNewClaudeClientWithModel tests client creation with custom model.
func TestNewClaudeClientWithModel(t *testing.T) {
	client := NewClaudeClientWithModel("test-api-key", "claude-3-sonnet-20240229")

	if client == nil {
		t.Fatal("expected client, got nil")
	}

	modelName := client.GetModelName()
	if modelName != "claude-3-sonnet-20240229" {
		t.Errorf("expected model %q, got %q", "claude-3-sonnet-20240229", modelName)
	}
}

func TestEnsureAlternationMergesImages(t *testing.T) {
	input := []llm.CompletionMessage{
		{Role: llm.RoleUser, Content: "look at this"},
		{Role: llm.RoleUser, Parts: []llm.ContentPart{
			{Type: llm.PartImage, MIMEType: "image/png", Data: []byte{0x89, 0x50}},
		}, CacheControl: &llm.CacheControl{Type: "ephemeral"}},
	}

	_, msgs, err := ensureAlternation(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 merged message, got %d", len(msgs))
	}
	merged := msgs[0]
	if len(merged.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(merged.Parts))
	}
	if merged.Parts[0].Text != "look at this" || merged.Parts[1].Type != llm.PartImage {
		t.Errorf("unexpected parts: %+v", merged.Parts)
	}
	if merged.CacheControl == nil {
		t.Error("expected cache control from the last merged message")
	}
	if len(input[1].Parts) != 1 {
		t.Error("input must not be mutated")
	}
}

func TestToMessageParamBlocks(t *testing.T) {
	msg := llm.CompletionMessage{Role: llm.RoleUser, Parts: []llm.ContentPart{
		{Type: llm.PartText, Text: "caption"},
		{Type: llm.PartImage, MIMEType: "image/jpeg", Data: []byte{1, 2, 3}},
	}, CacheControl: &llm.CacheControl{Type: "ephemeral", TTL: "1h"}}

	param := toMessageParam(&msg)
	if len(param.Content) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(param.Content))
	}
	if param.Content[0].OfText == nil || param.Content[1].OfImage == nil {
		t.Fatalf("unexpected block kinds: %+v", param.Content)
	}
	if param.Content[0].OfText.CacheControl.TTL == "" {
		t.Error("cache control should be attached to the last text block")
	}
}

func TestClassifyErrorContextLength(t *testing.T) {
	c := &ClaudeClient{}
	err := c.classifyError(errors.New(`400 Bad Request: "prompt is too long: 201000 tokens > 200000 maximum"`))
	if err.Type != llmerrors.ErrorTypeContextLength {
		t.Errorf("expected context_length, got %s", err.Type)
	}

	err = c.classifyError(errors.New("status code: 429 too many requests"))
	if err.Type != llmerrors.ErrorTypeRateLimit {
		t.Errorf("expected rate_limit, got %s", err.Type)
	}

	err = c.classifyError(errors.New("status code: 401"))
	if err.Type != llmerrors.ErrorTypeAuth {
		t.Errorf("expected auth, got %s", err.Type)
	}
}
