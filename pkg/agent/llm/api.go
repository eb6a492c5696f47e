// Package llm provides interfaces and types for Large Language Model client implementations.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the user side (operator, action results, inbound messages).
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message produced by the model.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureDefault is the base temperature for decision queries.
	TemperatureDefault = 0.3

	// DefaultMaxTokens is used when a request does not specify a budget.
	DefaultMaxTokens = 4096
)

// CacheControl is an opaque prompt-caching hint passed through to providers that support it.
type CacheControl struct {
	Type string `json:"type"`          // "ephemeral"
	TTL  string `json:"ttl,omitempty"` // "5m" or "1h"
}

// PartType distinguishes multimodal content parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one element of multimodal message content.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// CompletionMessage represents a message in a completion request.
// Parts, when non-empty, carries multimodal content and takes precedence over Content.
type CompletionMessage struct {
	Content      string         `json:"content,omitempty"`
	CacheControl *CacheControl  `json:"cache_control,omitempty"`
	Role         CompletionRole `json:"role"`
	Parts        []ContentPart  `json:"parts,omitempty"`
}

// IsMultimodal reports whether the message uses the parts representation.
func (m *CompletionMessage) IsMultimodal() bool {
	return len(m.Parts) > 0
}

// Text returns the textual content of the message, joining text parts.
func (m *CompletionMessage) Text() string {
	if !m.IsMultimodal() {
		return m.Content
	}
	var sb strings.Builder
	for i := range m.Parts {
		if m.Parts[i].Type != PartText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(m.Parts[i].Text)
	}
	return sb.String()
}

// AppendText appends text, concatenating for plain content and adding a part for multimodal content.
func (m *CompletionMessage) AppendText(text string) {
	if text == "" {
		return
	}
	if m.IsMultimodal() {
		m.Parts = append(m.Parts, ContentPart{Type: PartText, Text: text})
		return
	}
	if m.Content == "" {
		m.Content = text
		return
	}
	m.Content += "\n\n" + text
}

// PrependText inserts text ahead of the existing content.
func (m *CompletionMessage) PrependText(text string) {
	if text == "" {
		return
	}
	if m.IsMultimodal() {
		m.Parts = append([]ContentPart{{Type: PartText, Text: text}}, m.Parts...)
		return
	}
	if m.Content == "" {
		m.Content = text
		return
	}
	m.Content = text + "\n\n" + m.Content
}

// Clone returns a deep copy.
func (m *CompletionMessage) Clone() CompletionMessage {
	out := *m
	if m.Parts != nil {
		out.Parts = make([]ContentPart, len(m.Parts))
		for i := range m.Parts {
			out.Parts[i] = m.Parts[i]
			if m.Parts[i].Data != nil {
				out.Parts[i].Data = append([]byte(nil), m.Parts[i].Data...)
			}
		}
	}
	if m.CacheControl != nil {
		cc := *m.CacheControl
		out.CacheControl = &cc
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []CompletionMessage) []CompletionMessage {
	if msgs == nil {
		return nil
	}
	out := make([]CompletionMessage, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	StopReason string // "end_turn", "max_tokens", ...
	Usage      Usage
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // established name
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the provider model name.
	GetModelName() string
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}

// Validate checks request bounds before it reaches a provider.
func (r *CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("request has no messages")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if r.Temperature < 0.0 || r.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}
