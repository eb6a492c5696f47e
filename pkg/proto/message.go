// Package proto defines the envelope exchanged between agents.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MsgType classifies an inter-agent message.
type MsgType string

const (
	MsgTypeMESSAGE  MsgType = "MESSAGE"  // free-form message from a parent, child or operator
	MsgTypeRESULT   MsgType = "RESULT"   // final result of a finished child
	MsgTypeSHUTDOWN MsgType = "SHUTDOWN" // request to stop gracefully
)

// Well-known sender for messages injected from outside the hierarchy.
const OperatorID = "operator"

// Metadata keys.
const (
	KeyCorrelationID = "correlation_id"
	KeyReason        = "reason"
)

// AgentMsg is routed through the dispatcher to an agent's inbox.
type AgentMsg struct {
	ID        string            `json:"id"`
	Type      MsgType           `json:"type"`
	FromAgent string            `json:"from_agent"`
	ToAgent   string            `json:"to_agent"`
	Timestamp time.Time         `json:"timestamp"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewAgentMsg creates a message with a fresh id and timestamp.
func NewAgentMsg(msgType MsgType, fromAgent, toAgent, content string) *AgentMsg {
	return &AgentMsg{
		ID:        "msg-" + uuid.NewString(),
		Type:      msgType,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Timestamp: time.Now().UTC(),
		Content:   content,
		Metadata:  make(map[string]string),
	}
}

func (msg *AgentMsg) ToJSON() ([]byte, error) {
	return json.Marshal(msg)
}

// FromJSON decodes a message produced by ToJSON.
func FromJSON(data []byte) (*AgentMsg, error) {
	var msg AgentMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal AgentMsg: %w", err)
	}
	return &msg, nil
}

func (msg *AgentMsg) SetMetadata(key, value string) {
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	msg.Metadata[key] = value
}

func (msg *AgentMsg) GetMetadata(key string) (string, bool) {
	if msg.Metadata == nil {
		return "", false
	}
	val, exists := msg.Metadata[key]
	return val, exists
}

// Render formats the message as it appears in a model's history.
func (msg *AgentMsg) Render() string {
	switch msg.Type {
	case MsgTypeRESULT:
		return fmt.Sprintf("[Child %s finished]\n%s", msg.FromAgent, msg.Content)
	default:
		return fmt.Sprintf("[Message from %s]\n%s", msg.FromAgent, msg.Content)
	}
}

func (msg *AgentMsg) Validate() error {
	if msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if msg.FromAgent == "" {
		return fmt.Errorf("from_agent is required")
	}
	if msg.ToAgent == "" {
		return fmt.Errorf("to_agent is required")
	}
	if _, ok := ParseMsgType(string(msg.Type)); !ok {
		return fmt.Errorf("invalid message type: %q", msg.Type)
	}
	return nil
}

// ParseMsgType normalizes a message type string.
func ParseMsgType(s string) (MsgType, bool) {
	switch MsgType(strings.ToUpper(strings.TrimSpace(s))) {
	case MsgTypeMESSAGE:
		return MsgTypeMESSAGE, true
	case MsgTypeRESULT:
		return MsgTypeRESULT, true
	case MsgTypeSHUTDOWN:
		return MsgTypeSHUTDOWN, true
	default:
		return "", false
	}
}
