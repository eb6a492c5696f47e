package persistence

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SnapshotVersion is bumped whenever the payload layout changes incompatibly.
const SnapshotVersion = 1

// binaryMarker is the object key that wraps base64-encoded byte payloads.
const binaryMarker = "__binary__"

// ErrNotFound is returned by Load when no snapshot exists for an agent.
var ErrNotFound = errors.New("snapshot not found")

// Binary is a byte payload that survives the JSON round trip as
// {"__binary__": "<base64>"} so snapshots stay JSON-safe.
type Binary []byte

// MarshalJSON implements json.Marshaler.
func (b Binary) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	wrapped := map[string]string{binaryMarker: base64.StdEncoding.EncodeToString(b)}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal binary payload: %w", err)
	}
	return data, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Binary) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = nil
		return nil
	}
	var wrapped map[string]string
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("binary payload is not a marker object: %w", err)
	}
	encoded, ok := wrapped[binaryMarker]
	if !ok {
		return fmt.Errorf("binary payload missing %q key", binaryMarker)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode binary payload: %w", err)
	}
	*b = decoded
	return nil
}

// Snapshot is the persisted knowledge state of one agent. The payload is
// owned by the agent package; the store only needs the routing fields.
type Snapshot struct {
	SavedAt  time.Time       `json:"saved_at"`
	AgentID  string          `json:"agent_id"`
	ParentID string          `json:"parent_id,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Version  int             `json:"version"`
}

// NewSnapshot encodes v as the payload of a snapshot for agentID.
func NewSnapshot(agentID string, v any) (*Snapshot, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot payload for %s: %w", agentID, err)
	}
	return &Snapshot{
		AgentID: agentID,
		Version: SnapshotVersion,
		SavedAt: time.Now().UTC(),
		Payload: payload,
	}, nil
}

// Decode unmarshals the payload into v.
func (s *Snapshot) Decode(v any) error {
	if len(s.Payload) == 0 {
		return fmt.Errorf("snapshot for %s has no payload", s.AgentID)
	}
	if s.Version > SnapshotVersion {
		return fmt.Errorf("snapshot for %s has version %d, newest supported is %d", s.AgentID, s.Version, SnapshotVersion)
	}
	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fmt.Errorf("failed to decode snapshot payload for %s: %w", s.AgentID, err)
	}
	return nil
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot %s: %w", s.AgentID, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}
