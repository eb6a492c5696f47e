package contextmgr

import (
	"encoding/json"
	"fmt"
	"sort"

	"conclave/pkg/agent/llm"
	"conclave/pkg/persistence"
)

// SerializedPart is a ContentPart in JSON-safe form; image bytes carry the binary marker.
type SerializedPart struct {
	Type     string             `json:"type"`
	Text     string             `json:"text,omitempty"`
	MIMEType string             `json:"mime_type,omitempty"`
	Data     persistence.Binary `json:"data,omitempty"`
}

// SerializedMessage represents a CompletionMessage for persistence.
type SerializedMessage struct {
	CacheControl *llm.CacheControl `json:"cache_control,omitempty"`
	Role         string            `json:"role"`
	Content      string            `json:"content,omitempty"`
	Parts        []SerializedPart  `json:"parts,omitempty"`
}

// SerializedContext represents one model's context for persistence.
type SerializedContext struct {
	ModelID         string              `json:"model_id"`
	Summary         string              `json:"summary,omitempty"`
	Messages        []SerializedMessage `json:"messages"`
	Condensations   int                 `json:"condensations,omitempty"`
	PendingCondense bool                `json:"pending_condense,omitempty"`
}

// Export converts the context to its serialized form.
func (mc *ModelContext) Export() SerializedContext {
	sc := SerializedContext{
		ModelID:         mc.ModelID,
		Summary:         mc.Summary,
		Condensations:   mc.Condensations,
		PendingCondense: mc.PendingCondense,
		Messages:        make([]SerializedMessage, len(mc.Messages)),
	}
	for i := range mc.Messages {
		msg := &mc.Messages[i]
		sm := SerializedMessage{Role: string(msg.Role), Content: msg.Content}
		if msg.CacheControl != nil {
			cc := *msg.CacheControl
			sm.CacheControl = &cc
		}
		for j := range msg.Parts {
			p := &msg.Parts[j]
			sp := SerializedPart{Type: string(p.Type), Text: p.Text, MIMEType: p.MIMEType}
			if p.Data != nil {
				sp.Data = append(persistence.Binary(nil), p.Data...)
			}
			sm.Parts = append(sm.Parts, sp)
		}
		sc.Messages[i] = sm
	}
	return sc
}

// Import rebuilds a context from its serialized form.
func Import(sc *SerializedContext) (*ModelContext, error) {
	if sc.ModelID == "" {
		return nil, fmt.Errorf("serialized context has no model id")
	}
	mc := &ModelContext{
		ModelID:         sc.ModelID,
		Summary:         sc.Summary,
		Condensations:   sc.Condensations,
		PendingCondense: sc.PendingCondense,
		Messages:        make([]llm.CompletionMessage, 0, len(sc.Messages)),
	}
	for i := range sc.Messages {
		sm := &sc.Messages[i]
		role := llm.CompletionRole(sm.Role)
		switch role {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
		default:
			return nil, fmt.Errorf("message %d of %s has unknown role %q", i, sc.ModelID, sm.Role)
		}
		msg := llm.CompletionMessage{Role: role, Content: sm.Content}
		if sm.CacheControl != nil {
			cc := *sm.CacheControl
			msg.CacheControl = &cc
		}
		for j := range sm.Parts {
			sp := &sm.Parts[j]
			part := llm.ContentPart{Type: llm.PartType(sp.Type), Text: sp.Text, MIMEType: sp.MIMEType}
			if sp.Data != nil {
				part.Data = append([]byte(nil), sp.Data...)
			}
			msg.Parts = append(msg.Parts, part)
		}
		mc.Messages = append(mc.Messages, msg)
	}
	return mc, nil
}

// Serialize converts the context to JSON bytes.
func (mc *ModelContext) Serialize() ([]byte, error) {
	data, err := json.Marshal(mc.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize context %s: %w", mc.ModelID, err)
	}
	return data, nil
}

// Deserialize restores a context from JSON bytes produced by Serialize.
func Deserialize(data []byte) (*ModelContext, error) {
	var sc SerializedContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to deserialize context: %w", err)
	}
	return Import(&sc)
}

// Export serializes every context, ordered by model id.
func (c Contexts) Export() []SerializedContext {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]SerializedContext, 0, len(ids))
	for _, id := range ids {
		out = append(out, c[id].Export())
	}
	return out
}

// ImportAll rebuilds a Contexts map.
func ImportAll(scs []SerializedContext) (Contexts, error) {
	out := make(Contexts, len(scs))
	for i := range scs {
		mc, err := Import(&scs[i])
		if err != nil {
			return nil, err
		}
		out[mc.ModelID] = mc
	}
	return out, nil
}
