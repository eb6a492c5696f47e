// Package contextmgr owns the per-model conversation state of an agent: the
// private histories, the message assembler that turns them into queries, and
// the condensation controller that keeps them inside each model's window.
package contextmgr

import (
	"fmt"
	"sort"
	"strings"

	"conclave/pkg/agent/llm"
	"conclave/pkg/utils"
)

// ModelContext is one model's private view of the conversation.
type ModelContext struct {
	ModelID string
	// Summary is the latest reflective summary produced by condensation.
	Summary  string
	Messages []llm.CompletionMessage
	// Condensations counts how often this history has been condensed.
	Condensations int
	// PendingCondense is set when the model's last raw reply asked for condensation.
	PendingCondense bool
}

// NewModelContext creates an empty context for modelID.
func NewModelContext(modelID string) *ModelContext {
	return &ModelContext{ModelID: modelID, Messages: make([]llm.CompletionMessage, 0)}
}

// AddUser appends user content. Consecutive user turns are merged so the
// history keeps strict user/assistant alternation.
func (mc *ModelContext) AddUser(content string) {
	mc.AddUserMessage(llm.NewUserMessage(content))
}

// AddUserMessage appends a user message, merging it into a trailing user turn.
func (mc *ModelContext) AddUserMessage(msg llm.CompletionMessage) {
	msg.Role = llm.RoleUser
	if n := len(mc.Messages); n > 0 && mc.Messages[n-1].Role == llm.RoleUser {
		mergeUser(&mc.Messages[n-1], &msg)
		return
	}
	mc.Messages = append(mc.Messages, msg.Clone())
}

// AddAssistant appends the model's reply. A reply after another assistant
// turn gets an empty separator so alternation is preserved.
func (mc *ModelContext) AddAssistant(content string) {
	if n := len(mc.Messages); n == 0 || mc.Messages[n-1].Role == llm.RoleAssistant {
		mc.Messages = append(mc.Messages, llm.NewUserMessage("(continue)"))
	}
	mc.Messages = append(mc.Messages, llm.NewAssistantMessage(content))
}

// EndsOnNonAssistant reports whether the history is ready to be queried.
func (mc *ModelContext) EndsOnNonAssistant() bool {
	n := len(mc.Messages)
	return n > 0 && mc.Messages[n-1].Role != llm.RoleAssistant
}

// GetMessages returns a copy of the history.
func (mc *ModelContext) GetMessages() []llm.CompletionMessage {
	return llm.CloneMessages(mc.Messages)
}

// GetMessageCount returns the number of history entries.
func (mc *ModelContext) GetMessageCount() int {
	return len(mc.Messages)
}

// CountTokens returns the token count of the textual history.
func (mc *ModelContext) CountTokens(counter *utils.TokenCounter) int {
	return countMessages(counter, mc.Messages)
}

// GetContextSummary returns a brief summary of the context state.
func (mc *ModelContext) GetContextSummary(counter *utils.TokenCounter) string {
	if len(mc.Messages) == 0 {
		return "Empty context"
	}
	roleCounts := make(map[llm.CompletionRole]int)
	for i := range mc.Messages {
		roleCounts[mc.Messages[i].Role]++
	}
	roleBreakdown := make([]string, 0, len(roleCounts))
	for role, count := range roleCounts {
		roleBreakdown = append(roleBreakdown, fmt.Sprintf("%s: %d", role, count))
	}
	sort.Strings(roleBreakdown)
	return fmt.Sprintf("%d messages (%d tokens) - %s",
		len(mc.Messages), mc.CountTokens(counter), strings.Join(roleBreakdown, ", "))
}

// Clone returns a deep copy.
func (mc *ModelContext) Clone() *ModelContext {
	out := *mc
	out.Messages = llm.CloneMessages(mc.Messages)
	return &out
}

// Contexts maps model id to that model's context.
type Contexts map[string]*ModelContext

// NewContexts creates empty contexts for every model id.
func NewContexts(modelIDs []string) Contexts {
	out := make(Contexts, len(modelIDs))
	for _, id := range modelIDs {
		out[id] = NewModelContext(id)
	}
	return out
}

// Get returns the context for modelID, creating it if needed.
func (c Contexts) Get(modelID string) *ModelContext {
	mc, ok := c[modelID]
	if !ok {
		mc = NewModelContext(modelID)
		c[modelID] = mc
	}
	return mc
}

// Clone deep-copies every context.
func (c Contexts) Clone() Contexts {
	out := make(Contexts, len(c))
	for id, mc := range c {
		out[id] = mc.Clone()
	}
	return out
}

// AddUser appends user content to every model's history.
func (c Contexts) AddUser(content string) {
	for _, mc := range c {
		mc.AddUser(content)
	}
}

// AddAssistant appends the same reply to every model's history.
func (c Contexts) AddAssistant(content string) {
	for _, mc := range c {
		mc.AddAssistant(content)
	}
}

// Summaries returns the non-empty condensation summaries keyed by model.
func (c Contexts) Summaries() map[string]string {
	out := make(map[string]string)
	for id, mc := range c {
		if mc.Summary != "" {
			out[id] = mc.Summary
		}
	}
	return out
}

// mergeUser folds src into dst. Multimodal content is list-merged, text is concatenated.
func mergeUser(dst, src *llm.CompletionMessage) {
	if src.IsMultimodal() {
		if !dst.IsMultimodal() && dst.Content != "" {
			dst.Parts = []llm.ContentPart{{Type: llm.PartText, Text: dst.Content}}
			dst.Content = ""
		}
		for i := range src.Parts {
			part := src.Parts[i]
			if part.Data != nil {
				part.Data = append([]byte(nil), part.Data...)
			}
			dst.Parts = append(dst.Parts, part)
		}
	} else {
		dst.AppendText(src.Content)
	}
	if src.CacheControl != nil {
		cc := *src.CacheControl
		dst.CacheControl = &cc
	}
}

func countMessages(counter *utils.TokenCounter, msgs []llm.CompletionMessage) int {
	if counter == nil {
		counter = utils.DefaultTokenCounter()
	}
	total := 0
	for i := range msgs {
		total += counter.CountTokens(msgs[i].Text())
	}
	return total
}
