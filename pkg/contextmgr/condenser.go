package contextmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conclave/pkg/agent/llm"
	"conclave/pkg/config"
	"conclave/pkg/logx"
	"conclave/pkg/utils"
)

// ErrNothingToCondense is returned when a history is too short to shrink.
var ErrNothingToCondense = errors.New("history too short to condense")

// Trigger names why a condensation ran.
type Trigger string

// Condensation triggers, in evaluation priority order.
const (
	TriggerNone     Trigger = ""
	TriggerInline   Trigger = "inline"
	TriggerFloor    Trigger = "floor"
	TriggerRatio    Trigger = "ratio"
	TriggerOverflow Trigger = "overflow"
)

// summaryHeader prefixes the entry that replaces condensed history.
const summaryHeader = "[Condensed history]"

// reflectionInstruction is the fixed system prompt for reflection calls.
const reflectionInstruction = `You are condensing the earlier part of an agent's conversation so it fits in a smaller context.

Write a faithful summary of the transcript you are given, merged with the previous summary if one is provided.
Rules:
- Copy verbatim, inside backticks, any exact syntax: identifiers, commands, file paths, URLs, numbers, amounts and JSON.
- Copy verbatim any security-critical content: permissions, refusals, constraints, budget limits and instructions from the parent agent.
- Keep decisions that were made and why, open questions, and commitments to other agents.
- Drop chit-chat and repeated content.

Also extract durable lessons: short, general rules worth remembering for the rest of the task.

Reply with a single JSON object: {"summary": "...", "lessons": ["...", "..."]}`

// Reflection is the outcome of summarising condensed entries.
type Reflection struct {
	Summary string   `json:"summary"`
	Lessons []string `json:"lessons"`
}

// Reflector produces a summary of history entries that are about to be dropped.
type Reflector interface {
	Reflect(ctx context.Context, modelID string, entries []llm.CompletionMessage, previous string) (Reflection, error)
}

// ClientLookup resolves a model id to its client.
type ClientLookup interface {
	Client(id string) (llm.LLMClient, bool)
}

// LLMReflector asks the model that owns the history to reflect on it.
type LLMReflector struct {
	clients   ClientLookup
	maxTokens int
}

// NewLLMReflector creates a reflector over clients.
func NewLLMReflector(clients ClientLookup) *LLMReflector {
	return &LLMReflector{clients: clients, maxTokens: 2048}
}

// Reflect implements Reflector.
func (r *LLMReflector) Reflect(ctx context.Context, modelID string, entries []llm.CompletionMessage, previous string) (Reflection, error) {
	client, ok := r.clients.Client(modelID)
	if !ok {
		return Reflection{}, fmt.Errorf("no client for model %q", modelID)
	}

	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Transcript to condense:\n")
	for i := range entries {
		fmt.Fprintf(&sb, "\n[%s]\n%s\n", entries[i].Role, entries[i].Text())
	}

	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(reflectionInstruction),
			llm.NewUserMessage(sb.String()),
		},
		MaxTokens:   r.maxTokens,
		Temperature: 0,
	}
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return Reflection{}, fmt.Errorf("reflection call to %s failed: %w", modelID, err)
	}
	return parseReflection(resp.Content), nil
}

// parseReflection accepts the JSON form or falls back to treating the whole reply as the summary.
func parseReflection(content string) Reflection {
	trimmed := strings.TrimSpace(content)
	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		var out Reflection
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &out); err == nil && strings.TrimSpace(out.Summary) != "" {
			out.Summary = strings.TrimSpace(out.Summary)
			lessons := out.Lessons[:0]
			for _, l := range out.Lessons {
				if l = strings.TrimSpace(l); l != "" {
					lessons = append(lessons, l)
				}
			}
			out.Lessons = lessons
			return out
		}
	}
	return Reflection{Summary: trimmed}
}

// Limits are one model's token limits.
type Limits struct {
	ContextWindow int
	MaxOutput     int
}

// LimitsFor reads limits from a model entry, falling back to the known-model registry.
func LimitsFor(m *config.ModelConfig) Limits {
	window, output := m.ContextWindow, m.MaxOutputTokens
	if window <= 0 || output <= 0 {
		name := m.Model
		if name == "" {
			name = m.ID
		}
		info, _ := config.GetModelInfo(name)
		if window <= 0 {
			window = info.MaxContextTokens
		}
		if output <= 0 {
			output = info.MaxOutputTokens
		}
	}
	return Limits{ContextWindow: window, MaxOutput: output}
}

// CondenseResult describes one condensation.
type CondenseResult struct {
	Trigger  Trigger
	Summary  string
	Lessons  []string
	Dropped  int
	Fallback bool // reflection failed and a placeholder summary was used
}

// Controller decides when a model's history must shrink and performs it.
type Controller struct {
	reflector Reflector
	counter   *utils.TokenCounter
	logger    *logx.Logger
	policy    config.CondensationConfig
}

// NewController creates a controller; zero policy fields take the configured defaults.
func NewController(policy config.CondensationConfig, reflector Reflector, counter *utils.TokenCounter) *Controller {
	if policy.Entries <= 0 {
		policy.Entries = config.DefaultCondenseEntries
	}
	if policy.OutputFloor <= 0 {
		policy.OutputFloor = config.DefaultOutputFloor
	}
	if policy.RatioThreshold <= 0 {
		policy.RatioThreshold = config.DefaultRatioThreshold
	}
	if counter == nil {
		counter = utils.DefaultTokenCounter()
	}
	return &Controller{
		policy:    policy,
		reflector: reflector,
		counter:   counter,
		logger:    logx.NewLogger("condenser"),
	}
}

// Counter returns the token counter the controller measures with.
func (c *Controller) Counter() *utils.TokenCounter {
	return c.counter
}

// AvailableOutput is min(window - input, max output), never below 1.
func (c *Controller) AvailableOutput(inputTokens int, lim Limits) int {
	available := lim.MaxOutput
	if lim.ContextWindow > 0 {
		available = min(lim.ContextWindow-inputTokens, lim.MaxOutput)
	}
	return max(available, 1)
}

// EffectiveFloor caps the configured floor at the model's own output limit so
// small-output models are not condensed on every query.
func (c *Controller) EffectiveFloor(lim Limits) int {
	if lim.MaxOutput > 0 {
		return min(c.policy.OutputFloor, lim.MaxOutput)
	}
	return c.policy.OutputFloor
}

// Check evaluates the proactive triggers for an assembled query of inputTokens.
func (c *Controller) Check(mc *ModelContext, inputTokens int, lim Limits) Trigger {
	if mc.PendingCondense {
		return TriggerInline
	}
	if c.AvailableOutput(inputTokens, lim) < c.EffectiveFloor(lim) {
		return TriggerFloor
	}
	if lim.ContextWindow > 0 {
		threshold := c.policy.RatioThreshold * float64(lim.ContextWindow)
		if float64(mc.CountTokens(c.counter)) > threshold {
			return TriggerRatio
		}
	}
	return TriggerNone
}

// Condense replaces the oldest entries of mc with one reflective summary. The
// newest entry is always kept so the history still ends on the same turn.
func (c *Controller) Condense(ctx context.Context, mc *ModelContext, trigger Trigger) (CondenseResult, error) {
	drop := min(c.policy.Entries, len(mc.Messages)-1)
	if drop <= 0 {
		mc.PendingCondense = false
		return CondenseResult{Trigger: trigger}, ErrNothingToCondense
	}

	dropped := llm.CloneMessages(mc.Messages[:drop])
	result := CondenseResult{Trigger: trigger, Dropped: drop}

	var reflection Reflection
	var err error
	if c.reflector != nil {
		reflection, err = c.reflector.Reflect(ctx, mc.ModelID, dropped, mc.Summary)
	} else {
		err = errors.New("no reflector configured")
	}
	if err != nil || strings.TrimSpace(reflection.Summary) == "" {
		if err != nil {
			c.logger.Warn("reflection for %s failed, using placeholder summary: %v", mc.ModelID, err)
		}
		reflection = Reflection{Summary: fmt.Sprintf("[%d earlier entries omitted]", drop)}
		if mc.Summary != "" {
			reflection.Summary = mc.Summary + "\n\n" + reflection.Summary
		}
		result.Fallback = true
	}
	result.Summary = reflection.Summary
	result.Lessons = reflection.Lessons

	summary := llm.NewUserMessage(summaryHeader + "\n" + reflection.Summary)
	rest := mc.Messages[drop:]
	kept := make([]llm.CompletionMessage, 0, len(rest)+1)
	if rest[0].Role == llm.RoleUser {
		merged := rest[0].Clone()
		merged.PrependText(summary.Content)
		kept = append(kept, merged)
		kept = append(kept, rest[1:]...)
	} else {
		kept = append(kept, summary)
		kept = append(kept, rest...)
	}

	mc.Messages = kept
	mc.Summary = reflection.Summary
	mc.Condensations++
	mc.PendingCondense = false

	c.logger.Info("condensed %d entries for %s (%s), %d remain", drop, mc.ModelID, trigger, len(mc.Messages))
	return result, nil
}
