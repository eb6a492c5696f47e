package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"conclave/pkg/agent/llm"
	"conclave/pkg/config"
)

type fakeReflector struct {
	err      error
	result   Reflection
	calls    int
	received []llm.CompletionMessage
	previous string
}

func (f *fakeReflector) Reflect(_ context.Context, _ string, entries []llm.CompletionMessage, previous string) (Reflection, error) {
	f.calls++
	f.received = entries
	f.previous = previous
	return f.result, f.err
}

func longHistory(turns int) *ModelContext {
	mc := NewModelContext("m1")
	for i := 0; i < turns; i++ {
		mc.AddUser(fmt.Sprintf("user %d", i))
		mc.AddAssistant(fmt.Sprintf("assistant %d", i))
	}
	mc.AddUser("latest")
	return mc
}

func TestAvailableOutput(t *testing.T) {
	c := NewController(config.CondensationConfig{}, nil, nil)
	tests := []struct {
		name  string
		input int
		lim   Limits
		want  int
	}{
		{"window bound", 9000, Limits{ContextWindow: 10000, MaxOutput: 4096}, 1000},
		{"output bound", 1000, Limits{ContextWindow: 100000, MaxOutput: 4096}, 4096},
		{"clamped to one", 12000, Limits{ContextWindow: 10000, MaxOutput: 4096}, 1},
		{"unknown window", 50000, Limits{MaxOutput: 2048}, 2048},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.AvailableOutput(tt.input, tt.lim); got != tt.want {
				t.Errorf("AvailableOutput(%d, %+v) = %d, want %d", tt.input, tt.lim, got, tt.want)
			}
		})
	}
}

func TestCheckPriority(t *testing.T) {
	c := NewController(config.CondensationConfig{OutputFloor: 4096, RatioThreshold: 0.8}, nil, nil)
	mc := longHistory(2)
	roomy := Limits{ContextWindow: 1_000_000, MaxOutput: 8192}

	if got := c.Check(mc, 100, roomy); got != TriggerNone {
		t.Errorf("expected no trigger, got %q", got)
	}

	mc.PendingCondense = true
	if got := c.Check(mc, 999_000, roomy); got != TriggerInline {
		t.Errorf("inline directive should win over the floor, got %q", got)
	}
	mc.PendingCondense = false

	if got := c.Check(mc, 999_000, roomy); got != TriggerFloor {
		t.Errorf("expected floor trigger, got %q", got)
	}

	tiny := Limits{ContextWindow: 20, MaxOutput: 10}
	if got := c.Check(longHistory(10), 0, tiny); got != TriggerRatio {
		t.Errorf("expected ratio trigger for a history larger than 80%% of the window, got %q", got)
	}
}

func TestEffectiveFloorCapsAtModelOutput(t *testing.T) {
	c := NewController(config.CondensationConfig{OutputFloor: 4096}, nil, nil)
	lim := Limits{ContextWindow: 1_000_000, MaxOutput: 1024}
	if got := c.EffectiveFloor(lim); got != 1024 {
		t.Errorf("expected floor capped to 1024, got %d", got)
	}
	if got := c.Check(NewModelContext("m1"), 10, lim); got != TriggerNone {
		t.Errorf("a small-output model with room should not trigger, got %q", got)
	}
}

func TestCondenseReplacesOldestEntries(t *testing.T) {
	reflector := &fakeReflector{result: Reflection{Summary: "did things", Lessons: []string{"check twice"}}}
	c := NewController(config.CondensationConfig{Entries: 4}, reflector, nil)
	mc := longHistory(3) // 7 entries
	mc.PendingCondense = true

	res, err := c.Condense(context.Background(), mc, TriggerInline)
	if err != nil {
		t.Fatalf("Condense failed: %v", err)
	}
	if res.Dropped != 4 || len(reflector.received) != 4 {
		t.Errorf("expected 4 entries dropped, got %d (reflector saw %d)", res.Dropped, len(reflector.received))
	}
	if len(res.Lessons) != 1 || res.Lessons[0] != "check twice" {
		t.Errorf("lessons not returned: %v", res.Lessons)
	}
	// Remaining: user 2, assistant 2, latest; summary merged into "user 2".
	if len(mc.Messages) != 3 {
		t.Fatalf("expected 3 entries after condensation, got %d", len(mc.Messages))
	}
	if !strings.HasPrefix(mc.Messages[0].Content, "[Condensed history]\ndid things") ||
		!strings.HasSuffix(mc.Messages[0].Content, "user 2") {
		t.Errorf("summary should be merged into the next user turn: %q", mc.Messages[0].Content)
	}
	if mc.Messages[2].Content != "latest" {
		t.Errorf("newest entry must survive: %q", mc.Messages[2].Content)
	}
	if mc.Summary != "did things" || mc.Condensations != 1 || mc.PendingCondense {
		t.Errorf("unexpected context bookkeeping: %+v", mc)
	}
}

func TestCondenseInsertsSummaryBeforeAssistant(t *testing.T) {
	reflector := &fakeReflector{result: Reflection{Summary: "s"}}
	c := NewController(config.CondensationConfig{Entries: 1}, reflector, nil)
	mc := longHistory(1) // user 0, assistant 0, latest

	if _, err := c.Condense(context.Background(), mc, TriggerFloor); err != nil {
		t.Fatalf("Condense failed: %v", err)
	}
	if mc.Messages[0].Role != llm.RoleUser || mc.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("summary entry should open the history as a user turn: %+v", mc.Messages)
	}
}

func TestCondenseKeepsLastEntry(t *testing.T) {
	reflector := &fakeReflector{result: Reflection{Summary: "s"}}
	c := NewController(config.CondensationConfig{Entries: 50}, reflector, nil)
	mc := longHistory(2)

	res, err := c.Condense(context.Background(), mc, TriggerOverflow)
	if err != nil {
		t.Fatalf("Condense failed: %v", err)
	}
	if res.Dropped != 4 || len(mc.Messages) != 1 {
		t.Errorf("expected everything but the newest entry dropped, got dropped=%d len=%d", res.Dropped, len(mc.Messages))
	}
}

func TestCondenseTooShort(t *testing.T) {
	c := NewController(config.CondensationConfig{}, &fakeReflector{}, nil)
	mc := NewModelContext("m1")
	mc.AddUser("only")
	mc.PendingCondense = true

	_, err := c.Condense(context.Background(), mc, TriggerInline)
	if !errors.Is(err, ErrNothingToCondense) {
		t.Errorf("expected ErrNothingToCondense, got %v", err)
	}
	if mc.PendingCondense {
		t.Error("pending directive should be cleared even when nothing was condensed")
	}
}

func TestCondenseFallsBackWhenReflectionFails(t *testing.T) {
	reflector := &fakeReflector{err: errors.New("model down")}
	c := NewController(config.CondensationConfig{Entries: 2}, reflector, nil)
	mc := longHistory(2)
	mc.Summary = "older"

	res, err := c.Condense(context.Background(), mc, TriggerRatio)
	if err != nil {
		t.Fatalf("Condense failed: %v", err)
	}
	if !res.Fallback || reflector.previous != "older" {
		t.Errorf("expected fallback with previous summary passed along, got %+v", res)
	}
	if mc.Summary != "older\n\n[2 earlier entries omitted]" {
		t.Errorf("unexpected fallback summary: %q", mc.Summary)
	}
}

func TestParseReflection(t *testing.T) {
	r := parseReflection("```json\n{\"summary\": \" done \", \"lessons\": [\"a\", \" \"]}\n```")
	if r.Summary != "done" || len(r.Lessons) != 1 {
		t.Errorf("unexpected parse: %+v", r)
	}
	plain := parseReflection("just prose")
	if plain.Summary != "just prose" || plain.Lessons != nil {
		t.Errorf("plain text should become the summary: %+v", plain)
	}
}

type stubClient struct {
	reply string
	req   llm.CompletionRequest
}

func (s *stubClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.req = req
	return llm.CompletionResponse{Content: s.reply}, nil
}

func (s *stubClient) GetModelName() string { return "stub" }

func TestLLMReflectorUsesFixedInstruction(t *testing.T) {
	client := &stubClient{reply: `{"summary":"kept ` + "`rm -rf /tmp/x`" + `","lessons":[]}`}
	pool := llm.NewPool()
	pool.Register("m1", client)

	r, err := NewLLMReflector(pool).Reflect(context.Background(), "m1",
		[]llm.CompletionMessage{llm.NewUserMessage("run `rm -rf /tmp/x`")}, "")
	if err != nil {
		t.Fatalf("Reflect failed: %v", err)
	}
	if !strings.Contains(r.Summary, "`rm -rf /tmp/x`") {
		t.Errorf("unexpected summary: %q", r.Summary)
	}
	if client.req.Messages[0].Role != llm.RoleSystem || !strings.Contains(client.req.Messages[0].Content, "verbatim") {
		t.Error("reflection must carry the fixed verbatim-preservation instruction")
	}
	if !strings.Contains(client.req.Messages[1].Content, "[user]\nrun `rm -rf /tmp/x`") {
		t.Errorf("transcript missing from request: %q", client.req.Messages[1].Content)
	}

	if _, err := NewLLMReflector(pool).Reflect(context.Background(), "missing", nil, ""); err == nil {
		t.Error("expected error for unknown model")
	}
}
