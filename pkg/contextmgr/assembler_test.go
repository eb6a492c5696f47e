package contextmgr

import (
	"strings"
	"testing"

	"conclave/pkg/agent/llm"
	"conclave/pkg/utils"
)

func historyFixture() *ModelContext {
	mc := NewModelContext("m1")
	mc.AddUser("do the task")
	mc.AddAssistant(`{"action":"orient"}`)
	mc.AddUser("orient ok")
	return mc
}

func fullFragments() *Fragments {
	return &Fragments{
		Knowledge:   "- prefer small steps",
		TaskList:    "Tasks:\n- [ ] write report",
		Children:    "Children: none",
		Role:        "You are a planner.",
		Style:       "Be terse.",
		Constraints: "Never spend over budget.",
		Budget:      "Budget (root): allocated 10.00",
	}
}

func TestAssembleInjectionOrder(t *testing.T) {
	mc := historyFixture()
	msgs := NewAssembler(nil).Assemble(mc, fullFragments(), "Models disagreed.")

	if len(msgs) != 4 {
		t.Fatalf("expected system + 3 history messages, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Fatalf("first message should be system, got %s", msgs[0].Role)
	}
	if msgs[0].Content != "You are a planner.\n\nBe terse.\n\nNever spend over budget." {
		t.Errorf("unexpected system content: %q", msgs[0].Content)
	}
	if !strings.HasPrefix(msgs[1].Content, "## Knowledge from earlier work\n- prefer small steps") ||
		!strings.HasSuffix(msgs[1].Content, "do the task") {
		t.Errorf("knowledge should lead the first user message: %q", msgs[1].Content)
	}

	last := msgs[3].Content
	order := []string{"orient ok", "Models disagreed.", "Tasks:", "Children: none", "Budget (root)", "[Context: "}
	pos := -1
	for _, want := range order {
		idx := strings.Index(last, want)
		if idx <= pos {
			t.Fatalf("expected %q after position %d in %q", want, pos, last)
		}
		pos = idx
	}
	if !strings.HasSuffix(last, " tokens]") {
		t.Errorf("token count must end the last message: %q", last)
	}
}

func TestAssembleTokenCountCoversNonSystemMessages(t *testing.T) {
	counter := utils.DefaultTokenCounter()
	msgs := NewAssembler(counter).Assemble(historyFixture(), fullFragments(), "")

	last := msgs[len(msgs)-1].Content
	cut := strings.LastIndex(last, "\n\n[Context: ")
	if cut < 0 {
		t.Fatalf("no token count in %q", last)
	}
	expected := 0
	for i := range msgs[:len(msgs)-1] {
		if msgs[i].Role != llm.RoleSystem {
			expected += counter.CountTokens(msgs[i].Text())
		}
	}
	expected += counter.CountTokens(last[:cut])

	if got := last[cut+2:]; got != FormatTokenCount(expected) {
		t.Errorf("expected %q, got %q", FormatTokenCount(expected), got)
	}
}

func TestAssembleIsPure(t *testing.T) {
	mc := historyFixture()
	before := mc.GetMessages()
	NewAssembler(nil).Assemble(mc, fullFragments(), "refine")

	for i := range before {
		if before[i].Content != mc.Messages[i].Content {
			t.Fatalf("assembler modified history entry %d", i)
		}
	}
}

func TestAssembleOmitsMissingFragments(t *testing.T) {
	mc := historyFixture()
	msgs := NewAssembler(nil).Assemble(mc, nil, "")

	if len(msgs) != 3 || msgs[0].Role != llm.RoleUser {
		t.Fatalf("expected history only, got %d messages starting with %s", len(msgs), msgs[0].Role)
	}
	if msgs[0].Content != "do the task" {
		t.Errorf("first message should be untouched: %q", msgs[0].Content)
	}
	if !strings.HasPrefix(msgs[2].Content, "orient ok\n\n[Context: ") {
		t.Errorf("only the token count should be appended: %q", msgs[2].Content)
	}
}

func TestAssembleRefinementOnMultimodalAppendsPart(t *testing.T) {
	mc := NewModelContext("m1")
	mc.AddUserMessage(llm.CompletionMessage{Parts: []llm.ContentPart{
		{Type: llm.PartText, Text: "what is in the image?"},
		{Type: llm.PartImage, MIMEType: "image/png", Data: []byte{9}},
	}})

	msgs := NewAssembler(nil).Assemble(mc, nil, "Round 2: reconsider.")
	parts := msgs[0].Parts
	if len(parts) != 4 {
		t.Fatalf("expected refinement and token count appended as parts, got %d parts", len(parts))
	}
	if parts[2].Text != "Round 2: reconsider." || parts[1].Type != llm.PartImage {
		t.Errorf("unexpected parts: %+v", parts)
	}
}

func TestAssembleOpensUserTurnAfterAssistant(t *testing.T) {
	mc := NewModelContext("m1")
	mc.AddUser("start")
	mc.AddAssistant("reply")

	msgs := NewAssembler(nil).Assemble(mc, &Fragments{Budget: "Budget: not tracked"}, "")
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleUser || !strings.HasPrefix(last.Content, "Budget: not tracked") {
		t.Errorf("expected a new user turn carrying the budget, got %s %q", last.Role, last.Content)
	}
}

func TestAssembleKnowledgeWithoutUserMessage(t *testing.T) {
	mc := NewModelContext("m1")
	msgs := NewAssembler(nil).Assemble(mc, &Fragments{Knowledge: "lesson"}, "")
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "lesson") {
		t.Errorf("knowledge should open a user turn: %+v", msgs)
	}
}

func TestFormatTokenCount(t *testing.T) {
	if got := FormatTokenCount(12345); got != "[Context: 12,345 tokens]" {
		t.Errorf("unexpected format: %q", got)
	}
}
