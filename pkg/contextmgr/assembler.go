package contextmgr

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"conclave/pkg/agent/llm"
	"conclave/pkg/utils"
)

// Fragments are the pre-built context pieces injected around a model's history.
// Empty fragments are omitted.
type Fragments struct {
	Knowledge   string // long-term knowledge (lessons learned)
	TaskList    string
	Children    string
	Role        string
	Style       string
	Constraints string
	Profile     string
	Budget      string
}

// System joins the system-prompt fragments in their fixed order.
func (f *Fragments) System() string {
	var parts []string
	for _, p := range []string{f.Role, f.Style, f.Constraints, f.Profile} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Assembler builds the ordered message list sent to one model. It is a pure
// transform: the context it reads is never modified.
type Assembler struct {
	counter *utils.TokenCounter
}

// NewAssembler creates an assembler; a nil counter uses the shared default.
func NewAssembler(counter *utils.TokenCounter) *Assembler {
	if counter == nil {
		counter = utils.DefaultTokenCounter()
	}
	return &Assembler{counter: counter}
}

// Assemble produces the query for mc. Injection order:
//  1. the model's private history
//  2. knowledge into the first user message
//  3. refinement merged into the last user message
//  4. task list, 5. children summary appended to the last message
//  6. system message prepended
//  7. budget status appended to the last message
//  8. running token count appended to the end of the last user message
func (a *Assembler) Assemble(mc *ModelContext, frags *Fragments, refinement string) []llm.CompletionMessage {
	msgs := llm.CloneMessages(mc.Messages)
	if frags == nil {
		frags = &Fragments{}
	}

	if k := strings.TrimSpace(frags.Knowledge); k != "" {
		if i := firstUser(msgs); i >= 0 {
			msgs[i].PrependText(knowledgeBlock(k))
		} else {
			msgs = append([]llm.CompletionMessage{llm.NewUserMessage(knowledgeBlock(k))}, msgs...)
		}
	}

	if r := strings.TrimSpace(refinement); r != "" {
		msgs = appendToLastUser(msgs, r)
	}
	if t := strings.TrimSpace(frags.TaskList); t != "" {
		msgs = appendToLastUser(msgs, t)
	}
	if c := strings.TrimSpace(frags.Children); c != "" {
		msgs = appendToLastUser(msgs, c)
	}

	if sys := frags.System(); sys != "" {
		msgs = append([]llm.CompletionMessage{llm.NewSystemMessage(sys)}, msgs...)
	}

	if b := strings.TrimSpace(frags.Budget); b != "" {
		msgs = appendToLastUser(msgs, b)
	}

	tokens := 0
	for i := range msgs {
		if msgs[i].Role != llm.RoleSystem {
			tokens += a.counter.CountTokens(msgs[i].Text())
		}
	}
	return appendToLastUser(msgs, FormatTokenCount(tokens))
}

// FormatTokenCount renders the running token count line.
func FormatTokenCount(tokens int) string {
	return fmt.Sprintf("[Context: %s tokens]", humanize.Comma(int64(tokens)))
}

func knowledgeBlock(k string) string {
	return "## Knowledge from earlier work\n" + k
}

func firstUser(msgs []llm.CompletionMessage) int {
	for i := range msgs {
		if msgs[i].Role == llm.RoleUser {
			return i
		}
	}
	return -1
}

// appendToLastUser appends text to the trailing user message, opening a new
// user turn when the list does not end on one.
func appendToLastUser(msgs []llm.CompletionMessage, text string) []llm.CompletionMessage {
	if n := len(msgs); n > 0 && msgs[n-1].Role == llm.RoleUser {
		msgs[n-1].AppendText(text)
		return msgs
	}
	return append(msgs, llm.NewUserMessage(text))
}
