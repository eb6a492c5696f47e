package agent

import (
	"fmt"
	"strings"

	"conclave/pkg/action"
	"conclave/pkg/contextmgr"
)

// actionProtocol tells the models how to answer. It is part of the
// constraints fragment of every agent.
const actionProtocol = `Answer with exactly one JSON object and nothing else:
{"action": "<kind>", "params": {...}, "reasoning": "<why>", "wait": <true|false|N>, "condense": <true|false>}

Kinds and params:
- orient: {} take stock of the situation
- wait: {} with "wait": N to wake after N units, or true to wait for a message
- send_message: {"to": "parent" or a child id, "content": "..."}
- spawn_child: {"task": "...", "budget": <number>, "capabilities": [...]}
- dismiss_child: {"child_id": "..."}
- adjust_budget: {"child_id": "...", "budget": <new total>}
- todo: {"items": ["...", ...]} replaces your task list
- learn: {"lesson": "..."} keeps a lesson across condensations and restarts
- finish: {"result": "..."} report to your parent and stop

"wait" after an action: true suspends until a message arrives, false or 0 continues at once, N continues after N units.
Set "condense": true when your history has grown noisy and should be summarised.`

func (a *Agent) fragments() *contextmgr.Fragments {
	profile := a.deps.Config.Agents.Profile
	return &contextmgr.Fragments{
		Knowledge:   renderLessons(a.lessons),
		TaskList:    renderTaskList(a.taskList),
		Children:    renderChildren(a.childList()),
		Role:        profile.Role,
		Style:       profile.Style,
		Constraints: strings.TrimSpace(profile.Constraints + "\n\n" + actionProtocol),
		Profile:     strings.TrimSpace(a.identity() + "\n\n" + profile.Profile),
		Budget:      a.ledger.Status(),
	}
}

func (a *Agent) identity() string {
	parent := a.parentID
	if parent == "" {
		parent = "operator"
	}
	var allowed []string
	for _, k := range action.AllKinds {
		if a.deps.Gate.Allowed(k, a.caps) {
			allowed = append(allowed, string(k))
		}
	}
	return fmt.Sprintf("You are agent %s. Your parent is %s. Actions available to you: %s.",
		a.id, parent, strings.Join(allowed, ", "))
}

func renderLessons(lessons []string) string {
	if len(lessons) == 0 {
		return ""
	}
	var b strings.Builder
	for _, l := range lessons {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTaskList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Task list\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderChildren(children []ChildRecord) string {
	if len(children) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Children\n")
	for i := range children {
		c := &children[i]
		fmt.Fprintf(&b, "- %s (%s, budget %s): %s\n", c.ID, c.Status, c.Allocated.StringFixed(2), c.Task)
	}
	return strings.TrimRight(b.String(), "\n")
}

func taskPrompt(task string) string {
	return "## Task\n" + task
}

func renderResult(kind string, res *Result) string {
	if res.Err != nil {
		return fmt.Sprintf("[Error from %s]\n%v", kind, res.Err)
	}
	if res.Output == "" {
		return fmt.Sprintf("[Result of %s]\nDone.", kind)
	}
	return fmt.Sprintf("[Result of %s]\n%s", kind, res.Output)
}
