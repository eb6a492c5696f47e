package agent

import (
	"context"
	"errors"
	"fmt"

	"conclave/pkg/budget"
	"conclave/pkg/contextmgr"
	"conclave/pkg/persistence"
)

// Knowledge is the persisted state of an agent: everything needed to
// rehydrate it after a restart. Process handles and in-flight work are not
// part of it.
type Knowledge struct {
	Budget       budget.Ledger                  `json:"budget"`
	Task         string                         `json:"task,omitempty"`
	ParentID     string                         `json:"parent_id,omitempty"`
	Lessons      []string                       `json:"lessons,omitempty"`
	TaskList     []string                       `json:"task_list,omitempty"`
	Children     []ChildRecord                  `json:"children,omitempty"`
	Capabilities []string                       `json:"capabilities,omitempty"`
	Contexts     []contextmgr.SerializedContext `json:"contexts"`
	Finished     bool                           `json:"finished,omitempty"`
}

// LoadKnowledge reads an agent's persisted knowledge. It returns
// persistence.ErrNotFound when nothing was saved.
func LoadKnowledge(ctx context.Context, store persistence.Store, agentID string) (*Knowledge, error) {
	if store == nil {
		return nil, persistence.ErrNotFound
	}
	snap, err := store.Load(ctx, agentID)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers check ErrNotFound
	}
	var k Knowledge
	if err := snap.Decode(&k); err != nil {
		return nil, err //nolint:wrapcheck // already carries the agent id
	}
	return &k, nil
}

func (a *Agent) knowledge() *Knowledge {
	k := &Knowledge{
		Budget:       a.ledger,
		Task:         a.task,
		ParentID:     a.parentID,
		Lessons:      append([]string(nil), a.lessons...),
		TaskList:     append([]string(nil), a.taskList...),
		Children:     a.childList(),
		Capabilities: append([]string(nil), a.caps...),
		Contexts:     a.contexts.Export(),
		Finished:     a.finished,
	}
	return k
}

func (a *Agent) rehydrate(k *Knowledge) error {
	contexts, err := contextmgr.ImportAll(k.Contexts)
	if err != nil {
		return fmt.Errorf("failed to restore contexts: %w", err)
	}
	a.ledger = k.Budget
	a.lessons = k.Lessons
	a.taskList = k.TaskList
	if a.task == "" {
		a.task = k.Task
	}

	// The pool may have changed since the snapshot was taken.
	pool := a.deps.Config.ModelIDs()
	a.contexts = make(contextmgr.Contexts, len(pool))
	for _, id := range pool {
		if mc, ok := contexts[id]; ok {
			a.contexts[id] = mc
			continue
		}
		mc := a.contexts.Get(id)
		if a.task != "" {
			mc.AddUser(taskPrompt(a.task))
		}
	}
	if a.parentID == "" && k.ParentID != "" {
		a.parentID = k.ParentID
	}
	if len(a.caps) == 0 {
		a.caps = k.Capabilities
	}
	a.children = make(map[string]*ChildRecord, len(k.Children))
	a.childOrder = a.childOrder[:0]
	for i := range k.Children {
		c := k.Children[i]
		a.children[c.ID] = &c
		a.childOrder = append(a.childOrder, c.ID)
	}
	return nil
}

// persist hands the knowledge state to the store. Failures are logged and
// never reach agent logic.
func (a *Agent) persist(ctx context.Context, reason string) {
	store := a.deps.Store
	if store == nil {
		return
	}
	snap, err := persistence.NewSnapshot(a.id, a.knowledge())
	if err != nil {
		a.logger.Warn("failed to encode knowledge (%s): %v", reason, err)
		return
	}
	snap.ParentID = a.parentID
	if err := store.Save(ctx, snap); err != nil {
		if errors.Is(err, persistence.ErrWriterClosed) {
			a.logger.Debug("persistence unavailable (%s): %v", reason, err)
			return
		}
		a.logger.Warn("failed to persist knowledge (%s): %v", reason, err)
		return
	}
	a.logger.Debug("persisted knowledge (%s)", reason)
}

func (a *Agent) forget(ctx context.Context) {
	if a.deps.Store == nil {
		return
	}
	if err := a.deps.Store.Delete(ctx, a.id); err != nil {
		a.logger.Warn("failed to delete persisted record: %v", err)
	}
}
