package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"conclave/pkg/action"
	"conclave/pkg/budget"
	"conclave/pkg/eventbus"
	"conclave/pkg/proto"
	"conclave/pkg/utils"
)

// execEnv is the snapshot of agent state an executor works from.
type execEnv struct {
	deps     *Deps
	children map[string]ChildRecord
	ledger   budget.Ledger
	agentID  string
	parentID string
	caps     action.Capabilities
}

func (a *Agent) execEnv() *execEnv {
	children := make(map[string]ChildRecord, len(a.children))
	for id, c := range a.children {
		children[id] = *c
	}
	return &execEnv{
		deps:     a.deps,
		children: children,
		ledger:   a.ledger,
		agentID:  a.id,
		parentID: a.parentID,
		caps:     append(action.Capabilities(nil), a.caps...),
	}
}

// executor runs one action kind. It reports output and the effect to apply.
type executor func(ctx context.Context, env *execEnv, act *action.Action) (string, *Effect, *TimerHandle, error)

func executorFor(kind action.Kind) executor {
	switch kind {
	case action.Orient:
		return execOrient
	case action.Wait:
		return execWait
	case action.SendMessage:
		return execSendMessage
	case action.SpawnChild:
		return execSpawnChild
	case action.DismissChild:
		return execDismissChild
	case action.AdjustBudget:
		return execAdjustBudget
	case action.Todo:
		return execTodo
	case action.Learn:
		return execLearn
	case action.Finish:
		return execFinish
	default:
		return nil
	}
}

// execute runs act and packages the result with its metadata.
func execute(ctx context.Context, env *execEnv, actionID string, act *action.Action) Result {
	res := Result{ActionID: actionID, Meta: MetaFor(act)}
	if err := act.Validate(); err != nil {
		res.Err = err
		return res
	}
	run := executorFor(act.Kind)
	if run == nil {
		res.Err = fmt.Errorf("no executor for %s", act.Kind)
		return res
	}
	res.Output, res.Effect, res.Timer, res.Err = run(ctx, env, act)
	return res
}

func execOrient(_ context.Context, env *execEnv, _ *action.Action) (string, *Effect, *TimerHandle, error) {
	active := 0
	for _, c := range env.children {
		if c.Status == ChildActive {
			active++
		}
	}
	return fmt.Sprintf("Oriented. %d active children; %s.", active, env.ledger.Status()), nil, nil, nil
}

func execWait(_ context.Context, _ *execEnv, act *action.Action) (string, *Effect, *TimerHandle, error) {
	if n, ok := act.Wait.Positive(); ok {
		return fmt.Sprintf("Waiting %d units.", n), nil, &TimerHandle{ID: utils.NewTimerID(), Units: n}, nil
	}
	return "Waiting for a message.", nil, nil, nil
}

func execTodo(_ context.Context, _ *execEnv, act *action.Action) (string, *Effect, *TimerHandle, error) {
	items := act.StringList("items")
	return fmt.Sprintf("Task list replaced (%d items).", len(items)), &Effect{TaskList: items}, nil, nil
}

func execLearn(_ context.Context, _ *execEnv, act *action.Action) (string, *Effect, *TimerHandle, error) {
	return "Lesson recorded.", &Effect{Lesson: act.String("lesson")}, nil, nil
}

// recipient resolves "parent" and checks that the target is the parent or a child.
func (env *execEnv) recipient(to string) (string, error) {
	parent := env.parentID
	if parent == "" {
		parent = proto.OperatorID
	}
	switch to {
	case "parent", parent:
		return parent, nil
	}
	if _, ok := env.children[to]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotChild, to)
}

func (env *execEnv) send(ctx context.Context, msgType proto.MsgType, to, content string) error {
	if to == proto.OperatorID {
		ev := eventbus.New(eventbus.TypeOperatorMessage, env.agentID, map[string]any{
			"type":    string(msgType),
			"content": content,
		})
		return eventbus.Publish(ctx, env.deps.Events, ev)
	}
	if env.deps.Router == nil {
		return errors.New("message routing not available")
	}
	return env.deps.Router.Route(proto.NewAgentMsg(msgType, env.agentID, to, content)) //nolint:wrapcheck // already descriptive
}

func execSendMessage(ctx context.Context, env *execEnv, act *action.Action) (string, *Effect, *TimerHandle, error) {
	to, err := env.recipient(act.ID("to"))
	if err != nil {
		return "", nil, nil, err
	}
	if err := env.send(ctx, proto.MsgTypeMESSAGE, to, act.String("content")); err != nil {
		return "", nil, nil, fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return fmt.Sprintf("Message delivered to %s.", to), nil, nil, nil
}

func optionalDecimal(act *action.Action, key string) (decimal.Decimal, error) {
	if _, ok := act.Params[key]; !ok {
		return decimal.Zero, nil
	}
	return act.Decimal(key) //nolint:wrapcheck // validated by Action.Validate
}

func execSpawnChild(ctx context.Context, env *execEnv, act *action.Action) (string, *Effect, *TimerHandle, error) {
	if env.deps.Spawner == nil {
		return "", nil, nil, errors.New("spawning not available")
	}
	amount, err := optionalDecimal(act, "budget")
	if err != nil {
		return "", nil, nil, fmt.Errorf("invalid budget: %w", err)
	}
	if !env.ledger.CanCommit(amount, decimal.Zero) {
		return "", nil, nil, fmt.Errorf("%w: child budget %s exceeds available %s",
			budget.ErrInsufficient, amount.StringFixed(2), env.ledger.Available().StringFixed(2))
	}

	caps := act.StringList("capabilities")
	if len(caps) == 0 {
		caps = env.deps.Config.Agents.DefaultCapabilities
	}
	// A child never gets capabilities its parent lacks.
	granted := make([]string, 0, len(caps))
	for _, c := range caps {
		if env.caps.Has(c) {
			granted = append(granted, c)
		}
	}

	task := act.String("task")
	childID, err := env.deps.Spawner.Spawn(ctx, SpawnRequest{
		ParentID:     env.agentID,
		Task:         task,
		Budget:       amount,
		Capabilities: granted,
	})
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to spawn child: %w", err)
	}
	child := &ChildRecord{ID: childID, Task: task, Allocated: amount, Status: ChildActive}
	return fmt.Sprintf("Spawned child %s with budget %s and capabilities [%s].",
		childID, amount.StringFixed(2), strings.Join(granted, ", ")), &Effect{Child: child}, nil, nil
}

func execDismissChild(ctx context.Context, env *execEnv, act *action.Action) (string, *Effect, *TimerHandle, error) {
	childID := act.ID("child_id")
	if _, ok := env.children[childID]; !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrNotChild, childID)
	}
	if env.deps.Spawner == nil {
		return "", nil, nil, errors.New("spawning not available")
	}
	if err := env.deps.Spawner.Dismiss(ctx, childID); err != nil {
		return "", nil, nil, fmt.Errorf("failed to dismiss %s: %w", childID, err)
	}
	return fmt.Sprintf("Dismissed child %s.", childID), &Effect{ChildID: childID, Dismissed: true}, nil, nil
}

func execAdjustBudget(ctx context.Context, env *execEnv, act *action.Action) (string, *Effect, *TimerHandle, error) {
	childID := act.ID("child_id")
	child, ok := env.children[childID]
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrNotChild, childID)
	}
	total, err := act.Decimal("budget")
	if err != nil {
		return "", nil, nil, fmt.Errorf("invalid budget: %w", err)
	}
	delta := total.Sub(child.Allocated)
	if delta.IsPositive() && !env.ledger.CanCommit(delta, decimal.Zero) {
		return "", nil, nil, fmt.Errorf("%w: raising %s by %s exceeds available %s",
			budget.ErrInsufficient, childID, delta.StringFixed(2), env.ledger.Available().StringFixed(2))
	}
	if env.deps.Spawner == nil {
		return "", nil, nil, errors.New("spawning not available")
	}
	if err := env.deps.Spawner.AdjustBudget(ctx, childID, total); err != nil {
		return "", nil, nil, fmt.Errorf("failed to adjust budget of %s: %w", childID, err)
	}
	return fmt.Sprintf("Budget of %s set to %s.", childID, total.StringFixed(2)),
		&Effect{ChildID: childID, Amount: total}, nil, nil
}

func execFinish(ctx context.Context, env *execEnv, act *action.Action) (string, *Effect, *TimerHandle, error) {
	result := act.String("result")
	if result == "" {
		result = strings.TrimSpace(act.Reasoning)
	}
	to, _ := env.recipient("parent")
	if err := env.send(ctx, proto.MsgTypeRESULT, to, result); err != nil {
		// The agent stops regardless; a parent that is gone cannot be told.
		return fmt.Sprintf("Finished; reporting to %s failed: %v", to, err), &Effect{Finished: true}, nil, nil
	}
	return fmt.Sprintf("Finished; result reported to %s.", to), &Effect{Finished: true}, nil, nil
}
