package agent

import (
	"time"

	"conclave/pkg/action"
)

// ResultMeta is the action metadata an executor result carries back. A
// result without metadata comes from the legacy asynchronous path.
type ResultMeta struct {
	Kind       action.Kind
	Wait       action.WaitValue
	AlwaysSync bool
}

// MetaFor builds the metadata for a dispatched action.
func MetaFor(act *action.Action) *ResultMeta {
	return &ResultMeta{Kind: act.Kind, Wait: act.Wait, AlwaysSync: act.Kind.AlwaysSync()}
}

// TimerHandle identifies a registered wait timer.
type TimerHandle struct {
	ID    string
	Units int64
}

// ContinuationKind says what the agent does after recording a result.
type ContinuationKind int

const (
	// ContinueIdle stays idle until an inbound message arrives.
	ContinueIdle ContinuationKind = iota
	// ContinueSuspend waits for an external event without deciding again.
	ContinueSuspend
	// ContinueTimer replaces the wait timer and stays suspended until it fires.
	ContinueTimer
	// ContinueNow starts the next decision immediately.
	ContinueNow
	// ContinueDelayed starts the next decision after Units wait units.
	ContinueDelayed
)

func (k ContinuationKind) String() string {
	switch k {
	case ContinueIdle:
		return "idle"
	case ContinueSuspend:
		return "suspend"
	case ContinueTimer:
		return "timer"
	case ContinueNow:
		return "now"
	case ContinueDelayed:
		return "delayed"
	default:
		return "unknown"
	}
}

// Continuation is the outcome of Continue.
type Continuation struct {
	Timer *TimerHandle
	Kind  ContinuationKind
	Units int64
}

// Delay converts the continuation's units into a duration.
func (c Continuation) Delay(unit time.Duration) time.Duration {
	units := c.Units
	if c.Timer != nil {
		units = c.Timer.Units
	}
	return time.Duration(units) * unit
}

// Continue decides what follows a recorded action result. The checks run in
// a fixed order and the first match wins.
func Continue(meta *ResultMeta, failed bool, timer *TimerHandle, continueOnLegacy bool) Continuation {
	// 1. legacy result without metadata
	if meta == nil || meta.Kind == "" {
		if continueOnLegacy {
			return Continuation{Kind: ContinueNow}
		}
		return Continuation{Kind: ContinueIdle}
	}

	// 2. synchronous action that asked to wait; an error falls through so the agent cannot stall
	if meta.AlwaysSync && meta.Wait.IsTrue() && !failed {
		return Continuation{Kind: ContinueSuspend}
	}

	// 3. explicit wait with a timer handle
	if meta.Kind == action.Wait && timer != nil {
		return Continuation{Kind: ContinueTimer, Timer: timer}
	}

	// 4. false, zero or true
	if meta.Wait.IsImmediate() {
		return Continuation{Kind: ContinueNow}
	}

	// 5. positive integer
	if n, ok := meta.Wait.Positive(); ok {
		return Continuation{Kind: ContinueDelayed, Units: n}
	}

	// 6.
	return Continuation{Kind: ContinueNow}
}
