// Package agent runs one agent of the hierarchy as an actor.
//
// Each agent owns its per-model conversation histories, budget ledger,
// children, task list and lessons. A single goroutine reads the agent's inbox
// and is the only writer of that state. Consensus decisions and action
// executions run on background goroutines over snapshots and report back
// through the inbox, so the agent stays responsive to status queries and
// shutdown while work is in flight.
//
// The package also owns the LLM client factory that builds the model pool
// with its middleware chain.
package agent
