// Package budget tracks an agent's allocated and committed budget with exact decimal arithmetic.
package budget

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Mode says whether the ledger enforces its allocation.
type Mode string

const (
	ModeRoot  Mode = "root"
	ModeChild Mode = "child"
	ModeNA    Mode = "n/a"
)

// ErrInsufficient is returned when a commitment would exceed the allocation.
var ErrInsufficient = errors.New("insufficient budget")

// Ledger is the allocated/committed pair owned by one agent. It is not safe for concurrent
// use; only the owning agent's goroutine mutates it.
type Ledger struct {
	Mode      Mode            `json:"mode"`
	Allocated decimal.Decimal `json:"allocated"`
	Committed decimal.Decimal `json:"committed"`
}

// NewRoot creates the ledger for a top-level agent.
func NewRoot(allocated decimal.Decimal) Ledger {
	return Ledger{Mode: ModeRoot, Allocated: allocated, Committed: decimal.Zero}
}

// NewChild creates the ledger for a spawned agent.
func NewChild(allocated decimal.Decimal) Ledger {
	return Ledger{Mode: ModeChild, Allocated: allocated, Committed: decimal.Zero}
}

// Unlimited creates a ledger that records commitments without enforcing a limit.
func Unlimited() Ledger {
	return Ledger{Mode: ModeNA, Allocated: decimal.Zero, Committed: decimal.Zero}
}

// Enforced reports whether commitments are checked against the allocation.
func (l *Ledger) Enforced() bool {
	return l.Mode != ModeNA && l.Mode != ""
}

// Available is allocated minus committed, never negative.
func (l *Ledger) Available() decimal.Decimal {
	avail := l.Allocated.Sub(l.Committed)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// CanCommit reports whether x could be committed now, optionally after reserving held.
func (l *Ledger) CanCommit(x, held decimal.Decimal) bool {
	if !l.Enforced() {
		return true
	}
	return l.Committed.Add(held).Add(x).LessThanOrEqual(l.Allocated)
}

// Commit adds x to the committed amount.
func (l *Ledger) Commit(x decimal.Decimal) error {
	if !x.IsPositive() {
		return fmt.Errorf("commit amount must be positive, got %s", x)
	}
	if !l.CanCommit(x, decimal.Zero) {
		return fmt.Errorf("%w: committing %s with %s available", ErrInsufficient, x, l.Available())
	}
	l.Committed = l.Committed.Add(x)
	return nil
}

// Release subtracts x from the committed amount, clamping at zero.
func (l *Ledger) Release(x decimal.Decimal) {
	if !x.IsPositive() {
		return
	}
	l.Committed = l.Committed.Sub(x)
	if l.Committed.IsNegative() {
		l.Committed = decimal.Zero
	}
}

// Adjust moves a commitment by delta, which is how a child's allocation change is reflected
// in its parent. Positive deltas are checked like Commit.
func (l *Ledger) Adjust(delta decimal.Decimal) error {
	switch {
	case delta.IsPositive():
		return l.Commit(delta)
	case delta.IsNegative():
		l.Release(delta.Neg())
	}
	return nil
}

// SetAllocated changes the allocation; it may not drop below what is already committed.
func (l *Ledger) SetAllocated(v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("allocation must not be negative, got %s", v)
	}
	if l.Enforced() && v.LessThan(l.Committed) {
		return fmt.Errorf("%w: allocation %s below committed %s", ErrInsufficient, v, l.Committed)
	}
	l.Allocated = v
	return nil
}

// Status renders the ledger for the prompt's budget fragment.
func (l *Ledger) Status() string {
	if !l.Enforced() {
		return fmt.Sprintf("Budget: not tracked (committed to children: %s)", l.Committed.StringFixed(2))
	}
	return fmt.Sprintf("Budget (%s): allocated %s, committed to children %s, available %s",
		l.Mode, l.Allocated.StringFixed(2), l.Committed.StringFixed(2), l.Available().StringFixed(2))
}
