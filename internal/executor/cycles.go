package executor

import (
	"errors"
	"sync/atomic"
)

// ErrOutOfCycles reports that a transaction tried to spend more cycles than
// its RawTransaction.CyclesLimit allows.
var ErrOutOfCycles = errors.New("executor: out of cycles")

// CyclesTank meters cycles consumption for one transaction's execution,
// adapted from the reference VM's gas-tank shape (cost is debited
// incrementally as work happens, and the tank refuses to go over its limit)
// but renamed to the domain's own "cycles" terminology rather than "gas".
type CyclesTank struct {
	limit    uint64
	consumed uint64
}

// NewCyclesTank constructs a tank that accepts up to limit cycles.
func NewCyclesTank(limit uint64) *CyclesTank {
	return &CyclesTank{limit: limit}
}

// Consume debits amount cycles, returning ErrOutOfCycles and leaving the
// tank pinned at its limit if that would exceed it.
func (t *CyclesTank) Consume(amount uint64) error {
	next := atomic.AddUint64(&t.consumed, amount)
	if next > t.limit {
		atomic.StoreUint64(&t.consumed, t.limit)
		return ErrOutOfCycles
	}
	return nil
}

// Consumed returns the total cycles debited so far, capped at the limit.
func (t *CyclesTank) Consumed() uint64 {
	return atomic.LoadUint64(&t.consumed)
}

// Remaining returns the cycles left before the tank is exhausted.
func (t *CyclesTank) Remaining() uint64 {
	c := atomic.LoadUint64(&t.consumed)
	if c >= t.limit {
		return 0
	}
	return t.limit - c
}
