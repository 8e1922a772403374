package mempool

import (
	"sync/atomic"

	"github.com/aegischain/aegis/internal/types"
)

// txWrapper wraps a SignedTransaction with the two marks the ring-buffer
// queues need while packaging and flushing (SPEC_FULL §3 Mempool entry):
// removed (logically evicted, skip on pop) and proposed (arrived via
// propose-sync, skipped while filling the propose-tx-hashes partition).
// Ported from original_source/core/mempool/src/tx_cache.rs's TxWrapper.
type txWrapper struct {
	tx       types.SignedTransaction
	removed  atomic.Bool
	proposed atomic.Bool
}

func newTxWrapper(tx types.SignedTransaction) *txWrapper {
	return &txWrapper{tx: tx}
}

func newProposeTxWrapper(tx types.SignedTransaction) *txWrapper {
	w := &txWrapper{tx: tx}
	w.proposed.Store(true)
	return w
}

func (w *txWrapper) setRemoved() {
	w.removed.Store(true)
}

func (w *txWrapper) isRemoved() bool {
	return w.removed.Load()
}

func (w *txWrapper) isProposed() bool {
	return w.proposed.Load()
}

// isTimeout matches the half-open interval decision recorded in DESIGN.md:
// timeout <= currentHeight is already expired; timeout > deadline is too far
// in the future. deadline is currentHeight+gap, passed in by the caller.
func (w *txWrapper) isTimeout(currentHeight, deadline uint64) bool {
	t := w.tx.Raw.TimeoutHeight
	return t <= currentHeight || t > deadline
}

// stage is the package-loop FSM: which partition of MixedTxHashes an
// accepted transaction hash currently falls into.
type stage int

const (
	stageOrderTxs stage = iota
	stageProposeTxs
	stageFinished
)

func (s stage) next() stage {
	switch s {
	case stageOrderTxs:
		return stageProposeTxs
	case stageProposeTxs:
		return stageFinished
	default:
		panic("mempool: no next stage after finished")
	}
}

// MixedTxHashes is the result of Package: an ordered partition of
// transaction hashes a proposer should include (SPEC_FULL §4.B).
type MixedTxHashes struct {
	OrderTxHashes   []types.Hash
	ProposeTxHashes []types.Hash
}
