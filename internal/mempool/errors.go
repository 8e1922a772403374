package mempool

import "errors"

// Admission errors returned by Insert (SPEC_FULL §4.B public contract).
// Each is final: the caller does not retry internally.
var (
	ErrDup                = errors.New("mempool: duplicate transaction")
	ErrReachLimit         = errors.New("mempool: pool has reached its size limit")
	ErrInvalidTimeout     = errors.New("mempool: transaction timeout too far in the future")
	ErrTimeout            = errors.New("mempool: transaction already expired")
	ErrExceedCyclesLimit  = errors.New("mempool: transaction cycles limit exceeds pool maximum")
	ErrExceedSizeLimit    = errors.New("mempool: transaction size exceeds pool maximum")
	ErrWrongChain         = errors.New("mempool: transaction chain id does not match local chain")
	ErrCheckHash          = errors.New("mempool: transaction hash does not match raw content")
	ErrCheckAuthorization = errors.New("mempool: transaction signature does not verify")
	ErrCommittedTx        = errors.New("mempool: transaction already committed on chain")

	ErrMissingTxs = errors.New("mempool: one or more requested transactions are still missing after sync")
	ErrQueueFull  = errors.New("mempool: internal ring buffer is full")
)
