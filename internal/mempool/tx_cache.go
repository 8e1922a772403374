// Package mempool implements the node's pending-transaction pool: admission,
// dedup, packaging for proposal, flush on commit, and propose-sync gossip
// (SPEC_FULL §4.B). The ring-buffer/stage-FSM core is ported from
// original_source/core/mempool/src/tx_cache.rs, the one part of the spec
// with no Go precedent anywhere in the example pack.
package mempool

import (
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/types"
)

// queueRole names which of the two ring queues currently serves inserts and
// packaging (incumbent) versus which receives survivors during a package
// pass (candidate).
type queueRole struct {
	incumbent *ringQueue
	candidate *ringQueue
}

// txCache is the core structure for caching new transactions and feeding
// them in batch to consensus. Two ring queues let packaging run concurrently
// with insertion: while queue A serves packaging, new inserts go to queue A
// too until it drains, then incumbency flips to queue B and survivors from
// the just-drained pass move across.
type txCache struct {
	queue0 *ringQueue
	queue1 *ringQueue
	m      *txMap

	// isZero selects which queue is incumbent: true -> queue0, false -> queue1.
	isZero atomic.Bool

	// concurrentCount gates queue-role switching: non-zero means an insert
	// is mid-flight against the current incumbent, so a role switch must
	// wait for it to reach zero before draining omitted arrivals. This is
	// the correctness-critical piece — without it a racing insert can land
	// in the queue that package() just stopped draining and be silently
	// lost.
	concurrentCount atomic.Int64

	log *zap.SugaredLogger
}

func newTxCache(poolSize int, logger *zap.SugaredLogger) *txCache {
	capacity := poolSize * 2
	c := &txCache{
		queue0: newRingQueue(capacity),
		queue1: newRingQueue(capacity),
		m:      newTxMap(capacity),
		log:    logger,
	}
	c.isZero.Store(true)
	return c
}

func (c *txCache) len() int {
	return c.m.len()
}

func (c *txCache) queueLen() int {
	if c.isZero.Load() {
		return c.queue0.len()
	}
	return c.queue1.len()
}

func (c *txCache) contains(hash types.Hash) bool {
	return c.m.contains(hash)
}

func (c *txCache) get(hash types.Hash) (types.SignedTransaction, bool) {
	w, ok := c.m.get(hash)
	if !ok {
		return types.SignedTransaction{}, false
	}
	return w.tx, true
}

func (c *txCache) showUnknown(hashes []types.Hash) []types.Hash {
	var unknown []types.Hash
	for _, h := range hashes {
		if !c.contains(h) {
			unknown = append(unknown, h)
		}
	}
	return unknown
}

func (c *txCache) insertNewTx(tx types.SignedTransaction) error {
	return c.insert(tx.TxHash, newTxWrapper(tx))
}

func (c *txCache) insertProposeTx(tx types.SignedTransaction) error {
	return c.insert(tx.TxHash, newProposeTxWrapper(tx))
}

func (c *txCache) insert(hash types.Hash, w *txWrapper) error {
	if _, inserted := c.m.insert(hash, w); !inserted {
		return ErrDup
	}

	c.concurrentCount.Add(1)
	ok := c.getQueueRole().incumbent.push(w)
	c.concurrentCount.Add(-1)

	if !ok {
		c.m.remove(hash)
		return ErrQueueFull
	}
	return nil
}

// flush marks hashes removed, drops them from the map, then sweeps the
// incumbent queue so removed/timed-out entries do not linger in the
// packaging path. Marking and map removal are kept as two passes over the
// hash list (rather than one) to avoid holding the map lock across the
// queue sweep.
func (c *txCache) flush(hashes []types.Hash, currentHeight, deadline uint64) {
	for _, h := range hashes {
		if w, ok := c.m.get(h); ok {
			w.setRemoved()
		}
	}
	c.m.removeBatch(hashes)
	c.flushIncumbentQueue(currentHeight, deadline)
}

func (c *txCache) flushIncumbentQueue(currentHeight, deadline uint64) {
	role := c.getQueueRole()
	var timedOut []types.Hash

	for {
		w, ok := role.incumbent.pop()
		if !ok {
			newRole := c.switchQueueRole()
			c.processOmittedTxs(newRole)
			break
		}
		if w.isRemoved() {
			continue
		}
		if w.isTimeout(currentHeight, deadline) {
			timedOut = append(timedOut, w.tx.TxHash)
			continue
		}
		if !role.candidate.push(w) {
			c.log.Errorw("candidate queue full during flush, dropping transaction", "tx_hash", w.tx.TxHash)
			c.m.remove(w.tx.TxHash)
		}
	}
	c.m.removeBatch(timedOut)
}

// packageTxs drains the incumbent queue, filtering removed/timed-out
// entries, moving survivors into the candidate queue, and classifying each
// survivor's hash into the order/propose partitions via the stage FSM
// (SPEC_FULL §4.B). tx_num_limit caps each partition independently: once
// txCount exceeds it the stage advances.
func (c *txCache) packageTxs(txNumLimit, currentHeight, deadline uint64) MixedTxHashes {
	role := c.getQueueRole()

	var orderHashes, proposeHashes, timedOut []types.Hash
	var txCount uint64
	st := stageOrderTxs

	for {
		w, ok := role.incumbent.pop()
		if !ok {
			newRole := c.switchQueueRole()
			c.processOmittedTxs(newRole)
			break
		}

		if w.isRemoved() {
			continue
		}
		if w.isTimeout(currentHeight, deadline) {
			timedOut = append(timedOut, w.tx.TxHash)
			continue
		}

		if !role.candidate.push(w) {
			c.log.Errorw("candidate queue full during package, dropping transaction", "tx_hash", w.tx.TxHash)
			c.m.remove(w.tx.TxHash)
		}

		if st == stageFinished || (st == stageProposeTxs && w.isProposed()) {
			continue
		}

		txCount++
		if txCount > txNumLimit {
			st = st.next()
			txCount = 1
		}

		switch st {
		case stageOrderTxs:
			orderHashes = append(orderHashes, w.tx.TxHash)
		case stageProposeTxs:
			proposeHashes = append(proposeHashes, w.tx.TxHash)
		}
	}

	c.m.removeBatch(timedOut)
	return MixedTxHashes{OrderTxHashes: orderHashes, ProposeTxHashes: proposeHashes}
}

// processOmittedTxs waits for any in-flight insert against the old
// incumbent to complete, then drains the candidate queue (the queue that
// was incumbent a moment ago) back into the new incumbent, recovering any
// transaction that landed there during the race window between the last
// failed pop and the role flip.
func (c *txCache) processOmittedTxs(role queueRole) {
	for {
		if c.concurrentCount.Load() == 0 {
			for {
				w, ok := role.candidate.pop()
				if !ok {
					break
				}
				if !role.incumbent.push(w) {
					c.log.Errorw("incumbent queue full while recovering omitted transaction", "tx_hash", w.tx.TxHash)
					c.m.remove(w.tx.TxHash)
				}
			}
			return
		}
		runtime.Gosched()
	}
}

func (c *txCache) switchQueueRole() queueRole {
	for {
		old := c.isZero.Load()
		if c.isZero.CompareAndSwap(old, !old) {
			break
		}
	}
	return c.getQueueRole()
}

func (c *txCache) getQueueRole() queueRole {
	if c.isZero.Load() {
		return queueRole{incumbent: c.queue0, candidate: c.queue1}
	}
	return queueRole{incumbent: c.queue1, candidate: c.queue0}
}
