package mempool

import (
	"sync"
	"sync/atomic"

	"github.com/aegischain/aegis/internal/types"
)

// txMap is the concurrent hash->entry map backing random lookup and removal
// across the whole pool, independent of which ring queue currently holds a
// given entry's insertion-order slot.
type txMap struct {
	mu      sync.RWMutex
	entries map[types.Hash]*txWrapper
	count   atomic.Int64
}

func newTxMap(capacityHint int) *txMap {
	return &txMap{entries: make(map[types.Hash]*txWrapper, capacityHint)}
}

// insert stores w under hash unless an entry already exists there, in which
// case it returns the existing entry and ok=false — the caller must not
// overwrite, mirroring the ground truth's "insert returns Some = duplicate".
func (m *txMap) insert(hash types.Hash, w *txWrapper) (*txWrapper, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[hash]; ok {
		return existing, false
	}
	m.entries[hash] = w
	m.count.Add(1)
	return w, true
}

func (m *txMap) get(hash types.Hash) (*txWrapper, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.entries[hash]
	return w, ok
}

func (m *txMap) contains(hash types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[hash]
	return ok
}

func (m *txMap) remove(hash types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[hash]; ok {
		delete(m.entries, hash)
		m.count.Add(-1)
	}
}

func (m *txMap) removeBatch(hashes []types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		if _, ok := m.entries[h]; ok {
			delete(m.entries, h)
			m.count.Add(-1)
		}
	}
}

func (m *txMap) len() int {
	return int(m.count.Load())
}
