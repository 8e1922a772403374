// Package metadata implements the narrow read-only service the Consensus
// Adapter and Synchronizer consult for cadence/limit parameters effective at
// a given height (SPEC_FULL §1, §4.D, §4.F). The business rules governing
// how those parameters actually change are out of scope; this package
// supplies a height-indexed table of metadata snapshots, keyed the way the
// reference project's validator manager keys its own in-memory bookkeeping,
// so hot-reload across height boundaries has a real implementation to
// exercise rather than a stub that always returns one fixed value.
package metadata

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aegischain/aegis/internal/status"
	"github.com/aegischain/aegis/internal/types"
)

// ErrNoMetadata reports that no snapshot has been registered for any height
// at or before the one queried.
var ErrNoMetadata = errors.New("metadata: no snapshot registered at or before requested height")

// Service is an in-memory, height-indexed table of metadata snapshots. A
// snapshot registered EffectiveFrom height H applies to every height >= H
// until a later snapshot supersedes it, giving hot-reload across height
// boundaries the same shape as the reference manager's validator bookkeeping
// (insert now, look up the most recent entry not after the query).
type Service struct {
	mu        sync.RWMutex
	snapshots []snapshot
}

type snapshot struct {
	effectiveFrom uint64
	metadata      status.Metadata
}

// New constructs a Service seeded with the genesis metadata effective from
// height 0.
func New(genesis status.Metadata) *Service {
	return &Service{snapshots: []snapshot{{effectiveFrom: 0, metadata: genesis}}}
}

// RegisterSnapshot installs a new metadata snapshot taking effect from
// effectiveFrom onward. Snapshots must be registered in non-decreasing
// effectiveFrom order; a violation indicates the caller is replaying height
// history out of order, which is a programmer error, not a runtime one.
func (s *Service) RegisterSnapshot(effectiveFrom uint64, meta status.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.snapshots); n > 0 && effectiveFrom < s.snapshots[n-1].effectiveFrom {
		return fmt.Errorf("metadata: snapshot at height %d registered after height %d", effectiveFrom, s.snapshots[n-1].effectiveFrom)
	}
	s.snapshots = append(s.snapshots, snapshot{effectiveFrom: effectiveFrom, metadata: meta})
	return nil
}

// GetMetadata implements consensus.MetadataService: a read-only lookup of
// the cadence/limit parameters effective at height, ignoring stateRoot,
// timestamp and proposer (this implementation's snapshots are keyed purely
// by height; a real metadata-governance contract would additionally
// validate the caller against stateRoot/proposer, which is out of scope
// here).
func (s *Service) GetMetadata(_ types.Hash, height, _ uint64, _ types.Address) (status.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := sort.Search(len(s.snapshots), func(i int) bool {
		return s.snapshots[i].effectiveFrom > height
	})
	if idx == 0 {
		return status.Metadata{}, fmt.Errorf("%w: height %d", ErrNoMetadata, height)
	}
	return s.snapshots[idx-1].metadata, nil
}
