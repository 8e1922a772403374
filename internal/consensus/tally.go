package consensus

import "github.com/aegischain/aegis/internal/types"

// roundTally accumulates one phase's votes (chokes use chokeTally) for a single
// (height, round), deduplicating by voter (first-wins, SPEC_FULL §4.E tie-
// break) and tracking per-hash signer weight so a quorum certificate can be
// built the moment weight clears two thirds.
type roundTally struct {
	validators types.ValidatorSet
	seen       map[types.Address]bool
	indices    map[types.Hash][]int
	sigs       map[types.Hash][][]byte
	weight     map[types.Hash]uint64
}

func newRoundTally(validators types.ValidatorSet) *roundTally {
	return &roundTally{
		validators: validators,
		seen:       make(map[types.Address]bool),
		indices:    make(map[types.Hash][]int),
		sigs:       make(map[types.Hash][][]byte),
		weight:     make(map[types.Hash]uint64),
	}
}

// add records v's contribution toward its block hash. Returns a built QC
// once that hash's weight clears quorum, and built=false on a duplicate voter
// or an unrecognized voter (not in the validator set at this height).
func (t *roundTally) add(v Vote) (qc QC, built bool) {
	if t.seen[v.Voter] {
		return QC{}, false
	}
	idx := t.validators.IndexOf(v.Voter)
	if idx < 0 {
		return QC{}, false
	}
	t.seen[v.Voter] = true
	t.indices[v.BlockHash] = append(t.indices[v.BlockHash], idx)
	t.sigs[v.BlockHash] = append(t.sigs[v.BlockHash], v.Signature)
	t.weight[v.BlockHash] += uint64(t.validators.Validators[idx].VoteWeight)

	if !hasQuorum(t.weight[v.BlockHash], t.validators.TotalVoteWeight()) {
		return QC{}, false
	}

	bitmap := types.NewBitmap(len(t.validators.Validators))
	for _, i := range t.indices[v.BlockHash] {
		bitmap.Set(i)
	}
	return QC{
		Height:    v.Height,
		Round:     v.Round,
		VoteType:  v.VoteType,
		BlockHash: v.BlockHash,
		Bitmap:    bitmap,
		// Signature is filled in by the caller once it has aggregated
		// t.sigs[v.BlockHash] through the BLS suite; the tally itself stays
		// crypto-agnostic.
	}, true
}

// signatures returns the raw signatures collected so far for hash, in
// arrival order, for the caller to aggregate.
func (t *roundTally) signatures(hash types.Hash) [][]byte {
	return t.sigs[hash]
}

// chokeTally is the same first-wins dedup-by-voter accounting for chokes,
// which only need a weight count (no signature aggregation: a choke QC is
// never embedded in a header).
type chokeTally struct {
	validators types.ValidatorSet
	seen       map[types.Address]bool
	weight     uint64
}

func newChokeTally(validators types.ValidatorSet) *chokeTally {
	return &chokeTally{validators: validators, seen: make(map[types.Address]bool)}
}

func (t *chokeTally) add(c Choke) (quorum bool) {
	if t.seen[c.Voter] {
		return false
	}
	idx := t.validators.IndexOf(c.Voter)
	if idx < 0 {
		return false
	}
	t.seen[c.Voter] = true
	t.weight += uint64(t.validators.Validators[idx].VoteWeight)
	return hasQuorum(t.weight, t.validators.TotalVoteWeight())
}
