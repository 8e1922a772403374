// Package consensus implements the Consensus Adapter (SPEC_FULL §4.D) and
// the Propose/Prevote/Precommit/Commit/Brake BFT state machine (§4.E).
package consensus

import "github.com/aegischain/aegis/internal/types"

// Step names a phase of a single round. Commit has no round component: once
// a height reaches Commit it is done, and the engine moves to Propose(H+1,0).
type Step int

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
	StepCommit
	StepBrake
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	case StepCommit:
		return "commit"
	case StepBrake:
		return "brake"
	default:
		return "unknown"
	}
}

// Proposal is the block a proposer broadcasts for (Height, Round).
type Proposal struct {
	Height   uint64
	Round    uint64
	Proposer types.Address
	Block    types.Block
	Txs      []types.SignedTransaction
	// PolcRound/PolcHash carry forward a prior round's lock so replicas can
	// tell a re-proposal from a genuinely new value (SPEC_FULL §4.E PoLC).
	HasPolc   bool
	PolcRound uint64
	PolcHash  types.Hash
	Signature []byte
	Pubkey    []byte
}

// Vote is a single validator's prevote or precommit for (Height, Round).
// BlockHash is the zero hash for a nil vote (check failed or timed out).
type Vote struct {
	Height    uint64
	Round     uint64
	VoteType  types.VoteType
	BlockHash types.Hash
	Voter     types.Address
	Signature []byte
}

// QC is a quorum certificate: an aggregated supermajority of votes for one
// (Height, Round, BlockHash). It has the same shape as types.Proof once
// finalized; QC is the in-flight accumulation form before that.
type QC struct {
	Height    uint64
	Round     uint64
	VoteType  types.VoteType
	BlockHash types.Hash
	Bitmap    types.Bitmap
	Signature []byte
}

// ToProof converts a precommit QC into the Proof embedded in the next
// header.
func (qc QC) ToProof() types.Proof {
	return types.Proof{Height: qc.Height, Round: qc.Round, BlockHash: qc.BlockHash, Bitmap: qc.Bitmap, Signature: qc.Signature}
}

// Choke is a liveness vote: "round (Height, Round) produced no QC before
// its timeout." It does not count toward a precommit QC.
type Choke struct {
	Height uint64
	Round  uint64
	Voter  types.Address
}
