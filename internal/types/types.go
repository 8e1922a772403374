// Package types holds the shared data model for the node: blocks, headers,
// proofs, signed transactions, receipts, and validators. Every other package
// operates on these concrete types rather than inventing its own.
package types

import (
	"bytes"
	"errors"
	"fmt"
)

// Hash is a fixed-length digest produced by the canonical hasher (blake3).
type Hash [32]byte

// Address is a validator or account address derived from a public key.
type Address [20]byte

func (a Address) Bytes() []byte { return a[:] }

func (a Address) String() string {
	return fmt.Sprintf("%x", a[:])
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

var ErrWrongLength = errors.New("types: value has the wrong byte length")

// BytesToHash copies b into a Hash, erroring if the length does not match.
func BytesToHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("%w: hash wants %d bytes, got %d", ErrWrongLength, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// BytesToAddress copies b into an Address, erroring if the length does not match.
func BytesToAddress(b []byte) (Address, error) {
	var a Address
	if len(b) != len(a) {
		return a, fmt.Errorf("%w: address wants %d bytes, got %d", ErrWrongLength, len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Validator is a single member of a consensus validator set.
type Validator struct {
	Address      Address
	ProposeWeight uint32
	VoteWeight    uint32
	BLSPublicKey  []byte // compressed G2 point, extended form used for proof verification
}

// ValidatorSet is the canonically-sorted list of validators active at a height.
// Canonical order is ascending Address, matching the bitmap semantics in
// SPEC_FULL §6 (bit i corresponds to ValidatorSet[i]).
type ValidatorSet struct {
	Validators []Validator
}

// Sorted returns a copy of vs with validators ordered canonically by address.
func (vs ValidatorSet) Sorted() ValidatorSet {
	out := make([]Validator, len(vs.Validators))
	copy(out, vs.Validators)
	// Insertion sort is fine: validator sets are small (tens, not thousands).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && bytes.Compare(out[j].Address[:], out[j-1].Address[:]) < 0; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return ValidatorSet{Validators: out}
}

// TotalVoteWeight sums VoteWeight across all validators.
func (vs ValidatorSet) TotalVoteWeight() uint64 {
	var total uint64
	for _, v := range vs.Validators {
		total += uint64(v.VoteWeight)
	}
	return total
}

// IndexOf returns the position of addr within vs, or -1 if absent. The set
// must already be in canonical order for the index to mean anything to a
// Bitmap.
func (vs ValidatorSet) IndexOf(addr Address) int {
	for i, v := range vs.Validators {
		if v.Address == addr {
			return i
		}
	}
	return -1
}

// CyclesUsed records the cycles consumed for a single height of execution.
type CyclesUsed struct {
	Height uint64
	Cycles uint64
}

// Header is the block header. Field order here is also the canonical codec
// order (see codec.go).
type Header struct {
	ChainID                   Hash
	Height                    uint64
	ExecHeight                uint64
	PrevHash                  Hash
	Timestamp                 uint64 // unix millis, strictly greater than previous
	OrderRoot                 Hash
	OrderSignedTransactionsHash Hash
	ConfirmRoots              []Hash
	StateRoots                []Hash
	ReceiptRoots              []Hash
	CyclesUsed                []CyclesUsed
	ProposerAddress           Address
	Proof                     Proof // embedded proof for Height-1
	ValidatorVersion          uint64
	Validators                ValidatorSet
}

// Proof is a quorum certificate: it certifies that a supermajority of vote
// weight signed off on a block hash at (height, round).
type Proof struct {
	Height       uint64
	Round        uint64
	BlockHash    Hash
	Bitmap       Bitmap
	Signature    []byte // aggregated BLS signature over the precommit vote digest
}

// RawTransaction is the unsigned transaction intent.
type RawTransaction struct {
	ChainID      Hash
	Nonce        Hash
	TimeoutHeight uint64
	CyclesPrice  uint64
	CyclesLimit  uint64
	Service      string
	Method       string
	Payload      []byte
}

// SignedTransaction couples a RawTransaction with its sender's signature.
type SignedTransaction struct {
	Raw       RawTransaction
	TxHash    Hash
	Pubkey    []byte
	Signature []byte
}

// Block is a header plus the ordered list of tx hashes it references. The
// full signed transactions live in the mempool / Tx WAL / storage, keyed by
// these hashes — the block itself only commits to their order and identity.
type Block struct {
	Header   Header
	TxHashes []Hash
}

func (b Block) Hash() Hash {
	return HashHeader(b.Header)
}

// RichBlock is a Block paired with the full signed transactions it
// references, as pulled and verified during synchronization (SPEC_FULL §3.1).
type RichBlock struct {
	Block   Block
	SignedTxs []SignedTransaction
}

// Log is a single execution-emitted event, used by the out-of-scope RPC
// front-end's filter semantics (SPEC_FULL §6).
type Log struct {
	Address Address
	Topics  []Hash
	Data    []byte
}

// Receipt records the outcome of executing one transaction (SPEC_FULL §3.1).
type Receipt struct {
	TxHash       Hash
	Height       uint64
	CyclesUsed   uint64
	StateRoot    Hash
	Logs         []Log
	LogsBloom    [256]byte
	IsError      bool
	Ret          []byte
}

// NodeInfo supplements the bare chain-id scalar with the struct the CLI's
// init/genesis subcommands need (SPEC_FULL §3.1).
type NodeInfo struct {
	ChainID         Hash
	GenesisTimestamp uint64
	NetworkName     string
}

// WALRecord is a durable snapshot of the BFT engine's current round state,
// distinct from the per-height Tx WAL (SPEC_FULL §3.1).
type WALRecord struct {
	Height          uint64
	Round           uint64
	Step            string
	LockedProposal  *Block
	LockedRound     uint64
	HasLock         bool
}
