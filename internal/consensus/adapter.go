package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aegischain/aegis/internal/crypto"
	"github.com/aegischain/aegis/internal/mempool"
	"github.com/aegischain/aegis/internal/merkle"
	"github.com/aegischain/aegis/internal/status"
	"github.com/aegischain/aegis/internal/types"
)

// BlockHeaderField errors name exactly which part of check_block rejected a
// proposal, so the engine and tests can discriminate reasons instead of
// matching error strings.
var (
	ErrWrongChainID              = errors.New("consensus: block chain id does not match local chain")
	ErrWrongHeight               = errors.New("consensus: block height is not status.latest_committed_height + 1")
	ErrWrongPrevHash             = errors.New("consensus: block prev hash does not match the local chain head")
	ErrNonMonotoneTimestamp      = errors.New("consensus: block timestamp is not strictly greater than the previous block's")
	ErrExecHeightOutOfBounds     = errors.New("consensus: block exec height is out of the valid range")
	ErrValidatorSetMismatch      = errors.New("consensus: block validators do not match the expected set")
	ErrPreviousProofInvalid      = errors.New("consensus: block's embedded proof of the previous block does not verify")
	ErrOrderRootMismatch         = errors.New("consensus: recomputed order root does not match the header")
	ErrOrderSignedTxHashMismatch = errors.New("consensus: recomputed order-signed-transactions hash does not match the header")
)

// Mempool is the narrow seam the adapter needs from component B.
type Mempool interface {
	Package(currentHeight uint64) mempool.MixedTxHashes
	Flush(currentHeight uint64, hashes []types.Hash)
	EnsureOrderTxs(ctx context.Context, hashes []types.Hash) error
	GetFullTxs(hashes []types.Hash) ([]types.SignedTransaction, error)
}

// Status is the narrow seam the adapter needs from component A.
type Status interface {
	Snapshot() status.Status
	UpdateByExecuted(info status.ExecutedInfo) error
	UpdateByCommitted(meta status.Metadata, block types.Block, blockHash types.Hash, proof types.Proof, pending status.PendingExecution) error
}

// Storage is the narrow seam the adapter needs for persistence.
type Storage interface {
	PutBlock(block types.Block) error
	PutProof(proof types.Proof) error
	PutReceipts(height uint64, receipts []types.Receipt) error
	PutSignedTransactions(txs []types.SignedTransaction) error
	GetBlockByHeight(height uint64) (types.Block, error)
	GetSignedTransaction(hash types.Hash) (types.SignedTransaction, error)
}

// ExecutionResult is what the executor returns for one applied block.
type ExecutionResult struct {
	StateRoot   types.Hash
	ReceiptRoot types.Hash
	ConfirmRoot types.Hash
	Receipts    []types.Receipt
	CyclesUsed  uint64
}

// Executor is the narrow seam the adapter needs from the (out-of-scope)
// execution layer.
type Executor interface {
	Execute(block types.Block, txs []types.SignedTransaction) (ExecutionResult, error)
}

// MetadataService is the narrow seam the adapter needs from component's
// metadata dependency: a read-only lookup of cadence/limit parameters
// effective as of a given state root.
type MetadataService interface {
	GetMetadata(stateRoot types.Hash, height, timestamp uint64, proposer types.Address) (status.Metadata, error)
}

// TrustFeedbackKind classifies the peer-reputation signal reported after a
// rejected block or transaction.
type TrustFeedbackKind int

const (
	TrustGood TrustFeedbackKind = iota
	TrustBad
	TrustWorse
)

// TrustFeedback is the single enum the adapter reports to the network layer
// (SPEC_FULL §4.G): Good, Bad, or Worse with a reason.
type TrustFeedback struct {
	Kind   TrustFeedbackKind
	Reason string
}

// Priority mirrors the two gossip priorities Network Dispatch understands.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Network is the narrow seam the adapter needs from component G.
type Network interface {
	BroadcastProposal(ctx context.Context, p Proposal, priority Priority) error
	BroadcastVote(ctx context.Context, v Vote, priority Priority) error
	BroadcastQC(ctx context.Context, qc QC, priority Priority) error
	BroadcastChoke(ctx context.Context, c Choke, priority Priority) error
	TagConsensus(peers []types.Address) error
	Report(peer types.Address, feedback TrustFeedback) error
}

// Adapter bridges the abstract BFT engine to mempool, storage, network,
// and executor, exposing exactly the capabilities table of SPEC_FULL §4.D.
type Adapter struct {
	chainID  types.Hash
	mempool  Mempool
	status   Status
	storage  Storage
	executor Executor
	metadata MetadataService
	network  Network
	bls      *crypto.BLSSuite

	commitMu sync.Mutex
}

// NewAdapter constructs an Adapter. network and executor may be nil in unit
// tests that only exercise check_block/check_txs/verify_proof.
func NewAdapter(chainID types.Hash, mp Mempool, st Status, store Storage, executor Executor, meta MetadataService, network Network) *Adapter {
	return &Adapter{
		chainID:  chainID,
		mempool:  mp,
		status:   st,
		storage:  store,
		executor: executor,
		metadata: meta,
		network:  network,
		bls:      crypto.NewBLSSuite(),
	}
}

// GetTxsFromMempool packages the current incumbent queue into order/propose
// hash partitions at height. The txNumLimit argument is not used: each
// partition is bounded by the mempool's own configured TxNumLimit.
func (a *Adapter) GetTxsFromMempool(height, txNumLimit uint64) mempool.MixedTxHashes {
	_ = txNumLimit // txNumLimit already lives in the mempool's own Config; kept as a parameter to match the capability's documented signature.
	return a.mempool.Package(height)
}

// CheckBlock verifies header consistency against local Status: chain id,
// height continuity, prev hash, monotone timestamp, exec height bounds,
// expected validator set, and the embedded proof of the previous block.
func (a *Adapter) CheckBlock(block types.Block, prevValidators types.ValidatorSet, expectedValidators types.ValidatorSet) error {
	s := a.status.Snapshot()
	h := block.Header

	if h.ChainID != a.chainID {
		return ErrWrongChainID
	}
	if h.Height != s.LatestCommittedHeight+1 {
		return fmt.Errorf("%w: want %d, got %d", ErrWrongHeight, s.LatestCommittedHeight+1, h.Height)
	}
	if h.PrevHash != s.CurrentHash {
		return ErrWrongPrevHash
	}
	if h.Height > 1 {
		prevBlock, err := a.storage.GetBlockByHeight(h.Height - 1)
		if err != nil {
			return fmt.Errorf("consensus: loading previous block to check timestamp: %w", err)
		}
		if h.Timestamp <= prevBlock.Header.Timestamp {
			return ErrNonMonotoneTimestamp
		}
	}
	if h.ExecHeight > h.Height || h.ExecHeight < s.ExecHeight {
		return ErrExecHeightOutOfBounds
	}
	if !sameValidatorSet(h.Validators, expectedValidators) {
		return ErrValidatorSetMismatch
	}
	if h.Height > 1 {
		if err := VerifyProof(a.bls, prevValidators, h.Proof); err != nil {
			return fmt.Errorf("%w: %v", ErrPreviousProofInvalid, err)
		}
	}
	return nil
}

func sameValidatorSet(a, b types.ValidatorSet) bool {
	if len(a.Validators) != len(b.Validators) {
		return false
	}
	for i := range a.Validators {
		if a.Validators[i].Address != b.Validators[i].Address || a.Validators[i].VoteWeight != b.Validators[i].VoteWeight || a.Validators[i].ProposeWeight != b.Validators[i].ProposeWeight {
			return false
		}
	}
	return true
}

// CheckTxs ensures the mempool holds every hash the block references
// (pulling from peers otherwise), then recomputes the order merkle root and
// order-signed-transactions hash and compares them to the header.
func (a *Adapter) CheckTxs(ctx context.Context, block types.Block, hashes mempool.MixedTxHashes) error {
	all := append(append([]types.Hash{}, hashes.OrderTxHashes...), hashes.ProposeTxHashes...)
	if err := a.mempool.EnsureOrderTxs(ctx, all); err != nil {
		return fmt.Errorf("consensus: ensuring mempool holds referenced transactions: %w", err)
	}

	orderRoot, err := merkle.Root(block.TxHashes)
	if err != nil {
		return fmt.Errorf("consensus: computing order root: %w", err)
	}
	if orderRoot != block.Header.OrderRoot {
		return ErrOrderRootMismatch
	}

	txs, err := a.mempool.GetFullTxs(block.TxHashes)
	if err != nil {
		return fmt.Errorf("consensus: fetching full transactions to verify order hash: %w", err)
	}
	if types.OrderSignedTransactionsHash(txs) != block.Header.OrderSignedTransactionsHash {
		return ErrOrderSignedTxHashMismatch
	}
	return nil
}

// Commit persists the committed block, its transactions and receipts, and
// the new proof; updates Status; and flushes the mempool by the committed
// hashes. It does not report peer trust feedback; that is sent only through
// Report. Everything happens under the
// adapter's single commit mutex, matching the global commit mutex of
// SPEC_FULL §5.
func (a *Adapter) Commit(block types.Block, blockHash types.Hash, txs []types.SignedTransaction, result ExecutionResult, proof types.Proof, meta status.Metadata) error {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()

	if err := a.storage.PutBlock(block); err != nil {
		return fmt.Errorf("consensus: persisting block: %w", err)
	}
	if err := a.storage.PutSignedTransactions(txs); err != nil {
		return fmt.Errorf("consensus: persisting transactions: %w", err)
	}
	if err := a.storage.PutReceipts(block.Header.Height, result.Receipts); err != nil {
		return fmt.Errorf("consensus: persisting receipts: %w", err)
	}
	if err := a.storage.PutProof(proof); err != nil {
		return fmt.Errorf("consensus: persisting proof: %w", err)
	}
	pending := status.PendingExecution{
		ConfirmRoot: result.ConfirmRoot,
		StateRoot:   result.StateRoot,
		ReceiptRoot: result.ReceiptRoot,
		CyclesUsed:  result.CyclesUsed,
	}
	if err := a.status.UpdateByCommitted(meta, block, blockHash, proof, pending); err != nil {
		return fmt.Errorf("consensus: updating status: %w", err)
	}
	a.mempool.Flush(block.Header.Height, block.TxHashes)
	return nil
}

// GetMetadata is a read-only service call returning cadence/limit
// parameters effective as of stateRoot.
func (a *Adapter) GetMetadata(stateRoot types.Hash, height, timestamp uint64, proposer types.Address) (status.Metadata, error) {
	return a.metadata.GetMetadata(stateRoot, height, timestamp, proposer)
}

// GetBlockByHeight exposes the storage lookup CheckBlock already uses
// internally, for callers (the Synchronizer) that need the previous header
// to verify its embedded proof.
func (a *Adapter) GetBlockByHeight(height uint64) (types.Block, error) {
	return a.storage.GetBlockByHeight(height)
}

// UpdateExecuted records a height's execution outcome in Status without
// committing it, for the Synchronizer's post-crash re-execution pass.
func (a *Adapter) UpdateExecuted(info status.ExecutedInfo) error {
	return a.status.UpdateByExecuted(info)
}

// GetSignedTransactionsByHashes resolves already-persisted transactions by
// hash, in the order requested, for re-executing a locally stored block
// (the Synchronizer's post-crash initialization pass never needs to reach
// out to a remote peer: the data is already on disk from before the crash).
func (a *Adapter) GetSignedTransactionsByHashes(hashes []types.Hash) ([]types.SignedTransaction, error) {
	out := make([]types.SignedTransaction, 0, len(hashes))
	for _, h := range hashes {
		tx, err := a.storage.GetSignedTransaction(h)
		if err != nil {
			return nil, fmt.Errorf("consensus: loading persisted transaction %x: %w", h, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

// VerifyProof checks a quorum certificate against validators (the set
// active at the height the proof certifies).
func (a *Adapter) VerifyProof(validators types.ValidatorSet, proof types.Proof) error {
	return VerifyProof(a.bls, validators, proof)
}

// TagConsensus informs the network layer that peers are validators.
func (a *Adapter) TagConsensus(peers []types.Address) error {
	if a.network == nil {
		return nil
	}
	return a.network.TagConsensus(peers)
}

func (a *Adapter) BroadcastProposal(ctx context.Context, p Proposal) error {
	if a.network == nil {
		return nil
	}
	return a.network.BroadcastProposal(ctx, p, PriorityHigh)
}

func (a *Adapter) BroadcastVote(ctx context.Context, v Vote) error {
	if a.network == nil {
		return nil
	}
	return a.network.BroadcastVote(ctx, v, PriorityHigh)
}

func (a *Adapter) BroadcastQC(ctx context.Context, qc QC) error {
	if a.network == nil {
		return nil
	}
	return a.network.BroadcastQC(ctx, qc, PriorityHigh)
}

func (a *Adapter) BroadcastChoke(ctx context.Context, c Choke) error {
	if a.network == nil {
		return nil
	}
	return a.network.BroadcastChoke(ctx, c, PriorityHigh)
}

// Report forwards peer trust feedback to the network layer.
func (a *Adapter) Report(peer types.Address, feedback TrustFeedback) error {
	if a.network == nil {
		return nil
	}
	return a.network.Report(peer, feedback)
}

// Execute runs the block through the executor, producing the results
// Commit persists and hands to Status.UpdateByCommitted as a
// PendingExecution.
func (a *Adapter) Execute(block types.Block, txs []types.SignedTransaction) (ExecutionResult, error) {
	return a.executor.Execute(block, txs)
}
