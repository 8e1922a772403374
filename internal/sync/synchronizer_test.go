package sync

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/consensus"
	"github.com/aegischain/aegis/internal/crypto"
	"github.com/aegischain/aegis/internal/mempool"
	"github.com/aegischain/aegis/internal/status"
	"github.com/aegischain/aegis/internal/types"
)

type fakeMempool struct{ flushed []types.Hash }

func (m *fakeMempool) Package(uint64) mempool.MixedTxHashes                          { return mempool.MixedTxHashes{} }
func (m *fakeMempool) Flush(_ uint64, hashes []types.Hash)                           { m.flushed = hashes }
func (m *fakeMempool) EnsureOrderTxs(context.Context, []types.Hash) error            { return nil }
func (m *fakeMempool) GetFullTxs([]types.Hash) ([]types.SignedTransaction, error)    { return nil, nil }

type fakeStorage struct {
	blocks map[uint64]types.Block
	txs    map[types.Hash]types.SignedTransaction
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{blocks: make(map[uint64]types.Block), txs: make(map[types.Hash]types.SignedTransaction)}
}

func (s *fakeStorage) PutBlock(b types.Block) error { s.blocks[b.Header.Height] = b; return nil }
func (s *fakeStorage) PutProof(types.Proof) error   { return nil }
func (s *fakeStorage) PutReceipts(uint64, []types.Receipt) error { return nil }
func (s *fakeStorage) PutSignedTransactions(txs []types.SignedTransaction) error {
	for _, tx := range txs {
		s.txs[tx.TxHash] = tx
	}
	return nil
}
func (s *fakeStorage) GetBlockByHeight(height uint64) (types.Block, error) {
	b, ok := s.blocks[height]
	if !ok {
		return types.Block{}, errors.New("fakeStorage: block not found")
	}
	return b, nil
}
func (s *fakeStorage) GetSignedTransaction(hash types.Hash) (types.SignedTransaction, error) {
	tx, ok := s.txs[hash]
	if !ok {
		return types.SignedTransaction{}, errors.New("fakeStorage: tx not found")
	}
	return tx, nil
}

type fakeExecutor struct{}

func (e *fakeExecutor) Execute(block types.Block, _ []types.SignedTransaction) (consensus.ExecutionResult, error) {
	var root types.Hash
	root[0] = byte(block.Header.Height)
	return consensus.ExecutionResult{StateRoot: root}, nil
}

type fakeMetadata struct{ meta status.Metadata }

func (m *fakeMetadata) GetMetadata(types.Hash, uint64, uint64, types.Address) (status.Metadata, error) {
	return m.meta, nil
}

type fakeRemote struct {
	blocks map[uint64]types.RichBlock
	proofs map[uint64]types.Proof
}

func (r *fakeRemote) FetchRichBlock(_ context.Context, height uint64) (types.RichBlock, error) {
	rb, ok := r.blocks[height]
	if !ok {
		return types.RichBlock{}, errors.New("fakeRemote: no such height")
	}
	return rb, nil
}
func (r *fakeRemote) FetchProof(_ context.Context, height uint64) (types.Proof, error) {
	p, ok := r.proofs[height]
	if !ok {
		return types.Proof{}, errors.New("fakeRemote: no proof for height")
	}
	return p, nil
}
func (r *fakeRemote) BroadcastHeight(context.Context, uint64) error { return nil }

// signedValidators builds n validators with real BLS keypairs, canonically
// sorted, alongside each validator's private key in the same order.
func signedValidators(t *testing.T, suite *crypto.BLSSuite, n int) (types.ValidatorSet, []*big.Int) {
	t.Helper()
	raw := make([]types.Validator, n)
	rawPrivs := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		priv, err := crypto.GenerateBLSPrivateKey()
		if err != nil {
			t.Fatalf("generating BLS key %d: %v", i, err)
		}
		var a types.Address
		a[19] = byte(i + 1)
		raw[i] = types.Validator{Address: a, VoteWeight: 1, ProposeWeight: 1, BLSPublicKey: suite.BLSPublicKey(priv)}
		rawPrivs[i] = priv
	}
	vs := types.ValidatorSet{Validators: raw}.Sorted()
	ordered := make([]*big.Int, n)
	for i, v := range vs.Validators {
		for j := range raw {
			if raw[j].Address == v.Address {
				ordered[i] = rawPrivs[j]
			}
		}
	}
	return vs, ordered
}

func quorumProof(suite *crypto.BLSSuite, privs []*big.Int, height, round uint64, blockHash types.Hash, signerCount int) (types.Proof, error) {
	digest := types.VoteDigest(height, round, types.VoteTypePrecommit, blockHash)
	bitmap := types.NewBitmap(len(privs))
	var sigs [][]byte
	for i := 0; i < signerCount; i++ {
		sigs = append(sigs, suite.Sign(privs[i], digest))
		bitmap.Set(i)
	}
	agg, err := suite.AggregateSignatures(sigs)
	if err != nil {
		return types.Proof{}, err
	}
	return types.Proof{Height: height, Round: round, BlockHash: blockHash, Bitmap: bitmap, Signature: agg}, nil
}

// buildTwoHeightChain constructs a genesis-adjacent pair of blocks (heights
// 1 and 2) signed by a real 4-validator BLS quorum, wired so that height 2's
// header embeds a valid quorum proof of height 1, exactly as check_block
// expects.
func buildTwoHeightChain(t *testing.T) (vs types.ValidatorSet, chainID types.Hash, block1, block2 types.Block, proof1, proof2 types.Proof) {
	t.Helper()
	suite := crypto.NewBLSSuite()
	vs, privs := signedValidators(t, suite, 4)
	chainID = types.Hash{1}
	var err error

	header1 := types.Header{
		ChainID: chainID, Height: 1, ExecHeight: 0, PrevHash: types.Hash{},
		Timestamp: 1, ProposerAddress: vs.Validators[0].Address,
		ConfirmRoots: []types.Hash{{0x11}}, StateRoots: []types.Hash{{0x12}},
		ReceiptRoots: []types.Hash{{0x13}}, CyclesUsed: []types.CyclesUsed{{Height: 1, Cycles: 1}},
		Validators: vs,
	}
	header1.OrderSignedTransactionsHash = types.OrderSignedTransactionsHash(nil)
	blockHash1 := types.HashHeader(header1)

	proof1, err = quorumProof(suite, privs, 1, 0, blockHash1, 3)
	if err != nil {
		t.Fatalf("building proof1: %v", err)
	}

	header2 := types.Header{
		ChainID: chainID, Height: 2, ExecHeight: 1, PrevHash: blockHash1,
		Timestamp: 2, ProposerAddress: vs.Validators[1].Address,
		ConfirmRoots: []types.Hash{{0x21}}, StateRoots: []types.Hash{{0x22}},
		ReceiptRoots: []types.Hash{{0x23}}, CyclesUsed: []types.CyclesUsed{{Height: 2, Cycles: 1}},
		Validators: vs, Proof: proof1,
	}
	header2.OrderSignedTransactionsHash = types.OrderSignedTransactionsHash(nil)
	blockHash2 := types.HashHeader(header2)

	proof2, err = quorumProof(suite, privs, 2, 0, blockHash2, 3)
	if err != nil {
		t.Fatalf("building proof2: %v", err)
	}

	block1 = types.Block{Header: header1}
	block2 = types.Block{Header: header2}
	return vs, chainID, block1, block2, proof1, proof2
}

func buildTestSynchronizer(t *testing.T) (*Synchronizer, *status.Agent, *fakeRemote) {
	t.Helper()
	vs, chainID, block1, block2, proof1, proof2 := buildTwoHeightChain(t)

	initial := status.Status{
		LatestCommittedHeight: 0, ExecHeight: 0,
		Validators:   vs,
		ConsensusIntervalMillis: 1000, ProposeRatio: 300, PrevoteRatio: 300, PrecommitRatio: 300, BrakeRatio: 100,
	}
	agent, err := status.New(zap.NewNop().Sugar(), prometheus.NewRegistry(), initial)
	if err != nil {
		t.Fatalf("status.New() = %v", err)
	}

	meta := status.Metadata{
		ConsensusIntervalMillis: 1000, ProposeRatio: 300, PrevoteRatio: 300, PrecommitRatio: 300, BrakeRatio: 100,
		Validators: vs,
	}
	adapter := consensus.NewAdapter(chainID, &fakeMempool{}, agent, newFakeStorage(), &fakeExecutor{}, &fakeMetadata{meta: meta}, nil)

	remote := &fakeRemote{
		blocks: map[uint64]types.RichBlock{
			1: {Block: block1, SignedTxs: nil},
			2: {Block: block2, SignedTxs: nil},
		},
		proofs: map[uint64]types.Proof{1: proof1, 2: proof2},
	}

	s, err := New(adapter, agent, remote, clock.NewMock(), zap.NewNop().Sugar(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return s, agent, remote
}

func TestReceiveRemoteHeightCatchesUpAcrossMultipleHeights(t *testing.T) {
	s, agent, _ := buildTestSynchronizer(t)

	if err := s.ReceiveRemoteHeight(context.Background(), 2); err != nil {
		t.Fatalf("ReceiveRemoteHeight() = %v", err)
	}
	snap := agent.Snapshot()
	if snap.LatestCommittedHeight != 2 {
		t.Fatalf("LatestCommittedHeight = %d, want 2", snap.LatestCommittedHeight)
	}
	if snap.ExecHeight != 2 {
		t.Fatalf("ExecHeight = %d, want 2", snap.ExecHeight)
	}
}

func TestReceiveRemoteHeightRejectsAlreadyCaughtUp(t *testing.T) {
	s, _, _ := buildTestSynchronizer(t)
	err := s.ReceiveRemoteHeight(context.Background(), 0)
	if !errors.Is(err, ErrAlreadyCaughtUp) {
		t.Fatalf("ReceiveRemoteHeight(0) = %v, want ErrAlreadyCaughtUp", err)
	}
}

func TestReceiveRemoteHeightRejectsTamperedProof(t *testing.T) {
	s, _, remote := buildTestSynchronizer(t)
	bad := remote.proofs[1]
	bad.BlockHash[0] ^= 0xFF
	remote.proofs[1] = bad

	if err := s.ReceiveRemoteHeight(context.Background(), 2); err == nil {
		t.Fatalf("ReceiveRemoteHeight() = nil, want an error when the fetched proof no longer certifies the fetched block")
	}
}

func TestInitAfterCrashReexecutesWithoutCommitting(t *testing.T) {
	// A restart that lost exec_height bookkeeping but not the already
	// persisted block: init must re-execute height 1 locally, without
	// reaching out to any remote peer, and bring exec_height back in sync
	// with latest_committed_height.
	vs, _, block1, _, _, _ := buildTwoHeightChain(t)
	st := newFakeStorage()
	st.blocks[1] = block1

	initial := status.Status{
		LatestCommittedHeight: 1, ExecHeight: 0, Validators: vs,
		ListConfirmRoot: []types.Hash{{0x11}}, ListStateRoot: []types.Hash{{0x12}},
		ListReceiptRoot: []types.Hash{{0x13}}, ListCyclesUsed: []types.CyclesUsed{{Height: 1, Cycles: 1}},
	}
	agent, err := status.New(zap.NewNop().Sugar(), prometheus.NewRegistry(), initial)
	if err != nil {
		t.Fatalf("status.New() = %v", err)
	}
	adapter := consensus.NewAdapter(types.Hash{1}, &fakeMempool{}, agent, st, &fakeExecutor{}, &fakeMetadata{}, nil)
	noRemote := &fakeRemote{blocks: map[uint64]types.RichBlock{}, proofs: map[uint64]types.Proof{}}
	s, err := New(adapter, agent, noRemote, clock.NewMock(), zap.NewNop().Sugar(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	if err := s.InitAfterCrash(context.Background()); err != nil {
		t.Fatalf("InitAfterCrash() = %v", err)
	}
	if got := agent.Snapshot().ExecHeight; got != 1 {
		t.Fatalf("ExecHeight after InitAfterCrash = %d, want 1", got)
	}
}
