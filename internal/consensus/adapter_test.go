package consensus

import (
	"context"
	"errors"
	"testing"

	"github.com/aegischain/aegis/internal/mempool"
	"github.com/aegischain/aegis/internal/status"
	"github.com/aegischain/aegis/internal/types"
)

// fakeMempool, fakeStatus, fakeStorage, fakeExecutor, and fakeMetadata are
// minimal stand-ins for the adapter's narrow seams, kept in this file since
// no other package needs them.

type fakeMempool struct {
	fullTxs map[types.Hash]types.SignedTransaction
	flushed []types.Hash
}

func (m *fakeMempool) Package(uint64) mempool.MixedTxHashes { return mempool.MixedTxHashes{} }
func (m *fakeMempool) Flush(_ uint64, hashes []types.Hash)  { m.flushed = hashes }
func (m *fakeMempool) EnsureOrderTxs(context.Context, []types.Hash) error { return nil }
func (m *fakeMempool) GetFullTxs(hashes []types.Hash) ([]types.SignedTransaction, error) {
	out := make([]types.SignedTransaction, 0, len(hashes))
	for _, h := range hashes {
		tx, ok := m.fullTxs[h]
		if !ok {
			return nil, errors.New("fakeMempool: unknown tx hash")
		}
		out = append(out, tx)
	}
	return out, nil
}

type fakeStatus struct {
	s status.Status
}

func (f *fakeStatus) Snapshot() status.Status { return f.s }
func (f *fakeStatus) UpdateByExecuted(status.ExecutedInfo) error { return nil }
func (f *fakeStatus) UpdateByCommitted(meta status.Metadata, block types.Block, blockHash types.Hash, proof types.Proof, pending status.PendingExecution) error {
	f.s.LatestCommittedHeight = block.Header.Height
	f.s.CurrentHash = blockHash
	f.s.CurrentProof = proof
	return nil
}

type fakeStorage struct {
	blocks       map[uint64]types.Block
	putBlocks    []types.Block
	putProofs    []types.Proof
	putReceipts  map[uint64][]types.Receipt
	putSignedTxs [][]types.SignedTransaction
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{blocks: make(map[uint64]types.Block), putReceipts: make(map[uint64][]types.Receipt)}
}

func (s *fakeStorage) PutBlock(b types.Block) error {
	s.putBlocks = append(s.putBlocks, b)
	s.blocks[b.Header.Height] = b
	return nil
}
func (s *fakeStorage) PutProof(p types.Proof) error { s.putProofs = append(s.putProofs, p); return nil }
func (s *fakeStorage) PutReceipts(height uint64, rs []types.Receipt) error {
	s.putReceipts[height] = rs
	return nil
}
func (s *fakeStorage) PutSignedTransactions(txs []types.SignedTransaction) error {
	s.putSignedTxs = append(s.putSignedTxs, txs)
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
	for _, txs := range s.putSignedTxs {
		for _, tx := range txs {
			if tx.TxHash == hash {
				return tx, nil
			}
		}
	}
	return types.SignedTransaction{}, errors.New("fakeStorage: signed transaction not found")
}

type fakeExecutor struct {
	result ExecutionResult
	err    error
}

func (e *fakeExecutor) Execute(types.Block, []types.SignedTransaction) (ExecutionResult, error) {
	return e.result, e.err
}

type fakeMetadata struct{ meta status.Metadata }

func (m *fakeMetadata) GetMetadata(types.Hash, uint64, uint64, types.Address) (status.Metadata, error) {
	return m.meta, nil
}

func newTestAdapter(t *testing.T, s *fakeStatus, st *fakeStorage) (*Adapter, *fakeMempool) {
	t.Helper()
	mp := &fakeMempool{fullTxs: make(map[types.Hash]types.SignedTransaction)}
	adapter := NewAdapter(types.Hash{1}, mp, s, st, &fakeExecutor{}, &fakeMetadata{}, nil)
	return adapter, mp
}

func TestCheckBlockRejectsWrongChainID(t *testing.T) {
	s := &fakeStatus{s: status.Status{LatestCommittedHeight: 0}}
	adapter, _ := newTestAdapter(t, s, newFakeStorage())

	block := types.Block{Header: types.Header{ChainID: types.Hash{9}, Height: 1}}
	err := adapter.CheckBlock(block, types.ValidatorSet{}, types.ValidatorSet{})
	if !errors.Is(err, ErrWrongChainID) {
		t.Fatalf("CheckBlock() = %v, want ErrWrongChainID", err)
	}
}

func TestCheckBlockRejectsWrongHeight(t *testing.T) {
	s := &fakeStatus{s: status.Status{LatestCommittedHeight: 5}}
	adapter, _ := newTestAdapter(t, s, newFakeStorage())

	block := types.Block{Header: types.Header{ChainID: types.Hash{1}, Height: 1}}
	err := adapter.CheckBlock(block, types.ValidatorSet{}, types.ValidatorSet{})
	if !errors.Is(err, ErrWrongHeight) {
		t.Fatalf("CheckBlock() = %v, want ErrWrongHeight", err)
	}
}

func TestCheckBlockRejectsWrongPrevHash(t *testing.T) {
	s := &fakeStatus{s: status.Status{LatestCommittedHeight: 0, CurrentHash: types.Hash{7}}}
	adapter, _ := newTestAdapter(t, s, newFakeStorage())

	block := types.Block{Header: types.Header{ChainID: types.Hash{1}, Height: 1, PrevHash: types.Hash{8}}}
	err := adapter.CheckBlock(block, types.ValidatorSet{}, types.ValidatorSet{})
	if !errors.Is(err, ErrWrongPrevHash) {
		t.Fatalf("CheckBlock() = %v, want ErrWrongPrevHash", err)
	}
}

func TestCheckBlockRejectsNonMonotoneTimestamp(t *testing.T) {
	st := newFakeStorage()
	st.blocks[1] = types.Block{Header: types.Header{Height: 1, Timestamp: 1000}}
	s := &fakeStatus{s: status.Status{LatestCommittedHeight: 1, CurrentHash: types.Hash{2}}}
	adapter, _ := newTestAdapter(t, s, st)

	vs := types.ValidatorSet{}
	block := types.Block{Header: types.Header{
		ChainID: types.Hash{1}, Height: 2, PrevHash: types.Hash{2}, Timestamp: 999,
		Validators: vs,
	}}
	err := adapter.CheckBlock(block, vs, vs)
	if !errors.Is(err, ErrNonMonotoneTimestamp) {
		t.Fatalf("CheckBlock() = %v, want ErrNonMonotoneTimestamp", err)
	}
}

func TestCheckBlockRejectsValidatorSetMismatch(t *testing.T) {
	s := &fakeStatus{s: status.Status{LatestCommittedHeight: 0}}
	adapter, _ := newTestAdapter(t, s, newFakeStorage())

	var addr types.Address
	addr[19] = 1
	block := types.Block{Header: types.Header{
		ChainID: types.Hash{1}, Height: 1,
		Validators: types.ValidatorSet{Validators: []types.Validator{{Address: addr}}},
	}}
	err := adapter.CheckBlock(block, types.ValidatorSet{}, types.ValidatorSet{})
	if !errors.Is(err, ErrValidatorSetMismatch) {
		t.Fatalf("CheckBlock() = %v, want ErrValidatorSetMismatch", err)
	}
}

func TestCheckBlockAcceptsWellFormedBlock(t *testing.T) {
	s := &fakeStatus{s: status.Status{LatestCommittedHeight: 0}}
	adapter, _ := newTestAdapter(t, s, newFakeStorage())

	block := types.Block{Header: types.Header{ChainID: types.Hash{1}, Height: 1, Timestamp: 1}}
	if err := adapter.CheckBlock(block, types.ValidatorSet{}, types.ValidatorSet{}); err != nil {
		t.Fatalf("CheckBlock() = %v, want nil for a height-1 block with no previous proof to verify", err)
	}
}

func TestCommitPersistsAndFlushesMempool(t *testing.T) {
	s := &fakeStatus{}
	st := newFakeStorage()
	adapter, mp := newTestAdapter(t, s, st)

	block := types.Block{Header: types.Header{Height: 1}, TxHashes: []types.Hash{{1}}}
	err := adapter.Commit(block, types.Hash{9}, nil, ExecutionResult{}, types.Proof{Height: 1}, status.Metadata{})
	if err != nil {
		t.Fatalf("Commit() = %v, want nil", err)
	}
	if len(st.putBlocks) != 1 {
		t.Errorf("putBlocks = %d, want 1", len(st.putBlocks))
	}
	if len(mp.flushed) != 1 || mp.flushed[0] != (types.Hash{1}) {
		t.Errorf("mempool.Flush was not called with the committed block's tx hashes")
	}
	if s.s.LatestCommittedHeight != 1 {
		t.Errorf("status.LatestCommittedHeight = %d, want 1", s.s.LatestCommittedHeight)
	}
}
