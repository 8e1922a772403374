package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegischain/aegis/internal/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "aegis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutBlockRoundTripsByHeightAndHash(t *testing.T) {
	s := newTestStore(t)
	block := types.Block{Header: types.Header{Height: 5, Timestamp: 100}}

	require.NoError(t, s.PutBlock(block))

	byHeight, err := s.GetBlockByHeight(5)
	require.NoError(t, err)
	require.Equal(t, block, byHeight)

	hash := types.HashHeader(block.Header)
	byHash, err := s.GetBlockByHash(hash)
	require.NoError(t, err)
	require.Equal(t, block, byHash)

	height, err := s.LatestHeight()
	require.NoError(t, err)
	require.Equal(t, uint64(5), height)

	latest, err := s.LatestBlock()
	require.NoError(t, err)
	require.Equal(t, block, latest)
}

func TestGetBlockByHeightMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBlockByHeight(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutProofRoundTrips(t *testing.T) {
	s := newTestStore(t)
	proof := types.Proof{Height: 3, Round: 1, BlockHash: types.Hash{9}, Bitmap: types.Bitmap{0x01}, Signature: []byte("sig")}

	require.NoError(t, s.PutProof(proof))

	got, err := s.LatestProof()
	require.NoError(t, err)
	require.Equal(t, proof, got)
}

func TestPutReceiptsIndexedByHeightAndHash(t *testing.T) {
	s := newTestStore(t)
	r1 := types.Receipt{TxHash: types.Hash{1}, Height: 10, CyclesUsed: 5}
	r2 := types.Receipt{TxHash: types.Hash{2}, Height: 10, CyclesUsed: 7}
	require.NoError(t, s.PutReceipts(10, []types.Receipt{r1, r2}))

	got, err := s.GetReceipt(r1.TxHash)
	require.NoError(t, err)
	require.Equal(t, r1, got)

	r3 := types.Receipt{TxHash: types.Hash{3}, Height: 11, CyclesUsed: 2}
	require.NoError(t, s.PutReceipts(11, []types.Receipt{r3}))

	inRange, err := s.ReceiptsInRange(10, 11)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.Receipt{r1, r2, r3}, inRange)

	onlyFirst, err := s.ReceiptsInRange(10, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.Receipt{r1, r2}, onlyFirst)
}

func TestSignedTransactionsRoundTripAndCommittedProbe(t *testing.T) {
	s := newTestStore(t)
	tx := types.SignedTransaction{TxHash: types.Hash{4}, Raw: types.RawTransaction{CyclesLimit: 10}}

	has, err := s.HasCommittedTx(tx.TxHash)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, s.PutSignedTransactions([]types.SignedTransaction{tx}))

	got, err := s.GetSignedTransaction(tx.TxHash)
	require.NoError(t, err)
	require.Equal(t, tx, got)

	has, err = s.HasCommittedTx(tx.TxHash)
	require.NoError(t, err)
	require.True(t, has)
}

func TestTxWALSaveLoadAndPrune(t *testing.T) {
	s := newTestStore(t)
	tx := types.SignedTransaction{TxHash: types.Hash{5}, Raw: types.RawTransaction{CyclesLimit: 1}}

	require.NoError(t, s.SaveTxWAL(7, []types.SignedTransaction{tx}))
	require.NoError(t, s.SaveTxWAL(8, []types.SignedTransaction{tx}))

	heights, err := s.AvailableWALHeights()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{7, 8}, heights)

	loaded, err := s.LoadTxWAL(7)
	require.NoError(t, err)
	require.Equal(t, []types.SignedTransaction{tx}, loaded)

	require.NoError(t, s.RemoveTxWAL(7))
	_, err = s.LoadTxWAL(7)
	require.ErrorIs(t, err, ErrNotFound)

	heights, err = s.AvailableWALHeights()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{8}, heights)

	require.NoError(t, s.RemoveAllTxWAL())
	heights, err = s.AvailableWALHeights()
	require.NoError(t, err)
	require.Empty(t, heights)
}

func TestEngineWALAbsentThenPersisted(t *testing.T) {
	s := newTestStore(t)

	_, present, err := s.GetEngineWAL()
	require.NoError(t, err)
	require.False(t, present)

	block := types.Block{Header: types.Header{Height: 2}}
	record := types.WALRecord{Height: 2, Round: 1, Step: "prevote", LockedProposal: &block, LockedRound: 1, HasLock: true}
	require.NoError(t, s.PutEngineWAL(record))

	got, present, err := s.GetEngineWAL()
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, record, got)
}
