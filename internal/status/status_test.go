package status

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/types"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(zap.NewNop().Sugar(), prometheus.NewRegistry(), Status{})
	require.NoError(t, err)
	return a
}

func blockAtHeight(height uint64) types.Block {
	return types.Block{Header: types.Header{Height: height}}
}

func pendingAt(seed byte) PendingExecution {
	return PendingExecution{
		ConfirmRoot: types.Hash{seed},
		StateRoot:   types.Hash{seed, 1},
		ReceiptRoot: types.Hash{seed, 2},
		CyclesUsed:  uint64(seed),
	}
}

func TestUpdateByCommittedPushesPendingEntry(t *testing.T) {
	a := newTestAgent(t)

	require.NoError(t, a.UpdateByCommitted(Metadata{}, blockAtHeight(1), types.Hash{1}, types.Proof{Height: 1}, pendingAt(1)))

	snap := a.Snapshot()
	require.Equal(t, uint64(1), snap.LatestCommittedHeight)
	require.Equal(t, uint64(0), snap.ExecHeight)
	require.Equal(t, []types.Hash{{1, 1}}, snap.ListStateRoot)
	require.Equal(t, []types.CyclesUsed{{Height: 1, Cycles: 1}}, snap.ListCyclesUsed)
}

func TestUpdateByExecutedDrainsFrontEntry(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.UpdateByCommitted(Metadata{}, blockAtHeight(1), types.Hash{1}, types.Proof{Height: 1}, pendingAt(1)))

	require.NoError(t, a.UpdateByExecuted(ExecutedInfo{Height: 1, StateRoot: types.Hash{9}}))

	snap := a.Snapshot()
	require.Equal(t, uint64(1), snap.ExecHeight)
	require.Equal(t, types.Hash{9}, snap.LatestStateRoot)
	require.Empty(t, snap.ListStateRoot)
}

func TestUpdateByExecutedRejectsPastCommittedHeight(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.UpdateByCommitted(Metadata{}, blockAtHeight(1), types.Hash{1}, types.Proof{Height: 1}, pendingAt(1)))

	err := a.UpdateByExecuted(ExecutedInfo{Height: 5})
	require.ErrorIs(t, err, ErrExecPastCommitted)
}

func TestUpdateByCommittedRejectsProofHeightMismatch(t *testing.T) {
	a := newTestAgent(t)
	err := a.UpdateByCommitted(Metadata{}, blockAtHeight(2), types.Hash{1}, types.Proof{Height: 1}, pendingAt(1))
	require.ErrorIs(t, err, ErrProofHeightMismatch)
}

func TestListsAccumulateAcrossCommitsThenDrainOnExecute(t *testing.T) {
	a := newTestAgent(t)

	require.NoError(t, a.UpdateByCommitted(Metadata{}, blockAtHeight(1), types.Hash{1}, types.Proof{Height: 1}, pendingAt(1)))
	require.NoError(t, a.UpdateByCommitted(Metadata{}, blockAtHeight(2), types.Hash{2}, types.Proof{Height: 2}, pendingAt(2)))

	snap := a.Snapshot()
	require.Equal(t, uint64(2), snap.LatestCommittedHeight)
	require.Equal(t, uint64(0), snap.ExecHeight)
	require.Len(t, snap.ListStateRoot, 2)

	require.NoError(t, a.UpdateByExecuted(ExecutedInfo{Height: 1, StateRoot: types.Hash{9}}))
	snap = a.Snapshot()
	require.Equal(t, uint64(1), snap.ExecHeight)
	require.Len(t, snap.ListStateRoot, 1)
	require.Equal(t, []types.Hash{{2, 1}}, snap.ListStateRoot)

	require.NoError(t, a.UpdateByExecuted(ExecutedInfo{Height: 2, StateRoot: types.Hash{10}}))
	snap = a.Snapshot()
	require.Equal(t, uint64(2), snap.ExecHeight)
	require.Len(t, snap.ListStateRoot, 0)
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.UpdateByCommitted(Metadata{}, blockAtHeight(1), types.Hash{1}, types.Proof{Height: 1}, pendingAt(1)))

	snap := a.Snapshot()
	snap.ListStateRoot = append(snap.ListStateRoot, types.Hash{0xff})

	again := a.Snapshot()
	require.NotEqual(t, snap.ListStateRoot, again.ListStateRoot)
}
