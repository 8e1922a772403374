package network

import (
	"context"
	"testing"
	"time"

	"github.com/aegischain/aegis/internal/types"
)

func TestMempoolNetworkBroadcastTxsReachesInboundHandler(t *testing.T) {
	addrA, addrB := testAddr(1), testAddr(2)
	a := NewDispatch(addrA, time.Second, testLogger(t))
	b := NewDispatch(addrB, time.Second, testLogger(t))
	connectPair(t, a, b, addrA, addrB)

	received := make(chan []types.SignedTransaction, 1)
	NewMempoolNetwork(a).HandleInboundTxs(func(_ types.Address, txs []types.SignedTransaction) error {
		received <- txs
		return nil
	})

	want := []types.SignedTransaction{{TxHash: types.Hash{9}}}
	if err := NewMempoolNetwork(b).BroadcastTxs(context.Background(), want); err != nil {
		t.Fatalf("BroadcastTxs() = %v", err)
	}

	select {
	case got := <-received:
		if len(got) != 1 || got[0].TxHash != want[0].TxHash {
			t.Errorf("received txs = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound tx handler was never invoked")
	}
}

func TestMempoolNetworkPullTxsRoundTrips(t *testing.T) {
	addrA, addrB := testAddr(1), testAddr(2)
	a := NewDispatch(addrA, time.Second, testLogger(t))
	b := NewDispatch(addrB, time.Second, testLogger(t))
	connectPair(t, a, b, addrA, addrB)

	want := types.SignedTransaction{TxHash: types.Hash{5}}
	NewMempoolNetwork(a).HandlePullTxs(func(hashes []types.Hash) ([]types.SignedTransaction, error) {
		if len(hashes) != 1 || hashes[0] != want.TxHash {
			t.Errorf("requested hashes = %v, want [%v]", hashes, want.TxHash)
		}
		return []types.SignedTransaction{want}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := NewMempoolNetwork(b).PullTxs(ctx, []types.Hash{want.TxHash})
	if err != nil {
		t.Fatalf("PullTxs() = %v", err)
	}
	if len(got) != 1 || got[0].TxHash != want.TxHash {
		t.Errorf("PullTxs() = %+v, want [%+v]", got, want)
	}
}
