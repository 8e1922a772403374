package network

import (
	"context"
	"fmt"

	"github.com/aegischain/aegis/internal/types"
)

// Wire tags for the mempool's own gossip/RPC traffic (SPEC_FULL §6),
// separate from the consensus tags in remote.go since they're handled by an
// independent component with its own Broadcaster/Puller seam.
const (
	tagNewTxs  = "/gossip/mempool/new_txs"
	tagPullTxs = "/rpc_call/mempool/pull_txs"
)

// MempoolNetwork implements mempool.Broadcaster and mempool.Puller over a
// Dispatch: new transactions are gossiped to every connected peer, and
// missing hashes are recovered via an RPC call to an arbitrary peer,
// mirroring RemoteSource's catch-up pull shape in remote.go.
type MempoolNetwork struct {
	d *Dispatch
}

// NewMempoolNetwork wraps d for the mempool's narrow Broadcaster/Puller
// seam.
func NewMempoolNetwork(d *Dispatch) *MempoolNetwork {
	return &MempoolNetwork{d: d}
}

func (n *MempoolNetwork) BroadcastTxs(_ context.Context, txs []types.SignedTransaction) error {
	payload, err := encodeGob(txs)
	if err != nil {
		return err
	}
	return n.d.Gossip(tagNewTxs, nil, payload, PriorityNormal)
}

type pullTxsRequest struct{ Hashes []types.Hash }

func (n *MempoolNetwork) PullTxs(ctx context.Context, hashes []types.Hash) ([]types.SignedTransaction, error) {
	peer, err := n.d.AnyPeer()
	if err != nil {
		return nil, err
	}
	reqPayload, err := encodeGob(pullTxsRequest{Hashes: hashes})
	if err != nil {
		return nil, err
	}
	respPayload, err := n.d.Call(ctx, tagPullTxs, peer, reqPayload, PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("network: pulling %d txs: %w", len(hashes), err)
	}
	var txs []types.SignedTransaction
	if err := decodeGob(respPayload, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// HandleInboundTxs wires newly gossiped transactions to onTxs, typically
// Mempool.Insert called once per received transaction.
func (n *MempoolNetwork) HandleInboundTxs(onTxs func(types.Address, []types.SignedTransaction) error) {
	n.d.Handle(tagNewTxs, func(from types.Address, payload []byte) ([]byte, error) {
		var txs []types.SignedTransaction
		if err := decodeGob(payload, &txs); err != nil {
			return nil, err
		}
		return nil, onTxs(from, txs)
	})
}

// PullTxsHandler answers another replica's pull_txs RPC from local state
// (typically the mempool's own cache, falling back to storage).
type PullTxsHandler func(hashes []types.Hash) ([]types.SignedTransaction, error)

// HandlePullTxs registers the server side of PullTxs.
func (n *MempoolNetwork) HandlePullTxs(handler PullTxsHandler) {
	n.d.Handle(tagPullTxs, func(_ types.Address, payload []byte) ([]byte, error) {
		var req pullTxsRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, err
		}
		txs, err := handler(req.Hashes)
		if err != nil {
			return nil, err
		}
		return encodeGob(txs)
	})
}
