package network

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/aegischain/aegis/internal/consensus"
	"github.com/aegischain/aegis/internal/types"
)

// Wire tags for every gossip and RPC message the core exchanges with peers
// (SPEC_FULL §6). Kept as named constants so a handler registration and its
// caller never drift apart.
const (
	tagProposal        = "/gossip/consensus/signed_proposal"
	tagVote            = "/gossip/consensus/signed_vote"
	tagQC              = "/gossip/consensus/aggregated_vote"
	tagChoke           = "/gossip/consensus/signed_choke"
	tagBroadcastHeight = "/gossip/consensus/broadcast_height"
	tagPullBlock       = "/rpc_call/consensus/pull_block"
	tagPullProof       = "/rpc_call/consensus/pull_proof"
)

// ConsensusNetwork implements consensus.Network over a Dispatch, gossiping
// proposals/votes/QCs/chokes to every connected peer.
type ConsensusNetwork struct {
	d *Dispatch
}

// NewConsensusNetwork wraps d so the BFT engine can reach it through the
// narrow consensus.Network seam.
func NewConsensusNetwork(d *Dispatch) *ConsensusNetwork {
	return &ConsensusNetwork{d: d}
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("network: encoding message: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(payload []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("network: decoding message: %w", err)
	}
	return nil
}

func toPriority(p consensus.Priority) Priority {
	if p == consensus.PriorityHigh {
		return PriorityHigh
	}
	return PriorityNormal
}

func (n *ConsensusNetwork) BroadcastProposal(_ context.Context, p consensus.Proposal, priority consensus.Priority) error {
	payload, err := encodeGob(p)
	if err != nil {
		return err
	}
	return n.d.Gossip(tagProposal, nil, payload, toPriority(priority))
}

func (n *ConsensusNetwork) BroadcastVote(_ context.Context, v consensus.Vote, priority consensus.Priority) error {
	payload, err := encodeGob(v)
	if err != nil {
		return err
	}
	return n.d.Gossip(tagVote, nil, payload, toPriority(priority))
}

func (n *ConsensusNetwork) BroadcastQC(_ context.Context, qc consensus.QC, priority consensus.Priority) error {
	payload, err := encodeGob(qc)
	if err != nil {
		return err
	}
	return n.d.Gossip(tagQC, nil, payload, toPriority(priority))
}

func (n *ConsensusNetwork) BroadcastChoke(_ context.Context, c consensus.Choke, priority consensus.Priority) error {
	payload, err := encodeGob(c)
	if err != nil {
		return err
	}
	return n.d.Gossip(tagChoke, nil, payload, toPriority(priority))
}

func (n *ConsensusNetwork) TagConsensus(peers []types.Address) error {
	return n.d.TagConsensus(peers)
}

func (n *ConsensusNetwork) Report(peer types.Address, feedback consensus.TrustFeedback) error {
	kind := reportGood
	switch feedback.Kind {
	case consensus.TrustBad:
		kind = reportBad
	case consensus.TrustWorse:
		kind = reportWorse
	}
	n.d.report(peer, kind)
	return nil
}

// HandleInbound wires the local engine's proposal/vote/QC/choke handlers to
// the gossip tags above, decoding each envelope before forwarding it. Call
// once during startup, before Dispatch.Listen/Dial.
func (n *ConsensusNetwork) HandleInbound(
	onProposal func(types.Address, consensus.Proposal) error,
	onVote func(types.Address, consensus.Vote) error,
	onQC func(types.Address, consensus.QC) error,
	onChoke func(types.Address, consensus.Choke) error,
) {
	n.d.Handle(tagProposal, func(from types.Address, payload []byte) ([]byte, error) {
		var p consensus.Proposal
		if err := decodeGob(payload, &p); err != nil {
			return nil, err
		}
		return nil, onProposal(from, p)
	})
	n.d.Handle(tagVote, func(from types.Address, payload []byte) ([]byte, error) {
		var v consensus.Vote
		if err := decodeGob(payload, &v); err != nil {
			return nil, err
		}
		return nil, onVote(from, v)
	})
	n.d.Handle(tagQC, func(from types.Address, payload []byte) ([]byte, error) {
		var qc consensus.QC
		if err := decodeGob(payload, &qc); err != nil {
			return nil, err
		}
		return nil, onQC(from, qc)
	})
	n.d.Handle(tagChoke, func(from types.Address, payload []byte) ([]byte, error) {
		var c consensus.Choke
		if err := decodeGob(payload, &c); err != nil {
			return nil, err
		}
		return nil, onChoke(from, c)
	})
}

// RemoteSource implements sync.RemoteSource over a Dispatch: catch-up pulls
// are RPC calls to an arbitrary connected peer, and height announcements are
// gossip to everyone.
type RemoteSource struct {
	d *Dispatch
}

// NewRemoteSource wraps d for the synchronizer's narrow RemoteSource seam.
func NewRemoteSource(d *Dispatch) *RemoteSource {
	return &RemoteSource{d: d}
}

type pullBlockRequest struct{ Height uint64 }

func (r *RemoteSource) FetchRichBlock(ctx context.Context, height uint64) (types.RichBlock, error) {
	peer, err := r.d.AnyPeer()
	if err != nil {
		return types.RichBlock{}, err
	}
	reqPayload, err := encodeGob(pullBlockRequest{Height: height})
	if err != nil {
		return types.RichBlock{}, err
	}
	respPayload, err := r.d.Call(ctx, tagPullBlock, peer, reqPayload, PriorityNormal)
	if err != nil {
		return types.RichBlock{}, fmt.Errorf("network: pulling block %d: %w", height, err)
	}
	var rich types.RichBlock
	if err := decodeGob(respPayload, &rich); err != nil {
		return types.RichBlock{}, err
	}
	return rich, nil
}

func (r *RemoteSource) FetchProof(ctx context.Context, height uint64) (types.Proof, error) {
	peer, err := r.d.AnyPeer()
	if err != nil {
		return types.Proof{}, err
	}
	reqPayload, err := encodeGob(pullBlockRequest{Height: height})
	if err != nil {
		return types.Proof{}, err
	}
	respPayload, err := r.d.Call(ctx, tagPullProof, peer, reqPayload, PriorityNormal)
	if err != nil {
		return types.Proof{}, fmt.Errorf("network: pulling proof %d: %w", height, err)
	}
	var proof types.Proof
	if err := decodeGob(respPayload, &proof); err != nil {
		return types.Proof{}, err
	}
	return proof, nil
}

func (r *RemoteSource) BroadcastHeight(_ context.Context, height uint64) error {
	payload, err := encodeGob(height)
	if err != nil {
		return err
	}
	return r.d.Gossip(tagBroadcastHeight, nil, payload, PriorityNormal)
}

// PullBlockHandler and PullProofHandler let this process answer other
// replicas' catch-up RPCs from local storage. lookupRich/lookupProof are
// supplied by the caller (the consensus Adapter's storage seam).
type PullBlockHandler func(height uint64) (types.RichBlock, error)
type PullProofHandler func(height uint64) (types.Proof, error)

// HandlePulls registers the server side of FetchRichBlock/FetchProof.
func (r *RemoteSource) HandlePulls(blocks PullBlockHandler, proofs PullProofHandler) {
	r.d.Handle(tagPullBlock, func(_ types.Address, payload []byte) ([]byte, error) {
		var req pullBlockRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, err
		}
		rich, err := blocks(req.Height)
		if err != nil {
			return nil, err
		}
		return encodeGob(rich)
	})
	r.d.Handle(tagPullProof, func(_ types.Address, payload []byte) ([]byte, error) {
		var req pullBlockRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, err
		}
		proof, err := proofs(req.Height)
		if err != nil {
			return nil, err
		}
		return encodeGob(proof)
	})
}

// HandleHeightAnnouncements wires inbound broadcast_height gossip to
// onHeight, which the caller typically implements as
// Synchronizer.ReceiveRemoteHeight.
func (r *RemoteSource) HandleHeightAnnouncements(onHeight func(types.Address, uint64) error) {
	r.d.Handle(tagBroadcastHeight, func(from types.Address, payload []byte) ([]byte, error) {
		var height uint64
		if err := decodeGob(payload, &height); err != nil {
			return nil, err
		}
		return nil, onHeight(from, height)
	})
}
