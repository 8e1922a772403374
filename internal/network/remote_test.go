package network

import (
	"context"
	"testing"
	"time"

	"github.com/aegischain/aegis/internal/consensus"
	"github.com/aegischain/aegis/internal/types"
)

func TestConsensusNetworkBroadcastProposalReachesInboundHandler(t *testing.T) {
	addrA, addrB := testAddr(1), testAddr(2)
	a := NewDispatch(addrA, time.Second, testLogger(t))
	b := NewDispatch(addrB, time.Second, testLogger(t))
	connectPair(t, a, b, addrA, addrB)

	netA := NewConsensusNetwork(a)
	netB := NewConsensusNetwork(b)

	received := make(chan consensus.Proposal, 1)
	netA.HandleInbound(
		func(_ types.Address, p consensus.Proposal) error { received <- p; return nil },
		func(types.Address, consensus.Vote) error { return nil },
		func(types.Address, consensus.QC) error { return nil },
		func(types.Address, consensus.Choke) error { return nil },
	)

	want := consensus.Proposal{Height: 7, Round: 1, Proposer: addrB, Block: types.Block{Header: types.Header{Height: 7}}}
	if err := netB.BroadcastProposal(context.Background(), want, consensus.PriorityHigh); err != nil {
		t.Fatalf("BroadcastProposal() = %v", err)
	}

	select {
	case got := <-received:
		if got.Height != want.Height || got.Proposer != want.Proposer {
			t.Errorf("received proposal = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("proposal handler was never invoked")
	}
}

func TestConsensusNetworkReportTranslatesFeedbackKind(t *testing.T) {
	a := NewDispatch(testAddr(1), time.Second, testLogger(t))
	netA := NewConsensusNetwork(a)
	peer := testAddr(2)

	if err := netA.Report(peer, consensus.TrustFeedback{Kind: consensus.TrustWorse}); err != nil {
		t.Fatalf("Report() = %v", err)
	}
	if got, want := a.TrustScore(peer), -5; got != want {
		t.Errorf("TrustScore() = %d, want %d", got, want)
	}
}

func TestRemoteSourceFetchRichBlockRoundTrips(t *testing.T) {
	addrA, addrB := testAddr(1), testAddr(2)
	a := NewDispatch(addrA, time.Second, testLogger(t))
	b := NewDispatch(addrB, time.Second, testLogger(t))
	connectPair(t, a, b, addrA, addrB)

	want := types.RichBlock{
		Block:     types.Block{Header: types.Header{Height: 3}},
		SignedTxs: []types.SignedTransaction{{TxHash: types.Hash{1}}},
	}
	srcA := NewRemoteSource(a)
	srcA.HandlePulls(
		func(height uint64) (types.RichBlock, error) {
			if height != 3 {
				t.Errorf("requested height = %d, want 3", height)
			}
			return want, nil
		},
		func(uint64) (types.Proof, error) { return types.Proof{Height: 3}, nil },
	)

	srcB := NewRemoteSource(b)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := srcB.FetchRichBlock(ctx, 3)
	if err != nil {
		t.Fatalf("FetchRichBlock() = %v", err)
	}
	if got.Block.Header.Height != want.Block.Header.Height || len(got.SignedTxs) != len(want.SignedTxs) {
		t.Errorf("FetchRichBlock() = %+v, want %+v", got, want)
	}
}

func TestRemoteSourceBroadcastHeightReachesAnnouncementHandler(t *testing.T) {
	addrA, addrB := testAddr(1), testAddr(2)
	a := NewDispatch(addrA, time.Second, testLogger(t))
	b := NewDispatch(addrB, time.Second, testLogger(t))
	connectPair(t, a, b, addrA, addrB)

	received := make(chan uint64, 1)
	srcA := NewRemoteSource(a)
	srcA.HandleHeightAnnouncements(func(from types.Address, height uint64) error {
		if from != addrB {
			t.Errorf("from = %v, want %v", from, addrB)
		}
		received <- height
		return nil
	})

	srcB := NewRemoteSource(b)
	if err := srcB.BroadcastHeight(context.Background(), 42); err != nil {
		t.Fatalf("BroadcastHeight() = %v", err)
	}

	select {
	case got := <-received:
		if got != 42 {
			t.Errorf("announced height = %d, want 42", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("height announcement handler was never invoked")
	}
}
