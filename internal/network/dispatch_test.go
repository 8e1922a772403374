package network

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/types"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("zap.NewDevelopment() = %v", err)
	}
	t.Cleanup(func() { _ = logger.Sync() })
	return logger.Sugar()
}

func testAddr(id byte) types.Address {
	var a types.Address
	a[19] = id
	return a
}

// connectPair starts a and dials it from b, returning once both sides'
// handshakes have registered each other as a peer.
func connectPair(t *testing.T, a, b *Dispatch, addrA, addrB types.Address) {
	t.Helper()
	ln, err := a.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	if err := b.Dial(addrA, ln.Addr().String()); err != nil {
		t.Fatalf("Dial() = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.RLock()
		_, aKnowsB := a.peers[addrB]
		a.mu.RUnlock()
		b.mu.RLock()
		_, bKnowsA := b.peers[addrA]
		b.mu.RUnlock()
		if aKnowsB && bKnowsA {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("peers did not complete the handshake in time")
}

func TestDispatchGossipDeliversToRegisteredHandler(t *testing.T) {
	addrA, addrB := testAddr(1), testAddr(2)
	a := NewDispatch(addrA, time.Second, testLogger(t))
	b := NewDispatch(addrB, time.Second, testLogger(t))
	connectPair(t, a, b, addrA, addrB)

	received := make(chan []byte, 1)
	a.Handle("ping", func(from types.Address, payload []byte) ([]byte, error) {
		if from != addrB {
			t.Errorf("handler from = %v, want %v", from, addrB)
		}
		received <- payload
		return nil, nil
	})

	if err := b.Gossip("ping", nil, []byte("hello"), PriorityNormal); err != nil {
		t.Fatalf("Gossip() = %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "hello" {
			t.Errorf("payload = %q, want %q", payload, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestDispatchCallReceivesHandlerResponse(t *testing.T) {
	addrA, addrB := testAddr(1), testAddr(2)
	a := NewDispatch(addrA, time.Second, testLogger(t))
	b := NewDispatch(addrB, time.Second, testLogger(t))
	connectPair(t, a, b, addrA, addrB)

	a.Handle("echo", func(_ types.Address, payload []byte) ([]byte, error) {
		echoed := append([]byte(nil), payload...)
		return echoed, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := b.Call(ctx, "echo", addrA, []byte("ping"), PriorityNormal)
	if err != nil {
		t.Fatalf("Call() = %v", err)
	}
	if string(resp) != "ping" {
		t.Errorf("resp = %q, want %q", resp, "ping")
	}
}

func TestDispatchCallFailsWithoutAPeer(t *testing.T) {
	a := NewDispatch(testAddr(1), 50*time.Millisecond, testLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Call(ctx, "unused", testAddr(9), nil, PriorityNormal); err != ErrUnknownPeer {
		t.Fatalf("Call() = %v, want ErrUnknownPeer", err)
	}
}

func TestDispatchReportAdjustsTrustScore(t *testing.T) {
	d := NewDispatch(testAddr(1), time.Second, testLogger(t))
	peer := testAddr(2)

	d.report(peer, reportGood)
	d.report(peer, reportBad)
	d.report(peer, reportWorse)

	if got, want := d.TrustScore(peer), 1-2-5; got != want {
		t.Errorf("TrustScore() = %d, want %d", got, want)
	}
}

func TestDispatchTagConsensusRecordsValidators(t *testing.T) {
	d := NewDispatch(testAddr(1), time.Second, testLogger(t))
	v1, v2 := testAddr(2), testAddr(3)
	if err := d.TagConsensus([]types.Address{v1, v2}); err != nil {
		t.Fatalf("TagConsensus() = %v", err)
	}
	d.validatorsMu.RLock()
	defer d.validatorsMu.RUnlock()
	if !d.validators[v1] || !d.validators[v2] {
		t.Errorf("validators = %v, want both %v and %v tagged", d.validators, v1, v2)
	}
}
