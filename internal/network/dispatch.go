// Package network implements the abstract Dispatch contract (SPEC_FULL
// §4.G) over a raw net.Conn TCP transport: gossip broadcasts keyed by a
// string tag, RPC call/response pairs keyed by (call id, session id), peer
// trust reporting, and validator tagging.
package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/types"
)

// Priority mirrors the two gossip/RPC priorities the rest of the system
// understands; High is always drained before Normal.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

var (
	ErrUnknownPeer  = errors.New("network: no connection to the requested peer")
	ErrCallTimeout  = errors.New("network: rpc call timed out waiting for a response")
	ErrNotConnected = errors.New("network: dispatch has no connected peers")
)

// envelope is the one wire shape every message takes: a string tag plus a
// gob-encoded payload, generalized from the reference project's fixed
// MessageType enum into the open string-tag scheme SPEC_FULL §6 requires.
// CallID is the zero UUID for pure gossip.
type envelope struct {
	Tag        string
	CallID     uuid.UUID
	SessionID  uuid.UUID
	IsResponse bool
	Payload    []byte
}

// Handler answers an inbound gossip or RPC call for one tag. Returning a
// non-nil payload for an RPC tag sends it back as the response; gossip
// handlers' return value is ignored.
type Handler func(from types.Address, payload []byte) ([]byte, error)

type peer struct {
	addr   types.Address
	conn   net.Conn
	high   chan envelope
	normal chan envelope
}

// Dispatch is the concrete transport underneath the abstract contract the
// core consumes: Gossip, Call, Response, Report, TagConsensus.
type Dispatch struct {
	self types.Address
	log  *zap.SugaredLogger

	mu    sync.RWMutex
	peers map[types.Address]*peer

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[uuid.UUID]chan envelope

	validatorsMu sync.RWMutex
	validators   map[types.Address]bool

	trustMu sync.Mutex
	trust   map[types.Address]int

	rpcTimeout time.Duration
}

// NewDispatch constructs a Dispatch identified on the wire as self.
func NewDispatch(self types.Address, rpcTimeout time.Duration, logger *zap.SugaredLogger) *Dispatch {
	if rpcTimeout <= 0 {
		rpcTimeout = 5 * time.Second
	}
	return &Dispatch{
		self:       self,
		log:        logger.Named("network"),
		peers:      make(map[types.Address]*peer),
		handlers:   make(map[string]Handler),
		pending:    make(map[uuid.UUID]chan envelope),
		validators: make(map[types.Address]bool),
		trust:      make(map[types.Address]int),
		rpcTimeout: rpcTimeout,
	}
}

// Handle registers the handler invoked for inbound messages carrying tag.
// Only one handler may own a tag.
func (d *Dispatch) Handle(tag string, h Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[tag] = h
}

// Listen accepts inbound peer connections until the returned listener is
// closed.
func (d *Dispatch) Listen(listenAddr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("network: listening on %s: %w", listenAddr, err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.handshakeInbound(conn)
		}
	}()
	return ln, nil
}

// Dial opens an outbound connection to a peer known by address and dialAddr
// (its dial string), completing the same handshake an inbound Accept would.
func (d *Dispatch) Dial(remote types.Address, dialAddr string) error {
	conn, err := net.Dial("tcp", dialAddr)
	if err != nil {
		return fmt.Errorf("network: dialing %s: %w", dialAddr, err)
	}
	if err := writeFrame(conn, d.self[:]); err != nil {
		conn.Close()
		return fmt.Errorf("network: handshake with %s: %w", dialAddr, err)
	}
	remoteBytes, err := readFrame(conn)
	if err != nil || len(remoteBytes) != len(types.Address{}) {
		conn.Close()
		return fmt.Errorf("network: handshake with %s: reading remote address failed: %v", dialAddr, err)
	}
	return d.registerPeer(remote, conn)
}

// handshakeInbound exchanges identities before registering a peer accepted
// by Listen: each side sends its own address once, unsolicited, as the
// first frame.
func (d *Dispatch) handshakeInbound(conn net.Conn) {
	if err := writeFrame(conn, d.self[:]); err != nil {
		d.log.Warnw("handshake: sending local address failed", "error", err)
		conn.Close()
		return
	}
	remoteBytes, err := readFrame(conn)
	if err != nil || len(remoteBytes) != len(types.Address{}) {
		d.log.Warnw("handshake: reading remote address failed", "error", err)
		conn.Close()
		return
	}
	var remote types.Address
	copy(remote[:], remoteBytes)
	if err := d.registerPeer(remote, conn); err != nil {
		d.log.Warnw("registering inbound peer failed", "peer", remote, "error", err)
		conn.Close()
	}
}

func (d *Dispatch) registerPeer(addr types.Address, conn net.Conn) error {
	p := &peer{addr: addr, conn: conn, high: make(chan envelope, 256), normal: make(chan envelope, 4096)}
	d.mu.Lock()
	d.peers[addr] = p
	d.mu.Unlock()

	go d.writeLoop(p)
	go d.readLoop(p)
	return nil
}

// writeLoop drains high before normal, giving precommit/proposal traffic
// priority over routine gossip on a shared connection.
func (d *Dispatch) writeLoop(p *peer) {
	// gob's own wire format is already self-delimiting, so the encoder
	// writes straight to the connection with no extra length framing;
	// writeFrame/readFrame are only used for the one-shot handshake below.
	enc := gob.NewEncoder(p.conn)
	for {
		var e envelope
		select {
		case e = <-p.high:
		default:
			select {
			case e = <-p.high:
			case e = <-p.normal:
			}
		}
		if err := enc.Encode(e); err != nil {
			d.log.Warnw("writing to peer failed, dropping connection", "peer", p.addr, "error", err)
			d.dropPeer(p.addr)
			return
		}
	}
}

func (d *Dispatch) readLoop(p *peer) {
	dec := gob.NewDecoder(bufio.NewReader(p.conn))
	defer d.dropPeer(p.addr)
	for {
		var e envelope
		if err := dec.Decode(&e); err != nil {
			if err != io.EOF {
				d.log.Warnw("reading from peer failed", "peer", p.addr, "error", err)
			}
			return
		}
		d.deliver(p.addr, e)
	}
}

func (d *Dispatch) dropPeer(addr types.Address) {
	d.mu.Lock()
	delete(d.peers, addr)
	d.mu.Unlock()
}

func (d *Dispatch) deliver(from types.Address, e envelope) {
	if e.IsResponse {
		d.pendingMu.Lock()
		ch, ok := d.pending[e.CallID]
		d.pendingMu.Unlock()
		if ok {
			select {
			case ch <- e:
			default:
			}
		}
		return
	}

	d.handlersMu.RLock()
	h, ok := d.handlers[e.Tag]
	d.handlersMu.RUnlock()
	if !ok {
		d.log.Warnw("no handler registered for tag", "tag", e.Tag, "from", from)
		return
	}
	resp, err := h(from, e.Payload)
	if err != nil {
		d.log.Warnw("handler returned an error", "tag", e.Tag, "from", from, "error", err)
		return
	}
	if e.CallID == uuid.Nil {
		return
	}
	if err := d.sendTo(from, envelope{Tag: e.Tag + "_resp", CallID: e.CallID, SessionID: e.SessionID, IsResponse: true, Payload: resp}, PriorityNormal); err != nil {
		d.log.Warnw("sending rpc response failed", "tag", e.Tag, "to", from, "error", err)
	}
}

func (d *Dispatch) sendTo(addr types.Address, e envelope, priority Priority) error {
	d.mu.RLock()
	p, ok := d.peers[addr]
	d.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	ch := p.normal
	if priority == PriorityHigh {
		ch = p.high
	}
	select {
	case ch <- e:
		return nil
	default:
		return fmt.Errorf("network: outbound queue to %v is full", addr)
	}
}

// Gossip broadcasts payload under tag to scope (nil means every connected
// peer) at the given priority. Matching the reference project's
// fire-and-forget Broadcast, a failed send to one peer does not abort
// delivery to the rest.
func (d *Dispatch) Gossip(tag string, scope []types.Address, payload []byte, priority Priority) error {
	targets := scope
	if targets == nil {
		d.mu.RLock()
		targets = make([]types.Address, 0, len(d.peers))
		for addr := range d.peers {
			targets = append(targets, addr)
		}
		d.mu.RUnlock()
	}
	e := envelope{Tag: tag, Payload: payload}
	var firstErr error
	for _, addr := range targets {
		if err := d.sendTo(addr, e, priority); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Call sends an RPC request to peer and blocks for its response, a
// ctx cancellation, or the configured rpc timeout, whichever comes first.
func (d *Dispatch) Call(ctx context.Context, tag string, peerAddr types.Address, payload []byte, priority Priority) ([]byte, error) {
	callID, sessionID := uuid.New(), uuid.New()
	ch := make(chan envelope, 1)
	d.pendingMu.Lock()
	d.pending[callID] = ch
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, callID)
		d.pendingMu.Unlock()
	}()

	if err := d.sendTo(peerAddr, envelope{Tag: tag, CallID: callID, SessionID: sessionID, Payload: payload}, priority); err != nil {
		return nil, err
	}

	timer := time.NewTimer(d.rpcTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrCallTimeout
	}
}

// TagConsensus records peers as validators. The recorded set is not
// consulted when sending: a message's priority comes only from the Priority
// argument of Gossip or Call.
func (d *Dispatch) TagConsensus(peers []types.Address) error {
	d.validatorsMu.Lock()
	defer d.validatorsMu.Unlock()
	d.validators = make(map[types.Address]bool, len(peers))
	for _, p := range peers {
		d.validators[p] = true
	}
	return nil
}

// reportKind mirrors consensus.TrustFeedbackKind without importing the
// consensus package from this lower layer; the adapter in remote.go
// translates between the two.
type reportKind int

const (
	reportGood reportKind = iota
	reportBad
	reportWorse
)

// report adjusts a peer's running trust score. Score is unused for routing
// decisions today; it exists so a future peer-scoring policy has
// somewhere to read from, and so Report's effect is observable in tests.
func (d *Dispatch) report(peer types.Address, kind reportKind) {
	d.trustMu.Lock()
	defer d.trustMu.Unlock()
	switch kind {
	case reportGood:
		d.trust[peer]++
	case reportBad:
		d.trust[peer] -= 2
	case reportWorse:
		d.trust[peer] -= 5
	}
}

// TrustScore returns a peer's current running trust score, for tests and
// diagnostics.
func (d *Dispatch) TrustScore(peer types.Address) int {
	d.trustMu.Lock()
	defer d.trustMu.Unlock()
	return d.trust[peer]
}

// AnyPeer returns an arbitrary connected peer, for RPCs (like catch-up
// pulls) that do not target a specific address.
func (d *Dispatch) AnyPeer() (types.Address, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for addr := range d.peers {
		return addr, nil
	}
	return types.Address{}, ErrNotConnected
}

func writeFrame(conn net.Conn, payload []byte) error {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	_, err := conn.Write(append(lenBuf, payload...))
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint32(lenBuf))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

