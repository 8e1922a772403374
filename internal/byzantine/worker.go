// Package byzantine implements a fault-injection driver that exercises an
// honest replica's rejection paths (SPEC_FULL §4.H): it builds plausible
// proposals, votes, quorum certificates, chokes, and transactions from a
// tracked view of live consensus state, deliberately breaks one field at a
// time, and gossips the result at the network layer exactly as an honest
// replica would, bypassing everything the local Adapter/Engine would have
// checked before sending.
package byzantine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/consensus"
	"github.com/aegischain/aegis/internal/crypto"
	"github.com/aegischain/aegis/internal/network"
	"github.com/aegischain/aegis/internal/types"
)

// Corruption names the single field a generated message deliberately gets
// wrong. CorruptNone produces an otherwise well-formed message, useful as a
// control case alongside the others.
type Corruption int

const (
	CorruptNone Corruption = iota
	CorruptStruct
	CorruptHeight
	CorruptRound
	CorruptBlockHash
	CorruptChainID
	CorruptPrevHash
	CorruptTimestamp
	CorruptExecHeight
	CorruptOrderRoot
	CorruptSignedTxsHash
	CorruptConfirmRoots
	CorruptStateRoots
	CorruptReceiptRoots
	CorruptCyclesUsed
	CorruptProposerAddress
	CorruptValidators
	CorruptProof
	CorruptVoter
	CorruptSignature
	CorruptChainIDOfTx
	CorruptCyclesPriceOfTx
	CorruptCyclesLimitOfTx
	CorruptNonceOfTx
	CorruptTxHash
)

// Kind names which gossip message a Behavior drives the worker to emit.
type Kind int

const (
	KindProposal Kind = iota
	KindVote
	KindQC
	KindChoke
	KindTx
	KindHeight
)

// Behavior is one unit of fault-injection work, replayed from a queue the
// same way the reference driver replays timer-scheduled behavior lists.
type Behavior struct {
	Kind       Kind
	Corruption Corruption
	Count      int
	Priority   network.Priority
	Targets    []types.Address // nil broadcasts to every connected peer
}

// Network is the narrow seam the worker needs to emit gossip traffic.
// Concretely a *network.Dispatch, narrowed so tests can fake it.
type Network interface {
	Gossip(tag string, scope []types.Address, payload []byte, priority network.Priority) error
}

// view is the worker's tracked picture of live consensus progress, rebuilt
// by observing the same gossip an honest replica would receive. Field names
// mirror the adapter Status snapshot so a corrupted message can be built
// "close enough" to the truth to exercise validation rather than getting
// rejected for an unrelated reason first.
type view struct {
	height        uint64
	round         uint64
	execHeight    uint64
	prevHash      types.Hash
	prevTimestamp uint64
	confirmRoots  []types.Hash
	stateRoots    []types.Hash
	receiptRoots  []types.Hash
	cyclesUsed    []types.CyclesUsed
	proof         types.Proof
	validators    types.ValidatorSet
}

const (
	livenessWarnThreshold       = 60 * time.Second
	livenessStrongWarnThreshold = 5 * time.Minute
	livenessFatalThreshold      = 10 * time.Minute
)

// ErrLivenessBroken reports that no consensus progress has been observed
// within the fatal threshold; the caller decides how to act on it (the
// reference driver panics, this package instead returns an error so the
// surrounding binary can log and exit cleanly).
var ErrLivenessBroken = errors.New("byzantine: no consensus progress observed recently")

// Worker drives fault injection for one simulated Byzantine validator
// identity.
type Worker struct {
	address types.Address
	pubKey  []byte
	privKey *big.Int
	bls     *crypto.BLSSuite
	net     Network
	log     *zap.SugaredLogger

	view view
}

// NewWorker constructs a Worker identified by its own BLS keypair, seeded
// with an initial validator set so its first generated messages are
// plausible before anything has been observed on the wire.
func NewWorker(address types.Address, privKey *big.Int, validators types.ValidatorSet, net Network, logger *zap.SugaredLogger) *Worker {
	bls := crypto.NewBLSSuite()
	return &Worker{
		address: address,
		pubKey:  bls.BLSPublicKey(privKey),
		privKey: privKey,
		bls:     bls,
		net:     net,
		log:     logger.Named("byzantine"),
		view: view{
			prevTimestamp: uint64(time.Now().UnixMilli()),
			validators:    validators,
		},
	}
}

// Run drains behaviors until ctx is cancelled, processing each one in turn.
// A caller wanting concurrent injection runs multiple Workers, not multiple
// goroutines over one Worker: view is not safe for concurrent use.
func (w *Worker) Run(ctx context.Context, behaviors <-chan Behavior) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-behaviors:
			if !ok {
				return
			}
			if err := w.Process(b); err != nil {
				w.log.Warnw("processing behavior failed", "kind", b.Kind, "corruption", b.Corruption, "error", err)
			}
		}
	}
}

// Process emits Count copies of the message Behavior describes, each
// independently corrupted (CorruptStruct, the signature/randomness-bearing
// corruptions and positional corruptions like CorruptHeight all draw from
// the random source, so they differ run to run).
func (w *Worker) Process(b Behavior) error {
	count := b.Count
	if count <= 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		payload, tag, err := w.build(b.Kind, b.Corruption)
		if err != nil {
			return fmt.Errorf("byzantine: building %v/%v: %w", b.Kind, b.Corruption, err)
		}
		if err := w.net.Gossip(tag, b.Targets, payload, b.Priority); err != nil {
			return fmt.Errorf("byzantine: gossiping %v/%v: %w", b.Kind, b.Corruption, err)
		}
	}
	return nil
}

func (w *Worker) build(kind Kind, c Corruption) ([]byte, string, error) {
	if c == CorruptStruct {
		return randomBytes(64 + mathrand.Intn(200)), tagForKind(kind), nil
	}

	var (
		payload []byte
		err     error
	)
	switch kind {
	case KindProposal:
		payload, err = encodeGobLocal(w.mutateProposal(w.validProposal(), c))
	case KindVote:
		payload, err = encodeGobLocal(w.mutateVote(w.validVote(types.VoteTypePrevote), c))
	case KindQC:
		payload, err = encodeGobLocal(w.mutateQC(w.validQC(), c))
	case KindChoke:
		payload, err = encodeGobLocal(w.mutateChoke(w.validChoke(), c))
	case KindTx:
		payload, err = encodeGobLocal(w.mutateSignedTx(w.validSignedTx(), c))
	case KindHeight:
		payload, err = encodeGobLocal(w.mutateHeight(w.view.height, c))
	default:
		return nil, "", fmt.Errorf("byzantine: unknown message kind %v", kind)
	}
	if err != nil {
		return nil, "", err
	}
	return payload, tagForKind(kind), nil
}

func tagForKind(k Kind) string {
	switch k {
	case KindProposal:
		return "/gossip/consensus/signed_proposal"
	case KindVote:
		return "/gossip/consensus/signed_vote"
	case KindQC:
		return "/gossip/consensus/aggregated_vote"
	case KindChoke:
		return "/gossip/consensus/signed_choke"
	case KindTx:
		return "/gossip/mempool/new_txs"
	case KindHeight:
		return "/gossip/consensus/broadcast_height"
	default:
		return "/gossip/unknown"
	}
}

// --- valid-value builders, one per message kind, grounded on the state the
// worker has observed so a single corrupted field stands out rather than
// the whole message being implausible. ---

func (w *Worker) validProposal() consensus.Proposal {
	header := types.Header{
		Height:                      w.view.height,
		ExecHeight:                  w.view.execHeight,
		PrevHash:                    w.view.prevHash,
		Timestamp:                   uint64(time.Now().UnixMilli()),
		ConfirmRoots:                append([]types.Hash{}, w.view.confirmRoots...),
		StateRoots:                  append([]types.Hash{}, w.view.stateRoots...),
		ReceiptRoots:                append([]types.Hash{}, w.view.receiptRoots...),
		CyclesUsed:                  append([]types.CyclesUsed{}, w.view.cyclesUsed...),
		ProposerAddress:             w.address,
		Proof:                       w.view.proof,
		Validators:                  w.view.validators,
		OrderSignedTransactionsHash: types.Hash{},
	}
	block := types.Block{Header: header}
	return consensus.Proposal{
		Height: w.view.height, Round: w.view.round, Proposer: w.address,
		Block: block, Pubkey: w.pubKey,
	}
}

func (w *Worker) validVote(voteType types.VoteType) consensus.Vote {
	digest := types.VoteDigest(w.view.height, w.view.round, voteType, w.view.prevHash)
	return consensus.Vote{
		Height: w.view.height, Round: w.view.round, VoteType: voteType,
		BlockHash: w.view.prevHash, Voter: w.address, Signature: w.bls.Sign(w.privKey, digest),
	}
}

func (w *Worker) validQC() consensus.QC {
	digest := types.VoteDigest(w.view.height, w.view.round, types.VoteTypePrecommit, w.view.prevHash)
	sig := w.bls.Sign(w.privKey, digest)
	bitmap := types.NewBitmap(len(w.view.validators.Validators))
	if idx := w.view.validators.IndexOf(w.address); idx >= 0 {
		bitmap.Set(idx)
	}
	return consensus.QC{
		Height: w.view.height, Round: w.view.round, VoteType: types.VoteTypePrecommit,
		BlockHash: w.view.prevHash, Bitmap: bitmap, Signature: sig,
	}
}

func (w *Worker) validChoke() consensus.Choke {
	return consensus.Choke{Height: w.view.height, Round: w.view.round, Voter: w.address}
}

func (w *Worker) validSignedTx() types.SignedTransaction {
	raw := types.RawTransaction{
		Nonce: randomHash(), TimeoutHeight: w.view.height + 20,
		CyclesPrice: 1, CyclesLimit: 1_000_000,
		Service: "byzantine", Method: "noop",
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return types.SignedTransaction{Raw: raw}
	}
	tx, err := crypto.SignTransaction(key, raw)
	if err != nil {
		return types.SignedTransaction{Raw: raw}
	}
	return tx
}

func (w *Worker) mutateHeight(height uint64, c Corruption) uint64 {
	if c == CorruptHeight {
		return height + uint64(1+mathrand.Intn(20))
	}
	return height
}

// --- mutators: exactly one field wrong per Corruption case, everything
// else left at its plausible, observed value. ---

func (w *Worker) mutateProposal(p consensus.Proposal, c Corruption) consensus.Proposal {
	switch c {
	case CorruptHeight:
		p.Height += uint64(1 + mathrand.Intn(20))
	case CorruptRound:
		p.Round += uint64(1 + mathrand.Intn(20))
	case CorruptBlockHash:
		// The block's committed tx hashes no longer match order_root/
		// order_signed_transactions_hash, so the derived block content
		// diverges from what the header claims without touching either
		// root field directly.
		p.Block.TxHashes = append(p.Block.TxHashes, randomHash())
	case CorruptChainID:
		p.Block.Header.ChainID = randomHash()
	case CorruptPrevHash:
		p.Block.Header.PrevHash = randomHash()
	case CorruptTimestamp:
		p.Block.Header.Timestamp = 1 // far in the past: breaks monotonicity
	case CorruptExecHeight:
		p.Block.Header.ExecHeight = p.Block.Header.Height + 1 // cannot exceed committed height
	case CorruptOrderRoot:
		p.Block.Header.OrderRoot = randomHash()
	case CorruptSignedTxsHash:
		p.Block.Header.OrderSignedTransactionsHash = randomHash()
	case CorruptConfirmRoots:
		p.Block.Header.ConfirmRoots = []types.Hash{randomHash()}
	case CorruptStateRoots:
		p.Block.Header.StateRoots = []types.Hash{randomHash()}
	case CorruptReceiptRoots:
		p.Block.Header.ReceiptRoots = []types.Hash{randomHash()}
	case CorruptCyclesUsed:
		p.Block.Header.CyclesUsed = []types.CyclesUsed{{Height: p.Block.Header.Height, Cycles: ^uint64(0)}}
	case CorruptProposerAddress:
		p.Proposer = randomAddress()
		p.Block.Header.ProposerAddress = p.Proposer
	case CorruptValidators:
		p.Block.Header.Validators = types.ValidatorSet{Validators: []types.Validator{{Address: randomAddress()}}}
	case CorruptProof:
		p.Block.Header.Proof.Signature = randomBytes(96)
	}
	return p
}

func (w *Worker) mutateVote(v consensus.Vote, c Corruption) consensus.Vote {
	switch c {
	case CorruptHeight:
		v.Height += uint64(1 + mathrand.Intn(20))
	case CorruptRound:
		v.Round += uint64(1 + mathrand.Intn(20))
	case CorruptBlockHash:
		v.BlockHash = randomHash()
	case CorruptVoter:
		v.Voter = randomAddress()
	case CorruptSignature:
		v.Signature = randomBytes(96)
	}
	return v
}

func (w *Worker) mutateQC(qc consensus.QC, c Corruption) consensus.QC {
	switch c {
	case CorruptHeight:
		qc.Height += uint64(1 + mathrand.Intn(20))
	case CorruptRound:
		qc.Round += uint64(1 + mathrand.Intn(20))
	case CorruptBlockHash:
		qc.BlockHash = randomHash()
	case CorruptSignature:
		qc.Signature = randomBytes(96)
	case CorruptValidators:
		// An over-long bitmap claims signers outside the validator set
		// (the "invalid leader/bitmap" case from the reference driver).
		qc.Bitmap = append(qc.Bitmap, 0xFF)
	}
	return qc
}

func (w *Worker) mutateChoke(ch consensus.Choke, c Corruption) consensus.Choke {
	switch c {
	case CorruptHeight:
		ch.Height += uint64(1 + mathrand.Intn(20))
	case CorruptRound:
		ch.Round += uint64(1 + mathrand.Intn(20))
	case CorruptVoter:
		ch.Voter = randomAddress()
	}
	return ch
}

func (w *Worker) mutateSignedTx(tx types.SignedTransaction, c Corruption) types.SignedTransaction {
	switch c {
	case CorruptChainIDOfTx:
		tx.Raw.ChainID = randomHash()
	case CorruptCyclesPriceOfTx:
		tx.Raw.CyclesPrice = 0
	case CorruptCyclesLimitOfTx:
		tx.Raw.CyclesLimit = 0
	case CorruptNonceOfTx:
		tx.Raw.Nonce = types.Hash{}
	case CorruptTxHash:
		tx.TxHash = randomHash()
	case CorruptSignature:
		tx.Signature = randomBytes(65)
	}
	return tx
}

// --- observing live traffic, mirroring the reference driver's set_state:
// the worker's next fabricated message should track real progress so it
// gets evaluated on the field being attacked, not discarded for being
// wildly out of date. ---

// ObserveProposal updates tracked state from an honest proposal, advancing
// only on a later height or an equal-height round at or after the tracked
// one, exactly as the
// reference driver's height/round admission check does.
func (w *Worker) ObserveProposal(p consensus.Proposal) {
	if !w.advances(p.Height, p.Round) {
		return
	}
	w.view.height = p.Height
	w.view.round = p.Round
	w.view.prevHash = p.Block.Header.PrevHash
	w.view.proof = p.Block.Header.Proof
	w.view.execHeight = p.Block.Header.ExecHeight
	w.view.confirmRoots = p.Block.Header.ConfirmRoots
	w.view.stateRoots = p.Block.Header.StateRoots
	w.view.receiptRoots = p.Block.Header.ReceiptRoots
	w.view.cyclesUsed = p.Block.Header.CyclesUsed
	w.view.validators = p.Block.Header.Validators
}

// ObserveQC advances state past a precommit QC exactly as a real replica
// would upon seeing a finalizing quorum: height+1/round 0 on a real block,
// or round+1 on a nil (timeout) QC.
func (w *Worker) ObserveQC(qc consensus.QC) {
	if qc.VoteType == types.VoteTypePrevote || qc.Height < w.view.height {
		return
	}
	if !qc.BlockHash.IsZero() {
		w.view.height = qc.Height + 1
		w.view.round = 0
		w.view.prevHash = qc.BlockHash
		w.view.proof = qc.ToProof()
		w.view.confirmRoots, w.view.stateRoots, w.view.receiptRoots, w.view.cyclesUsed = nil, nil, nil, nil
		w.view.prevTimestamp = uint64(time.Now().UnixMilli())
		return
	}
	if qc.Round >= w.view.round {
		w.view.height = qc.Height
		w.view.round = qc.Round + 1
	}
}

// ObserveVote advances (height, round) on a strictly newer vote.
func (w *Worker) ObserveVote(v consensus.Vote) {
	if w.advances(v.Height, v.Round) {
		w.view.height = v.Height
		w.view.round = v.Round
	}
}

// ObserveChoke advances (height, round) on a strictly newer choke.
func (w *Worker) ObserveChoke(c consensus.Choke) {
	if w.advances(c.Height, c.Round) {
		w.view.height = c.Height
		w.view.round = c.Round
	}
}

// ObserveHeight advances past a broadcast_height announcement.
func (w *Worker) ObserveHeight(height uint64) {
	if height > w.view.height {
		w.view.height = height
		w.view.round = 0
	}
}

func (w *Worker) advances(height, round uint64) bool {
	return height > w.view.height || (height == w.view.height && round >= w.view.round)
}

// CheckLiveness reports ErrLivenessBroken once no observed progress has
// landed within the fatal threshold, and logs escalating warnings below
// that, mirroring the reference driver's three-tier check_liveness.
func (w *Worker) CheckLiveness(now time.Time) error {
	gap := now.Sub(time.UnixMilli(int64(w.view.prevTimestamp)))
	switch {
	case gap > livenessFatalThreshold:
		return fmt.Errorf("%w: no progress in %s", ErrLivenessBroken, gap)
	case gap > livenessStrongWarnThreshold:
		w.log.Warnw("no consensus progress recently", "gap", gap)
	case gap > livenessWarnThreshold:
		w.log.Infow("consensus progress slower than usual", "gap", gap)
	}
	return nil
}

func encodeGobLocal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("byzantine: encoding message: %w", err)
	}
	return buf.Bytes(), nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func randomHash() types.Hash {
	var h types.Hash
	_, _ = rand.Read(h[:])
	return h
}

func randomAddress() types.Address {
	var a types.Address
	_, _ = rand.Read(a[:])
	return a
}
