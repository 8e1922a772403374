package consensus

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/crypto"
	"github.com/aegischain/aegis/internal/merkle"
	"github.com/aegischain/aegis/internal/status"
	"github.com/aegischain/aegis/internal/types"
)

// ErrEngineAlreadyRunning is returned by Start when the engine's round loop
// is already active.
var ErrEngineAlreadyRunning = errors.New("consensus: engine is already running")

// EngineConfig identifies this replica within the validator set it drives.
type EngineConfig struct {
	LocalAddress  types.Address
	BLSPrivateKey *big.Int
}

// Engine is the Propose/Prevote/Precommit/Commit/Brake state machine of
// SPEC_FULL §4.E. It owns no network socket of its own: inbound messages
// arrive through HandleProposal/HandleVote/HandleChoke, and outbound
// messages go out through the Adapter's Broadcast* methods.
type Engine struct {
	adapter *Adapter
	cfg     EngineConfig
	clk     clock.Clock
	log     *zap.SugaredLogger
	bls     *crypto.BLSSuite

	proposalCh chan Proposal
	voteCh     chan Vote
	chokeCh    chan Choke

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once

	gaugeHeight       prometheus.Gauge
	gaugeRound        prometheus.Gauge
	gaugeStep         prometheus.Gauge
	histProposeCommit prometheus.Histogram
}

// NewEngine constructs an Engine bound to adapter; clk should be
// clock.New() in production and a clock.Mock in tests so round timeouts
// advance deterministically instead of via real sleeps.
func NewEngine(adapter *Adapter, cfg EngineConfig, clk clock.Clock, logger *zap.SugaredLogger, reg prometheus.Registerer) (*Engine, error) {
	log := logger.Named("consensus_engine")
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		adapter:    adapter,
		cfg:        cfg,
		clk:        clk,
		log:        log,
		bls:        crypto.NewBLSSuite(),
		proposalCh: make(chan Proposal, 64),
		voteCh:     make(chan Vote, 4096),
		chokeCh:    make(chan Choke, 4096),
		ctx:        ctx,
		cancel:     cancel,
		gaugeHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_consensus_height",
			Help: "Current consensus height.",
		}),
		gaugeRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_consensus_round",
			Help: "Current consensus round within the height.",
		}),
		gaugeStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_consensus_step",
			Help: "Current consensus step (0=propose,1=prevote,2=precommit,3=commit,4=brake).",
		}),
		histProposeCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aegis_consensus_propose_to_commit_seconds",
			Help:    "Latency from entering Propose to reaching Commit for a height.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{e.gaugeHeight, e.gaugeRound, e.gaugeStep, e.histProposeCommit} {
		if err := reg.Register(c); err != nil {
			cancel()
			return nil, err
		}
	}
	return e, nil
}

// Start launches the engine's round-driving goroutine. Calling Start twice
// returns ErrEngineAlreadyRunning rather than spawning a second loop.
func (e *Engine) Start() error {
	if e.running.Load() {
		return ErrEngineAlreadyRunning
	}
	e.startOnce.Do(func() {
		e.running.Store(true)
		e.wg.Add(1)
		go e.loop()
	})
	return nil
}

// Stop halts the engine and waits for its goroutine to exit.
func (e *Engine) Stop() {
	if !e.running.Load() {
		return
	}
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.running.Store(false)
	})
}

// HandleProposal delivers an inbound proposal from the network layer.
func (e *Engine) HandleProposal(p Proposal) {
	select {
	case e.proposalCh <- p:
	default:
		e.log.Warnw("dropping proposal, inbound queue full", "height", p.Height, "round", p.Round)
	}
}

// HandleVote delivers an inbound prevote or precommit.
func (e *Engine) HandleVote(v Vote) {
	select {
	case e.voteCh <- v:
	default:
		e.log.Warnw("dropping vote, inbound queue full", "height", v.Height, "round", v.Round)
	}
}

// HandleChoke delivers an inbound choke.
func (e *Engine) HandleChoke(c Choke) {
	select {
	case e.chokeCh <- c:
	default:
		e.log.Warnw("dropping choke, inbound queue full", "height", c.Height, "round", c.Round)
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()
	s := e.adapter.status.Snapshot()
	height := s.LatestCommittedHeight + 1

	for {
		if e.ctx.Err() != nil {
			return
		}
		e.gaugeHeight.Set(float64(height))
		if err := e.runHeight(height); err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.log.Errorw("height failed, retrying", "height", height, "error", err)
			continue
		}
		height++
	}
}

// roundTimeouts derives Propose/Prevote/Precommit/Brake phase durations
// from the current consensus interval and phase ratios (thousandths),
// per SPEC_FULL §4.E.
func roundTimeouts(s status.Status) (propose, prevote, precommit, brake time.Duration) {
	base := time.Duration(s.ConsensusIntervalMillis) * time.Millisecond
	scale := func(ratio uint64) time.Duration {
		return base * time.Duration(ratio) / 1000
	}
	return scale(s.ProposeRatio), scale(s.PrevoteRatio), scale(s.PrecommitRatio), scale(s.BrakeRatio)
}

// runHeight drives rounds for height until one commits.
func (e *Engine) runHeight(height uint64) error {
	start := e.clk.Now()
	s := e.adapter.status.Snapshot()
	validators := s.Validators.Sorted()

	var round uint64
	var hasLock bool
	var lockedRound uint64
	var lockedHash types.Hash
	var lockedBlock *types.Block

	for {
		if e.ctx.Err() != nil {
			return e.ctx.Err()
		}
		e.gaugeRound.Set(float64(round))

		committed, qc, block, blockHash, newLock, err := e.runRound(height, round, validators, hasLock, lockedRound, lockedHash, lockedBlock)
		if err != nil {
			return err
		}
		if newLock != nil {
			hasLock, lockedRound, lockedHash, lockedBlock = true, newLock.round, newLock.hash, newLock.block
		}
		if committed {
			e.histProposeCommit.Observe(e.clk.Now().Sub(start).Seconds())
			return e.commitHeight(height, block, blockHash, qc)
		}
		round++
	}
}

type lockState struct {
	round uint64
	hash  types.Hash
	block *types.Block
}

// runRound executes exactly one round of Propose/Prevote/Precommit. It
// returns committed=true with the agreed block, its hash and the QC once a
// precommit QC for a non-empty hash is reached; otherwise it returns a
// possibly-updated lock for the caller to carry into the next round.
func (e *Engine) runRound(height, round uint64, validators types.ValidatorSet, hasLock bool, lockedRound uint64, lockedHash types.Hash, lockedBlock *types.Block) (committed bool, qc QC, block types.Block, blockHash types.Hash, newLock *lockState, err error) {
	e.gaugeStep.Set(float64(StepPropose))
	proposal, proposalOK := e.runPropose(height, round, validators, hasLock, lockedRound, lockedHash, lockedBlock)

	prevoteHash := types.Hash{}
	var proposedBlock types.Block
	if proposalOK {
		if checkErr := e.checkProposal(proposal); checkErr == nil {
			prevoteHash = types.HashHeader(proposal.Block.Header)
			proposedBlock = proposal.Block
		} else {
			e.log.Warnw("rejecting proposal", "height", height, "round", round, "error", checkErr)
		}
	}
	if hasLock && prevoteHash != lockedHash {
		// Classic BFT lock rule: without a superseding PoLC for a higher
		// round, stick to the locked value rather than the new proposal.
		if !(proposalOK && proposal.HasPolc && proposal.PolcRound >= lockedRound) {
			prevoteHash = lockedHash
			if lockedBlock != nil {
				proposedBlock = *lockedBlock
			}
		}
	}

	e.gaugeStep.Set(float64(StepPrevote))
	prevoteTimeouts := e.clkTimeouts()
	e.castVote(height, round, types.VoteTypePrevote, prevoteHash, validators)
	prevoteQC, prevoteOK := e.collectVotes(height, round, types.VoteTypePrevote, validators, prevoteTimeouts.prevote)

	if !prevoteOK || prevoteQC.BlockHash.IsZero() {
		e.runBrake(height, round, validators, prevoteTimeouts.brake)
		return false, QC{}, types.Block{}, types.Hash{}, nil, nil
	}
	newLock = &lockState{round: round, hash: prevoteQC.BlockHash, block: &proposedBlock}

	e.gaugeStep.Set(float64(StepPrecommit))
	e.castVote(height, round, types.VoteTypePrecommit, prevoteQC.BlockHash, validators)
	precommitQC, precommitOK := e.collectVotes(height, round, types.VoteTypePrecommit, validators, prevoteTimeouts.precommit)

	if !precommitOK || precommitQC.BlockHash.IsZero() {
		e.runBrake(height, round, validators, prevoteTimeouts.brake)
		return false, QC{}, types.Block{}, types.Hash{}, newLock, nil
	}

	e.gaugeStep.Set(float64(StepCommit))
	return true, precommitQC, proposedBlock, precommitQC.BlockHash, newLock, nil
}

type phaseTimeouts struct {
	propose, prevote, precommit, brake time.Duration
}

func (e *Engine) clkTimeouts() phaseTimeouts {
	s := e.adapter.status.Snapshot()
	propose, prevote, precommit, brake := roundTimeouts(s)
	return phaseTimeouts{propose, prevote, precommit, brake}
}

// runPropose either builds and broadcasts this replica's own proposal (if
// it is proposer-of-round) or waits to receive one from the expected
// proposer before the propose timeout elapses.
func (e *Engine) runPropose(height, round uint64, validators types.ValidatorSet, hasLock bool, lockedRound uint64, lockedHash types.Hash, lockedBlock *types.Block) (Proposal, bool) {
	proposer := proposerForRound(validators, height, round)
	timeouts := e.clkTimeouts()

	if proposer == e.cfg.LocalAddress {
		p, ok := e.buildProposal(height, round, hasLock, lockedRound, lockedHash, lockedBlock)
		if ok {
			_ = e.adapter.BroadcastProposal(e.ctx, p)
		}
		return p, ok
	}

	timer := e.clk.Timer(timeouts.propose)
	defer timer.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return Proposal{}, false
		case <-timer.C:
			return Proposal{}, false
		case p := <-e.proposalCh:
			if p.Height == height && p.Round == round && p.Proposer == proposer {
				return p, true
			}
		}
	}
}

// buildProposal assembles a new block from the current status snapshot and
// the mempool's packaged transactions. If hasLock is set, the replica must
// re-propose its locked value rather than a fresh one (PoLC carry-forward).
func (e *Engine) buildProposal(height, round uint64, hasLock bool, lockedRound uint64, lockedHash types.Hash, lockedBlock *types.Block) (Proposal, bool) {
	if hasLock && lockedBlock != nil {
		return Proposal{
			Height: height, Round: round, Proposer: e.cfg.LocalAddress,
			Block: *lockedBlock, HasPolc: true, PolcRound: lockedRound, PolcHash: lockedHash,
		}, true
	}

	s := e.adapter.status.Snapshot()
	mixed := e.adapter.GetTxsFromMempool(height, s.TxNumLimit)
	hashes := append(append([]types.Hash{}, mixed.OrderTxHashes...), mixed.ProposeTxHashes...)

	orderRoot, err := rootOrZero(hashes)
	if err != nil {
		e.log.Errorw("failed to build order root for proposal", "height", height, "error", err)
		return Proposal{}, false
	}
	txs, err := e.adapter.mempool.GetFullTxs(hashes)
	if err != nil {
		e.log.Errorw("failed to fetch full txs for proposal", "height", height, "error", err)
		return Proposal{}, false
	}

	header := types.Header{
		ChainID:                     e.adapter.chainID,
		Height:                      height,
		ExecHeight:                  s.ExecHeight,
		PrevHash:                    s.CurrentHash,
		Timestamp:                   uint64(e.clk.Now().UnixMilli()),
		OrderRoot:                   orderRoot,
		OrderSignedTransactionsHash: types.OrderSignedTransactionsHash(txs),
		ConfirmRoots:                append([]types.Hash{}, s.ListConfirmRoot...),
		StateRoots:                  append([]types.Hash{}, s.ListStateRoot...),
		ReceiptRoots:                append([]types.Hash{}, s.ListReceiptRoot...),
		CyclesUsed:                  append([]types.CyclesUsed{}, s.ListCyclesUsed...),
		ProposerAddress:             e.cfg.LocalAddress,
		Proof:                       s.CurrentProof,
		ValidatorVersion:            1,
		Validators:                  s.Validators,
	}
	block := types.Block{Header: header, TxHashes: hashes}
	return Proposal{Height: height, Round: round, Proposer: e.cfg.LocalAddress, Block: block, Txs: txs}, true
}

func rootOrZero(hashes []types.Hash) (types.Hash, error) {
	if len(hashes) == 0 {
		return types.Hash{}, nil
	}
	return merkle.Root(hashes)
}

// checkProposal runs the adapter's CheckBlock against a received (non-local)
// proposal. CheckTxs is not run here, so the proposal's transactions and
// order root are not verified before voting. Accepting one's own freshly built
// proposal skips this, since it was built from the same status snapshot.
func (e *Engine) checkProposal(p Proposal) error {
	s := e.adapter.status.Snapshot()
	if p.Proposer == e.cfg.LocalAddress {
		return nil
	}
	if err := e.adapter.CheckBlock(p.Block, s.Validators, s.Validators); err != nil {
		return err
	}
	return nil
}

// castVote signs and broadcasts this replica's own vote, and feeds it back
// into the local tally as if received from the network (a validator's own
// vote counts toward quorum).
func (e *Engine) castVote(height, round uint64, voteType types.VoteType, blockHash types.Hash, validators types.ValidatorSet) {
	digest := types.VoteDigest(height, round, voteType, blockHash)
	sig := e.bls.Sign(e.cfg.BLSPrivateKey, digest)
	v := Vote{Height: height, Round: round, VoteType: voteType, BlockHash: blockHash, Voter: e.cfg.LocalAddress, Signature: sig}
	_ = e.adapter.BroadcastVote(e.ctx, v)
	e.HandleVote(v)
}

// collectVotes drains voteCh for (height, round, voteType) until a quorum
// certificate is built or timeout elapses, aggregating signatures through
// the BLS suite once weight clears two thirds.
func (e *Engine) collectVotes(height, round uint64, voteType types.VoteType, validators types.ValidatorSet, timeout time.Duration) (QC, bool) {
	tally := newRoundTally(validators)
	timer := e.clk.Timer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return QC{}, false
		case <-timer.C:
			return QC{}, false
		case v := <-e.voteCh:
			if v.Height != height || v.Round != round || v.VoteType != voteType {
				continue
			}
			qc, built := tally.add(v)
			if !built {
				continue
			}
			agg, err := e.bls.AggregateSignatures(tally.signatures(qc.BlockHash))
			if err != nil {
				e.log.Errorw("failed to aggregate quorum signatures", "height", height, "round", round, "error", err)
				continue
			}
			qc.Signature = agg
			return qc, true
		}
	}
}

// runBrake is the liveness path: broadcast a choke for this round, wait up
// to the brake timeout for a choke quorum, and return either way (the
// caller always bumps the round after a brake).
func (e *Engine) runBrake(height, round uint64, validators types.ValidatorSet, timeout time.Duration) {
	e.gaugeStep.Set(float64(StepBrake))
	_ = e.adapter.BroadcastChoke(e.ctx, Choke{Height: height, Round: round, Voter: e.cfg.LocalAddress})

	tally := newChokeTally(validators)
	timer := e.clk.Timer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
			return
		case c := <-e.chokeCh:
			if c.Height != height || c.Round != round {
				continue
			}
			if tally.add(c) {
				return
			}
		}
	}
}

// commitHeight executes the agreed block, persists it, and advances
// Status, then flushes the mempool.
func (e *Engine) commitHeight(height uint64, block types.Block, blockHash types.Hash, qc QC) error {
	txs, err := e.adapter.mempool.GetFullTxs(block.TxHashes)
	if err != nil {
		return err
	}
	result, err := e.adapter.Execute(block, txs)
	if err != nil {
		return err
	}
	proof := qc.ToProof()
	meta, err := e.adapter.GetMetadata(result.StateRoot, height, block.Header.Timestamp, block.Header.ProposerAddress)
	if err != nil {
		return err
	}
	if err := e.adapter.Commit(block, blockHash, txs, result, proof, meta); err != nil {
		return err
	}
	return e.adapter.status.UpdateByExecuted(status.ExecutedInfo{Height: height, StateRoot: result.StateRoot})
}

// proposerForRound picks the round's proposer by weighted round robin over
// propose_weight, canonical address order as the tie-break.
func proposerForRound(validators types.ValidatorSet, height, round uint64) types.Address {
	if len(validators.Validators) == 0 {
		return types.Address{}
	}
	var totalWeight uint64
	for _, v := range validators.Validators {
		totalWeight += uint64(v.ProposeWeight)
	}
	if totalWeight == 0 {
		return validators.Validators[(height+round)%uint64(len(validators.Validators))].Address
	}
	target := (height + round) % totalWeight
	var acc uint64
	for _, v := range validators.Validators {
		acc += uint64(v.ProposeWeight)
		if target < acc {
			return v.Address
		}
	}
	return validators.Validators[len(validators.Validators)-1].Address
}
