// Package sync implements the catch-up Synchronizer (SPEC_FULL §4.F): it
// pulls committed history from peers when the local replica falls behind,
// verifies and re-executes each height exactly as the live consensus engine
// would have, and periodically broadcasts local height so laggards can find
// it in turn.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/aegischain/aegis/internal/consensus"
	"github.com/aegischain/aegis/internal/status"
	"github.com/aegischain/aegis/internal/types"
)

const (
	// onceSyncLimit bounds how many heights a single receive_remote_height
	// call will chase before returning, so one very far ahead peer can't
	// monopolize the synchronizer forever.
	onceSyncLimit = 50

	pollingBroadcastInterval = 2 * time.Second
	liveWarnThreshold        = 5 * time.Minute
	liveFatalThreshold       = 10 * time.Minute

	// singleflightKey is constant: every receive_remote_height call shares
	// one key, so concurrent callers coalesce into a single in-flight sync
	// instead of racing independent catch-up loops.
	singleflightKey = "sync"
)

var (
	ErrAlreadyCaughtUp = errors.New("sync: remote height is not ahead of local")
	ErrLivenessLost    = errors.New("sync: no commit progress within the fatal liveness threshold")
)

// RemoteSource is the narrow seam the synchronizer needs from Network
// Dispatch (component G): pulling catch-up data and announcing local
// height.
type RemoteSource interface {
	FetchRichBlock(ctx context.Context, height uint64) (types.RichBlock, error)
	FetchProof(ctx context.Context, height uint64) (types.Proof, error)
	BroadcastHeight(ctx context.Context, height uint64) error
}

// Status is the narrow seam the synchronizer needs from the Status Agent.
type Status interface {
	Snapshot() status.Status
}

// Synchronizer drives catch-up against remote peers and a periodic
// liveness probe, sharing the Adapter's commit path with the live
// consensus engine so every persisted height goes through one codepath.
type Synchronizer struct {
	adapter *consensus.Adapter
	status  Status
	remote  RemoteSource
	clk     clock.Clock
	log     *zap.SugaredLogger

	group   singleflight.Group
	limiter *rate.Limiter

	lastProgress time.Time

	gaugeLag         prometheus.Gauge
	counterStepsOK   prometheus.Counter
	counterStepsFail prometheus.Counter
}

// New constructs a Synchronizer and registers its metrics on reg.
func New(adapter *consensus.Adapter, st Status, remote RemoteSource, clk clock.Clock, logger *zap.SugaredLogger, reg prometheus.Registerer) (*Synchronizer, error) {
	s := &Synchronizer{
		adapter: adapter,
		status:  st,
		remote:  remote,
		clk:     clk,
		log:     logger.Named("sync"),
		limiter: rate.NewLimiter(rate.Every(pollingBroadcastInterval), 1),

		gaugeLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_sync_lag_heights",
			Help: "Difference between the furthest known remote height and the local committed height.",
		}),
		counterStepsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_sync_steps_completed_total",
			Help: "Per-height catch-up steps that verified, re-executed, and committed successfully.",
		}),
		counterStepsFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_sync_steps_failed_total",
			Help: "Per-height catch-up steps abandoned after a verification or execution error.",
		}),
	}
	for _, c := range []prometheus.Collector{s.gaugeLag, s.counterStepsOK, s.counterStepsFail} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("sync: registering metrics: %w", err)
		}
	}
	s.lastProgress = clk.Now()
	return s, nil
}

// ReceiveRemoteHeight is the entry point component G calls whenever a peer
// announces a height. The singleflight group ensures at most one catch-up
// loop ever runs at a time; a call that arrives while one is already in
// flight waits for it and shares its outcome rather than starting a second,
// redundant loop.
func (s *Synchronizer) ReceiveRemoteHeight(ctx context.Context, remote uint64) error {
	_, err, _ := s.group.Do(singleflightKey, func() (interface{}, error) {
		return nil, s.syncTo(ctx, remote)
	})
	return err
}

func (s *Synchronizer) syncTo(ctx context.Context, remote uint64) error {
	local := s.status.Snapshot().LatestCommittedHeight

	if remote == 0 || remote <= local {
		return ErrAlreadyCaughtUp
	}
	if remote == local+1 {
		// A single height of lag is ordinary propagation delay, not a gap
		// worth a catch-up run: give the live consensus engine one more
		// interval to commit it itself before reconsidering.
		interval := time.Duration(s.status.Snapshot().ConsensusIntervalMillis) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		s.clk.Sleep(interval)
		local = s.status.Snapshot().LatestCommittedHeight
		if remote <= local {
			return ErrAlreadyCaughtUp
		}
	}

	target := remote
	if target > local+onceSyncLimit {
		target = local + onceSyncLimit
	}
	s.gaugeLag.Set(float64(target - local))

	for height := local + 1; height <= target; height++ {
		if err := s.syncHeight(ctx, height); err != nil {
			s.counterStepsFail.Inc()
			return fmt.Errorf("sync: height %d: %w", height, err)
		}
		s.counterStepsOK.Inc()
		s.lastProgress = s.clk.Now()
		s.gaugeLag.Set(float64(target - height))
	}
	return nil
}

// syncHeight runs the six-step per-height pipeline: fetch, verify against
// the previous validator set, re-execute, refresh metadata, commit, and tag
// the network layer with the (possibly rotated) validator set.
func (s *Synchronizer) syncHeight(ctx context.Context, height uint64) error {
	rich, err := s.remote.FetchRichBlock(ctx, height)
	if err != nil {
		return fmt.Errorf("fetching rich block: %w", err)
	}
	// proof independently certifies this height's own quorum, distinct from
	// the header's baked-in Proof field (which instead certifies height-1
	// and is re-verified against the previous validator set by CheckBlock).
	proof, err := s.remote.FetchProof(ctx, height)
	if err != nil {
		return fmt.Errorf("fetching proof: %w", err)
	}

	// Height 1 has no stored predecessor, and CheckBlock verifies no
	// previous proof there, so no previous validator set is needed.
	var prevValidators types.ValidatorSet
	if height > 1 {
		prevBlock, err := s.adapter.GetBlockByHeight(height - 1)
		if err != nil {
			return fmt.Errorf("loading previous block: %w", err)
		}
		prevValidators = prevBlock.Header.Validators
	}

	validators := rich.Block.Header.Validators
	if err := s.adapter.CheckBlock(rich.Block, prevValidators, validators); err != nil {
		return fmt.Errorf("verifying header: %w", err)
	}
	if proof.BlockHash != types.HashHeader(rich.Block.Header) {
		return errors.New("fetched proof does not certify the fetched block")
	}
	if err := s.adapter.VerifyProof(validators, proof); err != nil {
		return fmt.Errorf("verifying quorum proof: %w", err)
	}
	if types.OrderSignedTransactionsHash(rich.SignedTxs) != rich.Block.Header.OrderSignedTransactionsHash {
		return errors.New("order-signed-transactions hash does not match header")
	}

	result, err := s.adapter.Execute(rich.Block, rich.SignedTxs)
	if err != nil {
		return fmt.Errorf("re-executing block: %w", err)
	}

	meta, err := s.adapter.GetMetadata(result.StateRoot, height, rich.Block.Header.Timestamp, rich.Block.Header.ProposerAddress)
	if err != nil {
		return fmt.Errorf("fetching metadata: %w", err)
	}

	blockHash := types.HashHeader(rich.Block.Header)
	if err := s.adapter.Commit(rich.Block, blockHash, rich.SignedTxs, result, proof, meta); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	if err := s.adapter.UpdateExecuted(status.ExecutedInfo{Height: height, StateRoot: result.StateRoot}); err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	if err := s.adapter.TagConsensus(validatorAddresses(meta.Validators)); err != nil {
		s.log.Warnw("tagging validators at network layer failed", "height", height, "error", err)
	}
	return nil
}

func validatorAddresses(vs types.ValidatorSet) []types.Address {
	out := make([]types.Address, len(vs.Validators))
	for i, v := range vs.Validators {
		out[i] = v.Address
	}
	return out
}

// RunLivenessProbe broadcasts local height on a rate-limited ticker until
// ctx is cancelled, and reports (via the returned error channel) a fatal
// liveness loss if no height has committed within liveFatalThreshold.
// Callers run this in its own goroutine alongside the consensus engine.
func (s *Synchronizer) RunLivenessProbe(ctx context.Context) <-chan error {
	fatal := make(chan error, 1)
	ticker := s.clk.Ticker(pollingBroadcastInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.probeOnce(ctx, now, fatal)
			}
		}
	}()
	return fatal
}

func (s *Synchronizer) probeOnce(ctx context.Context, now time.Time, fatal chan<- error) {
	height := s.status.Snapshot().LatestCommittedHeight
	if height > 0 && s.limiter.Allow() {
		if err := s.remote.BroadcastHeight(ctx, height); err != nil {
			s.log.Warnw("broadcasting local height failed", "height", height, "error", err)
		}
	}

	idle := now.Sub(s.lastProgress)
	switch {
	case idle >= liveFatalThreshold:
		select {
		case fatal <- fmt.Errorf("%w: no commit in %s", ErrLivenessLost, idle):
		default:
		}
	case idle >= liveWarnThreshold:
		s.log.Warnw("no commit progress recently", "idle", idle)
	}
}

// InitAfterCrash re-executes every height between exec_height+1 and
// latest_committed_height without committing and records each through
// UpdateExecuted, bringing exec_height up to latest_committed_height. Each
// recorded height drains one entry from the Status accumulator lists; the
// lists are not rebuilt here, so they must already hold those entries in
// the status the agent was started with.
// The live consensus engine must not start until this returns.
func (s *Synchronizer) InitAfterCrash(ctx context.Context) error {
	snap := s.status.Snapshot()
	for height := snap.ExecHeight + 1; height <= snap.LatestCommittedHeight; height++ {
		block, err := s.adapter.GetBlockByHeight(height)
		if err != nil {
			return fmt.Errorf("sync: loading block %d to re-execute after restart: %w", height, err)
		}
		txs, err := s.adapter.GetSignedTransactionsByHashes(block.TxHashes)
		if err != nil {
			return fmt.Errorf("sync: loading persisted transactions for height %d: %w", height, err)
		}
		result, err := s.adapter.Execute(block, txs)
		if err != nil {
			return fmt.Errorf("sync: re-executing height %d: %w", height, err)
		}
		if err := s.adapter.UpdateExecuted(status.ExecutedInfo{Height: height, StateRoot: result.StateRoot}); err != nil {
			return fmt.Errorf("sync: recording execution for height %d: %w", height, err)
		}
	}
	return nil
}
