package mempool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aegischain/aegis/internal/crypto"
	"github.com/aegischain/aegis/internal/types"
)

// Broadcaster is the narrow outbound seam Mempool needs from Network
// Dispatch (component G); kept as an interface so mempool tests never need
// a real transport.
type Broadcaster interface {
	BroadcastTxs(ctx context.Context, txs []types.SignedTransaction) error
}

// Puller is the narrow inbound seam Mempool needs to recover hashes it does
// not hold locally (ensure_order_txs / sync_propose_txs).
type Puller interface {
	PullTxs(ctx context.Context, hashes []types.Hash) ([]types.SignedTransaction, error)
}

// CommitChecker probes durable storage for already-mined transactions, so
// Insert can reject re-admission of a CommittedTx.
type CommitChecker interface {
	HasCommittedTx(hash types.Hash) (bool, error)
}

// Config bundles the admission limits and broadcast batching parameters
// (SPEC_FULL §4.B).
type Config struct {
	ChainID              types.Hash
	PoolSize             int
	TxNumLimit           uint64
	CyclesLimitMax       uint64
	TxSizeLimitMax       int
	TimeoutGap           uint64
	BroadcastTxsSize     int
	BroadcastTxsInterval time.Duration
	BroadcastRatePerSec  float64
	BroadcastBurst       int
}

// Mempool is the admission/packaging/flush service described by SPEC_FULL
// §4.B, built on top of the ring-buffer txCache.
type Mempool struct {
	cfg Config
	tc  *txCache

	broadcaster Broadcaster
	puller      Puller
	committed   CommitChecker

	clock   clock.Clock
	limiter *rate.Limiter

	// currentHeight tracks the chain height as of the last Flush, so admit
	// can reject already-expired or too-far-future transactions at insert
	// time rather than silently accepting them until the next Package.
	currentHeight atomic.Uint64

	collectMu sync.Mutex
	collected []types.SignedTransaction
	failureCh chan error

	log *zap.SugaredLogger

	admissions *prometheus.CounterVec
	occupancy  prometheus.Gauge

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Mempool. committed may be nil to skip the CommittedTx
// check (e.g. in tests that never commit anything).
func New(cfg Config, broadcaster Broadcaster, puller Puller, committed CommitChecker, logger *zap.SugaredLogger, reg prometheus.Registerer) (*Mempool, error) {
	if cfg.PoolSize <= 0 {
		return nil, errors.New("mempool: pool size must be positive")
	}
	if cfg.BroadcastTxsSize <= 0 {
		cfg.BroadcastTxsSize = 200
	}
	if cfg.BroadcastTxsInterval <= 0 {
		cfg.BroadcastTxsInterval = 200 * time.Millisecond
	}
	if cfg.BroadcastRatePerSec <= 0 {
		cfg.BroadcastRatePerSec = 50
	}
	if cfg.BroadcastBurst <= 0 {
		cfg.BroadcastBurst = cfg.BroadcastTxsSize
	}

	log := logger.Named("mempool")
	ctx, cancel := context.WithCancel(context.Background())

	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_mempool_admissions_total",
		Help: "Transaction admission attempts by outcome.",
	}, []string{"outcome"})
	occupancy := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_mempool_occupancy",
		Help: "Current number of transactions held in the mempool.",
	})
	if err := reg.Register(admissions); err != nil {
		cancel()
		return nil, fmt.Errorf("mempool: registering admissions counter: %w", err)
	}
	if err := reg.Register(occupancy); err != nil {
		cancel()
		return nil, fmt.Errorf("mempool: registering occupancy gauge: %w", err)
	}

	return &Mempool{
		cfg:         cfg,
		tc:          newTxCache(cfg.PoolSize, log),
		broadcaster: broadcaster,
		puller:      puller,
		committed:   committed,
		clock:       clock.New(),
		limiter:     rate.NewLimiter(rate.Limit(cfg.BroadcastRatePerSec), cfg.BroadcastBurst),
		failureCh:   make(chan error, 64),
		log:         log,
		admissions:  admissions,
		occupancy:   occupancy,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start launches the broadcast-batching timer loop.
func (p *Mempool) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.broadcastLoop()
	})
}

// Stop halts the broadcast loop and waits for it to exit.
func (p *Mempool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

// Failures exposes asynchronous broadcast errors; network failures do not
// roll back an already-accepted insert (SPEC_FULL §4.B failure semantics).
func (p *Mempool) Failures() <-chan error {
	return p.failureCh
}

// Len reports current pool occupancy.
func (p *Mempool) Len() int {
	return p.tc.len()
}

// Insert runs the full admission pipeline and, on success, queues the
// transaction for batched broadcast.
func (p *Mempool) Insert(ctx context.Context, tx types.SignedTransaction) error {
	if err := p.admit(tx); err != nil {
		p.admissions.WithLabelValues(outcomeLabel(err)).Inc()
		return err
	}
	if err := p.tc.insertNewTx(tx); err != nil {
		p.admissions.WithLabelValues(outcomeLabel(err)).Inc()
		return err
	}
	p.admissions.WithLabelValues("ok").Inc()
	p.occupancy.Set(float64(p.tc.len()))
	p.collect(tx)
	return nil
}

func (p *Mempool) admit(tx types.SignedTransaction) error {
	if tx.Raw.ChainID != p.cfg.ChainID {
		return ErrWrongChain
	}
	height := p.currentHeight.Load()
	deadline := height + p.cfg.TimeoutGap
	switch {
	case tx.Raw.TimeoutHeight <= height:
		return ErrTimeout
	case tx.Raw.TimeoutHeight > deadline:
		return ErrInvalidTimeout
	}
	if tx.TxHash != types.TxHash(tx.Raw) {
		return ErrCheckHash
	}
	if err := crypto.VerifyTransactionSignature(tx); err != nil {
		return ErrCheckAuthorization
	}
	if tx.Raw.CyclesLimit > p.cfg.CyclesLimitMax {
		return ErrExceedCyclesLimit
	}
	encoded, err := types.EncodeSignedTransaction(tx)
	if err == nil && p.cfg.TxSizeLimitMax > 0 && len(encoded) > p.cfg.TxSizeLimitMax {
		return ErrExceedSizeLimit
	}
	if p.tc.len() >= p.cfg.PoolSize {
		return ErrReachLimit
	}
	if p.tc.contains(tx.TxHash) {
		return ErrDup
	}
	if p.committed != nil {
		has, err := p.committed.HasCommittedTx(tx.TxHash)
		if err != nil {
			return fmt.Errorf("mempool: committed-tx probe: %w", err)
		}
		if has {
			return ErrCommittedTx
		}
	}
	return nil
}

// Package partitions the current incumbent queue into order/propose hash
// lists bounded by txNumLimit, at currentHeight with the configured timeout
// gap (SPEC_FULL §4.B).
func (p *Mempool) Package(currentHeight uint64) MixedTxHashes {
	deadline := currentHeight + p.cfg.TimeoutGap
	return p.tc.packageTxs(p.cfg.TxNumLimit, currentHeight, deadline)
}

// Flush marks hashes removed (now on-chain) and sweeps them out of the
// queues; safe to call concurrently with Insert.
func (p *Mempool) Flush(currentHeight uint64, hashes []types.Hash) {
	p.currentHeight.Store(currentHeight)
	deadline := currentHeight + p.cfg.TimeoutGap
	p.tc.flush(hashes, currentHeight, deadline)
	p.occupancy.Set(float64(p.tc.len()))
}

// GetFullTxs returns the full signed transactions for hashes, failing if any
// are missing locally.
func (p *Mempool) GetFullTxs(hashes []types.Hash) ([]types.SignedTransaction, error) {
	out := make([]types.SignedTransaction, 0, len(hashes))
	for _, h := range hashes {
		tx, ok := p.tc.get(h)
		if !ok {
			return nil, fmt.Errorf("%w: %x", ErrMissingTxs, h[:])
		}
		out = append(out, tx)
	}
	return out, nil
}

// EnsureOrderTxs guarantees every hash in the order partition is present
// locally, pulling missing ones from peers and inserting them with
// proposed=true.
func (p *Mempool) EnsureOrderTxs(ctx context.Context, hashes []types.Hash) error {
	return p.ensureTxs(ctx, hashes)
}

// SyncProposeTxs is the equivalent guarantee for the propose partition.
func (p *Mempool) SyncProposeTxs(ctx context.Context, hashes []types.Hash) error {
	return p.ensureTxs(ctx, hashes)
}

func (p *Mempool) ensureTxs(ctx context.Context, hashes []types.Hash) error {
	missing := p.tc.showUnknown(hashes)
	if len(missing) == 0 {
		return nil
	}
	if p.puller == nil {
		return fmt.Errorf("%w: %d hashes missing, no puller configured", ErrMissingTxs, len(missing))
	}
	pulled, err := p.puller.PullTxs(ctx, missing)
	if err != nil {
		return fmt.Errorf("mempool: pulling missing transactions: %w", err)
	}
	for _, tx := range pulled {
		if err := p.tc.insertProposeTx(tx); err != nil && !errors.Is(err, ErrDup) {
			p.log.Warnw("failed to insert propose-synced transaction", "tx_hash", tx.TxHash, "error", err)
		}
	}
	if stillMissing := p.tc.showUnknown(hashes); len(stillMissing) > 0 {
		return fmt.Errorf("%w: %d hashes still missing after sync", ErrMissingTxs, len(stillMissing))
	}
	return nil
}

// collect buffers tx for batched broadcast, flushing immediately if the
// batch has reached broadcast_txs_size.
func (p *Mempool) collect(tx types.SignedTransaction) {
	p.collectMu.Lock()
	p.collected = append(p.collected, tx)
	full := len(p.collected) >= p.cfg.BroadcastTxsSize
	var batch []types.SignedTransaction
	if full {
		batch = p.collected
		p.collected = nil
	}
	p.collectMu.Unlock()

	if full {
		p.flushBroadcast(batch)
	}
}

func (p *Mempool) broadcastLoop() {
	defer p.wg.Done()
	ticker := p.clock.Ticker(p.cfg.BroadcastTxsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.collectMu.Lock()
			batch := p.collected
			p.collected = nil
			p.collectMu.Unlock()
			if len(batch) > 0 {
				p.flushBroadcast(batch)
			}
		}
	}
}

func (p *Mempool) flushBroadcast(batch []types.SignedTransaction) {
	if p.broadcaster == nil {
		return
	}
	if err := p.limiter.WaitN(p.ctx, 1); err != nil {
		return
	}
	if err := p.broadcaster.BroadcastTxs(p.ctx, batch); err != nil {
		select {
		case p.failureCh <- err:
		default:
			p.log.Warnw("dropping broadcast failure, channel full", "error", err)
		}
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrDup):
		return "dup"
	case errors.Is(err, ErrReachLimit):
		return "reach_limit"
	case errors.Is(err, ErrInvalidTimeout):
		return "invalid_timeout"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExceedCyclesLimit):
		return "exceed_cycles"
	case errors.Is(err, ErrExceedSizeLimit):
		return "exceed_size"
	case errors.Is(err, ErrWrongChain):
		return "wrong_chain"
	case errors.Is(err, ErrCheckHash):
		return "check_hash"
	case errors.Is(err, ErrCheckAuthorization):
		return "check_authorization"
	case errors.Is(err, ErrCommittedTx):
		return "committed_tx"
	default:
		return "other"
	}
}
