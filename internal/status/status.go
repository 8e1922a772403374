// Package status holds the Status Agent: the single shared, mutex-guarded
// snapshot of live consensus status that every other component reads and
// that only commit and execution may mutate (SPEC_FULL §4.A).
package status

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/types"
)

var (
	ErrExecPastCommitted = errors.New("status: exec_height exceeds latest_committed_height")
	ErrListLengthMismatch = errors.New("status: accumulated list length does not match height gap")
	ErrProofHeightMismatch = errors.New("status: proof height does not match latest_committed_height")
)

// Metadata carries the hot-reloadable cadence and limit parameters that
// update_by_committed absorbs from the metadata service (SPEC_FULL §4.D
// get_metadata), letting cadence and resource limits change across height
// boundaries without a restart.
type Metadata struct {
	ConsensusIntervalMillis uint64
	ProposeRatio            uint64
	PrevoteRatio            uint64
	PrecommitRatio          uint64
	BrakeRatio              uint64
	TxNumLimit              uint64
	CyclesLimit             uint64
	TxSizeLimit             uint64
	TimeoutGap              uint64
	Validators              types.ValidatorSet
}

// PendingExecution is the per-height confirm/state/receipt root and cycles
// entry update_by_committed pushes onto the accumulated lists for the
// height just committed. The caller (the Adapter's Commit) supplies it from
// the executor's ExecutionResult for that height, since the committed
// block's header itself only carries the lists as they stood at propose
// time, before this height's own execution result existed.
type PendingExecution struct {
	ConfirmRoot types.Hash
	StateRoot   types.Hash
	ReceiptRoot types.Hash
	CyclesUsed  uint64
}

// ExecutedInfo is what update_by_executed records for a single height: the
// state root produced once that height's block has actually been run
// through the executor. The per-height confirm/receipt/cycles entries
// themselves already live in the accumulated lists (appended by
// UpdateByCommitted from its PendingExecution); executing a height only
// drains its consumed entry and refreshes the cached latest state root.
type ExecutedInfo struct {
	Height    uint64
	StateRoot types.Hash
}

// Status is the live snapshot. All fields are guarded by mu; callers only
// ever see a copy returned by Snapshot.
type Status struct {
	LatestCommittedHeight uint64
	ExecHeight            uint64
	CurrentHash           types.Hash
	LatestStateRoot       types.Hash
	Validators            types.ValidatorSet
	CurrentProof          types.Proof

	ConsensusIntervalMillis uint64
	ProposeRatio            uint64
	PrevoteRatio            uint64
	PrecommitRatio          uint64
	BrakeRatio              uint64
	TxNumLimit              uint64
	CyclesLimit             uint64
	TxSizeLimit             uint64
	TimeoutGap              uint64

	ListConfirmRoot []types.Hash
	ListStateRoot   []types.Hash
	ListReceiptRoot []types.Hash
	ListCyclesUsed  []types.CyclesUsed
}

// Agent is the thread-safe holder described by SPEC_FULL §4.A: snapshot()
// plus exactly two guarded mutation entrypoints.
type Agent struct {
	mu     sync.RWMutex
	status Status

	log *zap.SugaredLogger

	gaugeCommittedHeight prometheus.Gauge
	gaugeExecHeight      prometheus.Gauge
}

// New constructs an Agent seeded with the genesis status and registers its
// gauges on reg.
func New(logger *zap.SugaredLogger, reg prometheus.Registerer, initial Status) (*Agent, error) {
	a := &Agent{
		status: initial,
		log:    logger.Named("status"),
		gaugeCommittedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_status_latest_committed_height",
			Help: "Latest committed block height known to the Status Agent.",
		}),
		gaugeExecHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_status_exec_height",
			Help: "Latest executed block height known to the Status Agent.",
		}),
	}
	if err := reg.Register(a.gaugeCommittedHeight); err != nil {
		return nil, fmt.Errorf("status: registering committed height gauge: %w", err)
	}
	if err := reg.Register(a.gaugeExecHeight); err != nil {
		return nil, fmt.Errorf("status: registering exec height gauge: %w", err)
	}
	a.gaugeCommittedHeight.Set(float64(initial.LatestCommittedHeight))
	a.gaugeExecHeight.Set(float64(initial.ExecHeight))
	return a, nil
}

// Snapshot returns a copy of the current status. Slice fields are copied so
// callers cannot mutate the Agent's internal state through the returned
// value.
func (a *Agent) Snapshot() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.status
	s.ListConfirmRoot = append([]types.Hash(nil), a.status.ListConfirmRoot...)
	s.ListStateRoot = append([]types.Hash(nil), a.status.ListStateRoot...)
	s.ListReceiptRoot = append([]types.Hash(nil), a.status.ListReceiptRoot...)
	s.ListCyclesUsed = append([]types.CyclesUsed(nil), a.status.ListCyclesUsed...)
	return s
}

// UpdateByExecuted drains the oldest pending entry from each accumulated
// list once execution has genuinely caught up to height, and refreshes the
// cached latest state root.
func (a *Agent) UpdateByExecuted(info ExecutedInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if info.Height <= a.status.ExecHeight {
		// Already-seen or stale height: not an error, a re-delivery no-op.
		return nil
	}
	if info.Height > a.status.LatestCommittedHeight {
		a.log.Warnw("rejecting executed update past committed height",
			"exec_height", info.Height, "latest_committed_height", a.status.LatestCommittedHeight)
		return fmt.Errorf("%w: exec height %d > committed height %d",
			ErrExecPastCommitted, info.Height, a.status.LatestCommittedHeight)
	}

	a.status.ExecHeight = info.Height
	a.status.LatestStateRoot = info.StateRoot
	a.status.ListConfirmRoot = dropFront(a.status.ListConfirmRoot)
	a.status.ListStateRoot = dropFront(a.status.ListStateRoot)
	a.status.ListReceiptRoot = dropFront(a.status.ListReceiptRoot)
	a.status.ListCyclesUsed = dropFrontCycles(a.status.ListCyclesUsed)

	a.gaugeExecHeight.Set(float64(a.status.ExecHeight))
	return a.checkInvariantsLocked()
}

// UpdateByCommitted advances latest_committed_height, replaces the current
// hash and embedded proof, merges metadata (enabling hot reconfiguration),
// and pushes pending's confirm/state/receipt root and cycles entry onto the
// accumulated lists for the height just committed. Those lists already hold
// one entry per height between exec_height and the previous committed
// height; appending pending here, rather than adopting the block header's
// own (propose-time, necessarily one-height-stale) lists, is what keeps
// their length equal to latest_committed_height - exec_height.
func (a *Agent) UpdateByCommitted(meta Metadata, block types.Block, blockHash types.Hash, proof types.Proof, pending PendingExecution) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if proof.Height != block.Header.Height {
		return fmt.Errorf("%w: proof height %d, block height %d",
			ErrProofHeightMismatch, proof.Height, block.Header.Height)
	}

	a.status.LatestCommittedHeight = block.Header.Height
	a.status.CurrentHash = blockHash
	a.status.CurrentProof = proof
	a.status.Validators = meta.Validators

	a.status.ConsensusIntervalMillis = meta.ConsensusIntervalMillis
	a.status.ProposeRatio = meta.ProposeRatio
	a.status.PrevoteRatio = meta.PrevoteRatio
	a.status.PrecommitRatio = meta.PrecommitRatio
	a.status.BrakeRatio = meta.BrakeRatio
	a.status.TxNumLimit = meta.TxNumLimit
	a.status.CyclesLimit = meta.CyclesLimit
	a.status.TxSizeLimit = meta.TxSizeLimit
	a.status.TimeoutGap = meta.TimeoutGap

	a.status.ListConfirmRoot = append(a.status.ListConfirmRoot, pending.ConfirmRoot)
	a.status.ListStateRoot = append(a.status.ListStateRoot, pending.StateRoot)
	a.status.ListReceiptRoot = append(a.status.ListReceiptRoot, pending.ReceiptRoot)
	a.status.ListCyclesUsed = append(a.status.ListCyclesUsed, types.CyclesUsed{Height: block.Header.Height, Cycles: pending.CyclesUsed})

	a.gaugeCommittedHeight.Set(float64(a.status.LatestCommittedHeight))
	return a.checkInvariantsLocked()
}

func dropFront(list []types.Hash) []types.Hash {
	if len(list) == 0 {
		return list
	}
	return append([]types.Hash(nil), list[1:]...)
}

func dropFrontCycles(list []types.CyclesUsed) []types.CyclesUsed {
	if len(list) == 0 {
		return list
	}
	return append([]types.CyclesUsed(nil), list[1:]...)
}

// checkInvariantsLocked enforces the three SPEC_FULL §4.A invariants. Caller
// must hold mu for writing.
func (a *Agent) checkInvariantsLocked() error {
	s := &a.status
	if s.ExecHeight > s.LatestCommittedHeight {
		a.log.Errorw("invariant violated: exec_height > latest_committed_height",
			"exec_height", s.ExecHeight, "latest_committed_height", s.LatestCommittedHeight)
		return fmt.Errorf("%w: %d > %d", ErrExecPastCommitted, s.ExecHeight, s.LatestCommittedHeight)
	}

	gap := s.LatestCommittedHeight - s.ExecHeight
	if uint64(len(s.ListConfirmRoot)) != gap ||
		uint64(len(s.ListStateRoot)) != gap ||
		uint64(len(s.ListReceiptRoot)) != gap ||
		uint64(len(s.ListCyclesUsed)) != gap {
		a.log.Errorw("invariant violated: accumulated list length mismatch",
			"gap", gap,
			"len_confirm_root", len(s.ListConfirmRoot),
			"len_state_root", len(s.ListStateRoot),
			"len_receipt_root", len(s.ListReceiptRoot),
			"len_cycles_used", len(s.ListCyclesUsed))
		return fmt.Errorf("%w: expected %d", ErrListLengthMismatch, gap)
	}

	if s.LatestCommittedHeight > 0 && s.CurrentProof.Height != s.LatestCommittedHeight {
		a.log.Errorw("invariant violated: current_proof height mismatch",
			"proof_height", s.CurrentProof.Height, "latest_committed_height", s.LatestCommittedHeight)
		return fmt.Errorf("%w: proof height %d, committed height %d",
			ErrProofHeightMismatch, s.CurrentProof.Height, s.LatestCommittedHeight)
	}
	return nil
}
