// Package executor implements the narrow collaborator the Consensus Adapter
// calls to apply a committed block's transactions and obtain the roots and
// receipts the adapter needs to advance Status (SPEC_FULL §1, §4.D). EVM/WASM
// execution semantics are explicitly out of scope; this package supplies a
// small deterministic in-memory ledger that exercises the same boundary a
// real VM would sit behind, so every other component can be built and tested
// against a real `consensus.Executor` rather than a bare stub.
package executor

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/consensus"
	"github.com/aegischain/aegis/internal/merkle"
	"github.com/aegischain/aegis/internal/types"
)

// ErrUnknownService reports a transaction addressed to a service this ledger
// does not implement; the transaction still consumes its base cycles cost
// and is recorded as a failed (IsError) receipt rather than aborting the
// whole block, mirroring how a real VM charges gas for a reverted call.
var ErrUnknownService = errors.New("executor: unknown service")

const (
	baseCyclesCost    = 1000
	transferCyclesFee = 500
)

// Ledger is a deterministic, in-memory account-balance store. It is not
// persisted: a real deployment would back this with the bolt-backed
// internal/storage state categories, but balance storage was left out of
// the persisted-state categories SPEC_FULL §6 enumerates, so it lives
// entirely in memory here and is rebuilt from genesis on restart.
type Ledger struct {
	mu       sync.Mutex
	balances map[types.Address]uint64
}

// NewLedger constructs an empty ledger, optionally seeded with a genesis
// allocation.
func NewLedger(genesis map[types.Address]uint64) *Ledger {
	l := &Ledger{balances: make(map[types.Address]uint64, len(genesis))}
	for addr, bal := range genesis {
		l.balances[addr] = bal
	}
	return l
}

// Balance returns the current balance of addr, zero if never credited.
func (l *Ledger) Balance(addr types.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

func (l *Ledger) credit(addr types.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += amount
}

func (l *Ledger) debit(addr types.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[addr] < amount {
		return fmt.Errorf("executor: insufficient balance for %x", addr)
	}
	l.balances[addr] -= amount
	return nil
}

// snapshotHash returns a stable, sorted-by-address digest of every account
// balance, used to fold the ledger's post-execution contents into the new
// state root.
func (l *Ledger) snapshotHash() types.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs := make([]types.Address, 0, len(l.balances))
	for addr := range l.balances {
		addrs = append(addrs, addr)
	}
	sortAddresses(addrs)
	leaves := make([]types.Hash, 0, len(addrs))
	for _, addr := range addrs {
		var buf [28]byte
		copy(buf[:20], addr[:])
		putUint64(buf[20:], l.balances[addr])
		leaves = append(leaves, types.HashBytes(buf[:]))
	}
	if len(leaves) == 0 {
		return types.Hash{}
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		return types.HashBytes(nil)
	}
	return root
}

func sortAddresses(addrs []types.Address) {
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && lessAddress(addrs[j], addrs[j-1]); j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
}

func lessAddress(a, b types.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// transferPayload is the only service/method this ledger understands:
// "ledger.transfer" moving cycles between accounts, enough to give the rest
// of the system (mempool admission, consensus re-execution, log filters) a
// real state transition to exercise without pulling in WASM semantics.
type transferPayload struct {
	To     types.Address
	Amount uint64
}

// Executor applies committed blocks to a Ledger, computing the resulting
// state root, per-tx receipts and log bloom, and cycles used the adapter
// needs to advance Status.UpdateByExecuted.
type Executor struct {
	ledger *Ledger
	log    *zap.SugaredLogger
}

var _ consensus.Executor = (*Executor)(nil)

// New constructs an Executor over the given ledger.
func New(ledger *Ledger, logger *zap.SugaredLogger) *Executor {
	return &Executor{ledger: ledger, log: logger.Named("executor")}
}

// Execute applies every transaction in txs in order against the ledger,
// charging every transaction a base cycles cost, plus a transfer fee for a
// ledger.transfer whose payload decodes, regardless of outcome (a
// reverted transfer still consumes its cost, matching how a real VM charges
// gas for a failed call), and returns the resulting roots, receipts and
// total cycles used.
func (e *Executor) Execute(block types.Block, txs []types.SignedTransaction) (consensus.ExecutionResult, error) {
	receipts := make([]types.Receipt, 0, len(txs))
	var totalCycles uint64
	for _, tx := range txs {
		receipt := e.applyOne(block.Header.Height, tx)
		totalCycles += receipt.CyclesUsed
		receipts = append(receipts, receipt)
	}

	receiptHashes := make([]types.Hash, 0, len(receipts))
	for _, r := range receipts {
		receiptHashes = append(receiptHashes, types.HashBytes(append(r.TxHash[:], r.Ret...)))
	}
	receiptRoot := types.Hash{}
	if len(receiptHashes) > 0 {
		root, err := merkle.Root(receiptHashes)
		if err != nil {
			return consensus.ExecutionResult{}, fmt.Errorf("executor: computing receipt root: %w", err)
		}
		receiptRoot = root
	}

	confirmRoot := types.HashBytes(append(append([]byte{}, block.Header.PrevHash[:]...), byteOf(block.Header.Height)...))

	e.log.Debugw("executed block", "height", block.Header.Height, "txs", len(txs), "cycles_used", totalCycles)

	return consensus.ExecutionResult{
		StateRoot:   e.ledger.snapshotHash(),
		ReceiptRoot: receiptRoot,
		ConfirmRoot: confirmRoot,
		Receipts:    receipts,
		CyclesUsed:  totalCycles,
	}, nil
}

func byteOf(h uint64) []byte {
	b := make([]byte, 8)
	putUint64(b, h)
	return b
}

func (e *Executor) applyOne(height uint64, tx types.SignedTransaction) types.Receipt {
	tank := NewCyclesTank(tx.Raw.CyclesLimit)
	receipt := types.Receipt{TxHash: tx.TxHash, Height: height}

	if err := tank.Consume(baseCyclesCost); err != nil {
		receipt.IsError = true
		receipt.CyclesUsed = tank.Consumed()
		receipt.Ret = []byte(err.Error())
		return receipt
	}

	switch tx.Raw.Service {
	case "ledger":
		e.applyLedger(tx, tank, &receipt)
	default:
		receipt.IsError = true
		receipt.Ret = []byte(ErrUnknownService.Error())
	}

	receipt.CyclesUsed = tank.Consumed()
	receipt.LogsBloom = logsBloom(receipt.Logs)
	return receipt
}

func (e *Executor) applyLedger(tx types.SignedTransaction, tank *CyclesTank, receipt *types.Receipt) {
	if tx.Raw.Method != "transfer" {
		receipt.IsError = true
		receipt.Ret = []byte("executor: unknown method on service ledger")
		return
	}
	var payload transferPayload
	if err := decodeTransfer(tx.Raw.Payload, &payload); err != nil {
		receipt.IsError = true
		receipt.Ret = []byte(err.Error())
		return
	}
	if err := tank.Consume(transferCyclesFee); err != nil {
		receipt.IsError = true
		receipt.Ret = []byte(err.Error())
		return
	}

	sender := senderAddress(tx)
	if err := e.ledger.debit(sender, payload.Amount); err != nil {
		receipt.IsError = true
		receipt.Ret = []byte(err.Error())
		return
	}
	e.ledger.credit(payload.To, payload.Amount)

	receipt.Logs = append(receipt.Logs, types.Log{
		Address: sender,
		Topics:  []types.Hash{types.HashBytes([]byte("transfer")), types.HashBytes(payload.To[:])},
		Data:    byteOf(payload.Amount),
	})
}

func senderAddress(tx types.SignedTransaction) types.Address {
	var addr types.Address
	copy(addr[:], types.HashBytes(tx.Pubkey)[:20])
	return addr
}

// decodeTransfer reads a fixed 28-byte payload: 20-byte recipient address
// followed by an 8-byte big-endian amount. Anything else is malformed.
func decodeTransfer(payload []byte, out *transferPayload) error {
	if len(payload) != 28 {
		return fmt.Errorf("executor: transfer payload must be 28 bytes, got %d", len(payload))
	}
	copy(out.To[:], payload[:20])
	var amount uint64
	for _, b := range payload[20:28] {
		amount = amount<<8 | uint64(b)
	}
	out.Amount = amount
	return nil
}
