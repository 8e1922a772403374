package executor

import (
	"testing"

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

func transferTx(to types.Address, amount uint64) types.SignedTransaction {
	payload := make([]byte, 28)
	copy(payload[:20], to[:])
	for i := 0; i < 8; i++ {
		payload[27-i] = byte(amount)
		amount >>= 8
	}
	return types.SignedTransaction{
		Raw: types.RawTransaction{
			CyclesLimit: 10_000,
			Service:     "ledger",
			Method:      "transfer",
			Payload:     payload,
		},
		TxHash: types.Hash{1},
		Pubkey: []byte("sender-pubkey"),
	}
}

func TestExecuteAppliesTransferAndAdvancesStateRoot(t *testing.T) {
	sender := senderAddress(types.SignedTransaction{Pubkey: []byte("sender-pubkey")})
	var recipient types.Address
	recipient[19] = 9

	ledger := NewLedger(map[types.Address]uint64{sender: 1000})
	ex := New(ledger, testLogger(t))

	block := types.Block{Header: types.Header{Height: 1}}
	result, err := ex.Execute(block, []types.SignedTransaction{transferTx(recipient, 100)})
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if len(result.Receipts) != 1 {
		t.Fatalf("len(Receipts) = %d, want 1", len(result.Receipts))
	}
	if result.Receipts[0].IsError {
		t.Fatalf("receipt IsError = true, ret = %q", result.Receipts[0].Ret)
	}
	if result.StateRoot.IsZero() {
		t.Error("StateRoot is zero after a state-mutating execution")
	}
	if ledger.Balance(recipient) != 100 {
		t.Errorf("recipient balance = %d, want 100", ledger.Balance(recipient))
	}
	if ledger.Balance(sender) != 900 {
		t.Errorf("sender balance = %d, want 900", ledger.Balance(sender))
	}
	if result.CyclesUsed != baseCyclesCost+transferCyclesFee {
		t.Errorf("CyclesUsed = %d, want %d", result.CyclesUsed, baseCyclesCost+transferCyclesFee)
	}
}

func TestExecuteMarksInsufficientBalanceAsErrorWithoutPanicking(t *testing.T) {
	sender := senderAddress(types.SignedTransaction{Pubkey: []byte("sender-pubkey")})
	var recipient types.Address
	recipient[19] = 9

	ledger := NewLedger(nil) // sender starts with zero balance
	ex := New(ledger, testLogger(t))

	block := types.Block{Header: types.Header{Height: 1}}
	result, err := ex.Execute(block, []types.SignedTransaction{transferTx(recipient, 100)})
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if !result.Receipts[0].IsError {
		t.Error("receipt IsError = false, want true for an overdrawn transfer")
	}
	if ledger.Balance(sender) != 0 || ledger.Balance(recipient) != 0 {
		t.Error("a failed transfer mutated balances")
	}
}

func TestExecuteUnknownServiceIsRecordedAsErrorReceipt(t *testing.T) {
	ledger := NewLedger(nil)
	ex := New(ledger, testLogger(t))
	tx := types.SignedTransaction{
		Raw:    types.RawTransaction{CyclesLimit: 10_000, Service: "unknown", Method: "noop"},
		TxHash: types.Hash{2},
	}
	result, err := ex.Execute(types.Block{Header: types.Header{Height: 1}}, []types.SignedTransaction{tx})
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if !result.Receipts[0].IsError {
		t.Error("receipt for unknown service IsError = false, want true")
	}
}

func TestCyclesTankRefusesOverLimitConsumption(t *testing.T) {
	tank := NewCyclesTank(100)
	if err := tank.Consume(60); err != nil {
		t.Fatalf("Consume(60) = %v", err)
	}
	if err := tank.Consume(60); err != ErrOutOfCycles {
		t.Fatalf("Consume(60) second call = %v, want ErrOutOfCycles", err)
	}
	if got := tank.Remaining(); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}
}

func TestFilterMatchesAddressAndTopicWildcards(t *testing.T) {
	var addrA, addrB types.Address
	addrA[0], addrB[0] = 1, 2
	topic := types.HashBytes([]byte("transfer"))

	logA := types.Log{Address: addrA, Topics: []types.Hash{topic}}
	logB := types.Log{Address: addrB, Topics: []types.Hash{topic}}

	f := Filter{Addresses: []types.Address{addrA}}
	if !f.Matches(logA) {
		t.Error("filter on addrA should match logA")
	}
	if f.Matches(logB) {
		t.Error("filter on addrA should not match logB")
	}

	wildcard := Filter{}
	if !wildcard.Matches(logA) || !wildcard.Matches(logB) {
		t.Error("empty filter should match every log")
	}
}

func TestMatchingLogsUsesBloomPreFilter(t *testing.T) {
	sender := senderAddress(types.SignedTransaction{Pubkey: []byte("sender-pubkey")})
	var recipient types.Address
	recipient[19] = 9

	ledger := NewLedger(map[types.Address]uint64{sender: 1000})
	ex := New(ledger, testLogger(t))
	result, err := ex.Execute(types.Block{Header: types.Header{Height: 1}}, []types.SignedTransaction{transferTx(recipient, 50)})
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}

	f := Filter{Addresses: []types.Address{sender}}
	logs := MatchingLogs(result.Receipts, f)
	if len(logs) != 1 {
		t.Fatalf("MatchingLogs() = %d logs, want 1", len(logs))
	}

	var unrelated types.Address
	unrelated[0] = 0xFF
	noMatch := MatchingLogs(result.Receipts, Filter{Addresses: []types.Address{unrelated}})
	if len(noMatch) != 0 {
		t.Errorf("MatchingLogs() with unrelated address = %d logs, want 0", len(noMatch))
	}
}
