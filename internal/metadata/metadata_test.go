package metadata

import (
	"testing"

	"github.com/aegischain/aegis/internal/status"
	"github.com/aegischain/aegis/internal/types"
)

func TestGetMetadataReturnsGenesisBeforeAnyReload(t *testing.T) {
	genesis := status.Metadata{CyclesLimit: 1000}
	s := New(genesis)
	got, err := s.GetMetadata(types.Hash{}, 5, 0, types.Address{})
	if err != nil {
		t.Fatalf("GetMetadata() = %v", err)
	}
	if got.CyclesLimit != 1000 {
		t.Errorf("CyclesLimit = %d, want 1000", got.CyclesLimit)
	}
}

func TestRegisterSnapshotAppliesFromEffectiveHeightOnward(t *testing.T) {
	s := New(status.Metadata{CyclesLimit: 1000})
	if err := s.RegisterSnapshot(10, status.Metadata{CyclesLimit: 2000}); err != nil {
		t.Fatalf("RegisterSnapshot() = %v", err)
	}

	before, err := s.GetMetadata(types.Hash{}, 9, 0, types.Address{})
	if err != nil {
		t.Fatalf("GetMetadata(9) = %v", err)
	}
	if before.CyclesLimit != 1000 {
		t.Errorf("at height 9, CyclesLimit = %d, want 1000", before.CyclesLimit)
	}

	at, err := s.GetMetadata(types.Hash{}, 10, 0, types.Address{})
	if err != nil {
		t.Fatalf("GetMetadata(10) = %v", err)
	}
	if at.CyclesLimit != 2000 {
		t.Errorf("at height 10, CyclesLimit = %d, want 2000", at.CyclesLimit)
	}

	after, err := s.GetMetadata(types.Hash{}, 100, 0, types.Address{})
	if err != nil {
		t.Fatalf("GetMetadata(100) = %v", err)
	}
	if after.CyclesLimit != 2000 {
		t.Errorf("at height 100, CyclesLimit = %d, want 2000", after.CyclesLimit)
	}
}

func TestRegisterSnapshotRejectsOutOfOrderHeights(t *testing.T) {
	s := New(status.Metadata{})
	if err := s.RegisterSnapshot(10, status.Metadata{}); err != nil {
		t.Fatalf("RegisterSnapshot(10) = %v", err)
	}
	if err := s.RegisterSnapshot(5, status.Metadata{}); err == nil {
		t.Error("RegisterSnapshot(5) after 10 = nil, want an error")
	}
}
