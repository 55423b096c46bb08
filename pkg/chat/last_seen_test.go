package chat

import (
	"errors"
	"testing"

	"github.com/StoreStation/EmberCraft/pkg/protocol"
)

func sigN(n byte) MessageSignature {
	var sig MessageSignature
	sig[0] = n
	return sig
}

func TestLastSeenApplyUpdate(t *testing.T) {
	var v LastSeenValidator
	for i := byte(0); i < 5; i++ {
		v.AddPending(sigN(i))
	}

	// Client advances past two messages and reports seeing the next two.
	bits := protocol.NewFixedBitSet(LastSeenWindow)
	bits.Set(0)
	bits.Set(1)
	seen, err := v.ApplyUpdate(LastSeenUpdate{Offset: 2, Acknowledged: bits})
	if err != nil {
		t.Fatalf("ApplyUpdate error: %v", err)
	}
	if len(seen) != 2 || seen[0] != sigN(2) || seen[1] != sigN(3) {
		t.Errorf("seen window = %v", seen)
	}
	if v.TrackedCount() != 3 {
		t.Errorf("tracked count = %d, want 3", v.TrackedCount())
	}
}

func TestLastSeenOffsetBeyondTracked(t *testing.T) {
	var v LastSeenValidator
	v.AddPending(sigN(1))

	update := LastSeenUpdate{Offset: 2, Acknowledged: protocol.NewFixedBitSet(LastSeenWindow)}
	if _, err := v.ApplyUpdate(update); !errors.Is(err, ErrLastSeenMismatch) {
		t.Errorf("oversized offset error = %v, want ErrLastSeenMismatch", err)
	}
}

func TestLastSeenNegativeOffset(t *testing.T) {
	var v LastSeenValidator
	update := LastSeenUpdate{Offset: -1, Acknowledged: protocol.NewFixedBitSet(LastSeenWindow)}
	if _, err := v.ApplyUpdate(update); !errors.Is(err, ErrLastSeenMismatch) {
		t.Errorf("negative offset error = %v, want ErrLastSeenMismatch", err)
	}
}

func TestLastSeenBitBeyondTracked(t *testing.T) {
	var v LastSeenValidator
	v.AddPending(sigN(1))

	// Acknowledging a message the server never sent is a forged digest.
	bits := protocol.NewFixedBitSet(LastSeenWindow)
	bits.Set(5)
	if _, err := v.ApplyUpdate(LastSeenUpdate{Offset: 0, Acknowledged: bits}); !errors.Is(err, ErrLastSeenMismatch) {
		t.Errorf("forged bit error = %v, want ErrLastSeenMismatch", err)
	}
}

func TestLastSeenEmptyUpdateOnEmptyHistory(t *testing.T) {
	var v LastSeenValidator
	seen, err := v.ApplyUpdate(LastSeenUpdate{Offset: 0, Acknowledged: protocol.NewFixedBitSet(LastSeenWindow)})
	if err != nil {
		t.Fatalf("ApplyUpdate error: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("seen window = %v, want empty", seen)
	}
}
