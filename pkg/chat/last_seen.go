package chat

import (
	"errors"

	"github.com/gammazero/deque"

	"github.com/StoreStation/EmberCraft/pkg/protocol"
)

const (
	// LastSeenWindow is the width of the acknowledgement digest a client
	// reports with each chat packet.
	LastSeenWindow = 20

	// MaxTrackedMessages caps unacknowledged tracked entries. A client that
	// never acknowledges is disconnected before tracking grows unbounded.
	MaxTrackedMessages = 4096
)

// ErrLastSeenMismatch indicates the client's acknowledgement digest does not
// match the tracked history. Unrecoverable: either a malicious client or a
// desync nothing short of reconnecting can repair.
var ErrLastSeenMismatch = errors.New("last-seen update does not match tracked history")

// LastSeenUpdate is the acknowledgement digest carried by every inbound chat
// or signed-command packet: how far the seen window advanced, and which of
// the next tracked messages the client actually saw.
type LastSeenUpdate struct {
	Offset       int32
	Acknowledged protocol.FixedBitSet
}

// LastSeen is the validated list of signatures the client has seen, oldest
// first. It anchors the signature verification of the next inbound message.
type LastSeen []MessageSignature

// LastSeenValidator tracks which signed messages sent to a client are still
// awaiting acknowledgement, and validates each inbound digest against that
// history before the accompanying message is processed.
type LastSeenValidator struct {
	tracked deque.Deque[MessageSignature]
}

// AddPending records a signed message delivered to the client. Returns the
// number of tracked entries so the caller can enforce MaxTrackedMessages.
func (v *LastSeenValidator) AddPending(sig MessageSignature) int {
	v.tracked.PushBack(sig)
	return v.tracked.Len()
}

// TrackedCount returns the number of entries awaiting acknowledgement.
func (v *LastSeenValidator) TrackedCount() int {
	return v.tracked.Len()
}

// ApplyUpdate advances the tracked history by the update's offset and
// resolves the acknowledgement bits into the client's new seen window.
// Any inconsistency fails validation: the offset exceeding the tracked
// count, or an acknowledgement bit referencing a message never tracked.
func (v *LastSeenValidator) ApplyUpdate(u LastSeenUpdate) (LastSeen, error) {
	if u.Offset < 0 || int(u.Offset) > v.tracked.Len() {
		return nil, ErrLastSeenMismatch
	}
	for i := int32(0); i < u.Offset; i++ {
		v.tracked.PopFront()
	}

	seen := make(LastSeen, 0, LastSeenWindow)
	for i := 0; i < LastSeenWindow; i++ {
		if !u.Acknowledged.Get(i) {
			continue
		}
		if i >= v.tracked.Len() {
			return nil, ErrLastSeenMismatch
		}
		seen = append(seen, v.tracked.At(i))
	}
	return seen, nil
}
