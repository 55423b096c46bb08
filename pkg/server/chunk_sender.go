package server

import (
	"bytes"
	"container/heap"
	"math"
	"sort"

	"github.com/StoreStation/EmberCraft/pkg/protocol"
	"github.com/StoreStation/EmberCraft/pkg/world"
)

const (
	minChunksPerTick = 0.01
	maxChunksPerTick = 64.0

	// One batch in flight until the client demonstrates it acknowledges;
	// then the pipeline deepens permanently.
	startUnackedLimit = 1
	fullUnackedLimit  = 10
)

// ChunkSender streams chunk columns to one client at the rate the client
// reports it can absorb, with batch acknowledgements as the backpressure
// signal. Owned exclusively by the game listener; all methods run on the
// tick thread.
type ChunkSender struct {
	conn   *Connection
	source world.Source

	pending           map[int64]struct{}
	batchQuota        float64
	desiredPerTick    float64
	unackedBatches    int
	maxUnackedBatches int
}

// NewChunkSender creates the sender for one connection.
func NewChunkSender(conn *Connection, source world.Source) *ChunkSender {
	return &ChunkSender{
		conn:              conn,
		source:            source,
		pending:           make(map[int64]struct{}),
		desiredPerTick:    9, // conservative until the client reports
		maxUnackedBatches: startUnackedLimit,
	}
}

// MarkPending queues a chunk for transmission. Order is decided at send
// time by distance, not at queue time.
func (s *ChunkSender) MarkPending(pos world.ChunkPos) {
	s.pending[pos.Pack()] = struct{}{}
}

// PendingCount returns the number of chunks awaiting transmission.
func (s *ChunkSender) PendingCount() int { return len(s.pending) }

// UnackedBatches returns the in-flight batch count.
func (s *ChunkSender) UnackedBatches() int { return s.unackedBatches }

// Forget drops a chunk the client no longer needs. A chunk still pending is
// removed silently; one already delivered gets an explicit forget packet so
// the client cache stays consistent.
func (s *ChunkSender) Forget(pos world.ChunkPos) {
	if _, ok := s.pending[pos.Pack()]; ok {
		delete(s.pending, pos.Pack())
		return
	}
	pkt := protocol.MarshalPacket(protocol.ClientboundForgetChunkID, func(w *bytes.Buffer) {
		protocol.WriteInt32(w, pos.X)
		protocol.WriteInt32(w, pos.Z)
	})
	s.conn.Send(pkt)
}

// SendNext runs one scheduling pass, invoked once per tick. Returns the
// number of chunks sent.
func (s *ChunkSender) SendNext(center world.ChunkPos) int {
	if s.unackedBatches >= s.maxUnackedBatches {
		return 0
	}

	// Leaky-bucket credit: replenish by the reported rate, capped so idle
	// ticks cannot bank an arbitrarily large burst.
	s.batchQuota = math.Min(s.batchQuota+s.desiredPerTick, math.Max(1, s.desiredPerTick))
	if s.batchQuota < 1 {
		return 0
	}
	if len(s.pending) == 0 {
		return 0
	}

	budget := int(s.batchQuota)
	var batch []world.ChunkPos
	switch {
	case s.conn.InProcess():
		// The in-process host drains everything queued; the budget
		// throttles network connections only.
		batch = s.allByDistance(center)
	case len(s.pending) > budget:
		batch = s.selectClosest(center, budget)
	default:
		batch = s.allByDistance(center)
	}

	// Removal precedes transmission: a chunk leaves pending exactly once
	// and is never resent even if the batch write fails.
	for _, pos := range batch {
		delete(s.pending, pos.Pack())
	}

	s.conn.SuspendSending()
	start := protocol.MarshalPacket(protocol.ClientboundChunkBatchStartID, func(*bytes.Buffer) {})
	s.conn.Send(start)

	sent := 0
	for _, pos := range batch {
		column := s.source.Column(pos)
		if column == nil {
			// Unloaded since it was queued; drop silently.
			continue
		}
		s.conn.Send(chunkPacket(column))
		sent++
	}

	finish := protocol.MarshalPacket(protocol.ClientboundChunkBatchFinishedID, func(w *bytes.Buffer) {
		protocol.WriteVarInt(w, int32(sent))
	})
	s.conn.Send(finish)
	s.conn.ResumeSending()

	s.unackedBatches++
	if !s.conn.InProcess() {
		s.batchQuota -= float64(sent)
	}
	return sent
}

// OnBatchAcknowledged applies the client's consumption report. A NaN rate
// clamps to the floor rather than rejecting the packet.
func (s *ChunkSender) OnBatchAcknowledged(desiredPerTick float64) {
	if s.unackedBatches > 0 {
		s.unackedBatches--
	}
	if math.IsNaN(desiredPerTick) {
		desiredPerTick = minChunksPerTick
	}
	s.desiredPerTick = math.Min(maxChunksPerTick, math.Max(minChunksPerTick, desiredPerTick))

	// The client acknowledges; allow deeper pipelining from here on.
	s.maxUnackedBatches = fullUnackedLimit

	if s.unackedBatches == 0 {
		// Fully drained: reset credit so idle time cannot accumulate it.
		s.batchQuota = 1
	}
}

// selectClosest picks the k pending chunks nearest the player without
// sorting the whole pending set.
func (s *ChunkSender) selectClosest(center world.ChunkPos, k int) []world.ChunkPos {
	h := &chunkHeap{center: center}
	for key := range s.pending {
		pos := world.UnpackChunkPos(key)
		if h.Len() < k {
			heap.Push(h, pos)
			continue
		}
		if pos.DistSq(center) < h.items[0].DistSq(center) {
			h.items[0] = pos
			heap.Fix(h, 0)
		}
	}
	out := h.items
	sort.Slice(out, func(i, j int) bool {
		return out[i].DistSq(center) < out[j].DistSq(center)
	})
	return out
}

func (s *ChunkSender) allByDistance(center world.ChunkPos) []world.ChunkPos {
	out := make([]world.ChunkPos, 0, len(s.pending))
	for key := range s.pending {
		out = append(out, world.UnpackChunkPos(key))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DistSq(center) < out[j].DistSq(center)
	})
	return out
}

// chunkHeap is a max-heap by distance, holding the k nearest seen so far.
type chunkHeap struct {
	center world.ChunkPos
	items  []world.ChunkPos
}

func (h *chunkHeap) Len() int { return len(h.items) }
func (h *chunkHeap) Less(i, j int) bool {
	return h.items[i].DistSq(h.center) > h.items[j].DistSq(h.center)
}
func (h *chunkHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *chunkHeap) Push(x any)    { h.items = append(h.items, x.(world.ChunkPos)) }
func (h *chunkHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// chunkPacket builds the chunk-with-light packet for one column.
func chunkPacket(c *world.Column) *protocol.Packet {
	return protocol.MarshalPacket(protocol.ClientboundChunkWithLightID, func(w *bytes.Buffer) {
		protocol.WriteInt32(w, c.Pos.X)
		protocol.WriteInt32(w, c.Pos.Z)
		protocol.WriteByteArray(w, c.Data)
		protocol.WriteByteArray(w, c.Light)
	})
}
