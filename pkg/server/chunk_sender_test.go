package server

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/StoreStation/EmberCraft/pkg/protocol"
	"github.com/StoreStation/EmberCraft/pkg/world"
)

func markSquare(s *ChunkSender, center world.ChunkPos, radius int32) {
	for cx := center.X - radius; cx <= center.X+radius; cx++ {
		for cz := center.Z - radius; cz <= center.Z+radius; cz++ {
			s.MarkPending(world.ChunkPos{X: cx, Z: cz})
		}
	}
}

func TestChunkSenderBatchFraming(t *testing.T) {
	conn, packets := newCollectedConn(t)
	s := NewChunkSender(conn, world.NewFlatSource())

	center := world.ChunkPos{}
	markSquare(s, center, 2) // 25 chunks

	sent := s.SendNext(center)
	if sent != 9 {
		t.Fatalf("first batch sent %d chunks, want 9", sent)
	}

	expectPacket(t, packets, protocol.ClientboundChunkBatchStartID)
	for i := 0; i < sent; i++ {
		expectPacket(t, packets, protocol.ClientboundChunkWithLightID)
	}
	finish := expectPacket(t, packets, protocol.ClientboundChunkBatchFinishedID)
	count, _, err := protocol.ReadVarInt(bytes.NewReader(finish.Data))
	if err != nil || count != int32(sent) {
		t.Errorf("batch finish count = %d (%v), want %d", count, err, sent)
	}
	if s.PendingCount() != 25-sent {
		t.Errorf("pending count = %d, want %d", s.PendingCount(), 25-sent)
	}
}

func TestChunkSenderInProcessSendsAllPending(t *testing.T) {
	conn := newInProcessConn(t)
	s := NewChunkSender(conn, world.NewFlatSource())

	// Well over the default per-tick budget for a network connection.
	markSquare(s, world.ChunkPos{}, 2)
	if sent := s.SendNext(world.ChunkPos{}); sent != 25 {
		t.Fatalf("in-process batch sent %d chunks, want all 25 pending", sent)
	}
	if s.PendingCount() != 0 {
		t.Errorf("pending count = %d after the flush, want 0", s.PendingCount())
	}
}

func TestChunkSenderBackpressureWindow(t *testing.T) {
	conn := newDrainedConn(t)
	s := NewChunkSender(conn, world.NewFlatSource())

	center := world.ChunkPos{}
	markSquare(s, center, 4) // 81 chunks

	if sent := s.SendNext(center); sent == 0 {
		t.Fatal("first batch sent nothing")
	}
	if s.UnackedBatches() != 1 {
		t.Fatalf("unacked batches = %d, want 1", s.UnackedBatches())
	}

	// One batch in flight until the client proves it acknowledges.
	if sent := s.SendNext(center); sent != 0 {
		t.Fatalf("second batch sent %d chunks before any acknowledgement", sent)
	}

	s.OnBatchAcknowledged(9)
	if s.maxUnackedBatches != fullUnackedLimit {
		t.Fatalf("unacked limit = %d after first ack, want %d", s.maxUnackedBatches, fullUnackedLimit)
	}

	// The pipeline may now deepen up to the full window.
	for i := 0; i < 30 && s.PendingCount() > 0; i++ {
		s.SendNext(center)
	}
	if s.UnackedBatches() > fullUnackedLimit {
		t.Errorf("unacked batches = %d, exceeds window %d", s.UnackedBatches(), fullUnackedLimit)
	}
}

func TestChunkSenderRateClamps(t *testing.T) {
	conn := newDrainedConn(t)
	s := NewChunkSender(conn, world.NewFlatSource())
	s.unackedBatches = 1

	tests := []struct {
		desired float64
		want    float64
	}{
		{math.NaN(), minChunksPerTick},
		{-5, minChunksPerTick},
		{0, minChunksPerTick},
		{1000, maxChunksPerTick},
		{25, 25},
	}

	for _, tt := range tests {
		s.unackedBatches = 1
		s.OnBatchAcknowledged(tt.desired)
		if s.desiredPerTick != tt.want {
			t.Errorf("OnBatchAcknowledged(%v) set rate %v, want %v", tt.desired, s.desiredPerTick, tt.want)
		}
	}
}

func TestChunkSenderQuotaResetWhenDrained(t *testing.T) {
	conn := newDrainedConn(t)
	s := NewChunkSender(conn, world.NewFlatSource())

	markSquare(s, world.ChunkPos{}, 2)
	s.SendNext(world.ChunkPos{})
	s.batchQuota = 40

	s.OnBatchAcknowledged(64)
	if s.UnackedBatches() != 0 {
		t.Fatalf("unacked batches = %d after ack", s.UnackedBatches())
	}
	if s.batchQuota != 1 {
		t.Errorf("quota = %v after full drain, want 1", s.batchQuota)
	}
}

func TestChunkSenderSlowClientAccumulatesCredit(t *testing.T) {
	conn := newDrainedConn(t)
	s := NewChunkSender(conn, world.NewFlatSource())
	s.MarkPending(world.ChunkPos{X: 1, Z: 1})

	s.unackedBatches = 1
	s.OnBatchAcknowledged(math.NaN()) // rate floor: 0.01 chunks per tick
	s.batchQuota = 0

	// At the floor rate a chunk is earned roughly every hundred ticks.
	sent := 0
	ticks := 0
	for i := 0; i < 150; i++ {
		ticks++
		n := s.SendNext(world.ChunkPos{})
		sent += n
		if n > 0 {
			break
		}
		// Unacked batches would block the loop; this test exercises quota.
		s.unackedBatches = 0
	}
	if sent != 1 {
		t.Fatalf("floor-rate client received %d chunks, want 1", sent)
	}
	if ticks < 90 {
		t.Errorf("floor-rate chunk earned after %d ticks, want about 100", ticks)
	}
}

func TestChunkSenderSelectsClosestFirst(t *testing.T) {
	conn := newDrainedConn(t)
	s := NewChunkSender(conn, world.NewFlatSource())

	center := world.ChunkPos{X: 10, Z: 10}
	far := []world.ChunkPos{{X: 30, Z: 30}, {X: -20, Z: 10}, {X: 10, Z: 40}}
	near := []world.ChunkPos{{X: 10, Z: 10}, {X: 11, Z: 10}, {X: 10, Z: 12}}
	for _, pos := range append(far, near...) {
		s.MarkPending(pos)
	}

	picked := s.selectClosest(center, 3)
	if len(picked) != 3 {
		t.Fatalf("selectClosest returned %d chunks, want 3", len(picked))
	}
	for i, pos := range picked {
		if pos != near[0] && pos != near[1] && pos != near[2] {
			t.Errorf("pick %d = %v, not among the nearest", i, pos)
		}
		if i > 0 && picked[i-1].DistSq(center) > pos.DistSq(center) {
			t.Error("picks not ordered by distance")
		}
	}
}

func TestChunkSenderForget(t *testing.T) {
	conn, packets := newCollectedConn(t)
	s := NewChunkSender(conn, world.NewFlatSource())

	// Pending chunk: dropped silently.
	pos := world.ChunkPos{X: 3, Z: 4}
	s.MarkPending(pos)
	s.Forget(pos)
	if s.PendingCount() != 0 {
		t.Fatalf("pending count = %d after forget", s.PendingCount())
	}
	select {
	case pkt := <-packets:
		t.Fatalf("forget of a pending chunk emitted packet 0x%02X", pkt.ID)
	case <-time.After(50 * time.Millisecond):
	}

	// Delivered chunk: explicit forget packet.
	s.Forget(world.ChunkPos{X: 7, Z: -2})
	pkt := expectPacket(t, packets, protocol.ClientboundForgetChunkID)
	r := bytes.NewReader(pkt.Data)
	x, _ := protocol.ReadInt32(r)
	z, _ := protocol.ReadInt32(r)
	if x != 7 || z != -2 {
		t.Errorf("forget packet for (%d, %d), want (7, -2)", x, z)
	}
}

type emptySource struct{}

func (emptySource) Column(world.ChunkPos) *world.Column { return nil }

func TestChunkSenderDropsUnloadedChunks(t *testing.T) {
	conn, packets := newCollectedConn(t)
	s := NewChunkSender(conn, emptySource{})

	s.MarkPending(world.ChunkPos{X: 1, Z: 1})
	sent := s.SendNext(world.ChunkPos{})
	if sent != 0 {
		t.Fatalf("unloaded chunk counted as sent: %d", sent)
	}

	// The batch frame still goes out, reporting zero chunks.
	expectPacket(t, packets, protocol.ClientboundChunkBatchStartID)
	finish := expectPacket(t, packets, protocol.ClientboundChunkBatchFinishedID)
	count, _, _ := protocol.ReadVarInt(bytes.NewReader(finish.Data))
	if count != 0 {
		t.Errorf("batch finish count = %d, want 0", count)
	}
	if s.PendingCount() != 0 {
		t.Error("unloaded chunk still pending after the batch")
	}
}
