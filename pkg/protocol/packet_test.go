package protocol

import (
	"bytes"
	"testing"
)

func TestPacketRoundTripUncompressed(t *testing.T) {
	original := &Packet{
		ID:   0x06,
		Data: []byte("test data"),
	}

	var buf bytes.Buffer
	if err := WritePacket(&buf, original, -1); err != nil {
		t.Fatalf("WritePacket error: %v", err)
	}

	got, err := ReadPacket(bytes.NewReader(buf.Bytes()), -1)
	if err != nil {
		t.Fatalf("ReadPacket error: %v", err)
	}
	if got.ID != original.ID {
		t.Errorf("Packet ID = %d, want %d", got.ID, original.ID)
	}
	if !bytes.Equal(got.Data, original.Data) {
		t.Errorf("Packet data = %v, want %v", got.Data, original.Data)
	}
}

func TestPacketRoundTripCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("chunk column payload "), 100)
	original := &Packet{ID: 0x27, Data: payload}

	var buf bytes.Buffer
	if err := WritePacket(&buf, original, 256); err != nil {
		t.Fatalf("WritePacket error: %v", err)
	}
	// The wire frame should actually shrink.
	if buf.Len() >= len(payload) {
		t.Errorf("compressed frame is %d bytes for a %d byte payload", buf.Len(), len(payload))
	}

	got, err := ReadPacket(bytes.NewReader(buf.Bytes()), 256)
	if err != nil {
		t.Fatalf("ReadPacket error: %v", err)
	}
	if got.ID != original.ID {
		t.Errorf("Packet ID = %d, want %d", got.ID, original.ID)
	}
	if !bytes.Equal(got.Data, original.Data) {
		t.Error("compressed round trip corrupted the payload")
	}
}

func TestPacketBelowThresholdUncompressed(t *testing.T) {
	original := &Packet{ID: 0x1A, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}

	var buf bytes.Buffer
	if err := WritePacket(&buf, original, 256); err != nil {
		t.Fatalf("WritePacket error: %v", err)
	}

	// Below the threshold the frame carries a zero size marker after the
	// outer length, then the raw body.
	r := bytes.NewReader(buf.Bytes())
	if _, _, err := ReadVarInt(r); err != nil {
		t.Fatalf("read frame length: %v", err)
	}
	marker, _, err := ReadVarInt(r)
	if err != nil {
		t.Fatalf("read size marker: %v", err)
	}
	if marker != 0 {
		t.Errorf("size marker = %d, want 0", marker)
	}

	got, err := ReadPacket(bytes.NewReader(buf.Bytes()), 256)
	if err != nil {
		t.Fatalf("ReadPacket error: %v", err)
	}
	if got.ID != original.ID || !bytes.Equal(got.Data, original.Data) {
		t.Error("below-threshold round trip corrupted the packet")
	}
}

func TestPacketRejectsBadLengths(t *testing.T) {
	var buf bytes.Buffer
	WriteVarInt(&buf, 0)
	if _, err := ReadPacket(bytes.NewReader(buf.Bytes()), -1); err == nil {
		t.Error("ReadPacket accepted a zero-length frame")
	}

	buf.Reset()
	WriteVarInt(&buf, MaxPacketLength+1)
	if _, err := ReadPacket(bytes.NewReader(buf.Bytes()), -1); err == nil {
		t.Error("ReadPacket accepted an oversized frame")
	}
}

func TestPacketRejectsCompressedBelowThreshold(t *testing.T) {
	// A peer claiming a compressed payload smaller than the threshold is
	// violating the negotiated format.
	small := &Packet{ID: 0x00, Data: []byte("tiny")}
	var buf bytes.Buffer
	if err := WritePacket(&buf, small, 2); err != nil {
		t.Fatalf("WritePacket error: %v", err)
	}
	if _, err := ReadPacket(bytes.NewReader(buf.Bytes()), 100); err == nil {
		t.Error("ReadPacket accepted a compressed frame below the threshold")
	}
}

func TestMarshalPacket(t *testing.T) {
	pkt := MarshalPacket(0x02, func(w *bytes.Buffer) {
		WriteString(w, "hello")
		WriteBool(w, true)
	})
	if pkt.ID != 0x02 {
		t.Errorf("Packet ID = %d, want 2", pkt.ID)
	}

	r := bytes.NewReader(pkt.Data)
	s, err := ReadString(r)
	if err != nil || s != "hello" {
		t.Errorf("ReadString = %q, %v, want hello", s, err)
	}
	b, err := ReadBool(r)
	if err != nil || !b {
		t.Errorf("ReadBool = %v, %v, want true", b, err)
	}
}
