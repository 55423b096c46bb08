package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestVarInt(t *testing.T) {
	tests := []struct {
		value    int32
		expected []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xFF, 0x01}},
		{25565, []byte{0xDD, 0xC7, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{2147483647, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x07}},
		{-1, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}},
		{-2147483648, []byte{0x80, 0x80, 0x80, 0x80, 0x08}},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			var buf bytes.Buffer
			_, err := WriteVarInt(&buf, tt.value)
			if err != nil {
				t.Fatalf("WriteVarInt(%d) error: %v", tt.value, err)
			}
			if !bytes.Equal(buf.Bytes(), tt.expected) {
				t.Errorf("WriteVarInt(%d) = %v, want %v", tt.value, buf.Bytes(), tt.expected)
			}

			r := bytes.NewReader(tt.expected)
			val, n, err := ReadVarInt(r)
			if err != nil {
				t.Fatalf("ReadVarInt error: %v", err)
			}
			if val != tt.value {
				t.Errorf("ReadVarInt = %d, want %d", val, tt.value)
			}
			if n != len(tt.expected) {
				t.Errorf("ReadVarInt bytes read = %d, want %d", n, len(tt.expected))
			}
		})
	}
}

func TestVarIntTooBig(t *testing.T) {
	r := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	if _, _, err := ReadVarInt(r); err == nil {
		t.Error("ReadVarInt accepted a 6-byte VarInt")
	}
}

func TestString(t *testing.T) {
	tests := []string{
		"",
		"Hello",
		"Hello, World!",
		"日本語テスト",
	}

	for _, s := range tests {
		var buf bytes.Buffer
		if err := WriteString(&buf, s); err != nil {
			t.Fatalf("WriteString(%q) error: %v", s, err)
		}

		got, err := ReadString(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadString error: %v", err)
		}
		if got != s {
			t.Errorf("ReadString = %q, want %q", got, s)
		}
	}
}

func TestByteArrayLimit(t *testing.T) {
	var buf bytes.Buffer
	WriteVarInt(&buf, MaxByteArrayLength+1)
	if _, err := ReadByteArray(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("ReadByteArray accepted an oversized length prefix")
	}

	buf.Reset()
	WriteVarInt(&buf, -1)
	if _, err := ReadByteArray(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("ReadByteArray accepted a negative length prefix")
	}
}

func TestPositionRoundTrip(t *testing.T) {
	tests := []struct {
		x, y, z int32
	}{
		{0, 0, 0},
		{100, 64, -100},
		{-30000000, -2048, 30000000},
		{30000000, 2047, -30000000},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		if err := WritePosition(&buf, tt.x, tt.y, tt.z); err != nil {
			t.Fatalf("WritePosition error: %v", err)
		}
		x, y, z, err := ReadPosition(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadPosition error: %v", err)
		}
		if x != tt.x || y != tt.y || z != tt.z {
			t.Errorf("Position round trip = (%d, %d, %d), want (%d, %d, %d)", x, y, z, tt.x, tt.y, tt.z)
		}
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	id := uuid.MustParse("f84c6a79-0a4e-45e0-879b-cd49ebd4c4e2")
	var buf bytes.Buffer
	if err := WriteUUID(&buf, id); err != nil {
		t.Fatalf("WriteUUID error: %v", err)
	}
	got, err := ReadUUID(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadUUID error: %v", err)
	}
	if got != id {
		t.Errorf("UUID round trip = %s, want %s", got, id)
	}
}

func TestFixedBitSet(t *testing.T) {
	s := NewFixedBitSet(20)
	if len(s.Bits) != 3 {
		t.Fatalf("20-bit set uses %d bytes, want 3", len(s.Bits))
	}

	s.Set(0)
	s.Set(7)
	s.Set(8)
	s.Set(19)
	for i := 0; i < 20; i++ {
		want := i == 0 || i == 7 || i == 8 || i == 19
		if s.Get(i) != want {
			t.Errorf("Get(%d) = %v, want %v", i, s.Get(i), want)
		}
	}

	// Out-of-range access is inert.
	s.Set(20)
	s.Set(-1)
	if s.Get(20) || s.Get(-1) {
		t.Error("out-of-range bit reported set")
	}

	var buf bytes.Buffer
	if err := WriteFixedBitSet(&buf, s); err != nil {
		t.Fatalf("WriteFixedBitSet error: %v", err)
	}
	got, err := ReadFixedBitSet(bytes.NewReader(buf.Bytes()), 20)
	if err != nil {
		t.Fatalf("ReadFixedBitSet error: %v", err)
	}
	if !bytes.Equal(got.Bits, s.Bits) {
		t.Errorf("FixedBitSet round trip = %v, want %v", got.Bits, s.Bits)
	}
}
