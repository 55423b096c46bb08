package protocol

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// MaxPacketLength is the largest frame accepted on the wire (3-byte VarInt).
const MaxPacketLength = 2097151

// Packet represents a protocol packet with an ID and payload.
type Packet struct {
	ID   int32
	Data []byte
}

// ReadPacket reads a full packet from the reader. threshold is the negotiated
// compression threshold; pass a negative value while compression is off.
// Frames above the threshold carry a zlib-compressed payload preceded by the
// uncompressed size; frames below it carry a zero size marker.
func ReadPacket(r io.Reader, threshold int) (*Packet, error) {
	length, _, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if length < 1 {
		return nil, fmt.Errorf("packet length too small: %d", length)
	}
	if length > MaxPacketLength {
		return nil, fmt.Errorf("packet length too large: %d", length)
	}

	payload := make([]byte, length)
	_, err = io.ReadFull(r, payload)
	if err != nil {
		return nil, err
	}

	if threshold >= 0 {
		pr := bytes.NewReader(payload)
		dataLength, _, err := ReadVarInt(pr)
		if err != nil {
			return nil, err
		}
		if dataLength > 0 {
			if dataLength > MaxPacketLength {
				return nil, fmt.Errorf("uncompressed length too large: %d", dataLength)
			}
			if int(dataLength) < threshold {
				return nil, fmt.Errorf("compressed packet below threshold: %d < %d", dataLength, threshold)
			}
			zr, err := zlib.NewReader(pr)
			if err != nil {
				return nil, fmt.Errorf("open compressed payload: %w", err)
			}
			inflated := make([]byte, dataLength)
			if _, err := io.ReadFull(zr, inflated); err != nil {
				return nil, fmt.Errorf("inflate payload: %w", err)
			}
			zr.Close()
			payload = inflated
		} else {
			payload = payload[len(payload)-pr.Len():]
		}
	}

	pr := bytes.NewReader(payload)
	packetID, idLen, err := ReadVarInt(pr)
	if err != nil {
		return nil, err
	}

	return &Packet{
		ID:   packetID,
		Data: payload[idLen:],
	}, nil
}

// WritePacket writes a full packet to the writer using a single buffered
// write. threshold follows the same convention as ReadPacket.
func WritePacket(w io.Writer, p *Packet, threshold int) error {
	idSize := VarIntSize(p.ID)
	bodyLen := int32(idSize + len(p.Data))

	if threshold < 0 {
		buf := bytes.NewBuffer(make([]byte, 0, VarIntSize(bodyLen)+int(bodyLen)))
		WriteVarInt(buf, bodyLen)
		WriteVarInt(buf, p.ID)
		buf.Write(p.Data)
		_, err := w.Write(buf.Bytes())
		return err
	}

	var inner bytes.Buffer
	if int(bodyLen) < threshold {
		WriteVarInt(&inner, 0)
		WriteVarInt(&inner, p.ID)
		inner.Write(p.Data)
	} else {
		WriteVarInt(&inner, bodyLen)
		zw := zlib.NewWriter(&inner)
		WriteVarInt(zw, p.ID)
		zw.Write(p.Data)
		if err := zw.Close(); err != nil {
			return fmt.Errorf("deflate payload: %w", err)
		}
	}

	total := int32(inner.Len())
	buf := bytes.NewBuffer(make([]byte, 0, VarIntSize(total)+int(total)))
	WriteVarInt(buf, total)
	buf.Write(inner.Bytes())
	_, err := w.Write(buf.Bytes())
	return err
}

// MarshalPacket creates a Packet from a packet ID and a builder function.
func MarshalPacket(id int32, builder func(w *bytes.Buffer)) *Packet {
	var buf bytes.Buffer
	builder(&buf)
	return &Packet{
		ID:   id,
		Data: buf.Bytes(),
	}
}
