package world

import (
	"bytes"
	"encoding/binary"
)

const (
	ChunkSectionSize = 16 * 16 * 16
	ChunkHeight      = 256
	SectionsPerChunk = ChunkHeight / 16
)

// ChunkPos is a chunk column coordinate.
type ChunkPos struct {
	X, Z int32
}

// Pack packs the coordinate into a single int64 key.
func (p ChunkPos) Pack() int64 {
	return int64(p.X)&0xFFFFFFFF | int64(p.Z)<<32
}

// UnpackChunkPos reverses Pack.
func UnpackChunkPos(key int64) ChunkPos {
	return ChunkPos{X: int32(key), Z: int32(key >> 32)}
}

// DistSq returns the squared chunk-grid distance to another column.
func (p ChunkPos) DistSq(o ChunkPos) int64 {
	dx := int64(p.X - o.X)
	dz := int64(p.Z - o.Z)
	return dx*dx + dz*dz
}

// Column is one chunk column ready for transmission: block payload plus any
// queued lighting updates for the position.
type Column struct {
	Pos   ChunkPos
	Data  []byte
	Light []byte
}

// Source resolves chunk columns for transmission. Column returns nil when
// the chunk is no longer loaded; the sender drops such chunks silently.
type Source interface {
	Column(pos ChunkPos) *Column
}

// FlatSource serves an endless superflat world. Layers: bedrock, three
// dirt, grass, air above.
type FlatSource struct {
	payload []byte
	light   []byte
}

// NewFlatSource precomputes the shared flat column payload.
func NewFlatSource() *FlatSource {
	return &FlatSource{payload: flatColumnData(), light: fullLight()}
}

// Column returns the column at pos. Every position resolves; the flat world
// never unloads.
func (s *FlatSource) Column(pos ChunkPos) *Column {
	return &Column{Pos: pos, Data: s.payload, Light: s.light}
}

// flatColumnData builds the block payload of one flat column section.
func flatColumnData() []byte {
	var buf bytes.Buffer

	blockData := make([]uint16, ChunkSectionSize)
	for x := 0; x < 16; x++ {
		for z := 0; z < 16; z++ {
			for y := 0; y < 16; y++ {
				idx := ((y*16)+z)*16 + x
				switch {
				case y == 0:
					blockData[idx] = 7 << 4 // bedrock
				case y <= 3:
					blockData[idx] = 3 << 4 // dirt
				case y == 4:
					blockData[idx] = 2 << 4 // grass
				default:
					blockData[idx] = 0 // air
				}
			}
		}
	}
	for _, b := range blockData {
		binary.Write(&buf, binary.LittleEndian, b)
	}

	// Biome data (256 bytes), plains everywhere.
	biomes := make([]byte, 256)
	for i := range biomes {
		biomes[i] = 1
	}
	buf.Write(biomes)

	return buf.Bytes()
}

// fullLight returns block+sky light at maximum for one section.
func fullLight() []byte {
	light := make([]byte, 4096)
	for i := range light {
		light[i] = 0xFF
	}
	return light
}
