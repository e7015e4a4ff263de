// Package bsptest builds synthetic map files for tests.
package bsptest

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"strafe/internal/bsp"
)

// Builder assembles an in-memory map file image lump by lump.
type Builder struct {
	Version  uint32
	Revision uint32
	lumps    map[int][]byte
}

// New returns a builder at the newest supported format version.
func New() *Builder {
	return &Builder{Version: bsp.VersionMax, lumps: make(map[int][]byte)}
}

// SetLump installs a raw lump payload.
func (b *Builder) SetLump(idx int, data []byte) *Builder {
	b.lumps[idx] = data
	return b
}

// SetEntities installs the entity text lump.
func (b *Builder) SetEntities(text string) *Builder {
	return b.SetLump(bsp.LumpEntities, []byte(text))
}

// AddVertex appends one vertex record to the vertex lump.
func (b *Builder) AddVertex(x, y, z float32) *Builder {
	rec := make([]byte, 12)
	putF32(rec, 0, x)
	putF32(rec, 4, y)
	putF32(rec, 8, z)
	b.lumps[bsp.LumpVertices] = append(b.lumps[bsp.LumpVertices], rec...)
	return b
}

// AddEdge appends one edge record to the edge lump.
func (b *Builder) AddEdge(v0, v1 uint16) *Builder {
	rec := make([]byte, 4)
	binary.LittleEndian.PutUint16(rec[0:], v0)
	binary.LittleEndian.PutUint16(rec[2:], v1)
	b.lumps[bsp.LumpEdges] = append(b.lumps[bsp.LumpEdges], rec...)
	return b
}

// AddPlane appends one plane record to the plane lump.
func (b *Builder) AddPlane(nx, ny, nz, dist float32, typ int32) *Builder {
	rec := make([]byte, 20)
	putF32(rec, 0, nx)
	putF32(rec, 4, ny)
	putF32(rec, 8, nz)
	putF32(rec, 12, dist)
	binary.LittleEndian.PutUint32(rec[16:], uint32(typ))
	b.lumps[bsp.LumpPlanes] = append(b.lumps[bsp.LumpPlanes], rec...)
	return b
}

// AddBrush appends one brush record to the brush lump.
func (b *Builder) AddBrush(firstSide, numSides, contents int32) *Builder {
	rec := make([]byte, 12)
	binary.LittleEndian.PutUint32(rec[0:], uint32(firstSide))
	binary.LittleEndian.PutUint32(rec[4:], uint32(numSides))
	binary.LittleEndian.PutUint32(rec[8:], uint32(contents))
	b.lumps[bsp.LumpBrushes] = append(b.lumps[bsp.LumpBrushes], rec...)
	return b
}

// Bytes assembles the file: header, 64 lump descriptors, revision, then
// lump payloads packed in index order.
func (b *Builder) Bytes() []byte {
	header := 4 + 4 + bsp.HeaderLumps*16 + 4
	out := make([]byte, header)
	binary.LittleEndian.PutUint32(out[0:], bsp.Magic)
	binary.LittleEndian.PutUint32(out[4:], b.Version)
	binary.LittleEndian.PutUint32(out[8+bsp.HeaderLumps*16:], b.Revision)

	for idx := 0; idx < bsp.HeaderLumps; idx++ {
		data, ok := b.lumps[idx]
		if !ok || len(data) == 0 {
			continue
		}
		off := 8 + idx*16
		binary.LittleEndian.PutUint32(out[off:], uint32(len(out)))
		binary.LittleEndian.PutUint32(out[off+4:], uint32(len(data)))
		out = append(out, data...)
	}
	return out
}

// Write stores the assembled file as <dir>/<name>.bsp and returns the path.
func (b *Builder) Write(tb testing.TB, dir, name string) string {
	tb.Helper()
	path := filepath.Join(dir, name+".bsp")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		tb.Fatalf("write map file: %v", err)
	}
	return path
}

func putF32(d []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(d[off:], math.Float32bits(v))
}
