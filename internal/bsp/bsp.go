// Package bsp parses binary BSP map files (Source-era format, versions
// 19-21) into the geometry, entities, and metadata the server needs to seed
// its world and the client needs for local presentation.
//
// File layout: 4-byte magic, 4-byte version, 64 lump descriptors of 16
// bytes each (offset, length, version, four-byte tag), then a 4-byte map
// revision, followed by the lump payloads. Everything is little-endian.
package bsp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"strafe/internal/geom"
)

// Magic is "VBSP" read as a little-endian u32.
const Magic uint32 = 0x50534256

// Supported format versions, inclusive.
const (
	VersionMin uint32 = 19
	VersionMax uint32 = 21
)

// HeaderLumps is the fixed number of lump descriptors in the header.
const HeaderLumps = 64

// headerSize is magic + version + 64 descriptors + map revision.
const headerSize = 4 + 4 + HeaderLumps*16 + 4

// Lump indices for the lumps this loader reads.
const (
	LumpEntities   = 0
	LumpPlanes     = 1
	LumpVertices   = 3
	LumpFaces      = 7
	LumpEdges      = 12
	LumpSurfEdges  = 13
	LumpModels     = 14
	LumpBrushes    = 18
	LumpBrushSides = 19
)

// Load errors callers may match on.
var (
	ErrBadMagic   = errors.New("bad magic")
	ErrBadVersion = errors.New("unsupported version")
	ErrTruncated  = errors.New("lump exceeds file")
)

// LumpEntry is one descriptor from the header.
type LumpEntry struct {
	Offset  uint32
	Length  uint32
	Version uint32
	FourCC  [4]byte
}

// Plane is a splitting plane.
type Plane struct {
	Normal geom.Vec3
	Dist   float32
	Type   int32
}

// Edge joins two vertex indices.
type Edge struct {
	V [2]uint16
}

// Face is a polygon. All fields are parsed even though the engine core
// only needs the stride honored.
type Face struct {
	PlaneNum           uint16
	Side               uint8
	OnNode             uint8
	FirstEdge          int32
	NumEdges           int16
	TexInfo            int16
	DispInfo           int16
	SurfaceFogVolumeID int16
	Styles             [4]uint8
	LightOfs           int32
	Area               float32
	LightmapMins       [2]int32
	LightmapSize       [2]int32
	OrigFace           int32
	NumPrims           uint16
	FirstPrimID        uint16
	SmoothingGroups    uint32
}

// Brush is a convex solid.
type Brush struct {
	FirstSide int32
	NumSides  int32
	Contents  int32
}

// BrushSide is one face of a brush.
type BrushSide struct {
	PlaneNum uint16
	TexInfo  int16
	DispInfo int16
	Bevel    int16
}

// Model is the world or a brush entity's bounding info.
type Model struct {
	Mins      geom.Vec3
	Maxs      geom.Vec3
	Origin    geom.Vec3
	HeadNode  int32
	FirstFace int32
	NumFaces  int32
}

// Map is a fully parsed map file.
type Map struct {
	Name        string
	Version     uint32
	MapRevision uint32

	Entities   []Entity
	Planes     []Plane
	Vertices   []geom.Vec3
	Edges      []Edge
	SurfEdges  []int32
	Faces      []Face
	Brushes    []Brush
	BrushSides []BrushSide
	Models     []Model
}

// Load reads and parses a map file from disk. The map name is the file's
// base name without extension.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m, err := Parse(name, data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a map from an in-memory file image.
func Parse(name string, data []byte) (*Map, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: file shorter than header", ErrTruncated)
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, magic)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version < VersionMin || version > VersionMax {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	var lumps [HeaderLumps]LumpEntry
	for i := range lumps {
		off := 8 + i*16
		lumps[i] = LumpEntry{
			Offset:  binary.LittleEndian.Uint32(data[off:]),
			Length:  binary.LittleEndian.Uint32(data[off+4:]),
			Version: binary.LittleEndian.Uint32(data[off+8:]),
			FourCC:  [4]byte(data[off+12 : off+16]),
		}
	}
	revision := binary.LittleEndian.Uint32(data[8+HeaderLumps*16:])

	m := &Map{Name: name, Version: version, MapRevision: revision}

	entText, err := lump(data, lumps, LumpEntities)
	if err != nil {
		return nil, err
	}
	m.Entities = ParseEntityText(string(entText))

	if err := parseRecords(data, lumps, LumpPlanes, 20, &m.Planes, func(d []byte) Plane {
		return Plane{
			Normal: vec3At(d, 0),
			Dist:   f32At(d, 12),
			Type:   i32At(d, 16),
		}
	}); err != nil {
		return nil, err
	}

	if err := parseRecords(data, lumps, LumpVertices, 12, &m.Vertices, func(d []byte) geom.Vec3 {
		return vec3At(d, 0)
	}); err != nil {
		return nil, err
	}

	if err := parseRecords(data, lumps, LumpEdges, 4, &m.Edges, func(d []byte) Edge {
		return Edge{V: [2]uint16{u16At(d, 0), u16At(d, 2)}}
	}); err != nil {
		return nil, err
	}

	if err := parseRecords(data, lumps, LumpSurfEdges, 4, &m.SurfEdges, func(d []byte) int32 {
		return i32At(d, 0)
	}); err != nil {
		return nil, err
	}

	if err := parseRecords(data, lumps, LumpFaces, 56, &m.Faces, parseFace); err != nil {
		return nil, err
	}

	if err := parseRecords(data, lumps, LumpBrushes, 12, &m.Brushes, func(d []byte) Brush {
		return Brush{FirstSide: i32At(d, 0), NumSides: i32At(d, 4), Contents: i32At(d, 8)}
	}); err != nil {
		return nil, err
	}

	if err := parseRecords(data, lumps, LumpBrushSides, 8, &m.BrushSides, func(d []byte) BrushSide {
		return BrushSide{
			PlaneNum: u16At(d, 0),
			TexInfo:  i16At(d, 2),
			DispInfo: i16At(d, 4),
			Bevel:    i16At(d, 6),
		}
	}); err != nil {
		return nil, err
	}

	if err := parseRecords(data, lumps, LumpModels, 48, &m.Models, func(d []byte) Model {
		return Model{
			Mins:      vec3At(d, 0),
			Maxs:      vec3At(d, 12),
			Origin:    vec3At(d, 24),
			HeadNode:  i32At(d, 36),
			FirstFace: i32At(d, 40),
			NumFaces:  i32At(d, 44),
		}
	}); err != nil {
		return nil, err
	}

	return m, nil
}

func parseFace(d []byte) Face {
	return Face{
		PlaneNum:           u16At(d, 0),
		Side:               d[2],
		OnNode:             d[3],
		FirstEdge:          i32At(d, 4),
		NumEdges:           i16At(d, 8),
		TexInfo:            i16At(d, 10),
		DispInfo:           i16At(d, 12),
		SurfaceFogVolumeID: i16At(d, 14),
		Styles:             [4]uint8(d[16:20]),
		LightOfs:           i32At(d, 20),
		Area:               f32At(d, 24),
		LightmapMins:       [2]int32{i32At(d, 28), i32At(d, 32)},
		LightmapSize:       [2]int32{i32At(d, 36), i32At(d, 40)},
		OrigFace:           i32At(d, 44),
		NumPrims:           u16At(d, 48),
		FirstPrimID:        u16At(d, 50),
		SmoothingGroups:    u32At(d, 52),
	}
}

// lump bounds-checks a descriptor and returns the payload slice.
func lump(data []byte, lumps [HeaderLumps]LumpEntry, idx int) ([]byte, error) {
	l := lumps[idx]
	if l.Length == 0 {
		return nil, nil
	}
	end := uint64(l.Offset) + uint64(l.Length)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: lump %d at %d+%d, file %d bytes", ErrTruncated, idx, l.Offset, l.Length, len(data))
	}
	return data[l.Offset:end], nil
}

// parseRecords reads length/stride fixed-size records from a lump.
func parseRecords[T any](data []byte, lumps [HeaderLumps]LumpEntry, idx, stride int, out *[]T, parse func([]byte) T) error {
	raw, err := lump(data, lumps, idx)
	if err != nil {
		return err
	}
	count := len(raw) / stride
	recs := make([]T, 0, count)
	for i := 0; i < count; i++ {
		recs = append(recs, parse(raw[i*stride:(i+1)*stride]))
	}
	*out = recs
	return nil
}

func u16At(d []byte, off int) uint16 { return binary.LittleEndian.Uint16(d[off:]) }
func i16At(d []byte, off int) int16  { return int16(binary.LittleEndian.Uint16(d[off:])) }
func u32At(d []byte, off int) uint32 { return binary.LittleEndian.Uint32(d[off:]) }
func i32At(d []byte, off int) int32  { return int32(binary.LittleEndian.Uint32(d[off:])) }
func f32At(d []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(d[off:]))
}
func vec3At(d []byte, off int) geom.Vec3 {
	return geom.V(f32At(d, off), f32At(d, off+4), f32At(d, off+8))
}

// SpawnPoints returns, in map order, the origin of every entity whose
// classname starts with "info_player" or equals "info_target".
func (m *Map) SpawnPoints() []geom.Vec3 {
	var out []geom.Vec3
	for i := range m.Entities {
		e := &m.Entities[i]
		if !strings.HasPrefix(e.Classname, "info_player") && e.Classname != "info_target" {
			continue
		}
		if origin, ok := e.Origin(); ok {
			out = append(out, origin)
		}
	}
	return out
}

// Worldspawn returns the worldspawn entity, or nil if the map has none.
func (m *Map) Worldspawn() *Entity {
	for i := range m.Entities {
		if m.Entities[i].Classname == "worldspawn" {
			return &m.Entities[i]
		}
	}
	return nil
}
