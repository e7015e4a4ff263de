package client

import (
	"strafe/internal/ecs"
	"strafe/internal/geom"
	"strafe/internal/protocol"
)

// DefaultSnapshotHistory is the snapshot buffer capacity.
const DefaultSnapshotHistory = 32

// SnapshotBuffer holds recent world snapshots for interpolation: a bounded
// FIFO that drops the oldest entry on overflow. The server sends discrete
// snapshots at tick boundaries; the client renders at its own rate and
// blends entity positions between the two most recent entries.
type SnapshotBuffer struct {
	buf   []protocol.Snapshot
	start int
	count int
}

// NewSnapshotBuffer returns a buffer holding up to max snapshots.
func NewSnapshotBuffer(max int) *SnapshotBuffer {
	if max <= 0 {
		max = DefaultSnapshotHistory
	}
	return &SnapshotBuffer{buf: make([]protocol.Snapshot, max)}
}

// Push appends a snapshot, evicting the oldest when full. O(1).
func (b *SnapshotBuffer) Push(s protocol.Snapshot) {
	if b.count < len(b.buf) {
		b.buf[(b.start+b.count)%len(b.buf)] = s
		b.count++
		return
	}
	b.buf[b.start] = s
	b.start = (b.start + 1) % len(b.buf)
}

// Len returns the number of buffered snapshots.
func (b *SnapshotBuffer) Len() int {
	return b.count
}

// At returns the i-th oldest buffered snapshot.
func (b *SnapshotBuffer) At(i int) *protocol.Snapshot {
	if i < 0 || i >= b.count {
		return nil
	}
	return &b.buf[(b.start+i)%len(b.buf)]
}

// Last returns the most recent snapshot, or nil when empty.
func (b *SnapshotBuffer) Last() *protocol.Snapshot {
	return b.At(b.count - 1)
}

// InterpEntity blends an entity's position between the two most recent
// snapshots. alpha 0 is the older snapshot, 1 the newer; out-of-range
// values clamp. ok is false when fewer than two snapshots are held or the
// entity is missing from either — there is no extrapolation.
func (b *SnapshotBuffer) InterpEntity(id ecs.EntityID, alpha float32) (geom.Vec3, bool) {
	if b.count < 2 {
		return geom.Zero, false
	}
	older := b.At(b.count - 2)
	newer := b.At(b.count - 1)

	pa, oka := findEntity(older, id)
	pb, okb := findEntity(newer, id)
	if !oka || !okb {
		return geom.Zero, false
	}
	return pa.Lerp(pb, alpha), true
}

// findEntity scans a snapshot for an entity's position. Linear: snapshot
// entity counts are small.
func findEntity(s *protocol.Snapshot, id ecs.EntityID) (geom.Vec3, bool) {
	for i := range s.Entities {
		if s.Entities[i].ID == id {
			return s.Entities[i].Position, true
		}
	}
	return geom.Zero, false
}
