package client

import (
	"testing"

	"strafe/internal/ecs"
	"strafe/internal/geom"
	"strafe/internal/protocol"
)

func ecsID(v uint64) ecs.EntityID { return ecs.EntityID(v) }

func snapWithEntity(tick uint32, id uint64, pos geom.Vec3) protocol.Snapshot {
	return protocol.Snapshot{
		Tick:     tick,
		Entities: []protocol.EntityState{{ID: ecsID(id), Position: pos}},
	}
}

func TestBufferBound(t *testing.T) {
	b := NewSnapshotBuffer(32)
	for tick := uint32(0); tick < 40; tick++ {
		b.Push(protocol.Snapshot{Tick: tick})
	}
	if b.Len() != 32 {
		t.Fatalf("got len %d, want 32", b.Len())
	}
	// Oldest retained entry is tick 8, newest tick 39, in push order.
	for i := 0; i < 32; i++ {
		if got, want := b.At(i).Tick, uint32(8+i); got != want {
			t.Errorf("entry %d: got tick %d, want %d", i, got, want)
		}
	}
	if b.Last().Tick != 39 {
		t.Errorf("last: got tick %d, want 39", b.Last().Tick)
	}
}

func TestBufferFewerPushesThanCapacity(t *testing.T) {
	b := NewSnapshotBuffer(32)
	for tick := uint32(0); tick < 5; tick++ {
		b.Push(protocol.Snapshot{Tick: tick})
	}
	if b.Len() != 5 {
		t.Errorf("got len %d, want 5", b.Len())
	}
	if b.At(0).Tick != 0 || b.Last().Tick != 4 {
		t.Errorf("got range [%d, %d], want [0, 4]", b.At(0).Tick, b.Last().Tick)
	}
}

func TestInterpMidpoint(t *testing.T) {
	b := NewSnapshotBuffer(32)
	b.Push(snapWithEntity(1, 7, geom.V(0, 0, 0)))
	b.Push(snapWithEntity(2, 7, geom.V(2, 4, 6)))

	got, ok := b.InterpEntity(ecsID(7), 0.5)
	if !ok {
		t.Fatal("expected interpolation result")
	}
	if got != geom.V(1, 2, 3) {
		t.Errorf("got %v, want %v", got, geom.V(1, 2, 3))
	}
}

func TestInterpEndpointsAndClamp(t *testing.T) {
	a, bPos := geom.V(10, 0, 0), geom.V(20, 0, 0)
	b := NewSnapshotBuffer(32)
	b.Push(snapWithEntity(1, 3, a))
	b.Push(snapWithEntity(2, 3, bPos))

	cases := []struct {
		alpha float32
		want  geom.Vec3
	}{
		{0, a},
		{1, bPos},
		{-2, a},
		{3, bPos},
	}
	for _, tc := range cases {
		got, ok := b.InterpEntity(ecsID(3), tc.alpha)
		if !ok {
			t.Fatalf("alpha %v: expected result", tc.alpha)
		}
		if got != tc.want {
			t.Errorf("alpha %v: got %v, want %v", tc.alpha, got, tc.want)
		}
	}
}

func TestInterpUsesTwoMostRecent(t *testing.T) {
	b := NewSnapshotBuffer(32)
	b.Push(snapWithEntity(1, 5, geom.V(100, 0, 0))) // superseded
	b.Push(snapWithEntity(2, 5, geom.V(0, 0, 0)))
	b.Push(snapWithEntity(3, 5, geom.V(2, 0, 0)))

	got, ok := b.InterpEntity(ecsID(5), 0.5)
	if !ok {
		t.Fatal("expected result")
	}
	if got != geom.V(1, 0, 0) {
		t.Errorf("got %v, want %v", got, geom.V(1, 0, 0))
	}
}

func TestInterpNeedsTwoSnapshots(t *testing.T) {
	b := NewSnapshotBuffer(32)
	if _, ok := b.InterpEntity(ecsID(1), 0.5); ok {
		t.Error("empty buffer interpolated")
	}
	b.Push(snapWithEntity(1, 1, geom.V(1, 1, 1)))
	if _, ok := b.InterpEntity(ecsID(1), 0.5); ok {
		t.Error("single snapshot interpolated")
	}
}

func TestInterpNoExtrapolationForMissingEntity(t *testing.T) {
	b := NewSnapshotBuffer(32)
	b.Push(snapWithEntity(1, 1, geom.V(0, 0, 0)))
	b.Push(snapWithEntity(2, 2, geom.V(1, 1, 1))) // different entity
	if _, ok := b.InterpEntity(ecsID(1), 0.5); ok {
		t.Error("entity present in only one snapshot interpolated")
	}
	if _, ok := b.InterpEntity(ecsID(9), 0.5); ok {
		t.Error("absent entity interpolated")
	}
}

func TestBuildCommand(t *testing.T) {
	cmd := BuildCommand(4, 17, InputState{Forward: 1, Right: -0.5, Up: 0.25})
	if cmd.ClientID != 4 || cmd.Tick != 17 {
		t.Errorf("got %+v", cmd)
	}
	if cmd.Wish != geom.V(1, -0.5, 0.25) {
		t.Errorf("wish: got %v", cmd.Wish)
	}
}
