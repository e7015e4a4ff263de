package ecs

import "testing"

func TestInsertAndGet(t *testing.T) {
	var w World
	e := w.Spawn()
	Insert(&w, e, Position{X: 1, Y: 2, Z: 3})
	p := Get[Position](&w, e)
	if p == nil {
		t.Fatal("expected position component")
	}
	if p.X != 1 || p.Y != 2 || p.Z != 3 {
		t.Errorf("got %+v, want {1 2 3}", *p)
	}
}

func TestGetAbsent(t *testing.T) {
	var w World
	e := w.Spawn()
	if Get[Position](&w, e) != nil {
		t.Error("expected nil for entity without component")
	}
	Insert(&w, e, Velocity{X: 1})
	if Get[Position](&w, e) != nil {
		t.Error("expected nil for wrong component type")
	}
}

func TestInsertReplaces(t *testing.T) {
	var w World
	e := w.Spawn()
	Insert(&w, e, Position{X: 1})
	Insert(&w, e, Position{X: 9})
	if got := Get[Position](&w, e).X; got != 9 {
		t.Errorf("got %v, want 9", got)
	}
	if Count[Position](&w) != 1 {
		t.Errorf("got %d positions, want 1", Count[Position](&w))
	}
}

func TestMutateInPlace(t *testing.T) {
	var w World
	e := w.Spawn()
	Insert(&w, e, Position{})
	Get[Position](&w, e).X += 5
	if got := Get[Position](&w, e).X; got != 5 {
		t.Errorf("got %v, want 5", got)
	}
}

func TestSpawnIDsNeverReused(t *testing.T) {
	var w World
	seen := make(map[EntityID]bool)
	for i := 0; i < 1000; i++ {
		id := w.Spawn()
		if seen[id] {
			t.Fatalf("id %d returned twice", id)
		}
		seen[id] = true
	}
}

func TestAllYieldsEveryHolder(t *testing.T) {
	var w World
	want := make(map[EntityID]float32)
	for i := 0; i < 10; i++ {
		e := w.Spawn()
		Insert(&w, e, Position{X: float32(i)})
		want[e] = float32(i)
	}
	// One entity without a Position must not appear.
	Insert(&w, w.Spawn(), Velocity{})

	got := make(map[EntityID]float32)
	for id, p := range All[Position](&w) {
		if _, dup := got[id]; dup {
			t.Fatalf("entity %d yielded twice", id)
		}
		got[id] = p.X
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entities, want %d", len(got), len(want))
	}
	for id, x := range want {
		if got[id] != x {
			t.Errorf("entity %d: got %v, want %v", id, got[id], x)
		}
	}
}

func TestLazyStorages(t *testing.T) {
	var w World
	for range All[Position](&w) {
		t.Fatal("empty world yielded an entity")
	}
	if Count[Velocity](&w) != 0 {
		t.Error("expected zero velocities")
	}
}
