// Package physics defines the simulation backend interface the server
// steps each tick. The engine core ships only the no-op backend; a real
// implementation would integrate collision against the map's brush
// geometry.
package physics

import (
	"strafe/internal/ecs"
	"strafe/internal/geom"
)

// Config holds physics parameters.
type Config struct {
	Gravity geom.Vec3
}

// DefaultConfig returns standard gravity.
func DefaultConfig() Config {
	return Config{Gravity: geom.V(0, 0, -9.81)}
}

// Backend advances the world by one fixed timestep.
type Backend interface {
	Step(w *ecs.World, dtSec float32)
}

// Null is a no-op physics backend.
type Null struct{}

// Step does nothing.
func (Null) Step(*ecs.World, float32) {}
