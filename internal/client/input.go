package client

import (
	"strafe/internal/geom"
	"strafe/internal/protocol"
)

// InputState is the sampled user input for one tick. A real client would
// fill it from windowing and key bindings; the engine core only needs a
// deterministic wish vector per tick.
type InputState struct {
	Forward float32
	Right   float32
	Up      float32
}

// Wish returns the input as a local-space wish vector.
func (in InputState) Wish() geom.Vec3 {
	return geom.V(in.Forward, in.Right, in.Up)
}

// BuildCommand turns sampled input into the PlayerCommand for a tick.
func BuildCommand(id protocol.ClientID, tick uint32, in InputState) protocol.PlayerCommand {
	return protocol.PlayerCommand{ClientID: id, Tick: tick, Wish: in.Wish()}
}
