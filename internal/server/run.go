package server

import (
	"context"
	"errors"
	"log"
	"time"
)

// Run drives the tick loop until the context is canceled or a quit command
// executes: accept at most one new client per tick, step the simulation,
// then wait for the next tick boundary.
func (s *GameServer) Run(ctx context.Context) error {
	dt := time.Second / time.Duration(s.cfg.TickHz)
	ticker := time.NewTicker(dt)
	defer ticker.Stop()

	for {
		if id, ok, err := s.TryAccept(acceptTimeout); err != nil {
			if errors.Is(err, ErrHandshake) {
				log.Printf("[server] %v", err)
			} else {
				// Listener failure is fatal to the server.
				return err
			}
		} else if ok {
			log.Printf("[server] accepted client %d", id)
		}

		if err := s.Step(float32(dt.Seconds())); err != nil {
			return err
		}
		if s.stopping {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
