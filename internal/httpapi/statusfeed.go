package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleStatusFeed upgrades to a websocket and pushes the published status
// snapshot once per interval until the peer goes away. A frame is only
// written when the tick advanced, so a server whose tick loop is not
// stepping stays quiet apart from a keepalive ping. Step advances the tick
// in every state, so a stepping server without a map still gets frames.
func (s *Server) handleStatusFeed(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("[api] websocket upgrade failed: %v", err)
		return nil
	}
	defer conn.Close()

	// Drain (and discard) inbound frames so pings/pongs and close frames
	// are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	var lastTick uint32
	sent := false
	for range ticker.C {
		st := s.game.StatusSnapshot()
		if st == nil {
			continue
		}
		if sent && st.Tick == lastTick {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return nil
			}
			continue
		}
		if err := conn.WriteJSON(st); err != nil {
			return nil
		}
		lastTick = st.Tick
		sent = true
	}
	return nil
}
