package server

// Status is the immutable snapshot of server state published once per tick
// for the operator API and websocket feed. Readers on other goroutines see
// only this copy, never live server state.
type Status struct {
	SessionID string         `json:"session_id"`
	State     string         `json:"state"`
	Tick      uint32         `json:"tick"`
	Map       string         `json:"map,omitempty"`
	Clients   []ClientStatus `json:"clients"`
}

// ClientStatus describes one connected client in a Status.
type ClientStatus struct {
	ID          uint32 `json:"id"`
	UDPPeer     string `json:"udp_peer"`
	Ready       bool   `json:"ready"`
	Entity      uint64 `json:"entity,omitempty"`
	HasEntity   bool   `json:"has_entity"`
	LastCmdTick uint32 `json:"last_cmd_tick"`
}

// StatusSnapshot returns the most recently published status. Safe to call
// from any goroutine.
func (s *GameServer) StatusSnapshot() *Status {
	return s.status.Load()
}

func (s *GameServer) publishStatus() {
	st := &Status{
		SessionID: s.SessionID,
		State:     s.state.String(),
		Tick:      s.tick,
		Clients:   make([]ClientStatus, 0, len(s.clients)),
	}
	if s.current != nil {
		st.Map = s.current.Name
	}
	for id, c := range s.clients {
		cs := ClientStatus{
			ID:          uint32(id),
			UDPPeer:     c.udpPeer.String(),
			Ready:       c.ready,
			LastCmdTick: c.lastCmdTick,
		}
		if c.player != nil {
			cs.Entity = uint64(*c.player)
			cs.HasEntity = true
		}
		st.Clients = append(st.Clients, cs)
	}
	s.status.Store(st)
}
