// Package server implements the authoritative tick server: it owns the
// world, accepts clients over the reliable channel, ingests their input
// datagrams, simulates at a fixed timestep, and broadcasts snapshots.
//
// Determinism notes: simulation runs in a fixed timestep, gameplay code
// avoids wall-clock branching, and within one tick the phases always run
// console → datagrams → simulate → broadcast.
package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"strafe/internal/bsp"
	"strafe/internal/config"
	"strafe/internal/console"
	"strafe/internal/ecs"
	"strafe/internal/geom"
	"strafe/internal/metrics"
	"strafe/internal/physics"
	"strafe/internal/protocol"
	"strafe/internal/transport"
)

// Timeouts bounding every blocking call inside the tick loop.
const (
	acceptTimeout    = time.Millisecond
	drainTimeout     = time.Millisecond
	handshakeTimeout = time.Second
)

// wishScale converts a per-tick wish vector into a position nudge. A real
// simulation would scale by dt or treat the wish as an impulse; the
// kinematic placeholder applies a fixed factor.
const wishScale = 0.1

// ErrHandshake marks a connection that failed the handshake sequence.
var ErrHandshake = errors.New("handshake failed")

// State is the server's connection-flow state.
type State int

const (
	// StateIdle means no map is loaded.
	StateIdle State = iota
	// StateLoadingMap means a map load is in progress.
	StateLoadingMap
	// StateRunning means a map is loaded and simulation is live.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingMap:
		return "loading_map"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

// clientRecord is the server's state for one connected client.
type clientRecord struct {
	id       protocol.ClientID
	reliable *transport.ReliableConn
	// udpPeer is where snapshots for this client go: the reliable
	// connection's remote IP plus the port announced in udp_hello. Updated
	// from the source of later PlayerCommands so a NAT rebind is followed.
	udpPeer     *net.UDPAddr
	lastCmdTick uint32
	ready       bool
	player      *ecs.EntityID
}

// GameServer drives the authoritative simulation. All fields are owned by
// the goroutine running the tick loop; only the published status snapshot
// crosses goroutines.
type GameServer struct {
	cfg     config.Engine
	Console *console.Console

	// SessionID identifies this server process in status output and logs.
	SessionID string

	world   ecs.World
	clients map[protocol.ClientID]*clientRecord

	listener *transport.ReliableListener
	udp      *transport.DatagramSocket
	phys     physics.Backend

	tick    uint32
	state   State
	current *bsp.Map
	mapsDir string

	consoleCh <-chan string
	stopping  bool

	status atomic.Pointer[Status]
}

// New binds the server's listener and datagram socket on cfg.ServerAddr
// (port 0 binds an ephemeral port, with the datagram socket following the
// listener's choice) and registers the built-in cvars.
func New(cfg config.Engine, mapsDir string) (*GameServer, error) {
	host, _, err := net.SplitHostPort(cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("parse server addr %q: %w", cfg.ServerAddr, err)
	}

	listener, err := transport.ListenReliable(cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	port := listener.Addr().(*net.TCPAddr).Port
	udp, err := transport.ListenDatagram(net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		listener.Close()
		return nil, err
	}

	con := console.New()
	registerCvars(con)

	s := &GameServer{
		cfg:       cfg,
		Console:   con,
		SessionID: xid.New().String(),
		clients:   make(map[protocol.ClientID]*clientRecord),
		listener:  listener,
		udp:       udp,
		phys:      physics.Null{},
		state:     StateIdle,
		mapsDir:   mapsDir,
	}
	s.publishStatus()
	return s, nil
}

func registerCvars(con *console.Console) {
	con.RegisterCvar("sv_tickrate", console.Int(64), "Server tick rate", 0)
	con.RegisterCvar("sv_maxclients", console.Int(16), "Max connected clients", 0)
	con.RegisterCvar("sv_cheats", console.Bool(false), "Allow cheat commands", console.FlagReplicated)
}

// SetConsoleInput attaches the channel the stdin reader feeds.
func (s *GameServer) SetConsoleInput(ch <-chan string) {
	s.consoleCh = ch
}

// SetPhysics swaps the physics backend.
func (s *GameServer) SetPhysics(p physics.Backend) {
	s.phys = p
}

// Addr returns the bound listen address.
func (s *GameServer) Addr() string {
	return s.listener.Addr().String()
}

// State returns the current connection-flow state.
func (s *GameServer) State() State {
	return s.state
}

// Tick returns the current tick counter.
func (s *GameServer) Tick() uint32 {
	return s.tick
}

// Stopping reports whether a quit command was executed.
func (s *GameServer) Stopping() bool {
	return s.stopping
}

// ClientCount returns the number of registered clients.
func (s *GameServer) ClientCount() int {
	return len(s.clients)
}

// Close releases the server's sockets.
func (s *GameServer) Close() {
	s.listener.Close()
	s.udp.Close()
}

// CurrentMap returns the loaded map, or nil when idle.
func (s *GameServer) CurrentMap() *bsp.Map {
	return s.current
}

// MapInfo returns the announcement for the loaded map, or nil when idle.
func (s *GameServer) MapInfo() *protocol.MapInfo {
	if s.current == nil {
		return nil
	}
	return &protocol.MapInfo{Name: s.current.Name}
}

// LoadMap loads <mapsDir>/<name>.bsp, reseeds the world from its entities,
// resets the tick counter, and announces the map to every connected
// client. On failure the server stays in its prior state.
func (s *GameServer) LoadMap(name string) error {
	prev := s.state
	s.state = StateLoadingMap
	log.Printf("[server] loading map %q", name)

	path := filepath.Join(s.mapsDir, name+".bsp")
	m, err := bsp.Load(path)
	if err != nil {
		s.state = prev
		metrics.MapLoads.WithLabelValues("error").Inc()
		return fmt.Errorf("load map %s: %w", path, err)
	}

	log.Printf("[server] map %q loaded: %d entities, %d vertices, %d faces",
		m.Name, len(m.Entities), len(m.Vertices), len(m.Faces))

	s.world = ecs.World{}
	s.seedMapEntities(m)
	s.current = m
	s.tick = 0
	s.state = StateRunning
	metrics.MapLoads.WithLabelValues("ok").Inc()

	// Announce the new map; connected clients must reload and re-ready.
	info := *s.MapInfo()
	for id, c := range s.clients {
		c.ready = false
		c.player = nil
		if err := c.reliable.Send(protocol.Message{Type: protocol.TypeMapInfo, Map: &info}); err != nil {
			log.Printf("[server] client %d: map announce failed: %v", id, err)
			s.dropClient(id)
		}
	}
	return nil
}

// seedMapEntities spawns a world entity for every non-worldspawn map
// entity, attaching a position where the map provides an origin.
func (s *GameServer) seedMapEntities(m *bsp.Map) {
	for i := range m.Entities {
		ent := &m.Entities[i]
		if ent.Classname == "worldspawn" {
			continue
		}
		id := s.world.Spawn()
		if origin, ok := ent.Origin(); ok {
			ecs.Insert(&s.world, id, ecs.Position{X: origin.X, Y: origin.Y, Z: origin.Z})
		}
	}
}

// TryAccept waits up to timeout for an inbound connection and runs the
// handshake inline. ok=false means nothing arrived. A failed handshake
// closes the connection, registers no client record, and is reported as an
// ErrHandshake-wrapped error. A failure at Hello or UdpHello allocates no
// client id; a failure sending Welcome or MapInfo leaves its minted id
// unused.
func (s *GameServer) TryAccept(timeout time.Duration) (protocol.ClientID, bool, error) {
	conn, peer, ok, err := s.listener.AcceptTimeout(timeout)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	id, err := s.handshake(conn, peer)
	if err != nil {
		conn.Close()
		return 0, true, err
	}
	return id, true, nil
}

// handshake runs the connection sequence: Hello (protocol check),
// UdpHello (datagram endpoint), Welcome, then MapInfo when a map is
// loaded. Out-of-order or unexpected messages fail the handshake.
func (s *GameServer) handshake(conn *transport.ReliableConn, peer net.Addr) (protocol.ClientID, error) {
	hello, ok, err := conn.RecvTimeout(handshakeTimeout)
	if err != nil || !ok {
		return 0, fmt.Errorf("%w: reading hello: %v", ErrHandshake, err)
	}
	if hello.Type != protocol.TypeHello {
		return 0, fmt.Errorf("%w: expected hello, got %s", ErrHandshake, hello.Type)
	}
	if hello.Protocol != protocol.Version {
		// Best-effort courtesy notice before closing.
		_ = conn.Send(protocol.Disconnect(fmt.Sprintf("protocol mismatch: server %d, client %d", protocol.Version, hello.Protocol)))
		return 0, fmt.Errorf("%w: protocol %d, want %d", ErrHandshake, hello.Protocol, protocol.Version)
	}

	udpHello, ok, err := conn.RecvTimeout(handshakeTimeout)
	if err != nil || !ok {
		return 0, fmt.Errorf("%w: reading udp_hello: %v", ErrHandshake, err)
	}
	if udpHello.Type != protocol.TypeUDPHello {
		return 0, fmt.Errorf("%w: expected udp_hello, got %s", ErrHandshake, udpHello.Type)
	}

	id := protocol.NewClientID()
	if err := conn.Send(protocol.Welcome(id)); err != nil {
		return 0, fmt.Errorf("%w: sending welcome: %v", ErrHandshake, err)
	}
	if info := s.MapInfo(); info != nil {
		if err := conn.Send(protocol.Message{Type: protocol.TypeMapInfo, Map: info}); err != nil {
			return 0, fmt.Errorf("%w: sending map info: %v", ErrHandshake, err)
		}
	}

	var peerIP net.IP
	if tcp, ok := peer.(*net.TCPAddr); ok {
		peerIP = tcp.IP
	}
	udpPeer := &net.UDPAddr{IP: peerIP, Port: int(udpHello.ClientUDPPort)}
	s.clients[id] = &clientRecord{id: id, reliable: conn, udpPeer: udpPeer}
	metrics.Clients.Set(float64(len(s.clients)))

	log.Printf("[server] client %d connected from %s (udp %s)", id, peer, udpPeer)
	return id, nil
}

// Step executes one fixed simulation step: drain console lines, drain
// datagrams, simulate, broadcast snapshots (when running), then advance
// the tick counter.
func (s *GameServer) Step(dtSec float32) error {
	s.processConsole()
	if err := s.drainDatagrams(); err != nil {
		return err
	}
	s.simulate(dtSec)
	if s.state == StateRunning {
		s.sendSnapshots()
	}
	s.tick++
	metrics.Ticks.Inc()
	s.publishStatus()
	return nil
}

func (s *GameServer) processConsole() {
	if s.consoleCh == nil {
		return
	}
	for {
		select {
		case line := <-s.consoleCh:
			out, err := s.ExecConsole(line)
			if err != nil {
				fmt.Println("Error:", err)
				continue
			}
			for _, l := range out {
				fmt.Println(l)
			}
		default:
			return
		}
	}
}

// drainDatagrams pulls every datagram already queued on the socket.
// Malformed datagrams and datagrams from unknown clients are dropped.
func (s *GameServer) drainDatagrams() error {
	for {
		msg, from, ok, err := s.udp.RecvFrom(drainTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrMalformed) {
				metrics.DatagramsDropped.Inc()
				log.Printf("[server] dropping malformed datagram from %s", from)
				continue
			}
			return err
		}
		if !ok {
			return nil
		}
		switch msg.Type {
		case protocol.TypePlayerCommand:
			if msg.Cmd != nil {
				s.onPlayerCommand(from, *msg.Cmd)
			}
		case protocol.TypeClientReady:
			s.onClientReady(msg.ClientID)
		case protocol.TypeClientCommand:
			s.onClientCommand(from, msg.Command)
		default:
			metrics.DatagramsDropped.Inc()
			log.Printf("[server] unexpected datagram %s from %s", msg.Type, from)
		}
	}
}

// onPlayerCommand applies one tick of input: refresh the client's datagram
// endpoint, record the tick, and nudge the player entity.
func (s *GameServer) onPlayerCommand(from *net.UDPAddr, cmd protocol.PlayerCommand) {
	c, ok := s.clients[cmd.ClientID]
	if !ok {
		metrics.DatagramsDropped.Inc()
		return
	}
	c.udpPeer = from
	c.lastCmdTick = cmd.Tick

	if c.player == nil {
		return
	}
	if pos := ecs.Get[ecs.Position](&s.world, *c.player); pos != nil {
		pos.X += cmd.Wish.X * wishScale
		pos.Y += cmd.Wish.Y * wishScale
		pos.Z += cmd.Wish.Z * wishScale
	}
}

// onClientReady marks the client ready, spawns its player entity at the
// map's first spawn point (origin when the map has none), and replicates
// the map's entities to it over the reliable channel.
func (s *GameServer) onClientReady(id protocol.ClientID) {
	c, ok := s.clients[id]
	if !ok {
		metrics.DatagramsDropped.Inc()
		return
	}

	spawnPos := geom.Zero
	if s.current != nil {
		if points := s.current.SpawnPoints(); len(points) > 0 {
			spawnPos = points[0]
		}
	}

	ent := s.world.Spawn()
	ecs.Insert(&s.world, ent, ecs.Position{X: spawnPos.X, Y: spawnPos.Y, Z: spawnPos.Z})
	c.ready = true
	c.player = &ent

	log.Printf("[server] client %d ready, player entity %d at %v", id, ent, spawnPos)

	if err := s.sendEntitySpawns(c); err != nil {
		log.Printf("[server] client %d: entity replication failed: %v", id, err)
		s.dropClient(id)
	}
}

// sendEntitySpawns replicates every non-worldspawn map entity to one
// client over its reliable channel.
func (s *GameServer) sendEntitySpawns(c *clientRecord) error {
	if s.current == nil {
		return nil
	}
	for i := range s.current.Entities {
		ent := &s.current.Entities[i]
		if ent.Classname == "worldspawn" {
			continue
		}
		origin, _ := ent.Origin()
		props := make([][2]string, 0, len(ent.Properties))
		for k, v := range ent.Properties {
			props = append(props, [2]string{k, v})
		}
		sort.Slice(props, func(i, j int) bool { return props[i][0] < props[j][0] })

		spawn := protocol.EntitySpawn{
			ID:         ecs.EntityID(i),
			Classname:  ent.Classname,
			Position:   origin,
			Properties: props,
		}
		if err := c.reliable.Send(protocol.Message{Type: protocol.TypeEntitySpawn, Spawn: &spawn}); err != nil {
			return err
		}
	}
	return nil
}

// onClientCommand handles a console command relayed from a client. The
// sender is resolved by its datagram source address; "say" is broadcast to
// every client as a server print.
func (s *GameServer) onClientCommand(from *net.UDPAddr, command string) {
	sender := s.clientByUDPPeer(from)
	if sender == nil {
		metrics.DatagramsDropped.Inc()
		return
	}
	if text, ok := strings.CutPrefix(command, "say "); ok {
		s.broadcastPrint(fmt.Sprintf("client %d: %s", sender.id, text))
		return
	}
	log.Printf("[server] client %d command: %q", sender.id, command)
}

func (s *GameServer) clientByUDPPeer(from *net.UDPAddr) *clientRecord {
	for _, c := range s.clients {
		if c.udpPeer.Port == from.Port && c.udpPeer.IP.Equal(from.IP) {
			return c
		}
	}
	return nil
}

// broadcastPrint sends a console message to every client over the
// reliable channel. Clients whose reliable channel fails are dropped.
func (s *GameServer) broadcastPrint(text string) {
	msg := protocol.Message{Type: protocol.TypeServerPrint, Text: text}
	for id, c := range s.clients {
		if err := c.reliable.Send(msg); err != nil {
			log.Printf("[server] client %d: print failed: %v", id, err)
			s.dropClient(id)
		}
	}
}

// simulate advances gameplay systems by one fixed step.
func (s *GameServer) simulate(dtSec float32) {
	s.phys.Step(&s.world, dtSec)
}

// sendSnapshots serializes the replicated world once and sends it to every
// ready client. Send errors are swallowed: the channel is unreliable by
// contract.
func (s *GameServer) sendSnapshots() {
	entities := make([]protocol.EntityState, 0, ecs.Count[ecs.Position](&s.world))
	for id, pos := range ecs.All[ecs.Position](&s.world) {
		entities = append(entities, protocol.EntityState{
			ID:       id,
			Position: geom.V(pos.X, pos.Y, pos.Z),
		})
	}
	snap := &protocol.Snapshot{Tick: s.tick, Entities: entities}
	msg := protocol.Message{Type: protocol.TypeSnapshot, Snapshot: snap}

	for _, c := range s.clients {
		if !c.ready {
			continue
		}
		if err := s.udp.SendTo(msg, c.udpPeer); err == nil {
			metrics.SnapshotsSent.Inc()
		}
	}
}

// dropClient closes a client's reliable connection and forgets its record.
func (s *GameServer) dropClient(id protocol.ClientID) {
	c, ok := s.clients[id]
	if !ok {
		return
	}
	c.reliable.Close()
	delete(s.clients, id)
	metrics.Clients.Set(float64(len(s.clients)))
	log.Printf("[server] client %d dropped", id)
}

// ExecConsole executes one console line: the built-in server commands
// first, anything else delegated to the cvar façade.
func (s *GameServer) ExecConsole(line string) ([]string, error) {
	tokens := strings.Fields(strings.TrimSpace(line))
	if len(tokens) == 0 {
		return nil, nil
	}

	switch tokens[0] {
	case "map":
		if len(tokens) < 2 {
			return []string{"Usage: map <mapname>"}, nil
		}
		if err := s.LoadMap(tokens[1]); err != nil {
			return []string{fmt.Sprintf("Failed to load map: %v", err)}, nil
		}
		return []string{fmt.Sprintf("Map %q loaded", tokens[1])}, nil
	case "maps":
		return s.listMaps()
	case "status":
		return s.statusLines(), nil
	case "quit", "exit":
		log.Printf("[server] shutting down")
		s.stopping = true
		return nil, nil
	default:
		return s.Console.Exec(line)
	}
}

func (s *GameServer) listMaps() ([]string, error) {
	entries, err := os.ReadDir(s.mapsDir)
	if err != nil {
		return []string{fmt.Sprintf("Cannot read maps dir: %v", err)}, nil
	}
	var out []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".bsp"); ok && !e.IsDir() {
			out = append(out, "  "+name)
		}
	}
	if len(out) == 0 {
		return []string{"No maps found."}, nil
	}
	return out, nil
}

func (s *GameServer) statusLines() []string {
	out := []string{
		fmt.Sprintf("Session: %s", s.SessionID),
		fmt.Sprintf("Server state: %s", s.state),
		fmt.Sprintf("Tick: %d", s.tick),
	}
	if s.current != nil {
		out = append(out, fmt.Sprintf("Map: %s", s.current.Name))
	}
	out = append(out, fmt.Sprintf("Clients: %d", len(s.clients)))
	ids := make([]protocol.ClientID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c := s.clients[id]
		entity := "-"
		if c.player != nil {
			entity = fmt.Sprint(*c.player)
		}
		out = append(out, fmt.Sprintf("  %d: udp=%s ready=%v entity=%s last_tick=%d",
			id, c.udpPeer, c.ready, entity, c.lastCmdTick))
	}
	return out
}
