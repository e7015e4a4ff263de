// Package client implements the game client: the connection lifecycle
// against an authoritative server, the local map load, per-tick input
// commands, and the snapshot history presentation reads from.
package client

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"strafe/internal/bsp"
	"strafe/internal/config"
	"strafe/internal/console"
	"strafe/internal/protocol"
	"strafe/internal/transport"
)

// Timeouts bounding the client's blocking reads.
const (
	connectTimeout  = 5 * time.Second
	reliablePoll    = 10 * time.Millisecond
	snapshotTimeout = 20 * time.Millisecond
)

// ErrHandshake marks a failed connect sequence.
var ErrHandshake = errors.New("handshake failed")

// State is the client connection state.
type State int

const (
	// StateDisconnected means no server connection.
	StateDisconnected State = iota
	// StateConnecting means the handshake is in progress.
	StateConnecting
	// StateConnected means the handshake finished; waiting for map info.
	StateConnected
	// StateLoadingMap means the announced map is loading.
	StateLoadingMap
	// StateReady means the map is loaded and gameplay traffic flows.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLoadingMap:
		return "loading_map"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// GameClient is the high-level client. All fields are owned by the
// goroutine driving the main loop.
type GameClient struct {
	// ID is the server-assigned client id, set by the Welcome message.
	ID      protocol.ClientID
	Console *console.Console

	state      State
	reliable   *transport.ReliableConn
	unreliable *transport.UnreliableConn

	// Snaps is the snapshot history presentation interpolates from.
	Snaps *SnapshotBuffer
	tick  uint32

	// CurrentMap is the locally loaded map, nil until a load succeeds.
	CurrentMap *bsp.Map
	// PendingMap is the server's announcement, kept until the load runs.
	PendingMap *protocol.MapInfo
	mapsDir    string

	// SpawnedEntities collects entity replication from the server.
	SpawnedEntities []protocol.EntitySpawn
	// ServerMessages collects server console prints.
	ServerMessages []string

	stopping bool
}

// Connect dials the server and runs the handshake: bind the datagram
// socket first (its port is announced in udp_hello), open the reliable
// connection, send hello and udp_hello, then require a welcome. A map
// announcement that arrives within the first poll is handled before
// returning; one that arrives later is caught by the next PollReliable.
func Connect(cfg config.Engine) (*GameClient, error) {
	log.Printf("[client] connecting to %s", cfg.ServerAddr)

	unreliable, err := transport.DialUnreliable(":0", cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	udpPort := uint16(unreliable.LocalAddr().Port)

	reliable, err := transport.DialReliable(cfg.ServerAddr)
	if err != nil {
		unreliable.Close()
		return nil, err
	}

	c := &GameClient{
		Console:    console.New(),
		state:      StateConnecting,
		reliable:   reliable,
		unreliable: unreliable,
		Snaps:      NewSnapshotBuffer(DefaultSnapshotHistory),
		mapsDir:    cfg.MapsDir,
	}
	registerCvars(c.Console, cfg.PlayerName)

	if err := reliable.Send(protocol.Hello(protocol.Version)); err != nil {
		c.closeConns()
		return nil, err
	}
	if err := reliable.Send(protocol.UDPHello(udpPort)); err != nil {
		c.closeConns()
		return nil, err
	}

	welcome, ok, err := reliable.RecvTimeout(connectTimeout)
	if err != nil || !ok {
		c.closeConns()
		return nil, fmt.Errorf("%w: reading welcome: %v", ErrHandshake, err)
	}
	if welcome.Type != protocol.TypeWelcome {
		c.closeConns()
		if welcome.Type == protocol.TypeDisconnect {
			return nil, fmt.Errorf("%w: server refused: %s", ErrHandshake, welcome.Reason)
		}
		return nil, fmt.Errorf("%w: expected welcome, got %s", ErrHandshake, welcome.Type)
	}
	c.ID = welcome.ClientID
	c.state = StateConnected
	log.Printf("[client %d] connected (udp port %d)", c.ID, udpPort)

	// Catch an immediate map announcement; later arrival is fine too.
	if err := c.PollReliable(); err != nil {
		c.closeConns()
		return nil, err
	}
	return c, nil
}

func registerCvars(con *console.Console, playerName string) {
	con.RegisterCvar("cl_interp", console.Float(0.1), "Interpolation delay", 0)
	con.RegisterCvar("cl_predict", console.Bool(true), "Enable client prediction", 0)
	con.RegisterCvar("name", console.String(playerName), "Player name", console.FlagArchive)
}

func (c *GameClient) closeConns() {
	c.reliable.Close()
	c.unreliable.Close()
}

// State returns the connection state.
func (c *GameClient) State() State {
	return c.state
}

// Tick returns the client's outgoing command tick counter.
func (c *GameClient) Tick() uint32 {
	return c.tick
}

// Stopping reports whether a quit command was executed.
func (c *GameClient) Stopping() bool {
	return c.stopping
}

// PollReliable checks the reliable channel once with a short timeout and
// dispatches whatever arrived. Channel errors are terminal: the client
// transitions to disconnected.
func (c *GameClient) PollReliable() error {
	msg, ok, err := c.reliable.RecvTimeout(reliablePoll)
	if err != nil {
		log.Printf("[client %d] reliable channel error: %v", c.ID, err)
		c.state = StateDisconnected
		return nil
	}
	if !ok {
		return nil
	}
	return c.handleReliable(msg)
}

func (c *GameClient) handleReliable(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeMapInfo:
		if msg.Map == nil {
			return nil
		}
		log.Printf("[client %d] server map: %s", c.ID, msg.Map.Name)
		info := *msg.Map
		c.PendingMap = &info
		c.state = StateLoadingMap
		if err := c.LoadMap(info.Name); err != nil {
			c.state = StateDisconnected
			return fmt.Errorf("cannot honor map announcement: %w", err)
		}
	case protocol.TypeEntitySpawn:
		if msg.Spawn != nil {
			c.SpawnedEntities = append(c.SpawnedEntities, *msg.Spawn)
		}
	case protocol.TypeServerPrint:
		log.Printf("[client %d] server: %s", c.ID, msg.Text)
		c.ServerMessages = append(c.ServerMessages, msg.Text)
	case protocol.TypeDisconnect:
		log.Printf("[client %d] disconnected by server: %s", c.ID, msg.Reason)
		c.state = StateDisconnected
	default:
		// Snapshot-channel traffic and anything else is ignored here.
	}
	return nil
}

// LoadMap loads <mapsDir>/<name>.bsp locally, clears replication state
// carried over from any previous map, and marks the client ready.
func (c *GameClient) LoadMap(name string) error {
	path := filepath.Join(c.mapsDir, name+".bsp")
	m, err := bsp.Load(path)
	if err != nil {
		return fmt.Errorf("load map %s: %w", path, err)
	}
	log.Printf("[client %d] map %q loaded: %d entities, %d vertices",
		c.ID, m.Name, len(m.Entities), len(m.Vertices))

	c.CurrentMap = m
	c.SpawnedEntities = nil
	c.Snaps = NewSnapshotBuffer(DefaultSnapshotHistory)
	c.state = StateReady
	return nil
}

// SendReady tells the server the map is loaded and snapshots may flow.
func (c *GameClient) SendReady() error {
	if err := c.unreliable.Send(protocol.Message{Type: protocol.TypeClientReady, ClientID: c.ID}); err != nil {
		return err
	}
	log.Printf("[client %d] sent ready", c.ID)
	return nil
}

// TickInput builds the PlayerCommand for the current tick, sends it on the
// unreliable channel, and advances the tick counter.
func (c *GameClient) TickInput(in InputState) (protocol.PlayerCommand, error) {
	cmd := BuildCommand(c.ID, c.tick, in)
	if err := c.unreliable.Send(protocol.Message{Type: protocol.TypePlayerCommand, Cmd: &cmd}); err != nil {
		return cmd, err
	}
	c.tick++
	return cmd, nil
}

// RecvSnapshot reads at most one unreliable message with a short timeout,
// buffering it when it is a snapshot. Malformed datagrams are dropped.
func (c *GameClient) RecvSnapshot() error {
	msg, ok, err := c.unreliable.RecvTimeout(snapshotTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrMalformed) {
			return nil
		}
		return err
	}
	if !ok {
		return nil
	}
	if msg.Type == protocol.TypeSnapshot && msg.Snapshot != nil {
		c.Snaps.Push(*msg.Snapshot)
	}
	return nil
}

// Disconnect notifies the server (best effort) and drops the connection.
func (c *GameClient) Disconnect(reason string) {
	if c.state != StateDisconnected {
		_ = c.reliable.Send(protocol.Disconnect(reason))
	}
	c.closeConns()
	c.state = StateDisconnected
}

// ExecConsole executes one console line: built-in client commands first,
// anything else delegated to the cvar façade.
func (c *GameClient) ExecConsole(line string) ([]string, error) {
	tokens := strings.Fields(strings.TrimSpace(line))
	if len(tokens) == 0 {
		return nil, nil
	}

	switch tokens[0] {
	case "connect":
		if len(tokens) < 2 {
			return []string{"Usage: connect <host:port>"}, nil
		}
		return []string{"Already connected; restart with --addr " + tokens[1]}, nil
	case "disconnect":
		c.Disconnect("user disconnect")
		return []string{"Disconnected"}, nil
	case "status":
		return c.statusLines(), nil
	case "map":
		if len(tokens) < 2 {
			return []string{"Usage: map <mapname>"}, nil
		}
		if err := c.LoadMap(tokens[1]); err != nil {
			return []string{fmt.Sprintf("Failed to load map: %v", err)}, nil
		}
		return []string{fmt.Sprintf("Map %q loaded locally", tokens[1])}, nil
	case "say":
		text := strings.Join(tokens[1:], " ")
		err := c.unreliable.Send(protocol.Message{
			Type:    protocol.TypeClientCommand,
			Command: "say " + text,
		})
		if err != nil {
			return nil, err
		}
		return nil, nil
	case "quit", "exit":
		c.stopping = true
		return nil, nil
	default:
		return c.Console.Exec(line)
	}
}

func (c *GameClient) statusLines() []string {
	out := []string{
		fmt.Sprintf("State: %s", c.state),
		fmt.Sprintf("Client ID: %d", c.ID),
		fmt.Sprintf("Tick: %d", c.tick),
	}
	if c.CurrentMap != nil {
		out = append(out, fmt.Sprintf("Map: %s", c.CurrentMap.Name))
	}
	out = append(out, fmt.Sprintf("Snapshots buffered: %d", c.Snaps.Len()))
	return out
}
