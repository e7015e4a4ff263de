package server

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"strafe/internal/bsp/bsptest"
	"strafe/internal/config"
	"strafe/internal/geom"
	"strafe/internal/protocol"
	"strafe/internal/transport"
)

const testMapEntities = `{
"classname" "worldspawn"
}
{
"classname" "info_player_start"
"origin" "10 0 0"
}
{
"classname" "light"
"origin" "0 0 128"
}`

// newTestServer binds an ephemeral server. When mapName is non-empty a
// synthetic map is written to a temp maps dir and loaded.
func newTestServer(t *testing.T, mapName string) *GameServer {
	t.Helper()
	mapsDir := t.TempDir()
	cfg := config.Default()
	cfg.ServerAddr = "127.0.0.1:0"
	srv, err := New(cfg, mapsDir)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.Close)
	if mapName != "" {
		bsptest.New().SetEntities(testMapEntities).Write(t, mapsDir, mapName)
		if err := srv.LoadMap(mapName); err != nil {
			t.Fatalf("load map: %v", err)
		}
	}
	return srv
}

// dialHandshake runs the client side of the handshake concurrently with
// the server's TryAccept and returns both ends plus the assigned id.
func dialHandshake(t *testing.T, srv *GameServer) (*transport.ReliableConn, *transport.UnreliableConn, protocol.ClientID) {
	t.Helper()

	udp, err := transport.DialUnreliable(":0", srv.Addr())
	if err != nil {
		t.Fatalf("udp dial: %v", err)
	}
	t.Cleanup(func() { udp.Close() })

	conn := make(chan *transport.ReliableConn, 1)
	errCh := make(chan error, 1)
	go func() {
		rc, err := transport.DialReliable(srv.Addr())
		if err != nil {
			errCh <- err
			return
		}
		if err := rc.Send(protocol.Hello(protocol.Version)); err != nil {
			errCh <- err
			return
		}
		if err := rc.Send(protocol.UDPHello(uint16(udp.LocalAddr().Port))); err != nil {
			errCh <- err
			return
		}
		conn <- rc
	}()

	id, ok, err := srv.TryAccept(time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !ok {
		t.Fatal("no connection accepted")
	}

	var rc *transport.ReliableConn
	select {
	case rc = <-conn:
	case err := <-errCh:
		t.Fatalf("client handshake: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	welcome, err := rc.Recv()
	if err != nil {
		t.Fatalf("recv welcome: %v", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		t.Fatalf("got %s, want welcome", welcome.Type)
	}
	if welcome.ClientID == 0 {
		t.Fatal("welcome carried client id 0")
	}
	if welcome.ClientID != id {
		t.Fatalf("welcome id %d, accept returned %d", welcome.ClientID, id)
	}
	return rc, udp, id
}

// stepUntil steps the server until cond holds or the tick budget runs out,
// pausing briefly between steps so loopback datagrams land.
func stepUntil(t *testing.T, srv *GameServer, ticks int, cond func() bool) {
	t.Helper()
	for i := 0; i < ticks; i++ {
		if err := srv.Step(1.0 / 64.0); err != nil {
			t.Fatalf("step: %v", err)
		}
		if cond != nil && cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if cond != nil {
		t.Fatal("condition not reached within tick budget")
	}
}

func TestHandshakeHappyPathWithMap(t *testing.T) {
	srv := newTestServer(t, "de_test")
	rc, _, _ := dialHandshake(t, srv)

	// With a map loaded, the next reliable message is its announcement.
	msg, err := rc.Recv()
	if err != nil {
		t.Fatalf("recv map info: %v", err)
	}
	if msg.Type != protocol.TypeMapInfo || msg.Map == nil || msg.Map.Name != "de_test" {
		t.Fatalf("got %+v, want map_info de_test", msg)
	}
	if srv.ClientCount() != 1 {
		t.Errorf("got %d clients, want 1", srv.ClientCount())
	}
}

func TestHandshakeNoMapNoAnnouncement(t *testing.T) {
	srv := newTestServer(t, "")
	rc, _, _ := dialHandshake(t, srv)

	if _, ok, err := rc.RecvTimeout(50 * time.Millisecond); err != nil || ok {
		t.Fatalf("expected silence after welcome, got ok=%v err=%v", ok, err)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	srv := newTestServer(t, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		rc, err := transport.DialReliable(srv.Addr())
		if err != nil {
			return
		}
		defer rc.Close()
		rc.Send(protocol.Hello(protocol.Version + 1)) //nolint:errcheck
		// The server sends a courtesy disconnect and closes.
		if msg, err := rc.Recv(); err == nil && msg.Type != protocol.TypeDisconnect {
			t.Errorf("got %s, want disconnect", msg.Type)
		}
	}()

	_, ok, err := srv.TryAccept(time.Second)
	if !ok {
		t.Fatal("expected a connection attempt")
	}
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("got %v, want ErrHandshake", err)
	}
	if srv.ClientCount() != 0 {
		t.Errorf("mismatched client was registered (%d clients)", srv.ClientCount())
	}
	<-done
}

func TestHandshakeOutOfOrder(t *testing.T) {
	srv := newTestServer(t, "")

	go func() {
		rc, err := transport.DialReliable(srv.Addr())
		if err != nil {
			return
		}
		defer rc.Close()
		// UdpHello before Hello is a protocol error.
		rc.Send(protocol.UDPHello(12345)) //nolint:errcheck
		time.Sleep(100 * time.Millisecond)
	}()

	_, ok, err := srv.TryAccept(time.Second)
	if !ok {
		t.Fatal("expected a connection attempt")
	}
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("got %v, want ErrHandshake", err)
	}
	if srv.ClientCount() != 0 {
		t.Errorf("got %d clients, want 0", srv.ClientCount())
	}
}

func TestReadyGating(t *testing.T) {
	srv := newTestServer(t, "de_test")
	_, udp, _ := dialHandshake(t, srv)

	// Not ready: no snapshots may arrive.
	stepUntil(t, srv, 5, nil)
	if _, ok, _ := udp.RecvTimeout(30 * time.Millisecond); ok {
		t.Fatal("snapshot sent before client_ready")
	}
}

func TestInputSnapshotLoop(t *testing.T) {
	srv := newTestServer(t, "de_test")
	rc, udp, id := dialHandshake(t, srv)

	// Drain the map announcement.
	if msg, err := rc.Recv(); err != nil || msg.Type != protocol.TypeMapInfo {
		t.Fatalf("expected map_info, got %v err=%v", msg.Type, err)
	}

	// Announce readiness; the server spawns the player at (10, 0, 0).
	if err := udp.Send(protocol.Message{Type: protocol.TypeClientReady, ClientID: id}); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	stepUntil(t, srv, 50, func() bool {
		st := srv.StatusSnapshot()
		return len(st.Clients) == 1 && st.Clients[0].Ready
	})

	playerEntity := srv.StatusSnapshot().Clients[0].Entity

	// Ten ticks of forward input, each applied before the tick's snapshot.
	for i := 0; i < 10; i++ {
		cmd := protocol.PlayerCommand{ClientID: id, Tick: uint32(i), Wish: geom.V(1, 0, 0)}
		if err := udp.Send(protocol.Message{Type: protocol.TypePlayerCommand, Cmd: &cmd}); err != nil {
			t.Fatalf("send command %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
		if err := srv.Step(1.0 / 64.0); err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	// Collect queued snapshots; the latest one carries the final position.
	var last *protocol.Snapshot
	var ticks []uint32
	for {
		msg, ok, err := udp.RecvTimeout(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if !ok {
			break
		}
		if msg.Type != protocol.TypeSnapshot {
			continue
		}
		snap := *msg.Snapshot
		last = &snap
		ticks = append(ticks, snap.Tick)
	}
	if last == nil {
		t.Fatal("no snapshots received")
	}

	// Snapshot ticks are strictly monotonic.
	for i := 1; i < len(ticks); i++ {
		if ticks[i] <= ticks[i-1] {
			t.Fatalf("snapshot ticks not strictly increasing: %v", ticks)
		}
	}

	var got *geom.Vec3
	for _, e := range last.Entities {
		if uint64(e.ID) == playerEntity {
			pos := e.Position
			got = &pos
		}
	}
	if got == nil {
		t.Fatalf("player entity %d not in snapshot", playerEntity)
	}
	want := float32(10 + 10*0.1)
	if math.Abs(float64(got.X-want)) > 1e-4 {
		t.Errorf("player x: got %v, want %v", got.X, want)
	}
	if got.Y != 0 || got.Z != 0 {
		t.Errorf("player y/z: got %v", *got)
	}
}

func TestSpawnFallbackToOrigin(t *testing.T) {
	mapsDir := t.TempDir()
	cfg := config.Default()
	cfg.ServerAddr = "127.0.0.1:0"
	srv, err := New(cfg, mapsDir)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	// A map with no spawn points at all.
	bsptest.New().SetEntities("{\n\"classname\" \"worldspawn\"\n}").Write(t, mapsDir, "empty")
	if err := srv.LoadMap("empty"); err != nil {
		t.Fatalf("load map: %v", err)
	}

	_, udp, id := dialHandshake(t, srv)
	if err := udp.Send(protocol.Message{Type: protocol.TypeClientReady, ClientID: id}); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	stepUntil(t, srv, 50, func() bool {
		st := srv.StatusSnapshot()
		return len(st.Clients) == 1 && st.Clients[0].Ready
	})

	msg, ok, err := udp.RecvTimeout(200 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("no snapshot: ok=%v err=%v", ok, err)
	}
	if msg.Snapshot == nil || len(msg.Snapshot.Entities) != 1 {
		t.Fatalf("got %+v", msg)
	}
	if pos := msg.Snapshot.Entities[0].Position; pos != geom.Zero {
		t.Errorf("spawn position: got %v, want origin", pos)
	}
}

func TestEntitySpawnReplication(t *testing.T) {
	srv := newTestServer(t, "de_test")
	rc, udp, id := dialHandshake(t, srv)

	if msg, err := rc.Recv(); err != nil || msg.Type != protocol.TypeMapInfo {
		t.Fatalf("expected map_info, got %v err=%v", msg.Type, err)
	}

	if err := udp.Send(protocol.Message{Type: protocol.TypeClientReady, ClientID: id}); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	stepUntil(t, srv, 50, func() bool {
		st := srv.StatusSnapshot()
		return len(st.Clients) == 1 && st.Clients[0].Ready
	})

	// The test map has two non-worldspawn entities.
	var classnames []string
	for i := 0; i < 2; i++ {
		msg, err := rc.Recv()
		if err != nil {
			t.Fatalf("recv spawn %d: %v", i, err)
		}
		if msg.Type != protocol.TypeEntitySpawn || msg.Spawn == nil {
			t.Fatalf("got %s, want entity_spawn", msg.Type)
		}
		classnames = append(classnames, msg.Spawn.Classname)
	}
	if classnames[0] != "info_player_start" || classnames[1] != "light" {
		t.Errorf("got %v", classnames)
	}
}

func TestSayBroadcast(t *testing.T) {
	srv := newTestServer(t, "")
	rc, udp, _ := dialHandshake(t, srv)

	if err := udp.Send(protocol.Message{Type: protocol.TypeClientCommand, Command: "say hello world"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	stepUntil(t, srv, 10, nil)

	msg, ok, err := rc.RecvTimeout(200 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("no server print: ok=%v err=%v", ok, err)
	}
	if msg.Type != protocol.TypeServerPrint {
		t.Fatalf("got %s, want server_print", msg.Type)
	}
	if !strings.HasSuffix(msg.Text, "hello world") {
		t.Errorf("got %q, want suffix %q", msg.Text, "hello world")
	}
}

func TestNATRebindFollowsSource(t *testing.T) {
	srv := newTestServer(t, "de_test")
	rc, udp, id := dialHandshake(t, srv)
	if msg, err := rc.Recv(); err != nil || msg.Type != protocol.TypeMapInfo {
		t.Fatalf("expected map_info, got %v err=%v", msg.Type, err)
	}

	if err := udp.Send(protocol.Message{Type: protocol.TypeClientReady, ClientID: id}); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	stepUntil(t, srv, 50, func() bool {
		st := srv.StatusSnapshot()
		return len(st.Clients) == 1 && st.Clients[0].Ready
	})

	// Rebind: commands now come from a fresh socket.
	udp2, err := transport.DialUnreliable(":0", srv.Addr())
	if err != nil {
		t.Fatalf("udp dial: %v", err)
	}
	defer udp2.Close()
	cmd := protocol.PlayerCommand{ClientID: id, Tick: 1, Wish: geom.Zero}
	if err := udp2.Send(protocol.Message{Type: protocol.TypePlayerCommand, Cmd: &cmd}); err != nil {
		t.Fatalf("send: %v", err)
	}
	stepUntil(t, srv, 50, func() bool {
		st := srv.StatusSnapshot()
		return st.Clients[0].UDPPeer == udp2.LocalAddr().String()
	})

	// Snapshots follow the new endpoint.
	if _, ok, err := udp2.RecvTimeout(200 * time.Millisecond); err != nil || !ok {
		t.Fatalf("no snapshot on rebound socket: ok=%v err=%v", ok, err)
	}
}

func TestMapLoadFailureKeepsState(t *testing.T) {
	srv := newTestServer(t, "")
	if srv.State() != StateIdle {
		t.Fatalf("got %v, want idle", srv.State())
	}
	if err := srv.LoadMap("missing"); err == nil {
		t.Fatal("expected load error")
	}
	if srv.State() != StateIdle {
		t.Errorf("got %v, want idle after failed load", srv.State())
	}
}

func TestMapChangeResetsClients(t *testing.T) {
	srv := newTestServer(t, "de_test")
	rc, udp, id := dialHandshake(t, srv)
	if msg, err := rc.Recv(); err != nil || msg.Type != protocol.TypeMapInfo {
		t.Fatalf("expected map_info, got %v err=%v", msg.Type, err)
	}

	if err := udp.Send(protocol.Message{Type: protocol.TypeClientReady, ClientID: id}); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	stepUntil(t, srv, 50, func() bool {
		st := srv.StatusSnapshot()
		return len(st.Clients) == 1 && st.Clients[0].Ready
	})

	if err := srv.LoadMap("de_test"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	// The reset is visible once the next step republishes status.
	if err := srv.Step(1.0 / 64.0); err != nil {
		t.Fatalf("step: %v", err)
	}
	st := srv.StatusSnapshot()
	if st.Clients[0].Ready {
		t.Error("client still ready after map change")
	}

	// Drain entity spawns from the ready phase, then expect the new
	// announcement.
	deadline := time.Now().Add(time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no map_info after map change")
		}
		msg, ok, err := rc.RecvTimeout(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if !ok {
			continue
		}
		if msg.Type == protocol.TypeMapInfo {
			break
		}
	}
}

func TestConsoleCommands(t *testing.T) {
	srv := newTestServer(t, "de_test")

	out, err := srv.ExecConsole("status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	joined := fmt.Sprint(out)
	for _, want := range []string{"running", "de_test", "Clients: 0"} {
		found := false
		for _, line := range out {
			if strings.Contains(line, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("status output missing %q: %s", want, joined)
		}
	}

	out, err = srv.ExecConsole("maps")
	if err != nil {
		t.Fatalf("maps: %v", err)
	}
	if len(out) != 1 || !strings.Contains(out[0], "de_test") {
		t.Errorf("maps: got %v", out)
	}

	// Unknown commands go to the cvar façade.
	if _, err := srv.ExecConsole("sv_tickrate 128"); err != nil {
		t.Errorf("cvar set: %v", err)
	}
	cv, _ := srv.Console.Get("sv_tickrate")
	if n, _ := cv.Value.Int(); n != 128 {
		t.Errorf("sv_tickrate: got %v", cv.Value)
	}
	if _, err := srv.ExecConsole("definitely_not_a_command"); err == nil {
		t.Error("expected error for unknown command")
	}

	if out, err := srv.ExecConsole("map"); err != nil || len(out) != 1 {
		t.Errorf("map usage: got %v, %v", out, err)
	}

	if _, err := srv.ExecConsole("quit"); err != nil {
		t.Fatalf("quit: %v", err)
	}
	if !srv.Stopping() {
		t.Error("quit did not mark the server stopping")
	}
}

func TestTickMonotonicAcrossSteps(t *testing.T) {
	srv := newTestServer(t, "de_test")
	var prev uint32
	for i := 0; i < 20; i++ {
		if err := srv.Step(1.0 / 64.0); err != nil {
			t.Fatalf("step: %v", err)
		}
		if tick := srv.Tick(); i > 0 && tick <= prev {
			t.Fatalf("tick went from %d to %d", prev, tick)
		}
		prev = srv.Tick()
	}
}
