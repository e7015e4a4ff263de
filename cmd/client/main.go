// The client binary: connects to a server, loads the announced map, sends
// per-tick input, and keeps a snapshot history interpolated for
// presentation (headless null renderer here).
//
// Usage:
//
//	client [--addr 127.0.0.1:40000] [--maps-dir maps] [--name Player]
//	       [--config engine.json]
//
// Console commands:
//
//	connect <host:port> - does not reconnect; prints a hint to restart with --addr
//	disconnect          - drop the server connection
//	status              - show client status
//	map <mapname>       - load a map locally (for testing)
//	say <message>       - send a chat message
//	quit                - exit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"strafe/internal/client"
	"strafe/internal/config"
	"strafe/internal/render"
)

const consoleBacklog = 32

// interpAlpha is the fixed blend factor the headless presentation uses
// between the two most recent snapshots.
const interpAlpha = 0.5

func main() {
	defaults := config.Default()
	addr := flag.String("addr", defaults.ServerAddr, "server address (host:port)")
	mapsDir := flag.String("maps-dir", defaults.MapsDir, "maps directory")
	name := flag.String("name", defaults.PlayerName, "player display name")
	cfgPath := flag.String("config", "", "engine config file (JSON)")
	flag.Parse()

	cfg := defaults
	if *cfgPath != "" {
		loaded, err := config.LoadFile(*cfgPath)
		if err != nil {
			log.Fatalf("[client] %v", err)
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ServerAddr = *addr
		case "maps-dir":
			cfg.MapsDir = *mapsDir
		case "name":
			cfg.PlayerName = *name
		}
	})

	c, err := client.Connect(cfg)
	if err != nil {
		log.Fatalf("[client] %v", err)
	}
	defer c.Disconnect("client exit")
	log.Printf("[client %d] connected as %q", c.ID, cfg.PlayerName)

	consoleCh := make(chan string, consoleBacklog)
	go readStdin(consoleCh)

	fmt.Println("Client connected. Type 'status' for info, 'quit' to exit.")
	fmt.Println()

	var renderer render.Backend = render.Null{}
	tickInterval := time.Second / time.Duration(cfg.TickHz)
	lastState := c.State()

	// The connect poll may already have loaded the announced map.
	if c.State() == client.StateReady {
		if err := c.SendReady(); err != nil {
			log.Printf("[client %d] ready send failed: %v", c.ID, err)
		}
	}

	for {
		// Console input first, mirroring the server's phase order.
	drain:
		for {
			select {
			case line := <-consoleCh:
				out, err := c.ExecConsole(line)
				if err != nil {
					fmt.Println("Error:", err)
					continue
				}
				for _, l := range out {
					fmt.Println(l)
				}
			default:
				break drain
			}
		}
		if c.Stopping() {
			return
		}

		if err := c.PollReliable(); err != nil {
			log.Printf("[client %d] %v", c.ID, err)
		}

		// A map announcement handled above may have made us ready.
		if c.State() == client.StateReady && lastState != client.StateReady {
			if err := c.SendReady(); err != nil {
				log.Printf("[client %d] ready send failed: %v", c.ID, err)
			}
		}
		lastState = c.State()

		if c.State() == client.StateDisconnected {
			fmt.Println("Disconnected from server.")
			return
		}

		if c.State() == client.StateReady {
			// Input sampling would happen here; headless runs send a
			// neutral wish each tick.
			if _, err := c.TickInput(client.InputState{}); err != nil {
				log.Printf("[client %d] tick: %v", c.ID, err)
			}
			if err := c.RecvSnapshot(); err != nil {
				log.Printf("[client %d] snapshot: %v", c.ID, err)
			}
			presentFrame(c, renderer)

			if snap := c.Snaps.Last(); snap != nil && snap.Tick%64 == 0 {
				log.Printf("[client %d] snapshot tick=%d entities=%d", c.ID, snap.Tick, len(snap.Entities))
			}
		}

		time.Sleep(tickInterval)
	}
}

// presentFrame draws every entity from the latest snapshot at its
// interpolated position.
func presentFrame(c *client.GameClient, r render.Backend) {
	snap := c.Snaps.Last()
	if snap == nil {
		return
	}
	r.BeginFrame()
	for _, e := range snap.Entities {
		if pos, ok := c.Snaps.InterpEntity(e.ID, interpAlpha); ok {
			r.DrawDebugPoint(pos)
		}
	}
	r.EndFrame()
}

func readStdin(ch chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("] ")
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case ch <- line:
		default:
			log.Printf("[client] console backlog full, dropping %q", line)
		}
	}
}
