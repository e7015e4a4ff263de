// The server binary: authoritative tick server.
//
// Usage:
//
//	server [--addr 127.0.0.1:40000] [--tick-hz 64] [--maps-dir maps]
//	       [--map <name>] [--api-addr :8080] [--config engine.json]
//
// Console commands:
//
//	map <mapname>  - load a map and start running
//	maps           - list maps in the maps directory
//	status         - show server status
//	quit           - shut down
//
// Anything else is delegated to the cvar console.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"strafe/internal/config"
	"strafe/internal/httpapi"
	"strafe/internal/server"
)

// consoleBacklog bounds queued console lines; extra input is dropped.
const consoleBacklog = 32

func main() {
	defaults := config.Default()
	addr := flag.String("addr", defaults.ServerAddr, "listen address (host:port)")
	tickHz := flag.Uint("tick-hz", uint(defaults.TickHz), "simulation tick rate in Hz")
	mapsDir := flag.String("maps-dir", defaults.MapsDir, "maps directory")
	initialMap := flag.String("map", "", "map to load at startup (empty for none)")
	apiAddr := flag.String("api-addr", "", "operator HTTP API address (empty to disable)")
	cfgPath := flag.String("config", "", "engine config file (JSON)")
	flag.Parse()

	cfg := defaults
	if *cfgPath != "" {
		loaded, err := config.LoadFile(*cfgPath)
		if err != nil {
			log.Fatalf("[server] %v", err)
		}
		cfg = loaded
	}
	// Explicit flags win over the config document.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ServerAddr = *addr
		case "tick-hz":
			cfg.TickHz = uint32(*tickHz)
		case "maps-dir":
			cfg.MapsDir = *mapsDir
		}
	})
	if cfg.TickHz == 0 {
		log.Fatalf("[server] tick rate must be positive")
	}

	srv, err := server.New(cfg, cfg.MapsDir)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	defer srv.Close()
	log.Printf("[server] session %s listening on %s (tick %d Hz)", srv.SessionID, srv.Addr(), cfg.TickHz)

	if *initialMap != "" {
		if err := srv.LoadMap(*initialMap); err != nil {
			log.Fatalf("[server] %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	consoleCh := make(chan string, consoleBacklog)
	srv.SetConsoleInput(consoleCh)
	go readStdin(consoleCh)

	if *apiAddr != "" {
		api := httpapi.New(srv)
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				log.Printf("[api] %v", err)
			}
		}()
		log.Printf("[api] listening on %s", *apiAddr)
	}

	go logMetrics(ctx, srv, 5*time.Second)

	fmt.Println("Server ready. Type 'map <mapname>' to load a map, 'status' for info, 'quit' to exit.")
	fmt.Println()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[server] %v", err)
	}
}

// readStdin forwards console lines into the tick loop. It runs on its own
// goroutine and never touches game state; a full channel drops the line.
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
			log.Printf("[server] console backlog full, dropping %q", line)
		}
	}
}

// logMetrics periodically logs a one-line operational summary.
func logMetrics(ctx context.Context, srv *server.GameServer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := srv.StatusSnapshot()
			if st == nil || (len(st.Clients) == 0 && st.State != "running") {
				continue
			}
			log.Printf("[metrics] state=%s tick=%d map=%q clients=%d",
				st.State, st.Tick, st.Map, len(st.Clients))
		}
	}
}
