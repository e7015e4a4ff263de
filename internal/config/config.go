// Package config holds the engine configuration shared by client and
// server, loadable from a JSON key-value document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Engine is the root configuration.
type Engine struct {
	// Server listen address, e.g. "127.0.0.1:40000".
	ServerAddr string `json:"server_addr"`
	// Fixed simulation tick rate in Hz.
	TickHz uint32 `json:"tick_hz"`
	// Path to the maps directory.
	MapsDir string `json:"maps_dir"`
	// Player display name (client only).
	PlayerName string `json:"player_name"`
}

// Default returns the stock configuration.
func Default() Engine {
	return Engine{
		ServerAddr: "127.0.0.1:40000",
		TickHz:     64,
		MapsDir:    "maps",
		PlayerName: "Player",
	}
}

// Parse reads a config document, filling omitted fields from the defaults.
func Parse(data []byte) (Engine, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Engine{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a config document from disk.
func LoadFile(path string) (Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}
