// Package hostconfig loads the configuration a vmhost process needs to
// stand up a vmkernel.System: arena sizes, the partition file, and
// logging, in the style of the teacher's utils.CargarConfiguracion.
package hostconfig

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// HostConfig mirrors the JSON configuration files the teacher's modules
// load (e.g. memoria-config-PlaniCorto.json), scoped to what a vmkernel
// host actually needs.
type HostConfig struct {
	FramePages int    `json:"frame_pages"`
	PMTPages   int    `json:"pmt_pages"`
	Clusters   int    `json:"clusters"`
	SwapPath   string `json:"swap_path"`
	LogLevel   string `json:"log_level"`
	DiagAddr   string `json:"diag_addr"`
}

// Default returns a small configuration suitable for local development
// or tests: enough frames/PMT slots/clusters to exercise every operation
// without tuning anything.
func Default() HostConfig {
	return HostConfig{
		FramePages: 64,
		PMTPages:   64,
		Clusters:   256,
		SwapPath:   "vmkernel.swap",
		LogLevel:   "info",
		DiagAddr:   ":8080",
	}
}

// Load reads path as JSON into a HostConfig, then applies the
// VMKERNEL_SWAP_PATH, VMKERNEL_LOG_LEVEL and VMKERNEL_DIAG_ADDR environment
// overrides, after loading any .env file in the current working directory
// into the environment — the same local-dev-override pattern godotenv is
// used for across the pack. A missing .env file is not an error.
func Load(path string) (*HostConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("hostconfig: .env load failed", "error", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hostconfig: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := Default()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("hostconfig: decode %s: %w", path, err)
	}

	if v := os.Getenv("VMKERNEL_SWAP_PATH"); v != "" {
		cfg.SwapPath = v
	}
	if v := os.Getenv("VMKERNEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VMKERNEL_DIAG_ADDR"); v != "" {
		cfg.DiagAddr = v
	}

	return &cfg, nil
}
