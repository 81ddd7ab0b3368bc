// Package config loads the runtime descriptors of §6's configuration
// surface: DAC count, bus identifiers, latch pin names, transport mode,
// and the timing knobs handed to the orchestrator and its collaborators.
// It is grounded on cmd/multiserver/main.go's setupconfig/mkconf/printconf
// trio: struct-tag defaults loaded first via koanf's structs provider, then
// overlaid by an optional YAML file, so a missing config file is not an
// error and every field always has a sane value.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "github.com/go-yaml/yaml"

	"github.com/bdube/muppetcv/electricmayhem"
	"github.com/bdube/muppetcv/errrecovery"
)

// DACConfig is one DAC's runtime wiring: everything Descriptor needs that
// cannot be known at compile time.
type DACConfig struct {
	BusID          int    `koanf:"bus_id"`
	Address        int    `koanf:"address"`
	LatchPin       string `koanf:"latch_pin"`
	DMAQueueDepth  int    `koanf:"dma_queue_depth"`
	HandshakeRetry int    `koanf:"handshake_retry"`
}

// Config is the full runtime configuration document. Field names and
// defaults mirror §6's configuration surface; durations are stored as
// plain integers (microseconds or milliseconds, per field name) since that
// is what round-trips cleanly through YAML without custom marshalling.
type Config struct {
	Mode string `koanf:"mode"`

	WorkerSliceUs       int `koanf:"worker_slice_us"`
	DMAPollEveryUs      int `koanf:"dma_poll_every_us"`
	ForceRefreshMs      int `koanf:"force_refresh_ms"`
	WatchdogThresholdMs int `koanf:"watchdog_threshold_ms"`

	MaxTimeoutRetries int `koanf:"max_timeout_retries"`
	RetryBaseMs       int `koanf:"retry_base_ms"`
	RetryMaxMs        int `koanf:"retry_max_ms"`

	DACs []DACConfig `koanf:"dacs"`
}

// Default returns the configuration document used when no file is present,
// matching electricmayhem.DefaultConfig's values and a two-DAC layout at
// addresses 0x60/0x61 with no discrete latch pin.
func Default() Config {
	return Config{
		Mode:                "dma",
		WorkerSliceUs:       200,
		DMAPollEveryUs:      100,
		ForceRefreshMs:      50,
		WatchdogThresholdMs: 20,
		MaxTimeoutRetries:   3,
		RetryBaseMs:         2,
		RetryMaxMs:          50,
		DACs: []DACConfig{
			{BusID: 0, Address: 0x60, DMAQueueDepth: 8, HandshakeRetry: 1},
			{BusID: 1, Address: 0x61, DMAQueueDepth: 8, HandshakeRetry: 1},
		},
	}
}

// Load reads path as YAML over top of Default's values. A missing file is
// not an error: it is the expected case on first run and Default alone is
// returned, matching the teacher's "file missing, who cares" handling in
// setupconfig.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: loading defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshalling: %w", err)
	}
	return c, nil
}

// Write renders c as YAML to path, the way mkconf lets an operator start
// from the prepopulated defaults instead of writing a config file by hand.
// Keys are the koanf tag names, so Load reads the file back unchanged.
func Write(path string, c Config) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(c, "koanf"), nil); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(k.Raw())
}

// parseMode parses the configured transport mode string, defaulting to Dma on
// an unrecognised value.
func (c Config) parseMode() electricmayhem.Mode {
	switch strings.ToLower(c.Mode) {
	case "sync":
		return electricmayhem.Sync
	case "dma-required", "dmarequired":
		return electricmayhem.DmaRequired
	default:
		return electricmayhem.Dma
	}
}

// OrchestratorConfig converts the timing and mode fields into an
// electricmayhem.Config. Per-DAC bus objects are not part of this
// conversion: those are constructed by the entry point from DACConfig's
// BusID and handed to electricmayhem.Descriptor alongside this Config's
// output, since only the entry point knows how to turn a bus id into a
// live i2ctransport.Bus for the platform it is running on.
func (c Config) OrchestratorConfig() electricmayhem.Config {
	return electricmayhem.Config{
		Mode:              c.parseMode(),
		WorkerSlice:       time.Duration(c.WorkerSliceUs) * time.Microsecond,
		DMAPollEvery:      time.Duration(c.DMAPollEveryUs) * time.Microsecond,
		ForceRefresh:      time.Duration(c.ForceRefreshMs) * time.Millisecond,
		WatchdogThreshold: time.Duration(c.WatchdogThresholdMs) * time.Millisecond,
		ErrorRecovery: errrecovery.Config{
			MaxTimeoutRetries: c.MaxTimeoutRetries,
			BackoffBase:       time.Duration(c.RetryBaseMs) * time.Millisecond,
			BackoffMax:        time.Duration(c.RetryMaxMs) * time.Millisecond,
		},
	}
}
