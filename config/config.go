// Package config loads the daemon configuration from a TOML file over
// built-in defaults and resolves the persistent device identity (stable id
// plus a human-readable name) under the state directory.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/olafkfreund/cosmic-connect/discovery"
	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
	"github.com/olafkfreund/cosmic-connect/transport"
)

// Duration wraps time.Duration so intervals read as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Device    DeviceConfig    `toml:"device"`
	Network   NetworkConfig   `toml:"network"`
	Bluetooth BluetoothConfig `toml:"bluetooth"`
	Storage   StorageConfig   `toml:"storage"`
	Control   ControlConfig   `toml:"control"`
	Limits    LimitsConfig    `toml:"limits"`
	Log       logger.Config   `toml:"log"`
}

// DeviceConfig names this device. Empty id/name are filled from (or
// generated into) the persisted identity file, so a bare config works.
type DeviceConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Type string `toml:"type"` // phone, tablet, desktop, tv
}

type NetworkConfig struct {
	TCPPort           int      `toml:"tcp_port"`
	DiscoveryInterval Duration `toml:"discovery_interval"`
	EnableBroadcast   bool     `toml:"enable_broadcast"`
	EnableMDNS        bool     `toml:"enable_mdns"`
}

type BluetoothConfig struct {
	Enabled bool `toml:"enabled"`
}

type StorageConfig struct {
	// StateDir holds the key material, trust records and device identity.
	StateDir string `toml:"state_dir"`
	// DownloadDir receives files from share packets.
	DownloadDir string `toml:"download_dir"`
}

type ControlConfig struct {
	// ListenAddr is the local HTTP/WebSocket control endpoint. Keep it on
	// loopback; the API is unauthenticated.
	ListenAddr string `toml:"listen_addr"`
	EnableMCP  bool   `toml:"enable_mcp"`
}

type LimitsConfig struct {
	MaxPayloadBytes int64 `toml:"max_payload_bytes"`
}

// Default returns the built-in configuration. Directories that depend on
// the environment are resolved later, in finalize.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Type: proto.DeviceTypeDesktop,
		},
		Network: NetworkConfig{
			TCPPort:           transport.DefaultPort,
			DiscoveryInterval: Duration{discovery.DefaultInterval},
			EnableBroadcast:   true,
			EnableMDNS:        true,
		},
		Control: ControlConfig{
			ListenAddr: "127.0.0.1:8765",
		},
		Limits: LimitsConfig{
			MaxPayloadBytes: 64 << 20,
		},
		Log: logger.DefaultConfig(),
	}
}

// Load reads path over the defaults. An empty path returns the defaults
// untouched except for directory resolution.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// finalize resolves environment-dependent defaults.
func (c *Config) finalize() error {
	if c.Storage.StateDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve state dir: %w", err)
		}
		c.Storage.StateDir = filepath.Join(base, "cosmic-connect")
	}

	if c.Storage.DownloadDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve download dir: %w", err)
		}
		c.Storage.DownloadDir = filepath.Join(home, "Downloads")
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Network.TCPPort < 1 || c.Network.TCPPort > 65535 {
		return fmt.Errorf("network.tcp_port %d out of range", c.Network.TCPPort)
	}

	if c.Network.DiscoveryInterval.Duration < time.Second {
		return fmt.Errorf("network.discovery_interval %s too short, minimum 1s",
			c.Network.DiscoveryInterval)
	}

	if c.Limits.MaxPayloadBytes <= 0 {
		return fmt.Errorf("limits.max_payload_bytes must be positive")
	}

	if c.Control.ListenAddr == "" {
		return fmt.Errorf("control.listen_addr is required")
	}

	return nil
}

// persistedIdentity is the device.toml file under the state directory.
type persistedIdentity struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// EnsureDeviceIdentity fills empty Device.ID / Device.Name from the state
// directory, generating and persisting fresh values on first run. The id
// must stay stable across restarts or every pairing would break.
func (c *Config) EnsureDeviceIdentity() error {
	if c.Device.ID != "" && c.Device.Name != "" {
		return nil
	}

	if err := os.MkdirAll(c.Storage.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(c.Storage.StateDir, "device.toml")

	var saved persistedIdentity
	if _, err := toml.DecodeFile(path, &saved); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read device identity: %w", err)
	}

	changed := false
	if saved.ID == "" {
		saved.ID = uuid.NewString()
		changed = true
	}
	if saved.Name == "" {
		saved.Name = randomDeviceName()
		changed = true
	}

	if changed {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("write device identity: %w", err)
		}

		encodeErr := toml.NewEncoder(f).Encode(saved)
		if closeErr := f.Close(); encodeErr == nil {
			encodeErr = closeErr
		}
		if encodeErr != nil {
			return fmt.Errorf("write device identity: %w", encodeErr)
		}
	}

	if c.Device.ID == "" {
		c.Device.ID = saved.ID
	}
	if c.Device.Name == "" {
		c.Device.Name = saved.Name
	}

	return nil
}

var (
	nameAdjectives = []string{
		"Amber", "Bright", "Calm", "Drifting", "Eager",
		"Gentle", "Lively", "Quiet", "Swift", "Wandering",
	}
	nameNouns = []string{
		"Aurora", "Comet", "Meteor", "Nebula", "Nova",
		"Orbit", "Pulsar", "Quasar", "Satellite", "Zenith",
	}
)

// randomDeviceName builds a friendly two-word default so a freshly
// installed device is tellable apart in pairing prompts.
func randomDeviceName() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	adj := nameAdjectives[r.Intn(len(nameAdjectives))]
	noun := nameNouns[r.Intn(len(nameNouns))]

	return fmt.Sprintf("%s %s", adj, noun)
}
