// Package config manages node configuration and the .gatenode directory
// structure. It handles loading, saving, and initializing the node data
// directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

const (
	NodeDir      = ".gatenode"
	ConfigFile   = "config"
	DatabaseFile = "identity.db"
	AccessLogDB  = "access.db"
	SnapshotsDir = "snapshots"
)

// Config represents the node configuration.
type Config struct {
	// DeviceID identifies this node to the remote authority.
	DeviceID string `toml:"device_id"`

	// RemoteURL is the base URL of the identity authority. Empty keeps
	// the node fully offline.
	RemoteURL string `toml:"remote_url"`
	Token     string `toml:"token"`
	// SyncIntervalSec is the idle time between sync passes.
	SyncIntervalSec int `toml:"sync_interval_sec"`

	// AcceptThreshold is the minimum cosine similarity for a match.
	AcceptThreshold float32 `toml:"accept_threshold"`
	// IoUThreshold is the minimum box overlap for track reuse.
	IoUThreshold float64 `toml:"iou_threshold"`
	// MaxRetries bounds match attempts before a track settles on UNKNOWN.
	MaxRetries int `toml:"max_retries"`
	// HiddenAfter is the consecutive missed frames before the gate closes
	// on an occluded face. Valid range is 5 to 8.
	HiddenAfter int `toml:"hidden_after"`
	// CooldownSec suppresses repeat verdicts for a settled track.
	CooldownSec int `toml:"cooldown_sec"`

	// GateOpenSec is how long the gate stays open before auto-closing.
	GateOpenSec int `toml:"gate_open_sec"`
	// ActuationTimeoutMs bounds each gate actuation attempt.
	ActuationTimeoutMs int `toml:"actuation_timeout_ms"`

	// PreAligned marks deployments whose detector output is already in
	// the canonical pose.
	PreAligned bool `toml:"pre_aligned"`
	// InferenceURL is the local model sidecar endpoint.
	InferenceURL string `toml:"inference_url"`
	// CameraURL is the camera snapshot endpoint.
	CameraURL string `toml:"camera_url"`
	// FrameIntervalMs is the target delay between frame pulls.
	FrameIntervalMs int `toml:"frame_interval_ms"`
	// GateURL is the gate relay controller endpoint. Empty logs actuation
	// instead of driving hardware.
	GateURL string `toml:"gate_url"`

	path string // path to the .gatenode directory
}

// Defaults returns a configuration with production defaults and a fresh
// device id.
func Defaults() *Config {
	return &Config{
		DeviceID:           uuid.NewString(),
		SyncIntervalSec:    120,
		AcceptThreshold:    0.5,
		IoUThreshold:       0.3,
		MaxRetries:         3,
		HiddenAfter:        6,
		CooldownSec:        30,
		GateOpenSec:        5,
		ActuationTimeoutMs: 2000,
		InferenceURL:       "http://127.0.0.1:8501",
		CameraURL:          "http://127.0.0.1:8502/snapshot.jpg",
		FrameIntervalMs:    100,
	}
}

// FindRoot finds the .gatenode directory by walking up from the current
// directory.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		nodePath := filepath.Join(dir, NodeDir)
		if info, err := os.Stat(nodePath); err == nil && info.IsDir() {
			return nodePath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a gatenode directory (or any parent up to root)")
		}
		dir = parent
	}
}

// Load loads the configuration from the .gatenode directory.
func Load() (*Config, error) {
	nodePath, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(nodePath)
}

// LoadFrom loads the configuration from an explicit .gatenode directory.
func LoadFrom(nodePath string) (*Config, error) {
	configPath := filepath.Join(nodePath, ConfigFile)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.path = nodePath
	return cfg, nil
}

// Save saves the configuration to disk.
func (c *Config) Save() error {
	configPath := filepath.Join(c.path, ConfigFile)
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// NodePath returns the path to the .gatenode directory.
func (c *Config) NodePath() string {
	return c.path
}

// DatabasePath returns the path to the identity store database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.path, DatabaseFile)
}

// AccessLogPath returns the path to the access log database.
func (c *Config) AccessLogPath() string {
	return filepath.Join(c.path, AccessLogDB)
}

// SnapshotsPath returns the directory holding frame snapshots.
func (c *Config) SnapshotsPath() string {
	return filepath.Join(c.path, SnapshotsDir)
}

// SyncInterval returns the sync interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

// Cooldown returns the verdict cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// GateOpenDuration returns the auto-close delay as a duration.
func (c *Config) GateOpenDuration() time.Duration {
	return time.Duration(c.GateOpenSec) * time.Second
}

// ActuationTimeout returns the per-attempt actuation bound as a duration.
func (c *Config) ActuationTimeout() time.Duration {
	return time.Duration(c.ActuationTimeoutMs) * time.Millisecond
}

// FrameInterval returns the frame pull delay as a duration.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.FrameIntervalMs) * time.Millisecond
}

// Initialize creates a new .gatenode directory with initial configuration.
func Initialize(remoteURL, token string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	nodePath := filepath.Join(cwd, NodeDir)

	// Check if already initialized
	if _, err := os.Stat(nodePath); err == nil {
		return nil, fmt.Errorf("gatenode directory already exists")
	}

	// Create directories
	if err := os.MkdirAll(nodePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .gatenode directory: %w", err)
	}

	snapshotsPath := filepath.Join(nodePath, SnapshotsDir)
	if err := os.MkdirAll(snapshotsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}

	cfg := Defaults()
	cfg.RemoteURL = remoteURL
	cfg.Token = token
	cfg.path = nodePath

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(nodePath)
		return nil, err
	}

	return cfg, nil
}
