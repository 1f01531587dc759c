package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server   Server   `json:"server"`
	Presence Presence `json:"presence"`
	Call     Call     `json:"call"`
	Paths    Paths    `json:"paths"`
}

type Server struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

type Presence struct {
	// Decay thresholds (seconds of inactivity). A live connection with no
	// activity still decays through these for "idle" semantics; the final
	// offline step applies only once the connection count is zero.
	RecentlyActiveAfterSec int `json:"recently_active_after_sec"`
	AwayAfterSec           int `json:"away_after_sec"`
	OfflineAfterSec        int `json:"offline_after_sec"`

	// How long a fully disconnected record is kept before it is dropped
	// from the in-memory registry ("last seen" stays in storage).
	OfflineGraceSec int `json:"offline_grace_sec"`

	// Interval of the decay sweep that pushes status transitions out.
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

type Call struct {
	// How long an unanswered outbound call rings before it is auto-terminated.
	RingTimeoutSec int `json:"ring_timeout_sec"`

	StunURL string `json:"stun_url"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Server: Server{
			Bind: "127.0.0.1",
			Port: 8484,
		},
		Presence: Presence{
			RecentlyActiveAfterSec: 120,
			AwayAfterSec:           600,
			OfflineAfterSec:        1800,
			OfflineGraceSec:        60,
			SweepIntervalSec:       15,
		},
		Call: Call{
			RingTimeoutSec: 45,
			StunURL:        "stun:stun.l.google.com:19302",
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return errors.New("server.bind is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	p := c.Presence
	if p.RecentlyActiveAfterSec <= 0 || p.AwayAfterSec <= p.RecentlyActiveAfterSec || p.OfflineAfterSec <= p.AwayAfterSec {
		return errors.New("presence thresholds must be increasing and positive")
	}
	if p.OfflineGraceSec < 0 {
		return errors.New("presence.offline_grace_sec must not be negative")
	}
	if p.SweepIntervalSec <= 0 {
		return errors.New("presence.sweep_interval_sec must be positive")
	}
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_sec must be positive")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	return nil
}

// Load reads the config file at path. A missing file is not an error: the
// defaults are written out and returned, so a first run self-provisions.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return cfg, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Durations derived from the tunable second counts.

func (p Presence) RecentlyActiveAfter() time.Duration {
	return time.Duration(p.RecentlyActiveAfterSec) * time.Second
}

func (p Presence) AwayAfter() time.Duration {
	return time.Duration(p.AwayAfterSec) * time.Second
}

func (p Presence) OfflineAfter() time.Duration {
	return time.Duration(p.OfflineAfterSec) * time.Second
}

func (p Presence) OfflineGrace() time.Duration {
	return time.Duration(p.OfflineGraceSec) * time.Second
}

func (p Presence) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSec) * time.Second
}

func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}
