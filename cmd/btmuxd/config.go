package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/btmux/internal/daemon"
)

// btmuxd config.toml key mapping to daemon runtime settings.
type fileConfig struct {
	ListenNetwork     string   `toml:"listen_network"`
	ListenAddr        string   `toml:"listen_addr"`
	Backlog           int      `toml:"backlog"`
	MaxFrameBody      int      `toml:"max_frame_body"`
	MaxParked         int      `toml:"max_parked"`
	ParkTimeout       string   `toml:"park_timeout"`
	RetryInterval     string   `toml:"retry_interval"`
	QueueDepth        int      `toml:"queue_depth"`
	Driver            string   `toml:"driver"`
	DevicePath        string   `toml:"device_path"`
	WriteTimeout      string   `toml:"write_timeout"`
	BackoffInitial    string   `toml:"backoff_initial"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	BackoffMax        string   `toml:"backoff_max"`
	BackoffJitter     bool     `toml:"backoff_jitter"`
	DeviceMaxAttempts int      `toml:"device_max_attempts"`
	AdminListenAddr   string   `toml:"admin_listen_addr"`
	AdminCORSOrigins  []string `toml:"admin_cors_origins"`
	AdminToken        string   `toml:"admin_token"`
}

// btmuxd loader for TOML config with default overlay.
func loadServiceConfig(path string) (daemon.ServiceConfig, error) {
	cfg := daemon.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemon.ServiceConfig{}, fmt.Errorf("load btmuxd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemon.ServiceConfig{}, fmt.Errorf("load btmuxd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_network") {
		cfg.ListenNetwork = strings.ToLower(strings.TrimSpace(raw.ListenNetwork))
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("backlog") {
		cfg.Backlog = raw.Backlog
	}
	if meta.IsDefined("max_frame_body") {
		if raw.MaxFrameBody <= 0 || raw.MaxFrameBody > 65535 {
			return daemon.ServiceConfig{}, fmt.Errorf("load btmuxd config: max_frame_body %d out of range 1..65535", raw.MaxFrameBody)
		}
		cfg.MaxFrameBody = uint16(raw.MaxFrameBody)
	}
	if meta.IsDefined("max_parked") {
		cfg.MaxParked = raw.MaxParked
	}
	if meta.IsDefined("queue_depth") {
		cfg.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("driver") {
		cfg.Driver = strings.ToLower(strings.TrimSpace(raw.Driver))
	}
	if meta.IsDefined("device_path") {
		cfg.DevicePath = strings.TrimSpace(raw.DevicePath)
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("device_max_attempts") {
		cfg.DeviceMaxAttempts = raw.DeviceMaxAttempts
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_cors_origins") {
		cfg.AdminCORSOrigins = normalizeOrigins(raw.AdminCORSOrigins)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"park_timeout", raw.ParkTimeout, &cfg.ParkTimeout},
		{"retry_interval", raw.RetryInterval, &cfg.RetryInterval},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return daemon.ServiceConfig{}, fmt.Errorf("load btmuxd config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return daemon.ServiceConfig{}, fmt.Errorf("load btmuxd config: %w", err)
	}
	return cfg, nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
