package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// CtlConfig is the btmuxctl profile: where the daemon listens and how to talk
// to it.
type CtlConfig struct {
	Network      string `toml:"network"`
	Address      string `toml:"address"`
	AdminAddr    string `toml:"admin_addr"`
	MaxFrameBody uint16 `toml:"max_frame_body"`
	Timeout      string `toml:"timeout"`
	AdminToken   string `toml:"admin_token"`
}

func DefaultCtlConfig() CtlConfig {
	return CtlConfig{
		Network:      "unix",
		Address:      "/tmp/btmux.sock",
		AdminAddr:    "127.0.0.1:7080",
		MaxFrameBody: 1024,
		Timeout:      "5s",
	}
}

// LoadCtlConfig reads a profile; keys missing from the file keep their
// defaults.
func LoadCtlConfig(path string) (CtlConfig, error) {
	cfg := DefaultCtlConfig()
	if err := loadToml(path, &cfg); err != nil {
		return CtlConfig{}, err
	}
	cfg.Network = strings.TrimSpace(cfg.Network)
	cfg.Address = strings.TrimSpace(cfg.Address)
	cfg.AdminAddr = strings.TrimSpace(cfg.AdminAddr)
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	if err := ValidateCtlConfig(cfg); err != nil {
		return CtlConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateCtlConfig(cfg CtlConfig) error {
	switch cfg.Network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("ctl config network must be unix or tcp, got %q", cfg.Network)
	}
	if cfg.Address == "" {
		return fmt.Errorf("ctl config missing address")
	}
	if cfg.MaxFrameBody == 0 {
		return fmt.Errorf("ctl config max_frame_body must be positive")
	}
	if _, err := cfg.TimeoutDuration(); err != nil {
		return err
	}
	return nil
}
