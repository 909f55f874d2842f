package daemon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/btmux/internal/backoff"
	"github.com/danmuck/btmux/internal/mux"
	"github.com/danmuck/btmux/internal/protocol/frame"
	"github.com/danmuck/btmux/internal/upstream"
)

var (
	ErrListenAddrRequired = errors.New("daemon: listen address required")
	ErrInvalidNetwork     = errors.New("daemon: listen network must be unix, tcp, tcp4 or tcp6")
	ErrNotRunning         = errors.New("daemon: service not running")
	ErrAlreadyServing     = errors.New("daemon: service already serving")
)

// ServiceConfig is the daemon's complete runtime configuration.
type ServiceConfig struct {
	ListenNetwork string
	ListenAddr    string
	Backlog       int

	MaxFrameBody  uint16
	MaxParked     int
	ParkTimeout   time.Duration
	RetryInterval time.Duration

	QueueDepth   int
	Driver       string
	DevicePath   string
	WriteTimeout time.Duration
	Backoff      backoff.Config
	// DeviceMaxAttempts makes the device driver give up, and the daemon exit,
	// after this many consecutive failed opens. Zero retries forever.
	DeviceMaxAttempts int

	AdminListenAddr  string
	AdminCORSOrigins []string
	// AdminToken, when set, is required as a bearer token on every admin
	// endpoint except /health.
	AdminToken string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenNetwork: "unix",
		ListenAddr:    "/tmp/btmux.sock",
		Backlog:       128,
		MaxFrameBody:  frame.DefaultMaxBody,
		RetryInterval: 100 * time.Millisecond,
		QueueDepth:    upstream.DefaultQueueDepth,
		Driver:        upstream.DriverLoopback,
		WriteTimeout:  5 * time.Second,
		Backoff:       backoff.DefaultConfig(),
	}
}

// Validate rejects configurations the service cannot start with.
func (c ServiceConfig) Validate() error {
	switch c.ListenNetwork {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNetwork, c.ListenNetwork)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return ErrListenAddrRequired
	}
	if c.MaxFrameBody == 0 {
		return errors.New("daemon: max_frame_body must be positive")
	}
	if c.MaxParked < 0 {
		return errors.New("daemon: max_parked must not be negative")
	}
	if c.ParkTimeout < 0 {
		return errors.New("daemon: park_timeout must not be negative")
	}
	if c.RetryInterval <= 0 {
		return errors.New("daemon: retry_interval must be positive")
	}
	if c.DeviceMaxAttempts < 0 {
		return errors.New("daemon: device_max_attempts must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", upstream.DriverLoopback:
	case upstream.DriverDevice:
		if strings.TrimSpace(c.DevicePath) == "" {
			return errors.New("daemon: device_path required for the device driver")
		}
	default:
		return fmt.Errorf("%w: %q", upstream.ErrUnknownDriver, c.Driver)
	}
	return nil
}

func (c ServiceConfig) limits() frame.Limits {
	return frame.Limits{MaxBody: c.MaxFrameBody}
}

func (c ServiceConfig) muxConfig() mux.Config {
	cfg := mux.DefaultConfig()
	cfg.Limits = c.limits()
	cfg.MaxParked = c.MaxParked
	cfg.ParkTimeout = c.ParkTimeout
	return cfg
}

func (c ServiceConfig) deviceConfig() upstream.DeviceConfig {
	cfg := upstream.DefaultDeviceConfig()
	cfg.Path = strings.TrimSpace(c.DevicePath)
	cfg.Limits = c.limits()
	cfg.WriteTimeout = c.WriteTimeout
	cfg.Backoff = c.Backoff
	cfg.MaxAttempts = c.DeviceMaxAttempts
	return cfg
}
