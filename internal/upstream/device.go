package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/btmux/internal/backoff"
	"github.com/danmuck/btmux/internal/mux"
	"github.com/danmuck/btmux/internal/observability"
	"github.com/danmuck/btmux/internal/protocol/frame"
)

// DeviceConfig locates the controller. Path is a character device path, or
// "unix:<path>" / "tcp:<host:port>" for a controller behind a socket.
type DeviceConfig struct {
	Path         string
	Limits       frame.Limits
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Backoff      backoff.Config
	// MaxAttempts stops Start after this many consecutive open failures. Zero
	// retries forever.
	MaxAttempts int
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Limits:       frame.DefaultLimits(),
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Backoff:      backoff.DefaultConfig(),
	}
}

// DeviceDriver speaks the frame protocol to a controller and reconnects with
// backoff whenever the link drops.
type DeviceDriver struct {
	cfg DeviceConfig
	rng *rand.Rand

	mu   sync.Mutex
	conn io.ReadWriteCloser

	log zerolog.Logger
}

func NewDeviceDriver(cfg DeviceConfig) (*DeviceDriver, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("upstream: device path required")
	}
	if cfg.Limits.MaxBody == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &DeviceDriver{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: observability.Component("device").With().Str("device", cfg.Path).Logger(),
	}, nil
}

func (d *DeviceDriver) Name() string { return DriverDevice }

// Connected reports whether a controller link is currently open.
func (d *DeviceDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

func (d *DeviceDriver) Send(ctx context.Context, msg mux.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return ErrDeviceUnavailable
	}
	if dl, ok := d.conn.(interface{ SetWriteDeadline(time.Time) error }); ok && d.cfg.WriteTimeout > 0 {
		_ = dl.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	}
	f := frame.Frame{
		Header: frame.Header{MessageType: msg.Type, ChannelID: msg.Channel},
		Body:   msg.Body,
	}
	if err := frame.WriteFrame(d.conn, f, d.cfg.Limits); err != nil {
		if !errors.Is(err, frame.ErrBodyTooLarge) {
			// the reader sees the close and reconnects
			_ = d.conn.Close()
		}
		return fmt.Errorf("upstream: device write: %w", err)
	}
	return nil
}

// Start opens the device, forwards every controller frame to emit and
// reconnects with backoff until ctx is cancelled.
func (d *DeviceDriver) Start(ctx context.Context, emit func(mux.Message)) error {
	retry := backoff.New(d.cfg.Backoff, nil, d.rng)
	for {
		conn, err := d.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := retry.Fail()
			if d.cfg.MaxAttempts > 0 && retry.Failures() >= d.cfg.MaxAttempts {
				return fmt.Errorf("upstream: open device after %d attempts: %w", retry.Failures(), err)
			}
			d.log.Warn().Int("attempt", retry.Failures()).Dur("retry_in", delay).Err(err).Msg("device open failed")
			if err := retry.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		retry.Reset()
		observability.RecordUpstreamReconnect(DriverDevice)
		d.log.Info().Msg("device connected")
		err = d.serve(ctx, conn, emit)
		if ctx.Err() != nil {
			return nil
		}
		d.log.Warn().Err(err).Msg("device link lost")
	}
}

func (d *DeviceDriver) serve(ctx context.Context, conn io.ReadWriteCloser, emit func(mux.Message)) error {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		d.mu.Lock()
		if d.conn == conn {
			d.conn = nil
		}
		d.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		f, err := frame.ReadFrame(conn, d.cfg.Limits)
		if err != nil {
			return err
		}
		emit(mux.Message{Type: f.Header.MessageType, Channel: f.Header.ChannelID, Body: f.Body})
	}
}

func (d *DeviceDriver) open(ctx context.Context) (io.ReadWriteCloser, error) {
	network, address := parseDevicePath(d.cfg.Path)
	if network == "" {
		f, err := os.OpenFile(address, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	return dialer.DialContext(ctx, network, address)
}

func parseDevicePath(path string) (network, address string) {
	for _, prefix := range []string{"unix", "tcp"} {
		if rest, ok := strings.CutPrefix(path, prefix+":"); ok {
			return prefix, rest
		}
	}
	return "", path
}
