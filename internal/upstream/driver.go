package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/btmux/internal/mux"
)

var (
	ErrDriverNotStarted  = errors.New("upstream: driver not started")
	ErrDeviceUnavailable = errors.New("upstream: device unavailable")
	ErrUnknownDriver     = errors.New("upstream: unknown driver")
)

// Driver carries messages to the controller and surfaces controller events.
type Driver interface {
	Name() string
	// Send delivers one client message. It may block until ctx is done.
	Send(ctx context.Context, msg mux.Message) error
	// Start runs until ctx is cancelled, passing every controller event to emit.
	// emit is called from the driver's goroutine.
	Start(ctx context.Context, emit func(mux.Message)) error
}

const (
	DriverLoopback = "loopback"
	DriverDevice   = "device"
)

// NewDriver builds a driver by configured name.
func NewDriver(name string, device DeviceConfig) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DriverLoopback:
		return NewLoopbackDriver(), nil
	case DriverDevice:
		return NewDeviceDriver(device)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
}

// LoopbackDriver echoes every message back as a controller event.
type LoopbackDriver struct {
	ready chan struct{}
	emit  func(mux.Message)
}

func NewLoopbackDriver() *LoopbackDriver {
	return &LoopbackDriver{ready: make(chan struct{})}
}

func (d *LoopbackDriver) Name() string { return DriverLoopback }

func (d *LoopbackDriver) Start(ctx context.Context, emit func(mux.Message)) error {
	select {
	case <-d.ready:
		return errors.New("upstream: loopback already started")
	default:
	}
	d.emit = emit
	close(d.ready)
	<-ctx.Done()
	return nil
}

func (d *LoopbackDriver) Send(ctx context.Context, msg mux.Message) error {
	select {
	case <-d.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	msg.Body = append([]byte(nil), msg.Body...)
	d.emit(msg)
	return nil
}
