package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/btmux/internal/protocol/frame"
	"github.com/danmuck/btmux/internal/testutil/testlog"
	"github.com/danmuck/btmux/internal/upstream"
)

func TestDefaultServiceConfigIsValid(t *testing.T) {
	cfg := DefaultServiceConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "unix", cfg.ListenNetwork)
	assert.Equal(t, uint16(frame.DefaultMaxBody), cfg.MaxFrameBody)
	assert.Zero(t, cfg.MaxParked)
	assert.Zero(t, cfg.ParkTimeout)
	assert.Empty(t, cfg.AdminListenAddr)
}

func TestServiceConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*ServiceConfig)
		wantErr error
	}{
		{name: "tcp", mutate: func(c *ServiceConfig) { c.ListenNetwork, c.ListenAddr = "tcp", "127.0.0.1:7001" }},
		{name: "udp", mutate: func(c *ServiceConfig) { c.ListenNetwork = "udp" }, wantErr: ErrInvalidNetwork},
		{name: "blank addr", mutate: func(c *ServiceConfig) { c.ListenAddr = "  " }, wantErr: ErrListenAddrRequired},
		{name: "zero body", mutate: func(c *ServiceConfig) { c.MaxFrameBody = 0 }},
		{name: "negative parked", mutate: func(c *ServiceConfig) { c.MaxParked = -1 }},
		{name: "negative timeout", mutate: func(c *ServiceConfig) { c.ParkTimeout = -time.Second }},
		{name: "zero retry", mutate: func(c *ServiceConfig) { c.RetryInterval = 0 }},
		{name: "negative device attempts", mutate: func(c *ServiceConfig) { c.DeviceMaxAttempts = -1 }},
		{name: "unknown driver", mutate: func(c *ServiceConfig) { c.Driver = "serial" }, wantErr: upstream.ErrUnknownDriver},
		{name: "device without path", mutate: func(c *ServiceConfig) { c.Driver = upstream.DriverDevice }},
		{name: "device", mutate: func(c *ServiceConfig) {
			c.Driver = "Device"
			c.DevicePath = "tcp:127.0.0.1:9000"
		}},
	}
	valid := map[string]bool{"tcp": true, "device": true}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultServiceConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if valid[tc.name] {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestServiceConfigDerivedSettings(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.MaxFrameBody = 256
	cfg.MaxParked = 4
	cfg.ParkTimeout = 2 * time.Second
	cfg.DevicePath = " /dev/ttyACM0 "
	cfg.WriteTimeout = time.Second
	cfg.DeviceMaxAttempts = 5

	m := cfg.muxConfig()
	assert.Equal(t, frame.Limits{MaxBody: 256}, m.Limits)
	assert.Equal(t, 4, m.MaxParked)
	assert.Equal(t, 2*time.Second, m.ParkTimeout)
	assert.NotNil(t, m.Clock)

	d := cfg.deviceConfig()
	assert.Equal(t, "/dev/ttyACM0", d.Path)
	assert.Equal(t, frame.Limits{MaxBody: 256}, d.Limits)
	assert.Equal(t, time.Second, d.WriteTimeout)
	assert.Equal(t, cfg.Backoff, d.Backoff)
	assert.Equal(t, 5, d.MaxAttempts)
	assert.Zero(t, DefaultServiceConfig().deviceConfig().MaxAttempts)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = ""
	_, err := NewService(cfg)
	assert.ErrorIs(t, err, ErrListenAddrRequired)

	_, err = NewServiceWithDriver(DefaultServiceConfig(), nil)
	assert.ErrorIs(t, err, upstream.ErrNoDriver)
}
