package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/danmuck/btmux/internal/config"
	"github.com/danmuck/btmux/internal/daemon"
	"github.com/danmuck/btmux/internal/upstream"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btmuxd.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_network = "TCP"
listen_addr = " 127.0.0.1:7001 "
max_frame_body = 512
max_parked = 8
park_timeout = "2s"
retry_interval = "50ms"
driver = "device"
device_path = "tcp:127.0.0.1:9000"
backoff_initial = "100ms"
backoff_jitter = false
device_max_attempts = 10
admin_listen_addr = "127.0.0.1:7080"
admin_cors_origins = [" http://localhost:3000 ", ""]
admin_token = " s3cret "
`)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	want := daemon.DefaultServiceConfig()
	want.ListenNetwork = "tcp"
	want.ListenAddr = "127.0.0.1:7001"
	want.MaxFrameBody = 512
	want.MaxParked = 8
	want.ParkTimeout = 2 * time.Second
	want.RetryInterval = 50 * time.Millisecond
	want.Driver = upstream.DriverDevice
	want.DevicePath = "tcp:127.0.0.1:9000"
	want.Backoff.InitialDelay = 100 * time.Millisecond
	want.Backoff.Jitter = false
	want.DeviceMaxAttempts = 10
	want.AdminListenAddr = "127.0.0.1:7080"
	want.AdminCORSOrigins = []string{"http://localhost:3000"}
	want.AdminToken = "s3cret"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadServiceConfigTemplateMatchesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btmuxd.toml")
	if err := config.WriteTemplate(path, config.KindDaemon, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}

	want := daemon.DefaultServiceConfig()
	want.AdminListenAddr = "127.0.0.1:7080"
	if diff := cmp.Diff(want, cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("template drifted from defaults (-want +got):\n%s", diff)
	}
}

func TestLoadServiceConfigErrors(t *testing.T) {
	cases := map[string]struct {
		content string
		want    string
	}{
		"bad duration":   {`park_timeout = "soon"`, "park_timeout"},
		"body too large": {`max_frame_body = 70000`, "max_frame_body"},
		"zero body":      {`max_frame_body = 0`, "max_frame_body"},
		"unknown key":    {`listen_port = 7001`, "unknown key"},
		"bad network":    {`listen_network = "udp"`, "listen network"},
		"device no path": {`driver = "device"`, "device_path"},
		"bad driver":     {`driver = "serial"`, "unknown driver"},
		"neg attempts":   {`device_max_attempts = -2`, "device_max_attempts"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadServiceConfig(writeConfig(t, tc.content))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadServiceConfigMissingFile(t *testing.T) {
	if _, err := loadServiceConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
