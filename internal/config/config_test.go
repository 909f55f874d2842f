package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/btmux/internal/protocol/frame"
)

func TestLoadCtlConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btmuxctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
network = "tcp"
address = " 127.0.0.1:7001 "
timeout = "250ms"
`), 0o644))

	cfg, err := LoadCtlConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Network)
	assert.Equal(t, "127.0.0.1:7001", cfg.Address)
	assert.Equal(t, "127.0.0.1:7080", cfg.AdminAddr)
	assert.Equal(t, frame.Limits{MaxBody: 1024}, cfg.Limits())

	d, err := cfg.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestLoadCtlConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"network": `network = "udp"`,
		"address": `address = ""`,
		"body":    `max_frame_body = 0`,
		"timeout": `timeout = "soon"`,
		"syntax":  `network = `,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "btmuxctl.toml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := LoadCtlConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadCtlConfigMissingFile(t *testing.T) {
	_, err := LoadCtlConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAdminURL(t *testing.T) {
	cfg := DefaultCtlConfig()
	assert.Equal(t, "http://127.0.0.1:7080/stats", cfg.AdminURL("/stats"))
	cfg.AdminAddr = "https://mux.local/"
	assert.Equal(t, "https://mux.local/clients", cfg.AdminURL("clients"))
}

func TestWriteTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "btmuxctl.toml")

	require.NoError(t, WriteTemplate(path, KindCtl, false))
	assert.Error(t, WriteTemplate(path, KindCtl, false))
	require.NoError(t, WriteTemplate(path, KindCtl, true))

	cfg, err := LoadCtlConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultCtlConfig(), cfg)

	_, err = Template("ghost")
	assert.Error(t, err)
	tmpl, err := Template(" BTMUXD ")
	require.NoError(t, err)
	assert.Contains(t, tmpl, `listen_network = "unix"`)
}
