package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindDaemon = "btmuxd"
	KindCtl    = "btmuxctl"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindDaemon, "daemon":
		return daemonTemplate, nil
	case KindCtl, "ctl":
		return ctlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `# btmuxd configuration
listen_network = "unix"
listen_addr = "/tmp/btmux.sock"
backlog = 128

max_frame_body = 1024
# 0 leaves the parked queue unbounded and disables park expiry
max_parked = 0
park_timeout = "0s"
retry_interval = "100ms"

queue_depth = 64
driver = "loopback"
# device_path = "/dev/ttyACM0"   # or "unix:/run/hci.sock", "tcp:127.0.0.1:9000"
write_timeout = "5s"
backoff_initial = "250ms"
backoff_multiplier = 2.0
backoff_max = "5s"
backoff_jitter = true
# give up and exit after this many failed device opens; 0 retries forever
device_max_attempts = 0

admin_listen_addr = "127.0.0.1:7080"
admin_cors_origins = []
# admin_token = "change-me"   # required as a bearer token when set
`

const ctlTemplate = `# btmuxctl profile
network = "unix"
address = "/tmp/btmux.sock"
admin_addr = "127.0.0.1:7080"
max_frame_body = 1024
timeout = "5s"
# admin_token = "change-me"
`
