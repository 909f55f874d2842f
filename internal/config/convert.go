package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/btmux/internal/protocol/frame"
)

func (c CtlConfig) Limits() frame.Limits {
	return frame.Limits{MaxBody: c.MaxFrameBody}
}

func (c CtlConfig) TimeoutDuration() (time.Duration, error) {
	raw := strings.TrimSpace(c.Timeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("ctl config timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("ctl config timeout must not be negative")
	}
	return d, nil
}

// AdminURL joins the admin address and an endpoint path.
func (c CtlConfig) AdminURL(path string) string {
	base := strings.TrimRight(strings.TrimSpace(c.AdminAddr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + "/" + strings.TrimLeft(path, "/")
}
