package config

import (
	"fmt"
	"strings"
	"time"
)

// durationField names one duration-valued setting by its YAML path.
type durationField struct {
	path string
	raw  string
}

// durationFields lists every duration setting in c. Storage is included
// only when its section is present.
func (c *Config) durationFields() []durationField {
	out := []durationField{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"backend.timeout", c.Backend.Timeout},
		{"delivery.pacing", c.Delivery.Pacing},
		{"schedule.autopost.timeout", c.Schedule.Autopost.Timeout},
		{"ops.read_timeout", c.Ops.ReadTimeout},
		{"ops.write_timeout", c.Ops.WriteTimeout},
		{"ops.idle_timeout", c.Ops.IdleTimeout},
	}
	if c.Storage != nil {
		out = append(out, durationField{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	return out
}

// ParseDurationField parses the setting at path. Empty means zero, which
// callers treat as "no timeout". Errors carry the path so a bad backend.timeout
// is reported as such.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField for settings where zero is not
// meaningful, such as delivery.pacing.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
