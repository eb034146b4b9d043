package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. path names the config key in errors.
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
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func (c *Config) durationFields() map[string]string {
	out := map[string]string{"allocator.min_gap": c.Allocator.MinGap}
	if c.Retrain != nil {
		out["retrain.min_interval"] = c.Retrain.MinInterval
		out["retrain.timeout"] = c.Retrain.Timeout
	}
	if c.Storage != nil {
		out["storage.busy_timeout"] = c.Storage.BusyTimeout
		out["storage.slot_retention"] = c.Storage.SlotRetention
	}
	return out
}
