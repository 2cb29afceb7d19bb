package config

import (
	"fmt"
	"time"
)

// ParseDuration parses a Go duration string from a config field.
// Empty input yields the zero duration without error so callers can
// apply their own defaults.
func ParseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative, got %q", field, s)
	}
	return d, nil
}

// DurationOrDefault parses s and falls back to def when s is empty or invalid.
func DurationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
