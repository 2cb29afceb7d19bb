package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Validate checks structural invariants that must hold before a config is
// committed. It is deliberately strict: a rejected reload keeps the previous
// config active.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch cfg.MatchPolicy {
	case "", "substring", "token":
	default:
		return fmt.Errorf("match_policy: unknown policy %q (want substring or token)", cfg.MatchPolicy)
	}

	if s := cfg.Storage; s != nil {
		switch s.Driver {
		case "", "none":
		case "file", "sqlite":
			if s.Path == "" {
				return fmt.Errorf("storage: driver %q requires a path", s.Driver)
			}
		default:
			return fmt.Errorf("storage: unknown driver %q", s.Driver)
		}
		if _, err := ParseDuration("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	for _, field := range []struct{ name, val string }{
		{"scheduler.tick_every", cfg.Scheduler.TickEvery},
		{"fetcher.timeout", cfg.Fetcher.Timeout},
		{"dispatch.retry_base", cfg.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"maintenance.archive_after", cfg.Maintenance.ArchiveAfter},
	} {
		if _, err := ParseDuration(field.name, field.val); err != nil {
			return err
		}
	}

	if d := cfg.Digest; d != nil && d.Enabled && d.At != "" {
		if err := validateClock(d.At); err != nil {
			return fmt.Errorf("digest.at: %w", err)
		}
	}

	retention, err := ParseDuration("dedup.retention", cfg.Dedup.Retention)
	if err != nil {
		return err
	}

	feedIDs := make(map[string]struct{}, len(cfg.Feeds))
	for i, f := range cfg.Feeds {
		if f.ID == "" {
			return fmt.Errorf("feeds[%d]: id is required", i)
		}
		if _, dup := feedIDs[f.ID]; dup {
			return fmt.Errorf("feeds[%d]: duplicate id %q", i, f.ID)
		}
		feedIDs[f.ID] = struct{}{}

		u, err := url.Parse(f.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("feeds[%d] %s: invalid url %q", i, f.ID, f.URL)
		}
		switch u.Scheme {
		case "http", "https":
		default:
			return fmt.Errorf("feeds[%d] %s: unsupported url scheme %q", i, f.ID, u.Scheme)
		}

		switch f.Format {
		case "", "rss", "atom", "json":
		default:
			return fmt.Errorf("feeds[%d] %s: unknown format %q", i, f.ID, f.Format)
		}

		d, err := ParseDuration(fmt.Sprintf("feeds[%d].interval", i), f.Interval)
		if err != nil {
			return err
		}
		if d < 30*time.Second {
			return fmt.Errorf("feeds[%d] %s: interval %s below minimum 30s", i, f.ID, f.Interval)
		}
		// A retention window shorter than a few poll cycles would let a
		// still-listed item expire out of the dedup index and redeliver.
		if retention > 0 && retention < 4*d {
			return fmt.Errorf("feeds[%d] %s: dedup.retention %s must be at least 4x the feed interval %s",
				i, f.ID, cfg.Dedup.Retention, f.Interval)
		}
	}

	destIDs := make(map[string]struct{}, len(cfg.Destinations))
	for i, d := range cfg.Destinations {
		if d.ID == "" {
			return fmt.Errorf("destinations[%d]: id is required", i)
		}
		if _, dup := destIDs[d.ID]; dup {
			return fmt.Errorf("destinations[%d]: duplicate id %q", i, d.ID)
		}
		destIDs[d.ID] = struct{}{}
		if d.ChatID == 0 {
			return fmt.Errorf("destinations[%d] %s: chat_id is required", i, d.ID)
		}
		if d.RatePerSec < 0 {
			return fmt.Errorf("destinations[%d] %s: rate_per_sec must not be negative", i, d.ID)
		}
	}

	for i, s := range cfg.Subscriptions {
		if s.Destination == "" {
			return fmt.Errorf("subscriptions[%d]: destination is required", i)
		}
		if _, ok := destIDs[s.Destination]; !ok {
			return fmt.Errorf("subscriptions[%d]: unknown destination %q", i, s.Destination)
		}
	}

	return nil
}

// validateClock checks a "HH:MM" wall-clock time.
func validateClock(s string) error {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return fmt.Errorf("invalid minute in %q", s)
	}
	return nil
}
