package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
telegram:
  token: "123:abc"
scheduler:
  max_concurrent: 2
  tick_every: "2s"
feeds:
  - id: news
    url: https://example.org/rss.xml
    interval: 5m
    category: news
destinations:
  - id: main
    chat_id: -100123
    rate_per_sec: 0.5
subscriptions:
  - destination: main
    categories: [news]
`

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q, want debug", cfg.Logging.Level)
	}
	if len(cfg.Feeds) != 1 || cfg.Feeds[0].ID != "news" {
		t.Fatalf("unexpected feeds: %+v", cfg.Feeds)
	}
	if got := DurationOrDefault(cfg.Feeds[0].Interval, 0); got != 5*time.Minute {
		t.Fatalf("interval = %v, want 5m", got)
	}
	if cfg.Destinations[0].ChatID != -100123 {
		t.Fatalf("chat_id = %d", cfg.Destinations[0].ChatID)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML+"\nbogus_key: true\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"telegram":{"token":"t"}} {"extra":1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Feeds: []FeedConfig{
				{ID: "a", URL: "https://example.org/a.xml", Interval: "10m"},
			},
			Destinations: []DestinationConfig{
				{ID: "d1", ChatID: 1},
			},
			Subscriptions: []SubscriptionConfig{
				{Destination: "d1", Keywords: []string{"go"}},
			},
		}
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "duplicate feed id",
			mutate:  func(c *Config) { c.Feeds = append(c.Feeds, FeedConfig{ID: "a", URL: "https://x.org/f", Interval: "1m"}) },
			wantErr: "duplicate id",
		},
		{
			name:    "bad feed url",
			mutate:  func(c *Config) { c.Feeds[0].URL = "not a url" },
			wantErr: "invalid url",
		},
		{
			name:    "ftp scheme",
			mutate:  func(c *Config) { c.Feeds[0].URL = "ftp://example.org/feed" },
			wantErr: "unsupported url scheme",
		},
		{
			name:    "interval too small",
			mutate:  func(c *Config) { c.Feeds[0].Interval = "5s" },
			wantErr: "below minimum",
		},
		{
			name:    "unknown format",
			mutate:  func(c *Config) { c.Feeds[0].Format = "opml" },
			wantErr: "unknown format",
		},
		{
			name:    "missing chat id",
			mutate:  func(c *Config) { c.Destinations[0].ChatID = 0 },
			wantErr: "chat_id is required",
		},
		{
			name:    "subscription to unknown destination",
			mutate:  func(c *Config) { c.Subscriptions[0].Destination = "nope" },
			wantErr: "unknown destination",
		},
		{
			name:    "retention below four poll cycles",
			mutate:  func(c *Config) { c.Dedup.Retention = "30m" },
			wantErr: "at least 4x the feed interval",
		},
		{
			name:   "retention comfortably above intervals",
			mutate: func(c *Config) { c.Dedup.Retention = "48h" },
		},
		{
			name:    "bad match policy",
			mutate:  func(c *Config) { c.MatchPolicy = "regex" },
			wantErr: "unknown policy",
		},
		{
			name:    "storage without path",
			mutate:  func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} },
			wantErr: "requires a path",
		},
		{
			name:    "bad digest clock",
			mutate:  func(c *Config) { c.Digest = &DigestConfig{Enabled: true, At: "25:00"} },
			wantErr: "invalid hour",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{MatchPolicy: "substring"}
	second := &Config{MatchPolicy: "token"}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatalf("got %+v, want the latest config", got)
		}
	default:
		t.Fatal("expected a buffered config update")
	}
}

func TestWatchKeepsOldConfigWhenValidatorRejects(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	committed, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "warn" {
			return errors.New("warn level rejected")
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := testContext(t)
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	time.Sleep(300 * time.Millisecond)
	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-ch:
		t.Fatalf("rejected config was published: %+v", cfg.Logging)
	case <-time.After(1500 * time.Millisecond):
	}
	if m.Get() != committed {
		t.Fatal("rejected reload must keep the previous config committed")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := testContext(t)
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher time to attach before writing.
	time.Sleep(300 * time.Millisecond)
	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("logging.level = %q, want warn", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
