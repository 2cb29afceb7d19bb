package config

// Config is the full configuration file. YAML input is coerced to JSON and
// decoded strictly, so unknown keys are caught at load time.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "15m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Telegram TelegramConfig `json:"telegram"`

	Scheduler   SchedulerConfig   `json:"scheduler"`
	Fetcher     FetcherConfig     `json:"fetcher"`
	Dedup       DedupConfig       `json:"dedup"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Digest      *DigestConfig     `json:"digest,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance"`

	// MatchPolicy selects keyword matching: "substring" (default) or "token".
	MatchPolicy string `json:"match_policy,omitempty"`

	Feeds         []FeedConfig         `json:"feeds"`
	Destinations  []DestinationConfig  `json:"destinations"`
	Subscriptions []SubscriptionConfig `json:"subscriptions"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./feedbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type TelegramConfig struct {
	Token string `json:"token"`
}

type SchedulerConfig struct {
	MaxConcurrent    int     `json:"max_concurrent,omitempty"`
	JitterFrac       float64 `json:"jitter_frac,omitempty"`
	BackoffMaxExp    int     `json:"backoff_max_exp,omitempty"`
	DisableAfter     int     `json:"disable_after,omitempty"`
	PermanentStrikes int     `json:"permanent_strikes,omitempty"`
	// TickEvery is how often the pipeline polls for due feeds (default "1s").
	TickEvery string `json:"tick_every,omitempty"`
}

type FetcherConfig struct {
	Timeout     string `json:"timeout,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	MaxBodySize int64  `json:"max_body_size,omitempty"`
}

type DedupConfig struct {
	Retention  string `json:"retention,omitempty"`
	MaxPerFeed int    `json:"max_per_feed,omitempty"`
}

type DispatchConfig struct {
	QueueSize         int     `json:"queue_size,omitempty"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	RetryBase         string  `json:"retry_base,omitempty"`
	RetryMaxDelay     string  `json:"retry_max_delay,omitempty"`
	RetryJitter       float64 `json:"retry_jitter,omitempty"`
	SendTimeout       string  `json:"send_timeout,omitempty"`
	DefaultRatePerSec float64 `json:"default_rate_per_sec,omitempty"`
	DefaultBurst      int     `json:"default_burst,omitempty"`
}

// DigestConfig controls the optional daily digest of delivered items.
type DigestConfig struct {
	Enabled        bool   `json:"enabled"`
	At             string `json:"at,omitempty"` // "HH:MM", default "09:00"
	MaxPerCategory int    `json:"max_per_category,omitempty"`
}

// MaintenanceConfig controls the background sweeps.
type MaintenanceConfig struct {
	// SweepSpec is a cron spec or "@every ..." for dedup eviction and
	// ledger archiving (default "@every 1h").
	SweepSpec string `json:"sweep_spec,omitempty"`
	// ArchiveAfter is how long terminal ledger records are kept
	// (default "168h").
	ArchiveAfter string `json:"archive_after,omitempty"`
}

type FeedConfig struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Format   string `json:"format,omitempty"` // "", "rss", "atom", "json"
	Interval string `json:"interval"`
	Category string `json:"category,omitempty"`
}

type DestinationConfig struct {
	ID         string  `json:"id"`
	ChatID     int64   `json:"chat_id"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type SubscriptionConfig struct {
	Destination string   `json:"destination"`
	Categories  []string `json:"categories,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}
