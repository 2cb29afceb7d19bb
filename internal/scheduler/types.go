package scheduler

import (
	"time"

	"feedbot/internal/feed"
)

// Config controls fetch scheduling.
type Config struct {
	// MaxConcurrent caps feeds in flight simultaneously (default 4).
	MaxConcurrent int
	// JitterFrac spreads next-due timestamps by ±frac of the interval
	// (default 0.1).
	JitterFrac float64
	// BackoffMaxExp caps the exponential backoff multiplier at 2^exp
	// (default 6).
	BackoffMaxExp int
	// DisableAfter disables a feed after this many consecutive transient
	// failures (default 10).
	DisableAfter int
	// PermanentStrikes disables a feed after this many permanent failures
	// in a row (default 3).
	PermanentStrikes int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.JitterFrac <= 0 {
		c.JitterFrac = 0.1
	}
	if c.BackoffMaxExp <= 0 {
		c.BackoffMaxExp = 6
	}
	if c.DisableAfter <= 0 {
		c.DisableAfter = 10
	}
	if c.PermanentStrikes <= 0 {
		c.PermanentStrikes = 3
	}
	return c
}

type feedState struct {
	src feed.Source

	nextDue     time.Time
	lastSuccess time.Time

	backoffExp  int
	consecFails int
	permStrikes int

	inflight bool

	disabled       bool
	disabledReason string
	disabledAt     time.Time
}

// DisabledFeed is the admin-surface view of a feed taken out of rotation.
type DisabledFeed struct {
	ID     string
	URL    string
	Reason string
	At     time.Time
}

// FeedInfo is a point-in-time snapshot of one feed's scheduling state.
type FeedInfo struct {
	ID          string
	URL         string
	Interval    time.Duration
	NextDue     time.Time
	LastSuccess time.Time
	Failures    int
	InFlight    bool
	Disabled    bool
}
