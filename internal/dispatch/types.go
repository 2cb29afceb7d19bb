package dispatch

import (
	"errors"
	"time"
)

var (
	ErrStopped     = errors.New("dispatcher stopped")
	ErrQueueFull   = errors.New("destination queue full")
	ErrUnknownDest = errors.New("unknown destination")
)

// Config controls per-destination delivery.
type Config struct {
	// QueueSize bounds each destination's FIFO queue (default 128).
	QueueSize int
	// MaxAttempts per item per destination before dead-lettering (default 5).
	MaxAttempts int
	// RetryBase is the first retry delay; doubled per attempt (default 500ms).
	RetryBase time.Duration
	// RetryMaxDelay caps the backoff (default 30s).
	RetryMaxDelay time.Duration
	// RetryJitter adds up to this fraction of random extra delay (default 0.2).
	RetryJitter float64
	// SendTimeout bounds one transport call; a hang becomes a transient
	// failure (default 15s).
	SendTimeout time.Duration
	// DefaultRatePerSec and DefaultBurst size token buckets for
	// destinations that don't set their own (defaults 1, 1).
	DefaultRatePerSec float64
	DefaultBurst      int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.DefaultRatePerSec <= 0 {
		c.DefaultRatePerSec = 1
	}
	if c.DefaultBurst <= 0 {
		c.DefaultBurst = 1
	}
	return c
}

// DeadLetterEvent is published on the bus when an item/destination pair
// leaves the active retry path.
type DeadLetterEvent struct {
	DestinationID string    `json:"destination_id"`
	ItemID        string    `json:"item_id"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	At            time.Time `json:"at"`
}
