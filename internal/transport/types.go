// Package transport defines the delivery collaborator contract: the pipeline
// hands a rendered item to an adapter and interprets only the tri-state
// outcome (success, transient failure, permanent failure).
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Destination is an addressable delivery target with its own rate budget.
type Destination struct {
	ID       string
	ChatID   int64
	ThreadID int // forum topic thread (0 if none)

	// RatePerSec and Burst size the destination's token bucket.
	// Zero values fall back to the dispatcher defaults.
	RatePerSec float64
	Burst      int
}

// Message is the rendered payload for one canonical item.
type Message struct {
	Title       string
	Link        string
	Summary     string
	Category    string
	PublishedAt time.Time
}

// Adapter is implemented per chat platform.
type Adapter interface {
	Send(ctx context.Context, dest Destination, msg Message) error
	Stop(ctx context.Context) error
}

// ErrorClass mirrors the fetch-side taxonomy for delivery failures.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

// SendError classifies a delivery failure. RetryAfter is a platform-provided
// cooldown hint (rate-limit responses); zero means none.
type SendError struct {
	Dest       string
	Class      ErrorClass
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Class == ClassPermanent {
		kind = "permanent"
	}
	return fmt.Sprintf("send to %s: %s: %v", e.Dest, kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery failure.
func Transient(dest string, err error) error {
	return &SendError{Dest: dest, Class: ClassTransient, Err: err}
}

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(dest string, err error) error {
	return &SendError{Dest: dest, Class: ClassPermanent, Err: err}
}

// IsPermanent reports whether err is classified permanent. Unclassified
// errors count as transient so they go through the retry path.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class == ClassPermanent
	}
	return false
}

// RetryAfter extracts a platform cooldown hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var se *SendError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}
