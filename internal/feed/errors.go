package feed

import (
	"errors"
	"fmt"
)

// ErrorClass splits failures into the two scheduler-relevant kinds.
type ErrorClass int

const (
	// ClassTransient means a retry may succeed later (timeout, 5xx, 429).
	ClassTransient ErrorClass = iota
	// ClassPermanent means retrying is futile without operator intervention
	// (404, malformed feed root, unsupported format).
	ClassPermanent
)

// FetchError wraps a per-feed fetch failure with its class.
type FetchError struct {
	FeedID string
	Class  ErrorClass
	Err    error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Class == ClassPermanent {
		kind = "permanent"
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.FeedID, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func transientErr(feedID string, err error) error {
	return &FetchError{FeedID: feedID, Class: ClassTransient, Err: err}
}

func permanentErr(feedID string, err error) error {
	return &FetchError{FeedID: feedID, Class: ClassPermanent, Err: err}
}

// IsPermanent reports whether err carries a permanent fetch classification.
// Anything unclassified (plain network errors, context timeouts) counts as
// transient so the scheduler backs off instead of disabling the feed.
func IsPermanent(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class == ClassPermanent
	}
	return false
}
