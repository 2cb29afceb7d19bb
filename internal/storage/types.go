package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the pipeline runs
// purely in-memory (restart loses dedup and ledger state).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the minimal persistence API used by the pipeline.
//
// Keys are opaque strings; callers namespace them with a "/"-separated
// prefix (e.g. "dedup/<feed>/<item>", "ledger/<dest>/<item>").
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// ScanPrefix visits every record whose key starts with prefix.
	// Returning an error from fn aborts the scan and propagates the error.
	ScanPrefix(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	Close() error
}
