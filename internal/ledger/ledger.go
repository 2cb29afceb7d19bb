// Package ledger records delivery attempt state transitions.
//
// It is the durability boundary in front of the dedup store: an attempt
// reaches a terminal state here before dedup-marking, so a crash between
// delivery and marking is detectable on restart and resolved by re-checking
// the terminal record instead of re-delivering.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"feedbot/internal/feed"
	"feedbot/internal/storage"
	logx "feedbot/pkg/logx"
)

const keyPrefix = "ledger/"

// State is the delivery attempt lifecycle.
type State string

const (
	StatePending      State = "pending"
	StateInFlight     State = "inflight"
	StateDelivered    State = "delivered"
	StateDeadLettered State = "deadlettered"
)

func (s State) Terminal() bool {
	return s == StateDelivered || s == StateDeadLettered
}

// Attempt is one (item, destination) delivery record. The canonical item
// rides along so non-terminal attempts can be re-enqueued after a restart.
type Attempt struct {
	ItemID        string    `json:"item_id"`
	DestinationID string    `json:"destination_id"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	Item          feed.Item `json:"item"`
}

// Ledger is an append-style attempt log keyed by (destination, item).
// Writes overwrite the record for the pair; the state field carries the
// transition history's tail, which is all resumption needs.
type Ledger struct {
	mu sync.Mutex

	log   logx.Logger
	store storage.Store // may be nil (in-memory only)

	attempts map[string]Attempt // key -> latest record
}

func New(st storage.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{log: log, store: st, attempts: map[string]Attempt{}}
}

// Load restores persisted attempt records at startup.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	err := l.store.ScanPrefix(ctx, keyPrefix, func(key string, value []byte) error {
		destID, itemID, ok := splitKey(key)
		if !ok {
			l.log.Warn("ledger: skipping malformed key", logx.String("key", key))
			return nil
		}
		var a Attempt
		if err := json.Unmarshal(value, &a); err != nil {
			l.log.Warn("ledger: dropping unreadable record", logx.String("key", key), logx.Err(err))
			return nil
		}
		if a.DestinationID != destID || a.ItemID != itemID {
			l.log.Warn("ledger: dropping record that does not match its key", logx.String("key", key))
			return nil
		}
		l.attempts[attemptKey(destID, itemID)] = a
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}
	l.log.Info("ledger: loaded attempt records", logx.Int("records", n))
	return nil
}

// Record writes the attempt's current state. Persistence failures are
// surfaced so the caller can decide whether to proceed (a delivery may not
// be confirmed without its ledger record).
func (l *Ledger) Record(ctx context.Context, a Attempt) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}

	l.mu.Lock()
	l.attempts[attemptKey(a.DestinationID, a.ItemID)] = a
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, keyPrefix+attemptKey(a.DestinationID, a.ItemID), b); err != nil {
		return fmt.Errorf("ledger persist: %w", err)
	}
	return nil
}

// Get returns the latest record for (destination, item).
func (l *Ledger) Get(destID, itemID string) (Attempt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[attemptKey(destID, itemID)]
	return a, ok
}

// Resume returns all non-terminal attempts, oldest first. In-flight records
// are included: the process died mid-send, and re-sending is the correct
// at-least-once behavior (downstream destinations dedupe by item where they
// can).
func (l *Ledger) Resume() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Attempt, 0)
	for _, a := range l.attempts {
		if !a.State.Terminal() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// DeadLettered lists dead-lettered attempts for the admin surface.
func (l *Ledger) DeadLettered() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Attempt, 0)
	for _, a := range l.attempts {
		if a.State == StateDeadLettered {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// ForceRetry flips a dead-lettered attempt back to pending and returns it so
// the dispatcher can re-enqueue. Attempt count restarts.
func (l *Ledger) ForceRetry(ctx context.Context, destID, itemID string) (Attempt, error) {
	l.mu.Lock()
	a, ok := l.attempts[attemptKey(destID, itemID)]
	l.mu.Unlock()

	if !ok {
		return Attempt{}, fmt.Errorf("no attempt recorded for %s/%s", destID, itemID)
	}
	if a.State != StateDeadLettered {
		return Attempt{}, fmt.Errorf("attempt %s/%s is %s, not dead-lettered", destID, itemID, a.State)
	}

	a.State = StatePending
	a.Attempts = 0
	a.LastError = ""
	a.UpdatedAt = time.Now()
	if err := l.Record(ctx, a); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

// Archive removes terminal records older than cutoff. Terminal delivered
// records are safe to drop once the dedup store has marked the item; dead
// letters are kept for the retention of the inspection window only.
func (l *Ledger) Archive(ctx context.Context, cutoff time.Time) int {
	l.mu.Lock()
	victims := make([]string, 0)
	for k, a := range l.attempts {
		if a.State.Terminal() && a.UpdatedAt.Before(cutoff) {
			victims = append(victims, k)
		}
	}
	for _, k := range victims {
		delete(l.attempts, k)
	}
	l.mu.Unlock()

	if l.store != nil {
		for _, k := range victims {
			if err := l.store.Delete(ctx, keyPrefix+k); err != nil {
				l.log.Warn("ledger: archive delete failed", logx.String("key", k), logx.Err(err))
			}
		}
	}
	return len(victims)
}

func attemptKey(destID, itemID string) string {
	return destID + "/" + itemID
}

// splitKey is the inverse of the storage key layout; Load uses it to reject
// records filed under a key that does not match their content.
func splitKey(key string) (destID, itemID string, ok bool) {
	rest := strings.TrimPrefix(key, keyPrefix)
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
