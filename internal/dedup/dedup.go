// Package dedup tracks which canonical items have already been delivered,
// per feed, so re-fetched entries are never resolved to subscriptions twice.
//
// Reads are concurrent (resolution paths), writes are serialized on delivery
// confirmation. Records are write-through persisted and reloaded at startup
// so a restart does not cause mass redelivery.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"feedbot/internal/storage"
	logx "feedbot/pkg/logx"
)

const keyPrefix = "dedup/"

// Config bounds record retention.
type Config struct {
	// Retention is the time window after which a delivered record becomes
	// evictable (default 7 days). It must comfortably exceed the longest
	// expected offline gap; eviction never causes a false "new" inside it.
	Retention time.Duration
	// MaxPerFeed is a secondary count bound per feed (default 2000).
	// Oldest records are evicted first once it is exceeded.
	MaxPerFeed int
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.MaxPerFeed <= 0 {
		c.MaxPerFeed = 2000
	}
	return c
}

type record struct {
	DeliveredAt time.Time `json:"delivered_at"`
}

// Store answers "has this item been delivered before" per feed.
type Store struct {
	mu sync.RWMutex

	cfg   Config
	log   logx.Logger
	store storage.Store // may be nil (in-memory only)

	seen map[string]map[string]time.Time // feedID -> identity -> deliveredAt
}

func New(cfg Config, st storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		cfg:   cfg.withDefaults(),
		log:   log,
		store: st,
		seen:  map[string]map[string]time.Time{},
	}
}

// Load restores persisted records. Call once at startup before the first
// scheduling tick.
func (s *Store) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	err := s.store.ScanPrefix(ctx, keyPrefix, func(key string, value []byte) error {
		feedID, identity, ok := splitKey(key)
		if !ok {
			return nil
		}
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			s.log.Warn("dedup: dropping unreadable record", logx.String("key", key), logx.Err(err))
			return nil
		}
		byFeed := s.seen[feedID]
		if byFeed == nil {
			byFeed = map[string]time.Time{}
			s.seen[feedID] = byFeed
		}
		byFeed[identity] = rec.DeliveredAt
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("dedup load: %w", err)
	}
	s.log.Info("dedup: loaded delivered records", logx.Int("records", n))
	return nil
}

// IsNew reports whether (feedID, identity) has not been delivered yet.
func (s *Store) IsNew(feedID, identity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[feedID][identity]
	return !ok
}

// MarkDelivered records a delivery. Write-through: the in-memory index is
// updated even when persistence fails, and the error is surfaced so the
// caller can log it (a later eviction pass reconciles).
func (s *Store) MarkDelivered(ctx context.Context, feedID, identity string, at time.Time) error {
	s.mu.Lock()
	byFeed := s.seen[feedID]
	if byFeed == nil {
		byFeed = map[string]time.Time{}
		s.seen[feedID] = byFeed
	}
	byFeed[identity] = at
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	b, err := json.Marshal(record{DeliveredAt: at})
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, makeKey(feedID, identity), b); err != nil {
		return fmt.Errorf("dedup persist: %w", err)
	}
	return nil
}

// Evict drops records older than the retention window, plus the oldest
// overflow past the per-feed count bound. Returns how many were removed.
func (s *Store) Evict(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.cfg.Retention)

	s.mu.Lock()
	type victim struct{ feedID, identity string }
	victims := make([]victim, 0)
	for feedID, byFeed := range s.seen {
		type entry struct {
			id string
			at time.Time
		}
		entries := make([]entry, 0, len(byFeed))
		for id, at := range byFeed {
			entries = append(entries, entry{id, at})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

		expired := 0
		for _, e := range entries {
			if !e.at.Before(cutoff) {
				break
			}
			victims = append(victims, victim{feedID, e.id})
			expired++
		}
		// Count bound applies to what survives the time window.
		if over := (len(entries) - expired) - s.cfg.MaxPerFeed; over > 0 {
			for _, e := range entries[expired : expired+over] {
				victims = append(victims, victim{feedID, e.id})
			}
		}
	}
	for _, v := range victims {
		delete(s.seen[v.feedID], v.identity)
		if len(s.seen[v.feedID]) == 0 {
			delete(s.seen, v.feedID)
		}
	}
	s.mu.Unlock()

	if s.store != nil {
		for _, v := range victims {
			if err := s.store.Delete(ctx, makeKey(v.feedID, v.identity)); err != nil {
				s.log.Warn("dedup: evict delete failed",
					logx.String("feed", v.feedID), logx.Err(err))
			}
		}
	}
	if len(victims) > 0 {
		s.log.Info("dedup: evicted records", logx.Int("evicted", len(victims)))
	}
	return len(victims)
}

// Count reports the number of retained records (all feeds).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, byFeed := range s.seen {
		n += len(byFeed)
	}
	return n
}

func makeKey(feedID, identity string) string {
	return keyPrefix + feedID + "/" + identity
}

func splitKey(key string) (feedID, identity string, ok bool) {
	rest := strings.TrimPrefix(key, keyPrefix)
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
