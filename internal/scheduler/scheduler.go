package scheduler

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"feedbot/internal/eventbus"
	"feedbot/internal/feed"
	logx "feedbot/pkg/logx"
)

// Scheduler tracks per-feed due state. It is a passive state machine: the
// pipeline loop calls Tick and reports results back; the scheduler never
// starts goroutines of its own.
type Scheduler struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus
	rng *rand.Rand

	feeds    map[string]*feedState
	inflight int
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		feeds: map[string]*feedState{},
	}
}

// SetFeeds applies a full-set configuration refresh. New feeds become due
// immediately; existing feeds keep their timing and failure state unless the
// interval changed; feeds no longer configured are forgotten.
func (s *Scheduler) SetFeeds(sources []feed.Source, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, src := range sources {
		if src.ID == "" || src.Interval <= 0 {
			s.log.Warn("scheduler: skipping invalid feed source",
				logx.String("feed", src.ID), logx.Duration("interval", src.Interval))
			continue
		}
		seen[src.ID] = true

		st := s.feeds[src.ID]
		if st == nil {
			s.feeds[src.ID] = &feedState{src: src, nextDue: now}
			continue
		}
		intervalChanged := st.src.Interval != src.Interval
		urlChanged := st.src.URL != src.URL
		st.src = src
		if urlChanged {
			// Pointing at a new URL is a fresh start: clear failure history
			// and any disable verdict earned by the old endpoint.
			st.disabled = false
			st.disabledReason = ""
			st.backoffExp = 0
			st.consecFails = 0
			st.permStrikes = 0
			st.nextDue = now
		} else if intervalChanged && !st.disabled {
			st.nextDue = now.Add(s.jitteredLocked(src.Interval))
		}
	}

	for id, st := range s.feeds {
		if !seen[id] {
			// A removed feed may still have a fetch in flight; its report
			// will not find the state anymore, so free the slot here.
			s.releaseLocked(st)
			delete(s.feeds, id)
		}
	}
}

// Tick returns the feeds due at or before now, up to the free concurrency
// slots, and advances their next-due timestamps. Returned feeds are counted
// in flight until ReportSuccess/ReportFailure.
func (s *Scheduler) Tick(now time.Time) []feed.Source {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*feedState, 0)
	for _, st := range s.feeds {
		if st.disabled || st.inflight || st.nextDue.After(now) {
			continue
		}
		due = append(due, st)
	}
	// Oldest due first so a deferred feed is not starved by newer ones.
	sort.Slice(due, func(i, j int) bool { return due[i].nextDue.Before(due[j].nextDue) })

	fired := make([]feed.Source, 0, len(due))
	for _, st := range due {
		if s.inflight >= s.cfg.MaxConcurrent {
			// Deferred, not dropped: nextDue stays put and the feed is
			// re-offered on the next tick.
			break
		}
		st.inflight = true
		s.inflight++
		st.nextDue = now.Add(s.jitteredLocked(st.src.Interval))
		fired = append(fired, st.src)
	}
	return fired
}

// ReportSuccess releases the feed's in-flight slot and resets backoff to the
// base interval.
func (s *Scheduler) ReportSuccess(feedID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.feeds[feedID]
	if st == nil {
		return
	}
	s.releaseLocked(st)
	st.backoffExp = 0
	st.consecFails = 0
	st.permStrikes = 0
	st.lastSuccess = now
}

// ReportFailure releases the feed's in-flight slot and applies the failure
// policy: transient errors back the feed off exponentially (capped), and
// either repeated transient failures or a few permanent ones disable it.
func (s *Scheduler) ReportFailure(feedID string, err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.feeds[feedID]
	if st == nil {
		return
	}
	s.releaseLocked(st)
	st.consecFails++

	if feed.IsPermanent(err) {
		st.permStrikes++
		if st.permStrikes >= s.cfg.PermanentStrikes {
			s.disableLocked(st, now, "repeated permanent fetch errors: "+err.Error())
			return
		}
		// Re-check on the base interval; backing off a permanent error
		// does not help and only delays the disable verdict.
		st.nextDue = now.Add(st.src.Interval)
		return
	}

	if st.consecFails >= s.cfg.DisableAfter {
		s.disableLocked(st, now, "too many consecutive failures: "+err.Error())
		return
	}

	if st.backoffExp < s.cfg.BackoffMaxExp {
		st.backoffExp++
	}
	delay := st.src.Interval << st.backoffExp
	// Positive-only jitter keeps the backoff floor intact.
	delay += time.Duration(s.rng.Float64() * s.cfg.JitterFrac * float64(st.src.Interval))
	st.nextDue = now.Add(delay)

	s.log.Debug("scheduler: feed backed off",
		logx.String("feed", feedID), logx.Int("failures", st.consecFails),
		logx.Duration("delay", delay), logx.Err(err))
}

// DisabledFeeds lists feeds currently out of rotation, for the admin surface.
func (s *Scheduler) DisabledFeeds() []DisabledFeed {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DisabledFeed, 0)
	for _, st := range s.feeds {
		if st.disabled {
			out = append(out, DisabledFeed{ID: st.src.ID, URL: st.src.URL, Reason: st.disabledReason, At: st.disabledAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enable puts a disabled feed back into rotation with a clean slate.
func (s *Scheduler) Enable(feedID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.feeds[feedID]
	if st == nil || !st.disabled {
		return false
	}
	st.disabled = false
	st.disabledReason = ""
	st.backoffExp = 0
	st.consecFails = 0
	st.permStrikes = 0
	st.nextDue = now
	return true
}

// Snapshot reports per-feed scheduling state for observability.
func (s *Scheduler) Snapshot() []FeedInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FeedInfo, 0, len(s.feeds))
	for _, st := range s.feeds {
		out = append(out, FeedInfo{
			ID:          st.src.ID,
			URL:         st.src.URL,
			Interval:    st.src.Interval,
			NextDue:     st.nextDue,
			LastSuccess: st.lastSuccess,
			Failures:    st.consecFails,
			InFlight:    st.inflight,
			Disabled:    st.disabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InFlight reports how many fetches are currently counted against the cap.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Scheduler) releaseLocked(st *feedState) {
	if st.inflight {
		st.inflight = false
		s.inflight--
	}
}

func (s *Scheduler) disableLocked(st *feedState, now time.Time, reason string) {
	st.disabled = true
	st.disabledReason = reason
	st.disabledAt = now
	s.log.Warn("scheduler: feed disabled",
		logx.String("feed", st.src.ID), logx.String("url", st.src.URL), logx.String("reason", reason))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeFeedDisabled,
			Data: DisabledFeed{ID: st.src.ID, URL: st.src.URL, Reason: reason, At: now},
		})
	}
}

// jitteredLocked returns interval ± jitterFrac, randomized per call so feeds
// sharing an interval drift apart.
func (s *Scheduler) jitteredLocked(interval time.Duration) time.Duration {
	j := s.cfg.JitterFrac * float64(interval)
	return interval + time.Duration((s.rng.Float64()*2-1)*j)
}
