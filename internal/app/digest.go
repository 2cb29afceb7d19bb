package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"feedbot/internal/config"
	"feedbot/internal/feed"
	"feedbot/internal/transport"
	logx "feedbot/pkg/logx"
)

const defaultDigestPerCategory = 10

// digestBook accumulates items routed to each destination since the last
// digest. Each (destination, category) bucket is a ring capped at
// MaxPerCategory: when full, the oldest entry is dropped.
type digestBook struct {
	mu      sync.Mutex
	enabled bool
	perCat  int
	byDest  map[string]map[string][]feed.Item
}

func newDigestBook(cfg *config.DigestConfig) *digestBook {
	b := &digestBook{perCat: defaultDigestPerCategory, byDest: map[string]map[string][]feed.Item{}}
	if cfg != nil && cfg.Enabled {
		b.enabled = true
		if cfg.MaxPerCategory > 0 {
			b.perCat = cfg.MaxPerCategory
		}
	}
	return b
}

func (b *digestBook) Record(destID string, it feed.Item) {
	if b == nil || !b.enabled {
		return
	}
	cat := "general"
	if len(it.Categories) > 0 {
		cat = it.Categories[len(it.Categories)-1]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cats := b.byDest[destID]
	if cats == nil {
		cats = map[string][]feed.Item{}
		b.byDest[destID] = cats
	}
	ring := append(cats[cat], it)
	if len(ring) > b.perCat {
		ring = ring[len(ring)-b.perCat:]
	}
	cats[cat] = ring
}

// drain returns and clears all accumulated buckets.
func (b *digestBook) drain() map[string]map[string][]feed.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.byDest
	b.byDest = map[string]map[string][]feed.Item{}
	return out
}

// sendDigest flushes the digest book: one summary message per destination.
// Digests bypass the dispatcher queue; they are rare enough (once a day)
// that the per-destination rate limit is not a concern.
func (a *App) sendDigest(ctx context.Context) {
	byDest := a.digest.drain()
	if len(byDest) == 0 {
		return
	}
	dests := a.destinations()

	for destID, cats := range byDest {
		dest, ok := dests[destID]
		if !ok {
			continue
		}
		msg := renderDigest(cats)
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := a.adapter.Send(sendCtx, dest, msg)
		cancel()
		if err != nil {
			a.log.Warn("digest send failed", logx.String("dest", destID), logx.Err(err))
			continue
		}
		a.log.Info("digest sent", logx.String("dest", destID), logx.Int("categories", len(cats)))
	}
}

func renderDigest(cats map[string][]feed.Item) (msg transport.Message) {
	names := make([]string, 0, len(cats))
	total := 0
	for name, items := range cats {
		names = append(names, name)
		total += len(items)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s:\n", name)
		for _, it := range cats[name] {
			fmt.Fprintf(&sb, "  %s\n  %s\n", feed.Truncate(it.Title, 120), it.Link)
		}
	}

	msg.Title = fmt.Sprintf("Daily digest: %d new item(s)", total)
	msg.Summary = strings.TrimRight(sb.String(), "\n")
	msg.PublishedAt = time.Now()
	return msg
}
