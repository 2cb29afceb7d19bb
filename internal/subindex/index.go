// Package subindex resolves canonical items to the destinations whose
// subscriptions match them.
//
// Resolution is a pure function of the current subscription snapshot and the
// item; it has no memory of past resolutions. Snapshots are replaced
// atomically on configuration refresh, so resolution never observes a
// half-applied subscription set.
package subindex

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"feedbot/internal/feed"
)

// Subscription ties a destination to a category/keyword predicate set.
type Subscription struct {
	DestinationID string
	Categories    []string
	Keywords      []string
}

// MatchPolicy selects how keywords are matched against item text.
type MatchPolicy string

const (
	// MatchSubstring is a case-insensitive substring match over
	// title + summary.
	MatchSubstring MatchPolicy = "substring"
	// MatchToken matches keywords against whitespace-delimited tokens.
	MatchToken MatchPolicy = "token"
)

type matcherFunc func(text, keyword string) bool

type snapshot struct {
	subs []Subscription
}

// Index is the read-mostly category/keyword index.
type Index struct {
	match matcherFunc
	snap  atomic.Pointer[snapshot]
}

func New(policy MatchPolicy) (*Index, error) {
	var m matcherFunc
	switch policy {
	case "", MatchSubstring:
		m = strings.Contains
	case MatchToken:
		m = tokenMatch
	default:
		return nil, fmt.Errorf("unknown match policy %q", policy)
	}
	x := &Index{match: m}
	x.snap.Store(&snapshot{})
	return x, nil
}

// Swap atomically replaces the subscription set. Predicates are lowercased
// once here so Resolve stays allocation-light.
func (x *Index) Swap(subs []Subscription) {
	cp := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		if s.DestinationID == "" {
			continue
		}
		n := Subscription{DestinationID: s.DestinationID}
		for _, c := range s.Categories {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				n.Categories = append(n.Categories, c)
			}
		}
		for _, k := range s.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				n.Keywords = append(n.Keywords, k)
			}
		}
		cp = append(cp, n)
	}
	x.snap.Store(&snapshot{subs: cp})
}

// Resolve returns the destination IDs interested in item, sorted and
// deduplicated: multiple matching subscriptions for one destination collapse
// to a single delivery.
func (x *Index) Resolve(item feed.Item) []string {
	snap := x.snap.Load()
	if snap == nil || len(snap.subs) == 0 {
		return nil
	}

	cats := make(map[string]bool, len(item.Categories))
	for _, c := range item.Categories {
		cats[strings.ToLower(strings.TrimSpace(c))] = true
	}
	text := strings.ToLower(item.Title + " " + item.Summary)

	seen := map[string]bool{}
	out := make([]string, 0, 4)
	for _, sub := range snap.subs {
		if seen[sub.DestinationID] {
			continue
		}
		if x.matches(sub, cats, text) {
			seen[sub.DestinationID] = true
			out = append(out, sub.DestinationID)
		}
	}
	sort.Strings(out)
	return out
}

func (x *Index) matches(sub Subscription, itemCats map[string]bool, text string) bool {
	for _, c := range sub.Categories {
		if itemCats[c] {
			return true
		}
	}
	for _, k := range sub.Keywords {
		if x.match(text, k) {
			return true
		}
	}
	return false
}

func tokenMatch(text, keyword string) bool {
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-')
	}) {
		if tok == keyword {
			return true
		}
	}
	return false
}
