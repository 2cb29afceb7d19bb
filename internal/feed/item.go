package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Format hints for a feed source. Empty means autodetect.
const (
	FormatAuto = ""
	FormatRSS  = "rss"
	FormatAtom = "atom"
	FormatJSON = "json"
)

// Source describes one polled feed. The authoritative copy lives in
// configuration; the scheduler tracks timing state against the ID.
type Source struct {
	ID       string
	URL      string
	Format   string // FormatAuto / FormatRSS / FormatAtom / FormatJSON
	Interval time.Duration
	Category string
}

// Item is the canonical, format-independent representation of a feed entry.
type Item struct {
	Identity    string // stable hash, see ComputeIdentity
	FeedID      string
	Title       string
	Link        string
	Summary     string
	Categories  []string
	PublishedAt time.Time
	ContentHash string
}

// ComputeIdentity derives the canonical identity for an entry.
//
// nativeID should be the entry's GUID, falling back to its link and then its
// title when absent. Two fetches of the same underlying article yield the
// same identity even when its text shifted, because only the feed ID and
// native ID participate.
func ComputeIdentity(feedID, nativeID string) string {
	h := sha256.Sum256([]byte(feedID + "\x00" + nativeID))
	return hex.EncodeToString(h[:])
}

// ComputeContentHash hashes title and link only, so a description edit does
// not make an already-seen entry look new.
func ComputeContentHash(title, link string) string {
	h := sha256.Sum256([]byte(title + "|" + link))
	return hex.EncodeToString(h[:])
}
