package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"

	logx "feedbot/pkg/logx"
)

// FetcherConfig controls network retrieval.
type FetcherConfig struct {
	Timeout     time.Duration // per-fetch; converts a hang into a transient failure
	UserAgent   string
	MaxBodySize int64 // bytes; 0 means default (8 MiB)
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "feedbot/1.0 (+https://github.com/feedbot)"
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 8 << 20
	}
	return c
}

// Fetcher retrieves one feed source and parses it into canonical items.
// It is safe for concurrent use across feeds.
type Fetcher struct {
	cfg    FetcherConfig
	client *http.Client
	parser *gofeed.Parser
	log    logx.Logger
}

func NewFetcher(cfg FetcherConfig, log logx.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		parser: gofeed.NewParser(),
		log:    log,
	}
}

// Fetch retrieves and parses src. Items come back oldest-first so delivery
// order matches publication order. Malformed individual entries are skipped
// and counted, not fatal to the fetch.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	body, err := f.retrieve(ctx, src)
	if err != nil {
		return nil, err
	}

	if err := f.checkFormat(src, body); err != nil {
		return nil, err
	}

	parsed, err := f.parser.Parse(bytes.NewReader(body))
	if err != nil {
		// A feed that no longer parses at the root will not fix itself.
		return nil, permanentErr(src.ID, fmt.Errorf("parse feed root: %w", err))
	}

	items := make([]Item, 0, len(parsed.Items))
	skipped := 0
	for _, entry := range parsed.Items {
		it, ok := f.normalize(src, entry)
		if !ok {
			skipped++
			continue
		}
		items = append(items, it)
	}
	if skipped > 0 {
		f.log.Warn("fetch skipped malformed entries",
			logx.String("feed", src.ID), logx.Int("skipped", skipped), logx.Int("kept", len(items)))
	}

	orderOldestFirst(items)
	return items, nil
}

func (f *Fetcher) retrieve(ctx context.Context, src Source) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, permanentErr(src.ID, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/xml, application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		// Network-level failures (timeouts, refused connections, DNS) are
		// all retryable.
		return nil, transientErr(src.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, permanentErr(src.ID, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, transientErr(src.ID, fmt.Errorf("http %d", resp.StatusCode))
	default:
		return nil, permanentErr(src.ID, fmt.Errorf("http %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodySize+1))
	if err != nil {
		return nil, transientErr(src.ID, err)
	}
	if int64(len(body)) > f.cfg.MaxBodySize {
		return nil, permanentErr(src.ID, errors.New("feed body exceeds size limit"))
	}
	return body, nil
}

// checkFormat enforces the per-source format hint. The hint pins the parser
// variant once per source; a mismatch means the source is misconfigured or
// the publisher changed formats, either way not retryable.
func (f *Fetcher) checkFormat(src Source, body []byte) error {
	if src.Format == FormatAuto {
		return nil
	}
	detected := gofeed.DetectFeedType(bytes.NewReader(body))
	want, ok := map[string]gofeed.FeedType{
		FormatRSS:  gofeed.FeedTypeRSS,
		FormatAtom: gofeed.FeedTypeAtom,
		FormatJSON: gofeed.FeedTypeJSON,
	}[src.Format]
	if !ok {
		return permanentErr(src.ID, fmt.Errorf("unsupported format hint %q", src.Format))
	}
	if detected != want {
		return permanentErr(src.ID, fmt.Errorf("format hint %q but feed detected as %v", src.Format, detected))
	}
	return nil
}

// normalize converts one parsed entry to the canonical shape.
// Native identity falls back GUID -> link -> title; an entry with none of
// them has no usable identity and is dropped.
func (f *Fetcher) normalize(src Source, entry *gofeed.Item) (Item, bool) {
	if entry == nil {
		return Item{}, false
	}
	nativeID := coalesce(entry.GUID, entry.Link, entry.Title)
	if nativeID == "" {
		return Item{}, false
	}

	it := Item{
		Identity:    ComputeIdentity(src.ID, nativeID),
		FeedID:      src.ID,
		Title:       StripHTML(entry.Title),
		Link:        entry.Link,
		Summary:     StripHTML(coalesce(entry.Description, entry.Content)),
		ContentHash: ComputeContentHash(entry.Title, entry.Link),
	}
	if entry.PublishedParsed != nil {
		it.PublishedAt = *entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		it.PublishedAt = *entry.UpdatedParsed
	}

	it.Categories = append(it.Categories, entry.Categories...)
	if src.Category != "" {
		it.Categories = append(it.Categories, src.Category)
	}
	return it, true
}

// orderOldestFirst puts items into publication order. Feeds list newest
// first, so entries without timestamps are reversed instead.
func orderOldestFirst(items []Item) {
	timed := true
	for _, it := range items {
		if it.PublishedAt.IsZero() {
			timed = false
			break
		}
	}
	if timed {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].PublishedAt.Before(items[j].PublishedAt)
		})
		return
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
