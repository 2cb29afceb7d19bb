package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feedbot/internal/dedup"
	logx "feedbot/pkg/logx"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
  <title>Example</title>
  <link>https://example.com</link>
  <item>
    <title>Newer</title>
    <link>https://example.com/b</link>
    <guid>b</guid>
    <pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate>
    <category>go</category>
  </item>
  <item>
    <title>Older</title>
    <link>https://example.com/a</link>
    <guid>a</guid>
    <pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
  </item>
  <item>
    <description>no identity at all</description>
  </item>
</channel></rss>`

func serveBody(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchNormalizesAndOrders(t *testing.T) {
	t.Parallel()
	srv := serveBody(t, http.StatusOK, sampleRSS)

	f := NewFetcher(FetcherConfig{Timeout: 5 * time.Second}, logx.Nop())
	src := Source{ID: "f1", URL: srv.URL, Category: "news"}

	items, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (identity-less entry skipped)", len(items))
	}
	if items[0].Title != "Older" || items[1].Title != "Newer" {
		t.Fatalf("order = [%s, %s], want oldest first", items[0].Title, items[1].Title)
	}
	if items[1].Categories[0] != "go" || items[1].Categories[1] != "news" {
		t.Fatalf("categories = %v, want native + feed category", items[1].Categories)
	}
	if items[0].Identity != ComputeIdentity("f1", "a") {
		t.Fatal("identity must derive from feed id + guid")
	}
}

func TestFetchIdentityStableAcrossRefetch(t *testing.T) {
	t.Parallel()
	srv := serveBody(t, http.StatusOK, sampleRSS)

	f := NewFetcher(FetcherConfig{Timeout: 5 * time.Second}, logx.Nop())
	src := Source{ID: "f1", URL: srv.URL}

	first, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	second, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	for i := range first {
		if first[i].Identity != second[i].Identity {
			t.Fatalf("identity drifted between fetches: %s vs %s", first[i].Identity, second[i].Identity)
		}
	}
}

func TestRefetchedPayloadYieldsNoNewItems(t *testing.T) {
	t.Parallel()
	srv := serveBody(t, http.StatusOK, sampleRSS)

	f := NewFetcher(FetcherConfig{Timeout: 5 * time.Second}, logx.Nop())
	src := Source{ID: "f1", URL: srv.URL}
	ded := dedup.New(dedup.Config{}, nil, logx.Nop())
	ctx := context.Background()

	first, err := f.Fetch(ctx, src)
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	fresh := 0
	for _, it := range first {
		if !ded.IsNew(src.ID, it.Identity) {
			continue
		}
		fresh++
		if err := ded.MarkDelivered(ctx, src.ID, it.Identity, time.Now()); err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}
	}
	if fresh != len(first) {
		t.Fatalf("first pass resolved %d of %d items", fresh, len(first))
	}

	second, err := f.Fetch(ctx, src)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	for _, it := range second {
		if ded.IsNew(src.ID, it.Identity) {
			t.Fatalf("replayed item %q resolved as new", it.Title)
		}
	}
}

func TestFetchErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{name: "not found", status: http.StatusNotFound, permanent: true},
		{name: "gone", status: http.StatusGone, permanent: true},
		{name: "server error", status: http.StatusInternalServerError, permanent: false},
		{name: "rate limited", status: http.StatusTooManyRequests, permanent: false},
		{name: "malformed root", status: http.StatusOK, body: "this is not a feed", permanent: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := serveBody(t, tt.status, tt.body)
			f := NewFetcher(FetcherConfig{Timeout: 5 * time.Second}, logx.Nop())

			_, err := f.Fetch(context.Background(), Source{ID: "f1", URL: srv.URL})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsPermanent(err) != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v (err: %v)", IsPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestFetchFormatHintMismatch(t *testing.T) {
	t.Parallel()
	srv := serveBody(t, http.StatusOK, sampleRSS)
	f := NewFetcher(FetcherConfig{Timeout: 5 * time.Second}, logx.Nop())

	_, err := f.Fetch(context.Background(), Source{ID: "f1", URL: srv.URL, Format: FormatJSON})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("format mismatch must be permanent, got %v", err)
	}
}

func TestStripHTML(t *testing.T) {
	t.Parallel()
	got := StripHTML("<p>Hello &amp; <b>world</b></p>\n\n  twice")
	want := "Hello & world twice"
	if got != want {
		t.Fatalf("StripHTML = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("Truncate(short) = %q", got)
	}
	got := Truncate("abcdefghij", 8)
	if got != "abcde..." {
		t.Fatalf("Truncate = %q, want %q", got, "abcde...")
	}
}
