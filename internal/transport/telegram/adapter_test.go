package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"feedbot/internal/transport"
)

func TestClassifyFloodCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	a := &Adapter{}
	err := a.classify("d1", tele.FloodError{
		RetryAfter: 17,
	})

	if transport.IsPermanent(err) {
		t.Fatal("flood error must be transient")
	}
	got, ok := transport.RetryAfter(err)
	if !ok || got != 17*time.Second {
		t.Fatalf("RetryAfter = %v (ok=%v), want 17s", got, ok)
	}
}

func TestClassifyChatRejectionsArePermanent(t *testing.T) {
	t.Parallel()

	a := &Adapter{}
	for _, cause := range []error{
		tele.ErrBlockedByUser,
		tele.ErrChatNotFound,
		tele.ErrKickedFromGroup,
	} {
		if err := a.classify("d1", cause); !transport.IsPermanent(err) {
			t.Errorf("classify(%v) should be permanent", cause)
		}
	}

	if err := a.classify("d1", errors.New("connection reset")); transport.IsPermanent(err) {
		t.Error("unknown errors should default to transient")
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	msg := transport.Message{
		Title:       "Go 1.25 <released>",
		Link:        "https://go.dev/blog",
		Summary:     "a & b",
		Category:    "Tech News",
		PublishedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	out := render(msg)

	if !strings.Contains(out, `<a href="https://go.dev/blog">Go 1.25 &lt;released&gt;</a>`) {
		t.Fatalf("title not linked/escaped: %q", out)
	}
	if !strings.Contains(out, "a &amp; b") {
		t.Fatalf("summary not escaped: %q", out)
	}
	if !strings.Contains(out, "#tech_news") {
		t.Fatalf("category tag missing: %q", out)
	}
	if !strings.Contains(out, "Mar 1, 2026 12:00 UTC") {
		t.Fatalf("date line missing: %q", out)
	}
}

func TestRenderTruncatesAtLimit(t *testing.T) {
	t.Parallel()

	out := render(transport.Message{Title: "t", Summary: strings.Repeat("x", textLimit*2)})
	if len(out) > textLimit {
		t.Fatalf("len = %d, want <= %d", len(out), textLimit)
	}
}

func TestRenderTruncationKeepsMarkupValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  transport.Message
	}{
		{
			name: "cut inside multibyte summary",
			msg: transport.Message{
				Title:   "t",
				Link:    "https://example.com",
				Summary: strings.Repeat("日本語テキスト", textLimit),
			},
		},
		{
			name: "cut inside entity run",
			msg: transport.Message{
				Title:   "t",
				Link:    "https://example.com",
				Summary: strings.Repeat("&", textLimit),
			},
		},
		{
			name: "cut inside linked title",
			msg: transport.Message{
				Title: strings.Repeat("w", textLimit*2),
				Link:  "https://example.com",
			},
		},
		{
			name: "cut inside href",
			msg: transport.Message{
				Title: "t",
				Link:  "https://example.com/" + strings.Repeat("p", textLimit*2),
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := render(tt.msg)
			if len(out) > textLimit {
				t.Fatalf("len = %d, want <= %d", len(out), textLimit)
			}
			if !utf8.ValidString(out) {
				t.Fatal("truncation split a UTF-8 sequence")
			}
			if i := strings.LastIndexByte(out, '<'); i >= 0 && !strings.ContainsRune(out[i:], '>') {
				t.Fatalf("dangling tag fragment: %q", out[i:])
			}
			if i := strings.LastIndexByte(out, '&'); i >= 0 && !strings.ContainsRune(out[i:], ';') {
				t.Fatalf("dangling entity fragment: %q", out[i:])
			}
			if strings.Count(out, "<a ") != strings.Count(out, "</a>") {
				t.Fatalf("unbalanced <a>: %q", out)
			}
			if strings.Count(out, "<b>") != strings.Count(out, "</b>") {
				t.Fatalf("unbalanced <b>: %q", out)
			}
		})
	}
}
