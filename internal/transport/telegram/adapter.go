// Package telegram delivers rendered items to Telegram chats via telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"feedbot/internal/transport"
	logx "feedbot/pkg/logx"
)

const textLimit = 4096

type Config struct {
	Token string
}

// Adapter sends messages only; it never polls for updates (command handling
// lives outside the pipeline).
type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: b, log: log}, nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx
	return nil
}

func (a *Adapter) Send(ctx context.Context, dest transport.Destination, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return transport.Transient(dest.ID, err)
	}

	chat := &tele.Chat{ID: dest.ChatID}
	opt := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: false,
		ThreadID:              dest.ThreadID,
	}

	if _, err := a.bot.Send(chat, render(msg), opt); err != nil {
		return a.classify(dest.ID, err)
	}
	return nil
}

// classify maps telebot errors onto the tri-state contract. Flood waits carry
// the platform's retry-after hint; chat-level rejections are permanent because
// retrying cannot fix a blocked bot or a deleted chat.
func (a *Adapter) classify(destID string, err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.SendError{
			Dest:       destID,
			Class:      transport.ClassTransient,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel):
		return transport.Permanent(destID, err)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
			return transport.Permanent(destID, err)
		}
	}
	return transport.Transient(destID, err)
}

// render builds the HTML message body: linked title, trimmed summary,
// category tag and date line.
func render(msg transport.Message) string {
	var b strings.Builder

	title := msg.Title
	if title == "" {
		title = "Untitled"
	}
	if msg.Link != "" {
		fmt.Fprintf(&b, `<b><a href="%s">%s</a></b>`, html.EscapeString(msg.Link), html.EscapeString(title))
	} else {
		fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(title))
	}

	if msg.Summary != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(msg.Summary))
	}

	var meta []string
	if msg.Category != "" {
		meta = append(meta, "#"+sanitizeTag(msg.Category))
	}
	if !msg.PublishedAt.IsZero() {
		meta = append(meta, msg.PublishedAt.UTC().Format("Jan 2, 2006 15:04 UTC"))
	}
	if len(meta) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(meta, " · "))
	}

	return truncateHTML(b.String(), textLimit)
}

// truncateHTML cuts out to at most limit bytes without splitting a UTF-8
// sequence, an entity, or a tag. The body only ever opens <b> and <a>, so
// closing whatever the cut left open keeps the markup parseable.
func truncateHTML(out string, limit int) string {
	if len(out) <= limit {
		return out
	}
	const closers = "</a></b>"
	cut := limit - len(closers)
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	out = out[:cut]
	if i := strings.LastIndexByte(out, '<'); i >= 0 && !strings.ContainsRune(out[i:], '>') {
		out = out[:i]
	}
	if i := strings.LastIndexByte(out, '&'); i >= 0 && !strings.ContainsRune(out[i:], ';') {
		out = out[:i]
	}
	if strings.Contains(out, "<a ") && !strings.Contains(out, "</a>") {
		out += "</a>"
	}
	if strings.Contains(out, "<b>") && !strings.Contains(out, "</b>") {
		out += "</b>"
	}
	return out
}

func sanitizeTag(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
		} else if r == ' ' || r == '-' {
			b.WriteRune('_')
		}
	}
	return b.String()
}
