package app

import (
	"context"
	"fmt"
	"time"

	"feedbot/internal/ledger"
	"feedbot/internal/scheduler"
	logx "feedbot/pkg/logx"
)

// Operational surface: feed health and dead-letter recovery. These are
// called from outside the pipeline (a CLI, a chat command handler, tests).

func (a *App) Feeds() []scheduler.FeedInfo { return a.sched.Snapshot() }

func (a *App) DisabledFeeds() []scheduler.DisabledFeed { return a.sched.DisabledFeeds() }

// EnableFeed clears a feed's disabled flag and failure counters so polling
// resumes on the next due tick.
func (a *App) EnableFeed(feedID string) error {
	if !a.sched.Enable(feedID, time.Now()) {
		return fmt.Errorf("feed %q is not disabled (or unknown)", feedID)
	}
	a.log.Info("feed re-enabled", logx.String("feed", feedID))
	return nil
}

func (a *App) DeadLettered() []ledger.Attempt { return a.led.DeadLettered() }

// ForceRetry moves a dead-lettered attempt back to pending and re-enqueues
// it with a fresh attempt budget.
func (a *App) ForceRetry(ctx context.Context, destID, itemID string) error {
	att, err := a.led.ForceRetry(ctx, destID, itemID)
	if err != nil {
		return err
	}
	if err := a.disp.Enqueue(ctx, destID, att.Item); err != nil {
		return err
	}
	a.log.Info("dead-lettered attempt requeued",
		logx.String("dest", destID),
		logx.String("item", itemID))
	return nil
}
