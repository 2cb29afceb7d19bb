package app

import (
	"context"
	"time"

	"feedbot/internal/feed"
	logx "feedbot/pkg/logx"
)

// runPipeline drives the poll loop: every tick, ask the scheduler which
// feeds are due and fetch each one on its own supervised goroutine. Items
// flow new-first through dedup, then fan out to matching destinations.
func (a *App) runPipeline(ctx context.Context) {
	ticker := time.NewTicker(a.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, src := range a.sched.Tick(now) {
				src := src
				a.sup.Go0("pipeline.fetch", func(c context.Context) {
					a.pollFeed(c, src)
				})
			}
		}
	}
}

// pollFeed runs one fetch cycle for a single feed. Items are processed
// oldest first so destination queues preserve publication order.
func (a *App) pollFeed(ctx context.Context, src feed.Source) {
	items, err := a.fetcher.Fetch(ctx, src)
	if err != nil {
		a.sched.ReportFailure(src.ID, err, time.Now())
		a.log.Warn("fetch failed",
			logx.String("feed", src.ID),
			logx.Bool("permanent", feed.IsPermanent(err)),
			logx.Err(err))
		return
	}

	fresh := 0
	for _, it := range items {
		if !a.ded.IsNew(it.FeedID, it.Identity) {
			continue
		}
		fresh++
		a.routeItem(ctx, it)
	}
	a.sched.ReportSuccess(src.ID, time.Now())

	if fresh > 0 {
		a.log.Info("feed polled",
			logx.String("feed", src.ID),
			logx.Int("items", len(items)),
			logx.Int("new", fresh))
	} else {
		a.log.Debug("feed polled",
			logx.String("feed", src.ID),
			logx.Int("items", len(items)))
	}
}

// routeItem resolves subscriptions and enqueues the item per destination.
// Queue-full leaves a pending ledger record behind; the maintenance sweep's
// redrive re-enqueues it later, which matters once any sibling destination
// succeeds and the dedup mark stops the poll path from re-offering the item.
func (a *App) routeItem(ctx context.Context, it feed.Item) {
	dests := a.index().Resolve(it)
	if len(dests) == 0 {
		return
	}
	for _, destID := range dests {
		if err := a.disp.Enqueue(ctx, destID, it); err != nil {
			a.log.Warn("enqueue failed",
				logx.String("dest", destID),
				logx.String("feed", it.FeedID),
				logx.Err(err))
			continue
		}
		a.digest.Record(destID, it)
	}
}
