package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedbot/internal/config"
	"feedbot/internal/dedup"
	"feedbot/internal/dispatch"
	"feedbot/internal/eventbus"
	"feedbot/internal/feed"
	"feedbot/internal/ledger"
	"feedbot/internal/runtime/supervisor"
	"feedbot/internal/scheduler"
	"feedbot/internal/storage"
	"feedbot/internal/subindex"
	"feedbot/internal/transport"
	telegram "feedbot/internal/transport/telegram"
	logx "feedbot/pkg/logx"
)

// App wires the polling pipeline: scheduler -> fetcher -> dedup ->
// subscription index -> dispatcher -> ledger, plus config hot-reload and
// the maintenance cron.
type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	sched   *scheduler.Scheduler
	fetcher *feed.Fetcher
	ded     *dedup.Store
	led     *ledger.Ledger
	disp    *dispatch.Dispatcher
	digest  *digestBook
	cron    *cron.Cron

	tickEvery time.Duration

	// idx and dests change together on config reload.
	mu    sync.RWMutex
	idx   *subindex.Index
	dests map[string]transport.Destination
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ded := dedup.New(dedup.Config{
		Retention:  config.DurationOrDefault(cfg.Dedup.Retention, 0),
		MaxPerFeed: cfg.Dedup.MaxPerFeed,
	}, store, log.With(logx.String("comp", "dedup")))

	led := ledger.New(store, log.With(logx.String("comp", "ledger")))

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:    cfg.Scheduler.MaxConcurrent,
		JitterFrac:       cfg.Scheduler.JitterFrac,
		BackoffMaxExp:    cfg.Scheduler.BackoffMaxExp,
		DisableAfter:     cfg.Scheduler.DisableAfter,
		PermanentStrikes: cfg.Scheduler.PermanentStrikes,
	}, log.With(logx.String("comp", "scheduler")), bus)

	fetcher := feed.NewFetcher(feed.FetcherConfig{
		Timeout:     config.DurationOrDefault(cfg.Fetcher.Timeout, 0),
		UserAgent:   cfg.Fetcher.UserAgent,
		MaxBodySize: cfg.Fetcher.MaxBodySize,
	}, log.With(logx.String("comp", "fetcher")))

	disp := dispatch.New(dispatch.Config{
		QueueSize:         cfg.Dispatch.QueueSize,
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		RetryBase:         config.DurationOrDefault(cfg.Dispatch.RetryBase, 0),
		RetryMaxDelay:     config.DurationOrDefault(cfg.Dispatch.RetryMaxDelay, 0),
		RetryJitter:       cfg.Dispatch.RetryJitter,
		SendTimeout:       config.DurationOrDefault(cfg.Dispatch.SendTimeout, 0),
		DefaultRatePerSec: cfg.Dispatch.DefaultRatePerSec,
		DefaultBurst:      cfg.Dispatch.DefaultBurst,
	}, ad, led, ded, bus, log.With(logx.String("comp", "dispatch")))

	idx, err := subindex.New(subindex.MatchPolicy(cfg.MatchPolicy))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	idx.Swap(mapSubscriptions(cfg.Subscriptions))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		sched:     sched,
		fetcher:   fetcher,
		ded:       ded,
		led:       led,
		disp:      disp,
		idx:       idx,
		dests:     mapDestinations(cfg.Destinations),
		tickEvery: config.DurationOrDefault(cfg.Scheduler.TickEvery, time.Second),
	}
	a.digest = newDigestBook(cfg.Digest)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	runCtx := a.sup.Context()

	if err := a.ded.Load(runCtx); err != nil {
		return fmt.Errorf("load dedup state: %w", err)
	}
	if err := a.led.Load(runCtx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	cfg := a.cfgm.Get()
	a.disp.SetDestinations(destList(a.destinations()))
	a.disp.Start(runCtx)
	a.sched.SetFeeds(mapSources(cfg.Feeds), time.Now())

	// Re-enqueue attempts that were pending or inflight when the previous
	// process stopped. Terminal records are skipped by the dispatcher.
	for _, att := range a.led.Resume() {
		if err := a.disp.Enqueue(runCtx, att.DestinationID, att.Item); err != nil {
			a.log.Warn("resume enqueue failed",
				logx.String("dest", att.DestinationID),
				logx.String("item", att.ItemID),
				logx.Err(err))
		}
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return checkRuntime(c)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("pipeline", func(c context.Context) { a.runPipeline(c) })

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type))
			}
		}
	})

	if err := a.startCron(runCtx, cfg); err != nil {
		return err
	}

	a.log.Info("app started",
		logx.Int("feeds", len(cfg.Feeds)),
		logx.Int("destinations", len(cfg.Destinations)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("dispatcher", 5*time.Second, func(c context.Context) error { return a.disp.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 2*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// redriveAfter is how long a pending delivery attempt may sit without
// progress before the maintenance sweep re-enqueues it.
const redriveAfter = 10 * time.Minute

// startCron schedules the maintenance sweep (dedup eviction, ledger
// archiving, stalled-attempt redrive) and the optional daily digest.
func (a *App) startCron(ctx context.Context, cfg *config.Config) error {
	c := cron.New()

	sweepSpec := cfg.Maintenance.SweepSpec
	if sweepSpec == "" {
		sweepSpec = "@every 1h"
	}
	archiveAfter := config.DurationOrDefault(cfg.Maintenance.ArchiveAfter, 7*24*time.Hour)

	if _, err := c.AddFunc(sweepSpec, func() {
		now := time.Now()
		evicted := a.ded.Evict(ctx, now)
		archived := a.led.Archive(ctx, now.Add(-archiveAfter))
		// Pending attempts that stalled (enqueue hit a full queue) get a
		// second chance here; the poll path cannot re-offer them once a
		// sibling destination's success marked the item in dedup.
		redriven := a.disp.Redrive(ctx, now.Add(-redriveAfter))
		a.log.Debug("maintenance sweep",
			logx.Int("dedup_evicted", evicted),
			logx.Int("ledger_archived", archived),
			logx.Int("redriven", redriven))
	}); err != nil {
		return fmt.Errorf("maintenance.sweep_spec: %w", err)
	}

	if d := cfg.Digest; d != nil && d.Enabled {
		at := d.At
		if at == "" {
			at = "09:00"
		}
		hh, mm, ok := strings.Cut(at, ":")
		if !ok {
			return fmt.Errorf("digest.at: want HH:MM, got %q", at)
		}
		h, _ := strconv.Atoi(hh)
		m, _ := strconv.Atoi(mm)
		spec := fmt.Sprintf("%d %d * * *", m, h)
		if _, err := c.AddFunc(spec, func() { a.sendDigest(ctx) }); err != nil {
			return fmt.Errorf("digest.at: %w", err)
		}
	}

	c.Start()
	a.cron = c
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(ctx, newCfg)
		}
	}
}

// applyConfig applies the hot-reloadable sections. Storage, fetcher and
// dispatcher sizing changes require a restart; the feed set, destinations,
// subscriptions and logging apply live, between pipeline ticks.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	idx, err := subindex.New(subindex.MatchPolicy(cfg.MatchPolicy))
	if err != nil {
		a.log.Warn("invalid match policy; keeping previous", logx.Err(err))
		idx = nil
	} else {
		idx.Swap(mapSubscriptions(cfg.Subscriptions))
	}

	dests := mapDestinations(cfg.Destinations)

	a.mu.Lock()
	if idx != nil {
		a.idx = idx
	} else {
		a.idx.Swap(mapSubscriptions(cfg.Subscriptions))
	}
	a.dests = dests
	a.mu.Unlock()

	a.disp.SetDestinations(destList(dests))
	a.sched.SetFeeds(mapSources(cfg.Feeds), time.Now())

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Time: time.Now()})
	a.log.Info("config reloaded",
		logx.Int("feeds", len(cfg.Feeds)),
		logx.Int("destinations", len(cfg.Destinations)),
		logx.Int("subscriptions", len(cfg.Subscriptions)))
}

// checkRuntime rejects a reload that passes structural validation but could
// not be applied: a match policy the index cannot build, or a sweep spec
// cron cannot schedule. Watch runs it before committing, so a bad reload
// keeps the previous config active.
func checkRuntime(cfg *config.Config) error {
	if _, err := subindex.New(subindex.MatchPolicy(cfg.MatchPolicy)); err != nil {
		return err
	}
	if spec := cfg.Maintenance.SweepSpec; spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("maintenance.sweep_spec: %w", err)
		}
	}
	return nil
}

func (a *App) index() *subindex.Index {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idx
}

func (a *App) destinations() map[string]transport.Destination {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dests
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	s := cfg.Storage
	if s == nil || s.Driver == "" || s.Driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      s.Driver,
		Path:        s.Path,
		BusyTimeout: config.DurationOrDefault(s.BusyTimeout, 0),
	}, true
}

func mapSources(feeds []config.FeedConfig) []feed.Source {
	out := make([]feed.Source, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, feed.Source{
			ID:       f.ID,
			URL:      f.URL,
			Format:   f.Format,
			Interval: config.DurationOrDefault(f.Interval, 15*time.Minute),
			Category: f.Category,
		})
	}
	return out
}

func mapDestinations(dests []config.DestinationConfig) map[string]transport.Destination {
	out := make(map[string]transport.Destination, len(dests))
	for _, d := range dests {
		out[d.ID] = transport.Destination{
			ID:         d.ID,
			ChatID:     d.ChatID,
			ThreadID:   d.ThreadID,
			RatePerSec: d.RatePerSec,
			Burst:      d.Burst,
		}
	}
	return out
}

func destList(m map[string]transport.Destination) []transport.Destination {
	out := make([]transport.Destination, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	return out
}

func mapSubscriptions(subs []config.SubscriptionConfig) []subindex.Subscription {
	out := make([]subindex.Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, subindex.Subscription{
			DestinationID: s.Destination,
			Categories:    s.Categories,
			Keywords:      s.Keywords,
		})
	}
	return out
}
