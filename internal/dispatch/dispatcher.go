package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"feedbot/internal/dedup"
	"feedbot/internal/eventbus"
	"feedbot/internal/feed"
	"feedbot/internal/ledger"
	rtsup "feedbot/internal/runtime/supervisor"
	"feedbot/internal/transport"
	logx "feedbot/pkg/logx"
)

// Dispatcher owns one delivery worker per destination.
type Dispatcher struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	adapter transport.Adapter
	ledger  *ledger.Ledger
	dedup   *dedup.Store

	sup     *rtsup.Supervisor
	workers map[string]*destWorker
	started bool
}

type destWorker struct {
	id      string
	dest    atomic.Pointer[transport.Destination] // hot-swapped on config reload
	limiter *rate.Limiter
	queue   chan feed.Item
	stopCh  chan struct{}
}

// destination returns a consistent snapshot; one delivery (including its
// retries) always sees a single destination value.
func (w *destWorker) destination() transport.Destination { return *w.dest.Load() }

func New(cfg Config, adapter transport.Adapter, led *ledger.Ledger, ded *dedup.Store, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		adapter: adapter,
		ledger:  led,
		dedup:   ded,
		workers: map[string]*destWorker{},
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	for _, w := range d.workers {
		d.spawnLocked(w)
	}
}

// Stop drains nothing: queued items stay in the ledger as pending and are
// re-enqueued by Resume on the next start.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	sup := d.sup
	d.started = false
	d.sup = nil
	d.mu.Unlock()

	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// SetDestinations applies a full-set configuration refresh. New destinations
// get workers; removed ones stop after their in-flight item completes.
func (d *Dispatcher) SetDestinations(dests []transport.Destination) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := map[string]bool{}
	for _, dest := range dests {
		if dest.ID == "" {
			continue
		}
		seen[dest.ID] = true

		if w, ok := d.workers[dest.ID]; ok {
			// Rate budget changes apply in place; queue position survives.
			w.dest.Store(&dest)
			w.limiter.SetLimit(rate.Limit(d.rateFor(dest)))
			w.limiter.SetBurst(d.burstFor(dest))
			continue
		}
		w := &destWorker{
			id:      dest.ID,
			limiter: rate.NewLimiter(rate.Limit(d.rateFor(dest)), d.burstFor(dest)),
			queue:   make(chan feed.Item, d.cfg.QueueSize),
			stopCh:  make(chan struct{}),
		}
		w.dest.Store(&dest)
		d.workers[dest.ID] = w
		if d.started {
			d.spawnLocked(w)
		}
	}

	for id, w := range d.workers {
		if !seen[id] {
			close(w.stopCh)
			delete(d.workers, id)
		}
	}
}

// Enqueue appends item to the destination's FIFO queue. The pending attempt
// is ledgered before queueing so a crash or a full queue cannot silently
// lose the item.
func (d *Dispatcher) Enqueue(ctx context.Context, destID string, item feed.Item) error {
	d.mu.Lock()
	w, ok := d.workers[destID]
	started := d.started
	d.mu.Unlock()

	if !ok {
		return ErrUnknownDest
	}
	if !started {
		return ErrStopped
	}

	// Idempotent: re-enqueueing a pair that already reached a terminal state
	// (resume after a crash between delivery and dedup-marking) is a no-op.
	if a, ok := d.ledger.Get(destID, item.Identity); ok && a.State.Terminal() {
		return nil
	}

	if err := d.ledger.Record(ctx, ledger.Attempt{
		ItemID:        item.Identity,
		DestinationID: destID,
		State:         ledger.StatePending,
		Item:          item,
	}); err != nil {
		return err
	}

	select {
	case w.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Redrive re-enqueues pending attempts that have not progressed since cutoff.
// This picks up items whose enqueue was dropped by a full queue: once a
// sibling destination's delivery marks the item in dedup, the poll path will
// never re-offer it, so the stalled ledger record is the only way back in.
// An attempt that is merely queued behind a slow destination may be enqueued
// a second time; delivery stays at-least-once and the terminal re-check stops
// anything worse.
func (d *Dispatcher) Redrive(ctx context.Context, cutoff time.Time) int {
	n := 0
	for _, att := range d.ledger.Resume() {
		if att.State != ledger.StatePending || att.UpdatedAt.After(cutoff) {
			continue
		}
		if err := d.Enqueue(ctx, att.DestinationID, att.Item); err != nil {
			d.log.Debug("dispatch: redrive enqueue failed",
				logx.String("dest", att.DestinationID), logx.String("item", att.ItemID), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		d.log.Info("dispatch: redrove stalled attempts", logx.Int("count", n))
	}
	return n
}

func (d *Dispatcher) spawnLocked(w *destWorker) {
	d.sup.Go0("dispatch:"+w.id, func(ctx context.Context) {
		d.runWorker(ctx, w)
	})
}

func (d *Dispatcher) runWorker(ctx context.Context, w *destWorker) {
	for {
		// Fast-exit so stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case it := <-w.queue:
			d.deliver(ctx, w, it)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, w *destWorker, it feed.Item) {
	// Snapshot once: the whole delivery, retries included, targets one
	// consistent destination value even if a reload swaps it mid-flight.
	dest := w.destination()

	// Idempotent re-check: a resumed attempt may already be terminal if the
	// crash hit between ledger write and queue drain.
	if a, ok := d.ledger.Get(dest.ID, it.Identity); ok && a.State.Terminal() {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		// The queue head waits for a token; delivery is delayed, never
		// reordered around.
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		d.recordState(ctx, dest.ID, it, ledger.StateInFlight, attempt, lastErr)

		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.adapter.Send(sendCtx, dest, renderMessage(it))
		cancel()

		if err == nil {
			d.recordState(ctx, dest.ID, it, ledger.StateDelivered, attempt, nil)
			// Dedup marks after the first destination succeeds
			// (at-least-one-succeeded policy); the call is idempotent for
			// every later destination of the same item.
			if err := d.dedup.MarkDelivered(ctx, it.FeedID, it.Identity, time.Now()); err != nil {
				d.log.Warn("dispatch: dedup mark failed", logx.String("item", it.Identity), logx.Err(err))
			}
			d.log.Debug("dispatch: delivered",
				logx.String("dest", dest.ID), logx.String("item", it.Identity), logx.Int("attempt", attempt))
			return
		}

		lastErr = err
		if transport.IsPermanent(err) {
			d.deadLetter(ctx, dest.ID, it, attempt, err)
			return
		}

		if attempt == d.cfg.MaxAttempts {
			break
		}
		if !d.backoffWait(ctx, attempt, err) {
			return
		}
	}

	d.deadLetter(ctx, dest.ID, it, d.cfg.MaxAttempts, lastErr)
}

// backoffWait sleeps the retry delay, honoring a platform retry-after hint
// when it is longer. Returns false if the context was cancelled.
func (d *Dispatcher) backoffWait(ctx context.Context, attempt int, err error) bool {
	delay := d.cfg.RetryBase << (attempt - 1)
	if delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	delay += time.Duration(rand.Float64() * d.cfg.RetryJitter * float64(delay))
	if hint, ok := transport.RetryAfter(err); ok && hint > delay {
		delay = hint
	}

	tmr := time.NewTimer(delay)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, destID string, it feed.Item, attempts int, err error) {
	d.recordState(ctx, destID, it, ledger.StateDeadLettered, attempts, err)
	d.log.Warn("dispatch: dead-lettered",
		logx.String("dest", destID), logx.String("item", it.Identity),
		logx.Int("attempts", attempts), logx.Err(err))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDeadLettered,
			Data: DeadLetterEvent{
				DestinationID: destID,
				ItemID:        it.Identity,
				Attempts:      attempts,
				LastError:     err.Error(),
				At:            time.Now(),
			},
		})
	}
}

func (d *Dispatcher) recordState(ctx context.Context, destID string, it feed.Item, st ledger.State, attempts int, lastErr error) {
	a := ledger.Attempt{
		ItemID:        it.Identity,
		DestinationID: destID,
		State:         st,
		Attempts:      attempts,
		Item:          it,
	}
	if lastErr != nil {
		a.LastError = lastErr.Error()
	}
	if err := d.ledger.Record(ctx, a); err != nil {
		// Never silently dropped: the failure is logged and the in-memory
		// record still advanced, so behavior stays consistent until the
		// store recovers.
		d.log.Error("dispatch: ledger record failed",
			logx.String("dest", destID), logx.String("item", it.Identity), logx.Err(err))
	}
}

func (d *Dispatcher) rateFor(dest transport.Destination) float64 {
	if dest.RatePerSec > 0 {
		return dest.RatePerSec
	}
	return d.cfg.DefaultRatePerSec
}

func (d *Dispatcher) burstFor(dest transport.Destination) int {
	if dest.Burst > 0 {
		return dest.Burst
	}
	return d.cfg.DefaultBurst
}

func renderMessage(it feed.Item) transport.Message {
	category := ""
	if len(it.Categories) > 0 {
		category = it.Categories[len(it.Categories)-1]
	}
	return transport.Message{
		Title:       it.Title,
		Link:        it.Link,
		Summary:     feed.Truncate(it.Summary, 400),
		Category:    category,
		PublishedAt: it.PublishedAt,
	}
}
