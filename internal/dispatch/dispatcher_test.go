package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"feedbot/internal/dedup"
	"feedbot/internal/eventbus"
	"feedbot/internal/feed"
	"feedbot/internal/ledger"
	"feedbot/internal/transport"
	logx "feedbot/pkg/logx"
)

type sentRecord struct {
	dest  string
	chat  int64
	title string
	at    time.Time
}

// fakeAdapter scripts failures per item title. An optional gate holds every
// send until the test releases it.
type fakeAdapter struct {
	mu        sync.Mutex
	sent      []sentRecord
	transient map[string]int // title -> remaining transient failures
	permanent map[string]bool
	gate      chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{transient: map[string]int{}, permanent: map[string]bool{}}
}

func (f *fakeAdapter) Send(ctx context.Context, dest transport.Destination, msg transport.Message) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.Transient(dest.ID, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permanent[msg.Title] {
		return transport.Permanent(dest.ID, errors.New("chat gone"))
	}
	if f.transient[msg.Title] > 0 {
		f.transient[msg.Title]--
		return transport.Transient(dest.ID, errors.New("flaky"))
	}
	f.sent = append(f.sent, sentRecord{dest: dest.ID, chat: dest.ChatID, title: msg.Title, at: time.Now()})
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) sentTitles(dest string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.sent {
		if r.dest == dest {
			out = append(out, r.title)
		}
	}
	return out
}

func item(id, title string) feed.Item {
	return feed.Item{Identity: id, FeedID: "f1", Title: title}
}

func testDispatcher(t *testing.T, cfg Config, fa *fakeAdapter, bus eventbus.Bus) (*Dispatcher, *ledger.Ledger, *dedup.Store) {
	t.Helper()
	led := ledger.New(nil, logx.Nop())
	ded := dedup.New(dedup.Config{}, nil, logx.Nop())
	d := New(cfg, fa, led, ded, bus, logx.Nop())
	d.SetDestinations([]transport.Destination{{ID: "d1", RatePerSec: 1000, Burst: 1}})
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d, led, ded
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFIFOOrderSurvivesRetries(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	fa.transient["A"] = 2 // head retries before B and C may go

	d, led, _ := testDispatcher(t, Config{RetryBase: time.Millisecond, MaxAttempts: 5}, fa, nil)
	ctx := context.Background()

	for i, title := range []string{"A", "B", "C"} {
		if err := d.Enqueue(ctx, "d1", item(fmt.Sprintf("i%d", i), title)); err != nil {
			t.Fatalf("Enqueue(%s): %v", title, err)
		}
	}

	eventually(t, "all deliveries", func() bool {
		a, ok := led.Get("d1", "i2")
		return ok && a.State == ledger.StateDelivered
	})

	got := fa.sentTitles("d1")
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("delivery order = %v, want [A B C]", got)
	}
}

func TestRateLimitSpacesDeliveries(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	led := ledger.New(nil, logx.Nop())
	ded := dedup.New(dedup.Config{}, nil, logx.Nop())
	d := New(Config{}, fa, led, ded, nil, logx.Nop())
	d.SetDestinations([]transport.Destination{{ID: "d1", RatePerSec: 20, Burst: 1}})
	d.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	}()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := d.Enqueue(ctx, "d1", item(fmt.Sprintf("i%d", i), fmt.Sprintf("T%d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	eventually(t, "3 deliveries", func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.sent) == 3
	})

	fa.mu.Lock()
	defer fa.mu.Unlock()
	for i := 1; i < len(fa.sent); i++ {
		gap := fa.sent[i].at.Sub(fa.sent[i-1].at)
		// 20/s budget means ≥50ms between sends; allow scheduling slack.
		if gap < 40*time.Millisecond {
			t.Fatalf("deliveries %d..%d only %v apart", i-1, i, gap)
		}
	}
	if fa.sent[0].title != "T0" || fa.sent[2].title != "T2" {
		t.Fatalf("order = %v", fa.sent)
	}
}

func TestTransientExhaustionDeadLettersAndContinues(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	fa := newFakeAdapter()
	fa.transient["bad"] = 99

	d, led, ded := testDispatcher(t, Config{MaxAttempts: 3, RetryBase: time.Millisecond}, fa, bus)
	ctx := context.Background()

	if err := d.Enqueue(ctx, "d1", item("i-bad", "bad")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := d.Enqueue(ctx, "d1", item("i-good", "good")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	eventually(t, "good delivered after bad dead-lettered", func() bool {
		a, ok := led.Get("d1", "i-good")
		return ok && a.State == ledger.StateDelivered
	})

	a, _ := led.Get("d1", "i-bad")
	if a.State != ledger.StateDeadLettered || a.Attempts != 3 {
		t.Fatalf("bad attempt = %+v, want dead-lettered after 3", a)
	}
	if dl := led.DeadLettered(); len(dl) != 1 || dl[0].ItemID != "i-bad" {
		t.Fatalf("DeadLettered = %v", dl)
	}
	// A dead-lettered item is not delivered, so it must stay new.
	if !ded.IsNew("f1", "i-bad") {
		t.Fatal("dead-lettered item marked delivered in dedup")
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TypeDeadLettered {
			t.Fatalf("event type = %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no dead-letter event published")
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	fa.permanent["gone"] = true

	d, led, _ := testDispatcher(t, Config{MaxAttempts: 5, RetryBase: time.Millisecond}, fa, nil)
	ctx := context.Background()

	if err := d.Enqueue(ctx, "d1", item("i1", "gone")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	eventually(t, "immediate dead-letter", func() bool {
		a, ok := led.Get("d1", "i1")
		return ok && a.State == ledger.StateDeadLettered
	})
	a, _ := led.Get("d1", "i1")
	if a.Attempts != 1 {
		t.Fatalf("permanent failure retried: attempts = %d", a.Attempts)
	}
}

func TestSuccessMarksDedup(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	d, _, ded := testDispatcher(t, Config{}, fa, nil)
	ctx := context.Background()

	if err := d.Enqueue(ctx, "d1", item("i1", "hello")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, "dedup marked", func() bool {
		return !ded.IsNew("f1", "i1")
	})
}

func TestEnqueueUnknownDestination(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	d, _, _ := testDispatcher(t, Config{}, fa, nil)

	err := d.Enqueue(context.Background(), "nope", item("i1", "x"))
	if !errors.Is(err, ErrUnknownDest) {
		t.Fatalf("err = %v, want ErrUnknownDest", err)
	}
}

func TestSetDestinationsAppliesToLaterDeliveries(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	led := ledger.New(nil, logx.Nop())
	ded := dedup.New(dedup.Config{}, nil, logx.Nop())
	d := New(Config{}, fa, led, ded, nil, logx.Nop())
	d.SetDestinations([]transport.Destination{{ID: "d1", ChatID: 100, RatePerSec: 1000, Burst: 1}})
	d.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	}()
	ctx := context.Background()

	if err := d.Enqueue(ctx, "d1", item("i1", "before")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, "first delivery", func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.sent) == 1
	})

	// Reload moves the destination to a new chat; the queue and worker stay.
	d.SetDestinations([]transport.Destination{{ID: "d1", ChatID: 999, RatePerSec: 1000, Burst: 1}})
	if err := d.Enqueue(ctx, "d1", item("i2", "after")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, "second delivery", func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.sent) == 2
	})

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.sent[0].chat != 100 || fa.sent[1].chat != 999 {
		t.Fatalf("chats = [%d %d], want [100 999]", fa.sent[0].chat, fa.sent[1].chat)
	}
}

func TestSetDestinationsDuringDeliveries(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	d, led, _ := testDispatcher(t, Config{}, fa, nil)
	ctx := context.Background()

	// Hammer rate-budget updates while the worker drains the queue.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		chat := int64(0)
		for {
			select {
			case <-stop:
				return
			default:
				chat++
				d.SetDestinations([]transport.Destination{{ID: "d1", ChatID: chat, RatePerSec: 1000, Burst: 1}})
			}
		}
	}()

	const n = 50
	for i := 0; i < n; i++ {
		if err := d.Enqueue(ctx, "d1", item(fmt.Sprintf("i%d", i), fmt.Sprintf("T%d", i))); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
		eventually(t, "delivery", func() bool {
			a, ok := led.Get("d1", fmt.Sprintf("i%d", i))
			return ok && a.State == ledger.StateDelivered
		})
	}
	close(stop)
	wg.Wait()

	if got := len(fa.sentTitles("d1")); got != n {
		t.Fatalf("sent %d items, want %d", got, n)
	}
}

func TestRedriveRequeuesStalledPendingAttempt(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	d, led, _ := testDispatcher(t, Config{}, fa, nil)
	ctx := context.Background()

	// A pending record with no queue entry is what a full-queue enqueue
	// leaves behind.
	_ = led.Record(ctx, ledger.Attempt{
		ItemID:        "i1",
		DestinationID: "d1",
		State:         ledger.StatePending,
		UpdatedAt:     time.Now().Add(-time.Hour),
		Item:          item("i1", "stalled"),
	})

	// Too fresh to count as stalled: nothing to do.
	if n := d.Redrive(ctx, time.Now().Add(-2*time.Hour)); n != 0 {
		t.Fatalf("Redrive = %d for fresh cutoff, want 0", n)
	}

	if n := d.Redrive(ctx, time.Now()); n != 1 {
		t.Fatalf("Redrive = %d, want 1", n)
	}
	eventually(t, "stalled attempt delivered", func() bool {
		a, ok := led.Get("d1", "i1")
		return ok && a.State == ledger.StateDelivered
	})
	if got := fa.sentTitles("d1"); len(got) != 1 || got[0] != "stalled" {
		t.Fatalf("sent = %v, want [stalled]", got)
	}

	// Terminal now; another sweep is a no-op.
	if n := d.Redrive(ctx, time.Now()); n != 0 {
		t.Fatalf("Redrive after delivery = %d, want 0", n)
	}
}

func TestDuplicateEnqueueDeliversOnce(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	fa.gate = make(chan struct{})

	d, led, _ := testDispatcher(t, Config{}, fa, nil)
	ctx := context.Background()

	// Same identity twice in one payload: both enqueues land before any
	// delivery runs.
	if err := d.Enqueue(ctx, "d1", item("i1", "dup")); err != nil {
		t.Fatalf("Enqueue #1: %v", err)
	}
	if err := d.Enqueue(ctx, "d1", item("i1", "dup")); err != nil {
		t.Fatalf("Enqueue #2: %v", err)
	}
	close(fa.gate)

	eventually(t, "delivered", func() bool {
		a, ok := led.Get("d1", "i1")
		return ok && a.State == ledger.StateDelivered
	})
	// The second queue entry hits the terminal re-check and is dropped.
	eventually(t, "queue drained", func() bool {
		got := fa.sentTitles("d1")
		return len(got) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := fa.sentTitles("d1"); len(got) != 1 {
		t.Fatalf("sent %d times, want exactly 1", len(got))
	}
}

func TestTerminalAttemptNotRedelivered(t *testing.T) {
	t.Parallel()
	fa := newFakeAdapter()
	d, led, _ := testDispatcher(t, Config{}, fa, nil)
	ctx := context.Background()

	// Simulate a resume where the ledger already holds a terminal state.
	_ = led.Record(ctx, ledger.Attempt{ItemID: "i1", DestinationID: "d1", State: ledger.StateDelivered, Item: item("i1", "old")})
	if err := d.Enqueue(ctx, "d1", item("i1", "old")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := d.Enqueue(ctx, "d1", item("i2", "fresh")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	eventually(t, "fresh delivered", func() bool {
		a, ok := led.Get("d1", "i2")
		return ok && a.State == ledger.StateDelivered
	})
	if got := fa.sentTitles("d1"); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("sent = %v, want only fresh", got)
	}
}
