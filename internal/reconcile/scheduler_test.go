package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelhq/ordersync/config"
	"github.com/kestrelhq/ordersync/internal/ordercache"
	"github.com/kestrelhq/ordersync/internal/rategate"
	"github.com/kestrelhq/ordersync/internal/schema"
)

type fakeRest struct {
	mu      sync.Mutex
	fetches int
	records []schema.OrderRecord
	err     error
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeRest) FetchOpenOrders(ctx context.Context, scope string) ([]schema.OrderRecord, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	f.mu.Lock()
	f.fetches++
	records := append([]schema.OrderRecord(nil), f.records...)
	err := f.err
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return records, err
}

func (f *fakeRest) SubmitOrder(context.Context, schema.OrderSpec) (schema.OrderRecord, error) {
	return schema.OrderRecord{}, errors.New("not implemented")
}

func (f *fakeRest) CancelOrder(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (f *fakeRest) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeRest) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newTestCache(t *testing.T) *ordercache.Cache {
	t.Helper()
	c := ordercache.New(ordercache.Config{
		EventBufferSize: 16,
		EvictAfter:      time.Minute,
		StaleAfter:      time.Minute,
		ChangeBuffer:    16,
	})
	t.Cleanup(c.Close)
	return c
}

func openGate(t *testing.T) *rategate.Gate {
	t.Helper()
	return rategate.New(config.RateLimitSettings{})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func testOrder(id string) schema.OrderRecord {
	return schema.OrderRecord{
		OrderID:    id,
		Scope:      "acct-1",
		Instrument: "BTC-USDT",
		Side:       schema.SideBuy,
		Type:       schema.TypeLimit,
		Price:      decimal.NewFromInt(100),
		Amount:     decimal.NewFromInt(1),
		Status:     schema.StatusOpen,
		UpdatedAt:  time.Now(),
	}
}

func TestFirstPassRunsImmediately(t *testing.T) {
	rest := &fakeRest{records: []schema.OrderRecord{testOrder("o-1")}}
	cache := newTestCache(t)
	s := NewScheduler(config.ReconcileSettings{Interval: time.Hour}, []string{"acct-1"}, rest, openGate(t), cache)
	defer s.Stop()
	s.Start()

	waitFor(t, time.Second, func() bool { return cache.StateOf("acct-1") == ordercache.StateWarm })
	if got := cache.OpenOrders("acct-1"); len(got) != 1 || got[0].OrderID != "o-1" {
		t.Fatalf("cache after first pass = %+v", got)
	}
}

func TestPassesRepeatOnInterval(t *testing.T) {
	rest := &fakeRest{}
	cache := newTestCache(t)
	s := NewScheduler(config.ReconcileSettings{Interval: 50 * time.Millisecond}, []string{"acct-1"}, rest, openGate(t), cache)
	defer s.Stop()
	s.Start()

	waitFor(t, 2*time.Second, func() bool { return rest.fetchCount() >= 3 })
}

func TestOverlappingPassIsSkippedNotQueued(t *testing.T) {
	rest := &fakeRest{delay: 300 * time.Millisecond}
	cache := newTestCache(t)
	s := NewScheduler(config.ReconcileSettings{Interval: 30 * time.Millisecond}, []string{"acct-1"}, rest, openGate(t), cache)
	s.Start()

	time.Sleep(400 * time.Millisecond)
	s.Stop()

	if max := rest.maxInFlight.Load(); max > 1 {
		t.Fatalf("concurrent fetches = %d, want at most 1", max)
	}
}

func TestFailedPassKeepsServingAndRetries(t *testing.T) {
	rest := &fakeRest{records: []schema.OrderRecord{testOrder("o-1")}}
	cache := newTestCache(t)
	s := NewScheduler(config.ReconcileSettings{Interval: 50 * time.Millisecond}, []string{"acct-1"}, rest, openGate(t), cache)
	defer s.Stop()
	s.Start()

	waitFor(t, time.Second, func() bool { return cache.StateOf("acct-1") == ordercache.StateWarm })

	rest.setErr(errors.New("rest unavailable"))
	before := rest.fetchCount()
	waitFor(t, 2*time.Second, func() bool { return rest.fetchCount() > before+1 })

	// Failures never clear the last good view.
	if got := cache.OpenOrders("acct-1"); len(got) != 1 {
		t.Fatalf("cache cleared on fetch failure: %+v", got)
	}
}

func TestReconnectTriggersOutOfCyclePass(t *testing.T) {
	rest := &fakeRest{}
	cache := newTestCache(t)
	connectivity := make(chan bool, 1)
	s := NewScheduler(config.ReconcileSettings{Interval: time.Hour}, []string{"acct-1"}, rest, openGate(t), cache,
		WithConnectivity(connectivity))
	defer s.Stop()
	s.Start()

	waitFor(t, time.Second, func() bool { return rest.fetchCount() == 1 })

	connectivity <- true
	waitFor(t, time.Second, func() bool { return rest.fetchCount() == 2 })
}

func TestDisconnectSignalMarksFeedDown(t *testing.T) {
	rest := &fakeRest{}
	now := time.Now()
	current := now
	cache := ordercache.New(ordercache.Config{
		EventBufferSize: 16,
		EvictAfter:      time.Minute,
		StaleAfter:      10 * time.Second,
		ChangeBuffer:    16,
	}, ordercache.WithClock(func() time.Time { return current }))
	t.Cleanup(cache.Close)

	connectivity := make(chan bool, 1)
	s := NewScheduler(config.ReconcileSettings{Interval: time.Hour}, []string{"acct-1"}, rest, openGate(t), cache,
		WithConnectivity(connectivity))
	defer s.Stop()
	s.Start()

	waitFor(t, time.Second, func() bool { return cache.StateOf("acct-1") == ordercache.StateWarm })
	cache.SetFeedConnected(true)

	connectivity <- false
	current = now.Add(time.Minute)
	waitFor(t, time.Second, func() bool { return cache.StateOf("acct-1") == ordercache.StateStale })
}

func TestStopIsIdempotent(t *testing.T) {
	rest := &fakeRest{}
	cache := newTestCache(t)
	s := NewScheduler(config.ReconcileSettings{Interval: time.Hour}, []string{"acct-1"}, rest, openGate(t), cache)
	s.Start()
	s.Stop()
	s.Stop()
}
