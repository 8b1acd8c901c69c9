package rategate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/ordersync/config"
	"github.com/kestrelhq/ordersync/errs"
)

func gateSettings(limit int, spacing, maxWait time.Duration) config.RateLimitSettings {
	return config.RateLimitSettings{Limit: limit, MinSpacing: spacing, MaxWait: maxWait}
}

func TestDisabledGatePassesThrough(t *testing.T) {
	g := New(gateSettings(0, 0, 0))
	calls := 0
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := g.Execute(context.Background(), func() error { calls++; return nil }); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if calls != 100 {
		t.Fatalf("calls = %d, want 100", calls)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("disabled gate throttled: took %v", elapsed)
	}
}

func TestSlidingWindowSpacing(t *testing.T) {
	const spacing = 100 * time.Millisecond
	g := New(gateSettings(2, spacing, time.Second))

	var starts []time.Time
	for i := 0; i < 4; i++ {
		err := g.Execute(context.Background(), func() error {
			starts = append(starts, time.Now())
			return nil
		})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	for i := 2; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-2])
		if gap < spacing {
			t.Errorf("call %d started %v after call %d, want >= %v", i, gap, i-2, spacing)
		}
	}
	if total := starts[3].Sub(starts[0]); total < spacing {
		t.Errorf("four calls spanned %v, want >= %v", total, spacing)
	}
}

func TestMaxWaitRejectsWithoutCalling(t *testing.T) {
	g := New(gateSettings(1, 200*time.Millisecond, 50*time.Millisecond))

	if err := g.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("first call: %v", err)
	}

	called := false
	err := g.Execute(context.Background(), func() error { called = true; return nil })
	if !errs.IsCode(err, errs.CodeRateLimited) {
		t.Fatalf("err = %v, want rate_limited", err)
	}
	if called {
		t.Fatalf("rejected operation must not run")
	}
}

func TestWaitersWakeInOrder(t *testing.T) {
	g := New(gateSettings(10, time.Millisecond, time.Second))

	holding := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_ = g.Execute(context.Background(), func() error {
			close(holding)
			<-unblock
			return nil
		})
	}()
	<-holding

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		id := i
		go func() {
			defer wg.Done()
			_ = g.Execute(context.Background(), func() error {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(30 * time.Millisecond) // let each waiter enqueue before the next
	}

	close(unblock)
	wg.Wait()

	if len(order) != 3 {
		t.Fatalf("order = %v, want 3 entries", order)
	}
	for i, id := range order {
		if id != i+1 {
			t.Fatalf("waiters woke out of order: %v", order)
		}
	}
}

func TestContextCancelDuringWait(t *testing.T) {
	g := New(gateSettings(1, 500*time.Millisecond, time.Second))
	if err := g.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	called := false
	err := g.Execute(ctx, func() error { called = true; return nil })
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if called {
		t.Fatalf("cancelled operation must not run")
	}
}

func TestPanicInsideOperation(t *testing.T) {
	g := New(gateSettings(2, time.Millisecond, time.Second))
	err := g.Execute(context.Background(), func() error { panic("boom") })
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("err = %v, want unavailable envelope", err)
	}
	// The gate must remain usable after a panic.
	if err := g.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("gate unusable after panic: %v", err)
	}
}

func TestOperationErrorsPropagate(t *testing.T) {
	g := New(gateSettings(2, time.Millisecond, time.Second))
	want := errs.New("exchange", errs.CodeNetwork, errs.WithMessage("dial refused"))
	err := g.Execute(context.Background(), func() error { return want })
	if !errs.IsCode(err, errs.CodeNetwork) {
		t.Fatalf("err = %v, want the operation's own error", err)
	}
}
