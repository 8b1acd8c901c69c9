// Package reconcile periodically refreshes the order cache from the REST
// API so state drift from missed deltas is bounded.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelhq/ordersync/config"
	"github.com/kestrelhq/ordersync/internal/exchange"
	"github.com/kestrelhq/ordersync/internal/observability"
	"github.com/kestrelhq/ordersync/internal/ordercache"
	"github.com/kestrelhq/ordersync/internal/rategate"
	"github.com/kestrelhq/ordersync/internal/schema"
)

// Scheduler drives snapshot reconciliation on a fixed cadence. Each pass
// fetches the authoritative open-order set per scope through the rate gate
// and hands it to the cache.
type Scheduler struct {
	cfg    config.ReconcileSettings
	scopes []string
	rest   exchange.RestOrderClient
	gate   *rategate.Gate
	cache  *ordercache.Cache
	clock  func() time.Time

	// connectivity, when set, triggers an out-of-cycle pass on every
	// reconnect so the gap is repaired before the next tick.
	connectivity <-chan bool

	ctx     context.Context
	cancel  context.CancelFunc
	loop    conc.WaitGroup
	passes  sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
	passing atomic.Bool

	passCounter metric.Int64Counter
	skipCounter metric.Int64Counter
	failCounter metric.Int64Counter
}

// Option customises scheduler construction.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithConnectivity wires the stream connectivity feed; reconnects trigger an
// immediate reconciliation pass.
func WithConnectivity(ch <-chan bool) Option {
	return func(s *Scheduler) {
		s.connectivity = ch
	}
}

// NewScheduler creates a scheduler for the given scopes.
func NewScheduler(cfg config.ReconcileSettings, scopes []string, rest exchange.RestOrderClient,
	gate *rategate.Gate, cache *ordercache.Cache, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		scopes: append([]string(nil), scopes...),
		rest:   rest,
		gate:   gate,
		cache:  cache,
		clock:  time.Now,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	meter := otel.Meter("reconcile")
	s.passCounter, _ = meter.Int64Counter("reconcile.passes",
		metric.WithDescription("Number of reconciliation passes completed"),
		metric.WithUnit("{pass}"))
	s.skipCounter, _ = meter.Int64Counter("reconcile.skipped",
		metric.WithDescription("Number of passes skipped because the previous one was still running"),
		metric.WithUnit("{pass}"))
	s.failCounter, _ = meter.Int64Counter("reconcile.failures",
		metric.WithDescription("Number of per-scope snapshot fetch failures"),
		metric.WithUnit("{fetch}"))
	return s
}

// Start launches the reconciliation loop. The first pass runs immediately.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.loop.Go(s.run)
}

// Stop halts the loop and waits for any in-flight pass to finish.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	if s.started.Load() {
		s.loop.Wait()
	}
	s.passes.Wait()
}

func (s *Scheduler) run() {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.dispatch()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dispatch()
		case up, ok := <-s.connectivity:
			if !ok {
				s.connectivity = nil
				continue
			}
			s.cache.SetFeedConnected(up)
			if up {
				observability.Log().Info("stream reconnected, reconciling out of cycle")
				s.dispatch()
			}
		}
	}
}

// dispatch runs a pass on its own goroutine so a slow pass never blocks the
// trigger loop. Stop waits for in-flight passes through the wait group.
func (s *Scheduler) dispatch() {
	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		s.pass()
	}()
}

// pass runs one reconciliation sweep. Fixed-delay semantics: if the previous
// pass is still running the trigger is dropped, never queued.
func (s *Scheduler) pass() {
	if !s.passing.CompareAndSwap(false, true) {
		s.skipCounter.Add(context.Background(), 1)
		observability.Log().Warn("reconciliation pass still running, skipping trigger")
		return
	}
	defer s.passing.Store(false)
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("reconciliation pass panicked",
				observability.F("panic", fmt.Sprint(r)))
		}
	}()

	for _, scope := range s.scopes {
		if s.ctx.Err() != nil {
			return
		}
		s.reconcileScope(scope)
	}
	s.passCounter.Add(context.Background(), 1)
}

func (s *Scheduler) reconcileScope(scope string) {
	s.cache.MarkWarming(scope)
	taken := s.clock()

	var records []schema.OrderRecord
	err := s.gate.Execute(s.ctx, func() error {
		var fetchErr error
		records, fetchErr = s.rest.FetchOpenOrders(s.ctx, scope)
		return fetchErr
	})
	if err != nil {
		// The cache keeps serving its last view; the next tick retries.
		s.failCounter.Add(context.Background(), 1)
		observability.Log().Error("snapshot fetch failed",
			observability.F("scope", scope),
			observability.F("error", err.Error()))
		return
	}

	s.cache.ApplySnapshot(scope, taken, records)
	observability.Log().Debug("scope reconciled",
		observability.F("scope", scope),
		observability.F("orders", len(records)))
}
