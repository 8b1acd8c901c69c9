// Package rategate paces and serializes outbound order-mutation calls.
//
// The gate enforces a hard sliding-window constraint: the last Limit calls
// must not sit closer together than MinSpacing. It is not a leaky bucket; the
// window tracks actual completion timestamps and each new call is delayed
// until the oldest tracked call is at least MinSpacing old.
package rategate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelhq/ordersync/config"
	"github.com/kestrelhq/ordersync/errs"
)

// Operation is a zero-argument outbound call guarded by the gate.
type Operation func() error

// Gate serializes operations and spaces them against a sliding window.
// Waiters are woken in FIFO order so no caller is starved indefinitely.
type Gate struct {
	limit      int
	minSpacing time.Duration
	maxWait    time.Duration
	clock      func() time.Time

	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}

	window []time.Time
	head   int
	count  int

	execCounter   metric.Int64Counter
	rejectCounter metric.Int64Counter
	waitHistogram metric.Float64Histogram
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the time source used for window arithmetic.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// New constructs a gate from the provided settings. A non-positive limit
// disables throttling: Execute becomes an uncoordinated pass-through.
func New(cfg config.RateLimitSettings, opts ...Option) *Gate {
	g := new(Gate)
	g.limit = cfg.Limit
	g.minSpacing = cfg.MinSpacing
	g.maxWait = cfg.MaxWait
	g.clock = time.Now
	if g.limit > 0 {
		g.window = make([]time.Time, g.limit)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	meter := otel.Meter("rategate")
	g.execCounter, _ = meter.Int64Counter("rategate.executions",
		metric.WithDescription("Number of operations executed through the gate"),
		metric.WithUnit("{call}"))
	g.rejectCounter, _ = meter.Int64Counter("rategate.rejections",
		metric.WithDescription("Number of operations abandoned before execution"),
		metric.WithUnit("{call}"))
	g.waitHistogram, _ = meter.Float64Histogram("rategate.wait.duration",
		metric.WithDescription("Time callers spent blocked before executing"),
		metric.WithUnit("ms"))

	return g
}

// Execute runs op under the pacing constraint, blocking the caller for at most
// MaxWait. When the projected wait exceeds MaxWait the call is abandoned with
// a rate_limited error and op is never invoked. Errors returned by op
// propagate unchanged; a panic inside op is converted into an unavailable
// error so the gate itself survives.
func (g *Gate) Execute(ctx context.Context, op Operation) error {
	if op == nil {
		return errs.New("rategate", errs.CodeInvalid, errs.WithMessage("operation must not be nil"))
	}
	if g.limit <= 0 {
		return runGuarded(op)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := g.clock()
	deadline := start.Add(g.maxWait)

	if err := g.acquire(ctx, deadline); err != nil {
		if g.rejectCounter != nil {
			g.rejectCounter.Add(ctx, 1)
		}
		return err
	}
	defer g.release()

	now := g.clock()
	if g.count == g.limit {
		oldest := g.window[g.head]
		required := g.minSpacing - now.Sub(oldest)
		if required > 0 {
			if now.Add(required).After(deadline) {
				if g.rejectCounter != nil {
					g.rejectCounter.Add(ctx, 1)
				}
				return errs.New("rategate", errs.CodeRateLimited,
					errs.WithMessage("projected wait exceeds max wait"),
					errs.WithDetail("required", required.String()))
			}
			if err := sleepCtx(ctx, required); err != nil {
				if g.rejectCounter != nil {
					g.rejectCounter.Add(ctx, 1)
				}
				return fmt.Errorf("rate gate wait: %w", err)
			}
		}
	}

	if g.waitHistogram != nil {
		g.waitHistogram.Record(ctx, float64(g.clock().Sub(start).Milliseconds()))
	}

	err := runGuarded(op)
	g.record(g.clock())
	if g.execCounter != nil {
		g.execCounter.Add(ctx, 1)
	}
	return err
}

// acquire takes the gate in FIFO order, giving up at the deadline.
func (g *Gate) acquire(ctx context.Context, deadline time.Time) error {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	g.waiters = append(g.waiters, ticket)
	g.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ticket:
		return nil
	case <-timer.C:
		g.abandon(ticket)
		return errs.New("rategate", errs.CodeRateLimited,
			errs.WithMessage("waited longer than max wait"))
	case <-ctx.Done():
		g.abandon(ticket)
		return fmt.Errorf("rate gate acquire: %w", ctx.Err())
	}
}

func (g *Gate) release() {
	g.mu.Lock()
	g.handoffLocked()
	g.mu.Unlock()
}

// abandon removes the ticket from the queue. If ownership was already handed
// over concurrently, it is passed along to the next waiter instead.
func (g *Gate) abandon(ticket chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waiters {
		if w == ticket {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
	g.handoffLocked()
}

func (g *Gate) handoffLocked() {
	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(next)
		return
	}
	g.busy = false
}

// record appends a completion timestamp, evicting the oldest tracked one once
// the window is full.
func (g *Gate) record(t time.Time) {
	if g.count < g.limit {
		g.window[(g.head+g.count)%g.limit] = t
		g.count++
		return
	}
	g.window[g.head] = t
	g.head = (g.head + 1) % g.limit
}

func runGuarded(op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("rategate", errs.CodeUnavailable,
				errs.WithMessage("operation panicked"),
				errs.WithDetail("panic", fmt.Sprint(r)))
		}
	}()
	return op()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
