// Package ordercache merges REST snapshots with websocket deltas into one
// locally consistent order view.
//
// The cache is a pure consumer: it never calls back into the stream or the
// rate gate. Records are owned by the cache and only value copies leave it.
package ordercache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelhq/ordersync/config"
	"github.com/kestrelhq/ordersync/internal/observability"
	"github.com/kestrelhq/ordersync/internal/schema"
)

// State describes how trustworthy one scope's cached view currently is.
type State int

const (
	// StateUninitialized means no snapshot was requested yet.
	StateUninitialized State = iota
	// StateWarming means a snapshot is in flight but not yet applied.
	StateWarming
	// StateWarm means a snapshot was applied and deltas are flowing.
	StateWarm
	// StateStale means the feed is down and the last snapshot aged out.
	StateStale
)

func (s State) String() string {
	switch s {
	case StateWarming:
		return "warming"
	case StateWarm:
		return "warm"
	case StateStale:
		return "stale"
	default:
		return "uninitialized"
	}
}

// Config bounds the cache's buffers and retention windows.
type Config struct {
	// EventBufferSize bounds the deltas held per scope while the snapshot
	// is still in flight. The oldest delta is dropped on overflow.
	EventBufferSize int
	// EvictAfter is the grace window terminal orders stay resident for, so
	// late duplicate events can still be matched and discarded.
	EvictAfter time.Duration
	// StaleAfter is the age past which a warm scope counts as stale while
	// the feed is disconnected.
	StaleAfter time.Duration
	// ChangeBuffer sizes each change-feed subscriber channel.
	ChangeBuffer int
}

// ConfigFrom assembles the cache configuration from the settings tree.
func ConfigFrom(cache config.CacheSettings, reconcile config.ReconcileSettings) Config {
	return Config{
		EventBufferSize: cache.EventBufferSize,
		EvictAfter:      cache.EvictAfter,
		StaleAfter:      reconcile.StaleAfter,
		ChangeBuffer:    cache.ChangeBuffer,
	}
}

func (c Config) normalize() Config {
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 512
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = time.Minute
	}
	if c.ChangeBuffer <= 0 {
		c.ChangeBuffer = 64
	}
	return c
}

type scopeState struct {
	mu         sync.Mutex
	state      State
	records    map[string]*schema.OrderRecord
	pending    []schema.OrderEvent
	snapshotAt time.Time
	terminalAt map[string]time.Time
	// lastSeq tracks the highest sequence hint seen per order so
	// duplicated or reordered seq-tagged deltas can be discarded.
	lastSeq map[string]uint64
}

// Cache is the local order cache.
type Cache struct {
	cfg   Config
	clock func() time.Time

	mu     sync.RWMutex
	scopes map[string]*scopeState

	connected atomic.Bool

	subsMu  sync.Mutex
	subs    map[uint64]chan schema.OrderRecord
	nextSub uint64

	shutdown  chan struct{}
	closeOnce sync.Once
	sweeper   conc.WaitGroup

	appliedCounter   metric.Int64Counter
	discardedCounter metric.Int64Counter
	bufferedCounter  metric.Int64Counter
	overflowCounter  metric.Int64Counter
	evictedCounter   metric.Int64Counter
	changeDropped    metric.Int64Counter
}

// CacheOption customises cache construction.
type CacheOption func(*Cache)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) CacheOption {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New creates an order cache and starts its eviction sweeper.
func New(cfg Config, opts ...CacheOption) *Cache {
	c := new(Cache)
	c.cfg = cfg.normalize()
	c.clock = time.Now
	c.scopes = make(map[string]*scopeState)
	c.subs = make(map[uint64]chan schema.OrderRecord)
	c.shutdown = make(chan struct{})
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	meter := otel.Meter("ordercache")
	c.appliedCounter, _ = meter.Int64Counter("ordercache.events.applied",
		metric.WithDescription("Number of deltas merged into the cache"),
		metric.WithUnit("{event}"))
	c.discardedCounter, _ = meter.Int64Counter("ordercache.events.discarded",
		metric.WithDescription("Number of deltas discarded for status regression"),
		metric.WithUnit("{event}"))
	c.bufferedCounter, _ = meter.Int64Counter("ordercache.events.buffered",
		metric.WithDescription("Number of deltas buffered ahead of a snapshot"),
		metric.WithUnit("{event}"))
	c.overflowCounter, _ = meter.Int64Counter("ordercache.buffer.dropped",
		metric.WithDescription("Number of buffered deltas dropped on overflow"),
		metric.WithUnit("{event}"))
	c.evictedCounter, _ = meter.Int64Counter("ordercache.records.evicted",
		metric.WithDescription("Number of terminal records evicted after the grace window"),
		metric.WithUnit("{record}"))
	c.changeDropped, _ = meter.Int64Counter("ordercache.changes.dropped",
		metric.WithDescription("Number of change notifications dropped on subscriber backpressure"),
		metric.WithUnit("{event}"))

	c.sweeper.Go(c.sweepLoop)
	return c
}

// Close stops background maintenance and closes all change subscriptions.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.sweeper.Wait()
		c.subsMu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.subsMu.Unlock()
	})
}

// SetFeedConnected records push-feed connectivity; it drives the warm to
// stale degradation.
func (c *Cache) SetFeedConnected(connected bool) {
	c.connected.Store(connected)
}

// MarkWarming flags that a snapshot was requested for the scope so deltas
// start buffering instead of being dropped.
func (c *Cache) MarkWarming(scope string) {
	s := c.scopeFor(scope)
	s.mu.Lock()
	if s.state == StateUninitialized {
		s.state = StateWarming
	}
	s.mu.Unlock()
}

// StateOf returns the current cache state for the scope.
func (c *Cache) StateOf(scope string) State {
	c.mu.RLock()
	s, ok := c.scopes[scope]
	c.mu.RUnlock()
	if !ok {
		return StateUninitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateWarm && !c.connected.Load() && c.cfg.StaleAfter > 0 &&
		c.clock().Sub(s.snapshotAt) > c.cfg.StaleAfter {
		return StateStale
	}
	return s.state
}

// ApplySnapshot replaces the known-open set for the scope with the
// authoritative REST view taken at the given time, then replays any deltas
// that were buffered while the snapshot was in flight.
func (c *Cache) ApplySnapshot(scope string, taken time.Time, records []schema.OrderRecord) {
	if taken.IsZero() {
		taken = c.clock()
	}
	s := c.scopeFor(scope)

	s.mu.Lock()
	prev := s.records
	next := make(map[string]*schema.OrderRecord, len(records))
	var changes []schema.OrderRecord

	for _, rec := range records {
		if rec.OrderID == "" {
			continue
		}
		if rec.Scope == "" {
			rec.Scope = scope
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = taken
		}
		if old, ok := prev[rec.OrderID]; ok {
			// Delta preferred over snapshot: keep the locally newer copy.
			if old.UpdatedAt.After(rec.UpdatedAt) {
				next[rec.OrderID] = old
				continue
			}
			if old.Status.IsTerminal() && rec.Status != old.Status {
				next[rec.OrderID] = old
				continue
			}
			if !sameRecord(*old, rec) {
				changes = append(changes, rec)
			}
		} else {
			changes = append(changes, rec)
		}
		copied := rec
		next[rec.OrderID] = &copied
		if rec.Status.IsTerminal() {
			s.ensureTerminalLocked(rec.OrderID, c.clock())
		}
	}

	// Records the snapshot omitted: keep locally newer ones and terminal
	// ones still inside the grace window; drop the rest (last snapshot
	// wins per id).
	for id, old := range prev {
		if _, ok := next[id]; ok {
			continue
		}
		if old.UpdatedAt.After(taken) || old.Status.IsTerminal() {
			next[id] = old
		}
	}

	for id := range s.lastSeq {
		if _, ok := next[id]; !ok {
			delete(s.lastSeq, id)
		}
	}
	s.records = next
	s.snapshotAt = taken
	s.state = StateWarm
	pending := s.pending
	s.pending = nil

	for _, evt := range pending {
		if !evt.Timestamp.IsZero() && !evt.Timestamp.After(taken) {
			continue
		}
		if rec, changed := c.mergeLocked(s, scope, evt); changed {
			changes = append(changes, rec)
		}
	}
	s.mu.Unlock()

	for _, rec := range changes {
		c.publish(rec)
	}
}

// ApplyEvent merges one delta. Deltas arriving before the scope's first
// snapshot are buffered and replayed once it lands.
func (c *Cache) ApplyEvent(evt schema.OrderEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	s := c.scopeFor(evt.Scope)

	s.mu.Lock()
	if s.state == StateUninitialized || s.state == StateWarming {
		if len(s.pending) >= c.cfg.EventBufferSize {
			dropped := s.pending[0]
			s.pending = s.pending[1:]
			if c.overflowCounter != nil {
				c.overflowCounter.Add(context.Background(), 1)
			}
			observability.Log().Warn("pre-snapshot buffer overflow, dropping oldest delta",
				observability.F("scope", evt.Scope),
				observability.F("order_id", dropped.OrderID))
		}
		s.pending = append(s.pending, evt)
		if c.bufferedCounter != nil {
			c.bufferedCounter.Add(context.Background(), 1)
		}
		s.mu.Unlock()
		return nil
	}
	rec, changed := c.mergeLocked(s, evt.Scope, evt)
	s.mu.Unlock()

	if changed {
		c.publish(rec)
	}
	return nil
}

// OpenOrders returns copies of all non-terminal records for the scope.
func (c *Cache) OpenOrders(scope string) []schema.OrderRecord {
	c.mu.RLock()
	s, ok := c.scopes[scope]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.OrderRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Status.IsTerminal() {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// Order returns a copy of the record with the given id, if present.
func (c *Cache) Order(scope, orderID string) (schema.OrderRecord, bool) {
	c.mu.RLock()
	s, ok := c.scopes[scope]
	c.mu.RUnlock()
	if !ok {
		return schema.OrderRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[orderID]
	if !ok {
		return schema.OrderRecord{}, false
	}
	return rec.Clone(), true
}

// Changes subscribes to the hot change broadcast. Subscribers only see
// events published after they subscribe. The returned cancel releases the
// subscription.
func (c *Cache) Changes() (<-chan schema.OrderRecord, func()) {
	ch := make(chan schema.OrderRecord, c.cfg.ChangeBuffer)
	c.subsMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = ch
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
		c.subsMu.Unlock()
	}
	return ch, cancel
}

// mergeLocked folds one delta into the scope's record set. The scope mutex
// must be held. It returns a copy of the merged record and whether anything
// changed.
func (c *Cache) mergeLocked(s *scopeState, scope string, evt schema.OrderEvent) (schema.OrderRecord, bool) {
	rec, ok := s.records[evt.OrderID]
	if !ok {
		// Synthesize a minimal record; fields fill in on the next snapshot.
		status := evt.Status
		if status == "" {
			status = schema.StatusNew
		}
		rec = &schema.OrderRecord{
			OrderID:       evt.OrderID,
			ClientOrderID: evt.ClientOrderID,
			Scope:         scope,
			Instrument:    evt.Instrument,
			Side:          evt.Side,
			Type:          evt.Type,
			Status:        status,
			UpdatedAt:     evt.Timestamp,
		}
		if evt.Price != nil {
			rec.Price = *evt.Price
		}
		if evt.Amount != nil {
			rec.Amount = *evt.Amount
		}
		if evt.FillDelta != nil {
			rec.Filled = rec.Filled.Add(*evt.FillDelta)
		}
		s.records[evt.OrderID] = rec
		if evt.Seq != 0 {
			s.setSeqLocked(evt.OrderID, evt.Seq)
		}
		if rec.Status.IsTerminal() {
			s.ensureTerminalLocked(rec.OrderID, c.clock())
		}
		if c.appliedCounter != nil {
			c.appliedCounter.Add(context.Background(), 1)
		}
		return rec.Clone(), true
	}

	// Terminal records accept nothing further. Late duplicates of the final
	// event would otherwise re-fold their fill delta; that is what the
	// grace-window retention exists to catch.
	if rec.Status.IsTerminal() {
		if c.discardedCounter != nil {
			c.discardedCounter.Add(context.Background(), 1)
		}
		if evt.Status != "" && evt.Status != rec.Status {
			observability.Log().Warn("discarding delta that would regress order status",
				observability.F("scope", scope),
				observability.F("order_id", evt.OrderID),
				observability.F("have", string(rec.Status)),
				observability.F("got", string(evt.Status)))
		} else {
			observability.Log().Debug("discarding duplicate delta for terminal order",
				observability.F("scope", scope),
				observability.F("order_id", evt.OrderID))
		}
		return rec.Clone(), false
	}

	if evt.Seq != 0 {
		if last := s.lastSeq[evt.OrderID]; evt.Seq <= last {
			if c.discardedCounter != nil {
				c.discardedCounter.Add(context.Background(), 1)
			}
			observability.Log().Warn("discarding delta with non-advancing sequence",
				observability.F("scope", scope),
				observability.F("order_id", evt.OrderID),
				observability.F("have", last),
				observability.F("got", evt.Seq))
			return rec.Clone(), false
		}
		s.setSeqLocked(evt.OrderID, evt.Seq)
	}

	if evt.Status != "" && evt.Status.Rank() < rec.Status.Rank() {
		// Forward-only lifecycle: a regressing delta is rejected whole.
		if c.discardedCounter != nil {
			c.discardedCounter.Add(context.Background(), 1)
		}
		observability.Log().Warn("discarding delta that would regress order status",
			observability.F("scope", scope),
			observability.F("order_id", evt.OrderID),
			observability.F("have", string(rec.Status)),
			observability.F("got", string(evt.Status)))
		return rec.Clone(), false
	}

	stale := !evt.Timestamp.IsZero() && evt.Timestamp.Before(rec.UpdatedAt)

	if evt.FillDelta != nil {
		rec.Filled = rec.Filled.Add(*evt.FillDelta)
	}
	if evt.Status != "" && evt.Status.Rank() > rec.Status.Rank() {
		rec.Status = evt.Status
	}
	if !stale {
		if evt.Price != nil {
			rec.Price = *evt.Price
		}
		if evt.Amount != nil {
			rec.Amount = *evt.Amount
		}
		if evt.ClientOrderID != "" {
			rec.ClientOrderID = evt.ClientOrderID
		}
		if evt.Instrument != "" {
			rec.Instrument = evt.Instrument
		}
		if evt.Side != "" {
			rec.Side = evt.Side
		}
		if evt.Type != "" {
			rec.Type = evt.Type
		}
		if evt.Timestamp.After(rec.UpdatedAt) {
			rec.UpdatedAt = evt.Timestamp
		}
	}
	if rec.Status.IsTerminal() {
		s.ensureTerminalLocked(rec.OrderID, c.clock())
	}
	if c.appliedCounter != nil {
		c.appliedCounter.Add(context.Background(), 1)
	}
	return rec.Clone(), true
}

func sameRecord(a, b schema.OrderRecord) bool {
	return a.OrderID == b.OrderID &&
		a.ClientOrderID == b.ClientOrderID &&
		a.Scope == b.Scope &&
		a.Instrument == b.Instrument &&
		a.Side == b.Side &&
		a.Type == b.Type &&
		a.Status == b.Status &&
		a.Price.Equal(b.Price) &&
		a.Amount.Equal(b.Amount) &&
		a.Filled.Equal(b.Filled) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func (s *scopeState) setSeqLocked(orderID string, seq uint64) {
	if s.lastSeq == nil {
		s.lastSeq = make(map[string]uint64)
	}
	s.lastSeq[orderID] = seq
}

func (s *scopeState) ensureTerminalLocked(orderID string, now time.Time) {
	if s.terminalAt == nil {
		s.terminalAt = make(map[string]time.Time)
	}
	if _, ok := s.terminalAt[orderID]; !ok {
		s.terminalAt[orderID] = now
	}
}

func (c *Cache) scopeFor(scope string) *scopeState {
	c.mu.RLock()
	s, ok := c.scopes[scope]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.scopes[scope]; ok {
		return s
	}
	s = &scopeState{
		state:   StateUninitialized,
		records: make(map[string]*schema.OrderRecord),
	}
	c.scopes[scope] = s
	return s
}

func (c *Cache) publish(rec schema.OrderRecord) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- rec:
		default:
			if c.changeDropped != nil {
				c.changeDropped.Add(context.Background(), 1)
			}
			observability.Log().Warn("change notification dropped on subscriber backpressure",
				observability.F("order_id", rec.OrderID))
		}
	}
}

func (c *Cache) sweepLoop() {
	interval := c.cfg.EvictAfter / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := c.clock()
	c.mu.RLock()
	scopes := make([]*scopeState, 0, len(c.scopes))
	for _, s := range c.scopes {
		scopes = append(scopes, s)
	}
	c.mu.RUnlock()

	for _, s := range scopes {
		s.mu.Lock()
		for id, at := range s.terminalAt {
			if now.Sub(at) < c.cfg.EvictAfter {
				continue
			}
			delete(s.terminalAt, id)
			delete(s.records, id)
			delete(s.lastSeq, id)
			if c.evictedCounter != nil {
				c.evictedCounter.Add(context.Background(), 1)
			}
		}
		s.mu.Unlock()
	}
}

