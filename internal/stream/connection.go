package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/kestrelhq/ordersync/config"
	"github.com/kestrelhq/ordersync/errs"
	"github.com/kestrelhq/ordersync/internal/exchange"
	"github.com/kestrelhq/ordersync/internal/observability"
)

const (
	connectWaitTimeout   = 10 * time.Second
	controlWriteTimeout  = 5 * time.Second
	maxReconnectInterval = 20 * time.Second
)

// State tracks the connection through its lifecycle.
type State int32

const (
	// StateDisconnected means no socket is open.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the handshake succeeded.
	StateConnected
	// StateSubscribing means the combined subscribe message is being replayed.
	StateSubscribing
	// StateStreaming means frames are flowing.
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

type subscription struct {
	desc   Descriptor
	frames chan []byte
}

// Connection owns exactly one physical socket and multiplexes logical channel
// subscriptions over it. Subscriptions do not survive a reconnect on the wire;
// the connection replays the full combined subscribe message after every
// successful dial.
type Connection struct {
	cfg   config.StreamSettings
	codec Codec
	dial  Dialer
	auth  exchange.RestAuthProvider

	ctx    context.Context
	cancel context.CancelFunc
	loop   conc.WaitGroup

	state      atomic.Int32
	generation atomic.Uint64
	started    atomic.Bool
	stopped    atomic.Bool

	transportMu sync.RWMutex
	transport   Transport

	control *rate.Limiter

	subsMu sync.Mutex
	subs   map[string]*subscription

	connectivity chan bool
	errCh        chan error

	ready     chan struct{}
	readyOnce sync.Once

	connectCounter metric.Int64Counter
	droppedCounter metric.Int64Counter
}

// Option customises connection construction.
type Option func(*Connection)

// WithDialer overrides the transport dialer; tests install scripted fakes.
func WithDialer(dial Dialer) Option {
	return func(c *Connection) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithAuthProvider attaches the credential source for private channels.
// Credentials are fetched lazily at subscribe time; absence degrades to
// public-only subscription with a logged warning.
func WithAuthProvider(auth exchange.RestAuthProvider) Option {
	return func(c *Connection) {
		c.auth = auth
	}
}

// NewConnection builds an unconnected connection for the given settings.
func NewConnection(cfg config.StreamSettings, codec Codec, opts ...Option) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := new(Connection)
	c.cfg = cfg
	c.codec = codec
	c.dial = WebsocketDialer
	c.ctx = ctx
	c.cancel = cancel
	c.subs = make(map[string]*subscription)
	c.connectivity = make(chan bool, 8)
	c.errCh = make(chan error, 16)
	c.ready = make(chan struct{})
	if cfg.ControlRate > 0 {
		c.control = rate.NewLimiter(rate.Limit(cfg.ControlRate), 1)
	} else {
		c.control = rate.NewLimiter(rate.Inf, 1)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	meter := otel.Meter("stream")
	c.connectCounter, _ = meter.Int64Counter("stream.connects",
		metric.WithDescription("Number of successful socket connects"),
		metric.WithUnit("{connect}"))
	c.droppedCounter, _ = meter.Int64Counter("stream.frames.dropped",
		metric.WithDescription("Number of frames dropped on subscriber backpressure"),
		metric.WithUnit("{frame}"))

	return c
}

// Connect starts the connect loop and blocks until the first handshake and
// subscription replay complete, the context expires, or the wait times out.
// The reconnect loop keeps running in the background either way.
func (c *Connection) Connect(ctx context.Context) error {
	if c.stopped.Load() {
		return errs.New("stream", errs.CodeUnavailable, errs.WithMessage("connection disposed"))
	}
	if !c.started.Swap(true) {
		gen := c.generation.Load()
		c.loop.Go(func() { c.connectLoop(gen) })
	}
	select {
	case <-c.ready:
		return nil
	case <-time.After(connectWaitTimeout):
		return errs.New("stream", errs.CodeUnavailable,
			errs.WithMessage("timeout waiting for stream connection"))
	case <-ctx.Done():
		return fmt.Errorf("stream connect: %w", ctx.Err())
	case <-c.ctx.Done():
		return errs.New("stream", errs.CodeUnavailable, errs.WithMessage("connection disposed"))
	}
}

// Subscribe registers the descriptor and returns its frame channel. Requesting
// the same descriptor twice returns the same channel without re-subscribing.
func (c *Connection) Subscribe(ctx context.Context, desc Descriptor) (<-chan []byte, error) {
	if !desc.Valid() {
		return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage("descriptor requires a channel"))
	}
	key := desc.Key()
	c.subsMu.Lock()
	if existing, ok := c.subs[key]; ok {
		c.subsMu.Unlock()
		return existing.frames, nil
	}
	buffer := c.cfg.FrameBuffer
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscription{desc: desc, frames: make(chan []byte, buffer)}
	c.subs[key] = sub
	c.subsMu.Unlock()

	if c.Alive() {
		if err := c.sendSubscribe(ctx, []Descriptor{desc}); err != nil {
			// The registration stands; the next reconnect replay repairs it.
			c.reportError(fmt.Errorf("subscribe %s: %w", key, err))
		}
	}
	return sub.frames, nil
}

// Unsubscribe removes the descriptor and closes its frame channel. The close
// happens under subsMu, paired with the locked send in deliver.
func (c *Connection) Unsubscribe(ctx context.Context, desc Descriptor) error {
	key := desc.Key()
	c.subsMu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
		close(sub.frames)
	}
	c.subsMu.Unlock()
	if !ok {
		return nil
	}
	if !c.Alive() {
		return nil
	}
	data, err := c.codec.EncodeUnsubscribe([]Descriptor{desc})
	if err != nil {
		return err
	}
	return c.sendControl(ctx, data)
}

// Disconnect tears the connection down and releases all resources. Stale
// callbacks from the old socket are fenced off by the generation counter.
func (c *Connection) Disconnect(ctx context.Context) error {
	_ = ctx
	if c.stopped.Swap(true) {
		return nil
	}
	c.generation.Add(1)
	c.cancel()
	c.transportMu.Lock()
	tr := c.transport
	c.transport = nil
	c.transportMu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	c.loop.Wait()
	c.setState(StateDisconnected)

	c.subsMu.Lock()
	for _, sub := range c.subs {
		close(sub.frames)
	}
	c.subs = make(map[string]*subscription)
	c.subsMu.Unlock()
	close(c.connectivity)
	return nil
}

// Alive reports whether frames are currently flowing.
func (c *Connection) Alive() bool {
	return c.State() == StateStreaming
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// ConnectivityChanges exposes connected/disconnected transitions. The channel
// is closed on Disconnect.
func (c *Connection) ConnectivityChanges() <-chan bool {
	return c.connectivity
}

// Errs exposes non-fatal transport and subscription errors.
func (c *Connection) Errs() <-chan error {
	return c.errCh
}

func (c *Connection) connectLoop(gen uint64) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if c.generation.Load() != gen {
			return
		}

		c.setState(StateConnecting)
		tr, err := c.dial(c.ctx, c.cfg)
		if err != nil {
			c.setState(StateDisconnected)
			c.reportError(fmt.Errorf("dial stream: %w", err))
			if !c.sleepBackoff(bo) {
				return
			}
			continue
		}
		if c.generation.Load() != gen {
			_ = tr.Close()
			return
		}

		c.transportMu.Lock()
		c.transport = tr
		c.transportMu.Unlock()
		c.setState(StateConnected)

		c.setState(StateSubscribing)
		if err := c.replaySubscriptions(); err != nil {
			// Connect resolves only once handshake and initial
			// subscribe both succeed; tear down and redial.
			c.reportError(fmt.Errorf("resubscribe after connect: %w", err))
			c.transportMu.Lock()
			if c.transport == tr {
				c.transport = nil
			}
			c.transportMu.Unlock()
			_ = tr.Close()
			c.setState(StateDisconnected)
			if !c.sleepBackoff(bo) {
				return
			}
			continue
		}
		c.setState(StateStreaming)
		c.readyOnce.Do(func() { close(c.ready) })
		c.signalConnectivity(true)
		if c.connectCounter != nil {
			c.connectCounter.Add(c.ctx, 1)
		}
		bo.Reset()

		connCtx, connCancel := context.WithCancel(c.ctx)
		loopErrs := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			loopErrs <- c.readLoop(connCtx, tr)
		}()
		go func() {
			defer wg.Done()
			loopErrs <- c.pingLoop(connCtx, tr)
		}()

		firstErr := <-loopErrs
		connCancel()

		c.transportMu.Lock()
		if c.transport == tr {
			c.transport = nil
		}
		c.transportMu.Unlock()
		_ = tr.Close()
		wg.Wait()

		c.setState(StateDisconnected)
		c.signalConnectivity(false)
		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			c.reportError(fmt.Errorf("stream connection loop: %w", firstErr))
		}
		if !c.sleepBackoff(bo) {
			return
		}
	}
}

func (c *Connection) readLoop(ctx context.Context, tr Transport) error {
	for {
		data, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		key, payload, rerr := c.codec.Route(data)
		if rerr != nil {
			// A malformed frame never takes the connection down.
			observability.Log().Warn("dropping unparseable frame",
				observability.F("error", rerr.Error()))
			continue
		}
		if key == "" {
			continue
		}
		c.deliver(ctx, key, payload)
	}
}

func (c *Connection) pingLoop(ctx context.Context, tr Transport) error {
	payload, ok := c.codec.EncodePing()
	if !ok || c.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return context.Canceled
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
			err := tr.Send(writeCtx, payload)
			cancel()
			if err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// deliver routes a frame to its subscriber. The send happens under subsMu so
// Unsubscribe cannot close the channel between lookup and send; the send is
// non-blocking, so the hold is bounded.
func (c *Connection) deliver(ctx context.Context, key string, payload []byte) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	sub, ok := c.subs[key]
	if !ok {
		// Fall back to the channel-wide subscription when no exact
		// instrument match is registered.
		if i := strings.Index(key, "|"); i >= 0 {
			sub, ok = c.subs[key[:i+1]]
		}
	}
	if !ok {
		return
	}
	select {
	case sub.frames <- payload:
	default:
		if c.droppedCounter != nil {
			c.droppedCounter.Add(ctx, 1)
		}
		observability.Log().Warn("frame dropped on subscriber backpressure",
			observability.F("subscription", key))
	}
}

// replaySubscriptions sends one combined subscribe message covering every
// registered descriptor exactly once.
func (c *Connection) replaySubscriptions() error {
	c.subsMu.Lock()
	descs := make([]Descriptor, 0, len(c.subs))
	for _, sub := range c.subs {
		descs = append(descs, sub.desc)
	}
	c.subsMu.Unlock()
	if len(descs) == 0 {
		return nil
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Key() < descs[j].Key() })
	return c.sendSubscribe(c.ctx, descs)
}

func (c *Connection) sendSubscribe(ctx context.Context, descs []Descriptor) error {
	data, err := c.codec.EncodeSubscribe(descs, c.websocketToken(ctx))
	if err != nil {
		return err
	}
	return c.sendControl(ctx, data)
}

func (c *Connection) sendControl(ctx context.Context, data []byte) error {
	if ctx == nil {
		ctx = c.ctx
	}
	if err := c.control.Wait(ctx); err != nil {
		return fmt.Errorf("control pacing wait: %w", err)
	}
	c.transportMu.RLock()
	tr := c.transport
	c.transportMu.RUnlock()
	if tr == nil {
		// Not connected; the reconnect replay will carry the registration.
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	if err := tr.Send(writeCtx, data); err != nil {
		return fmt.Errorf("write control request: %w", err)
	}
	return nil
}

func (c *Connection) websocketToken(ctx context.Context) string {
	if c.auth == nil {
		return ""
	}
	cred, err := c.auth.WebsocketCredential(ctx)
	if err != nil {
		observability.Log().Warn("websocket credential unavailable, subscribing public-only",
			observability.F("error", err.Error()))
		return ""
	}
	if cred == nil {
		return ""
	}
	return cred.Token
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// signalConnectivity publishes a transition with latest-value semantics: when
// the buffer is full the oldest entry is shed so the newest edge is never
// lost. Only the connect loop writes here, so the retry cannot live-lock.
func (c *Connection) signalConnectivity(connected bool) {
	for {
		select {
		case c.connectivity <- connected:
			return
		default:
		}
		select {
		case <-c.connectivity:
		default:
		}
	}
}

func (c *Connection) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case <-c.ctx.Done():
	case c.errCh <- err:
	default:
	}
}

func (c *Connection) sleepBackoff(bo *backoff.ExponentialBackOff) bool {
	sleep := bo.NextBackOff()
	if sleep == backoff.Stop {
		sleep = maxReconnectInterval
	}
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}
