// Package fake provides an in-memory exchange for local runs and tests. It
// implements the REST order client, the auth provider and the stream
// transport so the whole synchronization stack can run without a network.
package fake

import (
	"context"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/kestrelhq/ordersync/config"
	"github.com/kestrelhq/ordersync/errs"
	"github.com/kestrelhq/ordersync/internal/exchange"
	"github.com/kestrelhq/ordersync/internal/schema"
	"github.com/kestrelhq/ordersync/internal/stream"
)

// wireOrderEvent is the frame payload shape the fake feed emits.
type wireOrderEvent struct {
	Scope         string  `json:"scope"`
	OrderID       string  `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId,omitempty"`
	Instrument    string  `json:"instrument,omitempty"`
	Side          string  `json:"side,omitempty"`
	Type          string  `json:"type,omitempty"`
	Price         *string `json:"price,omitempty"`
	Amount        *string `json:"amount,omitempty"`
	FillDelta     *string `json:"fillDelta,omitempty"`
	Status        string  `json:"status,omitempty"`
	Timestamp     int64   `json:"ts,omitempty"`
	Seq           uint64  `json:"seq,omitempty"`
}

// ParseOrderEvent decodes a routed frame payload into a delta.
func ParseOrderEvent(payload []byte) (schema.OrderEvent, error) {
	var wire wireOrderEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return schema.OrderEvent{}, errs.New("fake", errs.CodeParse,
			errs.WithMessage("decode order event"), errs.WithCause(err))
	}
	evt := schema.OrderEvent{
		Scope:         wire.Scope,
		OrderID:       wire.OrderID,
		ClientOrderID: wire.ClientOrderID,
		Instrument:    wire.Instrument,
		Side:          schema.TradeSide(wire.Side),
		Type:          schema.OrderType(wire.Type),
		Status:        schema.OrderStatus(wire.Status),
		Seq:           wire.Seq,
	}
	if wire.Timestamp > 0 {
		evt.Timestamp = time.UnixMilli(wire.Timestamp)
	}
	var err error
	if evt.Price, err = parseDecimal(wire.Price); err != nil {
		return schema.OrderEvent{}, err
	}
	if evt.Amount, err = parseDecimal(wire.Amount); err != nil {
		return schema.OrderEvent{}, err
	}
	if evt.FillDelta, err = parseDecimal(wire.FillDelta); err != nil {
		return schema.OrderEvent{}, err
	}
	if validErr := evt.Validate(); validErr != nil {
		return schema.OrderEvent{}, validErr
	}
	return evt, nil
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, errs.New("fake", errs.CodeParse,
			errs.WithMessage("decode decimal "+*s), errs.WithCause(err))
	}
	return &d, nil
}

// Exchange is the in-memory exchange. One instance backs both the REST
// surface and the websocket feed so writes become deltas automatically.
type Exchange struct {
	mu      sync.Mutex
	orders  map[string]*schema.OrderRecord
	nextID  int
	nextSeq uint64
	clock   func() time.Time

	feedMu sync.Mutex
	feeds  []*Transport

	token string
}

// NewExchange creates an empty in-memory exchange.
func NewExchange() *Exchange {
	return &Exchange{
		orders: make(map[string]*schema.OrderRecord),
		clock:  time.Now,
		token:  "fake-session-token",
	}
}

var (
	_ exchange.RestOrderClient  = (*Exchange)(nil)
	_ exchange.RestAuthProvider = (*Exchange)(nil)
)

// FetchOpenOrders implements exchange.RestOrderClient.
func (e *Exchange) FetchOpenOrders(_ context.Context, scope string) ([]schema.OrderRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []schema.OrderRecord
	for _, rec := range e.orders {
		if rec.Scope == scope && !rec.Status.IsTerminal() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// SubmitOrder implements exchange.RestOrderClient. The acknowledgement is
// also pushed to the feed as an OPEN delta, mirroring real exchanges.
func (e *Exchange) SubmitOrder(_ context.Context, spec schema.OrderSpec) (schema.OrderRecord, error) {
	if spec.Scope == "" || spec.Instrument == "" {
		return schema.OrderRecord{}, errs.New("fake", errs.CodeInvalid,
			errs.WithMessage("scope and instrument required"))
	}
	e.mu.Lock()
	e.nextID++
	rec := &schema.OrderRecord{
		OrderID:       "fo-" + strconv.Itoa(e.nextID),
		ClientOrderID: spec.ClientRef,
		Scope:         spec.Scope,
		Instrument:    spec.Instrument,
		Side:          spec.Side,
		Type:          spec.Type,
		Price:         spec.Price,
		Amount:        spec.Amount,
		Status:        schema.StatusNew,
		UpdatedAt:     e.clock(),
	}
	e.orders[rec.OrderID] = rec
	ack := rec.Clone()
	e.mu.Unlock()

	e.transition(ack.OrderID, schema.StatusOpen)
	return ack, nil
}

// CancelOrder implements exchange.RestOrderClient.
func (e *Exchange) CancelOrder(_ context.Context, scope, orderID string) error {
	e.mu.Lock()
	rec, ok := e.orders[orderID]
	if !ok || rec.Scope != scope {
		e.mu.Unlock()
		return errs.New("fake", errs.CodeNotFound,
			errs.WithMessage("order "+orderID+" not found"))
	}
	if rec.Status.IsTerminal() {
		e.mu.Unlock()
		return errs.New("fake", errs.CodeConflict,
			errs.WithMessage("order "+orderID+" already terminal"))
	}
	e.mu.Unlock()

	e.transition(orderID, schema.StatusCancelled)
	return nil
}

// WebsocketCredential implements exchange.RestAuthProvider.
func (e *Exchange) WebsocketCredential(context.Context) (*exchange.Credential, error) {
	return &exchange.Credential{Token: e.token, ExpiresAt: e.clock().Add(time.Hour)}, nil
}

// Fill applies a partial or full fill and emits the delta.
func (e *Exchange) Fill(orderID string, qty decimal.Decimal) error {
	e.mu.Lock()
	rec, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return errs.New("fake", errs.CodeNotFound,
			errs.WithMessage("order "+orderID+" not found"))
	}
	rec.Filled = rec.Filled.Add(qty)
	rec.UpdatedAt = e.clock()
	if rec.Filled.GreaterThanOrEqual(rec.Amount) {
		rec.Status = schema.StatusFilled
	} else {
		rec.Status = schema.StatusPartiallyFilled
	}
	evt := e.deltaLocked(rec)
	fill := qty.String()
	evt.FillDelta = &fill
	e.mu.Unlock()

	e.emit(evt)
	return nil
}

// transition moves an order to the given status and emits the delta.
func (e *Exchange) transition(orderID string, status schema.OrderStatus) {
	e.mu.Lock()
	rec, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	rec.Status = status
	rec.UpdatedAt = e.clock()
	evt := e.deltaLocked(rec)
	e.mu.Unlock()

	e.emit(evt)
}

func (e *Exchange) deltaLocked(rec *schema.OrderRecord) wireOrderEvent {
	price := rec.Price.String()
	amount := rec.Amount.String()
	e.nextSeq++
	return wireOrderEvent{
		Seq:           e.nextSeq,
		Scope:         rec.Scope,
		OrderID:       rec.OrderID,
		ClientOrderID: rec.ClientOrderID,
		Instrument:    rec.Instrument,
		Side:          string(rec.Side),
		Type:          string(rec.Type),
		Price:         &price,
		Amount:        &amount,
		Status:        string(rec.Status),
		Timestamp:     rec.UpdatedAt.UnixMilli(),
	}
}

func (e *Exchange) emit(evt wireOrderEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	frame, err := json.Marshal(map[string]any{
		"channel":    "orders",
		"instrument": evt.Instrument,
		"event":      "update",
		"data":       json.RawMessage(payload),
	})
	if err != nil {
		return
	}
	e.feedMu.Lock()
	feeds := append([]*Transport(nil), e.feeds...)
	e.feedMu.Unlock()
	for _, feed := range feeds {
		feed.push(frame)
	}
}

// Dialer returns a stream dialer producing transports fed by this exchange.
func (e *Exchange) Dialer() stream.Dialer {
	return func(context.Context, config.StreamSettings) (stream.Transport, error) {
		t := &Transport{
			frames: make(chan []byte, 256),
			closed: make(chan struct{}),
		}
		e.feedMu.Lock()
		e.feeds = append(e.feeds, t)
		e.feedMu.Unlock()
		return t, nil
	}
}

// Transport is the in-memory websocket leg of the fake exchange.
type Transport struct {
	mu     sync.Mutex
	sent   [][]byte
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

var _ stream.Transport = (*Transport)(nil)

// Connect implements stream.Transport.
func (t *Transport) Connect(context.Context) error { return nil }

// Send implements stream.Transport. Control messages are recorded; pings get
// an immediate pong.
func (t *Transport) Send(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errs.New("fake", errs.CodeNetwork, errs.WithMessage("transport closed"))
	default:
	}
	t.mu.Lock()
	copied := make([]byte, len(data))
	copy(copied, data)
	t.sent = append(t.sent, copied)
	t.mu.Unlock()

	var req struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &req); err == nil && req.Op == "ping" {
		t.push([]byte("pong"))
	}
	return nil
}

// Receive implements stream.Transport.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.frames:
		return frame, nil
	case <-t.closed:
		return nil, errs.New("fake", errs.CodeNetwork, errs.WithMessage("transport closed"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements stream.Transport.
func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// Sent returns a copy of all control messages written so far.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *Transport) push(frame []byte) {
	select {
	case <-t.closed:
	case t.frames <- frame:
	default:
	}
}
