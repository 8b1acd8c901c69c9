// Package facade exposes the synchronized order view behind one entry point.
// Reads come from the local cache while it is warm and fall through to REST
// otherwise; writes always go to REST through the rate gate.
package facade

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrelhq/ordersync/errs"
	"github.com/kestrelhq/ordersync/internal/exchange"
	"github.com/kestrelhq/ordersync/internal/observability"
	"github.com/kestrelhq/ordersync/internal/ordercache"
	"github.com/kestrelhq/ordersync/internal/rategate"
	"github.com/kestrelhq/ordersync/internal/schema"
)

type orderKey struct {
	scope   string
	orderID string
}

// Service is the single client-facing surface over the cache, the REST
// client and the rate gate.
type Service struct {
	cache *ordercache.Cache
	rest  exchange.RestOrderClient
	gate  *rategate.Gate

	refMu sync.RWMutex
	refs  map[string]orderKey
}

// NewService wires the facade.
func NewService(cache *ordercache.Cache, rest exchange.RestOrderClient, gate *rategate.Gate) *Service {
	return &Service{
		cache: cache,
		rest:  rest,
		gate:  gate,
		refs:  make(map[string]orderKey),
	}
}

// State reports the cache state for the scope.
func (s *Service) State(scope string) ordercache.State {
	return s.cache.StateOf(scope)
}

// OpenOrders returns the open orders for the scope. Warm scopes are served
// from the cache without touching the network; anything else goes straight
// to REST through the gate.
func (s *Service) OpenOrders(ctx context.Context, scope string) ([]schema.OrderRecord, error) {
	if s.cache.StateOf(scope) == ordercache.StateWarm {
		return s.cache.OpenOrders(scope), nil
	}
	var records []schema.OrderRecord
	err := s.gate.Execute(ctx, func() error {
		var fetchErr error
		records, fetchErr = s.rest.FetchOpenOrders(ctx, scope)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Order returns a single order. Cache hits are served locally; on a miss the
// open-order set is fetched from REST and scanned.
func (s *Service) Order(ctx context.Context, scope, orderID string) (schema.OrderRecord, error) {
	if rec, ok := s.cache.Order(scope, orderID); ok {
		return rec, nil
	}
	var records []schema.OrderRecord
	err := s.gate.Execute(ctx, func() error {
		var fetchErr error
		records, fetchErr = s.rest.FetchOpenOrders(ctx, scope)
		return fetchErr
	})
	if err != nil {
		return schema.OrderRecord{}, err
	}
	for _, rec := range records {
		if rec.OrderID == orderID {
			return rec, nil
		}
	}
	return schema.OrderRecord{}, errs.New("facade", errs.CodeNotFound,
		errs.WithMessage("order "+orderID+" not found in scope "+scope))
}

// OrderByRef resolves an order by the client reference returned from
// PlaceOrder.
func (s *Service) OrderByRef(ctx context.Context, clientRef string) (schema.OrderRecord, error) {
	s.refMu.RLock()
	key, ok := s.refs[clientRef]
	s.refMu.RUnlock()
	if !ok {
		return schema.OrderRecord{}, errs.New("facade", errs.CodeNotFound,
			errs.WithMessage("unknown client ref "+clientRef))
	}
	return s.Order(ctx, key.scope, key.orderID)
}

// PlaceOrder submits an order through the rate gate. A missing ClientRef is
// generated so every submission is correlatable; the assigned ref is set on
// the returned record's ClientOrderID.
func (s *Service) PlaceOrder(ctx context.Context, spec schema.OrderSpec) (schema.OrderRecord, error) {
	if spec.ClientRef == "" {
		spec.ClientRef = uuid.NewString()
	}
	var ack schema.OrderRecord
	err := s.gate.Execute(ctx, func() error {
		var submitErr error
		ack, submitErr = s.rest.SubmitOrder(ctx, spec)
		return submitErr
	})
	if err != nil {
		return schema.OrderRecord{}, err
	}
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = spec.ClientRef
	}

	s.refMu.Lock()
	s.refs[spec.ClientRef] = orderKey{scope: ack.Scope, orderID: ack.OrderID}
	s.refMu.Unlock()

	// Seed the cache with the acknowledgement so the order is visible
	// before the first delta or snapshot mentions it.
	if applyErr := s.cache.ApplyEvent(ackEvent(ack)); applyErr != nil {
		observability.Log().Warn("could not seed cache with submit ack",
			observability.F("order_id", ack.OrderID),
			observability.F("error", applyErr.Error()))
	}
	return ack, nil
}

// CancelOrder requests a cancel through the rate gate. The terminal state
// arrives through the push feed or the next reconciliation, never from here.
func (s *Service) CancelOrder(ctx context.Context, scope, orderID string) error {
	return s.gate.Execute(ctx, func() error {
		return s.rest.CancelOrder(ctx, scope, orderID)
	})
}

func ackEvent(rec schema.OrderRecord) schema.OrderEvent {
	price := rec.Price
	amount := rec.Amount
	return schema.OrderEvent{
		Scope:         rec.Scope,
		OrderID:       rec.OrderID,
		ClientOrderID: rec.ClientOrderID,
		Instrument:    rec.Instrument,
		Side:          rec.Side,
		Type:          rec.Type,
		Price:         &price,
		Amount:        &amount,
		Status:        rec.Status,
		Timestamp:     rec.UpdatedAt,
	}
}
