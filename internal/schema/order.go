// Package schema defines the canonical order types shared across the sync core.
package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelhq/ordersync/errs"
)

// TradeSide identifies the order direction.
type TradeSide string

const (
	// SideBuy marks a buy order.
	SideBuy TradeSide = "BUY"
	// SideSell marks a sell order.
	SideSell TradeSide = "SELL"
)

// OrderType identifies the execution style of an order.
type OrderType string

const (
	// TypeLimit marks a limit order.
	TypeLimit OrderType = "LIMIT"
	// TypeMarket marks a market order.
	TypeMarket OrderType = "MARKET"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	// StatusNew marks an order accepted but not yet resting.
	StatusNew OrderStatus = "NEW"
	// StatusOpen marks a resting order.
	StatusOpen OrderStatus = "OPEN"
	// StatusPartiallyFilled marks an order with partial executions.
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// StatusFilled marks a completely executed order.
	StatusFilled OrderStatus = "FILLED"
	// StatusCancelled marks an order cancelled before completion.
	StatusCancelled OrderStatus = "CANCELLED"
	// StatusRejected marks an order refused by the exchange.
	StatusRejected OrderStatus = "REJECTED"
	// StatusExpired marks an order that timed out on the exchange.
	StatusExpired OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Rank orders statuses along the lifecycle. Terminal states share the highest
// rank; a transition to a lower rank is a regression.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusNew:
		return 1
	case StatusOpen:
		return 2
	case StatusPartiallyFilled:
		return 3
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return 4
	default:
		return 0
	}
}

// Validate checks the status against the known lifecycle values.
func (s OrderStatus) Validate() error {
	if s.Rank() == 0 {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage("unknown order status"), errs.WithDetail("status", string(s)))
	}
	return nil
}

// OrderRecord is the locally cached view of one exchange order. Records are
// owned by the order cache and mutated only through merge operations; callers
// always receive value copies.
type OrderRecord struct {
	OrderID       string
	ClientOrderID string
	Scope         string
	Instrument    string
	Side          TradeSide
	Type          OrderType
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Filled        decimal.Decimal
	Status        OrderStatus
	UpdatedAt     time.Time
}

// Clone returns an independent copy of the record.
func (r *OrderRecord) Clone() OrderRecord {
	if r == nil {
		return OrderRecord{}
	}
	return *r
}

// OrderEvent is a delta describing a field-level or status change to one
// order. Zero-valued fields leave the cached record untouched. Seq carries the
// per-channel sequence hint when the exchange provides one; zero means
// untagged, best-effort ordering by arrival.
type OrderEvent struct {
	Scope         string
	OrderID       string
	ClientOrderID string
	Instrument    string
	Side          TradeSide
	Type          OrderType
	Price         *decimal.Decimal
	Amount        *decimal.Decimal
	FillDelta     *decimal.Decimal
	Status        OrderStatus
	Timestamp     time.Time
	Seq           uint64
}

// Validate checks the event for the minimum fields a merge requires.
func (e OrderEvent) Validate() error {
	if e.OrderID == "" {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage("event order id required"))
	}
	if e.Status != "" {
		if err := e.Status.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// OrderSpec describes an order submission.
type OrderSpec struct {
	Scope      string
	Instrument string
	Side       TradeSide
	Type       OrderType
	Price      decimal.Decimal
	Amount     decimal.Decimal
	// ClientRef is the caller-supplied reference correlated with the
	// exchange-assigned order id.
	ClientRef string
}
