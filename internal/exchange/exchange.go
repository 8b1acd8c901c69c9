// Package exchange declares the collaborator interfaces the sync core is
// parameterized by. Exchange-specific adapters implement these; the core never
// subclasses or inspects them beyond the declared contract.
package exchange

import (
	"context"
	"time"

	"github.com/kestrelhq/ordersync/internal/schema"
)

// RestOrderClient is the authoritative pull channel for order state. It must
// be safe for concurrent use from the rate-gated mutation path and the
// reconciliation scheduler.
type RestOrderClient interface {
	FetchOpenOrders(ctx context.Context, scope string) ([]schema.OrderRecord, error)
	SubmitOrder(ctx context.Context, spec schema.OrderSpec) (schema.OrderRecord, error)
	CancelOrder(ctx context.Context, scope, orderID string) error
}

// Credential is a short-lived token opening a private websocket channel.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// RestAuthProvider produces websocket credentials on demand. Returning
// (nil, nil) is a valid outcome and means public-only subscription.
type RestAuthProvider interface {
	WebsocketCredential(ctx context.Context) (*Credential, error)
}
