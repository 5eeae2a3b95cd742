// Package exchange defines the venue boundary: the engine emits order
// intents through it and receives fills back. Wire protocols, signing, and
// rate limiting live behind implementations, never in the core.
package exchange

import (
	"context"

	"github.com/tern-labs/gridtrader/internal/types"
)

// Exchange is the order-routing surface the engine talks to.
type Exchange interface {
	// PlaceLimitOrder submits a resting limit order and returns the venue's
	// order id.
	PlaceLimitOrder(ctx context.Context, intent types.OrderIntent) (string, error)
	// CancelOrder removes a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// OpenOrders lists the orders currently resting for a symbol.
	OpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	// Ticker returns the venue's last traded price for a symbol.
	Ticker(ctx context.Context, symbol string) (types.Ticker, error)
	// Fills streams fill notifications. The channel is closed when the
	// venue connection shuts down.
	Fills() <-chan types.Fill
}
