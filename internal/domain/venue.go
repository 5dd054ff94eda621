package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Venue is a remote trading system. Every method may block on the network and
// must honour ctx deadlines. Errors should be *VenueError or
// *MalformedResponseError so they can be classified.
type Venue interface {
	ID() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error)
	// FindOrder looks an order up by client id. Returns ErrNotFound if the
	// venue never accepted it.
	FindOrder(ctx context.Context, symbol, clientID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]OrderStatus, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBookSnapshot, error)
}
