package exchange

import (
	"context"
	"time"
)

// Client is the capability set the engine consumes from the exchange.
// All methods are fallible; failures carry a Kind (see errors.go) so callers
// can distinguish rate limits, transient faults, post-only rejections,
// validation errors, auth failures and missing resources.
//
// Implementations must be safe for concurrent use: every bot in the process
// shares one client.
type Client interface {
	// Market data (public endpoints)
	GetMarkets(ctx context.Context) ([]Market, error)
	GetMarkPrices(ctx context.Context, symbols []string) ([]MarkPrice, error)
	GetKLines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// Account (private endpoints)
	GetAccount(ctx context.Context, creds Credentials) (*Account, error)
	GetCollateral(ctx context.Context, creds Credentials) (*Collateral, error)
	GetOpenOrders(ctx context.Context, symbol string, creds Credentials) ([]OpenOrder, error)
	GetOpenPositions(ctx context.Context, creds Credentials) ([]OpenPosition, error)
	GetFillHistory(ctx context.Context, symbol string, since time.Time, limit int, creds Credentials) ([]Fill, error)

	// Trading (private endpoints)
	PlaceOrder(ctx context.Context, req OrderRequest, creds Credentials) (*OpenOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string, clientID int64, creds Credentials) error
}

// Ensure the concrete implementations satisfy Client at compile time.
var (
	_ Client = (*BackpackClient)(nil)
	_ Client = (*CircuitBreakerClient)(nil)
)
