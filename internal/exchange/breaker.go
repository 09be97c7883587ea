package exchange

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerClient wraps a Client so that a run of exchange failures
// opens the circuit and sheds load instead of hammering a degraded API.
type CircuitBreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerClient creates a CircuitBreakerClient with sensible defaults.
func NewCircuitBreakerClient(client Client) *CircuitBreakerClient {
	return NewCircuitBreakerClientWithSettings(client, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerClientWithSettings creates a CircuitBreakerClient with custom settings.
func NewCircuitBreakerClientWithSettings(client Client, settings CircuitBreakerSettings) *CircuitBreakerClient {
	gbSettings := gobreaker.Settings{
		Name:        "ExchangeCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Expected trading signals must not trip the breaker: a post-only
			// rejection or a cancel on a gone order is the API working fine.
			if err == nil {
				return true
			}
			switch KindOf(err) {
			case KindWouldMatch, KindNotFound, KindValidation:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	client Client,
	fn func(Client) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(client) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetMarkets wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetMarkets(ctx context.Context) ([]Market, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]Market, error) { return cl.GetMarkets(ctx) })
}

// GetMarkPrices wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetMarkPrices(ctx context.Context, symbols []string) ([]MarkPrice, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]MarkPrice, error) { return cl.GetMarkPrices(ctx, symbols) })
}

// GetKLines wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetKLines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]Candle, error) {
		return cl.GetKLines(ctx, symbol, interval, limit)
	})
}

// GetAccount wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetAccount(ctx context.Context, creds Credentials) (*Account, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (*Account, error) { return cl.GetAccount(ctx, creds) })
}

// GetCollateral wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetCollateral(ctx context.Context, creds Credentials) (*Collateral, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (*Collateral, error) { return cl.GetCollateral(ctx, creds) })
}

// GetOpenOrders wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetOpenOrders(ctx context.Context, symbol string, creds Credentials) ([]OpenOrder, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]OpenOrder, error) {
		return cl.GetOpenOrders(ctx, symbol, creds)
	})
}

// GetOpenPositions wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetOpenPositions(ctx context.Context, creds Credentials) ([]OpenPosition, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]OpenPosition, error) {
		return cl.GetOpenPositions(ctx, creds)
	})
}

// GetFillHistory wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetFillHistory(ctx context.Context, symbol string, since time.Time, limit int, creds Credentials) ([]Fill, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]Fill, error) {
		return cl.GetFillHistory(ctx, symbol, since, limit, creds)
	})
}

// PlaceOrder wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) PlaceOrder(ctx context.Context, req OrderRequest, creds Credentials) (*OpenOrder, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (*OpenOrder, error) { return cl.PlaceOrder(ctx, req, creds) })
}

// CancelOrder wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) CancelOrder(ctx context.Context, symbol, orderID string, clientID int64, creds Credentials) error {
	_, err := execBreaker(c.breaker, c.client, func(cl Client) (struct{}, error) {
		return struct{}{}, cl.CancelOrder(ctx, symbol, orderID, clientID, creds)
	})
	return err
}
