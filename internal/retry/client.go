// Package retry wraps the teardown paths of the exchange client with bounded
// exponential backoff. Only cancels and force-closes retry here: the entry
// state machine has its own deadline discipline and never retries placement.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
)

// Config controls the retry behavior.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is the production tuning.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries cancel and close operations against the exchange.
type Client struct {
	client exchange.Client
	logger *log.Logger
	config Config
}

// NewClient creates a retrying wrapper around the exchange client.
func NewClient(client exchange.Client, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stderr, "retry: ", log.LstdFlags)
	}
	return &Client{client: client, logger: logger, config: cfg}
}

// CancelOrderWithRetry cancels an order, retrying transient and rate-limit
// failures with backoff. "Not found" is success: the order is already gone.
func (c *Client) CancelOrderWithRetry(
	ctx context.Context,
	symbol, orderID string,
	clientID int64,
	creds exchange.Credentials,
) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if opCtx.Err() != nil {
			return fmt.Errorf("cancel timed out after %v: %w", c.config.Timeout, opCtx.Err())
		}

		err := c.client.CancelOrder(opCtx, symbol, orderID, clientID, creds)
		if err == nil || exchange.IsNotFound(err) {
			return nil
		}
		lastErr = err

		if !c.isRetryable(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.Printf("cancel attempt %d/%d for %s order %d failed, retrying in %v: %v",
			attempt+1, c.config.MaxRetries+1, symbol, clientID, backoff, err)
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("cancel timed out during backoff: %w", opCtx.Err())
		}
	}

	return fmt.Errorf("cancelling %s order %d after %d attempts: %w",
		symbol, clientID, c.config.MaxRetries+1, lastErr)
}

// PlaceCloseWithRetry submits a reduce-only close order with the same retry
// policy. Validation errors are terminal; a close rejected for a shrinking
// position is rechecked by the caller, not retried blindly here.
func (c *Client) PlaceCloseWithRetry(
	ctx context.Context,
	req exchange.OrderRequest,
	creds exchange.Credentials,
) (*exchange.OpenOrder, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if opCtx.Err() != nil {
			return nil, fmt.Errorf("close timed out after %v: %w", c.config.Timeout, opCtx.Err())
		}

		order, err := c.client.PlaceOrder(opCtx, req, creds)
		if err == nil {
			return order, nil
		}
		lastErr = err

		if !c.isRetryable(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.Printf("close attempt %d/%d for %s failed, retrying in %v: %v",
			attempt+1, c.config.MaxRetries+1, req.Symbol, backoff, err)
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return nil, fmt.Errorf("close timed out during backoff: %w", opCtx.Err())
		}
	}

	return nil, fmt.Errorf("closing %s after %d attempts: %w", req.Symbol, c.config.MaxRetries+1, lastErr)
}

func (c *Client) isRetryable(err error) bool {
	switch exchange.KindOf(err) {
	case exchange.KindTransient, exchange.KindRateLimited:
		return true
	default:
		return false
	}
}

// nextBackoff grows the delay by 1.5x, capped, plus up to 25% jitter.
func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("jitter generation failed: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}
