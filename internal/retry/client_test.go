package retry

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
)

// cancelFake counts cancel attempts and fails the first n of them.
type cancelFake struct {
	exchange.Client // panics on anything unexpected

	mu       sync.Mutex
	attempts int
	errs     []error // consumed per attempt; nil entry = success
}

func (f *cancelFake) CancelOrder(context.Context, string, string, int64, exchange.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestCancelRetriesTransientFailures(t *testing.T) {
	fake := &cancelFake{errs: []error{
		&exchange.APIError{Kind: exchange.KindTransient, Message: "timeout"},
		&exchange.APIError{Kind: exchange.KindRateLimited, Message: "429"},
		nil,
	}}
	c := NewClient(fake, quiet(), fastConfig())

	err := c.CancelOrderWithRetry(context.Background(), "SOL_USDC_PERP", "ord-1", 7_000_001, exchange.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, 3, fake.attempts)
}

func TestCancelTreatsNotFoundAsSuccess(t *testing.T) {
	fake := &cancelFake{errs: []error{
		&exchange.APIError{Kind: exchange.KindNotFound, Message: "order not found"},
	}}
	c := NewClient(fake, quiet(), fastConfig())

	err := c.CancelOrderWithRetry(context.Background(), "SOL_USDC_PERP", "ord-1", 7_000_001, exchange.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.attempts)
}

func TestCancelDoesNotRetryValidation(t *testing.T) {
	fake := &cancelFake{errs: []error{
		&exchange.APIError{Kind: exchange.KindValidation, Message: "bad symbol"},
		nil,
	}}
	c := NewClient(fake, quiet(), fastConfig())

	err := c.CancelOrderWithRetry(context.Background(), "SOL_USDC_PERP", "ord-1", 7_000_001, exchange.Credentials{})
	require.Error(t, err)
	assert.Equal(t, 1, fake.attempts)
}

func TestCancelGivesUpAfterMaxRetries(t *testing.T) {
	transient := &exchange.APIError{Kind: exchange.KindTransient, Message: "timeout"}
	fake := &cancelFake{errs: []error{transient, transient, transient, transient, transient}}
	c := NewClient(fake, quiet(), fastConfig())

	err := c.CancelOrderWithRetry(context.Background(), "SOL_USDC_PERP", "ord-1", 7_000_001, exchange.Credentials{})
	require.Error(t, err)
	assert.Equal(t, 4, fake.attempts) // initial + 3 retries
}
