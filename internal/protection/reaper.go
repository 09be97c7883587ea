package protection

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
)

// Reaper cancels protection orders whose position no longer exists. The
// filter is conservative: without a successful positions read nothing is
// cancelled, and only orders carrying the bot's own client-id prefix are
// touched.
type Reaper struct {
	client   exchange.Client
	canceler Canceler
	logger   *log.Logger
}

// NewReaper creates an orphan reaper.
func NewReaper(client exchange.Client, canceler Canceler, logger *log.Logger) *Reaper {
	if logger == nil {
		logger = log.New(os.Stderr, "protection: ", log.LstdFlags)
	}
	return &Reaper{client: client, canceler: canceler, logger: logger}
}

// Reap scans the bot's open orders and cancels every protection order on a
// symbol with no open position. Returns the count of cancelled orders.
func (r *Reaper) Reap(ctx context.Context, bot *config.BotConfig) (int, error) {
	creds := bot.Credentials()

	positions, err := r.client.GetOpenPositions(ctx, creds)
	if err != nil {
		// No positions read, no cancels: an order for a live position must
		// never be reaped on stale knowledge.
		return 0, fmt.Errorf("listing positions: %w", err)
	}
	active := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			active[p.Symbol] = true
		}
	}

	open, err := r.client.GetOpenOrders(ctx, "", creds)
	if err != nil {
		return 0, fmt.Errorf("listing open orders: %w", err)
	}

	reaped := 0
	var firstErr error
	for _, o := range open {
		if active[o.Symbol] {
			continue
		}
		if !o.BelongsTo(bot.ClientOrderIDPrefix, bot.CreatedAt) || !IsProtectionShaped(o) {
			continue
		}
		if err := r.cancel(ctx, bot, o); err != nil {
			r.logger.Printf("[%s] reaping orphan %d on %s: %v", bot.Name, o.ClientID, o.Symbol, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.logger.Printf("[%s] reaped orphan protection order %d on %s", bot.Name, o.ClientID, o.Symbol)
		reaped++
	}
	return reaped, firstErr
}

func (r *Reaper) cancel(ctx context.Context, bot *config.BotConfig, o exchange.OpenOrder) error {
	if r.canceler != nil {
		return r.canceler.CancelOrderWithRetry(ctx, o.Symbol, o.ID, o.ClientID, bot.Credentials())
	}
	err := r.client.CancelOrder(ctx, o.Symbol, o.ID, o.ClientID, bot.Credentials())
	if exchange.IsNotFound(err) {
		return nil
	}
	return err
}
