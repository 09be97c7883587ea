package orders

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
	"github.com/OvictorVieira/backbot-sub003/internal/storage"
	"github.com/OvictorVieira/backbot-sub003/internal/util"
)

// StatusCancelledLimitTimeout is persisted when a limit entry expires
// unfilled and is cancelled by the monitor.
const StatusCancelledLimitTimeout = "CANCELLED(LIMIT_TIMEOUT)"

// restingCancelTimeout bounds the detached cleanup cancel issued when the
// caller's context dies while a limit entry still rests.
const restingCancelTimeout = 10 * time.Second

// Entry abort reasons surfaced in EntryResult.Reason.
const (
	ReasonSignalGone       = "signal no longer valid"
	ReasonSlippage         = "slippage above limit"
	ReasonFallbackDisabled = "market fallback disabled"
)

// Fill types surfaced in EntryResult.Type.
const (
	FillTypeLimit  = "LIMIT"
	FillTypeMarket = "MARKET"
)

// RevalidateFunc re-runs the strategy check for the original signal. It
// returns false with a reason when the setup no longer holds.
type RevalidateFunc func(ctx context.Context) (bool, string)

// FilledFunc runs after a confirmed fill and the settle delay; the position
// protector hooks in here to attach exits immediately instead of waiting for
// the next reconcile pass.
type FilledFunc func(ctx context.Context, symbol string, side exchange.Side)

// EntryResult reports how an entry attempt ended.
type EntryResult struct {
	Success     bool
	Aborted     bool    // signal/risk abort, not an error
	Type        string  // LIMIT or MARKET when Success
	ClientID    int64   // client id of the filled order
	ExecPrice   float64 // best-known execution price
	SlippagePct float64 // mark drift measured at the fallback decision
	Reason      string  // set when Aborted
}

// ExecutorConfig tunes the entry state machine.
type ExecutorConfig struct {
	PollInterval time.Duration // limit-order status poll cadence, min 1s
	SettleDelay  time.Duration // wait after a fill before protections
}

// DefaultExecutorConfig matches the exchange's rate budget: one status poll
// per second and a two-second settle so fills are queryable before the
// protector runs.
var DefaultExecutorConfig = ExecutorConfig{
	PollInterval: time.Second,
	SettleDelay:  2 * time.Second,
}

// Executor runs the hybrid entry procedure: a post-only limit at the
// strategy's price first, and a market fallback only after the signal and
// slippage are re-checked.
type Executor struct {
	client exchange.Client
	ids    *Allocator
	store  storage.Interface
	logger *log.Logger
	cfg    ExecutorConfig

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an entry executor.
func NewExecutor(client exchange.Client, ids *Allocator, logger *log.Logger, cfg ...ExecutorConfig) *Executor {
	c := DefaultExecutorConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.PollInterval < time.Second {
		c.PollInterval = time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = DefaultExecutorConfig.SettleDelay
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	return &Executor{
		client: client,
		ids:    ids,
		store:  ids.store,
		logger: logger,
		cfg:    c,
		sleep:  sleepCtx,
	}
}

// OpenEntry drives one order intent through the state machine:
//
//	PLACE_LIMIT -> MONITOR -> (filled) -> POST_FILL
//	                   \-> timeout -> CANCEL_AND_REVALIDATE -> MARKET_FALLBACK -> POST_FILL
//
// A post-only rejection skips straight to revalidation. Aborts (signal gone,
// slippage, fallback disabled) come back as a non-error EntryResult.
func (e *Executor) OpenEntry(
	ctx context.Context,
	bot *config.BotConfig,
	intent models.OrderIntent,
	market exchange.Market,
	leverage float64,
	revalidate RevalidateFunc,
	onFilled FilledFunc,
) (*EntryResult, error) {
	req, err := e.buildLimitEntry(bot, intent, market, leverage)
	if err != nil {
		return nil, fmt.Errorf("building entry order: %w", err)
	}
	creds := bot.Credentials()

	e.logger.Printf("[%s] placing %s limit entry %s @ %s qty %s (clientId %d)",
		bot.Name, intent.Side, intent.Symbol, req.Price, req.Quantity, req.ClientID)

	placed, err := e.client.PlaceOrder(ctx, req, creds)
	switch {
	case err == nil:
		if res, done, merr := e.monitorLimit(ctx, bot, intent, placed, req.ClientID); done || merr != nil {
			if merr != nil {
				return nil, merr
			}
			return e.postFill(ctx, res, onFilled, intent)
		}
		// Timed out unfilled; the order was cancelled inside monitorLimit.
	case exchange.IsWouldMatch(err):
		// Post-only crossed the book: the price already moved through us.
		e.logger.Printf("[%s] post-only entry for %s would match, revalidating for market fallback",
			bot.Name, intent.Symbol)
	default:
		return nil, fmt.Errorf("placing limit entry: %w", err)
	}

	return e.revalidateAndFallback(ctx, bot, intent, market, leverage, revalidate, onFilled)
}

// monitorLimit polls the resting limit order until fill, timeout or context
// cancellation. done=true means the entry is settled (filled) and res is the
// outcome; done=false means the order was cancelled unfilled and the caller
// should continue with the fallback path.
func (e *Executor) monitorLimit(
	ctx context.Context,
	bot *config.BotConfig,
	intent models.OrderIntent,
	placed *exchange.OpenOrder,
	clientID int64,
) (res *EntryResult, done bool, err error) {
	creds := bot.Credentials()
	deadline := time.Now().Add(bot.OrderExecutionTimeout())
	orderID := ""
	if placed != nil {
		orderID = placed.ID
	}

	if placed != nil && placed.Status == exchange.StatusFilled {
		return limitResult(clientID, intent.EntryPrice), true, nil
	}

	for time.Now().Before(deadline) {
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			// The runner context died mid-monitor; the limit is still on the
			// book and nothing would manage it after we return.
			e.cancelResting(bot, intent.Symbol, orderID, clientID)
			return nil, false, err
		}

		open, err := e.client.GetOpenOrders(ctx, intent.Symbol, creds)
		if err != nil {
			// Keep polling on transient trouble; the deadline bounds us.
			e.logger.Printf("[%s] entry status poll failed for %s: %v", bot.Name, intent.Symbol, err)
			continue
		}

		if order := findByClientID(open, clientID); order != nil {
			if order.Status == exchange.StatusFilled {
				return limitResult(clientID, intent.EntryPrice), true, nil
			}
			continue // still resting
		}

		// Order is gone from the book. That alone does not mean filled; an
		// external cancel looks identical. Only an open position confirms it.
		filled, err := e.hasPosition(ctx, intent, creds)
		if err != nil {
			e.logger.Printf("[%s] position check failed for %s: %v", bot.Name, intent.Symbol, err)
			continue
		}
		if filled {
			return limitResult(clientID, intent.EntryPrice), true, nil
		}
		e.logger.Printf("[%s] entry order %d for %s disappeared without a position, treating as cancelled",
			bot.Name, clientID, intent.Symbol)
		return nil, false, nil
	}

	// Timeout: cancel, then distinguish a late fill from an unfilled cancel.
	e.logger.Printf("[%s] limit entry for %s unfilled after %s, cancelling",
		bot.Name, intent.Symbol, bot.OrderExecutionTimeout())

	if err := e.client.CancelOrder(ctx, intent.Symbol, orderID, clientID, creds); err != nil {
		if !exchange.IsNotFound(err) {
			if ctx.Err() != nil {
				e.cancelResting(bot, intent.Symbol, orderID, clientID)
			}
			return nil, false, fmt.Errorf("cancelling stale entry: %w", err)
		}
		// Not found: the order left the book before our cancel landed.
	}
	filled, err := e.hasPosition(ctx, intent, creds)
	if err != nil {
		return nil, false, fmt.Errorf("confirming entry after cancel: %w", err)
	}
	if filled {
		// Raced the cancel; the position is live (possibly partial).
		return limitResult(clientID, intent.EntryPrice), true, nil
	}

	if err := e.store.SetEntryStatus(bot.ID, clientID, intent.Symbol, StatusCancelledLimitTimeout); err != nil {
		e.logger.Printf("[%s] recording %s for entry %d: %v",
			bot.Name, StatusCancelledLimitTimeout, clientID, err)
	}
	return nil, false, nil
}

// cancelResting cancels a still-resting limit entry on a detached context;
// the caller's context is already dead when this runs.
func (e *Executor) cancelResting(bot *config.BotConfig, symbol, orderID string, clientID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), restingCancelTimeout)
	defer cancel()

	if err := e.client.CancelOrder(ctx, symbol, orderID, clientID, bot.Credentials()); err != nil && !exchange.IsNotFound(err) {
		e.logger.Printf("[%s] cancelling resting entry %d for %s during shutdown: %v",
			bot.Name, clientID, symbol, err)
	}
}

// revalidateAndFallback is the CANCEL_AND_REVALIDATE + MARKET_FALLBACK leg.
func (e *Executor) revalidateAndFallback(
	ctx context.Context,
	bot *config.BotConfig,
	intent models.OrderIntent,
	market exchange.Market,
	leverage float64,
	revalidate RevalidateFunc,
	onFilled FilledFunc,
) (*EntryResult, error) {
	if revalidate != nil {
		if ok, reason := revalidate(ctx); !ok {
			if reason == "" {
				reason = ReasonSignalGone
			}
			e.logger.Printf("[%s] entry for %s aborted: %s", bot.Name, intent.Symbol, reason)
			return &EntryResult{Aborted: true, Reason: reason}, nil
		}
	}

	mark, err := e.markPrice(ctx, intent.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching mark price: %w", err)
	}
	slippage := math.Abs(mark-intent.EntryPrice) / intent.EntryPrice * 100
	if slippage > bot.MaxSlippagePct {
		e.logger.Printf("[%s] entry for %s aborted: slippage %.3f%% > %.3f%% (mark %.6f vs entry %.6f)",
			bot.Name, intent.Symbol, slippage, bot.MaxSlippagePct, mark, intent.EntryPrice)
		return &EntryResult{Aborted: true, Reason: ReasonSlippage, SlippagePct: slippage}, nil
	}

	if !bot.EnableMarketFallback {
		return &EntryResult{Aborted: true, Reason: ReasonFallbackDisabled, SlippagePct: slippage}, nil
	}

	req, err := e.buildMarketEntry(bot, intent, market, leverage)
	if err != nil {
		return nil, fmt.Errorf("building market fallback: %w", err)
	}

	e.logger.Printf("[%s] market fallback for %s qty %s (clientId %d, slippage %.3f%%)",
		bot.Name, intent.Symbol, req.Quantity, req.ClientID, slippage)

	placed, err := e.client.PlaceOrder(ctx, req, bot.Credentials())
	if err != nil {
		return nil, fmt.Errorf("placing market fallback: %w", err)
	}

	execPrice := mark
	if placed != nil && placed.LimitPrice > 0 {
		execPrice = placed.LimitPrice
	}
	res := &EntryResult{
		Success:     true,
		Type:        FillTypeMarket,
		ClientID:    req.ClientID,
		ExecPrice:   execPrice,
		SlippagePct: slippage,
	}
	return e.postFill(ctx, res, onFilled, intent)
}

// postFill waits out the settle delay and notifies the protector.
func (e *Executor) postFill(ctx context.Context, res *EntryResult, onFilled FilledFunc, intent models.OrderIntent) (*EntryResult, error) {
	if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
		return res, nil // entry succeeded; shutdown just skips the callback
	}
	if onFilled != nil {
		onFilled(ctx, intent.Symbol, intent.Side)
	}
	return res, nil
}

// buildLimitEntry assembles the post-only limit order with the protective
// stop trigger attached so the position is never naked, even if the process
// dies right after the fill.
func (e *Executor) buildLimitEntry(bot *config.BotConfig, intent models.OrderIntent, market exchange.Market, leverage float64) (exchange.OrderRequest, error) {
	price, qty, stop, err := formatIntent(bot, intent, market, leverage)
	if err != nil {
		return exchange.OrderRequest{}, err
	}
	return exchange.OrderRequest{
		Symbol:               intent.Symbol,
		Side:                 intent.Side,
		OrderType:            exchange.OrderTypeLimit,
		Quantity:             qty,
		Price:                price,
		TimeInForce:          exchange.TimeInForceGTC,
		SelfTradePrevention:  exchange.SelfTradePreventionRejectTaker,
		ClientID:             e.ids.NextID(bot),
		PostOnly:             bot.EnablePostOnly,
		StopLossTriggerBy:    exchange.TriggerByLastPrice,
		StopLossTriggerPrice: stop,
	}, nil
}

// buildMarketEntry assembles the IOC market fallback, stop still attached.
func (e *Executor) buildMarketEntry(bot *config.BotConfig, intent models.OrderIntent, market exchange.Market, leverage float64) (exchange.OrderRequest, error) {
	_, qty, stop, err := formatIntent(bot, intent, market, leverage)
	if err != nil {
		return exchange.OrderRequest{}, err
	}
	return exchange.OrderRequest{
		Symbol:               intent.Symbol,
		Side:                 intent.Side,
		OrderType:            exchange.OrderTypeMarket,
		Quantity:             qty,
		TimeInForce:          exchange.TimeInForceIOC,
		SelfTradePrevention:  exchange.SelfTradePreventionRejectTaker,
		ClientID:             e.ids.NextID(bot),
		StopLossTriggerBy:    exchange.TriggerByLastPrice,
		StopLossTriggerPrice: stop,
	}, nil
}

// formatIntent aligns the intent's price, stop and quantity to the market.
// The attached stop is the more protective of the failsafe and the
// strategy-provided stop.
func formatIntent(bot *config.BotConfig, intent models.OrderIntent, market exchange.Market, leverage float64) (price, qty, stop string, err error) {
	price, err = util.FormatPrice(intent.EntryPrice, market.TickSize, market.DecimalPrice)
	if err != nil {
		return "", "", "", fmt.Errorf("entry price: %w", err)
	}
	stopPrice := EntryStopPrice(intent.EntryPrice, intent.StopPrice, bot.MaxNegativePnlStopPct, leverage, intent.IsLong())
	stop, err = util.FormatPrice(stopPrice, market.TickSize, market.DecimalPrice)
	if err != nil {
		return "", "", "", fmt.Errorf("stop price: %w", err)
	}
	qty, err = util.FormatQuantity(intent.Quantity, market.StepSize)
	if err != nil {
		return "", "", "", fmt.Errorf("quantity: %w", err)
	}
	ok, err := util.ValidateQuantity(qty, market.MinQuantity)
	if err != nil {
		return "", "", "", err
	}
	if !ok {
		return "", "", "", fmt.Errorf("quantity %s below market minimum %s", qty, market.MinQuantity)
	}
	return price, qty, stop, nil
}

// hasPosition reports whether an open position matching the intent's
// direction exists for the symbol.
func (e *Executor) hasPosition(ctx context.Context, intent models.OrderIntent, creds exchange.Credentials) (bool, error) {
	positions, err := e.client.GetOpenPositions(ctx, creds)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.Symbol != intent.Symbol || !p.IsOpen() {
			continue
		}
		if intent.IsLong() == p.IsLong() {
			return true, nil
		}
	}
	return false, nil
}

// markPrice fetches the current mark for one symbol.
func (e *Executor) markPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.GetMarkPrices(ctx, []string{symbol})
	if err != nil {
		return 0, err
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return p.Price, nil
		}
	}
	return 0, fmt.Errorf("no mark price for %s", symbol)
}

func limitResult(clientID int64, price float64) *EntryResult {
	return &EntryResult{Success: true, Type: FillTypeLimit, ClientID: clientID, ExecPrice: price}
}

func findByClientID(orders []exchange.OpenOrder, clientID int64) *exchange.OpenOrder {
	for i := range orders {
		if orders[i].ClientID == clientID {
			return &orders[i]
		}
	}
	return nil
}

// sleepCtx sleeps for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
