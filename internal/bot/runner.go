// Package bot contains the per-bot scheduler (Runner) and the process-wide
// registry (Supervisor). A Runner drives one bot's analysis cycle; the
// Supervisor starts, stops and restarts runners and owns the global
// maintenance flag.
package bot

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OvictorVieira/backbot-sub003/internal/account"
	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
	"github.com/OvictorVieira/backbot-sub003/internal/orders"
	"github.com/OvictorVieira/backbot-sub003/internal/protection"
	"github.com/OvictorVieira/backbot-sub003/internal/storage"
	"github.com/OvictorVieira/backbot-sub003/internal/strategy"
)

// btcSymbol feeds the macro-trend gate.
const btcSymbol = "BTC_USDC_PERP"

// candleFetchCount is the kline depth for strategy datasets.
const candleFetchCount = 60

// candleCloseSettle is the extra wait after a candle boundary so the
// exchange has published the closed candle.
const candleCloseSettle = 2 * time.Second

// Deps bundles the shared components a Runner composes. One Deps value is
// built at startup and shared by every runner.
type Deps struct {
	Client    exchange.Client
	Cache     *account.Cache
	Executor  *orders.Executor
	Protector *protection.Protector
	Reaper    *protection.Reaper
	Store     storage.Interface
	Logger    *log.Logger

	// Maintenance reports the supervisor's global pause flag.
	Maintenance func() bool
}

// Runner drives one bot's periodic analysis loop.
type Runner struct {
	bot   *config.BotConfig
	strat strategy.Strategy
	deps  Deps

	logger *log.Logger
}

// NewRunner builds a runner for one bot row, instantiating its strategy
// from the registry.
func NewRunner(bot *config.BotConfig, deps Deps) (*Runner, error) {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "bot: ", log.LstdFlags)
	}
	strat, err := strategy.New(bot.StrategyName, logger)
	if err != nil {
		return nil, fmt.Errorf("bot %d: %w", bot.ID, err)
	}
	return &Runner{bot: bot, strat: strat, deps: deps, logger: logger}, nil
}

// Run executes the scheduling loop until ctx ends. The next tick time is
// persisted before each analysis so the dashboard can render a countdown;
// an overrunning tick schedules the next one from "now" instead of piling
// up catch-up runs.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Printf("[%s] runner started (%s, %s)", r.bot.Name, r.bot.ExecutionMode, r.bot.Time)
	defer r.logger.Printf("[%s] runner stopped", r.bot.Name)

	if r.bot.ExecutionMode == models.ExecutionModeOnCandleClose {
		// Align the first tick to the next candle boundary.
		if !r.sleepUntil(ctx, r.nextTickTime(time.Now())) {
			return
		}
	}

	for {
		next := r.nextTickTime(time.Now())
		if err := r.deps.Store.SetNextValidation(r.bot.ID, next); err != nil {
			r.logger.Printf("[%s] persisting next validation time: %v", r.bot.Name, err)
		}

		if err := r.tick(ctx); err != nil {
			r.logger.Printf("[%s] tick failed: %v", r.bot.Name, err)
		}

		// Overrun: reschedule from now rather than firing immediately.
		if now := time.Now(); now.After(next) {
			next = r.nextTickTime(now)
			if err := r.deps.Store.SetNextValidation(r.bot.ID, next); err != nil {
				r.logger.Printf("[%s] persisting next validation time: %v", r.bot.Name, err)
			}
		}
		if !r.sleepUntil(ctx, next) {
			return
		}
	}
}

// nextTickTime computes the next analysis time from now.
func (r *Runner) nextTickTime(now time.Time) time.Time {
	if r.bot.ExecutionMode == models.ExecutionModeOnCandleClose {
		return models.NextCandleClose(now, r.bot.Timeframe()).Add(candleCloseSettle)
	}
	return now.Add(r.bot.AnalysisPeriod())
}

func (r *Runner) sleepUntil(ctx context.Context, t time.Time) bool {
	wait := time.Until(t)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// tick runs one full analysis cycle. Errors inside a tick never escalate
// beyond a log line; the next tick starts clean.
func (r *Runner) tick(ctx context.Context) error {
	if r.skip() {
		return nil
	}

	snap, err := r.deps.Cache.Get(ctx, r.bot)
	if err != nil {
		if exchange.KindOf(err) == exchange.KindAuth {
			// Bad credentials never fix themselves; stop the bot.
			r.logger.Printf("[%s] authentication failure, stopping bot: %v", r.bot.Name, err)
			if serr := r.deps.Store.SetStatus(r.bot.ID, models.BotStatusStopped); serr != nil {
				r.logger.Printf("[%s] persisting stopped status: %v", r.bot.Name, serr)
			}
		}
		return fmt.Errorf("account snapshot: %w", err)
	}

	creds := r.bot.Credentials()
	positions, err := r.deps.Client.GetOpenPositions(ctx, creds)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	openOrders, err := r.deps.Client.GetOpenOrders(ctx, "", creds)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}

	blocked := r.blockedSymbols(positions, openOrders)

	var macro *models.MacroTrend
	if r.bot.AnalyzeBTCTrend {
		macro = r.btcTrend(ctx)
	}

	datasets, err := r.buildDatasets(ctx, snap, blocked)
	if err != nil {
		return fmt.Errorf("building datasets: %w", err)
	}

	intents := r.analyze(datasets, snap, macro)
	r.submitEntries(ctx, snap, intents, countOpenPositions(positions))

	if err := r.deps.Protector.EnsureAll(ctx, r.bot, snap); err != nil {
		r.logger.Printf("[%s] protection pass: %v", r.bot.Name, err)
	}
	if r.bot.EnableOrphanOrderMonitor {
		if _, err := r.deps.Reaper.Reap(ctx, r.bot); err != nil {
			r.logger.Printf("[%s] orphan reap: %v", r.bot.Name, err)
		}
	}
	return nil
}

// skip reports whether this tick should not run at all.
func (r *Runner) skip() bool {
	if r.deps.Maintenance != nil && r.deps.Maintenance() {
		return true
	}
	return r.deps.Store.BotState(r.bot.ID).Status == models.BotStatusStopped
}

// blockedSymbols: anything with an open position or a resting entry order of
// ours is off the table for new entries.
func (r *Runner) blockedSymbols(positions []exchange.OpenPosition, open []exchange.OpenOrder) map[string]bool {
	blocked := make(map[string]bool)
	for _, p := range positions {
		if p.IsOpen() {
			blocked[p.Symbol] = true
		}
	}
	for _, o := range open {
		if o.ReduceOnly || !o.Status.IsWorking() {
			continue // exits don't block entries
		}
		if o.BelongsTo(r.bot.ClientOrderIDPrefix, r.bot.CreatedAt) {
			blocked[o.Symbol] = true
		}
	}
	return blocked
}

// btcTrend computes the macro gate input. Nil on any failure: the gate is
// advisory and never blocks the tick.
func (r *Runner) btcTrend(ctx context.Context) *models.MacroTrend {
	candles, err := r.deps.Client.GetKLines(ctx, btcSymbol, r.bot.Time, candleFetchCount)
	if err != nil {
		r.logger.Printf("[%s] BTC trend klines: %v", r.bot.Name, err)
		return nil
	}
	trend := strategy.ComputeMacroTrend(candles)
	return &trend
}

// buildDatasets fetches candles and marks for every tradable, unblocked
// symbol, capped at the per-bot fan-out limit. Kline fetches run in
// parallel; a failed symbol is dropped, not fatal.
func (r *Runner) buildDatasets(ctx context.Context, snap *models.AccountSnapshot, blocked map[string]bool) (map[string]models.SymbolDataset, error) {
	symbols := make([]string, 0, len(snap.Markets))
	for sym := range snap.Markets {
		if blocked[sym] {
			continue
		}
		symbols = append(symbols, sym)
		if len(symbols) >= r.bot.MaxTokensPerBot {
			break
		}
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	markPrices, err := r.deps.Client.GetMarkPrices(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("mark prices: %w", err)
	}
	marks := make(map[string]float64, len(markPrices))
	for _, mp := range markPrices {
		marks[mp.Symbol] = mp.Price
	}

	datasets := make(map[string]models.SymbolDataset, len(symbols))
	results := make([]models.SymbolDataset, len(symbols))

	var g errgroup.Group
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			candles, err := r.deps.Client.GetKLines(ctx, sym, r.bot.Time, candleFetchCount)
			if err != nil {
				r.logger.Printf("[%s] klines for %s: %v", r.bot.Name, sym, err)
				return nil // drop the symbol this round
			}
			results[i] = models.SymbolDataset{
				Symbol:    sym,
				Market:    snap.Markets[sym],
				Candles:   candles,
				MarkPrice: marks[sym],
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ds := range results {
		if ds.Symbol != "" {
			datasets[ds.Symbol] = ds
		}
	}
	return datasets, nil
}

// analyze runs the strategy over every dataset and sorts the resulting
// intents best-first.
func (r *Runner) analyze(datasets map[string]models.SymbolDataset, snap *models.AccountSnapshot, macro *models.MacroTrend) []models.OrderIntent {
	var intents []models.OrderIntent
	for _, ds := range datasets {
		intent, err := r.strat.Analyze(ds, r.bot, snap, macro)
		if err != nil {
			r.logger.Printf("[%s] analyzing %s: %v", r.bot.Name, ds.Symbol, err)
			continue
		}
		if intent != nil {
			intents = append(intents, *intent)
		}
	}
	strategy.SortIntents(intents)
	return intents
}

// submitEntries drives intents through the entry machine strictly in
// sequence. Parallel submission could overrun maxOpenOrders.
func (r *Runner) submitEntries(
	ctx context.Context,
	snap *models.AccountSnapshot,
	intents []models.OrderIntent,
	openCount int,
) {
	for _, intent := range intents {
		if r.skip() {
			return // stopped or maintenance mid-tick
		}
		if openCount >= r.bot.MaxOpenOrders {
			r.logger.Printf("[%s] max open positions reached (%d), skipping remaining intents",
				r.bot.Name, r.bot.MaxOpenOrders)
			return
		}

		market, ok := snap.Market(intent.Symbol)
		if !ok {
			continue
		}

		intent := intent
		revalidate := func(ctx context.Context) (bool, string) {
			return r.revalidate(ctx, intent, snap)
		}
		onFilled := func(ctx context.Context, symbol string, _ exchange.Side) {
			if err := r.deps.Protector.EnsureSymbol(ctx, r.bot, snap, symbol); err != nil {
				r.logger.Printf("[%s] post-fill protection for %s: %v", r.bot.Name, symbol, err)
			}
		}

		res, err := r.deps.Executor.OpenEntry(ctx, r.bot, intent, market, snap.Leverage, revalidate, onFilled)
		switch {
		case err != nil:
			r.logger.Printf("[%s] entry for %s failed: %v", r.bot.Name, intent.Symbol, err)
		case res.Aborted:
			r.logger.Printf("[%s] entry for %s aborted: %s", r.bot.Name, intent.Symbol, res.Reason)
		case res.Success:
			r.logger.Printf("[%s] entry for %s filled (%s @ %.6f)",
				r.bot.Name, intent.Symbol, res.Type, res.ExecPrice)
			openCount++
		}
	}
}

// revalidate re-runs the strategy on fresh candles for the entry machine's
// cancel-and-revalidate step.
func (r *Runner) revalidate(ctx context.Context, intent models.OrderIntent, snap *models.AccountSnapshot) (bool, string) {
	candles, err := r.deps.Client.GetKLines(ctx, intent.Symbol, r.bot.Time, candleFetchCount)
	if err != nil {
		// Without fresh data the original signal cannot be confirmed.
		return false, fmt.Sprintf("revalidation data unavailable: %v", err)
	}
	fresh := models.SymbolDataset{Symbol: intent.Symbol, Candles: candles}
	if m, ok := snap.Market(intent.Symbol); ok {
		fresh.Market = m
	}
	if !r.strat.Revalidate(intent, fresh, r.bot) {
		return false, orders.ReasonSignalGone
	}
	return true, ""
}

func countOpenPositions(positions []exchange.OpenPosition) int {
	n := 0
	for _, p := range positions {
		if p.IsOpen() {
			n++
		}
	}
	return n
}
