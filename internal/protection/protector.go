package protection

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/indicators"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
	"github.com/OvictorVieira/backbot-sub003/internal/orders"
)

const (
	kindStop   = "stop_loss"
	kindTarget = "take_profit"

	// coverageRatio is the fraction of the intended take-profit quantity an
	// existing close order must cover to suppress a new one.
	coverageRatio = 0.95

	// atrCandleCount is the kline fetch size for tactical-stop ATR.
	atrCandleCount = 50
)

// Canceler is the retrying cancel capability the protector and reaper use
// for teardown paths.
type Canceler interface {
	CancelOrderWithRetry(ctx context.Context, symbol, orderID string, clientID int64, creds exchange.Credentials) error
}

// ProtectorConfig tunes the protector's caches.
type ProtectorConfig struct {
	CheckTTL     time.Duration // existence-check cache window
	OwnershipTTL time.Duration // fill-history ownership cache window
}

// DefaultProtectorConfig: re-verify protection at most every 30 s per
// (symbol, kind); re-verify ownership every 5 min.
var DefaultProtectorConfig = ProtectorConfig{
	CheckTTL:     30 * time.Second,
	OwnershipTTL: 5 * time.Minute,
}

// Protector ensures every owned open position has a correctly-sided
// stop-loss and, when trailing is off, a take-profit. All methods are
// idempotent and safe for concurrent use; per-symbol locks collapse
// concurrent callers to one creator.
type Protector struct {
	client   exchange.Client
	ids      *orders.Allocator
	canceler Canceler
	logger   *log.Logger
	cfg      ProtectorConfig

	mu         sync.Mutex
	inProgress map[string]bool // "kind|symbol"

	checkMu sync.Mutex
	checks  map[string]time.Time // "kind|symbol" -> verified at

	ownMu sync.Mutex
	owned map[string]ownEntry // "botID|symbol"
}

type ownEntry struct {
	owned bool
	at    time.Time
}

// NewProtector creates a protector.
func NewProtector(client exchange.Client, ids *orders.Allocator, canceler Canceler, logger *log.Logger, cfg ...ProtectorConfig) *Protector {
	c := DefaultProtectorConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.CheckTTL <= 0 {
		c.CheckTTL = DefaultProtectorConfig.CheckTTL
	}
	if c.OwnershipTTL <= 0 {
		c.OwnershipTTL = DefaultProtectorConfig.OwnershipTTL
	}
	if logger == nil {
		logger = log.New(os.Stderr, "protection: ", log.LstdFlags)
	}
	return &Protector{
		client:     client,
		ids:        ids,
		canceler:   canceler,
		logger:     logger,
		cfg:        c,
		inProgress: make(map[string]bool),
		checks:     make(map[string]time.Time),
		owned:      make(map[string]ownEntry),
	}
}

// EnsureAll runs EnsureProtection for every owned open position. Failures on
// one symbol never stop the others; the first error is returned for logging.
func (p *Protector) EnsureAll(ctx context.Context, bot *config.BotConfig, snap *models.AccountSnapshot) error {
	positions, err := p.client.GetOpenPositions(ctx, bot.Credentials())
	if err != nil {
		return fmt.Errorf("listing positions: %w", err)
	}

	var g errgroup.Group
	for _, pos := range positions {
		if !pos.IsOpen() {
			continue
		}
		pos := pos
		g.Go(func() error {
			return p.EnsureProtection(ctx, bot, snap, pos)
		})
	}
	return g.Wait()
}

// EnsureSymbol locates the open position for symbol and protects it. Used by
// the post-fill hook and the dashboard force-sync.
func (p *Protector) EnsureSymbol(ctx context.Context, bot *config.BotConfig, snap *models.AccountSnapshot, symbol string) error {
	positions, err := p.client.GetOpenPositions(ctx, bot.Credentials())
	if err != nil {
		return fmt.Errorf("listing positions: %w", err)
	}
	for _, pos := range positions {
		if pos.Symbol == symbol && pos.IsOpen() {
			return p.EnsureProtection(ctx, bot, snap, pos)
		}
	}
	return nil
}

// EnsureProtection guarantees the position has a stop-loss and, when
// configured, a take-profit. Idempotent; concurrent callers for the same
// symbol collapse to one.
func (p *Protector) EnsureProtection(ctx context.Context, bot *config.BotConfig, snap *models.AccountSnapshot, pos exchange.OpenPosition) error {
	market, ok := snap.Market(pos.Symbol)
	if !ok {
		return nil // not an authorized market for this bot
	}

	owned, err := p.ownsPosition(ctx, bot, pos.Symbol)
	if err != nil {
		return fmt.Errorf("ownership check for %s: %w", pos.Symbol, err)
	}
	if !owned {
		// Observed but never touched: likely opened manually on the account.
		return nil
	}

	open, err := p.client.GetOpenOrders(ctx, pos.Symbol, bot.Credentials())
	if err != nil {
		return fmt.Errorf("listing open orders for %s: %w", pos.Symbol, err)
	}

	var firstErr error
	if err := p.ensureStopLoss(ctx, bot, snap, pos, market, open); err != nil {
		firstErr = err
	}
	if err := p.ensureTakeProfit(ctx, bot, snap, pos, market, open); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CancelProtection cancels every protection order the bot owns on symbol.
// Used by the force-close path before the market close order.
func (p *Protector) CancelProtection(ctx context.Context, bot *config.BotConfig, symbol string) error {
	open, err := p.client.GetOpenOrders(ctx, symbol, bot.Credentials())
	if err != nil {
		return fmt.Errorf("listing open orders for %s: %w", symbol, err)
	}

	var firstErr error
	for _, o := range open {
		if !o.BelongsTo(bot.ClientOrderIDPrefix, bot.CreatedAt) || !IsProtectionShaped(o) {
			continue
		}
		if err := p.cancel(ctx, bot, symbol, o); err != nil {
			p.logger.Printf("[%s] cancelling protection order %d on %s: %v", bot.Name, o.ClientID, symbol, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.invalidateChecks(symbol)
	return firstErr
}

// ForceClose tears a position down: cancel its protection orders, then close
// the full quantity with a reduce-only market order. Used by the dashboard
// force actions.
func (p *Protector) ForceClose(ctx context.Context, bot *config.BotConfig, snap *models.AccountSnapshot, symbol string) error {
	if err := p.CancelProtection(ctx, bot, symbol); err != nil {
		// Keep going: a leftover stop on a closed position is the reaper's
		// job, a position without a close is worse.
		p.logger.Printf("[%s] force-close of %s: protection cleanup incomplete: %v", bot.Name, symbol, err)
	}

	positions, err := p.client.GetOpenPositions(ctx, bot.Credentials())
	if err != nil {
		return fmt.Errorf("listing positions: %w", err)
	}
	for _, pos := range positions {
		if pos.Symbol != symbol || !pos.IsOpen() {
			continue
		}
		market, ok := snap.Market(symbol)
		if !ok {
			return fmt.Errorf("no market metadata for %s", symbol)
		}
		req, err := orders.BuildMarketClose(pos, market, p.ids.NextID(bot))
		if err != nil {
			return fmt.Errorf("building market close for %s: %w", symbol, err)
		}
		if _, err := p.client.PlaceOrder(ctx, req, bot.Credentials()); err != nil {
			return fmt.Errorf("closing %s: %w", symbol, err)
		}
		p.logger.Printf("[%s] force-closed %s qty %s", bot.Name, symbol, req.Quantity)
		return nil
	}
	return nil // already flat
}

// ensureStopLoss creates the stop when none exists. The lock, not the cache,
// is what makes concurrent calls safe; the cache only saves API round-trips.
func (p *Protector) ensureStopLoss(
	ctx context.Context,
	bot *config.BotConfig,
	snap *models.AccountSnapshot,
	pos exchange.OpenPosition,
	market exchange.Market,
	open []exchange.OpenOrder,
) error {
	if !p.tryAcquire(kindStop, pos.Symbol) {
		return nil // another caller is on it
	}
	defer p.release(kindStop, pos.Symbol)

	if p.checkFresh(kindStop, pos.Symbol) {
		return nil
	}

	for _, o := range open {
		if IsStopLossShaped(o, pos) {
			p.markChecked(kindStop, pos.Symbol)
			return nil
		}
	}

	stop := orders.FailsafeStopPrice(pos.AvgEntryPrice, bot.MaxNegativePnlStopPct, snap.Leverage, pos.IsLong())
	tacticalApplied := false

	if bot.EnableHybridStopStrategy {
		if atr := p.atr(ctx, bot, pos.Symbol); atr > 0 && pos.MarkPrice > 0 {
			tactical := orders.TacticalStopPrice(pos.MarkPrice, atr, bot.InitialStopAtrMultiplier, pos.IsLong())
			stop = orders.TighterStop(stop, tactical, pos.IsLong())
			tacticalApplied = true
		}
	}
	stop = orders.WidenStop(stop, pos.MarkPrice, pos.IsLong())

	// Each id consumes a persisted sequence slot, so allocate only after the
	// branch is decided.
	var clientID int64
	if tacticalApplied {
		clientID = p.ids.NextStopID(bot)
	} else {
		clientID = p.ids.NextFailsafeStopID(bot)
	}

	req, err := orders.BuildStopLoss(pos, market, stop, pos.AbsQuantity(), clientID)
	if err != nil {
		return fmt.Errorf("building stop-loss for %s: %w", pos.Symbol, err)
	}
	if _, err := p.client.PlaceOrder(ctx, req, bot.Credentials()); err != nil {
		// Cache stays cold so the next pass retries.
		return fmt.Errorf("placing stop-loss for %s: %w", pos.Symbol, err)
	}

	p.logger.Printf("[%s] stop-loss created for %s: trigger %s qty %s (clientId %d)",
		bot.Name, pos.Symbol, req.StopLossTriggerPrice, req.Quantity, clientID)
	p.markChecked(kindStop, pos.Symbol)
	return nil
}

// ensureTakeProfit creates the target order unless trailing owns exits, a
// target already exists, or existing close orders cover enough quantity.
func (p *Protector) ensureTakeProfit(
	ctx context.Context,
	bot *config.BotConfig,
	snap *models.AccountSnapshot,
	pos exchange.OpenPosition,
	market exchange.Market,
	open []exchange.OpenOrder,
) error {
	if bot.EnableTrailingStop {
		return nil // the trailing sub-engine owns the exit
	}
	if !p.tryAcquire(kindTarget, pos.Symbol) {
		return nil
	}
	defer p.release(kindTarget, pos.Symbol)

	if p.checkFresh(kindTarget, pos.Symbol) {
		return nil
	}

	for _, o := range open {
		if IsTakeProfitShaped(o, pos) {
			p.markChecked(kindTarget, pos.Symbol)
			return nil
		}
	}

	var price, quantity float64
	var clientID int64
	if bot.EnableHybridStopStrategy {
		atr := p.atr(ctx, bot, pos.Symbol)
		if atr <= 0 {
			return nil // no volatility estimate, try again next pass
		}
		price = orders.PartialTakeProfitPrice(pos.AvgEntryPrice, atr, bot.PartialTakeProfitAtrMultiplier, pos.IsLong())
		quantity = pos.AbsQuantity() * bot.PartialTakeProfitPercentage / 100
		clientID = p.ids.NextTakeProfitID(bot, 0)
	} else {
		price = orders.FullTakeProfitPrice(pos.AvgEntryPrice, bot.MinProfitPercentage, snap.Leverage, pos.IsLong())
		quantity = pos.AbsQuantity()
		clientID = p.ids.NextFailsafeTargetID(bot)
	}

	if covered := closeSideCoverage(open, pos); covered >= quantity*coverageRatio {
		p.markChecked(kindTarget, pos.Symbol)
		return nil
	}

	req, err := orders.BuildTakeProfit(pos, market, price, quantity, clientID)
	if err != nil {
		return fmt.Errorf("building take-profit for %s: %w", pos.Symbol, err)
	}
	if _, err := p.client.PlaceOrder(ctx, req, bot.Credentials()); err != nil {
		return fmt.Errorf("placing take-profit for %s: %w", pos.Symbol, err)
	}

	p.logger.Printf("[%s] take-profit created for %s: trigger %s qty %s (clientId %d)",
		bot.Name, pos.Symbol, req.TakeProfitTriggerPrice, req.Quantity, clientID)
	p.markChecked(kindTarget, pos.Symbol)
	return nil
}

// ownsPosition checks fill history for an execution carrying the bot's
// client-id prefix. Results are cached; ownership does not flap.
func (p *Protector) ownsPosition(ctx context.Context, bot *config.BotConfig, symbol string) (bool, error) {
	key := strconv.Itoa(bot.ID) + "|" + symbol

	p.ownMu.Lock()
	if e, ok := p.owned[key]; ok && time.Since(e.at) < p.cfg.OwnershipTTL {
		p.ownMu.Unlock()
		return e.owned, nil
	}
	p.ownMu.Unlock()

	fills, err := p.client.GetFillHistory(ctx, symbol, bot.CreatedAt, 100, bot.Credentials())
	if err != nil {
		return false, err
	}

	prefix := strconv.Itoa(bot.ClientOrderIDPrefix)
	owned := false
	for _, f := range fills {
		if f.ClientID > 0 && strings.HasPrefix(strconv.FormatInt(f.ClientID, 10), prefix) {
			owned = true
			break
		}
	}

	p.ownMu.Lock()
	p.owned[key] = ownEntry{owned: owned, at: time.Now()}
	p.ownMu.Unlock()
	return owned, nil
}

// atr computes the tactical-stop ATR on the bot's timeframe. Zero on any
// trouble; callers fall back to the failsafe stop.
func (p *Protector) atr(ctx context.Context, bot *config.BotConfig, symbol string) float64 {
	candles, err := p.client.GetKLines(ctx, symbol, bot.Time, atrCandleCount)
	if err != nil {
		p.logger.Printf("[%s] klines for %s ATR: %v", bot.Name, symbol, err)
		return 0
	}
	return indicators.ATR(candles, indicators.DefaultATRPeriod)
}

// cancel routes through the retry client when present.
func (p *Protector) cancel(ctx context.Context, bot *config.BotConfig, symbol string, o exchange.OpenOrder) error {
	if p.canceler != nil {
		return p.canceler.CancelOrderWithRetry(ctx, symbol, o.ID, o.ClientID, bot.Credentials())
	}
	err := p.client.CancelOrder(ctx, symbol, o.ID, o.ClientID, bot.Credentials())
	if exchange.IsNotFound(err) {
		return nil // already gone
	}
	return err
}

// closeSideCoverage sums the unfilled quantity of reduce-only close orders
// already resting against the position.
func closeSideCoverage(open []exchange.OpenOrder, pos exchange.OpenPosition) float64 {
	total := 0.0
	for _, o := range open {
		if !o.ReduceOnly || !o.Status.IsWorking() || o.Side != pos.CloseSide() {
			continue
		}
		if o.OrderType != exchange.OrderTypeLimit && !o.HasTakeProfitTrigger() {
			continue
		}
		total += o.Quantity - o.ExecutedQuantity
	}
	return total
}

func (p *Protector) tryAcquire(kind, symbol string) bool {
	key := kind + "|" + symbol
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inProgress[key] {
		return false
	}
	p.inProgress[key] = true
	return true
}

func (p *Protector) release(kind, symbol string) {
	key := kind + "|" + symbol
	p.mu.Lock()
	delete(p.inProgress, key)
	p.mu.Unlock()
}

func (p *Protector) checkFresh(kind, symbol string) bool {
	p.checkMu.Lock()
	defer p.checkMu.Unlock()
	at, ok := p.checks[kind+"|"+symbol]
	return ok && time.Since(at) < p.cfg.CheckTTL
}

func (p *Protector) markChecked(kind, symbol string) {
	p.checkMu.Lock()
	p.checks[kind+"|"+symbol] = time.Now()
	p.checkMu.Unlock()
}

func (p *Protector) invalidateChecks(symbol string) {
	p.checkMu.Lock()
	delete(p.checks, kindStop+"|"+symbol)
	delete(p.checks, kindTarget+"|"+symbol)
	p.checkMu.Unlock()
}
