// Package account implements the shared account-snapshot cache: one source
// of truth per (strategy, api key) pair, single-flight refreshes, and a
// process-wide minimum interval between private exchange calls. Every bot in
// the process reads through this cache; nothing else may hit the private
// account endpoints.
package account

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
	"github.com/OvictorVieira/backbot-sub003/internal/util"
)

// CacheConfig contains tuning for the snapshot cache.
type CacheConfig struct {
	TTL            time.Duration // snapshot freshness window
	ExtendedTTL    time.Duration // stale-fallback ceiling on refresh failure
	MinInterval    time.Duration // process-wide gap between private calls
	LogDedupWindow time.Duration // per-kind refresh-error log suppression
}

// DefaultCacheConfig is the production tuning: one snapshot per analysis
// round, a 5-minute grace window on exchange trouble, and a 2-second global
// gate against per-account API bans.
var DefaultCacheConfig = CacheConfig{
	TTL:            55 * time.Second,
	ExtendedTTL:    5 * time.Minute,
	MinInterval:    2 * time.Second,
	LogDedupWindow: 30 * time.Second,
}

// Cache is the account-data cache and rate-limit broker.
type Cache struct {
	client exchange.Client
	logger *log.Logger
	cfg    CacheConfig

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*models.AccountSnapshot

	// gateMu guards nextSlot, the earliest time the next private call may
	// start. Reserving a slot under the mutex and sleeping outside it keeps
	// the min-interval invariant without serializing unrelated work.
	gateMu   sync.Mutex
	nextSlot time.Time

	logMu   sync.Mutex
	lastLog map[string]time.Time
}

// NewCache creates the cache. A nil logger falls back to stderr.
func NewCache(client exchange.Client, logger *log.Logger, cfg ...CacheConfig) *Cache {
	c := DefaultCacheConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.TTL <= 0 {
		c.TTL = DefaultCacheConfig.TTL
	}
	if c.ExtendedTTL < c.TTL {
		c.ExtendedTTL = DefaultCacheConfig.ExtendedTTL
	}
	if c.MinInterval < 0 {
		c.MinInterval = DefaultCacheConfig.MinInterval
	}
	if c.LogDedupWindow <= 0 {
		c.LogDedupWindow = DefaultCacheConfig.LogDedupWindow
	}
	if logger == nil {
		logger = log.New(os.Stderr, "account: ", log.LstdFlags)
	}
	if client == nil {
		panic("account.NewCache: client must not be nil")
	}
	return &Cache{
		client:  client,
		logger:  logger,
		cfg:     c,
		entries: make(map[string]*models.AccountSnapshot),
		lastLog: make(map[string]time.Time),
	}
}

// Get returns a snapshot no older than the cache TTL, refreshing if needed.
// Concurrent callers for the same bot key coalesce into one refresh. On
// refresh failure a previous snapshot younger than the extended limit is
// returned instead of the error.
func (c *Cache) Get(ctx context.Context, bot *config.BotConfig) (*models.AccountSnapshot, error) {
	key := bot.BotKey()

	if snap := c.freshSnapshot(key, c.cfg.TTL); snap != nil {
		return snap, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have completed a refresh while we queued.
		if snap := c.freshSnapshot(key, c.cfg.TTL); snap != nil {
			return snap, nil
		}

		snap, err := c.refresh(ctx, bot)
		if err != nil {
			kind := exchange.KindOf(err)
			if kind == exchange.KindRateLimited || kind == exchange.KindTransient {
				if stale := c.freshSnapshot(key, c.cfg.ExtendedTTL); stale != nil {
					c.logDeduped("refresh_"+kind.String(),
						"account refresh failed (%s), serving snapshot aged %s for %s",
						kind, stale.Age(time.Now()).Round(time.Second), key)
					return stale, nil
				}
			}
			return nil, fmt.Errorf("refreshing account snapshot: %w", err)
		}

		c.mu.Lock()
		c.entries[key] = snap
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AccountSnapshot), nil
}

// ForceRefresh evicts the bot's entry; the next Get refetches.
func (c *Cache) ForceRefresh(bot *config.BotConfig) {
	c.Invalidate(bot.BotKey())
}

// Invalidate evicts an entry by bot key.
func (c *Cache) Invalidate(botKey string) {
	c.mu.Lock()
	delete(c.entries, botKey)
	c.mu.Unlock()
}

// freshSnapshot returns the cached snapshot for key when younger than maxAge.
func (c *Cache) freshSnapshot(key string, maxAge time.Duration) *models.AccountSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.entries[key]
	if !ok || snap.Age(time.Now()) >= maxAge {
		return nil
	}
	return snap
}

// refresh performs the actual exchange round-trip: account settings,
// collateral and market metadata, filtered and frozen into a new snapshot.
func (c *Cache) refresh(ctx context.Context, bot *config.BotConfig) (*models.AccountSnapshot, error) {
	creds := bot.Credentials()

	if err := c.waitTurn(ctx); err != nil {
		return nil, err
	}
	acct, err := c.client.GetAccount(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("account settings: %w", err)
	}

	if err := c.waitTurn(ctx); err != nil {
		return nil, err
	}
	collateral, err := c.client.GetCollateral(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("collateral: %w", err)
	}

	// Market metadata is public; the private-call gate does not apply.
	rawMarkets, err := c.client.GetMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("markets: %w", err)
	}

	markets := make(map[string]exchange.Market)
	for _, m := range rawMarkets {
		if !m.IsTradablePerp() || !bot.IsAuthorized(m.Symbol) {
			continue
		}
		m.DecimalPrice = util.ClampDecimals(m.DecimalPrice)
		if m.MakerFee == 0 {
			m.MakerFee = acct.MakerFee
		}
		markets[m.Symbol] = m
	}

	snap := models.NewAccountSnapshot(
		collateral.NetEquityAvailable,
		acct.Leverage,
		acct.MakerFee,
		markets,
		time.Now(),
	)
	return snap, nil
}

// waitTurn reserves the next private-call slot and sleeps until it opens.
// Slots advance by MinInterval per call regardless of caller, which is what
// keeps the process under the per-account rate limit.
func (c *Cache) waitTurn(ctx context.Context) error {
	c.gateMu.Lock()
	now := time.Now()
	slot := c.nextSlot
	if slot.Before(now) {
		slot = now
	}
	c.nextSlot = slot.Add(c.cfg.MinInterval)
	c.gateMu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// logDeduped logs at most once per kind per dedup window, so a flapping
// exchange does not turn every bot tick into a log line.
func (c *Cache) logDeduped(kind, format string, args ...interface{}) {
	c.logMu.Lock()
	last, ok := c.lastLog[kind]
	now := time.Now()
	if ok && now.Sub(last) < c.cfg.LogDedupWindow {
		c.logMu.Unlock()
		return
	}
	c.lastLog[kind] = now
	c.logMu.Unlock()

	c.logger.Printf(format, args...)
}
