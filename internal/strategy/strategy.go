// Package strategy defines the signal-generation contract and the registry
// mapping configured strategy names to constructors. Strategies are pure
// with respect to the engine: they read datasets and produce order intents,
// never touching the exchange themselves.
package strategy

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/indicators"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
)

// Strategy evaluates one symbol's dataset and may emit an order intent.
// Revalidate re-checks an earlier intent against fresh data; the entry state
// machine calls it before a market fallback.
type Strategy interface {
	Name() string
	Analyze(dataset models.SymbolDataset, bot *config.BotConfig, snap *models.AccountSnapshot, macro *models.MacroTrend) (*models.OrderIntent, error)
	Revalidate(intent models.OrderIntent, fresh models.SymbolDataset, bot *config.BotConfig) bool
}

// Constructor builds a strategy instance for one bot.
type Constructor func(logger *log.Logger) Strategy

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a strategy constructor under name. Later registrations of
// the same name replace earlier ones.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	registry[name] = ctor
	registryMu.Unlock()
}

// New instantiates the named strategy.
func New(name string, logger *log.Logger) (Strategy, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return ctor(logger), nil
}

// Names lists the registered strategy names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SortIntents orders intents by expected PnL, best first. The runner submits
// entries in this order so the capital budget goes to the strongest signals.
func SortIntents(intents []models.OrderIntent) {
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].ExpectedPnLPct > intents[j].ExpectedPnLPct
	})
}

// Macro-trend tuning shared by the BTC gate.
const (
	macroFastPeriod = 9
	macroSlowPeriod = 21
	macroRSIPeriod  = 14
)

// ComputeMacroTrend derives the market-wide trend signal from BTC candles.
func ComputeMacroTrend(candles []exchange.Candle) models.MacroTrend {
	closes := indicators.Closes(candles)
	fast := indicators.EMA(closes, macroFastPeriod)
	slow := indicators.EMA(closes, macroSlowPeriod)
	rsi := indicators.RSI(closes, macroRSIPeriod)

	direction := models.TrendNeutral
	switch {
	case fast > slow && rsi > 50:
		direction = models.TrendUp
	case fast < slow && rsi < 50:
		direction = models.TrendDown
	}
	return models.MacroTrend{Direction: direction, EMAFast: fast, EMASlow: slow, RSI: rsi}
}
