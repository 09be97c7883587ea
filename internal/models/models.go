// Package models holds the domain types shared across the engine: the
// immutable account snapshot, strategy order intents, per-symbol datasets
// and timeframe math.
package models

import (
	"encoding/json"
	"time"

	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
)

// realCapitalRatio is the fraction of net equity treated as deployable; the
// remainder is margin headroom against fees and funding.
const realCapitalRatio = 0.95

// AccountSnapshot is the cached view of one account. Snapshots are immutable:
// refreshes swap the whole value, never mutate in place.
type AccountSnapshot struct {
	NetEquityAvailable float64
	Leverage           float64
	MakerFee           float64
	RealCapital        float64 // NetEquityAvailable × 0.95
	CapitalAvailable   float64 // RealCapital × Leverage
	Markets            map[string]exchange.Market
	FetchedAt          time.Time
}

// NewAccountSnapshot computes the derived capital fields and freezes the
// snapshot.
func NewAccountSnapshot(equity, leverage, makerFee float64, markets map[string]exchange.Market, fetchedAt time.Time) *AccountSnapshot {
	if leverage <= 0 {
		leverage = 1
	}
	real := equity * realCapitalRatio
	return &AccountSnapshot{
		NetEquityAvailable: equity,
		Leverage:           leverage,
		MakerFee:           makerFee,
		RealCapital:        real,
		CapitalAvailable:   real * leverage,
		Markets:            markets,
		FetchedAt:          fetchedAt,
	}
}

// Market looks up per-symbol metadata.
func (s *AccountSnapshot) Market(symbol string) (exchange.Market, bool) {
	m, ok := s.Markets[symbol]
	return m, ok
}

// Age reports how stale the snapshot is.
func (s *AccountSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// OrderIntent is a strategy's request to open a position. SignalData carries
// whatever the strategy needs to re-evaluate the same signal deterministically
// during the entry machine's revalidation step.
type OrderIntent struct {
	Symbol         string
	Side           exchange.Side
	EntryPrice     float64
	StopPrice      float64
	TargetPrice    float64 // zero when the strategy sets no target
	Quantity       float64
	ExpectedPnLPct float64
	SignalData     json.RawMessage
}

// IsLong reports whether the intent opens a long position.
func (i OrderIntent) IsLong() bool { return i.Side == exchange.SideBid }

// SymbolDataset is everything a strategy sees for one symbol on one tick.
type SymbolDataset struct {
	Symbol    string
	Market    exchange.Market
	Candles   []exchange.Candle
	MarkPrice float64
}

// Trend directions for the BTC macro gate.
const (
	TrendUp      = "UP"
	TrendDown    = "DOWN"
	TrendNeutral = "NEUTRAL"
)

// MacroTrend is the optional market-wide input passed to strategies.
type MacroTrend struct {
	Direction string
	EMAFast   float64
	EMASlow   float64
	RSI       float64
}

// Execution modes for the bot scheduler.
const (
	ExecutionModeRealtime      = "REALTIME"
	ExecutionModeOnCandleClose = "ON_CANDLE_CLOSE"
)

// Bot runtime statuses persisted in storage.
const (
	BotStatusRunning = "running"
	BotStatusStopped = "stopped"
)

// NextCandleClose returns the first timeframe boundary strictly after now.
// A timestamp exactly on a boundary schedules the following close.
func NextCandleClose(now time.Time, timeframe time.Duration) time.Time {
	if timeframe <= 0 {
		return now
	}
	truncated := now.Truncate(timeframe)
	return truncated.Add(timeframe)
}
