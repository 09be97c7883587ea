package strategy

import (
	"encoding/json"
	"io"
	"log"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/indicators"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
)

// MomentumName is the registry key for the default strategy.
const MomentumName = "momentum"

func init() {
	Register(MomentumName, func(logger *log.Logger) Strategy {
		return NewMomentum(logger)
	})
}

// Momentum tuning.
const (
	momentumFastPeriod = 9
	momentumSlowPeriod = 21
	momentumRSIPeriod  = 14
	momentumRSICeiling = 70 // no longs into overbought
	momentumRSIFloor   = 30 // no shorts into oversold

	// entryOffsetPct shades the limit price to the maker side of the mark.
	entryOffsetPct = 0.05

	stopATRMultiplier   = 2.0
	targetATRMultiplier = 3.0

	minCandles = momentumSlowPeriod + 1
)

// momentumSignal is the serialized state Revalidate compares against.
type momentumSignal struct {
	Direction string  `json:"direction"`
	EMAFast   float64 `json:"ema_fast"`
	EMASlow   float64 `json:"ema_slow"`
	RSI       float64 `json:"rsi"`
}

// Momentum is an EMA-cross strategy with an RSI exhaustion filter. It is the
// default shipped strategy; its job is to exercise the engine contract, not
// to be clever.
type Momentum struct {
	logger *log.Logger
}

// NewMomentum creates the default momentum strategy.
func NewMomentum(logger *log.Logger) *Momentum {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Momentum{logger: logger}
}

var _ Strategy = (*Momentum)(nil)

// Name implements Strategy.
func (m *Momentum) Name() string { return MomentumName }

// Analyze implements Strategy. Returns nil when the symbol offers no setup.
func (m *Momentum) Analyze(dataset models.SymbolDataset, bot *config.BotConfig, snap *models.AccountSnapshot, macro *models.MacroTrend) (*models.OrderIntent, error) {
	if len(dataset.Candles) < minCandles || dataset.MarkPrice <= 0 {
		return nil, nil
	}

	sig := m.signal(dataset.Candles)
	if sig.Direction == models.TrendNeutral {
		return nil, nil
	}

	// The macro gate only blocks counter-trend entries; it never creates them.
	if macro != nil {
		if sig.Direction == models.TrendUp && macro.Direction == models.TrendDown {
			return nil, nil
		}
		if sig.Direction == models.TrendDown && macro.Direction == models.TrendUp {
			return nil, nil
		}
	}

	atr := indicators.ATR(dataset.Candles, indicators.DefaultATRPeriod)
	if atr <= 0 {
		return nil, nil
	}

	long := sig.Direction == models.TrendUp
	mark := dataset.MarkPrice

	var side exchange.Side
	var entry, stop, target float64
	if long {
		side = exchange.SideBid
		entry = mark * (1 - entryOffsetPct/100)
		stop = entry - atr*stopATRMultiplier
		target = entry + atr*targetATRMultiplier
	} else {
		side = exchange.SideAsk
		entry = mark * (1 + entryOffsetPct/100)
		stop = entry + atr*stopATRMultiplier
		target = entry - atr*targetATRMultiplier
	}
	if stop <= 0 || entry <= 0 {
		return nil, nil
	}

	allocation := snap.CapitalAvailable * bot.CapitalPercentage / 100
	quantity := allocation / entry
	if quantity <= 0 {
		return nil, nil
	}

	expected := (target - entry) / entry * 100
	if !long {
		expected = -expected
	}

	raw, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}

	return &models.OrderIntent{
		Symbol:         dataset.Symbol,
		Side:           side,
		EntryPrice:     entry,
		StopPrice:      stop,
		TargetPrice:    target,
		Quantity:       quantity,
		ExpectedPnLPct: expected,
		SignalData:     raw,
	}, nil
}

// Revalidate implements Strategy: the original direction must still hold on
// fresh candles.
func (m *Momentum) Revalidate(intent models.OrderIntent, fresh models.SymbolDataset, _ *config.BotConfig) bool {
	if len(fresh.Candles) < minCandles {
		return false
	}
	var original momentumSignal
	if err := json.Unmarshal(intent.SignalData, &original); err != nil {
		return false
	}
	return m.signal(fresh.Candles).Direction == original.Direction
}

func (m *Momentum) signal(candles []exchange.Candle) momentumSignal {
	closes := indicators.Closes(candles)
	fast := indicators.EMA(closes, momentumFastPeriod)
	slow := indicators.EMA(closes, momentumSlowPeriod)
	rsi := indicators.RSI(closes, momentumRSIPeriod)
	last := closes[len(closes)-1]

	direction := models.TrendNeutral
	switch {
	case fast > slow && last > fast && rsi < momentumRSICeiling:
		direction = models.TrendUp
	case fast < slow && last < fast && rsi > momentumRSIFloor:
		direction = models.TrendDown
	}
	return momentumSignal{Direction: direction, EMAFast: fast, EMASlow: slow, RSI: rsi}
}
