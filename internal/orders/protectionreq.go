package orders

import (
	"fmt"
	"math"

	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/util"
)

// MinStopDistancePct is the minimum gap between a stop trigger and the
// current mark, in percent. Triggers closer than this fire on noise.
const MinStopDistancePct = 0.1

// FailsafeStopPrice is the always-present backstop derived from the bot's
// maximum tolerated PnL loss: entry × (1 ∓ (|maxNegativePnlStopPct|/leverage)/100).
func FailsafeStopPrice(entry, maxNegativePnlStopPct, leverage float64, isLong bool) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	pct := math.Abs(maxNegativePnlStopPct) / leverage / 100
	if isLong {
		return entry * (1 - pct)
	}
	return entry * (1 + pct)
}

// TacticalStopPrice is the volatility-scaled stop used by the hybrid
// strategy: mark ∓ ATR × multiplier.
func TacticalStopPrice(mark, atr, multiplier float64, isLong bool) float64 {
	dist := atr * multiplier
	if isLong {
		return mark - dist
	}
	return mark + dist
}

// TighterStop picks the more protective of two stop candidates: the one
// closer to the current price on the protective side. Zero candidates are
// ignored.
func TighterStop(a, b float64, isLong bool) float64 {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if isLong {
		return math.Max(a, b)
	}
	return math.Min(a, b)
}

// WidenStop pushes a stop trigger out to MinStopDistancePct from the mark
// when it sits closer than that.
func WidenStop(stop, mark float64, isLong bool) float64 {
	if mark <= 0 || stop <= 0 {
		return stop
	}
	minDist := mark * MinStopDistancePct / 100
	if math.Abs(mark-stop) >= minDist {
		return stop
	}
	if isLong {
		return mark - minDist
	}
	return mark + minDist
}

// FullTakeProfitPrice is the traditional full-size target:
// entry × (1 ± (minProfitPercentage/leverage)/100).
func FullTakeProfitPrice(entry, minProfitPct, leverage float64, isLong bool) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	pct := minProfitPct / leverage / 100
	if isLong {
		return entry * (1 + pct)
	}
	return entry * (1 - pct)
}

// PartialTakeProfitPrice is the hybrid partial target: entry ± ATR × multiplier.
func PartialTakeProfitPrice(entry, atr, multiplier float64, isLong bool) float64 {
	dist := atr * multiplier
	if isLong {
		return entry + dist
	}
	return entry - dist
}

// EntryStopPrice selects the stop attached to an entry order: the more
// protective of the failsafe and the strategy-provided stop.
func EntryStopPrice(entryPrice, strategyStop, maxNegativePnlStopPct, leverage float64, isLong bool) float64 {
	if maxNegativePnlStopPct == 0 {
		return strategyStop
	}
	failsafe := FailsafeStopPrice(entryPrice, maxNegativePnlStopPct, leverage, isLong)
	return TighterStop(failsafe, strategyStop, isLong)
}

// BuildStopLoss assembles a standalone reduce-only stop-loss for an open
// position: close side, full (or given) quantity, trigger and limit at the
// stop price.
func BuildStopLoss(position exchange.OpenPosition, market exchange.Market, triggerPrice, quantity float64, clientID int64) (exchange.OrderRequest, error) {
	trigger, err := util.FormatPrice(triggerPrice, market.TickSize, market.DecimalPrice)
	if err != nil {
		return exchange.OrderRequest{}, fmt.Errorf("stop trigger: %w", err)
	}
	qty, err := util.FormatQuantity(quantity, market.StepSize)
	if err != nil {
		return exchange.OrderRequest{}, fmt.Errorf("stop quantity: %w", err)
	}
	return exchange.OrderRequest{
		Symbol:               position.Symbol,
		Side:                 position.CloseSide(),
		OrderType:            exchange.OrderTypeMarket,
		Quantity:             qty,
		SelfTradePrevention:  exchange.SelfTradePreventionRejectTaker,
		ClientID:             clientID,
		ReduceOnly:           true,
		StopLossTriggerBy:    exchange.TriggerByLastPrice,
		StopLossTriggerPrice: trigger,
		StopLossLimitPrice:   trigger,
	}, nil
}

// BuildTakeProfit assembles a standalone reduce-only take-profit.
func BuildTakeProfit(position exchange.OpenPosition, market exchange.Market, triggerPrice, quantity float64, clientID int64) (exchange.OrderRequest, error) {
	trigger, err := util.FormatPrice(triggerPrice, market.TickSize, market.DecimalPrice)
	if err != nil {
		return exchange.OrderRequest{}, fmt.Errorf("take-profit trigger: %w", err)
	}
	qty, err := util.FormatQuantity(quantity, market.StepSize)
	if err != nil {
		return exchange.OrderRequest{}, fmt.Errorf("take-profit quantity: %w", err)
	}
	return exchange.OrderRequest{
		Symbol:                 position.Symbol,
		Side:                   position.CloseSide(),
		OrderType:              exchange.OrderTypeMarket,
		Quantity:               qty,
		SelfTradePrevention:    exchange.SelfTradePreventionRejectTaker,
		ClientID:               clientID,
		ReduceOnly:             true,
		TakeProfitTriggerBy:    exchange.TriggerByLastPrice,
		TakeProfitTriggerPrice: trigger,
		TakeProfitLimitPrice:   trigger,
	}, nil
}

// BuildMarketClose assembles an immediate reduce-only market close for the
// full position, used by the force-close path.
func BuildMarketClose(position exchange.OpenPosition, market exchange.Market, clientID int64) (exchange.OrderRequest, error) {
	qty, err := util.FormatQuantity(position.AbsQuantity(), market.StepSize)
	if err != nil {
		return exchange.OrderRequest{}, fmt.Errorf("close quantity: %w", err)
	}
	return exchange.OrderRequest{
		Symbol:              position.Symbol,
		Side:                position.CloseSide(),
		OrderType:           exchange.OrderTypeMarket,
		Quantity:            qty,
		TimeInForce:         exchange.TimeInForceIOC,
		SelfTradePrevention: exchange.SelfTradePreventionRejectTaker,
		ClientID:            clientID,
		ReduceOnly:          true,
	}, nil
}
