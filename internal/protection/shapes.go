// Package protection maintains exit orders for open positions: the protector
// guarantees every owned position carries a correctly-sided stop-loss (and,
// unless trailing is on, a take-profit), and the reaper cancels protection
// orders whose position is gone.
package protection

import (
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
)

// IsStopLossShaped reports whether an open order acts as a stop-loss for the
// given position. The classification is deliberately broad: an explicit stop
// trigger, a correctly positioned reduce-only close order, or a reduce-only
// conditional on the close side all count. Anything narrower and the
// protector duplicates stops it failed to recognize.
func IsStopLossShaped(o exchange.OpenOrder, pos exchange.OpenPosition) bool {
	if !o.ReduceOnly || !o.Status.IsWorking() || o.Side != pos.CloseSide() {
		return false
	}
	if o.HasStopLossTrigger() {
		return true
	}
	if correctlyPositionedStop(o, pos) {
		return true
	}
	return o.IsConditional()
}

// IsTakeProfitShaped is the mirror classification for take-profit orders.
func IsTakeProfitShaped(o exchange.OpenOrder, pos exchange.OpenPosition) bool {
	if !o.ReduceOnly || !o.Status.IsWorking() || o.Side != pos.CloseSide() {
		return false
	}
	if o.HasTakeProfitTrigger() {
		return true
	}
	return correctlyPositionedTarget(o, pos)
}

// IsProtectionShaped reports whether an order is any kind of exit order for
// a position on its symbol: the reaper cancels these when no position exists.
func IsProtectionShaped(o exchange.OpenOrder) bool {
	if !o.ReduceOnly || !o.Status.IsWorking() {
		return false
	}
	return o.HasStopLossTrigger() || o.HasTakeProfitTrigger() || o.IsConditional() ||
		o.OrderType == exchange.OrderTypeLimit
}

// correctlyPositionedStop: a stop for a LONG sits strictly below entry, for
// a SHORT strictly above.
func correctlyPositionedStop(o exchange.OpenOrder, pos exchange.OpenPosition) bool {
	price := referencePrice(o)
	if price <= 0 || pos.AvgEntryPrice <= 0 {
		return false
	}
	if pos.IsLong() {
		return price < pos.AvgEntryPrice
	}
	return price > pos.AvgEntryPrice
}

// correctlyPositionedTarget: the mirror of the stop rule.
func correctlyPositionedTarget(o exchange.OpenOrder, pos exchange.OpenPosition) bool {
	price := referencePrice(o)
	if price <= 0 || pos.AvgEntryPrice <= 0 {
		return false
	}
	if pos.IsLong() {
		return price > pos.AvgEntryPrice
	}
	return price < pos.AvgEntryPrice
}

// referencePrice picks the most meaningful price on an order for positioning
// checks: trigger prices first, then the resting limit price.
func referencePrice(o exchange.OpenOrder) float64 {
	switch {
	case o.StopLossTriggerPrice > 0:
		return o.StopLossTriggerPrice
	case o.TakeProfitTriggerPrice > 0:
		return o.TakeProfitTriggerPrice
	case o.TriggerPrice > 0:
		return o.TriggerPrice
	default:
		return o.LimitPrice
	}
}
