// Package util provides price and quantity alignment helpers.
//
// The exchange rejects orders whose price is not an integer multiple of the
// market's tick size or whose quantity is not a multiple of the step size,
// so every outgoing value passes through here. Arithmetic uses
// shopspring/decimal: float math alone drifts below tick precision.
package util

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxPriceDecimals is the hard ceiling on price decimals. Markets advertising
// more get clamped; the API rejects longer fractions with
// "Price decimal too long".
const MaxPriceDecimals = 6

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x float64, tick string) (decimal.Decimal, error) {
	t, err := decimal.NewFromString(tick)
	if err != nil || t.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("invalid tick size %q", tick)
	}
	d := decimal.NewFromFloat(x)
	return d.Div(t).Floor().Mul(t), nil
}

// FormatPrice aligns x down to tickSize and renders it with at most
// min(maxDecimals, MaxPriceDecimals) fraction digits.
func FormatPrice(x float64, tickSize string, maxDecimals int) (string, error) {
	aligned, err := FloorToTick(x, tickSize)
	if err != nil {
		return "", err
	}
	if maxDecimals > MaxPriceDecimals || maxDecimals < 0 {
		maxDecimals = MaxPriceDecimals
	}
	truncated := aligned.Truncate(int32(maxDecimals))
	return truncated.String(), nil
}

// FormatQuantity aligns x down to stepSize. A value that rounds to zero comes
// back as one step so a computed size never silently disappears; values below
// minQuantity are the caller's problem (ValidateQuantity).
func FormatQuantity(x float64, stepSize string) (string, error) {
	step, err := decimal.NewFromString(stepSize)
	if err != nil || step.Sign() <= 0 {
		return "", fmt.Errorf("invalid step size %q", stepSize)
	}
	aligned := decimal.NewFromFloat(x).Div(step).Floor().Mul(step)
	if aligned.Sign() <= 0 {
		aligned = step
	}
	return aligned.String(), nil
}

// ValidateQuantity reports whether a formatted quantity meets the market
// minimum.
func ValidateQuantity(quantity, minQuantity string) (bool, error) {
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return false, fmt.Errorf("invalid quantity %q", quantity)
	}
	minQ, err := decimal.NewFromString(minQuantity)
	if err != nil {
		return false, fmt.Errorf("invalid min quantity %q", minQuantity)
	}
	return q.GreaterThanOrEqual(minQ), nil
}

// RoundToTickFloat is FloorToTick for callers that stay in float64 space
// (stop distances, slippage math). Wire values still go through FormatPrice.
func RoundToTickFloat(x float64, tick string) float64 {
	d, err := FloorToTick(x, tick)
	if err != nil {
		return x
	}
	f, _ := d.Float64()
	return f
}

// ClampDecimals truncates a market's advertised price decimals to the API
// ceiling.
func ClampDecimals(decimals int) int {
	if decimals > MaxPriceDecimals {
		return MaxPriceDecimals
	}
	if decimals < 0 {
		return 0
	}
	return decimals
}
