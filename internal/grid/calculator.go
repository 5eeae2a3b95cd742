// Package grid holds the pure grid-level math and the trailing controller.
// Everything in calculator.go is deterministic and side-effect free, so the
// live and backtest paths share it directly.
package grid

import (
	"math"

	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
)

// ComputeLevels returns numLevels strictly increasing prices spanning
// [lower, upper].
//
// Arithmetic spacing uses equal absolute increments (upper-lower)/(n-1).
// Geometric spacing uses equal ratio increments lower*(upper/lower)^(i/(n-1)).
func ComputeLevels(lower, upper float64, numLevels int, spacing types.Spacing) ([]float64, error) {
	if lower >= upper {
		return nil, errors.Newf(errors.ErrCodeInvalidRange, "lower price (%f) must be below upper price (%f)", lower, upper)
	}

	if numLevels < 2 {
		return nil, errors.Newf(errors.ErrCodeInvalidRange, "at least 2 levels required, got %d", numLevels)
	}

	if lower <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidRange, "lower price must be positive, got %f", lower)
	}

	prices := make([]float64, numLevels)

	switch spacing {
	case types.SpacingArithmetic:
		step := (upper - lower) / float64(numLevels-1)
		for i := range prices {
			prices[i] = lower + step*float64(i)
		}
	case types.SpacingGeometric:
		ratio := upper / lower
		for i := range prices {
			prices[i] = lower * math.Pow(ratio, float64(i)/float64(numLevels-1))
		}
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidSpacing, "unknown spacing: %s", spacing)
	}

	// Pin the endpoints so float drift never moves the grid bounds.
	prices[0] = lower
	prices[numLevels-1] = upper

	return prices, nil
}

// AssignSides maps each level price to a side relative to the reference
// price: levels below the reference are buys, levels at or above are sells.
func AssignSides(prices []float64, reference float64) []types.Side {
	sides := make([]types.Side, len(prices))
	for i, price := range prices {
		if price < reference {
			sides[i] = types.SideBuy
		} else {
			sides[i] = types.SideSell
		}
	}

	return sides
}

// OrderAmount converts a fixed-USD order size into a base amount at the
// given level price.
func OrderAmount(orderSizeUSD, price float64) float64 {
	if price <= 0 {
		return 0
	}

	return orderSizeUSD / price
}
