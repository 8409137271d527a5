package backtest

import (
	"math/rand"

	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Stress modes transform a day's bars before replay. All transforms are
// deterministic for a given seed.
const (
	StressNone      = ""
	StressDowntrend = "downtrend"
	StressVolSpike  = "volatility_spike"
	StressVReversal = "v_reversal"
)

// applyStress returns a transformed copy of the day's bars.
func applyStress(bars []types.Bar, mode string, seed int64) []types.Bar {
	switch mode {
	case StressDowntrend:
		return stressDowntrend(bars)
	case StressVolSpike:
		return stressVolSpike(bars, seed)
	case StressVReversal:
		return stressVReversal(bars)
	default:
		return bars
	}
}

// stressDowntrend applies a linear -2% grind across the day.
func stressDowntrend(bars []types.Bar) []types.Bar {
	out := make([]types.Bar, len(bars))
	n := float64(len(bars))
	for i, bar := range bars {
		factor := decimal.NewFromFloat(1 - 0.02*float64(i+1)/n)
		out[i] = scaleBar(bar, factor)
	}
	return out
}

// stressVolSpike randomly widens candles, seeded for reproducibility.
func stressVolSpike(bars []types.Bar, seed int64) []types.Bar {
	rng := rand.New(rand.NewSource(seed))
	out := make([]types.Bar, len(bars))
	for i, bar := range bars {
		out[i] = bar
		if rng.Float64() < 0.3 {
			shock := decimal.NewFromFloat(1 + (rng.Float64()-0.5)*0.01)
			out[i] = scaleBar(bar, shock)
			// Widen the candle body around the shocked close.
			span := out[i].Close.Mul(decimal.NewFromFloat(0.004))
			out[i].High = out[i].Close.Add(span)
			out[i].Low = out[i].Close.Sub(span)
		}
	}
	return out
}

// stressVReversal grinds down for the first half of the day and back up in
// the second.
func stressVReversal(bars []types.Bar) []types.Bar {
	out := make([]types.Bar, len(bars))
	n := len(bars)
	half := n / 2
	for i, bar := range bars {
		var drift float64
		if i < half {
			drift = -0.02 * float64(i+1) / float64(half)
		} else {
			drift = -0.02 + 0.02*float64(i-half+1)/float64(n-half)
		}
		out[i] = scaleBar(bar, decimal.NewFromFloat(1+drift))
	}
	return out
}

func scaleBar(bar types.Bar, factor decimal.Decimal) types.Bar {
	bar.Open = bar.Open.Mul(factor)
	bar.High = bar.High.Mul(factor)
	bar.Low = bar.Low.Mul(factor)
	bar.Close = bar.Close.Mul(factor)
	return bar
}
