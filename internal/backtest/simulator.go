// Package backtest replays the live decision logic over historical bars
// with a self-contained Black-Scholes option simulator.
package backtest

import (
	"math"
	"time"

	"github.com/gammadesk/options-engine/internal/market"
	"github.com/gammadesk/options-engine/internal/pricing"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
)

const (
	minutesPerYear = 365.25 * 24 * 60
	strikeSpan     = 10 // synthetic strikes per side, $1 apart
)

// smileIV is the synthetic implied vol: a base plus a linear smile away from
// spot.
func smileIV(base, skew, strike, spot float64) float64 {
	return base + skew*math.Abs(strike-spot)
}

// timeToExpiry converts minutes to close into Black-Scholes years, floored
// at one minute so 0DTE contracts never hit the degenerate guard mid-day.
func timeToExpiry(minutesToClose int) float64 {
	if minutesToClose < 1 {
		minutesToClose = 1
	}
	return float64(minutesToClose) / minutesPerYear
}

// PriceOption prices a synthetic contract at the given spot and time left.
func (c *Config) PriceOption(side types.OptionType, strike, spot float64, minutesToClose int) float64 {
	iv := smileIV(c.IVBase, c.IVSkew, strike, spot)
	t := timeToExpiry(minutesToClose)
	if side == types.OptionTypeCall {
		return pricing.CallPrice(spot, strike, c.RiskFreeRate, iv, t)
	}
	return pricing.PutPrice(spot, strike, c.RiskFreeRate, iv, t)
}

// SynthesizeChain builds a 0DTE chain around spot. Liquidity decays away
// from the money so the live scorer has real texture to rank.
func (c *Config) SynthesizeChain(side types.OptionType, spot float64, minutesToClose int, day time.Time) []types.OptionContract {
	t := timeToExpiry(minutesToClose)
	expiry := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	atm := math.Round(spot)
	chain := make([]types.OptionContract, 0, 2*strikeSpan+1)
	for offset := -strikeSpan; offset <= strikeSpan; offset++ {
		strike := atm + float64(offset)
		iv := smileIV(c.IVBase, c.IVSkew, strike, spot)

		var price, delta float64
		if side == types.OptionTypeCall {
			price = pricing.CallPrice(spot, strike, c.RiskFreeRate, iv, t)
			delta = pricing.CallDelta(spot, strike, c.RiskFreeRate, iv, t)
		} else {
			price = pricing.PutPrice(spot, strike, c.RiskFreeRate, iv, t)
			delta = pricing.PutDelta(spot, strike, c.RiskFreeRate, iv, t)
		}
		if price < 0.01 {
			continue
		}

		// Spread and liquidity widen away from the money.
		distance := math.Abs(strike - spot)
		halfSpread := price * (0.01 + 0.005*distance)
		oi := int64(5000 / (1 + distance))
		volume := int64(500 / (1 + distance))

		strikeDec := decimal.NewFromFloat(strike)
		chain = append(chain, types.OptionContract{
			Symbol:       market.BuildOSI(c.Symbol, expiry, side, strikeDec),
			Underlying:   c.Symbol,
			Strike:       strikeDec,
			Expiration:   expiry,
			Type:         side,
			OpenInterest: oi,
			Volume:       volume,
			ImpliedVol:   iv,
			Greeks: types.Greeks{
				Delta: delta,
				Gamma: pricing.Gamma(spot, strike, c.RiskFreeRate, iv, t),
			},
			Quote: types.Quote{
				Bid:  decimal.NewFromFloat(roundCents(price - halfSpread)),
				Ask:  decimal.NewFromFloat(roundCents(price + halfSpread)),
				Last: decimal.NewFromFloat(roundCents(price)),
			},
		})
	}
	return chain
}

func roundCents(v float64) float64 {
	if v < 0.01 {
		return 0.01
	}
	return math.Round(v*100) / 100
}
