package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/pkg/types"
)

// Selection is a chosen contract with its scoring context.
type Selection struct {
	Contract       types.OptionContract
	Delta          float64 // absolute delta
	DeltaEstimated bool
	SpreadPct      float64
	Score          float64
}

// relaxedOIFloor is the fallback open-interest floor when nothing clears the
// configured one.
const relaxedOIFloor = 100

// DeltaWindow widens the configured delta band as the close approaches,
// clamped to [0.05, 0.90] in the final hour.
func DeltaWindow(minDelta, maxDelta float64, minutesToClose int) (float64, float64) {
	lo, hi := minDelta, maxDelta
	switch {
	case minutesToClose < 60:
		lo, hi = lo-0.10, hi+0.10
		lo = math.Max(lo, 0.05)
		hi = math.Min(hi, 0.90)
	case minutesToClose <= 120:
		lo, hi = lo-0.05, hi+0.05
	}
	if lo < 0 {
		lo = 0
	}
	return lo, hi
}

// estimateDelta approximates |delta| from moneyness when the chain lacks
// greeks: delta ~ 0.50 - 10 * pctOTM, clipped to [0.02, 0.95].
func estimateDelta(contract types.OptionContract, spot float64) float64 {
	strike, _ := contract.Strike.Float64()
	if spot <= 0 {
		return 0.5
	}

	var pctOTM float64
	if contract.Type == types.OptionTypeCall {
		pctOTM = (strike - spot) / spot
	} else {
		pctOTM = (spot - strike) / spot
	}

	delta := 0.50 - 10*pctOTM
	if delta < 0.02 {
		delta = 0.02
	}
	if delta > 0.95 {
		delta = 0.95
	}
	return delta
}

// scoreContract applies the liquidity/quality scorer.
func scoreContract(spreadPct, absDelta float64, openInterest, volume int64) float64 {
	score := 0.0

	switch {
	case spreadPct < 0.05:
		score += 3
	case spreadPct < 0.10:
		score += 2
	case spreadPct < 0.15:
		score += 1
	}

	switch {
	case absDelta >= 0.35 && absDelta <= 0.45:
		score += 2
	case absDelta >= 0.30 && absDelta <= 0.50:
		score += 1
	}

	switch {
	case openInterest > 1000:
		score += 2
	case openInterest > 500:
		score += 1
	case openInterest > 100:
		score += 0.5
	}

	switch {
	case volume > 100:
		score += 1
	case volume > 10:
		score += 0.5
	}

	return score
}

// SelectContract picks the best tradable contract of the requested side from
// a 0DTE chain. The delta window widens as the close approaches; missing
// greeks fall back to the moneyness estimate and relax the spread cap.
func SelectContract(chain []types.OptionContract, side types.OptionType, spot float64, minutesToClose int, cfg policy.Config) (*Selection, error) {
	lo, hi := DeltaWindow(cfg.OptionsMinDelta, cfg.OptionsMaxDelta, minutesToClose)

	type candidate struct {
		Selection
	}

	build := func(oiFloor int64) []candidate {
		var out []candidate
		for _, contract := range chain {
			if contract.Type != side {
				continue
			}
			if !contract.Quote.Bid.IsPositive() || !contract.Quote.Ask.IsPositive() {
				continue
			}
			if contract.OpenInterest < oiFloor {
				continue
			}

			absDelta := math.Abs(contract.Greeks.Delta)
			estimated := contract.GreeksEstimated
			if absDelta == 0 {
				absDelta = estimateDelta(contract, spot)
				estimated = true
			}
			if absDelta < lo || absDelta > hi {
				continue
			}

			spreadPct := contract.Quote.SpreadPct()
			out = append(out, candidate{Selection{
				Contract:       contract,
				Delta:          absDelta,
				DeltaEstimated: estimated,
				SpreadPct:      spreadPct,
				Score:          scoreContract(spreadPct, absDelta, contract.OpenInterest, contract.Volume),
			}})
		}
		return out
	}

	candidates := build(cfg.OptionsMinOpenInterest)
	if len(candidates) == 0 && cfg.OptionsMinOpenInterest > relaxedOIFloor {
		candidates = build(relaxedOIFloor)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no %s candidates in delta window [%.2f, %.2f]", side, lo, hi)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].SpreadPct < candidates[j].SpreadPct
	})
	best := candidates[0].Selection

	spreadCap := cfg.OptionsMaxSpreadPct
	if best.DeltaEstimated {
		spreadCap = math.Max(spreadCap, 0.20)
	}
	if best.SpreadPct > spreadCap {
		return nil, fmt.Errorf("best candidate spread %.1f%% exceeds cap %.1f%%",
			best.SpreadPct*100, spreadCap*100)
	}

	return &best, nil
}
