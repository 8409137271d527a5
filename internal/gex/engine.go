// Package gex computes dealer gamma exposure from option chains: per-strike
// aggregation, regime classification, call/put walls and the gamma flip.
package gex

import (
	"math"
	"sort"
	"time"

	"github.com/gammadesk/options-engine/internal/pricing"
	"github.com/gammadesk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// Regime labels the dealer gamma posture.
type Regime string

const (
	RegimeLongGamma  Regime = "Long Gamma"
	RegimeShortGamma Regime = "Short Gamma"
	RegimeUnknown    Regime = "Unknown"
)

// StrikeRow is the per-strike GEX aggregate. Dealer convention: calls
// contribute positive gamma dollars, puts negative.
type StrikeRow struct {
	Strike    float64 `json:"strike"`
	CallOI    int64   `json:"callOI"`
	PutOI     int64   `json:"putOI"`
	CallGamma float64 `json:"callGamma"` // last observed per-contract gamma
	PutGamma  float64 `json:"putGamma"`
	CallGEX   float64 `json:"callGex"` // >= 0
	PutGEX    float64 `json:"putGex"`  // <= 0
	NetGEX    float64 `json:"netGex"`
}

// Wall is a dominant strike on one side of the book.
type Wall struct {
	Strike  float64 `json:"strike"`
	GEX     float64 `json:"gex"`
	Stacked bool    `json:"stacked"` // an adjacent strike carries comparable weight
}

// Summary is the derived GEX picture for one underlying.
type Summary struct {
	Spot        float64     `json:"spot"`
	Regime      Regime      `json:"regime"`
	Confidence  float64     `json:"confidence"` // 0..1
	GammaFlip   *float64    `json:"gammaFlip,omitempty"`
	CallWalls   []Wall      `json:"callWalls"`
	PutWalls    []Wall      `json:"putWalls"`
	TotalNetGEX float64     `json:"totalNetGex"`
	Rows        []StrikeRow `json:"rows"`
}

// Config tunes the GEX engine.
type Config struct {
	RiskFreeRate   float64 // Black-Scholes fallback rate
	ReferenceScale float64 // $GEX magnitude mapped to confidence 1.0
	TopWalls       int     // walls reported per side
	StackFraction  float64 // adjacent strike at this fraction of a wall marks it stacked
	StrikeBand     float64 // keep strikes within spot*(1±band)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RiskFreeRate:   pricing.RiskFreeRate,
		ReferenceScale: 1e9,
		TopWalls:       3,
		StackFraction:  0.75,
		StrikeBand:     0.15,
	}
}

// Engine computes GEX summaries.
type Engine struct {
	logger *zap.Logger
	config Config
}

// NewEngine creates a GEX engine.
func NewEngine(logger *zap.Logger, config Config) *Engine {
	if config.ReferenceScale <= 0 {
		config.ReferenceScale = 1e9
	}
	if config.TopWalls <= 0 {
		config.TopWalls = 3
	}
	if config.StackFraction <= 0 {
		config.StackFraction = 0.75
	}
	if config.StrikeBand <= 0 {
		config.StrikeBand = 0.15
	}
	return &Engine{logger: logger.Named("gex"), config: config}
}

const dayMs = 24 * 60 * 60 * 1000

// Compute aggregates a unified chain into a Summary. It never fails: an
// unusable chain yields regime Unknown with empty walls and a nil flip.
func (e *Engine) Compute(contracts []types.OptionContract, spot float64, now time.Time) *Summary {
	summary := &Summary{Spot: spot, Regime: RegimeUnknown}
	if spot <= 0 || len(contracts) == 0 {
		return summary
	}

	byStrike := make(map[float64]*StrikeRow)
	for _, c := range contracts {
		if c.OpenInterest == 0 || c.ImpliedVol == 0 {
			continue
		}
		if !c.Quote.Bid.IsPositive() && !c.Quote.Ask.IsPositive() && !c.Quote.Last.IsPositive() {
			continue
		}

		strike, _ := c.Strike.Float64()
		if strike <= 0 {
			continue
		}

		gamma := c.Greeks.Gamma
		if gamma <= 0 {
			gamma = pricing.Gamma(spot, strike, e.config.RiskFreeRate, c.ImpliedVol, e.yearsToExpiry(c.Expiration, now))
		}
		if gamma <= 0 || math.IsNaN(gamma) || math.IsInf(gamma, 0) {
			continue
		}

		contribution := float64(c.OpenInterest) * gamma * 100 * spot

		row, ok := byStrike[strike]
		if !ok {
			row = &StrikeRow{Strike: strike}
			byStrike[strike] = row
		}
		switch c.Type {
		case types.OptionTypeCall:
			row.CallOI += c.OpenInterest
			row.CallGamma = gamma
			row.CallGEX += contribution
		case types.OptionTypePut:
			row.PutOI += c.OpenInterest
			row.PutGamma = gamma
			row.PutGEX -= contribution
		}
	}

	lo, hi := spot*(1-e.config.StrikeBand), spot*(1+e.config.StrikeBand)
	rows := make([]StrikeRow, 0, len(byStrike))
	for _, row := range byStrike {
		if row.Strike < lo || row.Strike > hi {
			continue
		}
		row.NetGEX = row.CallGEX + row.PutGEX
		rows = append(rows, *row)
	}
	if len(rows) == 0 {
		return summary
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Strike < rows[j].Strike })
	summary.Rows = rows

	total := 0.0
	for _, row := range rows {
		total += row.NetGEX
	}
	summary.TotalNetGEX = total

	if total > 0 {
		summary.Regime = RegimeLongGamma
	} else if total < 0 {
		summary.Regime = RegimeShortGamma
	}
	summary.Confidence = clip01(math.Abs(total) / e.config.ReferenceScale)

	summary.CallWalls = e.walls(rows, true)
	summary.PutWalls = e.walls(rows, false)
	summary.GammaFlip = flipStrike(rows)

	return summary
}

// yearsToExpiry converts an expiration date to Black-Scholes time, flooring
// at one day so same-day contracts keep a usable gamma.
func (e *Engine) yearsToExpiry(expiration, now time.Time) float64 {
	ms := float64(expiration.Sub(now).Milliseconds())
	if ms < dayMs {
		ms = dayMs
	}
	return ms / (365.25 * dayMs)
}

// walls returns the top strikes by call GEX (side=true) or |put GEX|.
func (e *Engine) walls(rows []StrikeRow, calls bool) []Wall {
	weight := func(r StrikeRow) float64 {
		if calls {
			return r.CallGEX
		}
		return math.Abs(r.PutGEX)
	}

	indexed := make([]int, 0, len(rows))
	for i, r := range rows {
		if weight(r) > 0 {
			indexed = append(indexed, i)
		}
	}
	sort.Slice(indexed, func(a, b int) bool {
		return weight(rows[indexed[a]]) > weight(rows[indexed[b]])
	})
	if len(indexed) > e.config.TopWalls {
		indexed = indexed[:e.config.TopWalls]
	}

	walls := make([]Wall, 0, len(indexed))
	for _, i := range indexed {
		w := Wall{Strike: rows[i].Strike, GEX: rows[i].CallGEX}
		if !calls {
			w.GEX = rows[i].PutGEX
		}
		threshold := e.config.StackFraction * weight(rows[i])
		if i > 0 && weight(rows[i-1]) >= threshold {
			w.Stacked = true
		}
		if i+1 < len(rows) && weight(rows[i+1]) >= threshold {
			w.Stacked = true
		}
		walls = append(walls, w)
	}
	return walls
}

// flipStrike walks ascending strikes accumulating net GEX and linearly
// interpolates the first sign change. Nil when cumulative GEX never crosses.
func flipStrike(rows []StrikeRow) *float64 {
	acc := 0.0
	for i, row := range rows {
		prev := acc
		acc += row.NetGEX
		if i == 0 || prev == 0 {
			continue
		}
		if (prev < 0 && acc > 0) || (prev > 0 && acc < 0) {
			prevStrike := rows[i-1].Strike
			delta := row.Strike - prevStrike
			frac := math.Abs(prev) / (math.Abs(prev) + math.Abs(acc))
			flip := prevStrike + frac*delta
			return &flip
		}
	}
	return nil
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
