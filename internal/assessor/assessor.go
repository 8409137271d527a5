// Package assessor fuses GEX, technicals, macro and multi-timeframe evidence
// into a directional conviction score.
package assessor

import (
	"fmt"
	"math"

	"github.com/gammadesk/options-engine/internal/gex"
	"github.com/gammadesk/options-engine/internal/indicators"
	"github.com/gammadesk/options-engine/internal/macro"
	"github.com/gammadesk/options-engine/internal/mtf"
	"github.com/gammadesk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// Inputs is the feature bundle for one assessment. Technicals are required;
// everything else is advisory and may be nil.
type Inputs struct {
	Technicals   *indicators.Technicals
	GEX          *gex.Summary
	Macro        *macro.State
	MTF          *mtf.Result
	SqueezeBoost int // extra conviction from an optional squeeze signal
}

// contribution is one scored piece of evidence. An empty side applies the
// points to both accumulators (used for penalties).
type contribution struct {
	points float64
	side   types.Direction
	reason string
}

// Fixed weights for every contributor, kept in one place.
const (
	wMacroRegime    = 2.0
	wGexMeanRevert  = 2.0
	wGexTrendFollow = 2.0
	wWallProximity  = 1.5
	wFlipDistance   = 1.0
	wRSIExtreme     = 1.5
	wRSILean        = 0.5
	wMACDConfirmed  = 1.0
	wVWAPSide       = 0.5
	wBandTouch      = 1.0
	wVolumeSurge    = 0.5
	wSigmaMove      = 1.0
	wChopPenalty    = -0.5

	momentumTrendPct = 0.15 // momentum threshold in Short Gamma, percent
	wallBandPct      = 0.5  // proximity band around walls, percent
	flipBandPct      = 1.0  // distance beyond the flip, percent
	bandTouchPct     = 0.2  // Bollinger touch band, percent
	volumeSurgeRatio = 1.5
	sigmaMoveFloor   = 1.5
	choppyFloor      = 3.0
	swingATRPct      = 0.5 // ATR/price percent above which swings are preferred
)

// Assessor scores direction from a feature bundle.
type Assessor struct {
	logger *zap.Logger
}

// New creates an assessor.
func New(logger *zap.Logger) *Assessor {
	return &Assessor{logger: logger.Named("assessor")}
}

// Assess folds all contributors and produces the direction signal.
// Conviction includes MTF and squeeze boosts and lands in [1,10].
func (a *Assessor) Assess(in Inputs) *types.DirectionSignal {
	contribs := collect(in)

	signal := &types.DirectionSignal{}
	for _, c := range contribs {
		switch c.side {
		case types.DirectionBullish:
			signal.BullPoints += c.points
		case types.DirectionBearish:
			signal.BearPoints += c.points
		default:
			signal.BullPoints += c.points
			signal.BearPoints += c.points
		}
		signal.Reasons = append(signal.Reasons, c.reason)
	}
	if signal.BullPoints < 0 {
		signal.BullPoints = 0
	}
	if signal.BearPoints < 0 {
		signal.BearPoints = 0
	}

	signal.Direction = types.DirectionBullish
	dominant := signal.BullPoints
	if signal.BearPoints > signal.BullPoints {
		signal.Direction = types.DirectionBearish
		dominant = signal.BearPoints
	}

	total := signal.BullPoints + signal.BearPoints
	clarity := 0.0
	if total > 0 {
		clarity = dominant / total
	}
	conviction := clipInt(int(math.Round(dominant*clarity*2.5)), 0, 10)

	// Boosts from confluence and squeeze, re-clipped to the tradable range.
	boost := in.SqueezeBoost
	if in.MTF != nil {
		boost += in.MTF.ConvictionBoost
		if in.MTF.ConvictionBoost != 0 {
			signal.Reasons = append(signal.Reasons,
				fmt.Sprintf("MTF consensus %s (boost %+d)", in.MTF.Consensus, in.MTF.ConvictionBoost))
		}
	}
	if in.SqueezeBoost != 0 {
		signal.Reasons = append(signal.Reasons, fmt.Sprintf("squeeze signal (boost %+d)", in.SqueezeBoost))
	}
	signal.Conviction = clipInt(conviction+boost, 1, 10)

	signal.Strategy = a.pickStrategy(in)
	return signal
}

// pickStrategy prefers swings in Short Gamma or elevated-ATR tape, scalps
// otherwise.
func (a *Assessor) pickStrategy(in Inputs) types.StrategyKind {
	if in.GEX != nil && in.GEX.Regime == gex.RegimeShortGamma {
		return types.StrategySwing
	}
	if in.Technicals != nil && in.Technicals.ATRValid && in.Technicals.Price > 0 {
		if in.Technicals.ATR/in.Technicals.Price*100 > swingATRPct {
			return types.StrategySwing
		}
	}
	return types.StrategyScalp
}

// collect runs every contributor over the bundle.
func collect(in Inputs) []contribution {
	t := in.Technicals
	if t == nil {
		return nil
	}

	var out []contribution
	add := func(c contribution, ok bool) {
		if ok {
			out = append(out, c)
		}
	}

	add(macroContribution(in.Macro))
	add(gexMeanReversion(in.GEX, t))
	add(gexTrendFollow(in.GEX, t))
	out = append(out, wallContributions(in.GEX, t)...)
	add(flipContribution(in.GEX, t))
	out = append(out, rsiContributions(t)...)
	add(macdContribution(t))
	add(vwapContribution(t))
	add(bandContribution(t))
	add(volumeContribution(t))
	add(sigmaContribution(t))
	add(chopContribution(t))

	return out
}

func macroContribution(m *macro.State) (contribution, bool) {
	if m == nil {
		return contribution{}, false
	}
	switch m.Regime {
	case macro.RegimeRiskOn:
		return contribution{wMacroRegime, types.DirectionBullish, "macro RISK_ON"}, true
	case macro.RegimeRiskOff:
		return contribution{wMacroRegime, types.DirectionBearish, "macro RISK_OFF"}, true
	}
	return contribution{}, false
}

// gexMeanReversion rewards fading extremes while dealers dampen moves.
func gexMeanReversion(g *gex.Summary, t *indicators.Technicals) (contribution, bool) {
	if g == nil || g.Regime != gex.RegimeLongGamma || !t.RSIValid {
		return contribution{}, false
	}
	if t.RSI < 35 {
		return contribution{wGexMeanRevert, types.DirectionBullish, "Long Gamma + oversold RSI, mean reversion up"}, true
	}
	if t.RSI > 65 {
		return contribution{wGexMeanRevert, types.DirectionBearish, "Long Gamma + overbought RSI, mean reversion down"}, true
	}
	return contribution{}, false
}

// gexTrendFollow rewards riding momentum while dealers amplify moves.
func gexTrendFollow(g *gex.Summary, t *indicators.Technicals) (contribution, bool) {
	if g == nil || g.Regime != gex.RegimeShortGamma {
		return contribution{}, false
	}
	if t.Momentum > momentumTrendPct {
		return contribution{wGexTrendFollow, types.DirectionBullish, "Short Gamma + upside momentum, trend follow"}, true
	}
	if t.Momentum < -momentumTrendPct {
		return contribution{wGexTrendFollow, types.DirectionBearish, "Short Gamma + downside momentum, trend follow"}, true
	}
	return contribution{}, false
}

// wallContributions rewards proximity to the dominant walls.
func wallContributions(g *gex.Summary, t *indicators.Technicals) []contribution {
	if g == nil || t.Price <= 0 {
		return nil
	}
	var out []contribution
	if len(g.PutWalls) > 0 {
		wall := g.PutWalls[0].Strike
		if math.Abs(t.Price-wall)/t.Price*100 <= wallBandPct {
			out = append(out, contribution{wWallProximity, types.DirectionBullish,
				fmt.Sprintf("spot near put wall %.0f", wall)})
		}
	}
	if len(g.CallWalls) > 0 {
		wall := g.CallWalls[0].Strike
		if math.Abs(t.Price-wall)/t.Price*100 <= wallBandPct {
			out = append(out, contribution{wWallProximity, types.DirectionBearish,
				fmt.Sprintf("spot near call wall %.0f", wall)})
		}
	}
	return out
}

func flipContribution(g *gex.Summary, t *indicators.Technicals) (contribution, bool) {
	if g == nil || g.GammaFlip == nil || t.Price <= 0 {
		return contribution{}, false
	}
	flip := *g.GammaFlip
	distPct := (t.Price - flip) / t.Price * 100
	if distPct > flipBandPct {
		return contribution{wFlipDistance, types.DirectionBullish,
			fmt.Sprintf("spot %.1f%% above gamma flip %.1f", distPct, flip)}, true
	}
	if distPct < -flipBandPct {
		return contribution{wFlipDistance, types.DirectionBearish,
			fmt.Sprintf("spot %.1f%% below gamma flip %.1f", -distPct, flip)}, true
	}
	return contribution{}, false
}

func rsiContributions(t *indicators.Technicals) []contribution {
	if !t.RSIValid {
		return nil
	}
	switch {
	case t.RSI < 30:
		return []contribution{{wRSIExtreme, types.DirectionBullish, fmt.Sprintf("RSI oversold (%.0f)", t.RSI)}}
	case t.RSI > 70:
		return []contribution{{wRSIExtreme, types.DirectionBearish, fmt.Sprintf("RSI overbought (%.0f)", t.RSI)}}
	case t.RSI < 40:
		return []contribution{{wRSILean, types.DirectionBullish, fmt.Sprintf("RSI leaning oversold (%.0f)", t.RSI)}}
	case t.RSI > 60:
		return []contribution{{wRSILean, types.DirectionBearish, fmt.Sprintf("RSI leaning overbought (%.0f)", t.RSI)}}
	}
	return nil
}

// macdContribution requires the histogram to agree with the crossover.
func macdContribution(t *indicators.Technicals) (contribution, bool) {
	if !t.MACDValid {
		return contribution{}, false
	}
	if t.MACD.MACD > t.MACD.Signal && t.MACD.Histogram > 0 {
		return contribution{wMACDConfirmed, types.DirectionBullish, "MACD bullish, histogram confirms"}, true
	}
	if t.MACD.MACD < t.MACD.Signal && t.MACD.Histogram < 0 {
		return contribution{wMACDConfirmed, types.DirectionBearish, "MACD bearish, histogram confirms"}, true
	}
	return contribution{}, false
}

func vwapContribution(t *indicators.Technicals) (contribution, bool) {
	if !t.VWAPValid {
		return contribution{}, false
	}
	if t.PriceAboveVWAP {
		return contribution{wVWAPSide, types.DirectionBullish, "price above VWAP"}, true
	}
	return contribution{wVWAPSide, types.DirectionBearish, "price below VWAP"}, true
}

func bandContribution(t *indicators.Technicals) (contribution, bool) {
	if !t.BollingerValid || t.Price <= 0 {
		return contribution{}, false
	}
	if math.Abs(t.Price-t.Bollinger.Lower)/t.Price*100 <= bandTouchPct {
		return contribution{wBandTouch, types.DirectionBullish, "at lower Bollinger band"}, true
	}
	if math.Abs(t.Price-t.Bollinger.Upper)/t.Price*100 <= bandTouchPct {
		return contribution{wBandTouch, types.DirectionBearish, "at upper Bollinger band"}, true
	}
	return contribution{}, false
}

func volumeContribution(t *indicators.Technicals) (contribution, bool) {
	if t.VolumeTrend <= volumeSurgeRatio || t.Momentum == 0 {
		return contribution{}, false
	}
	side := types.DirectionBullish
	if t.Momentum < 0 {
		side = types.DirectionBearish
	}
	return contribution{wVolumeSurge, side,
		fmt.Sprintf("volume surge %.1fx with momentum", t.VolumeTrend)}, true
}

func sigmaContribution(t *indicators.Technicals) (contribution, bool) {
	if t.TodayMoveSigma < sigmaMoveFloor || t.Momentum == 0 {
		return contribution{}, false
	}
	side := types.DirectionBullish
	if t.Momentum < 0 {
		side = types.DirectionBearish
	}
	return contribution{wSigmaMove, side,
		fmt.Sprintf("%.1f-sigma day with momentum", t.TodayMoveSigma)}, true
}

func chopContribution(t *indicators.Technicals) (contribution, bool) {
	if t.Choppiness <= choppyFloor {
		return contribution{}, false
	}
	return contribution{wChopPenalty, "", fmt.Sprintf("choppy tape (%.1f)", t.Choppiness)}, true
}

func clipInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
