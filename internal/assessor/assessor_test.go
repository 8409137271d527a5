// Package assessor_test provides tests for the direction assessor.
package assessor_test

import (
	"strings"
	"testing"

	"github.com/gammadesk/options-engine/internal/assessor"
	"github.com/gammadesk/options-engine/internal/gex"
	"github.com/gammadesk/options-engine/internal/indicators"
	"github.com/gammadesk/options-engine/internal/macro"
	"github.com/gammadesk/options-engine/internal/mtf"
	"github.com/gammadesk/options-engine/pkg/types"
	"go.uber.org/zap"
)

func baseTechnicals() *indicators.Technicals {
	return &indicators.Technicals{
		Price:          500,
		RSI:            50,
		RSIValid:       true,
		MACD:           indicators.MACDValue{},
		MACDValid:      true,
		Bollinger:      indicators.BollingerBands{Upper: 510, Middle: 500, Lower: 490},
		BollingerValid: true,
		ATR:            1.0,
		ATRValid:       true,
		VWAP:           500.10,
		VWAPValid:      true,
	}
}

func flipAt(v float64) *float64 { return &v }

func TestLongGammaBounceScenario(t *testing.T) {
	// Long-gamma tape, oversold RSI, spot sitting on the put wall.
	tech := baseTechnicals()
	tech.RSI = 28
	tech.Momentum = -0.05
	tech.PriceAboveVWAP = false
	tech.VolumeTrend = 1.1

	summary := &gex.Summary{
		Spot:       500,
		Regime:     gex.RegimeLongGamma,
		Confidence: 0.8,
		GammaFlip:  flipAt(499.5),
		CallWalls:  []gex.Wall{{Strike: 502, GEX: 1e8}},
		PutWalls:   []gex.Wall{{Strike: 498, GEX: -9e7}},
	}

	signal := assessor.New(zap.NewNop()).Assess(assessor.Inputs{
		Technicals: tech,
		GEX:        summary,
		Macro:      &macro.State{Regime: macro.RegimeCautious, Multiplier: 1.0},
	})

	if signal.Direction != types.DirectionBullish {
		t.Fatalf("direction = %q, want bullish", signal.Direction)
	}
	if signal.Conviction < 5 {
		t.Errorf("conviction = %d, want >= 5", signal.Conviction)
	}
	if signal.Strategy != types.StrategyScalp {
		t.Errorf("strategy = %q, want scalp in Long Gamma with modest ATR", signal.Strategy)
	}

	joined := strings.Join(signal.Reasons, "; ")
	for _, want := range []string{"oversold", "put wall", "VWAP"} {
		if !strings.Contains(joined, want) {
			t.Errorf("reasons missing %q: %s", want, joined)
		}
	}
}

func TestShortGammaTrendFollow(t *testing.T) {
	tech := baseTechnicals()
	tech.Momentum = -0.4
	tech.RSI = 45
	tech.PriceAboveVWAP = false

	summary := &gex.Summary{Spot: 500, Regime: gex.RegimeShortGamma}

	signal := assessor.New(zap.NewNop()).Assess(assessor.Inputs{
		Technicals: tech,
		GEX:        summary,
	})

	if signal.Direction != types.DirectionBearish {
		t.Errorf("direction = %q, want bearish trend-follow", signal.Direction)
	}
	if signal.Strategy != types.StrategySwing {
		t.Errorf("strategy = %q, want swing in Short Gamma", signal.Strategy)
	}
}

func TestConvictionBounds(t *testing.T) {
	// Stack every bullish contributor and a +2 MTF boost: conviction must
	// stay within [1,10].
	tech := baseTechnicals()
	tech.RSI = 25
	tech.Momentum = 1.2
	tech.PriceAboveVWAP = true
	tech.VolumeTrend = 2.0
	tech.TodayMoveSigma = 2.0
	tech.MACD = indicators.MACDValue{MACD: 1, Signal: 0.5, Histogram: 0.5}
	tech.Price = 490.2 // at the lower band

	signal := assessor.New(zap.NewNop()).Assess(assessor.Inputs{
		Technicals: tech,
		GEX:        &gex.Summary{Spot: 490, Regime: gex.RegimeLongGamma, GammaFlip: flipAt(480)},
		Macro:      &macro.State{Regime: macro.RegimeRiskOn, Multiplier: 1.2},
		MTF:        &mtf.Result{Consensus: mtf.ConsensusStrongBullish, Score: 0.9, ConvictionBoost: 2},
	})

	if signal.Conviction != 10 {
		t.Errorf("stacked bullish conviction = %d, want clamp at 10", signal.Conviction)
	}
}

func TestWeakEvidenceFloorsAtOne(t *testing.T) {
	tech := baseTechnicals()
	tech.Choppiness = 5 // penalty only
	tech.VWAPValid = false

	signal := assessor.New(zap.NewNop()).Assess(assessor.Inputs{Technicals: tech})
	if signal.Conviction < 1 || signal.Conviction > 10 {
		t.Errorf("conviction = %d, want within [1,10]", signal.Conviction)
	}
	if signal.BullPoints < 0 || signal.BearPoints < 0 {
		t.Errorf("points went negative: bull=%v bear=%v", signal.BullPoints, signal.BearPoints)
	}
}

func TestMissingOptionalFeaturesCompose(t *testing.T) {
	// Only technicals present: assessor still produces a full signal.
	tech := baseTechnicals()
	tech.RSI = 75
	tech.PriceAboveVWAP = false

	signal := assessor.New(zap.NewNop()).Assess(assessor.Inputs{Technicals: tech})
	if signal.Direction != types.DirectionBearish {
		t.Errorf("direction = %q, want bearish on overbought RSI", signal.Direction)
	}
	if len(signal.Reasons) == 0 {
		t.Error("expected reasons")
	}
}

func TestReasonsPreserveInsertionOrder(t *testing.T) {
	tech := baseTechnicals()
	tech.RSI = 28
	tech.PriceAboveVWAP = false

	signal := assessor.New(zap.NewNop()).Assess(assessor.Inputs{
		Technicals: tech,
		Macro:      &macro.State{Regime: macro.RegimeRiskOn},
	})

	// Macro is collected first, so its reason leads.
	if len(signal.Reasons) == 0 || !strings.Contains(signal.Reasons[0], "RISK_ON") {
		t.Errorf("reasons[0] = %v, want macro first", signal.Reasons)
	}
}

func TestNilTechnicalsYieldsMinimalSignal(t *testing.T) {
	signal := assessor.New(zap.NewNop()).Assess(assessor.Inputs{})
	if signal.Conviction != 1 {
		t.Errorf("conviction = %d, want floor of 1", signal.Conviction)
	}
}
