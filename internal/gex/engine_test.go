// Package gex_test provides tests for the gamma exposure engine.
package gex_test

import (
	"testing"
	"time"

	"github.com/gammadesk/options-engine/internal/gex"
	"github.com/gammadesk/options-engine/internal/market"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)

func contract(strike float64, optType types.OptionType, oi int64, gamma float64) types.OptionContract {
	strikeDec := decimal.NewFromFloat(strike)
	exp := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	return types.OptionContract{
		Symbol:       market.BuildOSI("SPY", exp, optType, strikeDec),
		Underlying:   "SPY",
		Strike:       strikeDec,
		Expiration:   exp,
		Type:         optType,
		OpenInterest: oi,
		ImpliedVol:   0.2,
		Greeks:       types.Greeks{Gamma: gamma},
		Quote: types.Quote{
			Bid: decimal.NewFromFloat(1.0),
			Ask: decimal.NewFromFloat(1.1),
		},
	}
}

func newEngine() *gex.Engine {
	return gex.NewEngine(zap.NewNop(), gex.DefaultConfig())
}

func TestSignConvention(t *testing.T) {
	chain := []types.OptionContract{
		contract(498, types.OptionTypePut, 5000, 0.02),
		contract(500, types.OptionTypeCall, 4000, 0.03),
		contract(502, types.OptionTypeCall, 6000, 0.025),
	}

	summary := newEngine().Compute(chain, 500, testNow)

	if len(summary.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(summary.Rows))
	}
	for _, row := range summary.Rows {
		if row.CallGEX < 0 {
			t.Errorf("strike %v: callGEX = %v, want >= 0", row.Strike, row.CallGEX)
		}
		if row.PutGEX > 0 {
			t.Errorf("strike %v: putGEX = %v, want <= 0", row.Strike, row.PutGEX)
		}
		if row.NetGEX != row.CallGEX+row.PutGEX {
			t.Errorf("strike %v: netGEX decomposition violated", row.Strike)
		}
	}
}

func TestRowsSortedAndBandFiltered(t *testing.T) {
	chain := []types.OptionContract{
		contract(600, types.OptionTypeCall, 1000, 0.01), // 20% above spot, dropped
		contract(505, types.OptionTypeCall, 1000, 0.02),
		contract(495, types.OptionTypePut, 1000, 0.02),
		contract(400, types.OptionTypePut, 1000, 0.01), // 20% below spot, dropped
	}

	summary := newEngine().Compute(chain, 500, testNow)

	if len(summary.Rows) != 2 {
		t.Fatalf("rows = %d, want 2 (band filter)", len(summary.Rows))
	}
	for i := 1; i < len(summary.Rows); i++ {
		if summary.Rows[i].Strike <= summary.Rows[i-1].Strike {
			t.Error("rows not sorted ascending by strike")
		}
	}
}

func TestRegimeLabels(t *testing.T) {
	longChain := []types.OptionContract{
		contract(500, types.OptionTypeCall, 10000, 0.03),
		contract(498, types.OptionTypePut, 1000, 0.02),
	}
	summary := newEngine().Compute(longChain, 500, testNow)
	if summary.Regime != gex.RegimeLongGamma {
		t.Errorf("regime = %q, want Long Gamma", summary.Regime)
	}
	if summary.Confidence < 0 || summary.Confidence > 1 {
		t.Errorf("confidence = %v, want [0,1]", summary.Confidence)
	}

	shortChain := []types.OptionContract{
		contract(500, types.OptionTypeCall, 1000, 0.03),
		contract(498, types.OptionTypePut, 10000, 0.03),
	}
	summary = newEngine().Compute(shortChain, 500, testNow)
	if summary.Regime != gex.RegimeShortGamma {
		t.Errorf("regime = %q, want Short Gamma", summary.Regime)
	}
}

func TestSkipsUnusableContracts(t *testing.T) {
	noOI := contract(500, types.OptionTypeCall, 0, 0.03)
	noIV := contract(500, types.OptionTypeCall, 1000, 0.03)
	noIV.ImpliedVol = 0
	noQuote := contract(500, types.OptionTypeCall, 1000, 0.03)
	noQuote.Quote = types.Quote{}

	summary := newEngine().Compute([]types.OptionContract{noOI, noIV, noQuote}, 500, testNow)
	if summary.Regime != gex.RegimeUnknown {
		t.Errorf("regime = %q, want Unknown for an unusable chain", summary.Regime)
	}
	if len(summary.Rows) != 0 {
		t.Errorf("rows = %d, want 0", len(summary.Rows))
	}
	if summary.GammaFlip != nil {
		t.Error("flip should be nil for an unusable chain")
	}
}

func TestProviderGammaFallsBackToBlackScholes(t *testing.T) {
	c := contract(500, types.OptionTypeCall, 1000, 0) // no provider gamma
	summary := newEngine().Compute([]types.OptionContract{c}, 500, testNow)

	if len(summary.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(summary.Rows))
	}
	if summary.Rows[0].CallGEX <= 0 {
		t.Errorf("BS fallback callGEX = %v, want > 0", summary.Rows[0].CallGEX)
	}
}

func TestGammaFlipInterpolation(t *testing.T) {
	// Heavy puts below, heavy calls above: cumulative GEX crosses between
	// 498 and 502.
	chain := []types.OptionContract{
		contract(498, types.OptionTypePut, 8000, 0.03),
		contract(502, types.OptionTypeCall, 9000, 0.03),
		contract(504, types.OptionTypeCall, 2000, 0.02),
	}

	summary := newEngine().Compute(chain, 500, testNow)
	if summary.GammaFlip == nil {
		t.Fatal("expected a gamma flip")
	}
	flip := *summary.GammaFlip
	if flip <= 498 || flip >= 502 {
		t.Errorf("flip = %v, want strictly inside (498, 502)", flip)
	}
}

func TestNoFlipWhenAllOneSide(t *testing.T) {
	chain := []types.OptionContract{
		contract(498, types.OptionTypeCall, 3000, 0.02),
		contract(500, types.OptionTypeCall, 5000, 0.03),
		contract(502, types.OptionTypeCall, 2000, 0.02),
	}
	summary := newEngine().Compute(chain, 500, testNow)
	if summary.GammaFlip != nil {
		t.Errorf("flip = %v, want nil when cumulative GEX never crosses", *summary.GammaFlip)
	}
}

func TestWalls(t *testing.T) {
	chain := []types.OptionContract{
		contract(502, types.OptionTypeCall, 9000, 0.03), // dominant call wall
		contract(505, types.OptionTypeCall, 2000, 0.02),
		contract(498, types.OptionTypePut, 7000, 0.03), // dominant put wall
		contract(495, types.OptionTypePut, 1500, 0.02),
	}

	summary := newEngine().Compute(chain, 500, testNow)
	if len(summary.CallWalls) == 0 || summary.CallWalls[0].Strike != 502 {
		t.Errorf("call walls = %+v, want 502 first", summary.CallWalls)
	}
	if len(summary.PutWalls) == 0 || summary.PutWalls[0].Strike != 498 {
		t.Errorf("put walls = %+v, want 498 first", summary.PutWalls)
	}
	if summary.PutWalls[0].GEX > 0 {
		t.Errorf("put wall GEX = %v, want <= 0", summary.PutWalls[0].GEX)
	}
}

func TestStackedWalls(t *testing.T) {
	chain := []types.OptionContract{
		contract(502, types.OptionTypeCall, 9000, 0.03),
		contract(503, types.OptionTypeCall, 8500, 0.03), // adjacent, comparable weight
		contract(510, types.OptionTypeCall, 500, 0.01),
	}

	summary := newEngine().Compute(chain, 500, testNow)
	if len(summary.CallWalls) < 2 {
		t.Fatalf("call walls = %d, want >= 2", len(summary.CallWalls))
	}
	if !summary.CallWalls[0].Stacked {
		t.Error("dominant wall with comparable neighbor should be stacked")
	}
}

func TestHeatmap(t *testing.T) {
	near := contract(500, types.OptionTypeCall, 1000, 0.03)
	far := contract(500, types.OptionTypeCall, 2000, 0.02)
	far.Expiration = time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	far.Symbol = market.BuildOSI("SPY", far.Expiration, types.OptionTypeCall, far.Strike)

	hm := newEngine().BuildHeatmap([]types.OptionContract{near, far}, 500, testNow)
	if len(hm.Expirations) != 2 {
		t.Fatalf("expirations = %d, want 2", len(hm.Expirations))
	}
	if len(hm.Cells) != 2 {
		t.Fatalf("cells = %d, want 2", len(hm.Cells))
	}
	if hm.Expirations[0] != "2026-02-12" {
		t.Errorf("expirations not sorted: %v", hm.Expirations)
	}
}
