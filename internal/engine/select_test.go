// Package engine_test provides tests for contract selection.
package engine_test

import (
	"testing"
	"time"

	"github.com/gammadesk/options-engine/internal/engine"
	"github.com/gammadesk/options-engine/internal/market"
	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func chainContract(strike float64, optType types.OptionType, delta float64, oi, volume int64, bid, ask float64) types.OptionContract {
	strikeDec := decimal.NewFromFloat(strike)
	exp := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	return types.OptionContract{
		Symbol:       market.BuildOSI("SPY", exp, optType, strikeDec),
		Underlying:   "SPY",
		Strike:       strikeDec,
		Expiration:   exp,
		Type:         optType,
		OpenInterest: oi,
		Volume:       volume,
		ImpliedVol:   0.22,
		Greeks:       types.Greeks{Delta: delta},
		Quote: types.Quote{
			Bid: decimal.NewFromFloat(bid),
			Ask: decimal.NewFromFloat(ask),
		},
	}
}

func TestDeltaWindowWidensMonotonically(t *testing.T) {
	brackets := []int{180, 90, 30}

	var prevLo, prevHi float64
	for i, minutes := range brackets {
		lo, hi := engine.DeltaWindow(0.30, 0.50, minutes)
		if i > 0 {
			if lo > prevLo || hi < prevHi {
				t.Errorf("window narrowed as close approached: %d min -> [%.2f, %.2f], prev [%.2f, %.2f]",
					minutes, lo, hi, prevLo, prevHi)
			}
		}
		prevLo, prevHi = lo, hi
	}

	// Final-hour clamp.
	lo, hi := engine.DeltaWindow(0.10, 0.85, 30)
	if lo < 0.05 || hi > 0.90 {
		t.Errorf("final-hour window [%.2f, %.2f] escapes clamp [0.05, 0.90]", lo, hi)
	}
}

func TestSelectContractPicksBestScore(t *testing.T) {
	cfg := policy.DefaultConfig()
	chain := []types.OptionContract{
		chainContract(500, types.OptionTypeCall, 0.44, 2000, 300, 2.45, 2.55), // tight spread, ideal delta
		chainContract(505, types.OptionTypeCall, 0.31, 600, 40, 1.10, 1.30),   // wide spread, edge delta
		chainContract(498, types.OptionTypePut, 0.45, 5000, 500, 2.40, 2.44),  // wrong side
	}

	sel, err := engine.SelectContract(chain, types.OptionTypeCall, 500, 180, cfg)
	if err != nil {
		t.Fatalf("SelectContract failed: %v", err)
	}
	if !sel.Contract.Strike.Equal(decimal.NewFromInt(500)) {
		t.Errorf("picked strike %s, want 500", sel.Contract.Strike)
	}
	if sel.DeltaEstimated {
		t.Error("delta should come from the chain greeks")
	}
}

func TestSelectContractRequiresLiveQuotes(t *testing.T) {
	cfg := policy.DefaultConfig()
	dead := chainContract(500, types.OptionTypeCall, 0.44, 2000, 300, 0, 2.55)

	if _, err := engine.SelectContract([]types.OptionContract{dead}, types.OptionTypeCall, 500, 180, cfg); err == nil {
		t.Error("zero bid must be rejected")
	}
}

func TestSelectContractRelaxesOpenInterest(t *testing.T) {
	cfg := policy.DefaultConfig() // min OI 500
	thin := chainContract(500, types.OptionTypeCall, 0.40, 150, 50, 2.45, 2.55)

	sel, err := engine.SelectContract([]types.OptionContract{thin}, types.OptionTypeCall, 500, 180, cfg)
	if err != nil {
		t.Fatalf("OI floor should relax to 100: %v", err)
	}
	if sel.Contract.OpenInterest != 150 {
		t.Errorf("picked OI %d", sel.Contract.OpenInterest)
	}
}

func TestSelectContractEstimatesMissingDelta(t *testing.T) {
	cfg := policy.DefaultConfig()
	noGreeks := chainContract(501, types.OptionTypeCall, 0, 2000, 300, 2.45, 2.55)

	sel, err := engine.SelectContract([]types.OptionContract{noGreeks}, types.OptionTypeCall, 500, 180, cfg)
	if err != nil {
		t.Fatalf("SelectContract failed: %v", err)
	}
	if !sel.DeltaEstimated {
		t.Error("estimated flag not set")
	}
	// Slightly OTM call: 0.50 - 10*0.002 = 0.48.
	if sel.Delta < 0.45 || sel.Delta > 0.50 {
		t.Errorf("estimated delta = %.3f, want ~0.48", sel.Delta)
	}
}

func TestSelectContractSpreadCap(t *testing.T) {
	cfg := policy.DefaultConfig()                                                 // max spread 12%
	wide := chainContract(500, types.OptionTypeCall, 0.44, 2000, 300, 2.00, 3.00) // 40% spread

	if _, err := engine.SelectContract([]types.OptionContract{wide}, types.OptionTypeCall, 500, 180, cfg); err == nil {
		t.Error("wide spread must be rejected")
	}
}

func TestSelectContractTiebreakBySpread(t *testing.T) {
	cfg := policy.DefaultConfig()
	// Same score buckets except spread inside the same bucket.
	a := chainContract(500, types.OptionTypeCall, 0.40, 2000, 300, 2.46, 2.54) // 3.2%
	b := chainContract(502, types.OptionTypeCall, 0.40, 2000, 300, 2.45, 2.55) // 4.0%

	sel, err := engine.SelectContract([]types.OptionContract{b, a}, types.OptionTypeCall, 500, 180, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !sel.Contract.Strike.Equal(decimal.NewFromInt(500)) {
		t.Errorf("tiebreak picked %s, want the tighter spread at 500", sel.Contract.Strike)
	}
}
