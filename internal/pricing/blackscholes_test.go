// Package pricing_test provides tests for Black-Scholes pricing.
package pricing_test

import (
	"math"
	"testing"

	"github.com/gammadesk/options-engine/internal/pricing"
)

func TestGammaNonNegativeAndSymmetric(t *testing.T) {
	spots := []float64{450, 500, 550}
	strikes := []float64{480, 500, 520}
	sigmas := []float64{0.1, 0.25, 0.6}
	ts := []float64{1.0 / 365.25, 7.0 / 365.25, 0.25}

	for _, s := range spots {
		for _, k := range strikes {
			for _, sigma := range sigmas {
				for _, tt := range ts {
					g := pricing.Gamma(s, k, pricing.RiskFreeRate, sigma, tt)
					if g < 0 {
						t.Errorf("gamma negative: S=%v K=%v sigma=%v t=%v -> %v", s, k, sigma, tt, g)
					}
					if math.IsNaN(g) || math.IsInf(g, 0) {
						t.Errorf("gamma not finite: S=%v K=%v sigma=%v t=%v -> %v", s, k, sigma, tt, g)
					}
				}
			}
		}
	}
}

func TestDegenerateInputsReturnZero(t *testing.T) {
	cases := []struct {
		name                     string
		spot, strike, sigma, tau float64
	}{
		{"zero time", 500, 500, 0.2, 0},
		{"negative time", 500, 500, 0.2, -1},
		{"zero sigma", 500, 500, 0, 0.1},
		{"zero spot", 0, 500, 0.2, 0.1},
		{"zero strike", 500, 0, 0.2, 0.1},
	}

	for _, c := range cases {
		if g := pricing.Gamma(c.spot, c.strike, pricing.RiskFreeRate, c.sigma, c.tau); g != 0 {
			t.Errorf("%s: gamma = %v, want 0", c.name, g)
		}
		if d := pricing.CallDelta(c.spot, c.strike, pricing.RiskFreeRate, c.sigma, c.tau); d != 0 {
			t.Errorf("%s: call delta = %v, want 0", c.name, d)
		}
		if p := pricing.CallPrice(c.spot, c.strike, pricing.RiskFreeRate, c.sigma, c.tau); p != 0 {
			t.Errorf("%s: call price = %v, want 0", c.name, p)
		}
		if p := pricing.PutPrice(c.spot, c.strike, pricing.RiskFreeRate, c.sigma, c.tau); p != 0 {
			t.Errorf("%s: put price = %v, want 0", c.name, p)
		}
	}
}

func TestDeltaBounds(t *testing.T) {
	for _, k := range []float64{400, 450, 500, 550, 600} {
		cd := pricing.CallDelta(500, k, pricing.RiskFreeRate, 0.3, 0.05)
		pd := pricing.PutDelta(500, k, pricing.RiskFreeRate, 0.3, 0.05)

		if cd < 0 || cd > 1 {
			t.Errorf("call delta out of [0,1]: K=%v -> %v", k, cd)
		}
		if pd < -1 || pd > 0 {
			t.Errorf("put delta out of [-1,0]: K=%v -> %v", k, pd)
		}
		// Call delta minus put delta equals 1 for identical inputs.
		if diff := cd - pd; math.Abs(diff-1) > 1e-12 {
			t.Errorf("delta parity violated: K=%v -> %v", k, diff)
		}
	}
}

func TestPutCallParity(t *testing.T) {
	spot, strike, sigma, tau := 500.0, 505.0, 0.22, 10.0/365.25
	call := pricing.CallPrice(spot, strike, pricing.RiskFreeRate, sigma, tau)
	put := pricing.PutPrice(spot, strike, pricing.RiskFreeRate, sigma, tau)

	lhs := call - put
	rhs := spot - strike*math.Exp(-pricing.RiskFreeRate*tau)
	if math.Abs(lhs-rhs) > 1e-9 {
		t.Errorf("parity violated: C-P=%v, S-Ke^-rT=%v", lhs, rhs)
	}
}

func TestATMCallRoughValue(t *testing.T) {
	// ATM call with 30 days and 20% vol should price near S*0.4*sigma*sqrt(T).
	spot := 500.0
	tau := 30.0 / 365.25
	sigma := 0.20
	call := pricing.CallPrice(spot, spot, 0, sigma, tau)
	approx := spot * 0.4 * sigma * math.Sqrt(tau)
	if math.Abs(call-approx)/approx > 0.05 {
		t.Errorf("ATM approximation off: got %v, approx %v", call, approx)
	}
}

func TestNormCDF(t *testing.T) {
	if v := pricing.NormCDF(0); math.Abs(v-0.5) > 1e-12 {
		t.Errorf("NormCDF(0) = %v, want 0.5", v)
	}
	if v := pricing.NormCDF(1.96); math.Abs(v-0.975) > 0.001 {
		t.Errorf("NormCDF(1.96) = %v, want ~0.975", v)
	}
	if v := pricing.NormCDF(-1.96); math.Abs(v-0.025) > 0.001 {
		t.Errorf("NormCDF(-1.96) = %v, want ~0.025", v)
	}
}
