// Package pricing provides Black-Scholes option pricing and greeks.
package pricing

import "math"

// RiskFreeRate is the default annualized risk-free rate used when none is configured.
const RiskFreeRate = 0.045

// NormPDF is the standard normal probability density function.
func NormPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// NormCDF is the standard normal cumulative distribution function.
func NormCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// d1 returns the Black-Scholes d1 term. Callers must validate inputs.
func d1(spot, strike, rate, sigma, t float64) float64 {
	return (math.Log(spot/strike) + (rate+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
}

// validInputs reports whether the inputs admit a finite Black-Scholes value.
func validInputs(spot, strike, sigma, t float64) bool {
	return spot > 0 && strike > 0 && sigma > 0 && t > 0
}

// Gamma returns the Black-Scholes gamma, identical for calls and puts.
// Degenerate inputs return 0, never NaN or Inf.
func Gamma(spot, strike, rate, sigma, t float64) float64 {
	if !validInputs(spot, strike, sigma, t) {
		return 0
	}
	d := d1(spot, strike, rate, sigma, t)
	return NormPDF(d) / (spot * sigma * math.Sqrt(t))
}

// CallDelta returns the Black-Scholes delta of a call.
func CallDelta(spot, strike, rate, sigma, t float64) float64 {
	if !validInputs(spot, strike, sigma, t) {
		return 0
	}
	return NormCDF(d1(spot, strike, rate, sigma, t))
}

// PutDelta returns the Black-Scholes delta of a put.
func PutDelta(spot, strike, rate, sigma, t float64) float64 {
	if !validInputs(spot, strike, sigma, t) {
		return 0
	}
	return NormCDF(d1(spot, strike, rate, sigma, t)) - 1
}

// CallPrice returns the Black-Scholes price of a European call.
func CallPrice(spot, strike, rate, sigma, t float64) float64 {
	if !validInputs(spot, strike, sigma, t) {
		return 0
	}
	d := d1(spot, strike, rate, sigma, t)
	d2 := d - sigma*math.Sqrt(t)
	return spot*NormCDF(d) - strike*math.Exp(-rate*t)*NormCDF(d2)
}

// PutPrice returns the Black-Scholes price of a European put via put-call parity.
func PutPrice(spot, strike, rate, sigma, t float64) float64 {
	if !validInputs(spot, strike, sigma, t) {
		return 0
	}
	call := CallPrice(spot, strike, rate, sigma, t)
	return call - spot + strike*math.Exp(-rate*t)
}
