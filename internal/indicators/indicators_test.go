// Package indicators_test provides tests for the indicator library.
package indicators_test

import (
	"math"
	"testing"
	"time"

	"github.com/gammadesk/options-engine/internal/indicators"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}

	sma, ok := indicators.SMA(values, 5)
	if !ok {
		t.Fatal("SMA unavailable with exactly period samples")
	}
	if sma != 3 {
		t.Errorf("SMA = %v, want 3", sma)
	}

	if _, ok := indicators.SMA(values, 6); ok {
		t.Error("SMA should be unavailable with fewer samples than period")
	}
}

func TestEMAConvergesToConstant(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = 42
	}

	ema, ok := indicators.EMA(values, 9)
	if !ok {
		t.Fatal("EMA unavailable")
	}
	if math.Abs(ema-42) > 1e-9 {
		t.Errorf("EMA of constant series = %v, want 42", ema)
	}
}

func TestEMATracksTrend(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = float64(100 + i)
	}

	ema9, _ := indicators.EMA(values, 9)
	ema20, _ := indicators.EMA(values, 20)
	if ema9 <= ema20 {
		t.Errorf("in an uptrend 9-EMA (%v) should lead 20-EMA (%v)", ema9, ema20)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = float64(100 + i)
	}
	rsi, ok := indicators.RSI(up, 14)
	if !ok {
		t.Fatal("RSI unavailable")
	}
	if rsi != 100 {
		t.Errorf("RSI of monotone gains = %v, want 100", rsi)
	}

	down := make([]float64, 30)
	for i := range down {
		down[i] = float64(200 - i)
	}
	rsi, _ = indicators.RSI(down, 14)
	if rsi > 1 {
		t.Errorf("RSI of monotone losses = %v, want ~0", rsi)
	}

	if _, ok := indicators.RSI([]float64{1, 2, 3}, 14); ok {
		t.Error("RSI should be unavailable on a short series")
	}
}

func TestMACDHistogramSign(t *testing.T) {
	// Accelerating uptrend: MACD above signal, histogram positive.
	values := make([]float64, 80)
	for i := range values {
		values[i] = 100 + float64(i)*float64(i)*0.01
	}

	macd, ok := indicators.MACD(values)
	if !ok {
		t.Fatal("MACD unavailable")
	}
	if macd.Histogram <= 0 {
		t.Errorf("accelerating uptrend histogram = %v, want > 0", macd.Histogram)
	}
	if diff := macd.MACD - macd.Signal - macd.Histogram; math.Abs(diff) > 1e-12 {
		t.Errorf("histogram != macd-signal (diff %v)", diff)
	}
}

func TestBollingerOrdering(t *testing.T) {
	values := []float64{10, 11, 12, 11, 10, 9, 10, 11, 12, 11, 10, 9, 10, 11, 12, 11, 10, 9, 10, 11}

	bands, ok := indicators.Bollinger(values, 20, 2)
	if !ok {
		t.Fatal("Bollinger unavailable")
	}
	if !(bands.Lower < bands.Middle && bands.Middle < bands.Upper) {
		t.Errorf("band ordering violated: %+v", bands)
	}
	if bands.Width <= 0 {
		t.Errorf("band width = %v, want > 0", bands.Width)
	}
}

func makeBars(closes []float64, volume int64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	ts := time.Date(2026, 2, 12, 14, 30, 0, 0, time.UTC)
	for i, c := range closes {
		px := decimal.NewFromFloat(c)
		bars[i] = types.Bar{
			Timestamp: ts.Add(time.Duration(i) * 5 * time.Minute),
			Open:      px,
			High:      px.Add(decimal.NewFromFloat(0.5)),
			Low:       px.Sub(decimal.NewFromFloat(0.5)),
			Close:     px,
			Volume:    volume,
		}
	}
	return bars
}

func TestATR(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 500
	}
	bars := makeBars(closes, 1000)

	atr, ok := indicators.ATR(bars, 14)
	if !ok {
		t.Fatal("ATR unavailable")
	}
	// Each bar spans exactly $1 high-to-low with flat closes.
	if math.Abs(atr-1) > 1e-9 {
		t.Errorf("ATR = %v, want 1", atr)
	}
}

func TestVWAPFlatSeries(t *testing.T) {
	bars := makeBars([]float64{500, 500, 500, 500, 500, 500, 500, 500, 500, 500}, 1000)

	vwap, ok := indicators.VWAP(bars)
	if !ok {
		t.Fatal("VWAP unavailable")
	}
	if math.Abs(vwap-500) > 1e-9 {
		t.Errorf("VWAP = %v, want 500", vwap)
	}
}

func TestSnapshotRequiresMinimumBars(t *testing.T) {
	bars := makeBars([]float64{500, 501, 502}, 1000)
	if _, err := indicators.Snapshot(bars); err == nil {
		t.Error("Snapshot should fail on a short series")
	}
}

func TestSnapshotFields(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 500 + math.Sin(float64(i)/4)*2
	}
	bars := makeBars(closes, 1000)

	snap, err := indicators.Snapshot(bars)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if snap.Price != closes[len(closes)-1] {
		t.Errorf("Price = %v, want %v", snap.Price, closes[len(closes)-1])
	}
	if !snap.RSIValid || !snap.MACDValid || !snap.BollingerValid || !snap.ATRValid || !snap.VWAPValid {
		t.Errorf("expected all indicators valid with 60 bars: %+v", snap)
	}
	if snap.Support > snap.Price || snap.Resistance < snap.Price {
		t.Errorf("support/resistance should bracket price: support=%v price=%v resistance=%v",
			snap.Support, snap.Price, snap.Resistance)
	}
	// An oscillating series is choppy.
	if snap.Choppiness < 1 {
		t.Errorf("choppiness = %v, want >= 1", snap.Choppiness)
	}
}
