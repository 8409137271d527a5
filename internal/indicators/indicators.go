// Package indicators provides technical indicators over closed bar series.
// All series run oldest to newest. Insufficient samples are reported through
// ok flags, never through sentinel values.
package indicators

import (
	"fmt"
	"math"

	"github.com/gammadesk/options-engine/pkg/types"
)

// MACDValue holds the MACD line, signal line and histogram.
type MACDValue struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerBands holds the band levels and relative width.
type BollingerBands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"` // (upper-lower)/middle
}

// SMA returns the simple moving average of the last period samples.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMA returns the exponential moving average of the series, seeded with the
// SMA of the first period samples.
func EMA(values []float64, period int) (float64, bool) {
	series, ok := emaSeries(values, period)
	if !ok {
		return 0, false
	}
	return series[len(series)-1], true
}

// emaSeries returns the EMA value for each index >= period-1.
func emaSeries(values []float64, period int) ([]float64, bool) {
	if period <= 0 || len(values) < period {
		return nil, false
	}
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	mult := 2.0 / (float64(period) + 1)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*mult + ema
		out = append(out, ema)
	}
	return out, true
}

// RSI returns Wilder's relative strength index. Returns 100 when the average
// loss over the lookback is zero.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	// Wilder smoothing over the remainder of the series.
	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// MACD computes the 12/26/9 MACD over closes.
func MACD(values []float64) (MACDValue, bool) {
	const fast, slow, signalPeriod = 12, 26, 9

	fastSeries, okF := emaSeries(values, fast)
	slowSeries, okS := emaSeries(values, slow)
	if !okF || !okS {
		return MACDValue{}, false
	}

	// Align the fast series to the slow series tail.
	offset := len(fastSeries) - len(slowSeries)
	macdLine := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdLine[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries, ok := emaSeries(macdLine, signalPeriod)
	if !ok {
		return MACDValue{}, false
	}

	macd := macdLine[len(macdLine)-1]
	signal := signalSeries[len(signalSeries)-1]
	return MACDValue{MACD: macd, Signal: signal, Histogram: macd - signal}, true
}

// Bollinger computes Bollinger bands over the last period closes.
func Bollinger(values []float64, period int, mult float64) (BollingerBands, bool) {
	mid, ok := SMA(values, period)
	if !ok {
		return BollingerBands{}, false
	}

	variance := 0.0
	for _, v := range values[len(values)-period:] {
		diff := v - mid
		variance += diff * diff
	}
	sd := math.Sqrt(variance / float64(period))

	bands := BollingerBands{
		Upper:  mid + mult*sd,
		Middle: mid,
		Lower:  mid - mult*sd,
	}
	if mid != 0 {
		bands.Width = (bands.Upper - bands.Lower) / mid
	}
	return bands, true
}

// ATR computes Wilder's average true range over OHLC bars.
func ATR(bars []types.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}

	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high, _ := bars[i].High.Float64()
		low, _ := bars[i].Low.Float64()
		prevClose, _ := bars[i-1].Close.Float64()

		tr := high - low
		if v := math.Abs(high - prevClose); v > tr {
			tr = v
		}
		if v := math.Abs(low - prevClose); v > tr {
			tr = v
		}
		trs = append(trs, tr)
	}

	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// VWAP computes the cumulative volume-weighted average price over the session bars.
func VWAP(bars []types.Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}

	var pvSum, volSum float64
	for _, bar := range bars {
		high, _ := bar.High.Float64()
		low, _ := bar.Low.Float64()
		closePx, _ := bar.Close.Float64()
		typical := (high + low + closePx) / 3
		vol := float64(bar.Volume)
		pvSum += typical * vol
		volSum += vol
	}
	if volSum == 0 {
		return 0, false
	}
	return pvSum / volSum, true
}

// Technicals is a full per-scan indicator snapshot.
type Technicals struct {
	Price          float64        `json:"price"`
	RSI            float64        `json:"rsi"`
	RSIValid       bool           `json:"rsiValid"`
	MACD           MACDValue      `json:"macd"`
	MACDValid      bool           `json:"macdValid"`
	Bollinger      BollingerBands `json:"bollinger"`
	BollingerValid bool           `json:"bollingerValid"`
	ATR            float64        `json:"atr"`
	ATRValid       bool           `json:"atrValid"`
	VWAP           float64        `json:"vwap"`
	VWAPValid      bool           `json:"vwapValid"`
	VolumeTrend    float64        `json:"volumeTrend"` // last volume / 20-bar average
	Momentum       float64        `json:"momentum"`    // 5-bar % change
	Support        float64        `json:"nearestSupport"`
	Resistance     float64        `json:"nearestResistance"`
	PriceAboveVWAP bool           `json:"priceAboveVwap"`
	DailySigma     float64        `json:"dailySigma"`     // expected full-day move, $
	TodayMoveSigma float64        `json:"todayMoveSigma"` // today's move in sigmas
	Choppiness     float64        `json:"choppiness"`     // path length / net move
}

// minBars is the smallest series Snapshot accepts.
const minBars = 10

// Snapshot builds the full Technicals record from intraday bars.
func Snapshot(bars []types.Bar) (*Technicals, error) {
	if len(bars) < minBars {
		return nil, fmt.Errorf("insufficient bars: have %d, need %d", len(bars), minBars)
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i], _ = bar.Close.Float64()
	}
	price := closes[len(closes)-1]

	t := &Technicals{Price: price}

	t.RSI, t.RSIValid = RSI(closes, 14)
	t.MACD, t.MACDValid = MACD(closes)
	t.Bollinger, t.BollingerValid = Bollinger(closes, 20, 2)
	t.ATR, t.ATRValid = ATR(bars, 14)
	t.VWAP, t.VWAPValid = VWAP(bars)
	t.PriceAboveVWAP = t.VWAPValid && price > t.VWAP

	// 5-bar momentum, percent.
	if len(closes) >= 6 {
		base := closes[len(closes)-6]
		if base != 0 {
			t.Momentum = (price - base) / base * 100
		}
	}

	// Volume trend versus the recent average.
	if avg, ok := volumeSMA(bars, 20); ok && avg > 0 {
		t.VolumeTrend = float64(bars[len(bars)-1].Volume) / avg
	}

	// Swing support/resistance over the lookback window.
	window := bars
	if len(window) > 50 {
		window = window[len(window)-50:]
	}
	low, _ := window[0].Low.Float64()
	high, _ := window[0].High.Float64()
	for _, bar := range window[1:] {
		l, _ := bar.Low.Float64()
		h, _ := bar.High.Float64()
		if l < low {
			low = l
		}
		if h > high {
			high = h
		}
	}
	t.Support = low
	t.Resistance = high

	t.DailySigma, t.TodayMoveSigma = sigmaStats(bars, closes)
	t.Choppiness = choppiness(closes, 10)

	return t, nil
}

// volumeSMA averages volume over the last period bars.
func volumeSMA(bars []types.Bar, period int) (float64, bool) {
	if len(bars) < period {
		period = len(bars)
	}
	if period == 0 {
		return 0, false
	}
	sum := 0.0
	for _, bar := range bars[len(bars)-period:] {
		sum += float64(bar.Volume)
	}
	return sum / float64(period), true
}

// sigmaStats estimates the expected full-day dollar move and expresses
// today's move from the session open in those units.
func sigmaStats(bars []types.Bar, closes []float64) (dailySigma, moveSigma float64) {
	if len(closes) < 3 {
		return 0, 0
	}

	var sum, sumSq float64
	n := 0
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		r := (closes[i] - closes[i-1]) / closes[i-1]
		sum += r
		sumSq += r * r
		n++
	}
	if n < 2 {
		return 0, 0
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}

	// Scale per-bar volatility to a 78-bar (5-minute) session.
	price := closes[len(closes)-1]
	dailySigma = math.Sqrt(variance) * math.Sqrt(78) * price
	if dailySigma == 0 {
		return 0, 0
	}

	sessionOpen, _ := bars[0].Open.Float64()
	moveSigma = math.Abs(price-sessionOpen) / dailySigma
	return dailySigma, moveSigma
}

// choppiness is path length divided by net move over the last n closes.
// A straight trend scores near 1; oscillation scores high.
func choppiness(closes []float64, n int) float64 {
	if len(closes) < n+1 {
		n = len(closes) - 1
	}
	if n < 2 {
		return 0
	}
	window := closes[len(closes)-n-1:]

	path := 0.0
	for i := 1; i < len(window); i++ {
		path += math.Abs(window[i] - window[i-1])
	}
	net := math.Abs(window[len(window)-1] - window[0])
	if net == 0 {
		return 10
	}
	return path / net
}
