// Package mtf computes 9/20 EMA confluence across a fixed timeframe ladder.
package mtf

import (
	"context"
	"math"
	"sync"

	"github.com/gammadesk/options-engine/internal/indicators"
	"github.com/gammadesk/options-engine/internal/market"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stance classifies one timeframe.
type Stance string

const (
	StanceBullish     Stance = "bullish"
	StanceLeanBullish Stance = "lean_bullish"
	StanceNeutral     Stance = "neutral"
	StanceLeanBearish Stance = "lean_bearish"
	StanceBearish     Stance = "bearish"
)

// Consensus summarizes the ladder.
type Consensus string

const (
	ConsensusStrongBullish Consensus = "strong_bullish"
	ConsensusBullish       Consensus = "bullish"
	ConsensusNeutral       Consensus = "neutral"
	ConsensusBearish       Consensus = "bearish"
	ConsensusStrongBearish Consensus = "strong_bearish"
)

// TimeframeRead is the classification of a single timeframe.
type TimeframeRead struct {
	Timeframe string  `json:"timeframe"`
	Stance    Stance  `json:"stance"`
	Price     float64 `json:"price"`
	EMA9      float64 `json:"ema9"`
	EMA20     float64 `json:"ema20"`
}

// Result is the full multi-timeframe read.
type Result struct {
	Reads           []TimeframeRead `json:"reads"`
	Score           float64         `json:"score"` // -1..1
	Consensus       Consensus       `json:"consensus"`
	ConvictionBoost int             `json:"convictionBoost"`
}

// ladder is the fixed set of timeframes, fastest first.
var ladder = []string{"2Min", "5Min", "15Min", "30Min", "1Hour", "4Hour", "1Day"}

// minBarsPerTimeframe is the minimum series length for a 20-EMA read.
const minBarsPerTimeframe = 22

// Service fetches the ladder and summarizes confluence.
type Service struct {
	logger  *zap.Logger
	gateway market.Gateway
}

// NewService creates an MTF service.
func NewService(logger *zap.Logger, gateway market.Gateway) *Service {
	return &Service{logger: logger.Named("mtf"), gateway: gateway}
}

// Analyze reads every timeframe in parallel and folds the stances into a
// consensus. Timeframes that fail or lack bars are skipped.
func (s *Service) Analyze(ctx context.Context, symbol string) *Result {
	var mu sync.Mutex
	reads := make([]TimeframeRead, 0, len(ladder))

	g, gctx := errgroup.WithContext(ctx)
	for _, timeframe := range ladder {
		timeframe := timeframe
		g.Go(func() error {
			bars, err := s.gateway.GetIntradayBars(gctx, symbol, timeframe, 60)
			if err != nil {
				s.logger.Debug("timeframe fetch failed",
					zap.String("symbol", symbol),
					zap.String("timeframe", timeframe),
					zap.Error(err))
				return nil // advisory: skip, never abort the ladder
			}
			if len(bars) < minBarsPerTimeframe {
				return nil
			}

			closes := make([]float64, len(bars))
			for i, bar := range bars {
				closes[i], _ = bar.Close.Float64()
			}
			ema9, ok9 := indicators.EMA(closes, 9)
			ema20, ok20 := indicators.EMA(closes, 20)
			if !ok9 || !ok20 {
				return nil
			}

			price := closes[len(closes)-1]
			read := TimeframeRead{
				Timeframe: timeframe,
				Stance:    Classify(price, ema9, ema20),
				Price:     price,
				EMA9:      ema9,
				EMA20:     ema20,
			}
			mu.Lock()
			reads = append(reads, read)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Preserve ladder order for reporting.
	ordered := make([]TimeframeRead, 0, len(reads))
	for _, timeframe := range ladder {
		for _, read := range reads {
			if read.Timeframe == timeframe {
				ordered = append(ordered, read)
			}
		}
	}
	return Summarize(ordered)
}

// Classify labels one timeframe from price versus the two EMAs.
func Classify(price, ema9, ema20 float64) Stance {
	switch {
	case price > ema9 && price > ema20 && ema9 > ema20:
		return StanceBullish
	case price < ema9 && price < ema20 && ema9 < ema20:
		return StanceBearish
	case price > ema9 && price > ema20:
		return StanceLeanBullish
	case price < ema9 && price < ema20:
		return StanceLeanBearish
	default:
		return StanceNeutral
	}
}

// Summarize folds timeframe reads into a confluence score, consensus label
// and conviction boost.
func Summarize(reads []TimeframeRead) *Result {
	result := &Result{Reads: reads, Consensus: ConsensusNeutral}
	if len(reads) == 0 {
		return result
	}

	bull, bear := 0.0, 0.0
	for _, read := range reads {
		switch read.Stance {
		case StanceBullish:
			bull++
		case StanceLeanBullish:
			bull += 0.5
		case StanceBearish:
			bear++
		case StanceLeanBearish:
			bear += 0.5
		}
	}
	result.Score = (bull - bear) / float64(len(reads))

	switch {
	case result.Score >= 0.7:
		result.Consensus = ConsensusStrongBullish
	case result.Score >= 0.3:
		result.Consensus = ConsensusBullish
	case result.Score <= -0.7:
		result.Consensus = ConsensusStrongBearish
	case result.Score <= -0.3:
		result.Consensus = ConsensusBearish
	}

	abs := math.Abs(result.Score)
	switch {
	case abs >= 0.7:
		result.ConvictionBoost = 2
	case abs >= 0.5:
		result.ConvictionBoost = 1
	case abs < 0.2 && len(reads) >= 4:
		result.ConvictionBoost = -1
	}

	return result
}
