// Package macro scores a fixed ETF universe into a market regime used to
// scale position sizing.
package macro

import (
	"context"
	"sync"
	"time"

	"github.com/gammadesk/options-engine/internal/indicators"
	"github.com/gammadesk/options-engine/internal/market"
	"github.com/gammadesk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// Regime is the macro posture.
type Regime string

const (
	RegimeRiskOn   Regime = "RISK_ON"
	RegimeCautious Regime = "CAUTIOUS"
	RegimeRiskOff  Regime = "RISK_OFF"
)

// State is the scored macro picture.
type State struct {
	Regime     Regime    `json:"regime"`
	Score      int       `json:"score"` // roughly -100..+100
	Multiplier float64   `json:"multiplier"`
	Breadth    float64   `json:"breadth"` // advancing ratio
	Reasons    []string  `json:"reasons"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// Sector ETFs plus benchmarks scanned every refresh.
var (
	sectorETFs = []string{"XLK", "XLF", "XLV", "XLE", "XLI", "XLY", "XLP", "XLU", "XLB", "XLRE", "XLC"}
	benchmarks = []string{"SPY", "QQQ", "IWM", "DIA"}

	growthSectors    = []string{"XLK", "XLY", "XLC"}
	defensiveSectors = []string{"XLU", "XLP", "XLV"}
)

const (
	primaryIndex = "SPY"
	historyDays  = 250
	cacheTTL     = 30 * time.Minute
)

// Service fetches and scores the macro universe with a 30-minute cache.
type Service struct {
	logger  *zap.Logger
	gateway market.Gateway

	mu     sync.RWMutex
	cached *State
}

// NewService creates a macro service.
func NewService(logger *zap.Logger, gateway market.Gateway) *Service {
	return &Service{logger: logger.Named("macro"), gateway: gateway}
}

// fallbackState is returned when the universe cannot be fetched.
func fallbackState() *State {
	return &State{
		Regime:     RegimeCautious,
		Multiplier: 1.0,
		Reasons:    []string{"macro data unavailable, defaulting to CAUTIOUS"},
		FetchedAt:  time.Now(),
	}
}

// GetState returns the current macro state. Failures never propagate: the
// caller always receives a usable state.
func (s *Service) GetState(ctx context.Context) *State {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.cached.FetchedAt) < cacheTTL {
		state := s.cached
		s.mu.RUnlock()
		return state
	}
	s.mu.RUnlock()

	state, err := s.refresh(ctx)
	if err != nil {
		s.logger.Warn("macro refresh failed", zap.Error(err))
		s.mu.RLock()
		stale := s.cached
		s.mu.RUnlock()
		if stale != nil {
			return stale
		}
		return fallbackState()
	}

	s.mu.Lock()
	s.cached = state
	s.mu.Unlock()
	return state
}

// refresh fetches snapshots and history and rescores the universe.
func (s *Service) refresh(ctx context.Context) (*State, error) {
	universe := append(append([]string{}, sectorETFs...), benchmarks...)
	snaps, err := s.gateway.GetSnapshots(ctx, universe)
	if err != nil {
		return nil, err
	}

	history, err := s.gateway.GetHistory(ctx, primaryIndex, historyDays)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(history))
	for i, bar := range history {
		closes[i], _ = bar.Close.Float64()
	}

	score, breadth, reasons := ComputeScore(closes, snaps)
	state := &State{
		Score:     score,
		Breadth:   breadth,
		Reasons:   reasons,
		FetchedAt: time.Now(),
	}
	switch {
	case score >= 30:
		state.Regime = RegimeRiskOn
		state.Multiplier = 1.2
	case score <= -30:
		state.Regime = RegimeRiskOff
		state.Multiplier = 0.5
	default:
		state.Regime = RegimeCautious
		state.Multiplier = 1.0
	}

	s.logger.Info("macro regime scored",
		zap.Int("score", score),
		zap.String("regime", string(state.Regime)),
		zap.Float64("breadth", breadth))
	return state, nil
}

// ComputeScore accumulates the bounded macro score from primary-index daily
// closes and universe snapshots.
func ComputeScore(closes []float64, snaps map[string]*types.Snapshot) (score int, breadth float64, reasons []string) {
	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	if len(closes) > 0 {
		price := closes[len(closes)-1]

		if sma200, ok := indicators.SMA(closes, 200); ok {
			if price > sma200 {
				add(20, "index above 200-SMA")
			} else {
				add(-20, "index below 200-SMA")
			}

			if sma50, ok := indicators.SMA(closes, 50); ok {
				if sma50 > sma200 {
					add(10, "golden cross (50>200)")
				} else {
					add(-10, "death cross (50<200)")
				}
			}
		}

		if ret, ok := trailingReturn(closes, 21); ok {
			if ret > 3 {
				add(10, "1-month return above +3%")
			} else if ret < -3 {
				add(-10, "1-month return below -3%")
			}
		}
		if ret, ok := trailingReturn(closes, 63); ok {
			if ret > 5 {
				add(10, "3-month return above +5%")
			} else if ret < -5 {
				add(-10, "3-month return below -5%")
			}
		}
	}

	// Breadth: advancing ratio across the whole universe.
	advancing, counted := 0, 0
	for _, snap := range snaps {
		if snap == nil {
			continue
		}
		counted++
		if snap.ChangePct > 0 {
			advancing++
		}
	}
	if counted > 0 {
		breadth = float64(advancing) / float64(counted)
		if breadth > 0.7 {
			add(15, "broad advance (breadth > 0.7)")
		} else if breadth < 0.3 {
			add(-15, "broad decline (breadth < 0.3)")
		}
	}

	// Risk appetite: growth sectors versus defensives.
	if growth, ok := meanChange(snaps, growthSectors); ok {
		if defensive, ok := meanChange(snaps, defensiveSectors); ok {
			spread := growth - defensive
			if spread > 0.5 {
				add(10, "growth leading defensives")
			} else if spread < -0.5 {
				add(-10, "defensives leading growth")
			}
		}
	}

	// Small-cap appetite: IWM versus SPY.
	if iwm, ok := snaps["IWM"]; ok && iwm != nil {
		if spy, ok := snaps["SPY"]; ok && spy != nil {
			spread := iwm.ChangePct - spy.ChangePct
			if spread > 0.5 {
				add(5, "small caps outperforming")
			} else if spread < -0.5 {
				add(-5, "small caps lagging")
			}
		}
	}

	return score, breadth, reasons
}

// trailingReturn is the percent change over the last n daily closes.
func trailingReturn(closes []float64, n int) (float64, bool) {
	if len(closes) < n+1 {
		return 0, false
	}
	base := closes[len(closes)-1-n]
	if base == 0 {
		return 0, false
	}
	return (closes[len(closes)-1] - base) / base * 100, true
}

// meanChange averages daily percent change across the named symbols.
func meanChange(snaps map[string]*types.Snapshot, symbols []string) (float64, bool) {
	sum, n := 0.0, 0
	for _, sym := range symbols {
		if snap, ok := snaps[sym]; ok && snap != nil {
			sum += snap.ChangePct
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
