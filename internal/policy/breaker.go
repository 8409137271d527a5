package policy

import (
	"sync"
	"time"

	"github.com/gammadesk/options-engine/internal/metrics"
	"github.com/gammadesk/options-engine/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	breakerNamespace = "circuit-breaker"

	badTradeTripThreshold = 3
	errorTripThreshold    = 5
	defaultPause          = 60 * time.Minute
	recentExitRing        = 20
)

// ExitRecord is one completed exit retained for diagnostics.
type ExitRecord struct {
	Symbol string          `json:"symbol"`
	Rule   string          `json:"rule"`
	PnL    decimal.Decimal `json:"pnl"`
	At     time.Time       `json:"at"`
}

// BreakerState is the persisted circuit breaker record.
type BreakerState struct {
	ConsecutiveBadTrades int          `json:"consecutiveBadTrades"`
	ConsecutiveErrors    int          `json:"consecutiveErrors"`
	TotalBadTrades       int          `json:"totalBadTrades"`
	TotalTrips           int          `json:"totalTrips"`
	PausedUntil          int64        `json:"pausedUntil"` // epoch ms, 0 when clear
	LastBadTrade         time.Time    `json:"lastBadTrade"`
	LastTrip             time.Time    `json:"lastTrip"`
	RecentExits          []ExitRecord `json:"recentExits"`
}

// CircuitBreaker pauses trading after consecutive stop-loss exits or cycle
// errors. State persists on every mutation.
type CircuitBreaker struct {
	logger  *zap.Logger
	storage *store.Storage
	pause   time.Duration

	mu    sync.Mutex
	state BreakerState

	// OnTrip, when set, is invoked outside entry paths on every trip.
	OnTrip func(reason string, pausedUntil time.Time)
}

// NewCircuitBreaker loads persisted state if present.
func NewCircuitBreaker(logger *zap.Logger, storage *store.Storage) *CircuitBreaker {
	cb := &CircuitBreaker{
		logger:  logger.Named("breaker"),
		storage: storage,
		pause:   defaultPause,
	}
	if storage != nil {
		if err := storage.Get(breakerNamespace, &cb.state); err != nil && err != store.ErrNotFound {
			logger.Warn("circuit breaker state load failed", zap.Error(err))
		}
	}
	return cb
}

// IsPaused reports whether trading is paused, auto-clearing an elapsed pause.
func (cb *CircuitBreaker) IsPaused() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state.PausedUntil == 0 {
		return false
	}
	if time.Now().UnixMilli() >= cb.state.PausedUntil {
		cb.state.PausedUntil = 0
		cb.persistLocked()
		return false
	}
	return true
}

// RecordExit feeds a completed exit into the breaker. Stop-loss exits count
// toward the trip threshold; take-profit exits reset the run.
func (cb *CircuitBreaker) RecordExit(symbol, rule string, pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.RecentExits = append(cb.state.RecentExits, ExitRecord{
		Symbol: symbol,
		Rule:   rule,
		PnL:    pnl,
		At:     time.Now(),
	})
	if len(cb.state.RecentExits) > recentExitRing {
		cb.state.RecentExits = cb.state.RecentExits[len(cb.state.RecentExits)-recentExitRing:]
	}

	switch rule {
	case "options_stop_loss", "stop_loss":
		cb.state.ConsecutiveBadTrades++
		cb.state.TotalBadTrades++
		cb.state.LastBadTrade = time.Now()
		if cb.state.ConsecutiveBadTrades >= badTradeTripThreshold {
			cb.tripLocked("consecutive stop-loss exits")
		}
	case "options_take_profit", "take_profit":
		cb.state.ConsecutiveBadTrades = 0
	}

	cb.persistLocked()
}

// RecordError feeds a cycle failure into the breaker.
func (cb *CircuitBreaker) RecordError() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.ConsecutiveErrors++
	if cb.state.ConsecutiveErrors >= errorTripThreshold {
		cb.tripLocked("consecutive cycle errors")
	}
	cb.persistLocked()
}

// RecordSuccessfulCycle clears the error run.
func (cb *CircuitBreaker) RecordSuccessfulCycle() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state.ConsecutiveErrors != 0 {
		cb.state.ConsecutiveErrors = 0
		cb.persistLocked()
	}
}

// Reset clears every counter and the pause deadline.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.ConsecutiveBadTrades = 0
	cb.state.ConsecutiveErrors = 0
	cb.state.PausedUntil = 0
	cb.persistLocked()
	cb.logger.Info("circuit breaker reset")
}

// State returns a snapshot of the breaker.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snapshot := cb.state
	snapshot.RecentExits = append([]ExitRecord{}, cb.state.RecentExits...)
	return snapshot
}

func (cb *CircuitBreaker) tripLocked(reason string) {
	pausedUntil := time.Now().Add(cb.pause)
	cb.state.PausedUntil = pausedUntil.UnixMilli()
	cb.state.TotalTrips++
	cb.state.LastTrip = time.Now()
	cb.state.ConsecutiveBadTrades = 0
	cb.state.ConsecutiveErrors = 0
	metrics.BreakerTrips.Inc()

	cb.logger.Error("circuit breaker tripped",
		zap.String("reason", reason),
		zap.Time("pausedUntil", pausedUntil))

	if cb.OnTrip != nil {
		go cb.OnTrip(reason, pausedUntil)
	}
}

func (cb *CircuitBreaker) persistLocked() {
	if cb.storage == nil {
		return
	}
	if err := cb.storage.Set(breakerNamespace, cb.state); err != nil {
		cb.logger.Warn("circuit breaker persist failed", zap.Error(err))
	}
}
