// Package policy_test: circuit breaker tests.
package policy_test

import (
	"testing"

	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newBreaker(t *testing.T) *policy.CircuitBreaker {
	t.Helper()
	storage, err := store.NewStorage(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return policy.NewCircuitBreaker(zap.NewNop(), storage)
}

func loss() decimal.Decimal { return decimal.NewFromInt(-50) }

func TestBreakerTripsOnConsecutiveStops(t *testing.T) {
	cb := newBreaker(t)

	cb.RecordExit("SPY260212C00500000", "options_stop_loss", loss())
	cb.RecordExit("QQQ260212P00430000", "options_stop_loss", loss())
	if cb.IsPaused() {
		t.Fatal("paused before the third stop loss")
	}

	cb.RecordExit("IWM260212C00220000", "options_stop_loss", loss())
	if !cb.IsPaused() {
		t.Fatal("three consecutive stop losses must trip the breaker")
	}

	state := cb.State()
	if state.TotalTrips != 1 {
		t.Errorf("totalTrips = %d, want 1", state.TotalTrips)
	}
	if state.PausedUntil == 0 {
		t.Error("pausedUntil not set")
	}
}

func TestBreakerTakeProfitResetsRun(t *testing.T) {
	cb := newBreaker(t)

	cb.RecordExit("A", "options_stop_loss", loss())
	cb.RecordExit("B", "options_stop_loss", loss())
	cb.RecordExit("C", "options_take_profit", decimal.NewFromInt(80))

	if got := cb.State().ConsecutiveBadTrades; got != 0 {
		t.Fatalf("consecutiveBadTrades = %d, want 0 after a take profit", got)
	}

	// Two more stops do not trip: the run restarted.
	cb.RecordExit("D", "options_stop_loss", loss())
	cb.RecordExit("E", "options_stop_loss", loss())
	if cb.IsPaused() {
		t.Fatal("breaker tripped on a reset run")
	}
}

func TestBreakerErrorThreshold(t *testing.T) {
	cb := newBreaker(t)

	for i := 0; i < 4; i++ {
		cb.RecordError()
	}
	if cb.IsPaused() {
		t.Fatal("paused before the fifth error")
	}
	cb.RecordError()
	if !cb.IsPaused() {
		t.Fatal("five consecutive errors must trip the breaker")
	}
}

func TestBreakerCleanCycleResetsErrors(t *testing.T) {
	cb := newBreaker(t)

	cb.RecordError()
	cb.RecordError()
	cb.RecordSuccessfulCycle()
	if got := cb.State().ConsecutiveErrors; got != 0 {
		t.Fatalf("consecutiveErrors = %d, want 0 after a clean cycle", got)
	}
}

func TestBreakerManualReset(t *testing.T) {
	cb := newBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordExit("X", "options_stop_loss", loss())
	}
	if !cb.IsPaused() {
		t.Fatal("not paused")
	}
	cb.Reset()
	if cb.IsPaused() {
		t.Fatal("manual reset must clear the pause")
	}
}

func TestBreakerExitRing(t *testing.T) {
	cb := newBreaker(t)

	for i := 0; i < 30; i++ {
		cb.RecordExit("SYM", "options_take_profit", decimal.NewFromInt(1))
	}
	if got := len(cb.State().RecentExits); got != 20 {
		t.Errorf("recent exits = %d, want ring of 20", got)
	}
}

func TestBreakerStatePersists(t *testing.T) {
	dir := t.TempDir()
	storage, _ := store.NewStorage(zap.NewNop(), dir)

	cb := policy.NewCircuitBreaker(zap.NewNop(), storage)
	cb.RecordExit("A", "options_stop_loss", loss())
	cb.RecordExit("B", "options_stop_loss", loss())

	reloaded := policy.NewCircuitBreaker(zap.NewNop(), storage)
	if got := reloaded.State().ConsecutiveBadTrades; got != 2 {
		t.Errorf("reloaded consecutiveBadTrades = %d, want 2", got)
	}
}
