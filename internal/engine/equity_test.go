// Package engine_test: equity cycle tests.
package engine_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gammadesk/options-engine/internal/assessor"
	"github.com/gammadesk/options-engine/internal/engine"
	"github.com/gammadesk/options-engine/internal/macro"
	"github.com/gammadesk/options-engine/internal/market"
	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/internal/store"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fixedScore struct {
	source string
	score  float64
}

func (f fixedScore) Score(ctx context.Context, symbol string) engine.TaggedScore {
	return engine.TaggedScore{Source: f.source, Score: f.score, Valid: true}
}

type equityHarness struct {
	gateway      *market.StubGateway
	policyEngine *policy.Engine
	engine       *engine.EquityEngine
	orders       atomic.Int64
	closes       atomic.Int64
}

func newEquityHarness(t *testing.T, positions []types.Position) *equityHarness {
	t.Helper()
	logger := zap.NewNop()
	storage, err := store.NewStorage(logger, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	audit, err := store.NewAuditLog(logger, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	h := &equityHarness{}
	h.gateway = &market.StubGateway{
		AccountFunc: func(ctx context.Context) (*types.Account, error) {
			return &types.Account{
				Equity:      decimal.NewFromInt(100000),
				BuyingPower: decimal.NewFromInt(200000),
			}, nil
		},
		PositionsFunc: func(ctx context.Context) ([]types.Position, error) {
			return positions, nil
		},
		IntradayBarsFunc: func(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error) {
			return decliningBars(60), nil
		},
		SnapshotsFunc: func(ctx context.Context, symbols []string) (map[string]*types.Snapshot, error) {
			return nil, fmt.Errorf("macro offline")
		},
		HistoryFunc: func(ctx context.Context, symbol string, days int) ([]types.Bar, error) {
			return nil, fmt.Errorf("history offline")
		},
		CreateOrderFunc: func(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
			h.orders.Add(1)
			return &types.Order{ID: "eq-1", Symbol: req.Symbol, Status: types.OrderStatusAccepted}, nil
		},
		ClosePositionFunc: func(ctx context.Context, symbol string, qty int64) error {
			h.closes.Add(1)
			return nil
		},
	}

	h.policyEngine = policy.NewEngine(logger, storage)
	breaker := policy.NewCircuitBreaker(logger, storage)

	h.engine = engine.NewEquityEngine(
		logger, h.gateway, h.policyEngine, breaker,
		macro.NewService(logger, h.gateway),
		assessor.New(logger),
		audit, nil,
		engine.EquityConfig{
			Universe:    []string{"AAPL"},
			Sentiment:   fixedScore{"stocktwits", 0.9},
			Social:      fixedScore{"reddit", 0.9},
			Fundamental: fixedScore{"validea", 0.9},
			Now:         func() time.Time { return midday },
		},
	)
	return h
}

func TestEquityCycleEnters(t *testing.T) {
	h := newEquityHarness(t, nil)

	if err := h.engine.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if h.orders.Load() != 1 {
		t.Fatalf("orders = %d, want 1", h.orders.Load())
	}
}

func TestEquityCooldownBlocksReentry(t *testing.T) {
	h := newEquityHarness(t, nil)

	if err := h.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.orders.Load() != 1 {
		t.Errorf("orders = %d, want 1 (cooldown blocks the second entry)", h.orders.Load())
	}
}

func TestEquityStopLossExit(t *testing.T) {
	h := newEquityHarness(t, []types.Position{{
		Symbol:         "AAPL",
		Qty:            10,
		UnrealizedPL:   decimal.NewFromInt(-400),
		UnrealizedPLPC: -0.08, // beyond the default 5% stop
	}})

	if err := h.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", h.closes.Load())
	}
}

func TestEquityIgnoresOptionPositions(t *testing.T) {
	h := newEquityHarness(t, []types.Position{{
		Symbol:         "SPY260212C00500000",
		Qty:            1,
		UnrealizedPLPC: -0.50,
	}})

	if err := h.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.closes.Load() != 0 {
		t.Error("equity engine must not touch option positions")
	}
}
