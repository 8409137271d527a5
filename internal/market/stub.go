package market

import (
	"context"
	"fmt"
	"time"

	"github.com/gammadesk/options-engine/pkg/types"
)

// StubGateway is a Gateway whose behavior is supplied through function
// fields. Unset methods fail with a recognizable error. Used by tests and by
// dry-run wiring.
type StubGateway struct {
	ClockFunc                func(ctx context.Context) (*types.Clock, error)
	AccountFunc              func(ctx context.Context) (*types.Account, error)
	PositionsFunc            func(ctx context.Context) ([]types.Position, error)
	OptionsPositionsFunc     func(ctx context.Context) ([]types.Position, error)
	SnapshotFunc             func(ctx context.Context, symbol string) (*types.Snapshot, error)
	SnapshotsFunc            func(ctx context.Context, symbols []string) (map[string]*types.Snapshot, error)
	HistoryFunc              func(ctx context.Context, symbol string, days int) ([]types.Bar, error)
	IntradayBarsFunc         func(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error)
	OptionsSnapshotsFunc     func(ctx context.Context, underlying string, expiration time.Time, optType types.OptionType) ([]types.OptionContract, error)
	OptionExpirationsFunc    func(ctx context.Context, underlying string) ([]time.Time, error)
	CreateOrderFunc          func(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	CreateOptionsOrderFunc   func(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	ClosePositionFunc        func(ctx context.Context, symbol string, qty int64) error
	CloseOptionsPositionFunc func(ctx context.Context, osiSymbol string, qty int64) error
	CancelAllOrdersFunc      func(ctx context.Context) error
	CloseAllPositionsFunc    func(ctx context.Context) error
}

var errStubUnset = fmt.Errorf("stub gateway method not configured")

func (s *StubGateway) GetClock(ctx context.Context) (*types.Clock, error) {
	if s.ClockFunc == nil {
		return nil, errStubUnset
	}
	return s.ClockFunc(ctx)
}

func (s *StubGateway) GetAccount(ctx context.Context) (*types.Account, error) {
	if s.AccountFunc == nil {
		return nil, errStubUnset
	}
	return s.AccountFunc(ctx)
}

func (s *StubGateway) GetPositions(ctx context.Context) ([]types.Position, error) {
	if s.PositionsFunc == nil {
		return nil, errStubUnset
	}
	return s.PositionsFunc(ctx)
}

func (s *StubGateway) GetOptionsPositions(ctx context.Context) ([]types.Position, error) {
	if s.OptionsPositionsFunc == nil {
		return nil, errStubUnset
	}
	return s.OptionsPositionsFunc(ctx)
}

func (s *StubGateway) GetSnapshot(ctx context.Context, symbol string) (*types.Snapshot, error) {
	if s.SnapshotFunc == nil {
		return nil, errStubUnset
	}
	return s.SnapshotFunc(ctx, symbol)
}

func (s *StubGateway) GetSnapshots(ctx context.Context, symbols []string) (map[string]*types.Snapshot, error) {
	if s.SnapshotsFunc == nil {
		return nil, errStubUnset
	}
	return s.SnapshotsFunc(ctx, symbols)
}

func (s *StubGateway) GetHistory(ctx context.Context, symbol string, days int) ([]types.Bar, error) {
	if s.HistoryFunc == nil {
		return nil, errStubUnset
	}
	return s.HistoryFunc(ctx, symbol, days)
}

func (s *StubGateway) GetIntradayBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error) {
	if s.IntradayBarsFunc == nil {
		return nil, errStubUnset
	}
	return s.IntradayBarsFunc(ctx, symbol, timeframe, limit)
}

func (s *StubGateway) GetOptionsSnapshots(ctx context.Context, underlying string, expiration time.Time, optType types.OptionType) ([]types.OptionContract, error) {
	if s.OptionsSnapshotsFunc == nil {
		return nil, errStubUnset
	}
	return s.OptionsSnapshotsFunc(ctx, underlying, expiration, optType)
}

func (s *StubGateway) GetOptionExpirations(ctx context.Context, underlying string) ([]time.Time, error) {
	if s.OptionExpirationsFunc == nil {
		return nil, errStubUnset
	}
	return s.OptionExpirationsFunc(ctx, underlying)
}

func (s *StubGateway) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if s.CreateOrderFunc == nil {
		return nil, errStubUnset
	}
	return s.CreateOrderFunc(ctx, req)
}

func (s *StubGateway) CreateOptionsOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if s.CreateOptionsOrderFunc == nil {
		return nil, errStubUnset
	}
	return s.CreateOptionsOrderFunc(ctx, req)
}

func (s *StubGateway) ClosePosition(ctx context.Context, symbol string, qty int64) error {
	if s.ClosePositionFunc == nil {
		return errStubUnset
	}
	return s.ClosePositionFunc(ctx, symbol, qty)
}

func (s *StubGateway) CloseOptionsPosition(ctx context.Context, osiSymbol string, qty int64) error {
	if s.CloseOptionsPositionFunc == nil {
		return errStubUnset
	}
	return s.CloseOptionsPositionFunc(ctx, osiSymbol, qty)
}

func (s *StubGateway) CancelAllOrders(ctx context.Context) error {
	if s.CancelAllOrdersFunc == nil {
		return errStubUnset
	}
	return s.CancelAllOrdersFunc(ctx)
}

func (s *StubGateway) CloseAllPositions(ctx context.Context) error {
	if s.CloseAllPositionsFunc == nil {
		return errStubUnset
	}
	return s.CloseAllPositionsFunc(ctx)
}
