package market

import (
	"context"
	"time"

	"github.com/gammadesk/options-engine/pkg/types"
)

// Gateway abstracts the broker / market data provider. Implementations must
// be safe for concurrent use; every method honors the context deadline.
type Gateway interface {
	GetClock(ctx context.Context) (*types.Clock, error)
	GetAccount(ctx context.Context) (*types.Account, error)

	GetPositions(ctx context.Context) ([]types.Position, error)
	GetOptionsPositions(ctx context.Context) ([]types.Position, error)

	GetSnapshot(ctx context.Context, symbol string) (*types.Snapshot, error)
	GetSnapshots(ctx context.Context, symbols []string) (map[string]*types.Snapshot, error)

	GetHistory(ctx context.Context, symbol string, days int) ([]types.Bar, error)
	GetIntradayBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error)

	GetOptionsSnapshots(ctx context.Context, underlying string, expiration time.Time, optType types.OptionType) ([]types.OptionContract, error)
	GetOptionExpirations(ctx context.Context, underlying string) ([]time.Time, error)

	CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	CreateOptionsOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)

	ClosePosition(ctx context.Context, symbol string, qty int64) error
	CloseOptionsPosition(ctx context.Context, osiSymbol string, qty int64) error
	CancelAllOrders(ctx context.Context) error
	CloseAllPositions(ctx context.Context) error
}
