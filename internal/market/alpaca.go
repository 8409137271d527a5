package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GatewayError classifies a broker API failure.
type GatewayError struct {
	StatusCode int
	Transient  bool
	Msg        string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error (status %d, transient %v): %s", e.StatusCode, e.Transient, e.Msg)
}

// IsTransient reports whether err is a retryable gateway failure
// (timeout, 429, 5xx).
func IsTransient(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// AlpacaConfig configures the Alpaca-style HTTP gateway.
type AlpacaConfig struct {
	TradingBaseURL string // e.g. https://paper-api.alpaca.markets
	DataBaseURL    string // e.g. https://data.alpaca.markets
	APIKey         string
	APISecret      string
	RequestTimeout time.Duration // per-call timeout
	ChainBudget    time.Duration // total budget for paginated chain fetches
	MaxChainPages  int
}

// DefaultAlpacaConfig returns sensible defaults.
func DefaultAlpacaConfig() AlpacaConfig {
	return AlpacaConfig{
		TradingBaseURL: "https://paper-api.alpaca.markets",
		DataBaseURL:    "https://data.alpaca.markets",
		RequestTimeout: 15 * time.Second,
		ChainBudget:    45 * time.Second,
		MaxChainPages:  20,
	}
}

// AlpacaGateway implements Gateway over the Alpaca REST API.
type AlpacaGateway struct {
	logger *zap.Logger
	config AlpacaConfig
	client *http.Client
}

// NewAlpacaGateway creates an HTTP broker gateway.
func NewAlpacaGateway(logger *zap.Logger, config AlpacaConfig) *AlpacaGateway {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if config.ChainBudget == 0 {
		config.ChainBudget = 45 * time.Second
	}
	if config.MaxChainPages == 0 {
		config.MaxChainPages = 20
	}
	return &AlpacaGateway{
		logger: logger.Named("gateway"),
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
	}
}

// doJSON issues a request with auth headers and decodes the JSON response.
func (g *AlpacaGateway) doJSON(ctx context.Context, method, rawURL string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", g.config.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", g.config.APISecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &GatewayError{Transient: true, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &GatewayError{
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Msg:        string(payload),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetClock fetches the market clock.
func (g *AlpacaGateway) GetClock(ctx context.Context) (*types.Clock, error) {
	var raw struct {
		IsOpen    bool      `json:"is_open"`
		NextOpen  time.Time `json:"next_open"`
		NextClose time.Time `json:"next_close"`
	}
	if err := g.doJSON(ctx, http.MethodGet, g.config.TradingBaseURL+"/v2/clock", nil, &raw); err != nil {
		return nil, err
	}
	return &types.Clock{IsOpen: raw.IsOpen, NextOpen: raw.NextOpen, NextClose: raw.NextClose}, nil
}

// GetAccount fetches account equity and buying power.
func (g *AlpacaGateway) GetAccount(ctx context.Context) (*types.Account, error) {
	var raw struct {
		Equity        string `json:"equity"`
		BuyingPower   string `json:"buying_power"`
		Cash          string `json:"cash"`
		DaytradeCount int    `json:"daytrade_count"`
	}
	if err := g.doJSON(ctx, http.MethodGet, g.config.TradingBaseURL+"/v2/account", nil, &raw); err != nil {
		return nil, err
	}
	return &types.Account{
		Equity:        parseDecimal(raw.Equity),
		BuyingPower:   parseDecimal(raw.BuyingPower),
		Cash:          parseDecimal(raw.Cash),
		DaytradeCount: raw.DaytradeCount,
	}, nil
}

type rawPosition struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	MarketValue    string `json:"market_value"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
}

func (p rawPosition) toPosition() types.Position {
	qty, _ := strconv.ParseInt(p.Qty, 10, 64)
	plpc, _ := strconv.ParseFloat(p.UnrealizedPLPC, 64)
	return types.Position{
		Symbol:         p.Symbol,
		Qty:            qty,
		AvgEntryPrice:  parseDecimal(p.AvgEntryPrice),
		MarketValue:    parseDecimal(p.MarketValue),
		UnrealizedPL:   parseDecimal(p.UnrealizedPL),
		UnrealizedPLPC: plpc,
	}
}

// GetPositions fetches all open positions.
func (g *AlpacaGateway) GetPositions(ctx context.Context) ([]types.Position, error) {
	var raw []rawPosition
	if err := g.doJSON(ctx, http.MethodGet, g.config.TradingBaseURL+"/v2/positions", nil, &raw); err != nil {
		return nil, err
	}
	positions := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, p.toPosition())
	}
	return positions, nil
}

// GetOptionsPositions fetches open positions whose symbol is an OSI identifier.
func (g *AlpacaGateway) GetOptionsPositions(ctx context.Context) ([]types.Position, error) {
	all, err := g.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	options := make([]types.Position, 0, len(all))
	for _, p := range all {
		if IsOptionSymbol(p.Symbol) {
			options = append(options, p)
		}
	}
	return options, nil
}

type rawSnapshot struct {
	LatestTrade struct {
		Price float64 `json:"p"`
	} `json:"latestTrade"`
	DailyBar struct {
		Open   float64 `json:"o"`
		Close  float64 `json:"c"`
		Volume int64   `json:"v"`
	} `json:"dailyBar"`
	PrevDailyBar struct {
		Close float64 `json:"c"`
	} `json:"prevDailyBar"`
}

func (r rawSnapshot) toSnapshot(symbol string) *types.Snapshot {
	price := r.LatestTrade.Price
	if price == 0 {
		price = r.DailyBar.Close
	}
	changePct := 0.0
	if r.PrevDailyBar.Close > 0 {
		changePct = (price - r.PrevDailyBar.Close) / r.PrevDailyBar.Close * 100
	}
	return &types.Snapshot{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(price),
		ChangePct: changePct,
		Volume:    r.DailyBar.Volume,
	}
}

// GetSnapshot fetches a one-day snapshot for a symbol.
func (g *AlpacaGateway) GetSnapshot(ctx context.Context, symbol string) (*types.Snapshot, error) {
	var raw rawSnapshot
	u := fmt.Sprintf("%s/v2/stocks/%s/snapshot", g.config.DataBaseURL, url.PathEscape(symbol))
	if err := g.doJSON(ctx, http.MethodGet, u, nil, &raw); err != nil {
		return nil, err
	}
	return raw.toSnapshot(symbol), nil
}

// GetSnapshots fetches snapshots for several symbols in one call.
func (g *AlpacaGateway) GetSnapshots(ctx context.Context, symbols []string) (map[string]*types.Snapshot, error) {
	if len(symbols) == 0 {
		return map[string]*types.Snapshot{}, nil
	}
	var raw map[string]rawSnapshot
	u := fmt.Sprintf("%s/v2/stocks/snapshots?symbols=%s", g.config.DataBaseURL, url.QueryEscape(strings.Join(symbols, ",")))
	if err := g.doJSON(ctx, http.MethodGet, u, nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]*types.Snapshot, len(raw))
	for sym, r := range raw {
		out[sym] = r.toSnapshot(sym)
	}
	return out, nil
}

type rawBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int64     `json:"v"`
	VWAP      float64   `json:"vw"`
}

func (b rawBar) toBar() types.Bar {
	return types.Bar{
		Timestamp: b.Timestamp.UTC(),
		Open:      decimal.NewFromFloat(b.Open),
		High:      decimal.NewFromFloat(b.High),
		Low:       decimal.NewFromFloat(b.Low),
		Close:     decimal.NewFromFloat(b.Close),
		Volume:    b.Volume,
		VWAP:      decimal.NewFromFloat(b.VWAP),
	}
}

// GetHistory fetches up to days daily bars, oldest first.
func (g *AlpacaGateway) GetHistory(ctx context.Context, symbol string, days int) ([]types.Bar, error) {
	start := time.Now().AddDate(0, 0, -days-5).Format("2006-01-02")
	u := fmt.Sprintf("%s/v2/stocks/%s/bars?timeframe=1Day&start=%s&limit=%d",
		g.config.DataBaseURL, url.PathEscape(symbol), start, days)
	return g.fetchBars(ctx, u)
}

// GetIntradayBars fetches the most recent intraday bars, oldest first.
func (g *AlpacaGateway) GetIntradayBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error) {
	u := fmt.Sprintf("%s/v2/stocks/%s/bars?timeframe=%s&limit=%d",
		g.config.DataBaseURL, url.PathEscape(symbol), url.QueryEscape(timeframe), limit)
	return g.fetchBars(ctx, u)
}

func (g *AlpacaGateway) fetchBars(ctx context.Context, u string) ([]types.Bar, error) {
	var raw struct {
		Bars []rawBar `json:"bars"`
	}
	if err := g.doJSON(ctx, http.MethodGet, u, nil, &raw); err != nil {
		return nil, err
	}
	bars := make([]types.Bar, 0, len(raw.Bars))
	for _, b := range raw.Bars {
		bars = append(bars, b.toBar())
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

type rawOptionSnapshot struct {
	LatestQuote struct {
		Bid     float64 `json:"bp"`
		Ask     float64 `json:"ap"`
		BidSize int64   `json:"bs"`
		AskSize int64   `json:"as"`
	} `json:"latestQuote"`
	LatestTrade struct {
		Price float64 `json:"p"`
	} `json:"latestTrade"`
	Greeks *struct {
		Delta float64 `json:"delta"`
		Gamma float64 `json:"gamma"`
		Theta float64 `json:"theta"`
		Vega  float64 `json:"vega"`
		Rho   float64 `json:"rho"`
	} `json:"greeks"`
	ImpliedVol   float64 `json:"impliedVolatility"`
	OpenInterest int64   `json:"openInterest"`
	DailyBar     struct {
		Volume int64 `json:"v"`
	} `json:"dailyBar"`
}

// GetOptionsSnapshots fetches the option chain for an underlying, optionally
// filtered by expiration and type. Pagination is bounded by the configured
// total budget and page cap.
func (g *AlpacaGateway) GetOptionsSnapshots(ctx context.Context, underlying string, expiration time.Time, optType types.OptionType) ([]types.OptionContract, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.ChainBudget)
	defer cancel()

	base := fmt.Sprintf("%s/v1beta1/options/snapshots/%s?limit=250", g.config.DataBaseURL, url.PathEscape(underlying))
	if !expiration.IsZero() {
		base += "&expiration_date=" + expiration.Format("2006-01-02")
	}
	if optType == types.OptionTypeCall || optType == types.OptionTypePut {
		base += "&type=" + string(optType)
	}

	var contracts []types.OptionContract
	pageToken := ""
	for page := 0; page < g.config.MaxChainPages; page++ {
		u := base
		if pageToken != "" {
			u += "&page_token=" + url.QueryEscape(pageToken)
		}

		var raw struct {
			Snapshots     map[string]rawOptionSnapshot `json:"snapshots"`
			NextPageToken *string                      `json:"next_page_token"`
		}
		if err := g.doJSON(ctx, http.MethodGet, u, nil, &raw); err != nil {
			if len(contracts) > 0 {
				// Partial chain is still usable.
				g.logger.Warn("chain pagination aborted",
					zap.String("underlying", underlying),
					zap.Int("contracts", len(contracts)),
					zap.Error(err))
				break
			}
			return nil, err
		}

		for symbol, snap := range raw.Snapshots {
			contract, ok := g.unifyContract(symbol, snap)
			if !ok {
				continue
			}
			contracts = append(contracts, contract)
		}

		if raw.NextPageToken == nil || *raw.NextPageToken == "" {
			break
		}
		pageToken = *raw.NextPageToken
	}

	sort.Slice(contracts, func(i, j int) bool {
		return contracts[i].Strike.LessThan(contracts[j].Strike)
	})
	return contracts, nil
}

// unifyContract merges an OSI symbol and its snapshot into a chain record.
func (g *AlpacaGateway) unifyContract(symbol string, snap rawOptionSnapshot) (types.OptionContract, bool) {
	rec := ParseOSI(symbol)
	if rec.Type == types.OptionTypeUnknown {
		return types.OptionContract{}, false
	}

	contract := types.OptionContract{
		Symbol:       symbol,
		Underlying:   rec.Underlying,
		Strike:       rec.Strike,
		Expiration:   rec.Expiration,
		Type:         rec.Type,
		OpenInterest: snap.OpenInterest,
		Volume:       snap.DailyBar.Volume,
		ImpliedVol:   snap.ImpliedVol,
		Quote: types.Quote{
			Bid:     decimal.NewFromFloat(snap.LatestQuote.Bid),
			Ask:     decimal.NewFromFloat(snap.LatestQuote.Ask),
			Last:    decimal.NewFromFloat(snap.LatestTrade.Price),
			BidSize: snap.LatestQuote.BidSize,
			AskSize: snap.LatestQuote.AskSize,
		},
	}
	if snap.Greeks != nil {
		contract.Greeks = types.Greeks{
			Delta: snap.Greeks.Delta,
			Gamma: snap.Greeks.Gamma,
			Theta: snap.Greeks.Theta,
			Vega:  snap.Greeks.Vega,
			Rho:   snap.Greeks.Rho,
		}
	}
	return contract, true
}

// GetOptionExpirations returns the sorted expiration dates available for an
// underlying.
func (g *AlpacaGateway) GetOptionExpirations(ctx context.Context, underlying string) ([]time.Time, error) {
	var raw struct {
		Expirations []string `json:"expirations"`
	}
	u := fmt.Sprintf("%s/v1beta1/options/expirations/%s", g.config.DataBaseURL, url.PathEscape(underlying))
	if err := g.doJSON(ctx, http.MethodGet, u, nil, &raw); err != nil {
		return nil, err
	}

	dates := make([]time.Time, 0, len(raw.Expirations))
	for _, s := range raw.Expirations {
		d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// CreateOrder submits an equity order.
func (g *AlpacaGateway) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	return g.submitOrder(ctx, req)
}

// CreateOptionsOrder submits an option order (OSI symbol).
func (g *AlpacaGateway) CreateOptionsOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	return g.submitOrder(ctx, req)
}

func (g *AlpacaGateway) submitOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	payload := map[string]any{
		"symbol":        req.Symbol,
		"side":          string(req.Side),
		"type":          string(req.Type),
		"time_in_force": string(req.TimeInForce),
	}
	if req.Qty > 0 {
		payload["qty"] = strconv.FormatInt(req.Qty, 10)
	} else if req.Notional.IsPositive() {
		payload["notional"] = req.Notional.StringFixed(2)
	}
	if req.Type == types.OrderTypeLimit {
		payload["limit_price"] = req.LimitPrice.StringFixed(2)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}

	var raw struct {
		ID            string    `json:"id"`
		ClientOrderID string    `json:"client_order_id"`
		Symbol        string    `json:"symbol"`
		Qty           string    `json:"qty"`
		Status        string    `json:"status"`
		CreatedAt     time.Time `json:"created_at"`
	}
	if err := g.doJSON(ctx, http.MethodPost, g.config.TradingBaseURL+"/v2/orders", bytes.NewReader(body), &raw); err != nil {
		return nil, err
	}

	qty, _ := strconv.ParseInt(raw.Qty, 10, 64)
	return &types.Order{
		ID:            raw.ID,
		ClientOrderID: raw.ClientOrderID,
		Symbol:        raw.Symbol,
		Side:          req.Side,
		Qty:           qty,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		Status:        types.OrderStatus(raw.Status),
		CreatedAt:     raw.CreatedAt,
	}, nil
}

// ClosePosition closes an equity position, fully when qty <= 0.
func (g *AlpacaGateway) ClosePosition(ctx context.Context, symbol string, qty int64) error {
	u := fmt.Sprintf("%s/v2/positions/%s", g.config.TradingBaseURL, url.PathEscape(symbol))
	if qty > 0 {
		u += "?qty=" + strconv.FormatInt(qty, 10)
	}
	return g.doJSON(ctx, http.MethodDelete, u, nil, nil)
}

// CloseOptionsPosition closes an option position by OSI symbol.
func (g *AlpacaGateway) CloseOptionsPosition(ctx context.Context, osiSymbol string, qty int64) error {
	return g.ClosePosition(ctx, osiSymbol, qty)
}

// CancelAllOrders cancels every open order.
func (g *AlpacaGateway) CancelAllOrders(ctx context.Context) error {
	return g.doJSON(ctx, http.MethodDelete, g.config.TradingBaseURL+"/v2/orders", nil, nil)
}

// CloseAllPositions liquidates every open position.
func (g *AlpacaGateway) CloseAllPositions(ctx context.Context) error {
	return g.doJSON(ctx, http.MethodDelete, g.config.TradingBaseURL+"/v2/positions?cancel_orders=true", nil, nil)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
