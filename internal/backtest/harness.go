package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/gammadesk/options-engine/internal/assessor"
	"github.com/gammadesk/options-engine/internal/engine"
	"github.com/gammadesk/options-engine/internal/indicators"
	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	macropkg "github.com/gammadesk/options-engine/internal/macro"
)

// Config parameterizes a backtest run.
type Config struct {
	Symbol           string
	ScanIntervalBars int
	SkipFirstMinutes int
	MinConviction    int
	MacroRegime      macropkg.Regime

	IVBase       float64
	IVSkew       float64 // per dollar of distance from spot
	RiskFreeRate float64

	Contracts             int     // per trade
	PremiumTargetPct      float64 // e.g. 0.50
	PremiumStopPct        float64 // e.g. 0.30 (loss threshold)
	MaxHoldMinutes        int
	TimeStopMinutes       int
	EodCloseMinutes       int
	SlippagePct           float64 // per leg, of premium
	CommissionPerContract float64 // per contract per side

	StressMode string
	Seed       int64
}

// DefaultConfig returns the shipped backtest parameters.
func DefaultConfig() Config {
	return Config{
		Symbol:           "SPY",
		ScanIntervalBars: 3,
		SkipFirstMinutes: 15,
		MinConviction:    4,
		MacroRegime:      macropkg.RegimeCautious,

		IVBase:       0.18,
		IVSkew:       0.004,
		RiskFreeRate: 0.045,

		Contracts:             1,
		PremiumTargetPct:      0.50,
		PremiumStopPct:        0.30,
		MaxHoldMinutes:        120,
		TimeStopMinutes:       45,
		EodCloseMinutes:       20,
		SlippagePct:           0.01,
		CommissionPerContract: 0.65,

		StressMode: StressNone,
	}
}

// Trade is one ledger row.
type Trade struct {
	Day          string           `json:"day"`
	Direction    types.Direction  `json:"direction"`
	Side         types.OptionType `json:"side"`
	Strike       float64          `json:"strike"`
	EntrySpot    float64          `json:"entrySpot"`
	ExitSpot     float64          `json:"exitSpot"`
	EntryPremium decimal.Decimal  `json:"entryPremium"`
	ExitPremium  decimal.Decimal  `json:"exitPremium"`
	EntryTime    time.Time        `json:"entryTime"`
	ExitTime     time.Time        `json:"exitTime"`
	Reason       string           `json:"reason"`
	Conviction   int              `json:"conviction"`
	GrossPnL     decimal.Decimal  `json:"grossPnl"`
	SlippageCost decimal.Decimal  `json:"slippage"`
	Commission   decimal.Decimal  `json:"commission"`
	NetPnL       decimal.Decimal  `json:"netPnl"`
	PnLPct       float64          `json:"pnlPct"`
	HoldMinutes  int              `json:"holdMinutes"`
}

// Result is the full backtest output.
type Result struct {
	Config  Config  `json:"config"`
	Trades  []Trade `json:"trades"`
	Metrics Metrics `json:"metrics"`
	Days    int     `json:"days"`
}

// Harness replays the assessor and contract-selection logic over bars.
type Harness struct {
	logger   *zap.Logger
	assessor *assessor.Assessor
	config   Config
}

// New creates a harness.
func New(logger *zap.Logger, config Config) *Harness {
	return &Harness{
		logger:   logger.Named("backtest"),
		assessor: assessor.New(logger),
		config:   config,
	}
}

// easternTime mirrors the live engine's session timezone.
var easternTime = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}()

// openPosition is the in-flight simulated trade.
type openPosition struct {
	side         types.OptionType
	direction    types.Direction
	strike       float64
	entrySpot    float64
	entryPremium float64
	entryTime    time.Time
	conviction   int
}

// Run replays every trading day in the bar series. Identical bars and config
// produce an identical ledger.
func (h *Harness) Run(bars []types.Bar) (*Result, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars supplied")
	}

	byDay := groupByDay(bars)
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	result := &Result{Config: h.config, Days: len(days)}
	dailyPnL := make(map[string]decimal.Decimal, len(days))
	dayDirection := make(map[string]string, len(days))

	for _, day := range days {
		dayBars := applyStress(byDay[day], h.config.StressMode, h.config.Seed)
		trades := h.runDay(day, dayBars)
		for _, trade := range trades {
			dailyPnL[day] = dailyPnL[day].Add(trade.NetPnL)
		}
		dayDirection[day] = classifyDay(dayBars)
		result.Trades = append(result.Trades, trades...)
	}

	result.Metrics = computeMetrics(result.Trades, dailyPnL, dayDirection)
	h.logger.Info("backtest complete",
		zap.Int("days", result.Days),
		zap.Int("trades", result.Metrics.TotalTrades),
		zap.String("netPnl", result.Metrics.NetPnL.StringFixed(2)),
		zap.Float64("winRate", result.Metrics.WinRate))
	return result, nil
}

// runDay iterates one session's bars, scanning on the configured cadence and
// managing at most one open position.
func (h *Harness) runDay(day string, bars []types.Bar) []Trade {
	var trades []Trade
	var open *openPosition

	sessionStart := bars[0].Timestamp
	for i, bar := range bars {
		spot, _ := bar.Close.Float64()
		minutesToClose := h.minutesToClose(bar.Timestamp)

		if open != nil {
			premium := h.config.PriceOption(open.side, open.strike, spot, minutesToClose)
			holdMinutes := int(bar.Timestamp.Sub(open.entryTime).Minutes())
			pnlPct := 0.0
			if open.entryPremium > 0 {
				pnlPct = (premium - open.entryPremium) / open.entryPremium
			}

			if reason, hit := h.exitRule(pnlPct, holdMinutes, minutesToClose, i == len(bars)-1); hit {
				trades = append(trades, h.closeTrade(day, open, bar, premium, pnlPct, holdMinutes, reason))
				open = nil
			}
			continue
		}

		// Scan cadence and the opening discovery window.
		if int(bar.Timestamp.Sub(sessionStart).Minutes()) < h.config.SkipFirstMinutes {
			continue
		}
		if h.config.ScanIntervalBars > 1 && i%h.config.ScanIntervalBars != 0 {
			continue
		}

		open = h.tryEnter(bars[:i+1], bar, spot, minutesToClose)
	}

	// Force-close anything still open at the final bar.
	if open != nil {
		last := bars[len(bars)-1]
		spot, _ := last.Close.Float64()
		minutesToClose := h.minutesToClose(last.Timestamp)
		premium := h.config.PriceOption(open.side, open.strike, spot, minutesToClose)
		holdMinutes := int(last.Timestamp.Sub(open.entryTime).Minutes())
		pnlPct := 0.0
		if open.entryPremium > 0 {
			pnlPct = (premium - open.entryPremium) / open.entryPremium
		}
		trades = append(trades, h.closeTrade(day, open, last, premium, pnlPct, holdMinutes, "eod_close"))
	}
	return trades
}

// tryEnter runs the assessor over the rolling window and opens a simulated
// position when every gate clears.
func (h *Harness) tryEnter(window []types.Bar, bar types.Bar, spot float64, minutesToClose int) *openPosition {
	rolling := window
	if len(rolling) > 50 {
		rolling = rolling[len(rolling)-50:]
	}
	technicals, err := indicators.Snapshot(rolling)
	if err != nil {
		return nil
	}

	signal := h.assessor.Assess(assessor.Inputs{
		Technicals: technicals,
		Macro:      &macropkg.State{Regime: h.config.MacroRegime, Multiplier: 1.0},
	})

	// Theta-timing floor: required conviction rises as the close approaches;
	// the final hour is blocked outright.
	required := h.thetaFloor(minutesToClose)
	if signal.Conviction < required {
		return nil
	}

	// Direction/momentum alignment gate.
	if signal.Direction == types.DirectionBullish &&
		technicals.Momentum < -0.10 && technicals.RSI > 55 {
		return nil
	}
	if signal.Direction == types.DirectionBearish &&
		technicals.Momentum > 0.10 && technicals.RSI < 45 {
		return nil
	}

	side := types.OptionTypeCall
	if signal.Direction == types.DirectionBearish {
		side = types.OptionTypePut
	}

	chain := h.config.SynthesizeChain(side, spot, minutesToClose, bar.Timestamp)
	selection, err := engine.SelectContract(chain, side, spot, minutesToClose, h.selectionConfig())
	if err != nil {
		return nil
	}

	strike, _ := selection.Contract.Strike.Float64()
	return &openPosition{
		side:         side,
		direction:    signal.Direction,
		strike:       strike,
		entrySpot:    spot,
		entryPremium: h.config.PriceOption(side, strike, spot, minutesToClose),
		entryTime:    bar.Timestamp,
		conviction:   signal.Conviction,
	}
}

// thetaFloor returns the required conviction for a given time to close.
// The sub-60-minute bracket returns 11, an unreachable floor.
func (h *Harness) thetaFloor(minutesToClose int) int {
	switch {
	case minutesToClose > 240:
		return h.config.MinConviction
	case minutesToClose > 120:
		return h.config.MinConviction + 1
	case minutesToClose > 60:
		return h.config.MinConviction + 2
	default:
		return 11
	}
}

// exitRule applies the ordered exit rules; the first match wins.
func (h *Harness) exitRule(pnlPct float64, holdMinutes, minutesToClose int, lastBar bool) (string, bool) {
	switch {
	case lastBar || minutesToClose <= h.config.EodCloseMinutes:
		return "eod_close", true
	case pnlPct <= -h.config.PremiumStopPct:
		return "premium_stop", true
	case pnlPct >= h.config.PremiumTargetPct:
		return "profit_target", true
	case holdMinutes >= h.config.MaxHoldMinutes:
		return "max_hold_time", true
	case holdMinutes >= h.config.TimeStopMinutes && pnlPct <= 0:
		return "time_stop_no_profit", true
	}
	return "", false
}

// closeTrade books the ledger row: gross P&L minus slippage on both legs and
// commissions per contract per side. Premiums and P&L are decimal money,
// rounded to cents, so net == gross - slippage - commission holds exactly.
func (h *Harness) closeTrade(day string, open *openPosition, bar types.Bar, exitPremium, pnlPct float64, holdMinutes int, reason string) Trade {
	spot, _ := bar.Close.Float64()

	entry := decimal.NewFromFloat(open.entryPremium).Round(2)
	exit := decimal.NewFromFloat(exitPremium).Round(2)
	contracts := decimal.NewFromInt(int64(h.config.Contracts))
	perContract := decimal.NewFromInt(100)

	gross := exit.Sub(entry).Mul(perContract).Mul(contracts).Round(2)
	slippage := entry.Add(exit).
		Mul(decimal.NewFromFloat(h.config.SlippagePct)).
		Mul(perContract).Mul(contracts).Round(2)
	commission := decimal.NewFromFloat(h.config.CommissionPerContract).
		Mul(contracts).Mul(decimal.NewFromInt(2)).Round(2)

	return Trade{
		Day:          day,
		Direction:    open.direction,
		Side:         open.side,
		Strike:       open.strike,
		EntrySpot:    open.entrySpot,
		ExitSpot:     spot,
		EntryPremium: entry,
		ExitPremium:  exit,
		EntryTime:    open.entryTime,
		ExitTime:     bar.Timestamp,
		Reason:       reason,
		Conviction:   open.conviction,
		GrossPnL:     gross,
		SlippageCost: slippage,
		Commission:   commission,
		NetPnL:       gross.Sub(slippage).Sub(commission),
		PnLPct:       pnlPct,
		HoldMinutes:  holdMinutes,
	}
}

// selectionConfig adapts backtest parameters onto the live selection knobs.
func (h *Harness) selectionConfig() policy.Config {
	cfg := policy.DefaultConfig()
	cfg.OptionsMinDelta = 0.30
	cfg.OptionsMaxDelta = 0.50
	cfg.OptionsMaxSpreadPct = 0.15
	cfg.OptionsMinOpenInterest = 100
	return cfg
}

// minutesToClose measures against the 16:00 ET session close.
func (h *Harness) minutesToClose(ts time.Time) int {
	et := ts.In(easternTime)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, easternTime)
	minutes := int(close.Sub(et).Minutes())
	if minutes < 0 {
		minutes = 0
	}
	return minutes
}

// groupByDay splits bars by their ET calendar day, preserving order.
func groupByDay(bars []types.Bar) map[string][]types.Bar {
	byDay := make(map[string][]types.Bar)
	for _, bar := range bars {
		day := bar.Timestamp.In(easternTime).Format("2006-01-02")
		byDay[day] = append(byDay[day], bar)
	}
	return byDay
}

// classifyDay labels the day's open-to-close direction.
func classifyDay(bars []types.Bar) string {
	if len(bars) == 0 {
		return "flat"
	}
	open, _ := bars[0].Open.Float64()
	closePx, _ := bars[len(bars)-1].Close.Float64()
	if open == 0 {
		return "flat"
	}
	change := (closePx - open) / open
	switch {
	case change > 0.002:
		return "up"
	case change < -0.002:
		return "down"
	default:
		return "flat"
	}
}

// LoadCSV reads bars from a timestamp,open,high,low,close,volume file. A
// header row is skipped automatically.
func LoadCSV(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	bars := make([]types.Bar, 0, len(records))
	for i, record := range records {
		if len(record) < 6 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			if i == 0 {
				continue // header
			}
			return nil, fmt.Errorf("row %d: bad timestamp %q", i, record[0])
		}

		parse := func(s string) decimal.Decimal {
			d, _ := decimal.NewFromString(s)
			return d
		}
		volume, _ := strconv.ParseInt(record[5], 10, 64)
		bars = append(bars, types.Bar{
			Timestamp: ts.UTC(),
			Open:      parse(record[1]),
			High:      parse(record[2]),
			Low:       parse(record[3]),
			Close:     parse(record[4]),
			Volume:    volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}
