package backtest

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// Metrics aggregates a backtest's trade ledger. Money totals are decimal so
// the report carries the same exactness as the per-trade ledger; ratios
// (win rate, Sharpe, profit factor) remain floats.
type Metrics struct {
	TotalTrades     int             `json:"totalTrades"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRate         float64         `json:"winRate"`
	ProfitFactor    float64         `json:"profitFactor"`
	NetPnL          decimal.Decimal `json:"netPnl"`
	MaxDrawdown     decimal.Decimal `json:"maxDrawdown"` // peak-to-trough on cumulative net P&L
	Sharpe          float64         `json:"sharpe"`      // over daily P&L, annualized sqrt(252)
	AvgHoldMinutes  float64         `json:"avgHoldMinutes"`
	TotalSlippage   decimal.Decimal `json:"totalSlippage"`
	TotalCommission decimal.Decimal `json:"totalCommission"`

	ByExitReason map[string]int     `json:"byExitReason"`
	ByDirection  map[string]SidePnL `json:"byDirection"`
	ByMarketDay  map[string]SidePnL `json:"byMarketDay"` // up/down/flat days
}

// SidePnL is a count/net breakdown bucket.
type SidePnL struct {
	Trades int             `json:"trades"`
	NetPnL decimal.Decimal `json:"netPnl"`
}

// computeMetrics folds the ledger plus per-day context into the aggregate.
func computeMetrics(trades []Trade, dailyPnL map[string]decimal.Decimal, dayDirection map[string]string) Metrics {
	m := Metrics{
		ByExitReason: make(map[string]int),
		ByDirection:  make(map[string]SidePnL),
		ByMarketDay:  make(map[string]SidePnL),
	}

	grossWins, grossLosses := decimal.Zero, decimal.Zero
	holdSum := 0.0
	for _, trade := range trades {
		m.TotalTrades++
		m.NetPnL = m.NetPnL.Add(trade.NetPnL)
		m.TotalSlippage = m.TotalSlippage.Add(trade.SlippageCost)
		m.TotalCommission = m.TotalCommission.Add(trade.Commission)
		holdSum += float64(trade.HoldMinutes)

		if trade.NetPnL.IsPositive() {
			m.Wins++
			grossWins = grossWins.Add(trade.NetPnL)
		} else {
			m.Losses++
			grossLosses = grossLosses.Sub(trade.NetPnL)
		}

		m.ByExitReason[trade.Reason]++

		dir := m.ByDirection[string(trade.Direction)]
		dir.Trades++
		dir.NetPnL = dir.NetPnL.Add(trade.NetPnL)
		m.ByDirection[string(trade.Direction)] = dir

		if label, ok := dayDirection[trade.Day]; ok {
			bucket := m.ByMarketDay[label]
			bucket.Trades++
			bucket.NetPnL = bucket.NetPnL.Add(trade.NetPnL)
			m.ByMarketDay[label] = bucket
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.TotalTrades)
		m.AvgHoldMinutes = holdSum / float64(m.TotalTrades)
	}
	if grossLosses.IsPositive() {
		m.ProfitFactor, _ = grossWins.Div(grossLosses).Float64()
	} else if grossWins.IsPositive() {
		m.ProfitFactor = math.Inf(1)
	}

	m.MaxDrawdown = maxDrawdown(trades)
	m.Sharpe = dailySharpe(dailyPnL)
	return m
}

// maxDrawdown walks the cumulative net P&L in trade order.
func maxDrawdown(trades []Trade) decimal.Decimal {
	cum, peak, worst := decimal.Zero, decimal.Zero, decimal.Zero
	for _, trade := range trades {
		cum = cum.Add(trade.NetPnL)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst
}

// dailySharpe annualizes mean/stddev of daily P&L by sqrt(252). The ratio is
// statistics, not money, so it runs on floats.
func dailySharpe(dailyPnL map[string]decimal.Decimal) float64 {
	if len(dailyPnL) < 2 {
		return 0
	}

	days := make([]string, 0, len(dailyPnL))
	for day := range dailyPnL {
		days = append(days, day)
	}
	sort.Strings(days)

	var sum float64
	values := make([]float64, len(days))
	for i, day := range days {
		values[i], _ = dailyPnL[day].Float64()
		sum += values[i]
	}
	mean := sum / float64(len(days))

	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(days) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(252)
}
