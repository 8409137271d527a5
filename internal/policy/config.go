// Package policy owns the trading configuration, order validation, the
// preview/approval-token flow, exit rules and the circuit breaker.
package policy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CurrentConfigVersion is the schema version written by this build.
const CurrentConfigVersion = 3

// Config is the strongly typed policy record. Keys, types and ranges mirror
// the admin-facing key table; Set rejects anything outside it.
type Config struct {
	ConfigVersion int `json:"config_version"`

	// Equity limits
	MaxPositions        int             `json:"max_positions"`
	MaxNotionalPerTrade decimal.Decimal `json:"max_notional_per_trade"`
	PositionSizePct     float64         `json:"position_size_pct"`
	MaxDailyLossPct     float64         `json:"max_daily_loss_pct"`
	StopLossPct         float64         `json:"stop_loss_pct"`
	TakeProfitPct       float64         `json:"take_profit_pct"`
	CooldownMinutes     int             `json:"cooldown_minutes"`
	ScanIntervalMinutes int             `json:"scan_interval_minutes"`
	AllowShorting       bool            `json:"allow_shorting"`
	SymbolAllowlist     []string        `json:"symbol_allowlist"`
	SymbolDenylist      []string        `json:"symbol_denylist"`

	// Soft thresholds (warnings only)
	MinSentimentScore    float64 `json:"min_sentiment_score"`
	MinAnalystConfidence float64 `json:"min_analyst_confidence"`

	// Options limits
	OptionsEnabled            bool            `json:"options_enabled"`
	OptionsMaxPositions       int             `json:"options_max_positions"`
	OptionsMaxPremiumPerTrade decimal.Decimal `json:"options_max_premium_per_trade"`
	OptionsMaxDailyLoss       decimal.Decimal `json:"options_max_daily_loss"`
	OptionsMaxSpreadPct       float64         `json:"options_max_spread_pct"`
	OptionsMinOpenInterest    int64           `json:"options_min_open_interest"`
	OptionsMinDelta           float64         `json:"options_min_delta"`
	OptionsMaxDelta           float64         `json:"options_max_delta"`
	OptionsMinConviction      int             `json:"options_min_conviction"`
	OptionsCloseBeforeMinutes int             `json:"options_close_before_minutes"`
	OptionsCooldownMinutes    int             `json:"options_cooldown_minutes"`
	OptionsScalpTakeProfitPct float64         `json:"options_scalp_take_profit_pct"`
	OptionsScalpStopLossPct   float64         `json:"options_scalp_stop_loss_pct"`
	OptionsSwingTakeProfitPct float64         `json:"options_swing_take_profit_pct"`
	OptionsSwingStopLossPct   float64         `json:"options_swing_stop_loss_pct"`
	OptionsUnderlyings        []string        `json:"options_underlyings"`
}

// DefaultConfig returns the shipped policy defaults.
func DefaultConfig() Config {
	return Config{
		ConfigVersion: CurrentConfigVersion,

		MaxPositions:        5,
		MaxNotionalPerTrade: decimal.NewFromInt(5000),
		PositionSizePct:     0.10,
		MaxDailyLossPct:     0.03,
		StopLossPct:         0.05,
		TakeProfitPct:       0.10,
		CooldownMinutes:     30,
		ScanIntervalMinutes: 5,
		AllowShorting:       false,

		MinSentimentScore:    0.4,
		MinAnalystConfidence: 0.5,

		OptionsEnabled:            true,
		OptionsMaxPositions:       2,
		OptionsMaxPremiumPerTrade: decimal.NewFromInt(500),
		OptionsMaxDailyLoss:       decimal.NewFromInt(400),
		OptionsMaxSpreadPct:       0.12,
		OptionsMinOpenInterest:    500,
		OptionsMinDelta:           0.30,
		OptionsMaxDelta:           0.50,
		OptionsMinConviction:      6,
		OptionsCloseBeforeMinutes: 20,
		OptionsCooldownMinutes:    45,
		OptionsScalpTakeProfitPct: 0.25,
		OptionsScalpStopLossPct:   0.18,
		OptionsSwingTakeProfitPct: 0.50,
		OptionsSwingStopLossPct:   0.30,
		OptionsUnderlyings:        []string{"SPY", "QQQ"},
	}
}

// DangerousOverlay is the prebaked aggressive parameter set applied by
// dangerous mode.
func DangerousOverlay(base Config) Config {
	overlay := base
	overlay.OptionsMaxPositions = base.OptionsMaxPositions * 2
	overlay.OptionsMaxPremiumPerTrade = base.OptionsMaxPremiumPerTrade.Mul(decimal.NewFromInt(2))
	overlay.OptionsMinConviction = 4
	overlay.OptionsCooldownMinutes = base.OptionsCooldownMinutes / 2
	overlay.PositionSizePct = base.PositionSizePct * 2
	if overlay.PositionSizePct > 1 {
		overlay.PositionSizePct = 1
	}
	return overlay
}

// Set coerces and range-checks a single key. Unknown keys are rejected.
func (c *Config) Set(key string, value any) error {
	switch key {
	case "max_positions":
		return setInt(&c.MaxPositions, value, 1, 1000)
	case "max_notional_per_trade":
		return setDecimal(&c.MaxNotionalPerTrade, value, 10, 1e9)
	case "position_size_pct":
		return setFloat(&c.PositionSizePct, value, 0, 1)
	case "max_daily_loss_pct":
		return setFloat(&c.MaxDailyLossPct, value, 0, 1)
	case "stop_loss_pct":
		return setFloat(&c.StopLossPct, value, 0, 1)
	case "take_profit_pct":
		return setFloat(&c.TakeProfitPct, value, 0, 1)
	case "cooldown_minutes":
		return setInt(&c.CooldownMinutes, value, 0, 1440)
	case "scan_interval_minutes":
		return setInt(&c.ScanIntervalMinutes, value, 1, 60)
	case "allow_shorting":
		return setBool(&c.AllowShorting, value)
	case "symbol_allowlist":
		return setList(&c.SymbolAllowlist, value)
	case "symbol_denylist":
		return setList(&c.SymbolDenylist, value)
	case "min_sentiment_score":
		return setFloat(&c.MinSentimentScore, value, 0, 1)
	case "min_analyst_confidence":
		return setFloat(&c.MinAnalystConfidence, value, 0, 1)
	case "options_enabled":
		return setBool(&c.OptionsEnabled, value)
	case "options_max_positions":
		return setInt(&c.OptionsMaxPositions, value, 1, 100)
	case "options_max_premium_per_trade":
		return setDecimal(&c.OptionsMaxPremiumPerTrade, value, 10, 1e9)
	case "options_max_daily_loss":
		return setDecimal(&c.OptionsMaxDailyLoss, value, 10, 1e9)
	case "options_max_spread_pct":
		return setFloat(&c.OptionsMaxSpreadPct, value, 0, 1)
	case "options_min_open_interest":
		var v int
		if err := setInt(&v, value, 0, 1<<30); err != nil {
			return err
		}
		c.OptionsMinOpenInterest = int64(v)
		return nil
	case "options_min_delta":
		return setFloat(&c.OptionsMinDelta, value, 0, 1)
	case "options_max_delta":
		return setFloat(&c.OptionsMaxDelta, value, 0, 1)
	case "options_min_conviction":
		return setInt(&c.OptionsMinConviction, value, 1, 10)
	case "options_close_before_minutes":
		return setInt(&c.OptionsCloseBeforeMinutes, value, 0, 180)
	case "options_cooldown_minutes":
		return setInt(&c.OptionsCooldownMinutes, value, 0, 1440)
	case "options_scalp_take_profit_pct":
		return setFloat(&c.OptionsScalpTakeProfitPct, value, 0, 1)
	case "options_scalp_stop_loss_pct":
		return setFloat(&c.OptionsScalpStopLossPct, value, 0, 1)
	case "options_swing_take_profit_pct":
		return setFloat(&c.OptionsSwingTakeProfitPct, value, 0, 1)
	case "options_swing_stop_loss_pct":
		return setFloat(&c.OptionsSwingStopLossPct, value, 0, 1)
	case "options_underlyings":
		return setList(&c.OptionsUnderlyings, value)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
}

// migrations run in order to bring an older on-disk record up to the current
// version. Each entry upgrades from exactly its index version.
var migrations = map[int]func(*Config){
	// v1 -> v2: swing exits were introduced; older records inherit scalp
	// thresholds widened.
	1: func(c *Config) {
		if c.OptionsSwingTakeProfitPct == 0 {
			c.OptionsSwingTakeProfitPct = c.OptionsScalpTakeProfitPct * 2
		}
		if c.OptionsSwingStopLossPct == 0 {
			c.OptionsSwingStopLossPct = c.OptionsScalpStopLossPct * 1.5
		}
	},
	// v2 -> v3: underlyings list became configurable.
	2: func(c *Config) {
		if len(c.OptionsUnderlyings) == 0 {
			c.OptionsUnderlyings = []string{"SPY", "QQQ"}
		}
	},
}

// Migrate upgrades a loaded record in place.
func Migrate(c *Config) {
	for v := c.ConfigVersion; v < CurrentConfigVersion; v++ {
		if fn, ok := migrations[v]; ok {
			fn(c)
		}
		c.ConfigVersion = v + 1
	}
}

func setInt(dst *int, value any, lo, hi int) error {
	var v int
	switch t := value.(type) {
	case int:
		v = t
	case int64:
		v = int(t)
	case float64:
		v = int(t)
	default:
		return fmt.Errorf("expected integer, got %T", value)
	}
	if v < lo || v > hi {
		return fmt.Errorf("value %d outside [%d, %d]", v, lo, hi)
	}
	*dst = v
	return nil
}

func setFloat(dst *float64, value any, lo, hi float64) error {
	var v float64
	switch t := value.(type) {
	case float64:
		v = t
	case int:
		v = float64(t)
	case int64:
		v = float64(t)
	default:
		return fmt.Errorf("expected number, got %T", value)
	}
	if v < lo || v > hi {
		return fmt.Errorf("value %v outside [%v, %v]", v, lo, hi)
	}
	*dst = v
	return nil
}

func setDecimal(dst *decimal.Decimal, value any, lo, hi float64) error {
	var v decimal.Decimal
	switch t := value.(type) {
	case float64:
		v = decimal.NewFromFloat(t)
	case int:
		v = decimal.NewFromInt(int64(t))
	case int64:
		v = decimal.NewFromInt(t)
	case string:
		parsed, err := decimal.NewFromString(t)
		if err != nil {
			return fmt.Errorf("expected decimal string: %w", err)
		}
		v = parsed
	default:
		return fmt.Errorf("expected number, got %T", value)
	}
	f, _ := v.Float64()
	if f < lo || f > hi {
		return fmt.Errorf("value %s outside [%v, %v]", v, lo, hi)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, value any) error {
	v, ok := value.(bool)
	if !ok {
		return fmt.Errorf("expected bool, got %T", value)
	}
	*dst = v
	return nil
}

func setList(dst *[]string, value any) error {
	switch t := value.(type) {
	case []string:
		*dst = append([]string{}, t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string list element, got %T", item)
			}
			out = append(out, strings.ToUpper(strings.TrimSpace(s)))
		}
		*dst = out
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	default:
		return fmt.Errorf("expected list, got %T", value)
	}
	return nil
}
