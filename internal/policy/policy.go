package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammadesk/options-engine/internal/store"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	configNamespace = "policy-config"
	tokenTTL        = 5 * time.Minute
)

// easternTime is the trading calendar timezone. All session math runs in ET.
var easternTime = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// ApprovalToken permits exactly one order submission for a previewed order.
type ApprovalToken struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      types.OrderSide `json:"side"`
	Notional  decimal.Decimal `json:"notional"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	consumed  bool
}

// Evaluation is the outcome of a policy check.
type Evaluation struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings"`
}

// OrderContext describes a prospective equity order.
type OrderContext struct {
	Symbol            string
	Side              types.OrderSide
	Notional          decimal.Decimal
	IsClosing         bool
	CurrentPositions  int
	BuyingPower       decimal.Decimal
	SentimentScore    *float64
	AnalystConfidence *float64
}

// OptionsOrderContext describes a prospective option order.
type OptionsOrderContext struct {
	Underlying      string
	Symbol          string // OSI
	Side            types.OrderSide
	Premium         decimal.Decimal // total dollars (mid * 100 * qty)
	Delta           float64
	SpreadPct       float64
	Conviction      int
	MinutesToClose  int
	ActivePositions int
	IsClosing       bool
}

// OptionPositionView pairs a broker position with local trade context for
// exit evaluation.
type OptionPositionView struct {
	Position   types.Position
	Strategy   types.StrategyKind
	PeakPnLPct float64 // best unrealized_plpc seen since entry
}

// Engine is the policy engine. It exclusively owns the config record, the
// approval-token map, cooldown clocks and daily accounting.
type Engine struct {
	logger  *zap.Logger
	storage *store.Storage

	mu            sync.Mutex
	config        Config
	killSwitch    bool
	dangerousMode bool
	preDangerous  *Config

	tokens           map[string]*ApprovalToken
	equityCooldowns  map[string]time.Time
	optionsCooldowns map[string]time.Time

	currentDay       string // ET calendar day
	dailyStartEquity decimal.Decimal
	dailyPnL         decimal.Decimal
	optionsDailyLoss decimal.Decimal
}

// NewEngine loads (and migrates) the persisted config, or starts from
// defaults.
func NewEngine(logger *zap.Logger, storage *store.Storage) *Engine {
	e := &Engine{
		logger:           logger.Named("policy"),
		storage:          storage,
		config:           DefaultConfig(),
		tokens:           make(map[string]*ApprovalToken),
		equityCooldowns:  make(map[string]time.Time),
		optionsCooldowns: make(map[string]time.Time),
	}
	if storage != nil {
		var loaded Config
		switch err := storage.Get(configNamespace, &loaded); err {
		case nil:
			Migrate(&loaded)
			e.config = loaded
		case store.ErrNotFound:
		default:
			logger.Warn("policy config load failed, using defaults", zap.Error(err))
		}
	}
	return e
}

// GetConfig returns a copy of the current config.
func (e *Engine) GetConfig() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// SetKey updates one config key with coercion and range checks, then
// persists the record.
func (e *Engine) SetKey(key string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.config.Set(key, value); err != nil {
		return err
	}
	e.persistConfigLocked()
	e.logger.Info("config updated", zap.String("key", key))
	return nil
}

// SetKillSwitch toggles the hard halt.
func (e *Engine) SetKillSwitch(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = active
	e.logger.Warn("kill switch", zap.Bool("active", active))
}

// KillSwitchActive reports the hard-halt state.
func (e *Engine) KillSwitchActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killSwitch
}

// SetDangerousMode applies or removes the aggressive overlay. Enabling
// snapshots the current record; disabling restores it.
func (e *Engine) SetDangerousMode(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if active && !e.dangerousMode {
		snapshot := e.config
		e.preDangerous = &snapshot
		e.config = DangerousOverlay(e.config)
		e.dangerousMode = true
		e.persistConfigLocked()
		e.logger.Warn("dangerous mode enabled")
	} else if !active && e.dangerousMode {
		if e.preDangerous != nil {
			e.config = *e.preDangerous
			e.preDangerous = nil
		}
		e.dangerousMode = false
		e.persistConfigLocked()
		e.logger.Info("dangerous mode disabled, config restored")
	}
}

// ResetDailyIfNeeded rolls daily accounting at the first cycle of a new ET
// calendar day.
func (e *Engine) ResetDailyIfNeeded(now time.Time, equity decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	day := now.In(easternTime).Format("2006-01-02")
	if day == e.currentDay {
		return
	}
	e.currentDay = day
	e.dailyStartEquity = equity
	e.dailyPnL = decimal.Zero
	e.optionsDailyLoss = decimal.Zero
	e.logger.Info("daily counters reset",
		zap.String("day", day),
		zap.String("startEquity", equity.String()))
}

// UpdateDailyPnL refreshes the running daily P&L from current equity.
func (e *Engine) UpdateDailyPnL(equity decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dailyStartEquity.IsPositive() {
		e.dailyPnL = equity.Sub(e.dailyStartEquity)
	}
}

// RecordOptionsExit books a realized option P&L into the daily loss bucket.
func (e *Engine) RecordOptionsExit(pnl decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pnl.IsNegative() {
		e.optionsDailyLoss = e.optionsDailyLoss.Add(pnl)
	}
}

// OptionsDailyLoss returns the accumulated (negative) realized loss today.
func (e *Engine) OptionsDailyLoss() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.optionsDailyLoss
}

// RecordTrade starts the per-symbol equity cooldown.
func (e *Engine) RecordTrade(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.equityCooldowns[symbol] = time.Now()
}

// RecordOptionsTrade starts the per-underlying options cooldown.
func (e *Engine) RecordOptionsTrade(underlying string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsCooldowns[underlying] = time.Now()
}

// OptionsCooldownActive reports whether the per-underlying post-trade
// cooldown is still running.
func (e *Engine) OptionsCooldownActive(underlying string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.optionsCooldowns[underlying]
	if !ok {
		return false
	}
	return time.Since(last) < time.Duration(e.config.OptionsCooldownMinutes)*time.Minute
}

// Evaluate checks an equity order against policy. Any violation blocks.
func (e *Engine) Evaluate(ctx OrderContext) Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result Evaluation
	cfg := e.config
	block := func(msg string) { result.Violations = append(result.Violations, msg) }
	warn := func(msg string) { result.Warnings = append(result.Warnings, msg) }

	if e.killSwitch {
		block("kill switch active")
	}

	if e.dailyStartEquity.IsPositive() {
		lossLimit := e.dailyStartEquity.Mul(decimal.NewFromFloat(cfg.MaxDailyLossPct)).Neg()
		if e.dailyPnL.LessThanOrEqual(lossLimit) {
			block(fmt.Sprintf("daily loss limit reached (%s)", e.dailyPnL.StringFixed(2)))
		}
	}

	isBuy := ctx.Side == types.OrderSideBuy
	if isBuy && ctx.CurrentPositions >= cfg.MaxPositions {
		block(fmt.Sprintf("position cap reached (%d)", cfg.MaxPositions))
	}
	if ctx.Notional.GreaterThan(cfg.MaxNotionalPerTrade) {
		block(fmt.Sprintf("notional %s exceeds per-trade cap %s",
			ctx.Notional.StringFixed(2), cfg.MaxNotionalPerTrade.StringFixed(2)))
	}
	if isBuy && ctx.Notional.GreaterThan(ctx.BuyingPower) {
		block("insufficient buying power")
	}
	if !isBuy && !ctx.IsClosing && !cfg.AllowShorting {
		block("shorting disabled")
	}

	if contains(cfg.SymbolDenylist, ctx.Symbol) {
		block(fmt.Sprintf("%s is denylisted", ctx.Symbol))
	}
	if len(cfg.SymbolAllowlist) > 0 && !contains(cfg.SymbolAllowlist, ctx.Symbol) {
		block(fmt.Sprintf("%s not on allowlist", ctx.Symbol))
	}

	if last, ok := e.equityCooldowns[ctx.Symbol]; ok && !ctx.IsClosing {
		cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
		if remaining := cooldown - time.Since(last); remaining > 0 {
			block(fmt.Sprintf("%s cooling down for %s", ctx.Symbol, remaining.Round(time.Second)))
		}
	}

	if ctx.SentimentScore != nil && *ctx.SentimentScore < cfg.MinSentimentScore {
		warn(fmt.Sprintf("sentiment %.2f below threshold %.2f", *ctx.SentimentScore, cfg.MinSentimentScore))
	}
	if ctx.AnalystConfidence != nil && *ctx.AnalystConfidence < cfg.MinAnalystConfidence {
		warn(fmt.Sprintf("analyst confidence %.2f below threshold %.2f", *ctx.AnalystConfidence, cfg.MinAnalystConfidence))
	}

	result.Allowed = len(result.Violations) == 0
	return result
}

// EvaluateOptionsOrder checks an option order against the option-specific
// knobs.
func (e *Engine) EvaluateOptionsOrder(ctx OptionsOrderContext) Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result Evaluation
	cfg := e.config
	block := func(msg string) { result.Violations = append(result.Violations, msg) }

	if e.killSwitch {
		block("kill switch active")
	}
	if ctx.IsClosing {
		// Exits only honor the kill switch; everything else must not trap a
		// position open.
		result.Allowed = len(result.Violations) == 0
		return result
	}

	if e.optionsDailyLoss.LessThanOrEqual(cfg.OptionsMaxDailyLoss.Neg()) {
		block(fmt.Sprintf("options daily loss cap reached (%s)", e.optionsDailyLoss.StringFixed(2)))
	}
	if ctx.ActivePositions >= cfg.OptionsMaxPositions {
		block(fmt.Sprintf("options position cap reached (%d)", cfg.OptionsMaxPositions))
	}
	if ctx.Premium.GreaterThan(cfg.OptionsMaxPremiumPerTrade) {
		block(fmt.Sprintf("premium %s exceeds cap %s",
			ctx.Premium.StringFixed(2), cfg.OptionsMaxPremiumPerTrade.StringFixed(2)))
	}
	if ctx.SpreadPct > cfg.OptionsMaxSpreadPct {
		block(fmt.Sprintf("spread %.1f%% exceeds cap %.1f%%", ctx.SpreadPct*100, cfg.OptionsMaxSpreadPct*100))
	}
	if ctx.Conviction < cfg.OptionsMinConviction {
		block(fmt.Sprintf("conviction %d below floor %d", ctx.Conviction, cfg.OptionsMinConviction))
	}
	if ctx.MinutesToClose <= cfg.OptionsCloseBeforeMinutes {
		block(fmt.Sprintf("only %d minutes to close, inside exit window", ctx.MinutesToClose))
	}

	if last, ok := e.optionsCooldowns[ctx.Underlying]; ok {
		cooldown := time.Duration(cfg.OptionsCooldownMinutes) * time.Minute
		if remaining := cooldown - time.Since(last); remaining > 0 {
			block(fmt.Sprintf("%s cooling down for %s", ctx.Underlying, remaining.Round(time.Second)))
		}
	}

	result.Allowed = len(result.Violations) == 0
	return result
}

// Preview evaluates an equity order and mints a single-use approval token on
// success.
func (e *Engine) Preview(ctx OrderContext) (Evaluation, *ApprovalToken) {
	eval := e.Evaluate(ctx)
	if !eval.Allowed {
		return eval, nil
	}
	return eval, e.mintToken(ctx.Symbol, ctx.Side, ctx.Notional)
}

// PreviewOptionsOrder evaluates an option order and mints a token on success.
func (e *Engine) PreviewOptionsOrder(ctx OptionsOrderContext) (Evaluation, *ApprovalToken) {
	eval := e.EvaluateOptionsOrder(ctx)
	if !eval.Allowed {
		return eval, nil
	}
	return eval, e.mintToken(ctx.Symbol, ctx.Side, ctx.Premium)
}

func (e *Engine) mintToken(symbol string, side types.OrderSide, notional decimal.Decimal) *ApprovalToken {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	token := &ApprovalToken{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Notional:  notional,
		CreatedAt: now,
		ExpiresAt: now.Add(tokenTTL),
	}
	e.tokens[token.ID] = token
	e.evictExpiredLocked(now)
	return token
}

// ValidateToken consumes an approval token. The first caller wins; any later
// call, an expired token, or a symbol mismatch is rejected.
func (e *Engine) ValidateToken(id, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	token, ok := e.tokens[id]
	if !ok || token.consumed {
		return fmt.Errorf("unknown or expired approval token")
	}
	if time.Now().After(token.ExpiresAt) {
		delete(e.tokens, id)
		return fmt.Errorf("approval token expired")
	}
	if token.Symbol != symbol {
		return fmt.Errorf("approval token bound to %s, not %s", token.Symbol, symbol)
	}

	token.consumed = true
	delete(e.tokens, id)
	return nil
}

func (e *Engine) evictExpiredLocked(now time.Time) {
	for id, token := range e.tokens {
		if now.After(token.ExpiresAt) {
			delete(e.tokens, id)
		}
	}
}

// CheckExits returns the first-matching exit intent per equity position,
// in rule priority order: stop loss, then take profit.
func (e *Engine) CheckExits(positions []types.Position) []types.ExitIntent {
	cfg := e.GetConfig()

	var intents []types.ExitIntent
	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		var rule string
		switch {
		case p.UnrealizedPLPC <= -cfg.StopLossPct:
			rule = "stop_loss"
		case p.UnrealizedPLPC >= cfg.TakeProfitPct:
			rule = "take_profit"
		default:
			continue
		}
		intents = append(intents, types.ExitIntent{
			Symbol:      p.Symbol,
			Qty:         p.Qty,
			Rule:        rule,
			PnLPct:      p.UnrealizedPLPC,
			UnrealPL:    p.UnrealizedPL,
			TriggeredAt: time.Now(),
		})
	}
	return intents
}

// CheckOptionsExits returns the first-matching exit intent per option
// position. Priority order: stop loss, take profit, time exit, trailing stop.
func (e *Engine) CheckOptionsExits(views []OptionPositionView, minutesToClose int) []types.ExitIntent {
	cfg := e.GetConfig()

	var intents []types.ExitIntent
	for _, view := range views {
		p := view.Position
		if p.Qty == 0 {
			continue
		}

		stopPct, tpPct := cfg.OptionsScalpStopLossPct, cfg.OptionsScalpTakeProfitPct
		if view.Strategy == types.StrategySwing {
			stopPct, tpPct = cfg.OptionsSwingStopLossPct, cfg.OptionsSwingTakeProfitPct
		}

		var rule string
		switch {
		case p.UnrealizedPLPC <= -stopPct:
			rule = "options_stop_loss"
		case p.UnrealizedPLPC >= tpPct:
			rule = "options_take_profit"
		case minutesToClose <= cfg.OptionsCloseBeforeMinutes:
			rule = "time_exit"
		case trailingStopHit(view, tpPct):
			rule = "trailing_stop"
		default:
			continue
		}

		intents = append(intents, types.ExitIntent{
			Symbol:      p.Symbol,
			Qty:         p.Qty,
			Rule:        rule,
			PnLPct:      p.UnrealizedPLPC,
			UnrealPL:    p.UnrealizedPL,
			Strategy:    view.Strategy,
			TriggeredAt: time.Now(),
		})
	}
	return intents
}

// trailingStopHit locks in a gain once a profitable position retraces more
// than half of its peak after reaching half the target.
func trailingStopHit(view OptionPositionView, tpPct float64) bool {
	if view.PeakPnLPct < tpPct/2 {
		return false
	}
	return view.Position.UnrealizedPLPC > 0 &&
		view.Position.UnrealizedPLPC <= view.PeakPnLPct/2
}

func (e *Engine) persistConfigLocked() {
	if e.storage == nil {
		return
	}
	if err := e.storage.Set(configNamespace, e.config); err != nil {
		e.logger.Warn("config persist failed", zap.Error(err))
	}
}

func contains(list []string, symbol string) bool {
	for _, s := range list {
		if s == symbol {
			return true
		}
	}
	return false
}
