package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gammadesk/options-engine/internal/assessor"
	"github.com/gammadesk/options-engine/internal/indicators"
	"github.com/gammadesk/options-engine/internal/market"
	"github.com/gammadesk/options-engine/internal/metrics"
	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/internal/store"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	macropkg "github.com/gammadesk/options-engine/internal/macro"
)

// TaggedScore is an advisory external input (social sentiment, fundamental
// grade) carrying its source tag. Absent providers simply contribute nothing.
type TaggedScore struct {
	Source string
	Score  float64 // 0..1
	Valid  bool
}

// ScoreProvider supplies an external tagged score for a symbol.
type ScoreProvider interface {
	Score(ctx context.Context, symbol string) TaggedScore
}

// EquityConfig wires the equity scan.
type EquityConfig struct {
	Universe    []string // symbols scanned; falls back to the policy allowlist
	Sentiment   ScoreProvider
	Social      ScoreProvider
	Fundamental ScoreProvider
	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

// Weight table for the external tagged inputs, structurally parallel to the
// options assessor contributors.
const (
	wSentimentStrong = 1.0 // score >= 0.7 (bull) or <= 0.3 (bear)
	wFundamental     = 1.5 // fundamental grade >= 0.7 / <= 0.3
)

// EquityEngine runs the cash-equity cycle: monitor stop/take exits and scan
// the universe with notional-based sizing.
type EquityEngine struct {
	logger   *zap.Logger
	gateway  market.Gateway
	policy   *policy.Engine
	breaker  *policy.CircuitBreaker
	macroSvc *macropkg.Service
	assessor *assessor.Assessor
	audit    *store.AuditLog
	notifier Notifier
	config   EquityConfig
	now      func() time.Time

	inCycle atomic.Bool
}

// NewEquityEngine assembles the equity cycle.
func NewEquityEngine(
	logger *zap.Logger,
	gateway market.Gateway,
	policyEngine *policy.Engine,
	breaker *policy.CircuitBreaker,
	macroSvc *macropkg.Service,
	directionAssessor *assessor.Assessor,
	audit *store.AuditLog,
	notifier Notifier,
	config EquityConfig,
) *EquityEngine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	e := &EquityEngine{
		logger:   logger.Named("equity-engine"),
		gateway:  gateway,
		policy:   policyEngine,
		breaker:  breaker,
		macroSvc: macroSvc,
		assessor: directionAssessor,
		audit:    audit,
		notifier: notifier,
		config:   config,
		now:      config.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Cycle runs one equity tick. Reentrant calls return immediately.
func (e *EquityEngine) Cycle(ctx context.Context) error {
	if !e.inCycle.CompareAndSwap(false, true) {
		return nil
	}
	defer e.inCycle.Store(false)

	err := e.runCycle(ctx)
	if err != nil {
		metrics.CycleErrors.WithLabelValues("equity").Inc()
		e.breaker.RecordError()
		return err
	}
	metrics.CyclesRun.WithLabelValues("equity").Inc()
	e.breaker.RecordSuccessfulCycle()
	return nil
}

func (e *EquityEngine) runCycle(ctx context.Context) error {
	if e.gateway == nil {
		return nil
	}
	session := CurrentSession(e.now())
	if !session.Open {
		return nil
	}

	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	e.policy.ResetDailyIfNeeded(e.now(), account.Equity)
	e.policy.UpdateDailyPnL(account.Equity)

	positions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	equities := make([]types.Position, 0, len(positions))
	for _, p := range positions {
		if !market.IsOptionSymbol(p.Symbol) {
			equities = append(equities, p)
		}
	}
	metrics.OpenPositions.WithLabelValues("equity").Set(float64(len(equities)))

	// Monitor before entries so exits free capacity within the same tick.
	for _, intent := range e.policy.CheckExits(equities) {
		e.executeExit(ctx, intent)
	}

	if e.breaker.IsPaused() {
		return nil
	}

	cfg := e.policy.GetConfig()
	if len(equities) >= cfg.MaxPositions {
		return nil
	}

	universe := e.config.Universe
	if len(universe) == 0 {
		universe = cfg.SymbolAllowlist
	}
	for _, symbol := range universe {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.scanSymbol(ctx, symbol, account, len(equities))
	}
	return nil
}

func (e *EquityEngine) executeExit(ctx context.Context, intent types.ExitIntent) {
	if err := e.gateway.ClosePosition(ctx, intent.Symbol, intent.Qty); err != nil {
		e.logger.Error("equity close failed, will retry",
			zap.String("symbol", intent.Symbol), zap.Error(err))
		return
	}

	e.breaker.RecordExit(intent.Symbol, intent.Rule, intent.UnrealPL)
	metrics.TradesExited.WithLabelValues(intent.Rule).Inc()

	payload := map[string]any{
		"symbol": intent.Symbol,
		"rule":   intent.Rule,
		"pnl":    intent.UnrealPL.StringFixed(2),
		"pnlPct": intent.PnLPct,
	}
	e.audit.Append("auto_exit", payload)
	e.notifier.Notify("auto_exit", payload)
}

// scanSymbol evaluates one symbol and enters on sufficient conviction.
func (e *EquityEngine) scanSymbol(ctx context.Context, symbol string, account *types.Account, currentPositions int) {
	bars, err := e.gateway.GetIntradayBars(ctx, symbol, intradayTimeframe, intradayBarLimit)
	if err != nil || len(bars) < minIntradayBars {
		e.logger.Debug("equity bars unavailable", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	technicals, err := indicators.Snapshot(bars)
	if err != nil {
		return
	}

	macroState := e.macroSvc.GetState(ctx)
	signal := e.assessor.Assess(assessor.Inputs{
		Technicals: technicals,
		Macro:      macroState,
	})

	// Fold the external tagged inputs with the equity weight table.
	sentiment := e.collectScore(ctx, e.config.Sentiment, symbol)
	social := e.collectScore(ctx, e.config.Social, symbol)
	fundamental := e.collectScore(ctx, e.config.Fundamental, symbol)
	signal = foldExternalScores(signal, []TaggedScore{sentiment, social}, fundamental)

	if signal.Conviction < scanConvictionFloor || signal.Direction != types.DirectionBullish {
		// Long-only equity book: bearish signals are never entered here,
		// whatever allow_shorting is set to.
		return
	}

	// Notional sizing: the smaller of the per-trade cap and the buying-power
	// fraction, scaled by the macro multiplier.
	cfg := e.policy.GetConfig()
	notional := account.BuyingPower.Mul(decimal.NewFromFloat(cfg.PositionSizePct))
	if notional.GreaterThan(cfg.MaxNotionalPerTrade) {
		notional = cfg.MaxNotionalPerTrade
	}
	notional = notional.Mul(decimal.NewFromFloat(macroState.Multiplier)).Round(2)
	if !notional.IsPositive() {
		return
	}

	var sentimentPtr *float64
	if sentiment.Valid {
		sentimentPtr = &sentiment.Score
	}
	orderCtx := policy.OrderContext{
		Symbol:           symbol,
		Side:             types.OrderSideBuy,
		Notional:         notional,
		CurrentPositions: currentPositions,
		BuyingPower:      account.BuyingPower,
		SentimentScore:   sentimentPtr,
	}

	eval, token := e.policy.Preview(orderCtx)
	if !eval.Allowed {
		e.logger.Debug("equity entry rejected",
			zap.String("symbol", symbol),
			zap.Strings("violations", eval.Violations))
		return
	}
	for _, warning := range eval.Warnings {
		e.logger.Warn("equity entry warning", zap.String("symbol", symbol), zap.String("warning", warning))
	}
	if err := e.policy.ValidateToken(token.ID, symbol); err != nil {
		e.logger.Error("approval token rejected", zap.Error(err))
		return
	}

	order, err := e.gateway.CreateOrder(ctx, types.OrderRequest{
		Symbol:      symbol,
		Side:        types.OrderSideBuy,
		Notional:    notional,
		Type:        types.OrderTypeMarket,
		TimeInForce: types.TimeInForceDay,
	})
	if err != nil {
		e.logger.Error("equity order failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	e.policy.RecordTrade(symbol)
	metrics.TradesEntered.WithLabelValues("equity").Inc()

	payload := map[string]any{
		"symbol":     symbol,
		"notional":   notional.StringFixed(2),
		"conviction": signal.Conviction,
		"orderId":    order.ID,
		"reason":     strings.Join(signal.Reasons, "; "),
	}
	e.audit.Append("entry", payload)
	e.notifier.Notify("entry", payload)

	e.logger.Info("entered equity position",
		zap.String("symbol", symbol),
		zap.String("notional", notional.StringFixed(2)),
		zap.Int("conviction", signal.Conviction))
}

func (e *EquityEngine) collectScore(ctx context.Context, provider ScoreProvider, symbol string) TaggedScore {
	if provider == nil {
		return TaggedScore{}
	}
	return provider.Score(ctx, symbol)
}

// foldExternalScores applies the equity weight table to tagged inputs on top
// of the assessor output. Strong scores move points; missing scores are
// neutral.
func foldExternalScores(signal *types.DirectionSignal, sentiments []TaggedScore, fundamental TaggedScore) *types.DirectionSignal {
	adjusted := *signal

	apply := func(score TaggedScore, weight float64) {
		if !score.Valid {
			return
		}
		switch {
		case score.Score >= 0.7:
			adjusted.BullPoints += weight
			adjusted.Reasons = append(adjusted.Reasons,
				fmt.Sprintf("%s bullish (%.2f)", score.Source, score.Score))
		case score.Score <= 0.3:
			adjusted.BearPoints += weight
			adjusted.Reasons = append(adjusted.Reasons,
				fmt.Sprintf("%s bearish (%.2f)", score.Source, score.Score))
		}
	}
	for _, s := range sentiments {
		apply(s, wSentimentStrong)
	}
	apply(fundamental, wFundamental)

	// Re-derive direction and conviction from the adjusted accumulators.
	adjusted.Direction = types.DirectionBullish
	dominant := adjusted.BullPoints
	if adjusted.BearPoints > adjusted.BullPoints {
		adjusted.Direction = types.DirectionBearish
		dominant = adjusted.BearPoints
	}
	total := adjusted.BullPoints + adjusted.BearPoints
	if total > 0 {
		conviction := int(dominant/total*dominant*2.5 + 0.5)
		if conviction < 1 {
			conviction = 1
		}
		if conviction > 10 {
			conviction = 10
		}
		adjusted.Conviction = conviction
	}
	return &adjusted
}
