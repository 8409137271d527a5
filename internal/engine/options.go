package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammadesk/options-engine/internal/ai"
	"github.com/gammadesk/options-engine/internal/assessor"
	"github.com/gammadesk/options-engine/internal/gex"
	"github.com/gammadesk/options-engine/internal/indicators"
	"github.com/gammadesk/options-engine/internal/market"
	"github.com/gammadesk/options-engine/internal/metrics"
	"github.com/gammadesk/options-engine/internal/mtf"
	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/internal/store"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	macropkg "github.com/gammadesk/options-engine/internal/macro"
)

// Notifier receives user-visible trading events (entries, exits, trips).
type Notifier interface {
	Notify(event string, payload any)
}

// nopNotifier swallows events when no hub is wired.
type nopNotifier struct{}

func (nopNotifier) Notify(string, any) {}

const (
	tradesNamespace      = "options-engine-state"
	rescanCooldown       = 90 * time.Second
	discoveryMinutes     = 15 // first-N-minutes window with no entries
	scanConvictionFloor  = 3
	alertConvictionFloor = 2
	maxContractsPerLeg   = 3
	intradayTimeframe    = "5Min"
	intradayBarLimit     = 100
	minIntradayBars      = 10
)

// OptionsConfig wires optional collaborators into the options cycle.
type OptionsConfig struct {
	// Squeeze, when set, returns an extra conviction boost for a symbol.
	Squeeze func(symbol string) int
	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

// OptionsEngine runs the intraday 0DTE options cycle: monitor exits, scan
// underlyings, select contracts and execute through the policy gate.
type OptionsEngine struct {
	logger      *zap.Logger
	gateway     market.Gateway
	policy      *policy.Engine
	breaker     *policy.CircuitBreaker
	gexEngine   *gex.Engine
	macroSvc    *macropkg.Service
	mtfSvc      *mtf.Service
	assessor    *assessor.Assessor
	adjudicator *ai.Adjudicator
	storage     *store.Storage
	audit       *store.AuditLog
	cache       *store.SignalCache
	notifier    Notifier
	config      OptionsConfig

	// Single-flight: a tick arriving mid-cycle returns immediately.
	inCycle atomic.Bool

	now func() time.Time

	mu       sync.Mutex
	trades   map[string]*types.TrackedTrade // by OSI symbol
	peaks    map[string]float64             // best unrealized_plpc per symbol
	lastScan map[string]time.Time           // re-scan cooldown per underlying
}

// NewOptionsEngine assembles the options cycle. Persisted tracked trades are
// reloaded so restarts keep strategy annotations.
func NewOptionsEngine(
	logger *zap.Logger,
	gateway market.Gateway,
	policyEngine *policy.Engine,
	breaker *policy.CircuitBreaker,
	gexEngine *gex.Engine,
	macroSvc *macropkg.Service,
	mtfSvc *mtf.Service,
	directionAssessor *assessor.Assessor,
	adjudicator *ai.Adjudicator,
	storage *store.Storage,
	audit *store.AuditLog,
	notifier Notifier,
	config OptionsConfig,
) *OptionsEngine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	e := &OptionsEngine{
		logger:      logger.Named("options-engine"),
		gateway:     gateway,
		policy:      policyEngine,
		breaker:     breaker,
		gexEngine:   gexEngine,
		macroSvc:    macroSvc,
		mtfSvc:      mtfSvc,
		assessor:    directionAssessor,
		adjudicator: adjudicator,
		storage:     storage,
		audit:       audit,
		cache:       store.NewSignalCache(store.SignalCacheTTL),
		notifier:    notifier,
		config:      config,
		now:         config.Now,
		trades:      make(map[string]*types.TrackedTrade),
		peaks:       make(map[string]float64),
		lastScan:    make(map[string]time.Time),
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.loadTrades()
	return e
}

// ActiveTrades returns a snapshot of tracked trades.
func (e *OptionsEngine) ActiveTrades() []types.TrackedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.TrackedTrade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, *t)
	}
	return out
}

// Cycle runs one options tick. Reentrant calls return immediately.
func (e *OptionsEngine) Cycle(ctx context.Context) error {
	if !e.inCycle.CompareAndSwap(false, true) {
		e.logger.Debug("cycle already in flight, skipping tick")
		return nil
	}
	defer e.inCycle.Store(false)

	err := e.runCycle(ctx)
	if err != nil {
		metrics.CycleErrors.WithLabelValues("options").Inc()
		e.breaker.RecordError()
		return err
	}
	metrics.CyclesRun.WithLabelValues("options").Inc()
	e.breaker.RecordSuccessfulCycle()
	return nil
}

func (e *OptionsEngine) runCycle(ctx context.Context) error {
	cfg := e.policy.GetConfig()

	// Entry gates, in order. A closed gate ends the tick quietly.
	if !cfg.OptionsEnabled {
		e.logger.Debug("options disabled")
		return nil
	}
	if e.gateway == nil {
		e.logger.Warn("no broker gateway configured")
		return nil
	}

	session := CurrentSession(e.now())
	if !session.Open {
		e.logger.Debug("market closed")
		return nil
	}
	if session.MinutesSinceOpen < discoveryMinutes {
		e.logger.Debug("inside discovery window", zap.Int("minutesSinceOpen", session.MinutesSinceOpen))
		return nil
	}

	// Step A: accounting. Clock/account failures mean no ground truth and
	// abort the cycle.
	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	e.policy.ResetDailyIfNeeded(e.now(), account.Equity)
	e.policy.UpdateDailyPnL(account.Equity)

	// Step B: monitor always runs when positions exist, paused or not.
	positions, err := e.gateway.GetOptionsPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch options positions: %w", err)
	}
	metrics.OpenPositions.WithLabelValues("options").Set(float64(len(positions)))
	e.monitor(ctx, positions, session.MinutesToClose)

	// The circuit breaker pauses new entries only.
	if e.breaker.IsPaused() {
		e.logger.Info("circuit breaker paused, monitoring only")
		return nil
	}

	// Step C: capacity.
	if len(positions) >= cfg.OptionsMaxPositions {
		e.logger.Debug("options position cap reached", zap.Int("active", len(positions)))
		return nil
	}

	// Step D: scan.
	active := len(positions)
	for _, underlying := range cfg.OptionsUnderlyings {
		if active >= cfg.OptionsMaxPositions {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entered := e.scanUnderlying(ctx, underlying, session, nil)
		if entered {
			active++
		}
	}
	return nil
}

// monitor reconciles tracked trades with broker positions and applies the
// exit rules to every open option position.
func (e *OptionsEngine) monitor(ctx context.Context, positions []types.Position, minutesToClose int) {
	held := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p
	}

	// ExitPending trades the broker no longer reports are closed.
	e.mu.Lock()
	for symbol, trade := range e.trades {
		if _, ok := held[symbol]; !ok && trade.State == types.TradeStateExitPending {
			trade.State = types.TradeStateClosed
			delete(e.trades, symbol)
			delete(e.peaks, symbol)
		}
	}
	e.mu.Unlock()
	e.saveTrades()

	if len(positions) == 0 {
		return
	}

	views := make([]policy.OptionPositionView, 0, len(positions))
	e.mu.Lock()
	for _, p := range positions {
		strategy := types.StrategyScalp
		if trade, ok := e.trades[p.Symbol]; ok {
			strategy = trade.Strategy
		}
		if p.UnrealizedPLPC > e.peaks[p.Symbol] {
			e.peaks[p.Symbol] = p.UnrealizedPLPC
		}
		views = append(views, policy.OptionPositionView{
			Position:   p,
			Strategy:   strategy,
			PeakPnLPct: e.peaks[p.Symbol],
		})
	}
	e.mu.Unlock()

	for _, intent := range e.policy.CheckOptionsExits(views, minutesToClose) {
		e.executeExit(ctx, intent)
	}
}

// executeExit closes one position and books the outcome.
func (e *OptionsEngine) executeExit(ctx context.Context, intent types.ExitIntent) {
	e.mu.Lock()
	trade, tracked := e.trades[intent.Symbol]
	if tracked {
		trade.State = types.TradeStateExitPending
	}
	e.mu.Unlock()

	if err := e.gateway.CloseOptionsPosition(ctx, intent.Symbol, intent.Qty); err != nil {
		// Stay ExitPending; the next cycle retries.
		e.logger.Error("close order failed, will retry",
			zap.String("symbol", intent.Symbol),
			zap.String("rule", intent.Rule),
			zap.Error(err))
		e.saveTrades()
		return
	}

	e.mu.Lock()
	delete(e.trades, intent.Symbol)
	delete(e.peaks, intent.Symbol)
	e.mu.Unlock()
	e.saveTrades()

	e.policy.RecordOptionsExit(intent.UnrealPL)
	e.breaker.RecordExit(intent.Symbol, intent.Rule, intent.UnrealPL)
	metrics.TradesExited.WithLabelValues(intent.Rule).Inc()

	payload := map[string]any{
		"symbol":   intent.Symbol,
		"rule":     intent.Rule,
		"pnl":      intent.UnrealPL.StringFixed(2),
		"pnlPct":   intent.PnLPct,
		"strategy": string(intent.Strategy),
	}
	e.audit.Append("auto_exit", payload)
	e.notifier.Notify("auto_exit", payload)

	e.logger.Info("position exited",
		zap.String("symbol", intent.Symbol),
		zap.String("rule", intent.Rule),
		zap.Float64("pnlPct", intent.PnLPct))
}

// features is the per-underlying bundle assembled before assessment.
type features struct {
	technicals *indicators.Technicals
	gexSummary *gex.Summary
	mtfResult  *mtf.Result
	macroState *macropkg.State
	spot       float64
}

// gatherFeatures fans out the independent fetches and tolerates every
// optional failure. Only missing technicals abort the underlying.
func (e *OptionsEngine) gatherFeatures(ctx context.Context, underlying string) (*features, error) {
	f := &features{}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		bars, err := e.gateway.GetIntradayBars(gctx, underlying, intradayTimeframe, intradayBarLimit)
		if err != nil {
			return fmt.Errorf("intraday bars: %w", err)
		}
		if len(bars) < minIntradayBars {
			return fmt.Errorf("insufficient bars: %d", len(bars))
		}
		snap, err := indicators.Snapshot(bars)
		if err != nil {
			return err
		}
		f.technicals = snap
		f.spot = snap.Price
		return nil
	})

	g.Go(func() error {
		chain, err := e.gateway.GetOptionsSnapshots(gctx, underlying, zeroDTEExpiry(e.now()), "")
		if err != nil {
			e.logger.Debug("chain fetch failed", zap.String("underlying", underlying), zap.Error(err))
			return nil // GEX is advisory
		}
		snap, err := e.gateway.GetSnapshot(gctx, underlying)
		if err != nil || snap == nil {
			return nil
		}
		spot, _ := snap.Price.Float64()
		f.gexSummary = e.gexEngine.Compute(chain, spot, e.now())
		return nil
	})

	g.Go(func() error {
		f.mtfResult = e.mtfSvc.Analyze(gctx, underlying)
		return nil
	})

	g.Go(func() error {
		f.macroState = e.macroSvc.GetState(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return f, nil
}

// scanUnderlying runs the full per-underlying pipeline. An alert hint, when
// present, lowers the conviction floor and adjusts conviction. Returns true
// when a position was entered.
func (e *OptionsEngine) scanUnderlying(ctx context.Context, underlying string, session Session, alert *types.Alert) bool {
	cfg := e.policy.GetConfig()

	// Re-scan cooldown protects the data provider; alerts bypass it.
	e.mu.Lock()
	last, scanned := e.lastScan[underlying]
	if alert == nil && scanned && e.now().Sub(last) < rescanCooldown {
		e.mu.Unlock()
		return false
	}
	e.lastScan[underlying] = e.now()
	e.mu.Unlock()

	if e.policy.OptionsCooldownActive(underlying) {
		e.logger.Debug("post-trade cooldown", zap.String("underlying", underlying))
		return false
	}

	if alert == nil {
		if outcome, reason, ok := e.cache.Get(underlying); ok && outcome != store.SignalBuy {
			e.logger.Debug("signal cache hit",
				zap.String("underlying", underlying),
				zap.String("outcome", string(outcome)),
				zap.String("reason", reason))
			return false
		}
	}

	f, err := e.gatherFeatures(ctx, underlying)
	if err != nil {
		e.logger.Warn("feature bundle failed", zap.String("underlying", underlying), zap.Error(err))
		e.cache.Put(underlying, store.SignalError, err.Error())
		return false
	}

	squeeze := 0
	if e.config.Squeeze != nil {
		squeeze = e.config.Squeeze(underlying)
	}

	signal := e.assessor.Assess(assessor.Inputs{
		Technicals:   f.technicals,
		GEX:          f.gexSummary,
		Macro:        f.macroState,
		MTF:          f.mtfResult,
		SqueezeBoost: squeeze,
	})

	floor := scanConvictionFloor
	alertContext := ""
	if alert != nil {
		floor = alertConvictionFloor
		signal, alertContext = applyAlertHint(signal, alert)
	}
	if signal.Conviction < floor {
		e.cache.Put(underlying, store.SignalPass, fmt.Sprintf("conviction %d below floor %d", signal.Conviction, floor))
		return false
	}

	decision := e.adjudicator.Decide(ctx, ai.Features{
		Symbol:         underlying,
		Macro:          f.macroState,
		GEX:            f.gexSummary,
		Technicals:     f.technicals,
		Signal:         signal,
		MTF:            f.mtfResult,
		MinutesToClose: session.MinutesToClose,
		TimeOfDay:      e.now().In(easternTime).Format("15:04"),
		AlertContext:   alertContext,
	})
	if decision == nil || decision.Action == types.AIActionSkip {
		e.cache.Put(underlying, store.SignalSkip, "adjudicator skip")
		return false
	}
	if int(decision.Conviction) < cfg.OptionsMinConviction {
		e.cache.Put(underlying, store.SignalSkip,
			fmt.Sprintf("adjudicator conviction %.0f below %d", decision.Conviction, cfg.OptionsMinConviction))
		return false
	}

	side := types.OptionTypeCall
	switch decision.Action {
	case types.AIActionBuyPut:
		side = types.OptionTypePut
	case types.AIActionBuyCall, types.AIActionBuy:
		side = types.OptionTypeCall
	}
	// The adjudicator can override the assessor; direction follows the action.
	if decision.Action == types.AIActionBuy && signal.Direction == types.DirectionBearish {
		side = types.OptionTypePut
	}

	chain, err := e.gateway.GetOptionsSnapshots(ctx, underlying, zeroDTEExpiry(e.now()), side)
	if err != nil {
		e.logger.Warn("contract chain fetch failed", zap.String("underlying", underlying), zap.Error(err))
		e.cache.Put(underlying, store.SignalError, "chain fetch failed")
		return false
	}

	selection, err := SelectContract(chain, side, f.spot, session.MinutesToClose, cfg)
	if err != nil {
		e.logger.Info("no tradable contract", zap.String("underlying", underlying), zap.Error(err))
		e.cache.Put(underlying, store.SignalPass, err.Error())
		return false
	}

	reason := strings.Join(signal.Reasons, "; ")
	if decision.Reason != "" {
		reason += " | AI: " + decision.Reason
	}
	entered := e.execute(ctx, underlying, signal, selection, session, reason)
	if entered {
		e.cache.Put(underlying, store.SignalBuy, reason)
	}
	return entered
}

// applyAlertHint folds an external directional hint into the signal:
// +2 conviction when the hint agrees with the internal read, -2 when it
// conflicts (the hint direction wins), +1 for HIGH confidence.
func applyAlertHint(signal *types.DirectionSignal, alert *types.Alert) (*types.DirectionSignal, string) {
	hinted := types.DirectionBullish
	if strings.EqualFold(alert.Action, "SELL") {
		hinted = types.DirectionBearish
	}

	adjusted := *signal
	var verdict string
	if hinted == signal.Direction {
		adjusted.Conviction += 2
		verdict = "confirms"
	} else {
		adjusted.Conviction -= 2
		adjusted.Direction = hinted
		verdict = "conflicts"
	}
	if alert.Confidence == types.AlertConfidenceHigh {
		adjusted.Conviction++
	}
	if adjusted.Conviction > 10 {
		adjusted.Conviction = 10
	}
	if adjusted.Conviction < 1 {
		adjusted.Conviction = 1
	}

	context := fmt.Sprintf("TradingView %s %s internal %s read (confidence %s)",
		strings.ToUpper(alert.Action), verdict, signal.Direction, alert.Confidence)
	adjusted.Reasons = append(append([]string{}, signal.Reasons...), context)
	return &adjusted, context
}

// execute sizes, previews and submits the entry order, then tracks the trade.
func (e *OptionsEngine) execute(ctx context.Context, underlying string, signal *types.DirectionSignal, selection *Selection, session Session, reason string) bool {
	cfg := e.policy.GetConfig()

	mid := selection.Contract.Quote.Mid().Round(2)
	if !mid.IsPositive() {
		return false
	}
	perContract := mid.Mul(decimal.NewFromInt(100))

	qty := cfg.OptionsMaxPremiumPerTrade.Div(perContract).IntPart()
	if qty < 1 {
		qty = 1
	}
	if qty > maxContractsPerLeg {
		qty = maxContractsPerLeg
	}
	totalPremium := perContract.Mul(decimal.NewFromInt(qty))

	orderCtx := policy.OptionsOrderContext{
		Underlying:      underlying,
		Symbol:          selection.Contract.Symbol,
		Side:            types.OrderSideBuy,
		Premium:         totalPremium,
		Delta:           selection.Delta,
		SpreadPct:       selection.SpreadPct,
		Conviction:      signal.Conviction,
		MinutesToClose:  session.MinutesToClose,
		ActivePositions: len(e.ActiveTrades()),
	}

	eval, token := e.policy.PreviewOptionsOrder(orderCtx)
	if !eval.Allowed {
		e.logger.Info("policy rejected entry",
			zap.String("symbol", selection.Contract.Symbol),
			zap.Strings("violations", eval.Violations))
		return false
	}
	if err := e.policy.ValidateToken(token.ID, selection.Contract.Symbol); err != nil {
		e.logger.Error("approval token rejected", zap.Error(err))
		return false
	}

	order, err := e.gateway.CreateOptionsOrder(ctx, types.OrderRequest{
		Symbol:      selection.Contract.Symbol,
		Side:        types.OrderSideBuy,
		Qty:         qty,
		Type:        types.OrderTypeLimit,
		TimeInForce: types.TimeInForceDay,
		LimitPrice:  mid,
	})
	if err != nil {
		e.logger.Error("entry order failed", zap.String("symbol", selection.Contract.Symbol), zap.Error(err))
		return false
	}

	trade := &types.TrackedTrade{
		Symbol:     selection.Contract.Symbol,
		Underlying: underlying,
		Strike:     selection.Contract.Strike,
		OptionType: selection.Contract.Type,
		Strategy:   signal.Strategy,
		Qty:        qty,
		EntryPrice: mid,
		EntryTime:  time.Now(),
		Conviction: signal.Conviction,
		Reason:     reason,
		OrderID:    order.ID,
		State:      types.TradeStateOpen,
	}
	e.mu.Lock()
	e.trades[trade.Symbol] = trade
	e.mu.Unlock()
	e.saveTrades()

	e.policy.RecordOptionsTrade(underlying)
	metrics.TradesEntered.WithLabelValues("options").Inc()

	payload := map[string]any{
		"underlying": underlying,
		"symbol":     trade.Symbol,
		"side":       string(trade.OptionType),
		"strike":     trade.Strike.String(),
		"qty":        qty,
		"premium":    totalPremium.StringFixed(2),
		"conviction": signal.Conviction,
		"strategy":   string(signal.Strategy),
		"reason":     reason,
	}
	e.audit.Append("entry", payload)
	e.notifier.Notify("entry", payload)

	e.logger.Info("entered position",
		zap.String("symbol", trade.Symbol),
		zap.Int64("qty", qty),
		zap.String("premium", totalPremium.StringFixed(2)),
		zap.Int("conviction", signal.Conviction))
	return true
}

// HandleAlert runs the alert-triggered fast path: shared accounting,
// capacity and scan body, a directional hint and a lower conviction floor.
func (e *OptionsEngine) HandleAlert(ctx context.Context, alert types.Alert) error {
	if !e.inCycle.CompareAndSwap(false, true) {
		return fmt.Errorf("cycle in flight, alert dropped")
	}
	defer e.inCycle.Store(false)

	cfg := e.policy.GetConfig()
	if !cfg.OptionsEnabled || e.gateway == nil {
		return nil
	}
	if e.breaker.IsPaused() {
		e.logger.Info("alert ignored, breaker paused", zap.String("ticker", alert.Ticker))
		return nil
	}

	session := CurrentSession(e.now())
	if !session.Open {
		return nil
	}

	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		e.breaker.RecordError()
		return fmt.Errorf("fetch account: %w", err)
	}
	e.policy.ResetDailyIfNeeded(e.now(), account.Equity)

	positions, err := e.gateway.GetOptionsPositions(ctx)
	if err != nil {
		e.breaker.RecordError()
		return fmt.Errorf("fetch positions: %w", err)
	}
	if len(positions) >= cfg.OptionsMaxPositions {
		e.logger.Info("alert ignored, at capacity", zap.String("ticker", alert.Ticker))
		return nil
	}

	e.audit.Append("alert", alert)
	e.scanUnderlying(ctx, alert.Ticker, session, &alert)
	return nil
}

// KillSweep cancels all orders and liquidates everything, persisting a
// post-mortem snapshot.
func (e *OptionsEngine) KillSweep(ctx context.Context) {
	if err := e.gateway.CancelAllOrders(ctx); err != nil {
		e.logger.Error("cancel-all failed during kill sweep", zap.Error(err))
	}
	if err := e.gateway.CloseAllPositions(ctx); err != nil {
		e.logger.Error("close-all failed during kill sweep", zap.Error(err))
	}

	snapshot := map[string]any{"at": time.Now().UTC()}
	if account, err := e.gateway.GetAccount(ctx); err == nil {
		snapshot["account"] = account
	}
	if positions, err := e.gateway.GetPositions(ctx); err == nil {
		snapshot["positions"] = positions
	}
	snapshot["auditTail"] = e.audit.Tail(50)
	if e.storage != nil {
		if err := e.storage.Set("kill-postmortem", snapshot); err != nil {
			e.logger.Error("post-mortem persist failed", zap.Error(err))
		}
	}

	e.audit.Append("kill", nil)
	e.notifier.Notify("kill", snapshot)
	e.logger.Error("kill switch sweep completed")
}

// zeroDTEExpiry is today's date in ET, the 0DTE expiration.
func zeroDTEExpiry(now time.Time) time.Time {
	et := now.In(easternTime)
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, time.UTC)
}

func (e *OptionsEngine) loadTrades() {
	if e.storage == nil {
		return
	}
	var trades []types.TrackedTrade
	if err := e.storage.Get(tradesNamespace, &trades); err != nil {
		if err != store.ErrNotFound {
			e.logger.Warn("tracked trades load failed", zap.Error(err))
		}
		return
	}
	e.mu.Lock()
	for i := range trades {
		e.trades[trades[i].Symbol] = &trades[i]
	}
	e.mu.Unlock()
}

func (e *OptionsEngine) saveTrades() {
	if e.storage == nil {
		return
	}
	trades := e.ActiveTrades()
	if err := e.storage.Set(tradesNamespace, trades); err != nil {
		e.logger.Warn("tracked trades persist failed", zap.Error(err))
	}
}
