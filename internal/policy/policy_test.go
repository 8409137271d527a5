// Package policy_test provides tests for the policy engine.
package policy_test

import (
	"strings"
	"testing"
	"time"

	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/internal/store"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newEngine(t *testing.T) *policy.Engine {
	t.Helper()
	storage, err := store.NewStorage(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	return policy.NewEngine(zap.NewNop(), storage)
}

func buyCtx(symbol string, notional int64) policy.OrderContext {
	return policy.OrderContext{
		Symbol:      symbol,
		Side:        types.OrderSideBuy,
		Notional:    decimal.NewFromInt(notional),
		BuyingPower: decimal.NewFromInt(100000),
	}
}

func TestEvaluateAllowsCleanBuy(t *testing.T) {
	e := newEngine(t)
	eval := e.Evaluate(buyCtx("SPY", 1000))
	if !eval.Allowed {
		t.Fatalf("clean buy blocked: %v", eval.Violations)
	}
}

func TestEvaluateKillSwitchBlocks(t *testing.T) {
	e := newEngine(t)
	e.SetKillSwitch(true)

	eval := e.Evaluate(buyCtx("SPY", 1000))
	if eval.Allowed {
		t.Fatal("kill switch should block all orders")
	}
	if !strings.Contains(strings.Join(eval.Violations, " "), "kill switch") {
		t.Errorf("violations = %v", eval.Violations)
	}
}

func TestEvaluateNotionalCap(t *testing.T) {
	e := newEngine(t)
	eval := e.Evaluate(buyCtx("SPY", 50000)) // default cap 5000
	if eval.Allowed {
		t.Fatal("oversized notional should block")
	}
}

func TestEvaluatePositionCapBuysOnly(t *testing.T) {
	e := newEngine(t)

	ctx := buyCtx("SPY", 1000)
	ctx.CurrentPositions = 5 // default max_positions
	if eval := e.Evaluate(ctx); eval.Allowed {
		t.Fatal("buy at position cap should block")
	}

	sell := ctx
	sell.Side = types.OrderSideSell
	sell.IsClosing = true
	if eval := e.Evaluate(sell); !eval.Allowed {
		t.Fatalf("closing sell at cap blocked: %v", eval.Violations)
	}
}

func TestEvaluateShortingDisabled(t *testing.T) {
	e := newEngine(t)

	ctx := buyCtx("SPY", 1000)
	ctx.Side = types.OrderSideSell
	if eval := e.Evaluate(ctx); eval.Allowed {
		t.Fatal("naked sell should block with shorting disabled")
	}
}

func TestEvaluateDenylistAndAllowlist(t *testing.T) {
	e := newEngine(t)

	if err := e.SetKey("symbol_denylist", []string{"GME"}); err != nil {
		t.Fatal(err)
	}
	if eval := e.Evaluate(buyCtx("GME", 1000)); eval.Allowed {
		t.Fatal("denylisted symbol should block")
	}

	if err := e.SetKey("symbol_allowlist", []string{"SPY", "QQQ"}); err != nil {
		t.Fatal(err)
	}
	if eval := e.Evaluate(buyCtx("AAPL", 1000)); eval.Allowed {
		t.Fatal("symbol off the allowlist should block")
	}
	if eval := e.Evaluate(buyCtx("SPY", 1000)); !eval.Allowed {
		t.Fatalf("allowlisted symbol blocked: %v", eval.Violations)
	}
}

func TestEvaluateCooldown(t *testing.T) {
	e := newEngine(t)
	e.RecordTrade("SPY")

	if eval := e.Evaluate(buyCtx("SPY", 1000)); eval.Allowed {
		t.Fatal("symbol inside cooldown should block")
	}
	if eval := e.Evaluate(buyCtx("QQQ", 1000)); !eval.Allowed {
		t.Fatalf("other symbol blocked: %v", eval.Violations)
	}
}

func TestEvaluateSentimentWarnsOnly(t *testing.T) {
	e := newEngine(t)

	low := 0.1
	ctx := buyCtx("SPY", 1000)
	ctx.SentimentScore = &low

	eval := e.Evaluate(ctx)
	if !eval.Allowed {
		t.Fatalf("warning should not block: %v", eval.Violations)
	}
	if len(eval.Warnings) == 0 {
		t.Error("expected a sentiment warning")
	}
}

func TestTokenSingleUse(t *testing.T) {
	e := newEngine(t)

	eval, token := e.Preview(buyCtx("SPY", 1000))
	if !eval.Allowed || token == nil {
		t.Fatalf("preview failed: %v", eval.Violations)
	}

	if err := e.ValidateToken(token.ID, "SPY"); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if err := e.ValidateToken(token.ID, "SPY"); err == nil {
		t.Fatal("second consume must fail")
	}
}

func TestTokenSymbolBinding(t *testing.T) {
	e := newEngine(t)

	_, token := e.Preview(buyCtx("SPY", 1000))
	if token == nil {
		t.Fatal("no token")
	}
	if err := e.ValidateToken(token.ID, "QQQ"); err == nil {
		t.Fatal("token bound to SPY must reject QQQ")
	}
	// Mismatch must not consume the token.
	if err := e.ValidateToken(token.ID, "SPY"); err != nil {
		t.Fatalf("token should still be live for its own symbol: %v", err)
	}
}

func TestTokenUnknown(t *testing.T) {
	e := newEngine(t)
	if err := e.ValidateToken("not-a-token", "SPY"); err == nil {
		t.Fatal("unknown token must fail")
	}
}

func TestRejectedPreviewMintsNoToken(t *testing.T) {
	e := newEngine(t)
	e.SetKillSwitch(true)

	eval, token := e.Preview(buyCtx("SPY", 1000))
	if eval.Allowed || token != nil {
		t.Fatal("rejected preview must not mint a token")
	}
}

func TestOptionsOrderEvaluation(t *testing.T) {
	e := newEngine(t)

	ctx := policy.OptionsOrderContext{
		Underlying:     "SPY",
		Symbol:         "SPY260212C00500000",
		Side:           types.OrderSideBuy,
		Premium:        decimal.NewFromInt(250),
		Delta:          0.44,
		SpreadPct:      0.03,
		Conviction:     7,
		MinutesToClose: 180,
	}
	if eval := e.EvaluateOptionsOrder(ctx); !eval.Allowed {
		t.Fatalf("clean option order blocked: %v", eval.Violations)
	}

	lowConv := ctx
	lowConv.Conviction = 3
	if eval := e.EvaluateOptionsOrder(lowConv); eval.Allowed {
		t.Fatal("conviction below floor should block")
	}

	wideSpread := ctx
	wideSpread.SpreadPct = 0.30
	if eval := e.EvaluateOptionsOrder(wideSpread); eval.Allowed {
		t.Fatal("wide spread should block")
	}

	lateDay := ctx
	lateDay.MinutesToClose = 10
	if eval := e.EvaluateOptionsOrder(lateDay); eval.Allowed {
		t.Fatal("inside the EOD window should block")
	}

	bigPremium := ctx
	bigPremium.Premium = decimal.NewFromInt(2000)
	if eval := e.EvaluateOptionsOrder(bigPremium); eval.Allowed {
		t.Fatal("premium above cap should block")
	}

	atCap := ctx
	atCap.ActivePositions = 2 // default options_max_positions
	if eval := e.EvaluateOptionsOrder(atCap); eval.Allowed {
		t.Fatal("at position cap should block")
	}
}

func TestOptionsDailyLossCap(t *testing.T) {
	e := newEngine(t)
	e.RecordOptionsExit(decimal.NewFromInt(-500)) // default cap 400

	ctx := policy.OptionsOrderContext{
		Underlying:     "SPY",
		Symbol:         "SPY260212C00500000",
		Side:           types.OrderSideBuy,
		Premium:        decimal.NewFromInt(250),
		Conviction:     7,
		MinutesToClose: 180,
	}
	if eval := e.EvaluateOptionsOrder(ctx); eval.Allowed {
		t.Fatal("daily loss cap should block new entries")
	}
}

func TestOptionsCooldown(t *testing.T) {
	e := newEngine(t)
	e.RecordOptionsTrade("SPY")

	if !e.OptionsCooldownActive("SPY") {
		t.Fatal("cooldown should be active right after a trade")
	}
	if e.OptionsCooldownActive("QQQ") {
		t.Fatal("cooldown must be per-underlying")
	}
}

func TestClosingOptionsOrderBypassesEntryGates(t *testing.T) {
	e := newEngine(t)
	e.RecordOptionsExit(decimal.NewFromInt(-500))

	ctx := policy.OptionsOrderContext{
		Underlying:     "SPY",
		Symbol:         "SPY260212C00500000",
		Side:           types.OrderSideSell,
		IsClosing:      true,
		MinutesToClose: 5,
	}
	if eval := e.EvaluateOptionsOrder(ctx); !eval.Allowed {
		t.Fatalf("closing order blocked: %v", eval.Violations)
	}
}

func optView(plpc, peak float64, strategy types.StrategyKind) policy.OptionPositionView {
	return policy.OptionPositionView{
		Position: types.Position{
			Symbol:         "SPY260212C00500000",
			Qty:            1,
			UnrealizedPLPC: plpc,
		},
		Strategy:   strategy,
		PeakPnLPct: peak,
	}
}

func TestOptionsExitPriorityOrder(t *testing.T) {
	e := newEngine(t)

	// Satisfies both stop loss (<= -0.18) and the time window: stop wins.
	intents := e.CheckOptionsExits([]policy.OptionPositionView{optView(-0.25, 0, types.StrategyScalp)}, 5)
	if len(intents) != 1 || intents[0].Rule != "options_stop_loss" {
		t.Fatalf("intents = %+v, want options_stop_loss first", intents)
	}

	// Satisfies both take profit and the time window: take profit wins.
	intents = e.CheckOptionsExits([]policy.OptionPositionView{optView(0.30, 0.30, types.StrategyScalp)}, 5)
	if len(intents) != 1 || intents[0].Rule != "options_take_profit" {
		t.Fatalf("intents = %+v, want options_take_profit before time_exit", intents)
	}

	// Time window alone.
	intents = e.CheckOptionsExits([]policy.OptionPositionView{optView(0.01, 0.05, types.StrategyScalp)}, 5)
	if len(intents) != 1 || intents[0].Rule != "time_exit" {
		t.Fatalf("intents = %+v, want time_exit", intents)
	}
}

func TestOptionsScalpTakeProfit(t *testing.T) {
	e := newEngine(t)

	// Scenario S2: scalp entry, +27% with scalp TP at 25%.
	intents := e.CheckOptionsExits([]policy.OptionPositionView{optView(0.27, 0.27, types.StrategyScalp)}, 120)
	if len(intents) != 1 || intents[0].Rule != "options_take_profit" {
		t.Fatalf("intents = %+v, want options_take_profit", intents)
	}

	// The same P&L on a swing (TP 50%) holds.
	intents = e.CheckOptionsExits([]policy.OptionPositionView{optView(0.27, 0.27, types.StrategySwing)}, 120)
	if len(intents) != 0 {
		t.Fatalf("intents = %+v, want none for a swing at +27%%", intents)
	}
}

func TestTrailingStopLocksGain(t *testing.T) {
	e := newEngine(t)

	// Peaked at +20% (above half the 25% target), retraced to +8%.
	intents := e.CheckOptionsExits([]policy.OptionPositionView{optView(0.08, 0.20, types.StrategyScalp)}, 120)
	if len(intents) != 1 || intents[0].Rule != "trailing_stop" {
		t.Fatalf("intents = %+v, want trailing_stop", intents)
	}

	// Still near the peak: hold.
	intents = e.CheckOptionsExits([]policy.OptionPositionView{optView(0.18, 0.20, types.StrategyScalp)}, 120)
	if len(intents) != 0 {
		t.Fatalf("intents = %+v, want none while holding near peak", intents)
	}
}

func TestEquityExitPriority(t *testing.T) {
	e := newEngine(t)

	positions := []types.Position{
		{Symbol: "AAPL", Qty: 10, UnrealizedPLPC: -0.08}, // stop (default 0.05)
		{Symbol: "MSFT", Qty: 5, UnrealizedPLPC: 0.12},   // take profit (default 0.10)
		{Symbol: "NVDA", Qty: 3, UnrealizedPLPC: 0.01},   // hold
	}
	intents := e.CheckExits(positions)
	if len(intents) != 2 {
		t.Fatalf("intents = %+v, want 2", intents)
	}
	if intents[0].Rule != "stop_loss" || intents[0].Symbol != "AAPL" {
		t.Errorf("first intent = %+v", intents[0])
	}
	if intents[1].Rule != "take_profit" || intents[1].Symbol != "MSFT" {
		t.Errorf("second intent = %+v", intents[1])
	}
}

func TestDailyReset(t *testing.T) {
	e := newEngine(t)

	day1 := time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)
	e.ResetDailyIfNeeded(day1, decimal.NewFromInt(100000))
	e.RecordOptionsExit(decimal.NewFromInt(-200))
	if !e.OptionsDailyLoss().Equal(decimal.NewFromInt(-200)) {
		t.Fatalf("daily loss = %s", e.OptionsDailyLoss())
	}

	// Same day: no reset.
	e.ResetDailyIfNeeded(day1.Add(2*time.Hour), decimal.NewFromInt(99800))
	if e.OptionsDailyLoss().IsZero() {
		t.Fatal("same-day reset should not occur")
	}

	// Next ET day: counters roll.
	e.ResetDailyIfNeeded(day1.Add(24*time.Hour), decimal.NewFromInt(99800))
	if !e.OptionsDailyLoss().IsZero() {
		t.Fatalf("daily loss after reset = %s, want 0", e.OptionsDailyLoss())
	}
}

func TestConfigSetUnknownKey(t *testing.T) {
	e := newEngine(t)
	if err := e.SetKey("unknown_knob", 1); err == nil {
		t.Fatal("unknown key must be rejected")
	}
}

func TestConfigSetRangeChecks(t *testing.T) {
	e := newEngine(t)

	if err := e.SetKey("options_min_conviction", 15); err == nil {
		t.Error("conviction above 10 must be rejected")
	}
	if err := e.SetKey("position_size_pct", 1.5); err == nil {
		t.Error("fraction above 1 must be rejected")
	}
	if err := e.SetKey("scan_interval_minutes", 0); err == nil {
		t.Error("zero scan interval must be rejected")
	}

	// JSON-style float for an int key coerces.
	if err := e.SetKey("options_max_positions", float64(4)); err != nil {
		t.Errorf("float coercion failed: %v", err)
	}
	if got := e.GetConfig().OptionsMaxPositions; got != 4 {
		t.Errorf("options_max_positions = %d, want 4", got)
	}
}

func TestConfigPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	storage, _ := store.NewStorage(zap.NewNop(), dir)

	e := policy.NewEngine(zap.NewNop(), storage)
	if err := e.SetKey("options_min_conviction", 8); err != nil {
		t.Fatal(err)
	}

	restarted := policy.NewEngine(zap.NewNop(), storage)
	if got := restarted.GetConfig().OptionsMinConviction; got != 8 {
		t.Errorf("after restart options_min_conviction = %d, want 8", got)
	}
}

func TestConfigMigration(t *testing.T) {
	cfg := policy.Config{
		ConfigVersion:             1,
		OptionsScalpTakeProfitPct: 0.25,
		OptionsScalpStopLossPct:   0.20,
	}
	policy.Migrate(&cfg)

	if cfg.ConfigVersion != policy.CurrentConfigVersion {
		t.Errorf("version = %d, want %d", cfg.ConfigVersion, policy.CurrentConfigVersion)
	}
	if cfg.OptionsSwingTakeProfitPct != 0.50 {
		t.Errorf("swing TP = %v, want migrated 0.50", cfg.OptionsSwingTakeProfitPct)
	}
	if len(cfg.OptionsUnderlyings) == 0 {
		t.Error("underlyings not backfilled by migration")
	}
}

func TestDangerousModeSnapshotRestore(t *testing.T) {
	e := newEngine(t)
	before := e.GetConfig()

	e.SetDangerousMode(true)
	during := e.GetConfig()
	if during.OptionsMaxPositions <= before.OptionsMaxPositions {
		t.Error("dangerous mode should raise the options position cap")
	}
	if during.OptionsMinConviction >= before.OptionsMinConviction {
		t.Error("dangerous mode should lower the conviction floor")
	}

	e.SetDangerousMode(false)
	after := e.GetConfig()
	if after.OptionsMaxPositions != before.OptionsMaxPositions ||
		after.OptionsMinConviction != before.OptionsMinConviction {
		t.Errorf("config not restored: before=%+v after=%+v", before, after)
	}
}
