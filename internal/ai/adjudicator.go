// Package ai adjudicates assessor output through an LLM with a strict JSON
// contract. The adjudicator is advisory: every failure mode degrades to a
// nil decision, which callers treat as SKIP.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gammadesk/options-engine/internal/gex"
	"github.com/gammadesk/options-engine/internal/indicators"
	"github.com/gammadesk/options-engine/internal/macro"
	"github.com/gammadesk/options-engine/internal/mtf"
	"github.com/gammadesk/options-engine/pkg/types"
	"go.uber.org/zap"
)

// Completer abstracts the text-completion backend.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Features is the full bundle rendered into the adjudication prompt.
type Features struct {
	Symbol         string
	Macro          *macro.State
	GEX            *gex.Summary
	Technicals     *indicators.Technicals
	Signal         *types.DirectionSignal
	MTF            *mtf.Result
	MinutesToClose int
	TimeOfDay      string
	AlertContext   string // present on the alert-triggered path
}

// Adjudicator wraps a Completer with prompt construction and response parsing.
type Adjudicator struct {
	logger    *zap.Logger
	completer Completer
	timeout   time.Duration
}

// New creates an adjudicator. A nil completer disables adjudication (Decide
// returns nil).
func New(logger *zap.Logger, completer Completer, timeout time.Duration) *Adjudicator {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Adjudicator{logger: logger.Named("adjudicator"), completer: completer, timeout: timeout}
}

// Decide renders the prompt, calls the LLM and parses the verdict. Timeouts,
// network errors and malformed responses all yield nil.
func (a *Adjudicator) Decide(ctx context.Context, f Features) *types.AIDecision {
	if a.completer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.completer.Complete(ctx, BuildPrompt(f))
	if err != nil {
		a.logger.Warn("adjudicator call failed", zap.String("symbol", f.Symbol), zap.Error(err))
		return nil
	}

	decision := ExtractDecision(raw)
	if decision == nil {
		a.logger.Warn("adjudicator response unparseable", zap.String("symbol", f.Symbol))
		return nil
	}
	return decision
}

// BuildPrompt renders the feature bundle into the adjudication template.
func BuildPrompt(f Features) string {
	var b strings.Builder

	b.WriteString("You are adjudicating an intraday options trade. Respond with a single JSON object:\n")
	b.WriteString(`{"action":"BUY_CALL"|"BUY_PUT"|"SKIP","conviction":0-10,"strategy":"scalp"|"swing","target":"...","stopLevel":"...","reason":"..."}`)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Underlying: %s\n", f.Symbol)
	fmt.Fprintf(&b, "Time of day (ET): %s, minutes to close: %d\n", f.TimeOfDay, f.MinutesToClose)

	if f.Macro != nil {
		fmt.Fprintf(&b, "Macro regime: %s (score %d, multiplier %.1f)\n", f.Macro.Regime, f.Macro.Score, f.Macro.Multiplier)
	}
	if f.GEX != nil {
		fmt.Fprintf(&b, "GEX regime: %s (confidence %.2f), total net GEX $%.0f\n", f.GEX.Regime, f.GEX.Confidence, f.GEX.TotalNetGEX)
		if f.GEX.GammaFlip != nil {
			fmt.Fprintf(&b, "Gamma flip: %.2f (spot %.2f)\n", *f.GEX.GammaFlip, f.GEX.Spot)
		}
		for _, w := range f.GEX.CallWalls {
			fmt.Fprintf(&b, "Call wall: %.0f ($%.0f)\n", w.Strike, w.GEX)
		}
		for _, w := range f.GEX.PutWalls {
			fmt.Fprintf(&b, "Put wall: %.0f ($%.0f)\n", w.Strike, w.GEX)
		}
	}
	if t := f.Technicals; t != nil {
		fmt.Fprintf(&b, "Price %.2f, RSI %.0f, MACD hist %.3f, VWAP %.2f (above=%v), ATR %.2f, momentum %.2f%%, choppiness %.1f\n",
			t.Price, t.RSI, t.MACD.Histogram, t.VWAP, t.PriceAboveVWAP, t.ATR, t.Momentum, t.Choppiness)
	}
	if f.MTF != nil {
		fmt.Fprintf(&b, "MTF consensus: %s (score %.2f)\n", f.MTF.Consensus, f.MTF.Score)
	}
	if s := f.Signal; s != nil {
		fmt.Fprintf(&b, "Internal assessment: %s conviction %d strategy %s (bull %.1f / bear %.1f)\n",
			s.Direction, s.Conviction, s.Strategy, s.BullPoints, s.BearPoints)
		for _, reason := range s.Reasons {
			fmt.Fprintf(&b, "- %s\n", reason)
		}
	}
	if f.AlertContext != "" {
		fmt.Fprintf(&b, "External alert: %s\n", f.AlertContext)
	}

	b.WriteString("\nReturn SKIP unless the evidence clearly supports a trade.\n")
	return b.String()
}

// ExtractDecision locates the first JSON object carrying an "action" key in
// the response, tolerating markdown fences and surrounding prose. When no
// object carries an action, the first complete object is used. Returns nil
// when nothing parses.
func ExtractDecision(raw string) *types.AIDecision {
	var fallback *types.AIDecision

	for i := 0; i < len(raw); i++ {
		if raw[i] != '{' {
			continue
		}

		dec := json.NewDecoder(strings.NewReader(raw[i:]))
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			continue
		}

		decision := decodeDecision(obj)
		if decision == nil {
			continue
		}
		if _, hasAction := obj["action"]; hasAction {
			return decision
		}
		if fallback == nil {
			fallback = decision
		}
		// Skip past this object so nested braces are not re-scanned.
		i += int(dec.InputOffset()) - 1
	}

	return fallback
}

// decodeDecision maps a raw object into a normalized AIDecision.
func decodeDecision(obj map[string]json.RawMessage) *types.AIDecision {
	merged, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	var d types.AIDecision
	if err := json.Unmarshal(merged, &d); err != nil {
		return nil
	}

	switch d.Action {
	case types.AIActionBuyCall, types.AIActionBuyPut, types.AIActionBuy, types.AIActionSkip:
	default:
		d.Action = types.AIActionSkip
	}

	if d.Conviction < 0 {
		d.Conviction = 0
	}
	if d.Conviction > 10 {
		d.Conviction = 10
	}
	return &d
}
