package gex

import (
	"sort"
	"time"

	"github.com/gammadesk/options-engine/pkg/types"
)

// HeatmapCell is net GEX at one strike/expiration coordinate.
type HeatmapCell struct {
	Strike     float64 `json:"strike"`
	Expiration string  `json:"expiration"` // YYYY-MM-DD
	NetGEX     float64 `json:"netGex"`
}

// Heatmap is a grid of net GEX across strikes and expirations.
type Heatmap struct {
	Spot        float64       `json:"spot"`
	Strikes     []float64     `json:"strikes"`     // ascending
	Expirations []string      `json:"expirations"` // ascending
	Cells       []HeatmapCell `json:"cells"`
}

// BuildHeatmap aggregates a multi-expiry chain into a strike x expiration
// grid. Each expiration slice reuses the engine's per-strike aggregation.
func (e *Engine) BuildHeatmap(contracts []types.OptionContract, spot float64, now time.Time) *Heatmap {
	byExpiry := make(map[string][]types.OptionContract)
	for _, c := range contracts {
		key := c.Expiration.Format("2006-01-02")
		byExpiry[key] = append(byExpiry[key], c)
	}

	hm := &Heatmap{Spot: spot}
	strikeSet := make(map[float64]struct{})

	for key, slice := range byExpiry {
		summary := e.Compute(slice, spot, now)
		if len(summary.Rows) == 0 {
			continue
		}
		hm.Expirations = append(hm.Expirations, key)
		for _, row := range summary.Rows {
			strikeSet[row.Strike] = struct{}{}
			hm.Cells = append(hm.Cells, HeatmapCell{
				Strike:     row.Strike,
				Expiration: key,
				NetGEX:     row.NetGEX,
			})
		}
	}

	for strike := range strikeSet {
		hm.Strikes = append(hm.Strikes, strike)
	}
	sort.Float64s(hm.Strikes)
	sort.Strings(hm.Expirations)
	sort.Slice(hm.Cells, func(i, j int) bool {
		if hm.Cells[i].Expiration != hm.Cells[j].Expiration {
			return hm.Cells[i].Expiration < hm.Cells[j].Expiration
		}
		return hm.Cells[i].Strike < hm.Cells[j].Strike
	})
	return hm
}
