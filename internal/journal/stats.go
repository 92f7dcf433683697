package journal

import (
	"math"

	"spotrunner/internal/types"
)

// Stats aggregates realized exits
type Stats struct {
	Count        int     `json:"count"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	GrossTotal   float64 `json:"gross_total"`
	FeeTotal     float64 `json:"fee_total"`
	NetTotal     float64 `json:"net_total"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	Expectancy   float64 `json:"expectancy"`
}

// Summarize folds the exit events in evs. Non-exit events are ignored.
// ProfitFactor is +Inf when there are wins and no losses.
func Summarize(evs []types.TradeEvent) Stats {
	var s Stats
	var winSum, lossSum float64

	for _, ev := range evs {
		if !ev.Event.IsExit() {
			continue
		}
		s.Count++
		s.GrossTotal += ev.Gross
		s.FeeTotal += ev.Fee
		s.NetTotal += ev.Net
		switch {
		case ev.Net > 0:
			s.Wins++
			winSum += ev.Net
		case ev.Net < 0:
			s.Losses++
			lossSum += ev.Net
		}
	}

	if s.Count == 0 {
		return s
	}
	if s.Wins > 0 {
		s.AvgWin = winSum / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = lossSum / float64(s.Losses)
	}
	s.WinRate = float64(s.Wins) / float64(s.Count)
	s.Expectancy = s.NetTotal / float64(s.Count)

	switch {
	case lossSum < 0:
		s.ProfitFactor = winSum / -lossSum
	case winSum > 0:
		s.ProfitFactor = math.Inf(1)
	}
	return s
}
