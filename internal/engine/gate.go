package engine

import (
	"math"
	"strconv"
	"time"

	"spotrunner/internal/exchange"
	"spotrunner/internal/indicators"
	"spotrunner/internal/types"
)

// Skip reasons reported by the entry gate
const (
	SkipPaused        = "paused"
	SkipQuietHours    = "quiet_hours"
	SkipMaxTrades     = "max_trades"
	SkipMaxPositions  = "max_positions"
	SkipStopCooldown  = "stop_cooldown"
	SkipEntryGap      = "entry_gap"
	SkipBuyCooldown   = "buy_cooldown"
	SkipData          = "insufficient_data"
	SkipRegime        = "regime"
	SkipHTF           = "htf"
	SkipVolatility    = "volatility"
	SkipBreakout      = "breakout"
	SkipPrevClose     = "prev_close"
	SkipDoubleConfirm = "double_confirm"
	SkipDwell         = "dwell"
	SkipExtension     = "extension"
	SkipRSI           = "rsi"
	SkipSlippage      = "slippage"
	SkipMinQty        = "min_qty"
	SkipMinCost       = "min_cost"
)

// SessionView is the session and ledger state the gate reads
type SessionView struct {
	Paused        bool
	TradesToday   int
	OpenPositions int
	Exposure      float64
	Symbol        SymbolState
	Ledger        types.LedgerSnapshot
}

// GateInput is everything one entry decision depends on
type GateInput struct {
	Market     types.Market
	Price      float64
	Candles    []types.Candle
	HTFCandles []types.Candle
	Rules      types.MarketRules
	Now        time.Time
	Bull       bool
	Session    SessionView
}

// Decision is the gate's verdict. AboveLine is reported even on a skip so
// the caller can track dwell time.
type Decision struct {
	Enter     bool
	Reason    string
	Cost      float64
	Qty       float64
	Raised    bool
	Line      float64
	AboveLine bool
	Filters   map[string]string
}

func (d Decision) skip(reason string) Decision {
	d.Enter = false
	d.Reason = reason
	return d
}

// Evaluate runs the entry checks in order and returns the first failure or
// an Enter decision with its size.
func Evaluate(p Params, in GateInput) Decision {
	prof := p.Profile(in.Bull)
	s := in.Session
	d := Decision{Filters: map[string]string{}}
	if in.Bull {
		d.Filters["bias"] = BiasBull.String()
	} else {
		d.Filters["bias"] = BiasFlat.String()
	}

	if s.Paused {
		return d.skip(SkipPaused)
	}
	if p.QuietHours && InQuietHours(in.Now.In(location(p)).Hour(), p.QuietStart, p.QuietEnd) &&
		!(in.Bull && p.BullOverridesQuiet) {
		return d.skip(SkipQuietHours)
	}
	if p.MaxTradesPerDay > 0 && s.TradesToday >= p.MaxTradesPerDay {
		return d.skip(SkipMaxTrades)
	}
	if p.MaxConcurrent > 0 && s.OpenPositions >= p.MaxConcurrent {
		return d.skip(SkipMaxPositions)
	}
	if in.Now.Before(s.Symbol.StopCooldownUntil) {
		return d.skip(SkipStopCooldown)
	}
	if p.MinEntryGap > 0 && !s.Symbol.LastEntryAt.IsZero() && in.Now.Sub(s.Symbol.LastEntryAt) < p.MinEntryGap {
		return d.skip(SkipEntryGap)
	}
	if in.Now.Before(s.Symbol.BuyFailUntil) {
		return d.skip(SkipBuyCooldown)
	}

	size := SizeEntry(p, in.Market.Symbol, in.Price, in.Rules)
	planned := size.Cost
	if planned <= 0 {
		planned = PlannedCost(p, in.Market.Symbol)
	}
	if reason := RiskBlock(p, s.Ledger, s.Exposure, planned); reason != "" {
		return d.skip(reason)
	}

	n := len(in.Candles)
	if n < p.BreakoutLookback+3 || in.Price <= 0 {
		return d.skip(SkipData)
	}
	closes := indicators.Closes(in.Candles)

	if p.UseRegime {
		fast := indicators.EMA(closes, p.RegimeFast)
		slow := indicators.EMA(closes, p.RegimeSlow)
		if fast < slow {
			return d.skip(SkipRegime)
		}
	}

	if p.UseHTF {
		if len(in.HTFCandles) < 2 {
			return d.skip(SkipHTF)
		}
		hc := indicators.Closes(in.HTFCandles)
		fast := indicators.EMA(hc, p.HTFFast)
		slow := indicators.EMA(hc, p.HTFSlow)
		if slow <= 0 || fast < slow || (in.Price-slow)/slow*1e4 < p.HTFMinGapBps {
			return d.skip(SkipHTF)
		}
	}
	if p.ATRMaxPct > 0 {
		atr := indicators.ATR(in.Candles, p.ATRPeriod)
		if atr/in.Price > p.ATRMaxPct {
			d.Filters["atr_pct"] = formatPct(atr / in.Price)
			return d.skip(SkipVolatility)
		}
	}

	// The last candle is still forming and never part of the prior high.
	line := BreakoutLine(in.Candles, n-1, p.BreakoutLookback, prof.BreakoutTolBps)
	d.Line = line
	d.AboveLine = line > 0 && in.Price >= line
	if !d.AboveLine {
		return d.skip(SkipBreakout)
	}
	if p.RequirePrevClose || p.DoubleConfirm {
		if in.Candles[n-2].Close < BreakoutLine(in.Candles, n-2, p.BreakoutLookback, prof.BreakoutTolBps) {
			return d.skip(SkipPrevClose)
		}
	}
	if p.DoubleConfirm {
		if in.Candles[n-3].Close < BreakoutLine(in.Candles, n-3, p.BreakoutLookback, prof.BreakoutTolBps) {
			return d.skip(SkipDoubleConfirm)
		}
	}
	if prof.Dwell > 0 {
		since := s.Symbol.AboveLineSince
		if since.IsZero() || in.Now.Sub(since) < prof.Dwell {
			return d.skip(SkipDwell)
		}
	}
	if prof.MaxExtensionBps > 0 && (in.Price/line-1)*1e4 > prof.MaxExtensionBps {
		return d.skip(SkipExtension)
	}

	rsi := indicators.RSI(closes, p.RSIPeriod)
	d.Filters["rsi"] = formatPct(rsi / 100)
	if rsi > prof.RSIMax {
		return d.skip(SkipRSI)
	}

	ref := in.Candles[n-2].Close
	if ref <= 0 || math.Abs(in.Price-ref)/ref*1e4 > prof.SlippageBps {
		return d.skip(SkipSlippage)
	}

	if size.Reason != "" {
		return d.skip(size.Reason)
	}

	d.Enter = true
	d.Cost = size.Cost
	d.Qty = size.Qty
	d.Raised = size.Raised
	return d
}

// BreakoutLine is the highest high of the lookback bars before idx, plus tolerance
func BreakoutLine(candles []types.Candle, idx, lookback int, tolBps float64) float64 {
	if idx-lookback < 0 {
		return 0
	}
	return indicators.HighestHigh(candles, idx-lookback, idx) * (1 + tolBps/1e4)
}

// InQuietHours reports whether hour falls in [start, end), wrapping past midnight
func InQuietHours(hour, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// Sizing is the resolved order size for an entry
type Sizing struct {
	Cost   float64
	Qty    float64
	Raised bool
	Reason string
}

// PlannedCost resolves the budget: per-symbol override, fixed override, then
// capital * position percent.
func PlannedCost(p Params, symbol string) float64 {
	if c, ok := p.SymbolOrderCost[symbol]; ok && c > 0 {
		return c
	}
	if p.FixedOrderCost > 0 {
		return p.FixedOrderCost
	}
	return p.Capital * p.PositionPct
}

// SizeEntry converts the planned cost into an exchange-valid quantity
func SizeEntry(p Params, symbol string, price float64, rules types.MarketRules) Sizing {
	cost := PlannedCost(p, symbol)
	minCost := rules.MinOrderCost
	if minCost <= 0 {
		minCost = p.MinOrderCost
	}

	var s Sizing
	if cost < minCost {
		cost = minCost
		s.Raised = true
	}
	if price <= 0 {
		s.Reason = SkipMinQty
		return s
	}

	qty := exchange.FloorToStep(cost/price, rules.StepSize)
	if s.Raised && qty*price < minCost {
		qty = exchange.CeilToStep(minCost/price, rules.StepSize)
	}
	s.Qty = qty
	s.Cost = qty * price

	switch {
	case qty <= 0 || qty < rules.MinQty:
		s.Reason = SkipMinQty
	case s.Cost < minCost*(1-1e-9):
		s.Reason = SkipMinCost
	}
	return s
}

func location(p Params) *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func formatPct(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 2, 64) + "%"
}
