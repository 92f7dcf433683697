package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotrunner/internal/types"
)

var testRules = types.MarketRules{MinOrderCost: 5, StepSize: 0.0001, MinQty: 0.0001, TickSize: 0.01}

func gateInput(up bool, price float64) GateInput {
	return GateInput{
		Market:  btc,
		Price:   price,
		Candles: breakoutCandles(up, price),
		Rules:   testRules,
		Now:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestEvaluate_BreakoutWithUptrendEnters(t *testing.T) {
	p := testParams()

	d := Evaluate(p, gateInput(true, 120.3))

	require.True(t, d.Enter, "expected Enter, got skip %q", d.Reason)
	assert.InDelta(t, 120.1*1.0015, d.Line, 1e-9)
	assert.True(t, d.AboveLine)
	assert.InDelta(t, 8.3125, d.Qty, 1e-9)
	assert.InDelta(t, 1000, d.Cost, 0.2)
	assert.False(t, d.Raised)
}

func TestEvaluate_DowntrendSkipsOnRegime(t *testing.T) {
	p := testParams()

	d := Evaluate(p, gateInput(false, 120.3))

	assert.False(t, d.Enter)
	assert.Equal(t, SkipRegime, d.Reason)
}

func TestEvaluate_Checks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(p *Params, in *GateInput)
		want   string
	}{
		{"paused", func(p *Params, in *GateInput) { in.Session.Paused = true }, SkipPaused},
		{"quiet hours", func(p *Params, in *GateInput) {
			p.QuietHours, p.QuietStart, p.QuietEnd = true, 11, 13
		}, SkipQuietHours},
		{"max trades", func(p *Params, in *GateInput) { in.Session.TradesToday = p.MaxTradesPerDay }, SkipMaxTrades},
		{"max positions", func(p *Params, in *GateInput) { in.Session.OpenPositions = p.MaxConcurrent }, SkipMaxPositions},
		{"stop cooldown", func(p *Params, in *GateInput) {
			in.Session.Symbol.StopCooldownUntil = now.Add(time.Minute)
		}, SkipStopCooldown},
		{"entry gap", func(p *Params, in *GateInput) {
			in.Session.Symbol.LastEntryAt = now.Add(-time.Minute)
		}, SkipEntryGap},
		{"buy cooldown", func(p *Params, in *GateInput) {
			in.Session.Symbol.BuyFailUntil = now.Add(time.Second)
		}, SkipBuyCooldown},
		{"loss halt", func(p *Params, in *GateInput) {
			in.Session.Ledger.DailyLossTrades = p.HaltAfterLosses
		}, ReasonLossHalt},
		{"drawdown", func(p *Params, in *GateInput) {
			in.Session.Ledger.RealizedToday = -p.Capital * p.DailyLossLimitPct
		}, ReasonDrawdown},
		{"profit cap", func(p *Params, in *GateInput) {
			p.DailyProfitCapPct = 0.01
			in.Session.Ledger.RealizedToday = 100
		}, ReasonProfitCap},
		{"exposure", func(p *Params, in *GateInput) { in.Session.Exposure = 8500 }, ReasonExposure},
		{"short history", func(p *Params, in *GateInput) { in.Candles = in.Candles[:5] }, SkipData},
		{"htf missing", func(p *Params, in *GateInput) { p.UseHTF = true }, SkipHTF},
		{"htf downtrend", func(p *Params, in *GateInput) {
			p.UseHTF = true
			in.HTFCandles = breakoutCandles(false, 120.3)
		}, SkipHTF},
		{"htf gap too small", func(p *Params, in *GateInput) {
			p.UseHTF = true
			p.HTFMinGapBps = 5000
			in.HTFCandles = breakoutCandles(true, 120.3)
		}, SkipHTF},
		{"volatility", func(p *Params, in *GateInput) { p.ATRMaxPct = 0.0001 }, SkipVolatility},
		{"below line", func(p *Params, in *GateInput) {
			in.Price = 120.2
			in.Candles[len(in.Candles)-1].Close = 120.2
		}, SkipBreakout},
		{"prev close", func(p *Params, in *GateInput) { p.RequirePrevClose = true }, SkipPrevClose},
		{"double confirm", func(p *Params, in *GateInput) {
			p.DoubleConfirm = true
			// Only the bar before the forming one closed above its line.
			in.Candles[len(in.Candles)-2].Close = 120.35
		}, SkipDoubleConfirm},
		{"dwell", func(p *Params, in *GateInput) { p.Normal.Dwell = time.Minute }, SkipDwell},
		{"extension", func(p *Params, in *GateInput) { p.Normal.MaxExtensionBps = 1 }, SkipExtension},
		{"rsi", func(p *Params, in *GateInput) { p.Normal.RSIMax = 40 }, SkipRSI},
		{"slippage", func(p *Params, in *GateInput) { p.Normal.SlippageBps = 10 }, SkipSlippage},
		{"min cost", func(p *Params, in *GateInput) {
			in.Rules.StepSize = 1
			in.Rules.MinQty = 1
			p.FixedOrderCost = 200
			in.Rules.MinOrderCost = 150
		}, SkipMinCost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			in := gateInput(true, 120.3)
			tt.mutate(&p, &in)

			d := Evaluate(p, in)

			assert.False(t, d.Enter)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestEvaluate_DwellSatisfied(t *testing.T) {
	p := testParams()
	p.Normal.Dwell = time.Minute
	in := gateInput(true, 120.3)
	in.Session.Symbol.AboveLineSince = in.Now.Add(-2 * time.Minute)

	d := Evaluate(p, in)

	assert.True(t, d.Enter, "skip %q", d.Reason)
}

func TestEvaluate_HTFUptrendPasses(t *testing.T) {
	p := testParams()
	p.UseHTF = true
	p.HTFMinGapBps = 0
	in := gateInput(true, 120.3)
	in.HTFCandles = breakoutCandles(true, 120.3)

	d := Evaluate(p, in)

	assert.True(t, d.Enter, "skip %q", d.Reason)
}

func TestEvaluate_DoubleConfirmPasses(t *testing.T) {
	p := testParams()
	p.DoubleConfirm = true
	p.Normal.MaxExtensionBps = 0
	in := gateInput(true, 120.3)
	n := len(in.Candles)
	in.Candles[n-2].Close = 120.35
	in.Candles[n-3].Close = 120.35

	d := Evaluate(p, in)

	assert.True(t, d.Enter, "skip %q", d.Reason)
}

func TestEvaluate_BullOverridesQuietHours(t *testing.T) {
	p := testParams()
	p.QuietHours, p.QuietStart, p.QuietEnd = true, 11, 13
	in := gateInput(true, 120.3)
	in.Bull = true

	d := Evaluate(p, in)

	assert.True(t, d.Enter, "skip %q", d.Reason)
	assert.Equal(t, "bull", d.Filters["bias"])
}

func TestInQuietHours(t *testing.T) {
	tests := []struct {
		hour, start, end int
		want             bool
	}{
		{3, 2, 6, true},
		{6, 2, 6, false},
		{1, 2, 6, false},
		{23, 22, 6, true},
		{2, 22, 6, true},
		{12, 22, 6, false},
		{5, 5, 5, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InQuietHours(tt.hour, tt.start, tt.end), "hour=%d window=%d-%d", tt.hour, tt.start, tt.end)
	}
}

func TestSizeEntry(t *testing.T) {
	t.Run("priority", func(t *testing.T) {
		p := testParams()
		assert.Equal(t, 1000.0, PlannedCost(p, btc.Symbol))

		p.FixedOrderCost = 300
		assert.Equal(t, 300.0, PlannedCost(p, btc.Symbol))

		p.SymbolOrderCost = map[string]float64{btc.Symbol: 50}
		assert.Equal(t, 50.0, PlannedCost(p, btc.Symbol))
	})

	t.Run("raised to exchange minimum", func(t *testing.T) {
		p := testParams()
		p.FixedOrderCost = 3
		rules := types.MarketRules{MinOrderCost: 10, StepSize: 0.001, MinQty: 0.001}

		s := SizeEntry(p, btc.Symbol, 3.333, rules)

		assert.True(t, s.Raised)
		assert.Empty(t, s.Reason)
		assert.GreaterOrEqual(t, s.Cost, 10.0)
	})

	t.Run("below min qty", func(t *testing.T) {
		p := testParams()
		p.FixedOrderCost = 10
		rules := types.MarketRules{MinOrderCost: 5, StepSize: 1, MinQty: 1}

		s := SizeEntry(p, btc.Symbol, 60000, rules)

		assert.Equal(t, SkipMinQty, s.Reason)
	})
}

func TestBreakoutLine_ExcludesFormingBar(t *testing.T) {
	candles := breakoutCandles(true, 130)
	n := len(candles)

	line := BreakoutLine(candles, n-1, 6, 0)

	assert.InDelta(t, 120.1, line, 1e-9)
	assert.Zero(t, BreakoutLine(candles, 3, 6, 0))
}
