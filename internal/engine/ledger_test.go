package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_RollResetsEverything(t *testing.T) {
	l := NewLedger(time.UTC)
	day1 := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)

	l.RecordExit(day1, 10, 1, 9)
	l.RecordClose(day1, 9)
	l.RecordExit(day1, -5, 1, -6)
	l.RecordClose(day1, -6)
	l.RecordFailure(day1, "dust")

	s := l.Snapshot(day1)
	assert.Equal(t, "2026-03-10", s.Day)
	assert.InDelta(t, 3, s.RealizedToday, 1e-9)
	assert.InDelta(t, 5, s.GrossToday, 1e-9)
	assert.InDelta(t, 2, s.FeeToday, 1e-9)
	assert.Equal(t, 1, s.WinsToday)
	assert.Equal(t, 1, s.LossesToday)
	assert.Equal(t, 1, s.DailyLossTrades)
	assert.Equal(t, 1, s.FailureCounts["dust"])

	day2 := day1.Add(2 * time.Minute)
	prev, rolled := l.Roll(day2)
	require.True(t, rolled)
	assert.Equal(t, "2026-03-10", prev.Day)
	assert.InDelta(t, 3, prev.RealizedToday, 1e-9)

	s = l.Snapshot(day2)
	assert.Equal(t, "2026-03-11", s.Day)
	assert.Zero(t, s.RealizedToday)
	assert.Zero(t, s.DailyLossTrades)
	assert.Empty(t, s.FailureCounts)

	_, rolled = l.Roll(day2)
	assert.False(t, rolled)
}

func TestLedger_ImplicitRollReportedOnce(t *testing.T) {
	l := NewLedger(time.UTC)
	day1 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l.RecordExit(day1, 1, 0, 1)

	// A fill on the next day rolls the ledger before the runner asks
	day2 := day1.Add(24 * time.Hour)
	l.RecordExit(day2, 2, 0, 2)

	prev, rolled := l.Roll(day2)
	require.True(t, rolled)
	assert.Equal(t, "2026-03-10", prev.Day)
	assert.InDelta(t, 1, prev.RealizedToday, 1e-9)
	assert.InDelta(t, 2, l.Snapshot(day2).RealizedToday, 1e-9)

	_, rolled = l.Roll(day2)
	assert.False(t, rolled)
}

func TestLedger_DayKeyUsesLocation(t *testing.T) {
	seoul := time.FixedZone("KST", 9*3600)
	l := NewLedger(seoul)

	// 16:00 UTC is already the next day in Seoul
	assert.Equal(t, "2026-03-11", l.DayKey(time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)))
}

func TestLossHalt_BlocksUntilNextDay(t *testing.T) {
	p := testParams()
	p.HaltAfterLosses = 5
	l := NewLedger(time.UTC)
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		l.RecordExit(day, -1, 0.1, -1.1)
		l.RecordClose(day, -1.1)
	}
	assert.Empty(t, RiskBlock(p, l.Snapshot(day), 0, 100))

	l.RecordExit(day, -1, 0.1, -1.1)
	l.RecordClose(day, -1.1)

	in := gateInput(true, 120.3)
	in.Now = day.Add(3 * time.Hour)
	in.Session.Ledger = l.Snapshot(in.Now)
	d := Evaluate(p, in)
	assert.False(t, d.Enter)
	assert.Equal(t, ReasonLossHalt, d.Reason)

	next := day.Add(24 * time.Hour)
	in.Now = next
	in.Session.Ledger = l.Snapshot(next)
	d = Evaluate(p, in)
	assert.True(t, d.Enter, "skip %q", d.Reason)
}

func TestNextBias_Hysteresis(t *testing.T) {
	p := testParams()
	p.BullEnterGapBps = 40
	p.BullExitGapBps = 15
	p.BullMinFlatHold = 10 * time.Minute
	p.BullMinBullHold = 30 * time.Minute
	t0 := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	flat := BiasState{Kind: BiasFlat, Since: t0}

	_, changed := NextBias(flat, p, true, 50, t0.Add(5*time.Minute))
	assert.False(t, changed, "flat hold not met")

	_, changed = NextBias(flat, p, true, 30, t0.Add(time.Hour))
	assert.False(t, changed, "gap below enter threshold")

	_, changed = NextBias(flat, p, false, 50, t0.Add(time.Hour))
	assert.False(t, changed, "no uptrend")

	bull, changed := NextBias(flat, p, true, 40, t0.Add(10*time.Minute))
	require.True(t, changed)
	assert.Equal(t, BiasBull, bull.Kind)

	// Gap between the thresholds keeps Bull
	_, changed = NextBias(bull, p, true, 20, bull.Since.Add(time.Hour))
	assert.False(t, changed)

	_, changed = NextBias(bull, p, false, 0, bull.Since.Add(10*time.Minute))
	assert.False(t, changed, "bull hold not met")

	back, changed := NextBias(bull, p, true, 10, bull.Since.Add(30*time.Minute))
	require.True(t, changed)
	assert.Equal(t, BiasFlat, back.Kind)

	// A fresh symbol has no flat hold to wait out
	_, changed = NextBias(BiasState{}, p, true, 45, t0)
	assert.True(t, changed)
}

func TestBook_AnnounceBullOncePerTransition(t *testing.T) {
	p := testParams()
	b := NewBook()
	t0 := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	due, _ := b.AnnounceBull(t0, time.Minute)
	assert.False(t, due)

	b.UpdateBias(btc.Symbol, p, true, 100, t0)
	due, on := b.AnnounceBull(t0, time.Minute)
	assert.True(t, due)
	assert.True(t, on)

	due, _ = b.AnnounceBull(t0.Add(time.Second), time.Minute)
	assert.False(t, due)

	// Flips back inside the interval are held until it elapses
	b.UpdateSymbol(btc.Symbol, func(s *SymbolState) { s.Bias = BiasState{Kind: BiasFlat, Since: t0} })
	due, _ = b.AnnounceBull(t0.Add(30*time.Second), time.Minute)
	assert.False(t, due)
	due, on = b.AnnounceBull(t0.Add(2*time.Minute), time.Minute)
	assert.True(t, due)
	assert.False(t, on)
}
