package engine

import (
	"sync"
	"time"

	"spotrunner/internal/types"
)

// Risk block reasons
const (
	ReasonDrawdown  = "daily_drawdown"
	ReasonLossHalt  = "loss_halt"
	ReasonProfitCap = "profit_cap"
	ReasonExposure  = "exposure"
)

// Ledger is the process-wide daily risk ledger. All counters reset together
// at the day boundary of the configured location.
type Ledger struct {
	mu     sync.Mutex
	loc    *time.Location
	snap   types.LedgerSnapshot
	closed *types.LedgerSnapshot // finished day not yet reported by Roll
}

// NewLedger creates a ledger keyed by days in loc
func NewLedger(loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		loc:  loc,
		snap: types.LedgerSnapshot{FailureCounts: make(map[string]int)},
	}
}

// DayKey returns the trading day for t
func (l *Ledger) DayKey(t time.Time) string {
	return t.In(l.loc).Format("2006-01-02")
}

// Roll resets the ledger when now falls on a new day and returns the
// finished day's totals. A rollover triggered by any other call is held
// until Roll reports it, so each finished day is returned exactly once.
func (l *Ledger) Roll(now time.Time) (types.LedgerSnapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(now)
	if l.closed == nil {
		return types.LedgerSnapshot{}, false
	}
	prev := *l.closed
	l.closed = nil
	return prev, true
}

func (l *Ledger) rollLocked(now time.Time) {
	day := l.DayKey(now)
	if l.snap.Day == day {
		return
	}
	if l.snap.Day != "" {
		prev := l.copyLocked()
		l.closed = &prev
	}
	l.snap = types.LedgerSnapshot{Day: day, FailureCounts: make(map[string]int)}
}

// RecordExit adds one full or partial exit's P&L
func (l *Ledger) RecordExit(now time.Time, gross, fee, net float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(now)
	l.snap.GrossToday += gross
	l.snap.FeeToday += fee
	l.snap.RealizedToday += net
}

// RecordClose classifies a closed position as a win or a loss
func (l *Ledger) RecordClose(now time.Time, net float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(now)
	if net >= 0 {
		l.snap.WinsToday++
		return
	}
	l.snap.LossesToday++
	l.snap.DailyLossTrades++
}

// RecordFailure counts a diagnostic failure reason
func (l *Ledger) RecordFailure(now time.Time, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(now)
	l.snap.FailureCounts[reason]++
}

// Snapshot returns a copy of today's ledger
func (l *Ledger) Snapshot(now time.Time) types.LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(now)
	return l.copyLocked()
}

// Restore loads a persisted ledger. A ledger from an earlier day is rolled
// on the next access.
func (l *Ledger) Restore(s types.LedgerSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap = s
	if l.snap.FailureCounts == nil {
		l.snap.FailureCounts = make(map[string]int)
	}
}

func (l *Ledger) copyLocked() types.LedgerSnapshot {
	out := l.snap
	out.FailureCounts = make(map[string]int, len(l.snap.FailureCounts))
	for k, v := range l.snap.FailureCounts {
		out.FailureCounts[k] = v
	}
	return out
}

// RiskBlock returns the first risk-ledger gate that blocks a new entry, or ""
func RiskBlock(p Params, s types.LedgerSnapshot, exposure, plannedCost float64) string {
	if p.DailyLossLimitPct > 0 && s.RealizedToday <= -p.Capital*p.DailyLossLimitPct {
		return ReasonDrawdown
	}
	if p.HaltAfterLosses > 0 && s.DailyLossTrades >= p.HaltAfterLosses {
		return ReasonLossHalt
	}
	if p.DailyProfitCapPct > 0 && s.RealizedToday >= p.Capital*p.DailyProfitCapPct {
		return ReasonProfitCap
	}
	if p.ExposureGuard > 0 && exposure+plannedCost > p.Capital*p.ExposureGuard {
		return ReasonExposure
	}
	return ""
}
