package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotrunner/internal/types"
)

func newRunnerHarness(t *testing.T, up bool) (*harness, *Runner) {
	t.Helper()
	h := newHarness(testParams())
	h.gw.SetPrice(btc.Code, 120.3)
	h.gw.SetCandles(btc.Code, h.params.Timeframe, breakoutCandles(up, 120.3))
	return h, NewRunner(h.params, h.deps)
}

func TestRunner_CycleOpensOnBreakout(t *testing.T) {
	h, r := newRunnerHarness(t, true)

	require.NoError(t, r.Cycle(context.Background(), btc))

	pos, ok := h.book.Position(btc.Symbol)
	require.True(t, ok)
	assert.Equal(t, 120.3, pos.Entry)
	assert.Len(t, h.gw.GetOrders(), 1)
	assert.Equal(t, BiasBull, h.book.Symbol(btc.Symbol).Bias.Kind)
	assert.Equal(t, 1, h.notifier.count(NotifyBull))
}

func TestRunner_CycleSkipsDowntrend(t *testing.T) {
	h, r := newRunnerHarness(t, false)

	require.NoError(t, r.Cycle(context.Background(), btc))

	_, ok := h.book.Position(btc.Symbol)
	assert.False(t, ok)
	assert.Empty(t, h.gw.GetOrders())
}

func TestRunner_CycleManagesOpenPosition(t *testing.T) {
	h, r := newRunnerHarness(t, true)
	h.seedPosition(125, 2)

	require.NoError(t, r.Cycle(context.Background(), btc))

	// 120.3 is under the 1% stop from 125
	_, ok := h.book.Position(btc.Symbol)
	assert.False(t, ok)
	assert.Len(t, h.journal.byType(types.EventStop), 1)
}

func TestRunner_CyclePausedAndMinCost(t *testing.T) {
	t.Run("paused", func(t *testing.T) {
		h, r := newRunnerHarness(t, true)
		h.book.SetPaused(true)

		require.NoError(t, r.Cycle(context.Background(), btc))
		assert.Empty(t, h.gw.GetOrders())
	})

	t.Run("unsizable market cools down", func(t *testing.T) {
		h, r := newRunnerHarness(t, true)
		h.gw.SetRules(btc.Code, types.MarketRules{MinOrderCost: 5, StepSize: 100, MinQty: 100})

		require.NoError(t, r.Cycle(context.Background(), btc))
		assert.Empty(t, h.gw.GetOrders())
		assert.Equal(t, 1, h.ledger.Snapshot(h.clock.Now()).FailureCounts[SkipMinQty])
		assert.True(t, h.book.Symbol(btc.Symbol).BuyFailUntil.After(h.clock.Now()))
	})
}

func TestRunner_CyclePriceErrorIsReturned(t *testing.T) {
	h := newHarness(testParams())
	r := NewRunner(h.params, h.deps)

	err := r.Cycle(context.Background(), btc)

	assert.Error(t, err)
}

func TestRunner_DayRollNotifiesAndArchives(t *testing.T) {
	h, _ := newRunnerHarness(t, false)
	var closed []types.LedgerSnapshot
	h.deps.OnDayClose = func(ctx context.Context, prev types.LedgerSnapshot) {
		closed = append(closed, prev)
	}
	r := NewRunner(h.params, h.deps)
	ctx := context.Background()

	require.NoError(t, r.Cycle(ctx, btc))
	h.ledger.RecordExit(h.clock.Now(), 2, 0.1, 1.9)

	h.clock.Advance(24 * time.Hour)
	require.NoError(t, r.Cycle(ctx, btc))
	require.NoError(t, r.Cycle(ctx, btc))

	require.Len(t, closed, 1)
	assert.Equal(t, "2026-03-10", closed[0].Day)
	assert.InDelta(t, 1.9, closed[0].RealizedToday, 1e-9)
	assert.Equal(t, 1, h.notifier.count(NotifyDailySummary))
}

func TestRunner_SaveAndRestore(t *testing.T) {
	h, r := newRunnerHarness(t, true)
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	h.deps.Store = store
	r = NewRunner(h.params, h.deps)
	ctx := context.Background()

	require.NoError(t, r.Cycle(ctx, btc))
	h.ledger.RecordFailure(h.clock.Now(), "probe")
	require.NoError(t, r.Save(ctx))

	fresh := newHarness(h.params)
	fresh.clock = h.clock
	fresh.deps.Now = h.clock.Now
	fresh.deps.Store = store
	r2 := NewRunner(fresh.params, fresh.deps)
	require.NoError(t, r2.Restore(ctx))

	want, _ := h.book.Position(btc.Symbol)
	got, ok := fresh.book.Position(btc.Symbol)
	require.True(t, ok)
	assert.Equal(t, want.Entry, got.Entry)
	assert.Equal(t, want.Size, got.Size)
	assert.True(t, want.OpenedAt.Equal(got.OpenedAt))
	assert.Equal(t, 1, fresh.book.TradesToday(btc.Symbol, fresh.ledger.DayKey(h.clock.Now())))
	assert.Equal(t, 1, fresh.ledger.Snapshot(h.clock.Now()).FailureCounts["probe"])

	status := r2.Status()
	assert.Contains(t, status.Positions, btc.Symbol)
	assert.Equal(t, []string{btc.Symbol}, status.Markets)
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	h, _ := newRunnerHarness(t, false)
	h.params.LoopInterval = 5 * time.Millisecond
	h.params.SaveInterval = 5 * time.Millisecond
	h.deps.Store = NewFileStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	r := NewRunner(h.params, h.deps)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, 1, h.notifier.count(NotifyStart))

	snap, err := h.deps.Store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
}
