package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"spotrunner/internal/indicators"
	"spotrunner/internal/types"
)

// Runner is the composition root of the engine: one loop per market plus
// the reconciliation and persistence timers, all sharing one Book and Ledger.
type Runner struct {
	params     Params
	deps       Deps
	trader     *Trader
	reconciler *Reconciler
	startedAt  time.Time
}

// NewRunner wires a trader and reconciler around deps
func NewRunner(p Params, deps Deps) *Runner {
	deps = deps.withDefaults(p)
	return &Runner{
		params:     p,
		deps:       deps,
		trader:     NewTrader(p, deps),
		reconciler: NewReconciler(p, deps),
		startedAt:  deps.Now(),
	}
}

// Restore loads the persisted snapshot into the book, ledger and kill switch
func (r *Runner) Restore(ctx context.Context) error {
	if r.deps.Store == nil {
		return nil
	}
	snap, err := r.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if snap == nil {
		return nil
	}

	r.deps.Book.Restore(snap)
	r.deps.Ledger.Restore(snap.Ledger)
	if snap.KillSwitch && r.deps.Kill != nil {
		r.deps.Kill.SetKillSwitch(true)
	}

	r.deps.Logger.Info("[RUNNER] State restored",
		"positions", len(snap.Positions),
		"saved_at", snap.SavedAt,
		"kill_switch", snap.KillSwitch,
		"paused", snap.Paused,
	)
	return nil
}

// Save writes the current book and ledger to the state store
func (r *Runner) Save(ctx context.Context) error {
	if r.deps.Store == nil {
		return nil
	}
	now := r.deps.Now()
	snap := r.deps.Book.Snapshot(r.deps.Ledger.Snapshot(now), r.killSwitch(), now)
	if err := r.deps.Store.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Run restores state, adopts wallet holdings and runs every loop until ctx
// is cancelled. The state is saved once more on the way out.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Restore(ctx); err != nil {
		r.deps.Logger.Warn("[RUNNER] Starting without persisted state", "error", err)
	}

	r.deps.Notifier.Notify(ctx, NotifyStart, fmt.Sprintf("spotrunner started: mode=%s markets=%d positions=%d kill_switch=%v",
		r.deps.Mode, len(r.params.Markets), r.deps.Book.OpenCount(), r.killSwitch()))

	if _, err := r.reconciler.SyncOnce(ctx); err != nil {
		r.deps.Logger.Warn("[RUNNER] Startup wallet sync failed", "error", err)
	}
	r.deps.Metrics.OpenPositions(r.deps.Book.OpenCount())

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range r.params.Markets {
		g.Go(func() error {
			r.symbolLoop(gctx, m)
			return nil
		})
	}
	g.Go(func() error {
		r.reconcileLoop(gctx)
		return nil
	})
	g.Go(func() error {
		r.persistLoop(gctx)
		return nil
	})

	err := g.Wait()
	r.trader.Wait()

	// Final save on shutdown
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := r.Save(saveCtx); serr != nil {
		r.deps.Logger.Error("[RUNNER] Final state save failed", "error", serr)
	}

	r.deps.Logger.Info("[RUNNER] Stopped")
	return err
}

func (r *Runner) symbolLoop(ctx context.Context, m types.Market) {
	r.deps.Logger.Info("[RUNNER] Symbol loop started", "symbol", m.Symbol)

	for {
		wait := r.params.LoopInterval
		if err := r.safeCycle(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.deps.Logger.Warn("[RUNNER] Cycle failed", "symbol", m.Symbol, "error", err)
			wait = r.params.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			r.deps.Logger.Info("[RUNNER] Symbol loop stopped", "symbol", m.Symbol)
			return
		case <-time.After(wait):
		}
	}
}

// safeCycle keeps a panic in one market from taking down the others
func (r *Runner) safeCycle(ctx context.Context, m types.Market) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s cycle: %v", m.Symbol, rec)
			r.deps.Logger.Error("[RUNNER] Recovered from panic",
				"symbol", m.Symbol,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			r.deps.Notifier.Notify(ctx, NotifyError, err.Error())
		}
	}()
	return r.Cycle(ctx, m)
}

// Cycle runs one evaluation for m: manage the open position, or run the
// entry gate when there is none.
func (r *Runner) Cycle(ctx context.Context, m types.Market) error {
	now := r.deps.Now()
	r.rollDay(ctx, now)

	px, err := r.deps.Prices.Price(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to get price: %w", err)
	}
	candles, err := r.deps.Candles.Candles(ctx, m, r.params.Timeframe, r.params.CandleLimit)
	if err != nil {
		return fmt.Errorf("failed to get candles: %w", err)
	}

	bull := r.updateBias(ctx, m, candles, now)

	if _, ok := r.deps.Book.Position(m.Symbol); ok {
		r.trader.Manage(ctx, m, px, candles)
		return nil
	}
	return r.tryEnter(ctx, m, px, candles, bull, now)
}

func (r *Runner) updateBias(ctx context.Context, m types.Market, candles []types.Candle, now time.Time) bool {
	closes := indicators.Closes(candles)
	fast := indicators.EMA(closes, r.params.RegimeFast)
	slow := indicators.EMA(closes, r.params.RegimeSlow)
	if slow <= 0 {
		return r.deps.Book.Symbol(m.Symbol).Bias.Kind == BiasBull
	}

	gap := (fast - slow) / slow * 1e4
	state, changed := r.deps.Book.UpdateBias(m.Symbol, r.params, fast >= slow, gap, now)
	if changed {
		r.deps.Logger.Info("[RUNNER] Bias changed",
			"symbol", m.Symbol,
			"bias", state.Kind,
			"gap_bps", gap,
		)
		r.deps.Metrics.BullSymbols(r.deps.Book.BullCount())
	}

	if due, anyBull := r.deps.Book.AnnounceBull(now, r.params.BullNotifyInterval); due {
		msg := "bull bias off: all markets flat"
		if anyBull {
			msg = fmt.Sprintf("bull bias on: %d market(s) trending", r.deps.Book.BullCount())
		}
		r.deps.Notifier.Notify(ctx, NotifyBull, msg)
	}
	return state.Kind == BiasBull
}

func (r *Runner) tryEnter(ctx context.Context, m types.Market, px float64, candles []types.Candle, bull bool, now time.Time) error {
	rules, err := r.deps.Gateway.Rules(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to get rules: %w", err)
	}

	var htf []types.Candle
	if r.params.UseHTF {
		htf, err = r.deps.Candles.Candles(ctx, m, r.params.HTFTimeframe, r.params.CandleLimit)
		if err != nil {
			return fmt.Errorf("failed to get %s candles: %w", r.params.HTFTimeframe, err)
		}
	}

	day := r.deps.Ledger.DayKey(now)
	d := Evaluate(r.params, GateInput{
		Market:     m,
		Price:      px,
		Candles:    candles,
		HTFCandles: htf,
		Rules:      rules,
		Now:        now,
		Bull:       bull,
		Session: SessionView{
			Paused:        r.params.Paused || r.deps.Book.Paused(),
			TradesToday:   r.deps.Book.TradesToday(m.Symbol, day),
			OpenPositions: r.deps.Book.OpenCount(),
			Exposure:      r.deps.Book.Exposure(),
			Symbol:        r.deps.Book.Symbol(m.Symbol),
			Ledger:        r.deps.Ledger.Snapshot(now),
		},
	})
	r.deps.Book.TrackDwell(m.Symbol, d.AboveLine, now)

	if d.Raised {
		r.noticeMinCost(m, rules)
	}

	if !d.Enter {
		r.deps.Metrics.Skip(d.Reason)
		if d.Reason == SkipMinQty || d.Reason == SkipMinCost {
			r.deps.Ledger.RecordFailure(now, d.Reason)
			r.deps.Book.UpdateSymbol(m.Symbol, func(s *SymbolState) {
				s.BuyFailUntil = now.Add(r.params.BuyFailCooldown)
			})
		}
		r.deps.Logger.Debug("[GATE] Skip",
			"symbol", m.Symbol,
			"reason", d.Reason,
			"price", px,
			"line", d.Line,
		)
		return nil
	}

	r.deps.Logger.Info("[GATE] Enter",
		"symbol", m.Symbol,
		"price", px,
		"line", d.Line,
		"qty", d.Qty,
		"cost", d.Cost,
		"bias", d.Filters["bias"],
	)
	r.trader.Open(ctx, m, d, px)
	return nil
}

func (r *Runner) noticeMinCost(m types.Market, rules types.MarketRules) {
	var first bool
	r.deps.Book.UpdateSymbol(m.Symbol, func(s *SymbolState) {
		first = !s.MinCostNoticed
		s.MinCostNoticed = true
	})
	if first {
		r.deps.Logger.Warn("[GATE] Planned cost below exchange minimum, raising",
			"symbol", m.Symbol,
			"planned", PlannedCost(r.params, m.Symbol),
			"min_cost", rules.MinOrderCost,
		)
	}
}

func (r *Runner) rollDay(ctx context.Context, now time.Time) {
	prev, rolled := r.deps.Ledger.Roll(now)
	if !rolled {
		return
	}

	r.deps.Logger.Info("[LEDGER] Day closed",
		"day", prev.Day,
		"realized", prev.RealizedToday,
		"wins", prev.WinsToday,
		"losses", prev.LossesToday,
		"failures", prev.FailureCounts,
	)
	r.deps.Metrics.RealizedToday(0)
	r.deps.Notifier.Notify(ctx, NotifyDailySummary, fmt.Sprintf(
		"%s summary: net=%.2f gross=%.2f fee=%.2f wins=%d losses=%d open=%d",
		prev.Day, prev.RealizedToday, prev.GrossToday, prev.FeeToday,
		prev.WinsToday, prev.LossesToday, r.deps.Book.OpenCount()))

	if r.deps.OnDayClose != nil {
		r.deps.OnDayClose(ctx, prev)
	}
	r.deps.Book.MarkDirty()
}

func (r *Runner) reconcileLoop(ctx context.Context) {
	if r.params.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.params.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.reconciler.Reconcile(ctx); err != nil && ctx.Err() == nil {
				r.deps.Logger.Warn("[RECONCILE] Pass failed", "error", err)
			}
		}
	}
}

func (r *Runner) persistLoop(ctx context.Context) {
	if r.deps.Store == nil || r.params.SaveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.params.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.deps.Book.TakeDirty() {
				continue
			}
			if err := r.Save(ctx); err != nil {
				r.deps.Book.MarkDirty()
				r.deps.Logger.Error("[PERSISTENCE] Periodic save failed", "error", err)
			}
		}
	}
}

// Status returns the read-only runner view
func (r *Runner) Status() types.RunnerStatus {
	now := r.deps.Now()
	markets := make([]string, 0, len(r.params.Markets))
	for _, m := range r.params.Markets {
		markets = append(markets, m.Symbol)
	}
	return types.RunnerStatus{
		Mode:       r.deps.Mode,
		StartedAt:  r.startedAt,
		KillSwitch: r.killSwitch(),
		Paused:     r.params.Paused || r.deps.Book.Paused(),
		Markets:    markets,
		Bias:       r.deps.Book.Biases(),
		Positions:  r.deps.Book.Positions(),
		Ledger:     r.deps.Ledger.Snapshot(now),
	}
}

func (r *Runner) killSwitch() bool {
	return r.deps.Kill != nil && r.deps.Kill.KillSwitch()
}
