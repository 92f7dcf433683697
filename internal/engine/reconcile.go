package engine

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"spotrunner/internal/types"
)

// Reconcile action names
const (
	ActionAdopt  = "adopt"
	ActionRemove = "remove"
	ActionResize = "resize"
	ActionStrike = "strike"
)

// ReconcileReport lists the symbols each reconciliation action touched
type ReconcileReport struct {
	Adopted []string
	Removed []string
	Resized []string
	Struck  []string
	Skipped bool
}

// Changed reports whether the pass mutated the book
func (r ReconcileReport) Changed() bool {
	return len(r.Adopted)+len(r.Removed)+len(r.Resized)+len(r.Struck) > 0
}

// Reconciler diffs tracked positions against wallet balances and heals drift
type Reconciler struct {
	params   Params
	deps     Deps
	inFlight atomic.Bool
}

// NewReconciler creates a reconciler
func NewReconciler(p Params, deps Deps) *Reconciler {
	return &Reconciler{
		params: p,
		deps:   deps.withDefaults(p),
	}
}

// Reconcile runs a full pass: adopt, strike/remove and resize. A pass
// already in progress makes this call return immediately with Skipped set.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	return r.run(ctx, false)
}

// SyncOnce adopts untracked wallet balances only. It runs at startup so
// holdings from before a restart are managed again.
func (r *Reconciler) SyncOnce(ctx context.Context) (ReconcileReport, error) {
	return r.run(ctx, true)
}

func (r *Reconciler) run(ctx context.Context, adoptOnly bool) (ReconcileReport, error) {
	var report ReconcileReport
	if !r.inFlight.CompareAndSwap(false, true) {
		r.deps.Logger.Debug("[RECONCILE] Pass already running, skipping")
		report.Skipped = true
		return report, nil
	}
	defer r.inFlight.Store(false)

	balances, err := r.deps.Gateway.Balances(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to fetch balances: %w", err)
	}

	for _, m := range r.params.Markets {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		px, err := r.deps.Prices.Price(ctx, m)
		if err != nil || px <= 0 {
			r.deps.Logger.Warn("[RECONCILE] No price, skipping symbol", "symbol", m.Symbol, "error", err)
			continue
		}
		r.reconcileSymbol(ctx, m, balances[m.Base], px, adoptOnly, &report)
	}

	if report.Changed() {
		r.deps.Metrics.OpenPositions(r.deps.Book.OpenCount())
		r.deps.Logger.Info("[RECONCILE] Pass complete",
			"adopted", report.Adopted,
			"removed", report.Removed,
			"resized", report.Resized,
			"struck", report.Struck,
		)
	}
	return report, nil
}

func (r *Reconciler) reconcileSymbol(ctx context.Context, m types.Market, qty, px float64, adoptOnly bool, report *ReconcileReport) {
	now := r.deps.Now()
	value := qty * px
	present := value >= r.params.SyncMinValue && qty > 0
	pos, tracked := r.deps.Book.Position(m.Symbol)

	switch {
	case !tracked && present:
		pos = types.Position{
			Entry:         px,
			OriginalEntry: px,
			Size:          qty,
			Invested:      qty * px,
			Peak:          px,
			StopPrice:     px * (1 + r.params.StopLoss),
			OpenedAt:      now,
			Adopted:       true,
		}
		r.deps.Book.SetPosition(m.Symbol, pos)
		r.resetStrikes(m.Symbol)
		report.Adopted = append(report.Adopted, m.Symbol)
		r.record(ctx, m, types.EventAdopt, ActionAdopt, pos, px,
			fmt.Sprintf("%s adopted from wallet: %.8g @ %.8g (%.2f)", m.Symbol, qty, px, value))

	case !tracked || adoptOnly:
		return

	case !present:
		st := r.deps.Book.UpdateSymbol(m.Symbol, func(s *SymbolState) {
			s.Strikes++
		})
		if st.Strikes < r.params.RemoveStrikes {
			report.Struck = append(report.Struck, m.Symbol)
			r.deps.Metrics.Reconcile(ActionStrike)
			r.deps.Logger.Warn("[RECONCILE] Tracked position missing from wallet",
				"symbol", m.Symbol,
				"wallet_qty", qty,
				"strikes", st.Strikes,
				"required", r.params.RemoveStrikes,
			)
			return
		}
		if _, ok := r.deps.Book.RemovePosition(m.Symbol); !ok {
			return
		}
		r.resetStrikes(m.Symbol)
		report.Removed = append(report.Removed, m.Symbol)
		r.record(ctx, m, types.EventRemove, ActionRemove, pos, px,
			fmt.Sprintf("%s removed: wallet empty for %d checks", m.Symbol, st.Strikes))

	default:
		if r.deps.Book.Symbol(m.Symbol).Strikes > 0 {
			r.resetStrikes(m.Symbol)
		}
		if pos.Size > 0 && driftBps(pos.Size, qty) <= r.params.SyncToleranceBps {
			return
		}
		prev := pos.Size
		pos, _ = r.deps.Book.UpdatePosition(m.Symbol, func(p *types.Position) {
			p.Size = qty
			p.Invested = qty * px
			p.Peak = math.Max(p.Peak, px)
		})
		report.Resized = append(report.Resized, m.Symbol)
		r.record(ctx, m, types.EventResize, ActionResize, pos, px,
			fmt.Sprintf("%s resized %.8g -> %.8g", m.Symbol, prev, qty))
	}
}

func (r *Reconciler) resetStrikes(symbol string) {
	r.deps.Book.UpdateSymbol(symbol, func(s *SymbolState) {
		s.Strikes = 0
	})
}

func (r *Reconciler) record(ctx context.Context, m types.Market, ev types.TradeEventType, action string, pos types.Position, px float64, msg string) {
	now := r.deps.Now()
	r.deps.Metrics.Reconcile(action)
	r.deps.Journal.Record(ctx, types.TradeEvent{
		TS:         now,
		Day:        r.deps.Ledger.DayKey(now),
		Symbol:     m.Symbol,
		Event:      ev,
		EntryPrice: pos.Entry,
		ExitPrice:  px,
		Size:       pos.Size,
	})
	r.deps.Logger.Info("[RECONCILE] "+action,
		"symbol", m.Symbol,
		"size", pos.Size,
		"entry", pos.Entry,
		"price", px,
	)
	r.deps.Notifier.Notify(ctx, NotifyReconcile, msg)
}

func driftBps(tracked, wallet float64) float64 {
	return math.Abs(wallet-tracked) / tracked * 1e4
}
