package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"spotrunner/internal/exchange"
	"spotrunner/internal/indicators"
	"spotrunner/internal/types"
)

// Trader owns the position lifecycle: it opens positions on gate decisions
// and drives stops, take-profits and trailing exits on every price tick.
type Trader struct {
	params Params
	deps   Deps
	refine sync.WaitGroup
}

// NewTrader creates a trader
func NewTrader(p Params, deps Deps) *Trader {
	return &Trader{
		params: p,
		deps:   deps.withDefaults(p),
	}
}

// PnL returns gross, fee and net for selling qty bought at entry and sold at exit
func PnL(entry, exit, qty, buyFee, sellFee float64) (gross, fee, net float64) {
	gross = (exit - entry) * qty
	fee = (entry*buyFee + exit*sellFee) * qty
	return gross, fee, gross - fee
}

// FeeSafeBreakeven is the lowest exit price whose net P&L is not negative
func FeeSafeBreakeven(entry, buyFee, sellFee float64) float64 {
	if sellFee >= 1 {
		return math.Inf(1)
	}
	return math.Nextafter(entry*(1+buyFee)/(1-sellFee), math.Inf(1))
}

// Open places the entry order for an Enter decision and records the position
func (t *Trader) Open(ctx context.Context, m types.Market, d Decision, px float64) bool {
	now := t.deps.Now()
	res, err := t.deps.Gateway.MarketBuy(ctx, types.OrderRequest{
		Market:    m,
		Side:      types.SideBuy,
		Quantity:  d.Qty,
		PriceHint: px,
	})
	if err != nil || res == nil || !res.Success || res.FilledQty <= 0 {
		reason := "buy_failed"
		if res != nil && res.Reason != "" {
			reason = "buy_" + res.Reason
		}
		if err == nil && res != nil {
			err = res.Error
		}
		t.deps.Book.UpdateSymbol(m.Symbol, func(s *SymbolState) {
			s.BuyFailUntil = now.Add(t.params.BuyFailCooldown)
		})
		t.deps.Ledger.RecordFailure(now, reason)
		t.deps.Metrics.Skip(reason)
		t.deps.Logger.Warn("[POSITION] Entry order failed",
			"symbol", m.Symbol,
			"qty", d.Qty,
			"reason", reason,
			"error", err,
		)
		return false
	}

	fill := res.AvgPrice
	if fill <= 0 {
		fill = px
	}
	size := res.FilledQty
	if res.FeeAsset == m.Base && res.Fee > 0 {
		size -= res.Fee
	}
	fee := quoteFee(m, res, fill, res.FilledQty, t.params.BuyFeeRate)

	pos := types.Position{
		Entry:         fill,
		OriginalEntry: fill,
		Size:          size,
		Invested:      size * fill,
		Peak:          fill,
		StopPrice:     fill * (1 + t.params.StopLoss),
		OpenedAt:      now,
		AccFee:        fee,
		BuyOrderID:    res.OrderID,
	}
	t.deps.Book.SetPosition(m.Symbol, pos)

	day := t.deps.Ledger.DayKey(now)
	count := t.deps.Book.IncTrades(m.Symbol, day)
	st := t.deps.Book.UpdateSymbol(m.Symbol, func(s *SymbolState) {
		s.LastEntryAt = now
		s.AboveLineSince = time.Time{}
	})

	mode := t.deps.Mode
	if res.Simulated {
		mode = "simulated"
	}
	t.deps.Metrics.Order(string(types.SideBuy), mode)
	t.deps.Metrics.OpenPositions(t.deps.Book.OpenCount())

	t.deps.Journal.Record(ctx, types.TradeEvent{
		TS:         now,
		Day:        day,
		Symbol:     m.Symbol,
		Event:      types.EventOpen,
		EntryPrice: fill,
		Size:       size,
		Fee:        fee,
		Regime:     st.Bias.Kind.String(),
		Filters:    d.Filters,
	})

	t.deps.Logger.Info("[POSITION] Opened",
		"symbol", m.Symbol,
		"entry", fill,
		"size", size,
		"cost", size*fill,
		"stop", pos.StopPrice,
		"raised", d.Raised,
		"trades_today", count,
		"mode", mode,
	)
	t.deps.Notifier.Notify(ctx, NotifyEntry, fmt.Sprintf("%s entry %.8g @ %.8g cost=%.2f (%s, #%d today)",
		m.Symbol, size, fill, size*fill, st.Bias.Kind, count))

	if !res.Simulated && res.OrderID != "" {
		t.refine.Add(1)
		go t.refineEntry(ctx, m, res.OrderID, now, fee)
	}
	return true
}

// refineEntry replaces the estimated fill with the exchange's trade record.
// It never raises the working entry.
func (t *Trader) refineEntry(ctx context.Context, m types.Market, orderID string, openedAt time.Time, estFee float64) {
	defer t.refine.Done()

	fd, err := t.deps.Gateway.FillDetails(ctx, m, orderID)
	if err != nil || fd.Qty <= 0 || fd.AvgPrice <= 0 {
		t.deps.Logger.Debug("[POSITION] Fill details unavailable", "symbol", m.Symbol, "order_id", orderID, "error", err)
		return
	}

	pos, ok := t.deps.Book.UpdatePosition(m.Symbol, func(p *types.Position) {
		if p.BuyOrderID != orderID || !p.OpenedAt.Equal(openedAt) {
			return
		}
		p.OriginalEntry = fd.AvgPrice
		if fd.AvgPrice < p.Entry {
			p.Entry = fd.AvgPrice
		}
		if fd.FeeQuote > 0 {
			p.AccFee += fd.FeeQuote - estFee
		}
	})
	if ok {
		t.deps.Logger.Debug("[POSITION] Entry refined",
			"symbol", m.Symbol,
			"avg_price", fd.AvgPrice,
			"entry", pos.Entry,
			"fee", fd.FeeQuote,
		)
	}
}

// Wait blocks until background entry refinements finish
func (t *Trader) Wait() {
	t.refine.Wait()
}

// Manage advances the open position for m at the current price
func (t *Trader) Manage(ctx context.Context, m types.Market, px float64, candles []types.Candle) {
	if px <= 0 {
		return
	}
	now := t.deps.Now()
	st := t.deps.Book.Symbol(m.Symbol)
	prof := t.params.Profile(st.Bias.Kind == BiasBull)

	atr := 0.0
	if t.params.LongHold {
		atr = indicators.ATR(candles, t.params.ATRPeriod)
	}

	pos, ok := t.deps.Book.UpdatePosition(m.Symbol, func(p *types.Position) {
		if px > p.Peak {
			p.Peak = px
		}
		p.StopPrice = t.nextStop(*p, prof, atr)
		p.Invested = p.Size * p.Entry
	})
	if !ok {
		return
	}
	if now.Before(st.SellCooldownUntil) {
		return
	}

	if px <= pos.StopPrice {
		t.stopExit(ctx, m, pos, px)
		return
	}

	if !pos.TookTP1 && gain(px, pos.Entry) >= prof.TP1 {
		if pos, ok = t.takeTP1(ctx, m, pos, px, prof); !ok {
			return
		}
	}

	switch {
	case gain(px, pos.Entry) >= prof.TP2:
		t.exitRemaining(ctx, m, pos, px, types.EventTP2)
		return
	case pos.Peak > 0 && (px-pos.Peak)/pos.Peak <= prof.Trail:
		t.exitRemaining(ctx, m, pos, px, types.EventTrail)
		return
	}

	if t.params.LongHold && t.params.LongHoldMaxAge > 0 && now.Sub(pos.OpenedAt) >= t.params.LongHoldMaxAge {
		t.longHold(ctx, m, pos, px, now)
	}
}

// nextStop ratchets the stop toward the peak. It never loosens the stop and
// keeps it below the peak; after TP1 it is floored at the fee-safe breakeven.
func (t *Trader) nextStop(p types.Position, prof Profile, atr float64) float64 {
	stop := p.StopPrice
	if stop <= 0 {
		stop = p.Entry * (1 + t.params.StopLoss)
	}

	if t.params.DynamicStop {
		buffer := p.Entry * prof.StopBufferBps / 1e4
		if t.params.LongHold && atr > 0 {
			buffer = math.Max(buffer, atr*t.params.LongHoldATRMult)
		}
		stop = math.Max(stop, p.Peak-buffer)
	}

	if p.TookTP1 && t.params.FeeSafeBreakeven {
		basis := math.Max(p.Entry, p.CostBasis())
		stop = math.Max(stop, FeeSafeBreakeven(basis, t.params.BuyFeeRate, t.params.SellFeeRate))
	}

	return math.Min(stop, p.Peak*(1-t.params.StopEpsilon))
}

func gain(px, entry float64) float64 {
	if entry <= 0 {
		return 0
	}
	return (px - entry) / entry
}

func (t *Trader) stopExit(ctx context.Context, m types.Market, pos types.Position, px float64) {
	breached := pos.StopPrice
	t.deps.Logger.Info("[POSITION] Stop breached",
		"symbol", m.Symbol,
		"price", px,
		"stop", breached,
		"size", pos.Size,
	)

	// Sell at the observed price, not the stop level
	out := t.adaptiveSell(ctx, m, pos.Size, px)
	switch out.Result {
	case SellFilled, SellPartial:
		ev := types.EventStop
		if out.Result == SellPartial {
			ev = types.EventPartialStop
		}
		if t.settle(ctx, m, out, ev) {
			now := t.deps.Now()
			t.deps.Book.UpdateSymbol(m.Symbol, func(s *SymbolState) {
				s.StopCooldownUntil = now.Add(t.params.StopCooldown)
			})
			return
		}
		t.deps.Book.UpdatePosition(m.Symbol, func(p *types.Position) {
			p.StopPrice = breached
		})
	case SellDust:
		t.closeDust(ctx, m, out)
	default:
		t.sellFailed(ctx, m, out)
	}
}

func (t *Trader) takeTP1(ctx context.Context, m types.Market, pos types.Position, px float64, prof Profile) (types.Position, bool) {
	mark := func(p *types.Position) {
		p.TookTP1 = true
		if t.params.BEPAfterTP1 {
			p.Entry = math.Min(p.Entry, px)
			p.Invested = p.Size * p.Entry
		}
	}

	rules, err := t.deps.Gateway.Rules(ctx, m)
	if err != nil {
		t.deps.Logger.Warn("[POSITION] Rules unavailable for TP1", "symbol", m.Symbol, "error", err)
		return pos, false
	}

	qty := exchange.FloorToStep(pos.Size*prof.TP1SellFraction, rules.StepSize)
	if !sellable(qty, px, rules) || !sellable(pos.Size-qty, px, rules) {
		t.deps.Logger.Info("[POSITION] TP1 reached, position too small to split",
			"symbol", m.Symbol,
			"size", pos.Size,
			"price", px,
		)
		return t.deps.Book.UpdatePosition(m.Symbol, mark)
	}

	out := t.adaptiveSell(ctx, m, qty, px)
	switch out.Result {
	case SellFilled, SellPartial:
		if t.settle(ctx, m, out, types.EventTP1) {
			return types.Position{}, false
		}
		return t.deps.Book.UpdatePosition(m.Symbol, mark)
	case SellDust:
		t.closeDust(ctx, m, out)
	default:
		t.sellFailed(ctx, m, out)
	}
	return pos, false
}

func (t *Trader) exitRemaining(ctx context.Context, m types.Market, pos types.Position, px float64, ev types.TradeEventType) {
	out := t.adaptiveSell(ctx, m, pos.Size, px)
	switch out.Result {
	case SellFilled, SellPartial:
		t.settle(ctx, m, out, ev)
	case SellDust:
		t.closeDust(ctx, m, out)
	default:
		t.sellFailed(ctx, m, out)
	}
}

func (t *Trader) longHold(ctx context.Context, m types.Market, pos types.Position, px float64, now time.Time) {
	if !pos.LongHoldNotified {
		t.deps.Book.UpdatePosition(m.Symbol, func(p *types.Position) {
			p.LongHoldNotified = true
		})
		t.deps.Notifier.Notify(ctx, NotifyLongHold, fmt.Sprintf("%s held %s, entry %.8g now %.8g",
			m.Symbol, now.Sub(pos.OpenedAt).Round(time.Minute), pos.Entry, px))
	}
	if t.params.LongHoldForceExit {
		t.exitRemaining(ctx, m, pos, px, types.EventLongHoldExit)
	}
}

// settle books a fill against the position and closes it when the
// remainder is unsellable. It reports whether the position closed.
func (t *Trader) settle(ctx context.Context, m types.Market, out SellOutcome, ev types.TradeEventType) bool {
	now := t.deps.Now()
	var basis, gross, fee, net float64
	var longHold bool

	pos, ok := t.deps.Book.UpdatePosition(m.Symbol, func(p *types.Position) {
		basis = p.CostBasis()
		gross, fee, net = PnL(basis, out.AvgPrice, out.Sold, t.params.BuyFeeRate, t.params.SellFeeRate)
		p.Size -= out.Sold
		p.Invested = p.Size * p.Entry
		p.RunningGross += gross
		p.RunningFee += fee
		p.RunningNet += net
		p.AccFee += out.FeeQuote
		longHold = t.params.LongHold && now.Sub(p.OpenedAt) >= t.params.LongHoldMaxAge
	})
	if !ok {
		return true
	}

	t.deps.Ledger.RecordExit(now, gross, fee, net)
	closed := !sellable(pos.Size, out.AvgPrice, out.Rules)
	if closed {
		t.deps.Book.RemovePosition(m.Symbol)
		t.deps.Ledger.RecordClose(now, pos.RunningNet)
	}
	ledger := t.deps.Ledger.Snapshot(now)
	st := t.deps.Book.Symbol(m.Symbol)

	pct := 0.0
	if basis > 0 {
		pct = (out.AvgPrice/basis - 1) * 100
	}
	t.deps.Journal.Record(ctx, types.TradeEvent{
		TS:          now,
		Day:         ledger.Day,
		Symbol:      m.Symbol,
		Event:       ev,
		EntryPrice:  basis,
		ExitPrice:   out.AvgPrice,
		Size:        pos.Size,
		SoldSize:    out.Sold,
		Gross:       gross,
		Fee:         fee,
		Net:         net,
		PnLPct:      pct,
		CumNetAfter: ledger.RealizedToday,
		Regime:      st.Bias.Kind.String(),
		LongHold:    longHold,
	})

	mode := t.deps.Mode
	if out.Simulated {
		mode = "simulated"
	}
	t.deps.Metrics.Order(string(types.SideSell), mode)
	t.deps.Metrics.Exit(string(ev))
	t.deps.Metrics.RealizedToday(ledger.RealizedToday)
	t.deps.Metrics.OpenPositions(t.deps.Book.OpenCount())

	t.deps.Logger.Info("[POSITION] Exit",
		"symbol", m.Symbol,
		"event", ev,
		"sold", out.Sold,
		"price", out.AvgPrice,
		"net", net,
		"remaining", pos.Size,
		"closed", closed,
		"realized_today", ledger.RealizedToday,
	)

	msg := fmt.Sprintf("%s %s sold %.8g @ %.8g net=%.2f (%.2f%%) today=%.2f",
		m.Symbol, ev, out.Sold, out.AvgPrice, net, pct, ledger.RealizedToday)
	if closed {
		msg += fmt.Sprintf(" closed, position net=%.2f", pos.RunningNet)
	}
	t.deps.Notifier.Notify(ctx, notifyEventFor(ev), msg)
	return closed
}

// closeDust drops a position whose wallet remainder cannot be sold
func (t *Trader) closeDust(ctx context.Context, m types.Market, out SellOutcome) {
	now := t.deps.Now()
	pos, ok := t.deps.Book.RemovePosition(m.Symbol)
	if !ok {
		return
	}
	t.deps.Ledger.RecordFailure(now, "dust")
	t.deps.Metrics.Exit(string(types.EventDustClose))
	t.deps.Metrics.OpenPositions(t.deps.Book.OpenCount())

	t.deps.Journal.Record(ctx, types.TradeEvent{
		TS:         now,
		Day:        t.deps.Ledger.DayKey(now),
		Symbol:     m.Symbol,
		Event:      types.EventDustClose,
		EntryPrice: pos.CostBasis(),
		Size:       pos.Size,
	})

	t.deps.Logger.Warn("[POSITION] Closed dust position locally",
		"symbol", m.Symbol,
		"size", pos.Size,
		"reason", out.Reason,
	)
	t.deps.Notifier.Notify(ctx, NotifyStop, fmt.Sprintf("%s closed locally: %.8g below exchange minimum", m.Symbol, pos.Size))
}

func (t *Trader) sellFailed(ctx context.Context, m types.Market, out SellOutcome) {
	now := t.deps.Now()
	reason := out.Reason
	if reason == "" {
		reason = out.Result.String()
	}
	t.deps.Ledger.RecordFailure(now, "sell_"+reason)
	t.deps.Book.UpdateSymbol(m.Symbol, func(s *SymbolState) {
		s.SellCooldownUntil = now.Add(t.params.SellFailCooldown)
	})

	t.deps.Logger.Error("[POSITION] Sell failed",
		"symbol", m.Symbol,
		"result", out.Result,
		"desired", out.Desired,
		"reason", reason,
		"error", out.Err,
	)
	t.deps.Notifier.Notify(ctx, NotifyError, fmt.Sprintf("%s sell %s (%s), retry in %s",
		m.Symbol, out.Result, reason, t.params.SellFailCooldown))
}

func notifyEventFor(ev types.TradeEventType) string {
	switch ev {
	case types.EventTP1:
		return NotifyTP1
	case types.EventTP2:
		return NotifyTP2
	case types.EventTrail:
		return NotifyTrail
	case types.EventPartialStop:
		return NotifyPartialStop
	case types.EventLongHoldExit:
		return NotifyLongHold
	default:
		return NotifyStop
	}
}
