package engine

import (
	"context"
	"errors"
	"math"

	"spotrunner/internal/exchange"
	"spotrunner/internal/types"
)

// SellResult is the terminal state of an adaptive sell
type SellResult int

const (
	SellFilled SellResult = iota
	SellPartial
	SellDust
	SellInsufficient
	SellFailed
)

func (r SellResult) String() string {
	switch r {
	case SellFilled:
		return "filled"
	case SellPartial:
		return "partial"
	case SellDust:
		return "dust"
	case SellInsufficient:
		return "insufficient"
	default:
		return "failed"
	}
}

// SellOutcome reports what an adaptive sell actually did
type SellOutcome struct {
	Result    SellResult
	Desired   float64
	Sold      float64
	AvgPrice  float64
	FeeQuote  float64
	Simulated bool
	Reason    string
	Rules     types.MarketRules
	Err       error
}

// sellable reports whether qty clears the exchange minimums at price
func sellable(qty, price float64, rules types.MarketRules) bool {
	if qty <= 1e-12 || qty < rules.MinQty {
		return false
	}
	return rules.MinOrderCost <= 0 || qty*price >= rules.MinOrderCost
}

// adaptiveSell sells desired at market. On an insufficient-balance rejection
// it re-reads the wallet, applies the haircut and precision, and retries once
// with the smaller quantity. Unsellable quantities are reported as dust.
func (t *Trader) adaptiveSell(ctx context.Context, m types.Market, desired, priceHint float64) SellOutcome {
	out := SellOutcome{Desired: desired}

	rules, err := t.deps.Gateway.Rules(ctx, m)
	if err != nil {
		out.Result, out.Reason, out.Err = SellFailed, "rules", err
		return out
	}
	out.Rules = rules

	qty := exchange.FloorToStep(desired, rules.StepSize)
	if !sellable(qty, priceHint, rules) {
		out.Result, out.Reason = SellDust, "below_minimum"
		return out
	}

	res, err := t.deps.Gateway.MarketSell(ctx, t.sellRequest(m, qty, priceHint))
	if err != nil {
		out.Result, out.Reason, out.Err = SellFailed, "cancelled", err
		return out
	}
	if res.Success {
		return t.sellFilled(out, res, priceHint, m)
	}
	if !errors.Is(res.Error, exchange.ErrInsufficientBalance) {
		out.Result, out.Reason, out.Err = SellFailed, res.Reason, res.Error
		return out
	}

	balances, err := t.deps.Gateway.Balances(ctx)
	if err != nil {
		out.Result, out.Reason, out.Err = SellInsufficient, "balance_lookup", err
		return out
	}
	wallet := balances[m.Base]
	corrected := exchange.FloorToStep(math.Min(wallet*(1-t.params.SellHaircut), qty), rules.StepSize)

	t.deps.Logger.Warn("[POSITION] Insufficient balance, retrying with wallet quantity",
		"symbol", m.Symbol,
		"desired", desired,
		"wallet", wallet,
		"corrected", corrected,
	)

	if !sellable(corrected, priceHint, rules) {
		out.Result, out.Reason = SellDust, "wallet_dust"
		return out
	}

	res, err = t.deps.Gateway.MarketSell(ctx, t.sellRequest(m, corrected, priceHint))
	if err != nil {
		out.Result, out.Reason, out.Err = SellFailed, "cancelled", err
		return out
	}
	if !res.Success {
		out.Result, out.Reason, out.Err = SellInsufficient, "insufficient", res.Error
		return out
	}
	return t.sellFilled(out, res, priceHint, m)
}

func (t *Trader) sellRequest(m types.Market, qty, priceHint float64) types.OrderRequest {
	return types.OrderRequest{
		Market:    m,
		Side:      types.SideSell,
		Quantity:  qty,
		PriceHint: priceHint,
	}
}

func (t *Trader) sellFilled(out SellOutcome, res *types.OrderResult, priceHint float64, m types.Market) SellOutcome {
	out.Sold = res.FilledQty
	out.AvgPrice = res.AvgPrice
	if out.AvgPrice <= 0 {
		out.AvgPrice = priceHint
	}
	out.FeeQuote = quoteFee(m, res, out.AvgPrice, out.Sold, t.params.SellFeeRate)
	out.Simulated = res.Simulated

	out.Result = SellFilled
	if sellable(out.Desired-out.Sold, out.AvgPrice, out.Rules) {
		out.Result = SellPartial
	}
	return out
}

// quoteFee converts an order's commission into quote currency, falling back
// to the configured rate when the exchange did not report one.
func quoteFee(m types.Market, res *types.OrderResult, price, qty, rate float64) float64 {
	switch {
	case res.Fee > 0 && res.FeeAsset == m.Quote:
		return res.Fee
	case res.Fee > 0 && res.FeeAsset == m.Base:
		return res.Fee * price
	default:
		return price * qty * rate
	}
}
