package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"spotrunner/internal/types"
)

// Router splits market data from account access and applies the kill switch.
// While the kill switch is engaged every order becomes a simulated fill at the
// price hint; reads are unaffected.
type Router struct {
	market  Gateway
	account Gateway
	logger  *slog.Logger
	killed  atomic.Bool
	simSeq  atomic.Int64
}

// NewRouter creates a router. In live mode market and account are the same
// gateway; in paper mode account is a MockGateway.
func NewRouter(market, account Gateway, logger *slog.Logger) *Router {
	return &Router{
		market:  market,
		account: account,
		logger:  logger,
	}
}

// SetKillSwitch engages or releases the kill switch
func (r *Router) SetKillSwitch(on bool) {
	if r.killed.Swap(on) != on {
		r.logger.Warn("[EXCHANGE] Kill switch changed", "engaged", on)
	}
}

// KillSwitch reports whether orders are being simulated
func (r *Router) KillSwitch() bool {
	return r.killed.Load()
}

// Price returns the last trade price
func (r *Router) Price(ctx context.Context, m types.Market) (float64, error) {
	return Retry(ctx, r.logger, "price", func() (float64, error) {
		return r.market.Price(ctx, m)
	})
}

// Candles returns OHLCV history
func (r *Router) Candles(ctx context.Context, m types.Market, timeframe string, limit int) ([]types.Candle, error) {
	return Retry(ctx, r.logger, "candles", func() ([]types.Candle, error) {
		return r.market.Candles(ctx, m, timeframe, limit)
	})
}

// Balances returns account balances
func (r *Router) Balances(ctx context.Context) (map[string]float64, error) {
	return Retry(ctx, r.logger, "balances", func() (map[string]float64, error) {
		return r.account.Balances(ctx)
	})
}

// Rules returns market rules
func (r *Router) Rules(ctx context.Context, m types.Market) (types.MarketRules, error) {
	return Retry(ctx, r.logger, "rules", func() (types.MarketRules, error) {
		return r.market.Rules(ctx, m)
	})
}

// FillDetails returns the account's fills for an order
func (r *Router) FillDetails(ctx context.Context, m types.Market, orderID string) (types.FillDetails, error) {
	return Retry(ctx, r.logger, "fills", func() (types.FillDetails, error) {
		return r.account.FillDetails(ctx, m, orderID)
	})
}

// MarketBuy routes a buy to the account or simulates it
func (r *Router) MarketBuy(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if r.killed.Load() {
		return r.simulate(req, types.SideBuy), nil
	}
	return r.account.MarketBuy(ctx, req)
}

// MarketSell routes a sell to the account or simulates it
func (r *Router) MarketSell(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if r.killed.Load() {
		return r.simulate(req, types.SideSell), nil
	}
	return r.account.MarketSell(ctx, req)
}

func (r *Router) simulate(req types.OrderRequest, side types.Side) *types.OrderResult {
	qty := req.Quantity
	if qty <= 0 && req.QuoteQty > 0 && req.PriceHint > 0 {
		qty = req.QuoteQty / req.PriceHint
	}
	if qty <= 0 || req.PriceHint <= 0 {
		return &types.OrderResult{Success: false, Reason: "no_price", Error: ErrNoPrice}
	}

	id := fmt.Sprintf("SIM-%d", r.simSeq.Add(1))
	r.logger.Warn("[EXCHANGE] Kill switch engaged, simulating fill",
		"order_id", id,
		"symbol", req.Market.Code,
		"side", side,
		"quantity", qty,
		"price", req.PriceHint,
	)
	return &types.OrderResult{
		Success:   true,
		Simulated: true,
		OrderID:   id,
		FilledQty: qty,
		AvgPrice:  req.PriceHint,
	}
}

// Close closes the underlying gateways
func (r *Router) Close() error {
	err := r.market.Close()
	if r.account != r.market {
		if aerr := r.account.Close(); aerr != nil && err == nil {
			err = aerr
		}
	}
	return err
}
