package exchange

import (
	"context"
	"errors"
	"math"
	"time"

	"spotrunner/internal/types"
)

var (
	// ErrInsufficientBalance is returned when the account cannot cover an order
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBelowMinimum is returned when an order is below the exchange minimum
	ErrBelowMinimum = errors.New("order below exchange minimum")
	// ErrUnknownSymbol is returned for markets the exchange does not list
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrNoPrice is returned when no price is available for a market
	ErrNoPrice = errors.New("no price available")
)

// Gateway is the exchange account and market-data surface used by the engine.
// Order methods report expected rejections through OrderResult.Success and
// OrderResult.Error and reserve the returned error for cancellation.
type Gateway interface {
	// Price returns the last trade price for a market
	Price(ctx context.Context, m types.Market) (float64, error)

	// Candles returns OHLCV history; the last candle is the forming bar
	Candles(ctx context.Context, m types.Market, timeframe string, limit int) ([]types.Candle, error)

	// Balances returns free balances keyed by asset
	Balances(ctx context.Context) (map[string]float64, error)

	// MarketBuy buys Quantity (or QuoteQty worth) at market
	MarketBuy(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)

	// MarketSell sells Quantity at market
	MarketSell(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)

	// Rules returns the trading constraints for a market
	Rules(ctx context.Context, m types.Market) (types.MarketRules, error)

	// FillDetails returns the exchange's own record of an order's fills
	FillDetails(ctx context.Context, m types.Market, orderID string) (types.FillDetails, error)

	// Close releases resources
	Close() error
}

// PriceSink receives streamed trade prices
type PriceSink interface {
	SetPrice(code string, price float64, at time.Time)
}

// StepDecimals returns the number of decimals implied by a step size
func StepDecimals(step float64) int {
	if step <= 0 || step >= 1 {
		return 0
	}
	d := int(math.Round(-math.Log10(step)))
	if d < 0 {
		return 0
	}
	return d
}

// FloorToStep rounds qty down to the exchange quantity precision
func FloorToStep(qty, step float64) float64 {
	if qty <= 0 {
		return 0
	}
	if step <= 0 {
		return qty
	}
	units := math.Floor(qty/step + 1e-9)
	p := math.Pow10(StepDecimals(step))
	return math.Round(units*step*p) / p
}

// CeilToStep rounds qty up to the exchange quantity precision
func CeilToStep(qty, step float64) float64 {
	if qty <= 0 {
		return 0
	}
	if step <= 0 {
		return qty
	}
	units := math.Ceil(qty/step - 1e-9)
	p := math.Pow10(StepDecimals(step))
	return math.Round(units*step*p) / p
}
