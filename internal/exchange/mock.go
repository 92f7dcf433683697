package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"spotrunner/internal/types"
)

const balanceEpsilon = 1e-12

// MockGateway implements Gateway in memory. It backs paper trading and tests:
// orders fill at the price hint (or the injected price) against simulated balances.
type MockGateway struct {
	logger       *slog.Logger
	mu           sync.RWMutex
	balances     map[string]float64
	prices       map[string]float64
	candles      map[string][]types.Candle
	rules        map[string]types.MarketRules
	defaultRules types.MarketRules
	fills        map[string]types.FillDetails
	orders       []types.OrderRequest
	orderIDSeq   atomic.Int64
	feeRate      float64
	fillDelay    time.Duration
	shouldFail   bool
	failMessage  string
}

// MockGatewayOption configures the mock gateway
type MockGatewayOption func(*MockGateway)

// WithMockBalance sets initial balance for an asset
func WithMockBalance(asset string, amount float64) MockGatewayOption {
	return func(m *MockGateway) {
		m.balances[asset] = amount
	}
}

// WithMockRules sets the default market rules for every market
func WithMockRules(rules types.MarketRules) MockGatewayOption {
	return func(m *MockGateway) {
		m.defaultRules = rules
	}
}

// WithMockFeeRate charges a quote-denominated fee on every fill
func WithMockFeeRate(rate float64) MockGatewayOption {
	return func(m *MockGateway) {
		m.feeRate = rate
	}
}

// WithFillDelay simulates order fill delay
func WithFillDelay(d time.Duration) MockGatewayOption {
	return func(m *MockGateway) {
		m.fillDelay = d
	}
}

// WithFailure makes the mock gateway reject every order
func WithFailure(msg string) MockGatewayOption {
	return func(m *MockGateway) {
		m.shouldFail = true
		m.failMessage = msg
	}
}

// NewMockGateway creates a new in-memory gateway
func NewMockGateway(logger *slog.Logger, opts ...MockGatewayOption) *MockGateway {
	m := &MockGateway{
		logger:   logger,
		balances: make(map[string]float64),
		prices:   make(map[string]float64),
		candles:  make(map[string][]types.Candle),
		rules:    make(map[string]types.MarketRules),
		fills:    make(map[string]types.FillDetails),
		defaultRules: types.MarketRules{
			MinOrderCost: 5,
			StepSize:     0.0001,
			MinQty:       0.0001,
			TickSize:     0.01,
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Price returns the injected price for a market
func (m *MockGateway) Price(ctx context.Context, mk types.Market) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	price, ok := m.prices[mk.Code]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, mk.Code)
	}
	return price, nil
}

// Candles returns the injected candles, trimmed to limit
func (m *MockGateway) Candles(ctx context.Context, mk types.Market, timeframe string, limit int) ([]types.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.candles[candleKey(mk.Code, timeframe)]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	out := make([]types.Candle, len(series))
	copy(out, series)
	return out, nil
}

// Balances returns a copy of the simulated balances
func (m *MockGateway) Balances(ctx context.Context) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(m.balances))
	for asset, amount := range m.balances {
		if amount > balanceEpsilon {
			out[asset] = amount
		}
	}
	return out, nil
}

// MarketBuy simulates a market buy
func (m *MockGateway) MarketBuy(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	req.Side = types.SideBuy
	return m.execute(ctx, req)
}

// MarketSell simulates a market sell
func (m *MockGateway) MarketSell(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	req.Side = types.SideSell
	return m.execute(ctx, req)
}

func (m *MockGateway) execute(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if m.fillDelay > 0 {
		select {
		case <-time.After(m.fillDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFail {
		m.logger.Error("[MOCK] Order failed (configured)",
			"symbol", req.Market.Code,
			"side", req.Side,
			"error", m.failMessage,
		)
		return &types.OrderResult{Success: false, Reason: "rejected", Error: fmt.Errorf("%s", m.failMessage)}, nil
	}

	price := req.PriceHint
	if price <= 0 {
		price = m.prices[req.Market.Code]
	}
	if price <= 0 {
		return &types.OrderResult{Success: false, Reason: "no_price", Error: ErrNoPrice}, nil
	}

	qty := req.Quantity
	if qty <= 0 && req.QuoteQty > 0 {
		qty = req.QuoteQty / price
	}
	rules := m.rulesLocked(req.Market.Code)
	qty = FloorToStep(qty, rules.StepSize)
	if qty <= 0 || qty < rules.MinQty {
		return &types.OrderResult{Success: false, Reason: "min_qty", Error: ErrBelowMinimum}, nil
	}

	cost := qty * price
	fee := cost * m.feeRate
	base, quote := req.Market.Base, req.Market.Quote

	if req.Side == types.SideBuy {
		if m.balances[quote]+balanceEpsilon < cost+fee {
			return &types.OrderResult{
				Success: false,
				Reason:  "insufficient",
				Error:   fmt.Errorf("%w: need %.8f %s, have %.8f", ErrInsufficientBalance, cost+fee, quote, m.balances[quote]),
			}, nil
		}
		m.balances[quote] -= cost + fee
		m.balances[base] += qty
	} else {
		if m.balances[base]+balanceEpsilon < qty {
			return &types.OrderResult{
				Success: false,
				Reason:  "insufficient",
				Error:   fmt.Errorf("%w: need %.8f %s, have %.8f", ErrInsufficientBalance, qty, base, m.balances[base]),
			}, nil
		}
		m.balances[base] -= qty
		m.balances[quote] += cost - fee
	}

	orderID := fmt.Sprintf("MOCK-%d", m.orderIDSeq.Add(1))
	m.orders = append(m.orders, req)
	m.fills[orderID] = types.FillDetails{Qty: qty, AvgPrice: price, FeeQuote: fee}

	m.logger.Info("[MOCK] Order executed",
		"order_id", orderID,
		"symbol", req.Market.Code,
		"side", req.Side,
		"quantity", qty,
		"price", price,
	)

	return &types.OrderResult{
		Success:   true,
		Simulated: true,
		OrderID:   orderID,
		FilledQty: qty,
		AvgPrice:  price,
		Fee:       fee,
		FeeAsset:  quote,
	}, nil
}

// Rules returns the configured rules for a market
func (m *MockGateway) Rules(ctx context.Context, mk types.Market) (types.MarketRules, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rulesLocked(mk.Code), nil
}

func (m *MockGateway) rulesLocked(code string) types.MarketRules {
	if r, ok := m.rules[code]; ok {
		return r
	}
	return m.defaultRules
}

// FillDetails returns the recorded fill for an order
func (m *MockGateway) FillDetails(ctx context.Context, mk types.Market, orderID string) (types.FillDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.fills[orderID]
	if !ok {
		return types.FillDetails{}, fmt.Errorf("order %s not found", orderID)
	}
	return f, nil
}

// Close is a no-op for the mock gateway
func (m *MockGateway) Close() error {
	return nil
}

// GetOrders returns all recorded orders (for testing)
func (m *MockGateway) GetOrders() []types.OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := make([]types.OrderRequest, len(m.orders))
	copy(orders, m.orders)
	return orders
}

// SetBalance sets the balance for an asset
func (m *MockGateway) SetBalance(asset string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = amount
}

// Balance returns the balance of one asset
func (m *MockGateway) Balance(asset string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[asset]
}

// SetPrice injects a price for a market code
func (m *MockGateway) SetPrice(code string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[code] = price
}

// SetCandles injects candles for a market code and timeframe
func (m *MockGateway) SetCandles(code, timeframe string, candles []types.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[candleKey(code, timeframe)] = candles
}

// SetRules overrides the rules for one market code
func (m *MockGateway) SetRules(code string, rules types.MarketRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[code] = rules
}

func candleKey(code, timeframe string) string {
	return code + "|" + timeframe
}
