package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"

	"spotrunner/internal/types"
)

// BinanceGateway implements Gateway on the Binance spot REST API
type BinanceGateway struct {
	client *binance.Client
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[string]types.MarketRules
}

// NewBinanceGateway creates a new Binance gateway. Empty keys give a
// public-data-only client.
func NewBinanceGateway(apiKey, secretKey string, logger *slog.Logger) *BinanceGateway {
	return &BinanceGateway{
		client: binance.NewClient(apiKey, secretKey),
		logger: logger,
		rules:  make(map[string]types.MarketRules),
	}
}

// Price returns current price for a market via REST API
func (b *BinanceGateway) Price(ctx context.Context, m types.Market) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(m.Code).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", m.Code, mapError(err))
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, m.Code)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price: %w", err)
	}
	return price, nil
}

// Candles returns historical kline data
func (b *BinanceGateway) Candles(ctx context.Context, m types.Market, timeframe string, limit int) ([]types.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(m.Code).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", m.Code, mapError(err))
	}

	result := make([]types.Candle, len(klines))
	for i, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		result[i] = types.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			CloseTime: time.UnixMilli(k.CloseTime),
		}
	}
	return result, nil
}

// Balances returns free balances for all assets with a non-zero amount
func (b *BinanceGateway) Balances(ctx context.Context) (map[string]float64, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", mapError(err))
	}

	balances := make(map[string]float64, len(account.Balances))
	for _, balance := range account.Balances {
		free, _ := strconv.ParseFloat(balance.Free, 64)
		if free > 0 {
			balances[balance.Asset] = free
		}
	}
	return balances, nil
}

// MarketBuy places a market buy order
func (b *BinanceGateway) MarketBuy(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	return b.placeMarket(ctx, binance.SideTypeBuy, req)
}

// MarketSell places a market sell order
func (b *BinanceGateway) MarketSell(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	return b.placeMarket(ctx, binance.SideTypeSell, req)
}

func (b *BinanceGateway) placeMarket(ctx context.Context, side binance.SideType, req types.OrderRequest) (*types.OrderResult, error) {
	rules, err := b.Rules(ctx, req.Market)
	if err != nil {
		return &types.OrderResult{Success: false, Reason: "rules", Error: err}, nil
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "sr-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	}

	service := b.client.NewCreateOrderService().
		Symbol(req.Market.Code).
		Side(side).
		Type(binance.OrderTypeMarket).
		NewClientOrderID(clientID).
		NewOrderRespType(binance.NewOrderRespTypeFULL)

	if req.Quantity > 0 {
		qty := FloorToStep(req.Quantity, rules.StepSize)
		service = service.Quantity(strconv.FormatFloat(qty, 'f', StepDecimals(rules.StepSize), 64))
	} else if req.QuoteQty > 0 {
		service = service.QuoteOrderQty(strconv.FormatFloat(req.QuoteQty, 'f', 8, 64))
	} else {
		return &types.OrderResult{Success: false, Reason: "empty", Error: ErrBelowMinimum}, nil
	}

	order, err := service.Do(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		mapped := mapError(err)
		b.logger.Error("[BINANCE] Order failed",
			"symbol", req.Market.Code,
			"side", side,
			"error", err,
		)
		return &types.OrderResult{Success: false, Reason: reasonOf(mapped), Error: mapped}, nil
	}

	filledQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)

	avgPrice := req.PriceHint
	if filledQty > 0 && quoteQty > 0 {
		avgPrice = quoteQty / filledQty
	}

	fee, feeAsset := 0.0, ""
	for _, fill := range order.Fills {
		commission, _ := strconv.ParseFloat(fill.Commission, 64)
		fee += commission
		feeAsset = fill.CommissionAsset
	}

	b.logger.Info("[BINANCE] Order placed",
		"order_id", order.OrderID,
		"symbol", req.Market.Code,
		"side", side,
		"status", order.Status,
		"filled_qty", filledQty,
		"avg_price", avgPrice,
	)

	if filledQty <= 0 {
		return &types.OrderResult{
			Success: false,
			OrderID: strconv.FormatInt(order.OrderID, 10),
			Reason:  "unfilled",
			Error:   fmt.Errorf("order %d not filled: %s", order.OrderID, order.Status),
		}, nil
	}

	return &types.OrderResult{
		Success:   true,
		OrderID:   strconv.FormatInt(order.OrderID, 10),
		FilledQty: filledQty,
		AvgPrice:  avgPrice,
		Fee:       fee,
		FeeAsset:  feeAsset,
	}, nil
}

// Rules returns exchange filters for a market, cached after the first lookup
func (b *BinanceGateway) Rules(ctx context.Context, m types.Market) (types.MarketRules, error) {
	b.mu.RLock()
	cached, ok := b.rules[m.Code]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	info, err := b.client.NewExchangeInfoService().Symbol(m.Code).Do(ctx)
	if err != nil {
		return types.MarketRules{}, fmt.Errorf("failed to get exchange info for %s: %w", m.Code, mapError(err))
	}
	if len(info.Symbols) == 0 {
		return types.MarketRules{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, m.Code)
	}

	rules := rulesFromSymbol(&info.Symbols[0])

	b.mu.Lock()
	b.rules[m.Code] = rules
	b.mu.Unlock()

	b.logger.Debug("[BINANCE] Market rules loaded",
		"symbol", m.Code,
		"step", rules.StepSize,
		"min_qty", rules.MinQty,
		"min_cost", rules.MinOrderCost,
	)
	return rules, nil
}

// rulesFromSymbol reads step, min qty, tick and min cost from the symbol's
// exchange-info filters. Older listings carry MIN_NOTIONAL instead of NOTIONAL.
func rulesFromSymbol(sym *binance.Symbol) types.MarketRules {
	var rules types.MarketRules
	if lot := sym.LotSizeFilter(); lot != nil {
		rules.StepSize, _ = strconv.ParseFloat(lot.StepSize, 64)
		rules.MinQty, _ = strconv.ParseFloat(lot.MinQuantity, 64)
	}
	if pf := sym.PriceFilter(); pf != nil {
		rules.TickSize, _ = strconv.ParseFloat(pf.TickSize, 64)
	}
	if nf := sym.NotionalFilter(); nf != nil {
		rules.MinOrderCost, _ = strconv.ParseFloat(nf.MinNotional, 64)
		return rules
	}
	for _, f := range sym.Filters {
		if f["filterType"] != "MIN_NOTIONAL" {
			continue
		}
		if v, ok := f["minNotional"].(string); ok {
			rules.MinOrderCost, _ = strconv.ParseFloat(v, 64)
		}
	}
	return rules
}

// FillDetails aggregates the account's trades for one order
func (b *BinanceGateway) FillDetails(ctx context.Context, m types.Market, orderID string) (types.FillDetails, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return types.FillDetails{}, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	trades, err := b.client.NewListTradesService().Symbol(m.Code).OrderId(id).Do(ctx)
	if err != nil {
		return types.FillDetails{}, fmt.Errorf("failed to list trades for %s: %w", m.Code, mapError(err))
	}

	var details types.FillDetails
	var quote float64
	for _, t := range trades {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Quantity, 64)
		commission, _ := strconv.ParseFloat(t.Commission, 64)

		details.Qty += qty
		quote += price * qty
		switch t.CommissionAsset {
		case m.Quote:
			details.FeeQuote += commission
		case m.Base:
			details.FeeQuote += commission * price
		}
	}
	if details.Qty > 0 {
		details.AvgPrice = quote / details.Qty
	}
	return details, nil
}

// Close is a no-op for the REST client
func (b *BinanceGateway) Close() error {
	return nil
}

// mapError converts Binance API errors into package sentinels
func mapError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(msg, "insufficient balance"):
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, apiErr.Message)
		case apiErr.Code == -1121:
			return fmt.Errorf("%w: %s", ErrUnknownSymbol, apiErr.Message)
		case apiErr.Code == -1013 || strings.Contains(msg, "notional"):
			return fmt.Errorf("%w: %s", ErrBelowMinimum, apiErr.Message)
		}
	}
	return err
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, ErrBelowMinimum):
		return "min_notional"
	case errors.Is(err, ErrUnknownSymbol):
		return "unknown_symbol"
	default:
		return "rejected"
	}
}

// BinanceStream keeps the latest aggTrade price per market in a PriceSink
type BinanceStream struct {
	logger        *slog.Logger
	sink          PriceSink
	mu            sync.Mutex
	subscriptions map[string]*wsSubscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// wsSubscription holds the state for a single WebSocket connection
type wsSubscription struct {
	code     string
	stopChan chan struct{}
	done     chan struct{}
}

// NewBinanceStream creates a new Binance trade price stream
func NewBinanceStream(sink PriceSink, logger *slog.Logger) *BinanceStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &BinanceStream{
		logger:        logger,
		sink:          sink,
		subscriptions: make(map[string]*wsSubscription),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Subscribe starts streaming trade prices for a market
func (s *BinanceStream) Subscribe(m types.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[m.Code]; exists {
		return
	}

	sub := &wsSubscription{
		code:     m.Code,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.subscriptions[m.Code] = sub

	go s.run(sub)

	s.logger.Info("[BINANCE] Subscribed to trade stream", "symbol", m.Code)
}

// run manages the WebSocket connection with auto-reconnection
func (s *BinanceStream) run(sub *wsSubscription) {
	defer close(sub.done)

	stream := strings.ToLower(sub.code)
	retry := time.Second
	maxRetry := 30 * time.Second

	for {
		select {
		case <-sub.stopChan:
			return
		case <-s.ctx.Done():
			return
		default:
		}

		handler := func(event *binance.WsAggTradeEvent) {
			price, err := strconv.ParseFloat(event.Price, 64)
			if err != nil || price <= 0 {
				return
			}
			s.sink.SetPrice(sub.code, price, time.UnixMilli(event.Time))
		}

		errHandler := func(err error) {
			s.logger.Error("[BINANCE] WebSocket error",
				"symbol", sub.code,
				"error", err,
			)
		}

		doneC, stopC, err := binance.WsAggTradeServe(stream, handler, errHandler)
		if err != nil {
			s.logger.Error("[BINANCE] Failed to connect WebSocket",
				"symbol", sub.code,
				"error", err,
				"retry_in", retry,
			)

			select {
			case <-time.After(retry):
				retry = min(retry*2, maxRetry)
				continue
			case <-sub.stopChan:
				return
			case <-s.ctx.Done():
				return
			}
		}

		s.logger.Info("[BINANCE] WebSocket connected", "symbol", sub.code)
		retry = time.Second

		select {
		case <-doneC:
			s.logger.Warn("[BINANCE] WebSocket disconnected, reconnecting...",
				"symbol", sub.code,
			)
		case <-sub.stopChan:
			close(stopC)
			return
		case <-s.ctx.Done():
			close(stopC)
			return
		}
	}
}

// Close stops all subscriptions
func (s *BinanceStream) Close() error {
	s.cancel()

	s.mu.Lock()
	subs := make([]*wsSubscription, 0, len(s.subscriptions))
	for code, sub := range s.subscriptions {
		subs = append(subs, sub)
		delete(s.subscriptions, code)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-time.After(5 * time.Second):
			s.logger.Warn("[BINANCE] Timeout waiting for WebSocket to close",
				"symbol", sub.code,
			)
		}
	}

	s.logger.Info("[BINANCE] Stream closed")
	return nil
}
