package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spotrunner/internal/exchange"
	"spotrunner/internal/types"
)

type quote struct {
	price float64
	at    time.Time
}

// PriceBook holds the latest streamed trade price per market code
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]quote
}

// NewPriceBook creates an empty price book
func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]quote)}
}

// SetPrice records a trade price
func (b *PriceBook) SetPrice(code string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.quotes[code]; ok && at.Before(cur.at) {
		return
	}
	b.quotes[code] = quote{price: price, at: at}
}

// Get returns the latest price and when it was observed
func (b *PriceBook) Get(code string) (float64, time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[code]
	return q.price, q.at, ok
}

// PriceSource resolves a usable price: the streamed price while fresh, else
// the gateway's REST price.
type PriceSource struct {
	book       *PriceBook
	gateway    exchange.Gateway
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPriceSource creates a price source over a price book and gateway
func NewPriceSource(book *PriceBook, gateway exchange.Gateway, staleAfter time.Duration, logger *slog.Logger) *PriceSource {
	return &PriceSource{
		book:       book,
		gateway:    gateway,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Price returns the current price for a market
func (s *PriceSource) Price(ctx context.Context, m types.Market) (float64, error) {
	if price, at, ok := s.book.Get(m.Code); ok && (s.staleAfter <= 0 || s.now().Sub(at) <= s.staleAfter) {
		return price, nil
	}

	price, err := s.gateway.Price(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for %s: %w", m.Symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", exchange.ErrNoPrice, m.Symbol)
	}
	s.book.SetPrice(m.Code, price, s.now())
	s.logger.Debug("[MARKET] Price from REST fallback", "symbol", m.Symbol, "price", price)
	return price, nil
}
