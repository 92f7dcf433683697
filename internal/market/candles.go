package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"spotrunner/internal/exchange"
	"spotrunner/internal/types"
)

type cachedSeries struct {
	candles   []types.Candle
	fetchedAt time.Time
}

// CandleCache serves OHLCV history with a minimum refresh interval per
// (market, timeframe). Concurrent misses share one gateway call.
type CandleCache struct {
	gateway    exchange.Gateway
	minRefresh time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	series map[string]cachedSeries
	group  singleflight.Group
}

// NewCandleCache creates a new candle cache
func NewCandleCache(gateway exchange.Gateway, minRefresh time.Duration, logger *slog.Logger) *CandleCache {
	return &CandleCache{
		gateway:    gateway,
		minRefresh: minRefresh,
		logger:     logger,
		now:        time.Now,
		series:     make(map[string]cachedSeries),
	}
}

// Candles returns cached candles, refreshing when older than the minimum
// refresh interval. On fetch failure a previously cached series is served.
func (c *CandleCache) Candles(ctx context.Context, m types.Market, timeframe string, limit int) ([]types.Candle, error) {
	key := fmt.Sprintf("%s|%s|%d", m.Code, timeframe, limit)

	c.mu.RLock()
	cached, ok := c.series[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.fetchedAt) < c.minRefresh {
		return cached.candles, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		candles, err := c.gateway.Candles(ctx, m, timeframe, limit)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.series[key] = cachedSeries{candles: candles, fetchedAt: c.now()}
		c.mu.Unlock()
		return candles, nil
	})
	if err != nil {
		if ok {
			c.logger.Warn("[MARKET] Candle refresh failed, serving cached series",
				"symbol", m.Symbol,
				"timeframe", timeframe,
				"age", c.now().Sub(cached.fetchedAt),
				"error", err,
			)
			return cached.candles, nil
		}
		return nil, fmt.Errorf("failed to fetch candles for %s %s: %w", m.Symbol, timeframe, err)
	}
	return v.([]types.Candle), nil
}
