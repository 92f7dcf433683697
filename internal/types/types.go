package types

import (
	"fmt"
	"strings"
	"time"
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Market identifies a traded pair in both display and exchange form
type Market struct {
	Symbol string `json:"symbol"` // "BTC/USDT"
	Code   string `json:"code"`   // "BTCUSDT"
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// ParseMarket converts a BASE/QUOTE symbol into a Market
func ParseMarket(symbol string) (Market, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(symbol)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Market{}, fmt.Errorf("invalid symbol %q: expected BASE/QUOTE", symbol)
	}
	return Market{
		Symbol: parts[0] + "/" + parts[1],
		Code:   parts[0] + parts[1],
		Base:   parts[0],
		Quote:  parts[1],
	}, nil
}

// MarketRules holds the exchange trading constraints for a market
type MarketRules struct {
	MinOrderCost float64 `json:"min_order_cost"`
	StepSize     float64 `json:"step_size"`
	MinQty       float64 `json:"min_qty"`
	TickSize     float64 `json:"tick_size"`
}

// Candle represents OHLCV candlestick data. The last candle of a fetched
// series is the still-forming bar.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Position is the engine's belief about one open spot holding
type Position struct {
	Entry            float64   `json:"entry"`
	OriginalEntry    float64   `json:"original_entry"`
	Size             float64   `json:"size"`
	Invested         float64   `json:"invested"`
	Peak             float64   `json:"peak"`
	TookTP1          bool      `json:"took_tp1"`
	StopPrice        float64   `json:"stop_price"`
	OpenedAt         time.Time `json:"opened_at"`
	AccFee           float64   `json:"acc_fee"`
	RunningGross     float64   `json:"running_gross"`
	RunningFee       float64   `json:"running_fee"`
	RunningNet       float64   `json:"running_net"`
	Adopted          bool      `json:"adopted,omitempty"`
	LongHoldNotified bool      `json:"long_hold_notified,omitempty"`
	BuyOrderID       string    `json:"buy_order_id,omitempty"`
}

// CostBasis returns the price used for realized P&L
func (p Position) CostBasis() float64 {
	if p.OriginalEntry > 0 {
		return p.OriginalEntry
	}
	return p.Entry
}

// OrderRequest represents a market order to be executed
type OrderRequest struct {
	Market        Market
	Side          Side
	Quantity      float64
	QuoteQty      float64
	PriceHint     float64
	ClientOrderID string
}

// OrderResult represents the result of an order execution
type OrderResult struct {
	Success   bool
	Simulated bool
	OrderID   string
	FilledQty float64
	AvgPrice  float64
	Fee       float64
	FeeAsset  string
	Reason    string
	Error     error
}

// FillDetails summarizes the exchange's own trade history for one order
type FillDetails struct {
	Qty      float64
	AvgPrice float64
	FeeQuote float64
}

// DayCount is a per-symbol entry counter keyed by trading day
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// LedgerSnapshot is the process-wide daily risk ledger
type LedgerSnapshot struct {
	Day             string         `json:"day"`
	RealizedToday   float64        `json:"realized_today"`
	GrossToday      float64        `json:"gross_today"`
	FeeToday        float64        `json:"fee_today"`
	WinsToday       int            `json:"wins_today"`
	LossesToday     int            `json:"losses_today"`
	DailyLossTrades int            `json:"daily_loss_trades"`
	FailureCounts   map[string]int `json:"failure_counts"`
}

// Snapshot is the persisted engine state. Missing fields decode as zero values.
type Snapshot struct {
	Version     int                 `json:"version"`
	SavedAt     time.Time           `json:"saved_at"`
	Positions   map[string]Position `json:"positions"`
	TradesToday map[string]DayCount `json:"trades_today"`
	Ledger      LedgerSnapshot      `json:"ledger"`
	Paused      bool                `json:"paused"`
	KillSwitch  bool                `json:"kill_switch"`
}

// TradeEventType names a journal event
type TradeEventType string

const (
	EventOpen         TradeEventType = "open"
	EventTP1          TradeEventType = "tp1"
	EventTP2          TradeEventType = "tp2"
	EventTrail        TradeEventType = "trail"
	EventStop         TradeEventType = "stop"
	EventPartialStop  TradeEventType = "partial_stop"
	EventLongHoldExit TradeEventType = "long_hold_exit"
	EventDustClose    TradeEventType = "dust_close"
	EventAdopt        TradeEventType = "adopt"
	EventRemove       TradeEventType = "remove"
	EventResize       TradeEventType = "resize"
)

// IsExit reports whether the event realizes P&L
func (e TradeEventType) IsExit() bool {
	switch e {
	case EventTP1, EventTP2, EventTrail, EventStop, EventPartialStop, EventLongHoldExit:
		return true
	}
	return false
}

// TradeEvent is one line of the trade journal
type TradeEvent struct {
	TS          time.Time         `json:"ts"`
	Day         string            `json:"day"`
	Symbol      string            `json:"symbol"`
	Event       TradeEventType    `json:"event"`
	EntryPrice  float64           `json:"entry_price"`
	ExitPrice   float64           `json:"exit_price,omitempty"`
	Size        float64           `json:"size"`
	SoldSize    float64           `json:"sold_size,omitempty"`
	Gross       float64           `json:"gross"`
	Fee         float64           `json:"fee"`
	Net         float64           `json:"net"`
	PnLPct      float64           `json:"pnl_pct"`
	CumNetAfter float64           `json:"cum_net_after"`
	Regime      string            `json:"regime,omitempty"`
	LongHold    bool              `json:"long_hold,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	OpenPositions int       `json:"open_positions"`
}

// RunnerStatus is the read-only view served by the status endpoint
type RunnerStatus struct {
	Mode       string              `json:"mode"`
	StartedAt  time.Time           `json:"started_at"`
	KillSwitch bool                `json:"kill_switch"`
	Paused     bool                `json:"paused"`
	Markets    []string            `json:"markets"`
	Bias       map[string]string   `json:"bias"`
	Positions  map[string]Position `json:"positions"`
	Ledger     LedgerSnapshot      `json:"ledger"`
}
