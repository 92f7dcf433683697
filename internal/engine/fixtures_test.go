package engine

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"spotrunner/internal/exchange"
	"spotrunner/internal/types"
)

var btc = types.Market{Symbol: "BTC/USDT", Code: "BTCUSDT", Base: "BTC", Quote: "USDT"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeClock is a settable clock shared by every component under test
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	msgs   []string
}

func (n *recordingNotifier) Notify(ctx context.Context, event, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.msgs = append(n.msgs, message)
}

func (n *recordingNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

type memJournal struct {
	mu     sync.Mutex
	events []types.TradeEvent
}

func (j *memJournal) Record(ctx context.Context, ev types.TradeEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *memJournal) byType(kind types.TradeEventType) []types.TradeEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.TradeEvent
	for _, ev := range j.events {
		if ev.Event == kind {
			out = append(out, ev)
		}
	}
	return out
}

// testParams is DefaultParams with a small account, UTC days and no quiet hours
func testParams() Params {
	p := DefaultParams()
	p.Markets = []types.Market{btc}
	p.Location = time.UTC
	p.Capital = 10000
	p.PositionPct = 0.1
	p.MinOrderCost = 5
	p.QuietHours = false
	p.SyncMinValue = 10
	return p
}

type harness struct {
	params   Params
	clock    *fakeClock
	gw       *exchange.MockGateway
	book     *Book
	ledger   *Ledger
	notifier *recordingNotifier
	journal  *memJournal
	deps     Deps
}

func newHarness(p Params, opts ...exchange.MockGatewayOption) *harness {
	h := &harness{
		params:   p,
		clock:    newClock(),
		book:     NewBook(),
		ledger:   NewLedger(p.Location),
		notifier: &recordingNotifier{},
		journal:  &memJournal{},
	}
	opts = append([]exchange.MockGatewayOption{exchange.WithMockBalance("USDT", 100000)}, opts...)
	h.gw = exchange.NewMockGateway(testLogger(), opts...)
	h.deps = Deps{
		Gateway:  h.gw,
		Book:     h.book,
		Ledger:   h.ledger,
		Notifier: h.notifier,
		Journal:  h.journal,
		Logger:   testLogger(),
		Now:      h.clock.Now,
	}
	return h
}

func (h *harness) trader() *Trader {
	return NewTrader(h.params, h.deps)
}

// seedPosition records a position and the matching wallet balance
func (h *harness) seedPosition(entry, size float64) {
	h.book.SetPosition(btc.Symbol, types.Position{
		Entry:         entry,
		OriginalEntry: entry,
		Size:          size,
		Invested:      entry * size,
		Peak:          entry,
		StopPrice:     entry * (1 + h.params.StopLoss),
		OpenedAt:      h.clock.Now(),
	})
	h.gw.SetBalance(btc.Base, size)
}

// breakoutCandles builds 100 bars: an 80-bar trend (up or down) into a
// 120/119.5 chop, then a forming bar at last. Completed highs top out at 120.1.
func breakoutCandles(up bool, last float64) []types.Candle {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	closes := make([]float64, 0, 100)
	for i := 0; i < 80; i++ {
		if up {
			closes = append(closes, 100+float64(i)*0.25)
		} else {
			closes = append(closes, 140-float64(i)*0.25)
		}
	}
	for i := 0; i < 19; i++ {
		if i%2 == 0 {
			closes = append(closes, 120)
		} else {
			closes = append(closes, 119.5)
		}
	}
	closes = append(closes, last)

	candles := make([]types.Candle, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		candles[i] = types.Candle{
			OpenTime:  start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      open,
			High:      math.Max(open, c) + 0.1,
			Low:       math.Min(open, c) - 0.1,
			Close:     c,
			Volume:    1,
			CloseTime: start.Add(time.Duration(i+1)*5*time.Minute - time.Millisecond),
		}
	}
	return candles
}
