package engine

import (
	"context"
	"log/slog"
	"time"

	"spotrunner/internal/exchange"
	"spotrunner/internal/types"
)

// Notification event names
const (
	NotifyStart        = "start"
	NotifyEntry        = "entry"
	NotifyTP1          = "tp1"
	NotifyTP2          = "tp2"
	NotifyTrail        = "trail"
	NotifyStop         = "stop"
	NotifyPartialStop  = "partial_stop"
	NotifyLongHold     = "long_hold"
	NotifyReconcile    = "reconcile"
	NotifyBull         = "bull"
	NotifyDailySummary = "daily_summary"
	NotifyError        = "error"
	NotifyFatal        = "fatal"
)

// Notifier receives one-line operator alerts. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event, message string)
}

// Journal records trade events
type Journal interface {
	Record(ctx context.Context, ev types.TradeEvent)
}

// Recorder receives engine metrics
type Recorder interface {
	Order(side, mode string)
	Exit(reason string)
	Skip(reason string)
	Reconcile(action string)
	OpenPositions(n int)
	RealizedToday(v float64)
	BullSymbols(n int)
}

// PriceLookup resolves a market's current price
type PriceLookup interface {
	Price(ctx context.Context, m types.Market) (float64, error)
}

// CandleLookup resolves a market's candle history
type CandleLookup interface {
	Candles(ctx context.Context, m types.Market, timeframe string, limit int) ([]types.Candle, error)
}

// StateStore persists engine snapshots
type StateStore interface {
	Load(ctx context.Context) (*types.Snapshot, error)
	Save(ctx context.Context, snap *types.Snapshot) error
}

// KillSwitch is the order-simulation flag shared with the exchange router
type KillSwitch interface {
	KillSwitch() bool
	SetKillSwitch(on bool)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) {}

type nopJournal struct{}

func (nopJournal) Record(context.Context, types.TradeEvent) {}

type nopRecorder struct{}

func (nopRecorder) Order(string, string)  {}
func (nopRecorder) Exit(string)           {}
func (nopRecorder) Skip(string)           {}
func (nopRecorder) Reconcile(string)      {}
func (nopRecorder) OpenPositions(int)     {}
func (nopRecorder) RealizedToday(float64) {}
func (nopRecorder) BullSymbols(int)       {}

// Deps are the collaborators shared by the trader, reconciler and runner.
// Nil optional fields are replaced with no-op implementations.
type Deps struct {
	Gateway  exchange.Gateway
	Prices   PriceLookup
	Candles  CandleLookup
	Book     *Book
	Ledger   *Ledger
	Store    StateStore
	Kill     KillSwitch
	Notifier Notifier
	Journal  Journal
	Metrics  Recorder

	// OnDayClose runs once per day boundary with the finished day's ledger
	OnDayClose func(ctx context.Context, prev types.LedgerSnapshot)

	Mode   string
	Logger *slog.Logger
	Now    func() time.Time
}

func (d Deps) withDefaults(p Params) Deps {
	if d.Book == nil {
		d.Book = NewBook()
	}
	if d.Ledger == nil {
		d.Ledger = NewLedger(location(p))
	}
	if d.Prices == nil {
		d.Prices = d.Gateway
	}
	if d.Candles == nil {
		d.Candles = d.Gateway
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Journal == nil {
		d.Journal = nopJournal{}
	}
	if d.Metrics == nil {
		d.Metrics = nopRecorder{}
	}
	if d.Mode == "" {
		d.Mode = "paper"
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}
