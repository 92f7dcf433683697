package engine

import (
	"time"

	"spotrunner/internal/types"
)

// Profile holds the thresholds that differ between the normal and bull-bias
// risk profiles.
type Profile struct {
	TP1             float64
	TP1SellFraction float64
	TP2             float64
	Trail           float64 // negative fraction from peak
	SlippageBps     float64
	StopBufferBps   float64
	RSIMax          float64
	BreakoutTolBps  float64
	MaxExtensionBps float64 // 0 disables the chasing guard
	Dwell           time.Duration
}

// Params is the full strategy parameter set
type Params struct {
	Markets     []types.Market
	Timeframe   string
	CandleLimit int

	// Sizing
	Capital         float64
	PositionPct     float64
	FixedOrderCost  float64
	SymbolOrderCost map[string]float64
	MinOrderCost    float64 // used when the exchange reports none

	// Fees per leg
	BuyFeeRate  float64
	SellFeeRate float64

	// Exits
	StopLoss          float64 // negative fraction from entry
	BEPAfterTP1       bool
	FeeSafeBreakeven  bool
	DynamicStop       bool
	StopEpsilon       float64
	SellHaircut       float64
	SellFailCooldown  time.Duration
	LongHold          bool
	LongHoldMaxAge    time.Duration
	LongHoldForceExit bool
	LongHoldATRMult   float64
	ATRPeriod         int

	// Entry filters
	UseRegime        bool
	RegimeFast       int
	RegimeSlow       int
	UseHTF           bool
	HTFTimeframe     string
	HTFFast          int
	HTFSlow          int
	HTFMinGapBps     float64
	ATRMaxPct        float64 // 0 disables the volatility ceiling
	BreakoutLookback int
	RequirePrevClose bool
	DoubleConfirm    bool
	RSIPeriod        int

	// Session
	Paused             bool
	QuietHours         bool
	QuietStart         int
	QuietEnd           int
	BullOverridesQuiet bool
	MaxTradesPerDay    int
	MaxConcurrent      int
	StopCooldown       time.Duration
	MinEntryGap        time.Duration
	BuyFailCooldown    time.Duration

	// Risk ledger
	DailyLossLimitPct float64 // drawdown floor as a fraction of capital, 0 disables
	HaltAfterLosses   int     // 0 disables
	DailyProfitCapPct float64 // 0 disables
	ExposureGuard     float64 // fraction of capital, 0 disables

	// Bull bias
	BullEnterGapBps    float64
	BullExitGapBps     float64
	BullMinFlatHold    time.Duration
	BullMinBullHold    time.Duration
	BullNotifyInterval time.Duration

	Normal Profile
	Bull   Profile

	// Wallet reconciliation
	SyncMinValue     float64
	SyncToleranceBps float64
	SyncInterval     time.Duration
	RemoveStrikes    int

	// Runtime
	LoopInterval time.Duration
	ErrorBackoff time.Duration
	SaveInterval time.Duration
	Location     *time.Location
}

// Profile returns the active threshold set
func (p Params) Profile(bull bool) Profile {
	if bull {
		return p.Bull
	}
	return p.Normal
}

// DefaultParams returns the stock parameter set
func DefaultParams() Params {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*3600)
	}

	return Params{
		Timeframe:   "5m",
		CandleLimit: 120,

		Capital:      500000,
		PositionPct:  0.12,
		MinOrderCost: 5000,

		BuyFeeRate:  0.0005,
		SellFeeRate: 0.0005,

		StopLoss:         -0.01,
		BEPAfterTP1:      true,
		FeeSafeBreakeven: true,
		DynamicStop:      true,
		StopEpsilon:      0.0001,
		SellHaircut:      0.001,
		SellFailCooldown: 30 * time.Second,
		LongHoldMaxAge:   3 * 24 * time.Hour,
		LongHoldATRMult:  2,
		ATRPeriod:        14,

		UseRegime:        true,
		RegimeFast:       20,
		RegimeSlow:       60,
		HTFTimeframe:     "1h",
		HTFFast:          20,
		HTFSlow:          60,
		BreakoutLookback: 6,
		RSIPeriod:        14,

		QuietHours:         true,
		QuietStart:         2,
		QuietEnd:           6,
		BullOverridesQuiet: true,
		MaxTradesPerDay:    4,
		MaxConcurrent:      3,
		StopCooldown:       15 * time.Minute,
		MinEntryGap:        5 * time.Minute,
		BuyFailCooldown:    2 * time.Minute,

		DailyLossLimitPct: 0.03,
		HaltAfterLosses:   5,
		ExposureGuard:     0.9,

		BullEnterGapBps:    40,
		BullExitGapBps:     15,
		BullMinFlatHold:    10 * time.Minute,
		BullMinBullHold:    30 * time.Minute,
		BullNotifyInterval: 30 * time.Minute,

		Normal: Profile{
			TP1:             0.012,
			TP1SellFraction: 0.5,
			TP2:             0.022,
			Trail:           -0.015,
			SlippageBps:     30,
			StopBufferBps:   60,
			RSIMax:          70,
			BreakoutTolBps:  15,
			MaxExtensionBps: 80,
		},
		Bull: Profile{
			TP1:             0.015,
			TP1SellFraction: 0.3,
			TP2:             0.035,
			Trail:           -0.02,
			SlippageBps:     50,
			StopBufferBps:   90,
			RSIMax:          78,
			BreakoutTolBps:  10,
			MaxExtensionBps: 150,
		},

		SyncMinValue:     3000,
		SyncToleranceBps: 50,
		SyncInterval:     15 * time.Minute,
		RemoveStrikes:    2,

		LoopInterval: 1500 * time.Millisecond,
		ErrorBackoff: 2 * time.Second,
		SaveInterval: 30 * time.Second,
		Location:     loc,
	}
}
