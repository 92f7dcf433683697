package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"spotrunner/internal/engine"
	"spotrunner/internal/types"
)

func setParamDefaults(v *viper.Viper) {
	d := engine.DefaultParams()

	v.SetDefault("MARKETS", "BTC/USDT")
	v.SetDefault("TIMEFRAME", d.Timeframe)
	v.SetDefault("CANDLE_LIMIT", d.CandleLimit)
	v.SetDefault("TIMEZONE", "Asia/Seoul")

	v.SetDefault("BASE_CAPITAL", d.Capital)
	v.SetDefault("POS_PCT", d.PositionPct)
	v.SetDefault("FIXED_ORDER_COST", d.FixedOrderCost)
	v.SetDefault("MIN_ORDER_COST", d.MinOrderCost)
	v.SetDefault("FEE_RATE", d.BuyFeeRate)

	v.SetDefault("STOP_LOSS", d.StopLoss)
	v.SetDefault("USE_BEP_AFTER_TP1", d.BEPAfterTP1)
	v.SetDefault("FEE_SAFE_BREAKEVEN", d.FeeSafeBreakeven)
	v.SetDefault("DYNAMIC_STOP", d.DynamicStop)
	v.SetDefault("STOP_EPSILON", d.StopEpsilon)
	v.SetDefault("SELL_HAIRCUT", d.SellHaircut)
	v.SetDefault("SELL_FAIL_COOLDOWN", d.SellFailCooldown)
	v.SetDefault("LONG_HOLD", d.LongHold)
	v.SetDefault("LONG_HOLD_MAX_AGE", d.LongHoldMaxAge)
	v.SetDefault("LONG_HOLD_FORCE_EXIT", d.LongHoldForceExit)
	v.SetDefault("LONG_HOLD_ATR_MULT", d.LongHoldATRMult)
	v.SetDefault("ATR_PERIOD", d.ATRPeriod)

	v.SetDefault("USE_REGIME_FILTER", d.UseRegime)
	v.SetDefault("REGIME_EMA_FAST", d.RegimeFast)
	v.SetDefault("REGIME_EMA_SLOW", d.RegimeSlow)
	v.SetDefault("USE_HTF", d.UseHTF)
	v.SetDefault("HTF_TIMEFRAME", d.HTFTimeframe)
	v.SetDefault("HTF_EMA_FAST", d.HTFFast)
	v.SetDefault("HTF_EMA_SLOW", d.HTFSlow)
	v.SetDefault("HTF_MIN_GAP_BPS", d.HTFMinGapBps)
	v.SetDefault("ATR_MAX_PCT", d.ATRMaxPct)
	v.SetDefault("BREAKOUT_LOOKBACK", d.BreakoutLookback)
	v.SetDefault("REQUIRE_PREV_CLOSE", d.RequirePrevClose)
	v.SetDefault("DOUBLE_CONFIRM", d.DoubleConfirm)
	v.SetDefault("RSI_PERIOD", d.RSIPeriod)

	v.SetDefault("PAUSED", d.Paused)
	v.SetDefault("QUIET_HOURS", d.QuietHours)
	v.SetDefault("QUIET_HOUR_START", d.QuietStart)
	v.SetDefault("QUIET_HOUR_END", d.QuietEnd)
	v.SetDefault("BULL_OVERRIDES_QUIET", d.BullOverridesQuiet)
	v.SetDefault("MAX_TRADES_PER_DAY", d.MaxTradesPerDay)
	v.SetDefault("MAX_CONCURRENT_POSITIONS", d.MaxConcurrent)
	v.SetDefault("STOP_COOLDOWN", d.StopCooldown)
	v.SetDefault("MIN_ENTRY_GAP", d.MinEntryGap)
	v.SetDefault("BUY_FAIL_COOLDOWN", d.BuyFailCooldown)

	v.SetDefault("DAILY_LOSS_LIMIT_PCT", d.DailyLossLimitPct)
	v.SetDefault("HALT_AFTER_LOSSES", d.HaltAfterLosses)
	v.SetDefault("DAILY_PROFIT_CAP_PCT", d.DailyProfitCapPct)
	v.SetDefault("EXPOSURE_GUARD", d.ExposureGuard)

	v.SetDefault("BULL_ENTER_GAP_BPS", d.BullEnterGapBps)
	v.SetDefault("BULL_EXIT_GAP_BPS", d.BullExitGapBps)
	v.SetDefault("BULL_MIN_FLAT_HOLD", d.BullMinFlatHold)
	v.SetDefault("BULL_MIN_BULL_HOLD", d.BullMinBullHold)
	v.SetDefault("BULL_NOTIFY_INTERVAL", d.BullNotifyInterval)

	setProfileDefaults(v, "", d.Normal)
	setProfileDefaults(v, "BULL_", d.Bull)

	v.SetDefault("SYNC_MIN_VALUE", d.SyncMinValue)
	v.SetDefault("SYNC_TOLERANCE_BPS", d.SyncToleranceBps)
	v.SetDefault("SYNC_INTERVAL", d.SyncInterval)
	v.SetDefault("SYNC_REMOVE_STRIKES", d.RemoveStrikes)

	v.SetDefault("LOOP_INTERVAL", d.LoopInterval)
	v.SetDefault("ERROR_BACKOFF", d.ErrorBackoff)
	v.SetDefault("SAVE_INTERVAL", d.SaveInterval)
}

func setProfileDefaults(v *viper.Viper, prefix string, p engine.Profile) {
	v.SetDefault(prefix+"TP1", p.TP1)
	v.SetDefault(prefix+"TP1_SELL_FRACTION", p.TP1SellFraction)
	v.SetDefault(prefix+"TP2", p.TP2)
	v.SetDefault(prefix+"TRAIL", p.Trail)
	v.SetDefault(prefix+"ENTRY_SLIPPAGE_BPS", p.SlippageBps)
	v.SetDefault(prefix+"STOP_BUFFER_BPS", p.StopBufferBps)
	v.SetDefault(prefix+"RSI_MAX", p.RSIMax)
	v.SetDefault(prefix+"BREAKOUT_TOL_BPS", p.BreakoutTolBps)
	v.SetDefault(prefix+"MAX_EXTENSION_BPS", p.MaxExtensionBps)
	v.SetDefault(prefix+"DWELL", p.Dwell)
}

func loadParams(v *viper.Viper, c *clamp) (engine.Params, error) {
	p := engine.DefaultParams()

	symbols := stringList(v, "MARKETS")
	if len(symbols) == 0 {
		return p, fmt.Errorf("MARKETS must list at least one BASE/QUOTE symbol")
	}
	p.Markets = p.Markets[:0]
	seen := make(map[string]bool)
	for _, s := range symbols {
		m, err := types.ParseMarket(s)
		if err != nil {
			return p, fmt.Errorf("failed to parse MARKETS: %w", err)
		}
		if seen[m.Symbol] {
			continue
		}
		seen[m.Symbol] = true
		p.Markets = append(p.Markets, m)
	}

	loc, err := time.LoadLocation(v.GetString("TIMEZONE"))
	if err != nil {
		return p, fmt.Errorf("failed to load TIMEZONE: %w", err)
	}
	p.Location = loc

	p.Timeframe = v.GetString("TIMEFRAME")
	p.CandleLimit = c.intIn(v, "CANDLE_LIMIT", 30, 1000)

	p.Capital = c.floatIn(v, "BASE_CAPITAL", 0, 1e15)
	p.PositionPct = c.floatIn(v, "POS_PCT", 0, 1)
	p.FixedOrderCost = c.floatIn(v, "FIXED_ORDER_COST", 0, 1e15)
	p.MinOrderCost = c.floatIn(v, "MIN_ORDER_COST", 0, 1e12)
	costs, err := parseCosts(v.GetString("SYMBOL_ORDER_COST"))
	if err != nil {
		return p, err
	}
	p.SymbolOrderCost = costs

	fee := c.floatIn(v, "FEE_RATE", 0, 0.01)
	p.BuyFeeRate, p.SellFeeRate = fee, fee
	if v.IsSet("FEE_RATE_BUY") {
		p.BuyFeeRate = c.floatIn(v, "FEE_RATE_BUY", 0, 0.01)
	}
	if v.IsSet("FEE_RATE_SELL") {
		p.SellFeeRate = c.floatIn(v, "FEE_RATE_SELL", 0, 0.01)
	}

	p.StopLoss = c.floatIn(v, "STOP_LOSS", -0.5, -0.0001)
	p.BEPAfterTP1 = v.GetBool("USE_BEP_AFTER_TP1")
	p.FeeSafeBreakeven = v.GetBool("FEE_SAFE_BREAKEVEN")
	p.DynamicStop = v.GetBool("DYNAMIC_STOP")
	p.StopEpsilon = c.floatIn(v, "STOP_EPSILON", 1e-6, 0.01)
	p.SellHaircut = c.floatIn(v, "SELL_HAIRCUT", 0, 0.05)
	p.SellFailCooldown = c.durationIn(v, "SELL_FAIL_COOLDOWN", 0, time.Hour)
	p.LongHold = v.GetBool("LONG_HOLD")
	p.LongHoldMaxAge = c.durationIn(v, "LONG_HOLD_MAX_AGE", time.Hour, 365*24*time.Hour)
	p.LongHoldForceExit = v.GetBool("LONG_HOLD_FORCE_EXIT")
	p.LongHoldATRMult = c.floatIn(v, "LONG_HOLD_ATR_MULT", 0, 20)
	p.ATRPeriod = c.intIn(v, "ATR_PERIOD", 2, 200)

	p.UseRegime = v.GetBool("USE_REGIME_FILTER")
	p.RegimeFast = c.intIn(v, "REGIME_EMA_FAST", 2, 500)
	p.RegimeSlow = c.intIn(v, "REGIME_EMA_SLOW", 3, 1000)
	p.UseHTF = v.GetBool("USE_HTF")
	p.HTFTimeframe = v.GetString("HTF_TIMEFRAME")
	p.HTFFast = c.intIn(v, "HTF_EMA_FAST", 2, 500)
	p.HTFSlow = c.intIn(v, "HTF_EMA_SLOW", 3, 1000)
	p.HTFMinGapBps = c.floatIn(v, "HTF_MIN_GAP_BPS", -1000, 1000)
	p.ATRMaxPct = c.floatIn(v, "ATR_MAX_PCT", 0, 1)
	p.BreakoutLookback = c.intIn(v, "BREAKOUT_LOOKBACK", 2, 200)
	p.RequirePrevClose = v.GetBool("REQUIRE_PREV_CLOSE")
	p.DoubleConfirm = v.GetBool("DOUBLE_CONFIRM")
	p.RSIPeriod = c.intIn(v, "RSI_PERIOD", 2, 200)

	p.Paused = v.GetBool("PAUSED")
	p.QuietHours = v.GetBool("QUIET_HOURS")
	p.QuietStart = c.intIn(v, "QUIET_HOUR_START", 0, 23)
	p.QuietEnd = c.intIn(v, "QUIET_HOUR_END", 0, 23)
	p.BullOverridesQuiet = v.GetBool("BULL_OVERRIDES_QUIET")
	p.MaxTradesPerDay = c.intIn(v, "MAX_TRADES_PER_DAY", 0, 1000)
	p.MaxConcurrent = c.intIn(v, "MAX_CONCURRENT_POSITIONS", 1, 100)
	p.StopCooldown = c.durationIn(v, "STOP_COOLDOWN", 0, 24*time.Hour)
	p.MinEntryGap = c.durationIn(v, "MIN_ENTRY_GAP", 0, 24*time.Hour)
	p.BuyFailCooldown = c.durationIn(v, "BUY_FAIL_COOLDOWN", 0, 24*time.Hour)

	p.DailyLossLimitPct = c.floatIn(v, "DAILY_LOSS_LIMIT_PCT", 0, 1)
	p.HaltAfterLosses = c.intIn(v, "HALT_AFTER_LOSSES", 0, 1000)
	p.DailyProfitCapPct = c.floatIn(v, "DAILY_PROFIT_CAP_PCT", 0, 10)
	p.ExposureGuard = c.floatIn(v, "EXPOSURE_GUARD", 0, 1)

	p.BullEnterGapBps = c.floatIn(v, "BULL_ENTER_GAP_BPS", 0, 10000)
	p.BullExitGapBps = c.floatIn(v, "BULL_EXIT_GAP_BPS", -10000, 10000)
	p.BullMinFlatHold = c.durationIn(v, "BULL_MIN_FLAT_HOLD", 0, 24*time.Hour)
	p.BullMinBullHold = c.durationIn(v, "BULL_MIN_BULL_HOLD", 0, 24*time.Hour)
	p.BullNotifyInterval = c.durationIn(v, "BULL_NOTIFY_INTERVAL", time.Minute, 24*time.Hour)

	p.Normal = loadProfile(v, c, "")
	p.Bull = loadProfile(v, c, "BULL_")

	p.SyncMinValue = c.floatIn(v, "SYNC_MIN_VALUE", 0, 1e12)
	p.SyncToleranceBps = c.floatIn(v, "SYNC_TOLERANCE_BPS", 0, 10000)
	p.SyncInterval = c.durationIn(v, "SYNC_INTERVAL", 10*time.Second, 24*time.Hour)
	p.RemoveStrikes = c.intIn(v, "SYNC_REMOVE_STRIKES", 1, 100)

	p.LoopInterval = c.durationIn(v, "LOOP_INTERVAL", 200*time.Millisecond, time.Minute)
	p.ErrorBackoff = c.durationIn(v, "ERROR_BACKOFF", 100*time.Millisecond, 5*time.Minute)
	p.SaveInterval = c.durationIn(v, "SAVE_INTERVAL", time.Second, time.Hour)

	return p, nil
}

func loadProfile(v *viper.Viper, c *clamp, prefix string) engine.Profile {
	return engine.Profile{
		TP1:             c.floatIn(v, prefix+"TP1", 0.0001, 1),
		TP1SellFraction: c.floatIn(v, prefix+"TP1_SELL_FRACTION", 0, 1),
		TP2:             c.floatIn(v, prefix+"TP2", 0.0001, 5),
		Trail:           c.floatIn(v, prefix+"TRAIL", -0.5, -0.0001),
		SlippageBps:     c.floatIn(v, prefix+"ENTRY_SLIPPAGE_BPS", 0, 1000),
		StopBufferBps:   c.floatIn(v, prefix+"STOP_BUFFER_BPS", 0, 5000),
		RSIMax:          c.floatIn(v, prefix+"RSI_MAX", 1, 100),
		BreakoutTolBps:  c.floatIn(v, prefix+"BREAKOUT_TOL_BPS", 0, 1000),
		MaxExtensionBps: c.floatIn(v, prefix+"MAX_EXTENSION_BPS", 0, 10000),
		Dwell:           c.durationIn(v, prefix+"DWELL", 0, time.Hour),
	}
}

// parseCosts reads "BTC/USDT=100,ETH/USDT=50"
func parseCosts(raw string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		sym, val, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid SYMBOL_ORDER_COST entry %q: expected SYMBOL=COST", item)
		}
		m, err := types.ParseMarket(sym)
		if err != nil {
			return nil, fmt.Errorf("invalid SYMBOL_ORDER_COST entry %q: %w", item, err)
		}
		cost, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || cost <= 0 {
			return nil, fmt.Errorf("invalid SYMBOL_ORDER_COST entry %q: cost must be positive", item)
		}
		out[m.Symbol] = cost
	}
	return out, nil
}

func validateParams(p engine.Params) error {
	if p.RegimeFast >= p.RegimeSlow {
		return fmt.Errorf("REGIME_EMA_FAST (%d) must be below REGIME_EMA_SLOW (%d)", p.RegimeFast, p.RegimeSlow)
	}
	if p.UseHTF && p.HTFFast >= p.HTFSlow {
		return fmt.Errorf("HTF_EMA_FAST (%d) must be below HTF_EMA_SLOW (%d)", p.HTFFast, p.HTFSlow)
	}
	if p.BullExitGapBps >= p.BullEnterGapBps {
		return fmt.Errorf("BULL_EXIT_GAP_BPS (%g) must be below BULL_ENTER_GAP_BPS (%g)", p.BullExitGapBps, p.BullEnterGapBps)
	}
	if p.FixedOrderCost <= 0 && len(p.SymbolOrderCost) == 0 && (p.Capital <= 0 || p.PositionPct <= 0) {
		return fmt.Errorf("no order sizing: set BASE_CAPITAL and POS_PCT, FIXED_ORDER_COST or SYMBOL_ORDER_COST")
	}

	roundTrip := p.BuyFeeRate + p.SellFeeRate
	for name, prof := range map[string]engine.Profile{"": p.Normal, "BULL_": p.Bull} {
		if prof.TP1 <= roundTrip {
			return fmt.Errorf("%sTP1 (%g) must exceed round-trip fees (%g)", name, prof.TP1, roundTrip)
		}
		if prof.TP2 <= prof.TP1 {
			return fmt.Errorf("%sTP2 (%g) must exceed %sTP1 (%g)", name, prof.TP2, name, prof.TP1)
		}
	}
	return nil
}
