package engine

import "time"

// NextBias advances the Flat/Bull hysteresis. Flat turns Bull on an uptrend
// whose EMA gap reaches the enter threshold after the minimum flat hold.
// Bull turns Flat after the minimum bull hold once the trend breaks or the
// gap falls under the lower exit threshold.
func NextBias(cur BiasState, p Params, uptrend bool, gapBps float64, now time.Time) (BiasState, bool) {
	held := now.Sub(cur.Since)
	if cur.Since.IsZero() {
		held = time.Duration(1<<63 - 1)
	}

	switch cur.Kind {
	case BiasFlat:
		if uptrend && gapBps >= p.BullEnterGapBps && held >= p.BullMinFlatHold {
			return BiasState{Kind: BiasBull, Since: now}, true
		}
	case BiasBull:
		if held >= p.BullMinBullHold && (!uptrend || gapBps < p.BullExitGapBps) {
			return BiasState{Kind: BiasFlat, Since: now}, true
		}
	}
	return cur, false
}
