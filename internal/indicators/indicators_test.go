package indicators

import (
	"math"
	"testing"

	"spotrunner/internal/types"
)

func TestEMA(t *testing.T) {
	// Multiplier = 2 / (period + 1), first EMA is the SMA

	tests := []struct {
		name     string
		values   []float64
		period   int
		expected float64
	}{
		{
			name:     "Not enough data",
			values:   []float64{1, 2, 3},
			period:   5,
			expected: 2.0,
		},
		{
			name:   "Simple calculation",
			values: []float64{1, 2, 3, 4, 5},
			period: 3,
			// SMA(1,2,3) = 2, then 3, then 4
			expected: 4.0,
		},
		{
			name:     "Empty",
			values:   []float64{},
			period:   3,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EMA(tt.values, tt.period)
			if math.Abs(got-tt.expected) > 0.0001 {
				t.Errorf("EMA() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		period   int
		expected float64
	}{
		{
			name:     "Not enough data",
			values:   []float64{1, 2, 3},
			period:   14,
			expected: 50.0,
		},
		{
			name:     "All gains",
			values:   []float64{10, 11, 12, 13, 14, 15},
			period:   5,
			expected: 100.0,
		},
		{
			name:     "Flat",
			values:   []float64{10, 10, 10, 10, 10, 10},
			period:   5,
			expected: 50.0,
		},
		{
			name:   "Equal gains and losses",
			values: []float64{10, 11, 10, 11, 10},
			period: 4,
			// AvgGain 0.5, AvgLoss 0.5
			expected: 50.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RSI(tt.values, tt.period)
			if math.Abs(got-tt.expected) > 0.0001 {
				t.Errorf("RSI() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestATR(t *testing.T) {
	candles := []types.Candle{
		{High: 11, Low: 9, Close: 10},
		{High: 12, Low: 10, Close: 11},
		{High: 13, Low: 11, Close: 12},
		{High: 14, Low: 12, Close: 13},
	}

	// Every true range is 2
	if got := ATR(candles, 3); math.Abs(got-2) > 0.0001 {
		t.Errorf("ATR() = %v, want 2", got)
	}

	if got := ATR(candles[:2], 3); got != 0 {
		t.Errorf("ATR() with short input = %v, want 0", got)
	}
}

func TestHighestHigh(t *testing.T) {
	candles := []types.Candle{{High: 5}, {High: 9}, {High: 7}, {High: 12}}

	if got := HighestHigh(candles, 0, 3); got != 9 {
		t.Errorf("HighestHigh(0,3) = %v, want 9", got)
	}
	if got := HighestHigh(candles, -2, 10); got != 12 {
		t.Errorf("HighestHigh clamps bounds, got %v", got)
	}
}
