package risk

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
)

// Candle is one OHLC bar used for volatility estimation.
type Candle struct {
	Open, High, Low, Close float64
}

// ATR returns the latest average true range over period bars.
func ATR(candles []Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("risk: atr: period %d", period)
	}
	if len(candles) <= period {
		return 0, fmt.Errorf("risk: atr: need more than %d candles, got %d", period, len(candles))
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	series := talib.Atr(highs, lows, closes, period)
	for i := len(series) - 1; i >= 0; i-- {
		if v := series[i]; v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("risk: atr: no finite value in %d bars", len(series))
}
