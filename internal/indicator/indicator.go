// Package indicator provides pure technical indicator functions over bar
// arrays. All functions are stateless: given the same bars they return the
// same values. Output slices are index-aligned with the input; positions
// without enough history hold NaN.
//
// Prices are converted from minor units to floats at this boundary only.
package indicator

import (
	"math"

	"tradecore/internal/model"
)

// Library implements model.IndicatorLibrary.
type Library struct{}

// New returns the indicator library.
func New() *Library { return &Library{} }

func (Library) SMA(bars []model.Bar, period int) []float64 { return SMA(bars, period) }
func (Library) EMA(bars []model.Bar, period int) []float64 { return EMA(bars, period) }
func (Library) RSI(bars []model.Bar, period int) []float64 { return RSI(bars, period) }
func (Library) ATR(bars []model.Bar, period int) []float64 { return ATR(bars, period) }
func (Library) ADX(bars []model.Bar, period int) []float64 { return ADX(bars, period) }

func closes(bars []model.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = float64(b.Close) / 100.0
	}
	return out
}

func nans(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA computes the simple moving average of closes.
func SMA(bars []model.Bar, period int) []float64 {
	out := nans(len(bars))
	if period <= 0 || len(bars) < period {
		return out
	}
	c := closes(bars)
	var sum float64
	for i, v := range c {
		sum += v
		if i >= period {
			sum -= c[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA computes the exponential moving average of closes, seeded with the
// SMA of the first period values.
func EMA(bars []model.Bar, period int) []float64 {
	out := nans(len(bars))
	if period <= 0 || len(bars) < period {
		return out
	}
	c := closes(bars)
	var seed float64
	for i := 0; i < period; i++ {
		seed += c[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / float64(period+1)
	prev := seed
	for i := period; i < len(c); i++ {
		prev = (c[i]-prev)*k + prev
		out[i] = prev
	}
	return out
}

// RSI computes Wilder's relative strength index of closes.
func RSI(bars []model.Bar, period int) []float64 {
	out := nans(len(bars))
	if period <= 0 || len(bars) <= period {
		return out
	}
	c := closes(bars)

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := c[i] - c[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	n := float64(period)
	for i := period + 1; i < len(c); i++ {
		d := c[i] - c[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*(n-1) + gain) / n
		avgLoss = (avgLoss*(n-1) + loss) / n
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// trueRange returns TR for bar i (i >= 1).
func trueRange(bars []model.Bar, i int) float64 {
	high := float64(bars[i].High) / 100.0
	low := float64(bars[i].Low) / 100.0
	prevClose := float64(bars[i-1].Close) / 100.0
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATR computes Wilder's average true range.
func ATR(bars []model.Bar, period int) []float64 {
	out := nans(len(bars))
	if period <= 0 || len(bars) <= period {
		return out
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(bars, i)
	}
	atr := sum / float64(period)
	out[period] = atr

	n := float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*(n-1) + trueRange(bars, i)) / n
		out[i] = atr
	}
	return out
}

// ADX computes Wilder's average directional index, the engine's regime
// (trend-strength) indicator. Values range 0-100; readings above ~25 are
// conventionally treated as trending.
func ADX(bars []model.Bar, period int) []float64 {
	out := nans(len(bars))
	// DX needs period+1 bars, ADX smooths another period of DX values.
	if period <= 0 || len(bars) <= 2*period {
		return out
	}

	n := float64(period)
	var smTR, smPlusDM, smMinusDM float64

	dx := nans(len(bars))
	for i := 1; i < len(bars); i++ {
		upMove := float64(bars[i].High-bars[i-1].High) / 100.0
		downMove := float64(bars[i-1].Low-bars[i].Low) / 100.0

		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(bars, i)

		if i <= period {
			smTR += tr
			smPlusDM += plusDM
			smMinusDM += minusDM
			if i < period {
				continue
			}
		} else {
			// Wilder smoothing
			smTR = smTR - smTR/n + tr
			smPlusDM = smPlusDM - smPlusDM/n + plusDM
			smMinusDM = smMinusDM - smMinusDM/n + minusDM
		}

		if smTR == 0 {
			dx[i] = 0
			continue
		}
		plusDI := 100 * smPlusDM / smTR
		minusDI := 100 * smMinusDM / smTR
		if plusDI+minusDI == 0 {
			dx[i] = 0
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
	}

	// Seed ADX with the average of the first period DX values, then smooth.
	var sum float64
	for i := period; i < 2*period; i++ {
		sum += dx[i]
	}
	adx := sum / n
	out[2*period] = (adx*(n-1) + dx[2*period]) / n
	prev := out[2*period]
	for i := 2*period + 1; i < len(bars); i++ {
		prev = (prev*(n-1) + dx[i]) / n
		out[i] = prev
	}
	return out
}

// Last returns the final value of an indicator series, or NaN when the
// series is empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}
