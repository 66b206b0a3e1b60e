// Package indicator provides technical indicator calculations over candle data.
//
// All functions are deterministic and side-effect-free: identical input yields
// identical output. Series functions return a slice aligned with the input;
// indices without enough history hold NaN.
package indicator

import (
	"math"

	"perpsim/internal/model"
)

// SMA returns the simple moving average of values. Indices below period-1
// are NaN.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average of values with smoothing factor
// k = 2/(period+1). The first defined value, at index period-1, is seeded from
// the SMA over the same window, so EMA[period-1] == SMA[period-1].
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	k := 2.0 / float64(period+1)
	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	out[period-1] = seed / float64(period)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI returns the Relative Strength Index of closes using Wilder's smoothed
// average gain/loss. The first `period` indices are NaN; an average loss of
// zero yields RSI 100.
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	p := float64(period)
	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR returns the Average True Range of candles, smoothed with the same
// Wilder averaging as RSI. True range needs the previous close, so the seed
// averages TR[1..period] and the first `period` indices are NaN.
func ATR(candles []model.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) <= period {
		return out
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(candles[i], candles[i-1].Close)
	}
	out[period] = sum / float64(period)

	p := float64(period)
	for i := period + 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1].Close)
		out[i] = (out[i-1]*(p-1) + tr) / p
	}
	return out
}

func trueRange(c model.Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if hc := math.Abs(c.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := math.Abs(c.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}

// Bands holds one Bollinger Band reading.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes Bollinger Bands over the trailing `period` values using
// the population standard deviation. ok is false when fewer than `period`
// values are available.
func Bollinger(values []float64, period int, mult float64) (Bands, bool) {
	if period <= 0 || len(values) < period {
		return Bands{}, false
	}

	window := values[len(values)-period:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(period)

	var variance float64
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(period)
	std := math.Sqrt(variance)

	return Bands{
		Upper:  mean + mult*std,
		Middle: mean,
		Lower:  mean - mult*std,
	}, true
}

// Last returns the final value of a series, or NaN for an empty series.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
