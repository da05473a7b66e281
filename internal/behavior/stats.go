package behavior

import (
	"math"
	"time"
)

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the population variance of xs.
func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

// meanGapMs is the mean gap in milliseconds between consecutive timestamps,
// or nil when fewer than two are present.
func meanGapMs(ts []time.Time) *float64 {
	if len(ts) < 2 {
		return nil
	}
	var total time.Duration
	for i := 1; i < len(ts); i++ {
		total += ts[i].Sub(ts[i-1])
	}
	avg := float64(total) / float64(time.Millisecond) / float64(len(ts)-1)
	return &avg
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
