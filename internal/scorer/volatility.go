package scorer

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type sample struct {
	at  time.Time
	mid float64
}

// VolatilityTracker keeps a rolling window of mid prices per symbol and
// reports the variance of their log returns.
type VolatilityTracker struct {
	mu      sync.Mutex
	window  time.Duration
	maxLen  int
	samples map[string][]sample
}

// NewVolatilityTracker creates a tracker. Samples older than window, or
// beyond maxLen per symbol, are dropped.
func NewVolatilityTracker(window time.Duration, maxLen int) *VolatilityTracker {
	if maxLen <= 0 {
		maxLen = 256
	}
	return &VolatilityTracker{
		window:  window,
		maxLen:  maxLen,
		samples: make(map[string][]sample),
	}
}

// Observe records a mid price.
func (v *VolatilityTracker) Observe(symbol string, mid decimal.Decimal, at time.Time) {
	if !mid.IsPositive() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	s := append(v.samples[symbol], sample{at: at, mid: mid.InexactFloat64()})
	cut := 0
	for cut < len(s) && (len(s)-cut > v.maxLen || (v.window > 0 && at.Sub(s[cut].at) > v.window)) {
		cut++
	}
	v.samples[symbol] = s[cut:]
}

// Variance returns the sample variance of log returns, or 0 with fewer than
// three samples.
func (v *VolatilityTracker) Variance(symbol string) float64 {
	v.mu.Lock()
	s := v.samples[symbol]
	mids := make([]float64, len(s))
	for i, x := range s {
		mids[i] = x.mid
	}
	v.mu.Unlock()

	if len(mids) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(mids)-1)
	for i := 1; i < len(mids); i++ {
		rets = append(rets, math.Log(mids[i]/mids[i-1]))
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	return ss / float64(len(rets)-1)
}
