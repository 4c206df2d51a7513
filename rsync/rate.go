package rsync

import (
	"math"
	"time"
)

// RateEstimator is an exponentially-smoothed bytes/second estimate,
// matching spec exactly: on each increment dv over dt seconds,
// dvdt ← k·dvdt + (1−k)·(dv/dt), where k = 0.1^(dt/τ).
type RateEstimator struct {
	tau  time.Duration
	dvdt float64
	last time.Time
}

// NewRateEstimator returns an estimator with decay time tau (defaults
// to 10s if zero).
func NewRateEstimator(tau time.Duration) *RateEstimator {
	if tau <= 0 {
		tau = 10 * time.Second
	}
	return &RateEstimator{tau: tau, last: time.Now()}
}

// Update folds dv bytes transferred since the last Update (or since
// construction) into the running rate estimate.
func (e *RateEstimator) Update(dv float64) {
	now := time.Now()
	dt := now.Sub(e.last).Seconds()
	if dt <= 0 {
		dt = 1e-6
	}
	k := math.Pow(0.1, dt/e.tau.Seconds())
	e.dvdt = k*e.dvdt + (1-k)*(dv/dt)
	e.last = now
}

// BytesPerSecond returns the current smoothed rate.
func (e *RateEstimator) BytesPerSecond() float64 {
	return e.dvdt
}

// ETA estimates the time remaining to transfer remainingBytes at the
// current rate. Zero when the rate is not yet known.
func (e *RateEstimator) ETA(remainingBytes float64) time.Duration {
	if e.dvdt <= 0 {
		return 0
	}
	return time.Duration(remainingBytes / e.dvdt * float64(time.Second))
}

// Percent computes completed/total, clamped to [0,1]. total == 0
// reports 1 (nothing to do is fully done).
func Percent(completed, total int64) float64 {
	if total <= 0 {
		return 1
	}
	p := float64(completed) / float64(total)
	if p > 1 {
		return 1
	}
	if p < 0 {
		return 0
	}
	return p
}
