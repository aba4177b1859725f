package replica

import (
	"math"
	"time"

	"github.com/mcdev12/pomosync/go/internal/models"
)

const (
	DefaultLatencyBias      = 150 * time.Millisecond
	DefaultOutlierThreshold = time.Second
	DefaultSmoothingFactor  = 0.15
)

// OffsetEstimator tracks hostClock - localClock in milliseconds with a
// low-pass filter. The zero value is unusable; use NewOffsetEstimator.
type OffsetEstimator struct {
	biasMs      float64
	thresholdMs float64
	alpha       float64

	offset float64
	set    bool
}

// NewOffsetEstimator creates an estimator. Non-positive arguments use the
// defaults.
func NewOffsetEstimator(bias, threshold time.Duration, alpha float64) *OffsetEstimator {
	if bias <= 0 {
		bias = DefaultLatencyBias
	}
	if threshold <= 0 {
		threshold = DefaultOutlierThreshold
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultSmoothingFactor
	}
	return &OffsetEstimator{
		biasMs:      float64(bias.Milliseconds()),
		thresholdMs: float64(threshold.Milliseconds()),
		alpha:       alpha,
	}
}

// Sample computes the instantaneous offset carried by a running snapshot
// received at localNowMs.
func (o *OffsetEstimator) Sample(state models.EngineState, localNowMs int64) float64 {
	hostNowMs := float64(state.TargetEndTimeUnixMs) - state.RemainingSeconds*1000
	return hostNowMs + o.biasMs - float64(localNowMs)
}

// Observe folds a snapshot into the estimate. Paused or unanchored snapshots
// carry no clock information and are ignored. It reports whether the sample
// was used.
func (o *OffsetEstimator) Observe(state models.EngineState, localNowMs int64) bool {
	if !state.IsRunning() {
		return false
	}
	instant := o.Sample(state, localNowMs)

	if !o.set {
		o.offset = instant
		o.set = true
		return true
	}
	if math.Abs(instant-o.offset) >= o.thresholdMs {
		return false
	}
	o.offset = (1-o.alpha)*o.offset + o.alpha*instant
	return true
}

// Offset returns the current estimate and whether one exists.
func (o *OffsetEstimator) Offset() (float64, bool) {
	return o.offset, o.set
}

// Reset clears the estimate.
func (o *OffsetEstimator) Reset() {
	o.offset = 0
	o.set = false
}
