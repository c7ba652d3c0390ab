package learning

import (
	"fmt"
	"math"
	"time"

	"github.com/sells-group/outcomes-cli/internal/model"
)

// DefaultBuckets is the bucket count used when none is configured.
const DefaultBuckets = 10

// historyCap bounds the in-memory snapshot and update histories.
const historyCap = 100

// CalibrationBucket accumulates prediction/outcome pairs for one
// probability range [ProbLow, ProbHigh).
type CalibrationBucket struct {
	ProbLow       float64 `json:"prob_low"`
	ProbHigh      float64 `json:"prob_high"`
	NPredictions  int     `json:"n_predictions"`
	NSafeOutcomes int     `json:"n_safe_outcomes"`
}

// ObservedRate is the fraction of safe outcomes in this bucket, 0 if empty.
func (b CalibrationBucket) ObservedRate() float64 {
	if b.NPredictions == 0 {
		return 0
	}
	return float64(b.NSafeOutcomes) / float64(b.NPredictions)
}

// ExpectedRate is the bucket midpoint.
func (b CalibrationBucket) ExpectedRate() float64 {
	return (b.ProbLow + b.ProbHigh) / 2
}

// CalibrationError is the absolute gap between observed and expected rates.
func (b CalibrationBucket) CalibrationError() float64 {
	return math.Abs(b.ObservedRate() - b.ExpectedRate())
}

// CalibrationTracker partitions [0, 1] into equal-width buckets and
// accumulates prediction/outcome pairs to measure how well predicted
// probabilities match observed outcome frequencies.
//
// The bucket count is fixed at construction; changing it requires a
// fresh tracker.
type CalibrationTracker struct {
	nBuckets int
	buckets  []CalibrationBucket
	history  []model.CalibrationReport
}

// NewCalibrationTracker creates a tracker with n equal-width buckets.
// Non-positive n falls back to DefaultBuckets.
func NewCalibrationTracker(n int) *CalibrationTracker {
	if n < 1 {
		n = DefaultBuckets
	}
	return &CalibrationTracker{
		nBuckets: n,
		buckets:  initBuckets(n),
	}
}

func initBuckets(n int) []CalibrationBucket {
	buckets := make([]CalibrationBucket, n)
	step := 1.0 / float64(n)
	for i := range buckets {
		buckets[i].ProbLow = float64(i) * step
		buckets[i].ProbHigh = float64(i+1) * step
	}
	return buckets
}

// bucketIndex maps a probability to a bucket, clamping so that p=1.0
// lands in the last bucket instead of out of range.
func (t *CalibrationTracker) bucketIndex(p float64) int {
	idx := int(p * float64(t.nBuckets))
	if idx >= t.nBuckets {
		idx = t.nBuckets - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Add records one prediction/outcome pair. Callers must filter out
// UNKNOWN outcomes; passing one inflates the bucket's miss rate.
func (t *CalibrationTracker) Add(predictedProbSafe float64, outcome model.OutcomeType) {
	idx := t.bucketIndex(predictedProbSafe)
	t.buckets[idx].NPredictions++
	if outcome == model.OutcomeSafe {
		t.buckets[idx].NSafeOutcomes++
	}
}

// ECE computes the Expected Calibration Error: the prediction-count-
// weighted average of per-bucket calibration errors. 0 when empty.
func (t *CalibrationTracker) ECE() float64 {
	total := t.TotalPredictions()
	if total == 0 {
		return 0
	}

	ece := 0.0
	for _, b := range t.buckets {
		if b.NPredictions > 0 {
			weight := float64(b.NPredictions) / float64(total)
			ece += weight * b.CalibrationError()
		}
	}
	return ece
}

// MCE computes the Maximum Calibration Error over non-empty buckets.
func (t *CalibrationTracker) MCE() float64 {
	mce := 0.0
	for _, b := range t.buckets {
		if b.NPredictions > 0 && b.CalibrationError() > mce {
			mce = b.CalibrationError()
		}
	}
	return mce
}

// BrierScore returns the mean squared error between predicted
// probabilities and the 0/1 safe indicator for the given pairs, which
// need not be tracked in buckets. 0 for an empty list.
func (t *CalibrationTracker) BrierScore(pairs []model.PredictionOutcome) float64 {
	if len(pairs) == 0 {
		return 0
	}

	total := 0.0
	for _, p := range pairs {
		indicator := 0.0
		if p.Outcome == model.OutcomeSafe {
			indicator = 1.0
		}
		diff := p.PredictedProbSafe - indicator
		total += diff * diff
	}
	return total / float64(len(pairs))
}

// TotalPredictions is the prediction count across all buckets.
func (t *CalibrationTracker) TotalPredictions() int {
	total := 0
	for _, b := range t.buckets {
		total += b.NPredictions
	}
	return total
}

// TotalSafeOutcomes is the safe-outcome count across all buckets.
func (t *CalibrationTracker) TotalSafeOutcomes() int {
	total := 0
	for _, b := range t.buckets {
		total += b.NSafeOutcomes
	}
	return total
}

// Report builds a calibration report over every non-empty bucket.
func (t *CalibrationTracker) Report() model.CalibrationReport {
	var details []model.BucketDetail
	for _, b := range t.buckets {
		if b.NPredictions == 0 {
			continue
		}
		details = append(details, model.BucketDetail{
			Range:            fmt.Sprintf("%.1f%%-%.1f%%", b.ProbLow*100, b.ProbHigh*100),
			NPredictions:     b.NPredictions,
			NSafeOutcomes:    b.NSafeOutcomes,
			ObservedSafeRate: round4(b.ObservedRate()),
			ExpectedSafeRate: round4(b.ExpectedRate()),
			CalibrationError: round4(b.CalibrationError()),
		})
	}

	return model.CalibrationReport{
		ECE:               round4(t.ECE()),
		MCE:               round4(t.MCE()),
		TotalPredictions:  t.TotalPredictions(),
		TotalSafeOutcomes: t.TotalSafeOutcomes(),
		Buckets:           details,
		GeneratedAt:       time.Now().UTC(),
	}
}

// Snapshot computes the current report and appends it to the bounded
// in-memory history.
func (t *CalibrationTracker) Snapshot() model.CalibrationReport {
	report := t.Report()
	t.history = append(t.history, report)
	if len(t.history) > historyCap {
		t.history = t.history[len(t.history)-historyCap:]
	}
	return report
}

// History returns the in-memory snapshot history, oldest first.
func (t *CalibrationTracker) History() []model.CalibrationReport {
	return t.history
}

// Reset clears all buckets and history back to the configured bucket count.
func (t *CalibrationTracker) Reset() {
	t.buckets = initBuckets(t.nBuckets)
	t.history = nil
}

// TrackerState is the serializable form of a CalibrationTracker.
type TrackerState struct {
	NBuckets int                       `json:"n_buckets"`
	Buckets  []CalibrationBucket       `json:"buckets"`
	History  []model.CalibrationReport `json:"history,omitempty"`
}

// State captures a round-trippable snapshot of the tracker.
func (t *CalibrationTracker) State() TrackerState {
	buckets := make([]CalibrationBucket, len(t.buckets))
	copy(buckets, t.buckets)
	history := make([]model.CalibrationReport, len(t.history))
	copy(history, t.history)
	return TrackerState{NBuckets: t.nBuckets, Buckets: buckets, History: history}
}

// RestoreCalibrationTracker rebuilds a tracker from a saved state. The
// restored tracker reproduces identical ECE/MCE.
func RestoreCalibrationTracker(st TrackerState) *CalibrationTracker {
	t := NewCalibrationTracker(st.NBuckets)
	for i := range t.buckets {
		if i < len(st.Buckets) {
			t.buckets[i].NPredictions = st.Buckets[i].NPredictions
			t.buckets[i].NSafeOutcomes = st.Buckets[i].NSafeOutcomes
		}
	}
	t.history = append(t.history, st.History...)
	return t
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
