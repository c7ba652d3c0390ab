package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outcomes-cli/internal/model"
)

func TestNewCalibrationTracker_Defaults(t *testing.T) {
	tr := NewCalibrationTracker(0)
	assert.Equal(t, DefaultBuckets, tr.nBuckets)

	tr = NewCalibrationTracker(-3)
	assert.Equal(t, DefaultBuckets, tr.nBuckets)

	tr = NewCalibrationTracker(5)
	assert.Equal(t, 5, tr.nBuckets)
	assert.Len(t, tr.buckets, 5)
}

func TestBucketIndex(t *testing.T) {
	tr := NewCalibrationTracker(10)

	assert.Equal(t, 0, tr.bucketIndex(0.0))
	assert.Equal(t, 0, tr.bucketIndex(0.05))
	assert.Equal(t, 3, tr.bucketIndex(0.35))
	assert.Equal(t, 8, tr.bucketIndex(0.85))
	assert.Equal(t, 9, tr.bucketIndex(0.95))
	// p = 1.0 clamps into the last bucket.
	assert.Equal(t, 9, tr.bucketIndex(1.0))
}

func TestEmptyTrackerMetricsAreZero(t *testing.T) {
	tr := NewCalibrationTracker(10)

	assert.Equal(t, 0.0, tr.ECE())
	assert.Equal(t, 0.0, tr.MCE())
	assert.Equal(t, 0, tr.TotalPredictions())
	assert.Equal(t, 0.0, tr.BrierScore(nil))

	report := tr.Report()
	assert.Equal(t, 0.0, report.ECE)
	assert.Empty(t, report.Buckets)
}

func TestSingleBucketScenario(t *testing.T) {
	tr := NewCalibrationTracker(10)

	// Three predictions in [0.3, 0.4), all adverse.
	tr.Add(0.32, model.OutcomeAdverse)
	tr.Add(0.35, model.OutcomeAdverse)
	tr.Add(0.38, model.OutcomeAdverse)

	report := tr.Report()
	require.Len(t, report.Buckets, 1)

	b := report.Buckets[0]
	assert.Equal(t, "30.0%-40.0%", b.Range)
	assert.Equal(t, 3, b.NPredictions)
	assert.Equal(t, 0, b.NSafeOutcomes)
	assert.InDelta(t, 0.0, b.ObservedSafeRate, 1e-9)
	assert.InDelta(t, 0.35, b.ExpectedSafeRate, 1e-9)
	assert.InDelta(t, 0.35, b.CalibrationError, 1e-9)

	// One bucket: its error is both the weighted average and the max.
	assert.InDelta(t, 0.35, report.ECE, 1e-9)
	assert.InDelta(t, 0.35, report.MCE, 1e-9)
}

func TestECENeverExceedsMCE(t *testing.T) {
	tr := NewCalibrationTracker(10)
	pairs := []struct {
		p       float64
		outcome model.OutcomeType
	}{
		{0.95, model.OutcomeSafe}, {0.92, model.OutcomeSafe}, {0.88, model.OutcomeSafe},
		{0.85, model.OutcomeAdverse}, {0.45, model.OutcomeSafe}, {0.40, model.OutcomeAdverse},
		{0.15, model.OutcomeAdverse}, {0.10, model.OutcomeSafe}, {0.65, model.OutcomeSafe},
	}
	for _, pair := range pairs {
		tr.Add(pair.p, pair.outcome)
	}

	assert.LessOrEqual(t, tr.ECE(), tr.MCE()+1e-12)
	assert.Equal(t, len(pairs), tr.TotalPredictions())
}

func TestPerfectCalibration(t *testing.T) {
	tr := NewCalibrationTracker(10)

	// Four predictions at 0.75, three safe: observed 0.75 == expected.
	tr.Add(0.75, model.OutcomeSafe)
	tr.Add(0.75, model.OutcomeSafe)
	tr.Add(0.75, model.OutcomeSafe)
	tr.Add(0.75, model.OutcomeAdverse)

	assert.InDelta(t, 0.0, tr.ECE(), 1e-9)
	assert.InDelta(t, 0.0, tr.MCE(), 1e-9)
}

func TestWellCalibratedMidBucket(t *testing.T) {
	tr := NewCalibrationTracker(10)

	// 100 predictions at 0.45 with 45 safe outcomes: the [0.4, 0.5)
	// bucket's observed rate matches its mean prediction exactly.
	for i := 0; i < 100; i++ {
		outcome := model.OutcomeAdverse
		if i < 45 {
			outcome = model.OutcomeSafe
		}
		tr.Add(0.45, outcome)
	}

	report := tr.Report()
	require.Len(t, report.Buckets, 1)
	b := report.Buckets[0]
	assert.Equal(t, "40.0%-50.0%", b.Range)
	assert.Equal(t, 100, b.NPredictions)
	assert.InDelta(t, 0.45, b.ObservedSafeRate, 1e-9)
	assert.InDelta(t, 0.45, b.ExpectedSafeRate, 1e-9)
	assert.InDelta(t, 0.0, b.CalibrationError, 1e-9)
	assert.InDelta(t, 0.0, tr.ECE(), 1e-9)
}

func TestBrierScore(t *testing.T) {
	tr := NewCalibrationTracker(10)

	pairs := []model.PredictionOutcome{
		{PredictedProbSafe: 1.0, Outcome: model.OutcomeSafe},
		{PredictedProbSafe: 0.0, Outcome: model.OutcomeAdverse},
	}
	assert.InDelta(t, 0.0, tr.BrierScore(pairs), 1e-9)

	pairs = []model.PredictionOutcome{
		{PredictedProbSafe: 0.9, Outcome: model.OutcomeAdverse},
	}
	assert.InDelta(t, 0.81, tr.BrierScore(pairs), 1e-9)

	pairs = []model.PredictionOutcome{
		{PredictedProbSafe: 0.8, Outcome: model.OutcomeSafe},
		{PredictedProbSafe: 0.6, Outcome: model.OutcomeAdverse},
	}
	// (0.04 + 0.36) / 2
	assert.InDelta(t, 0.2, tr.BrierScore(pairs), 1e-9)
}

func TestSnapshotHistory(t *testing.T) {
	tr := NewCalibrationTracker(10)
	tr.Add(0.85, model.OutcomeSafe)

	first := tr.Snapshot()
	tr.Add(0.45, model.OutcomeAdverse)
	second := tr.Snapshot()

	history := tr.History()
	require.Len(t, history, 2)
	assert.Equal(t, first.TotalPredictions, history[0].TotalPredictions)
	assert.Equal(t, second.TotalPredictions, history[1].TotalPredictions)
	assert.Equal(t, 2, second.TotalPredictions)
}

func TestTrackerStateRoundTrip(t *testing.T) {
	tr := NewCalibrationTracker(10)
	tr.Add(0.85, model.OutcomeSafe)
	tr.Add(0.85, model.OutcomeAdverse)
	tr.Add(0.15, model.OutcomeAdverse)
	tr.Snapshot()

	restored := RestoreCalibrationTracker(tr.State())

	assert.Equal(t, tr.TotalPredictions(), restored.TotalPredictions())
	assert.Equal(t, tr.TotalSafeOutcomes(), restored.TotalSafeOutcomes())
	assert.InDelta(t, tr.ECE(), restored.ECE(), 1e-12)
	assert.InDelta(t, tr.MCE(), restored.MCE(), 1e-12)
	assert.Len(t, restored.History(), 1)
}

func TestReset(t *testing.T) {
	tr := NewCalibrationTracker(10)
	tr.Add(0.85, model.OutcomeSafe)
	tr.Snapshot()

	tr.Reset()

	assert.Equal(t, 0, tr.TotalPredictions())
	assert.Empty(t, tr.History())
	assert.Len(t, tr.buckets, 10)
}
