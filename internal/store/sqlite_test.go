package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outcomes-cli/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "outcomes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testOutcome(decisionHash, mrn string, prob float64, outcome model.OutcomeType, at time.Time) *model.OutcomeRecord {
	rec := &model.OutcomeRecord{
		DecisionHash:          decisionHash,
		MRN:                   mrn,
		PredictedProbSafe:     prob,
		PredictedRiskCategory: "Low Risk",
		ActualOutcome:         outcome,
		OutcomeDetails:        "routine follow-up",
		DaysToOutcome:         30,
		OutcomeSeverity:       1,
		RecordedBy:            "dr_test",
		RecordedAt:            at.UTC().Truncate(time.Microsecond),
	}
	rec.Seal()
	return rec
}

func TestInsertAndFetchOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	rec := testOutcome("abc123", "MRN001", 0.85, model.OutcomeSafe, at)
	rec.Metadata = map[string]any{"ward": "cardiology"}
	require.NoError(t, s.InsertOutcome(ctx, rec, nil, nil))
	require.NotEmpty(t, rec.ID)

	got, err := s.LatestOutcomeByDecision(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "MRN001", got.MRN)
	assert.Equal(t, model.OutcomeSafe, got.ActualOutcome)
	assert.InDelta(t, 0.85, got.PredictedProbSafe, 1e-9)
	assert.Equal(t, rec.OutcomeHash, got.OutcomeHash)
	assert.True(t, got.RecordedAt.Equal(rec.RecordedAt))
	assert.Equal(t, "cardiology", got.Metadata["ward"])
	assert.True(t, got.VerifyHash())
}

func TestLatestOutcomeByDecision_NotFound(t *testing.T) {
	s := newTestStore(t)

	got, err := s.LatestOutcomeByDecision(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInsertOutcome_DuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	first := testOutcome("abc123", "MRN001", 0.85, model.OutcomeSafe, at)
	require.NoError(t, s.InsertOutcome(ctx, first, nil, nil))

	dup := testOutcome("abc123", "MRN001", 0.85, model.OutcomeSafe, at)
	err := s.InsertOutcome(ctx, dup, nil, nil)
	require.ErrorIs(t, err, ErrDuplicateOutcome)

	// Same decision at a different time is a legitimate second record.
	later := testOutcome("abc123", "MRN001", 0.85, model.OutcomeAdverse, at.Add(time.Hour))
	require.NoError(t, s.InsertOutcome(ctx, later, nil, nil))

	got, err := s.LatestOutcomeByDecision(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAdverse, got.ActualOutcome)
}

func TestInsertOutcome_TransactionIncludesStateAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	rec := testOutcome("abc123", "MRN001", 0.85, model.OutcomeSafe, at)
	update := &model.PriorUpdate{
		UpdatedAt:    at,
		OutcomeHash:  rec.OutcomeHash,
		OldAlpha:     8, OldBeta: 2,
		NewAlpha:     8.1, NewBeta: 2,
		LearningRate: 0.1,
	}
	state := &model.LearningState{Alpha: 8.1, Beta: 2, NUpdates: 1, LastUpdated: at}
	require.NoError(t, s.InsertOutcome(ctx, rec, update, state))

	st, err := s.LearningState(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.InDelta(t, 8.1, st.Alpha, 1e-9)
	assert.Equal(t, 1, st.NUpdates)

	updates, err := s.PriorHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, rec.OutcomeHash, updates[0].OutcomeHash)
	assert.InDelta(t, 0.8, updates[0].OldMean, 1e-4)
	assert.InDelta(t, 0.802, updates[0].NewMean, 1e-4)

	// Duplicate insert rolls back all three writes.
	dup := testOutcome("abc123", "MRN001", 0.85, model.OutcomeSafe, at)
	err = s.InsertOutcome(ctx, dup, &model.PriorUpdate{
		UpdatedAt: at, OldAlpha: 8.1, OldBeta: 2, NewAlpha: 8.2, NewBeta: 2, LearningRate: 0.1,
	}, &model.LearningState{Alpha: 8.2, Beta: 2, NUpdates: 2, LastUpdated: at})
	require.ErrorIs(t, err, ErrDuplicateOutcome)

	st, err = s.LearningState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 8.1, st.Alpha, 1e-9)
	assert.Equal(t, 1, st.NUpdates)

	updates, err = s.PriorHistory(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestLearningState_EmptyAndSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.LearningState(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)
	require.NoError(t, s.SaveLearningState(ctx, &model.LearningState{Alpha: 8, Beta: 2, NUpdates: 0, LastUpdated: at}))
	require.NoError(t, s.SaveLearningState(ctx, &model.LearningState{Alpha: 8.3, Beta: 2.1, NUpdates: 4, LastUpdated: at.Add(time.Hour)}))

	st, err = s.LearningState(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.InDelta(t, 8.3, st.Alpha, 1e-9)
	assert.InDelta(t, 2.1, st.Beta, 1e-9)
	assert.Equal(t, 4, st.NUpdates)
}

func TestOutcomesByPatientAndAllOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := testOutcome("hash-a", "MRN001", 0.8, model.OutcomeSafe, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.InsertOutcome(ctx, rec, nil, nil))
	}
	other := testOutcome("hash-b", "MRN002", 0.4, model.OutcomeAdverse, base)
	require.NoError(t, s.InsertOutcome(ctx, other, nil, nil))

	mine, err := s.OutcomesByPatient(ctx, "MRN001", 2)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	// Newest first.
	assert.True(t, mine[0].RecordedAt.After(mine[1].RecordedAt))

	all, err := s.AllOutcomes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	// Oldest first.
	assert.True(t, !all[0].RecordedAt.After(all[1].RecordedAt))
}

func TestPredictionOutcomes_CoercesMalformedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	rec := testOutcome("abc123", "MRN001", 0.85, model.OutcomeSafe, at)
	require.NoError(t, s.InsertOutcome(ctx, rec, nil, nil))

	// Corrupt the stored outcome out-of-band.
	_, err := s.db.Exec(`UPDATE outcomes SET actual_outcome = 'CORRUPTED' WHERE decision_hash = 'abc123'`)
	require.NoError(t, err)

	pairs, err := s.PredictionOutcomes(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, model.OutcomeUnknown, pairs[0].Outcome)

	// The raw scan path preserves the stored bytes for integrity checks.
	all, err := s.AllOutcomes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.OutcomeType("CORRUPTED"), all[0].ActualOutcome)
	assert.False(t, all[0].VerifyHash())
}

func TestAggregations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)

	safe1 := testOutcome("h1", "MRN001", 0.9, model.OutcomeSafe, base)
	safe2 := testOutcome("h2", "MRN002", 0.8, model.OutcomeSafe, base.Add(time.Minute))
	adverse := testOutcome("h3", "MRN003", 0.3, model.OutcomeAdverse, base.Add(24*time.Hour))
	adverse.OutcomeSeverity = 4
	adverse.PredictedRiskCategory = "High Risk"
	unknown := testOutcome("h4", "MRN004", 0.5, model.OutcomeUnknown, base.Add(2*time.Minute))
	for _, rec := range []*model.OutcomeRecord{safe1, safe2, adverse, unknown} {
		require.NoError(t, s.InsertOutcome(ctx, rec, nil, nil))
	}

	counts, err := s.OutcomeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"safe": 2, "adverse": 1, "unknown": 1}, counts)

	severity, err := s.AdverseSeverity(ctx)
	require.NoError(t, err)
	require.NotNil(t, severity)
	assert.InDelta(t, 4.0, severity.AvgAdverseSeverity, 1e-9)
	assert.Equal(t, 4, severity.MinAdverseSeverity)
	assert.Equal(t, 4, severity.MaxAdverseSeverity)

	daily, err := s.DailyStats(ctx, 30)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	// Newest day first.
	assert.Equal(t, "2026-08-15", daily[0].Date)
	assert.Equal(t, 1, daily[0].AdverseCount)
	assert.Equal(t, "2026-08-14", daily[1].Date)
	assert.Equal(t, 3, daily[1].Count)
	assert.Equal(t, 2, daily[1].SafeCount)

	categories, err := s.RiskCategoryStats(ctx)
	require.NoError(t, err)
	require.Len(t, categories, 2)
	byCategory := make(map[string]model.RiskCategoryStat)
	for _, c := range categories {
		byCategory[c.Category] = c
	}
	assert.Equal(t, 3, byCategory["Low Risk"].Count)
	assert.Equal(t, 1, byCategory["High Risk"].AdverseCount)
}

func TestAdverseSeverity_NoAdverseRows(t *testing.T) {
	s := newTestStore(t)

	severity, err := s.AdverseSeverity(context.Background())
	require.NoError(t, err)
	assert.Nil(t, severity)
}

func TestCalibrationSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	snap := &model.CalibrationSnapshot{
		SnapshotAt:        at,
		ECE:               0.12,
		MCE:               0.35,
		TotalPredictions:  9,
		TotalSafeOutcomes: 6,
		Buckets: []model.BucketDetail{
			{Range: "80.0%-90.0%", NPredictions: 9, NSafeOutcomes: 6},
		},
	}
	require.NoError(t, s.InsertCalibrationSnapshot(ctx, snap))

	snaps, err := s.CalibrationHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 0.12, snaps[0].ECE, 1e-9)
	assert.InDelta(t, 0.35, snaps[0].MCE, 1e-9)
	assert.Equal(t, 9, snaps[0].TotalPredictions)
	assert.True(t, snaps[0].SnapshotAt.Equal(at))
}

func TestInsertLearningReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	err := s.InsertLearningReport(ctx, at, "summary", []byte(`{"total_outcomes":3}`))
	require.NoError(t, err)
}
