package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/outcomes-cli/internal/model"
)

func sampleSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	rec := model.OutcomeRecord{
		ID:                    "id-1",
		DecisionHash:          "abc123",
		MRN:                   "MRN001",
		PredictedProbSafe:     0.85,
		PredictedRiskCategory: "Low Risk",
		ActualOutcome:         model.OutcomeSafe,
		OutcomeSeverity:       1,
		DaysToOutcome:         30,
		RecordedBy:            "dr_jones",
		RecordedAt:            time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC),
	}
	rec.Seal()

	calibration := model.CalibrationReport{
		ECE:              0.05,
		MCE:              0.05,
		TotalPredictions: 1,
		Buckets: []model.BucketDetail{
			{Range: "80.0%-90.0%", NPredictions: 1, NSafeOutcomes: 1, ObservedSafeRate: 1, ExpectedSafeRate: 0.85, CalibrationError: 0.15},
		},
	}
	priors := model.Prior{Alpha: 8.1, Beta: 2, PriorMean: 0.802}

	return NewSnapshot([]model.OutcomeRecord{rec}, calibration, priors)
}

func TestWriteJSON(t *testing.T) {
	snap := sampleSnapshot(t)
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, snap.WriteJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1, decoded.TotalOutcomes)
	require.Len(t, decoded.Outcomes, 1)
	assert.Equal(t, "abc123", decoded.Outcomes[0].DecisionHash)
	assert.True(t, decoded.Outcomes[0].VerifyHash())
	assert.InDelta(t, 8.1, decoded.CurrentPriors.Alpha, 1e-9)
}

func TestWriteXLSX(t *testing.T) {
	snap := sampleSnapshot(t)
	path := filepath.Join(t.TempDir(), "export.xlsx")
	require.NoError(t, snap.WriteXLSX(path))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 2)

	outcomes := f.Sheets[0]
	assert.Equal(t, "Outcomes", outcomes.Name)
	require.Len(t, outcomes.Rows, 2)
	assert.Equal(t, "outcome_id", outcomes.Rows[0].Cells[0].String())
	assert.Equal(t, "abc123", outcomes.Rows[1].Cells[1].String())
	assert.Equal(t, "safe", outcomes.Rows[1].Cells[5].String())

	calibration := f.Sheets[1]
	assert.Equal(t, "Calibration", calibration.Name)
	assert.Equal(t, "export_timestamp", calibration.Rows[0].Cells[0].String())
}
