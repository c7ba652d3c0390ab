package export

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/outcomes-cli/internal/model"
)

// Snapshot is a portable dump of the learning system: every recorded
// outcome plus the calibration and prior state at export time. Intended
// for offline review and model retraining datasets.
type Snapshot struct {
	ExportTimestamp time.Time               `json:"export_timestamp"`
	TotalOutcomes   int                     `json:"total_outcomes"`
	Calibration     model.CalibrationReport `json:"calibration"`
	CurrentPriors   model.Prior             `json:"current_priors"`
	Outcomes        []model.OutcomeRecord   `json:"outcomes"`
}

// NewSnapshot assembles a snapshot from the current pipeline state.
func NewSnapshot(outcomes []model.OutcomeRecord, calibration model.CalibrationReport, priors model.Prior) *Snapshot {
	return &Snapshot{
		ExportTimestamp: time.Now().UTC().Truncate(time.Microsecond),
		TotalOutcomes:   len(outcomes),
		Calibration:     calibration,
		CurrentPriors:   priors,
		Outcomes:        outcomes,
	}
}

// WriteJSON writes the snapshot as indented JSON.
func (s *Snapshot) WriteJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "export: marshal snapshot")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "export: write snapshot")
	}
	return nil
}

var outcomeHeader = []string{
	"outcome_id", "decision_hash", "mrn", "predicted_prob_safe",
	"predicted_risk_category", "actual_outcome", "outcome_severity",
	"days_to_outcome", "recorded_by", "recorded_at", "outcome_hash",
}

// WriteXLSX writes a two-sheet workbook: the outcomes ledger and a
// calibration summary.
func (s *Snapshot) WriteXLSX(path string) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet("Outcomes")
	if err != nil {
		return eris.Wrap(err, "export: add outcomes sheet")
	}
	header := sheet.AddRow()
	for _, h := range outcomeHeader {
		header.AddCell().SetString(h)
	}
	for _, rec := range s.Outcomes {
		row := sheet.AddRow()
		row.AddCell().SetString(rec.ID)
		row.AddCell().SetString(rec.DecisionHash)
		row.AddCell().SetString(rec.MRN)
		row.AddCell().SetFloat(rec.PredictedProbSafe)
		row.AddCell().SetString(rec.PredictedRiskCategory)
		row.AddCell().SetString(string(rec.ActualOutcome))
		row.AddCell().SetInt(rec.OutcomeSeverity)
		row.AddCell().SetInt(rec.DaysToOutcome)
		row.AddCell().SetString(rec.RecordedBy)
		row.AddCell().SetString(model.FormatTimestamp(rec.RecordedAt))
		row.AddCell().SetString(rec.OutcomeHash)
	}

	cal, err := f.AddSheet("Calibration")
	if err != nil {
		return eris.Wrap(err, "export: add calibration sheet")
	}
	addKV(cal, "export_timestamp", model.FormatTimestamp(s.ExportTimestamp))
	addKV(cal, "total_predictions", strconv.Itoa(s.Calibration.TotalPredictions))
	addKV(cal, "ece", strconv.FormatFloat(s.Calibration.ECE, 'f', 4, 64))
	addKV(cal, "mce", strconv.FormatFloat(s.Calibration.MCE, 'f', 4, 64))
	addKV(cal, "alpha", strconv.FormatFloat(s.CurrentPriors.Alpha, 'f', -1, 64))
	addKV(cal, "beta", strconv.FormatFloat(s.CurrentPriors.Beta, 'f', -1, 64))
	addKV(cal, "prior_mean", strconv.FormatFloat(s.CurrentPriors.PriorMean, 'f', 4, 64))

	cal.AddRow()
	bucketHeader := cal.AddRow()
	for _, h := range []string{"range", "n_predictions", "expected_safe_rate", "observed_safe_rate", "calibration_error"} {
		bucketHeader.AddCell().SetString(h)
	}
	for _, b := range s.Calibration.Buckets {
		row := cal.AddRow()
		row.AddCell().SetString(b.Range)
		row.AddCell().SetInt(b.NPredictions)
		row.AddCell().SetFloat(b.ExpectedSafeRate)
		row.AddCell().SetFloat(b.ObservedSafeRate)
		row.AddCell().SetFloat(b.CalibrationError)
	}

	return eris.Wrap(f.Save(path), "export: save workbook")
}

func addKV(sheet *xlsx.Sheet, key, value string) {
	row := sheet.AddRow()
	row.AddCell().SetString(key)
	row.AddCell().SetString(value)
}
