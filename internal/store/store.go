package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outcomes-cli/internal/model"
)

// ErrDuplicateOutcome is returned when an outcome with the same
// (decision_hash, recorded_at) pair already exists. The rejected write
// leaves no partial mutation.
var ErrDuplicateOutcome = eris.New("store: outcome already recorded")

// Store defines the persistence interface for the learning pipeline.
// All in-memory learning state must be reconstructable from it.
//
// Scans return actual_outcome exactly as stored (no coercion) so that
// integrity verification re-hashes the original bytes; statistical
// consumers exclude anything that is not a known outcome.
type Store interface {
	// Outcomes ledger (append-only)
	InsertOutcome(ctx context.Context, rec *model.OutcomeRecord, update *model.PriorUpdate, state *model.LearningState) error
	LatestOutcomeByDecision(ctx context.Context, decisionHash string) (*model.OutcomeRecord, error)
	OutcomesByPatient(ctx context.Context, mrn string, limit int) ([]model.OutcomeRecord, error)
	AllOutcomes(ctx context.Context) ([]model.OutcomeRecord, error)
	PredictionOutcomes(ctx context.Context) ([]model.PredictionOutcome, error)

	// Report aggregations
	OutcomeCounts(ctx context.Context) (map[string]int, error)
	AdverseSeverity(ctx context.Context) (*model.SeverityAnalysis, error)
	DailyStats(ctx context.Context, days int) ([]model.DailyStat, error)
	RiskCategoryStats(ctx context.Context) ([]model.RiskCategoryStat, error)

	// Learning state singleton
	LearningState(ctx context.Context) (*model.LearningState, error)
	SaveLearningState(ctx context.Context, state *model.LearningState) error

	// Derived artifacts
	InsertCalibrationSnapshot(ctx context.Context, snap *model.CalibrationSnapshot) error
	CalibrationHistory(ctx context.Context, limit int) ([]model.CalibrationSnapshot, error)
	PriorHistory(ctx context.Context, limit int) ([]model.PriorUpdate, error)
	InsertLearningReport(ctx context.Context, generatedAt time.Time, reportType string, data []byte) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
