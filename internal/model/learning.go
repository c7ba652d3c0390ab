package model

import "time"

// PredictionOutcome pairs a predicted safety probability with the
// outcome that was eventually observed.
type PredictionOutcome struct {
	PredictedProbSafe float64     `json:"predicted_prob_safe"`
	Outcome           OutcomeType `json:"outcome"`
}

// PredictionComparison is the result of comparing a recorded outcome
// against its original prediction.
type PredictionComparison struct {
	DecisionHash          string      `json:"decision_hash"`
	PredictedProbSafe     float64     `json:"predicted_prob_safe"`
	PredictedRiskCategory string      `json:"predicted_risk_category"`
	ActualOutcome         OutcomeType `json:"actual_outcome"`
	OutcomeSeverity       int         `json:"outcome_severity"`
	OutcomeDetails        string      `json:"outcome_details"`
	PredictionError       float64     `json:"prediction_error"`
	PredictionCorrect     bool        `json:"prediction_correct"`
	BrierScore            float64     `json:"brier_score"`
}

// Prior describes the current Beta belief over "intervention is safe".
type Prior struct {
	Alpha         float64 `json:"alpha"`
	Beta          float64 `json:"beta"`
	PriorMean     float64 `json:"prior_mean"`
	PriorVariance float64 `json:"prior_variance"`
	CILow         float64 `json:"ci_low"`
	CIHigh        float64 `json:"ci_high"`
	NUpdates      int     `json:"n_updates"`
}

// Posterior is a hypothetical posterior computed without mutating the
// stored prior.
type Posterior struct {
	ProbSafe       float64 `json:"prob_safe"`
	CILow          float64 `json:"ci_low"`
	CIHigh         float64 `json:"ci_high"`
	PosteriorAlpha float64 `json:"posterior_alpha"`
	PosteriorBeta  float64 `json:"posterior_beta"`
}

// PriorUpdate is one persisted prior-update event.
type PriorUpdate struct {
	ID           string    `json:"id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	OutcomeHash  string    `json:"outcome_hash"`
	OldAlpha     float64   `json:"old_alpha"`
	OldBeta      float64   `json:"old_beta"`
	NewAlpha     float64   `json:"new_alpha"`
	NewBeta      float64   `json:"new_beta"`
	LearningRate float64   `json:"learning_rate"`
	OldMean      float64   `json:"old_mean,omitempty"`
	NewMean      float64   `json:"new_mean,omitempty"`
}

// LearningState is the singleton durable record of the current prior.
type LearningState struct {
	Alpha       float64   `json:"current_alpha"`
	Beta        float64   `json:"current_beta"`
	NUpdates    int       `json:"n_updates"`
	LastUpdated time.Time `json:"last_updated"`
}

// BucketDetail reports one non-empty calibration bucket.
type BucketDetail struct {
	Range            string  `json:"range"`
	NPredictions     int     `json:"n_predictions"`
	NSafeOutcomes    int     `json:"n_safe_outcomes"`
	ObservedSafeRate float64 `json:"observed_safe_rate"`
	ExpectedSafeRate float64 `json:"expected_safe_rate"`
	CalibrationError float64 `json:"calibration_error"`
}

// CalibrationReport summarizes tracker state at a point in time.
type CalibrationReport struct {
	ECE               float64        `json:"ece"`
	MCE               float64        `json:"mce"`
	TotalPredictions  int            `json:"total_predictions"`
	TotalSafeOutcomes int            `json:"total_safe_outcomes"`
	Buckets           []BucketDetail `json:"buckets"`
	GeneratedAt       time.Time      `json:"timestamp"`
}

// CalibrationSnapshot is a persisted CalibrationReport.
type CalibrationSnapshot struct {
	ID                string         `json:"id,omitempty"`
	SnapshotAt        time.Time      `json:"snapshot_at"`
	ECE               float64        `json:"ece"`
	MCE               float64        `json:"mce"`
	TotalPredictions  int            `json:"total_predictions"`
	TotalSafeOutcomes int            `json:"total_safe_outcomes"`
	Buckets           []BucketDetail `json:"buckets,omitempty"`
}

// ModelPerformance holds headline accuracy metrics over all evaluated
// outcomes.
type ModelPerformance struct {
	BrierScore float64 `json:"brier_score"`
	Accuracy   float64 `json:"accuracy"`
	NCorrect   int     `json:"n_correct"`
	NEvaluated int     `json:"n_evaluated"`
}

// SeverityAnalysis summarizes adverse-outcome severity.
type SeverityAnalysis struct {
	AvgAdverseSeverity float64 `json:"avg_adverse_severity"`
	MinAdverseSeverity int     `json:"min_adverse_severity"`
	MaxAdverseSeverity int     `json:"max_adverse_severity"`
}

// DailyStat is one day of the rolling outcome breakdown.
type DailyStat struct {
	Date          string  `json:"date"`
	Count         int     `json:"count"`
	SafeCount     int     `json:"safe_count"`
	AdverseCount  int     `json:"adverse_count"`
	AvgPrediction float64 `json:"avg_prediction"`
}

// RiskCategoryStat is per-risk-category outcome performance.
type RiskCategoryStat struct {
	Category     string  `json:"category"`
	Count        int     `json:"count"`
	SafeCount    int     `json:"safe_count"`
	AdverseCount int     `json:"adverse_count"`
	Accuracy     float64 `json:"accuracy"`
}

// LearningReport is a generated snapshot combining outcome counts,
// model performance, calibration, and the current prior. It is
// persisted as an opaque JSON blob for audit.
type LearningReport struct {
	ReportType              string             `json:"report_type"`
	GeneratedAt             time.Time          `json:"generated_at"`
	TotalOutcomes           int                `json:"total_outcomes"`
	EvaluatedOutcomes       int                `json:"evaluated_outcomes"`
	OutcomeDistribution     map[string]int     `json:"outcome_distribution"`
	ModelPerformance        ModelPerformance   `json:"model_performance"`
	Calibration             CalibrationReport  `json:"calibration"`
	CurrentPriors           Prior              `json:"current_priors"`
	SeverityAnalysis        *SeverityAnalysis  `json:"severity_analysis,omitempty"`
	DailyStats              []DailyStat        `json:"daily_stats,omitempty"`
	RiskCategoryPerformance []RiskCategoryStat `json:"risk_category_performance,omitempty"`
}

// IntegrityReport is the result of re-hashing every stored outcome.
// Detection only: mismatches are reported, never repaired.
type IntegrityReport struct {
	Valid         bool      `json:"valid"`
	TotalOutcomes int       `json:"total_outcomes"`
	ValidOutcomes int       `json:"valid_outcomes"`
	InvalidIDs    []string  `json:"invalid_ids"`
	VerifiedAt    time.Time `json:"verified_at"`
}
