package learning

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outcomes-cli/internal/export"
	"github.com/sells-group/outcomes-cli/internal/model"
	"github.com/sells-group/outcomes-cli/internal/store"
)

// Config holds pipeline tuning parameters.
type Config struct {
	InitialAlpha float64 `yaml:"initial_alpha" mapstructure:"initial_alpha"`
	InitialBeta  float64 `yaml:"initial_beta" mapstructure:"initial_beta"`
	Buckets      int     `yaml:"buckets" mapstructure:"buckets"`
	LearningRate float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
}

func (c Config) withDefaults() Config {
	if c.InitialAlpha <= 0 {
		c.InitialAlpha = DefaultAlpha
	}
	if c.InitialBeta <= 0 {
		c.InitialBeta = DefaultBeta
	}
	if c.Buckets < 1 {
		c.Buckets = DefaultBuckets
	}
	if c.LearningRate <= 0 {
		c.LearningRate = DefaultLearningRate
	}
	return c
}

// Pipeline closes the loop between predictions and observed outcomes:
// it persists outcomes, drives the calibration tracker and Bayesian
// updater, and produces learning reports. Durable storage is the
// source of truth; the in-memory tracker and updater are rebuilt from
// it at construction, so nothing is trusted that cannot be replayed.
type Pipeline struct {
	store        store.Store
	tracker      *CalibrationTracker
	updater      *BayesianUpdater
	learningRate float64
}

// NewPipeline migrates the store, loads the persisted learning state
// into a fresh updater, and replays all persisted outcomes with known
// results into a fresh tracker.
func NewPipeline(ctx context.Context, st store.Store, cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:        st,
		tracker:      NewCalibrationTracker(cfg.Buckets),
		updater:      NewBayesianUpdater(cfg.InitialAlpha, cfg.InitialBeta),
		learningRate: cfg.LearningRate,
	}

	state, err := st.LearningState(ctx)
	if err != nil {
		return nil, err
	}
	if state != nil {
		p.updater = RestoreBayesianUpdater(UpdaterState{
			Alpha:        state.Alpha,
			Beta:         state.Beta,
			InitialAlpha: cfg.InitialAlpha,
			InitialBeta:  cfg.InitialBeta,
			NUpdates:     state.NUpdates,
		})
	}

	pairs, err := st.PredictionOutcomes(ctx)
	if err != nil {
		return nil, err
	}
	replayed := 0
	for _, pair := range pairs {
		if pair.Outcome.Known() {
			p.tracker.Add(pair.PredictedProbSafe, pair.Outcome)
			replayed++
		}
	}

	zap.L().Debug("learning: pipeline loaded",
		zap.Int("outcomes_replayed", replayed),
		zap.Float64("alpha", p.updater.Alpha()),
		zap.Float64("beta", p.updater.Beta()),
	)
	return p, nil
}

// RecordOutcomeRequest carries the caller-supplied fields of one
// outcome observation.
type RecordOutcomeRequest struct {
	DecisionHash          string
	MRN                   string
	PredictedProbSafe     float64
	PredictedRiskCategory string
	ActualOutcome         model.OutcomeType
	OutcomeDetails        string
	DaysToOutcome         int
	OutcomeSeverity       int
	RecordedBy            string
	RecordedAt            time.Time // zero value means "now"
	Metadata              map[string]any
}

// ErrInvalidRequest marks caller errors in RecordOutcome input.
var ErrInvalidRequest = eris.New("learning: invalid outcome request")

func (r RecordOutcomeRequest) validate() error {
	if r.DecisionHash == "" {
		return eris.Wrap(ErrInvalidRequest, "decision hash is required")
	}
	if r.MRN == "" {
		return eris.Wrap(ErrInvalidRequest, "mrn is required")
	}
	if r.PredictedProbSafe < 0 || r.PredictedProbSafe > 1 {
		return eris.Wrapf(ErrInvalidRequest, "predicted probability %g outside [0,1]", r.PredictedProbSafe)
	}
	if r.DaysToOutcome < 0 {
		return eris.Wrapf(ErrInvalidRequest, "negative days to outcome %d", r.DaysToOutcome)
	}
	if r.OutcomeSeverity < 1 || r.OutcomeSeverity > 5 {
		return eris.Wrapf(ErrInvalidRequest, "outcome severity %d outside 1-5", r.OutcomeSeverity)
	}
	return nil
}

// RecordOutcome builds, seals, and persists an OutcomeRecord. Known
// (non-UNKNOWN) outcomes also update the calibration tracker and the
// Bayesian prior; the prior-update event and the refreshed singleton
// state row land in the same transaction as the outcome itself, so a
// rejected write leaves no partial mutation. A second record for the
// same (decision_hash, recorded_at) pair fails with
// store.ErrDuplicateOutcome.
func (p *Pipeline) RecordOutcome(ctx context.Context, req RecordOutcomeRequest) (*model.OutcomeRecord, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	recordedAt = recordedAt.UTC().Truncate(time.Microsecond)

	rec := &model.OutcomeRecord{
		DecisionHash:          req.DecisionHash,
		MRN:                   req.MRN,
		PredictedProbSafe:     req.PredictedProbSafe,
		PredictedRiskCategory: req.PredictedRiskCategory,
		ActualOutcome:         req.ActualOutcome,
		OutcomeDetails:        req.OutcomeDetails,
		DaysToOutcome:         req.DaysToOutcome,
		OutcomeSeverity:       req.OutcomeSeverity,
		RecordedBy:            req.RecordedBy,
		RecordedAt:            recordedAt,
		Metadata:              req.Metadata,
	}
	rec.Seal()

	var update *model.PriorUpdate
	var state *model.LearningState
	if rec.ActualOutcome.Known() {
		oldAlpha, oldBeta := p.updater.Alpha(), p.updater.Beta()
		newAlpha, newBeta := oldAlpha, oldBeta
		if rec.ActualOutcome == model.OutcomeSafe {
			newAlpha += p.learningRate
		} else {
			newBeta += p.learningRate
		}

		now := time.Now().UTC().Truncate(time.Microsecond)
		update = &model.PriorUpdate{
			UpdatedAt:    now,
			OutcomeHash:  rec.OutcomeHash,
			OldAlpha:     oldAlpha,
			OldBeta:      oldBeta,
			NewAlpha:     newAlpha,
			NewBeta:      newBeta,
			LearningRate: p.learningRate,
		}
		state = &model.LearningState{
			Alpha:       newAlpha,
			Beta:        newBeta,
			NUpdates:    p.updater.NUpdates() + 1,
			LastUpdated: now,
		}
	}

	if err := p.store.InsertOutcome(ctx, rec, update, state); err != nil {
		return nil, err
	}

	// Mutate in-memory state only after the write is durable.
	if rec.ActualOutcome.Known() {
		p.tracker.Add(rec.PredictedProbSafe, rec.ActualOutcome)
		if _, err := p.updater.UpdateFromOutcome(rec.PredictedProbSafe, rec.ActualOutcome, p.learningRate); err != nil {
			return nil, err
		}
	}

	zap.L().Info("learning: outcome recorded",
		zap.String("decision_hash", rec.DecisionHash),
		zap.String("outcome", string(rec.ActualOutcome)),
		zap.Float64("predicted_prob_safe", rec.PredictedProbSafe),
		zap.Float64("alpha", p.updater.Alpha()),
		zap.Float64("beta", p.updater.Beta()),
	)
	return rec, nil
}

// CompareLatestOutcome compares the most recently recorded outcome for
// a decision against its original prediction. Returns (nil, nil) when
// no outcome has been recorded for the hash.
func (p *Pipeline) CompareLatestOutcome(ctx context.Context, decisionHash string) (*model.PredictionComparison, error) {
	rec, err := p.store.LatestOutcomeByDecision(ctx, decisionHash)
	if err != nil || rec == nil {
		return nil, err
	}

	actualSafe := 0.0
	if rec.ActualOutcome == model.OutcomeSafe {
		actualSafe = 1.0
	}
	predictionError := math.Abs(rec.PredictedProbSafe - actualSafe)
	predictedSafe := rec.PredictedProbSafe >= 0.5
	actualWasSafe := rec.ActualOutcome == model.OutcomeSafe

	return &model.PredictionComparison{
		DecisionHash:          decisionHash,
		PredictedProbSafe:     rec.PredictedProbSafe,
		PredictedRiskCategory: rec.PredictedRiskCategory,
		ActualOutcome:         rec.ActualOutcome,
		OutcomeSeverity:       rec.OutcomeSeverity,
		OutcomeDetails:        rec.OutcomeDetails,
		PredictionError:       round4(predictionError),
		PredictionCorrect:     predictedSafe == actualWasSafe,
		BrierScore:            round4(predictionError * predictionError),
	}, nil
}

// CurrentPriors returns the current Beta prior with derived statistics.
func (p *Pipeline) CurrentPriors() model.Prior {
	return p.updater.CurrentPrior()
}

// PosteriorProbability answers a what-if query without mutating state.
func (p *Pipeline) PosteriorProbability(nSafe, nAdverse int) model.Posterior {
	return p.updater.PosteriorProbability(nSafe, nAdverse)
}

// CalibrationReport returns the current in-memory calibration report.
func (p *Pipeline) CalibrationReport() model.CalibrationReport {
	return p.tracker.Report()
}

// Report types accepted by GenerateReport.
const (
	ReportSummary       = "summary"
	ReportComprehensive = "comprehensive"
)

// GenerateReport aggregates outcome counts, model performance,
// calibration, and the current prior. The comprehensive variant adds a
// rolling 30-day daily breakdown and per-risk-category accuracy. Every
// generated report is persisted as an audit artifact.
func (p *Pipeline) GenerateReport(ctx context.Context, reportType string) (*model.LearningReport, error) {
	if reportType == "" {
		reportType = ReportComprehensive
	}

	counts, err := p.store.OutcomeCounts(ctx)
	if err != nil {
		return nil, err
	}
	pairs, err := p.store.PredictionOutcomes(ctx)
	if err != nil {
		return nil, err
	}

	totalOutcomes := 0
	for _, n := range counts {
		totalOutcomes += n
	}

	var evaluated, correct int
	totalSqErr := 0.0
	for _, pair := range pairs {
		if !pair.Outcome.Known() {
			continue
		}
		evaluated++
		actualSafe := 0.0
		if pair.Outcome == model.OutcomeSafe {
			actualSafe = 1.0
		}
		diff := pair.PredictedProbSafe - actualSafe
		totalSqErr += diff * diff
		if (pair.PredictedProbSafe >= 0.5) == (pair.Outcome == model.OutcomeSafe) {
			correct++
		}
	}

	perf := model.ModelPerformance{NCorrect: correct, NEvaluated: evaluated}
	if evaluated > 0 {
		perf.BrierScore = round4(totalSqErr / float64(evaluated))
		perf.Accuracy = round4(float64(correct) / float64(evaluated))
	}

	report := &model.LearningReport{
		ReportType:          reportType,
		GeneratedAt:         time.Now().UTC().Truncate(time.Microsecond),
		TotalOutcomes:       totalOutcomes,
		EvaluatedOutcomes:   evaluated,
		OutcomeDistribution: counts,
		ModelPerformance:    perf,
		Calibration:         p.tracker.Report(),
		CurrentPriors:       p.updater.CurrentPrior(),
	}

	if report.SeverityAnalysis, err = p.store.AdverseSeverity(ctx); err != nil {
		return nil, err
	}

	if reportType == ReportComprehensive {
		if report.DailyStats, err = p.store.DailyStats(ctx, 30); err != nil {
			return nil, err
		}
		if report.RiskCategoryPerformance, err = p.store.RiskCategoryStats(ctx); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(report)
	if err != nil {
		return nil, eris.Wrap(err, "learning: marshal report")
	}
	if err := p.store.InsertLearningReport(ctx, report.GeneratedAt, reportType, data); err != nil {
		return nil, err
	}

	zap.L().Info("learning: report generated",
		zap.String("report_type", reportType),
		zap.Int("total_outcomes", totalOutcomes),
		zap.Int("evaluated", evaluated),
	)
	return report, nil
}

// PatientOutcomes returns the most recent outcomes for a patient,
// newest first.
func (p *Pipeline) PatientOutcomes(ctx context.Context, mrn string, limit int) ([]model.OutcomeRecord, error) {
	return p.store.OutcomesByPatient(ctx, mrn, limit)
}

// AllOutcomes returns the full outcomes ledger, oldest first.
func (p *Pipeline) AllOutcomes(ctx context.Context) ([]model.OutcomeRecord, error) {
	return p.store.AllOutcomes(ctx)
}

// ExportSnapshot assembles a full export of the outcomes ledger plus
// the current calibration and prior state.
func (p *Pipeline) ExportSnapshot(ctx context.Context) (*export.Snapshot, error) {
	outcomes, err := p.store.AllOutcomes(ctx)
	if err != nil {
		return nil, err
	}
	return export.NewSnapshot(outcomes, p.tracker.Report(), p.updater.CurrentPrior()), nil
}

// TakeCalibrationSnapshot computes the current calibration report,
// appends it to the in-memory history, and persists it.
func (p *Pipeline) TakeCalibrationSnapshot(ctx context.Context) (model.CalibrationReport, error) {
	report := p.tracker.Snapshot()
	snap := &model.CalibrationSnapshot{
		SnapshotAt:        report.GeneratedAt,
		ECE:               report.ECE,
		MCE:               report.MCE,
		TotalPredictions:  report.TotalPredictions,
		TotalSafeOutcomes: report.TotalSafeOutcomes,
		Buckets:           report.Buckets,
	}
	if err := p.store.InsertCalibrationSnapshot(ctx, snap); err != nil {
		return model.CalibrationReport{}, err
	}
	return report, nil
}

// CalibrationHistory returns persisted calibration snapshots, newest first.
func (p *Pipeline) CalibrationHistory(ctx context.Context, limit int) ([]model.CalibrationSnapshot, error) {
	return p.store.CalibrationHistory(ctx, limit)
}

// PriorHistory returns persisted prior-update events including derived
// old/new prior means, newest first.
func (p *Pipeline) PriorHistory(ctx context.Context, limit int) ([]model.PriorUpdate, error) {
	return p.store.PriorHistory(ctx, limit)
}

// VerifyIntegrity recomputes every stored outcome's hash from its
// canonical fields. Pure detection: mismatching rows are reported,
// never repaired.
func (p *Pipeline) VerifyIntegrity(ctx context.Context) (*model.IntegrityReport, error) {
	records, err := p.store.AllOutcomes(ctx)
	if err != nil {
		return nil, err
	}

	report := &model.IntegrityReport{
		TotalOutcomes: len(records),
		VerifiedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	for _, rec := range records {
		if rec.VerifyHash() {
			report.ValidOutcomes++
		} else {
			report.InvalidIDs = append(report.InvalidIDs, rec.ID)
		}
	}
	report.Valid = len(report.InvalidIDs) == 0

	if !report.Valid {
		zap.L().Warn("learning: integrity mismatches detected",
			zap.Int("total", report.TotalOutcomes),
			zap.Strings("invalid_ids", report.InvalidIDs),
		)
	}
	return report, nil
}

// ResetPriors resets the in-memory prior to the given values (or the
// originally configured initial values when alpha/beta are nil) and
// persists the reset as the new learning state.
func (p *Pipeline) ResetPriors(ctx context.Context, alpha, beta *float64) error {
	switch {
	case alpha == nil && beta == nil:
		p.updater.Reset()
	default:
		a := p.updater.initialAlpha
		b := p.updater.initialBeta
		if alpha != nil {
			a = *alpha
		}
		if beta != nil {
			b = *beta
		}
		if err := p.updater.ResetTo(a, b); err != nil {
			return err
		}
	}

	// Without a triggering outcome row there is no transaction to fold
	// this into; reuse the singleton upsert path directly.
	state := &model.LearningState{
		Alpha:       p.updater.Alpha(),
		Beta:        p.updater.Beta(),
		NUpdates:    0,
		LastUpdated: time.Now().UTC().Truncate(time.Microsecond),
	}
	return p.store.SaveLearningState(ctx, state)
}

// LearningRate returns the pipeline-wide learning rate.
func (p *Pipeline) LearningRate() float64 {
	return p.learningRate
}
