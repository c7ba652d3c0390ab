package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outcomes-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS outcomes (
	id                      TEXT PRIMARY KEY,
	decision_hash           TEXT NOT NULL,
	mrn                     TEXT NOT NULL,
	predicted_prob_safe     REAL NOT NULL,
	predicted_risk_category TEXT,
	actual_outcome          TEXT NOT NULL,
	outcome_details         TEXT,
	days_to_outcome         INTEGER,
	outcome_severity        INTEGER,
	recorded_by             TEXT NOT NULL,
	recorded_at             TEXT NOT NULL,
	outcome_hash            TEXT NOT NULL UNIQUE,
	metadata                TEXT,
	UNIQUE(decision_hash, recorded_at)
);

CREATE TABLE IF NOT EXISTS calibration_snapshots (
	id                  TEXT PRIMARY KEY,
	snapshot_at         TEXT NOT NULL,
	ece                 REAL NOT NULL,
	mce                 REAL NOT NULL,
	total_predictions   INTEGER,
	total_safe_outcomes INTEGER,
	bucket_data         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prior_updates (
	id            TEXT PRIMARY KEY,
	updated_at    TEXT NOT NULL,
	outcome_hash  TEXT,
	old_alpha     REAL NOT NULL,
	old_beta      REAL NOT NULL,
	new_alpha     REAL NOT NULL,
	new_beta      REAL NOT NULL,
	learning_rate REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_reports (
	id           TEXT PRIMARY KEY,
	generated_at TEXT NOT NULL,
	report_type  TEXT NOT NULL,
	report_data  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_state (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	current_alpha REAL NOT NULL,
	current_beta  REAL NOT NULL,
	n_updates     INTEGER DEFAULT 0,
	last_updated  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_mrn ON outcomes(mrn);
CREATE INDEX IF NOT EXISTS idx_outcomes_decision ON outcomes(decision_hash);
CREATE INDEX IF NOT EXISTS idx_outcomes_recorded ON outcomes(recorded_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_outcome ON outcomes(actual_outcome);
CREATE INDEX IF NOT EXISTS idx_snapshots_at ON calibration_snapshots(snapshot_at);
CREATE INDEX IF NOT EXISTS idx_prior_updates_at ON prior_updates(updated_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertOutcome writes the outcome row and, when update/state are
// non-nil, the prior-update event and the singleton state row in the
// same transaction. A duplicate (decision_hash, recorded_at) surfaces
// as ErrDuplicateOutcome with nothing applied.
func (s *SQLiteStore) InsertOutcome(ctx context.Context, rec *model.OutcomeRecord, update *model.PriorUpdate, state *model.LearningState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert outcome")
	}
	defer tx.Rollback() //nolint:errcheck

	metadataJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outcomes
		 (id, decision_hash, mrn, predicted_prob_safe, predicted_risk_category,
		  actual_outcome, outcome_details, days_to_outcome, outcome_severity,
		  recorded_by, recorded_at, outcome_hash, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DecisionHash, rec.MRN, rec.PredictedProbSafe, rec.PredictedRiskCategory,
		string(rec.ActualOutcome), rec.OutcomeDetails, rec.DaysToOutcome, rec.OutcomeSeverity,
		rec.RecordedBy, model.FormatTimestamp(rec.RecordedAt), rec.OutcomeHash, metadataJSON,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrDuplicateOutcome, "sqlite: decision %s at %s", rec.DecisionHash, model.FormatTimestamp(rec.RecordedAt))
		}
		return eris.Wrap(err, "sqlite: insert outcome")
	}

	if update != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO prior_updates
			 (id, updated_at, outcome_hash, old_alpha, old_beta, new_alpha, new_beta, learning_rate)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), model.FormatTimestamp(update.UpdatedAt), update.OutcomeHash,
			update.OldAlpha, update.OldBeta, update.NewAlpha, update.NewBeta, update.LearningRate,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert prior update")
		}
	}

	if state != nil {
		if err := upsertLearningState(ctx, tx, state); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit insert outcome")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertLearningState(ctx context.Context, ex execer, state *model.LearningState) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO learning_state (id, current_alpha, current_beta, n_updates, last_updated)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   current_alpha = excluded.current_alpha,
		   current_beta  = excluded.current_beta,
		   n_updates     = excluded.n_updates,
		   last_updated  = excluded.last_updated`,
		state.Alpha, state.Beta, state.NUpdates, model.FormatTimestamp(state.LastUpdated),
	)
	return eris.Wrap(err, "sqlite: upsert learning state")
}

func (s *SQLiteStore) SaveLearningState(ctx context.Context, state *model.LearningState) error {
	return upsertLearningState(ctx, s.db, state)
}

func (s *SQLiteStore) LatestOutcomeByDecision(ctx context.Context, decisionHash string) (*model.OutcomeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		outcomeSelect+` WHERE decision_hash = ? ORDER BY recorded_at DESC LIMIT 1`,
		decisionHash,
	)
	rec, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) OutcomesByPatient(ctx context.Context, mrn string, limit int) ([]model.OutcomeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		outcomeSelect+` WHERE mrn = ? ORDER BY recorded_at DESC LIMIT ?`,
		mrn, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: outcomes by patient")
	}
	return collectOutcomes(rows)
}

func (s *SQLiteStore) AllOutcomes(ctx context.Context) ([]model.OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, outcomeSelect+` ORDER BY recorded_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: all outcomes")
	}
	return collectOutcomes(rows)
}

func (s *SQLiteStore) PredictionOutcomes(ctx context.Context) ([]model.PredictionOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT predicted_prob_safe, actual_outcome FROM outcomes ORDER BY recorded_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prediction outcomes")
	}
	defer rows.Close()

	var pairs []model.PredictionOutcome
	for rows.Next() {
		var p model.PredictionOutcome
		var raw string
		if err := rows.Scan(&p.PredictedProbSafe, &raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prediction outcome")
		}
		p.Outcome = model.ParseOutcomeType(raw)
		pairs = append(pairs, p)
	}
	return pairs, eris.Wrap(rows.Err(), "sqlite: prediction outcomes iterate")
}

func (s *SQLiteStore) OutcomeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actual_outcome, COUNT(*) FROM outcomes GROUP BY actual_outcome`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: outcome counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome count")
		}
		counts[outcome] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: outcome counts iterate")
}

func (s *SQLiteStore) AdverseSeverity(ctx context.Context) (*model.SeverityAnalysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT AVG(outcome_severity), MIN(outcome_severity), MAX(outcome_severity)
		 FROM outcomes WHERE actual_outcome = 'adverse'`,
	)
	var avg sql.NullFloat64
	var minSev, maxSev sql.NullInt64
	if err := row.Scan(&avg, &minSev, &maxSev); err != nil {
		return nil, eris.Wrap(err, "sqlite: adverse severity")
	}
	if !avg.Valid {
		return nil, nil
	}
	return &model.SeverityAnalysis{
		AvgAdverseSeverity: math.Round(avg.Float64*100) / 100,
		MinAdverseSeverity: int(minSev.Int64),
		MaxAdverseSeverity: int(maxSev.Int64),
	}, nil
}

func (s *SQLiteStore) DailyStats(ctx context.Context, days int) ([]model.DailyStat, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(recorded_at, 1, 10) AS day,
		        COUNT(*),
		        SUM(CASE WHEN actual_outcome = 'safe' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN actual_outcome = 'adverse' THEN 1 ELSE 0 END),
		        AVG(predicted_prob_safe)
		 FROM outcomes
		 GROUP BY day
		 ORDER BY day DESC
		 LIMIT ?`,
		days,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: daily stats")
	}
	defer rows.Close()

	var stats []model.DailyStat
	for rows.Next() {
		var d model.DailyStat
		var avg sql.NullFloat64
		if err := rows.Scan(&d.Date, &d.Count, &d.SafeCount, &d.AdverseCount, &avg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan daily stat")
		}
		if avg.Valid {
			d.AvgPrediction = math.Round(avg.Float64*1e4) / 1e4
		}
		stats = append(stats, d)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: daily stats iterate")
}

func (s *SQLiteStore) RiskCategoryStats(ctx context.Context) ([]model.RiskCategoryStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT predicted_risk_category,
		        COUNT(*),
		        SUM(CASE WHEN actual_outcome = 'safe' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN actual_outcome = 'adverse' THEN 1 ELSE 0 END)
		 FROM outcomes
		 GROUP BY predicted_risk_category`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: risk category stats")
	}
	defer rows.Close()

	var stats []model.RiskCategoryStat
	for rows.Next() {
		var st model.RiskCategoryStat
		var category sql.NullString
		if err := rows.Scan(&category, &st.Count, &st.SafeCount, &st.AdverseCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan risk category stat")
		}
		st.Category = category.String
		if st.Count > 0 {
			st.Accuracy = math.Round(float64(st.SafeCount)/float64(st.Count)*1e4) / 1e4
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: risk category stats iterate")
}

func (s *SQLiteStore) LearningState(ctx context.Context) (*model.LearningState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT current_alpha, current_beta, n_updates, last_updated FROM learning_state WHERE id = 1`,
	)
	var st model.LearningState
	var lastUpdated string
	err := row.Scan(&st.Alpha, &st.Beta, &st.NUpdates, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: learning state")
	}
	if st.LastUpdated, err = model.ParseTimestamp(lastUpdated); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse learning state timestamp")
	}
	return &st, nil
}

func (s *SQLiteStore) InsertCalibrationSnapshot(ctx context.Context, snap *model.CalibrationSnapshot) error {
	bucketJSON, err := json.Marshal(snap.Buckets)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal bucket data")
	}
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calibration_snapshots
		 (id, snapshot_at, ece, mce, total_predictions, total_safe_outcomes, bucket_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, model.FormatTimestamp(snap.SnapshotAt), snap.ECE, snap.MCE,
		snap.TotalPredictions, snap.TotalSafeOutcomes, string(bucketJSON),
	)
	return eris.Wrap(err, "sqlite: insert calibration snapshot")
}

func (s *SQLiteStore) CalibrationHistory(ctx context.Context, limit int) ([]model.CalibrationSnapshot, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, snapshot_at, ece, mce, total_predictions, total_safe_outcomes
		 FROM calibration_snapshots
		 ORDER BY snapshot_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: calibration history")
	}
	defer rows.Close()

	var snaps []model.CalibrationSnapshot
	for rows.Next() {
		var snap model.CalibrationSnapshot
		var at string
		if err := rows.Scan(&snap.ID, &at, &snap.ECE, &snap.MCE, &snap.TotalPredictions, &snap.TotalSafeOutcomes); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan calibration snapshot")
		}
		if snap.SnapshotAt, err = model.ParseTimestamp(at); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse snapshot timestamp")
		}
		snaps = append(snaps, snap)
	}
	return snaps, eris.Wrap(rows.Err(), "sqlite: calibration history iterate")
}

func (s *SQLiteStore) PriorHistory(ctx context.Context, limit int) ([]model.PriorUpdate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, updated_at, outcome_hash, old_alpha, old_beta, new_alpha, new_beta, learning_rate
		 FROM prior_updates
		 ORDER BY updated_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prior history")
	}
	defer rows.Close()

	var updates []model.PriorUpdate
	for rows.Next() {
		var u model.PriorUpdate
		var at string
		var outcomeHash sql.NullString
		if err := rows.Scan(&u.ID, &at, &outcomeHash, &u.OldAlpha, &u.OldBeta, &u.NewAlpha, &u.NewBeta, &u.LearningRate); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prior update")
		}
		if u.UpdatedAt, err = model.ParseTimestamp(at); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse prior update timestamp")
		}
		u.OutcomeHash = outcomeHash.String
		u.OldMean = priorMean(u.OldAlpha, u.OldBeta)
		u.NewMean = priorMean(u.NewAlpha, u.NewBeta)
		updates = append(updates, u)
	}
	return updates, eris.Wrap(rows.Err(), "sqlite: prior history iterate")
}

func (s *SQLiteStore) InsertLearningReport(ctx context.Context, generatedAt time.Time, reportType string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO learning_reports (id, generated_at, report_type, report_data) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), model.FormatTimestamp(generatedAt), reportType, string(data),
	)
	return eris.Wrap(err, "sqlite: insert learning report")
}

// helpers

const outcomeSelect = `SELECT id, decision_hash, mrn, predicted_prob_safe, predicted_risk_category,
	actual_outcome, outcome_details, days_to_outcome, outcome_severity,
	recorded_by, recorded_at, outcome_hash, metadata
	FROM outcomes`

type scannable interface {
	Scan(dest ...any) error
}

func scanOutcome(row scannable) (*model.OutcomeRecord, error) {
	var rec model.OutcomeRecord
	var category, details, metadataJSON sql.NullString
	var recordedAt, outcome string

	err := row.Scan(
		&rec.ID, &rec.DecisionHash, &rec.MRN, &rec.PredictedProbSafe, &category,
		&outcome, &details, &rec.DaysToOutcome, &rec.OutcomeSeverity,
		&rec.RecordedBy, &recordedAt, &rec.OutcomeHash, &metadataJSON,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan outcome")
	}

	// Keep the stored outcome bytes intact; coercion to UNKNOWN happens
	// only in statistical consumers.
	rec.ActualOutcome = model.OutcomeType(outcome)
	rec.PredictedRiskCategory = category.String
	rec.OutcomeDetails = details.String
	if rec.RecordedAt, err = model.ParseTimestamp(recordedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse outcome timestamp")
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
		}
	}
	return &rec, nil
}

func collectOutcomes(rows *sql.Rows) ([]model.OutcomeRecord, error) {
	defer rows.Close()

	var records []model.OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: outcomes iterate")
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, eris.Wrap(err, "store: marshal metadata")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func priorMean(alpha, beta float64) float64 {
	if alpha+beta == 0 {
		return 0
	}
	return math.Round(alpha/(alpha+beta)*1e4) / 1e4
}
