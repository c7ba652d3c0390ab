package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outcomes-cli/internal/db"
	"github.com/sells-group/outcomes-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection
// for the hot paths of outcome recording and lookup.
var preparedStatements = map[string]string{
	"insert_outcome": `INSERT INTO outcomes
		(id, decision_hash, mrn, predicted_prob_safe, predicted_risk_category,
		 actual_outcome, outcome_details, days_to_outcome, outcome_severity,
		 recorded_by, recorded_at, outcome_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
	"latest_outcome": pgOutcomeSelect + ` WHERE decision_hash = $1 ORDER BY recorded_at DESC LIMIT 1`,
	"insert_prior_update": `INSERT INTO prior_updates
		(id, updated_at, outcome_hash, old_alpha, old_beta, new_alpha, new_beta, learning_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"upsert_learning_state": `INSERT INTO learning_state (id, current_alpha, current_beta, n_updates, last_updated)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		  current_alpha = EXCLUDED.current_alpha,
		  current_beta  = EXCLUDED.current_beta,
		  n_updates     = EXCLUDED.n_updates,
		  last_updated  = EXCLUDED.last_updated`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS outcomes (
	id                      TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	decision_hash           TEXT NOT NULL,
	mrn                     TEXT NOT NULL,
	predicted_prob_safe     DOUBLE PRECISION NOT NULL,
	predicted_risk_category TEXT,
	actual_outcome          TEXT NOT NULL,
	outcome_details         TEXT,
	days_to_outcome         INTEGER,
	outcome_severity        INTEGER,
	recorded_by             TEXT NOT NULL,
	recorded_at             TIMESTAMPTZ NOT NULL,
	outcome_hash            TEXT NOT NULL UNIQUE,
	metadata                JSONB,
	UNIQUE(decision_hash, recorded_at)
);

CREATE TABLE IF NOT EXISTS calibration_snapshots (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	snapshot_at         TIMESTAMPTZ NOT NULL,
	ece                 DOUBLE PRECISION NOT NULL,
	mce                 DOUBLE PRECISION NOT NULL,
	total_predictions   INTEGER,
	total_safe_outcomes INTEGER,
	bucket_data         JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS prior_updates (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	updated_at    TIMESTAMPTZ NOT NULL,
	outcome_hash  TEXT,
	old_alpha     DOUBLE PRECISION NOT NULL,
	old_beta      DOUBLE PRECISION NOT NULL,
	new_alpha     DOUBLE PRECISION NOT NULL,
	new_beta      DOUBLE PRECISION NOT NULL,
	learning_rate DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_reports (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	generated_at TIMESTAMPTZ NOT NULL,
	report_type  TEXT NOT NULL,
	report_data  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_state (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	current_alpha DOUBLE PRECISION NOT NULL,
	current_beta  DOUBLE PRECISION NOT NULL,
	n_updates     INTEGER DEFAULT 0,
	last_updated  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_mrn ON outcomes(mrn);
CREATE INDEX IF NOT EXISTS idx_outcomes_decision ON outcomes(decision_hash);
CREATE INDEX IF NOT EXISTS idx_outcomes_recorded ON outcomes(recorded_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_outcome ON outcomes(actual_outcome);
CREATE INDEX IF NOT EXISTS idx_snapshots_at ON calibration_snapshots(snapshot_at);
CREATE INDEX IF NOT EXISTS idx_prior_updates_at ON prior_updates(updated_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertOutcome(ctx context.Context, rec *model.OutcomeRecord, update *model.PriorUpdate, state *model.LearningState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert outcome")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	metadataJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err = tx.Exec(ctx,
		preparedStatements["insert_outcome"],
		rec.ID, rec.DecisionHash, rec.MRN, rec.PredictedProbSafe, nullable(rec.PredictedRiskCategory),
		string(rec.ActualOutcome), nullable(rec.OutcomeDetails), rec.DaysToOutcome, rec.OutcomeSeverity,
		rec.RecordedBy, rec.RecordedAt.UTC(), rec.OutcomeHash, metadataJSON,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return eris.Wrapf(ErrDuplicateOutcome, "postgres: decision %s at %s", rec.DecisionHash, model.FormatTimestamp(rec.RecordedAt))
		}
		return eris.Wrap(err, "postgres: insert outcome")
	}

	if update != nil {
		_, err = tx.Exec(ctx,
			preparedStatements["insert_prior_update"],
			uuid.New().String(), update.UpdatedAt.UTC(), update.OutcomeHash,
			update.OldAlpha, update.OldBeta, update.NewAlpha, update.NewBeta, update.LearningRate,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert prior update")
		}
	}

	if state != nil {
		_, err = tx.Exec(ctx,
			preparedStatements["upsert_learning_state"],
			state.Alpha, state.Beta, state.NUpdates, state.LastUpdated.UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: upsert learning state")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit insert outcome")
}

func (s *PostgresStore) LatestOutcomeByDecision(ctx context.Context, decisionHash string) (*model.OutcomeRecord, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["latest_outcome"], decisionHash)
	rec, err := scanPgOutcome(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) OutcomesByPatient(ctx context.Context, mrn string, limit int) ([]model.OutcomeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		pgOutcomeSelect+` WHERE mrn = $1 ORDER BY recorded_at DESC LIMIT $2`,
		mrn, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: outcomes by patient")
	}
	return collectPgOutcomes(rows)
}

func (s *PostgresStore) AllOutcomes(ctx context.Context) ([]model.OutcomeRecord, error) {
	rows, err := s.pool.Query(ctx, pgOutcomeSelect+` ORDER BY recorded_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: all outcomes")
	}
	return collectPgOutcomes(rows)
}

func (s *PostgresStore) PredictionOutcomes(ctx context.Context) ([]model.PredictionOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT predicted_prob_safe, actual_outcome FROM outcomes ORDER BY recorded_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: prediction outcomes")
	}
	defer rows.Close()

	var pairs []model.PredictionOutcome
	for rows.Next() {
		var p model.PredictionOutcome
		var raw string
		if err := rows.Scan(&p.PredictedProbSafe, &raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan prediction outcome")
		}
		p.Outcome = model.ParseOutcomeType(raw)
		pairs = append(pairs, p)
	}
	return pairs, eris.Wrap(rows.Err(), "postgres: prediction outcomes iterate")
}

func (s *PostgresStore) OutcomeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT actual_outcome, COUNT(*) FROM outcomes GROUP BY actual_outcome`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: outcome counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome count")
		}
		counts[outcome] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: outcome counts iterate")
}

func (s *PostgresStore) AdverseSeverity(ctx context.Context) (*model.SeverityAnalysis, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT AVG(outcome_severity), MIN(outcome_severity), MAX(outcome_severity)
		 FROM outcomes WHERE actual_outcome = 'adverse'`,
	)
	var avg sql.NullFloat64
	var minSev, maxSev sql.NullInt64
	if err := row.Scan(&avg, &minSev, &maxSev); err != nil {
		return nil, eris.Wrap(err, "postgres: adverse severity")
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

func (s *PostgresStore) DailyStats(ctx context.Context, days int) ([]model.DailyStat, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.pool.Query(ctx,
		`SELECT to_char(recorded_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		        COUNT(*),
		        SUM(CASE WHEN actual_outcome = 'safe' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN actual_outcome = 'adverse' THEN 1 ELSE 0 END),
		        AVG(predicted_prob_safe)
		 FROM outcomes
		 GROUP BY day
		 ORDER BY day DESC
		 LIMIT $1`,
		days,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: daily stats")
	}
	defer rows.Close()

	var stats []model.DailyStat
	for rows.Next() {
		var d model.DailyStat
		var avg sql.NullFloat64
		if err := rows.Scan(&d.Date, &d.Count, &d.SafeCount, &d.AdverseCount, &avg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan daily stat")
		}
		if avg.Valid {
			d.AvgPrediction = math.Round(avg.Float64*1e4) / 1e4
		}
		stats = append(stats, d)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: daily stats iterate")
}

func (s *PostgresStore) RiskCategoryStats(ctx context.Context) ([]model.RiskCategoryStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT predicted_risk_category,
		        COUNT(*),
		        SUM(CASE WHEN actual_outcome = 'safe' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN actual_outcome = 'adverse' THEN 1 ELSE 0 END)
		 FROM outcomes
		 GROUP BY predicted_risk_category`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: risk category stats")
	}
	defer rows.Close()

	var stats []model.RiskCategoryStat
	for rows.Next() {
		var st model.RiskCategoryStat
		var category sql.NullString
		if err := rows.Scan(&category, &st.Count, &st.SafeCount, &st.AdverseCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan risk category stat")
		}
		st.Category = category.String
		if st.Count > 0 {
			st.Accuracy = math.Round(float64(st.SafeCount)/float64(st.Count)*1e4) / 1e4
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: risk category stats iterate")
}

func (s *PostgresStore) LearningState(ctx context.Context) (*model.LearningState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT current_alpha, current_beta, n_updates, last_updated FROM learning_state WHERE id = 1`,
	)
	var st model.LearningState
	err := row.Scan(&st.Alpha, &st.Beta, &st.NUpdates, &st.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: learning state")
	}
	return &st, nil
}

func (s *PostgresStore) SaveLearningState(ctx context.Context, state *model.LearningState) error {
	_, err := s.pool.Exec(ctx,
		preparedStatements["upsert_learning_state"],
		state.Alpha, state.Beta, state.NUpdates, state.LastUpdated.UTC(),
	)
	return eris.Wrap(err, "postgres: upsert learning state")
}

func (s *PostgresStore) InsertCalibrationSnapshot(ctx context.Context, snap *model.CalibrationSnapshot) error {
	bucketJSON, err := json.Marshal(snap.Buckets)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal bucket data")
	}
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO calibration_snapshots
		 (id, snapshot_at, ece, mce, total_predictions, total_safe_outcomes, bucket_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.SnapshotAt.UTC(), snap.ECE, snap.MCE,
		snap.TotalPredictions, snap.TotalSafeOutcomes, string(bucketJSON),
	)
	return eris.Wrap(err, "postgres: insert calibration snapshot")
}

func (s *PostgresStore) CalibrationHistory(ctx context.Context, limit int) ([]model.CalibrationSnapshot, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, snapshot_at, ece, mce, total_predictions, total_safe_outcomes
		 FROM calibration_snapshots
		 ORDER BY snapshot_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: calibration history")
	}
	defer rows.Close()

	var snaps []model.CalibrationSnapshot
	for rows.Next() {
		var snap model.CalibrationSnapshot
		if err := rows.Scan(&snap.ID, &snap.SnapshotAt, &snap.ECE, &snap.MCE, &snap.TotalPredictions, &snap.TotalSafeOutcomes); err != nil {
			return nil, eris.Wrap(err, "postgres: scan calibration snapshot")
		}
		snaps = append(snaps, snap)
	}
	return snaps, eris.Wrap(rows.Err(), "postgres: calibration history iterate")
}

func (s *PostgresStore) PriorHistory(ctx context.Context, limit int) ([]model.PriorUpdate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, updated_at, outcome_hash, old_alpha, old_beta, new_alpha, new_beta, learning_rate
		 FROM prior_updates
		 ORDER BY updated_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: prior history")
	}
	defer rows.Close()

	var updates []model.PriorUpdate
	for rows.Next() {
		var u model.PriorUpdate
		var outcomeHash sql.NullString
		if err := rows.Scan(&u.ID, &u.UpdatedAt, &outcomeHash, &u.OldAlpha, &u.OldBeta, &u.NewAlpha, &u.NewBeta, &u.LearningRate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan prior update")
		}
		u.OutcomeHash = outcomeHash.String
		u.OldMean = priorMean(u.OldAlpha, u.OldBeta)
		u.NewMean = priorMean(u.NewAlpha, u.NewBeta)
		updates = append(updates, u)
	}
	return updates, eris.Wrap(rows.Err(), "postgres: prior history iterate")
}

func (s *PostgresStore) InsertLearningReport(ctx context.Context, generatedAt time.Time, reportType string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO learning_reports (id, generated_at, report_type, report_data) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), generatedAt.UTC(), reportType, string(data),
	)
	return eris.Wrap(err, "postgres: insert learning report")
}

// helpers

const pgOutcomeSelect = `SELECT id, decision_hash, mrn, predicted_prob_safe, predicted_risk_category,
	actual_outcome, outcome_details, days_to_outcome, outcome_severity,
	recorded_by, recorded_at, outcome_hash, metadata
	FROM outcomes`

func scanPgOutcome(row pgx.Row) (*model.OutcomeRecord, error) {
	var rec model.OutcomeRecord
	var category, details, metadataJSON sql.NullString
	var outcome string

	err := row.Scan(
		&rec.ID, &rec.DecisionHash, &rec.MRN, &rec.PredictedProbSafe, &category,
		&outcome, &details, &rec.DaysToOutcome, &rec.OutcomeSeverity,
		&rec.RecordedBy, &rec.RecordedAt, &rec.OutcomeHash, &metadataJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan outcome")
	}

	rec.ActualOutcome = model.OutcomeType(outcome)
	rec.PredictedRiskCategory = category.String
	rec.OutcomeDetails = details.String
	rec.RecordedAt = rec.RecordedAt.UTC()
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal metadata")
		}
	}
	return &rec, nil
}

func collectPgOutcomes(rows pgx.Rows) ([]model.OutcomeRecord, error) {
	defer rows.Close()

	var records []model.OutcomeRecord
	for rows.Next() {
		rec, err := scanPgOutcome(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: outcomes iterate")
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
