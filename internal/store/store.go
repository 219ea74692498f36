package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunNotFound is returned when no run matches the requested id.
var ErrRunNotFound = errors.New("run not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Schema creates the run history tables.
const Schema = `
CREATE TABLE IF NOT EXISTS test_runs (
    run_id      TEXT PRIMARY KEY,
    started_at  TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    base_url    TEXT NOT NULL,
    driver      TEXT NOT NULL,
    total       INT NOT NULL,
    passed      INT NOT NULL,
    failed      INT NOT NULL,
    errors      INT NOT NULL,
    skipped     INT NOT NULL,
    pass_rate   DOUBLE PRECISION NOT NULL,
    report      JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS scenario_results (
    result_id   TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES test_runs (run_id) ON DELETE CASCADE,
    scenario    TEXT NOT NULL,
    flow        TEXT NOT NULL,
    status      TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    final_url   TEXT NOT NULL,
    error       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS error_clusters (
    run_id     TEXT NOT NULL REFERENCES test_runs (run_id) ON DELETE CASCADE,
    code       TEXT NOT NULL,
    severity   TEXT NOT NULL,
    source     TEXT NOT NULL,
    count      INT NOT NULL,
    first_seen TIMESTAMPTZ,
    last_seen  TIMESTAMPTZ,
    PRIMARY KEY (run_id, code)
);
`

// RunSummary is one row of the run history listing.
type RunSummary struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	BaseURL   string
	Driver    string
	Summary   schemas.Summary
}

// Store persists run reports in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SaveReport stores a report, its scenario rows and its error clusters in one
// transaction. Saving a run id again replaces the earlier rows.
func (s *Store) SaveReport(ctx context.Context, report *schemas.TestReport) error {
	if report.Meta.RunID == "" {
		return errors.New("report has no run id")
	}
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	m, sum := report.Meta, report.Summary
	_, err = tx.Exec(ctx, sqlUpsertRun,
		m.RunID, m.StartedAt.UTC(), m.Duration.Milliseconds(), m.BaseURL, m.Driver,
		sum.Total, sum.Passed, sum.Failed, sum.Errors, sum.Skipped, sum.PassRate, doc)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteScenarios, m.RunID); err != nil {
		return fmt.Errorf("failed to clear scenario rows: %w", err)
	}

	if len(report.Results) > 0 {
		if err := s.persistResults(ctx, tx, m.RunID, report.Results); err != nil {
			return err
		}
	}
	if len(report.Errors) > 0 {
		if err := s.persistErrors(ctx, tx, m.RunID, report.Errors); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Saved run report.", zap.String("run_id", m.RunID), zap.Int("scenarios", len(report.Results)))
	return nil
}

const (
	sqlUpsertRun = `
        INSERT INTO test_runs (run_id, started_at, duration_ms, base_url, driver, total, passed, failed, errors, skipped, pass_rate, report)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (run_id) DO UPDATE SET
            started_at = EXCLUDED.started_at,
            duration_ms = EXCLUDED.duration_ms,
            base_url = EXCLUDED.base_url,
            driver = EXCLUDED.driver,
            total = EXCLUDED.total,
            passed = EXCLUDED.passed,
            failed = EXCLUDED.failed,
            errors = EXCLUDED.errors,
            skipped = EXCLUDED.skipped,
            pass_rate = EXCLUDED.pass_rate,
            report = EXCLUDED.report;
    `
	sqlDeleteScenarios = `DELETE FROM scenario_results WHERE run_id = $1;`
	sqlUpsertCluster   = `
        INSERT INTO error_clusters (run_id, code, severity, source, count, first_seen, last_seen)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (run_id, code) DO UPDATE SET
            severity = EXCLUDED.severity,
            source = EXCLUDED.source,
            count = EXCLUDED.count,
            first_seen = EXCLUDED.first_seen,
            last_seen = EXCLUDED.last_seen;
    `
	sqlSelectReport = `SELECT report FROM test_runs WHERE run_id = $1;`
	sqlListRuns     = `
        SELECT run_id, started_at, duration_ms, base_url, driver, total, passed, failed, errors, skipped, pass_rate
        FROM test_runs
        ORDER BY started_at DESC
        LIMIT $1;
    `
)

var scenarioColumns = []string{"result_id", "run_id", "scenario", "flow", "status", "started_at", "duration_ms", "final_url", "error"}

func (s *Store) persistResults(ctx context.Context, tx pgx.Tx, runID string, results []schemas.TestResult) error {
	rows := make([][]interface{}, len(results))
	for i, r := range results {
		rows[i] = []interface{}{
			r.ID, runID, r.Scenario, r.Flow, string(r.Status),
			r.StartedAt.UTC(), r.Duration.Milliseconds(), r.FinalURL, r.Error,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"scenario_results"}, scenarioColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy scenario results: %w", err)
	}
	if int(copyCount) != len(results) {
		return fmt.Errorf("mismatch in copied scenario count: expected %d, got %d", len(results), copyCount)
	}
	return nil
}

func (s *Store) persistErrors(ctx context.Context, tx pgx.Tx, runID string, clusters []schemas.ErrorReport) error {
	batch := &pgx.Batch{}
	for _, c := range clusters {
		batch.Queue(sqlUpsertCluster, runID, c.Code, string(c.Severity), string(c.Source), c.Count,
			nullableTime(c.FirstSeen), nullableTime(c.LastSeen))
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := range clusters {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert error cluster %s: %w", clusters[i].Code, err)
		}
	}
	return nil
}

// GetReport loads a stored report by run id.
func (s *Store) GetReport(ctx context.Context, runID string) (*schemas.TestReport, error) {
	var doc []byte
	if err := s.pool.QueryRow(ctx, sqlSelectReport, runID).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to query report: %w", err)
	}
	var report schemas.TestReport
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, fmt.Errorf("failed to decode stored report %s: %w", runID, err)
	}
	return &report, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlListRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var durationMS int64
		err := rows.Scan(
			&r.RunID, &r.StartedAt, &durationMS, &r.BaseURL, &r.Driver,
			&r.Summary.Total, &r.Summary.Passed, &r.Summary.Failed, &r.Summary.Errors, &r.Summary.Skipped,
			&r.Summary.PassRate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
