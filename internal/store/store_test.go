package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// utcTime accepts any timestamp already converted to UTC.
var utcTime = ArgumentMatcherFunc(func(v interface{}) bool {
	t, ok := v.(time.Time)
	return ok && t.Location() == time.UTC
})

var anyValue = ArgumentMatcherFunc(func(v interface{}) bool { return true })

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleReport() *schemas.TestReport {
	nyc, _ := time.LoadLocation("America/New_York")
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, nyc)
	return &schemas.TestReport{
		Meta: schemas.ReportMeta{
			RunID:     "run-1",
			BaseURL:   "http://app.test",
			Driver:    "chromedp",
			StartedAt: started,
			Duration:  2500 * time.Millisecond,
		},
		Summary: schemas.Summary{Total: 2, Passed: 1, Failed: 1, PassRate: 50},
		Results: []schemas.TestResult{
			{ID: "r1", Scenario: "login", Flow: "auth", Status: schemas.StatusPass, StartedAt: started, Duration: time.Second},
			{ID: "r2", Scenario: "checkout", Flow: "shop", Status: schemas.StatusFail, StartedAt: started, Duration: time.Second, FinalURL: "http://app.test/cart"},
		},
		Errors: []schemas.ErrorReport{
			{Code: "HTTP_503", Severity: schemas.SeverityHigh, Source: schemas.SourceNetwork, Count: 2, FirstSeen: started, LastSeen: started},
		},
	}
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS test_runs")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveReport(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist run, scenarios and clusters in one transaction", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))
		report := sampleReport()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-1", utcTime, int64(2500), "http://app.test", "chromedp",
				2, 1, 1, 0, 0, 50.0, anyValue).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteScenarios)).
			WithArgs("run-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"scenario_results"}, scenarioColumns).
			WillReturnResult(2)
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertCluster)).
			WithArgs("run-1", "HTTP_503", "high", "network", 2, utcTime, utcTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		// Expect Commit AND the subsequent Rollback (which returns ErrTxClosed)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveReport(ctx, report))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should reject a report without run id", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		err := s.SaveReport(ctx, &schemas.TestReport{})
		require.Error(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.SaveReport(ctx, sampleReport())
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if copying scenario rows fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		copyErr := errors.New("copy from failed")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs(anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteScenarios)).
			WithArgs("run-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"scenario_results"}, scenarioColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.SaveReport(ctx, sampleReport())
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if the cluster batch fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		batchErr := errors.New("batch execution failed")
		report := sampleReport()
		report.Results = nil

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs(anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteScenarios)).
			WithArgs("run-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertCluster)).
			WithArgs("run-1", "HTTP_503", "high", "network", 2, utcTime, utcTime).
			WillReturnError(batchErr)
		mockPool.ExpectRollback()

		err := s.SaveReport(ctx, report)
		require.Error(t, err)
		assert.ErrorIs(t, err, batchErr)
		assert.Contains(t, err.Error(), "failed to upsert error cluster HTTP_503")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestGetReport(t *testing.T) {
	ctx := context.Background()

	t.Run("should decode the stored document", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		doc, err := json.Marshal(sampleReport())
		require.NoError(t, err)

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectReport)).
			WithArgs("run-1").
			WillReturnRows(pgxmock.NewRows([]string{"report"}).AddRow(doc))

		report, err := s.GetReport(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "run-1", report.Meta.RunID)
		assert.Equal(t, 50.0, report.Summary.PassRate)
		assert.Len(t, report.Results, 2)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should report a missing run", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectReport)).
			WithArgs("nope").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.GetReport(ctx, "nope")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t, zap.NewNop())
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	columns := []string{"run_id", "started_at", "duration_ms", "base_url", "driver", "total", "passed", "failed", "errors", "skipped", "pass_rate"}
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListRuns)).
		WithArgs(20).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("run-2", started.Add(time.Hour), int64(1200), "http://app.test", "mcp", 3, 3, 0, 0, 0, 100.0).
			AddRow("run-1", started, int64(2500), "http://app.test", "chromedp", 2, 1, 1, 0, 0, 50.0))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, 1200*time.Millisecond, runs[0].Duration)
	assert.Equal(t, schemas.Summary{Total: 2, Passed: 1, Failed: 1, PassRate: 50}, runs[1].Summary)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
