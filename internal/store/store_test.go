package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/althrussell/databricks-sql-copilot/internal/events"
)

// sqlDB adapts *sql.DB to the DB interface.
type sqlDB struct{ db *sql.DB }

func (s sqlDB) Exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, q, args...)
}

func (s sqlDB) Query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, q, args...)
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlDB{db}, nil), mock
}

func TestStore_Migrate(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS copilot_analyses").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MigrateError(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied for schema public"))

	err := s.Migrate(context.Background())
	assert.ErrorContains(t, err, "migrate copilot_analyses")
}

func TestStore_SaveAnalysis(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO copilot_analyses").
		WithArgs("SELECT * FROM t", sqlmock.AnyArg(), "SELECT a FROM t", "high", true, "alice@example.com").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.SaveAnalysis(context.Background(), Record{
		Statement:    "SELECT * FROM t",
		Summary:      []string{"full scan", "select star"},
		RewrittenSQL: "SELECT a FROM t",
		Severity:     "high",
		Repaired:     true,
		RequestedBy:  "alice@example.com",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecentAnalyses(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows([]string{"id", "statement", "summary", "rewritten_sql", "severity", "repaired", "requested_by", "created_at"}).
		AddRow(2, "SELECT 2", "{a,b}", "", "medium", false, "bob@example.com", created).
		AddRow(1, "SELECT 1", "{}", "SELECT 1", "low", true, "", created.Add(-time.Hour))
	mock.ExpectQuery("SELECT id, statement, summary").WithArgs(5).WillReturnRows(rows)

	recs, err := s.RecentAnalyses(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"a", "b"}, recs[0].Summary)
	assert.Equal(t, "bob@example.com", recs[0].RequestedBy)
	assert.Empty(t, recs[1].Summary)
	assert.True(t, recs[1].Repaired)
	assert.Equal(t, created, recs[0].CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecentAnalysesDefaultLimit(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT id").WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "statement", "summary", "rewritten_sql", "severity", "repaired", "requested_by", "created_at"}))

	recs, err := s.RecentAnalyses(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSink(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO copilot_analyses").
		WithArgs("SELECT 1", sqlmock.AnyArg(), "", "medium", false, "carol@example.com").
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink := Sink{Store: s}
	assert.True(t, sink.Accepts(events.KindAnalysisCompleted))
	assert.False(t, sink.Accepts(events.KindAnalysisFailed))

	err := sink.Handle(context.Background(), events.Event{
		Kind:     events.KindAnalysisCompleted,
		Identity: "carol@example.com",
		Payload:  Record{Statement: "SELECT 1", Severity: "medium"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Error(t, sink.Handle(context.Background(), events.Event{Payload: "nope"}))
}
