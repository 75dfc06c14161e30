// Package store persists analysis results in the managed Postgres database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/althrussell/databricks-sql-copilot/internal/events"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
)

// DB is satisfied by *pool.Pool.
type DB interface {
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Record is one stored analysis.
type Record struct {
	ID           int64
	Statement    string
	Summary      []string
	RewrittenSQL string
	Severity     string
	Repaired     bool
	RequestedBy  string
	CreatedAt    time.Time
}

const schema = `CREATE TABLE IF NOT EXISTS copilot_analyses (
	id            BIGSERIAL PRIMARY KEY,
	statement     TEXT NOT NULL,
	summary       TEXT[] NOT NULL DEFAULT '{}',
	rewritten_sql TEXT NOT NULL DEFAULT '',
	severity      TEXT NOT NULL,
	repaired      BOOLEAN NOT NULL DEFAULT FALSE,
	requested_by  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store reads and writes analyses.
type Store struct {
	db     DB
	logger *logging.Logger
}

// New creates a Store.
func New(db DB, logger *logging.Logger) *Store {
	return &Store{db: db, logger: logger.Component("store")}
}

// Migrate creates the table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate copilot_analyses: %w", err)
	}
	return nil
}

// SaveAnalysis inserts rec.
func (s *Store) SaveAnalysis(ctx context.Context, rec Record) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO copilot_analyses (statement, summary, rewritten_sql, severity, repaired, requested_by)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Statement, pq.Array(rec.Summary), rec.RewrittenSQL, rec.Severity, rec.Repaired, rec.RequestedBy)
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

// RecentAnalyses returns up to limit analyses, newest first.
func (s *Store) RecentAnalyses(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, statement, summary, rewritten_sql, severity, repaired, requested_by, created_at
		 FROM copilot_analyses ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Statement, pq.Array(&rec.Summary), &rec.RewrittenSQL,
			&rec.Severity, &rec.Repaired, &rec.RequestedBy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Sink stores analysis events delivered by the background queue.
type Sink struct {
	Store *Store
}

func (Sink) Name() string { return "store" }

func (Sink) Accepts(kind events.Kind) bool { return kind == events.KindAnalysisCompleted }

func (s Sink) Handle(ctx context.Context, event events.Event) error {
	rec, ok := event.Payload.(Record)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	if rec.RequestedBy == "" {
		rec.RequestedBy = event.Identity
	}
	return s.Store.SaveAnalysis(ctx, rec)
}
