// Package pool owns the database handle and rebuilds it whenever the
// underlying credential rotates.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/althrussell/databricks-sql-copilot/internal/credentials"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
)

// Source supplies connection strings and reports when they change.
// *credentials.Rotator and credentials.Static implement it.
type Source interface {
	Lease(ctx context.Context) (credentials.Lease, error)
	Invalidate()
}

// Config tunes the handle.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// RecycleLead retires connections this long before the credential they
	// were opened with expires.
	RecycleLead time.Duration
	// Open builds a handle from a connection string. Nil uses lib/pq.
	Open func(dsn string) (*sql.DB, error)
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.RecycleLead <= 0 {
		c.RecycleLead = 2 * time.Minute
	}
	if c.Open == nil {
		c.Open = openPostgres
	}
}

// Pool hands out a *sql.DB bound to the current credential generation.
type Pool struct {
	src    Source
	cfg    Config
	logger *logging.Logger

	mu  sync.Mutex
	db  *sql.DB
	gen int64

	open func(dsn string) (*sql.DB, error)
	now  func() time.Time
}

// New creates a Pool. No connection is opened until first use.
func New(src Source, cfg Config, logger *logging.Logger) *Pool {
	cfg.setDefaults()
	return &Pool{
		src:    src,
		cfg:    cfg,
		logger: logger.Component("pool"),
		open:   cfg.Open,
		now:    time.Now,
	}
}

func openPostgres(dsn string) (*sql.DB, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// DB returns the handle for the current credential, replacing the previous
// one when the generation has moved on.
func (p *Pool) DB(ctx context.Context) (*sql.DB, error) {
	lease, err := p.src.Lease(ctx)
	if err != nil {
		return nil, fmt.Errorf("database credential: %w", err)
	}
	gen := lease.Generation

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil && p.gen == gen {
		return p.db, nil
	}

	db, err := p.open(lease.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(p.cfg.MaxOpenConns)
	db.SetMaxIdleConns(p.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(p.lifetime(lease.ExpiresAt))

	if old := p.db; old != nil {
		p.logger.Info("credential generation %d -> %d, recycling connections", p.gen, gen)
		go old.Close()
	}
	p.db, p.gen = db, gen
	return db, nil
}

func (p *Pool) lifetime(expiresAt time.Time) time.Duration {
	life := p.cfg.ConnMaxLifetime
	if expiresAt.IsZero() {
		return life
	}
	if until := expiresAt.Sub(p.now()) - p.cfg.RecycleLead; until > 0 && until < life {
		return until
	}
	return life
}

// discard drops db if it is still current so the next DB call reopens.
func (p *Pool) discard(db *sql.DB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == db {
		p.db = nil
		go db.Close()
	}
}

// IsAuthFailure reports whether err is a Postgres invalid-authorization
// error (SQLSTATE class 28).
func IsAuthFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "28"
}

// withAuthRetry runs fn and, if the database rejects the credential, rotates
// it and runs fn once more.
func withAuthRetry[T any](ctx context.Context, p *Pool, fn func(db *sql.DB) (T, error)) (T, error) {
	var zero T
	db, err := p.DB(ctx)
	if err != nil {
		return zero, err
	}
	result, err := fn(db)
	if !IsAuthFailure(err) {
		return result, err
	}

	p.logger.Warn("database rejected credential, rotating: %v", err)
	p.src.Invalidate()
	p.discard(db)

	db, err = p.DB(ctx)
	if err != nil {
		return zero, err
	}
	return fn(db)
}

// Exec runs a statement.
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return withAuthRetry(ctx, p, func(db *sql.DB) (sql.Result, error) {
		return db.ExecContext(ctx, query, args...)
	})
}

// Query runs a query. The caller closes the rows.
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return withAuthRetry(ctx, p, func(db *sql.DB) (*sql.Rows, error) {
		return db.QueryContext(ctx, query, args...)
	})
}

// Ping checks connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	_, err := withAuthRetry(ctx, p, func(db *sql.DB) (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	})
	return err
}

// Generation returns the credential generation of the current handle.
func (p *Pool) Generation() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// Close closes the current handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
