package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is a development bootstrap for the position tables and their
// notification triggers. Production schemas are managed elsewhere.
//
//go:embed schema.sql
var schemaSQL string

// ErrListenersExhausted is returned by AcquireListenConn when every
// listener slot is taken.
var ErrListenersExhausted = errors.New("store: listener connections exhausted")

const listenCloseTimeout = 5 * time.Second

// Options sizes the store's connections.
type Options struct {
	// MaxConns caps the query pool. Zero keeps the pgxpool default.
	MaxConns int32
	// MaxListeners caps the dedicated LISTEN connections.
	MaxListeners int
}

// notifyConn is the part of *pgx.Conn a listener uses.
type notifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// PostgresStore is the read side of the position tables. Queries share a
// pool; every LISTEN subscription gets its own connection outside it, so
// long-lived streams never hold query capacity.
type PostgresStore struct {
	pool      *pgxpool.Pool
	listeners chan struct{}
	dial      func(ctx context.Context) (notifyConn, error)
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(dbURL string, opts Options) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	connConfig := pool.Config().ConnConfig
	dial := func(ctx context.Context) (notifyConn, error) {
		return pgx.ConnectConfig(ctx, connConfig.Copy())
	}
	return newStore(pool, opts.MaxListeners, dial), nil
}

func newStore(pool *pgxpool.Pool, maxListeners int, dial func(context.Context) (notifyConn, error)) *PostgresStore {
	if maxListeners <= 0 {
		maxListeners = 1
	}
	return &PostgresStore{
		pool:      pool,
		listeners: make(chan struct{}, maxListeners),
		dial:      dial,
	}
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Query runs a read on any pooled connection.
func (p *PostgresStore) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// AcquireListenConn opens a connection dedicated to one LISTEN subscription.
// It fails with ErrListenersExhausted instead of waiting when all listener
// slots are in use. The caller must Release or Destroy the connection.
func (p *PostgresStore) AcquireListenConn(ctx context.Context) (*ListenConn, error) {
	select {
	case p.listeners <- struct{}{}:
	default:
		return nil, ErrListenersExhausted
	}

	c, err := p.dial(ctx)
	if err != nil {
		<-p.listeners
		return nil, fmt.Errorf("open listen connection: %w", err)
	}
	return &ListenConn{conn: c, slots: p.listeners}, nil
}

// ListenConn is a connection dedicated to notifications. It holds one
// listener slot until it is released or destroyed.
type ListenConn struct {
	conn  notifyConn
	slots chan struct{}
	done  bool
}

// Exec runs LISTEN / UNLISTEN statements on the dedicated connection.
func (l *ListenConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return l.conn.Exec(ctx, sql, args...)
}

// WaitForNotification blocks until a notification arrives or ctx is done.
func (l *ListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return l.conn.WaitForNotification(ctx)
}

// Release closes the connection and frees its slot.
func (l *ListenConn) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), listenCloseTimeout)
	defer cancel()
	l.Destroy(ctx)
}

// Destroy closes the connection and frees its slot. Calls after the first
// are no-ops.
func (l *ListenConn) Destroy(ctx context.Context) {
	if l.done {
		return
	}
	l.done = true
	_ = l.conn.Close(ctx)
	<-l.slots
}
