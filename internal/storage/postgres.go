package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is an interface that both pgxpool.Pool and pgx.Tx implement
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store represents the postgres connection pool
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store instance
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// DB returns the underlying database pool for direct queries
func (s *Store) DB() *pgxpool.Pool {
	return s.pool
}

// PostgresKV is the KeyValueStore backend over the wallet_kv table
type PostgresKV struct {
	notifier
	store *Store
}

// NewPostgresKV creates a KeyValueStore on top of store
func NewPostgresKV(store *Store) *PostgresKV {
	return &PostgresKV{store: store}
}

func (p *PostgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	return getValue(ctx, p.store.pool, key, false)
}

func (p *PostgresKV) Set(ctx context.Context, key string, value []byte) error {
	if err := putValue(ctx, p.store.pool, key, value); err != nil {
		return err
	}
	p.notify(key, value)
	return nil
}

func (p *PostgresKV) Delete(ctx context.Context, key string) error {
	tag, err := p.store.pool.Exec(ctx, `DELETE FROM wallet_kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if tag.RowsAffected() > 0 {
		p.notify(key, nil)
	}
	return nil
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
// A missing row is serialized through a transaction-scoped advisory lock on
// the key so two writers cannot both observe "absent".
func (p *PostgresKV) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	tx, err := p.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}

	current, err := getValue(ctx, tx, key, true)
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if next == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM wallet_kv WHERE key = $1`, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	} else if err := putValue(ctx, tx, key, next); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}

	p.notify(key, next)
	return nil
}

// Close is a no-op; the pool is owned by Store
func (p *PostgresKV) Close() error { return nil }

func getValue(ctx context.Context, db DBTX, key string, forUpdate bool) ([]byte, error) {
	query := `SELECT value FROM wallet_kv WHERE key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var value []byte
	err := db.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

func putValue(ctx context.Context, db DBTX, key string, value []byte) error {
	query := `
        INSERT INTO wallet_kv (key, value, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
    `
	if _, err := db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

var _ KeyValueStore = (*PostgresKV)(nil)
