// Package database is the postgres store.Store backend
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/observer/duochat/internal/store"
)

const uniqueViolation = "23505"

// DB wraps the connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 15 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Health checks if database is reachable
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Store is the postgres-backed store.Store
type Store struct {
	*DB
	*UserRepository
	*ConversationRepository
	*MessageRepository
}

var _ store.Store = (*Store)(nil)

// NewStore wires the repositories over one pool
func NewStore(db *DB) *Store {
	return &Store{
		DB:                     db,
		UserRepository:         NewUserRepository(db),
		ConversationRepository: NewConversationRepository(db),
		MessageRepository:      NewMessageRepository(db),
	}
}

// Close closes the connection pool
func (s *Store) Close(ctx context.Context) error {
	s.Pool.Close()
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
