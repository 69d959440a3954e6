package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

const schema = `
CREATE TABLE IF NOT EXISTS aggregation_rounds (
	id         BIGSERIAL PRIMARY KEY,
	session_id UUID NOT NULL,
	epoch      INTEGER NOT NULL,
	layer      SMALLINT NOT NULL,
	clients    INTEGER NOT NULL,
	elements   INTEGER NOT NULL,
	mean       DOUBLE PRECISION NOT NULL,
	l2_norm    DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore writes rounds to the aggregation_rounds table.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a pooled connection and verifies it.
func Connect(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// Migrate creates the table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate aggregation_rounds: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRound(ctx context.Context, r *Round) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO aggregation_rounds (
			session_id, epoch, layer, clients, elements, mean, l2_norm, created_at
		) VALUES (
			:session_id, :epoch, :layer, :clients, :elements, :mean, :l2_norm, :created_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return fmt.Errorf("failed to save round: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRounds(ctx context.Context, limit int) ([]Round, error) {
	if limit <= 0 {
		limit = DefaultMemoryCapacity
	}
	var rounds []Round
	query := `
		SELECT session_id, epoch, layer, clients, elements, mean, l2_norm, created_at
		FROM aggregation_rounds
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	if err := s.db.SelectContext(ctx, &rounds, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	return rounds, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
