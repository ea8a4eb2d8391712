// Package db is an optional Postgres mirror of accepted observations.
// The operation log is the durability story; this store exists for
// offline forensics queries and is written on a best-effort basis. The
// daemon runs fine without it.
package db

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id            BIGSERIAL PRIMARY KEY,
	kind          TEXT        NOT NULL,
	address       BYTEA       NOT NULL,
	submitter     BIGINT      NOT NULL,
	prefix_bits   SMALLINT    NOT NULL,
	observed_hour BIGINT      NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS observations_address_idx ON observations (address);
CREATE INDEX IF NOT EXISTS observations_hour_idx ON observations (observed_hour);
`

type Store struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for the audit mirror")
	return &Store{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the observations table if absent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %v", err)
	}

	log.Println("Audit mirror schema initialized")
	return nil
}

// SaveObservation mirrors one accepted observation.
func (s *Store) SaveObservation(ctx context.Context, kind string, address []byte, submitter uint32, prefixBits int, observedHour uint32) error {
	sql := `
		INSERT INTO observations (kind, address, submitter, prefix_bits, observed_hour)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.pool.Exec(ctx, sql, kind, address, int64(submitter), prefixBits, int64(observedHour))
	return err
}

// CountObservations returns the number of mirrored observations, used
// by the health endpoint to show mirror lag at a glance.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM observations`).Scan(&count)
	return count, err
}
