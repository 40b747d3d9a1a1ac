package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the Postgres test database and pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness reuses overrideDSN (or JURYFLOW_TEST_PG_DSN) inside an isolated
// schema, or boots a fresh container, and applies the embedded migrations.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	c, dsn, err := StartPostgres(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	pool, teardown, err := ApplyMigrations(ctx, dsn, c.Shared())
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Harness{container: c, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources. Teardown errors are returned, not hidden.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if termErr := h.container.Terminate(ctx); err == nil {
		err = termErr
	}
	return err
}

// Reset empties the secret table between runs.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE vote_secrets"); err != nil {
		return fmt.Errorf("truncate vote_secrets: %w", err)
	}
	return nil
}
