// Package sink persists extracted features into the PostGIS output store:
// feature rows, their hexagonal index cells, and the per-table sync
// checkpoints. All writes for one batch share a transaction.
package sink

import (
	"context"
	_ "embed"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/pkg/errors"
	"github.com/omnisource/tessera/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

// Sink is the PostGIS output store.
type Sink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New opens the sink connection pool.
func New(ctx context.Context, dsn string, maxConns int) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sink connection config")
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create sink pool")
	}

	return &Sink{
		pool:   pool,
		logger: logger.Get().With(zap.String("component", "sink")),
	}, nil
}

// EnsureSchema applies the sink schema. Idempotent.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "failed to apply sink schema")
	}
	s.logger.Info("sink schema ensured")
	return nil
}

// EnsureSource registers an external source by name, returning its id.
// Re-registering updates the source type in place.
func (s *Sink) EnsureSource(ctx context.Context, name, sourceType string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tessera.external_sources (name, source_type)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET source_type = EXCLUDED.source_type
		RETURNING id`, name, sourceType).Scan(&id)
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, errors.ErrorTypeWrite, "failed to register source %s", name)
	}
	return id, nil
}

// Close releases the connection pool.
func (s *Sink) Close() {
	s.pool.Close()
}
