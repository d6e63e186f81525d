package sink

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/pkg/errors"
	"github.com/omnisource/tessera/pkg/extract"
	"github.com/omnisource/tessera/pkg/geo"
)

// WriteBatch persists one batch of features and their index cells inside a
// single transaction. Either every row in the batch lands or none do.
// Returns the number of features and index cells written.
func (s *Sink) WriteBatch(ctx context.Context, sourceID uuid.UUID, table string, features []*extract.Feature, resolutions []int) (int, int, error) {
	if len(features) == 0 {
		return 0, 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to begin sink transaction")
	}
	defer tx.Rollback(ctx)

	cellBatch := &pgx.Batch{}
	cellCount := 0

	for _, f := range features {
		wkbData, err := geo.MarshalWKB(f.Geometry)
		if err != nil {
			return 0, 0, errors.Wrap(err, errors.ErrorTypeParse, "failed to encode feature geometry")
		}

		attrs, err := json.Marshal(f.Attributes)
		if err != nil {
			return 0, 0, errors.Wrap(err, errors.ErrorTypeParse, "failed to encode feature attributes")
		}

		var featureID int64
		var ingestedAt time.Time
		err = tx.QueryRow(ctx, `
			INSERT INTO tessera.geo_features
				(source_id, table_name, external_id, geom, attributes, data_hash)
			VALUES ($1, $2, $3, ST_GeomFromWKB($4, 4326), $5::jsonb, $6)
			RETURNING id, ingested_at`,
			sourceID, table, f.ExternalID, wkbData, string(attrs), f.ContentHash,
		).Scan(&featureID, &ingestedAt)
		if err != nil {
			return 0, 0, errors.Wrapf(err, errors.ErrorTypeWrite, "failed to insert feature %s", f.ExternalID)
		}

		for _, cell := range geo.IndexCells(f.Geometry, resolutions) {
			cellBatch.Queue(`
				INSERT INTO tessera.h3_cell_index (feature_id, resolution, cell, feature_ingest)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (feature_id, resolution) DO UPDATE SET cell = EXCLUDED.cell`,
				featureID, cell.Resolution(), cell.String(), ingestedAt)
			cellCount++
		}
	}

	if cellBatch.Len() > 0 {
		results := tx.SendBatch(ctx, cellBatch)
		for i := 0; i < cellBatch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return 0, 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to insert index cells")
			}
		}
		if err := results.Close(); err != nil {
			return 0, 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to flush index cell batch")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to commit sink batch")
	}

	s.logger.Debug("batch written",
		zap.String("table", table),
		zap.Int("features", len(features)),
		zap.Int("cells", cellCount))

	return len(features), cellCount, nil
}
