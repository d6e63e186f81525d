package sink

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/omnisource/tessera/pkg/errors"
	"github.com/omnisource/tessera/pkg/geo"
)

// ReadCheckpoint returns the stored checkpoint for a source table. The
// boolean reports whether a checkpoint exists at all.
func (s *Sink) ReadCheckpoint(ctx context.Context, sourceID uuid.UUID, table string) (string, bool, error) {
	var checkpoint *string
	err := s.pool.QueryRow(ctx, `
		SELECT checkpoint FROM tessera.sync_checkpoints
		WHERE source_id = $1 AND table_name = $2`, sourceID, table).Scan(&checkpoint)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read checkpoint")
	}
	if checkpoint == nil {
		return "", true, nil
	}
	return *checkpoint, true, nil
}

// UpsertCheckpoint advances the checkpoint for a source table and adds the
// run's row count to the cumulative total.
func (s *Sink) UpsertCheckpoint(ctx context.Context, sourceID uuid.UUID, table, checkpoint string, rowsProcessed int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tessera.sync_checkpoints (source_id, table_name, checkpoint, rows_processed, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (source_id, table_name) DO UPDATE SET
			checkpoint = EXCLUDED.checkpoint,
			rows_processed = tessera.sync_checkpoints.rows_processed + EXCLUDED.rows_processed,
			updated_at = now()`,
		sourceID, table, checkpoint, rowsProcessed)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "failed to upsert checkpoint")
	}
	return nil
}

// LoadContentHashes returns the set of content hashes already stored for a
// source table, keyed by hex digest. Full rescans consult this set to skip
// unchanged rows.
func (s *Sink) LoadContentHashes(ctx context.Context, sourceID uuid.UUID, table string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data_hash FROM tessera.geo_features
		WHERE source_id = $1 AND table_name = $2`, sourceID, table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to load content hashes")
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan content hash")
		}
		hashes[hex.EncodeToString(h)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "hash iteration failed")
	}
	return hashes, nil
}

// FeatureRecord is one stored feature as delivered to stream and polling
// clients. Geometry travels as GeoJSON.
type FeatureRecord struct {
	ID         int64           `json:"id"`
	SourceID   uuid.UUID       `json:"source_id"`
	Table      string          `json:"table"`
	ExternalID string          `json:"external_id"`
	Geometry   json.RawMessage `json:"geometry"`
	Attributes json.RawMessage `json:"attributes"`
	IngestedAt time.Time       `json:"ingested_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// FeatureQuery filters a delta read. Zero values mean unfiltered: the nil
// uuid matches every source, an empty table matches every table, a nil
// bounding box matches everywhere.
type FeatureQuery struct {
	SourceID uuid.UUID
	Table    string
	BBox     *geo.Envelope
	Since    time.Time
	Limit    int
}

// buildFeatureQuery assembles the delta SQL and bind arguments.
func buildFeatureQuery(q FeatureQuery) (string, []interface{}) {
	sql := `SELECT id, source_id, table_name, external_id,
	       ST_AsGeoJSON(geom), attributes, ingested_at, updated_at
	FROM tessera.geo_features
	WHERE updated_at > $1`
	args := []interface{}{q.Since}

	if q.SourceID != uuid.Nil {
		args = append(args, q.SourceID)
		sql += fmt.Sprintf(" AND source_id = $%d", len(args))
	}
	if q.Table != "" {
		args = append(args, q.Table)
		sql += fmt.Sprintf(" AND table_name = $%d", len(args))
	}
	if q.BBox != nil {
		args = append(args, q.BBox.MinX, q.BBox.MinY, q.BBox.MaxX, q.BBox.MaxY)
		sql += fmt.Sprintf(" AND geom && ST_MakeEnvelope($%d, $%d, $%d, $%d, 4326)",
			len(args)-3, len(args)-2, len(args)-1, len(args))
	}

	sql += " ORDER BY updated_at ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sql, args
}

// QueryFeaturesSince returns features updated strictly after the cursor, in
// ascending update order. Both the broker and the polling transport read
// deltas through this.
func (s *Sink) QueryFeaturesSince(ctx context.Context, q FeatureQuery) ([]FeatureRecord, error) {
	sql, args := buildFeatureQuery(q)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query feature deltas")
	}
	defer rows.Close()

	var out []FeatureRecord
	for rows.Next() {
		var rec FeatureRecord
		var geomJSON, attrs string
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.Table, &rec.ExternalID,
			&geomJSON, &attrs, &rec.IngestedAt, &rec.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan feature record")
		}
		rec.Geometry = json.RawMessage(geomJSON)
		rec.Attributes = json.RawMessage(attrs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "feature iteration failed")
	}
	return out, nil
}
