// Package sync runs the ingestion pipeline: it selects a sync mode per
// layer, streams rows out of the source connector, extracts features, writes
// them to the sink in bounded batches, and advances the checkpoint. A
// scheduler dispatches runs; a completed run publishes one ingestion event.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/internal/stream"
	"github.com/omnisource/tessera/pkg/config"
	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/connector/registry"
	"github.com/omnisource/tessera/pkg/errors"
	"github.com/omnisource/tessera/pkg/extract"
	"github.com/omnisource/tessera/pkg/geo"
	"github.com/omnisource/tessera/pkg/logger"
	"github.com/omnisource/tessera/pkg/metastore"
	"github.com/omnisource/tessera/pkg/metrics"
	"github.com/omnisource/tessera/pkg/vault"
)

const progressLogInterval = 5000

// BatchWriter persists feature batches. Implemented by the sink.
type BatchWriter interface {
	WriteBatch(ctx context.Context, sourceID uuid.UUID, table string, features []*extract.Feature, resolutions []int) (int, int, error)
}

// CheckpointStore tracks per-table resume positions and stored content
// hashes. Implemented by the sink.
type CheckpointStore interface {
	ReadCheckpoint(ctx context.Context, sourceID uuid.UUID, table string) (string, bool, error)
	UpsertCheckpoint(ctx context.Context, sourceID uuid.UUID, table, checkpoint string, rowsProcessed int64) error
	LoadContentHashes(ctx context.Context, sourceID uuid.UUID, table string) (map[string]struct{}, error)
}

// SourceRegistrar registers external sources by name. Implemented by the
// sink.
type SourceRegistrar interface {
	EnsureSource(ctx context.Context, name, sourceType string) (uuid.UUID, error)
}

// EventPublisher receives the ingestion event of a completed run.
// Implemented by the stream broker.
type EventPublisher interface {
	OnIngestionEvent(ctx context.Context, ev stream.IngestionEvent)
}

// Result is the outcome of one sync run.
type Result struct {
	Status            string        `json:"status"`
	Mode              string        `json:"mode"`
	Read              int64         `json:"read"`
	Written           int64         `json:"written"`
	Skipped           int64         `json:"skipped"`
	IndexCellsWritten int64         `json:"index_cells_written"`
	Duration          time.Duration `json:"duration"`
	Checkpoint        string        `json:"checkpoint,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// Orchestrator executes sync runs. It holds no per-layer state; preventing
// concurrent runs for the same layer is the scheduler's job.
type Orchestrator struct {
	meta        *metastore.Store
	vault       vault.Vault
	writer      BatchWriter
	checkpoints CheckpointStore
	sources     SourceRegistrar
	publisher   EventPublisher
	cfg         config.SyncConfig
}

// NewOrchestrator wires the pipeline's collaborators together.
func NewOrchestrator(meta *metastore.Store, v vault.Vault, writer BatchWriter, checkpoints CheckpointStore, sources SourceRegistrar, publisher EventPublisher, cfg config.SyncConfig) *Orchestrator {
	return &Orchestrator{
		meta:        meta,
		vault:       v,
		writer:      writer,
		checkpoints: checkpoints,
		sources:     sources,
		publisher:   publisher,
		cfg:         cfg,
	}
}

// SyncLayer runs one sync for a layer. Failures never propagate as errors;
// they come back inside the result with partial counters.
func (o *Orchestrator) SyncLayer(ctx context.Context, ref metastore.Ref) *Result {
	timer := metrics.NewTimer()
	ctx = context.WithValue(ctx, logger.LayerKey, ref.String())
	log := logger.WithContext(ctx).With(zap.String("component", "sync_orchestrator"))

	res, err := o.run(ctx, ref, log)
	res.Duration = timer.Stop()

	if err != nil {
		res.Status = StatusFailed
		res.ErrorMessage = err.Error()
		log.Error("sync run failed",
			zap.String("mode", res.Mode),
			zap.Int64("read", res.Read),
			zap.Int64("written", res.Written),
			zap.Bool("retryable", errors.IsRetryable(err)),
			zap.Error(err))
	} else {
		res.Status = StatusCompleted
		log.Info("sync run completed",
			zap.String("mode", res.Mode),
			zap.Int64("read", res.Read),
			zap.Int64("written", res.Written),
			zap.Int64("skipped", res.Skipped),
			zap.Duration("duration", res.Duration))
	}

	metrics.SyncRuns.WithLabelValues(res.Mode, res.Status).Inc()
	metrics.SyncDuration.WithLabelValues(res.Mode).Observe(res.Duration.Seconds())

	o.updateSummary(ref, res, log)
	return res
}

func (o *Orchestrator) run(ctx context.Context, ref metastore.Ref, log *zap.Logger) (*Result, error) {
	res := &Result{Mode: ModeFull}
	runStart := time.Now()

	layer, err := o.meta.ReadLayer(ref)
	if err != nil {
		return res, err
	}
	ds, err := o.meta.ReadDatastore(ref)
	if err != nil {
		return res, err
	}

	conn, err := o.connect(ds)
	if err != nil {
		return res, err
	}
	defer conn.Close()

	sourceID, err := o.sources.EnsureSource(ctx, ref.Workspace+":"+ref.Datastore, ds.Type)
	if err != nil {
		return res, err
	}
	ctx = context.WithValue(ctx, logger.SourceKey, ref.Workspace+":"+ref.Datastore)
	log = logger.WithContext(ctx).With(zap.String("component", "sync_orchestrator"))

	// Mode selection: incremental needs both an ordering column and a
	// previously stored checkpoint. Everything else is a full rescan with
	// hash dedup.
	orderBy := layer.Sync.OrderByColumn
	checkpoint, hasCheckpoint, err := o.checkpoints.ReadCheckpoint(ctx, sourceID, layer.SourceTable)
	if err != nil {
		return res, err
	}

	var opts core.StreamOptions
	var knownHashes map[string]struct{}
	if orderBy != "" && hasCheckpoint {
		res.Mode = ModeIncremental
		opts = core.Since(orderBy, checkpoint, o.cfg.FetchSize)
	} else {
		res.Mode = ModeFull
		opts = core.FullScan(o.cfg.FetchSize)
		opts.OrderByColumn = orderBy
		knownHashes, err = o.checkpoints.LoadContentHashes(ctx, sourceID, layer.SourceTable)
		if err != nil {
			return res, err
		}
	}

	extractor, err := buildExtractor(layer)
	if err != nil {
		return res, err
	}
	if !extractor.HasStableIdentity() {
		log.Warn("layer has no key columns; repeated rescans may accumulate duplicates for changed rows")
	}

	rows, err := conn.StreamRows(ctx, layer.SourceSchema, layer.SourceTable, opts)
	if err != nil {
		return res, err
	}
	defer rows.Close()

	sourceLabel := string(conn.SourceType())
	batch := make([]*extract.Feature, 0, o.cfg.BatchSize)
	var maxOrderValue interface{}
	var bounds *geo.Envelope

	flush := func() error {
		written, cells, err := o.writer.WriteBatch(ctx, sourceID, layer.SourceTable, batch, o.cfg.Resolutions)
		if err != nil {
			return err
		}
		res.Written += int64(written)
		res.IndexCellsWritten += int64(cells)
		metrics.RowsWritten.WithLabelValues(sourceLabel, layer.SourceTable).Add(float64(written))
		metrics.CellsIndexed.WithLabelValues(sourceLabel, layer.SourceTable).Add(float64(cells))
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		row := rows.Row()
		res.Read++
		metrics.RowsRead.WithLabelValues(sourceLabel, layer.SourceTable).Inc()
		if res.Read%progressLogInterval == 0 {
			log.Info("sync progress",
				zap.Int64("read", res.Read),
				zap.Int64("written", res.Written),
				zap.Int64("skipped", res.Skipped))
		}

		if orderBy != "" {
			if v := row.Get(orderBy); v != nil {
				maxOrderValue = maxValue(maxOrderValue, v)
			}
		}

		feature, ok := extractor.Extract(row)
		if !ok {
			res.Skipped++
			metrics.RowsSkipped.WithLabelValues(sourceLabel, layer.SourceTable, "no_geometry").Inc()
			continue
		}

		if knownHashes != nil {
			key := fmt.Sprintf("%x", feature.ContentHash)
			if _, seen := knownHashes[key]; seen {
				res.Skipped++
				metrics.RowsSkipped.WithLabelValues(sourceLabel, layer.SourceTable, "duplicate").Inc()
				continue
			}
			knownHashes[key] = struct{}{}
		}

		env := geo.EnvelopeOf(feature.Geometry)
		if bounds == nil {
			bounds = env
		} else {
			bounds.Extend(env)
		}

		batch = append(batch, feature)
		if len(batch) >= o.cfg.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return res, errors.Wrap(err, errors.ErrorTypeConnection, "source stream failed")
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return res, err
		}
	}

	// Checkpoint advances only after every batch committed. Without an
	// ordering column the completion timestamp acts as a synthetic cursor.
	nextCheckpoint := ""
	if orderBy != "" && maxOrderValue != nil {
		nextCheckpoint = stringifyValue(maxOrderValue)
	} else {
		nextCheckpoint = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := o.checkpoints.UpsertCheckpoint(ctx, sourceID, layer.SourceTable, nextCheckpoint, res.Read); err != nil {
		return res, err
	}
	res.Checkpoint = nextCheckpoint

	if res.Written > 0 && o.publisher != nil {
		o.publisher.OnIngestionEvent(ctx, stream.IngestionEvent{
			SourceID:     sourceID,
			Table:        layer.SourceTable,
			FeatureCount: int(res.Written),
			MinUpdatedAt: runStart,
			MaxUpdatedAt: time.Now(),
			Bounds:       bounds,
			PublishedAt:  time.Now(),
		})
	}

	return res, nil
}

// connect materializes a live connector session from the datastore record's
// vault reference.
func (o *Orchestrator) connect(ds *metastore.DatastoreRecord) (core.SourceConnector, error) {
	secret, err := o.vault.Get(ds.CredentialsRef)
	if err != nil {
		return nil, err
	}
	creds, err := core.ParseCredentials(secret)
	if err != nil {
		return nil, err
	}
	return registry.Create(core.SourceType(ds.Type), creds)
}

func buildExtractor(layer *metastore.LayerRecord) (*extract.Extractor, error) {
	switch {
	case layer.GeometryColumn != "":
		return extract.NewExtractor(layer.GeometryColumn, layer.PKColumns...), nil
	case layer.LatColumn != "" && layer.LngColumn != "":
		return extract.NewLatLngExtractor(layer.LatColumn, layer.LngColumn, layer.PKColumns...), nil
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "layer configures neither a geometry column nor a lat/lng pair")
	}
}

// updateSummary refreshes the layer's rolling sync summary. Reporting state
// only; failures here are logged and do not change the run result.
func (o *Orchestrator) updateSummary(ref metastore.Ref, res *Result, log *zap.Logger) {
	sum, err := o.meta.ReadSyncSummary(ref)
	if err != nil {
		log.Warn("failed to read sync summary", zap.Error(err))
		return
	}

	sum.Status = res.Status
	sum.SyncCount++
	sum.ErrorMessage = res.ErrorMessage
	if res.Status == StatusCompleted {
		sum.LastSync = time.Now().UTC()
		sum.LastMode = res.Mode
		sum.LastBatchSize = res.Written
		sum.TotalIngested += res.Written
	}

	if err := o.meta.WriteSyncSummary(ref, sum); err != nil {
		log.Warn("failed to write sync summary", zap.Error(err))
	}
}

// maxValue keeps the larger of two checkpoint candidates, comparing by the
// natural order of the underlying type.
func maxValue(current, candidate interface{}) interface{} {
	if current == nil {
		return candidate
	}
	if compareValues(candidate, current) > 0 {
		return candidate
	}
	return current
}

func compareValues(a, b interface{}) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.After(bv):
				return 1
			case av.Before(bv):
				return -1
			}
			return 0
		}
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av > bv:
				return 1
			case av < bv:
				return -1
			}
			return 0
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av > bv:
				return 1
			case av < bv:
				return -1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av > bv:
				return 1
			case av < bv:
				return -1
			}
			return 0
		}
	}
	// Mixed types fall back to string comparison of their rendered forms.
	as, bs := stringifyValue(a), stringifyValue(b)
	switch {
	case as > bs:
		return 1
	case as < bs:
		return -1
	}
	return 0
}

func stringifyValue(v interface{}) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}
