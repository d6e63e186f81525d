package sync

import (
	"context"
	"encoding/hex"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisource/tessera/internal/stream"
	"github.com/omnisource/tessera/pkg/config"
	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/connector/registry"
	"github.com/omnisource/tessera/pkg/extract"
	"github.com/omnisource/tessera/pkg/metastore"
	"github.com/omnisource/tessera/pkg/vault"
)

// fakeStream serves canned rows and records whether it was closed.
type fakeStream struct {
	rows   []*core.UniformRow
	pos    int
	err    error
	closed bool
}

func (s *fakeStream) Next() bool {
	if s.err != nil || s.pos >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}
func (s *fakeStream) Row() *core.UniformRow { return s.rows[s.pos-1] }
func (s *fakeStream) Err() error            { return s.err }
func (s *fakeStream) Close()                { s.closed = true }

// fakeConnector hands out a fakeStream and records the options it saw.
type fakeConnector struct {
	stream   *fakeStream
	lastOpts core.StreamOptions
	closed   bool
}

func (c *fakeConnector) SourceType() core.SourceType { return "fake" }
func (c *fakeConnector) TestConnection(ctx context.Context) (*core.ConnectionInfo, error) {
	return &core.ConnectionInfo{}, nil
}
func (c *fakeConnector) ListSchemas(ctx context.Context) ([]string, error) { return nil, nil }
func (c *fakeConnector) ListTables(ctx context.Context, schema string) ([]string, error) {
	return nil, nil
}
func (c *fakeConnector) IntrospectTable(ctx context.Context, schema, table string) (*core.TableMetadata, error) {
	return nil, nil
}
func (c *fakeConnector) IntrospectSpatialTables(ctx context.Context, schema string) ([]core.SpatialTable, error) {
	return nil, nil
}
func (c *fakeConnector) StreamRows(ctx context.Context, schema, table string, opts core.StreamOptions) (core.RowStream, error) {
	c.lastOpts = opts
	return c.stream, nil
}
func (c *fakeConnector) Close() error { c.closed = true; return nil }

// currentFake is handed out by the registered fake factory.
var (
	currentFake   *fakeConnector
	currentFakeMu gosync.Mutex
	registerOnce  gosync.Once
)

func useFakeConnector(c *fakeConnector) {
	registerOnce.Do(func() {
		registry.Register("fake", func(creds *core.Credentials) (core.SourceConnector, error) {
			currentFakeMu.Lock()
			defer currentFakeMu.Unlock()
			return currentFake, nil
		})
	})
	currentFakeMu.Lock()
	currentFake = c
	currentFakeMu.Unlock()
}

// fakeSink implements BatchWriter, CheckpointStore, and SourceRegistrar in
// memory.
type fakeSink struct {
	mu          gosync.Mutex
	batchSizes  []int
	written     []*extract.Feature
	hashes      map[string]struct{}
	checkpoint  string
	hasCheckp   bool
	rowsTotal   int64
	failWrite   bool
	sourceID    uuid.UUID
	upsertCalls int
}

func newFakeSink() *fakeSink {
	return &fakeSink{hashes: make(map[string]struct{}), sourceID: uuid.New()}
}

func (f *fakeSink) WriteBatch(ctx context.Context, sourceID uuid.UUID, table string, features []*extract.Feature, resolutions []int) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return 0, 0, fmt.Errorf("sink unavailable")
	}
	f.batchSizes = append(f.batchSizes, len(features))
	f.written = append(f.written, features...)
	for _, feat := range features {
		f.hashes[hex.EncodeToString(feat.ContentHash)] = struct{}{}
	}
	return len(features), len(features) * len(resolutions), nil
}

func (f *fakeSink) ReadCheckpoint(ctx context.Context, sourceID uuid.UUID, table string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoint, f.hasCheckp, nil
}

func (f *fakeSink) UpsertCheckpoint(ctx context.Context, sourceID uuid.UUID, table, checkpoint string, rowsProcessed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoint = checkpoint
	f.hasCheckp = true
	f.rowsTotal += rowsProcessed
	f.upsertCalls++
	return nil
}

func (f *fakeSink) LoadContentHashes(ctx context.Context, sourceID uuid.UUID, table string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.hashes))
	for k := range f.hashes {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeSink) EnsureSource(ctx context.Context, name, sourceType string) (uuid.UUID, error) {
	return f.sourceID, nil
}

// capturingPublisher records ingestion events.
type capturingPublisher struct {
	mu     gosync.Mutex
	events []stream.IngestionEvent
}

func (p *capturingPublisher) OnIngestionEvent(ctx context.Context, ev stream.IngestionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// newTestEnv stands up a metastore, a vault entry, and a layer record.
func newTestEnv(t *testing.T, layer *metastore.LayerRecord) (*metastore.Store, vault.Vault, metastore.Ref) {
	t.Helper()
	meta := metastore.NewStore(t.TempDir())
	ref := metastore.Ref{Workspace: "city", Datastore: "gisdb", Layer: "roads"}

	v, err := vault.NewFileVault(t.TempDir())
	require.NoError(t, err)
	_, err = v.Put("gisdb.creds", []byte(`{"host":"fake","port":1,"database":"d","user":"u","password":"p"}`))
	require.NoError(t, err)

	require.NoError(t, meta.WriteLayer(ref, layer))
	require.NoError(t, meta.WriteDatastore(ref, &metastore.DatastoreRecord{
		Type:           "fake",
		CredentialsRef: "gisdb.creds",
	}))
	return meta, v, ref
}

func syncCfg() config.SyncConfig {
	return config.SyncConfig{BatchSize: 500, FetchSize: 5000, Resolutions: []int{7, 9}}
}

func makeRows(n int, start time.Time) []*core.UniformRow {
	rows := make([]*core.UniformRow, n)
	for i := 0; i < n; i++ {
		rows[i] = &core.UniformRow{
			Schema:  "public",
			Table:   "roads",
			Columns: []string{"id", "name", "updated_at", "geom"},
			Values: map[string]interface{}{
				"id":         int64(i + 1),
				"name":       fmt.Sprintf("road-%d", i+1),
				"updated_at": start.Add(time.Duration(i) * time.Second),
				"geom":       fmt.Sprintf("POINT (%d %d)", i%180, i%90),
			},
		}
	}
	return rows
}

func defaultLayer() *metastore.LayerRecord {
	return &metastore.LayerRecord{
		SourceSchema:   "public",
		SourceTable:    "roads",
		GeometryColumn: "geom",
		PKColumns:      []string{"id"},
		Status:         "enabled",
		Sync:           metastore.SyncSettings{Enabled: true, PollIntervalSeconds: 60, OrderByColumn: "updated_at"},
	}
}

func TestSyncBatching1200Rows(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeStream{rows: makeRows(1200, start)}
	conn := &fakeConnector{stream: fs}
	useFakeConnector(conn)

	meta, v, ref := newTestEnv(t, defaultLayer())
	sk := newFakeSink()
	pub := &capturingPublisher{}
	o := NewOrchestrator(meta, v, sk, sk, sk, pub, syncCfg())

	res := o.SyncLayer(context.Background(), ref)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, ModeFull, res.Mode, "no prior checkpoint means full rescan")
	assert.Equal(t, int64(1200), res.Read)
	assert.Equal(t, int64(1200), res.Written)
	assert.Equal(t, int64(0), res.Skipped)
	assert.Equal(t, int64(2400), res.IndexCellsWritten)
	assert.Equal(t, []int{500, 500, 200}, sk.batchSizes)

	// Checkpoint lands on the maximum ordering value.
	maxTS := start.Add(1199 * time.Second)
	assert.Equal(t, maxTS.UTC().Format(time.RFC3339Nano), sk.checkpoint)

	// One event, after success.
	pub.mu.Lock()
	require.Len(t, pub.events, 1)
	assert.Equal(t, 1200, pub.events[0].FeatureCount)
	assert.NotNil(t, pub.events[0].Bounds)
	pub.mu.Unlock()

	assert.True(t, fs.closed, "stream must be released")
	assert.True(t, conn.closed, "connector must be released")
}

func TestIncrementalModeUsesCheckpoint(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeStream{rows: makeRows(10, start)}
	conn := &fakeConnector{stream: fs}
	useFakeConnector(conn)

	meta, v, ref := newTestEnv(t, defaultLayer())
	sk := newFakeSink()
	sk.checkpoint = "2026-02-01T00:00:00Z"
	sk.hasCheckp = true
	o := NewOrchestrator(meta, v, sk, sk, sk, nil, syncCfg())

	res := o.SyncLayer(context.Background(), ref)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, "updated_at", conn.lastOpts.OrderByColumn)
	assert.Equal(t, "2026-02-01T00:00:00Z", conn.lastOpts.CheckpointValue)
}

func TestFullRescanDedup(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	layer := defaultLayer()
	layer.Sync.OrderByColumn = ""

	// First rescan ingests 100 rows.
	fs := &fakeStream{rows: makeRows(100, start)}
	conn := &fakeConnector{stream: fs}
	useFakeConnector(conn)

	meta, v, ref := newTestEnv(t, layer)
	sk := newFakeSink()
	o := NewOrchestrator(meta, v, sk, sk, sk, nil, syncCfg())

	res := o.SyncLayer(context.Background(), ref)
	require.Equal(t, int64(100), res.Written)

	// Second rescan: 40 rows unchanged, 60 rows renamed.
	rows := makeRows(100, start)
	for i := 40; i < 100; i++ {
		rows[i].Values["name"] = fmt.Sprintf("renamed-%d", i)
	}
	fs2 := &fakeStream{rows: rows}
	useFakeConnector(&fakeConnector{stream: fs2})

	res = o.SyncLayer(context.Background(), ref)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(60), res.Written)
	assert.Equal(t, int64(40), res.Skipped)
}

func TestRowsWithoutGeometryAreSkipped(t *testing.T) {
	rows := makeRows(5, time.Now())
	rows[2].Values["geom"] = nil
	fs := &fakeStream{rows: rows}
	useFakeConnector(&fakeConnector{stream: fs})

	meta, v, ref := newTestEnv(t, defaultLayer())
	sk := newFakeSink()
	o := NewOrchestrator(meta, v, sk, sk, sk, nil, syncCfg())

	res := o.SyncLayer(context.Background(), ref)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(4), res.Written)
	assert.Equal(t, int64(1), res.Skipped)
}

func TestWriteFailureAbortsWithoutCheckpoint(t *testing.T) {
	fs := &fakeStream{rows: makeRows(600, time.Now())}
	conn := &fakeConnector{stream: fs}
	useFakeConnector(conn)

	meta, v, ref := newTestEnv(t, defaultLayer())
	sk := newFakeSink()
	sk.failWrite = true
	pub := &capturingPublisher{}
	o := NewOrchestrator(meta, v, sk, sk, sk, pub, syncCfg())

	res := o.SyncLayer(context.Background(), ref)

	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.ErrorMessage)
	assert.Equal(t, 0, sk.upsertCalls, "no checkpoint advance on failure")
	pub.mu.Lock()
	assert.Empty(t, pub.events, "no event on failure")
	pub.mu.Unlock()
	assert.True(t, fs.closed, "stream released on failure")
	assert.True(t, conn.closed)
}

func TestCheckpointMonotonicAcrossRuns(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	meta, v, ref := newTestEnv(t, defaultLayer())
	sk := newFakeSink()
	o := NewOrchestrator(meta, v, sk, sk, sk, nil, syncCfg())

	var prev string
	for run := 0; run < 3; run++ {
		rows := makeRows(10, start.Add(time.Duration(run)*time.Hour))
		useFakeConnector(&fakeConnector{stream: &fakeStream{rows: rows}})
		res := o.SyncLayer(context.Background(), ref)
		require.Equal(t, StatusCompleted, res.Status)
		assert.GreaterOrEqual(t, sk.checkpoint, prev)
		prev = sk.checkpoint
	}
}

func TestSummaryAccumulates(t *testing.T) {
	start := time.Now()
	meta, v, ref := newTestEnv(t, defaultLayer())
	sk := newFakeSink()
	o := NewOrchestrator(meta, v, sk, sk, sk, nil, syncCfg())

	for run := 0; run < 2; run++ {
		rows := makeRows(10, start.Add(time.Duration(run)*time.Hour))
		useFakeConnector(&fakeConnector{stream: &fakeStream{rows: rows}})
		res := o.SyncLayer(context.Background(), ref)
		require.Equal(t, StatusCompleted, res.Status)
	}

	sum, err := meta.ReadSyncSummary(ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.SyncCount)
	assert.Equal(t, int64(20), sum.TotalIngested)
	assert.Equal(t, int64(10), sum.LastBatchSize)
	assert.Equal(t, StatusCompleted, sum.Status)
	assert.False(t, sum.LastSync.IsZero())
}

func TestMissingGeometryConfigFails(t *testing.T) {
	layer := defaultLayer()
	layer.GeometryColumn = ""
	useFakeConnector(&fakeConnector{stream: &fakeStream{}})

	meta, v, ref := newTestEnv(t, layer)
	sk := newFakeSink()
	o := NewOrchestrator(meta, v, sk, sk, sk, nil, syncCfg())

	res := o.SyncLayer(context.Background(), ref)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "geometry")
}
