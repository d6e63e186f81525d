package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisource/tessera/internal/stream"
	syncpkg "github.com/omnisource/tessera/internal/sync"
	"github.com/omnisource/tessera/pkg/config"
	"github.com/omnisource/tessera/pkg/metastore"
	"github.com/omnisource/tessera/pkg/sink"
)

type fakeQuerier struct {
	results []sink.FeatureRecord
}

func (f *fakeQuerier) QueryFeaturesSince(ctx context.Context, q sink.FeatureQuery) ([]sink.FeatureRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > len(f.results) {
		limit = len(f.results)
	}
	return f.results[:limit], nil
}

// blockingQuerier parks every delta query until released, so tests can hold
// a delivery in flight.
type blockingQuerier struct {
	entered chan struct{}
	release chan struct{}
	results []sink.FeatureRecord
}

func (b *blockingQuerier) QueryFeaturesSince(ctx context.Context, q sink.FeatureQuery) ([]sink.FeatureRecord, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.results, nil
}

type noopSyncer struct{}

func (noopSyncer) SyncLayer(ctx context.Context, ref metastore.Ref) *syncpkg.Result {
	return &syncpkg.Result{Status: syncpkg.StatusCompleted}
}

func testServer(t *testing.T, q stream.FeatureQuerier) (*Server, *metastore.Store) {
	t.Helper()
	meta := metastore.NewStore(t.TempDir())
	broker := stream.NewBroker(q, 500)
	sched := syncpkg.NewScheduler(meta, noopSyncer{}, config.SchedulerConfig{})
	cfg := config.StreamConfig{DeliveryBatchLimit: 500, PollMaxLimit: 5000, SSETimeout: time.Minute}
	return New(broker, q, sched, meta, cfg), meta
}

func featureRecords(n int, start time.Time) []sink.FeatureRecord {
	out := make([]sink.FeatureRecord, n)
	for i := range out {
		out[i] = sink.FeatureRecord{
			ID:        int64(i + 1),
			UpdatedAt: start.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestPollReturnsPage(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	srv, _ := testServer(t, &fakeQuerier{results: featureRecords(3, start)})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/features/delta?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body pollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Features, 3)
	assert.False(t, body.HasMore)
	assert.Equal(t, start.Add(2*time.Second).Format(time.RFC3339Nano), body.NextCursor)
}

func TestPollHasMore(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	// 6 rows available, client asks for 5: the limit+1 probe sees 6.
	srv, _ := testServer(t, &fakeQuerier{results: featureRecords(6, start)})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/features/delta?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body pollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Features, 5)
	assert.True(t, body.HasMore)
	assert.Equal(t, start.Add(4*time.Second).Format(time.RFC3339Nano), body.NextCursor)
}

func TestPollEmptyResult(t *testing.T) {
	srv, _ := testServer(t, &fakeQuerier{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/features/delta")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body pollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotNil(t, body.Features)
	assert.Empty(t, body.Features)
	assert.False(t, body.HasMore)
	assert.Empty(t, body.NextCursor)
}

func TestPollRejectsBadParams(t *testing.T) {
	srv, _ := testServer(t, &fakeQuerier{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, q := range []string{
		"cursor=yesterday",
		"source_id=not-a-uuid",
		"bbox=1,2,3",
		"bbox=a,b,c,d",
		"bbox=10,10,0,0",
		"limit=-5",
	} {
		resp, err := http.Get(ts.URL + "/api/features/delta?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestSyncTrigger(t *testing.T) {
	srv, meta := testServer(t, &fakeQuerier{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Unknown layer.
	resp, err := http.Post(ts.URL+"/api/layers/w/d/l/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Known layer dispatches.
	ref := metastore.Ref{Workspace: "w", Datastore: "d", Layer: "l"}
	require.NoError(t, meta.WriteLayer(ref, &metastore.LayerRecord{Status: "enabled"}))

	resp, err = http.Post(ts.URL+"/api/layers/w/d/l/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, &fakeQuerier{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseBBox(t *testing.T) {
	env, err := parseBBox("0, 0, 10, 10")
	require.NoError(t, err)
	assert.Equal(t, 10.0, env.MaxX)

	_, err = parseBBox("1,2")
	assert.Error(t, err)
}

func TestWebSocketCommands(t *testing.T) {
	srv, _ := testServer(t, &fakeQuerier{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// ping → pong
	require.NoError(t, conn.WriteJSON(wsCommand{Type: "ping"}))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)

	// subscribe → ack with id
	require.NoError(t, conn.WriteJSON(wsCommand{Type: "subscribe", Table: "roads", BBox: []float64{0, 0, 10, 10}}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ack", msg.Type)
	assert.NotEmpty(t, msg.SubscriptionID)
	firstID := msg.SubscriptionID

	// viewport → ack with a new id
	require.NoError(t, conn.WriteJSON(wsCommand{Type: "viewport", BBox: []float64{5, 5, 15, 15}}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ack", msg.Type)
	assert.NotEqual(t, firstID, msg.SubscriptionID)

	// unsubscribe → ack
	require.NoError(t, conn.WriteJSON(wsCommand{Type: "unsubscribe"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ack", msg.Type)

	// unknown command → error
	require.NoError(t, conn.WriteJSON(wsCommand{Type: "bogus"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

func TestWebSocketUnsubscribeDuringDelivery(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := &blockingQuerier{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		results: featureRecords(2, start),
	}
	srv, _ := testServer(t, q)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsCommand{Type: "subscribe"}))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "ack", msg.Type)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.broker.OnIngestionEvent(context.Background(), stream.IngestionEvent{
			FeatureCount: 2,
			MaxUpdatedAt: start.Add(time.Second),
		})
	}()

	// The delivery is parked inside the delta query while the client
	// unsubscribes, then resumes against the removed subscription.
	<-q.entered
	require.NoError(t, conn.WriteJSON(wsCommand{Type: "unsubscribe"}))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "ack", msg.Type)

	close(q.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never finished")
	}

	// The connection must survive the late delivery; a features frame may
	// have raced in before the pong.
	require.NoError(t, conn.WriteJSON(wsCommand{Type: "ping"}))
	for {
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "pong" {
			break
		}
	}
}

func TestWebSocketViewportWithoutSubscription(t *testing.T) {
	srv, _ := testServer(t, &fakeQuerier{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsCommand{Type: "viewport", BBox: []float64{0, 0, 1, 1}}))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}
