// Package server exposes the engine over HTTP: a WebSocket command channel,
// an SSE stream, a REST delta polling endpoint, a manual sync trigger, and
// the Prometheus metrics endpoint.
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/internal/stream"
	syncpkg "github.com/omnisource/tessera/internal/sync"
	"github.com/omnisource/tessera/pkg/config"
	"github.com/omnisource/tessera/pkg/geo"
	"github.com/omnisource/tessera/pkg/logger"
	"github.com/omnisource/tessera/pkg/metastore"
	"github.com/omnisource/tessera/pkg/sink"
)

// Server wires the transports to the broker and the sink.
type Server struct {
	broker    *stream.Broker
	querier   stream.FeatureQuerier
	scheduler *syncpkg.Scheduler
	meta      *metastore.Store
	cfg       config.StreamConfig
	logger    *zap.Logger
}

// New creates the HTTP server facade.
func New(broker *stream.Broker, querier stream.FeatureQuerier, scheduler *syncpkg.Scheduler, meta *metastore.Store, cfg config.StreamConfig) *Server {
	return &Server{
		broker:    broker,
		querier:   querier,
		scheduler: scheduler,
		meta:      meta,
		cfg:       cfg,
		logger:    logger.Get().With(zap.String("component", "server")),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.HandleFunc("GET /api/features/delta", s.handlePoll)
	mux.HandleFunc("POST /api/layers/{workspace}/{datastore}/{layer}/sync", s.handleSyncTrigger)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// pollResponse is the delta polling payload.
type pollResponse struct {
	Features   []sink.FeatureRecord `json:"features"`
	HasMore    bool                 `json:"hasMore"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// handlePoll serves cursor-based delta reads. One row beyond the limit is
// queried to decide hasMore without a second round trip.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	q, limit, err := s.parseFeatureQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q.Limit = limit + 1
	features, err := s.querier.QueryFeaturesSince(r.Context(), q)
	if err != nil {
		s.logger.Error("delta query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delta query failed")
		return
	}

	resp := pollResponse{Features: features}
	if len(features) > limit {
		resp.Features = features[:limit]
		resp.HasMore = true
	}
	if n := len(resp.Features); n > 0 {
		resp.NextCursor = resp.Features[n-1].UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if resp.Features == nil {
		resp.Features = []sink.FeatureRecord{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSyncTrigger dispatches a manual run for one layer. Responds 202;
// the run itself is asynchronous.
func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	ref := metastore.Ref{
		Workspace: r.PathValue("workspace"),
		Datastore: r.PathValue("datastore"),
		Layer:     r.PathValue("layer"),
	}

	if _, err := s.meta.ReadLayer(ref); err != nil {
		writeError(w, http.StatusNotFound, "layer not found")
		return
	}
	if s.scheduler.InFlight(ref) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already running"})
		return
	}

	s.scheduler.TriggerNow(context.WithoutCancel(r.Context()), ref)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

// parseFeatureQuery extracts the shared filter parameters: cursor,
// source_id, table, bbox, limit.
func (s *Server) parseFeatureQuery(r *http.Request) (sink.FeatureQuery, int, error) {
	var q sink.FeatureQuery
	params := r.URL.Query()

	if cursor := params.Get("cursor"); cursor != "" {
		ts, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return q, 0, &paramError{"cursor must be an RFC 3339 timestamp"}
		}
		q.Since = ts
	}

	if src := params.Get("source_id"); src != "" {
		id, err := uuid.Parse(src)
		if err != nil {
			return q, 0, &paramError{"source_id must be a UUID"}
		}
		q.SourceID = id
	}

	q.Table = params.Get("table")

	if bbox := params.Get("bbox"); bbox != "" {
		env, err := parseBBox(bbox)
		if err != nil {
			return q, 0, err
		}
		q.BBox = env
	}

	limit := s.cfg.DeliveryBatchLimit
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, 0, &paramError{"limit must be a positive integer"}
		}
		limit = n
	}
	if limit > s.cfg.PollMaxLimit {
		limit = s.cfg.PollMaxLimit
	}

	return q, limit, nil
}

type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

// parseBBox parses "minX,minY,maxX,maxY".
func parseBBox(raw string) (*geo.Envelope, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, &paramError{"bbox must be minX,minY,maxX,maxY"}
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, &paramError{"bbox must be numeric"}
		}
		vals[i] = f
	}
	if vals[0] > vals[2] || vals[1] > vals[3] {
		return nil, &paramError{"bbox min must not exceed max"}
	}
	return geo.NewEnvelope(vals[0], vals[1], vals[2], vals[3]), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
