package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/internal/stream"
	"github.com/omnisource/tessera/pkg/sink"
)

const sseHeartbeatInterval = 25 * time.Second

// handleSSE streams feature deltas as server-sent events. Filters arrive as
// query parameters; the connection expires after the configured idle
// timeout. Writes are serialized because broker deliveries arrive on their
// own goroutines while the handler goroutine sends heartbeats.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	q, _, err := s.parseFeatureQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var writeMu sync.Mutex
	send := func(features []sink.FeatureRecord) error {
		data, err := json.Marshal(features)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := fmt.Fprintf(w, "event: features\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	since := q.Since
	if since.IsZero() {
		since = time.Now()
	}
	sub := stream.NewSubscription("sse", q.SourceID, q.Table, q.BBox, since, send)
	s.broker.Subscribe(sub)
	defer s.broker.Unsubscribe(sub.ID)

	s.logger.Debug("sse client connected", zap.String("subscription_id", sub.ID.String()))

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	deadline := time.NewTimer(s.cfg.SSETimeout)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-heartbeat.C:
			writeMu.Lock()
			_, err := fmt.Fprint(w, ": heartbeat\n\n")
			if err == nil {
				flusher.Flush()
			}
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
