package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/internal/stream"
	"github.com/omnisource/tessera/pkg/geo"
	"github.com/omnisource/tessera/pkg/sink"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsCommand is an inbound client message.
type wsCommand struct {
	Type     string    `json:"type"`
	SourceID string    `json:"source_id,omitempty"`
	Table    string    `json:"table,omitempty"`
	BBox     []float64 `json:"bbox,omitempty"`
	Since    string    `json:"since,omitempty"`
}

// wsMessage is an outbound server message.
type wsMessage struct {
	Type           string               `json:"type"`
	SubscriptionID string               `json:"subscription_id,omitempty"`
	Features       []sink.FeatureRecord `json:"features,omitempty"`
	Message        string               `json:"message,omitempty"`
}

// wsSession is the per-connection state. The subscription pointer belongs to
// the reader goroutine alone; delivery closures capture their own
// subscription and never touch session state. Writes to the socket are
// serialized by a mutex because broker deliveries arrive on their own
// goroutines.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	sub     *stream.Subscription
}

func (s *wsSession) sendJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// handleWebSocket runs the command loop for one client connection.
// Commands: subscribe, viewport, unsubscribe, ping. Teardown always
// unsubscribes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session := &wsSession{conn: conn}
	defer func() {
		if session.sub != nil {
			s.broker.Unsubscribe(session.sub.ID)
		}
		conn.Close()
	}()

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}

		switch cmd.Type {
		case "subscribe":
			s.wsSubscribe(session, cmd)
		case "viewport":
			s.wsViewport(session, cmd)
		case "unsubscribe":
			if session.sub != nil {
				s.broker.Unsubscribe(session.sub.ID)
				session.sub = nil
			}
			_ = session.sendJSON(wsMessage{Type: "ack"})
		case "ping":
			_ = session.sendJSON(wsMessage{Type: "pong"})
		default:
			_ = session.sendJSON(wsMessage{Type: "error", Message: "unknown command: " + cmd.Type})
		}
	}
}

func (s *Server) wsSubscribe(session *wsSession, cmd wsCommand) {
	sourceID, viewport, since, err := parseSubscribeParams(cmd)
	if err != nil {
		_ = session.sendJSON(wsMessage{Type: "error", Message: err.Error()})
		return
	}

	// A connection holds at most one subscription; re-subscribing replaces
	// the previous one.
	if session.sub != nil {
		s.broker.Unsubscribe(session.sub.ID)
	}

	// The closure must not read session.sub: a delivery can be in flight
	// while the reader goroutine replaces or clears it.
	var sub *stream.Subscription
	sub = stream.NewSubscription("ws", sourceID, cmd.Table, viewport, since, func(features []sink.FeatureRecord) error {
		return session.sendJSON(wsMessage{
			Type:           "features",
			SubscriptionID: sub.ID.String(),
			Features:       features,
		})
	})
	session.sub = sub
	s.broker.Subscribe(sub)

	_ = session.sendJSON(wsMessage{Type: "ack", SubscriptionID: sub.ID.String()})
}

// wsViewport replaces the subscription's viewport with a fresh cursor so
// the client receives changes in the new extent going forward.
func (s *Server) wsViewport(session *wsSession, cmd wsCommand) {
	if session.sub == nil {
		_ = session.sendJSON(wsMessage{Type: "error", Message: "no active subscription"})
		return
	}

	viewport, err := bboxFromSlice(cmd.BBox)
	if err != nil {
		_ = session.sendJSON(wsMessage{Type: "error", Message: err.Error()})
		return
	}

	old := session.sub
	s.broker.Unsubscribe(old.ID)

	var sub *stream.Subscription
	sub = stream.NewSubscription("ws", old.SourceID, old.Table, viewport, time.Now(), func(features []sink.FeatureRecord) error {
		return session.sendJSON(wsMessage{
			Type:           "features",
			SubscriptionID: sub.ID.String(),
			Features:       features,
		})
	})
	session.sub = sub
	s.broker.Subscribe(sub)

	_ = session.sendJSON(wsMessage{Type: "ack", SubscriptionID: sub.ID.String()})
}

func parseSubscribeParams(cmd wsCommand) (uuid.UUID, *geo.Envelope, time.Time, error) {
	sourceID := uuid.Nil
	if cmd.SourceID != "" {
		id, err := uuid.Parse(cmd.SourceID)
		if err != nil {
			return uuid.Nil, nil, time.Time{}, &paramError{"source_id must be a UUID"}
		}
		sourceID = id
	}

	viewport, err := bboxFromSlice(cmd.BBox)
	if err != nil {
		return uuid.Nil, nil, time.Time{}, err
	}

	var since time.Time
	if cmd.Since != "" {
		ts, err := time.Parse(time.RFC3339Nano, cmd.Since)
		if err != nil {
			return uuid.Nil, nil, time.Time{}, &paramError{"since must be an RFC 3339 timestamp"}
		}
		since = ts
	}

	return sourceID, viewport, since, nil
}

func bboxFromSlice(bbox []float64) (*geo.Envelope, error) {
	if len(bbox) == 0 {
		return nil, nil
	}
	if len(bbox) != 4 {
		return nil, &paramError{"bbox must be [minX, minY, maxX, maxY]"}
	}
	if bbox[0] > bbox[2] || bbox[1] > bbox[3] {
		return nil, &paramError{"bbox min must not exceed max"}
	}
	return geo.NewEnvelope(bbox[0], bbox[1], bbox[2], bbox[3]), nil
}
