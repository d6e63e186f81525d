// Package stream fans freshly ingested features out to live subscribers.
// Subscriptions are transport-neutral: WebSocket, SSE, and polling clients
// all register here and differ only in their delivery callback.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnisource/tessera/pkg/geo"
	"github.com/omnisource/tessera/pkg/sink"
)

// IngestionEvent announces that a sync run landed new features.
type IngestionEvent struct {
	SourceID     uuid.UUID
	Table        string
	FeatureCount int
	// MinUpdatedAt and MaxUpdatedAt span the run's update timestamps. The
	// max doubles as the cursor fallback when delivered rows carry none.
	MinUpdatedAt time.Time
	MaxUpdatedAt time.Time
	// Bounds covers the run's features, for viewport pre-filtering. Nil
	// when unknown, which matches every viewport.
	Bounds      *geo.Envelope
	PublishedAt time.Time
}

// SendFunc delivers a feature batch to a subscriber's transport. An error
// marks the transport dead.
type SendFunc func(features []sink.FeatureRecord) error

// Subscription is one live client's registration. Filters use zero values
// as wildcards: the nil uuid matches all sources, an empty table matches
// all tables, a nil viewport matches everywhere.
type Subscription struct {
	ID       uuid.UUID
	Protocol string
	SourceID uuid.UUID
	Table    string

	send SendFunc

	mu             sync.Mutex
	viewport       *geo.Envelope
	cursor         time.Time
	active         bool
	deliveredCount int64
}

// NewSubscription registers interest in a source/table from a given cursor.
func NewSubscription(protocol string, sourceID uuid.UUID, table string, viewport *geo.Envelope, cursor time.Time, send SendFunc) *Subscription {
	return &Subscription{
		ID:       uuid.New(),
		Protocol: protocol,
		SourceID: sourceID,
		Table:    table,
		viewport: viewport,
		cursor:   cursor,
		active:   true,
		send:     send,
	}
}

// Matches reports whether an ingestion event is relevant to this
// subscription.
func (s *Subscription) Matches(ev IngestionEvent) bool {
	if s.SourceID != uuid.Nil && s.SourceID != ev.SourceID {
		return false
	}
	if s.Table != "" && s.Table != ev.Table {
		return false
	}
	vp := s.Viewport()
	if vp != nil && ev.Bounds != nil && !vp.Intersects(ev.Bounds) {
		return false
	}
	return true
}

// Viewport returns the current viewport filter.
func (s *Subscription) Viewport() *geo.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// SetViewport replaces the viewport filter. Clients pan and zoom without
// resubscribing.
func (s *Subscription) SetViewport(v *geo.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = v
}

// Cursor returns the last delivered position.
func (s *Subscription) Cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// advanceCursor moves the cursor forward. Never moves backward.
func (s *Subscription) advanceCursor(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.cursor) {
		s.cursor = t
	}
}

// Active reports whether the subscription still receives deliveries.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Deactivate stops future deliveries without removing the subscription.
func (s *Subscription) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// DeliveredCount returns the total features delivered so far.
func (s *Subscription) DeliveredCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveredCount
}

func (s *Subscription) addDelivered(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveredCount += n
}
