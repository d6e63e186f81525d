package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/pkg/logger"
	"github.com/omnisource/tessera/pkg/metrics"
	"github.com/omnisource/tessera/pkg/sink"
)

// FeatureQuerier reads feature deltas for delivery. Implemented by the sink.
type FeatureQuerier interface {
	QueryFeaturesSince(ctx context.Context, q sink.FeatureQuery) ([]sink.FeatureRecord, error)
}

// Broker routes ingestion events to matching subscriptions. Each delivery
// runs on its own goroutine so one slow subscriber cannot stall the rest.
type Broker struct {
	querier FeatureQuerier
	// batchLimit caps features per delivery per subscription.
	batchLimit int

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription

	logger *zap.Logger
}

// NewBroker creates a broker reading deltas through the given querier.
func NewBroker(querier FeatureQuerier, batchLimit int) *Broker {
	return &Broker{
		querier:    querier,
		batchLimit: batchLimit,
		subs:       make(map[uuid.UUID]*Subscription),
		logger:     logger.Get().With(zap.String("component", "stream_broker")),
	}
}

// Subscribe registers a subscription.
func (b *Broker) Subscribe(sub *Subscription) {
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	metrics.ActiveSubscriptions.WithLabelValues(sub.Protocol).Inc()
	b.logger.Info("subscription registered",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("protocol", sub.Protocol),
		zap.String("table", sub.Table))
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *Broker) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.Deactivate()
		metrics.ActiveSubscriptions.WithLabelValues(sub.Protocol).Dec()
		b.logger.Info("subscription removed", zap.String("subscription_id", id.String()))
	}
}

// Get returns a subscription by id.
func (b *Broker) Get(id uuid.UUID) (*Subscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[id]
	return sub, ok
}

// ActiveCount returns the number of active subscriptions.
func (b *Broker) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, sub := range b.subs {
		if sub.Active() {
			n++
		}
	}
	return n
}

// OnIngestionEvent fans an event out to every matching active subscription.
// Deliveries run concurrently; the call returns once all of them finish.
func (b *Broker) OnIngestionEvent(ctx context.Context, ev IngestionEvent) {
	b.mu.RLock()
	matching := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.Active() && sub.Matches(ev) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	if len(matching) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range matching {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			b.deliver(ctx, sub, ev)
		}(sub)
	}
	wg.Wait()
}

// deliver queries the subscriber's delta and pushes it through the
// transport. A failed send deactivates the subscription; the transport's
// teardown path removes it.
func (b *Broker) deliver(ctx context.Context, sub *Subscription, ev IngestionEvent) {
	ctx = context.WithValue(ctx, logger.SubscriptionKey, sub.ID.String())
	log := logger.WithContext(ctx).With(zap.String("component", "stream_broker"))

	features, err := b.querier.QueryFeaturesSince(ctx, sink.FeatureQuery{
		SourceID: sub.SourceID,
		Table:    sub.Table,
		BBox:     sub.Viewport(),
		Since:    sub.Cursor(),
		Limit:    b.batchLimit,
	})
	if err != nil {
		log.Error("delta query failed", zap.Error(err))
		return
	}

	if len(features) == 0 {
		return
	}

	if err := sub.send(features); err != nil {
		sub.Deactivate()
		metrics.DeliveryFailures.WithLabelValues(sub.Protocol).Inc()
		log.Warn("delivery failed, subscription deactivated", zap.Error(err))
		return
	}

	// Cursor moves to the newest delivered timestamp, or the event's max
	// when the rows carried none.
	maxUpdated := ev.MaxUpdatedAt
	for _, f := range features {
		if f.UpdatedAt.After(maxUpdated) {
			maxUpdated = f.UpdatedAt
		}
	}
	sub.advanceCursor(maxUpdated)
	sub.addDelivered(int64(len(features)))
	metrics.FeaturesDelivered.WithLabelValues(sub.Protocol).Add(float64(len(features)))
}
