package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omnisource/tessera/pkg/config"
	"github.com/omnisource/tessera/pkg/logger"
	"github.com/omnisource/tessera/pkg/metastore"
)

// LayerSyncer runs one sync for a layer. Implemented by the orchestrator.
type LayerSyncer interface {
	SyncLayer(ctx context.Context, ref metastore.Ref) *Result
}

// Scheduler ticks at a fixed interval, walks every layer, and dispatches
// due sync runs on their own goroutines. The tick itself never blocks on a
// run. An in-flight set prevents overlapping runs for the same layer.
type Scheduler struct {
	meta   *metastore.Store
	syncer LayerSyncer
	cfg    config.SchedulerConfig

	mu       sync.Mutex
	inflight map[string]struct{}

	logger *zap.Logger
}

// NewScheduler creates a scheduler over the given metastore and syncer.
func NewScheduler(meta *metastore.Store, syncer LayerSyncer, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		meta:     meta,
		syncer:   syncer,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
		logger:   logger.Get().With(zap.String("component", "sync_scheduler")),
	}
}

// Run blocks until the context is cancelled, ticking at the configured
// interval after an initial delay.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler starting",
		zap.Duration("initial_delay", s.cfg.InitialDelay),
		zap.Duration("tick_interval", s.cfg.TickInterval))

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.InitialDelay):
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick walks every layer once and dispatches those due for a sync.
// Exported so a manual trigger can share the dispatch path.
func (s *Scheduler) Tick(ctx context.Context) {
	refs, err := s.meta.ListLayers()
	if err != nil {
		s.logger.Error("failed to list layers", zap.Error(err))
		return
	}

	now := time.Now()
	for _, ref := range refs {
		if due, err := s.isDue(ref, now); err != nil {
			s.logger.Warn("failed to evaluate layer", zap.String("layer", ref.String()), zap.Error(err))
		} else if due {
			s.dispatch(ctx, ref)
		}
	}
}

// isDue reports whether a layer wants a run now.
func (s *Scheduler) isDue(ref metastore.Ref, now time.Time) (bool, error) {
	layer, err := s.meta.ReadLayer(ref)
	if err != nil {
		return false, err
	}
	if !layer.Sync.Enabled || layer.Status != "enabled" {
		return false, nil
	}

	interval := time.Duration(layer.Sync.PollIntervalSeconds) * time.Second
	if interval < s.cfg.MinPollInterval {
		interval = s.cfg.MinPollInterval
	}

	sum, err := s.meta.ReadSyncSummary(ref)
	if err != nil {
		return false, err
	}
	return now.Sub(sum.LastSync) >= interval, nil
}

// dispatch starts a run unless the layer is already in flight. The in-flight
// marker is removed unconditionally when the run finishes.
func (s *Scheduler) dispatch(ctx context.Context, ref metastore.Ref) {
	key := ref.String()

	s.mu.Lock()
	if _, running := s.inflight[key]; running {
		s.mu.Unlock()
		s.logger.Debug("layer already in flight, skipping", zap.String("layer", key))
		return
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
		}()

		// A hung stream must not hold the in-flight marker forever.
		runCtx := ctx
		if s.cfg.MaxRunDuration > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, s.cfg.MaxRunDuration)
			defer cancel()
		}

		s.syncer.SyncLayer(runCtx, ref)
	}()
}

// TriggerNow dispatches a run for one layer regardless of its schedule,
// still honoring the in-flight guard. Used by the manual sync endpoint.
func (s *Scheduler) TriggerNow(ctx context.Context, ref metastore.Ref) {
	s.dispatch(ctx, ref)
}

// InFlight reports whether a layer run is currently executing.
func (s *Scheduler) InFlight(ref metastore.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.inflight[ref.String()]
	return running
}
