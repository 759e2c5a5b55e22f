// Package scheduler drives the periodic probe and sync passes.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/config"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/logging"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/syncengine"
)

// Prober probes every registered instance. Implemented by the registry.
type Prober interface {
	ProbeAll(ctx context.Context, limit int) error
}

// Syncer reconciles one instance. Implemented by the sync engine.
type Syncer interface {
	Sync(ctx context.Context, inst *models.Instance) (*syncengine.SyncDelta, error)
}

// InstanceLister supplies the instance set for a sync pass.
type InstanceLister interface {
	ListAll(ctx context.Context) ([]*models.Instance, error)
}

// Scheduler runs probe-then-sync passes on a fixed interval. Ticks never
// overlap: a tick arriving while the previous one is still running is
// skipped and logged.
type Scheduler struct {
	prober    Prober
	syncer    Syncer
	instances InstanceLister
	cfg       config.SchedulerConfig
	logger    *zap.Logger

	ticking atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(prober Prober, syncer Syncer, instances InstanceLister, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		prober:    prober,
		syncer:    syncer,
		instances: instances,
		cfg:       cfg,
		logger:    logger.Named("scheduler"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the tick loop. The first pass runs immediately so a fresh
// process does not sit idle for a full interval.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.TickInterval()))
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	s.dispatch()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatch()
		}
	}
}

// dispatch starts a tick unless one is still running.
func (s *Scheduler) dispatch() {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn("previous tick still running, skipping")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.ticking.Store(false)
		s.tick()
	}()
}

// tick runs one probe-then-sync pass. Per-instance errors are recorded on
// the instance and logged; they never abort the pass.
func (s *Scheduler) tick() {
	ctx := context.Background()
	start := time.Now()

	if err := s.prober.ProbeAll(ctx, s.cfg.ProbeConcurrency); err != nil {
		s.logger.Error("probe pass failed", zap.Error(err))
	}

	instances, err := s.instances.ListAll(ctx)
	if err != nil {
		s.logger.Error("failed to list instances for sync", zap.Error(err))
		return
	}

	synced := 0
	for _, inst := range instances {
		select {
		case <-s.stopCh:
			s.logger.Info("sync pass interrupted by shutdown")
			return
		default:
		}
		if !inst.Syncable() {
			continue
		}

		syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout())
		delta, err := s.syncer.Sync(syncCtx, inst)
		cancel()
		if err != nil {
			s.logger.Warn("sync failed",
				zap.String("instance_id", inst.ID.String()),
				zap.String("error", logging.SanitizeError(err)))
			continue
		}
		if delta.Err != nil {
			s.logger.Warn("sync incomplete",
				zap.String("instance_id", inst.ID.String()),
				zap.String("error", logging.SanitizeError(delta.Err)))
		}
		synced++
	}

	s.logger.Debug("tick complete",
		zap.Int("instances", len(instances)),
		zap.Int("synced", synced),
		zap.Duration("elapsed", time.Since(start)))
}
