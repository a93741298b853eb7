// Package scheduler runs the control plane's periodic maintenance:
// workspace eviction, expired-lease reclaim, index pruning and rate
// limiter cleanup. Jobs are registered on a cron so cadence lives in
// one place.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/metrics"
	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/task"
)

// Evictor is the workspace manager's maintenance surface.
type Evictor interface {
	EvictIdle(ctx context.Context) (int, error)
}

// Pruner drops stale entries from an in-memory map; the API rate
// limiters register one.
type Pruner interface {
	Prune()
}

type Scheduler struct {
	cron    *cron.Cron
	store   *task.Store
	queue   *queue.Queue
	evictor Evictor
	pruners []Pruner
	logger  *zap.Logger
}

func New(store *task.Store, q *queue.Queue, evictor Evictor, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		store:   store,
		queue:   q,
		evictor: evictor,
		logger:  logger,
	}
}

// RegisterPruner adds a map-cleanup job to the hourly sweep.
func (s *Scheduler) RegisterPruner(p Pruner) {
	s.pruners = append(s.pruners, p)
}

func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context)
	}{
		{"* * * * *", "reclaim-leases", s.reclaimLeases},
		{"@hourly", "evict-workspaces", s.evictWorkspaces},
		{"@hourly", "prune-limiters", s.pruneLimiters},
		{"@daily", "prune-task-indexes", s.pruneTaskIndexes},
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			job.run(ctx)
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// reclaimLeases backs up the worker pools' own sweeps: with zero live
// workers the serve process still returns abandoned tasks.
func (s *Scheduler) reclaimLeases(ctx context.Context) {
	requeued, err := s.queue.ReclaimExpired(ctx, task.LeaseRecovery(s.store))
	if err != nil {
		s.logger.Error("lease reclaim failed", zap.Error(err))
		return
	}
	if requeued > 0 {
		s.logger.Info("reclaimed expired leases", zap.Int("count", requeued))
	}
}

func (s *Scheduler) evictWorkspaces(ctx context.Context) {
	if s.evictor == nil {
		return
	}
	evicted, err := s.evictor.EvictIdle(ctx)
	if err != nil {
		s.logger.Error("workspace eviction failed", zap.Error(err))
		return
	}
	if evicted > 0 {
		metrics.WorkspacesEvicted(evicted)
		s.logger.Info("evicted idle workspaces", zap.Int("count", evicted))
	}
}

func (s *Scheduler) pruneLimiters(ctx context.Context) {
	for _, p := range s.pruners {
		p.Prune()
	}
}

func (s *Scheduler) pruneTaskIndexes(ctx context.Context) {
	if err := s.store.PruneIndexes(ctx, nil); err != nil {
		s.logger.Error("index pruning failed", zap.Error(err))
	}
}
