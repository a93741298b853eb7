// Package worker leases tasks, drives the agent through its pipeline
// and writes the terminal outcome. One Pool runs N lease loops plus a
// recovery sweep; every state change is CAS-ed so a worker whose lease
// expired mid-run cannot clobber its successor.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/hooks"
	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/runner"
	"github.com/agentdhq/agentd/internal/storage"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/token"
	"github.com/agentdhq/agentd/internal/workspace"
)

const (
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 2 * time.Minute
	monitorInterval          = 5 * time.Second
	postTimeout              = 2 * time.Minute
)

// Workspaces is the slice of the workspace manager the pipeline needs.
type Workspaces interface {
	Acquire(ctx context.Context, spec workspace.CheckoutSpec) (*workspace.Workspace, error)
	// CheckPath resolves a path relative to the checkout and rejects
	// escapes and denied patterns.
	CheckPath(ws *workspace.Workspace, rel string) (string, error)
}

// Tokens issues per-org credentials; satisfied by the token service.
type Tokens interface {
	GetToken(ctx context.Context, provider, org string) (token.Token, error)
}

// ResultPoster delivers the terminal message.
type ResultPoster interface {
	Post(ctx context.Context, t *task.Task) error
}

// Budget gates admission and records spend.
type Budget interface {
	Check(ctx context.Context, org string) error
	Add(ctx context.Context, org string, usd float64) error
	PerTaskUSD() float64
}

// Archive persists finished runs for audit; satisfied by storage.Archive.
type Archive interface {
	SaveRun(rec *storage.RunRecord) error
}

// Deps wires a Pool. Everything but Config, Store and Queue may be nil
// in tests that exercise a subset of the pipeline.
type Deps struct {
	Config     *config.Config
	Store      *task.Store
	Queue      *queue.Queue
	Workspaces Workspaces
	Tokens     Tokens
	Runner     runner.Runner
	Poster     ResultPoster
	Hooks      *hooks.Runner
	Budget     Budget
	Archive    Archive
	Logger     *zap.Logger
}

type Pool struct {
	id   string
	deps Deps

	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	monitorEvery      time.Duration

	logger *zap.Logger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPool(deps Deps) *Pool {
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])

	concurrency := deps.Config.Worker.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 1
	}
	heartbeat := deps.Config.Queue.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	poll := deps.Config.Queue.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		id:                id,
		deps:              deps,
		concurrency:       concurrency,
		pollInterval:      poll,
		heartbeatInterval: heartbeat,
		monitorEvery:      monitorInterval,
		logger:            deps.Logger.With(zap.String("worker", id)),
		ctx:               ctx,
		cancel:            cancel,
	}
}

func (p *Pool) Start() {
	p.logger.Info("starting worker pool", zap.Int("concurrency", p.concurrency))

	p.wg.Add(1)
	go p.recoveryLoop()

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.leaseLoop(i)
	}
}

// Stop drains the pool. Running agents are interrupted and their tasks
// handed back to the queue; bookkeeping finishes before the call returns.
func (p *Pool) Stop() {
	p.logger.Info("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) leaseLoop(n int) {
	defer p.wg.Done()

	workerID := fmt.Sprintf("%s-%d", p.id, n)
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		taskID, err := p.deps.Queue.Lease(p.ctx, workerID)
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Error("lease failed", zap.Error(err))
			}
			p.sleep(p.pollInterval)
			continue
		}
		if taskID == "" {
			p.sleep(p.pollInterval)
			continue
		}
		p.process(p.ctx, workerID, taskID)
	}
}

// recoveryLoop returns expired leases to the queue once a minute. The
// decision function handles the worker-died-after-finishing case.
func (p *Pool) recoveryLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	decide := task.LeaseRecovery(p.deps.Store)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		requeued, err := p.deps.Queue.ReclaimExpired(p.ctx, decide)
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Error("lease reclaim failed", zap.Error(err))
			}
			continue
		}
		if requeued > 0 {
			p.logger.Info("reclaimed expired leases", zap.Int("count", requeued))
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}
