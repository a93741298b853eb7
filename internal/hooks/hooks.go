// Package hooks runs operator-supplied checks around task execution.
// Pre hooks can veto a task before any work happens; the later stages
// are observational and never change the outcome.
package hooks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/task"
)

type Stage string

const (
	StagePre     Stage = "pre"
	StagePost    Stage = "post"
	StageError   Stage = "error"
	StageTimeout Stage = "timeout"
)

type Decision string

const (
	DecisionOK    Decision = "ok"
	DecisionSkip  Decision = "skip"
	DecisionRetry Decision = "retry"
	DecisionFail  Decision = "fail"
)

// Outcome is a hook's verdict. RetryAfter only matters for retry.
type Outcome struct {
	Decision   Decision
	RetryAfter time.Duration
	Reason     string
}

// Hook is one named check. Run must respect ctx; the runner enforces a
// deadline and treats an overrun as fail.
type Hook interface {
	Name() string
	Run(ctx context.Context, t *task.Task, stage Stage) Outcome
}

// hookTimeout bounds a single hook. A hook that hangs must not hold a
// lease open indefinitely.
const hookTimeout = 30 * time.Second

type Runner struct {
	hooks   []Hook
	timeout time.Duration
	logger  *zap.Logger
}

func NewRunner(logger *zap.Logger, hooks ...Hook) *Runner {
	return &Runner{hooks: hooks, timeout: hookTimeout, logger: logger}
}

// RunStage runs every hook in order and returns the first non-ok
// outcome. Post-execution stages always return ok: by then the task is
// terminal and a hook verdict has nothing left to decide.
func (r *Runner) RunStage(ctx context.Context, stage Stage, t *task.Task) Outcome {
	for _, h := range r.hooks {
		outcome := r.runOne(ctx, h, stage, t)
		if outcome.Decision == DecisionOK {
			continue
		}
		r.logger.Info("hook verdict",
			zap.String("hook", h.Name()),
			zap.String("stage", string(stage)),
			zap.String("task_id", t.ID),
			zap.String("decision", string(outcome.Decision)),
			zap.String("reason", outcome.Reason))
		if stage == StagePre {
			return outcome
		}
	}
	return Outcome{Decision: DecisionOK}
}

func (r *Runner) runOne(ctx context.Context, h Hook, stage Stage, t *task.Task) Outcome {
	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		done <- h.Run(hctx, t, stage)
	}()

	select {
	case outcome := <-done:
		if outcome.Decision == "" {
			outcome.Decision = DecisionOK
		}
		return outcome
	case <-hctx.Done():
		r.logger.Warn("hook timed out",
			zap.String("hook", h.Name()),
			zap.String("stage", string(stage)),
			zap.String("task_id", t.ID))
		return Outcome{Decision: DecisionFail, Reason: "hook-timeout: " + h.Name()}
	}
}
