package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/budget"
	"github.com/agentdhq/agentd/internal/hooks"
	"github.com/agentdhq/agentd/internal/metrics"
	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/redact"
	"github.com/agentdhq/agentd/internal/runner"
	"github.com/agentdhq/agentd/internal/storage"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/token"
	"github.com/agentdhq/agentd/internal/workspace"
)

// outcome is what one attempt produced. A zero Status means the attempt
// did not finish the task and it should be redelivered.
type outcome struct {
	Status     task.Status
	Class      task.ErrorClass
	Summary    string
	Diagnostic string
	Transcript string
	CostUSD    float64
	RetryAfter time.Duration
	Stage      hooks.Stage
}

func retryOutcome(class task.ErrorClass, diagnostic string) outcome {
	return outcome{Class: class, Diagnostic: diagnostic, Stage: hooks.StageError}
}

func (p *Pool) process(ctx context.Context, workerID, taskID string) {
	t, err := p.deps.Store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			_ = p.deps.Queue.Drop(ctx, taskID)
			return
		}
		p.logger.Error("failed to load leased task", zap.String("task_id", taskID), zap.Error(err))
		_ = p.deps.Queue.Nack(ctx, taskID, workerID, time.Now().Add(10*time.Second))
		return
	}

	attempt := t.Attempt + 1
	err = p.deps.Store.Transition(ctx, t.ID, []task.Status{task.StatusQueued}, task.StatusLeased, map[string]any{
		"attempt":          attempt,
		"worker_id":        workerID,
		"lease_expires_at": time.Now().Add(p.deps.Queue.VisibilityTimeout()).UnixMilli(),
	})
	if err != nil {
		// The row moved without us: terminal means the queue entry is
		// stale, anything else gets redelivered.
		p.reconcileLeaseConflict(ctx, t.ID, workerID)
		return
	}
	t.Attempt = attempt
	t.WorkerID = workerID

	metrics.TaskStarted()
	defer metrics.TaskFinished()
	started := time.Now()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	monitorDone := make(chan struct{})
	go p.monitor(runCtx, cancelRun, t.ID, workerID, monitorDone)

	result := p.execute(runCtx, t)
	close(monitorDone)
	p.finish(ctx, t, workerID, result, started)
}

func (p *Pool) reconcileLeaseConflict(ctx context.Context, taskID, workerID string) {
	t, err := p.deps.Store.Get(ctx, taskID)
	if err != nil || t.Status.IsTerminal() {
		_ = p.deps.Queue.Drop(ctx, taskID)
		return
	}
	_ = p.deps.Queue.Nack(ctx, taskID, workerID, time.Now().Add(10*time.Second))
}

// monitor heartbeats the lease and polls for cancellation while the
// attempt runs. Losing the lease aborts the run immediately.
func (p *Pool) monitor(ctx context.Context, cancelRun context.CancelFunc, taskID, workerID string, done <-chan struct{}) {
	ticker := time.NewTicker(p.monitorEvery)
	defer ticker.Stop()

	lastBeat := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if cancelled, err := p.deps.Store.CancelRequested(ctx, taskID); err == nil && cancelled {
			p.logger.Info("cancel requested", zap.String("task_id", taskID))
			cancelRun()
			return
		}

		if time.Since(lastBeat) >= p.heartbeatInterval {
			if err := p.deps.Queue.Heartbeat(ctx, taskID, workerID); err != nil {
				if errors.Is(err, queue.ErrNotLeaseOwner) {
					p.logger.Warn("lease lost mid-run", zap.String("task_id", taskID))
					cancelRun()
					return
				}
				p.logger.Error("heartbeat failed", zap.String("task_id", taskID), zap.Error(err))
			} else {
				lastBeat = time.Now()
			}
		}
	}
}

// execute runs one attempt: admission, hooks, checkout, agent, verdict.
func (p *Pool) execute(ctx context.Context, t *task.Task) outcome {
	// Spend gate first; refusing here costs nothing. Exhaustion is a
	// permanent failure, not a skip: it retries no better tomorrow than
	// the user re-asking does.
	if p.deps.Budget != nil {
		if err := p.deps.Budget.Check(ctx, t.OrgID); err != nil {
			if errors.Is(err, budget.ErrExhausted) {
				return outcome{
					Status:     task.StatusFailed,
					Class:      task.ErrorPermanent,
					Diagnostic: budget.DiagnosticExhausted + ": " + err.Error(),
					Stage:      hooks.StageError,
				}
			}
			return retryOutcome(task.ErrorTransient, "budget check failed: "+err.Error())
		}
	}

	if p.deps.Hooks != nil {
		switch verdict := p.deps.Hooks.RunStage(ctx, hooks.StagePre, t); verdict.Decision {
		case hooks.DecisionSkip:
			return outcome{Status: task.StatusSkipped, Diagnostic: verdict.Reason, Stage: hooks.StagePost}
		case hooks.DecisionRetry:
			out := retryOutcome(task.ErrorTransient, verdict.Reason)
			out.RetryAfter = verdict.RetryAfter
			return out
		case hooks.DecisionFail:
			return outcome{
				Status:     task.StatusFailed,
				Class:      task.ErrorSystem,
				Diagnostic: verdict.Reason,
				Stage:      hooks.StageError,
			}
		}
	}

	if err := p.deps.Store.Transition(ctx, t.ID, []task.Status{task.StatusLeased}, task.StatusRunning, map[string]any{
		"started_at": time.Now().UnixMilli(),
	}); err != nil {
		return retryOutcome(task.ErrorSystem, "lost task before running: "+err.Error())
	}
	p.publish(ctx, t, task.StatusRunning, "")

	// Credential before checkout; the clone authenticates with it. An
	// org with no installation runs unauthenticated (public repos).
	var tok string
	if p.deps.Tokens != nil {
		issued, err := p.deps.Tokens.GetToken(ctx, t.Provider, t.OrgID)
		if err != nil && !errors.Is(err, token.ErrNoInstallation) {
			class := classify(err)
			if !class.Retryable() {
				// Revoked or rejected credentials do not heal on retry.
				return outcome{
					Status:     task.StatusFailed,
					Class:      class,
					Diagnostic: "failed to obtain token: " + err.Error(),
					Stage:      hooks.StageError,
				}
			}
			return retryOutcome(class, "failed to obtain token: "+err.Error())
		}
		tok = issued.Value
	}

	var ws *workspace.Workspace
	if t.CloneURL != "" {
		acquired, err := p.deps.Workspaces.Acquire(ctx, workspace.CheckoutSpec{
			Provider: t.Provider,
			Org:      t.OrgID,
			Repo:     t.Repo,
			CloneURL: t.CloneURL,
			PRNumber: t.PRNumber,
			Token:    tok,
		})
		if err != nil {
			class := classify(err)
			if !class.Retryable() {
				return outcome{
					Status:     task.StatusFailed,
					Class:      class,
					Diagnostic: err.Error(),
					Stage:      hooks.StageError,
				}
			}
			out := retryOutcome(class, err.Error())
			if errors.Is(err, workspace.ErrWorkspaceBusy) {
				out.RetryAfter = 30 * time.Second
			}
			return out
		}
		ws = acquired
		defer ws.Release()
	}

	req := runner.Request{
		TaskID:  t.ID,
		Command: t.Command,
		Prompt:  t.Prompt,
		Timeout: p.deps.Config.Worker.TimeoutFor(t.Command),
		Token:   tok,
	}
	if ws != nil {
		req.WorkspacePath = ws.Path
	}
	if model := p.deps.Config.Worker.AgentModel; model != "" {
		req.Env = map[string]string{"AGENT_MODEL": model}
	}

	agentCtx, cancelAgent := context.WithCancel(ctx)
	defer cancelAgent()
	stream, err := p.deps.Runner.Run(agentCtx, req)
	if err != nil {
		return retryOutcome(task.ErrorSystem, "failed to start agent: "+err.Error())
	}
	out := p.consume(ctx, cancelAgent, t, ws, stream)
	out.Transcript = redact.Literals(out.Transcript, tok)
	return out
}

// consume drains the event stream and turns it into a verdict. It must
// read to the end of the stream even after aborting the agent; the
// runner closes the channel only once the process is gone.
func (p *Pool) consume(ctx context.Context, cancelAgent context.CancelFunc, t *task.Task, ws *workspace.Workspace, stream *runner.Stream) outcome {
	var (
		cost         float64
		overBudget   bool
		artifacts    []string
		lastErr      *runner.ErrorEvent
		done         *runner.Done
		lastProgress runner.Progress
		policyErr    error
		transcript   strings.Builder
	)

	for ev := range stream.Events() {
		switch ev.Type {
		case runner.EventProgress:
			if prog, err := ev.Progress(); err == nil {
				lastProgress = prog
				transcript.WriteString(prog.Stage + ": " + prog.Message + "\n")
				p.logger.Debug("agent progress",
					zap.String("task_id", t.ID),
					zap.String("stage", prog.Stage),
					zap.String("message", prog.Message))
			}
		case runner.EventUsage:
			usage, err := ev.Usage()
			if err != nil {
				continue
			}
			cost += usage.CostUSD
			if p.deps.Budget != nil {
				if err := p.deps.Budget.Add(ctx, t.OrgID, usage.CostUSD); err != nil {
					p.logger.Warn("failed to record spend", zap.Error(err))
				}
				if limit := p.deps.Budget.PerTaskUSD(); limit > 0 && cost > limit && !overBudget {
					overBudget = true
					cancelAgent()
				}
			}
		case runner.EventArtifact:
			art, err := ev.Artifact()
			if err != nil {
				continue
			}
			// Agents only write inside the checkout, and never under a
			// denied path. A violation kills the attempt for good.
			if art.Path != "" && ws != nil && p.deps.Workspaces != nil {
				if _, perr := p.deps.Workspaces.CheckPath(ws, art.Path); perr != nil {
					policyErr = perr
					transcript.WriteString("error (permanent): " + perr.Error() + "\n")
					cancelAgent()
					continue
				}
			}
			if art.ID != "" {
				artifacts = append(artifacts, art.Kind+" "+art.ID)
				transcript.WriteString("artifact: " + art.Kind + " " + art.ID + "\n")
			}
		case runner.EventError:
			if ee, err := ev.Failure(); err == nil {
				lastErr = &ee
				transcript.WriteString("error (" + ee.Class + "): " + ee.Message + "\n")
			}
		case runner.EventDone:
			if d, err := ev.Done(); err == nil {
				done = &d
				transcript.WriteString("done: " + d.Summary + "\n")
			}
		}
	}

	werr := stream.Wait()

	var out outcome
	switch {
	case policyErr != nil:
		out = outcome{
			Status:     task.StatusFailed,
			Class:      task.ErrorPermanent,
			Diagnostic: "workspace policy violation: " + policyErr.Error(),
			Stage:      hooks.StageError,
		}

	case overBudget:
		out = outcome{
			Status:     task.StatusFailed,
			Class:      task.ErrorPermanent,
			Diagnostic: fmt.Sprintf("per-task spend cap exceeded (%.2f USD)", cost),
			Stage:      hooks.StageError,
		}

	case errors.Is(werr, runner.ErrTimeout):
		// Report how far the agent got, not just that the clock ran out.
		diag := fmt.Sprintf("exceeded %s limit", p.deps.Config.Worker.TimeoutFor(t.Command))
		if lastProgress.Stage != "" {
			diag += " during " + lastProgress.Stage
		}
		var partial []string
		if lastProgress.Message != "" {
			partial = append(partial, lastProgress.Stage+": "+lastProgress.Message)
		}
		if len(artifacts) > 0 {
			partial = append(partial, "Artifacts so far: "+strings.Join(artifacts, ", "))
		}
		out = outcome{
			Status:     task.StatusTimedOut,
			Summary:    strings.Join(partial, "\n"),
			Diagnostic: diag,
			Stage:      hooks.StageTimeout,
		}

	case errors.Is(werr, context.Canceled):
		if cancelled, err := p.deps.Store.CancelRequested(context.WithoutCancel(ctx), t.ID); err == nil && cancelled {
			out = outcome{Status: task.StatusCancelled, Stage: hooks.StagePost}
		} else {
			// Shutdown or lost lease: hand the task back.
			out = retryOutcome(task.ErrorTransient, "attempt interrupted")
		}

	case lastErr != nil:
		out = outcome{
			Class:      classFromEvent(lastErr.Class),
			Diagnostic: lastErr.Message,
			Stage:      hooks.StageError,
		}
		if !out.Class.Retryable() || !lastErr.Retryable {
			out.Status = task.StatusFailed
		}

	case werr != nil:
		out = retryOutcome(task.ErrorSystem, werr.Error())

	case done != nil:
		summary := done.Summary
		if len(artifacts) > 0 {
			summary += "\n\nArtifacts: " + strings.Join(artifacts, ", ")
		}
		out = outcome{
			Status:  task.StatusSucceeded,
			Summary: summary,
			Stage:   hooks.StagePost,
		}

	default:
		// Exit 0 without a done event breaks the protocol contract.
		out = retryOutcome(task.ErrorSystem, "agent exited without a terminal event")
	}

	out.CostUSD = cost
	out.Transcript = transcript.String()
	return out
}

// finish writes the verdict. Terminal outcomes post exactly once; retry
// outcomes go back to the queue with backoff until attempts run out.
func (p *Pool) finish(ctx context.Context, t *task.Task, workerID string, result outcome, started time.Time) {
	bg := context.WithoutCancel(ctx)

	if result.Status == "" && t.Attempt >= t.MaxAttempts {
		result.Status = task.StatusFailed
		if result.Class == "" {
			result.Class = task.ErrorTransient
		}
		result.Diagnostic = fmt.Sprintf("failed after %d attempts: %s", t.Attempt, result.Diagnostic)
		if result.Stage == "" {
			result.Stage = hooks.StageError
		}
	}

	if result.Status == "" {
		retryAt := time.Now().Add(queue.RetryBackoff(t.Attempt))
		if result.RetryAfter > 0 {
			retryAt = time.Now().Add(result.RetryAfter)
		}
		err := p.deps.Store.Transition(bg, t.ID, []task.Status{task.StatusLeased, task.StatusRunning}, task.StatusQueued, map[string]any{
			"worker_id":        "",
			"lease_expires_at": 0,
			"scheduled_for":    retryAt.UnixMilli(),
			"diagnostic":       result.Diagnostic,
		})
		if err != nil {
			p.logger.Error("failed to requeue task", zap.String("task_id", t.ID), zap.Error(err))
			_ = p.deps.Queue.Ack(bg, t.ID, workerID)
			return
		}
		if err := p.deps.Queue.Nack(bg, t.ID, workerID, retryAt); err != nil {
			p.logger.Error("failed to nack task", zap.String("task_id", t.ID), zap.Error(err))
		}
		p.publish(bg, t, task.StatusQueued, result.Diagnostic)
		p.logger.Info("task redelivered",
			zap.String("task_id", t.ID),
			zap.Int("attempt", t.Attempt),
			zap.Time("retry_at", retryAt))
		return
	}

	fields := map[string]any{
		"ended_at":       time.Now().UnixMilli(),
		"cost_usd":       fmt.Sprintf("%f", result.CostUSD),
		"result_summary": result.Summary,
		"failure_class":  string(result.Class),
		"diagnostic":     result.Diagnostic,
	}
	err := p.deps.Store.Transition(bg, t.ID, []task.Status{task.StatusLeased, task.StatusRunning}, result.Status, fields)
	if err != nil {
		// A recovery sweep or cancel beat us to it; our verdict is void.
		p.logger.Warn("terminal transition lost",
			zap.String("task_id", t.ID),
			zap.String("status", string(result.Status)),
			zap.Error(err))
		_ = p.deps.Queue.Ack(bg, t.ID, workerID)
		return
	}

	t.Status = result.Status
	t.ResultSummary = result.Summary
	t.FailureClass = result.Class
	t.Diagnostic = result.Diagnostic
	t.CostUSD = result.CostUSD
	t.EndedAt = time.Now()

	metrics.TaskTerminal(result.Status)
	metrics.ObserveTaskDuration(t.Command, time.Since(started))

	if p.deps.Archive != nil {
		rec := &storage.RunRecord{
			TaskID:       t.ID,
			Provider:     t.Provider,
			Org:          t.OrgID,
			Repo:         t.Repo,
			Command:      t.Command,
			Status:       string(t.Status),
			Summary:      t.ResultSummary,
			FailureClass: string(t.FailureClass),
			Diagnostic:   t.Diagnostic,
			CostUSD:      t.CostUSD,
			Attempt:      t.Attempt,
			EndedAt:      t.EndedAt,
			Transcript:   result.Transcript,
		}
		if err := p.deps.Archive.SaveRun(rec); err != nil {
			p.logger.Warn("failed to archive run", zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	if t.SourceKey != "" {
		_ = p.deps.Store.ReleaseSource(bg, t.Provider, t.SourceKey, t.ID)
	}
	_ = p.deps.Store.ClearCancel(bg, t.ID)

	// Post-execution hooks see the verdict before the requester does.
	if p.deps.Hooks != nil && result.Stage != "" {
		p.deps.Hooks.RunStage(bg, result.Stage, t)
	}

	if p.deps.Poster != nil {
		postCtx, cancel := context.WithTimeout(bg, postTimeout)
		if err := p.deps.Poster.Post(postCtx, t); err != nil {
			p.logger.Error("result delivery failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		cancel()
	}

	if err := p.deps.Queue.Ack(bg, t.ID, workerID); err != nil {
		p.logger.Error("failed to ack task", zap.String("task_id", t.ID), zap.Error(err))
	}
	p.publish(bg, t, result.Status, result.Diagnostic)

	p.logger.Info("task finished",
		zap.String("task_id", t.ID),
		zap.String("status", string(result.Status)),
		zap.String("command", t.Command),
		zap.Float64("cost_usd", result.CostUSD),
		zap.Duration("duration", time.Since(started)))
}

func (p *Pool) publish(ctx context.Context, t *task.Task, status task.Status, errMsg string) {
	if err := p.deps.Queue.PublishTaskEvent(ctx, queue.StatusEvent(t, status, errMsg)); err != nil {
		p.logger.Debug("failed to publish task event", zap.Error(err))
	}
}
