package worker

import (
	"context"
	"errors"

	"github.com/agentdhq/agentd/internal/runner"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/token"
	"github.com/agentdhq/agentd/internal/workspace"
)

// classify buckets infrastructure errors for retry policy. Anything
// unrecognized is a system error: retried, and loud in the logs.
func classify(err error) task.ErrorClass {
	switch {
	case errors.Is(err, workspace.ErrHostNotAllowed),
		errors.Is(err, workspace.ErrQuotaExceeded),
		errors.Is(err, workspace.ErrPathDenied):
		return task.ErrorPermanent
	case errors.Is(err, workspace.ErrWorkspaceBusy),
		errors.Is(err, token.ErrTokenUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return task.ErrorTransient
	case errors.Is(err, token.ErrUnauthorized),
		errors.Is(err, token.ErrNoInstallation):
		return task.ErrorUser
	case errors.Is(err, runner.ErrTimeout):
		return task.ErrorTransient
	default:
		return task.ErrorSystem
	}
}

// classFromEvent maps the agent's self-reported error class, defaulting
// to system for anything off-protocol.
func classFromEvent(class string) task.ErrorClass {
	c := task.ErrorClass(class)
	if c.Valid() {
		return c
	}
	return task.ErrorSystem
}
