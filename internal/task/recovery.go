package task

import (
	"context"
	"errors"
	"time"
)

// LeaseRecovery returns the standard expired-lease decision: flip the
// durable record back to queued so another worker can pick it up. When the
// record is already terminal — the worker finished but died before acking
// the queue — the queue entry is dropped and the source claim released so
// the conversation is free for new tasks.
func LeaseRecovery(store *Store) func(ctx context.Context, taskID string) (bool, error) {
	return func(ctx context.Context, taskID string) (bool, error) {
		err := store.Transition(ctx, taskID, []Status{StatusLeased, StatusRunning}, StatusQueued, map[string]any{
			"worker_id":        "",
			"lease_expires_at": 0,
			"scheduled_for":    time.Now().UnixMilli(),
		})
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrNotFound):
			return false, nil
		case errors.Is(err, ErrConflict):
			t, getErr := store.Get(ctx, taskID)
			if getErr != nil {
				if errors.Is(getErr, ErrNotFound) {
					return false, nil
				}
				return false, getErr
			}
			if t.Status == StatusQueued {
				// A previous sweep fixed the record but died before
				// requeueing; finish the job.
				return true, nil
			}
			if t.Status.IsTerminal() && t.SourceKey != "" {
				_ = store.ReleaseSource(ctx, t.Provider, t.SourceKey, t.ID)
			}
			return false, nil
		default:
			return false, err
		}
	}
}
