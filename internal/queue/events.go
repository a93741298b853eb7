package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentdhq/agentd/internal/task"
)

// TaskEvent is the lifecycle notification fanned out to API subscribers
// (SSE streams, dashboards). Best effort: consumers must not rely on it for
// correctness.
type TaskEvent struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	OrgID     string    `json:"org,omitempty"`
	Repo      string    `json:"repo,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Command   string    `json:"command,omitempty"`
	Status    string    `json:"status,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishTaskEvent broadcasts a lifecycle change. Failures are the caller's
// to ignore; events are advisory.
func (q *Queue) PublishTaskEvent(ctx context.Context, event TaskEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.client.Publish(ctx, taskEventsChannel, data).Err()
}

// StatusEvent builds the standard event for a task status change.
func StatusEvent(t *task.Task, status task.Status, errMsg string) TaskEvent {
	return TaskEvent{
		Type:     "task_update",
		TaskID:   t.ID,
		OrgID:    t.OrgID,
		Repo:     t.Repo,
		Provider: t.Provider,
		Command:  t.Command,
		Status:   string(status),
		Attempt:  t.Attempt,
		WorkerID: t.WorkerID,
		Error:    errMsg,
	}
}

// SubscribeTaskEvents delivers lifecycle events until ctx is done. The
// returned channel closes when the subscription ends.
func (q *Queue) SubscribeTaskEvents(ctx context.Context) (<-chan TaskEvent, error) {
	sub := q.client.Subscribe(ctx, taskEventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to task events: %w", err)
	}

	events := make(chan TaskEvent, 16)
	go func() {
		defer close(events)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event TaskEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}
