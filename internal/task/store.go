package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyTaskPrefix   = "agentd:task:"
	keyTasksAll     = "agentd:tasks:all"
	keyTasksOrg     = "agentd:tasks:org:"
	keyTasksStatus  = "agentd:tasks:status:"
	keyMarkerPrefix = "agentd:marker:"
	keySourcePrefix = "agentd:source:"
	keyCancelPrefix = "agentd:cancel:"

	taskRetention   = 30 * 24 * time.Hour
	cancelRetention = 24 * time.Hour
)

// transitionScript performs a compare-and-set on the task status and moves
// the task between status indexes in the same step.
//
// KEYS: [1] task hash, [2] destination status zset, [3..] source status zsets
// ARGV: [1] task id, [2] allowed current statuses (CSV), [3] new status,
//
//	[4..] extra hash field/value pairs
//
// Returns 1 on success, 0 when the current status is not in the allowed set,
// -1 when the task does not exist.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return -1
end
local ok = false
for from in string.gmatch(ARGV[2], '([^,]+)') do
  if cur == from then
    ok = true
  end
end
if not ok then
  return 0
end
local fields = {'status', ARGV[3]}
for i = 4, #ARGV do
  table.insert(fields, ARGV[i])
end
redis.call('HSET', KEYS[1], unpack(fields))
local score = tonumber(redis.call('HGET', KEYS[1], 'enqueued_at')) or 0
for i = 3, #KEYS do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
redis.call('ZADD', KEYS[2], score, ARGV[1])
return 1
`)

// releaseSourceScript clears a source claim only when still held by the
// given task, so a newer task's claim is never clobbered.
var releaseSourceScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store persists tasks, markers and source claims in Redis.
type Store struct {
	client *redis.Client
}

func NewStore(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wires an existing client, used by tests and by
// deployments sharing one Redis between store and queue.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client so components sharing the
// store instance (budget counters, installation records) reuse it.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Create persists a new task. Creating an id that already exists is a no-op
// returning the stored task, so redelivered webhooks cannot fork a task.
func (s *Store) Create(ctx context.Context, t *Task) (*Task, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("invalid task status %q", t.Status)
	}
	if !t.Priority.Valid() {
		return nil, fmt.Errorf("invalid task priority %q", t.Priority)
	}

	key := keyTaskPrefix + t.ID
	created, err := s.client.HSetNX(ctx, key, "id", t.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if !created {
		return s.Get(ctx, t.ID)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, taskToHash(t))
	pipe.Expire(ctx, key, taskRetention)
	score := float64(t.EnqueuedAt.UnixMilli())
	pipe.ZAdd(ctx, keyTasksAll, redis.Z{Score: score, Member: t.ID})
	pipe.ZAdd(ctx, keyTasksOrg+t.OrgID, redis.Z{Score: score, Member: t.ID})
	pipe.ZAdd(ctx, keyTasksStatus+string(t.Status), redis.Z{Score: score, Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	values, err := s.client.HGetAll(ctx, keyTaskPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	return taskFromHash(values), nil
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	OrgID  string
	Status Status
	Limit  int
	Offset int
}

// List returns tasks newest first. When both OrgID and Status are set the
// page is filtered in memory, so a page may come back short without being
// the last one; HasMore is derived from the raw index page.
func (s *Store) List(ctx context.Context, f Filter) ([]*Task, bool, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}

	indexKey := keyTasksAll
	switch {
	case f.OrgID != "":
		indexKey = keyTasksOrg + f.OrgID
	case f.Status != "":
		indexKey = keyTasksStatus + string(f.Status)
	}

	stop := int64(f.Offset + f.Limit - 1)
	ids, err := s.client.ZRevRange(ctx, indexKey, int64(f.Offset), stop).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to list tasks: %w", err)
	}
	hasMore := len(ids) == f.Limit

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		values, err := s.client.HGetAll(ctx, keyTaskPrefix+id).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to load task %s: %w", id, err)
		}
		if len(values) == 0 {
			continue
		}
		t := taskFromHash(values)
		if f.OrgID != "" && f.Status != "" && t.Status != f.Status {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, hasMore, nil
}

// Transition moves a task from one of the allowed statuses to the new one,
// updating extra fields in the same atomic step. Returns ErrConflict when
// the current status is not in the allowed set and ErrNotFound for unknown
// ids.
func (s *Store) Transition(ctx context.Context, id string, from []Status, to Status, fields map[string]any) error {
	if len(from) == 0 {
		return fmt.Errorf("transition needs at least one source status")
	}
	if !to.Valid() {
		return fmt.Errorf("invalid target status %q", to)
	}
	fromNames := make([]string, 0, len(from))
	keys := []string{keyTaskPrefix + id, keyTasksStatus + string(to)}
	for _, st := range from {
		if !st.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s not allowed", ErrConflict, st, to)
		}
		fromNames = append(fromNames, string(st))
		keys = append(keys, keyTasksStatus+string(st))
	}

	args := []any{id, strings.Join(fromNames, ","), string(to)}
	for field, value := range fields {
		args = append(args, field, value)
	}

	result, err := transitionScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	switch result {
	case -1:
		return ErrNotFound
	case 0:
		return ErrConflict
	}
	return nil
}

// SetPosted flips the posted flag. It is the one field allowed to change
// after a terminal transition.
func (s *Store) SetPosted(ctx context.Context, id string, posted bool) error {
	key := keyTaskPrefix + id
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to set posted: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, key, "posted", boolField(posted)).Err()
}

// ClaimMarker records an idempotency marker, returning false when the
// marker was already claimed inside its TTL window.
func (s *Store) ClaimMarker(ctx context.Context, kind, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyMarkerPrefix+kind+":"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s marker: %w", kind, err)
	}
	return ok, nil
}

// MarkerExists reports whether a marker is currently claimed without
// claiming it.
func (s *Store) MarkerExists(ctx context.Context, kind, key string) (bool, error) {
	n, err := s.client.Exists(ctx, keyMarkerPrefix+kind+":"+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s marker: %w", kind, err)
	}
	return n > 0, nil
}

// ClaimSource binds a source key (provider, artifact, command) to a task so
// only one non-terminal task exists per conversation. Returns the owning
// task id and whether this call took the claim.
func (s *Store) ClaimSource(ctx context.Context, provider, sourceKey, taskID string) (string, bool, error) {
	key := keySourcePrefix + provider + ":" + sourceKey
	ok, err := s.client.SetNX(ctx, key, taskID, taskRetention).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to claim source: %w", err)
	}
	if ok {
		return taskID, true, nil
	}
	owner, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Claim expired between SetNX and Get; caller retries.
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read source claim: %w", err)
	}
	return owner, false, nil
}

// ReleaseSource clears the source claim if still held by taskID.
func (s *Store) ReleaseSource(ctx context.Context, provider, sourceKey, taskID string) error {
	key := keySourcePrefix + provider + ":" + sourceKey
	if err := releaseSourceScript.Run(ctx, s.client, []string{key}, taskID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release source claim: %w", err)
	}
	return nil
}

// RequestCancel flags a task for cancellation. Workers observe the flag at
// event boundaries; queued tasks are cancelled directly by the API.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	return s.client.Set(ctx, keyCancelPrefix+id, 1, cancelRetention).Err()
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, keyCancelPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel flag: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ClearCancel(ctx context.Context, id string) error {
	return s.client.Del(ctx, keyCancelPrefix+id).Err()
}

// PruneIndexes drops index entries older than the task retention window.
// Run from the maintenance scheduler; the task hashes themselves expire via
// TTL.
func (s *Store) PruneIndexes(ctx context.Context, orgs []string) error {
	cutoff := strconv.FormatInt(time.Now().Add(-taskRetention).UnixMilli(), 10)
	keys := []string{keyTasksAll}
	for _, org := range orgs {
		keys = append(keys, keyTasksOrg+org)
	}
	for _, st := range []Status{StatusQueued, StatusLeased, StatusRunning, StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled, StatusSkipped} {
		keys = append(keys, keyTasksStatus+string(st))
	}
	for _, key := range keys {
		if err := s.client.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Err(); err != nil {
			return fmt.Errorf("failed to prune index %s: %w", key, err)
		}
	}
	return nil
}

func taskToHash(t *Task) map[string]any {
	return map[string]any{
		"id":               t.ID,
		"provider":         t.Provider,
		"org":              t.OrgID,
		"repo":             t.Repo,
		"clone_url":        t.CloneURL,
		"pr_number":        t.PRNumber,
		"issue_number":     t.IssueNumber,
		"installation_id":  t.InstallationID,
		"command":          t.Command,
		"prompt":           t.Prompt,
		"priority":         string(t.Priority),
		"status":           string(t.Status),
		"attempt":          t.Attempt,
		"max_attempts":     t.MaxAttempts,
		"scheduled_for":    t.ScheduledFor.UnixMilli(),
		"lease_expires_at": unixMilliOrZero(t.LeaseExpiresAt),
		"worker_id":        t.WorkerID,
		"enqueued_at":      t.EnqueuedAt.UnixMilli(),
		"started_at":       unixMilliOrZero(t.StartedAt),
		"ended_at":         unixMilliOrZero(t.EndedAt),
		"cost_usd":         strconv.FormatFloat(t.CostUSD, 'f', -1, 64),
		"posted":           boolField(t.Posted),
		"result_summary":   t.ResultSummary,
		"failure_class":    string(t.FailureClass),
		"diagnostic":       t.Diagnostic,
		"source_key":       t.SourceKey,
		"delivery_id":      t.DeliveryID,
		"artifact_id":      t.ArtifactID,
	}
}

func taskFromHash(values map[string]string) *Task {
	t := &Task{
		ID:             values["id"],
		Provider:       values["provider"],
		OrgID:          values["org"],
		Repo:           values["repo"],
		CloneURL:       values["clone_url"],
		PRNumber:       toInt(values["pr_number"]),
		IssueNumber:    toInt(values["issue_number"]),
		InstallationID: values["installation_id"],
		Command:        values["command"],
		Prompt:         values["prompt"],
		Priority:       Priority(values["priority"]),
		Status:         Status(values["status"]),
		Attempt:        toInt(values["attempt"]),
		MaxAttempts:    toInt(values["max_attempts"]),
		WorkerID:       values["worker_id"],
		CostUSD:        toFloat(values["cost_usd"]),
		Posted:         values["posted"] == "1",
		ResultSummary:  values["result_summary"],
		FailureClass:   ErrorClass(values["failure_class"]),
		Diagnostic:     values["diagnostic"],
		SourceKey:      values["source_key"],
		DeliveryID:     values["delivery_id"],
		ArtifactID:     values["artifact_id"],
	}
	t.ScheduledFor = fromUnixMilli(values["scheduled_for"])
	t.LeaseExpiresAt = fromUnixMilli(values["lease_expires_at"])
	t.EnqueuedAt = fromUnixMilli(values["enqueued_at"])
	t.StartedAt = fromUnixMilli(values["started_at"])
	t.EndedAt = fromUnixMilli(values["ended_at"])
	return t
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(value string) time.Time {
	ms, _ := strconv.ParseInt(value, 10, 64)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toInt(value string) int {
	i, _ := strconv.Atoi(value)
	return i
}

func toFloat(value string) float64 {
	f, _ := strconv.ParseFloat(value, 64)
	return f
}

func boolField(b bool) int {
	if b {
		return 1
	}
	return 0
}
