package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyBandPrefix     = "agentd:queue:band:"
	keyMetaPrefix     = "agentd:queue:meta:"
	keyLeasePrefix    = "agentd:queue:lease:"
	keyInflight       = "agentd:queue:inflight"
	keyInflightOrg    = "agentd:queue:inflight:org:"
	keyLockPrefix     = "agentd:lock:"
	taskEventsChannel = "agentd:events:tasks"

	// metaRetention bounds how long queue-side metadata can outlive a task
	// that was never acked; matches the task store retention.
	metaRetention = 30 * 24 * time.Hour

	// candidateWindow is how many due tasks per band a single lease pass
	// inspects before giving up on the band.
	candidateWindow = 16
)

var (
	// ErrTooBusy is returned when the queue is above its admission limit
	// for the task's priority band.
	ErrTooBusy = errors.New("queue too busy")
	// ErrNotLeaseOwner is returned when a heartbeat, ack or nack arrives
	// from a worker whose lease has expired or been taken over.
	ErrNotLeaseOwner = errors.New("lease not owned by worker")
)

// Options configure queue admission and lease behavior.
type Options struct {
	SoftLimit         int64
	HardLimit         int64
	VisibilityTimeout time.Duration
	MaxConcurrent     int
	MaxPerOrg         int
}

func (o *Options) setDefaults() {
	if o.SoftLimit <= 0 {
		o.SoftLimit = 1000
	}
	if o.HardLimit <= 0 {
		o.HardLimit = o.SoftLimit * 4
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 10 * time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.MaxPerOrg <= 0 {
		o.MaxPerOrg = 2
	}
}

// Queue is the durable at-least-once task queue. Tasks wait in one sorted
// set per priority band, scored by the time they become due; leases are
// plain keys with a TTL so an abandoned task surfaces by expiry.
type Queue struct {
	client *redis.Client
	opts   Options
}

func New(url string, opts Options) (*Queue, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to queue: %w", err)
	}

	opts.setDefaults()
	return &Queue{client: client, opts: opts}, nil
}

// NewWithClient wires an existing client, used by tests and by deployments
// sharing one Redis between store and queue.
func NewWithClient(client *redis.Client, opts Options) *Queue {
	opts.setDefaults()
	return &Queue{client: client, opts: opts}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for health checks and event
// subscriptions.
func (q *Queue) Client() *redis.Client {
	return q.client
}

// VisibilityTimeout reports the configured lease duration.
func (q *Queue) VisibilityTimeout() time.Duration {
	return q.opts.VisibilityTimeout
}
