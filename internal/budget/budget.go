// Package budget enforces daily spend caps. Counters live in Redis so
// every worker sees the same totals; they roll over at UTC midnight by
// keying on the date and expire on their own.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/metrics"
)

// ErrExhausted is returned when a cap would be exceeded. Callers fail
// the task permanently and post the budget message instead of running
// the agent.
var ErrExhausted = errors.New("budget exhausted")

// DiagnosticExhausted is the diagnostic written to the task so the
// poster can pick the budget wording.
const DiagnosticExhausted = "budget-exhausted"

// counterTTL outlives the UTC day the counter covers; expiry is only a
// cleanup mechanism, the date in the key does the isolation.
const counterTTL = 48 * time.Hour

type Tracker struct {
	client *redis.Client
	cfg    config.BudgetConfig
	now    func() time.Time
}

func NewTracker(client *redis.Client, cfg config.BudgetConfig) *Tracker {
	return &Tracker{client: client, cfg: cfg, now: time.Now}
}

func orgKey(org, day string) string {
	return "agentd:budget:org:" + org + ":" + day
}

func globalKey(day string) string {
	return "agentd:budget:global:" + day
}

func (t *Tracker) day() string {
	return t.now().UTC().Format("2006-01-02")
}

// Check reports whether the org may start a new task today. A zero cap
// disables that scope.
func (t *Tracker) Check(ctx context.Context, org string) error {
	day := t.day()

	if t.cfg.GlobalDailyUSD > 0 {
		spent, err := t.spent(ctx, globalKey(day))
		if err != nil {
			return err
		}
		if spent >= t.cfg.GlobalDailyUSD {
			metrics.BudgetRejected("global")
			return fmt.Errorf("global cap reached (%.2f USD): %w", spent, ErrExhausted)
		}
	}

	if t.cfg.PerOrgDailyUSD > 0 {
		spent, err := t.spent(ctx, orgKey(org, day))
		if err != nil {
			return err
		}
		if spent >= t.cfg.PerOrgDailyUSD {
			metrics.BudgetRejected("org")
			return fmt.Errorf("org %s cap reached (%.2f USD): %w", org, spent, ErrExhausted)
		}
	}
	return nil
}

// Add records spend against both scopes. Called as usage events arrive,
// so a runaway task is charged even if it never finishes cleanly.
func (t *Tracker) Add(ctx context.Context, org string, usd float64) error {
	if usd <= 0 {
		return nil
	}
	day := t.day()
	pipe := t.client.TxPipeline()
	pipe.IncrByFloat(ctx, orgKey(org, day), usd)
	pipe.Expire(ctx, orgKey(org, day), counterTTL)
	pipe.IncrByFloat(ctx, globalKey(day), usd)
	pipe.Expire(ctx, globalKey(day), counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record spend: %w", err)
	}
	return nil
}

// PerTaskUSD is the cap a single run may burn before the worker aborts
// it. Zero means uncapped.
func (t *Tracker) PerTaskUSD() float64 {
	return t.cfg.PerTaskUSD
}

func (t *Tracker) spent(ctx context.Context, key string) (float64, error) {
	value, err := t.client.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read budget counter: %w", err)
	}
	return value, nil
}
