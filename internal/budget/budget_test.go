package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agentdhq/agentd/internal/config"
)

func newTracker(t *testing.T, cfg config.BudgetConfig) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTracker(client, cfg), mr
}

func TestCheckUnderCap(t *testing.T) {
	tr, _ := newTracker(t, config.BudgetConfig{PerOrgDailyUSD: 100, GlobalDailyUSD: 200})
	if err := tr.Check(context.Background(), "acme"); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestOrgCapBlocks(t *testing.T) {
	tr, _ := newTracker(t, config.BudgetConfig{PerOrgDailyUSD: 10, GlobalDailyUSD: 200})
	ctx := context.Background()

	if err := tr.Add(ctx, "acme", 10.5); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tr.Check(ctx, "acme"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("check = %v, want ErrExhausted", err)
	}
	// A different org is unaffected by acme's burn.
	if err := tr.Check(ctx, "globex"); err != nil {
		t.Fatalf("other org: %v", err)
	}
}

func TestGlobalCapBlocksEveryOrg(t *testing.T) {
	tr, _ := newTracker(t, config.BudgetConfig{PerOrgDailyUSD: 500, GlobalDailyUSD: 20})
	ctx := context.Background()

	_ = tr.Add(ctx, "acme", 12)
	_ = tr.Add(ctx, "globex", 9)
	if err := tr.Check(ctx, "initech"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("check = %v, want global exhaustion", err)
	}
}

func TestCountersRollOverAtMidnightUTC(t *testing.T) {
	tr, _ := newTracker(t, config.BudgetConfig{PerOrgDailyUSD: 10})
	ctx := context.Background()

	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return day }
	_ = tr.Add(ctx, "acme", 50)
	if err := tr.Check(ctx, "acme"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("same day = %v, want ErrExhausted", err)
	}

	tr.now = func() time.Time { return day.Add(2 * time.Hour) }
	if err := tr.Check(ctx, "acme"); err != nil {
		t.Fatalf("next day = %v, want fresh counter", err)
	}
}

func TestZeroCapsDisableEnforcement(t *testing.T) {
	tr, _ := newTracker(t, config.BudgetConfig{})
	ctx := context.Background()
	_ = tr.Add(ctx, "acme", 1e6)
	if err := tr.Check(ctx, "acme"); err != nil {
		t.Fatalf("check = %v, want nil with no caps", err)
	}
}
