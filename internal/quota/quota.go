// Package quota enforces per-user daily submission allowances by tier.
package quota

import (
	"context"
	"fmt"
	"time"

	"alembic/internal/config"
	"alembic/internal/queue"
	"alembic/internal/services"
)

// Unlimited marks a tier without a daily cap.
const Unlimited = -1

// Store is the persistence surface the enforcer needs.
type Store interface {
	ConsumeQuota(ctx context.Context, userID string, at time.Time, limit int) (bool, error)
	ReleaseQuota(ctx context.Context, userID string, at time.Time) error
	QuotaUsage(ctx context.Context, userID string, at time.Time) (int, error)
}

// Enforcer grants or denies submission slots against the UTC-day counters in
// the store.
type Enforcer struct {
	store   Store
	free    int
	premium int
	now     func() time.Time
}

// NewEnforcer builds an enforcer with the configured tier limits.
func NewEnforcer(store Store, cfg config.Quota) *Enforcer {
	return &Enforcer{
		store:   store,
		free:    cfg.FreeDailyLimit,
		premium: cfg.PremiumDailyLimit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Limit returns the daily allowance for a tier, Unlimited for enterprise.
func (e *Enforcer) Limit(tier queue.Tier) int {
	switch tier {
	case queue.TierPremium:
		return e.premium
	case queue.TierEnterprise:
		return Unlimited
	default:
		return e.free
	}
}

// Admit takes one slot from the user's daily allowance. The grant and the
// limit check are a single atomic statement in the store, so concurrent
// submissions cannot both win the last slot.
func (e *Enforcer) Admit(ctx context.Context, userID string, tier queue.Tier) error {
	limit := e.Limit(tier)
	granted, err := e.store.ConsumeQuota(ctx, userID, e.now(), limit)
	if err != nil {
		return services.Wrap(services.ErrTransient, "quota", "admit", "consume quota", err)
	}
	if !granted {
		return services.Wrap(services.ErrQuotaExceeded, "quota", "admit",
			fmt.Sprintf("daily limit of %d conversions reached for tier %s", limit, tier), nil)
	}
	return nil
}

// Release hands back a slot taken by Admit, used when submission fails after
// admission.
func (e *Enforcer) Release(ctx context.Context, userID string) error {
	if err := e.store.ReleaseQuota(ctx, userID, e.now()); err != nil {
		return services.Wrap(services.ErrTransient, "quota", "release", "release quota", err)
	}
	return nil
}

// Remaining reports how many slots the user still has today. Unlimited tiers
// report Unlimited.
func (e *Enforcer) Remaining(ctx context.Context, userID string, tier queue.Tier) (int, error) {
	limit := e.Limit(tier)
	if limit < 0 {
		return Unlimited, nil
	}
	used, err := e.store.QuotaUsage(ctx, userID, e.now())
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "quota", "remaining", "read quota usage", err)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
