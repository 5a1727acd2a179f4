package auth

import (
	"context"
	"time"

	"tessera.dev/internal/obs"
)

const defaultCleanupInterval = time.Hour

// Sweeper is implemented by stores that need explicit expiry, such as
// MemoryStateStore.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Cleaner periodically deletes expired refresh and verification tokens.
// Every pass is idempotent.
type Cleaner struct {
	store    Store
	sweepers []Sweeper
	interval time.Duration
	now      func() time.Time
}

func NewCleaner(store Store, interval time.Duration, sweepers ...Sweeper) *Cleaner {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	return &Cleaner{store: store, sweepers: sweepers, interval: interval, now: time.Now}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass. Failures are logged and the pass continues.
func (c *Cleaner) RunOnce(ctx context.Context) {
	now := c.now().UTC()
	log := obs.Logger()

	refresh, err := c.store.RefreshTokens(ctx).DeleteExpired(ctx, now)
	if err != nil {
		log.ErrorContext(ctx, "cleanup_refresh_tokens_failed", "error", err.Error())
	}
	verify, err := c.store.VerificationTokens(ctx).DeleteExpired(ctx, now)
	if err != nil {
		log.ErrorContext(ctx, "cleanup_verification_tokens_failed", "error", err.Error())
	}
	var states int64
	for _, sw := range c.sweepers {
		n, err := sw.Sweep(ctx, now)
		if err != nil {
			log.ErrorContext(ctx, "cleanup_sweep_failed", "error", err.Error())
			continue
		}
		states += n
	}
	log.InfoContext(ctx, "token_cleanup",
		"refresh_tokens", refresh,
		"verification_tokens", verify,
		"oauth_states", states,
	)
}
