package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/selzzaf/desktopchatapp/internal/metrics"
	"github.com/selzzaf/desktopchatapp/pkg/domain"
)

// IdleTracker records the last activity of each user in a Redis sorted set
// scored by epoch milliseconds.
type IdleTracker struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	now     func() time.Time
}

// NewIdleTracker builds a tracker. Users inactive for longer than timeout
// are reported by Expired.
func NewIdleTracker(client *redis.Client, prefix string, timeout time.Duration) (*IdleTracker, error) {
	if client == nil {
		return nil, errors.New("idle tracker redis client is required")
	}
	if timeout <= 0 {
		return nil, errors.New("idle tracker requires a positive timeout")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chat:activity"
	}
	return &IdleTracker{client: client, key: prefix, timeout: timeout, now: time.Now}, nil
}

// Touch records activity for userID.
func (t *IdleTracker) Touch(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return t.client.ZAdd(ctx, t.key, redis.Z{Score: float64(t.now().UnixMilli()), Member: userID}).Err()
}

// Forget stops tracking userID.
func (t *IdleTracker) Forget(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return t.client.ZRem(ctx, t.key, userID).Err()
}

// Expired lists users whose last activity is older than the timeout.
func (t *IdleTracker) Expired(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cutoff := t.now().Add(-t.timeout).UnixMilli()
	return t.client.ZRangeByScore(ctx, t.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
}

// Touch records activity for userID when an idle tracker is configured.
func (a *App) Touch(ctx context.Context, userID string) {
	if a.activity == nil || userID == "" {
		return
	}
	if err := a.activity.Touch(ctx, userID); err != nil {
		a.log.Warn("record activity failed", "user_id", userID, "err", err)
	}
}

func (a *App) forget(ctx context.Context, userID string) {
	if a.activity == nil {
		return
	}
	if err := a.activity.Forget(ctx, userID); err != nil {
		a.log.Warn("forget activity failed", "user_id", userID, "err", err)
	}
}

// SweepIdle sets every idle user offline and returns how many were swept.
func (a *App) SweepIdle(ctx context.Context) (int, error) {
	if a.activity == nil {
		return 0, nil
	}
	ids, err := a.activity.Expired(ctx)
	if err != nil {
		return 0, storageErr("list idle users", err)
	}
	swept := 0
	for _, id := range ids {
		err := a.writeStatus(ctx, id, domain.StatusOffline)
		if err != nil && !errors.Is(err, ErrNotFound) {
			a.log.Warn("idle sweep failed", "user_id", id, "err", err)
			continue
		}
		a.forget(ctx, id)
		if err == nil {
			swept++
			metrics.IdleSweeps.Inc()
		}
	}
	return swept, nil
}

// RunIdleSweeper calls SweepIdle every interval until ctx ends.
func (a *App) RunIdleSweeper(ctx context.Context, interval time.Duration) {
	if a.activity == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.SweepIdle(ctx); err != nil {
				a.log.Warn("idle sweep failed", "err", err)
			} else if n > 0 {
				a.log.Info("idle users set offline", "count", n)
			}
		}
	}
}
