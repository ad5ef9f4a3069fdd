// Package bootstrap connects the chat service to the store, keeps the
// connection alive and makes sure the schema root exists before traffic
// is served.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/selzzaf/desktopchatapp/internal/metrics"
	"github.com/selzzaf/desktopchatapp/internal/util"
	"github.com/selzzaf/desktopchatapp/pkg/treestore"
)

const (
	defaultMaxRetries   = 5
	defaultBackoff      = 5 * time.Second
	defaultSeedAttempts = 3
	defaultSeedDelay    = 2 * time.Second
	defaultSeedTimeout  = 30 * time.Second
)

// ErrRetriesExhausted is returned (or passed to OnFatal) when a bounded
// retry loop gives up.
var ErrRetriesExhausted = errors.New("bootstrap: retries exhausted")

// Config tunes the retry policies. Zero values take the defaults.
type Config struct {
	// MaxRetries bounds reconnect attempts between two successful connections.
	MaxRetries int
	// Backoff is the wait before each reconnect request.
	Backoff time.Duration
	// SeedAttempts bounds the check-and-seed and migration steps.
	SeedAttempts int
	SeedDelay    time.Duration
	// SeedTimeout bounds each single seed or migration attempt.
	SeedTimeout time.Duration
	// OnFatal runs when reconnect retries are exhausted. Defaults to util.Fatal.
	OnFatal func(error)
	Logger  *slog.Logger
	// Now stamps sample content; defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.SeedAttempts <= 0 {
		c.SeedAttempts = defaultSeedAttempts
	}
	if c.SeedDelay <= 0 {
		c.SeedDelay = defaultSeedDelay
	}
	if c.SeedTimeout <= 0 {
		c.SeedTimeout = defaultSeedTimeout
	}
	if c.OnFatal == nil {
		c.OnFatal = func(err error) { util.Fatal("store connection lost", "err", err) }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Connect opens the store, starts the connectivity watchdog and runs
// check-and-seed followed by migration. Any returned error is fatal for the
// caller. The watchdog lives until ctx ends.
func Connect(ctx context.Context, storeCfg treestore.Config, cfg Config) (*treestore.Client, error) {
	cfg = cfg.withDefaults()
	client, err := treestore.Open(ctx, storeCfg)
	if err != nil {
		metrics.BootstrapAttempts.WithLabelValues("open", "error").Inc()
		return nil, fmt.Errorf("open store: %w", err)
	}
	metrics.BootstrapAttempts.WithLabelValues("open", "ok").Inc()
	if err := Run(ctx, client, cfg); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Run starts the watchdog on an already opened client and prepares the
// schema.
func Run(ctx context.Context, client *treestore.Client, cfg Config) error {
	cfg = cfg.withDefaults()
	go Watch(ctx, client, cfg)

	seeded := false
	err := retry(ctx, cfg, "seed", func(ctx context.Context) error {
		var err error
		seeded, err = EnsureSchema(ctx, client)
		return err
	})
	if err != nil {
		return fmt.Errorf("seed store: %w", err)
	}
	if seeded {
		cfg.Logger.Info("store schema seeded")
	}

	var added []string
	err = retry(ctx, cfg, "migrate", func(ctx context.Context) error {
		var err error
		added, err = Migrate(ctx, client, cfg.Now())
		return err
	})
	if err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if len(added) > 0 {
		cfg.Logger.Info("store migrated", "collections", added)
	}
	return nil
}

// Watch follows the connectivity signal. Every disconnect waits Backoff and
// requests a reconnect; a connect resets the counter. After MaxRetries
// consecutive failures OnFatal is called and Watch returns.
func Watch(ctx context.Context, client *treestore.Client, cfg Config) {
	cfg = cfg.withDefaults()
	retries := 0
	signal := client.WatchConnection(ctx)
	for {
		var connected bool
		var ok bool
		select {
		case <-ctx.Done():
			return
		case connected, ok = <-signal:
			if !ok {
				return
			}
		}
		metrics.SetConnected(connected)
		if connected {
			if retries > 0 {
				cfg.Logger.Info("store reconnected", "attempts", retries)
			}
			retries = 0
			continue
		}
		if retries >= cfg.MaxRetries {
			cfg.Logger.Error("store reconnect attempts exhausted", "attempts", retries)
			cfg.OnFatal(fmt.Errorf("%w: store unreachable after %d reconnect attempts", ErrRetriesExhausted, retries))
			return
		}
		retries++
		cfg.Logger.Warn("store disconnected, retrying", "attempt", retries, "max", cfg.MaxRetries, "backoff", cfg.Backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Backoff):
		}
		metrics.StoreReconnects.Inc()
		if err := client.Reconnect(ctx); err != nil && !treestore.IsUnavailable(err) {
			cfg.Logger.Warn("store reconnect request failed", "err", err)
		}
	}
}

// retry runs fn up to SeedAttempts times, each bounded by SeedTimeout and
// separated by SeedDelay.
func retry(ctx context.Context, cfg Config, step string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.SeedAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.SeedTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			metrics.BootstrapAttempts.WithLabelValues(step, "ok").Inc()
			return nil
		}
		metrics.BootstrapAttempts.WithLabelValues(step, "error").Inc()
		lastErr = err
		cfg.Logger.Warn("bootstrap step failed", "step", step, "attempt", attempt, "max", cfg.SeedAttempts, "err", err)
		if attempt == cfg.SeedAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.SeedDelay):
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, step, lastErr)
}
