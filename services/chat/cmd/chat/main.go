package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/selzzaf/desktopchatapp/internal/ratelimit"
	"github.com/selzzaf/desktopchatapp/internal/util"
	"github.com/selzzaf/desktopchatapp/pkg/pushbus"
	"github.com/selzzaf/desktopchatapp/pkg/session"
	"github.com/selzzaf/desktopchatapp/pkg/treestore"
	"github.com/selzzaf/desktopchatapp/services/chat/internal/app"
	"github.com/selzzaf/desktopchatapp/services/chat/internal/bootstrap"
	"github.com/selzzaf/desktopchatapp/services/chat/internal/config"
	"github.com/selzzaf/desktopchatapp/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "chat", cfg.LogsDir, "../../logs")
	if cleanup != nil {
		defer cleanup()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	durations := make(map[string]time.Duration)
	for name, raw := range map[string]string{
		"storePingInterval": cfg.StorePingInterval,
		"storeOpTimeout":    cfg.StoreOpTimeout,
		"sessionTTL":        cfg.SessionTTL,
		"jwtLeeway":         cfg.JWTLeeway,
		"idleTimeout":       cfg.IdleTimeout,
		"idleSweepInterval": cfg.IdleSweepInterval,
		"reconnectBackoff":  cfg.ReconnectBackoff,
		"seedRetryDelay":    cfg.SeedRetryDelay,
		"seedTimeout":       cfg.SeedTimeout,
	} {
		d, err := config.ParseDuration(name, raw)
		if err != nil {
			util.Fatal("failed to parse duration", "field", name, "err", err)
		}
		durations[name] = d
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	tokens, err := newTokenManager(cfg, durations["sessionTTL"], durations["jwtLeeway"], session.NewRedisRevoker(redisClient, "chat:revoked"))
	if err != nil {
		util.Fatal("failed to init token manager", "err", err)
	}

	store, err := bootstrap.Connect(ctx, treestore.Config{
		URL:             cfg.StoreURL,
		CredentialsFile: cfg.StoreCredentialsPath,
		KeyPrefix:       cfg.StoreKeyPrefix,
		PingInterval:    durations["storePingInterval"],
		OpTimeout:       durations["storeOpTimeout"],
		Logger:          logger,
	}, bootstrap.Config{
		MaxRetries:   cfg.ReconnectMaxRetries,
		Backoff:      durations["reconnectBackoff"],
		SeedAttempts: cfg.SeedMaxAttempts,
		SeedDelay:    durations["seedRetryDelay"],
		SeedTimeout:  durations["seedTimeout"],
		Logger:       logger,
	})
	if err != nil {
		util.Fatal("failed to bootstrap store", "err", err)
	}
	defer store.Close()

	busURL := cfg.BusURL
	if busURL == "" {
		busURL = "redis://" + cfg.RedisAddr
	}
	bus, err := pushbus.Open(ctx, pushbus.Config{URL: busURL, Prefix: cfg.BusPrefix, Redis: redisClient})
	if err != nil {
		util.Fatal("failed to open push bus", "err", err)
	}
	defer bus.Close()

	var activity *app.IdleTracker
	if durations["idleTimeout"] > 0 {
		activity, err = app.NewIdleTracker(redisClient, "chat:activity", durations["idleTimeout"])
		if err != nil {
			util.Fatal("failed to init idle tracker", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:    store,
		Bus:      bus,
		Tokens:   tokens,
		Activity: activity,
		Logger:   logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()
	go appCore.RunIdleSweeper(ctx, durations["idleSweepInterval"])

	signupLimiter, err := newLimiter(redisClient, "signup", cfg.SignupRateLimitPerMinute)
	if err != nil {
		util.Fatal("failed to init signup limiter", "err", err)
	}
	loginLimiter, err := newLimiter(redisClient, "login", cfg.LoginRateLimitPerMinute)
	if err != nil {
		util.Fatal("failed to init login limiter", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Bus:            bus,
		Ready:          store.Connected,
		JWKS:           tokens.JWKS,
		SignupLimiter:  signupLimiter,
		LoginLimiter:   loginLimiter,
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "err", err)
		}
	}()

	slog.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func newTokenManager(cfg config.FileConfig, ttl, leeway time.Duration, revoker session.Revoker) (*session.Manager, error) {
	opts := session.Options{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	}
	if cfg.JWTPrivateKeyPath == "" {
		return session.NewHS512([]byte(cfg.JWTSecret), ttl, revoker, opts)
	}
	verifyFiles, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		return nil, err
	}
	return session.NewRS256FromPEM(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTKeyID, verifyFiles, ttl, revoker, opts)
}

// newLimiter returns nil when perMinute is zero, which disables the limit.
func newLimiter(client *redis.Client, scope string, perMinute int) (*ratelimit.FixedWindowLimiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	return ratelimit.NewFixedWindowLimiter(client, "chat:ratelimit", scope, perMinute, time.Minute)
}
