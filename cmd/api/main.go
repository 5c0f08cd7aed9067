package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/companionhq/quotaservice/internal/api"
	"github.com/companionhq/quotaservice/internal/auth"
	"github.com/companionhq/quotaservice/internal/config"
	"github.com/companionhq/quotaservice/internal/database"
	"github.com/companionhq/quotaservice/internal/events"
	mw "github.com/companionhq/quotaservice/internal/middleware"
	inats "github.com/companionhq/quotaservice/internal/nats"
	"github.com/companionhq/quotaservice/internal/quota"
	iredis "github.com/companionhq/quotaservice/internal/redis"
	"github.com/companionhq/quotaservice/internal/server"
	"github.com/companionhq/quotaservice/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("quota service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// PostgreSQL
	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		return err
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		if cfg.Quota.Store == config.StoreRedis {
			return err
		}
		slog.Warn("redis unavailable, rate limiting disabled", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	checks := []api.ReadinessCheck{
		{Name: "database", Check: func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }},
	}
	if redisClient != nil {
		checks = append(checks, api.ReadinessCheck{
			Name:     "redis",
			Check:    func(ctx context.Context) error { return iredis.HealthCheck(ctx, redisClient) },
			Optional: cfg.Quota.Store != config.StoreRedis,
		})
	}

	var opts []quota.Option
	var consumer *events.Consumer
	eventRepo := events.NewRepository(pool)

	// NATS
	if cfg.NATS.Enabled {
		natsClient, err := inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Warn("nats unavailable, quota events disabled", "error", err)
		} else {
			defer natsClient.Close()
			opts = append(opts, quota.WithEventPublisher(inats.NewPublisher(natsClient.JetStream())))
			consumer = events.NewConsumer(eventRepo, inats.NewConsumerManager(natsClient.JetStream()))
			checks = append(checks, api.ReadinessCheck{
				Name: "nats",
				Check: func(context.Context) error {
					if !natsClient.Healthy() {
						return errors.New("nats disconnected")
					}
					return nil
				},
				Optional: true,
			})
		}
	}

	store := newStore(cfg.Quota.Store, pool, redisClient)

	userRepo := users.NewRepository(pool)
	quotaSvc := quota.NewService(store, userRepo, quota.PoliciesFromConfig(cfg.Quota), cfg.Quota.MaxAmount, opts...)
	quotaHandler := quota.NewHandler(quotaSvc, eventRepo)

	verifier := auth.NewVerifier(cfg.JWT.AccessSecret, cfg.JWT.Issuer)

	routerCfg := api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		Checks:             checks,
	}
	if redisClient != nil {
		limiter := mw.NewRateLimiter(redisClient, "api", cfg.RateLimit.Requests, cfg.RateLimit.Window, byUserOrIP)
		routerCfg.RateLimiter = limiter.Middleware
	}

	router := api.NewRouter(routerCfg, api.HandlerSet{
		GetQuotas:       quotaHandler.GetQuotas,
		ConsumeQuota:    quotaHandler.Consume,
		ListQuotaEvents: quotaHandler.ListEvents,

		InternalGetQuotas:    quotaHandler.InternalGetQuotas,
		InternalConsumeQuota: quotaHandler.InternalConsume,

		AuthMiddleware:        auth.Middleware(verifier),
		InternalKeyMiddleware: mw.InternalAPIKey(cfg.Internal.APIKey),
	})

	g, ctx := errgroup.WithContext(ctx)

	srv := server.New(cfg.Server, router)
	g.Go(func() error { return srv.Run(ctx) })

	if consumer != nil {
		g.Go(func() error { return consumer.Start(ctx) })
	}

	return g.Wait()
}

func newStore(kind string, pool *pgxpool.Pool, redisClient *goredis.Client) quota.Store {
	switch kind {
	case config.StoreRedis:
		return quota.NewRedisStore(redisClient)
	case config.StoreMemory:
		slog.Warn("using in-memory quota store, state is lost on restart")
		return quota.NewMemoryStore()
	default:
		return quota.NewPostgresStore(pool)
	}
}

// byUserOrIP buckets authenticated API traffic per user.
func byUserOrIP(r *http.Request) string {
	if id, ok := auth.UserID(r.Context()); ok {
		return "user:" + id.String()
	}
	return mw.ByIP(r)
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
