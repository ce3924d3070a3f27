package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/guest-messaging/internal/api"
	"github.com/LeventeLantos/guest-messaging/internal/cache"
	"github.com/LeventeLantos/guest-messaging/internal/compose"
	"github.com/LeventeLantos/guest-messaging/internal/config"
	"github.com/LeventeLantos/guest-messaging/internal/dispatch"
	"github.com/LeventeLantos/guest-messaging/internal/gateway"
	"github.com/LeventeLantos/guest-messaging/internal/live"
	"github.com/LeventeLantos/guest-messaging/internal/logger"
	"github.com/LeventeLantos/guest-messaging/internal/metrics"
	"github.com/LeventeLantos/guest-messaging/internal/reconcile"
	"github.com/LeventeLantos/guest-messaging/internal/recipient"
	"github.com/LeventeLantos/guest-messaging/internal/repo"
	"github.com/LeventeLantos/guest-messaging/internal/retry"
	"github.com/LeventeLantos/guest-messaging/internal/scheduler"
	"github.com/LeventeLantos/guest-messaging/internal/sideeffect"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("guest messaging stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repo.Connect(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	var tags compose.TagSource = store
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache falls through to Postgres, so a cold Redis is not fatal.
			log.Warn("redis ping failed; tag cache will fall through", "addr", cfg.Redis.Address, "error", err)
		}
		tags = cache.NewTagCache(rdb, cfg.Redis.TTL, store, log)
	}

	gw, err := newGateway(cfg.SMS)
	if err != nil {
		return err
	}

	metrics.Register(prometheus.DefaultRegisterer)

	hub := live.NewHub(0)
	resolver := recipient.NewResolver(store)
	composer := compose.New(tags, store, compose.Options{
		BrandName:        cfg.SMS.BrandName,
		BrandingDisabled: cfg.SMS.BrandingDisabled,
	})
	retries := retry.NewManager(retry.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      0.1,
	})

	worker := dispatch.NewWorker(store, resolver, composer, gw, retries,
		sideeffect.LogEmitter{Logger: log}, log,
		dispatch.Options{BatchSize: cfg.Scheduler.BatchSize, MaxChars: cfg.SMS.MaxChars},
	)
	reconciler := reconcile.New(store, hub, log)

	deps := api.Deps{
		Dispatcher:       worker,
		Resolver:         resolver,
		Reconciler:       reconciler,
		Live:             hub,
		CronSecret:       cfg.Server.CronSecret,
		WebhookAuthToken: cfg.SMS.AuthToken,
		WebhookURL:       cfg.SMS.WebhookPublicURL,
		Logger:           log,
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(cfg.Scheduler.Interval, cfg.Scheduler.Interval, func(ctx context.Context) error {
			_, err := worker.RunTick(ctx)
			return err
		}, log)
		if err != nil {
			return err
		}
		deps.Scheduler = sched
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(api.NewHandler(deps))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("guest messaging starting",
		"addr", cfg.Server.Address,
		"provider", gw.Name(),
		"scheduler", cfg.Scheduler.Enabled,
		"interval", cfg.Scheduler.Interval.String(),
		"batch", cfg.Scheduler.BatchSize,
		"redis", cfg.Redis.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if sched != nil {
		sched.Start()
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		if sched != nil {
			sched.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newGateway(cfg config.SMSConfig) (gateway.Gateway, error) {
	switch cfg.Provider {
	case "twilio":
		return gateway.NewTwilio(gateway.TwilioConfig{
			AccountSID:          cfg.AccountSID,
			AuthToken:           cfg.AuthToken,
			FromNumber:          cfg.FromNumber,
			MessagingServiceSID: cfg.MessagingServiceSID,
			StatusCallbackURL:   cfg.StatusCallbackURL,
			RatePerSecond:       cfg.RatePerSecond,
			Concurrency:         cfg.Concurrency,
		}), nil
	case "http":
		return gateway.NewHTTP(cfg.GatewayURL, cfg.RatePerSecond, cfg.Concurrency), nil
	default:
		return nil, fmt.Errorf("unknown sms provider %q", cfg.Provider)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// The wrapper keeps http.Hijacker so websocket upgrades still work.
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
