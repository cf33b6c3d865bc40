package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-tracker/internal/audit"
	"call-tracker/internal/auth"
	"call-tracker/internal/calls"
	"call-tracker/internal/config"
	"call-tracker/internal/httpapi"
	"call-tracker/internal/publisher"
	"call-tracker/internal/reconcile"
	"call-tracker/internal/reporting"
	"call-tracker/internal/telemetry"
	"call-tracker/pkg/logger"
	"call-tracker/pkg/retry"
	"call-tracker/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PoolConfig{PingAttempts: 5})
	if err != nil {
		return err
	}
	defer db.Close()

	var limiter httpapi.RateCounter
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return err
		}
		defer rdb.Close()
		limiter = utils.NewRateLimiter(rdb, cfg.Redis.RateLimit, cfg.Redis.RateWindow)
	} else {
		log.Info("redis not configured, rate limiting disabled")
	}

	var notifier *publisher.Notifier
	if cfg.MQTTEnabled() {
		pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			QoS:      byte(cfg.MQTT.QoS),
			Log:      logger.Component(log, "mqtt"),
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		notifier = publisher.NewNotifier(pub, cfg.MQTT.TopicPrefix)
		log.Info("mqtt notifications enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	repo := calls.NewPostgresRepo(db, cfg.DB.QueryTimeout)
	trail := audit.NewService(audit.NewPostgresRepo(db, cfg.DB.QueryTimeout))

	h := httpapi.Handlers{
		Auth: authManager,
		Calls: calls.NewService(repo,
			calls.WithLogger(logger.Component(log, "calls")),
			calls.WithNotifier(notifier),
			calls.WithTelemetry(metrics),
		),
		Reporting: reporting.NewService(repo, retry.Policy{
			MaxAttempts: cfg.Metrics.RetryAttempts,
			BaseDelay:   cfg.Metrics.RetryBaseDelay,
		}, logger.Component(log, "reporting")),
		Reconciler: reconcile.New(repo,
			reconcile.WithLogger(logger.Component(log, "reconcile")),
			reconcile.WithNotifier(notifier),
			reconcile.WithTelemetry(metrics),
			reconcile.WithAudit(trail),
			reconcile.WithRetryPolicy(retry.Policy{
				MaxAttempts: cfg.Reconcile.RetryAttempts,
				BaseDelay:   cfg.Reconcile.RetryBaseDelay,
			}),
		),
		Audit: trail,
		Ping: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, db, 2*time.Second)
		},
		ExposeErrorDetails: !cfg.IsProduction(),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, routeDeps{
		APIKey:    auth.RequireAPIKey(cfg.Auth.APIKey),
		Access:    auth.RequireAccessToken(authManager),
		RateLimit: httpapi.RateLimit(limiter, cfg.Redis.RateLimit, cfg.Auth.APIKey),
		Gatherer:  reg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Reconcile.Interval > 0 {
		g.Go(func() error {
			log.Info("reconciler started", "interval", cfg.Reconcile.Interval)
			if err := h.Reconciler.Run(gctx, cfg.Reconcile.Interval); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	return g.Wait()
}
