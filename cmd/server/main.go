package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/split-settlement/internal/api"
	"github.com/honeynil/split-settlement/internal/config"
	"github.com/honeynil/split-settlement/internal/gateway"
	"github.com/honeynil/split-settlement/internal/handler"
	"github.com/honeynil/split-settlement/internal/infrastructure/kafka"
	"github.com/honeynil/split-settlement/internal/infrastructure/redis"
	"github.com/honeynil/split-settlement/internal/observability"
	core "github.com/honeynil/split-settlement/internal/repository/postgres"
	service "github.com/honeynil/split-settlement/internal/services"
	_ "github.com/lib/pq"
)

const subscriptionPurchase = "subscription-purchase"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Логи, метрики, трейсы
	shutdownTracing, metricsServer, err := observability.Setup(ctx, "split-settlement", cfg)
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("tracer shutdown failed", "error", err)
		}
	}()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	if err := core.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	gw := gateway.NewPaystack(gateway.PaystackConfig{
		BaseURL:       cfg.GatewayBaseURL,
		SecretKey:     cfg.GatewaySecretKey,
		CallbackURL:   cfg.GatewayCallbackURL,
		Timeout:       cfg.GatewayTimeout,
		// Verify attempts share the orchestrator's verify deadline below.
		VerifyRetries: 2,
	})

	groups := core.NewPostgresGroupRepository(db)
	svc := service.NewSettlementService(
		core.NewPostgresInstrumentRepository(db),
		core.NewPostgresTransactionRepository(db),
		groups,
		core.NewTxManager(db),
		gw,
		service.WithFeePercent(cfg.FeePercent),
		service.WithResultCache(redisClient),
		service.WithEventPublisher(producer, cfg.KafkaEventsTopic),
		service.WithVerifyTimeout(cfg.VerifyTimeout),
		service.WithFinalizeLease(cfg.FinalizeLease),
	)
	svc.RegisterSideEffect(subscriptionPurchase, service.PublishingSideEffect(producer, cfg.KafkaSideEffectTopic))

	receiver := service.NewWebhookReceiver(gw, svc)
	if cfg.KafkaWebhookTopic != "" {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaWebhookTopic, "split-settlement-webhooks", receiver)
		defer consumer.Close()
		go consumer.Consume(ctx)
	}

	sweeper := service.NewSweeper(groups, svc, redisClient, cfg.SweepInterval, cfg.SweepMinAge)
	go sweeper.Run(ctx)

	router := api.SetupRouter(handler.NewHandler(svc, receiver), redisClient, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go serve(metricsServer)
	go serve(server)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", "error", err)
	}
	slog.Info("server stopped")
}

func serve(s *http.Server) {
	slog.Info("starting server", "addr", s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "addr", s.Addr, "error", err)
		os.Exit(1)
	}
}
