package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/audit"
	"github.com/xela07ax/wagate/internal/breaker"
	"github.com/xela07ax/wagate/internal/events"
	"github.com/xela07ax/wagate/internal/gateway"
	"github.com/xela07ax/wagate/internal/infra"
	"github.com/xela07ax/wagate/internal/infra/auth"
	"github.com/xela07ax/wagate/internal/queue"
	"github.com/xela07ax/wagate/internal/ratelimit"
	"github.com/xela07ax/wagate/internal/repository/postgres"
	"github.com/xela07ax/wagate/internal/server"
	"github.com/xela07ax/wagate/internal/wa"
	"github.com/xela07ax/wagate/internal/webhook"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизни фоновых горутин: cancel() по SIGTERM гасит
	// слушателей и воркеров
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	db, err := postgres.Open(cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer db.Close()

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("failed to parse operator public key", zap.Error(err))
	}

	// 3. Аудит: канал -> пачки -> постгрес
	auditRepo := postgres.NewAuditRepo(db)
	trail := audit.NewTrail(auditRepo, logger,
		cfg.Audit.BufferSize, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	trail.Start()

	// 4. Метрики и предохранители. Регистрируем в дефолтном реестре:
	// его отдает отдельный слушатель /metrics (см. этап 9)
	metrics := gateway.NewMetrics(prometheus.DefaultRegisterer)
	breakers := breaker.NewRegistry(logger, metrics.ObserveBreakerState)
	breakers.Register("postgres", breakerSettings(cfg.Breakers.Postgres))
	breakers.Register("redis", breakerSettings(cfg.Breakers.Redis))
	breakers.Register(wa.BreakerWhatsApp, breakerSettings(cfg.Breakers.WhatsApp))

	// 5. Лимитер с фоновым выселением простаивающих identity
	limiter := ratelimit.NewLimiter(logger)
	limiter.StartSweeper(appCtx, cfg.RateLimit.SweepInterval, cfg.RateLimit.IdleAfter)

	agentTier := tierConfig(cfg.RateLimit.Agent)
	restTier := tierConfig(cfg.RateLimit.Rest)
	if err := ratelimit.EnsureStricter(agentTier, restTier); err != nil {
		logger.Fatal("invalid rate limit config", zap.Error(err))
	}

	// 6. Control plane: kill-switch и динамический denylist.
	// Источник правды блокировок — постгрес, Redis греется из него
	blockRepo := postgres.NewBlocklistRepo(db)
	killSwitch := gateway.NewKillSwitch(rdb, blockRepo, logger)
	if err := killSwitch.Init(appCtx); err != nil {
		logger.Fatal("failed to init kill-switch", zap.Error(err))
	}
	go killSwitch.StartListener(appCtx)

	policy := gateway.NewPolicy(cfg.Gateway.Allowlist, cfg.Gateway.Denylist)
	go gateway.StartDenylistListener(appCtx, rdb, logger, policy)

	// 7. Доменный слой: события, очередь, сессии, возможности
	bus := events.NewBus(rdb, infra.RedisChanEvents, logger)

	jobs := queue.New(queue.Config{
		Concurrency:    cfg.Queue.Concurrency,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BaseRetryDelay: cfg.Queue.BaseRetryDelay,
		HandlerTimeout: cfg.Queue.HandlerTimeout,
		DispatchRate:   cfg.Queue.DispatchRate,
		DispatchBurst:  cfg.Queue.DispatchBurst,
	}, logger)

	sessions := wa.NewManager(wa.NewMockFactory(), logger, func(evt wa.TransportEvent) {
		bus.Emit(evt.Name, evt.Payload)
	})

	registry := gateway.NewRegistry()
	waService := wa.NewService(sessions, jobs, bus, breakers, logger)
	waService.Register(registry)
	registry.Seal()

	dispatcher := webhook.NewDispatcher(cfg.Webhook.URLs, jobs, cfg.Webhook.DeliveryTimeout, logger)
	dispatcher.Attach(bus)

	bus.Start()
	jobs.Start(appCtx)

	// Сатурационные гейджи снимаются опросом
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				s := jobs.Stats()
				metrics.QueueDepth.WithLabelValues("pending").Set(float64(s.Pending))
				metrics.QueueDepth.WithLabelValues("processing").Set(float64(s.Processing))
				metrics.QueueDepth.WithLabelValues("retrying").Set(float64(s.Retrying))
				metrics.QueueDepth.WithLabelValues("dead").Set(float64(s.Dead))
				metrics.AuditBufferFill.Set(float64(trail.Fill()))
				metrics.RateLimitEntries.Set(float64(limiter.Size()))
			}
		}
	}()

	// 8. Шлюз: единственная точка входа к возможностям
	gw := gateway.New(registry, policy, killSwitch, limiter,
		agentTier, restTier, breakers, trail, metrics, logger)

	// 9. HTTP-слой: оба адаптера и админка
	keyRepo := postgres.NewAPIKeyRepo(db)
	srv := server.New(logger, server.Deps{
		Gateway:    gw,
		Registry:   registry,
		Policy:     policy,
		KillSwitch: killSwitch,
		Breakers:   breakers,
		Queue:      jobs,
		Keys:       keyRepo,
		Validator:  auth.NewBaseValidator(pubKey),
		Auditor:    trail,
		AuditLog:   auditRepo,
		Redis:      rdb,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("gateway started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// Метрики на отдельном порту: публичный роутер их не видит
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("metrics started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics listen failed", zap.Error(err))
		}
	}()

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("gateway stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	// Гасим фоновые циклы, дожидаемся воркеров и доставки буферов
	cancel()
	jobs.Stop()
	bus.Stop()
	sessions.CloseAll(shutdownCtx)
	trail.Stop()

	logger.Info("gateway exited properly")
}

func breakerSettings(c infra.BreakerConfig) breaker.Settings {
	return breaker.Settings{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
		HalfOpenRequests: c.HalfOpenRequests,
	}
}

func tierConfig(c infra.TierConfig) ratelimit.Config {
	return ratelimit.Config{
		Window:      c.Window,
		Limit:       c.Limit,
		BurstWindow: c.BurstWindow,
		BurstLimit:  c.BurstLimit,
	}
}
