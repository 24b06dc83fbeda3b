package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/reelrelay/engine/pkg/api"
	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/common/clock"
	"github.com/reelrelay/engine/pkg/common/config"
	"github.com/reelrelay/engine/pkg/common/database"
	"github.com/reelrelay/engine/pkg/common/kafka"
	"github.com/reelrelay/engine/pkg/common/logger"
	"github.com/reelrelay/engine/pkg/errclass"
	"github.com/reelrelay/engine/pkg/health"
	"github.com/reelrelay/engine/pkg/quota"
	"github.com/reelrelay/engine/pkg/recovery"
	"github.com/reelrelay/engine/pkg/scheduler"
)

const (
	tickLockKey  = "engine:tick:lock"
	probeLockKey = "engine:probe:lock"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	channelRepo := channel.NewRepository(db)
	quotaRepo := quota.NewRepository(db)
	healthRepo := health.NewRepository(db)
	schedRepo := scheduler.NewRepository(db)
	if err := channelRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate channel tables")
	}
	if err := quotaRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate quota tables")
	}
	if err := healthRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate health tables")
	}
	if err := schedRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate scheduler tables")
	}

	redisClient := database.GetRedis()

	producer := kafka.NewProducer(cfg.EngineEventTopic)
	defer producer.Close()

	classifier, err := errclass.LoadFromFile(cfg.ClassifierRulesPath)
	if err != nil {
		logger.Log.WithError(err).WithField("path", cfg.ClassifierRulesPath).
			Warn("failed to load classifier rules, using defaults")
		classifier = errclass.New()
	}

	clk := clock.System()
	quotaSvc := quota.NewService(quotaRepo, cfg.QuotaDailyLimit, cfg.UploadCost, clk)
	healthSvc := health.NewService(healthRepo, clk, cfg.CircuitFailureThreshold, cfg.CircuitCooldown, producer)
	selector := channel.NewSelector(channelRepo, quotaSvc, healthSvc)

	evaluator := scheduler.NewEvaluator(clk)
	picker := scheduler.NewPicker(schedRepo, cfg.VideoBatchSize, producer)
	writer := scheduler.NewWriter(schedRepo, channelRepo, cfg.MaxRetries)
	orchestrator := scheduler.NewOrchestrator(schedRepo, evaluator, selector, picker, writer, producer, clk)
	outcomes := scheduler.NewOutcomeService(schedRepo, channelRepo, quotaSvc, healthSvc, classifier, clk, producer)

	refresher := recovery.NewTokenRefresher(cfg.TokenURL, cfg.RefreshTimeout)
	probe := recovery.NewCapabilityProbe(cfg.ProbeURL, cfg.ProbeTimeout)
	prober := recovery.NewProber(channelRepo, healthSvc, refresher, probe, classifier, clk,
		cfg.ProberBatchSize, cfg.ProberBudget, cfg.TokenRefreshWindow)

	cache := api.NewRedisStatusCache(redisClient, cfg.StatusCacheTTL)
	handler := api.NewHandler(orchestrator, prober, healthSvc, quotaSvc, channelRepo, outcomes, cache)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api/v1/engine").Subrouter()
	handler.Register(apiRouter)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runTicker(ctx, "scheduling tick", cfg.TickInterval, redisClient, tickLockKey, func(ctx context.Context) {
		summary, err := orchestrator.Tick(ctx)
		if err != nil {
			logger.Log.WithError(err).Error("scheduling tick failed")
			return
		}
		logger.Log.WithFields(map[string]interface{}{
			"schedules": summary.Schedules,
			"queued":    summary.Queued,
			"skipped":   summary.Skipped,
			"errors":    summary.Errors,
			"duration":  summary.Duration,
		}).Info("scheduling tick completed")
	})

	go runTicker(ctx, "probe tick", cfg.ProberInterval, redisClient, probeLockKey, func(ctx context.Context) {
		summary, err := prober.ProbeTick(ctx)
		if err != nil {
			logger.Log.WithError(err).Error("probe tick failed")
			return
		}
		logger.Log.WithFields(map[string]interface{}{
			"checked":   summary.Checked,
			"recovered": summary.Recovered,
			"skipped":   summary.Skipped,
			"failed":    summary.Failed,
			"refreshed": summary.Refreshed,
			"duration":  summary.Duration,
		}).Info("probe tick completed")
	})

	go func() {
		logger.Log.WithField("addr", address).Info("publish engine listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start engine server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down publish engine...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("engine server forced to shutdown")
	}
	logger.Log.Info("Publish engine stopped")
}

// runTicker runs fn on the given interval, guarded by a best-effort Redis
// lock so overlapping deployments do not run the same pass twice. Losing the
// lock race skips the round; the next interval tries again.
func runTicker(ctx context.Context, name string, interval time.Duration, client *redis.Client,
	lockKey string, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lockTTL := interval - time.Second
	if lockTTL <= 0 {
		lockTTL = interval
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acquired, err := client.SetNX(ctx, lockKey, "1", lockTTL).Result()
			if err != nil {
				logger.Log.WithError(err).WithField("pass", name).
					Warn("tick lock unavailable, running without it")
			} else if !acquired {
				continue
			}
			fn(ctx)
		}
	}
}
