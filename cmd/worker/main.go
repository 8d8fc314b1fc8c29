package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/iago/content-worker/internal/config"
	"github.com/iago/content-worker/internal/executor"
	httpserver "github.com/iago/content-worker/internal/http"
	"github.com/iago/content-worker/internal/http/handlers"
	"github.com/iago/content-worker/internal/provider"
	"github.com/iago/content-worker/internal/queue"
	"github.com/iago/content-worker/internal/ratelimit"
	"github.com/iago/content-worker/internal/repository"
	"github.com/iago/content-worker/internal/service"
	"github.com/iago/content-worker/internal/status"
	"github.com/iago/content-worker/internal/twophase"
	"github.com/iago/content-worker/internal/worker"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "content-worker").Logger()
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Warn().Err(err).Msg("failed loading .env files")
	}
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	limiterConfigs, err := config.LoadLimiters(cfg.LimitersFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.LimitersFile).Msg("invalid limiter configuration")
	}
	limiters, err := ratelimit.NewRegistry(limiterConfigs...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build rate limiters")
	}
	defer limiters.Close()

	executors := executor.NewRegistry()
	client := provider.NewClient(provider.ClientConfig{
		APIKey:  cfg.ProviderAPIKey,
		BaseURL: cfg.ProviderBaseURL,
		Timeout: cfg.ProviderTimeout,
	})
	if !client.Available() {
		logger.Warn().Msg("PROVIDER_API_KEY not configured, provider calls will fail")
	}
	if err := provider.Register(executors, client); err != nil {
		logger.Fatal().Err(err).Msg("failed to register executors")
	}
	for _, name := range executors.Services() {
		if _, ok := limiters.Get(name); !ok {
			logger.Warn().Str("limiter_service", name).Msg("no limiter configured, tasks for this service will fail")
		}
	}

	local := queue.NewLocalNotifier()
	notifier, notifierCloser, subscriber := setupNotifier(ctx, cfg, logger, local)
	defer notifierCloser()

	jobsService := service.NewJobsService(store, notifier, executors, logger)
	api := handlers.NewAPI(jobsService, limiters)
	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	var background sync.WaitGroup
	if cfg.WorkerEnabled {
		adapter := twophase.NewAdapter(store, executors, limiters, twophase.Options{MaxWait: cfg.TwoPhaseMaxWait}, logger)
		if loaded, err := adapter.Rehydrate(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to reload in-flight handles")
		} else if loaded > 0 {
			logger.Info().Int("handles", loaded).Msg("in-flight handles reloaded")
		}

		loop := worker.NewLoop(worker.Config{
			MaxTotal:      cfg.WorkerMaxTotal,
			MaxPerTenant:  cfg.WorkerMaxPerTenant,
			TickInterval:  cfg.WorkerTick,
			Backoff:       cfg.WorkerBackoff,
			PollInterval:  cfg.PollInterval,
			PollBatchSize: cfg.PollBatchSize,
		}, worker.Dependencies{
			Claimer:   queue.NewCoordinator(store, logger),
			Store:     store,
			Executors: executors,
			Limiters:  limiters,
			TwoPhase:  adapter,
			Status:    status.NewAggregator(store, logger),
			Logger:    logger,
		})
		local.Attach(loop)

		background.Add(1)
		go func() {
			defer background.Done()
			loop.Start(ctx)
		}()
		if subscriber != nil {
			background.Add(1)
			go func() {
				defer background.Done()
				subscribeWake(ctx, subscriber, loop, logger)
			}()
		}
	} else {
		logger.Info().Msg("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("http listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	background.Wait()
}

func setupStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (repository.TaskStore, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not configured, using in-memory task store")
		return repository.NewMemoryTaskStore(), func() {}
	}

	pgStore, err := repository.NewPostgresTaskStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize postgres task store, fallback to memory")
		return repository.NewMemoryTaskStore(), func() {}
	}
	logger.Info().Msg("postgres task store initialized")
	return pgStore, pgStore.Close
}

func setupNotifier(
	ctx context.Context,
	cfg config.Config,
	logger zerolog.Logger,
	local *queue.LocalNotifier,
) (queue.Notifier, func(), *queue.RedisNotifier) {
	if cfg.RedisAddr == "" {
		logger.Info().Msg("REDIS_ADDR not configured, wake signals stay in process")
		return local, func() {}, nil
	}

	hostname, _ := os.Hostname()
	redisNotifier, err := queue.NewRedisNotifier(ctx, queue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Channel:  cfg.RedisWakeChannel,
		Source:   hostname,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize redis wake channel, fallback to local")
		return local, func() {}, nil
	}
	logger.Info().Str("channel", cfg.RedisWakeChannel).Msg("redis wake channel initialized")
	return redisNotifier, func() { _ = redisNotifier.Close() }, redisNotifier
}

func subscribeWake(ctx context.Context, subscriber *queue.RedisNotifier, target queue.Waker, logger zerolog.Logger) {
	for ctx.Err() == nil {
		err := subscriber.Subscribe(ctx, target)
		if err == nil || ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("wake subscription dropped, retrying")

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
