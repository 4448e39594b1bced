package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/petrijr/reflow"
	"github.com/petrijr/reflow/internal/config"
	"github.com/petrijr/reflow/internal/httpapi"
	"github.com/petrijr/reflow/pkg/metrics"
	"github.com/petrijr/reflow/pkg/worker"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting reflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("store", cfg.Store))

	obs := metrics.NewPrometheusObserver()

	var (
		eng   reflow.Engine
		queue reflow.Queue
		db    *sql.DB
	)

	switch cfg.Store {
	case "memory":
		eng, queue = reflow.NewInMemoryEngineWithObserver(obs)

	case "sqlite":
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			logger.Fatal("failed to open sqlite database", zap.Error(err))
		}
		// modernc sqlite handles one writer at a time.
		db.SetMaxOpenConns(1)

		eng, queue, err = reflow.NewSQLiteEngineWithObserver(db, obs)
		if err != nil {
			logger.Fatal("failed to create sqlite engine", zap.Error(err))
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))

	case "redis":
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		eng, queue = reflow.NewRedisEngineWithObserver(redisClient, obs)
	}

	if err := registerExtractionWorkflows(eng, logger, cfg.RecurrenceInterval); err != nil {
		logger.Fatal("failed to register workflows", zap.Error(err))
	}

	ctx := context.Background()

	// Re-arm timers that were pending when the process last stopped,
	// before any worker can race with them.
	recovered, err := reflow.RecoverTimers(ctx, eng)
	if err != nil {
		logger.Fatal("timer recovery failed", zap.Error(err))
	}
	if recovered > 0 {
		logger.Info("recovered durable timers", zap.Int("count", recovered))
	}

	w, err := worker.New(eng, queue)
	if err != nil {
		logger.Fatal("failed to create worker", zap.Error(err))
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(cfg.Workers.PoolSize)
	for i := 0; i < cfg.Workers.PoolSize; i++ {
		go func() {
			defer wg.Done()
			runWorker(workerCtx, w, logger)
		}()
	}

	httpServer := httpapi.NewServer(&httpapi.Config{
		Port:          cfg.HTTPPort,
		Client:        eng,
		Logger:        logger,
		Orchestration: "Orchestrator",
	})

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("reflow started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.Duration("recurrence_interval", cfg.RecurrenceInterval))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	stopWorkers()
	wg.Wait()

	if err := eng.Close(); err != nil {
		logger.Error("engine close error", zap.Error(err))
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Error("database close error", zap.Error(err))
		}
	}

	logger.Info("reflow shut down complete")
}

// runWorker processes tasks until ctx is cancelled. Task-level errors are
// logged and the loop continues; only cancellation stops it.
func runWorker(ctx context.Context, w *worker.Worker, logger *zap.Logger) {
	for {
		if _, err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("worker task error", zap.Error(err))
		}
	}
}

// initLogger initializes the logger based on log level.
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
