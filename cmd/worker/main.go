package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/queryshift/queryshift/internal/config"
	"github.com/queryshift/queryshift/internal/dispatch"
	"github.com/queryshift/queryshift/internal/executor"
	"github.com/queryshift/queryshift/internal/lock"
	"github.com/queryshift/queryshift/internal/migration"
	"github.com/queryshift/queryshift/internal/session"
	"github.com/queryshift/queryshift/internal/storage"
	"github.com/queryshift/queryshift/internal/transpile"
	"github.com/queryshift/queryshift/internal/warehouse"
	"github.com/queryshift/queryshift/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration.
	cfg := config.Load()

	// Initialize the catalog database connection.
	db, err := sql.Open("postgres", cfg.CatalogURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the catalog database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping catalog database")
	}

	// Run catalog migrations.
	migration.RunMigrations(cfg.CatalogURL)

	catalog := warehouse.NewPostgresCatalog(db)
	if _, err := catalog.EnsureTable(context.Background(), cfg.Warehouse.TableName); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register result table")
	}

	// Initialize Redis for session state and the append lock.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// The append lock degrades to a process-local lock when Redis is
	// unreachable; appends from other workers are then unprotected and rely
	// on catalog conflict retries alone.
	var locker lock.Locker = lock.NewRedisLocker(redisClient)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unreachable, using process-local append lock")
		locker = lock.NewLocalLocker()
	}

	// Object storage for the result table's data files.
	objectStore, err := storage.NewObjectStore(storage.Config{
		Backend:  cfg.Warehouse.Backend,
		LocalDir: cfg.Warehouse.LocalDir,
		Bucket:   cfg.Warehouse.Bucket,
		Prefix:   cfg.Warehouse.Prefix,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open object storage")
	}
	defer objectStore.Close()

	writer := warehouse.NewWriter(catalog, objectStore, locker, warehouse.WriterConfig{
		Table:          cfg.Warehouse.TableName,
		LockTimeout:    cfg.Warehouse.LockTimeout,
		MaxRetries:     cfg.Warehouse.MaxRetries,
		RetryBaseDelay: cfg.Warehouse.RetryBaseDelay,
	}, logger)

	store := session.NewStore(redisClient, logger)
	transpiler := transpile.NewClient(cfg.Transpiler.BaseURL, cfg.Transpiler.RequestTimeout)
	runner := executor.New(transpiler, logger)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	handler := worker.NewHandler(store, runner, writer, hostname, logger).
		WithSoftLimit(cfg.Worker.TaskSoftLimit)

	srv := worker.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Worker)

	mux := asynq.NewServeMux()
	mux.Handle(dispatch.TypeShardTask, handler)

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Str("queue", dispatch.QueueShards).
		Msg("Worker starting")

	// Run blocks until SIGTERM/SIGINT and drains in-flight tasks.
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("Worker terminated with error")
	}

	logger.Info().Msg("Worker stopped.")
}
