package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/queryshift/queryshift/internal/config"
	"github.com/queryshift/queryshift/internal/dispatch"
	"github.com/queryshift/queryshift/internal/handlers"
	"github.com/queryshift/queryshift/internal/middleware"
	"github.com/queryshift/queryshift/internal/migration"
	"github.com/queryshift/queryshift/internal/routes"
	"github.com/queryshift/queryshift/internal/session"
	"github.com/queryshift/queryshift/internal/warehouse"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Sessions and their tasks are kept this long before the janitor removes them.
const sessionRetention = 24 * time.Hour

type application struct {
	config *config.Config
	db     *sql.DB
	redis  *redis.Client
	store  *session.Store
	logger zerolog.Logger
}

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

	// Register the shared result table.
	catalog := warehouse.NewPostgresCatalog(db)
	if _, err := catalog.EnsureTable(context.Background(), cfg.Warehouse.TableName); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register result table")
	}

	// Initialize Redis for session state and the task queue.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping Redis")
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	app := &application{
		config: cfg,
		db:     db,
		redis:  redisClient,
		store:  session.NewStore(redisClient, logger),
		logger: logger,
	}

	// Periodically remove sessions past the retention window.
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	go app.runSessionJanitor(cleanupCtx)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(catalog, asynqClient)
	loggedRouter := middleware.Logging(logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{"http://localhost:3000"}),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type"}),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler)

	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(catalog warehouse.Catalog, asynqClient *asynq.Client) http.Handler {
	enqueuer := dispatch.NewAsynqEnqueuer(asynqClient, app.config.Worker)
	dispatcher := dispatch.New(app.store, enqueuer, app.config.Dispatch, app.logger)

	healthHandler := handlers.NewHealthHandler(app.redis)
	sessionHandler := handlers.NewSessionHandler(dispatcher, app.store)
	taskHandler := handlers.NewTaskHandler(app.store)
	warehouseHandler := handlers.NewWarehouseHandler(catalog, app.config.Warehouse.TableName)

	return routes.NewRouter(healthHandler, sessionHandler, taskHandler, warehouseHandler)
}

// runSessionJanitor removes expired sessions once an hour.
func (app *application) runSessionJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := app.store.CleanupOldSessions(ctx, sessionRetention)
			if err != nil {
				app.logger.Error().Err(err).Msg("Session cleanup failed")
				continue
			}
			if removed > 0 {
				app.logger.Info().Int("removed", removed).Msg("Expired sessions removed")
			}
		}
	}
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		app.logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		app.logger.Info().Msg("HTTP server shutdown complete.")
	}
}
