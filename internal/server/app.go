// Package server initializes and runs the token service process: it opens
// the database, runs migrations, wires the services, and owns the background
// sweep scheduler and graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/newsplatform/tokencore/internal/clockx"
	"github.com/newsplatform/tokencore/internal/logging"
	"github.com/newsplatform/tokencore/internal/server/config"
	"github.com/newsplatform/tokencore/internal/server/repositories/repomanager"
	"github.com/newsplatform/tokencore/internal/server/services"
)

type App struct {
	config         *config.Config
	logger         logging.Logger
	db             *sql.DB
	tokenService   *services.TokenService
	cleanupService *services.CleanupService
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	handler := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(handler)

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	store := rm.Tokens(db)
	directory := rm.Identities(db)
	clock := clockx.New()

	cs := services.NewCleanupService(store, clock, logger, cfg)
	ts := services.NewTokenService(store, directory, cs, clock, logger, cfg)

	return &App{config: cfg, logger: logger, db: db, tokenService: ts, cleanupService: cs}, nil
}

// Tokens exposes the token service to embedding transports.
func (app *App) Tokens() *services.TokenService {
	return app.tokenService
}

// Cleanup exposes the cleanup service for admin-triggered sweeps.
func (app *App) Cleanup() *services.CleanupService {
	return app.cleanupService
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.cleanupService.RunScheduledSweep(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "closing database", "error", err)
	}
	app.logger.Info(ctx, "App stopped")
}
