package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intake-form-server/internal/api"
	"github.com/intake-form-server/internal/cache"
	"github.com/intake-form-server/internal/config"
	"github.com/intake-form-server/internal/database"
	"github.com/intake-form-server/internal/domain"
	"github.com/intake-form-server/internal/drafts"
	"github.com/intake-form-server/internal/engine"
	"github.com/intake-form-server/internal/logging"
	"github.com/intake-form-server/internal/repository"
	"github.com/intake-form-server/internal/service"
	"github.com/intake-form-server/pkg/notify"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := logging.NewLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting intake form server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database and migrations
	runner, err := database.NewMigrationRunner(database.URL(cfg.Database), cfg.Database.MigrationsPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create migration runner")
	}
	if err := runner.Up(); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}
	runner.Close()

	db, err := database.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	templateRepo := repository.NewTemplateRepository(db.Pool, logger)
	entryRepo := repository.NewEntryRepository(db.Pool, logger)

	// Template cache; a failure here degrades to repository-only access.
	var templateCache domain.TemplateCache
	if redisCache, err := cache.NewTemplateCache(cfg.Cache, logger); err != nil {
		logger.WithError(err).Warn("Template cache unavailable, serving from repository")
	} else {
		templateCache = redisCache
		defer redisCache.Close()
	}

	draftStore, err := drafts.NewSQLiteStore(cfg.Drafts.Path, cfg.Drafts.MaxAge)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open draft store")
	}
	defer draftStore.Close()
	go pruneDraftsLoop(ctx, draftStore, logger)

	var notifier domain.SubmissionNotifier
	if webhook := notify.NewWebhookNotifier(cfg.Webhook, logger); webhook != nil {
		notifier = webhook
	}

	eng := engine.New(logger, engine.Config{
		MaxResolvePasses:    cfg.Engine.MaxResolvePasses,
		DebounceWindow:      cfg.Engine.DebounceWindow,
		ResolutionCacheSize: cfg.Engine.ResolutionCacheSize,
	})

	svc := service.NewIntakeService(logger, eng, templateRepo, entryRepo, templateCache, draftStore, notifier)
	server := api.NewServer(cfg, svc, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

// pruneDraftsLoop removes expired drafts hourly.
func pruneDraftsLoop(ctx context.Context, store *drafts.SQLiteStore, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := store.PruneExpired(ctx)
			if err != nil {
				logger.WithError(err).Warn("Draft pruning failed")
				continue
			}
			if pruned > 0 {
				logger.WithField("pruned", pruned).Info("Expired drafts removed")
			}
		}
	}
}
