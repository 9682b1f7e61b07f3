// Package main is the entry point for the watchalert service.
// It loads the catalog, restores active events and starts the signal
// processor, the notification workers and the HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/benbjohnson/clock"

	"watchalert/internal/api"
	"watchalert/internal/banner"
	"watchalert/internal/catalog"
	"watchalert/internal/config"
	"watchalert/internal/escalation"
	"watchalert/internal/ingest"
	"watchalert/internal/notify"
	"watchalert/internal/processor"
	"watchalert/internal/queue"
	kafkaqueue "watchalert/internal/queue/kafka"
	memoryqueue "watchalert/internal/queue/memory"
	"watchalert/internal/store"
	memorystor "watchalert/internal/store/memory"
	postgresstor "watchalert/internal/store/postgres"
	redisstor "watchalert/internal/store/redis"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Logger.Level))
	logger := initLogger(cfg.Logger, level)

	banner.Print(os.Stdout, string(cfg.Storage.Mode), string(cfg.Engine.CatalogSource))
	logger.Info("configuration loaded",
		"path", *configPath,
		"storage_mode", cfg.Storage.Mode,
		"catalog_source", cfg.Engine.CatalogSource,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, cleanup, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Only the log level is applied live; other settings need a restart.
	go func() {
		err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
			level.Set(parseLevel(next.Logger.Level))
			logger.Info("log level updated", "level", level.Level())
		})
		if err != nil {
			logger.Warn("config watch stopped", "error", err)
		}
	}()

	deps.runCatalog(ctx)

	restored, err := deps.scheduler.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore active events", "error", err)
		os.Exit(1)
	}
	logger.Info("active events restored", "count", restored)

	deps.notifier.Start(ctx)

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := deps.processor.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("processor error", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := deps.server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("watchalert started", "address", cfg.Server.Address())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Closing the consumer unblocks the processor so it can drain its shards.
	if err := deps.consumer.Close(); err != nil {
		logger.Error("consumer shutdown error", "error", err)
	}
	select {
	case <-processorDone:
	case <-shutdownCtx.Done():
		logger.Warn("processor did not drain before the shutdown deadline")
	}

	deps.scheduler.Stop()
	deps.notifier.Stop()

	logger.Info("watchalert stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	cfg    *config.Config
	logger *slog.Logger

	catalog    *catalog.Catalog
	fileSource *catalog.FileSource
	repoSource *catalog.RepositorySource

	consumer  queue.Consumer
	scheduler *escalation.Scheduler
	notifier  *notify.Service
	processor *processor.Service
	server    *api.Server
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		rules        store.RuleRepository
		configs      store.ConfigRepositories
		history      store.HistoryRepository
		records      store.NoticeRecordRepository
		events       store.EventStore
		producer     queue.Producer
		consumer     queue.Consumer
		cleanupFuncs []func()
	)

	if cfg.Storage.UseMemory() {
		logger.Info("initializing in-memory storage")

		rules = memorystor.NewRuleRepository()
		configs = memorystor.NewConfigRepositories()
		history = memorystor.NewHistoryRepository()
		records = memorystor.NewNoticeRecordRepository()

		memEvents := memorystor.NewEventStore()
		events = memEvents
		cleanupFuncs = append(cleanupFuncs, func() { _ = memEvents.Close() })

		memQueue := memoryqueue.NewQueue(10000, logger)
		producer = memQueue
		consumer = memQueue
	} else {
		logger.Info("initializing production storage (Kafka, Redis, PostgreSQL)")

		db, err := postgresstor.NewDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		cleanupFuncs = append(cleanupFuncs, db.Close)

		if err := db.RunMigrations(ctx); err != nil {
			return nil, nil, err
		}
		logger.Info("database migrations completed")

		rules = postgresstor.NewRuleRepository(db)
		configs = postgresstor.NewConfigRepositories(db)
		history = postgresstor.NewHistoryRepository(db)
		records = postgresstor.NewNoticeRecordRepository(db)

		redisStore, err := redisstor.NewEventStore(&cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		events = redisStore
		cleanupFuncs = append(cleanupFuncs, func() { _ = redisStore.Close() })

		kafkaProducer := kafkaqueue.NewProducer(&cfg.Kafka)
		producer = kafkaProducer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaProducer.Close() })

		consumer = kafkaqueue.NewConsumer(&cfg.Kafka, logger)
	}

	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	clk := clock.New()
	cat := catalog.New()

	d := &dependencies{cfg: cfg, logger: logger, catalog: cat, consumer: consumer}

	// The file source owns the configuration; writes through the API are refused.
	var reloader api.Reloader
	switch cfg.Engine.CatalogSource {
	case config.CatalogSourceFile:
		d.fileSource = catalog.NewFileSource(cfg.Engine.CatalogFile, cat, clk, logger)
		if err := d.fileSource.Reload(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
	default:
		d.repoSource = catalog.NewRepositorySource(rules, configs, cat, clk, logger)
		if err := d.repoSource.Reload(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		reloader = d.repoSource
	}

	renderer := notify.NewRenderer(cat)
	d.notifier = notify.NewService(cfg.Delivery, notify.DefaultSenders(cfg.Delivery, clk), renderer, records, clk, logger)
	d.scheduler = escalation.NewScheduler(cat, events, history, d.notifier, clk, logger)

	// Events of rules that disappear from the catalog are closed.
	cat.OnChange(func(old, next *catalog.Snapshot) {
		for _, r := range old.Rules() {
			if _, ok := next.Rule(r.ID); ok {
				continue
			}
			n := d.scheduler.CloseRule(context.Background(), r.ID, "rule removed")
			if n > 0 {
				logger.Info("closed events of removed rule", "rule_id", r.ID, "count", n)
			}
		}
	})

	d.processor = processor.NewService(consumer, cat, d.scheduler, cfg.Engine, logger)
	ingestService := ingest.NewService(producer, cat, clk, logger)

	d.server = api.NewServer(api.ServerDeps{
		Config:              &cfg.Server,
		Logger:              logger,
		RequestLog:          strings.EqualFold(cfg.Logger.Level, "debug"),
		RuleHandler:         api.NewRuleHandler(rules, cat, reloader, logger),
		FaultCenterHandler:  api.NewDocumentHandler(api.FaultCenterKind, configs.FaultCenters, cat, reloader, logger),
		NoticeObjectHandler: api.NewDocumentHandler(api.NoticeObjectKind, configs.NoticeObjects, cat, reloader, logger),
		SilenceHandler:      api.NewDocumentHandler(api.SilenceKind, configs.Silences, cat, reloader, logger),
		TemplateHandler:     api.NewDocumentHandler(api.TemplateKind, configs.Templates, cat, reloader, logger),
		SignalHandler:       api.NewSignalHandler(ingestService, logger),
		EventHandler:        api.NewEventHandler(d.scheduler, history, records, logger),
	})

	return d, cleanup, nil
}

// runCatalog keeps the catalog current in the background.
func (d *dependencies) runCatalog(ctx context.Context) {
	switch {
	case d.fileSource != nil && d.cfg.Engine.WatchCatalog:
		go func() {
			if err := d.fileSource.Watch(ctx); err != nil {
				d.logger.Warn("catalog watch stopped", "error", err)
			}
		}()
	case d.repoSource != nil && d.cfg.Engine.CatalogRefresh > 0:
		go d.repoSource.Run(ctx, d.cfg.Engine.CatalogRefresh)
	}
}

// initLogger creates and configures the application logger.
func initLogger(cfg config.LoggerConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
