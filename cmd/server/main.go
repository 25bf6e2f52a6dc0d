// Package main is the entry point for the Quantflow trading platform. It
// wires the message bus, the ingestion and indicator nodes, the live
// strategy runners, the task manager, and the HTTP gateway, then waits for
// a shutdown signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/config"
	"github.com/aristath/quantflow/internal/database"
	"github.com/aristath/quantflow/internal/datasource"
	"github.com/aristath/quantflow/internal/engine"
	"github.com/aristath/quantflow/internal/exchange"
	"github.com/aristath/quantflow/internal/indicator"
	"github.com/aristath/quantflow/internal/ingest"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/node"
	"github.com/aristath/quantflow/internal/position"
	"github.com/aristath/quantflow/internal/reliability"
	"github.com/aristath/quantflow/internal/server"
	"github.com/aristath/quantflow/internal/storage"
	"github.com/aristath/quantflow/internal/strategy"
	"github.com/aristath/quantflow/internal/tasks"
	"github.com/aristath/quantflow/pkg/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// retainedDepth is the per-topic retention for bar and indicator topics, so
// late gateway subscribers can replay recent history.
const retainedDepth = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Msg("Starting Quantflow")

	// Databases: time-series data and results live in separate files so
	// the write-heavy bar path does not contend with result reads.
	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileMarket,
		Name:    "market",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open market database")
	}
	defer marketDB.Close()

	resultsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "results.db"),
		Profile: database.ProfileResults,
		Name:    "results",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open results database")
	}
	defer resultsDB.Close()

	if err := storage.MigrateMarket(marketDB); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate market database")
	}
	if err := storage.MigrateResults(resultsDB); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate results database")
	}

	barRepo := storage.NewBarRepository(marketDB, log)
	indRepo := storage.NewIndicatorRepository(marketDB, log)
	sigRepo := storage.NewSignalRepository(resultsDB, log)
	backtestRepo := storage.NewBacktestRepository(resultsDB, log)

	// Message bus with retention on the market-data topics.
	b := bus.New(log)
	for _, key := range cfg.Keys {
		b.Retain(market.BarTopic(key), retainedDepth)
		b.Retain(market.IndicatorTopic(key), retainedDepth)
	}

	// Ingestion node. The exchange adapter is external; until one is
	// configured the no-op adapter keeps the node idle.
	ingestNode := ingest.New(ingest.Config{
		Keys:           cfg.Keys,
		BackfillWindow: cfg.BackfillWindow,
		Bus:            b,
		Bars:           barRepo,
		Client:         exchange.Noop{},
		Streamer:       exchange.Noop{},
		Log:            log,
	})
	if err := ingestNode.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start ingestion node")
	}
	defer ingestNode.Stop()

	// Indicator node.
	indicatorNode := indicator.New(indicator.Config{
		Keys:       cfg.Keys,
		Bus:        b,
		Bars:       barRepo,
		Indicators: indRepo,
		Log:        log,
	})
	if err := indicatorNode.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start indicator node")
	}
	defer indicatorNode.Stop()

	// Live strategy runners, one node per configured strategy.
	liveNodes := startLiveStrategies(cfg, b, log)
	defer func() {
		for _, n := range liveNodes {
			n.Stop()
		}
	}()

	// Persist every emitted signal.
	signalSink(cfg, b, sigRepo, log)

	// Task manager for backtests and other background jobs.
	taskManager := tasks.NewManager(tasks.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		TTL:           cfg.TaskTTL,
		Log:           log,
	})
	defer taskManager.Stop()

	// Maintenance: periodic WAL checkpoints, plus off-site backups when a
	// bucket is configured.
	maintenance := cron.New()
	if _, err := maintenance.AddFunc("@every 1h", func() {
		for _, db := range []*database.DB{marketDB, resultsDB} {
			if err := db.WALCheckpoint(""); err != nil {
				log.Error().Err(err).Str("db", db.Name()).Msg("WAL checkpoint failed")
			}
		}
	}); err != nil {
		log.Error().Err(err).Msg("Failed to schedule WAL checkpoints")
	}
	if cfg.BackupBucket != "" {
		backupSvc, err := reliability.NewBackupService(
			context.Background(), cfg.BackupBucket, cfg.BackupPrefix, cfg.DataDir,
			[]string{marketDB.Path(), resultsDB.Path()}, log,
		)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize backup service")
		} else if _, err := maintenance.AddFunc(cfg.BackupSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := backupSvc.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Backup failed")
			}
		}); err != nil {
			log.Error().Err(err).Msg("Failed to schedule backups")
		}
	}
	maintenance.Start()
	defer maintenance.Stop()

	// HTTP gateway.
	srv := server.New(server.Config{
		Port:       cfg.Port,
		Log:        log,
		Bus:        b,
		Bars:       barRepo,
		Indicators: indRepo,
		Signals:    sigRepo,
		Backtests:  backtestRepo,
		Tasks:      taskManager,
		Keys:       cfg.Keys,
		Backtest:   backtestRunner(barRepo, indRepo, log),
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	// Wait for interrupt.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	b.Shutdown()
	log.Info().Msg("Stopped")
}

// startLiveStrategies builds one runner node per strategy named in
// QUANTFLOW_LIVE_STRATEGIES (comma-separated, default none), subscribed to
// every configured key's bar and indicator topics.
func startLiveStrategies(cfg *config.Config, b *bus.Bus, log zerolog.Logger) []*node.Node {
	var nodes []*node.Node
	names := os.Getenv("QUANTFLOW_LIVE_STRATEGIES")
	if names == "" {
		return nodes
	}

	var topics []string
	for _, key := range cfg.Keys {
		topics = append(topics, market.BarTopic(key), market.IndicatorTopic(key))
	}

	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		strat, err := strategy.New(name, nil)
		if err != nil {
			log.Error().Err(err).Str("strategy", name).Msg("Skipping unknown live strategy")
			continue
		}
		runner := strategy.NewRunner(strat, b, log)
		n := node.New(node.Config{
			Handler: runner,
			Bus:     b,
			Topics:  topics,
			Log:     log,
		})
		if err := n.Start(); err != nil {
			log.Error().Err(err).Str("strategy", name).Msg("Failed to start strategy node")
			continue
		}
		log.Info().Str("strategy", name).Msg("Live strategy started")
		nodes = append(nodes, n)
	}
	return nodes
}

// signalSink subscribes to every live strategy's signal topics and
// persists emitted signals.
func signalSink(cfg *config.Config, b *bus.Bus, repo *storage.SignalRepository, log zerolog.Logger) {
	names := os.Getenv("QUANTFLOW_LIVE_STRATEGIES")
	if names == "" {
		return
	}
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		for _, key := range cfg.Keys {
			topic := market.SignalTopic(name, key.Symbol)
			if _, err := b.Subscribe(topic, func(_ string, payload any) {
				if sig, ok := payload.(*market.Signal); ok {
					if err := repo.Insert(sig); err != nil {
						log.Error().Err(err).Msg("Failed to persist signal")
					}
				}
			}); err != nil {
				log.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe signal sink")
			}
		}
	}
}

// backtestRunner wires the replay data source, a fresh position manager,
// and the engine for one backtest run.
func backtestRunner(bars *storage.BarRepository, inds *storage.IndicatorRepository, log zerolog.Logger) server.BacktestRunner {
	return func(ctx context.Context, req server.BacktestRequest, strat strategy.Strategy, preset position.Preset, start, end time.Time, tracker *tasks.ProgressTracker) (*engine.Result, error) {
		key := market.Key{
			Symbol:     req.Symbol,
			Timeframe:  market.Timeframe(req.Timeframe),
			MarketKind: market.MarketKind(req.MarketKind),
		}
		source := datasource.NewReplay(bars, inds, []market.Key{key}, start.Unix(), end.Unix(), log)
		tracker.SetTotal(source.TotalPoints())

		manager := position.NewManager(req.InitialBalance, preset, log)
		eng := engine.New(engine.Config{
			Mode:     engine.ModeReplay,
			Strategy: strat,
			Manager:  manager,
			Source:   source,
			Tracker:  tracker,
			Log:      log,
		})
		return eng.Run(ctx)
	}
}
