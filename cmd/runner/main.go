package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"spotrunner/internal/config"
	"spotrunner/internal/engine"
	"spotrunner/internal/exchange"
	"spotrunner/internal/journal"
	"spotrunner/internal/market"
	"spotrunner/internal/metrics"
	"spotrunner/internal/notify"
	"spotrunner/internal/persistence"
	"spotrunner/internal/receiver"
	"spotrunner/internal/types"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser := setupLogger(cfg.Log)
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("[CONFIG] " + w)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("[RUNNER] Fatal error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	markets := make([]string, 0, len(cfg.Params.Markets))
	for _, m := range cfg.Params.Markets {
		markets = append(markets, m.Symbol)
	}
	logger.Info("Starting spot runner",
		"mode", cfg.Mode,
		"markets", markets,
		"kill_switch", cfg.KillSwitch,
		"state_backend", cfg.Store.Backend,
		"status_port", cfg.StatusPort,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	notifier := setupNotifier(cfg.Notify, logger)
	defer notifier.Wait()

	// fatal sends a last alert before the error propagates to main
	fatal := func(err error) error {
		notifier.Notify(ctx, engine.NotifyFatal, fmt.Sprintf("spot runner stopped: %v", err))
		return err
	}

	collector := metrics.NewCollector(cfg.MetricsRuntime)

	// Exchange: public market data always comes from Binance; orders go to
	// the account gateway behind the kill-switch router
	marketGateway := exchange.NewBinanceGateway(cfg.Exchange.APIKey, cfg.Exchange.APISecret, logger)
	var account exchange.Gateway = marketGateway
	if cfg.Mode == config.ModePaper {
		logger.Info("Running in PAPER MODE - orders fill against a simulated wallet",
			"quote_balance", cfg.Exchange.PaperQuoteBalance,
		)
		opts := withPaperBalances(cfg.Params.Markets, cfg.Exchange.PaperQuoteBalance)
		opts = append(opts, exchange.WithMockFeeRate(cfg.Exchange.PaperFeeRate))
		account = exchange.NewMockGateway(logger, opts...)
	}
	router := exchange.NewRouter(marketGateway, account, logger)
	router.SetKillSwitch(cfg.KillSwitch)
	defer router.Close()

	book := market.NewPriceBook()
	if cfg.Exchange.UsePriceStream {
		stream := exchange.NewBinanceStream(book, logger)
		for _, m := range cfg.Params.Markets {
			stream.Subscribe(m)
		}
		defer stream.Close()
	}
	prices := market.NewPriceSource(book, router, cfg.Exchange.PriceStaleAfter, logger)
	candles := market.NewCandleCache(router, cfg.Exchange.CandleMinRefresh, logger)

	// State store and journal sinks
	st, err := setupStore(ctx, cfg, logger)
	if err != nil {
		return fatal(err)
	}
	defer st.Close()

	tradeJournal := journal.New(cfg.Journal.File, logger, st.sinks...)
	defer tradeJournal.Close()

	var archiver *journal.S3Archiver
	if cfg.Journal.ArchiveEnabled() {
		archiver, err = journal.NewS3Archiver(ctx, cfg.Journal.S3, logger)
		if err != nil {
			return fatal(err)
		}
	}

	runner := engine.NewRunner(cfg.Params, engine.Deps{
		Gateway:    router,
		Prices:     prices,
		Candles:    candles,
		Store:      st.store,
		Kill:       router,
		Notifier:   notifier,
		Journal:    tradeJournal,
		Metrics:    collector,
		OnDayClose: dayCloser(tradeJournal, st.events, archiver, logger),
		Mode:       cfg.Mode,
		Logger:     logger,
	})

	var status *receiver.StatusServer
	if cfg.StatusPort > 0 {
		status = receiver.NewStatusServer(cfg.StatusPort, runner, collector.Handler(), logger)
		if err := status.Start(ctx); err != nil {
			return fatal(err)
		}
		logger.Info("Status server is running",
			"http_endpoint", "http://127.0.0.1:"+strconv.Itoa(cfg.StatusPort),
		)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- runner.Run(ctx)
	}()

	logger.Info("Press Ctrl+C to stop")

	var exitErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case err := <-runErr:
		runErr = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			exitErr = fatal(err)
		}
	}
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if runErr != nil {
		select {
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("[RUNNER] Stopped with error", "error", err)
			}
		case <-shutdownCtx.Done():
			logger.Error("[RUNNER] Shutdown timed out")
		}
	}

	if status != nil {
		if err := status.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping status server", "error", err)
		}
	}

	logger.Info("Spot runner stopped")
	return exitErr
}

// withPaperBalances seeds the simulated wallet with quote currency for
// every configured market
func withPaperBalances(markets []types.Market, amount float64) []exchange.MockGatewayOption {
	seen := make(map[string]bool)
	var opts []exchange.MockGatewayOption
	for _, m := range markets {
		if seen[m.Quote] {
			continue
		}
		seen[m.Quote] = true
		opts = append(opts, exchange.WithMockBalance(m.Quote, amount))
	}
	return opts
}

// eventSource returns the journaled trade events of one day
type eventSource func(ctx context.Context, day string) ([]types.TradeEvent, error)

// storage bundles the snapshot store with the journal sinks it provides
type storage struct {
	store   engine.StateStore
	sinks   []journal.Sink
	events  eventSource
	closers []func()
}

// Close releases store resources in reverse order of acquisition
func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// setupStore opens the configured snapshot store. Extra journal sinks are
// returned when the journal mirrors into Postgres.
func setupStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	st := &storage{}

	var pg *persistence.PostgresStore
	if cfg.Store.Backend == config.BackendPostgres || cfg.Journal.Postgres {
		var err error
		pg, err = persistence.NewPostgresStore(ctx, cfg.Store.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		st.closers = append(st.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, err
		}
		if cfg.Journal.Postgres {
			st.sinks = append(st.sinks, pg)
			st.events = pg.Events
		}
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		logger.Info("Using PostgreSQL persistence", "state_id", cfg.Store.Postgres.StateID)
		st.store = pg

	case config.BackendRedis:
		rs, err := persistence.NewRedisStore(ctx, cfg.Store.Redis, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		st.closers = append(st.closers, func() { _ = rs.Close() })

		release, err := rs.Acquire(ctx, cfg.Store.LockTTL)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, release)
		logger.Info("Using Redis persistence", "addr", cfg.Store.Redis.Addr)
		st.store = rs

	default:
		logger.Info("Using file persistence", "state_file", cfg.Store.StateFile)
		st.store = engine.NewFileStore(cfg.Store.StateFile, logger)
	}

	return st, nil
}

func setupNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Async {
	var senders []notify.Sender
	if cfg.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID, cfg.Prefix))
	} else {
		senders = append(senders, notify.NewLogSender(logger))
	}
	return notify.NewAsync(notify.NewNotifier(senders, cfg.Events, logger), notify.DefaultTimeout)
}

// dayCloser logs the finished day's journal stats and archives its events.
// events overrides the journal file as the source of the day's trades.
func dayCloser(j *journal.Journal, events eventSource, archiver *journal.S3Archiver, logger *slog.Logger) func(context.Context, types.LedgerSnapshot) {
	if events == nil {
		events = func(_ context.Context, day string) ([]types.TradeEvent, error) {
			return journal.ReadFile(j.Path(), day)
		}
	}
	return func(ctx context.Context, prev types.LedgerSnapshot) {
		dayEvents, err := events(ctx, prev.Day)
		if err != nil {
			logger.Warn("[JOURNAL] Failed to read day", "day", prev.Day, "error", err)
		} else {
			stats := journal.Summarize(dayEvents)
			logger.Info("[JOURNAL] Day summary",
				"day", prev.Day,
				"exits", stats.Count,
				"wins", stats.Wins,
				"losses", stats.Losses,
				"net", stats.NetTotal,
				"fee", stats.FeeTotal,
				"win_rate", stats.WinRate,
				"profit_factor", stats.ProfitFactor,
			)
		}

		if archiver == nil {
			return
		}
		// Upload off the trading path
		go func() {
			uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := archiver.Archive(uploadCtx, prev.Day, j.Path()); err != nil {
				logger.Error("[JOURNAL] Archive failed", "day", prev.Day, "error", err)
			}
		}()
	}
}

// setupLogger configures the structured logger. The returned closer flushes
// the rotating log file when one is used.
func setupLogger(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var logLevel slog.Level
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
