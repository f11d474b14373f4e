// pythwatch mirrors the Pyth oracle state on a Solana node and streams live
// price updates to the console.
// Usage: go run ./cmd/pythwatch --config configs/watcher.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/rickgao/pyth-data/internal/config"
	"github.com/rickgao/pyth-data/internal/pyth"
	"github.com/rickgao/pyth-data/internal/ratelimit"
	"github.com/rickgao/pyth-data/internal/solana"
	"github.com/rickgao/pyth-data/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/watcher.example.yaml", "path to config file")
	programFlag := flag.Bool("program", false, "subscribe to the whole oracle program instead of per price account")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	// Set up structured logging
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	logger.Info("starting pythwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"network", cfg.Network,
		"endpoint", cfg.Solana.Endpoint,
	)

	ratelimit.ConfigureEndpoint(cfg.Solana.Endpoint, cfg.RateLimit.Limits())

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	firstMappingKey, err := solana.ParsePublicKey(cfg.Solana.FirstMappingKey)
	if err != nil {
		logger.Error("invalid first mapping key", "error", err)
		os.Exit(1)
	}

	solClient := solana.NewClient(cfg.Solana.Endpoint, cfg.Solana.WSEndpoint,
		solana.WithLogger(logger))

	opts := []pyth.Option{
		pyth.WithLogger(logger),
		pyth.WithBackoff(cfg.Backoff.Policy()),
	}
	if cfg.Solana.ProgramKey != "" {
		programKey, err := solana.ParsePublicKey(cfg.Solana.ProgramKey)
		if err != nil {
			logger.Error("invalid program key", "error", err)
			os.Exit(1)
		}
		opts = append(opts, pyth.WithProgramKey(programKey))
	}
	oracle := pyth.NewClient(solClient, firstMappingKey, opts...)

	// Seed the mirror before subscribing
	logger.Info("refreshing oracle state")
	if err := oracle.RefreshAllPrices(ctx); err != nil {
		logger.Error("failed to refresh oracle state", "error", err)
		os.Exit(1)
	}
	products, err := oracle.Products()
	if err != nil {
		logger.Error("products not loaded", "error", err)
		os.Exit(1)
	}
	logger.Info("oracle state loaded", "products", len(products))

	session := pyth.NewWatchSession(solClient,
		pyth.WithWatchLogger(logger),
		pyth.WithWatchBackoff(cfg.Backoff.Policy()),
		pyth.WithResubscribeTimeout(cfg.Watch.ResubscribeTimeout))
	if err := session.Connect(ctx); err != nil {
		logger.Error("failed to connect websocket", "error", err)
		os.Exit(1)
	}
	defer session.Disconnect()

	useProgram := *programFlag || cfg.Watch.SubscribePrograms
	if err := subscribeAll(ctx, session, cfg, oracle, useProgram, logger); err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	// Dispatch updates until shutdown
	for {
		account, err := session.NextUpdate(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info("shutting down")
				return
			}
			logger.Error("update stream failed", "error", err)
			os.Exit(1)
		}
		logUpdate(logger, account)
	}
}

// subscribeAll subscribes either to the whole oracle program or to each
// price account individually.
func subscribeAll(ctx context.Context, session *pyth.WatchSession, cfg *config.WatcherConfig, oracle *pyth.Client, useProgram bool, logger *slog.Logger) error {
	if useProgram {
		programKey, err := solana.ParsePublicKey(cfg.Solana.ProgramKey)
		if err != nil {
			return err
		}
		accounts, err := oracle.GetAllAccounts(ctx)
		if err != nil {
			return err
		}
		members := make([]solana.Account, len(accounts))
		for i, a := range accounts {
			members[i] = a
		}
		logger.Info("subscribing to program", "program", programKey, "accounts", len(members))
		return session.SubscribeProgram(ctx, programKey, members)
	}

	products, err := oracle.Products()
	if err != nil {
		return err
	}
	count := 0
	for _, product := range products {
		prices, err := product.Prices()
		if err != nil {
			return err
		}
		for _, price := range prices {
			if err := session.Subscribe(ctx, price); err != nil {
				return err
			}
			count++
		}
	}
	logger.Info("subscribed to price accounts", "count", count)
	return nil
}

func logUpdate(logger *slog.Logger, account solana.Account) {
	price, ok := account.(*pyth.PriceAccount)
	if !ok {
		logger.Debug("account updated", "account", account.Key())
		return
	}
	symbol := "?"
	if price.Product != nil {
		symbol = price.Product.Symbol()
	}
	value, ok := price.AggregatePrice()
	if !ok {
		logger.Info("price unavailable",
			"symbol", symbol,
			"status", price.AggregatePriceStatus(),
			"slot", price.Slot)
		return
	}
	conf, _ := price.AggregateConfidence()
	logger.Info("price update",
		"symbol", symbol,
		"price", value,
		"conf", conf,
		"pub_slot", price.Aggregate.PubSlot,
		"slot", price.Slot)
}
