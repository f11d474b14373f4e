// snapshot fetches the full Pyth oracle state once and prints every
// product's aggregate price, either as text or JSON. With Hermes feed ids
// configured it also prints the off-chain prices for comparison.
// Usage: go run ./cmd/snapshot --config configs/watcher.example.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/pyth-data/internal/config"
	"github.com/rickgao/pyth-data/internal/hermes"
	"github.com/rickgao/pyth-data/internal/pyth"
	"github.com/rickgao/pyth-data/internal/ratelimit"
	"github.com/rickgao/pyth-data/internal/solana"
)

type productSnapshot struct {
	Symbol     string  `json:"symbol"`
	Key        string  `json:"key"`
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	PubSlot    uint64  `json:"pub_slot"`
	Slot       uint64  `json:"slot"`
	MarketOpen bool    `json:"market_open"`
}

func main() {
	configPath := flag.String("config", "configs/watcher.example.yaml", "path to config file")
	asJSON := flag.Bool("json", false, "print JSON instead of text")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ratelimit.ConfigureEndpoint(cfg.Solana.Endpoint, cfg.RateLimit.Limits())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
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

	if err := oracle.RefreshAllPrices(ctx); err != nil {
		logger.Error("failed to refresh oracle state", "error", err)
		os.Exit(1)
	}
	products, err := oracle.Products()
	if err != nil {
		logger.Error("products not loaded", "error", err)
		os.Exit(1)
	}

	now := time.Now()
	var snapshots []productSnapshot
	for _, product := range products {
		prices, err := product.Prices()
		if err != nil {
			logger.Error("prices not loaded", "product", product.Key(), "error", err)
			os.Exit(1)
		}
		for _, price := range prices {
			snapshots = append(snapshots, productSnapshot{
				Symbol:     product.Symbol(),
				Key:        price.Key().String(),
				Price:      price.Aggregate.Price,
				Confidence: price.Aggregate.Confidence,
				Status:     price.AggregatePriceStatusAtSlot(price.Slot).String(),
				PubSlot:    price.Aggregate.PubSlot,
				Slot:       price.Slot,
				MarketOpen: product.MarketOpen(now),
			})
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshots); err != nil {
			logger.Error("failed to encode snapshot", "error", err)
			os.Exit(1)
		}
	} else {
		for _, s := range snapshots {
			fmt.Printf("%-24s %16.6f ±%12.6f  %-8s slot %d\n",
				s.Symbol, s.Price, s.Confidence, s.Status, s.PubSlot)
		}
	}

	if len(cfg.Hermes.FeedIDs) > 0 {
		printHermes(ctx, cfg, logger)
	}
}

// printHermes fetches the configured feeds from the Hermes price service.
func printHermes(ctx context.Context, cfg *config.WatcherConfig, logger *slog.Logger) {
	client := hermes.NewClient(cfg.Hermes.FeedIDs,
		hermes.WithEndpoints(cfg.Hermes.Endpoint, cfg.Hermes.WSEndpoint),
		hermes.WithLogger(logger))
	feeds, err := client.AllPrices(ctx)
	if err != nil {
		logger.Error("failed to fetch hermes prices", "error", err)
		return
	}
	fmt.Println("hermes:")
	for id, feed := range feeds {
		scale := math.Pow10(int(feed.Price.Expo))
		fmt.Printf("%s %16.6f ±%12.6f  published %s\n",
			id,
			float64(feed.Price.Price)*scale,
			float64(feed.Price.Conf)*scale,
			time.Unix(feed.Price.PublishTime, 0).UTC().Format(time.RFC3339))
	}
}
