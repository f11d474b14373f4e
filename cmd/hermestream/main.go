// hermestream connects to the Hermes price service websocket and streams
// price updates for the configured feeds to the console.
// Usage: go run ./cmd/hermestream --config configs/watcher.example.yaml
package main

import (
	"context"
	"errors"
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
)

func main() {
	configPath := flag.String("config", "configs/watcher.example.yaml", "path to config file")
	all := flag.Bool("all", false, "stream every feed Hermes serves, not just the configured ones")
	verbose := flag.Bool("verbose", false, "print full update JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	client := hermes.NewClient(cfg.Hermes.FeedIDs,
		hermes.WithEndpoints(cfg.Hermes.Endpoint, cfg.Hermes.WSEndpoint),
		hermes.WithLogger(logger))

	if *all {
		feedIDs, err := client.PriceFeedIDs(ctx)
		if err != nil {
			logger.Error("failed to list feed ids", "error", err)
			os.Exit(1)
		}
		logger.Info("streaming all feeds", "count", len(feedIDs))
		client.AddFeedIDs(feedIDs)
	}
	if len(client.FeedIDs()) == 0 {
		logger.Error("no feed ids configured; set hermes.feed_ids or pass --all")
		os.Exit(1)
	}

	updates := make(chan hermes.PriceFeed, 256)
	go func() {
		for feed := range updates {
			printFeed(feed, *verbose)
		}
	}()

	err = client.StreamPrices(ctx, updates)
	close(updates)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("price stream failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}

func printFeed(feed hermes.PriceFeed, verbose bool) {
	scale := math.Pow10(int(feed.Price.Expo))
	fmt.Printf("%s %16.6f ±%12.6f  %s\n",
		feed.ID,
		float64(feed.Price.Price)*scale,
		float64(feed.Price.Conf)*scale,
		time.Unix(feed.Price.PublishTime, 0).UTC().Format(time.RFC3339))
	if verbose {
		fmt.Printf("  ema %16.6f vaa %s\n",
			float64(feed.EmaPrice.Price)*math.Pow10(int(feed.EmaPrice.Expo)),
			feed.VAA)
	}
}
