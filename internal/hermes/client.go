// Package hermes is a client for the Hermes price service, which serves
// Pyth prices aggregated off-chain over HTTP and websocket.
package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultEndpoint is the public Hermes HTTP API.
	DefaultEndpoint = "https://hermes.pyth.network/api"

	// DefaultWSEndpoint is the public Hermes websocket endpoint.
	DefaultWSEndpoint = "wss://hermes.pyth.network/ws"

	// maxFeedsPerRequest caps how many feed ids one latest_price_feeds call
	// may carry.
	maxFeedsPerRequest = 100
)

// Price is one price point as Hermes reports it. Hermes encodes the integer
// fields as JSON strings.
type Price struct {
	Price       int64  `json:"price,string"`
	Conf        uint64 `json:"conf,string"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// PriceFeed is one feed's latest state: the current price, the
// exponentially-weighted average price, and the signed VAA that attests it.
type PriceFeed struct {
	ID       string `json:"id"`
	Price    Price  `json:"price"`
	EmaPrice Price  `json:"ema_price"`
	VAA      string `json:"vaa"`
}

// Client talks to a Hermes instance. It tracks a set of feed ids for bulk
// queries and the websocket stream, and remembers the last price seen per
// feed. Safe for concurrent use.
type Client struct {
	endpoint   string
	wsEndpoint string
	httpClient *http.Client
	logger     *slog.Logger

	mu         sync.Mutex
	feedIDs    []string
	pendingIDs []string
	prices     map[string]PriceFeed
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoints overrides the HTTP and websocket endpoints.
func WithEndpoints(endpoint, wsEndpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
		c.wsEndpoint = wsEndpoint
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient builds a client tracking the given feed ids.
func NewClient(feedIDs []string, opts ...Option) *Client {
	c := &Client{
		endpoint:   DefaultEndpoint,
		wsEndpoint: DefaultWSEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		feedIDs:    append([]string(nil), feedIDs...),
		pendingIDs: append([]string(nil), feedIDs...),
		prices:     make(map[string]PriceFeed),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddFeedIDs adds feed ids to the tracked set and queues them for
// subscription on the websocket stream. Duplicates are dropped.
func (c *Client) AddFeedIDs(feedIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	known := make(map[string]bool, len(c.feedIDs))
	for _, id := range c.feedIDs {
		known[id] = true
	}
	for _, id := range feedIDs {
		if known[id] {
			continue
		}
		known[id] = true
		c.feedIDs = append(c.feedIDs, id)
		c.pendingIDs = append(c.pendingIDs, id)
	}
}

// FeedIDs returns the tracked feed ids.
func (c *Client) FeedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.feedIDs...)
}

// Prices returns the last price feed seen per feed id, from both HTTP bulk
// queries and the websocket stream.
func (c *Client) Prices() map[string]PriceFeed {
	c.mu.Lock()
	defer c.mu.Unlock()
	prices := make(map[string]PriceFeed, len(c.prices))
	for id, feed := range c.prices {
		prices[id] = feed
	}
	return prices
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// PriceFeedIDs lists the ids of every price feed Hermes serves.
func (c *Client) PriceFeedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.get(ctx, "/price_feed_ids", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// LatestPrices fetches the latest state of the given feeds.
func (c *Client) LatestPrices(ctx context.Context, feedIDs []string) ([]PriceFeed, error) {
	query := url.Values{"binary": {"true"}}
	for _, id := range feedIDs {
		query.Add("ids[]", id)
	}
	var feeds []PriceFeed
	if err := c.get(ctx, "/latest_price_feeds", query, &feeds); err != nil {
		return nil, err
	}
	c.remember(feeds)
	return feeds, nil
}

// PriceAtTime fetches one feed's state at or just before a unix timestamp.
func (c *Client) PriceAtTime(ctx context.Context, feedID string, publishTime int64) (PriceFeed, error) {
	query := url.Values{
		"id":           {feedID},
		"publish_time": {fmt.Sprint(publishTime)},
		"binary":       {"true"},
	}
	var feed PriceFeed
	if err := c.get(ctx, "/get_price_feed", query, &feed); err != nil {
		return PriceFeed{}, err
	}
	return feed, nil
}

// AllPrices fetches the latest state of every tracked feed, batching the
// requests to stay under the per-call id limit.
func (c *Client) AllPrices(ctx context.Context) (map[string]PriceFeed, error) {
	feedIDs := c.FeedIDs()
	all := make(map[string]PriceFeed, len(feedIDs))
	for start := 0; start < len(feedIDs); start += maxFeedsPerRequest {
		end := min(start+maxFeedsPerRequest, len(feedIDs))
		feeds, err := c.LatestPrices(ctx, feedIDs[start:end])
		if err != nil {
			return nil, err
		}
		for _, feed := range feeds {
			all[feed.ID] = feed
		}
	}
	return all, nil
}

func (c *Client) remember(feeds []PriceFeed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, feed := range feeds {
		c.prices[feed.ID] = feed
	}
}

type wsSubscribe struct {
	IDs     []string `json:"ids"`
	Type    string   `json:"type"`
	Verbose bool     `json:"verbose"`
	Binary  bool     `json:"binary"`
}

type wsStreamMessage struct {
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	PriceFeed PriceFeed `json:"price_feed"`
}

// StreamPrices connects to the Hermes websocket, subscribes to the tracked
// feeds and forwards every price update to updates until ctx is cancelled or
// the connection fails. Feed ids added while streaming are subscribed on the
// next update cycle.
func (c *Client) StreamPrices(ctx context.Context, updates chan<- PriceFeed) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsEndpoint, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.wsEndpoint, err)
	}
	defer conn.Close()

	// Unblock the read below when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		c.mu.Lock()
		pending := c.pendingIDs
		c.pendingIDs = nil
		c.mu.Unlock()
		if len(pending) > 0 {
			sub := wsSubscribe{IDs: pending, Type: "subscribe", Verbose: true, Binary: true}
			if err := conn.WriteJSON(sub); err != nil {
				return fmt.Errorf("subscribing to feeds: %w", err)
			}
		}

		var msg wsStreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading price stream: %w", err)
		}

		switch msg.Type {
		case "response":
			if msg.Status != "success" {
				return fmt.Errorf("feed subscription rejected: status %q", msg.Status)
			}
		case "price_update":
			c.remember([]PriceFeed{msg.PriceFeed})
			select {
			case updates <- msg.PriceFeed:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			c.logger.Debug("unrecognised stream message", "type", msg.Type)
		}
	}
}
