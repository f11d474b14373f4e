package hermes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

func feedJSON(id string, price int64) string {
	return fmt.Sprintf(`{
		"id": %q,
		"price": {"price": "%d", "conf": "42", "expo": -8, "publish_time": 1700000000},
		"ema_price": {"price": "%d", "conf": "40", "expo": -8, "publish_time": 1700000000},
		"vaa": "UE5BVQ=="
	}`, id, price, price-5)
}

func TestLatestPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest_price_feeds" {
			t.Errorf("path = %q, want /latest_price_feeds", r.URL.Path)
		}
		if got := r.URL.Query()["ids[]"]; !reflect.DeepEqual(got, []string{"feed1", "feed2"}) {
			t.Errorf("ids[] = %v, want [feed1 feed2]", got)
		}
		if r.URL.Query().Get("binary") != "true" {
			t.Error("binary=true missing from query")
		}
		fmt.Fprintf(w, "[%s,%s]", feedJSON("feed1", 4215502000000), feedJSON("feed2", 230000000000))
	}))
	defer srv.Close()

	c := NewClient(nil, WithEndpoints(srv.URL, ""))
	feeds, err := c.LatestPrices(context.Background(), []string{"feed1", "feed2"})
	if err != nil {
		t.Fatalf("LatestPrices failed: %v", err)
	}
	if len(feeds) != 2 {
		t.Fatalf("len(feeds) = %d, want 2", len(feeds))
	}
	if feeds[0].ID != "feed1" {
		t.Errorf("feeds[0].ID = %q, want feed1", feeds[0].ID)
	}
	if feeds[0].Price.Price != 4215502000000 {
		t.Errorf("Price.Price = %d, want 4215502000000", feeds[0].Price.Price)
	}
	if feeds[0].Price.Conf != 42 {
		t.Errorf("Price.Conf = %d, want 42", feeds[0].Price.Conf)
	}
	if feeds[0].Price.Expo != -8 {
		t.Errorf("Price.Expo = %d, want -8", feeds[0].Price.Expo)
	}
	if feeds[0].EmaPrice.Price != 4215501999995 {
		t.Errorf("EmaPrice.Price = %d, want 4215501999995", feeds[0].EmaPrice.Price)
	}

	// Fetched feeds are remembered.
	prices := c.Prices()
	if len(prices) != 2 {
		t.Fatalf("len(Prices()) = %d, want 2", len(prices))
	}
	if prices["feed2"].Price.Price != 230000000000 {
		t.Errorf("remembered feed2 price = %d, want 230000000000", prices["feed2"].Price.Price)
	}
}

func TestPriceFeedIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/price_feed_ids" {
			t.Errorf("path = %q, want /price_feed_ids", r.URL.Path)
		}
		fmt.Fprint(w, `["feed1","feed2","feed3"]`)
	}))
	defer srv.Close()

	c := NewClient(nil, WithEndpoints(srv.URL, ""))
	ids, err := c.PriceFeedIDs(context.Background())
	if err != nil {
		t.Fatalf("PriceFeedIDs failed: %v", err)
	}
	if want := []string{"feed1", "feed2", "feed3"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestPriceAtTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_price_feed" {
			t.Errorf("path = %q, want /get_price_feed", r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "feed1" {
			t.Errorf("id = %q, want feed1", got)
		}
		if got := r.URL.Query().Get("publish_time"); got != "1700000000" {
			t.Errorf("publish_time = %q, want 1700000000", got)
		}
		fmt.Fprint(w, feedJSON("feed1", 100))
	}))
	defer srv.Close()

	c := NewClient(nil, WithEndpoints(srv.URL, ""))
	feed, err := c.PriceAtTime(context.Background(), "feed1", 1700000000)
	if err != nil {
		t.Fatalf("PriceAtTime failed: %v", err)
	}
	if feed.ID != "feed1" || feed.Price.Price != 100 {
		t.Errorf("feed = %+v, want feed1 at 100", feed)
	}
}

func TestAllPricesBatchesRequests(t *testing.T) {
	var (
		mu         sync.Mutex
		batchSizes []int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query()["ids[]"]
		mu.Lock()
		batchSizes = append(batchSizes, len(ids))
		mu.Unlock()
		feeds := make([]string, len(ids))
		for i, id := range ids {
			feeds[i] = feedJSON(id, int64(i))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(feeds, ","))
	}))
	defer srv.Close()

	feedIDs := make([]string, 250)
	for i := range feedIDs {
		feedIDs[i] = fmt.Sprintf("feed%03d", i)
	}
	c := NewClient(feedIDs, WithEndpoints(srv.URL, ""))

	all, err := c.AllPrices(context.Background())
	if err != nil {
		t.Fatalf("AllPrices failed: %v", err)
	}
	if len(all) != 250 {
		t.Errorf("len(all) = %d, want 250", len(all))
	}
	if want := []int{100, 100, 50}; !reflect.DeepEqual(batchSizes, want) {
		t.Errorf("batch sizes = %v, want %v", batchSizes, want)
	}
}

func TestAddFeedIDsDeduplicates(t *testing.T) {
	c := NewClient([]string{"feed1", "feed2"})
	c.AddFeedIDs([]string{"feed2", "feed3", "feed3"})
	if want := []string{"feed1", "feed2", "feed3"}; !reflect.DeepEqual(c.FeedIDs(), want) {
		t.Errorf("FeedIDs() = %v, want %v", c.FeedIDs(), want)
	}
}

func TestGetReportsUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(nil, WithEndpoints(srv.URL, ""))
	if _, err := c.PriceFeedIDs(context.Background()); err == nil {
		t.Error("PriceFeedIDs did not fail on a 500 response")
	}
}

func TestStreamPrices(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var sub wsSubscribe
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("reading subscribe message failed: %v", err)
			return
		}
		if sub.Type != "subscribe" || !reflect.DeepEqual(sub.IDs, []string{"feed1"}) {
			t.Errorf("subscribe message = %+v", sub)
		}
		if !sub.Verbose || !sub.Binary {
			t.Errorf("subscribe message lacks verbose/binary: %+v", sub)
		}

		if err := conn.WriteJSON(map[string]string{"type": "response", "status": "success"}); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type": "price_update", "price_feed": `+feedJSON("feed1", 777)+`}`))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient([]string{"feed1"}, WithEndpoints("", wsURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan PriceFeed)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.StreamPrices(ctx, updates)
	}()

	feed := <-updates
	if feed.ID != "feed1" || feed.Price.Price != 777 {
		t.Errorf("streamed feed = %+v, want feed1 at 777", feed)
	}
	if c.Prices()["feed1"].Price.Price != 777 {
		t.Error("streamed feed was not remembered")
	}

	cancel()
	if err := <-streamErr; !errors.Is(err, context.Canceled) {
		t.Errorf("StreamPrices returned %v, want context.Canceled", err)
	}
}

func TestStreamPricesRejectedSubscription(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteJSON(map[string]string{"type": "response", "status": "error"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient([]string{"feed1"}, WithEndpoints("", wsURL))

	err := c.StreamPrices(context.Background(), make(chan PriceFeed))
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Errorf("StreamPrices returned %v, want subscription rejected error", err)
	}
}
