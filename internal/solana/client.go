package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rickgao/pyth-data/internal/ratelimit"
)

const (
	defaultCommitment = "confirmed"

	// maxMultipleAccounts is the node-side cap on getMultipleAccounts keys.
	maxMultipleAccounts = 100
)

// Client talks JSON-RPC to a Solana node over HTTP, with an optional
// websocket endpoint for subscriptions. A single Client is safe for
// concurrent use.
type Client struct {
	endpoint   string
	wsEndpoint string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	nextID     atomic.Int64

	ws *wsConn
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter overrides the limiter the client would otherwise share
// with every other client pointed at the same host.
func WithRateLimiter(l *ratelimit.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// NewClient builds a client for the given HTTP endpoint. wsEndpoint may be
// empty if the subscription surface is not needed. HTTP and websocket
// traffic to the same host share one rate limiter.
func NewClient(endpoint, wsEndpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		wsEndpoint: wsEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.ForEndpoint(endpoint)
	}
	return c
}

// Endpoint returns the client's HTTP endpoint.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC application-level error from the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC request and unmarshals the result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Apply(ctx, method, false); err != nil {
		return err
	}

	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: %w", method, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &TransportError{Op: method, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if rpcResp.ID != id {
		return fmt.Errorf("%s: response id %d does not match request id %d", method, rpcResp.ID, id)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

// GetAccountInfo fetches a single account, returning the slot at which the
// node observed it. The value is nil if the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, key PublicKey) (uint64, *AccountValue, error) {
	var result struct {
		Context rpcContext    `json:"context"`
		Value   *AccountValue `json:"value"`
	}
	params := []any{
		key.String(),
		map[string]any{"encoding": "base64", "commitment": defaultCommitment},
	}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return 0, nil, err
	}
	return result.Context.Slot, result.Value, nil
}

// GetMultipleAccounts fetches up to 100 accounts in one call. The returned
// slice is parallel to keys; missing accounts come back nil. All entries
// share the single responding slot.
func (c *Client) GetMultipleAccounts(ctx context.Context, keys []PublicKey) (uint64, []*AccountValue, error) {
	if len(keys) > maxMultipleAccounts {
		return 0, nil, fmt.Errorf("getMultipleAccounts: %d keys exceeds limit of %d", len(keys), maxMultipleAccounts)
	}
	encoded := make([]string, len(keys))
	for i, k := range keys {
		encoded[i] = k.String()
	}
	var result struct {
		Context rpcContext      `json:"context"`
		Value   []*AccountValue `json:"value"`
	}
	params := []any{
		encoded,
		map[string]any{"encoding": "base64", "commitment": defaultCommitment},
	}
	if err := c.call(ctx, "getMultipleAccounts", params, &result); err != nil {
		return 0, nil, err
	}
	if len(result.Value) != len(keys) {
		return 0, nil, fmt.Errorf("getMultipleAccounts: got %d values for %d keys", len(result.Value), len(keys))
	}
	return result.Context.Slot, result.Value, nil
}

// GetProgramAccounts scans every account owned by a program. The result maps
// base58 keys to account values, all observed at the returned slot.
func (c *Client) GetProgramAccounts(ctx context.Context, program PublicKey) (uint64, map[string]*AccountValue, error) {
	var result struct {
		Context rpcContext `json:"context"`
		Value   []struct {
			Pubkey  string        `json:"pubkey"`
			Account *AccountValue `json:"account"`
		} `json:"value"`
	}
	params := []any{
		program.String(),
		map[string]any{
			"encoding":    "base64",
			"commitment":  defaultCommitment,
			"withContext": true,
		},
	}
	if err := c.call(ctx, "getProgramAccounts", params, &result); err != nil {
		return 0, nil, err
	}
	accounts := make(map[string]*AccountValue, len(result.Value))
	for _, entry := range result.Value {
		accounts[entry.Pubkey] = entry.Account
	}
	return result.Context.Slot, accounts, nil
}

// GetBalance returns an account's lamport balance.
func (c *Client) GetBalance(ctx context.Context, key PublicKey) (uint64, error) {
	var result struct {
		Context rpcContext `json:"context"`
		Value   uint64     `json:"value"`
	}
	params := []any{key.String(), map[string]any{"commitment": defaultCommitment}}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetSlot returns the node's current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	params := []any{map[string]any{"commitment": defaultCommitment}}
	if err := c.call(ctx, "getSlot", params, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBlockTime returns the estimated unix timestamp of a slot.
func (c *Client) GetBlockTime(ctx context.Context, slot uint64) (int64, error) {
	var ts int64
	if err := c.call(ctx, "getBlockTime", []any{slot}, &ts); err != nil {
		return 0, err
	}
	return ts, nil
}

// GetHealth reports the node's own health check. A healthy node answers
// "ok"; anything else surfaces as an error.
func (c *Client) GetHealth(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("getHealth: node reported %q", status)
	}
	return nil
}

// ClusterNode describes one node in the cluster's gossip set.
type ClusterNode struct {
	Pubkey  string `json:"pubkey"`
	Gossip  string `json:"gossip"`
	RPC     string `json:"rpc"`
	Version string `json:"version"`
}

// GetClusterNodes lists the nodes currently participating in the cluster.
func (c *Client) GetClusterNodes(ctx context.Context) ([]ClusterNode, error) {
	var nodes []ClusterNode
	if err := c.call(ctx, "getClusterNodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// UpdateAccounts refreshes a set of accounts in place, splitting the keys
// into getMultipleAccounts batches of at most 100. Accounts the node no
// longer knows are logged and left unmodified; decode failures abort the
// whole update.
func (c *Client) UpdateAccounts(ctx context.Context, accounts []Account) error {
	for start := 0; start < len(accounts); start += maxMultipleAccounts {
		end := min(start+maxMultipleAccounts, len(accounts))
		batch := accounts[start:end]

		keys := make([]PublicKey, len(batch))
		for i, a := range batch {
			keys[i] = a.Key()
		}
		slot, values, err := c.GetMultipleAccounts(ctx, keys)
		if err != nil {
			return err
		}
		for i, value := range values {
			if value == nil {
				c.logger.Warn("account missing from node response",
					"account", keys[i])
				continue
			}
			if err := batch[i].UpdateWithRPCResponse(slot, value); err != nil {
				return fmt.Errorf("updating account %s: %w", keys[i], err)
			}
		}
	}
	return nil
}
