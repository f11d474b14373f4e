package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// notificationBuffer bounds the queue between the websocket read loop and
// NextUpdate consumers. Updates past the buffer are dropped with a warning
// rather than stalling the read loop.
const notificationBuffer = 4096

// Notification is one push update from the node: either an account
// notification or a program notification, identified by subscription id.
type Notification struct {
	Method string
	SubID  int64
	Slot   uint64
	Pubkey string
	Value  *AccountValue
}

type wsResult struct {
	result json.RawMessage
	err    error
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan wsResult

	notifications chan *Notification
	done          chan struct{}
}

// wsMessage covers both reply frames (ID set) and push frames (Method set).
type wsMessage struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// WSConnect dials the websocket endpoint and starts the read loop. It is a
// no-op when already connected. Connecting counts against the limiter's
// connection interval.
func (c *Client) WSConnect(ctx context.Context) error {
	if c.wsEndpoint == "" {
		return fmt.Errorf("websocket: no endpoint configured")
	}
	if c.ws != nil {
		return nil
	}
	if err := c.limiter.Apply(ctx, "wsConnect", true); err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsEndpoint, nil)
	if err != nil {
		return &TransportError{Op: "wsConnect", Err: err}
	}
	ws := &wsConn{
		conn:          conn,
		pending:       make(map[int64]chan wsResult),
		notifications: make(chan *Notification, notificationBuffer),
		done:          make(chan struct{}),
	}
	c.ws = ws
	go c.readLoop(ws)
	c.logger.Info("websocket connected", "endpoint", c.wsEndpoint)
	return nil
}

// WSDisconnect tears down the websocket connection if one is open.
func (c *Client) WSDisconnect() error {
	ws := c.ws
	if ws == nil {
		return nil
	}
	c.ws = nil
	err := ws.conn.Close()
	<-ws.done
	return err
}

// readLoop routes inbound frames: replies go to the pending call that issued
// them, push notifications go to the notification queue. On any read error
// the loop fails all pending calls and marks the connection closed.
func (c *Client) readLoop(ws *wsConn) {
	defer func() {
		close(ws.done)
		ws.pendingMu.Lock()
		for id, ch := range ws.pending {
			ch <- wsResult{err: ErrSocketClosed}
			delete(ws.pending, id)
		}
		ws.pendingMu.Unlock()
	}()

	for {
		var msg wsMessage
		if err := ws.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		if msg.Method != "" {
			n, err := parseNotification(&msg)
			if err != nil {
				c.logger.Warn("discarding malformed notification",
					"method", msg.Method, "error", err)
				continue
			}
			select {
			case ws.notifications <- n:
			default:
				c.logger.Warn("notification buffer full, dropping update",
					"method", n.Method, "subscription", n.SubID)
			}
			continue
		}

		ws.pendingMu.Lock()
		ch, ok := ws.pending[msg.ID]
		if ok {
			delete(ws.pending, msg.ID)
		}
		ws.pendingMu.Unlock()
		if !ok {
			c.logger.Warn("reply for unknown request id", "id", msg.ID)
			continue
		}
		if msg.Error != nil {
			ch <- wsResult{err: msg.Error}
		} else {
			ch <- wsResult{result: msg.Result}
		}
	}
}

func parseNotification(msg *wsMessage) (*Notification, error) {
	switch msg.Method {
	case "accountNotification":
		var params struct {
			Result struct {
				Context rpcContext    `json:"context"`
				Value   *AccountValue `json:"value"`
			} `json:"result"`
			Subscription int64 `json:"subscription"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, err
		}
		if params.Result.Value == nil {
			return nil, fmt.Errorf("accountNotification for subscription %d without an account value", params.Subscription)
		}
		return &Notification{
			Method: msg.Method,
			SubID:  params.Subscription,
			Slot:   params.Result.Context.Slot,
			Value:  params.Result.Value,
		}, nil
	case "programNotification":
		var params struct {
			Result struct {
				Context rpcContext `json:"context"`
				Value   struct {
					Pubkey  string        `json:"pubkey"`
					Account *AccountValue `json:"account"`
				} `json:"value"`
			} `json:"result"`
			Subscription int64 `json:"subscription"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, err
		}
		if params.Result.Value.Account == nil {
			return nil, fmt.Errorf("programNotification for subscription %d without an account value", params.Subscription)
		}
		return &Notification{
			Method: msg.Method,
			SubID:  params.Subscription,
			Slot:   params.Result.Context.Slot,
			Pubkey: params.Result.Value.Pubkey,
			Value:  params.Result.Value.Account,
		}, nil
	default:
		// Pass through so callers can log and skip it.
		return &Notification{Method: msg.Method}, nil
	}
}

// wsCall issues one request over the socket and waits for its reply.
func (c *Client) wsCall(ctx context.Context, method string, params []any, out any) error {
	ws := c.ws
	if ws == nil {
		return fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
	if err := c.limiter.Apply(ctx, method, false); err != nil {
		return err
	}

	id := c.nextID.Add(1)
	ch := make(chan wsResult, 1)
	ws.pendingMu.Lock()
	ws.pending[id] = ch
	ws.pendingMu.Unlock()

	ws.writeMu.Lock()
	err := ws.conn.WriteJSON(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	ws.writeMu.Unlock()
	if err != nil {
		ws.pendingMu.Lock()
		delete(ws.pending, id)
		ws.pendingMu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrSocketClosed)
	}

	select {
	case <-ctx.Done():
		ws.pendingMu.Lock()
		delete(ws.pending, id)
		ws.pendingMu.Unlock()
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", method, res.err)
		}
		if out != nil {
			if err := json.Unmarshal(res.result, out); err != nil {
				return fmt.Errorf("decoding %s reply: %w", method, err)
			}
		}
		return nil
	}
}

// AccountSubscribe subscribes to push updates for one account and returns
// the node-assigned subscription id.
func (c *Client) AccountSubscribe(ctx context.Context, key PublicKey) (int64, error) {
	var subID int64
	params := []any{
		key.String(),
		map[string]any{"encoding": "base64", "commitment": defaultCommitment},
	}
	if err := c.wsCall(ctx, "accountSubscribe", params, &subID); err != nil {
		return 0, err
	}
	return subID, nil
}

// AccountUnsubscribe cancels an account subscription.
func (c *Client) AccountUnsubscribe(ctx context.Context, subID int64) error {
	var ok bool
	if err := c.wsCall(ctx, "accountUnsubscribe", []any{subID}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("accountUnsubscribe: node rejected subscription %d", subID)
	}
	return nil
}

// ProgramSubscribe subscribes to push updates for every account owned by a
// program.
func (c *Client) ProgramSubscribe(ctx context.Context, program PublicKey) (int64, error) {
	var subID int64
	params := []any{
		program.String(),
		map[string]any{"encoding": "base64", "commitment": defaultCommitment},
	}
	if err := c.wsCall(ctx, "programSubscribe", params, &subID); err != nil {
		return 0, err
	}
	return subID, nil
}

// ProgramUnsubscribe cancels a program subscription.
func (c *Client) ProgramUnsubscribe(ctx context.Context, subID int64) error {
	var ok bool
	if err := c.wsCall(ctx, "programUnsubscribe", []any{subID}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("programUnsubscribe: node rejected subscription %d", subID)
	}
	return nil
}

// NextUpdate blocks until the next push notification arrives, the socket
// closes, or ctx is cancelled.
func (c *Client) NextUpdate(ctx context.Context) (*Notification, error) {
	ws := c.ws
	if ws == nil {
		return nil, ErrNotConnected
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n := <-ws.notifications:
		return n, nil
	case <-ws.done:
		// Drain anything queued before the socket died.
		select {
		case n := <-ws.notifications:
			return n, nil
		default:
		}
		return nil, ErrSocketClosed
	}
}
