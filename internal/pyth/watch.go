package pyth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/pyth-data/internal/solana"
)

// WatchTransport is the websocket surface a WatchSession drives. The Solana
// client implements it.
type WatchTransport interface {
	WSConnect(ctx context.Context) error
	WSDisconnect() error
	AccountSubscribe(ctx context.Context, key solana.PublicKey) (int64, error)
	AccountUnsubscribe(ctx context.Context, subID int64) error
	ProgramSubscribe(ctx context.Context, program solana.PublicKey) (int64, error)
	ProgramUnsubscribe(ctx context.Context, subID int64) error
	NextUpdate(ctx context.Context) (*solana.Notification, error)
}

// WatchSession maintains a set of account and program subscriptions over a
// websocket connection and applies push updates to the mirrored accounts.
// When the connection drops, the session reconnects and restores the full
// subscription set, pending subscriptions included.
type WatchSession struct {
	transport    WatchTransport
	logger       *slog.Logger
	backoff      solana.BackoffConfig
	resubTimeout time.Duration

	mu                sync.Mutex
	pendingSub        map[solana.PublicKey]solana.Account
	subIDToAccount    map[int64]solana.Account
	accountKeyToSubID map[solana.PublicKey]int64

	pendingProgramSub  map[solana.PublicKey]map[string]solana.Account
	subIDToProgMembers map[int64]map[string]solana.Account
	programKeyToSubID  map[solana.PublicKey]int64

	reconnect singleflight.Group
}

// WatchOption configures a WatchSession.
type WatchOption func(*WatchSession)

// WithWatchLogger sets the session's logger.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(s *WatchSession) {
		s.logger = logger
	}
}

// WithWatchBackoff overrides the reconnect retry policy.
func WithWatchBackoff(cfg solana.BackoffConfig) WatchOption {
	return func(s *WatchSession) {
		s.backoff = cfg
	}
}

// WithResubscribeTimeout bounds each subscription request made while
// restoring state after a reconnect. A timed-out request is logged and
// skipped instead of stalling the reconnect. Zero means no bound.
func WithResubscribeTimeout(d time.Duration) WatchOption {
	return func(s *WatchSession) {
		s.resubTimeout = d
	}
}

// NewWatchSession builds a session over the given transport.
func NewWatchSession(transport WatchTransport, opts ...WatchOption) *WatchSession {
	s := &WatchSession{
		transport:          transport,
		logger:             slog.Default(),
		backoff:            solana.DefaultBackoff,
		pendingSub:         make(map[solana.PublicKey]solana.Account),
		subIDToAccount:     make(map[int64]solana.Account),
		accountKeyToSubID:  make(map[solana.PublicKey]int64),
		pendingProgramSub:  make(map[solana.PublicKey]map[string]solana.Account),
		subIDToProgMembers: make(map[int64]map[string]solana.Account),
		programKeyToSubID:  make(map[solana.PublicKey]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the websocket connection.
func (s *WatchSession) Connect(ctx context.Context) error {
	return s.transport.WSConnect(ctx)
}

// Disconnect closes the websocket connection. Errors are logged, not
// returned; the connection is gone either way.
func (s *WatchSession) Disconnect() {
	if err := s.transport.WSDisconnect(); err != nil {
		s.logger.Error("error while disconnecting websocket", "error", err)
	}
}

// Subscribe subscribes to push updates for one account. Already-subscribed
// accounts are a no-op. On failure the session reconnects, which retries the
// subscription as part of restoring the set.
func (s *WatchSession) Subscribe(ctx context.Context, account solana.Account) error {
	return s.subscribe(ctx, account, false)
}

func (s *WatchSession) subscribe(ctx context.Context, account solana.Account, reconnecting bool) error {
	key := account.Key()
	s.mu.Lock()
	if _, ok := s.accountKeyToSubID[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.pendingSub[key] = account
	s.mu.Unlock()

	subID, err := s.transport.AccountSubscribe(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if reconnecting {
			return err
		}
		s.logger.Error("error while subscribing to account", "account", key, "error", err)
		return s.Reconnect(ctx)
	}

	s.mu.Lock()
	delete(s.pendingSub, key)
	s.accountKeyToSubID[key] = subID
	s.subIDToAccount[subID] = account
	s.mu.Unlock()
	return nil
}

// Unsubscribe cancels an account subscription. Unknown accounts are a
// no-op. The bookkeeping is dropped before the node is told, so no further
// updates are dispatched even if the unsubscribe call fails.
func (s *WatchSession) Unsubscribe(ctx context.Context, account solana.Account) error {
	key := account.Key()
	s.mu.Lock()
	subID, ok := s.accountKeyToSubID[key]
	if ok {
		delete(s.accountKeyToSubID, key)
		delete(s.subIDToAccount, subID)
	}
	delete(s.pendingSub, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.transport.AccountUnsubscribe(ctx, subID); err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.logger.Error("error while unsubscribing from account", "account", key, "error", err)
		return s.Reconnect(ctx)
	}
	return nil
}

// SubscribeProgram subscribes to push updates for every account a program
// owns. accounts lists the known member accounts; updates for members not in
// the list are logged and skipped until UpdateProgramAccounts adds them.
func (s *WatchSession) SubscribeProgram(ctx context.Context, program solana.PublicKey, accounts []solana.Account) error {
	return s.subscribeProgram(ctx, program, memberMap(accounts), false)
}

func memberMap(accounts []solana.Account) map[string]solana.Account {
	members := make(map[string]solana.Account, len(accounts))
	for _, a := range accounts {
		members[a.Key().String()] = a
	}
	return members
}

func (s *WatchSession) subscribeProgram(ctx context.Context, program solana.PublicKey, members map[string]solana.Account, reconnecting bool) error {
	s.mu.Lock()
	if _, ok := s.programKeyToSubID[program]; ok {
		s.mu.Unlock()
		return nil
	}
	s.pendingProgramSub[program] = members
	s.mu.Unlock()

	subID, err := s.transport.ProgramSubscribe(ctx, program)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if reconnecting {
			return err
		}
		s.logger.Error("error while subscribing to program", "program", program, "error", err)
		return s.Reconnect(ctx)
	}

	s.mu.Lock()
	delete(s.pendingProgramSub, program)
	s.programKeyToSubID[program] = subID
	s.subIDToProgMembers[subID] = members
	s.mu.Unlock()
	return nil
}

// UnsubscribeProgram cancels a program subscription.
func (s *WatchSession) UnsubscribeProgram(ctx context.Context, program solana.PublicKey) error {
	s.mu.Lock()
	subID, ok := s.programKeyToSubID[program]
	if ok {
		delete(s.programKeyToSubID, program)
		delete(s.subIDToProgMembers, subID)
	}
	delete(s.pendingProgramSub, program)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.transport.ProgramUnsubscribe(ctx, subID); err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.logger.Error("error while unsubscribing from program", "program", program, "error", err)
		return s.Reconnect(ctx)
	}
	return nil
}

// UpdateProgramAccounts replaces the member account set of an active program
// subscription, typically after new accounts were discovered.
func (s *WatchSession) UpdateProgramAccounts(program solana.PublicKey, accounts []solana.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subID, ok := s.programKeyToSubID[program]
	if !ok {
		return fmt.Errorf("not subscribed to program %s", program)
	}
	s.subIDToProgMembers[subID] = memberMap(accounts)
	return nil
}

// Reconnect tears the connection down, reconnects with backoff and restores
// every subscription, pending ones included, under fresh subscription ids.
// Concurrent callers share a single reconnect attempt.
func (s *WatchSession) Reconnect(ctx context.Context) error {
	_, err, _ := s.reconnect.Do("reconnect", func() (any, error) {
		return nil, solana.WithRetry(ctx, s.backoff, s.logger, func() error {
			return s.reconnectOnce(ctx)
		})
	})
	return err
}

func (s *WatchSession) reconnectOnce(ctx context.Context) error {
	s.logger.Debug("reconnecting websocket")
	s.Disconnect()
	if err := s.transport.WSConnect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	var accounts []solana.Account
	for _, a := range s.pendingSub {
		accounts = append(accounts, a)
	}
	for _, a := range s.subIDToAccount {
		accounts = append(accounts, a)
	}
	type programSub struct {
		program solana.PublicKey
		members map[string]solana.Account
	}
	var programs []programSub
	for program, members := range s.pendingProgramSub {
		programs = append(programs, programSub{program, members})
	}
	for program, subID := range s.programKeyToSubID {
		programs = append(programs, programSub{program, s.subIDToProgMembers[subID]})
	}
	s.pendingSub = make(map[solana.PublicKey]solana.Account)
	s.subIDToAccount = make(map[int64]solana.Account)
	s.accountKeyToSubID = make(map[solana.PublicKey]int64)
	s.pendingProgramSub = make(map[solana.PublicKey]map[string]solana.Account)
	s.subIDToProgMembers = make(map[int64]map[string]solana.Account)
	s.programKeyToSubID = make(map[solana.PublicKey]int64)
	s.mu.Unlock()

	s.logger.Debug("connected, resubscribing",
		"accounts", len(accounts), "programs", len(programs))
	for _, account := range accounts {
		if err := s.resubscribe(ctx, func(reqCtx context.Context) error {
			return s.subscribe(reqCtx, account, true)
		}); err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.logger.Error("error while resubscribing to account",
				"account", account.Key(), "error", err)
		}
	}
	for _, p := range programs {
		if err := s.resubscribe(ctx, func(reqCtx context.Context) error {
			return s.subscribeProgram(reqCtx, p.program, p.members, true)
		}); err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.logger.Error("error while resubscribing to program",
				"program", p.program, "error", err)
		}
	}
	s.logger.Debug("resubscribed")
	return nil
}

// resubscribe runs one subscription request under the configured
// resubscribe timeout, if any.
func (s *WatchSession) resubscribe(ctx context.Context, fn func(context.Context) error) error {
	if s.resubTimeout <= 0 {
		return fn(ctx)
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.resubTimeout)
	defer cancel()
	return fn(reqCtx)
}

// NextUpdate blocks until the next push update arrives for a subscribed
// account, applies it and returns the account. A dropped connection
// triggers a reconnect; updates for unknown subscriptions or program members
// are logged and skipped. Decode failures propagate to the caller.
func (s *WatchSession) NextUpdate(ctx context.Context) (solana.Account, error) {
	for {
		n, err := s.transport.NextUpdate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			s.logger.Warn("error while retrieving update", "error", err)
			if err := s.Reconnect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		switch n.Method {
		case "accountNotification":
			s.mu.Lock()
			account := s.subIDToAccount[n.SubID]
			s.mu.Unlock()
			if account == nil {
				s.logger.Warn("update for unknown account subscription",
					"subscription", n.SubID)
				continue
			}
			if err := account.UpdateWithRPCResponse(n.Slot, n.Value); err != nil {
				return nil, err
			}
			return account, nil
		case "programNotification":
			s.mu.Lock()
			account := s.subIDToProgMembers[n.SubID][n.Pubkey]
			s.mu.Unlock()
			if account == nil {
				s.logger.Warn("update for uninitialised program member account",
					"subscription", n.SubID, "account", n.Pubkey)
				continue
			}
			if err := account.UpdateWithRPCResponse(n.Slot, n.Value); err != nil {
				return nil, err
			}
			return account, nil
		default:
			s.logger.Debug("unrecognised update from node", "method", n.Method)
		}
	}
}
