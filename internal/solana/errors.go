package solana

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited indicates the node rejected a call with HTTP 429.
	ErrRateLimited = errors.New("rate limited by node")

	// ErrSocketClosed indicates the websocket connection went away while a
	// call or read was in flight. Callers may reconnect and retry.
	ErrSocketClosed = errors.New("websocket connection closed")

	// ErrNotConnected indicates a websocket operation was attempted before
	// WSConnect succeeded.
	ErrNotConnected = errors.New("websocket not connected")
)

// TransportError wraps a network-level failure of a JSON-RPC call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether an error is transient and worth retrying with
// backoff: node rate limiting, a dropped websocket, or a transport failure.
// JSON-RPC application errors and decode faults are not retryable.
func Retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrSocketClosed) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}
