package solana

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func testBackoff() BackoffConfig {
	return BackoffConfig{MaxTries: 4, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), testBackoff(), slog.Default(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), testBackoff(), slog.Default(), func() error {
		calls++
		if calls < 3 {
			return ErrRateLimited
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("bad account data")
	calls := 0
	err := WithRetry(context.Background(), testBackoff(), slog.Default(), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("err = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), testBackoff(), slog.Default(), func() error {
		calls++
		return ErrSocketClosed
	})
	if !errors.Is(err, ErrSocketClosed) {
		t.Errorf("err = %v, want ErrSocketClosed", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := WithRetry(ctx, testBackoff(), slog.Default(), func() error {
		calls++
		cancel()
		return ErrRateLimited
	})
	if err == nil {
		t.Fatal("WithRetry succeeded despite cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(ErrRateLimited) {
		t.Error("ErrRateLimited not retryable")
	}
	if !Retryable(ErrSocketClosed) {
		t.Error("ErrSocketClosed not retryable")
	}
	if !Retryable(&TransportError{Op: "getSlot", Err: errors.New("connection refused")}) {
		t.Error("TransportError not retryable")
	}
	if Retryable(errors.New("wrong magic")) {
		t.Error("decode error reported as retryable")
	}
	if Retryable(&RPCError{Code: -32602, Message: "invalid params"}) {
		t.Error("rpc error reported as retryable")
	}
}
