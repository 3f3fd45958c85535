package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SuccessImmediate(t *testing.T) {
	result, err := Retry(3, func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result != 42 {
		t.Fatalf("expected 42, got %d", result)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	calls := 0
	result, err := Retry(3, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 99, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result != 99 {
		t.Fatalf("expected 99, got %d", result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_PersistentFailure(t *testing.T) {
	calls := 0
	_, err := Retry(3, func() (int, error) {
		calls++
		return 0, errors.New("persistent")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != "persistent" {
		t.Fatalf("expected persistent error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_MaxTriesZeroOrNegative(t *testing.T) {
	for _, tries := range []int{0, -2} {
		calls := 0
		_, err := Retry(tries, func() (int, error) {
			calls++
			return 0, errors.New("fail")
		})
		if calls != 1 {
			t.Fatalf("expected 1 call for maxTries=%d, got %d", tries, calls)
		}
		if err == nil {
			t.Fatal("expected error, got nil")
		}
	}
}

func TestNewPolicy(t *testing.T) {
	tests := []struct {
		name     string
		retries  int
		attempts int
	}{
		{name: "default retries", retries: 3, attempts: 4},
		{name: "no retries", retries: 0, attempts: 1},
		{name: "negative retries", retries: -1, attempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(tt.retries, time.Second)
			if p.Attempts != tt.attempts {
				t.Fatalf("expected %d attempts, got %d", tt.attempts, p.Attempts)
			}
		})
	}
}

func TestRetryWithContext_WaitsBetweenAttempts(t *testing.T) {
	calls := 0
	start := time.Now()
	_, err := RetryWithContext(context.Background(), Policy{Attempts: 3, Delay: 20 * time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected at least 40ms of delay, got %s", elapsed)
	}
}

func TestRetryWithContext_CanceledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := RetryWithContext(ctx, Policy{Attempts: 5, Delay: time.Hour}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryWithContext_StopsOnContextError(t *testing.T) {
	calls := 0
	_, err := RetryWithContext(context.Background(), Policy{Attempts: 3}, func(context.Context) (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryWithContext_Permanent(t *testing.T) {
	sentinel := errors.New("gone")
	calls := 0
	_, err := RetryWithContext(context.Background(), Policy{Attempts: 3}, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(sentinel)
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatal("expected returned error to be unwrapped")
	}
}

func TestRetryErrWithContext(t *testing.T) {
	calls := 0
	err := RetryErrWithContext(context.Background(), Policy{Attempts: 2}, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetry2WithContext(t *testing.T) {
	a, b, err := Retry2WithContext(context.Background(), Policy{Attempts: 1}, func(context.Context) (string, int, error) {
		return "x", 7, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if a != "x" || b != 7 {
		t.Fatalf("expected (x, 7), got (%s, %d)", a, b)
	}
}
