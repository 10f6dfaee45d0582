package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		if got := IsRetryableStatus(tc.code); got != tc.want {
			t.Fatalf("IsRetryableStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableEngineCode(t *testing.T) {
	for _, code := range []string{EngineCodeRateLimited, EngineCodeOverloaded, EngineCodeUpstreamTimeout, EngineCodeQueueOverflow} {
		if !IsRetryableEngineCode(code) {
			t.Fatalf("IsRetryableEngineCode(%q) = false, want true", code)
		}
	}
	for _, code := range []string{"", "auth_failed", "session_closed", "mock_failure"} {
		if IsRetryableEngineCode(code) {
			t.Fatalf("IsRetryableEngineCode(%q) = true, want false", code)
		}
	}
}

func TestPolicyBackoffCap(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Cap: 700 * time.Millisecond}
	if got := p.Backoff(0); got != p.Base {
		t.Fatalf("Backoff(0) = %v, want %v", got, p.Base)
	}
	if got := p.Backoff(1); got != 200*time.Millisecond {
		t.Fatalf("Backoff(1) = %v, want 200ms", got)
	}
	if got := p.Backoff(10); got != p.Cap {
		t.Fatalf("Backoff(10) = %v, want %v", got, p.Cap)
	}
}

type tempErr struct{ temporary bool }

func (e tempErr) Error() string   { return "temp" }
func (e tempErr) Temporary() bool { return e.temporary }

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), Policy{Attempts: 5, Base: time.Millisecond, Cap: time.Millisecond}, Retryable,
		func(context.Context, int) (string, error) {
			calls++
			if calls < 3 {
				return "", tempErr{temporary: true}
			}
			return "ok", nil
		})
	if err != nil || got != "ok" {
		t.Fatalf("Retry() = %q, %v; want ok, nil", got, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryReturnsPermanentErrorImmediately(t *testing.T) {
	calls := 0
	permanent := errors.New("bad request")
	_, err := Retry(context.Background(), Policy{Attempts: 5, Base: time.Millisecond, Cap: time.Millisecond}, Retryable,
		func(context.Context, int) (int, error) {
			calls++
			return 0, permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("Retry() error = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}, nil,
		func(context.Context, int) (int, error) {
			calls++
			return 0, tempErr{temporary: true}
		})
	if err == nil {
		t.Fatalf("Retry() error = nil, want last error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, DefaultPolicy(), nil, func(context.Context, int) (int, error) {
		t.Fatalf("fn called with cancelled context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() error = %v, want context.Canceled", err)
	}
}
