package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterTransient(t *testing.T) {
	var calls, retries int
	cfg := fastRetry()
	cfg.OnRetry = func(int, error) { retries++ }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("database is locked"), 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if retries != 2 {
		t.Errorf("expected 2 retry callbacks, got %d", retries)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("always fails"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStops(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(), func(_ context.Context) error {
		calls++
		return errors.New("constraint violation")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastRetry()
	cfg.ShouldRetry = func(error) bool { return true }

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("anything")
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ContextCanceledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, fastRetry(), func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("temporary"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancel, got %d", calls)
	}
}

func TestWait(t *testing.T) {
	start := time.Now()
	if err := Wait(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("Wait returned early")
	}
}

func TestWait_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Wait(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait did not return promptly on cancel")
	}
}

func TestWait_ZeroDuration(t *testing.T) {
	if err := Wait(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestComputeBackoff_Capped(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     10,
	})
	if d := computeBackoff(0, cfg); d != 100*time.Millisecond {
		t.Errorf("attempt 0: got %s", d)
	}
	if d := computeBackoff(3, cfg); d != 300*time.Millisecond {
		t.Errorf("attempt 3: got %s, want cap", d)
	}
}
