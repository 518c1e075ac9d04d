package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sells-group/quote-extract/internal/config"
)

func failing(_ context.Context) error { return errors.New("fail") }

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := NewBreaker("claude-haiku", DefaultBreakerConfig())

	var calls int
	err := b.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if b.State() != Closed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("claude-haiku", BreakerConfig{Threshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	err := b.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker("m", BreakerConfig{Threshold: 3, ResetTimeout: time.Minute})

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	if b.Failures() != 2 {
		t.Errorf("expected 2 failures, got %d", b.Failures())
	}

	_ = b.Execute(context.Background(), func(_ context.Context) error { return nil })
	if b.Failures() != 0 {
		t.Errorf("expected failures reset, got %d", b.Failures())
	}
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	b := NewBreaker("m", BreakerConfig{Threshold: 1, ResetTimeout: time.Minute})

	_ = b.Execute(context.Background(), func(_ context.Context) error { return context.Canceled })
	if b.State() != Closed {
		t.Errorf("caller cancellation should not open the breaker, got %s", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := NewBreaker("m", BreakerConfig{Threshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	_ = b.Execute(context.Background(), failing)
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	now = now.Add(11 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", b.State())
	}

	if err := b.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker("m", BreakerConfig{Threshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	_ = b.Execute(context.Background(), failing)
	now = now.Add(11 * time.Second)
	_ = b.Execute(context.Background(), failing)

	if b.State() != Open {
		t.Errorf("expected open after failed probe, got %s", b.State())
	}
}

func TestCall_PreservesValue(t *testing.T) {
	b := NewBreaker("m", DefaultBreakerConfig())
	got, err := Call(context.Background(), b, func(_ context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestCall_RejectedWhenOpen(t *testing.T) {
	b := NewBreaker("m", BreakerConfig{Threshold: 1, ResetTimeout: time.Minute})
	_ = b.Execute(context.Background(), failing)

	got, err := Call(context.Background(), b, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got != 0 {
		t.Errorf("expected zero value, got %d", got)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker("m", BreakerConfig{Threshold: 1, ResetTimeout: time.Minute})
	_ = b.Execute(context.Background(), failing)
	b.Reset()
	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("expected clean closed breaker, got %s with %d failures", b.State(), b.Failures())
	}
}

func TestBreakers_PerModel(t *testing.T) {
	r := NewBreakers(BreakerConfig{Threshold: 1, ResetTimeout: time.Minute})

	haiku := r.Get("claude-haiku")
	if r.Get("claude-haiku") != haiku {
		t.Error("expected the same breaker for the same model")
	}
	_ = haiku.Execute(context.Background(), failing)

	states := r.States()
	if states["claude-haiku"] != Open {
		t.Errorf("expected haiku open, got %s", states["claude-haiku"])
	}
	if r.Get("claude-sonnet").State() != Closed {
		t.Error("a failing model must not open another model's breaker")
	}
}

func TestBreakers_ConcurrentGet(t *testing.T) {
	r := NewBreakers(DefaultBreakerConfig())
	var wg sync.WaitGroup
	got := make([]*Breaker, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()
	for _, b := range got {
		if b != got[0] {
			t.Fatal("concurrent Get returned different breakers")
		}
	}
}

func TestBreakerConfigFrom(t *testing.T) {
	bc := BreakerConfigFrom(config.InferenceConfig{BreakerThreshold: 7, BreakerResetSecs: 30})
	if bc.Threshold != 7 || bc.ResetTimeout != 30*time.Second {
		t.Errorf("unexpected config %+v", bc)
	}

	def := BreakerConfigFrom(config.InferenceConfig{})
	if def.Threshold != 5 || def.ResetTimeout != 60*time.Second {
		t.Errorf("unexpected defaults %+v", def)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d: got %q want %q", s, s.String(), want)
		}
	}
}
