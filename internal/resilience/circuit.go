// Package resilience provides circuit breakers, retries, and fixed backoff
// for calls to the inference service and the usage sink.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/config"
)

// State is the state of a circuit breaker.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the reset timeout elapses.
	Open
	// HalfOpen lets probe calls through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the breaker is open.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// Probes is the number of successful half-open calls needed to close.
	Probes int
	// ShouldTrip decides whether an error counts as a failure. Defaults to
	// every error except caller cancellation.
	ShouldTrip func(err error) bool
}

// DefaultBreakerConfig returns the defaults used for inference models.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:    5,
		ResetTimeout: 60 * time.Second,
		Probes:       1,
	}
}

// BreakerConfigFrom builds a BreakerConfig from inference settings.
func BreakerConfigFrom(cfg config.InferenceConfig) BreakerConfig {
	bc := DefaultBreakerConfig()
	if cfg.BreakerThreshold > 0 {
		bc.Threshold = cfg.BreakerThreshold
	}
	if cfg.BreakerResetSecs > 0 {
		bc.ResetTimeout = time.Duration(cfg.BreakerResetSecs) * time.Second
	}
	return bc
}

func tripsByDefault(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Breaker is a circuit breaker guarding a single named dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	// now allows test injection of time.
	now func() time.Time
}

// NewBreaker creates a breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = tripsByDefault
	}
	return &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
}

// Name returns the dependency the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the current state, reporting HalfOpen once an open breaker's
// reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(HalfOpen)
		return nil
	}
	return eris.Wrapf(ErrCircuitOpen, "resilience: %s", b.name)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.ShouldTrip(err) {
		switch b.state {
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.transition(Closed)
				b.failures = 0
				b.successes = 0
			}
		case Closed:
			b.failures = 0
		}
		return
	}

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.Threshold {
			b.openedAt = b.now()
			b.transition(Open)
		}
	case HalfOpen:
		// Any half-open failure reopens.
		b.openedAt = b.now()
		b.successes = 0
		b.transition(Open)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	zap.L().Warn("resilience: breaker state change",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", b.failures),
	)
}

// Breakers holds one breaker per model identifier.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state.
func (r *Breakers) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
