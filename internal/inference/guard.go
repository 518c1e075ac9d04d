package inference

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/quote-extract/internal/config"
	"github.com/sells-group/quote-extract/internal/resilience"
)

// Guard decorates a Provider with a token-bucket limiter, a circuit
// breaker per model and a per-call timeout. An open breaker fails the call
// immediately with resilience.ErrCircuitOpen.
type Guard struct {
	next     Provider
	limiter  *rate.Limiter
	breakers *resilience.Breakers
	timeout  time.Duration
}

// GuardConfig tunes a Guard. A zero RateLimit disables throttling and a
// zero Timeout disables the per-call deadline.
type GuardConfig struct {
	RateLimit float64
	Timeout   time.Duration
	Breaker   resilience.BreakerConfig
}

// GuardConfigFrom derives a GuardConfig from inference settings.
func GuardConfigFrom(cfg config.InferenceConfig) GuardConfig {
	return GuardConfig{
		RateLimit: cfg.RateLimit,
		Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
		Breaker:   resilience.BreakerConfigFrom(cfg),
	}
}

// NewGuard wraps next.
func NewGuard(next Provider, cfg GuardConfig) *Guard {
	g := &Guard{
		next:     next,
		breakers: resilience.NewBreakers(cfg.Breaker),
		timeout:  cfg.Timeout,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// Breakers exposes the per-model breaker registry; serve reports it on /health.
func (g *Guard) Breakers() *resilience.Breakers {
	return g.breakers
}

func (g *Guard) Generate(ctx context.Context, req Request) (*Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "inference: rate limit wait")
		}
	}

	return resilience.Call(ctx, g.breakers.Get(req.Model), func(ctx context.Context) (*Response, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return g.next.Generate(ctx, req)
	})
}
