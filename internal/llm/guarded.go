package llm

import (
	"context"

	"golang.org/x/time/rate"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
)

// Guarded rate-limits calls to an inner completer and trips a circuit
// breaker after repeated failures. Failures are tagged ERR_303.
type Guarded struct {
	inner   ChatCompleter
	limiter *rate.Limiter
	breaker *amerrors.CircuitBreaker
}

var _ ChatCompleter = (*Guarded)(nil)

// NewGuarded wraps inner. rps <= 0 uses DefaultRequestsPerSecond; a nil
// breaker gets the package defaults.
func NewGuarded(inner ChatCompleter, rps float64, breaker *amerrors.CircuitBreaker) *Guarded {
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	if breaker == nil {
		breaker = amerrors.NewCircuitBreaker("llm")
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Guarded{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
	}
}

// ChatComplete waits for a rate token, then calls the inner completer
// through the breaker.
func (g *Guarded) ChatComplete(ctx context.Context, prompt string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", amerrors.New(amerrors.ErrCodeLLMUnavailable, "rate limiter wait", err)
	}
	out, err := amerrors.ExecuteWithResult(g.breaker, func() (string, error) {
		return g.inner.ChatComplete(ctx, prompt)
	})
	if err != nil {
		return "", amerrors.New(amerrors.ErrCodeLLMUnavailable, "llm call failed", err)
	}
	return out, nil
}

// Breaker exposes the circuit breaker for status reporting.
func (g *Guarded) Breaker() *amerrors.CircuitBreaker { return g.breaker }
