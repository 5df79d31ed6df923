package router

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/aria-run/aria/pkg/types"
)

const (
	defaultMaxRetries    = 3
	defaultBackoffBase   = 500 * time.Millisecond
	defaultBackoffFactor = 2
	defaultJitterFrac    = 0.5
)

// BackoffPolicy parameterizes the retry loop's exponential-backoff-with-
// full-jitter schedule.
type BackoffPolicy struct {
	MaxRetries int
	Base       time.Duration
	Factor     float64
	JitterFrac float64
}

func defaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxRetries: defaultMaxRetries,
		Base:       defaultBackoffBase,
		Factor:     defaultBackoffFactor,
		JitterFrac: defaultJitterFrac,
	}
}

// entry pairs a provider with its dedicated breaker.
type entry struct {
	provider Provider
	breaker  *CircuitBreaker
}

// Router dispatches model requests to a primary provider, retrying
// transient failures with exponential backoff and falling back to a
// configured secondary provider when the primary's breaker is open.
type Router struct {
	primary  entry
	fallback *entry
	backoff  BackoffPolicy
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithFallback registers a fallback provider tried when the primary's
// breaker is open.
func WithFallback(p Provider, threshold int, cooldown time.Duration) Option {
	return func(r *Router) {
		r.fallback = &entry{provider: p, breaker: NewCircuitBreaker(threshold, cooldown)}
	}
}

// WithBackoffPolicy overrides the default retry schedule. Intended for
// tests that need to run the retry loop without real wall-clock delays.
func WithBackoffPolicy(policy BackoffPolicy) Option {
	return func(r *Router) { r.backoff = policy }
}

// New constructs a Router around primary, with breaker parameters
// threshold (default 5) and cooldown (default 30s) if zero-valued.
func New(primary Provider, threshold int, cooldown time.Duration, opts ...Option) *Router {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	r := &Router{
		primary: entry{provider: primary, breaker: NewCircuitBreaker(threshold, cooldown)},
		backoff: defaultBackoffPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke sends req to the primary provider, retrying transient failures
// and falling back per the breaker/fallback rules.
func (r *Router) Invoke(ctx context.Context, req Request) (NormalizedResponse, error) {
	resp, err := r.invokeWithBreaker(ctx, &r.primary, req)
	if err == nil {
		return resp, nil
	}

	if kind, ok := types.KindOf(err); ok && kind == types.KindCircuitBreakerOpen && r.fallback != nil {
		return r.invokeWithBreaker(ctx, r.fallback, req)
	}

	return NormalizedResponse{}, err
}

func (r *Router) invokeWithBreaker(ctx context.Context, e *entry, req Request) (NormalizedResponse, error) {
	allowed, isProbe := e.breaker.Allow()
	if !allowed {
		return NormalizedResponse{}, types.New(types.KindCircuitBreakerOpen,
			fmt.Sprintf("provider %q circuit breaker is open", e.provider.Name()))
	}

	resp, err := r.invokeWithRetry(ctx, e.provider, req)
	if err != nil {
		if isProbe || isRetryableOrProbeFailure(err) {
			e.breaker.RecordFailure()
		}
		return NormalizedResponse{}, err
	}

	e.breaker.RecordSuccess()
	return resp, nil
}

func isRetryableOrProbeFailure(err error) bool {
	kind, ok := types.KindOf(err)
	if !ok {
		return false
	}
	return kind == types.KindModelProviderError || kind == types.KindModelRateLimitError
}

// invokeWithRetry retries transient failures up to the backoff policy's
// MaxRetries with full-jitter exponential backoff. Retries do not
// consume step budget, only wall-clock/deadline.
func (r *Router) invokeWithRetry(ctx context.Context, p Provider, req Request) (NormalizedResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= r.backoff.MaxRetries; attempt++ {
		resp, err := p.Send(ctx, req)
		if err == nil {
			resp.Cost = p.EstimateCost(req, resp)
			if resp.Kind == ResponseToolCall {
				if !isStructuredArgs(resp.ToolArgs) {
					return NormalizedResponse{}, types.New(types.KindModelResponseMalformed,
						fmt.Sprintf("provider %q returned non-structured tool arguments", p.Name()))
				}
				if !inCatalog(req.ToolCatalog, resp.ToolName) {
					return NormalizedResponse{}, types.New(types.KindModelResponseMalformed,
						fmt.Sprintf("provider %q named tool %q, which is not in the offered catalog", p.Name(), resp.ToolName))
				}
			}
			return resp, nil
		}

		lastErr = err
		if attempt == r.backoff.MaxRetries || !isRetryableOrProbeFailure(err) {
			break
		}

		if sleepErr := r.sleepWithJitter(ctx, attempt); sleepErr != nil {
			return NormalizedResponse{}, sleepErr
		}
	}
	return NormalizedResponse{}, lastErr
}

func isStructuredArgs(args map[string]any) bool {
	return args != nil
}

func inCatalog(catalog []ToolDescriptor, name string) bool {
	for _, t := range catalog {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (r *Router) sleepWithJitter(ctx context.Context, attempt int) error {
	delay := r.backoff.Base
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * r.backoff.Factor)
	}

	maxJitter := time.Duration(float64(delay) * r.backoff.JitterFrac)
	jitter := time.Duration(0)
	if maxJitter > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(maxJitter)))
		if err == nil {
			jitter = time.Duration(n.Int64())
		}
	}

	select {
	case <-ctx.Done():
		return types.New(types.KindDeadlineExceeded, "context cancelled while backing off before retry")
	case <-time.After(delay + jitter):
		return nil
	}
}
