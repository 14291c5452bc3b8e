package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimits defines throttling for a completion endpoint.
type RateLimits struct {
	// RequestsPerMinute limits API calls per minute; 0 disables the bucket
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`

	// ConcurrentRequests limits parallel API calls; 0 means unlimited
	ConcurrentRequests int `yaml:"concurrent_requests" json:"concurrent_requests"`

	// BurstSize allows temporary bursts above the rate
	BurstSize int `yaml:"burst_size" json:"burst_size"`
}

// DefaultRateLimits returns default limits for the supported providers.
func DefaultRateLimits(provider string) RateLimits {
	switch provider {
	case "anthropic":
		return RateLimits{RequestsPerMinute: 60, ConcurrentRequests: 5, BurstSize: 10}
	case "gemini":
		return RateLimits{RequestsPerMinute: 60, ConcurrentRequests: 10, BurstSize: 15}
	default:
		return RateLimits{RequestsPerMinute: 30, ConcurrentRequests: 3, BurstSize: 5}
	}
}

// RateLimitedProvider throttles calls to an underlying provider with a token
// bucket and a concurrency cap. Reasoning rounds issue several requests per
// reply, so a burst of users can otherwise trip the endpoint's own limits.
type RateLimitedProvider struct {
	provider Provider
	bucket   *tokenBucket

	waited int64
}

// NewRateLimitedProvider wraps provider with the given limits.
func NewRateLimitedProvider(provider Provider, limits RateLimits) *RateLimitedProvider {
	return &RateLimitedProvider{
		provider: provider,
		bucket:   newTokenBucket(limits),
	}
}

// Complete waits for a slot, then forwards the request.
func (r *RateLimitedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if wait := r.bucket.waitTime(); wait > 0 {
		atomic.AddInt64(&r.waited, 1)
		log.Debug().Str("provider", r.provider.Name()).Dur("wait", wait).Msg("rate limited, waiting for slot")
	}
	if err := r.bucket.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.bucket.release()

	return r.provider.Complete(ctx, req)
}

// Name implements Provider.
func (r *RateLimitedProvider) Name() string { return r.provider.Name() }

// Available implements Provider.
func (r *RateLimitedProvider) Available() bool { return r.provider.Available() }

// Waited returns how many requests had to wait for a token.
func (r *RateLimitedProvider) Waited() int64 { return atomic.LoadInt64(&r.waited) }

// Unwrap returns the underlying provider.
func (r *RateLimitedProvider) Unwrap() Provider { return r.provider }

// ─────────────────────────────────────────────────────────────────────────────
// TOKEN BUCKET IMPLEMENTATION
// ─────────────────────────────────────────────────────────────────────────────

// tokenBucket implements the token bucket algorithm with an optional
// concurrency semaphore.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	slots chan struct{}
}

func newTokenBucket(limits RateLimits) *tokenBucket {
	refillRate := float64(limits.RequestsPerMinute) / 60.0
	maxTokens := float64(limits.BurstSize)
	if maxTokens < 1 {
		maxTokens = float64(limits.RequestsPerMinute) / 6.0 // 10 second burst
	}
	if maxTokens < 1 {
		maxTokens = 1
	}

	tb := &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
	if limits.ConcurrentRequests > 0 {
		tb.slots = make(chan struct{}, limits.ConcurrentRequests)
	}
	return tb
}

// acquire blocks until a token and a concurrency slot are available or ctx
// is cancelled.
func (tb *tokenBucket) acquire(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill()
		if tb.refillRate <= 0 || tb.tokens >= 1 {
			if tb.refillRate > 0 {
				tb.tokens--
			}
			tb.mu.Unlock()
			break
		}
		wait := time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
		tb.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if tb.slots == nil {
		return nil
	}
	select {
	case tb.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns a concurrency slot.
func (tb *tokenBucket) release() {
	if tb.slots != nil {
		<-tb.slots
	}
}

// refill adds tokens based on elapsed time (must be called with lock held).
func (tb *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}

// waitTime returns estimated time until a token is available.
func (tb *tokenBucket) waitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.refillRate <= 0 || tb.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
}
