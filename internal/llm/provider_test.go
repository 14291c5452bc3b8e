package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/normanking/cortex-relay/internal/config"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls    int64
	inflight int64
	peak     int64
	delay    time.Duration
	err      error
}

func (p *countingProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	atomic.AddInt64(&p.calls, 1)
	n := atomic.AddInt64(&p.inflight, 1)
	defer atomic.AddInt64(&p.inflight, -1)
	for {
		peak := atomic.LoadInt64(&p.peak)
		if n <= peak || atomic.CompareAndSwapInt64(&p.peak, peak, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.err != nil {
		return nil, p.err
	}
	return &Response{Text: "ok", Model: req.Model, InputTokens: 1000, OutputTokens: 100}, nil
}

func (p *countingProvider) Name() string    { return "anthropic" }
func (p *countingProvider) Available() bool { return true }

func TestMetricsProvider_CountsCallsAndTokens(t *testing.T) {
	inner := &countingProvider{}
	m := NewMetricsProvider(inner)

	for i := 0; i < 3; i++ {
		_, err := m.Complete(t.Context(), &Request{Model: "m1"})
		require.NoError(t, err)
	}

	s := m.Stats()
	assert.EqualValues(t, 3, s.Calls)
	assert.EqualValues(t, 0, s.Errors)
	assert.EqualValues(t, 3000, s.InputTokens)
	assert.EqualValues(t, 300, s.OutputTokens)
	assert.Greater(t, s.EstimatedCost, 0.0)
	assert.EqualValues(t, 3, s.Models["m1"].Calls)
	assert.Contains(t, m.Summary(), "3 calls")

	m.Reset()
	assert.Equal(t, "anthropic: no calls", m.Summary())
}

func TestMetricsProvider_CountsErrors(t *testing.T) {
	inner := &countingProvider{err: &types.ProviderError{Provider: "anthropic", Status: 500, Err: errors.New("boom")}}
	m := NewMetricsProvider(inner)

	_, err := m.Complete(t.Context(), &Request{Model: "m1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProvider))

	s := m.Stats()
	assert.EqualValues(t, 1, s.Calls)
	assert.EqualValues(t, 1, s.Errors)
	assert.Equal(t, m.Unwrap(), Provider(inner))
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "ok", statusLabel(nil))
	assert.Equal(t, "429", statusLabel(&types.ProviderError{Status: 429, Err: errors.New("slow down")}))
	assert.Equal(t, "canceled", statusLabel(context.Canceled))
	assert.Equal(t, "error", statusLabel(errors.New("x")))
}

func TestRateLimitedProvider_CapsConcurrency(t *testing.T) {
	inner := &countingProvider{delay: 20 * time.Millisecond}
	rl := NewRateLimitedProvider(inner, RateLimits{ConcurrentRequests: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rl.Complete(context.Background(), &Request{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 8, atomic.LoadInt64(&inner.calls))
	assert.LessOrEqual(t, atomic.LoadInt64(&inner.peak), int64(2))
}

func TestRateLimitedProvider_HonoursCancellation(t *testing.T) {
	inner := &countingProvider{}
	// One token, refilled once per minute.
	rl := NewRateLimitedProvider(inner, RateLimits{RequestsPerMinute: 1, BurstSize: 1})

	_, err := rl.Complete(t.Context(), &Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	_, err = rl.Complete(ctx, &Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, atomic.LoadInt64(&inner.calls))
	assert.EqualValues(t, 1, rl.Waited())
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.APIKey = "k"

	p, err := NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.True(t, p.Available())
	_, limited := p.Unwrap().(*RateLimitedProvider)
	assert.True(t, limited)

	cfg.LLM.Provider = "gemini"
	cfg.LLM.RequestsPerMinute = 0
	cfg.LLM.MaxConcurrent = 0
	p, err = NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
	_, isGemini := p.Unwrap().(*GeminiProvider)
	assert.True(t, isGemini)

	cfg.LLM.Provider = "ollama"
	_, err = NewProvider(cfg)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
