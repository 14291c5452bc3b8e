package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/cortex-relay/internal/metrics"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COST RATES (per million tokens)
// ═══════════════════════════════════════════════════════════════════════════════

// ProviderCostRates defines cost per million tokens for a provider.
type ProviderCostRates struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// CostRates maps provider names to their token costs (USD per million tokens).
var CostRates = map[string]ProviderCostRates{
	"anthropic": {3.00, 15.00}, // Claude 3.5 Sonnet
	"gemini":    {0.10, 0.40},  // Gemini 2.0 Flash
}

// GetCostRate returns the cost rate for a provider.
func GetCostRate(provider string) ProviderCostRates {
	if rate, ok := CostRates[provider]; ok {
		return rate
	}
	return ProviderCostRates{1.0, 2.0}
}

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS PROVIDER
// ═══════════════════════════════════════════════════════════════════════════════

// MetricsProvider wraps a provider with timing and usage collection. Every
// call is also reported to the Prometheus instruments in internal/metrics.
type MetricsProvider struct {
	provider Provider
	name     string

	totalCalls        int64
	totalErrors       int64
	totalInputTokens  int64
	totalOutputTokens int64

	mu               sync.RWMutex
	totalLatency     time.Duration
	minLatency       time.Duration
	maxLatency       time.Duration
	modelStats       map[string]*ModelMetrics
	estimatedCostUSD float64
}

// ModelMetrics tracks per-model performance.
type ModelMetrics struct {
	Calls         int64
	Errors        int64
	TotalLatency  time.Duration
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
}

// Stats is a point-in-time snapshot of a MetricsProvider.
type Stats struct {
	Provider      string
	Calls         int64
	Errors        int64
	InputTokens   int64
	OutputTokens  int64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	EstimatedCost float64
	Models        map[string]ModelMetrics
}

// NewMetricsProvider wraps a provider with metrics collection.
func NewMetricsProvider(provider Provider) *MetricsProvider {
	return &MetricsProvider{
		provider:   provider,
		name:       provider.Name(),
		minLatency: time.Hour,
		modelStats: make(map[string]*ModelMetrics),
	}
}

// Complete implements Provider with metrics.
func (m *MetricsProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	log.Debug().Str("provider", m.name).Str("model", req.Model).Int("messages", len(req.Messages)).Msg("completion started")

	resp, err := m.provider.Complete(ctx, req)
	latency := time.Since(start)

	atomic.AddInt64(&m.totalCalls, 1)
	if err != nil {
		atomic.AddInt64(&m.totalErrors, 1)
	}

	model := req.Model
	if resp != nil && resp.Model != "" {
		model = resp.Model
	}

	var callCost float64
	m.mu.Lock()
	m.totalLatency += latency
	if latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	stats, ok := m.modelStats[model]
	if !ok {
		stats = &ModelMetrics{}
		m.modelStats[model] = stats
	}
	stats.Calls++
	stats.TotalLatency += latency
	if err != nil {
		stats.Errors++
	}
	if resp != nil {
		rates := GetCostRate(m.name)
		callCost = float64(resp.InputTokens)/1_000_000.0*rates.InputPerMillion +
			float64(resp.OutputTokens)/1_000_000.0*rates.OutputPerMillion
		stats.InputTokens += int64(resp.InputTokens)
		stats.OutputTokens += int64(resp.OutputTokens)
		stats.EstimatedCost += callCost
		m.estimatedCostUSD += callCost
	}
	m.mu.Unlock()

	metrics.ProviderLatency.WithLabelValues(m.name).Observe(latency.Seconds())
	metrics.ProviderRequests.WithLabelValues(m.name, statusLabel(err)).Inc()

	if err != nil {
		log.Warn().Err(err).Str("provider", m.name).Str("model", model).Dur("latency", latency).Msg("completion failed")
		return resp, err
	}

	atomic.AddInt64(&m.totalInputTokens, int64(resp.InputTokens))
	atomic.AddInt64(&m.totalOutputTokens, int64(resp.OutputTokens))
	metrics.ProviderTokens.WithLabelValues(m.name, "input").Add(float64(resp.InputTokens))
	metrics.ProviderTokens.WithLabelValues(m.name, "output").Add(float64(resp.OutputTokens))

	log.Info().
		Str("provider", m.name).
		Str("model", model).
		Dur("latency", latency).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Str("stop_reason", resp.StopReason).
		Float64("cost_usd", callCost).
		Msg("completion finished")

	return resp, nil
}

// statusLabel maps an error to the provider_requests status label.
func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *types.ProviderError
	if errors.As(err, &pe) && pe.Status != 0 {
		return strconv.Itoa(pe.Status)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

// Name implements Provider.
func (m *MetricsProvider) Name() string {
	return m.name
}

// Available implements Provider.
func (m *MetricsProvider) Available() bool {
	return m.provider.Available()
}

// Stats returns a snapshot of the collected metrics.
func (m *MetricsProvider) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Provider:      m.name,
		Calls:         atomic.LoadInt64(&m.totalCalls),
		Errors:        atomic.LoadInt64(&m.totalErrors),
		InputTokens:   atomic.LoadInt64(&m.totalInputTokens),
		OutputTokens:  atomic.LoadInt64(&m.totalOutputTokens),
		MaxLatency:    m.maxLatency,
		EstimatedCost: m.estimatedCostUSD,
		Models:        make(map[string]ModelMetrics, len(m.modelStats)),
	}
	if s.Calls > 0 {
		s.AvgLatency = m.totalLatency / time.Duration(s.Calls)
		s.MinLatency = m.minLatency
	}
	for model, stats := range m.modelStats {
		s.Models[model] = *stats
	}
	return s
}

// Summary returns a human-readable usage line, used by the !status command.
func (m *MetricsProvider) Summary() string {
	s := m.Stats()
	if s.Calls == 0 {
		return fmt.Sprintf("%s: no calls", m.name)
	}
	return fmt.Sprintf("%s: %d calls (%d failed), %d tokens in, %d tokens out, avg %v, $%.4f",
		m.name, s.Calls, s.Errors, s.InputTokens, s.OutputTokens, s.AvgLatency.Round(time.Millisecond), s.EstimatedCost)
}

// Reset clears all metrics.
func (m *MetricsProvider) Reset() {
	atomic.StoreInt64(&m.totalCalls, 0)
	atomic.StoreInt64(&m.totalErrors, 0)
	atomic.StoreInt64(&m.totalInputTokens, 0)
	atomic.StoreInt64(&m.totalOutputTokens, 0)

	m.mu.Lock()
	m.totalLatency = 0
	m.minLatency = time.Hour
	m.maxLatency = 0
	m.modelStats = make(map[string]*ModelMetrics)
	m.estimatedCostUSD = 0
	m.mu.Unlock()
}

// Unwrap returns the underlying provider.
func (m *MetricsProvider) Unwrap() Provider {
	return m.provider
}
