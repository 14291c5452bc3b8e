// Package llm provides completion endpoint clients for the relay.
// Supports Anthropic (Messages API) and Google Gemini.
package llm

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/normanking/cortex-relay/pkg/types"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	// This prevents memory exhaustion from malformed/malicious error responses
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseSize limits a decoded completion response (16MB)
	MaxResponseSize = 16 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
// This is used for error responses to prevent unbounded memory allocation.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider defines the interface for completion endpoints.
type Provider interface {
	// Complete sends a request and returns the generated text.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured.
	Available() bool
}

// Message is one entry of the provider conversation. A trailing assistant
// message is a prefill the model continues from.
type Message struct {
	Role   types.Role    `json:"role"`
	Blocks []types.Block `json:"content"`
}

// Text returns a message holding a single text block.
func Text(role types.Role, text string) Message {
	return Message{Role: role, Blocks: []types.Block{types.TextBlock(text)}}
}

// Request represents a completion request.
type Request struct {
	// Model overrides the provider default.
	Model string `json:"model,omitempty"`

	// System sets the model's behavior.
	System string `json:"system,omitempty"`

	// Messages in the conversation. Image blocks must be inline.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness. Nil uses the provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// StopSequences end generation when produced. The matched sequence is
	// not included in the response.
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// Response contains the generated text.
type Response struct {
	Text         string        `json:"text"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	StopReason   string        `json:"stop_reason,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// ProviderConfig contains configuration for a provider.
type ProviderConfig struct {
	// Name identifies the provider (anthropic, gemini).
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// Model is the default model to use.
	Model string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout for API calls.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a provider.
func DefaultConfig(name string) *ProviderConfig {
	switch name {
	case "anthropic":
		return &ProviderConfig{
			Name:        "anthropic",
			Endpoint:    "https://api.anthropic.com",
			Model:       "claude-3-5-sonnet-20240620",
			MaxTokens:   4096,
			Temperature: 0.1,
			Timeout:     2 * time.Minute,
		}
	case "gemini":
		return &ProviderConfig{
			Name:        "gemini",
			Model:       "gemini-2.0-flash",
			MaxTokens:   4096,
			Temperature: 0.1,
			Timeout:     2 * time.Minute,
		}
	default:
		return &ProviderConfig{
			Name:        name,
			MaxTokens:   4096,
			Temperature: 0.1,
			Timeout:     2 * time.Minute,
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASE PROVIDER (DRY helper for HTTP-based providers)
// ═══════════════════════════════════════════════════════════════════════════════

// baseProvider provides common functionality for HTTP-based providers.
type baseProvider struct {
	config *ProviderConfig
	client *http.Client
}

// newBaseProvider creates a new base provider with defaults applied.
func newBaseProvider(cfg *ProviderConfig, providerName string) baseProvider {
	defaults := DefaultConfig(providerName)
	if cfg == nil {
		cfg = defaults
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	cfg.Name = providerName

	return baseProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Name
}

// Available checks if the API key is configured.
func (b *baseProvider) Available() bool {
	return b.config.APIKey != ""
}

// resolve fills request defaults from the provider config.
func (b *baseProvider) resolve(req *Request) (model string, maxTokens int, temperature float64) {
	model = req.Model
	if model == "" {
		model = b.config.Model
	}
	maxTokens = req.MaxTokens
	if maxTokens == 0 {
		maxTokens = b.config.MaxTokens
	}
	temperature = b.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	return model, maxTokens, temperature
}

// Float returns a pointer to f, for Request.Temperature.
func Float(f float64) *float64 {
	return &f
}
