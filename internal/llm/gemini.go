package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/normanking/cortex-relay/pkg/types"
	"google.golang.org/genai"
)

// GeminiProvider implements the Provider interface for Google Gemini
// through the genai SDK.
type GeminiProvider struct {
	config *ProviderConfig

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider. The SDK client is built
// on first use.
func NewGeminiProvider(cfg *ProviderConfig) *GeminiProvider {
	defaults := DefaultConfig("gemini")
	if cfg == nil {
		cfg = defaults
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
	cfg.Name = "gemini"
	return &GeminiProvider{config: cfg}
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string { return p.config.Name }

// Available checks if the API key is configured.
func (p *GeminiProvider) Available() bool { return p.config.APIKey != "" }

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     p.config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: p.config.Timeout},
	}
	if p.config.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.config.Endpoint}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	p.client = client
	return client, nil
}

// Complete sends a GenerateContent request to Gemini.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key not configured")
	}

	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	temperature := p.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	contents, err := toGenAIContents(req.Messages)
	if err != nil {
		return nil, err
	}

	gcfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(temperature)),
		MaxOutputTokens: int32(maxTokens),
		StopSequences:   req.StopSequences,
	}
	if req.System != "" {
		gcfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	result, err := client.Models.GenerateContent(ctx, model, contents, gcfg)
	if err != nil {
		pe := &types.ProviderError{Provider: p.Name(), Err: err}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			pe.Status = apiErr.Code
		}
		return nil, pe
	}

	resp := &Response{
		Text:     result.Text(),
		Model:    model,
		Duration: time.Since(start),
	}
	if result.UsageMetadata != nil {
		resp.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	if len(result.Candidates) > 0 {
		resp.StopReason = string(result.Candidates[0].FinishReason)
	}

	return resp, nil
}

// toGenAIContents converts messages to genai contents. Gemini names the
// assistant role "model".
func toGenAIContents(msgs []Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(msgs))
	for i, msg := range msgs {
		parts, err := toGenAIParts(msg.Blocks)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		var role genai.Role = genai.RoleUser
		if msg.Role == types.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents, nil
}

// toGenAIParts converts blocks to genai parts. Images must be inline.
func toGenAIParts(blocks []types.Block) ([]*genai.Part, error) {
	parts := make([]*genai.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case types.BlockText:
			if b.IsBlank() {
				continue
			}
			parts = append(parts, genai.NewPartFromText(b.Text))
		case types.BlockImage:
			if b.Image == nil || len(b.Image.Data) == 0 {
				return nil, fmt.Errorf("image block is not inline")
			}
			parts = append(parts, genai.NewPartFromBytes(b.Image.Data, b.Image.MediaType))
		default:
			return nil, fmt.Errorf("unsupported block type %q", b.Type)
		}
	}
	return parts, nil
}
