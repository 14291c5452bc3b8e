package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/normanking/cortex-relay/pkg/types"
)

// AnthropicProvider implements the Provider interface for Anthropic Claude.
type AnthropicProvider struct {
	baseProvider
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg *ProviderConfig) *AnthropicProvider {
	return &AnthropicProvider{
		baseProvider: newBaseProvider(cfg, "anthropic"),
	}
}

// Complete sends a Messages API request to Anthropic.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key not configured")
	}

	start := time.Now()
	model, maxTokens, temperature := p.resolve(req)

	anthropicReq := anthropicRequest{
		Model:         model,
		System:        req.System,
		MaxTokens:     maxTokens,
		Temperature:   temperature,
		StopSequences: req.StopSequences,
	}

	for i, msg := range req.Messages {
		content, err := toAnthropicContent(msg.Blocks)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		anthropicReq.Messages = append(anthropicReq.Messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: content,
		})
	}
	trimPrefill(anthropicReq.Messages)

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &types.ProviderError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &types.ProviderError{
			Provider: p.Name(),
			Status:   resp.StatusCode,
			Err:      errors.New(strings.TrimSpace(string(bodyBytes))),
		}
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&anthropicResp); err != nil {
		return nil, &types.ProviderError{Provider: p.Name(), Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	var text strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text:         text.String(),
		Model:        anthropicResp.Model,
		InputTokens:  anthropicResp.Usage.InputTokens,
		OutputTokens: anthropicResp.Usage.OutputTokens,
		StopReason:   anthropicResp.StopReason,
		Duration:     time.Since(start),
	}, nil
}

// toAnthropicContent converts blocks to the Messages API content array.
func toAnthropicContent(blocks []types.Block) ([]anthropicContent, error) {
	out := make([]anthropicContent, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case types.BlockText:
			// The API rejects empty text blocks.
			if b.IsBlank() {
				continue
			}
			out = append(out, anthropicContent{Type: "text", Text: b.Text})
		case types.BlockImage:
			if b.Image == nil || len(b.Image.Data) == 0 {
				return nil, fmt.Errorf("image block is not inline")
			}
			out = append(out, anthropicContent{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: b.Image.MediaType,
					Data:      base64.StdEncoding.EncodeToString(b.Image.Data),
				},
			})
		default:
			return nil, fmt.Errorf("unsupported block type %q", b.Type)
		}
	}
	return out, nil
}

// trimPrefill strips trailing whitespace from a final assistant message;
// the API rejects prefills that end in whitespace.
func trimPrefill(msgs []anthropicMessage) {
	if len(msgs) == 0 {
		return
	}
	last := &msgs[len(msgs)-1]
	if last.Role != string(types.RoleAssistant) || len(last.Content) == 0 {
		return
	}
	tail := &last.Content[len(last.Content)-1]
	if tail.Type == "text" {
		tail.Text = strings.TrimRight(tail.Text, " \t\r\n")
	}
}

// Anthropic API types
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   float64            `json:"temperature"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
