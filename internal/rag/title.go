package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/pkg/types"
)

// maxTitleContext bounds the first-page text sent for title extraction.
const maxTitleContext = 4000

const titlePrompt = `You extract titles of academic papers. Given the text of a paper's first page,
reply with the paper's title only: no quotes, no authors, no commentary.
If the text has no recognisable title, reply with an empty message.`

// TitleExtractor finds a document's title from its first page.
type TitleExtractor interface {
	ExtractTitle(ctx context.Context, firstPage string) (string, error)
}

// LLMTitleExtractor asks the completion provider for the title.
type LLMTitleExtractor struct {
	provider llm.Provider
}

// NewLLMTitleExtractor creates a title extractor.
func NewLLMTitleExtractor(provider llm.Provider) *LLMTitleExtractor {
	return &LLMTitleExtractor{provider: provider}
}

// ExtractTitle implements TitleExtractor. An empty reply is an error.
func (e *LLMTitleExtractor) ExtractTitle(ctx context.Context, firstPage string) (string, error) {
	text := strings.TrimSpace(firstPage)
	if text == "" {
		return "", fmt.Errorf("first page has no text")
	}
	if len(text) > maxTitleContext {
		text = text[:maxTitleContext]
	}

	resp, err := e.provider.Complete(ctx, &llm.Request{
		System:      titlePrompt,
		Messages:    []llm.Message{llm.Text(types.RoleUser, text)},
		MaxTokens:   128,
		Temperature: llm.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("extract title: %w", err)
	}

	title, _, _ := strings.Cut(strings.TrimSpace(resp.Text), "\n")
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), "\"'`*#"))
	if title == "" {
		return "", fmt.Errorf("no title found")
	}
	return title, nil
}
