package ingestion

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/rs/zerolog/log"
)

// InsufficientContext is the exact reply the answering model is instructed
// to give when the passages cannot support an answer.
const InsufficientContext = "INSUFFICIENT_CONTEXT"

// qaPrompt instructs the model to answer only from the numbered passages.
// The sentinel paragraph must stay verbatim; IsInsufficient matches it.
const qaPrompt = `Answer the question below using only the numbered passages in the context.
Cite passages inline by number, for example [2]. Be concise and precise.

If there is insufficient context to answer the question properly, respond with exactly and only this phrase:
"` + InsufficientContext + `"

Context: %s`

// Answerer answers a question from retrieved passages with the completion
// provider.
type Answerer struct {
	provider  llm.Provider
	maxTokens int
}

// NewAnswerer creates an answerer. maxTokens of 0 uses the provider default.
func NewAnswerer(provider llm.Provider, maxTokens int) *Answerer {
	return &Answerer{provider: provider, maxTokens: maxTokens}
}

// Answer asks the model to answer question from passages. The sentinel
// reply is converted into Answer.Sufficient == false here so callers never
// compare strings.
func (a *Answerer) Answer(ctx context.Context, question string, passages []Passage) (Answer, error) {
	resp, err := a.provider.Complete(ctx, &llm.Request{
		System:      fmt.Sprintf(qaPrompt, formatContext(passages)),
		Messages:    []llm.Message{llm.Text(types.RoleUser, question)},
		MaxTokens:   a.maxTokens,
		Temperature: llm.Float(0),
	})
	if err != nil {
		return Answer{}, fmt.Errorf("answer from evidence: %w", err)
	}

	if IsInsufficient(resp.Text) {
		log.Debug().Str("question", question).Int("passages", len(passages)).Msg("evidence insufficient")
		return Answer{Sufficient: false}, nil
	}

	sources := citations(passages)
	return Answer{
		Text:       formatAnswer(resp.Text, sources),
		Sufficient: true,
		Sources:    sources,
	}, nil
}

// IsInsufficient reports whether reply is the sentinel, ignoring
// surrounding whitespace and quotes.
func IsInsufficient(reply string) bool {
	return strings.Trim(strings.TrimSpace(reply), "\"'`") == InsufficientContext
}

// formatContext numbers passages for the prompt.
func formatContext(passages []Passage) string {
	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "\n\n[%d] %s\n%s", i+1, p.Title, p.Chunk.Content)
	}
	return b.String()
}

// citations returns the distinct citations of passages in rank order.
func citations(passages []Passage) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range passages {
		c := p.Citation
		if c == "" {
			c = p.Title
		}
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// formatAnswer appends a references section to the model's answer.
func formatAnswer(text string, sources []string) string {
	text = strings.TrimSpace(text)
	if len(sources) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nReferences\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s)
	}
	return b.String()
}
