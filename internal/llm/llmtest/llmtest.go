// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/normanking/cortex-relay/internal/llm"
)

// Reply is one scripted completion result.
type Reply struct {
	Text       string
	StopReason string
	Err        error
}

// Provider returns scripted replies in order and records every request.
// When the script runs out the last reply is repeated.
type Provider struct {
	mu       sync.Mutex
	replies  []Reply
	requests []*llm.Request

	// Handler, when set, computes the reply instead of the script.
	Handler func(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// New returns a provider that answers with replies in order.
func New(replies ...Reply) *Provider {
	return &Provider{replies: replies}
}

// Texts returns a provider answering with each text in order.
func Texts(texts ...string) *Provider {
	p := &Provider{}
	for _, t := range texts {
		p.replies = append(p.replies, Reply{Text: t, StopReason: "end_turn"})
	}
	return p
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, cloneRequest(req))
	n := len(p.requests)
	handler := p.Handler
	p.mu.Unlock()

	if handler != nil {
		return handler(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return &llm.Response{Model: "scripted"}, nil
	}
	idx := n - 1
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	r := p.replies[idx]
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.Response{Text: r.Text, StopReason: r.StopReason, Model: "scripted"}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "scripted" }

// Available implements llm.Provider.
func (p *Provider) Available() bool { return true }

// Requests returns copies of the requests received so far.
func (p *Provider) Requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.requests...)
}

// Calls returns how many requests were received.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func cloneRequest(req *llm.Request) *llm.Request {
	c := *req
	c.Messages = append([]llm.Message(nil), req.Messages...)
	c.StopSequences = append([]string(nil), req.StopSequences...)
	return &c
}
