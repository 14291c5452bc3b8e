//go:build integration
// +build integration

package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/normanking/cortex-relay/internal/config"
	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/pkg/types"
)

// TestProviderIntegration sends one completion to the configured endpoint.
// Run with: go test -tags=integration -v ./internal/llm/
func TestProviderIntegration(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Skipf("Config error: %v", err)
	}

	t.Logf("Provider: %s", cfg.LLM.Provider)
	t.Logf("Model: %s", cfg.LLM.Model)

	provider, err := llm.NewProvider(cfg)
	if err != nil {
		t.Skipf("Provider error: %v", err)
	}
	if !provider.Available() {
		t.Skipf("%s API key not configured", provider.Name())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := provider.Complete(ctx, &llm.Request{
		System:    "Answer in one word.",
		Messages:  []llm.Message{llm.Text(types.RoleUser, "What colour is the sky on a clear day?")},
		MaxTokens: 16,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	t.Logf("Response: %s", resp.Text)
	t.Logf("Tokens: %d in, %d out", resp.InputTokens, resp.OutputTokens)
	t.Logf("Duration: %v", resp.Duration)
	t.Log(provider.Summary())

	if resp.Text == "" {
		t.Error("Expected non-empty response")
	}
}
