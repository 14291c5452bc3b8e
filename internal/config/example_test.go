package config_test

import (
	"fmt"

	"github.com/normanking/cortex-relay/internal/config"
)

// ExampleDefault shows the settings a fresh install starts with.
func ExampleDefault() {
	cfg := config.Default()

	fmt.Printf("provider=%s window=%d rounds<=%d\n", cfg.LLM.Provider, cfg.Relay.MaxTurns, cfg.Reasoning.MaxRounds)
	// Output: provider=anthropic window=20 rounds<=20
}

// ExampleConfig_Validate demonstrates configuration validation.
func ExampleConfig_Validate() {
	cfg := config.Default()
	cfg.Relay.Mode = "broadcast"

	if err := cfg.Validate(); err != nil {
		fmt.Println(err)
	}
	// Output: invalid relay.mode 'broadcast', must be 'single' or 'multi'
}
