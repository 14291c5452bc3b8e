package main

import (
	"fmt"
	"io"

	"github.com/normanking/cortex-relay/internal/config"
	"github.com/spf13/cobra"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	return cmd
}

func printConfig(w io.Writer, cfg *config.Config) {
	secret := func(s string) string {
		if s == "" {
			return "(not set)"
		}
		return "(set)"
	}
	enabled := func(b bool, detail string) string {
		if !b {
			return "disabled"
		}
		return "enabled " + detail
	}

	fmt.Fprintln(w, "Relay Configuration:")
	fmt.Fprintln(w, "────────────────────")
	fmt.Fprintf(w, "Provider:       %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Fprintf(w, "API Key:        %s\n", secret(cfg.LLM.APIKey))
	fmt.Fprintf(w, "Temperature:    %.2f\n", cfg.LLM.Temperature)
	fmt.Fprintf(w, "Max Tokens:     %d\n", cfg.LLM.MaxTokens)
	fmt.Fprintf(w, "Mode:           %s (window %d turns)\n", cfg.Relay.Mode, cfg.Relay.MaxTurns)
	fmt.Fprintf(w, "Rounds:         default %d, max %d\n", cfg.Reasoning.DefaultRounds, cfg.Reasoning.MaxRounds)
	fmt.Fprintf(w, "Papers Dir:     %s\n", cfg.RAG.PapersDir)
	fmt.Fprintf(w, "Data Dir:       %s\n", cfg.Store.DataDir)
	if cfg.Redis.Addr != "" {
		fmt.Fprintf(w, "Locks:          redis %s\n", cfg.Redis.Addr)
	} else {
		fmt.Fprintln(w, "Locks:          in-process")
	}
	fmt.Fprintf(w, "Discord:        %s\n", enabled(cfg.Discord.Enabled, "token "+secret(cfg.Discord.Token)))
	fmt.Fprintf(w, "Telegram:       %s\n", enabled(cfg.Telegram.Enabled, "token "+secret(cfg.Telegram.Token)))
	fmt.Fprintf(w, "Web Chat:       %s\n", enabled(cfg.WebChat.Enabled, cfg.WebChat.Addr))
	fmt.Fprintf(w, "Ops Server:     %s\n", enabled(cfg.Server.Enabled, cfg.Server.Addr))
	fmt.Fprintf(w, "Log Level:      %s\n", cfg.Logging.Level)
}
