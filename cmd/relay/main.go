// Package main is the entry point for the relay CLI. The relay connects chat
// surfaces to a completion provider with windowed history, budget-forced
// reasoning and a paper-backed evidence mode.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/normanking/cortex-relay/internal/config"
	"github.com/normanking/cortex-relay/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// options are the persistent flags shared by every command.
type options struct {
	cfgPath string
	verbose bool

	logCloser io.Closer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - chat surfaces to a reasoning model, with evidence from papers",
		Long: `Relay answers Discord, Telegram and web chat messages with a completion model.

Start the relay:        relay serve
One-shot question:      relay ask "Is 1001 prime?" --rounds 5
Add papers to corpus:   relay ingest paper.pdf
Configuration:          relay config show`,
		SilenceUsage: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file path (default ~/.cortex-relay/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(askCmd(opts))
	rootCmd.AddCommand(ingestCmd(opts))
	rootCmd.AddCommand(configCmd(opts))

	return rootCmd
}

// loadConfig reads the config file named by --config, or the default one.
func (o *options) loadConfig() (*config.Config, error) {
	if o.cfgPath != "" {
		return config.LoadFromPath(o.cfgPath)
	}
	return config.Load()
}

// setup loads and validates configuration and installs the global logger.
func (o *options) setup() (*config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logCfg := &logging.Config{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.File,
		Pretty:   cfg.Logging.Pretty,
	}
	if o.verbose {
		logCfg.Level = "debug"
		logCfg.WithCaller = true
	}
	closer, err := logging.Init(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	o.logCloser = closer

	log.Debug().Str("provider", cfg.LLM.Provider).Str("model", cfg.LLM.Model).Str("mode", cfg.Relay.Mode).Msg("configuration loaded")
	return cfg, nil
}
