package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/normanking/cortex-relay/internal/channel"
	"github.com/normanking/cortex-relay/internal/channel/discord"
	"github.com/normanking/cortex-relay/internal/channel/telegram"
	"github.com/normanking/cortex-relay/internal/channel/webchat"
	"github.com/normanking/cortex-relay/internal/config"
	"github.com/normanking/cortex-relay/internal/dispatch"
	"github.com/normanking/cortex-relay/internal/logging"
	"github.com/normanking/cortex-relay/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// messageTimeout bounds the handling of one inbound message, including
// every reasoning round and any external paper search.
const messageTimeout = 10 * time.Minute

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect the enabled chat surfaces and answer messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.setup()
			if err != nil {
				return err
			}

			r, err := newRelay(cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, r)
		},
	}
}

// enabledAdapters returns the adapters configuration turns on.
func enabledAdapters(cfg *config.Config) []channel.Adapter {
	var adapters []channel.Adapter
	if cfg.Discord.Enabled {
		adapters = append(adapters, discord.NewDiscordAdapter(cfg.Discord.Token))
	}
	if cfg.Telegram.Enabled {
		adapters = append(adapters, telegram.NewTelegramAdapter(cfg.Telegram.Token))
	}
	if cfg.WebChat.Enabled {
		adapters = append(adapters, webchat.NewWebChatAdapter(cfg.WebChat.Addr))
	}

	enabled := adapters[:0]
	for _, a := range adapters {
		if !a.IsEnabled() {
			log.Warn().Str("adapter", a.Name()).Msg("adapter enabled but not configured, skipping")
			continue
		}
		enabled = append(enabled, a)
	}
	return enabled
}

func serve(ctx context.Context, cfg *config.Config, r *relay) error {
	adapters := enabledAdapters(cfg)
	if len(adapters) == 0 {
		return fmt.Errorf("no chat surface enabled; enable discord, telegram or webchat in the config")
	}

	var (
		names   []string
		started []channel.Adapter
	)
	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			log.Error().Err(err).Str("adapter", a.Name()).Msg("failed to start adapter")
			continue
		}
		log.Info().Str("adapter", a.Name()).Msg("adapter started")
		started = append(started, a)
		names = append(names, a.Name())
	}
	if len(started) == 0 {
		return fmt.Errorf("no adapter could be started")
	}

	var ops sync.WaitGroup
	if cfg.Server.Enabled {
		srv := server.New(&server.Config{Addr: cfg.Server.Addr, Version: version}, r.store, r.provider, names)
		ops.Add(1)
		go func() {
			defer ops.Done()
			if err := srv.Start(ctx); err != nil {
				log.Error().Err(err).Msg("ops server failed")
			}
		}()
	}

	var handlers sync.WaitGroup
	for _, a := range started {
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			consume(ctx, r.dispatcher, a, &handlers)
		}()
	}

	log.Info().Strs("surfaces", names).Str("mode", cfg.Relay.Mode).Msg("relay running")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	for _, a := range started {
		if err := a.Stop(); err != nil {
			log.Error().Err(err).Str("adapter", a.Name()).Msg("failed to stop adapter")
		} else {
			log.Info().Str("adapter", a.Name()).Msg("adapter stopped")
		}
	}

	handlers.Wait()
	ops.Wait()
	return nil
}

// consume handles every message from a until its Incoming channel closes.
// Messages are handled concurrently; the dispatcher serialises replies
// within one conversation.
func consume(ctx context.Context, d *dispatch.Dispatcher, a channel.Adapter, wg *sync.WaitGroup) {
	for m := range a.Incoming() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mctx, cancel := context.WithTimeout(ctx, messageTimeout)
			defer cancel()
			mctx = logging.WithRequest(mctx, a.Name(), d.ConversationKey(a.Name(), m), m.Author.ID)
			d.Handle(mctx, a, m)
		}()
	}
}
