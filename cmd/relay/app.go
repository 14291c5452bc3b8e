package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/normanking/cortex-relay/internal/attachment"
	"github.com/normanking/cortex-relay/internal/config"
	"github.com/normanking/cortex-relay/internal/conversation"
	"github.com/normanking/cortex-relay/internal/data"
	"github.com/normanking/cortex-relay/internal/dispatch"
	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/internal/locks"
	"github.com/normanking/cortex-relay/internal/rag"
	"github.com/normanking/cortex-relay/internal/reasoning"
	"github.com/rs/zerolog/log"
)

// externalTimeout bounds one call to the search or metadata service.
const externalTimeout = 60 * time.Second

// ═══════════════════════════════════════════════════════════════════════════════
// COMPONENT WIRING
// ═══════════════════════════════════════════════════════════════════════════════

// relay holds the wired components shared by serve, ask and ingest.
type relay struct {
	cfg        *config.Config
	store      *data.Store
	provider   *llm.MetricsProvider
	pipeline   *rag.Pipeline
	reasoner   *reasoning.Controller
	dispatcher *dispatch.Dispatcher

	closers []func() error
}

func newRelay(cfg *config.Config) (*relay, error) {
	r := &relay{cfg: cfg}
	if err := r.init(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *relay) init() error {
	cfg := r.cfg

	store, err := data.NewDB(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	store.SetDefaultRounds(cfg.Reasoning.DefaultRounds)
	r.store = store
	r.closers = append(r.closers, store.Close)

	var locker locks.Locker
	if cfg.Redis.Addr != "" {
		rdb, err := locks.NewRedisClient(locks.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		r.closers = append(r.closers, rdb.Close)
		locker = locks.NewRedis(rdb, cfg.Redis.LockTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis conversation locks")
	}

	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return err
	}
	if !provider.Available() {
		log.Warn().Str("provider", provider.Name()).Msg("no API key configured, completions will fail")
	}
	r.provider = provider

	pipeline, err := rag.NewPipeline(rag.Config{
		PapersDir:           cfg.RAG.PapersDir,
		Provider:            provider,
		Searcher:            rag.NewSemanticScholarSearcher(cfg.RAG.SearchEndpoint, cfg.RAG.SearchAPIKey, externalTimeout),
		Metadata:            rag.NewCrossrefClient(cfg.RAG.MetadataEndpoint, cfg.RAG.MailTo, externalTimeout),
		Manifest:            store,
		MaxResults:          cfg.RAG.MaxResults,
		DownloadConcurrency: cfg.RAG.DownloadConcurrency,
		ChunkTokens:         cfg.RAG.ChunkTokens,
		TopK:                cfg.RAG.TopK,
		MaxTokens:           cfg.LLM.MaxTokens,
	})
	if err != nil {
		return err
	}
	r.pipeline = pipeline
	r.closers = append(r.closers, pipeline.Close)

	temperature := cfg.LLM.Temperature
	r.reasoner = reasoning.NewController(provider, reasoning.Config{
		MaxRounds:      cfg.Reasoning.MaxRounds,
		OpenMarker:     cfg.Reasoning.OpenMarker,
		CloseMarker:    cfg.Reasoning.CloseMarker,
		Continuation:   cfg.Reasoning.Continuation,
		MaxBufferBytes: cfg.Reasoning.MaxBufferBytes,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    &temperature,
	})

	r.dispatcher = dispatch.New(dispatch.Config{
		SystemPrompt:    cfg.Relay.SystemPrompt,
		ThinkingMessage: cfg.Relay.ThinkingMessage,
		ConfirmTimeout:  cfg.Relay.ConfirmTimeout,
		CommandPrefix:   cfg.Relay.CommandPrefix,
		MultiParty:      cfg.MultiParty(),
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     &temperature,
	}, dispatch.Deps{
		Provider: provider,
		Conversations: conversation.NewManager(store, locker, conversation.Config{
			MaxTurns:   cfg.Relay.MaxTurns,
			MultiParty: cfg.MultiParty(),
		}),
		Preferences: store,
		Reasoner:    r.reasoner,
		Resolver:    attachment.NewResolver(store, attachment.Config{Papers: pipeline}),
		Evidence:    pipeline,
		Usage:       provider,
	})

	return nil
}

// Close releases components in reverse order of creation.
func (r *relay) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
