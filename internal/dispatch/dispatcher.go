// Package dispatch routes inbound chat messages to commands, the reasoning
// controller, the evidence pipeline or a plain completion, and delivers the
// reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/cortex-relay/internal/attachment"
	"github.com/normanking/cortex-relay/internal/channel"
	"github.com/normanking/cortex-relay/internal/conversation"
	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/internal/logging"
	"github.com/normanking/cortex-relay/internal/metrics"
	"github.com/normanking/cortex-relay/internal/reasoning"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/rs/zerolog/log"
)

// ErrEmptyAnswer is returned when the model produces no text. Nothing is
// persisted for such an exchange.
var ErrEmptyAnswer = errors.New("empty answer")

// Apology is the only failure text users ever see.
const Apology = "I'm sorry, I encountered an error while processing your request."

// cleanupTimeout bounds the work done after a reply fails or is cancelled.
const cleanupTimeout = 10 * time.Second

// Preferences persists per-user routing state.
type Preferences interface {
	GetPreference(ctx context.Context, userID string) (types.Preference, error)
	SetPreference(ctx context.Context, pref types.Preference) error
}

// Evidence answers a query from retrieved documents.
type Evidence interface {
	Answer(ctx context.Context, query, keywords string) (string, error)
}

// Usage summarises provider usage for !status.
type Usage interface {
	Summary() string
}

// Config controls dispatch behaviour.
type Config struct {
	SystemPrompt    string
	ThinkingMessage string
	ConfirmTimeout  time.Duration
	CommandPrefix   string

	// MultiParty keys channel conversations by channel and records every
	// message; otherwise each user has one conversation.
	MultiParty bool

	MaxTokens   int
	Temperature *float64
}

// Deps are the dispatcher's collaborators. Resolver, Evidence and Usage
// are optional.
type Deps struct {
	Provider      llm.Provider
	Conversations *conversation.Manager
	Preferences   Preferences
	Reasoner      *reasoning.Controller
	Resolver      *attachment.Resolver
	Evidence      Evidence
	Usage         Usage
}

// Dispatcher handles inbound messages from every surface.
type Dispatcher struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	pending map[string]confirmation
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.ThinkingMessage == "" {
		cfg.ThinkingMessage = "Thinking..."
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	return &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		pending: make(map[string]confirmation),
	}
}

// userID scopes an author to their surface.
func userID(surface string, m *channel.Message) string {
	return surface + ":" + m.Author.ID
}

// ConversationKey returns the persisted conversation a message belongs to.
func (d *Dispatcher) ConversationKey(surface string, m *channel.Message) string {
	if d.cfg.MultiParty && !m.DM {
		return "channel:" + surface + ":" + m.ConversationID
	}
	return "user:" + userID(surface, m)
}

// Handle processes one inbound message end to end. It never returns an
// error; failures are logged and answered with Apology.
func (d *Dispatcher) Handle(ctx context.Context, s channel.Surface, m *channel.Message) {
	text := strings.TrimSpace(m.Text)
	if text == "" && len(m.Files) == 0 {
		log.Warn().Str("surface", s.Name()).Str("message", m.ID).Msg("message was empty, check message content intents")
		metrics.MessagesTotal.WithLabelValues(s.Name(), "rejected").Inc()
		return
	}

	if !m.Author.Bot && d.confirm(ctx, s, m, text) {
		return
	}

	if !m.Addressed() || m.Author.Bot {
		if !d.cfg.MultiParty || strings.HasPrefix(text, d.cfg.CommandPrefix) {
			metrics.MessagesTotal.WithLabelValues(s.Name(), "rejected").Inc()
			return
		}
		if err := d.Observe(ctx, s.Name(), m); err != nil {
			log.Error().Err(err).Str("surface", s.Name()).Str("message", m.ID).Msg("failed to record message")
			metrics.MessagesTotal.WithLabelValues(s.Name(), "error").Inc()
			return
		}
		metrics.MessagesTotal.WithLabelValues(s.Name(), "observed").Inc()
		return
	}

	if strings.HasPrefix(text, d.cfg.CommandPrefix) {
		d.command(ctx, s, m, text)
		metrics.MessagesTotal.WithLabelValues(s.Name(), "command").Inc()
		return
	}

	l := logging.FromContext(ctx)
	l.Info().
		Str("surface", s.Name()).
		Str("conversation", m.ConversationID).
		Str("author", m.Author.Name).
		Int("files", len(m.Files)).
		Msg("message received")

	start := time.Now()
	thinkingID, err := s.Send(ctx, m.ConversationID, channel.Outbound{Text: d.cfg.ThinkingMessage})
	if err != nil {
		log.Warn().Err(err).Str("surface", s.Name()).Msg("failed to post provisional message")
	}

	reply, err := d.Reply(ctx, s.Name(), m)

	// The provisional message is removed even when ctx was cancelled.
	cleanupCtx, cancel := logging.Detach(ctx, cleanupTimeout)
	defer cancel()
	if thinkingID != "" {
		if derr := s.Delete(cleanupCtx, m.ConversationID, thinkingID); derr != nil {
			l.Warn().Err(derr).Str("surface", s.Name()).Msg("failed to delete provisional message")
		}
	}

	if err != nil {
		l.Error().Err(err).Str("surface", s.Name()).Str("message", m.ID).Msg("an error occurred while replying")
		metrics.MessagesTotal.WithLabelValues(s.Name(), "error").Inc()
		d.send(cleanupCtx, s, m.ConversationID, channel.Outbound{Text: Apology})
		return
	}

	chunks := Chunk(reply, s.MaxMessageLength())
	if len(chunks) == 0 {
		log.Warn().Str("surface", s.Name()).Str("message", m.ID).Msg("empty reply")
	}
	for _, c := range chunks {
		if err := d.send(ctx, s, m.ConversationID, channel.Outbound{Text: c, Rich: true}); err != nil {
			break
		}
	}

	metrics.MessagesTotal.WithLabelValues(s.Name(), "reply").Inc()
	metrics.ReplyDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	l.Debug().Str("surface", s.Name()).Int("chunks", len(chunks)).Dur("elapsed", time.Since(start)).Msg("sent response")
}

func (d *Dispatcher) send(ctx context.Context, s channel.Surface, conversationID string, out channel.Outbound) error {
	if _, err := s.Send(ctx, conversationID, out); err != nil {
		log.Error().Err(err).Str("surface", s.Name()).Str("conversation", conversationID).Msg("send failed")
		return err
	}
	return nil
}

// Reply produces the answer to m and persists the exchange. The
// conversation lock is held from load through append.
func (d *Dispatcher) Reply(ctx context.Context, surface string, m *channel.Message) (string, error) {
	uid := userID(surface, m)
	pref, err := d.deps.Preferences.GetPreference(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("load preference: %w", err)
	}

	key := d.ConversationKey(surface, m)
	unlock, err := d.lock(ctx, key)
	if err != nil {
		return "", err
	}
	defer unlock()

	ragMode := pref.RAGEnabled && d.deps.Evidence != nil
	userTurn, err := d.userTurn(ctx, key, uid, m, ragMode)
	if err != nil {
		return "", err
	}

	query := strings.TrimSpace(m.Text)
	var answer string
	switch {
	case ragMode && query != "":
		answer, err = d.deps.Evidence.Answer(ctx, query, "")

	case pref.ReasoningMode == types.ReasoningScaled && d.deps.Reasoner != nil:
		var msgs []llm.Message
		if msgs, err = d.deps.Conversations.Assemble(ctx, key, *userTurn); err != nil {
			return "", err
		}
		answer, err = d.deps.Reasoner.Run(ctx, reasoning.Request{
			System:   d.cfg.SystemPrompt,
			Messages: msgs,
			Rounds:   pref.ReasoningRounds,
		})

	default:
		var msgs []llm.Message
		if msgs, err = d.deps.Conversations.Assemble(ctx, key, *userTurn); err != nil {
			return "", err
		}
		var resp *llm.Response
		resp, err = d.deps.Provider.Complete(ctx, &llm.Request{
			System:      d.cfg.SystemPrompt,
			Messages:    msgs,
			MaxTokens:   d.cfg.MaxTokens,
			Temperature: d.cfg.Temperature,
		})
		if err == nil {
			answer = resp.Text
		}
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return "", ErrEmptyAnswer
	}

	assistant := &types.Turn{
		Role:      types.RoleAssistant,
		ReplyTo:   userTurn.ID,
		Blocks:    types.Blocks{types.TextBlock(answer)},
		CreatedAt: d.now(),
	}
	if err := d.deps.Conversations.Append(ctx, key, userTurn, assistant); err != nil {
		return "", err
	}

	log.Debug().Str("key", key).Str("mode", string(pref.ReasoningMode)).Bool("rag", ragMode).Msg("processed message")
	return answer, nil
}

// Observe records a message the relay does not answer, so later replies in
// the channel see it.
func (d *Dispatcher) Observe(ctx context.Context, surface string, m *channel.Message) error {
	key := d.ConversationKey(surface, m)
	unlock, err := d.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	turn, err := d.userTurn(ctx, key, userID(surface, m), m, false)
	if err != nil {
		return err
	}
	return d.deps.Conversations.Append(ctx, key, turn)
}

func (d *Dispatcher) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := d.deps.Conversations.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock conversation %s: %w", key, err)
	}
	metrics.ActiveConversations.Inc()
	return func() {
		metrics.ActiveConversations.Dec()
		unlock()
	}, nil
}

// userTurn builds the user turn for m, resolving attachments into stored
// references. The turn ID is assigned here so the reply can point at it.
func (d *Dispatcher) userTurn(ctx context.Context, key, uid string, m *channel.Message, addToPapers bool) (*types.Turn, error) {
	var blocks types.Blocks
	if text := strings.TrimSpace(m.Text); text != "" {
		blocks = append(blocks, types.TextBlock(text))
	}

	for _, f := range m.Files {
		if d.deps.Resolver == nil {
			log.Warn().Str("file", f.Name).Msg("no attachment resolver, file ignored")
			continue
		}
		res, err := d.deps.Resolver.Resolve(ctx, attachment.Request{
			Owner:       uid,
			Key:         key,
			File:        attachment.File{Name: f.Name, ContentType: f.ContentType, Data: f.Data},
			Mode:        attachment.ModeReference,
			AddToPapers: addToPapers,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve attachment %q: %w", f.Name, err)
		}
		blocks = append(blocks, res.Blocks...)
	}

	return &types.Turn{
		ID:   uuid.NewString(),
		Role: types.RoleUser,
		Author: &types.Author{
			ID:   uid,
			Name: m.Author.Name,
			Bot:  m.Author.Bot,
		},
		Blocks:    blocks,
		CreatedAt: d.now(),
	}, nil
}

// IsUserFacing reports whether err carries a message safe to show users.
func IsUserFacing(err error) bool {
	var ce *types.ConfigurationError
	return errors.As(err, &ce)
}
