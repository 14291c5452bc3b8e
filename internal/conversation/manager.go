// Package conversation assembles the context window sent to the completion
// provider from the persisted turn log.
package conversation

import (
	"context"
	"fmt"

	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/internal/locks"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/rs/zerolog/log"
)

// DefaultMaxTurns bounds the window when no limit is configured.
const DefaultMaxTurns = 20

// Store is the persistence the manager needs. *data.Store satisfies it.
type Store interface {
	GetTurns(ctx context.Context, key string) ([]types.Turn, error)
	AppendTurns(ctx context.Context, key string, turns ...*types.Turn) error
	DeleteConversation(ctx context.Context, key string) error
	DeleteAuthor(ctx context.Context, authorID string) (int64, error)
	LoadAttachment(ctx context.Context, id string) (*types.Attachment, error)
	CountAttachments(ctx context.Context, key string) (int, error)
}

// Config configures the manager.
type Config struct {
	// MaxTurns bounds the number of turns sent to the provider.
	MaxTurns int

	// MultiParty labels user turns with their author so the model can tell
	// participants apart.
	MultiParty bool
}

// Manager loads, trims and persists conversations.
type Manager struct {
	store  Store
	locker locks.Locker
	config Config
}

// NewManager creates a conversation manager. A nil locker uses an
// in-process keyed mutex.
func NewManager(store Store, locker locks.Locker, cfg Config) *Manager {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if locker == nil {
		locker = locks.NewLocal()
	}
	return &Manager{store: store, locker: locker, config: cfg}
}

// MaxTurns returns the configured window size.
func (m *Manager) MaxTurns() int { return m.config.MaxTurns }

// Attachments returns how many stored files belong to key.
func (m *Manager) Attachments(ctx context.Context, key string) (int, error) {
	return m.store.CountAttachments(ctx, key)
}

// Lock serialises read-modify-write on key. Callers hold it from Load
// through Append so two replies for one conversation never interleave.
func (m *Manager) Lock(ctx context.Context, key string) (func(), error) {
	return m.locker.Lock(ctx, key)
}

// Load returns all stored turns for key, oldest first. A missing key yields
// an empty slice.
func (m *Manager) Load(ctx context.Context, key string) ([]types.Turn, error) {
	turns, err := m.store.GetTurns(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", key, err)
	}
	return turns, nil
}

// Append persists turns in one transaction. IDs are assigned on the passed
// turns, so a reply can reference its user turn by ID after the call.
func (m *Manager) Append(ctx context.Context, key string, turns ...*types.Turn) error {
	if err := m.store.AppendTurns(ctx, key, turns...); err != nil {
		return fmt.Errorf("append to conversation %s: %w", key, err)
	}
	return nil
}

// Delete removes the conversation and its attachments.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.store.DeleteConversation(ctx, key); err != nil {
		return fmt.Errorf("delete conversation %s: %w", key, err)
	}
	log.Info().Str("key", key).Msg("conversation deleted")
	return nil
}

// DeleteAuthor removes every turn written by authorID, every reply
// generated for those turns, and the author's attachments and preferences.
func (m *Manager) DeleteAuthor(ctx context.Context, authorID string) (int64, error) {
	n, err := m.store.DeleteAuthor(ctx, authorID)
	if err != nil {
		return 0, fmt.Errorf("delete author %s: %w", authorID, err)
	}
	log.Info().Str("author", authorID).Int64("turns", n).Msg("author data deleted")
	return n, nil
}

// Trim returns turns unchanged when len(turns) <= maxTurns. Otherwise it
// returns the most recent N turns, N being the largest even number not
// above maxTurns, so user/assistant pairs stay together.
func Trim(turns []types.Turn, maxTurns int) []types.Turn {
	if len(turns) <= maxTurns {
		return turns
	}
	n := maxTurns - maxTurns%2
	if n <= 0 {
		return []types.Turn{}
	}
	return turns[len(turns)-n:]
}

// Assemble loads the log for key, appends the pending turns that are not
// persisted yet, trims to the window and converts the result to provider
// messages. Attachment references are replaced by their bytes; a reference
// to a deleted attachment fails with a MissingResourceError.
func (m *Manager) Assemble(ctx context.Context, key string, pending ...types.Turn) ([]llm.Message, error) {
	turns, err := m.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	turns = append(turns, pending...)
	turns = Trim(turns, m.config.MaxTurns)

	resolved, err := m.resolveReferences(ctx, turns)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("key", key).
		Int("turns", len(resolved)).
		Int("est_tokens", estimateTokens(resolved)).
		Msg("context assembled")

	return ToMessages(resolved, m.config.MultiParty), nil
}

// resolveReferences returns copies of turns with image references inlined.
// The input slice is not modified.
func (m *Manager) resolveReferences(ctx context.Context, turns []types.Turn) ([]types.Turn, error) {
	out := make([]types.Turn, len(turns))
	for i, t := range turns {
		out[i] = t
		blocks := make(types.Blocks, len(t.Blocks))
		for j, b := range t.Blocks {
			if b.Type == types.BlockImage && b.Image != nil && b.Image.IsReference() {
				att, err := m.store.LoadAttachment(ctx, b.Image.AttachmentID)
				if err != nil {
					return nil, fmt.Errorf("turn %s: %w", t.ID, err)
				}
				mediaType := b.Image.MediaType
				if mediaType == "" {
					mediaType = att.MediaType
				}
				b = types.InlineImage(mediaType, att.Data)
			}
			blocks[j] = b
		}
		out[i].Blocks = blocks
	}
	return out, nil
}

// ToMessages converts turns to the provider's message list. Providers want
// a conversation that starts with a user message and alternates roles, so
// leading assistant turns are dropped and consecutive same-role turns are
// merged block-wise. In multi-party mode user text is prefixed with the
// author's name.
func ToMessages(turns []types.Turn, multiParty bool) []llm.Message {
	var msgs []llm.Message
	for _, t := range turns {
		if len(msgs) == 0 && t.Role != types.RoleUser {
			continue
		}

		blocks := append([]types.Block(nil), t.Blocks...)
		if multiParty && t.Role == types.RoleUser && t.Author != nil {
			blocks = labelBlocks(blocks, authorLabel(t.Author))
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(msgs); n > 0 && msgs[n-1].Role == t.Role {
			msgs[n-1].Blocks = append(msgs[n-1].Blocks, blocks...)
			continue
		}
		msgs = append(msgs, llm.Message{Role: t.Role, Blocks: blocks})
	}
	return msgs
}

func authorLabel(a *types.Author) string {
	name := a.Name
	if name == "" {
		name = a.ID
	}
	if a.Bot {
		return name + " (bot)"
	}
	return name
}

// labelBlocks prefixes the first text block with "label: ", or inserts one
// when the turn carries only images.
func labelBlocks(blocks []types.Block, label string) []types.Block {
	for i, b := range blocks {
		if b.Type == types.BlockText {
			blocks[i].Text = label + ": " + b.Text
			return blocks
		}
	}
	return append([]types.Block{types.TextBlock(label + ":")}, blocks...)
}

func estimateTokens(turns []types.Turn) int {
	total := 0
	for _, t := range turns {
		total += types.EstimateTokens(t.Text())
	}
	return total
}
