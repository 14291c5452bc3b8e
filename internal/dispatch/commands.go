package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/cortex-relay/internal/channel"
	"github.com/normanking/cortex-relay/internal/metrics"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/rs/zerolog/log"
)

const helpText = `**Commands**
%[1]smode - toggle between plain and scaled reasoning
%[1]srounds <n> - set reasoning rounds (1-%[2]d)
%[1]srag - toggle answering from the papers database
%[1]sstatus - show your settings
%[1]sclear - delete this conversation's history
%[1]sforget - delete every message you have sent
%[1]shelp - show this message`

// confirmation is a destructive command waiting for "y".
type confirmation struct {
	command string
	key     string
	expires time.Time
}

func confirmKey(surface string, m *channel.Message) string {
	return surface + "|" + m.ConversationID + "|" + m.Author.ID
}

// confirm consumes a pending confirmation for the author of m. It reports
// whether m was used up as the answer. An expired confirmation is dropped
// and the message is processed normally.
func (d *Dispatcher) confirm(ctx context.Context, s channel.Surface, m *channel.Message, text string) bool {
	ck := confirmKey(s.Name(), m)

	d.mu.Lock()
	c, ok := d.pending[ck]
	if ok {
		delete(d.pending, ck)
	}
	d.mu.Unlock()

	if !ok || d.now().After(c.expires) {
		return false
	}
	if text != "y" {
		d.send(ctx, s, m.ConversationID, channel.Outbound{Text: "Cancelled."})
		return true
	}

	var (
		reply string
		err   error
	)
	switch c.command {
	case "clear":
		err = d.clear(ctx, c.key)
		reply = "Conversation history cleared."
	case "forget":
		var n int64
		n, err = d.deps.Conversations.DeleteAuthor(ctx, userID(s.Name(), m))
		reply = fmt.Sprintf("Deleted %d stored messages, yours and the replies to them.", n)
	}
	if err != nil {
		log.Error().Err(err).Str("command", c.command).Msg("confirmed command failed")
		reply = Apology
	}
	d.send(ctx, s, m.ConversationID, channel.Outbound{Text: reply})
	return true
}

func (d *Dispatcher) clear(ctx context.Context, key string) error {
	unlock, err := d.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return d.deps.Conversations.Delete(ctx, key)
}

// command executes a relay command and replies with its result.
func (d *Dispatcher) command(ctx context.Context, s channel.Surface, m *channel.Message, text string) {
	fields := strings.Fields(strings.TrimPrefix(text, d.cfg.CommandPrefix))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	reply, err := d.runCommand(ctx, s, m, name, args)
	if err != nil {
		if IsUserFacing(err) {
			reply = err.Error()
		} else {
			log.Error().Err(err).Str("command", name).Msg("command failed")
			reply = Apology
		}
	}
	d.send(ctx, s, m.ConversationID, channel.Outbound{Text: reply})
}

func (d *Dispatcher) runCommand(ctx context.Context, s channel.Surface, m *channel.Message, name string, args []string) (string, error) {
	p := d.cfg.CommandPrefix
	uid := userID(s.Name(), m)

	switch name {
	case "mode", "rounds", "rag", "status", "clear", "forget", "help":
		metrics.CommandsTotal.WithLabelValues(name).Inc()
	default:
		metrics.CommandsTotal.WithLabelValues("unknown").Inc()
		return fmt.Sprintf("Unknown command. Try %shelp.", p), nil
	}

	switch name {
	case "help":
		return fmt.Sprintf(helpText, p, d.maxRounds()), nil

	case "clear", "forget":
		d.mu.Lock()
		d.prunePending()
		d.pending[confirmKey(s.Name(), m)] = confirmation{
			command: name,
			key:     d.ConversationKey(s.Name(), m),
			expires: d.now().Add(d.cfg.ConfirmTimeout),
		}
		d.mu.Unlock()
		what := "this conversation's history"
		if name == "forget" {
			what = "every message you have sent here, and the replies to them"
		}
		return fmt.Sprintf("This will delete %s. Reply `y` within %s to confirm.", what, d.cfg.ConfirmTimeout), nil
	}

	pref, err := d.deps.Preferences.GetPreference(ctx, uid)
	if err != nil {
		return "", err
	}

	switch name {
	case "mode":
		if pref.ReasoningMode == types.ReasoningScaled {
			pref.ReasoningMode = types.ReasoningPlain
		} else {
			pref.ReasoningMode = types.ReasoningScaled
		}
		if err := d.deps.Preferences.SetPreference(ctx, pref); err != nil {
			return "", err
		}
		if pref.ReasoningMode == types.ReasoningScaled {
			return fmt.Sprintf("Reasoning mode: scaled (%d rounds).", pref.ReasoningRounds), nil
		}
		return "Reasoning mode: plain.", nil

	case "rounds":
		if len(args) != 1 {
			return fmt.Sprintf("Usage: %srounds <1-%d>", p, d.maxRounds()), nil
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Sprintf("Usage: %srounds <1-%d>", p, d.maxRounds()), nil
		}
		if err := d.validateRounds(n); err != nil {
			return "", err
		}
		pref.ReasoningRounds = n
		if err := d.deps.Preferences.SetPreference(ctx, pref); err != nil {
			return "", err
		}
		return fmt.Sprintf("Reasoning rounds set to %d.", n), nil

	case "rag":
		if d.deps.Evidence == nil {
			return "RAG mode is not available.", nil
		}
		pref.RAGEnabled = !pref.RAGEnabled
		if err := d.deps.Preferences.SetPreference(ctx, pref); err != nil {
			return "", err
		}
		if pref.RAGEnabled {
			return "RAG mode enabled. Questions are answered from the papers database; uploaded PDFs are added to it.", nil
		}
		return "RAG mode disabled.", nil

	case "status":
		return d.status(ctx, s.Name(), m, pref)
	}
	return "", nil
}

func (d *Dispatcher) status(ctx context.Context, surface string, m *channel.Message, pref types.Preference) (string, error) {
	key := d.ConversationKey(surface, m)
	turns, err := d.deps.Conversations.Load(ctx, key)
	if err != nil {
		return "", err
	}
	files, err := d.deps.Conversations.Attachments(ctx, key)
	if err != nil {
		return "", err
	}

	rag := "off"
	if pref.RAGEnabled {
		rag = "on"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mode: %s\nRounds: %d\nRAG: %s\nStored turns: %d (window %d)\nStored files: %d",
		pref.ReasoningMode, pref.ReasoningRounds, rag, len(turns), d.deps.Conversations.MaxTurns(), files)
	if d.deps.Usage != nil {
		sb.WriteString("\nUsage: " + d.deps.Usage.Summary())
	}
	return sb.String(), nil
}

// prunePending drops expired confirmations. Callers hold d.mu.
func (d *Dispatcher) prunePending() {
	now := d.now()
	for k, c := range d.pending {
		if now.After(c.expires) {
			delete(d.pending, k)
		}
	}
}

func (d *Dispatcher) maxRounds() int {
	if d.deps.Reasoner != nil {
		return d.deps.Reasoner.MaxRounds()
	}
	return 20
}

func (d *Dispatcher) validateRounds(n int) error {
	if d.deps.Reasoner != nil {
		return d.deps.Reasoner.ValidateRounds(n)
	}
	if n < 1 || n > 20 {
		return &types.ConfigurationError{Field: "rounds", Reason: "must be between 1 and 20"}
	}
	return nil
}
