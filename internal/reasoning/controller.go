// Package reasoning implements budget-forced reasoning: the model's
// reasoning trace is extended for a fixed number of rounds before it is
// allowed to answer.
//
// The trace lives in an assistant prefill. Each round asks the provider to
// continue the prefill and stop at the close marker; between rounds a
// continuation cue is appended so the model reconsiders instead of
// concluding. After the last round the trace is closed and one unbounded
// request produces the answer.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/internal/metrics"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/rs/zerolog/log"
)

// HardMaxRounds is the ceiling on rounds regardless of configuration.
const HardMaxRounds = 20

// ErrReasoning wraps any failure of a reasoning run. The partial trace is
// discarded.
var ErrReasoning = errors.New("reasoning pipeline failed")

// State is a controller state.
type State int

const (
	StateOpen State = iota
	StateExtending
	StateClosing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateExtending:
		return "extending"
	case StateClosing:
		return "closing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Controller.
type Config struct {
	// MaxRounds bounds Request.Rounds; values above HardMaxRounds are capped.
	MaxRounds int

	OpenMarker   string
	CloseMarker  string
	Continuation string

	// MaxBufferBytes bounds the trace; a fragment that would overflow it is
	// truncated and the trace is closed early.
	MaxBufferBytes int

	// MaxTokens and Temperature are sent with every request; zero values
	// use the provider defaults.
	MaxTokens   int
	Temperature *float64
}

// DefaultConfig returns the standard markers and limits.
func DefaultConfig() Config {
	return Config{
		MaxRounds:      HardMaxRounds,
		OpenMarker:     "<think>",
		CloseMarker:    "</think>",
		Continuation:   "\nWait ",
		MaxBufferBytes: 256 * 1024,
	}
}

// Request is one reasoning run.
type Request struct {
	System   string
	Messages []llm.Message
	Rounds   int
}

// Controller runs the reasoning state machine against a provider.
type Controller struct {
	provider llm.Provider
	config   Config
}

// NewController creates a controller. Empty config fields take defaults.
func NewController(provider llm.Provider, cfg Config) *Controller {
	d := DefaultConfig()
	if cfg.MaxRounds <= 0 || cfg.MaxRounds > HardMaxRounds {
		cfg.MaxRounds = d.MaxRounds
	}
	if cfg.OpenMarker == "" {
		cfg.OpenMarker = d.OpenMarker
	}
	if cfg.CloseMarker == "" {
		cfg.CloseMarker = d.CloseMarker
	}
	if cfg.Continuation == "" {
		cfg.Continuation = d.Continuation
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = d.MaxBufferBytes
	}
	return &Controller{provider: provider, config: cfg}
}

// MaxRounds returns the accepted upper bound for Request.Rounds.
func (c *Controller) MaxRounds() int { return c.config.MaxRounds }

// ValidateRounds rejects a round budget outside [1, MaxRounds].
func (c *Controller) ValidateRounds(rounds int) error {
	if rounds < 1 || rounds > c.config.MaxRounds {
		return &types.ConfigurationError{
			Field:  "rounds",
			Reason: fmt.Sprintf("must be between 1 and %d, got %d", c.config.MaxRounds, rounds),
		}
	}
	return nil
}

// run holds the state of one invocation.
type run struct {
	c      *Controller
	req    Request
	state  State
	buffer strings.Builder
	round  int
	calls  int
}

// Run executes req.Rounds stop-bounded requests followed by one final
// request and returns the trace plus the answer. The result begins with the
// open marker and contains exactly one close marker.
func (c *Controller) Run(ctx context.Context, req Request) (string, error) {
	if err := c.ValidateRounds(req.Rounds); err != nil {
		return "", err
	}
	if len(req.Messages) == 0 {
		return "", &types.ConfigurationError{Field: "messages", Reason: "nothing to reason over"}
	}

	start := time.Now()
	r := &run{c: c, req: req, state: StateOpen}
	r.buffer.WriteString(c.config.OpenMarker)

	for r.state != StateDone {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrReasoning, r.state, err)
		}
		if err := r.step(ctx); err != nil {
			log.Warn().Err(err).Str("state", r.state.String()).Int("round", r.round).Msg("reasoning aborted")
			return "", fmt.Errorf("%w: %s round %d: %w", ErrReasoning, r.state, r.round, err)
		}
	}

	metrics.ReasoningRounds.Observe(float64(r.round))
	log.Debug().
		Int("rounds", r.round).
		Int("requests", r.calls).
		Int("bytes", r.buffer.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("reasoning complete")

	return r.buffer.String(), nil
}

// step performs one transition.
func (r *run) step(ctx context.Context) error {
	cfg := r.c.config

	switch r.state {
	case StateOpen, StateExtending:
		if r.state == StateExtending {
			r.buffer.WriteString(cfg.Continuation)
		}
		r.round++

		fragment, err := r.complete(ctx, []string{cfg.CloseMarker})
		if err != nil {
			return err
		}
		fragment = r.clean(fragment)
		overflow := r.appendBounded(fragment)

		log.Debug().
			Int("round", r.round).
			Int("fragment_bytes", len(fragment)).
			Int("buffer_bytes", r.buffer.Len()).
			Bool("overflow", overflow).
			Msg("reasoning round")

		r.state = StateExtending
		if overflow || r.round >= r.req.Rounds {
			r.state = StateClosing
		}

	case StateClosing:
		r.buffer.WriteString(cfg.CloseMarker)

		final, err := r.complete(ctx, nil)
		if err != nil {
			return err
		}
		r.buffer.WriteString(strings.ReplaceAll(final, cfg.CloseMarker, ""))
		r.state = StateDone
	}
	return nil
}

// complete sends the context with the current trace as assistant prefill.
func (r *run) complete(ctx context.Context, stop []string) (string, error) {
	msgs := make([]llm.Message, 0, len(r.req.Messages)+1)
	msgs = append(msgs, r.req.Messages...)
	msgs = append(msgs, llm.Text(types.RoleAssistant, r.buffer.String()))

	r.calls++
	resp, err := r.c.provider.Complete(ctx, &llm.Request{
		System:        r.req.System,
		Messages:      msgs,
		MaxTokens:     r.c.config.MaxTokens,
		Temperature:   r.c.config.Temperature,
		StopSequences: stop,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// clean cuts a fragment at a stray close marker and drops the blanks a
// model echoes after a whitespace-terminated prefill.
func (r *run) clean(fragment string) string {
	if i := strings.Index(fragment, r.c.config.CloseMarker); i >= 0 {
		fragment = fragment[:i]
	}
	buf := r.buffer.String()
	if buf != "" {
		last, _ := utf8.DecodeLastRuneInString(buf)
		if last == ' ' || last == '\t' {
			fragment = strings.TrimLeft(fragment, " \t")
		}
	}
	return fragment
}

// appendBounded appends as much of fragment as MaxBufferBytes allows and
// reports whether the trace must close now. Room is reserved for the close
// marker and, when another round follows, for the continuation.
func (r *run) appendBounded(fragment string) bool {
	cfg := r.c.config
	room := cfg.MaxBufferBytes - r.buffer.Len() - len(cfg.CloseMarker)
	if len(fragment) > room {
		if room > 0 {
			cut := room
			for cut > 0 && !utf8.RuneStart(fragment[cut]) {
				cut--
			}
			r.buffer.WriteString(fragment[:cut])
		}
		return true
	}
	r.buffer.WriteString(fragment)

	if r.round >= r.req.Rounds {
		return false
	}
	return r.buffer.Len()+len(cfg.Continuation)+len(cfg.CloseMarker) > cfg.MaxBufferBytes
}
