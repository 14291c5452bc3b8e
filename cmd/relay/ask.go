package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/normanking/cortex-relay/internal/channel"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/spf13/cobra"
)

// cliSurface names the terminal in conversation keys and user IDs.
const cliSurface = "cli"

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND (one-shot query)
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd(opts *options) *cobra.Command {
	var (
		useRAG  bool
		rounds  int
		fresh   bool
		files   []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question from the terminal (one-shot query)",
		Long: `Ask a question and print the reply. The terminal has its own
conversation, so follow-up questions see earlier ones.

Examples:
  relay ask "Is 1001 prime?"
  relay ask "Is 1001 prime?" --rounds 5
  relay ask "What limits grid cell resolution?" --rag
  relay ask "Summarise this" --file notes.pdf`,
		Args: cobra.MinimumNArgs(1),
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

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			m := &channel.Message{
				ID:             fmt.Sprintf("ask-%d", time.Now().UnixNano()),
				Surface:        cliSurface,
				ConversationID: "terminal",
				DM:             true,
				Author:         channel.Author{ID: currentUser(), Name: currentUser()},
				Text:           strings.Join(args, " "),
				Timestamp:      time.Now().Unix(),
			}
			for _, path := range files {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				m.Files = append(m.Files, channel.File{Name: filepath.Base(path), Data: data})
			}

			uid := cliSurface + ":" + m.Author.ID
			pref, err := r.store.GetPreference(ctx, uid)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("rounds") {
				if rounds == 0 {
					pref.ReasoningMode = types.ReasoningPlain
				} else {
					if err := r.reasoner.ValidateRounds(rounds); err != nil {
						return err
					}
					pref.ReasoningMode = types.ReasoningScaled
					pref.ReasoningRounds = rounds
				}
			}
			if cmd.Flags().Changed("rag") {
				pref.RAGEnabled = useRAG
			}
			if err := r.store.SetPreference(ctx, pref); err != nil {
				return err
			}

			if fresh {
				if err := r.store.DeleteConversation(ctx, r.dispatcher.ConversationKey(cliSurface, m)); err != nil {
					return err
				}
			}

			reply, err := r.dispatcher.Reply(ctx, cliSurface, m)
			if err != nil {
				return fmt.Errorf("failed to answer: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.ReplaceAll(reply, `\n`, "\n"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&useRAG, "rag", false, "answer from the papers database (sticky)")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "reasoning rounds; 0 switches back to plain replies (sticky)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "clear the terminal conversation first")
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", messageTimeout, "overall time limit")
	return cmd
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
