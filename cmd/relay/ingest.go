package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/normanking/cortex-relay/internal/attachment"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INGEST COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func ingestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [pdf...]",
		Short: "Add PDFs to the permanent papers database",
		Long: `Copy each PDF into the papers directory, look up its title and
bibliographic metadata, and index it for RAG answers.

Examples:
  relay ingest attention.pdf
  relay ingest ~/Downloads/*.pdf`,
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

			out := cmd.OutOrStdout()
			var failed int
			for _, path := range args {
				name := filepath.Base(path)
				if !attachment.IsPDF(name, "") {
					fmt.Fprintf(out, "skipped %s: not a PDF\n", name)
					failed++
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(out, "failed  %s: %v\n", name, err)
					failed++
					continue
				}
				if err := r.pipeline.AddPaper(cmd.Context(), name, data); err != nil {
					log.Error().Err(err).Str("file", path).Msg("ingest failed")
					fmt.Fprintf(out, "failed  %s: %v\n", name, err)
					failed++
					continue
				}
				entry, err := r.store.GetManifest(cmd.Context(), name)
				if err != nil {
					log.Warn().Err(err).Str("file", name).Msg("manifest lookup failed")
				}
				fmt.Fprintf(out, "added   %s%s\n", name, describePaper(entry))
			}

			stats, err := r.pipeline.Stats(cmd.Context())
			if err == nil {
				fmt.Fprintf(out, "\nlocal index: %d documents, %d chunks\n", stats.Documents, stats.Chunks)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files not added", failed, len(args))
			}
			return nil
		},
	}
}

// describePaper summarises a manifest entry for ingest output.
func describePaper(entry *types.ManifestEntry) string {
	if entry == nil || entry.Title == "" {
		return ""
	}
	if entry.DOI == "" {
		return fmt.Sprintf(": %q", entry.Title)
	}
	return fmt.Sprintf(": %q (doi %s)", entry.Title, entry.DOI)
}
