// Package rag answers questions from a local paper corpus and falls back to
// external search when the corpus cannot support an answer.
package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/normanking/cortex-relay/internal/attachment"
	"github.com/normanking/cortex-relay/internal/ingestion"
	"github.com/normanking/cortex-relay/internal/llm"
	"github.com/normanking/cortex-relay/internal/metrics"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// NoAnswer is returned when neither tier has enough evidence.
const NoAnswer = "Unable to find sufficient information to answer the query in available papers."

// Manifest records bibliographic metadata of the permanent corpus.
type Manifest interface {
	UpsertManifest(ctx context.Context, entry types.ManifestEntry) error
	ListManifest(ctx context.Context) ([]types.ManifestEntry, error)
}

// Config wires the pipeline's collaborators.
type Config struct {
	PapersDir string

	Provider  llm.Provider
	Extractor attachment.PDFExtractor // nil uses attachment.DefaultExtractor
	Searcher  Searcher
	Metadata  MetadataClient
	Titles    TitleExtractor // nil asks Provider
	Manifest  Manifest

	MaxResults          int
	DownloadConcurrency int
	ChunkTokens         int
	TopK                int
	MaxTokens           int
}

// Pipeline is the two-tier evidence pipeline. The permanent index is loaded
// lazily from PapersDir; every external search builds its own index.
type Pipeline struct {
	cfg      Config
	answerer *ingestion.Answerer

	mu    sync.Mutex // serialises loading and adding to local
	local *ingestion.Index
}

// NewPipeline creates a pipeline and its empty local index.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Provider == nil {
		return nil, &types.ConfigurationError{Field: "rag.provider", Reason: "a completion provider is required"}
	}
	if cfg.PapersDir == "" {
		return nil, &types.ConfigurationError{Field: "rag.papers_dir", Reason: "must not be empty"}
	}
	if cfg.Extractor == nil {
		cfg.Extractor = attachment.DefaultExtractor{}
	}
	if cfg.Titles == nil {
		cfg.Titles = NewLLMTitleExtractor(cfg.Provider)
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = 3
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = 400
	}

	if err := os.MkdirAll(cfg.PapersDir, 0o755); err != nil {
		return nil, fmt.Errorf("create papers dir: %w", err)
	}

	p := &Pipeline{
		cfg:      cfg,
		answerer: ingestion.NewAnswerer(cfg.Provider, cfg.MaxTokens),
	}
	local, err := p.newIndex()
	if err != nil {
		return nil, err
	}
	p.local = local
	return p, nil
}

// Close releases the local index.
func (p *Pipeline) Close() error {
	return p.local.Close()
}

func (p *Pipeline) newIndex() (*ingestion.Index, error) {
	return ingestion.NewIndex(ingestion.IndexConfig{
		Chunker:  ingestion.NewChunker(p.cfg.ChunkTokens, p.cfg.ChunkTokens/10, 0),
		Answerer: p.answerer,
		TopK:     p.cfg.TopK,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERY
// ═══════════════════════════════════════════════════════════════════════════════

// Answer answers query from the local corpus, escalating to external search
// when the local evidence is insufficient. keywords overrides the search
// terms derived from query. Provider failures are returned; search and
// download failures only shrink the evidence.
func (p *Pipeline) Answer(ctx context.Context, query, keywords string) (string, error) {
	start := time.Now()

	ans, err := p.answerLocal(ctx, query)
	if err != nil {
		metrics.RAGQueries.WithLabelValues("error").Inc()
		return "", err
	}
	if ans.Sufficient {
		metrics.RAGQueries.WithLabelValues("local").Inc()
		log.Info().Dur("elapsed", time.Since(start)).Int("sources", len(ans.Sources)).Msg("answered from local papers")
		return ans.Text, nil
	}

	log.Info().Str("query", query).Msg("local papers insufficient, searching external sources")

	ans, err = p.answerExternal(ctx, query, keywords)
	if err != nil {
		metrics.RAGQueries.WithLabelValues("error").Inc()
		return "", err
	}
	if ans.Sufficient {
		metrics.RAGQueries.WithLabelValues("external").Inc()
		log.Info().Dur("elapsed", time.Since(start)).Int("sources", len(ans.Sources)).Msg("answered from external papers")
		return ans.Text, nil
	}

	metrics.RAGQueries.WithLabelValues("insufficient").Inc()
	return NoAnswer, nil
}

func (p *Pipeline) answerLocal(ctx context.Context, query string) (ingestion.Answer, error) {
	if err := p.ensureLoaded(ctx); err != nil {
		return ingestion.Answer{}, err
	}
	if p.local.Len() == 0 {
		return ingestion.Answer{}, nil
	}
	return p.local.Query(ctx, query)
}

func (p *Pipeline) answerExternal(ctx context.Context, query, keywords string) (ingestion.Answer, error) {
	if p.cfg.Searcher == nil {
		log.Debug().Msg("no external searcher configured")
		return ingestion.Answer{}, nil
	}
	if keywords == "" {
		keywords = DeriveKeywords(query)
	}

	candidates, err := p.cfg.Searcher.Search(ctx, keywords, p.cfg.MaxResults)
	if err != nil {
		if ctx.Err() != nil {
			return ingestion.Answer{}, ctx.Err()
		}
		log.Warn().Err(err).Str("keywords", keywords).Msg("external search failed")
		return ingestion.Answer{}, nil
	}
	log.Debug().Str("keywords", keywords).Int("candidates", len(candidates)).Msg("external search finished")
	if len(candidates) == 0 {
		return ingestion.Answer{}, nil
	}

	docs, err := p.download(ctx, candidates)
	if err != nil {
		return ingestion.Answer{}, err
	}
	if len(docs) == 0 {
		return ingestion.Answer{}, nil
	}

	idx, err := p.newIndex()
	if err != nil {
		return ingestion.Answer{}, err
	}
	defer idx.Close()

	for _, doc := range docs {
		if err := idx.Add(ctx, doc); err != nil {
			log.Warn().Err(err).Str("title", doc.Title).Msg("failed to index downloaded paper")
			continue
		}
		metrics.PapersIngested.WithLabelValues("search").Inc()
	}
	if idx.Len() == 0 {
		return ingestion.Answer{}, nil
	}
	return idx.Query(ctx, query)
}

// download fetches candidates concurrently and converts them to documents.
// Failed candidates are logged and dropped; results keep search order.
func (p *Pipeline) download(ctx context.Context, candidates []Candidate) ([]ingestion.Document, error) {
	results := make([]*ingestion.Document, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.DownloadConcurrency)
	for i, c := range candidates {
		g.Go(func() error {
			data, err := p.cfg.Searcher.Download(gctx, c)
			if err != nil {
				log.Warn().Err(err).Str("title", c.Title).Msg("paper download failed")
				return nil
			}
			text, _, err := attachment.PDFText(p.cfg.Extractor, data)
			if err != nil || strings.TrimSpace(text) == "" {
				log.Warn().Err(err).Str("title", c.Title).Msg("could not read downloaded paper")
				return nil
			}

			citation := FormatCitation(c.Authors, c.Title, c.Venue, c.Year, c.DOI)
			if p.cfg.Metadata != nil {
				md, err := p.cfg.Metadata.Lookup(gctx, c.Title)
				if err != nil {
					log.Debug().Err(err).Str("title", c.Title).Msg("metadata lookup failed, using search record")
				} else if md != nil && md.Citation != "" {
					citation = md.Citation
				}
			}

			id := c.ID
			if id == "" {
				id = c.PDFURL
			}
			results[i] = &ingestion.Document{
				ID:       id,
				Title:    c.Title,
				Citation: citation,
				Source:   c.PDFURL,
				Content:  text,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var docs []ingestion.Document
	for _, d := range results {
		if d != nil {
			docs = append(docs, *d)
		}
	}
	return docs, nil
}

// DeriveKeywords lower-cases query and strips question marks and periods.
func DeriveKeywords(query string) string {
	return strings.NewReplacer("?", "", ".", "").Replace(strings.ToLower(query))
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERMANENT CORPUS
// ═══════════════════════════════════════════════════════════════════════════════

// ensureLoaded fills an empty local index from every PDF in PapersDir.
// Files that fail to load are logged and skipped.
func (p *Pipeline) ensureLoaded(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked(ctx)
}

func (p *Pipeline) loadLocked(ctx context.Context) error {
	if p.local.Len() > 0 {
		return nil
	}

	paths, err := filepath.Glob(filepath.Join(p.cfg.PapersDir, "*.pdf"))
	if err != nil {
		return fmt.Errorf("list papers: %w", err)
	}
	if len(paths) == 0 {
		return nil
	}
	sort.Strings(paths)

	entries := map[string]types.ManifestEntry{}
	if p.cfg.Manifest != nil {
		list, err := p.cfg.Manifest.ListManifest(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read manifest, loading papers without citations")
		}
		for _, e := range list {
			entries[e.FileLocation] = e
		}
	}

	loaded := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := p.relPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", rel).Msg("error loading paper")
			continue
		}
		text, _, err := attachment.PDFText(p.cfg.Extractor, data)
		if err != nil {
			log.Warn().Err(err).Str("file", rel).Msg("error loading paper")
			continue
		}

		doc := ingestion.Document{
			ID:      rel,
			Title:   strings.TrimSuffix(rel, filepath.Ext(rel)),
			Source:  path,
			Content: text,
		}
		if e, ok := entries[rel]; ok {
			if e.Title != "" {
				doc.Title = e.Title
			}
			doc.Citation = e.Citation
		}
		if err := p.local.Add(ctx, doc); err != nil {
			log.Warn().Err(err).Str("file", rel).Msg("error indexing paper")
			continue
		}
		loaded++
		metrics.PapersIngested.WithLabelValues("directory").Inc()
	}

	log.Info().Int("papers", loaded).Str("dir", p.cfg.PapersDir).Msg("local papers loaded")
	return nil
}

// AddPaper stores a PDF in the permanent corpus, records its metadata in
// the manifest and indexes it. When the title or metadata cannot be
// determined the file stays on disk unindexed and an *types.IngestError is
// returned. Adding the same file again updates it in place.
func (p *Pipeline) AddPaper(ctx context.Context, filename string, data []byte) error {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		return &types.IngestError{File: filename, Stage: "store", Err: errors.New("invalid file name")}
	}
	path := filepath.Join(p.cfg.PapersDir, name)
	rel := p.relPath(path)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &types.IngestError{File: rel, Stage: "store", Err: err}
	}

	text, firstPage, err := attachment.PDFText(p.cfg.Extractor, data)
	if err != nil {
		return &types.IngestError{File: rel, Stage: "extract", Err: err}
	}

	title, err := p.cfg.Titles.ExtractTitle(ctx, firstPage)
	if err != nil {
		return &types.IngestError{File: rel, Stage: "title", Err: err}
	}

	entry := types.ManifestEntry{FileLocation: rel, Title: title}
	if p.cfg.Metadata != nil {
		md, err := p.cfg.Metadata.Lookup(ctx, title)
		if err != nil {
			return &types.IngestError{File: rel, Stage: "metadata", Err: err}
		}
		if md != nil {
			if md.Title != "" {
				entry.Title = md.Title
			}
			entry.DOI = md.DOI
			entry.Citation = md.Citation
		}
	}

	if p.cfg.Manifest != nil {
		if err := p.cfg.Manifest.UpsertManifest(ctx, entry); err != nil {
			return &types.IngestError{File: rel, Stage: "metadata", Err: err}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Load the directory first so this paper does not mask the rest of it.
	if err := p.loadLocked(ctx); err != nil {
		return &types.IngestError{File: rel, Stage: "index", Err: err}
	}
	err = p.local.Add(ctx, ingestion.Document{
		ID:       rel,
		Title:    entry.Title,
		Citation: entry.Citation,
		Source:   path,
		Content:  text,
	})
	if err != nil {
		return &types.IngestError{File: rel, Stage: "index", Err: err}
	}

	metrics.PapersIngested.WithLabelValues("upload").Inc()
	log.Info().Str("file", rel).Str("title", entry.Title).Str("doi", entry.DOI).Msg("paper added")
	return nil
}

// Stats reports the size of the local index.
func (p *Pipeline) Stats(ctx context.Context) (ingestion.Stats, error) {
	return p.local.Stats(ctx)
}

func (p *Pipeline) relPath(path string) string {
	rel, err := filepath.Rel(p.cfg.PapersDir, path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
