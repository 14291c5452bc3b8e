package ingestion

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver with FTS5
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVIDENCE INDEX
// ═══════════════════════════════════════════════════════════════════════════════

const indexSchema = `
CREATE TABLE documents (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	citation     TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	chunk_count  INTEGER NOT NULL,
	added_at     INTEGER NOT NULL
);
CREATE TABLE chunks (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	position     INTEGER NOT NULL,
	token_count  INTEGER NOT NULL
);
CREATE INDEX idx_chunks_document ON chunks(document_id, position);
CREATE VIRTUAL TABLE chunks_fts USING fts5(
	chunk_id UNINDEXED,
	title,
	content,
	tokenize = 'porter unicode61'
);
`

// IndexConfig configures an Index.
type IndexConfig struct {
	// Chunker splits added documents. Defaults to 400-token chunks.
	Chunker *Chunker

	// Answerer turns retrieved passages into an Answer. Required by Query.
	Answerer *Answerer

	// TopK is the number of passages retrieved per query.
	TopK int
}

// Index is a self-contained evidence index backed by a private in-memory
// SQLite database. Separate indexes never share state.
type Index struct {
	db     *sql.DB
	config IndexConfig

	mu   sync.RWMutex
	docs int
}

// NewIndex creates an empty index.
func NewIndex(cfg IndexConfig) (*Index, error) {
	if cfg.Chunker == nil {
		cfg.Chunker = NewChunker(400, 40, 0)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	// Every pooled connection to :memory: is a different database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	for _, stmt := range strings.Split(indexSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index schema: %w", err)
		}
	}

	return &Index{db: db, config: cfg}, nil
}

// Close releases the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Len returns the number of documents in the index.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.docs
}

// Add chunks doc and stores it, replacing any document with the same ID.
func (x *Index) Add(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document has no id")
	}
	if strings.TrimSpace(doc.Content) == "" {
		return fmt.Errorf("document %s has no text", doc.ID)
	}
	if doc.Title == "" {
		doc.Title = doc.ID
	}
	if doc.Citation == "" {
		doc.Citation = doc.Title
	}

	chunks := x.config.Chunker.Chunk(doc)

	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existed int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE id = ?", doc.ID).Scan(&existed); err != nil {
		return fmt.Errorf("check document: %w", err)
	}
	if existed > 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)", doc.ID); err != nil {
			return fmt.Errorf("delete old passages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", doc.ID); err != nil {
			return fmt.Errorf("delete old document: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, citation, source, content_hash, chunk_count, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Title, doc.Citation, doc.Source, hashContent(doc.Content), len(chunks), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, content, content_hash, position, token_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer chunkStmt.Close()

	ftsStmt, err := tx.PrepareContext(ctx, "INSERT INTO chunks_fts (chunk_id, title, content) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer ftsStmt.Close()

	for _, c := range chunks {
		if _, err := chunkStmt.ExecContext(ctx, c.ID, doc.ID, c.Content, c.ContentHash, c.Position, c.TokenCount); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		if _, err := ftsStmt.ExecContext(ctx, c.ID, doc.Title, c.Content); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if existed == 0 {
		x.docs++
	}

	log.Debug().Str("document", doc.ID).Str("title", doc.Title).Int("chunks", len(chunks)).Msg("document indexed")
	return nil
}

// Stats returns document, chunk and token counts.
func (x *Index) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := x.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM chunks),
			(SELECT COALESCE(SUM(token_count), 0) FROM chunks)
	`).Scan(&s.Documents, &s.Chunks, &s.Tokens)
	if err != nil {
		return Stats{}, fmt.Errorf("index stats: %w", err)
	}
	return s, nil
}

// Query retrieves passages for question and answers from them. An index
// with no matching passages is insufficient without consulting the model.
func (x *Index) Query(ctx context.Context, question string) (Answer, error) {
	if x.config.Answerer == nil {
		return Answer{}, fmt.Errorf("index has no answerer")
	}

	passages, err := x.Search(ctx, question, x.config.TopK)
	if err != nil {
		return Answer{}, err
	}
	if len(passages) == 0 {
		log.Debug().Str("question", question).Msg("no passages retrieved")
		return Answer{Sufficient: false}, nil
	}

	return x.config.Answerer.Answer(ctx, question, passages)
}
