package ingestion

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RETRIEVAL
// ═══════════════════════════════════════════════════════════════════════════════

// stopWords are dropped from full-text queries; matching on them ranks
// every passage alike.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "can": true, "do": true, "does": true, "for": true, "from": true, "how": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "what": true, "when": true,
	"where": true, "which": true, "who": true, "why": true, "with": true,
}

// Search performs a full-text search and returns up to k passages ranked
// by BM25. When the full-text query matches nothing a LIKE scan is tried.
func (x *Index) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	start := time.Now()
	if k <= 0 {
		k = x.config.TopK
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var passages []Passage
	if ftsQuery := prepareFTSQuery(query); ftsQuery != "" {
		rows, err := x.db.QueryContext(ctx, `
			SELECT c.id, c.document_id, c.content, c.content_hash, c.position, c.token_count,
			       d.title, d.citation, bm25(chunks_fts) AS score
			FROM chunks_fts
			JOIN chunks c ON c.id = chunks_fts.chunk_id
			JOIN documents d ON d.id = c.document_id
			WHERE chunks_fts MATCH ?
			ORDER BY score
			LIMIT ?
		`, ftsQuery, k)
		if err != nil {
			log.Debug().Err(err).Str("fts_query", ftsQuery).Msg("full-text query failed, using fallback")
		} else {
			passages, err = scanPassages(rows, true)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(passages) == 0 {
		var err error
		passages, err = x.fallbackSearch(ctx, query, k)
		if err != nil {
			return nil, err
		}
	}

	log.Debug().
		Str("query", query).
		Int("passages", len(passages)).
		Dur("latency", time.Since(start)).
		Msg("evidence search")

	return passages, nil
}

// fallbackSearch matches any query term as a substring.
func (x *Index) fallbackSearch(ctx context.Context, query string, k int) ([]Passage, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var where []string
	var args []any
	for _, t := range terms {
		where = append(where, "c.content LIKE ?")
		args = append(args, "%"+t+"%")
	}
	args = append(args, k)

	rows, err := x.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.content, c.content_hash, c.position, c.token_count,
		       d.title, d.citation, 0.0
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE `+strings.Join(where, " OR ")+`
		ORDER BY c.document_id, c.position
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("fallback search: %w", err)
	}
	return scanPassages(rows, false)
}

func scanPassages(rows *sql.Rows, bm25 bool) ([]Passage, error) {
	defer rows.Close()

	var passages []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(
			&p.Chunk.ID, &p.Chunk.DocumentID, &p.Chunk.Content, &p.Chunk.ContentHash,
			&p.Chunk.Position, &p.Chunk.TokenCount, &p.Title, &p.Citation, &p.Score,
		); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		// bm25() is lower-is-better; flip it so higher scores rank first.
		if bm25 {
			p.Score = -p.Score
		}
		passages = append(passages, p)
	}
	return passages, rows.Err()
}

// queryTerms lower-cases the query and keeps alphanumeric words that are
// not stop words.
func queryTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var terms []string
	seen := make(map[string]bool)
	for _, w := range words {
		if stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// prepareFTSQuery converts a natural language query to FTS5 syntax: each
// term quoted as a prefix match, joined with OR for broader matching.
func prepareFTSQuery(query string) string {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"*`
	}
	return strings.Join(quoted, " OR ")
}
