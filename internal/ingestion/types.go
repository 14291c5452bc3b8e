// Package ingestion provides the evidence index used for grounded answers:
// documents are chunked into a private SQLite FTS5 database, searched by
// keyword, and answered from the retrieved passages.
package ingestion

import "time"

// ═══════════════════════════════════════════════════════════════════════════════
// CORE TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Document is a source document added to an index.
type Document struct {
	// ID identifies the document within an index; re-adding the same ID
	// replaces the previous content.
	ID string `json:"id"`

	Title string `json:"title"`

	// Citation is the formatted reference shown under answers. Title is
	// used when empty.
	Citation string `json:"citation,omitempty"`

	// Source is where the text came from (file path or URL).
	Source string `json:"source,omitempty"`

	Content string `json:"content"`
}

// Chunk is a single retrievable unit of a document.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Position    int       `json:"position"`
	TokenCount  int       `json:"token_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Passage is a chunk returned by a search, with its document's citation.
type Passage struct {
	Chunk    Chunk   `json:"chunk"`
	Title    string  `json:"title"`
	Citation string  `json:"citation"`
	Score    float64 `json:"score"`
}

// Answer is the structured result of a grounded query.
type Answer struct {
	// Text is the formatted answer including references. Empty when not
	// Sufficient.
	Text string `json:"text"`

	// Sufficient is false when the evidence could not support an answer.
	Sufficient bool `json:"sufficient"`

	// Sources lists the citations of the passages the answer was built on.
	Sources []string `json:"sources,omitempty"`
}

// Stats describes an index.
type Stats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Tokens    int `json:"tokens"`
}
