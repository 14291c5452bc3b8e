package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/normanking/cortex-relay/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHUNKER
// ═══════════════════════════════════════════════════════════════════════════════

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	sentenceBreak  = regexp.MustCompile(`[.!?]+\s+`)
)

// Chunker splits documents into retrievable chunks at paragraph boundaries,
// falling back to sentence boundaries for oversized paragraphs.
type Chunker struct {
	maxTokens int
	overlap   int
	minTokens int
}

// NewChunker creates a chunker. overlap is counted in words carried over
// from the previous chunk.
func NewChunker(maxTokens, overlap, minTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = 400
	}
	if overlap < 0 {
		overlap = 0
	}
	return &Chunker{
		maxTokens: maxTokens,
		overlap:   overlap,
		minTokens: minTokens,
	}
}

// Chunk splits a document into chunks in reading order.
func (c *Chunker) Chunk(doc Document) []Chunk {
	var chunks []Chunk
	position := 0

	var current strings.Builder
	currentTokens := 0

	flush := func(force bool) {
		if current.Len() == 0 || (!force && currentTokens < c.minTokens) {
			return
		}
		chunks = append(chunks, c.createChunk(current.String(), doc.ID, &position))
		current.Reset()
		currentTokens = 0
	}

	for _, para := range splitIntoParagraphs(strings.ToValidUTF8(doc.Content, "\uFFFD")) {
		paraTokens := types.EstimateTokens(para)

		// If single paragraph exceeds max, split it further
		if paraTokens > c.maxTokens {
			flush(true)
			chunks = append(chunks, c.splitLongText(para, doc.ID, &position)...)
			continue
		}

		if currentTokens+paraTokens > c.maxTokens && current.Len() > 0 {
			prev := current.String()
			flush(true)

			if c.overlap > 0 {
				overlapText := getOverlapText(prev, c.overlap)
				current.WriteString(overlapText)
				current.WriteString("\n\n")
				currentTokens = types.EstimateTokens(overlapText)
			}
		}

		current.WriteString(para)
		current.WriteString("\n\n")
		currentTokens += paraTokens
	}

	// A short tail is still kept when it is the whole document.
	flush(len(chunks) == 0)

	return chunks
}

// splitLongText splits very long text at sentence boundaries.
func (c *Chunker) splitLongText(text, docID string, position *int) []Chunk {
	var chunks []Chunk
	var current strings.Builder
	currentTokens := 0

	for _, sentence := range splitIntoSentences(text) {
		sentenceTokens := types.EstimateTokens(sentence)

		if currentTokens+sentenceTokens > c.maxTokens && current.Len() > 0 {
			chunks = append(chunks, c.createChunk(current.String(), docID, position))
			current.Reset()
			currentTokens = 0
		}

		// A single sentence longer than the budget is cut by characters.
		for sentenceTokens > c.maxTokens {
			cut := c.maxTokens * types.CharsPerToken
			for cut > 0 && !utf8.RuneStart(sentence[cut]) {
				cut--
			}
			if cut == 0 {
				cut = c.maxTokens * types.CharsPerToken
			}
			chunks = append(chunks, c.createChunk(sentence[:cut], docID, position))
			sentence = sentence[cut:]
			sentenceTokens = types.EstimateTokens(sentence)
		}

		current.WriteString(sentence)
		current.WriteString(" ")
		currentTokens += sentenceTokens
	}

	if current.Len() > 0 {
		chunks = append(chunks, c.createChunk(current.String(), docID, position))
	}

	return chunks
}

// createChunk creates a chunk from accumulated content.
func (c *Chunker) createChunk(content, docID string, position *int) Chunk {
	content = strings.TrimSpace(content)
	chunk := Chunk{
		ID:          generateChunkID(),
		DocumentID:  docID,
		Content:     content,
		ContentHash: hashContent(content),
		Position:    *position,
		TokenCount:  types.EstimateTokens(content),
		CreatedAt:   time.Now(),
	}
	*position++
	return chunk
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPER FUNCTIONS
// ═══════════════════════════════════════════════════════════════════════════════

// generateChunkID generates a unique chunk ID.
func generateChunkID() string {
	return fmt.Sprintf("chunk_%s", uuid.New().String()[:8])
}

// hashContent generates a SHA256 hash of content.
func hashContent(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// splitIntoParagraphs splits text on blank lines.
func splitIntoParagraphs(text string) []string {
	var result []string
	for _, p := range paragraphBreak.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// splitIntoSentences splits text at sentence boundaries, keeping the
// terminating punctuation with each sentence.
func splitIntoSentences(text string) []string {
	var result []string
	last := 0
	for _, loc := range sentenceBreak.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[last:loc[1]]); s != "" {
			result = append(result, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		result = append(result, s)
	}
	return result
}

// getOverlapText returns the last n words of content.
func getOverlapText(content string, n int) string {
	words := strings.Fields(content)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-n:], " ")
}
