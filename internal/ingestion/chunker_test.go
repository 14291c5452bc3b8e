package ingestion

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_ParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("word ", 40) // ~50 tokens
	doc := Document{ID: "d1", Content: para + "\n\n" + para + "\n\n" + para}

	chunks := NewChunker(110, 0, 0).Chunk(doc)
	require.Len(t, chunks, 2)
	for i, c := range chunks {
		assert.Equal(t, "d1", c.DocumentID)
		assert.Equal(t, i, c.Position)
		assert.NotEmpty(t, c.ID)
		assert.Len(t, c.ContentHash, 64)
		assert.LessOrEqual(t, c.TokenCount, 110)
	}
}

func TestChunker_Overlap(t *testing.T) {
	doc := Document{ID: "d1", Content: "alpha beta gamma delta\n\nepsilon zeta eta theta"}

	chunks := NewChunker(6, 2, 0).Chunk(doc)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[1].Content, "gamma delta"), chunks[1].Content)
}

func TestChunker_LongParagraphSplitsOnSentences(t *testing.T) {
	sentence := strings.Repeat("x", 80) + ". "
	doc := Document{ID: "d1", Content: strings.Repeat(sentence, 10)}

	chunks := NewChunker(50, 0, 0).Chunk(doc)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.True(t, strings.HasSuffix(c.Content, "."), "sentences keep their punctuation")
	}
}

func TestChunker_ShortDocumentKept(t *testing.T) {
	chunks := NewChunker(400, 0, 50).Chunk(Document{ID: "d1", Content: "tiny"})
	require.Len(t, chunks, 1)
	assert.Equal(t, "tiny", chunks[0].Content)
}

func TestSplitIntoSentences(t *testing.T) {
	got := splitIntoSentences("One. Two!  Three? four")
	assert.Equal(t, []string{"One.", "Two!", "Three?", "four"}, got)
}

func TestChunker_InvalidUTF8Terminates(t *testing.T) {
	done := make(chan []Chunk, 1)
	go func() {
		done <- NewChunker(400, 40, 0).Chunk(Document{ID: "d", Content: strings.Repeat("\x80", 5000)})
	}()

	select {
	case chunks := <-done:
		require.NotEmpty(t, chunks)
		for _, c := range chunks {
			assert.NotEmpty(t, c.Content)
			assert.True(t, utf8.ValidString(c.Content))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Chunk did not return on invalid UTF-8 input")
	}
}

func TestChunker_LongRunWithoutRuneStarts(t *testing.T) {
	c := NewChunker(10, 0, 0)
	chunks := c.splitLongText(strings.Repeat("\x80", 200), "d", new(int))
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.NotEmpty(t, ch.Content)
	}
}
