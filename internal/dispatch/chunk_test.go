package dispatch

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"empty", "", 10, nil},
		{"whitespace only", " \n \n", 10, nil},
		{"escaped newlines", `a\nb`, 10, []string{"a\nb"}},
		{"packs lines", "aaa\nbbb\nccc\n", 8, []string{"aaa\nbbb\n", "ccc\n"}},
		{"splits at space", "hello big world", 10, []string{"hello big ", "world"}},
		{"hard split", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"runes not bytes", "ééééé", 2, []string{"éé", "éé", "é"}},
		{"drops blank chunk", "abcd\n\n\n\nefgh", 4, []string{"abcd", "efgh"}},
		{"no limit", "anything goes", 0, []string{"anything goes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.text, tt.limit)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Chunk(%q, %d) mismatch (-want +got):\n%s", tt.text, tt.limit, diff)
			}
		})
	}
}

func TestChunk_RespectsLimitAndKeepsContent(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40) +
		"\n" + strings.Repeat("x", 130) + "\nend"

	for _, limit := range []int{7, 50, 100, 2000} {
		chunks := Chunk(text, limit)
		for _, c := range chunks {
			if n := utf8.RuneCountInString(c); n > limit {
				t.Fatalf("limit %d: chunk of %d characters", limit, n)
			}
		}
		if got := strings.Join(chunks, ""); got != text {
			t.Fatalf("limit %d: content changed", limit)
		}
	}
}
