package dispatch

import (
	"strings"
	"unicode/utf8"
)

// Chunk prepares reply text for a surface with a per-message limit. Escaped
// "\n" sequences become newlines, then lines are packed into chunks of at
// most limit characters. A line longer than limit is split at the last
// space that fits, or hard-split when it has none. Whitespace-only chunks
// are dropped.
func Chunk(text string, limit int) []string {
	text = strings.ReplaceAll(text, `\n`, "\n")
	if limit <= 0 {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	var (
		chunks []string
		cur    strings.Builder
		n      int
	)
	flush := func() {
		if strings.TrimSpace(cur.String()) != "" {
			chunks = append(chunks, cur.String())
		}
		cur.Reset()
		n = 0
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		pieces := []string{line}
		if utf8.RuneCountInString(line) > limit {
			pieces = splitLine(line, limit)
		}
		for _, p := range pieces {
			pn := utf8.RuneCountInString(p)
			if n > 0 && n+pn > limit {
				flush()
			}
			cur.WriteString(p)
			n += pn
		}
	}
	flush()
	return chunks
}

// splitLine cuts line into pieces of at most limit characters, preferring
// to break after a space.
func splitLine(line string, limit int) []string {
	var parts []string
	for utf8.RuneCountInString(line) > limit {
		cut := runeOffset(line, limit)
		if i := strings.LastIndexByte(line[:cut], ' '); i > 0 {
			cut = i + 1
		}
		parts = append(parts, line[:cut])
		line = line[cut:]
	}
	if line != "" {
		parts = append(parts, line)
	}
	return parts
}

// runeOffset returns the byte offset of the n-th rune of s.
func runeOffset(s string, n int) int {
	i := 0
	for off := range s {
		if i == n {
			return off
		}
		i++
	}
	return len(s)
}
