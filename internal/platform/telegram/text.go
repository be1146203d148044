package telegram

import (
	"strings"
	"unicode/utf8"
)

// Telegram limits, counted in characters.
const (
	maxMessageRunes = 4096
	maxCaptionRunes = 1024
)

// truncRunes returns s truncated to at most n runes, ending in "…" when cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// chunkText splits s into pieces of at most n runes, preferring to break
// after a newline in the second half of a piece.
func chunkText(s string, n int) []string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return []string{s}
	}
	var out []string
	for s != "" {
		if utf8.RuneCountInString(s) <= n {
			out = append(out, s)
			break
		}
		cut, count := len(s), 0
		for i := range s {
			if count == n {
				cut = i
				break
			}
			count++
		}
		piece := s[:cut]
		if nl := strings.LastIndexByte(piece, '\n'); nl >= len(piece)/2 {
			cut = nl + 1
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return out
}
