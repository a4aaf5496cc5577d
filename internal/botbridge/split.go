// ABOUTME: Message splitting for the transport's single-message length limit.
// ABOUTME: Splits on line boundaries and keeps code fences balanced across chunks.

package botbridge

import (
	"strings"
	"unicode/utf8"
)

// MessageLimit is Telegram's hard cap on a single message.
const MessageLimit = 4096

const fence = "```"

// splitMessage breaks text into chunks of at most limit characters,
// preferring line boundaries. A chunk that ends inside a code fence is
// closed with a fence, and the fence is reopened at the start of the
// next chunk so every chunk renders standalone.
func splitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	if len(text) <= limit {
		return []string{text}
	}

	// Reserve room for a closing fence plus newline on every chunk.
	budget := limit - len(fence) - 1
	if budget < 1 {
		budget = limit
	}

	var chunks []string
	var b strings.Builder
	inFence := false

	flush := func() {
		if b.Len() == 0 {
			return
		}
		chunk := strings.TrimRight(b.String(), "\n")
		if inFence {
			chunk += "\n" + fence
		}
		chunks = append(chunks, chunk)
		b.Reset()
		if inFence {
			b.WriteString(fence + "\n")
		}
	}

	for _, line := range strings.Split(text, "\n") {
		// A single line longer than the budget gets hard-split.
		for len(line) > budget {
			if b.Len() > 0 {
				flush()
			}
			cut := runeCut(line, budget)
			b.WriteString(line[:cut])
			flush()
			line = line[cut:]
		}

		if b.Len()+len(line)+1 > budget {
			flush()
		}
		b.WriteString(line)
		b.WriteByte('\n')

		if strings.HasPrefix(strings.TrimSpace(line), fence) {
			inFence = !inFence
		}
	}

	if strings.TrimSpace(b.String()) != "" {
		chunk := strings.TrimRight(b.String(), "\n")
		chunks = append(chunks, chunk)
	}
	return chunks
}

// runeCut returns the largest index at most limit that falls on a rune
// boundary, so slicing s at it never splits a character.
func runeCut(s string, limit int) int {
	if len(s) <= limit {
		return len(s)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return limit
	}
	return cut
}

// truncate caps s at limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
