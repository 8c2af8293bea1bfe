package chunk

import (
	"strings"

	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// FallbackChunker splits content into overlapping fixed-size windows,
// used for any extension none of the other chunkers claim. Splits
// respect UTF-8 rune boundaries so multi-byte characters are never cut.
type FallbackChunker struct {
	targetSize int
	overlap    int
}

func NewFallbackChunker() *FallbackChunker {
	return &FallbackChunker{targetSize: TargetSize, overlap: Overlap}
}

func (c *FallbackChunker) Extensions() []string { return nil }

func (c *FallbackChunker) Chunk(content string, meta DocMeta) []kbtypes.Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	var chunks []kbtypes.Chunk
	runes := []rune(content)
	n := len(runes)
	step := c.targetSize - c.overlap
	if step <= 0 {
		step = c.targetSize
	}

	for start := 0; start < n; start += runeStep(runes, start, step) {
		end := start + c.targetSize
		if end > n {
			end = n
		}
		body := string(runes[start:end])
		if len(body) >= MinChunk || start == 0 {
			startLine := 1 + countLines(string(runes[:start]))
			endLine := startLine + countLines(body) - 1
			chunks = append(chunks, newChunk(meta, body, "", "", "", startLine, endLine, hasCode(body), nil))
		}
		if end == n {
			break
		}
	}

	return chunks
}

// runeStep advances by `want` runes from start, clamped so a step never
// exceeds the remaining runes (avoids an infinite loop on short tails).
func runeStep(runes []rune, start, want int) int {
	if start+want > len(runes) {
		remaining := len(runes) - start
		if remaining <= 0 {
			return 1
		}
		return remaining
	}
	return want
}
