package chunk

import (
	"path/filepath"
	"strings"

	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// TextChunker splits plain text on blank-line paragraph boundaries,
// accumulating paragraphs until the next one would exceed targetSize.
type TextChunker struct {
	targetSize int
	overlap    int
}

func NewTextChunker() *TextChunker {
	return &TextChunker{targetSize: TargetSize, overlap: Overlap}
}

func (c *TextChunker) Extensions() []string { return []string{"txt"} }

func (c *TextChunker) Chunk(content string, meta DocMeta) []kbtypes.Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	paragraphs := splitParagraphs(content)
	if len(paragraphs) == 0 {
		return nil
	}

	title := filepath.Base(meta.FilePath)
	if meta.FilePath == "" {
		title = ""
	}

	var chunks []kbtypes.Chunk
	var current strings.Builder
	chunkStart := 1
	line := 1

	flush := func(endLine int) {
		if current.Len() >= MinChunk {
			body := current.String()
			chunks = append(chunks, newChunk(meta, body, title, "", "", chunkStart, endLine, hasCode(body), nil))
		}
	}

	for _, para := range paragraphs {
		paraWithSep := para
		if current.Len() > 0 {
			paraWithSep = "\n\n" + para
		}

		if current.Len()+len(paraWithSep) > c.targetSize && current.Len() > 0 {
			flush(line - 1)
			current.Reset()
			chunkStart = line
		}

		if current.Len() == 0 {
			current.WriteString(para)
		} else {
			current.WriteString("\n\n")
			current.WriteString(para)
		}

		line += countLines(para) + 1 // +1 for the blank separator line
	}

	flush(line - 1)

	return chunks
}

func splitParagraphs(content string) []string {
	raw := strings.Split(content, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
