package chunk

import (
	"path/filepath"
	"strings"

	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// Registry dispatches chunking by the lowercased extension of a document's
// file path, falling back to FallbackChunker for anything unrecognized or
// for documents with no file path at all.
type Registry struct {
	markdown *MarkdownChunker
	text     *TextChunker
	pdf      *PdfChunker
	fallback *FallbackChunker
}

// NewRegistry builds a Registry with the default chunkers for every
// extension spec.md names.
func NewRegistry() *Registry {
	return &Registry{
		markdown: NewMarkdownChunker(),
		text:     NewTextChunker(),
		pdf:      NewPdfChunker(),
		fallback: NewFallbackChunker(),
	}
}

// Chunk splits content using the chunker selected by meta.FilePath's extension.
func (r *Registry) Chunk(content string, meta DocMeta) []kbtypes.Chunk {
	switch extension(meta.FilePath) {
	case "md", "markdown":
		return r.markdown.Chunk(content, meta)
	case "txt":
		return r.text.Chunk(content, meta)
	case "pdf":
		return r.pdf.Chunk(content, meta)
	default:
		return r.fallback.Chunk(content, meta)
	}
}

func extension(filePath string) string {
	if filePath == "" {
		return ""
	}
	ext := filepath.Ext(filePath)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
