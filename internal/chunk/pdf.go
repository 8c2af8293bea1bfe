package chunk

import "github.com/hybridkb/hybridkb/internal/kbtypes"

// PdfChunker delegates to MarkdownChunker. PDF-to-text extraction is an
// external collaborator's job (base64/PDF extraction is out of scope
// here); callers that feed this chunker are expected to have already
// converted each page to markdown and joined pages with "\n\n---\n\n".
type PdfChunker struct {
	md *MarkdownChunker
}

func NewPdfChunker() *PdfChunker {
	return &PdfChunker{md: NewMarkdownChunker()}
}

func (c *PdfChunker) Extensions() []string { return []string{"pdf"} }

func (c *PdfChunker) Chunk(content string, meta DocMeta) []kbtypes.Chunk {
	return c.md.Chunk(content, meta)
}
