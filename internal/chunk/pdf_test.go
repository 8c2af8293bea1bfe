package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPdfChunker_DelegatesToMarkdown(t *testing.T) {
	c := NewPdfChunker()
	body := strings.Repeat("page content. ", 10)
	content := "# Page One\n\n" + body + "\n\n---\n\n# Page Two\n\n" + body + "\n"

	chunks := c.Chunk(content, DocMeta{FilePath: "scan.pdf"})

	// Then: header-aware splitting applies exactly as it would for markdown
	require.NotEmpty(t, chunks)
	assert.Equal(t, "Page One", chunks[0].Title)
}

func TestPdfChunker_Extensions(t *testing.T) {
	assert.Equal(t, []string{"pdf"}, NewPdfChunker().Extensions())
}
