package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownChunker_EmptyContent(t *testing.T) {
	c := NewMarkdownChunker()
	// Given: blank content
	// When: Chunk runs
	chunks := c.Chunk("   \n\n  ", DocMeta{})
	// Then: no chunks are produced
	assert.Empty(t, chunks)
}

func TestMarkdownChunker_TracksHeaderHierarchy(t *testing.T) {
	c := NewMarkdownChunker()
	// Given: a document with H1/H2/H3 headers, each section long enough to
	// clear MinChunk
	body := strings.Repeat("body text here. ", 10)
	content := "# Title\n\n" + body + "\n\n## Section\n\n" + body + "\n\n### Sub\n\n" + body + "\n"

	// When: chunked
	chunks := c.Chunk(content, DocMeta{DocumentID: "d1", SourceID: "s1", FilePath: "doc.md"})

	// Then: three chunks, each carrying the accumulated hierarchy
	require.Len(t, chunks, 3)
	assert.Equal(t, "Title", chunks[0].Title)
	assert.Equal(t, []string{"Title"}, chunks[0].Hierarchy)

	assert.Equal(t, "Section", chunks[1].Section)
	assert.Equal(t, []string{"Title", "Section"}, chunks[1].Hierarchy)

	assert.Equal(t, "Sub", chunks[2].Subsection)
	assert.Equal(t, []string{"Title", "Section", "Sub"}, chunks[2].Hierarchy)
}

func TestMarkdownChunker_IgnoresHeadersInsideFencedCode(t *testing.T) {
	c := NewMarkdownChunker()
	body := strings.Repeat("x", MinChunk)
	content := "# Real Title\n\n" + body + "\n\n```\n# not a header\n```\n\n" + body + "\n"

	chunks := c.Chunk(content, DocMeta{FilePath: "doc.md"})

	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		// Then: the fenced "# not a header" line never becomes a title
		assert.Equal(t, "Real Title", ch.Title)
	}
}

func TestMarkdownChunker_MarksCodeChunks(t *testing.T) {
	c := NewMarkdownChunker()
	body := strings.Repeat("y", MinChunk)
	content := "# T\n\n" + body + "\n\n```go\nfunc main() {}\n```\n"

	chunks := c.Chunk(content, DocMeta{FilePath: "doc.md"})
	require.NotEmpty(t, chunks)

	var sawCode bool
	for _, ch := range chunks {
		if ch.IsCode {
			sawCode = true
		}
	}
	assert.True(t, sawCode)
}

func TestMarkdownChunker_SplitsOversizedSection(t *testing.T) {
	c := NewMarkdownChunker()
	// Given: a single section far larger than TargetSize
	line := strings.Repeat("z", 80) + "\n"
	var b strings.Builder
	b.WriteString("# Big\n\n")
	for i := 0; i < 50; i++ {
		b.WriteString(line)
	}

	chunks := c.Chunk(b.String(), DocMeta{FilePath: "big.md"})

	// Then: it was split into more than one chunk, all sharing the title
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.Equal(t, "Big", ch.Title)
		assert.LessOrEqual(t, len(ch.Content), MaxChunk)
	}
}

func TestMarkdownChunker_DropsChunksBelowMinSize(t *testing.T) {
	c := NewMarkdownChunker()
	// Given: content below MinChunk with no preceding header content
	chunks := c.Chunk("tiny", DocMeta{FilePath: "doc.md"})
	// Then: nothing survives (too short to be a retrievable chunk)
	assert.Empty(t, chunks)
}

func TestMarkdownChunker_Extensions(t *testing.T) {
	assert.ElementsMatch(t, []string{"md", "markdown"}, NewMarkdownChunker().Extensions())
}
