package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewChunk_ContentHashIsIndependentOfFilePath(t *testing.T) {
	// Given: the same content chunked under two different file paths
	a := newChunk(DocMeta{FilePath: "a.md"}, "shared body", "", "", "", 0, 0, false, nil)
	b := newChunk(DocMeta{FilePath: "b.md"}, "shared body", "", "", "", 0, 0, false, nil)

	// Then: IDs differ (content-addressable per location) but the content
	// hash, the global dedup key, is identical
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.NotEmpty(t, a.ContentHash)
}

func TestNewChunk_ContentHashDiffersForDifferentContent(t *testing.T) {
	a := newChunk(DocMeta{FilePath: "a.md"}, "one body", "", "", "", 0, 0, false, nil)
	b := newChunk(DocMeta{FilePath: "a.md"}, "another body", "", "", "", 0, 0, false, nil)
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
}
