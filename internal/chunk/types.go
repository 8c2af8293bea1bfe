// Package chunk implements the Chunker Registry: content-aware splitting
// of a document body into retrieval-sized Chunks, dispatched by file
// extension.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// Size parameters shared by every chunker.
const (
	TargetSize = 1500 // bytes
	Overlap    = 200
	MinChunk   = 100
	MaxChunk   = 3000
)

// DocMeta carries the identifiers a chunker needs to stamp onto every
// Chunk it produces.
type DocMeta struct {
	DocumentID string
	SourceID   string
	FilePath   string
}

// Chunker splits one document body into Chunks.
type Chunker interface {
	Chunk(content string, meta DocMeta) []kbtypes.Chunk
	Extensions() []string
}

// chunkID is content-addressable: sha256(filePath + "\x00" + content),
// hex-encoded. Two chunks with identical path+content collapse to the same
// ID, which is the intended behavior for re-ingesting an unchanged file.
func chunkID(filePath, content string) string {
	h := sha256.New()
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// contentHash is sha256(content) alone, independent of file path, the key
// chunk-level dedup runs on (distinct from chunkID, which is per-location).
func contentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// newChunk builds a kbtypes.Chunk, filling ID and the caller-supplied fields.
func newChunk(meta DocMeta, content string, title, section, subsection string, startLine, endLine int, isCode bool, hierarchy []string) kbtypes.Chunk {
	return kbtypes.Chunk{
		ID:          chunkID(meta.FilePath, content),
		ContentHash: contentHash(content),
		DocumentID:  meta.DocumentID,
		SourceID:    meta.SourceID,
		Content:     content,
		Title:       title,
		Section:     section,
		Subsection:  subsection,
		StartLine:   startLine,
		EndLine:     endLine,
		IsCode:      isCode,
		Hierarchy:   hierarchy,
	}
}

func hasCode(content string) bool {
	return strings.Contains(content, "```")
}
