package ingest

import (
	"time"
	"unicode/utf8"

	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// preparedDoc pairs a Document with the chunks the Chunker Registry
// produced for it.
type preparedDoc struct {
	doc    kbtypes.Document
	chunks []kbtypes.Chunk
}

// accumulator buffers preparedDocs until any BatchConfig threshold trips,
// at which point the pipeline flushes it.
type accumulator struct {
	cfg       BatchConfig
	docs      []preparedDoc
	chunkN    int
	byteN     int
	openedAt  time.Time
}

func newAccumulator(cfg BatchConfig) *accumulator {
	return &accumulator{cfg: cfg, openedAt: time.Now()}
}

// add appends d and reports whether the accumulator should now flush.
func (a *accumulator) add(d preparedDoc) bool {
	if len(a.docs) == 0 {
		a.openedAt = time.Now()
	}
	a.docs = append(a.docs, d)
	a.chunkN += len(d.chunks)
	a.byteN += utf8.RuneCountInString(d.doc.Content)

	if len(a.docs) >= a.cfg.MaxDocs {
		return true
	}
	if a.chunkN >= a.cfg.MaxChunks {
		return true
	}
	if a.byteN >= a.cfg.MaxMemoryMB*1024*1024 {
		return true
	}
	if a.cfg.FlushTimeout > 0 && time.Since(a.openedAt) >= a.cfg.FlushTimeout {
		return true
	}
	return false
}

func (a *accumulator) isEmpty() bool { return len(a.docs) == 0 }

// take returns the buffered docs and resets the accumulator.
func (a *accumulator) take() []preparedDoc {
	docs := a.docs
	a.docs = nil
	a.chunkN = 0
	a.byteN = 0
	return docs
}

func (a *accumulator) allChunks() []kbtypes.Chunk {
	var out []kbtypes.Chunk
	for _, d := range a.docs {
		out = append(out, d.chunks...)
	}
	return out
}
