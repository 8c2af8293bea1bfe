package chunk

import (
	"strings"

	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// MarkdownChunker is header-aware: it tracks a 3-level context (H1 title,
// H2 section, H3 subsection) as it walks lines, closing the current
// section whenever it hits a header line outside a fenced code block.
type MarkdownChunker struct {
	targetSize int
}

// NewMarkdownChunker returns a chunker using the package's default sizes.
func NewMarkdownChunker() *MarkdownChunker {
	return &MarkdownChunker{targetSize: TargetSize}
}

func (c *MarkdownChunker) Extensions() []string { return []string{"md", "markdown"} }

type sectionContext struct {
	title      string
	section    string
	subsection string
}

func (ctx sectionContext) hierarchy() []string {
	var h []string
	if ctx.title != "" {
		h = append(h, ctx.title)
	}
	if ctx.section != "" {
		h = append(h, ctx.section)
	}
	if ctx.subsection != "" {
		h = append(h, ctx.subsection)
	}
	return h
}

type rawSection struct {
	ctx       sectionContext
	content   string
	startLine int
	endLine   int
}

func (c *MarkdownChunker) Chunk(content string, meta DocMeta) []kbtypes.Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	sections := splitIntoSections(content)
	var chunks []kbtypes.Chunk

	for _, s := range sections {
		if len(s.content) <= c.targetSize {
			if len(s.content) >= MinChunk {
				chunks = append(chunks, newChunk(meta, s.content, s.ctx.title, s.ctx.section, s.ctx.subsection, s.startLine, s.endLine, hasCode(s.content), s.ctx.hierarchy()))
			}
			continue
		}
		chunks = append(chunks, c.splitLargeSection(s, meta)...)
	}

	if len(chunks) == 0 && len(content) >= MinChunk {
		chunks = append(chunks, newChunk(meta, content, "", "", "", 1, countLines(content), hasCode(content), nil))
	}

	return chunks
}

// splitIntoSections walks content line by line, opening a new section on
// every H1/H2/H3 header encountered outside a fenced code block. An H1
// clears section and subsection; an H2 clears subsection; an H3 leaves
// both H1 and H2 in place.
func splitIntoSections(content string) []rawSection {
	var sections []rawSection
	var ctx sectionContext
	var current strings.Builder
	startLine := 1
	line := 1
	inCodeBlock := false

	// Pre-scan for a leading H1 outside code blocks, matching the one-pass
	// title-detection the line walk below would otherwise miss on the
	// very first section (which starts with no context at all).
	preInCode := false
	for _, raw := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "```") {
			preInCode = !preInCode
			continue
		}
		if preInCode {
			continue
		}
		if strings.HasPrefix(trimmed, "# ") && !strings.HasPrefix(trimmed, "##") {
			ctx.title = strings.TrimSpace(trimmed[2:])
			break
		}
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			break
		}
	}

	lines := strings.Split(content, "\n")
	// strings.Split on trailing \n yields a spurious empty final element;
	// content from callers rarely has one, but guard it anyway.
	if len(lines) > 0 && lines[len(lines)-1] == "" && strings.HasSuffix(content, "\n") {
		lines = lines[:len(lines)-1]
	}

	for _, raw := range lines {
		trimmed := strings.TrimSpace(raw)

		if strings.HasPrefix(trimmed, "```") {
			inCodeBlock = !inCodeBlock
			current.WriteString(raw)
			current.WriteByte('\n')
			line++
			continue
		}
		if inCodeBlock {
			current.WriteString(raw)
			current.WriteByte('\n')
			line++
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "# ") && !strings.HasPrefix(trimmed, "##"):
			if strings.TrimSpace(current.String()) != "" {
				sections = append(sections, rawSection{ctx: ctx, content: current.String(), startLine: startLine, endLine: line - 1})
			}
			ctx.title = strings.TrimSpace(trimmed[2:])
			ctx.section = ""
			ctx.subsection = ""
			current.Reset()
			current.WriteString(raw)
			current.WriteByte('\n')
			startLine = line

		case strings.HasPrefix(trimmed, "## ") && !strings.HasPrefix(trimmed, "###"):
			if strings.TrimSpace(current.String()) != "" {
				sections = append(sections, rawSection{ctx: ctx, content: current.String(), startLine: startLine, endLine: line - 1})
			}
			ctx.section = strings.TrimSpace(trimmed[3:])
			ctx.subsection = ""
			current.Reset()
			current.WriteString(raw)
			current.WriteByte('\n')
			startLine = line

		case strings.HasPrefix(trimmed, "### "):
			if strings.TrimSpace(current.String()) != "" {
				sections = append(sections, rawSection{ctx: ctx, content: current.String(), startLine: startLine, endLine: line - 1})
			}
			ctx.subsection = strings.TrimSpace(trimmed[4:])
			current.Reset()
			current.WriteString(raw)
			current.WriteByte('\n')
			startLine = line

		default:
			current.WriteString(raw)
			current.WriteByte('\n')
		}

		line++
	}

	if strings.TrimSpace(current.String()) != "" {
		sections = append(sections, rawSection{ctx: ctx, content: current.String(), startLine: startLine, endLine: line - 1})
	}

	return sections
}

// splitLargeSection further splits a section that exceeds targetSize,
// never breaking inside a fenced code block.
func (c *MarkdownChunker) splitLargeSection(s rawSection, meta DocMeta) []kbtypes.Chunk {
	var chunks []kbtypes.Chunk
	lines := strings.Split(s.content, "\n")

	var current strings.Builder
	chunkStart := s.startLine
	line := s.startLine
	inCodeBlock := false

	for _, raw := range lines {
		trimmed := strings.TrimSpace(raw)
		isFence := strings.HasPrefix(trimmed, "```")
		if isFence {
			inCodeBlock = !inCodeBlock
		}

		lineWithNL := raw + "\n"

		if !inCodeBlock && !isFence && current.Len()+len(lineWithNL) > c.targetSize && current.Len() >= MinChunk {
			body := current.String()
			chunks = append(chunks, newChunk(meta, body, s.ctx.title, s.ctx.section, s.ctx.subsection, chunkStart, line-1, hasCode(body), s.ctx.hierarchy()))
			current.Reset()
			chunkStart = line
		}

		current.WriteString(lineWithNL)
		line++
	}

	if current.Len() >= MinChunk {
		body := current.String()
		chunks = append(chunks, newChunk(meta, body, s.ctx.title, s.ctx.section, s.ctx.subsection, chunkStart, line-1, hasCode(body), s.ctx.hierarchy()))
	}

	return chunks
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
