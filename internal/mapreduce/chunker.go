// Package mapreduce implements the long-text map-reduce pipeline
// (component L): split a long document into chunks, extract structured
// findings from each chunk via the LLM, reduce the extractions into one
// de-duplicated structure, and render a final report.
package mapreduce

import (
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ChunkConfig tunes the structural splitter.
type ChunkConfig struct {
	MaxChunkSize    int
	TargetChunkSize int
	OverlapSize     int
	MaxChunks       int
}

// DefaultChunkConfig matches the reference splitter's defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChunkSize:    8000,
		TargetChunkSize: 6000,
		OverlapSize:     300,
		MaxChunks:       30,
	}
}

// Chunk is one unit of work handed to the map stage.
type Chunk struct {
	ID    string
	Index int
	Text  string
}

var (
	sentenceTerminators = regexp.MustCompile(`[。！？；.!?;]`)
	listLinePattern     = regexp.MustCompile(`^\s*([-*•]|\d+\.|[a-zA-Z]\.)\s+`)
)

// Split breaks text into chunks honoring paragraph and list-block
// boundaries, hard-splitting oversized paragraphs by sentence terminator
// (falling back to a byte-count split), and carrying a sliding overlap
// into the next chunk. At most cfg.MaxChunks are emitted; any remainder
// is appended to the last chunk.
func Split(text string, cfg ChunkConfig) []Chunk {
	if cfg.MaxChunkSize <= 0 {
		cfg = DefaultChunkConfig()
	}

	normalized := strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\r", "\n")
	paragraphs := groupParagraphs(normalized)

	var units []string
	for _, p := range paragraphs {
		if len(p) > cfg.MaxChunkSize {
			units = append(units, hardSplit(p, cfg.MaxChunkSize)...)
		} else {
			units = append(units, p)
		}
	}

	var chunks []Chunk
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{ID: ulid.Make().String(), Text: current.String()})
		current.Reset()
	}

	for _, u := range units {
		if current.Len() > 0 && current.Len()+len(u) > cfg.TargetChunkSize {
			flush()
			if cfg.OverlapSize > 0 && len(chunks) > 0 {
				tail := chunks[len(chunks)-1].Text
				if len(tail) > cfg.OverlapSize {
					tail = tail[len(tail)-cfg.OverlapSize:]
				}
				current.WriteString(tail)
				current.WriteString("\n\n")
			}
		}
		current.WriteString(u)
		current.WriteString("\n\n")
	}
	flush()

	if cfg.MaxChunks > 0 && len(chunks) > cfg.MaxChunks {
		var overflow strings.Builder
		for _, c := range chunks[cfg.MaxChunks-1:] {
			overflow.WriteString(c.Text)
			overflow.WriteString("\n\n")
		}
		kept := chunks[:cfg.MaxChunks-1]
		kept = append(kept, Chunk{ID: ulid.Make().String(), Text: overflow.String()})
		chunks = kept
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// groupParagraphs splits on blank lines but keeps a uniformly-prefixed
// list block (-, *, •, "1.", "a.") together as one paragraph.
func groupParagraphs(text string) []string {
	lines := strings.Split(text, "\n")

	var paragraphs []string
	var current strings.Builder
	inList := false

	flush := func() {
		p := strings.TrimSpace(current.String())
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
		current.Reset()
		inList = false
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		isListLine := listLinePattern.MatchString(line)

		if trimmed == "" {
			flush()
			continue
		}

		if current.Len() > 0 {
			// A transition between prose and a list block starts a new
			// paragraph even without a blank line between them.
			if isListLine != inList && current.Len() > 0 {
				flush()
			}
		}
		if isListLine {
			inList = true
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	flush()

	return paragraphs
}

// hardSplit breaks an oversized paragraph at sentence terminators, falling
// back to a byte-count split when no terminator is found within range.
func hardSplit(p string, maxSize int) []string {
	var out []string
	remaining := p

	for len(remaining) > maxSize {
		window := remaining[:maxSize]
		locs := sentenceTerminators.FindAllStringIndex(window, -1)

		splitAt := -1
		if len(locs) > 0 {
			splitAt = locs[len(locs)-1][1]
		}
		if splitAt <= 0 {
			splitAt = maxSize
		}

		out = append(out, remaining[:splitAt])
		remaining = remaining[splitAt:]
	}
	if remaining != "" {
		out = append(out, remaining)
	}
	return out
}
