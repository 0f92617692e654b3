package mapreduce

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/relaygate/gateway/internal/event"
	"github.com/relaygate/gateway/internal/tool"
)

// ChunkingInitData backs the chunking_init event.
type ChunkingInitData struct {
	TotalChunks int `json:"totalChunks"`
}

// ChunkingProgressData backs the chunking_progress event, emitted before
// each chunk enters a pipeline stage.
type ChunkingProgressData struct {
	Stage      string `json:"stage"`
	ChunkIndex int    `json:"chunkIndex"`
	TotalChunks int   `json:"totalChunks"`
}

// ChunkingChunkData backs the chunking_chunk event, emitted after a chunk
// finishes its map call.
type ChunkingChunkData struct {
	ChunkIndex int `json:"chunkIndex"`
}

const (
	EventChunkingInit     event.EventType = "mapreduce.chunking_init"
	EventChunkingProgress event.EventType = "mapreduce.chunking_progress"
	EventChunkingChunk    event.EventType = "mapreduce.chunking_chunk"
)

// LLMCaller invokes the model for one rendered prompt and returns the raw
// (possibly streamed-then-buffered) text response. Callers are expected to
// route this through the 4.B admission queue (internal/llmqueue).
type LLMCaller func(ctx context.Context, prompt string) (string, error)

// SSEWriter is the subset of the adaptive streaming writer the final stage
// needs: push report text to the client and notice a disconnect so the
// pipeline can abort without persisting.
type SSEWriter interface {
	WriteEvent(eventType string, data any) error
	IsClosed() bool
}

// RenderMapPrompt builds the extraction prompt for one chunk.
func RenderMapPrompt(chunk Chunk, totalChunks int) string {
	var b strings.Builder
	b.WriteString("You are extracting structured planning information from part ")
	b.WriteString(strconv.Itoa(chunk.Index + 1))
	b.WriteString(" of ")
	b.WriteString(strconv.Itoa(totalChunks))
	b.WriteString(" of a longer document.\n\n")
	b.WriteString("Respond with a single JSON object of the shape:\n")
	b.WriteString(`{"extracted":{"goals":[],"milestones":[],"tasks":[{"title":"","owner":"","deadline":"","dependsOn":[]}],"metrics":[],"risks":[{"risk":"","mitigation":""}],"unknowns":[]}}`)
	b.WriteString("\n\nDocument part:\n")
	b.WriteString(chunk.Text)
	return b.String()
}

// Map runs the map stage sequentially (one chunk at a time, matching the
// reference pipeline's ordering), parsing each response through the
// tolerant JSON parser. Unparseable responses contribute an empty
// Extraction rather than failing the run.
// Map runs the map stage sequentially (one chunk at a time, matching the
// reference pipeline's ordering), parsing each response through the
// tolerant JSON parser. Unparseable responses contribute an empty
// Extraction rather than failing the run. writer may be nil to run
// without a disconnect check (e.g. in tests); when non-nil, IsClosed() is
// polled between chunks and a disconnect returns ErrDisconnected.
func Map(ctx context.Context, chunks []Chunk, call LLMCaller, writer SSEWriter) ([]Extraction, error) {
	total := len(chunks)
	event.PublishSync(event.Event{Type: EventChunkingInit, Data: ChunkingInitData{TotalChunks: total}})

	extractions := make([]Extraction, total)
	for i, chunk := range chunks {
		if writer != nil && writer.IsClosed() {
			return nil, ErrDisconnected
		}

		event.PublishSync(event.Event{
			Type: EventChunkingProgress,
			Data: ChunkingProgressData{Stage: "map", ChunkIndex: i, TotalChunks: total},
		})

		raw, err := call(ctx, RenderMapPrompt(chunk, total))
		if err != nil {
			return nil, err
		}

		var resp mapResponse
		if err := tool.ParseTolerant(raw, &resp); err == nil {
			extractions[i] = resp.Extracted
		}

		event.PublishSync(event.Event{Type: EventChunkingChunk, Data: ChunkingChunkData{ChunkIndex: i}})
	}

	return extractions, nil
}

// dedupThreshold is the maximum normalized Levenshtein distance (as a
// fraction of the longer string's length) at which two values are merged
// as near-duplicates, beyond the reference spec's exact-match rule.
const dedupThreshold = 0.1

// Reduce merges extractions with whitespace-lowercase-normalized
// de-duplication (tasks by title, risks by risk, everything else by
// value), then folds remaining near-duplicates (e.g. "write unit test" vs
// "write unit tests") within dedupThreshold into a single entry.
func Reduce(extractions []Extraction) Extraction {
	var merged Extraction
	merged.Goals = dedupStrings(collectAll(extractions, func(e Extraction) []string { return e.Goals }))
	merged.Milestones = dedupStrings(collectAll(extractions, func(e Extraction) []string { return e.Milestones }))
	merged.Metrics = dedupStrings(collectAll(extractions, func(e Extraction) []string { return e.Metrics }))
	merged.Unknowns = dedupStrings(collectAll(extractions, func(e Extraction) []string { return e.Unknowns }))
	merged.Tasks = dedupTasks(extractions)
	merged.Risks = dedupRisks(extractions)
	return merged
}

func collectAll(extractions []Extraction, pick func(Extraction) []string) []string {
	var all []string
	for _, e := range extractions {
		all = append(all, pick(e)...)
	}
	return all
}

func dedupStrings(values []string) []string {
	var out []string
	var normalized []string
	for _, v := range values {
		n := normalize(v)
		if n == "" {
			continue
		}
		if idx := nearDuplicateIndex(normalized, n); idx >= 0 {
			continue
		}
		normalized = append(normalized, n)
		out = append(out, v)
	}
	return out
}

func dedupTasks(extractions []Extraction) []Task {
	var out []Task
	var normalized []string
	for _, e := range extractions {
		for _, t := range e.Tasks {
			n := normalize(t.Title)
			if n == "" {
				continue
			}
			if idx := nearDuplicateIndex(normalized, n); idx >= 0 {
				continue
			}
			normalized = append(normalized, n)
			out = append(out, t)
		}
	}
	return out
}

func dedupRisks(extractions []Extraction) []Risk {
	var out []Risk
	var normalized []string
	for _, e := range extractions {
		for _, r := range e.Risks {
			n := normalize(r.Risk)
			if n == "" {
				continue
			}
			if idx := nearDuplicateIndex(normalized, n); idx >= 0 {
				continue
			}
			normalized = append(normalized, n)
			out = append(out, r)
		}
	}
	return out
}

// nearDuplicateIndex returns the index of an existing normalized value
// within dedupThreshold of candidate, or -1.
func nearDuplicateIndex(existing []string, candidate string) int {
	for i, e := range existing {
		if e == candidate {
			return i
		}
		maxLen := len(e)
		if len(candidate) > maxLen {
			maxLen = len(candidate)
		}
		if maxLen == 0 {
			continue
		}
		dist := levenshtein.ComputeDistance(e, candidate)
		if float64(dist)/float64(maxLen) <= dedupThreshold {
			return i
		}
	}
	return -1
}

// sortExtraction orders every slice alphabetically so the final report's
// ordering doesn't depend on chunk arrival order.
func sortExtraction(e *Extraction) {
	sort.Strings(e.Goals)
	sort.Strings(e.Milestones)
	sort.Strings(e.Metrics)
	sort.Strings(e.Unknowns)
	sort.Slice(e.Tasks, func(i, j int) bool { return e.Tasks[i].Title < e.Tasks[j].Title })
	sort.Slice(e.Risks, func(i, j int) bool { return e.Risks[i].Risk < e.Risks[j].Risk })
}

// RenderReducePrompt builds the final report prompt carrying the merged
// structure forward from Reduce.
func RenderReducePrompt(merged Extraction) string {
	sortExtraction(&merged)

	var b strings.Builder
	b.WriteString("Write a final plan-review report from this merged structure. ")
	b.WriteString("Use <think></think> tags for your reasoning before the report body.\n\n")
	b.WriteString("Goals: ")
	b.WriteString(strings.Join(merged.Goals, "; "))
	b.WriteString("\nMilestones: ")
	b.WriteString(strings.Join(merged.Milestones, "; "))
	b.WriteString("\nMetrics: ")
	b.WriteString(strings.Join(merged.Metrics, "; "))
	b.WriteString("\nUnknowns: ")
	b.WriteString(strings.Join(merged.Unknowns, "; "))
	b.WriteString("\nTasks:\n")
	for _, t := range merged.Tasks {
		b.WriteString("- ")
		b.WriteString(t.Title)
		if t.Owner != "" {
			b.WriteString(" (owner: " + t.Owner + ")")
		}
		b.WriteString("\n")
	}
	b.WriteString("Risks:\n")
	for _, r := range merged.Risks {
		b.WriteString("- ")
		b.WriteString(r.Risk)
		if r.Mitigation != "" {
			b.WriteString(" (mitigation: " + r.Mitigation + ")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// StreamCaller drives the final stage's model call, invoking onDelta as
// text arrives (routed through 4.I's adaptive SSE writer by the caller)
// and returning the full accumulated text plus any <think> content the
// provider streamed out-of-band.
type StreamCaller func(ctx context.Context, prompt string, onDelta func(text string)) (full string, thinking string, err error)

// thinkTagPattern extracts inline <think>...</think> reasoning some
// providers interleave with the report body instead of streaming it
// out-of-band.
var thinkTagPattern = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// ExtractThinking pulls inline <think> tags out of text, returning the
// remaining report body and the concatenated thinking content. Shared with
// the single-turn streaming handler, which applies the same extraction to
// provider content deltas.
func ExtractThinking(text string) (body string, thinking string) {
	matches := thinkTagPattern.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		thinking += m[1]
	}
	return thinkTagPattern.ReplaceAllString(text, ""), thinking
}

// Final renders the reduce prompt, streams the report to the client, and
// persists on completion exactly as the single-turn streaming handler
// would (including thinking-tag extraction). sseWriter.IsClosed() is
// consulted before persisting so a disconnect mid-stream aborts without
// writing a final message.
func Final(ctx context.Context, merged Extraction, call StreamCaller, writer SSEWriter, persist func(text, thinking string) error) error {
	prompt := RenderReducePrompt(merged)

	var cumulative string
	full, streamedThinking, err := call(ctx, prompt, func(delta string) {
		if writer.IsClosed() {
			return
		}
		cumulative += delta
		_ = writer.WriteEvent("content", map[string]any{"content": cumulative})
	})
	if err != nil {
		return err
	}

	if writer.IsClosed() {
		return nil
	}

	body, inlineThinking := ExtractThinking(full)
	thinking := streamedThinking
	if thinking == "" {
		thinking = inlineThinking
	}

	return persist(body, thinking)
}

// ErrDisconnected is returned by Run when the client disconnects mid-map,
// so the caller can distinguish an aborted run from one that completed.
var ErrDisconnected = errDisconnected{}

type errDisconnected struct{}

func (errDisconnected) Error() string { return "mapreduce: client disconnected" }

// Run drives the full split -> map -> reduce -> final pipeline for one
// plan-review request, checking writer.IsClosed() between chunks so a
// disconnect aborts the run without persisting a final message.
func Run(ctx context.Context, text string, cfg ChunkConfig, mapCall LLMCaller, finalCall StreamCaller, writer SSEWriter, persist func(text, thinking string) error) error {
	chunks := Split(text, cfg)

	extractions, err := Map(ctx, chunks, mapCall, writer)
	if err != nil {
		return err
	}

	if writer.IsClosed() {
		return ErrDisconnected
	}

	merged := Reduce(extractions)
	return Final(ctx, merged, finalCall, writer, persist)
}
