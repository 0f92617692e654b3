// Package streaming implements the streaming response handler and
// adaptive SSE writer (components H and I): it drives one multi-turn,
// tool-calling conversation against a provider and pushes incremental
// output to the client over Server-Sent Events.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/pkg/types"
)

// Mode is the adaptive writer's current emission strategy.
type Mode int

const (
	ModeCharacter Mode = iota
	ModeChunk
)

// WriterConfig tunes the adaptive writer.
type WriterConfig struct {
	Adaptive              bool
	ForcedMode            *Mode
	CharDelay             time.Duration // default 30ms, range 20-40ms
	ChunkDelay            time.Duration // default 5ms
	BackpressureThreshold int           // default 500 chars
}

func (c *WriterConfig) setDefaults() {
	if c.CharDelay <= 0 {
		c.CharDelay = 30 * time.Millisecond
	}
	if c.ChunkDelay <= 0 {
		c.ChunkDelay = 5 * time.Millisecond
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = 500
	}
}

// Writer is the adaptive SSE writer. One Writer serves one HTTP response.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	reqCtx  context.Context
	metrics *metrics.Metrics

	cfg WriterConfig

	mu     sync.Mutex
	mode   Mode
	closed atomic.Bool
}

// NewWriter wraps w for SSE, using reqCtx (the inbound request's context)
// to detect client disconnects. m may be nil to skip metrics.
func NewWriter(w http.ResponseWriter, reqCtx context.Context, cfg WriterConfig, m *metrics.Metrics) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming: response writer does not support flushing")
	}
	cfg.setDefaults()

	mode := ModeCharacter
	if cfg.ForcedMode != nil {
		mode = *cfg.ForcedMode
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &Writer{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		reqCtx:  reqCtx,
		metrics: m,
		cfg:     cfg,
		mode:    mode,
	}, nil
}

// IsClosed reports whether the underlying connection is gone (request
// context cancelled) or the writer was explicitly closed.
func (w *Writer) IsClosed() bool {
	if w.closed.Load() {
		return true
	}
	if w.reqCtx != nil && w.reqCtx.Err() != nil {
		return true
	}
	return false
}

// Close marks the writer closed; subsequent writes are no-ops.
func (w *Writer) Close() {
	w.closed.Store(true)
}

// WriteEvent writes one SSE frame: "event: <type>\ndata: <json>\n\n".
// Every write checks IsClosed() first per the safety rule in 4.I.
func (w *Writer) WriteEvent(eventType string, data any) error {
	if w.IsClosed() {
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("streaming: marshal event %s: %w", eventType, err)
	}

	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}

	if err := w.rc.Flush(); err != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteHeartbeat writes an SSE comment line to keep intermediaries from
// timing out an idle connection.
func (w *Writer) WriteHeartbeat() {
	if w.IsClosed() {
		return
	}
	fmt.Fprint(w.w, ": heartbeat\n\n")
	w.flusher.Flush()
}

func (w *Writer) switchMode(to Mode) {
	if w.mode == to {
		return
	}
	w.mode = to
	if w.metrics != nil {
		w.metrics.SSEModeSwitches.Inc()
	}
}

// currentMode selects the emission mode for a delta of pendingLen chars,
// auto-switching on backpressure unless a mode was forced.
func (w *Writer) currentMode(pendingLen int) Mode {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.ForcedMode != nil {
		return *w.cfg.ForcedMode
	}
	if !w.cfg.Adaptive {
		return w.mode
	}

	switch w.mode {
	case ModeCharacter:
		if pendingLen > w.cfg.BackpressureThreshold {
			w.switchMode(ModeChunk)
		}
	case ModeChunk:
		if pendingLen < w.cfg.BackpressureThreshold/2 {
			w.switchMode(ModeCharacter)
		}
	}
	return w.mode
}

// contentPayload builds a content frame's body: {content, thinking?,
// sources?}. thinking and sources are omitted when empty, since both are
// optional on the wire.
func contentPayload(content, thinking string, sources []types.Source) map[string]any {
	payload := map[string]any{"content": content}
	if thinking != "" {
		payload["thinking"] = thinking
	}
	if len(sources) > 0 {
		payload["sources"] = sources
	}
	return payload
}

// PushDelta emits one incremental update. base is the cumulative text
// already sent; delta is the newly-appended text. thinking and sources
// are attached to every frame as the request's current accumulated state.
// In character mode each character of delta is emitted as its own event
// carrying the cumulative content so far, paced by CharDelay; in chunk
// mode the whole delta is sent in one event after ChunkDelay.
func (w *Writer) PushDelta(base, delta, thinking string, sources []types.Source) error {
	if delta == "" || w.IsClosed() {
		return nil
	}

	mode := w.currentMode(len(delta))

	if mode == ModeChunk {
		time.Sleep(w.cfg.ChunkDelay)
		if w.IsClosed() {
			return nil
		}
		return w.WriteEvent("content", contentPayload(base+delta, thinking, sources))
	}

	runes := []rune(delta)
	cumulative := base
	for _, r := range runes {
		if w.IsClosed() {
			return nil
		}
		cumulative += string(r)
		if err := w.WriteEvent("content", contentPayload(cumulative, thinking, sources)); err != nil {
			return err
		}
		time.Sleep(w.cfg.CharDelay)
	}
	return nil
}
