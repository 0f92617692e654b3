package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaygate/gateway/internal/admission"
	"github.com/relaygate/gateway/internal/agentsession"
	"github.com/relaygate/gateway/internal/llmqueue"
	"github.com/relaygate/gateway/internal/mapreduce"
	"github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/progress"
	"github.com/relaygate/gateway/internal/provider"
	"github.com/relaygate/gateway/internal/repo"
	"github.com/relaygate/gateway/internal/tool"
	"github.com/relaygate/gateway/pkg/types"
)

// multiAgentMode is the ChatRequest.Mode value that routes a turn through
// the agentsession checkpoint store instead of the plain single-session
// tool-calling loop.
const multiAgentMode = "multi_agent"

// maxToolRounds bounds the agentic tool-calling loop independently of the
// per-request consecutive-error cap below.
const maxToolRounds = 5

// maxConsecutiveToolErrors stops re-invocation after this many tool calls
// in a row fail; the final client event is a plain error.
const maxConsecutiveToolErrors = 2

const heartbeatInterval = 15 * time.Second

// progressFlushInterval and progressFlushChars gate how often the handler
// checkpoints partial output to the stream progress store while streaming.
const progressFlushInterval = time.Second
const progressFlushChars = 100

// Deps collects the handler's collaborators. All fields are required
// except Sessions, which is only consulted when a request carries
// Mode == multiAgentMode.
type Deps struct {
	Admission     *admission.Admission
	Queue         *llmqueue.Queue
	Registry      *tool.Registry
	Executor      *tool.Executor
	Adapters      *tool.AdapterChain
	Progress      *progress.Store
	Sessions      *agentsession.Store
	Conversations repo.ConversationRepo
	Messages      repo.MessageRepo
	Metrics       *metrics.Metrics
}

// ChatRequest is one /api/chat call, already authenticated and validated
// by the server layer.
type ChatRequest struct {
	UserID              string
	ConversationID      string
	AssistantMessageID  string
	RequestID           string
	ModelType           string // selects a provider from Handler.providers
	History             []provider.Message
	ExistingQueueToken  string
	Mode                string // "" for a plain turn, multiAgentMode for a checkpointed one
	ResumeFromRound     int
	LongTextMode        bool
	LongTextOptions     mapreduce.ChunkConfig
}

// Handler drives one multi-turn, tool-calling chat completion over SSE.
type Handler struct {
	deps      Deps
	providers map[string]provider.Provider
}

// NewHandler constructs a Handler. providers is keyed by ModelType
// ("local", "volcano", ...).
func NewHandler(deps Deps, providers map[string]provider.Provider) *Handler {
	return &Handler{deps: deps, providers: providers}
}

// ServeChat implements the full streaming loop described for component H.
// It writes either a 429-shaped JSON rejection or an SSE stream to w.
func (h *Handler) ServeChat(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	admitted := h.deps.Admission.Acquire(req.UserID, req.ExistingQueueToken)
	switch admitted.Kind {
	case admission.Rejected:
		w.Header().Set("Retry-After", strconv.Itoa(admitted.CooldownSec))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "too many requests, try again later"})
		return
	case admission.Queued:
		w.Header().Set("Retry-After", strconv.Itoa(admitted.RetryAfterSec))
		w.Header().Set("X-Queue-Token", admitted.Token)
		w.Header().Set("X-Queue-Position", strconv.Itoa(admitted.Position))
		w.Header().Set("X-Queue-Estimated-Wait", strconv.Itoa(admitted.RetryAfterSec))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "queued"})
		return
	}
	defer admitted.Release()

	prov, ok := h.providers[req.ModelType]
	if !ok {
		http.Error(w, fmt.Sprintf("streaming: unknown modelType %q", req.ModelType), http.StatusBadRequest)
		return
	}

	writer, err := NewWriter(w, r.Context(), WriterConfig{Adaptive: true}, h.deps.Metrics)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.StreamingActive.Inc()
		defer h.deps.Metrics.StreamingActive.Dec()
	}

	_ = writer.WriteEvent("init", map[string]any{
		"type":               "init",
		"conversationId":     req.ConversationID,
		"assistantMessageId": req.AssistantMessageID,
	})

	stopHeartbeat := make(chan struct{})
	go h.runHeartbeat(writer, stopHeartbeat)
	defer close(stopHeartbeat)

	run := &turnRun{
		h:       h,
		req:     req,
		writer:  writer,
		prov:    prov,
		reqCtx:  r.Context(),
		messages: append([]provider.Message(nil), req.History...),
	}
	run.execute()
}

func (h *Handler) runHeartbeat(writer *Writer, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			writer.WriteHeartbeat()
		}
	}
}

// turnRun holds the per-request mutable state threaded through the
// multi-round tool-calling loop: accumulated text, the growing message
// list, sources, and whether the assistant message has been persisted yet.
type turnRun struct {
	h      *Handler
	req    ChatRequest
	writer *Writer
	prov   provider.Provider
	reqCtx context.Context

	messages []provider.Message

	accumulatedText string
	thinking        string
	sources         []types.Source
	saved           bool

	consecutiveToolErrors int
	lastProgressFlush     time.Time
	lastProgressLen       int

	sessionIDs *agentsession.Identifiers
}

// execute dispatches to the long-text map-reduce pipeline or the
// multi-agent checkpointed loop before falling back to the plain
// single-session tool-calling loop.
func (run *turnRun) execute() {
	if run.req.LongTextMode {
		run.executeLongText()
		return
	}

	startRound := 1
	if run.req.Mode == multiAgentMode && run.h.deps.Sessions != nil {
		ids := agentsession.Identifiers{
			ConversationID:     run.req.ConversationID,
			UserID:             run.req.UserID,
			AssistantMessageID: run.req.AssistantMessageID,
		}
		run.sessionIDs = &ids

		plan, err := run.h.deps.Sessions.Resume(run.reqCtx, ids, run.req.ResumeFromRound)
		if err != nil {
			run.onError(err)
			return
		}
		if plan.Resumed {
			startRound = plan.ContinueFromRound
			run.writer.WriteEvent("resume", map[string]any{
				"resumedFromRound":  plan.ResumedFromRound,
				"continueFromRound": plan.ContinueFromRound,
			})
			if plan.Session != nil && len(plan.Session.State) > 0 {
				var state []provider.Message
				if err := json.Unmarshal(plan.Session.State, &state); err == nil {
					run.messages = state
				}
			}
		}
	}

	run.executeRounds(startRound)
}

// executeRounds runs the plain tool-calling loop starting at startRound,
// checkpointing to agentsession after every round when run.sessionIDs is
// set.
func (run *turnRun) executeRounds(startRound int) {
	for round := startRound; round <= maxToolRounds; round++ {
		if run.writer.IsClosed() {
			run.onDisconnect()
			return
		}

		stream, err := run.callProvider()
		if err != nil {
			run.onError(err)
			return
		}

		toolCalls, finishReason, err := run.drain(stream)
		stream.Close()
		if err != nil {
			run.onError(err)
			return
		}
		if run.writer.IsClosed() {
			run.onDisconnect()
			return
		}

		if len(toolCalls) > 0 {
			if !run.dispatchToolCalls(toolCalls) {
				return // consecutive-error cap hit; onError already emitted
			}
			run.checkpointRound(round)
			run.accumulatedText = ""
			continue
		}

		run.checkpointRound(round)

		if finishReason == "stop" || finishReason == "tool_calls" || finishReason == "" {
			run.finish()
			return
		}
		// "length" or other non-terminal reasons: treat as done rather than loop forever.
		run.finish()
		return
	}

	run.writer.WriteEvent("error", map[string]string{"error": "maximum tool rounds exceeded"})
	run.finish()
}

// checkpointRound persists the round's accumulated message history to the
// agentsession store, a no-op outside multi-agent mode.
func (run *turnRun) checkpointRound(round int) {
	if run.sessionIDs == nil {
		return
	}
	state, err := json.Marshal(run.messages)
	if err != nil {
		return
	}
	run.h.deps.Sessions.CompleteRound(run.reqCtx, *run.sessionIDs, round, state)
}

func (run *turnRun) callProvider() (provider.CompletionStream, error) {
	schemas := run.h.deps.Registry.GetAllSchemas()
	tools := make([]provider.ToolSchema, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, provider.ToolSchema{Name: s.Name, Description: s.Description, Parameters: []byte(s.Parameters)})
	}

	result, err := run.h.deps.Queue.Enqueue(run.reqCtx, func(ctx context.Context) (any, error) {
		return run.prov.CreateCompletion(ctx, &provider.CompletionRequest{
			Model:    run.req.ModelType,
			Messages: run.messages,
			Tools:    tools,
		})
	}, llmqueue.Options{Role: llmqueue.RoleHost})
	if err != nil {
		return nil, err
	}
	return result.(provider.CompletionStream), nil
}

// toolCallAccum concatenates a tool call's argument fragments as they
// arrive across chunks, indexed by the provider's delta.index.
type toolCallAccum struct {
	id   string
	name string
	args string
}

// drain reads one completion stream to exhaustion, pushing text deltas
// through the adaptive writer and accumulating tool call fragments.
func (run *turnRun) drain(stream provider.CompletionStream) ([]tool.ParsedToolCall, string, error) {
	accum := map[int]*toolCallAccum{}
	order := []int{}
	finishReason := ""

	for {
		if run.writer.IsClosed() {
			return nil, "", nil
		}

		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF || err == provider.ErrStreamClosed {
				break
			}
			return nil, "", err
		}
		if chunk == nil {
			break
		}

		if chunk.ReasoningContent != "" {
			run.thinking += chunk.ReasoningContent
		}

		for _, d := range chunk.ToolCalls {
			a, ok := accum[d.Index]
			if !ok {
				a = &toolCallAccum{}
				accum[d.Index] = a
				order = append(order, d.Index)
			}
			if d.ID != "" {
				a.id = d.ID
			}
			if d.Name != "" {
				a.name = d.Name
			}
			a.args += d.ArgumentsDelta
		}

		if chunk.Content != "" {
			before := run.accumulatedText
			run.accumulatedText += chunk.Content
			visible, inlineThinking := mapreduce.ExtractThinking(run.accumulatedText)
			if inlineThinking != "" {
				run.thinking = inlineThinking
			}
			if err := run.writer.PushDelta(stripThink(before), visible[len(stripThink(before)):], run.thinking, run.sources); err != nil {
				return nil, "", err
			}
			run.maybeFlushProgress()
		}

		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if finishReason != "" && len(chunk.ToolCalls) == 0 && chunk.Content == "" {
			break
		}
	}

	if len(order) == 0 {
		return nil, finishReason, nil
	}

	calls := make([]tool.ParsedToolCall, 0, len(order))
	for _, idx := range order {
		a := accum[idx]
		parsed, _, err := run.h.deps.Adapters.Parse(fmt.Sprintf(`{"function":{"name":%q,"arguments":%s}}`, a.name, jsonStringOrEmpty(a.args)))
		if err != nil || parsed == nil {
			// Fall back to the provider's already-structured name/arguments
			// when the adapter chain doesn't recognize the assembled shape.
			var params map[string]any
			_ = tool.ParseTolerant(a.args, &params)
			parsed = &tool.ParsedToolCall{ToolName: a.name, Params: params}
		}
		calls = append(calls, *parsed)
	}
	return calls, finishReason, nil
}

func jsonStringOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func stripThink(s string) string {
	visible, _ := mapreduce.ExtractThinking(s)
	return visible
}

// dispatchToolCalls executes every call in one round, appends the
// resulting assistant/tool-result message pair for each, and reports
// whether the loop may continue (false once the consecutive-error cap
// is hit, in which case an error event has already been sent).
func (run *turnRun) dispatchToolCalls(calls []tool.ParsedToolCall) bool {
	for _, call := range calls {
		run.writer.WriteEvent("toolCall", map[string]any{
			"content": "正在执行工具...",
			"toolCall": map[string]any{
				"tool":   call.ToolName,
				"params": call.Params,
			},
		})

		placeholder := run.accumulatedText
		if placeholder == "" {
			placeholder = fmt.Sprintf("calling %s", call.ToolName)
		}
		run.messages = append(run.messages, provider.Message{Role: "assistant", Content: placeholder})

		result := run.h.deps.Executor.Execute(run.reqCtx, call.ToolName, call.Params, tool.ExecuteOptions{
			UserID:         run.req.UserID,
			ConversationID: run.req.ConversationID,
			RequestID:      run.req.RequestID,
			Timestamp:      time.Now(),
		})

		if result.Err != nil || result.Result == nil || !result.Result.Success {
			run.consecutiveToolErrors++
			run.messages = append(run.messages, provider.Message{Role: "user", Content: toolErrorText(call.ToolName, result)})
		} else {
			run.consecutiveToolErrors = 0
			formatted := run.formatToolResult(call, result.Result)
			run.messages = append(run.messages, provider.Message{Role: "user", Content: formatted.ResultText})
			for _, src := range formatted.Sources {
				run.sources = append(run.sources, types.Source{URL: src})
			}
		}

		if run.consecutiveToolErrors >= maxConsecutiveToolErrors {
			const msg = "tool execution failed repeatedly"
			run.writer.WriteEvent("error", map[string]string{"error": msg})
			run.persistError(msg)
			return false
		}
	}
	return true
}

func (run *turnRun) formatToolResult(call tool.ParsedToolCall, result *tool.Result) tool.FormattedToolResult {
	raw := fmt.Sprintf(`{"function":{"name":%q,"arguments":"{}"}}`, call.ToolName)
	if _, adapter, err := run.h.deps.Adapters.Parse(raw); err == nil && adapter != nil {
		return adapter.FormatToTextResult(result, map[string]any{"tool": call.ToolName})
	}
	// No adapter claims plain result formatting; fall back to a minimal
	// text rendering so the provider still sees a usable message.
	b, _ := json.Marshal(result.Output)
	return tool.FormattedToolResult{ResultText: string(b)}
}

func toolErrorText(toolName string, result tool.ExecutionResult) string {
	if result.Err != nil {
		return fmt.Sprintf("tool %s failed: %v", toolName, result.Err)
	}
	if result.Result != nil {
		return fmt.Sprintf("tool %s failed: %s", toolName, result.Result.Error)
	}
	return fmt.Sprintf("tool %s failed", toolName)
}

// maybeFlushProgress checkpoints accumulated output roughly every second
// or every 100 characters, whichever comes first.
func (run *turnRun) maybeFlushProgress() {
	now := time.Now()
	grown := len(run.accumulatedText) - run.lastProgressLen
	if grown < progressFlushChars && now.Sub(run.lastProgressFlush) < progressFlushInterval {
		return
	}
	run.lastProgressLen = len(run.accumulatedText)
	run.lastProgressFlush = now

	visible, _ := mapreduce.ExtractThinking(run.accumulatedText)
	run.h.deps.Progress.Upsert(run.reqCtx, types.StreamProgress{
		MessageID:        run.req.AssistantMessageID,
		ConversationID:   run.req.ConversationID,
		UserID:           run.req.UserID,
		AccumulatedText:  visible,
		Thinking:         run.thinking,
		Sources:          run.sources,
		Status:           types.StreamStatusStreaming,
		LastSentPosition: len(visible),
	})
}

// finish persists the assistant message (if not already saved) and emits
// the terminal event.
func (run *turnRun) finish() {
	visible, inlineThinking := mapreduce.ExtractThinking(run.accumulatedText)
	if run.thinking == "" {
		run.thinking = inlineThinking
	}

	if !run.saved {
		msg := &types.Message{
			ID:             run.req.AssistantMessageID,
			ConversationID: run.req.ConversationID,
			UserID:         run.req.UserID,
			Role:           types.RoleAssistant,
			Content:        visible,
			Thinking:       run.thinking,
			Sources:        run.sources,
			Timestamp:      time.Now(),
		}
		if err := run.h.deps.Messages.Save(run.reqCtx, msg); err == nil {
			run.saved = true
			run.h.deps.Progress.MarkCompleted(run.reqCtx, run.req.AssistantMessageID, visible, run.thinking, run.sources)
		}
	}

	run.writer.WriteEvent("done", map[string]any{
		"done":               true,
		"assistantMessageId": run.req.AssistantMessageID,
		"sources":            run.sources,
	})
}

// onDisconnect completes persistence without emitting further events, per
// the disconnect semantics: the client is gone, but StreamProgress and the
// message store must still reflect whatever was produced so far.
func (run *turnRun) onDisconnect() {
	visible, inlineThinking := mapreduce.ExtractThinking(run.accumulatedText)
	if run.thinking == "" {
		run.thinking = inlineThinking
	}
	if visible == "" || run.saved {
		return
	}
	run.h.deps.Progress.Upsert(run.reqCtx, types.StreamProgress{
		MessageID:       run.req.AssistantMessageID,
		ConversationID:  run.req.ConversationID,
		UserID:          run.req.UserID,
		AccumulatedText: visible,
		Thinking:        run.thinking,
		Sources:         run.sources,
		Status:          types.StreamStatusStreaming,
	})
	if err := run.h.deps.Messages.Save(run.reqCtx, &types.Message{
		ID:             run.req.AssistantMessageID,
		ConversationID: run.req.ConversationID,
		UserID:         run.req.UserID,
		Role:           types.RoleAssistant,
		Content:        visible,
		Thinking:       run.thinking,
		Sources:        run.sources,
		Timestamp:      time.Now(),
	}); err == nil {
		run.saved = true
	}
}

// onError emits an error event if the stream is still open, then stores
// whatever partial text was accumulated so the UI can recover.
func (run *turnRun) onError(err error) {
	run.writer.WriteEvent("error", map[string]string{"error": err.Error()})
	run.persistError(err.Error())
}

// persistError records the partial output against the progress store with
// an error status, without emitting a terminal done event. Both onError
// and the consecutive-tool-error cap share this path, since the spec
// requires the final client event to be a plain error message in either
// case.
func (run *turnRun) persistError(message string) {
	visible, inlineThinking := mapreduce.ExtractThinking(run.accumulatedText)
	if run.thinking == "" {
		run.thinking = inlineThinking
	}
	if visible == "" || run.saved {
		return
	}
	run.h.deps.Progress.MarkError(run.reqCtx, run.req.AssistantMessageID, message)
	run.h.deps.Progress.Upsert(run.reqCtx, types.StreamProgress{
		MessageID:       run.req.AssistantMessageID,
		ConversationID:  run.req.ConversationID,
		UserID:          run.req.UserID,
		AccumulatedText: visible,
		Thinking:        run.thinking,
		Sources:         run.sources,
		Status:          types.StreamStatusError,
		Error:           message,
	})
}

// executeLongText drives the split -> map -> reduce -> final pipeline
// (component L) for a request flagged LongTextMode, routing every model
// call through the same llmqueue-backed provider as the plain turn loop.
func (run *turnRun) executeLongText() {
	cfg := run.req.LongTextOptions
	if cfg.MaxChunkSize <= 0 {
		cfg = mapreduce.DefaultChunkConfig()
	}

	persist := func(text, thinking string) error {
		run.accumulatedText = text
		run.thinking = thinking
		run.finish()
		return nil
	}

	err := mapreduce.Run(run.reqCtx, run.latestUserText(), cfg, run.callProviderOnce, run.callProviderStreaming, run.writer, persist)
	if err != nil {
		if err == mapreduce.ErrDisconnected {
			run.onDisconnect()
			return
		}
		run.onError(err)
	}
}

// latestUserText returns the most recent user message's content, the
// document the long-text pipeline chunks and summarizes.
func (run *turnRun) latestUserText() string {
	for i := len(run.messages) - 1; i >= 0; i-- {
		if run.messages[i].Role == "user" {
			return run.messages[i].Content
		}
	}
	return ""
}

// callProviderOnce issues a single non-streaming-style completion request,
// draining the stream fully before returning the concatenated content.
// It backs mapreduce.LLMCaller for the pipeline's map stage.
func (run *turnRun) callProviderOnce(ctx context.Context, prompt string) (string, error) {
	result, err := run.h.deps.Queue.Enqueue(ctx, func(c context.Context) (any, error) {
		return run.prov.CreateCompletion(c, &provider.CompletionRequest{
			Model:    run.req.ModelType,
			Messages: []provider.Message{{Role: "user", Content: prompt}},
		})
	}, llmqueue.Options{Role: llmqueue.RoleHost})
	if err != nil {
		return "", err
	}
	stream := result.(provider.CompletionStream)
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF || err == provider.ErrStreamClosed {
				break
			}
			return "", err
		}
		if chunk == nil {
			break
		}
		b.WriteString(chunk.Content)
		if chunk.FinishReason != "" && chunk.Content == "" && len(chunk.ToolCalls) == 0 {
			break
		}
	}
	return b.String(), nil
}

// callProviderStreaming issues a completion request and pushes each
// content delta to onDelta as it arrives, returning the full accumulated
// text plus any out-of-band reasoning content. It backs
// mapreduce.StreamCaller for the pipeline's final report stage.
func (run *turnRun) callProviderStreaming(ctx context.Context, prompt string, onDelta func(text string)) (string, string, error) {
	result, err := run.h.deps.Queue.Enqueue(ctx, func(c context.Context) (any, error) {
		return run.prov.CreateCompletion(c, &provider.CompletionRequest{
			Model:    run.req.ModelType,
			Messages: []provider.Message{{Role: "user", Content: prompt}},
		})
	}, llmqueue.Options{Role: llmqueue.RoleHost})
	if err != nil {
		return "", "", err
	}
	stream := result.(provider.CompletionStream)
	defer stream.Close()

	var full strings.Builder
	var thinking string
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF || err == provider.ErrStreamClosed {
				break
			}
			return "", "", err
		}
		if chunk == nil {
			break
		}
		if chunk.ReasoningContent != "" {
			thinking += chunk.ReasoningContent
		}
		if chunk.Content != "" {
			full.WriteString(chunk.Content)
			onDelta(chunk.Content)
		}
		if chunk.FinishReason != "" && chunk.Content == "" {
			break
		}
	}
	return full.String(), thinking, nil
}
