// Package provider adapts upstream LLM APIs (Volcengine ARK, Ollama-compatible
// local models) behind one streaming interface so the session pipeline never
// branches on which provider produced a token.
package provider

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("provider: stream closed")

// Message is one entry of the conversation sent to the provider.
type Message struct {
	Role       string     // "system" | "user" | "assistant" | "tool"
	Content    string
	ToolCallID string     // set on tool-result messages
	ToolCalls  []ToolCall // set on assistant messages that requested tools
}

// ToolCall is a complete (non-streaming) tool call attached to a message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolSchema is exposed to the provider for function-calling.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  []byte // JSON Schema
}

// CompletionRequest is one provider call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
}

// ToolCallDelta is one incremental fragment of a tool call the provider is
// emitting. Providers index tool calls by position in the response so
// argument fragments across multiple chunks can be concatenated.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// Usage mirrors types.TokenUsage without importing pkg/types here, keeping
// this package free of a dependency cycle with the repositories that embed it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionChunk is one decoded delta from the provider's event stream.
// Content and ToolCalls are attributed separately, matching the wire shape
// of `delta.content` vs `delta.tool_calls[]` on OpenAI-compatible streams.
type CompletionChunk struct {
	Content          string
	ReasoningContent string // <think> content some providers stream separately
	ToolCalls        []ToolCallDelta
	FinishReason     string // "", "stop", "tool_calls", "length", "error"
	Usage            *Usage
}

// CompletionStream is a pull-based reader over provider deltas. Recv returns
// io.EOF once the stream is exhausted normally.
type CompletionStream interface {
	Recv() (*CompletionChunk, error)
	Close() error
}

// Provider is one upstream LLM backend.
type Provider interface {
	// ID is the value clients pass as modelType (e.g. "volcano", "local").
	ID() string
	CreateCompletion(ctx context.Context, req *CompletionRequest) (CompletionStream, error)
}
