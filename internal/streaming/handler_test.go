package streaming

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/admission"
	"github.com/relaygate/gateway/internal/llmqueue"
	"github.com/relaygate/gateway/internal/progress"
	"github.com/relaygate/gateway/internal/provider"
	"github.com/relaygate/gateway/internal/repo"
	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/internal/tool"
	"github.com/relaygate/gateway/internal/toolcache"
)

// fakeStream replays a fixed sequence of chunks, one per Recv call.
type fakeStream struct {
	chunks []provider.CompletionChunk
	i      int
}

func (s *fakeStream) Recv() (*provider.CompletionChunk, error) {
	if s.i >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return &c, nil
}
func (s *fakeStream) Close() error { return nil }

// fakeProvider returns a scripted sequence of streams, one per call to
// CreateCompletion, so a test can simulate a tool-calling round followed
// by a plain-text finishing round.
type fakeProvider struct {
	streams []*fakeStream
	i       int
	reqs    []*provider.CompletionRequest
}

func (p *fakeProvider) ID() string { return "fake" }
func (p *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (provider.CompletionStream, error) {
	p.reqs = append(p.reqs, req)
	s := p.streams[p.i]
	p.i++
	return s, nil
}

func newTestDeps(t *testing.T) (Deps, func()) {
	t.Helper()
	dir := t.TempDir()
	st := storage.New(dir)

	reg := tool.NewRegistry()
	cache := toolcache.New(toolcache.Config{})
	limiter := tool.NewRateLimiter()
	executor := tool.NewExecutor(reg, cache, limiter)

	deps := Deps{
		Admission:     admission.New(admission.Config{MaxGlobal: 10, MaxPerUser: 10}),
		Queue:         llmqueue.New(llmqueue.Config{MaxConcurrent: 10, MaxRPM: 1000}),
		Registry:      reg,
		Executor:      executor,
		Adapters:      tool.DefaultAdapterChain(),
		Progress:      progress.New(st, time.Minute),
		Conversations: repo.NewFileConversationRepo(st),
		Messages:      repo.NewFileMessageRepo(st),
		Metrics:       nil,
	}
	return deps, func() {}
}

func TestHandler_PlainTextTurnStreamsAndPersists(t *testing.T) {
	deps, cleanup := newTestDeps(t)
	defer cleanup()

	prov := &fakeProvider{streams: []*fakeStream{
		{chunks: []provider.CompletionChunk{
			{Content: "hello "},
			{Content: "world", FinishReason: "stop"},
		}},
	}}

	h := NewHandler(deps, map[string]provider.Provider{"local": prov})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/chat", nil)
	h.ServeChat(rec, req, ChatRequest{
		UserID:             "u1",
		ConversationID:     "c1",
		AssistantMessageID: "m1",
		ModelType:          "local",
	})

	body := rec.Body.String()
	if !strings.Contains(body, "event: init") {
		t.Fatalf("expected init event, got %q", body)
	}
	if !strings.Contains(body, `"content":"hello world"`) {
		t.Errorf("expected cumulative content event, got %q", body)
	}
	if !strings.Contains(body, `"done":true`) {
		t.Errorf("expected terminal done event, got %q", body)
	}

	saved, err := deps.Messages.FindByID(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", saved.Content)
}

func TestHandler_ToolCallRoundtripsThenFinishes(t *testing.T) {
	deps, cleanup := newTestDeps(t)
	defer cleanup()

	require.NoError(t, deps.Registry.Register(&testPlugin{
		name: "lookup",
		execFn: func(ctx context.Context, params map[string]any) (*tool.Result, error) {
			return &tool.Result{Success: true, Output: "42"}, nil
		},
	}))

	toolArgsChunk := provider.CompletionChunk{
		ToolCalls: []provider.ToolCallDelta{
			{Index: 0, ID: "call_1", Name: "lookup", ArgumentsDelta: `{"q":"answer"}`},
		},
		FinishReason: "tool_calls",
	}

	prov := &fakeProvider{streams: []*fakeStream{
		{chunks: []provider.CompletionChunk{toolArgsChunk}},
		{chunks: []provider.CompletionChunk{{Content: "done", FinishReason: "stop"}}},
	}}

	h := NewHandler(deps, map[string]provider.Provider{"local": prov})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/chat", nil)
	h.ServeChat(rec, req, ChatRequest{
		UserID:             "u1",
		ConversationID:     "c1",
		AssistantMessageID: "m1",
		ModelType:          "local",
	})

	body := rec.Body.String()
	if !strings.Contains(body, "event: toolCall") {
		t.Fatalf("expected a toolCall notice event, got %q", body)
	}
	if !strings.Contains(body, `"done":true`) {
		t.Errorf("expected terminal done event, got %q", body)
	}
	require.Len(t, prov.reqs, 2, "expected a second provider call carrying the tool result")

	last := prov.reqs[1].Messages
	require.NotEmpty(t, last)
	assert.Equal(t, "user", last[len(last)-1].Role)
}

func TestHandler_RejectsWhenAdmissionFull(t *testing.T) {
	deps, cleanup := newTestDeps(t)
	defer cleanup()
	deps.Admission = admission.New(admission.Config{MaxGlobal: 0, MaxPerUser: 0})

	prov := &fakeProvider{}
	h := NewHandler(deps, map[string]provider.Provider{"local": prov})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/chat", nil)
	h.ServeChat(rec, req, ChatRequest{UserID: "u1", ConversationID: "c1", AssistantMessageID: "m1", ModelType: "local"})

	if rec.Code != 429 {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, false, payload["success"])
}

// testPlugin is a minimal tool.Plugin for exercising the executor through
// the handler without pulling in a concrete builtin tool's dependencies.
type testPlugin struct {
	name   string
	execFn func(ctx context.Context, params map[string]any) (*tool.Result, error)
}

func (p *testPlugin) Metadata() tool.Metadata      { return tool.Metadata{Name: p.name, Version: "1", Enabled: true} }
func (p *testPlugin) Schema() json.RawMessage      { return json.RawMessage(`{"type":"object","properties":{}}`) }
func (p *testPlugin) RateLimit() *tool.RateLimitConfig { return nil }
func (p *testPlugin) Cache() *tool.ToolCacheConfig { return nil }
func (p *testPlugin) Breaker() *tool.BreakerConfig { return nil }
func (p *testPlugin) Retry() *tool.RetryConfig     { return nil }
func (p *testPlugin) Fallback() *tool.FallbackConfig { return nil }
func (p *testPlugin) Validate(params map[string]any) error { return nil }
func (p *testPlugin) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	return p.execFn(ctx, params)
}
