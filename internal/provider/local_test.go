package provider_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/provider"
)

func TestLocalProvider_StreamsContentAndToolCalls(t *testing.T) {
	lines := []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
		`data: [DONE]`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
	defer srv.Close()

	p := provider.NewLocalProvider(provider.LocalConfig{BaseURL: srv.URL, DefaultModel: "qwen2.5"})
	assert.Equal(t, "local", p.ID())

	stream, err := p.CreateCompletion(context.Background(), &provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var content string
	var toolArgs string
	var finish string
	var usage *provider.Usage
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content += chunk.Content
		for _, tc := range chunk.ToolCalls {
			toolArgs += tc.ArgumentsDelta
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "Hello", content)
	assert.Equal(t, `{"q":"x"}`, toolArgs)
	assert.Equal(t, "tool_calls", finish)
	require.NotNil(t, usage)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 5, usage.OutputTokens)
}

func TestLocalProvider_RequiresModel(t *testing.T) {
	p := provider.NewLocalProvider(provider.LocalConfig{BaseURL: "http://unused"})
	_, err := p.CreateCompletion(context.Background(), &provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestLocalProvider_PropagatesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	p := provider.NewLocalProvider(provider.LocalConfig{BaseURL: srv.URL, DefaultModel: "qwen2.5"})
	_, err := p.CreateCompletion(context.Background(), &provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
