package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// LocalConfig configures the local (Ollama, OpenAI-compatible) provider.
type LocalConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// NewLocalConfigFromEnv reads OLLAMA_API_URL and OLLAMA_MODEL.
func NewLocalConfigFromEnv() LocalConfig {
	return LocalConfig{
		BaseURL:      os.Getenv("OLLAMA_API_URL"),
		DefaultModel: os.Getenv("OLLAMA_MODEL"),
	}
}

// LocalProvider is the "local" provider. It speaks the OpenAI-compatible
// chat-completions streaming wire format directly over bufio, rather than
// through an SDK, since the spec calls out this provider's event framing
// explicitly: newline-delimited `data: {...}` chunks terminated by `data: [DONE]`.
type LocalProvider struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

// NewLocalProvider constructs the local provider.
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &LocalProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
	}
}

// ID implements Provider.
func (p *LocalProvider) ID() string { return "local" }

type localChatRequest struct {
	Model       string          `json:"model"`
	Messages    []localMessage  `json:"messages"`
	Tools       []localToolSpec `json:"tools,omitempty"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type localMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []localToolCall  `json:"tool_calls,omitempty"`
}

type localToolSpec struct {
	Type     string            `json:"type"`
	Function localFunctionSpec `json:"function"`
}

type localFunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type localToolCall struct {
	ID       string               `json:"id,omitempty"`
	Type     string               `json:"type,omitempty"`
	Function localFunctionPayload `json:"function"`
}

type localFunctionPayload struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// localStreamChunk mirrors one OpenAI-compatible SSE `data:` payload.
type localStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// CreateCompletion implements Provider.
func (p *LocalProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (CompletionStream, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, errors.New("provider: local model is required")
	}

	payload := localChatRequest{
		Model:       model,
		Stream:      true,
		Messages:    buildLocalMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, localToolSpec{
			Type: "function",
			Function: localFunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal local request: %w", err)
	}

	url := p.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build local request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := doWithRetry(ctx, p.client, httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: local request failed: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("provider: local status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	return &localStream{body: resp.Body, scanner: scanner}, nil
}

type localStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	closed  bool
}

// Recv reads the next non-empty `data:` line, skipping anything else
// (comments, blank keep-alives), and decodes it until `[DONE]` or EOF.
func (s *localStream) Recv() (*CompletionChunk, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil, io.EOF
		}

		var raw localStreamChunk
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			return nil, fmt.Errorf("provider: decode local chunk: %w", err)
		}
		if len(raw.Choices) == 0 {
			continue
		}
		choice := raw.Choices[0]

		chunk := &CompletionChunk{
			Content:      choice.Delta.Content,
			FinishReason: normalizeFinishReason(choice.FinishReason),
		}
		for _, tc := range choice.Delta.ToolCalls {
			chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
				Index:          tc.Index,
				ID:             tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			})
		}
		if raw.Usage != nil {
			chunk.Usage = &Usage{
				InputTokens:  raw.Usage.PromptTokens,
				OutputTokens: raw.Usage.CompletionTokens,
			}
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("provider: local scan: %w", err)
	}
	return nil, io.EOF
}

func (s *localStream) Close() error {
	s.closed = true
	return s.body.Close()
}

func buildLocalMessages(in []Message) []localMessage {
	out := make([]localMessage, 0, len(in))
	for _, m := range in {
		msg := localMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, localToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: localFunctionPayload{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}
