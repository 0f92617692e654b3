package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ArkConfig configures the Volcengine ARK provider.
type ArkConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// ArkProvider is the "volcano" provider, backed by eino's ARK chat model.
type ArkProvider struct {
	cfg       ArkConfig
	chatModel model.ToolCallingChatModel
}

// NewArkConfigFromEnv reads ARK_API_KEY, ARK_API_URL and ARK_MODEL_ID from
// the environment; MaxTokens is left zero.
func NewArkConfigFromEnv() ArkConfig {
	return ArkConfig{
		APIKey:  os.Getenv("ARK_API_KEY"),
		BaseURL: os.Getenv("ARK_API_URL"),
		Model:   os.Getenv("ARK_MODEL_ID"),
	}
}

// NewArkProvider constructs the volcano provider.
func NewArkProvider(ctx context.Context, cfg ArkConfig) (*ArkProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider: ark api key is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: create ark chat model: %w", err)
	}
	return &ArkProvider{cfg: cfg, chatModel: chatModel}, nil
}

// ID implements Provider.
func (p *ArkProvider) ID() string { return "volcano" }

// CreateCompletion implements Provider.
func (p *ArkProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (CompletionStream, error) {
	chatModel := p.chatModel
	if len(req.Tools) > 0 {
		tools := convertToolSchemas(req.Tools)
		bound, err := chatModel.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("provider: bind tools: %w", err)
		}
		chatModel = bound
	}

	messages := convertMessages(req.Messages)
	reader, err := chatModel.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("provider: ark stream: %w", err)
	}
	return &arkStream{reader: reader}, nil
}

type arkStream struct {
	reader *schema.StreamReader[*schema.Message]
	closed bool
}

func (s *arkStream) Recv() (*CompletionChunk, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	msg, err := s.reader.Recv()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("provider: ark recv: %w", err)
	}

	chunk := &CompletionChunk{
		Content:          msg.Content,
		ReasoningContent: msg.ReasoningContent,
	}
	for i, tc := range msg.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
			Index:          idx,
			ID:             tc.ID,
			Name:           tc.Function.Name,
			ArgumentsDelta: tc.Function.Arguments,
		})
	}
	if msg.ResponseMeta != nil {
		if fr := msg.ResponseMeta.FinishReason; fr != "" {
			chunk.FinishReason = normalizeFinishReason(fr)
		}
		if msg.ResponseMeta.Usage != nil {
			chunk.Usage = &Usage{
				InputTokens:  msg.ResponseMeta.Usage.PromptTokens,
				OutputTokens: msg.ResponseMeta.Usage.CompletionTokens,
			}
		}
	}
	return chunk, nil
}

func (s *arkStream) Close() error {
	s.closed = true
	s.reader.Close()
	return nil
}

func normalizeFinishReason(fr string) string {
	switch strings.ToLower(fr) {
	case "stop", "end_turn":
		return "stop"
	case "tool_calls", "tool_use", "function_call":
		return "tool_calls"
	case "length", "max_tokens":
		return "length"
	default:
		return fr
	}
}

func convertMessages(in []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(in))
	for _, m := range in {
		msg := &schema.Message{
			Role:    schema.RoleType(m.Role),
			Content: m.Content,
		}
		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				ID: tc.ID,
				Function: schema.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertToolSchemas(in []ToolSchema) []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(in))
	for _, t := range in {
		out = append(out, &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(parseJSONSchemaToParams(t.Parameters)),
		})
	}
	return out
}

// parseJSONSchemaToParams converts a flat JSON Schema object (properties +
// required) into eino's ParameterInfo map. Nested schemas are not supported;
// tool authors are expected to keep parameter schemas one level deep.
func parseJSONSchemaToParams(rawSchema []byte) map[string]*schema.ParameterInfo {
	var parsed struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(rawSchema, &parsed); err != nil {
		return nil
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, r := range parsed.Required {
		required[r] = true
	}

	params := make(map[string]*schema.ParameterInfo, len(parsed.Properties))
	for name, prop := range parsed.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: required[name],
		}
	}
	return params
}
