package tool

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ParsedToolCall is a provider-agnostic view of one requested tool call.
type ParsedToolCall struct {
	ToolName string
	Params   map[string]any
}

// FormattedToolResult is a tool result rendered back into the provider's
// conversation as plain text, plus any citations surfaced alongside it.
type FormattedToolResult struct {
	ResultText string
	Sources    []string
}

// Adapter recognizes and normalizes one provider's tool-call wire shape.
// Providers disagree on how a tool call is represented: some use the
// OpenAI-compatible structured `function.name`/`arguments` fields, others
// fall back to emitting JSON-ish text in-line, and legacy deployments use
// their own ad hoc envelopes. An Adapter isolates one such shape so the
// executor only ever deals in (toolName, params).
type Adapter interface {
	// CanHandle reports whether raw looks like this adapter's shape.
	CanHandle(raw string) bool
	// Parse extracts the tool name and parameters from raw.
	Parse(raw string) (*ParsedToolCall, error)
	// FormatToTextResult renders a tool Result back into text the
	// provider can read as a tool-role message.
	FormatToTextResult(result *Result, ctx map[string]any) FormattedToolResult
}

// AdapterChain tries a sequence of Adapters in order and uses the first
// one that claims to handle the raw payload.
type AdapterChain struct {
	adapters []Adapter
}

// NewAdapterChain constructs a chain over the given adapters, tried in order.
func NewAdapterChain(adapters ...Adapter) *AdapterChain {
	return &AdapterChain{adapters: adapters}
}

// DefaultAdapterChain returns the chain covering both providers this
// gateway talks to.
func DefaultAdapterChain() *AdapterChain {
	return NewAdapterChain(&VolcengineAdapter{}, &OllamaAdapter{})
}

// Parse runs raw through the first adapter that claims it, returning an
// error if none recognize the shape.
func (c *AdapterChain) Parse(raw string) (*ParsedToolCall, Adapter, error) {
	for _, a := range c.adapters {
		if a.CanHandle(raw) {
			parsed, err := a.Parse(raw)
			if err != nil {
				return nil, a, err
			}
			return parsed, a, nil
		}
	}
	return nil, nil, fmt.Errorf("tool: no adapter recognizes tool-call payload")
}

// --- Volcengine / ARK ---

// volcFunctionCall is the OpenAI-compatible shape: {"function":{"name":...,"arguments":...}}.
type volcFunctionCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// volcLegacyCall is an older envelope some internal Volcengine tool
// integrations still emit: {"tool":"name","query":"...","options":{...}}.
type volcLegacyCall struct {
	Tool    string         `json:"tool"`
	Query   string         `json:"query"`
	Options map[string]any `json:"options"`
}

// VolcengineAdapter handles ARK/Volcengine tool-call payloads: both the
// OpenAI-compatible function-call shape and the legacy {tool,query,options}
// envelope some older integrations still speak.
type VolcengineAdapter struct{}

func (VolcengineAdapter) CanHandle(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false
	}
	var fc volcFunctionCall
	if json.Unmarshal([]byte(trimmed), &fc) == nil && fc.Function.Name != "" {
		return true
	}
	var legacy volcLegacyCall
	if json.Unmarshal([]byte(trimmed), &legacy) == nil && legacy.Tool != "" {
		return true
	}
	return false
}

func (VolcengineAdapter) Parse(raw string) (*ParsedToolCall, error) {
	trimmed := strings.TrimSpace(raw)

	var fc volcFunctionCall
	if err := json.Unmarshal([]byte(trimmed), &fc); err == nil && fc.Function.Name != "" {
		params, err := decodeArguments(fc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("tool: volcengine adapter: %w", err)
		}
		return &ParsedToolCall{ToolName: fc.Function.Name, Params: params}, nil
	}

	var legacy volcLegacyCall
	if err := json.Unmarshal([]byte(trimmed), &legacy); err == nil && legacy.Tool != "" {
		params := make(map[string]any, len(legacy.Options)+1)
		for k, v := range legacy.Options {
			params[k] = v
		}
		if legacy.Query != "" {
			params["query"] = legacy.Query
		}
		return &ParsedToolCall{ToolName: legacy.Tool, Params: params}, nil
	}

	return nil, fmt.Errorf("tool: volcengine adapter: unrecognized payload")
}

func (VolcengineAdapter) FormatToTextResult(result *Result, ctx map[string]any) FormattedToolResult {
	return formatResult(result)
}

// --- Ollama / local ---

// ollamaToolCalls is the structured shape some OpenAI-compatible local
// servers emit: {"tool_calls":[{"function":{"name":...,"arguments":...}}]}.
type ollamaToolCalls struct {
	ToolCalls []struct {
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

var ollamaInlineTagPattern = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)

// ollamaInlineCall is the body of an in-text <tool_call>...</tool_call> tag.
// Models that haven't been tuned to the structured tool_calls field emit
// this directly in their text output instead.
type ollamaInlineCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Args      json.RawMessage `json:"args"`
}

// OllamaAdapter handles local/Ollama-style tool calls: either the
// structured tool_calls[] array, or an in-text <tool_call>{...}</tool_call>
// tag for models that emit calls inline in their content.
type OllamaAdapter struct{}

func (OllamaAdapter) CanHandle(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false
	}
	var tc ollamaToolCalls
	if json.Unmarshal([]byte(trimmed), &tc) == nil && len(tc.ToolCalls) > 0 {
		return true
	}
	return ollamaInlineTagPattern.MatchString(raw)
}

func (OllamaAdapter) Parse(raw string) (*ParsedToolCall, error) {
	trimmed := strings.TrimSpace(raw)

	var tc ollamaToolCalls
	if json.Unmarshal([]byte(trimmed), &tc) == nil && len(tc.ToolCalls) > 0 {
		first := tc.ToolCalls[0]
		params, err := decodeArguments(first.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("tool: ollama adapter: %w", err)
		}
		return &ParsedToolCall{ToolName: first.Function.Name, Params: params}, nil
	}

	if m := ollamaInlineTagPattern.FindStringSubmatch(raw); m != nil {
		var inline ollamaInlineCall
		if err := ParseTolerant(m[1], &inline); err != nil {
			return nil, fmt.Errorf("tool: ollama adapter: inline tag: %w", err)
		}
		if inline.Name == "" {
			return nil, fmt.Errorf("tool: ollama adapter: inline tag missing name")
		}
		argRaw := inline.Arguments
		if len(argRaw) == 0 {
			argRaw = inline.Args
		}
		params, err := decodeArguments(argRaw)
		if err != nil {
			return nil, fmt.Errorf("tool: ollama adapter: %w", err)
		}
		return &ParsedToolCall{ToolName: inline.Name, Params: params}, nil
	}

	return nil, fmt.Errorf("tool: ollama adapter: unrecognized payload")
}

func (OllamaAdapter) FormatToTextResult(result *Result, ctx map[string]any) FormattedToolResult {
	return formatResult(result)
}

// decodeArguments parses a function/tool-call's arguments payload, which
// providers encode either as a nested JSON object or as a JSON-encoded
// string (tolerating the trailing commas and unquoted keys some models
// produce inside that string).
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var asString string
		if err := json.Unmarshal(raw, &asString); err != nil {
			return nil, fmt.Errorf("decode arguments string: %w", err)
		}
		if strings.TrimSpace(asString) == "" {
			return map[string]any{}, nil
		}
		var params map[string]any
		if err := ParseTolerant(asString, &params); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return params, nil
	}

	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode arguments object: %w", err)
	}
	return params, nil
}

// formatResult renders a Result the way both adapters' providers expect a
// tool-role message back: JSON for structured output, plain text for
// strings, surfacing any "sources" entry from Meta as citations.
func formatResult(result *Result) FormattedToolResult {
	if result == nil {
		return FormattedToolResult{ResultText: ""}
	}

	var text string
	if !result.Success && result.Error != "" {
		text = fmt.Sprintf("error: %s", result.Error)
	} else if s, ok := result.Output.(string); ok {
		text = s
	} else if b, err := json.Marshal(result.Output); err == nil {
		text = string(b)
	} else {
		text = fmt.Sprintf("%v", result.Output)
	}

	var sources []string
	if result.Meta != nil {
		switch v := result.Meta["sources"].(type) {
		case []string:
			sources = v
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					sources = append(sources, s)
				}
			}
		}
	}

	return FormattedToolResult{ResultText: text, Sources: sources}
}
