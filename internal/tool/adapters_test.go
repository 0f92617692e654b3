package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolcengineAdapter_ParsesOpenAIFunctionShape(t *testing.T) {
	a := VolcengineAdapter{}
	raw := `{"function":{"name":"search","arguments":"{\"q\":\"weather\"}"}}`
	require.True(t, a.CanHandle(raw))

	parsed, err := a.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "search", parsed.ToolName)
	assert.Equal(t, "weather", parsed.Params["q"])
}

func TestVolcengineAdapter_ParsesLegacyShape(t *testing.T) {
	a := VolcengineAdapter{}
	raw := `{"tool":"search","query":"weather","options":{"limit":5}}`
	require.True(t, a.CanHandle(raw))

	parsed, err := a.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "search", parsed.ToolName)
	assert.Equal(t, "weather", parsed.Params["query"])
	assert.EqualValues(t, 5, parsed.Params["limit"])
}

func TestOllamaAdapter_ParsesStructuredToolCalls(t *testing.T) {
	a := OllamaAdapter{}
	raw := `{"tool_calls":[{"function":{"name":"lookup","arguments":{"id":"42"}}}]}`
	require.True(t, a.CanHandle(raw))

	parsed, err := a.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "lookup", parsed.ToolName)
	assert.Equal(t, "42", parsed.Params["id"])
}

func TestOllamaAdapter_ParsesInlineTag(t *testing.T) {
	a := OllamaAdapter{}
	raw := "some preamble text <tool_call>{name: \"lookup\", args: {id: \"42\",}}</tool_call> trailer"
	require.True(t, a.CanHandle(raw))

	parsed, err := a.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "lookup", parsed.ToolName)
	assert.Equal(t, "42", parsed.Params["id"])
}

func TestAdapterChain_PicksFirstMatchingAdapter(t *testing.T) {
	chain := DefaultAdapterChain()
	raw := `{"tool_calls":[{"function":{"name":"lookup","arguments":"{}"}}]}`

	parsed, adapter, err := chain.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "lookup", parsed.ToolName)
	_, isOllama := adapter.(*OllamaAdapter)
	assert.True(t, isOllama)
}

func TestAdapterChain_ErrorsWhenNoAdapterMatches(t *testing.T) {
	chain := DefaultAdapterChain()
	_, _, err := chain.Parse("plain text with no tool call in it")
	assert.Error(t, err)
}

func TestFormatToTextResult_SurfacesSourcesFromMeta(t *testing.T) {
	a := VolcengineAdapter{}
	result := &Result{
		Success: true,
		Output:  "the answer",
		Meta:    map[string]any{"sources": []any{"https://a.example", "https://b.example"}},
	}
	formatted := a.FormatToTextResult(result, nil)
	assert.Equal(t, "the answer", formatted.ResultText)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, formatted.Sources)
}

func TestFormatToTextResult_RendersErrorText(t *testing.T) {
	a := OllamaAdapter{}
	result := &Result{Success: false, Error: "timed out"}
	formatted := a.FormatToTextResult(result, nil)
	assert.Equal(t, "error: timed out", formatted.ResultText)
}
