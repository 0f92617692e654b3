// Package builtin provides concrete tool.Plugin implementations the
// gateway registers by default, and a bridge exposing the tool registry
// as an MCP server for external clients.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/relaygate/gateway/internal/tool"
	"github.com/relaygate/gateway/internal/toolcache"
)

const webfetchSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "description": "The URL to fetch content from"},
		"format": {"type": "string", "enum": ["text", "markdown", "html"], "description": "Output format"},
		"timeout": {"type": "integer", "description": "Optional timeout in seconds (max 120)"}
	},
	"required": ["url", "format"]
}`

const (
	webfetchMaxResponseSize = 5 * 1024 * 1024
	webfetchDefaultTimeout  = 30 * time.Second
	webfetchMaxTimeout      = 120 * time.Second
)

// WebFetchInput is the parsed parameter set for the webfetch tool.
type WebFetchInput struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Timeout int    `json:"timeout,omitempty"`
}

// WebFetchPlugin fetches a URL and returns it as text, markdown, or raw HTML.
type WebFetchPlugin struct {
	client *http.Client
}

// NewWebFetchPlugin constructs a WebFetchPlugin.
func NewWebFetchPlugin() *WebFetchPlugin {
	return &WebFetchPlugin{client: &http.Client{Timeout: webfetchDefaultTimeout}}
}

func (p *WebFetchPlugin) Metadata() tool.Metadata {
	return tool.Metadata{Name: "webfetch", Version: "1.0", Enabled: true}
}

func (p *WebFetchPlugin) Schema() json.RawMessage { return json.RawMessage(webfetchSchema) }

func (p *WebFetchPlugin) RateLimit() *tool.RateLimitConfig {
	return &tool.RateLimitConfig{MaxConcurrent: 5, MaxPerMinute: 30, Timeout: webfetchMaxTimeout}
}

func (p *WebFetchPlugin) Cache() *tool.ToolCacheConfig {
	return &tool.ToolCacheConfig{Enabled: true, TTL: 10 * time.Minute, KeyStrategy: toolcache.StrategyParamsHash}
}

func (p *WebFetchPlugin) Breaker() *tool.BreakerConfig {
	return &tool.BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

func (p *WebFetchPlugin) Retry() *tool.RetryConfig { return nil }

func (p *WebFetchPlugin) Fallback() *tool.FallbackConfig {
	return &tool.FallbackConfig{
		Strategies:      []tool.FallbackStrategy{tool.FallbackStaleCache},
		AllowStaleCache: true,
		FallbackTimeout: 5 * time.Second,
	}
}

func (p *WebFetchPlugin) Validate(params map[string]any) error {
	url, _ := params["url"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("webfetch: url must start with http:// or https://")
	}
	format, _ := params["format"].(string)
	if format != "text" && format != "markdown" && format != "html" {
		return fmt.Errorf("webfetch: format must be text, markdown, or html")
	}
	return nil
}

func (p *WebFetchPlugin) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	var input WebFetchInput
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("webfetch: marshal params: %w", err)
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("webfetch: invalid params: %w", err)
	}

	timeout := webfetchDefaultTimeout
	if input.Timeout > 0 {
		timeout = time.Duration(input.Timeout) * time.Second
		if timeout > webfetchMaxTimeout {
			timeout = webfetchMaxTimeout
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, input.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("webfetch: build request: %w", err)
	}
	req.Header.Set("User-Agent", "relaygate-webfetch/1.0")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := p.client.Do(req)
	if err != nil {
		return &tool.Result{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &tool.Result{Success: false, Error: fmt.Sprintf("request failed with status %d", resp.StatusCode)}, nil
	}

	limited := io.LimitReader(resp.Body, webfetchMaxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("webfetch: read response: %w", err)
	}
	if len(body) > webfetchMaxResponseSize {
		return &tool.Result{Success: false, Error: "response too large (exceeds 5MB limit)"}, nil
	}

	content := string(body)
	contentType := resp.Header.Get("Content-Type")

	var output string
	switch input.Format {
	case "markdown":
		if strings.Contains(contentType, "text/html") {
			if output, err = convertHTMLToMarkdown(content); err != nil {
				return nil, fmt.Errorf("webfetch: html to markdown: %w", err)
			}
		} else {
			output = content
		}
	case "text":
		if strings.Contains(contentType, "text/html") {
			if output, err = extractTextFromHTML(content); err != nil {
				return nil, fmt.Errorf("webfetch: extract text: %w", err)
			}
		} else {
			output = content
		}
	default:
		output = content
	}

	return &tool.Result{
		Success: true,
		Output:  output,
		Meta:    map[string]any{"url": input.URL, "contentType": contentType},
	}, nil
}

func extractTextFromHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, object, embed").Remove()
	return strings.TrimSpace(doc.Text()), nil
}

func convertHTMLToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		HorizontalRule:   "---",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
		EmDelimiter:      "*",
	})
	converter.Remove("script", "style", "meta", "link")
	return converter.ConvertString(html)
}
