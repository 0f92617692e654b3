package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaygate/gateway/internal/tool"
)

const datetimeSchema = `{
	"type": "object",
	"properties": {
		"timezone": {"type": "string", "description": "IANA timezone name, e.g. America/New_York. Defaults to UTC."}
	}
}`

// DateTimePlugin reports the current time, letting the model ground
// relative date reasoning ("tomorrow", "next Friday") in an actual
// instant instead of guessing from training data.
type DateTimePlugin struct{}

// NewDateTimePlugin constructs a DateTimePlugin.
func NewDateTimePlugin() *DateTimePlugin { return &DateTimePlugin{} }

func (p *DateTimePlugin) Metadata() tool.Metadata {
	return tool.Metadata{Name: "datetime", Version: "1.0", Enabled: true}
}

func (p *DateTimePlugin) Schema() json.RawMessage { return json.RawMessage(datetimeSchema) }

func (p *DateTimePlugin) RateLimit() *tool.RateLimitConfig {
	return &tool.RateLimitConfig{MaxConcurrent: 20, MaxPerMinute: 120, Timeout: time.Second}
}

func (p *DateTimePlugin) Cache() *tool.ToolCacheConfig { return nil }

func (p *DateTimePlugin) Breaker() *tool.BreakerConfig { return nil }

func (p *DateTimePlugin) Retry() *tool.RetryConfig { return nil }

func (p *DateTimePlugin) Fallback() *tool.FallbackConfig { return nil }

func (p *DateTimePlugin) Validate(params map[string]any) error { return nil }

func (p *DateTimePlugin) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	loc := time.UTC
	if tz, _ := params["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return &tool.Result{Success: false, Error: fmt.Sprintf("datetime: unknown timezone %q", tz)}, nil
		}
		loc = l
	}
	now := time.Now().In(loc)
	return &tool.Result{Success: true, Output: map[string]any{
		"iso8601":  now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"weekday":  now.Weekday().String(),
		"timezone": loc.String(),
	}}, nil
}
