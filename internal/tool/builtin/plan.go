package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/gateway/internal/repo"
	"github.com/relaygate/gateway/internal/tool"
	"github.com/relaygate/gateway/pkg/types"
)

const planSchema = `{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["create", "get", "update", "delete", "list"]},
		"userId": {"type": "string"},
		"planId": {"type": "string"},
		"title": {"type": "string"},
		"goal": {"type": "string"},
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"title": {"type": "string"},
					"estimatedHours": {"type": "number"},
					"tags": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["title"]
			}
		}
	},
	"required": ["action", "userId"]
}`

// planInput is the parsed parameter set for the plan tool. Tasks decode
// into planTaskInput, which has no deadline field, and toPlanTasks
// converts them to PlanTask by hand.
type planInput struct {
	Action string          `json:"action"`
	UserID string          `json:"userId"`
	PlanID string          `json:"planId"`
	Title  string          `json:"title"`
	Goal   string          `json:"goal"`
	Tasks  []planTaskInput `json:"tasks"`
}

type planTaskInput struct {
	Title          string   `json:"title"`
	EstimatedHours float64  `json:"estimatedHours"`
	Tags           []string `json:"tags"`
}

// PlanPlugin lets the model create and maintain a user's task plans
// through the tool runtime rather than a dedicated HTTP surface.
type PlanPlugin struct {
	plans repo.PlanRepo
}

// NewPlanPlugin constructs a PlanPlugin backed by plans.
func NewPlanPlugin(plans repo.PlanRepo) *PlanPlugin {
	return &PlanPlugin{plans: plans}
}

func (p *PlanPlugin) Metadata() tool.Metadata {
	return tool.Metadata{Name: "plan", Version: "1.0", Enabled: true}
}

func (p *PlanPlugin) Schema() json.RawMessage { return json.RawMessage(planSchema) }

func (p *PlanPlugin) RateLimit() *tool.RateLimitConfig {
	return &tool.RateLimitConfig{MaxConcurrent: 10, MaxPerMinute: 60, Timeout: 5 * time.Second}
}

func (p *PlanPlugin) Cache() *tool.ToolCacheConfig { return nil }

func (p *PlanPlugin) Breaker() *tool.BreakerConfig {
	return &tool.BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

func (p *PlanPlugin) Retry() *tool.RetryConfig { return nil }

func (p *PlanPlugin) Fallback() *tool.FallbackConfig { return nil }

func (p *PlanPlugin) Validate(params map[string]any) error {
	action, _ := params["action"].(string)
	switch action {
	case "create", "get", "update", "delete", "list":
	default:
		return fmt.Errorf("plan: action must be one of create, get, update, delete, list")
	}
	if userID, _ := params["userId"].(string); userID == "" {
		return fmt.Errorf("plan: userId is required")
	}
	if action != "create" && action != "list" {
		if planID, _ := params["planId"].(string); planID == "" {
			return fmt.Errorf("plan: planId is required for action %q", action)
		}
	}
	return nil
}

func (p *PlanPlugin) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	var input planInput
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("plan: marshal params: %w", err)
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("plan: invalid params: %w", err)
	}

	switch input.Action {
	case "create":
		return p.create(ctx, input)
	case "get":
		return p.get(ctx, input)
	case "update":
		return p.update(ctx, input)
	case "delete":
		return p.delete(ctx, input)
	case "list":
		return p.list(ctx, input)
	default:
		return &tool.Result{Success: false, Error: "plan: unknown action"}, nil
	}
}

func toPlanTasks(in []planTaskInput) []types.PlanTask {
	out := make([]types.PlanTask, 0, len(in))
	for _, t := range in {
		out = append(out, types.PlanTask{Title: t.Title, EstimatedHours: t.EstimatedHours, Tags: t.Tags})
	}
	return out
}

func (p *PlanPlugin) create(ctx context.Context, in planInput) (*tool.Result, error) {
	if len(in.Tasks) == 0 {
		return &tool.Result{Success: false, Error: "plan: task list must be non-empty on create"}, nil
	}
	now := time.Now()
	plan := &types.Plan{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Title:     in.Title,
		Goal:      in.Goal,
		Tasks:     toPlanTasks(in.Tasks),
		CreatedAt: now,
		UpdatedAt: now,
		Active:    true,
	}
	if err := p.plans.Save(ctx, plan); err != nil {
		return nil, fmt.Errorf("plan: save: %w", err)
	}
	return &tool.Result{Success: true, Output: plan}, nil
}

func (p *PlanPlugin) get(ctx context.Context, in planInput) (*tool.Result, error) {
	plan, err := p.plans.FindByID(ctx, in.PlanID, in.UserID)
	if err != nil {
		return &tool.Result{Success: false, Error: "plan not found"}, nil
	}
	return &tool.Result{Success: true, Output: plan}, nil
}

func (p *PlanPlugin) update(ctx context.Context, in planInput) (*tool.Result, error) {
	plan, err := p.plans.FindByID(ctx, in.PlanID, in.UserID)
	if err != nil {
		return &tool.Result{Success: false, Error: "plan not found"}, nil
	}
	if in.Title == "" && in.Goal == "" && len(in.Tasks) == 0 {
		return &tool.Result{Success: false, Error: "plan: update requires at least one of title, goal, or tasks to change"}, nil
	}
	if in.Title != "" {
		plan.Title = in.Title
	}
	if in.Goal != "" {
		plan.Goal = in.Goal
	}
	if len(in.Tasks) > 0 {
		plan.Tasks = toPlanTasks(in.Tasks)
	}
	if err := p.plans.Update(ctx, plan); err != nil {
		return nil, fmt.Errorf("plan: update: %w", err)
	}
	return &tool.Result{Success: true, Output: plan}, nil
}

func (p *PlanPlugin) delete(ctx context.Context, in planInput) (*tool.Result, error) {
	if err := p.plans.Delete(ctx, in.PlanID, in.UserID); err != nil {
		return &tool.Result{Success: false, Error: "plan not found"}, nil
	}
	return &tool.Result{Success: true}, nil
}

func (p *PlanPlugin) list(ctx context.Context, in planInput) (*tool.Result, error) {
	plans, err := p.plans.FindByUserID(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("plan: list: %w", err)
	}
	return &tool.Result{Success: true, Output: plans}, nil
}
