package tool

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/relaygate/gateway/internal/logging"
)

// OnFailure names how a ToolStep's failure is handled by the orchestrator.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"
	OnFailureContinue OnFailure = "continue"
	OnFailureRetry    OnFailure = "retry"
)

// ToolStep is one node in an orchestrated tool plan.
type ToolStep struct {
	StepID    string
	ToolName  string
	Params    map[string]any
	DependsOn []string
	OnFailure OnFailure
}

// StepOutcome records one step's result after orchestration.
type StepOutcome struct {
	StepID string
	Result ExecutionResult
	Err    error
}

var stepRefPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Orchestrator executes an ordered list of ToolSteps in topological
// order, substituting ${stepId.path.to.field} references into later
// steps' params from earlier steps' results.
type Orchestrator struct {
	executor *Executor
}

// NewOrchestrator constructs an Orchestrator over executor.
func NewOrchestrator(executor *Executor) *Orchestrator {
	return &Orchestrator{executor: executor}
}

// Run executes steps in dependency order, returning one outcome per step
// in the order they completed.
func (o *Orchestrator) Run(ctx context.Context, steps []ToolStep, opts ExecuteOptions) ([]StepOutcome, error) {
	ordered, err := topoSort(steps)
	if err != nil {
		return nil, err
	}

	results := make(map[string]any, len(steps))
	failed := make(map[string]bool, len(steps))
	var outcomes []StepOutcome

	for _, step := range ordered {
		if dependencyFailed(step, failed) {
			failed[step.StepID] = true
			outcomes = append(outcomes, StepOutcome{StepID: step.StepID, Err: fmt.Errorf("tool: step %q skipped, dependency failed", step.StepID)})
			continue
		}

		resolved := resolveParams(step.Params, results)
		res := o.executor.Execute(ctx, step.ToolName, resolved, opts)

		outcome := StepOutcome{StepID: step.StepID, Result: res, Err: res.Err}
		outcomes = append(outcomes, outcome)

		if res.Err != nil {
			failed[step.StepID] = true
			switch step.OnFailure {
			case OnFailureAbort, "":
				return outcomes, fmt.Errorf("tool: step %q failed: %w", step.StepID, res.Err)
			case OnFailureRetry:
				retryRes := o.executor.Execute(ctx, step.ToolName, resolved, opts)
				outcomes[len(outcomes)-1] = StepOutcome{StepID: step.StepID, Result: retryRes, Err: retryRes.Err}
				if retryRes.Err != nil {
					continue
				}
				failed[step.StepID] = false
				if retryRes.Result != nil {
					results[step.StepID] = retryRes.Result.Output
				}
			case OnFailureContinue:
				continue
			}
			continue
		}

		if res.Result != nil {
			results[step.StepID] = res.Result.Output
		}
	}

	return outcomes, nil
}

func dependencyFailed(step ToolStep, failed map[string]bool) bool {
	for _, dep := range step.DependsOn {
		if failed[dep] {
			return true
		}
	}
	return false
}

// resolveParams substitutes ${stepId.path} references using prior step
// outputs. Missing or unresolvable references keep the literal marker.
func resolveParams(params map[string]any, results map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, results)
	}
	return out
}

func resolveValue(v any, results map[string]any) any {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "${") {
			return val
		}
		matches := stepRefPattern.FindStringSubmatch(val)
		if matches == nil {
			return val
		}
		resolved, ok := lookupRef(matches[1], results)
		if !ok {
			logging.Warn().Str("ref", val).Msg("tool orchestrator: unresolved step reference")
			return val
		}
		// Whole-string reference substitutes the raw value (preserving
		// type); an embedded reference substitutes its string form.
		if matches[0] == val {
			return resolved
		}
		return strings.Replace(val, matches[0], fmt.Sprintf("%v", resolved), 1)
	case map[string]any:
		return resolveParams(val, results)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, results)
		}
		return out
	default:
		return v
	}
}

func lookupRef(ref string, results map[string]any) (any, bool) {
	parts := strings.Split(ref, ".")
	if len(parts) == 0 {
		return nil, false
	}
	current, ok := results[parts[0]]
	if !ok {
		return nil, false
	}
	for _, field := range parts[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[field]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// topoSort orders steps so every step follows its dependencies, erroring
// on a cycle or an unknown dependency.
func topoSort(steps []ToolStep) ([]ToolStep, error) {
	byID := make(map[string]ToolStep, len(steps))
	for _, s := range steps {
		byID[s.StepID] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var ordered []ToolStep

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("tool: dependency cycle at step %q", id)
		}
		color[id] = gray
		step, ok := byID[id]
		if !ok {
			return fmt.Errorf("tool: unknown step dependency %q", id)
		}
		for _, dep := range step.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		ordered = append(ordered, step)
		return nil
	}

	for _, s := range steps {
		if err := visit(s.StepID); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
