package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/relaygate/gateway/internal/toolcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestratorFixture() (*Orchestrator, *Registry) {
	reg := NewRegistry()
	cache := toolcache.New(toolcache.Config{})
	limiter := NewRateLimiter()
	ex := NewExecutor(reg, cache, limiter)
	return NewOrchestrator(ex), reg
}

func TestOrchestrator_ResolvesReferenceFromPriorStep(t *testing.T) {
	orch, reg := newOrchestratorFixture()

	lookup := newFakePlugin("lookup", true)
	lookup.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		return &Result{Success: true, Output: map[string]any{"id": "abc123"}}, nil
	}
	require.NoError(t, reg.Register(lookup))

	var seenParams map[string]any
	fetch := newFakePlugin("fetch", true)
	fetch.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		seenParams = params
		return &Result{Success: true, Output: "done"}, nil
	}
	require.NoError(t, reg.Register(fetch))

	steps := []ToolStep{
		{StepID: "step1", ToolName: "lookup"},
		{StepID: "step2", ToolName: "fetch", Params: map[string]any{"recordId": "${step1.id}"}, DependsOn: []string{"step1"}},
	}

	outcomes, err := orch.Run(context.Background(), steps, ExecuteOptions{})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "abc123", seenParams["recordId"])
}

func TestOrchestrator_AbortStopsDownstreamSteps(t *testing.T) {
	orch, reg := newOrchestratorFixture()

	bad := newFakePlugin("bad", true)
	bad.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		return nil, errors.New("boom")
	}
	require.NoError(t, reg.Register(bad))

	calledNext := false
	next := newFakePlugin("next", true)
	next.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		calledNext = true
		return &Result{Success: true}, nil
	}
	require.NoError(t, reg.Register(next))

	steps := []ToolStep{
		{StepID: "step1", ToolName: "bad", OnFailure: OnFailureAbort},
		{StepID: "step2", ToolName: "next", DependsOn: []string{"step1"}},
	}

	_, err := orch.Run(context.Background(), steps, ExecuteOptions{})
	assert.Error(t, err)
	assert.False(t, calledNext)
}

func TestOrchestrator_ContinueOnFailureRunsIndependentStep(t *testing.T) {
	orch, reg := newOrchestratorFixture()

	bad := newFakePlugin("bad", true)
	bad.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		return nil, errors.New("boom")
	}
	require.NoError(t, reg.Register(bad))

	standalone := newFakePlugin("standalone", true)
	ran := false
	standalone.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		ran = true
		return &Result{Success: true}, nil
	}
	require.NoError(t, reg.Register(standalone))

	steps := []ToolStep{
		{StepID: "step1", ToolName: "bad", OnFailure: OnFailureContinue},
		{StepID: "step2", ToolName: "standalone"},
	}

	outcomes, err := orch.Run(context.Background(), steps, ExecuteOptions{})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.True(t, ran)
}

func TestOrchestrator_DetectsDependencyCycle(t *testing.T) {
	orch, _ := newOrchestratorFixture()
	steps := []ToolStep{
		{StepID: "a", ToolName: "x", DependsOn: []string{"b"}},
		{StepID: "b", ToolName: "y", DependsOn: []string{"a"}},
	}
	_, err := orch.Run(context.Background(), steps, ExecuteOptions{})
	assert.Error(t, err)
}

func TestOrchestrator_UnresolvedReferencePreservesLiteral(t *testing.T) {
	orch, reg := newOrchestratorFixture()

	var seenParams map[string]any
	p := newFakePlugin("fetch", true)
	p.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		seenParams = params
		return &Result{Success: true}, nil
	}
	require.NoError(t, reg.Register(p))

	steps := []ToolStep{
		{StepID: "step1", ToolName: "fetch", Params: map[string]any{"x": "${missing.field}"}},
	}

	_, err := orch.Run(context.Background(), steps, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "${missing.field}", seenParams["x"])
}
