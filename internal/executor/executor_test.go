package executor

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/overseer/internal/llm"
	"github.com/normanking/overseer/internal/operator"
	"github.com/normanking/overseer/internal/supervisor"
	"github.com/normanking/overseer/internal/tools"
	"github.com/normanking/overseer/pkg/types"
)

type fakeTool struct {
	name     string
	failures int
	output   string

	mu    sync.Mutex
	calls []map[string]string
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake " + f.name }

func (f *fakeTool) Execute(ctx context.Context, params map[string]string, workDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.failures > 0 {
		f.failures--
		return "", fmt.Errorf("%s failed", f.name)
	}
	return f.output, nil
}

type fixedChat struct {
	response string
	calls    int
}

func (c *fixedChat) Generate(ctx context.Context, prompt, system, model string) (*llm.ChatResponse, error) {
	c.calls++
	return &llm.ChatResponse{Content: c.response}, nil
}

type stubPlanner struct {
	plan        *types.Plan
	rescue      *supervisor.Rescue
	planCalls   int
	rescueCalls int
}

func (s *stubPlanner) Plan(ctx context.Context, query string, execCtx types.Context) *types.Plan {
	s.planCalls++
	return s.plan
}

func (s *stubPlanner) RescueFailed(ctx context.Context, query string, failed *types.Plan, errs []string) *supervisor.Rescue {
	s.rescueCalls++
	return s.rescue
}

// harness wires an executor over fake tools and a stub planner.
type harness struct {
	exec      *Executor
	run, find *fakeTool
	chat      *fixedChat
	planner   *stubPlanner
	factories int
}

func newHarness(t *testing.T, planner *stubPlanner, chatResponse string) *harness {
	t.Helper()
	h := &harness{
		run:     &fakeTool{name: "run_command", output: "ran"},
		find:    &fakeTool{name: "find_files", output: "./found"},
		chat:    &fixedChat{response: chatResponse},
		planner: planner,
	}
	reg := tools.NewRegistry()
	reg.Register(h.run)
	reg.Register(h.find)

	ops := map[types.AgentKind]*operator.Operator{
		types.AgentShell: operator.New(types.AgentShell, "small", h.chat, reg, nil),
		types.AgentFile:  operator.New(types.AgentFile, "small", h.chat, reg, nil),
	}
	h.exec = New(func() Planner {
		h.factories++
		return h.planner
	}, ops, nil, nil, "small-model", "large-model")
	return h
}

func simplePlan(agent types.AgentKind) *types.Plan {
	return &types.Plan{
		Understanding: "u", Complexity: 3, Confidence: 0.8,
		Steps: []types.PlanStep{
			{Number: 1, Action: "find_files", Params: map[string]string{"pattern": "hyprland.conf"}, CaptureOutput: true},
			{Number: 2, Action: "run_command", Params: map[string]string{"cmd": "$EDITOR ./found"}, CaptureOutput: true},
		},
		AgentKind: agent, ModelTier: types.ModelTierSmall,
	}
}

func TestTrivialTimeQuery(t *testing.T) {
	h := newHarness(t, &stubPlanner{}, "")

	res := h.exec.Execute(context.Background(), "what time is it?", types.Context{})

	assert.True(t, res.Success)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`), res.Output)
	assert.Zero(t, h.chat.calls, "no model call on the trivial path")
	assert.Zero(t, h.factories, "supervisor never constructed")
}

func TestTrivialOpenKnownApp(t *testing.T) {
	h := newHarness(t, &stubPlanner{}, "")

	res := h.exec.Execute(context.Background(), "open youtube", types.Context{})

	assert.True(t, res.Success)
	require.Len(t, h.run.calls, 1)
	assert.Equal(t, "xdg-open https://youtube.com", h.run.calls[0]["cmd"])
	assert.Zero(t, h.chat.calls)
}

func TestSimpleFindRoutesThroughOperator(t *testing.T) {
	h := newHarness(t, &stubPlanner{}, `{"tool":"find_files","params":{"pattern":"foo.py"}}`)

	res := h.exec.Execute(context.Background(), "find foo.py", types.Context{})

	assert.True(t, res.Success)
	assert.Equal(t, "./found", res.Output)
	assert.Equal(t, 1, h.chat.calls, "exactly one tool-selection call")
	assert.Zero(t, h.factories)
}

func TestModeratePlanHappyPath(t *testing.T) {
	p := &stubPlanner{plan: simplePlan(types.AgentShell)}
	h := newHarness(t, p, "")

	res := h.exec.Execute(context.Background(), "open the hyprland config", types.Context{})

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SupervisorCalls)
	assert.Equal(t, 2, res.StepsCompleted)
	assert.Equal(t, 1, p.planCalls)
	assert.Zero(t, p.rescueCalls)
}

func TestRescueTakeover(t *testing.T) {
	p := &stubPlanner{
		plan:   simplePlan(types.AgentShell),
		rescue: &supervisor.Rescue{Action: supervisor.RescueTakeover, DirectResult: "done it myself"},
	}
	h := newHarness(t, p, "")
	h.find.failures = 100

	res := h.exec.Execute(context.Background(), "open the hyprland config", types.Context{})

	assert.True(t, res.Success)
	assert.Equal(t, "done it myself", res.Output)
	assert.Equal(t, 2, res.SupervisorCalls)
	assert.Equal(t, 1, p.rescueCalls)
}

func TestRescueAdjustPlanRetries(t *testing.T) {
	retryPlan := &types.Plan{
		Understanding: "u", Complexity: 2, Confidence: 0.6,
		Steps:     []types.PlanStep{{Number: 1, Action: "run_command", Params: map[string]string{"cmd": "ls"}, CaptureOutput: true}},
		AgentKind: types.AgentShell, ModelTier: types.ModelTierSmall,
	}
	p := &stubPlanner{
		plan:   simplePlan(types.AgentShell),
		rescue: &supervisor.Rescue{Action: supervisor.RescueAdjustPlan, NewPlan: retryPlan},
	}
	h := newHarness(t, p, "")
	h.find.failures = 100

	res := h.exec.Execute(context.Background(), "open the hyprland config", types.Context{})

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.SupervisorCalls)
	assert.NotEmpty(t, res.Errors, "first plan's failures are preserved")
}

func TestSupervisorConstructedOnce(t *testing.T) {
	p := &stubPlanner{plan: simplePlan(types.AgentShell)}
	h := newHarness(t, p, "")

	h.exec.Execute(context.Background(), "tidy up my downloads folder", types.Context{})
	h.exec.Execute(context.Background(), "sort my pictures by year", types.Context{})

	assert.Equal(t, 1, h.factories)
	assert.Equal(t, 2, p.planCalls)
}

func TestErrorSignature(t *testing.T) {
	a := errorSignature("command exited with code 3: /tmp/x123 not found")
	b := errorSignature("command exited with code 7: /var/y9 not found")
	assert.Equal(t, a, b, "digits and paths are normalized away")
	assert.NotContains(t, a, "3")
}
