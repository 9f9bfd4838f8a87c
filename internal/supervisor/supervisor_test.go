package supervisor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/overseer/internal/llm"
	"github.com/normanking/overseer/pkg/types"
)

// cannedChat returns a fixed response or error.
type cannedChat struct {
	response string
	err      error
	prompt   string
}

func (c *cannedChat) Generate(ctx context.Context, prompt, system, model string) (*llm.ChatResponse, error) {
	c.prompt = prompt
	if c.err != nil {
		return nil, c.err
	}
	return &llm.ChatResponse{Content: c.response}, nil
}

const goodPlanJSON = `{
  "understanding": "open the hyprland config in the editor",
  "complexity": 3,
  "confidence": 0.85,
  "steps": [
    {"step": 1, "action": "find_files", "params": {"pattern": "hyprland.conf"}},
    {"step": 2, "action": "run_command", "params": {"cmd": "$EDITOR <path>"}, "fallback": "read_file"}
  ],
  "agent_type": "shell",
  "model_size": "small",
  "operator_prompt": "locate then open the config"
}`

func TestPlanParsesStructuredResponse(t *testing.T) {
	chat := &cannedChat{response: "Here is the plan:\n```json\n" + goodPlanJSON + "\n```"}
	s := New(chat, "default", 2)

	plan := s.Plan(context.Background(), "open the hyprland config", types.Context{WorkingDir: "/home/u"})

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "find_files", plan.Steps[0].Action)
	assert.Equal(t, "read_file", plan.Steps[1].Fallback)
	assert.Equal(t, types.AgentShell, plan.AgentKind)
	assert.Equal(t, 0.85, plan.Confidence)
	assert.Equal(t, 2, plan.MaxRetries, "default retry budget applied")
	require.NoError(t, plan.Validate())
}

func TestPlanRenumbersSteps(t *testing.T) {
	chat := &cannedChat{response: `{"understanding":"u","complexity":2,"confidence":0.5,
		"steps":[{"step":3,"action":"run_command","params":{"cmd":"ls"}},{"step":3,"action":"read_file"}],
		"agent_type":"file","model_size":"small"}`}
	s := New(chat, "default", 1)

	plan := s.Plan(context.Background(), "q", types.Context{})
	assert.Equal(t, 1, plan.Steps[0].Number)
	assert.Equal(t, 2, plan.Steps[1].Number)
}

func TestPlanFallsBackToCanned(t *testing.T) {
	cases := map[string]*cannedChat{
		"call error":     {err: fmt.Errorf("connection refused")},
		"no json":        {response: "I think you should try turning it off and on."},
		"unbalanced":     {response: `{"understanding": "oops"`},
		"empty steps":    {response: `{"understanding":"u","complexity":3,"confidence":0.9,"steps":[],"agent_type":"shell"}`},
		"bad complexity": {response: `{"understanding":"u","complexity":9,"confidence":0.9,"steps":[{"step":1,"action":"x"}],"agent_type":"shell"}`},
	}

	for name, chat := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(chat, "default", 2)
			plan := s.Plan(context.Background(), "list my files", types.Context{})

			require.Len(t, plan.Steps, 1)
			assert.Equal(t, "run_command", plan.Steps[0].Action)
			assert.Equal(t, "list my files", plan.Steps[0].Params["cmd"])
			assert.Equal(t, 0.3, plan.Confidence)
		})
	}
}

func TestPlanningPromptIncludesContext(t *testing.T) {
	chat := &cannedChat{err: fmt.Errorf("unused")}
	s := New(chat, "default", 0)

	s.Plan(context.Background(), "do the thing", types.Context{
		WorkingDir:     "/work",
		RecentCommands: []string{"one", "two", "three", "four"},
		LastOutput:     "previous output",
		Language:       "de",
	})

	assert.Contains(t, chat.prompt, "/work")
	assert.Contains(t, chat.prompt, "two; three; four", "only the last three commands")
	assert.NotContains(t, chat.prompt, "one;")
	assert.Contains(t, chat.prompt, "previous output")
	assert.Contains(t, chat.prompt, "de")
	assert.Contains(t, chat.prompt, "do the thing")
}

func TestRescueAdjustPlan(t *testing.T) {
	chat := &cannedChat{response: `{"action":"ADJUST_PLAN","new_plan":{
		"understanding":"retry with sudo","complexity":2,"confidence":0.6,
		"steps":[{"step":1,"action":"run_command","params":{"cmd":"sudo systemctl restart foo"}}],
		"agent_type":"shell","model_size":"small"}}`}
	s := New(chat, "default", 1)

	rescue := s.RescueFailed(context.Background(), "restart foo", &types.Plan{}, []string{"permission denied"})
	assert.Equal(t, RescueAdjustPlan, rescue.Action)
	require.NotNil(t, rescue.NewPlan)
	assert.Equal(t, "sudo systemctl restart foo", rescue.NewPlan.Steps[0].Params["cmd"])
}

func TestRescueTakeover(t *testing.T) {
	chat := &cannedChat{response: `{"action":"TAKEOVER","direct_result":"The service does not exist on this host."}`}
	s := New(chat, "default", 1)

	rescue := s.RescueFailed(context.Background(), "restart foo", nil, nil)
	assert.Equal(t, RescueTakeover, rescue.Action)
	assert.Equal(t, "The service does not exist on this host.", rescue.DirectResult)
}

func TestRescueUnparsableDefaultsToTakeover(t *testing.T) {
	cases := map[string]*cannedChat{
		"garbage":        {response: "sorry, I panicked"},
		"unknown action": {response: `{"action":"ESCALATE_TO_HUMAN"}`},
		"adjust no plan": {response: `{"action":"ADJUST_PLAN"}`},
		"call error":     {err: fmt.Errorf("timeout")},
	}

	for name, chat := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(chat, "default", 1)
			rescue := s.RescueFailed(context.Background(), "q", nil, nil)
			assert.Equal(t, RescueTakeover, rescue.Action)
			assert.NotEmpty(t, rescue.DirectResult)
		})
	}
}

func TestExtractJSON(t *testing.T) {
	t.Run("plain object", func(t *testing.T) {
		out, err := ExtractJSON(`{"a": 1}`)
		require.NoError(t, err)
		assert.Equal(t, `{"a": 1}`, out)
	})

	t.Run("prose around object", func(t *testing.T) {
		out, err := ExtractJSON(`Sure! Here you go: {"a": {"b": 2}} hope that helps`)
		require.NoError(t, err)
		assert.Equal(t, `{"a": {"b": 2}}`, out)
	})

	t.Run("fenced", func(t *testing.T) {
		out, err := ExtractJSON("```json\n{\"a\": 1}\n```")
		require.NoError(t, err)
		assert.Equal(t, `{"a": 1}`, out)
	})

	t.Run("braces inside strings", func(t *testing.T) {
		out, err := ExtractJSON(`{"cmd": "awk '{print $1}'", "note": "quote \" and } inside"}`)
		require.NoError(t, err)
		assert.Equal(t, `{"cmd": "awk '{print $1}'", "note": "quote \" and } inside"}`, out)
	})

	t.Run("no object", func(t *testing.T) {
		_, err := ExtractJSON("nothing here")
		assert.Error(t, err)
	})

	t.Run("unbalanced", func(t *testing.T) {
		_, err := ExtractJSON(`{"a": {"b": 1}`)
		assert.Error(t, err)
	})
}
