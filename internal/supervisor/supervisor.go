// Package supervisor drives the large model to produce structured plans
// and to rescue failed ones. The supervisor never executes a step itself.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/llm"
	"github.com/normanking/overseer/internal/logging"
	"github.com/normanking/overseer/pkg/types"
)

// chatCaller is the slice of the inference client the supervisor uses.
type chatCaller interface {
	Generate(ctx context.Context, prompt, system, model string) (*llm.ChatResponse, error)
}

// Supervisor plans and rescues with one large model.
type Supervisor struct {
	chat       chatCaller
	model      string
	maxRetries int
	log        zerolog.Logger
}

// New builds a supervisor bound to the given model identity or alias.
func New(chat chatCaller, model string, maxRetries int) *Supervisor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Supervisor{
		chat:       chat,
		model:      model,
		maxRetries: maxRetries,
		log:        logging.Component("supervisor"),
	}
}

const planningSystem = `You are a task planner for a local automation assistant.
Respond with a single JSON object and nothing else:
{
  "understanding": "one sentence restating the user's intent",
  "complexity": 1-5,
  "confidence": 0.0-1.0,
  "steps": [{"step": 1, "action": "tool_name", "params": {"key": "value"}, "description": "...", "fallback": "other_tool"}],
  "agent_type": "file|code|web|shell|rag",
  "model_size": "small|large",
  "operator_prompt": "instructions for the executor"
}
Available actions: run_command, find_files, read_file, write_file, list_dir, web_search.
Steps must be numbered from 1. Prefer few precise steps.`

// Plan asks the model for a structured plan. Any parse or validation
// failure degrades to a canned single-step shell plan with low confidence.
func (s *Supervisor) Plan(ctx context.Context, query string, execCtx types.Context) *types.Plan {
	prompt := s.planningPrompt(query, execCtx)

	resp, err := s.chat.Generate(ctx, prompt, planningSystem, s.model)
	if err != nil {
		s.log.Warn().Err(err).Msg("planning call failed, using canned plan")
		return s.cannedPlan(query)
	}

	plan, err := s.parsePlan(resp.Content)
	if err != nil {
		s.log.Warn().Err(err).Msg("plan unparsable, using canned plan")
		return s.cannedPlan(query)
	}
	return plan
}

// planningPrompt assembles the model's working context: directory, the
// last three commands, the truncated previous output, and the query.
func (s *Supervisor) planningPrompt(query string, execCtx types.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Working directory: %s\n", execCtx.WorkingDir)

	recent := execCtx.RecentCommands
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	if len(recent) > 0 {
		fmt.Fprintf(&b, "Recent commands: %s\n", strings.Join(recent, "; "))
	}
	if execCtx.LastOutput != "" {
		fmt.Fprintf(&b, "Last output: %s\n", truncate(execCtx.LastOutput, 500))
	}
	if execCtx.Language != "" {
		fmt.Fprintf(&b, "User language: %s\n", execCtx.Language)
	}
	fmt.Fprintf(&b, "\nRequest: %s", query)
	return b.String()
}

// parsePlan extracts, decodes, normalizes, and validates a plan.
func (s *Supervisor) parsePlan(raw string) (*types.Plan, error) {
	payload, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var plan types.Plan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	// Models routinely omit or repeat step numbers; renumber before
	// validating.
	for i := range plan.Steps {
		plan.Steps[i].Number = i + 1
	}
	if plan.ModelTier == "" {
		plan.ModelTier = types.ModelTierSmall
	}
	if !plan.AgentKind.Valid() {
		plan.AgentKind = types.AgentShell
	}
	if plan.MaxRetries == 0 {
		plan.MaxRetries = s.maxRetries
	}

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &plan, nil
}

// cannedPlan is the degraded fallback: run the query as a shell command.
func (s *Supervisor) cannedPlan(query string) *types.Plan {
	return &types.Plan{
		Understanding: "Run the request as a shell command",
		Complexity:    2,
		Confidence:    0.3,
		Steps: []types.PlanStep{{
			Number: 1,
			Action: "run_command",
			Params: map[string]string{"cmd": query},
		}},
		AgentKind:  types.AgentShell,
		ModelTier:  types.ModelTierSmall,
		MaxRetries: s.maxRetries,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESCUE
// ═══════════════════════════════════════════════════════════════════════════════

// RescueAction is the verb the rescue call returns.
type RescueAction string

const (
	// RescueAdjustPlan retries with a corrected plan for the same agent.
	RescueAdjustPlan RescueAction = "ADJUST_PLAN"
	// RescueChangeAgent retries with a new plan under a different agent.
	RescueChangeAgent RescueAction = "CHANGE_AGENT"
	// RescueTakeover abandons execution and answers directly.
	RescueTakeover RescueAction = "TAKEOVER"
)

// Rescue is the supervisor's recovery verdict after the operator exhausted
// its retries.
type Rescue struct {
	Action       RescueAction `json:"action"`
	NewPlan      *types.Plan  `json:"new_plan,omitempty"`
	DirectResult string       `json:"direct_result,omitempty"`
}

const rescueSystem = `You are a task planner whose previous plan failed.
Respond with a single JSON object and nothing else:
{"action": "ADJUST_PLAN"|"CHANGE_AGENT"|"TAKEOVER", "new_plan": {...same schema as before, required for ADJUST_PLAN and CHANGE_AGENT...}, "direct_result": "answer text, required for TAKEOVER"}
Choose TAKEOVER when you can answer directly without tools.`

// RescueFailed asks the model how to recover from an exhausted plan. An
// unparsable response defaults to TAKEOVER with a generic message.
func (s *Supervisor) RescueFailed(ctx context.Context, query string, failed *types.Plan, errs []string) *Rescue {
	prompt := rescuePrompt(query, failed, errs)

	resp, err := s.chat.Generate(ctx, prompt, rescueSystem, s.model)
	if err != nil {
		s.log.Warn().Err(err).Msg("rescue call failed")
		return genericTakeover()
	}

	rescue, err := s.parseRescue(resp.Content)
	if err != nil {
		s.log.Warn().Err(err).Msg("rescue unparsable")
		return genericTakeover()
	}
	return rescue
}

func rescuePrompt(query string, failed *types.Plan, errs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n\n", query)
	if failed != nil {
		if data, err := json.Marshal(failed); err == nil {
			fmt.Fprintf(&b, "Failed plan: %s\n\n", data)
		}
	}
	if len(errs) > 0 {
		fmt.Fprintf(&b, "Errors:\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

func (s *Supervisor) parseRescue(raw string) (*Rescue, error) {
	payload, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var rescue Rescue
	if err := json.Unmarshal([]byte(payload), &rescue); err != nil {
		return nil, fmt.Errorf("decode rescue: %w", err)
	}

	switch rescue.Action {
	case RescueAdjustPlan, RescueChangeAgent:
		if rescue.NewPlan == nil {
			return nil, fmt.Errorf("%s without a new plan", rescue.Action)
		}
		for i := range rescue.NewPlan.Steps {
			rescue.NewPlan.Steps[i].Number = i + 1
		}
		if rescue.NewPlan.ModelTier == "" {
			rescue.NewPlan.ModelTier = types.ModelTierSmall
		}
		if !rescue.NewPlan.AgentKind.Valid() {
			rescue.NewPlan.AgentKind = types.AgentShell
		}
		if err := rescue.NewPlan.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rescue plan: %w", err)
		}
	case RescueTakeover:
		if rescue.DirectResult == "" {
			rescue.DirectResult = "The task could not be completed automatically."
		}
	default:
		return nil, fmt.Errorf("unknown rescue action %q", rescue.Action)
	}
	return &rescue, nil
}

func genericTakeover() *Rescue {
	return &Rescue{
		Action:       RescueTakeover,
		DirectResult: "The task failed and no recovery plan could be produced.",
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
