// Package types defines the shared data model for the Overseer pipeline:
// plans produced by the supervisor, step and task results produced by the
// operator, and the execution context threaded through every request.
package types

import (
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COMPLEXITY TIERS AND AGENT KINDS
// ═══════════════════════════════════════════════════════════════════════════════

// Complexity is the tier emitted by the complexity gate. It controls whether
// and which LLM is invoked for a request.
type Complexity string

const (
	// ComplexityTrivial bypasses the LLM entirely (direct handler).
	ComplexityTrivial Complexity = "trivial"
	// ComplexitySimple routes to a single small-model operator call.
	ComplexitySimple Complexity = "simple"
	// ComplexityModerate routes through the supervisor plan path.
	ComplexityModerate Complexity = "moderate"
	// ComplexityComplex routes through the supervisor with the large model.
	ComplexityComplex Complexity = "complex"
)

// AgentKind identifies a named operator role with its own model, prompt
// prefix, and tool permissions.
type AgentKind string

const (
	AgentFile  AgentKind = "file"
	AgentCode  AgentKind = "code"
	AgentWeb   AgentKind = "web"
	AgentShell AgentKind = "shell"
	AgentRAG   AgentKind = "rag"
)

// Valid reports whether k is one of the known agent kinds.
func (k AgentKind) Valid() bool {
	switch k {
	case AgentFile, AgentCode, AgentWeb, AgentShell, AgentRAG:
		return true
	}
	return false
}

// ModelTier selects the size class of the model an operator runs at.
type ModelTier string

const (
	ModelTierSmall ModelTier = "small"
	ModelTierLarge ModelTier = "large"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PLANS
// ═══════════════════════════════════════════════════════════════════════════════

// PlanStep is a single action in a plan. Step numbers within a plan are
// unique and contiguous from 1.
type PlanStep struct {
	// Number is the 1-based position of the step in the plan.
	Number int `json:"step"`

	// Action is the tool name or command to execute.
	Action string `json:"action"`

	// Params holds the action parameters; keys are defined per action.
	Params map[string]string `json:"params,omitempty"`

	// Description is an optional human-readable summary.
	Description string `json:"description,omitempty"`

	// Fallback is an optional action identifier tried only when the
	// primary action fails.
	Fallback string `json:"fallback,omitempty"`

	// Timeout bounds this step's execution. Zero means the operator default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// CaptureOutput controls whether the step's stdout is recorded.
	CaptureOutput bool `json:"capture_output,omitempty"`
}

// Plan is the supervisor's structured answer to a request. It is created by
// the supervisor and consumed read-only by the operator.
type Plan struct {
	// Understanding is a one-sentence restatement of the user's intent.
	Understanding string `json:"understanding"`

	// Complexity is the supervisor's score, 1-5.
	Complexity int `json:"complexity"`

	// Confidence is the supervisor's self-assessed confidence, 0.0-1.0.
	Confidence float64 `json:"confidence"`

	// Steps is the ordered action sequence. Always at least one step.
	Steps []PlanStep `json:"steps"`

	// AgentKind is the operator role that should execute the plan.
	AgentKind AgentKind `json:"agent_type"`

	// ModelTier is the model size class the operator should run at.
	ModelTier ModelTier `json:"model_size"`

	// OperatorPrompt is an operator-oriented restatement of the task.
	OperatorPrompt string `json:"operator_prompt,omitempty"`

	// Timeout bounds the whole plan. Zero means the executor default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries is the number of additional full passes the operator may
	// attempt after the first one fails.
	MaxRetries int `json:"max_retries"`
}

// Validate checks the plan invariants: at least one step, contiguous step
// numbering from 1, and complexity/confidence within range.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for i, step := range p.Steps {
		if step.Number != i+1 {
			return fmt.Errorf("step %d has number %d, want %d", i, step.Number, i+1)
		}
		if step.Action == "" {
			return fmt.Errorf("step %d has no action", step.Number)
		}
	}
	if p.Complexity < 1 || p.Complexity > 5 {
		return fmt.Errorf("complexity %d out of range [1,5]", p.Complexity)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range [0,1]", p.Confidence)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESULTS
// ═══════════════════════════════════════════════════════════════════════════════

// StepResult records the outcome of one plan step. Success implies Error is
// empty; failure implies Error is set.
type StepResult struct {
	Step     int           `json:"step"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TaskResult aggregates the operator's outcome for a whole request.
type TaskResult struct {
	// Success is the authoritative outcome: true iff all plan steps
	// (after fallbacks) succeeded in the final pass.
	Success bool `json:"success"`

	// Output is the user-facing result text.
	Output string `json:"output"`

	// Plan is the plan that was executed, stored by value. Nil for
	// trivial and simple paths that never planned.
	Plan *Plan `json:"plan_used,omitempty"`

	// StepsCompleted counts successful steps in the final pass.
	StepsCompleted int `json:"steps_completed"`

	// Duration is the total wall clock for the request.
	Duration time.Duration `json:"duration"`

	// SupervisorCalls counts LLM calls made by the supervisor (plan +
	// rescue), at most 2 per request.
	SupervisorCalls int `json:"supervisor_calls"`

	// OperatorCalls counts operator invocations.
	OperatorCalls int `json:"operator_calls"`

	// Errors accumulates failure descriptions from all passes.
	Errors []string `json:"errors,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION CONTEXT
// ═══════════════════════════════════════════════════════════════════════════════

// HistorySize is the number of recent commands retained in the context ring.
const HistorySize = 5

// Context is the caller-provided execution context. It is passed by value
// down the pipeline and never mutated by callees.
type Context struct {
	// WorkingDir is the current working directory for tool execution.
	WorkingDir string `json:"working_dir"`

	// LastOutput is the previous command's output, truncated.
	LastOutput string `json:"last_output,omitempty"`

	// RecentCommands is a ring of the last HistorySize commands.
	RecentCommands []string `json:"recent_commands,omitempty"`

	// Language is the user's language code (e.g. "en", "de").
	Language string `json:"language,omitempty"`

	// SessionID identifies the current session.
	SessionID string `json:"session_id,omitempty"`

	// Turn is the conversation turn counter.
	Turn int `json:"turn"`

	// EnabledTools maps tool names to whether they may be used.
	EnabledTools map[string]bool `json:"enabled_tools,omitempty"`
}

// WithCommand returns a copy of the context with cmd appended to the recent
// command ring, keeping at most HistorySize entries.
func (c Context) WithCommand(cmd string) Context {
	recent := make([]string, 0, HistorySize)
	recent = append(recent, c.RecentCommands...)
	recent = append(recent, cmd)
	if len(recent) > HistorySize {
		recent = recent[len(recent)-HistorySize:]
	}
	c.RecentCommands = recent
	return c
}

// ToolEnabled reports whether a tool may be used. An empty map means all
// tools are allowed.
func (c Context) ToolEnabled(name string) bool {
	if len(c.EnabledTools) == 0 {
		return true
	}
	return c.EnabledTools[name]
}
