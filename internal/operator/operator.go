// Package operator executes plans step by step: retry passes, per-step
// fallbacks, tool resolution, and status reporting over the event bus.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/bus"
	"github.com/normanking/overseer/internal/llm"
	"github.com/normanking/overseer/internal/logging"
	"github.com/normanking/overseer/internal/supervisor"
	"github.com/normanking/overseer/internal/tools"
	"github.com/normanking/overseer/pkg/types"
)

// DefaultStepTimeout bounds one step when the plan does not set one.
const DefaultStepTimeout = 60 * time.Second

// chatCaller is the slice of the inference client the operator uses for
// simple-path tool selection.
type chatCaller interface {
	Generate(ctx context.Context, prompt, system, model string) (*llm.ChatResponse, error)
}

// Operator runs plans for one agent kind. It consumes plans read-only and
// reports step status on the bus under the "operator" source.
type Operator struct {
	kind  types.AgentKind
	model string
	chat  chatCaller
	tools *tools.Registry
	bus   *bus.Bus
	log   zerolog.Logger
}

// New builds an operator for one agent kind bound to a model identity or
// alias. The bus may be nil, which disables status events.
func New(kind types.AgentKind, model string, chat chatCaller, registry *tools.Registry, eventBus *bus.Bus) *Operator {
	return &Operator{
		kind:  kind,
		model: model,
		chat:  chat,
		tools: registry,
		bus:   eventBus,
		log:   logging.Component("operator").With().Str("agent", string(kind)).Logger(),
	}
}

// Kind is the agent kind this operator serves.
func (o *Operator) Kind() types.AgentKind { return o.kind }

// ExecutePlan runs the whole step sequence up to MaxRetries+1 times,
// exiting early when a pass fully succeeds. StepsCompleted counts the
// successful steps of the final pass.
func (o *Operator) ExecutePlan(ctx context.Context, plan *types.Plan, execCtx types.Context) types.TaskResult {
	start := time.Now()
	result := types.TaskResult{Plan: plan, OperatorCalls: 1}

	passes := plan.MaxRetries + 1
	var lastResults []types.StepResult
	for pass := 0; pass < passes; pass++ {
		if pass > 0 {
			o.emitStatus("retrying", 0, "", pass, "")
		}
		stepResults, ok := o.runPass(ctx, plan, execCtx)
		lastResults = stepResults
		for _, sr := range stepResults {
			if sr.Error != "" {
				result.Errors = append(result.Errors, fmt.Sprintf("step %d: %s", sr.Step, sr.Error))
			}
		}
		if ok {
			result.Success = true
			break
		}
	}

	completed := 0
	var outputs []string
	for _, sr := range lastResults {
		if sr.Success {
			completed++
			if sr.Output != "" {
				outputs = append(outputs, sr.Output)
			}
		}
	}
	result.StepsCompleted = completed
	result.Output = strings.Join(outputs, "\n")
	result.Duration = time.Since(start)
	return result
}

// runPass executes every step in order. A failing step with a fallback
// immediately retries once under the fallback action with the same
// parameters; if that also fails the pass is abandoned.
func (o *Operator) runPass(ctx context.Context, plan *types.Plan, execCtx types.Context) ([]types.StepResult, bool) {
	var results []types.StepResult
	for _, step := range plan.Steps {
		o.emitStatus("running", step.Number, step.Action, 1, "")
		sr := o.runStep(ctx, step, step.Action, execCtx)

		if !sr.Success && step.Fallback != "" {
			o.emitStatus("retrying", step.Number, step.Fallback, 2, sr.Error)
			sr = o.runStep(ctx, step, step.Fallback, execCtx)
		}

		results = append(results, sr)
		if !sr.Success {
			o.emitStatus("failed", step.Number, step.Action, 1, sr.Error)
			return results, false
		}
		o.emitStatus("success", step.Number, step.Action, 1, "")
	}
	return results, true
}

// runStep resolves and executes one action. Unknown actions are wrapped as
// shell commands.
func (o *Operator) runStep(ctx context.Context, step types.PlanStep, action string, execCtx types.Context) types.StepResult {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := step.Params
	tool, ok := o.tools.Get(action)
	if !ok {
		// Treat the unknown action as a shell command.
		tool, ok = o.tools.Get("run_command")
		if !ok {
			return types.StepResult{Step: step.Number, Error: fmt.Sprintf("unknown action %q and no shell fallback", action)}
		}
		params = map[string]string{"cmd": action}
	}

	start := time.Now()
	output, err := tool.Execute(ctx, params, execCtx.WorkingDir)
	sr := types.StepResult{
		Step:     step.Number,
		Duration: time.Since(start),
	}
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	sr.Success = true
	if step.CaptureOutput || output != "" {
		sr.Output = tools.Truncate(output)
	}
	return sr
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIMPLE PATH
// ═══════════════════════════════════════════════════════════════════════════════

const selectSystem = `You choose one tool for a user request.
Respond with a single JSON object and nothing else:
{"tool": "tool_name", "params": {"key": "value"}}`

// toolCall is the simple-path selection schema.
type toolCall struct {
	Tool   string            `json:"tool"`
	Params map[string]string `json:"params"`
}

// ExecuteSimple handles a gated simple task with one LLM call: the model
// picks a tool and parameters from the catalogue, parameter names are
// normalized, and the tool runs.
func (o *Operator) ExecuteSimple(ctx context.Context, query string, execCtx types.Context) types.TaskResult {
	start := time.Now()
	result := types.TaskResult{OperatorCalls: 1}

	prompt := fmt.Sprintf("Available tools:\n%s\nRequest: %s", o.tools.Catalogue(), query)
	resp, err := o.chat.Generate(ctx, prompt, selectSystem, o.model)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tool selection: %v", err))
		result.Output = "Could not reach the model for tool selection."
		result.Duration = time.Since(start)
		return result
	}

	call, err := parseToolCall(resp.Content)
	if err != nil {
		o.log.Debug().Err(err).Msg("tool selection unparsable, falling back to shell")
		call = &toolCall{Tool: "run_command", Params: map[string]string{"cmd": query}}
	}
	call.Params = normalizeParams(call.Params)

	step := types.PlanStep{Number: 1, Action: call.Tool, Params: call.Params, CaptureOutput: true}
	sr := o.runStep(ctx, step, call.Tool, execCtx)

	result.StepsCompleted = boolToInt(sr.Success)
	result.Success = sr.Success
	result.Output = sr.Output
	if sr.Error != "" {
		result.Errors = append(result.Errors, sr.Error)
		result.Output = "The task failed: " + sr.Error
	}
	result.Duration = time.Since(start)
	return result
}

func parseToolCall(raw string) (*toolCall, error) {
	payload, err := supervisor.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var call toolCall
	if err := json.Unmarshal([]byte(payload), &call); err != nil {
		return nil, fmt.Errorf("decode tool call: %w", err)
	}
	if call.Tool == "" {
		return nil, fmt.Errorf("tool call names no tool")
	}
	if call.Params == nil {
		call.Params = make(map[string]string)
	}
	return &call, nil
}

// paramAliases maps the parameter names models habitually invent to the
// canonical ones the tools expect.
var paramAliases = map[string]string{
	"search_pattern": "pattern",
	"query":          "pattern",
	"name":           "pattern",
	"filename":       "pattern",
	"command":        "cmd",
	"shell":          "cmd",
	"file":           "path",
	"filepath":       "path",
	"file_path":      "path",
}

// normalizeParams rewrites aliased parameter names. A canonical key already
// present wins over its aliases.
func normalizeParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for key, value := range params {
		canonical, ok := paramAliases[key]
		if !ok {
			out[key] = value
			continue
		}
		if _, exists := params[canonical]; !exists {
			out[canonical] = value
		}
	}
	return out
}

// emitStatus publishes one step-status event under the "operator" source.
func (o *Operator) emitStatus(status string, step int, action string, attempt int, errText string) {
	if o.bus == nil {
		return
	}
	data := map[string]any{
		"status":  status,
		"agent":   string(o.kind),
		"step":    step,
		"action":  action,
		"attempt": attempt,
	}
	if errText != "" {
		data["error"] = errText
	}
	o.bus.Emit(bus.NewEvent("operator", bus.EventCustom, data))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
