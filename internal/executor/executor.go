// Package executor is the top-level request pipeline: it classifies a
// query, answers trivial ones directly, routes simple ones to a single
// operator call, and drives the supervisor/operator loop for the rest.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/data"
	"github.com/normanking/overseer/internal/logging"
	"github.com/normanking/overseer/internal/metrics"
	"github.com/normanking/overseer/internal/operator"
	"github.com/normanking/overseer/internal/router"
	"github.com/normanking/overseer/internal/supervisor"
	"github.com/normanking/overseer/pkg/types"
)

// Planner is the slice of the supervisor the executor drives.
type Planner interface {
	Plan(ctx context.Context, query string, execCtx types.Context) *types.Plan
	RescueFailed(ctx context.Context, query string, failed *types.Plan, errs []string) *supervisor.Rescue
}

// Executor owns the supervisor (created lazily, it is expensive) and one
// operator per agent kind.
type Executor struct {
	newSupervisor func() Planner
	operators     map[types.AgentKind]*operator.Operator
	registry      *metrics.Registry
	store         *data.Store
	smallModel    string
	largeModel    string
	log           zerolog.Logger

	supOnce sync.Once
	sup     Planner
}

// New builds an executor. The supervisor factory is invoked at most once,
// on the first moderate or complex request. Registry and store may be nil.
func New(newSupervisor func() Planner, operators map[types.AgentKind]*operator.Operator, registry *metrics.Registry, store *data.Store, smallModel, largeModel string) *Executor {
	return &Executor{
		newSupervisor: newSupervisor,
		operators:     operators,
		registry:      registry,
		store:         store,
		smallModel:    smallModel,
		largeModel:    largeModel,
		log:           logging.Component("executor"),
	}
}

// Execute runs one request end to end and returns the authoritative
// TaskResult.
func (e *Executor) Execute(ctx context.Context, query string, execCtx types.Context) types.TaskResult {
	start := time.Now()
	decision := router.Classify(query)

	var result types.TaskResult
	switch decision.Complexity {
	case types.ComplexityTrivial:
		result = e.handleTrivial(ctx, query, execCtx)
	case types.ComplexitySimple:
		result = e.handleSimple(ctx, query, decision.Agent, execCtx)
	default:
		result = e.handlePlanned(ctx, query, decision, execCtx)
	}

	result.Duration = time.Since(start)
	e.recordOutcome(query, decision.Complexity, result)
	return result
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRIVIAL PATH
// ═══════════════════════════════════════════════════════════════════════════════

var (
	timeQueryRE  = regexp.MustCompile(`(?i)\bwhat\s+time\s+is\s+it\b|\bwhat('?s| is)\s+(today'?s\s+)?date\b`)
	quitQueryRE  = regexp.MustCompile(`(?i)^(quit|exit|bye|goodbye)\s*$`)
	helloQueryRE = regexp.MustCompile(`(?i)^(hello|hi|hey)\s*[!.]?\s*$`)
	openQueryRE  = regexp.MustCompile(`(?i)^(open|launch|start)\s+(.+)$`)
)

// knownApps maps spoken application names to launch commands.
var knownApps = map[string]string{
	"youtube": "xdg-open https://youtube.com",
	"firefox": "firefox &",
	"chrome":  "google-chrome &",
	"spotify": "spotify &",
	"browser": "xdg-open about:blank",
}

// handleTrivial answers without any model call.
func (e *Executor) handleTrivial(ctx context.Context, query string, execCtx types.Context) types.TaskResult {
	trimmed := strings.TrimSpace(query)
	switch {
	case timeQueryRE.MatchString(trimmed):
		return types.TaskResult{Success: true, Output: time.Now().Format("2006-01-02 15:04:05")}
	case quitQueryRE.MatchString(trimmed):
		return types.TaskResult{Success: true, Output: "Goodbye."}
	case helloQueryRE.MatchString(trimmed):
		return types.TaskResult{Success: true, Output: "Hello. What can I do for you?"}
	}

	if m := openQueryRE.FindStringSubmatch(trimmed); m != nil {
		target := strings.ToLower(strings.TrimSpace(m[2]))
		cmd, ok := knownApps[target]
		if !ok {
			cmd = "xdg-open " + target
		}
		return e.runShellStep(ctx, cmd, execCtx)
	}

	// The gate called it trivial but no handler claims it; degrade to the
	// simple path.
	return e.handleSimple(ctx, query, types.AgentShell, execCtx)
}

// runShellStep executes one shell command through the shell operator
// without planning.
func (e *Executor) runShellStep(ctx context.Context, cmd string, execCtx types.Context) types.TaskResult {
	op, ok := e.operators[types.AgentShell]
	if !ok {
		return types.TaskResult{Output: "No shell operator configured.", Errors: []string{"missing shell operator"}}
	}
	plan := &types.Plan{
		Understanding: "Launch the requested target",
		Complexity:    1,
		Confidence:    1,
		Steps:         []types.PlanStep{{Number: 1, Action: "run_command", Params: map[string]string{"cmd": cmd}}},
		AgentKind:     types.AgentShell,
		ModelTier:     types.ModelTierSmall,
	}
	res := op.ExecutePlan(ctx, plan, execCtx)
	if res.Success && res.Output == "" {
		res.Output = "Done."
	}
	return res
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIMPLE AND PLANNED PATHS
// ═══════════════════════════════════════════════════════════════════════════════

// handleSimple issues one small-tier operator call with the gate-suggested
// agent kind.
func (e *Executor) handleSimple(ctx context.Context, query string, agent types.AgentKind, execCtx types.Context) types.TaskResult {
	op := e.operatorFor(agent)
	if op == nil {
		return types.TaskResult{Output: "No operator configured.", Errors: []string{"no operators"}}
	}
	return op.ExecuteSimple(ctx, query, execCtx)
}

// handlePlanned drives the supervisor/operator loop. The supervisor is
// consulted at most twice: once to plan, once to rescue.
func (e *Executor) handlePlanned(ctx context.Context, query string, decision router.Decision, execCtx types.Context) types.TaskResult {
	sup := e.supervisor()
	if sup == nil {
		return types.TaskResult{Output: "No supervisor configured.", Errors: []string{"no supervisor"}}
	}

	plan := sup.Plan(ctx, query, execCtx)
	if decision.Complexity == types.ComplexityComplex {
		plan.ModelTier = types.ModelTierLarge
	}

	op := e.operatorFor(plan.AgentKind)
	if op == nil {
		return types.TaskResult{Output: "No operator configured.", Errors: []string{"no operators"}, SupervisorCalls: 1}
	}

	result := op.ExecutePlan(ctx, plan, execCtx)
	result.SupervisorCalls = 1
	if result.Success {
		return result
	}

	rescue := sup.RescueFailed(ctx, query, plan, result.Errors)
	result.SupervisorCalls = 2

	switch rescue.Action {
	case supervisor.RescueAdjustPlan, supervisor.RescueChangeAgent:
		retryOp := e.operatorFor(rescue.NewPlan.AgentKind)
		if retryOp == nil {
			retryOp = op
		}
		retried := retryOp.ExecutePlan(ctx, rescue.NewPlan, execCtx)
		retried.SupervisorCalls = 2
		retried.OperatorCalls += result.OperatorCalls
		retried.Errors = append(result.Errors, retried.Errors...)
		return retried
	default: // TAKEOVER
		result.Success = true
		result.Output = rescue.DirectResult
		return result
	}
}

// supervisor lazily constructs the planner on first use.
func (e *Executor) supervisor() Planner {
	e.supOnce.Do(func() {
		if e.newSupervisor != nil {
			e.sup = e.newSupervisor()
		}
	})
	return e.sup
}

// operatorFor resolves the operator for an agent kind, falling back to
// shell, then to any registered operator.
func (e *Executor) operatorFor(kind types.AgentKind) *operator.Operator {
	if op, ok := e.operators[kind]; ok {
		return op
	}
	if op, ok := e.operators[types.AgentShell]; ok {
		return op
	}
	for _, op := range e.operators {
		return op
	}
	return nil
}

// recordOutcome writes metrics and, on failure, remembers the error so a
// later fix can be learned against it.
func (e *Executor) recordOutcome(query string, complexity types.Complexity, result types.TaskResult) {
	if e.registry != nil && complexity != types.ComplexityTrivial {
		model := e.smallModel
		if result.Plan != nil && result.Plan.ModelTier == types.ModelTierLarge {
			model = e.largeModel
		}
		e.registry.Record(model, result.Success, result.Duration, -1)
	}

	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if !result.Success && len(result.Errors) > 0 {
		key := fmt.Sprintf("task-failure:%s", errorSignature(result.Errors[0]))
		if err := e.store.StoreMemory(ctx, key, fmt.Sprintf("query: %s; error: %s", query, result.Errors[0]),
			data.MemoryError, 0.6, []string{"failure"}); err != nil {
			e.log.Debug().Err(err).Msg("failure memory not stored")
		}
	}
}

// errorSignature normalizes an error string into a stable lookup key.
var signatureNoise = regexp.MustCompile(`[0-9]+|/[^\s]+`)

func errorSignature(errText string) string {
	sig := strings.ToLower(errText)
	sig = signatureNoise.ReplaceAllString(sig, "")
	sig = strings.Join(strings.Fields(sig), " ")
	if len(sig) > 80 {
		sig = sig[:80]
	}
	return sig
}
