package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/overseer/internal/bench"
	"github.com/normanking/overseer/internal/bus"
	"github.com/normanking/overseer/internal/llm"
	"github.com/normanking/overseer/internal/logging"
	"github.com/normanking/overseer/internal/registry"
	"github.com/normanking/overseer/internal/rsi"
	"github.com/normanking/overseer/internal/search"
	"github.com/normanking/overseer/internal/supervisor"
	"github.com/normanking/overseer/internal/worker"
)

// registerServices wires the serve-mode services into the registry:
// inference and search health facades, the persistent store, the worker
// pool with its periodic sweep, and the WebSocket event observer.
func registerServices(reg *registry.Registry, rt *runtime, b *bus.Bus) error {
	services := []registry.Service{
		&inferenceService{client: rt.chat},
		&searchService{client: rt.searcher},
		&storeService{rt: rt},
		newPoolService(rt),
	}
	if cfg.Bus.ObserverPort > 0 {
		services = append(services, &observerService{
			observer: bus.NewObserver(b, bus.ObserverConfig{
				Port:          cfg.Bus.ObserverPort,
				ReplayHistory: true,
				HistoryCount:  50,
			}),
		})
	}

	for _, svc := range services {
		if err := reg.Register(svc, version); err != nil {
			return fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVICE ADAPTERS
// ═══════════════════════════════════════════════════════════════════════════════

// inferenceService exposes the LLM client as a monitored service.
type inferenceService struct {
	client *llm.Client
}

func (s *inferenceService) Name() string { return "inference" }
func (s *inferenceService) Capabilities() []string { return []string{"chat", "generate", "models"} }
func (s *inferenceService) Stop(context.Context) error { return nil }

func (s *inferenceService) Start(ctx context.Context) error {
	// The backend may come up after us; report but do not block startup.
	if err := s.client.HealthCheck(ctx); err != nil {
		logger := logging.Component("inference")
		logger.Warn().Err(err).Msg("backend not reachable yet")
	}
	return nil
}

func (s *inferenceService) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

// searchService exposes the meta-search client as a monitored service.
type searchService struct {
	client *search.Client
}

func (s *searchService) Name() string { return "search" }
func (s *searchService) Capabilities() []string { return []string{"web-search"} }
func (s *searchService) Start(context.Context) error { return nil }
func (s *searchService) Stop(context.Context) error { return nil }

func (s *searchService) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

// storeService exposes the SQLite store as a monitored service.
type storeService struct {
	rt *runtime
}

func (s *storeService) Name() string { return "store" }
func (s *storeService) Capabilities() []string { return []string{"memory", "embeddings"} }
func (s *storeService) Start(context.Context) error { return nil }
func (s *storeService) Stop(context.Context) error { return nil }

func (s *storeService) HealthCheck(context.Context) error {
	return s.rt.store.Health()
}

// poolService runs the worker fleet and periodically sweeps for
// underperforming models.
type poolService struct {
	pool   *worker.Pool
	cancel context.CancelFunc
}

func newPoolService(rt *runtime) *poolService {
	return &poolService{
		pool: worker.NewPool(cfg.Pool.Size, cfg.Pool.SmallModels,
			rt.chat, rt.searcher, rt.registry,
			worker.WithSubmitWait(cfg.Pool.SubmitWait)),
	}
}

func (s *poolService) Name() string { return "pool" }
func (s *poolService) Capabilities() []string { return []string{"parallel-tasks", "parallel-search"} }

func (s *poolService) Start(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if fired := s.pool.Sweep(); fired != "" {
					logger := logging.Component("pool")
					logger.Info().Str("model", fired).Msg("sweep fired a model")
				}
			}
		}
	}()
	return nil
}

func (s *poolService) Stop(context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// observerService adapts the WebSocket bus observer to the service
// lifecycle.
type observerService struct {
	observer *bus.Observer
}

func (s *observerService) Name() string { return "observer" }
func (s *observerService) Capabilities() []string { return []string{"events", "health-endpoint"} }

func (s *observerService) Start(context.Context) error { return s.observer.Start() }
func (s *observerService) Stop(context.Context) error { return s.observer.Stop() }

// ═══════════════════════════════════════════════════════════════════════════════
// BENCH SOLVER AND RSI ANALYZER
// ═══════════════════════════════════════════════════════════════════════════════

const solverSystem = `You are solving a benchmark problem. Answer directly and
concisely. For code problems, output only the code.`

// modelSolver answers benchmark problems with one model call each.
type modelSolver struct {
	chat  *llm.Client
	model string
}

func (s *modelSolver) Solve(ctx context.Context, problem bench.Problem) (string, int, error) {
	resp, err := s.chat.Generate(ctx, problem.Statement, solverSystem, s.model)
	if err != nil {
		return "", 0, err
	}
	return resp.Content, resp.TotalTokens, nil
}

const analyzerSystem = `You improve a system by proposing one concrete change
based on benchmark failures. Respond with ONLY a JSON object:
{
  "description": "<one sentence>",
  "rationale": "<why this should help>",
  "expected_improvement": <fraction, e.g. 0.05>,
  "changes": {
    "<relative/file/path>": {"op": "modify", "old": "<exact text>", "new": "<replacement>"}
  }
}
Ops: "modify" (replace old with new once), "create" (with "content"),
"delete". Propose nothing speculative: every modify must quote text that
exists verbatim. If no improvement is evident, respond with {"changes": {}}.`

// modelAnalyzer asks the default model for an improvement hypothesis
// derived from the failing problems of a run.
type modelAnalyzer struct {
	chat  *llm.Client
	model string
}

func (a *modelAnalyzer) Propose(ctx context.Context, run *bench.Run) (*rsi.Hypothesis, error) {
	var failures []string
	for id, res := range run.Results {
		if !res.Passed {
			failures = append(failures, fmt.Sprintf("%s: %s", id, res.Error))
		}
	}
	if len(failures) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf("Benchmark %q scored %.3f (%d/%d passed).\nFailures:\n%s",
		run.Benchmark, run.AverageScore, run.PassedCount, run.TotalProblems,
		strings.Join(failures, "\n"))

	resp, err := a.chat.Generate(ctx, prompt, analyzerSystem, a.model)
	if err != nil {
		return nil, fmt.Errorf("analyzer call: %w", err)
	}
	raw, err := supervisor.ExtractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("analyzer response: %w", err)
	}

	var parsed struct {
		Description         string                `json:"description"`
		Rationale           string                `json:"rationale"`
		ExpectedImprovement float64               `json:"expected_improvement"`
		Changes             map[string]rsi.Change `json:"changes"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse hypothesis: %w", err)
	}
	if len(parsed.Changes) == 0 {
		return nil, nil
	}

	return &rsi.Hypothesis{
		ID:                  fmt.Sprintf("%s-%d", run.Benchmark, time.Now().Unix()),
		Benchmark:           run.Benchmark,
		Description:         parsed.Description,
		Rationale:           parsed.Rationale,
		ExpectedImprovement: parsed.ExpectedImprovement,
		Changes:             parsed.Changes,
	}, nil
}
