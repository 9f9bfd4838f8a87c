// Package main is the entry point for the Overseer CLI. Overseer is a
// local-first agentic orchestrator that routes requests by complexity,
// plans with a supervisor model, executes through specialized operators,
// and improves itself against its own benchmarks.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/overseer/internal/bench"
	"github.com/normanking/overseer/internal/bus"
	"github.com/normanking/overseer/internal/config"
	"github.com/normanking/overseer/internal/council"
	"github.com/normanking/overseer/internal/data"
	"github.com/normanking/overseer/internal/executor"
	"github.com/normanking/overseer/internal/fingerprint"
	"github.com/normanking/overseer/internal/ingestion"
	"github.com/normanking/overseer/internal/llm"
	"github.com/normanking/overseer/internal/logging"
	"github.com/normanking/overseer/internal/metrics"
	"github.com/normanking/overseer/internal/operator"
	"github.com/normanking/overseer/internal/registry"
	"github.com/normanking/overseer/internal/rsi"
	"github.com/normanking/overseer/internal/search"
	"github.com/normanking/overseer/internal/supervisor"
	"github.com/normanking/overseer/internal/tools"
	"github.com/normanking/overseer/internal/vram"
	"github.com/normanking/overseer/pkg/types"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "overseer",
		Short: "Overseer - local-first agentic inference orchestrator",
		Long: `Overseer routes requests through a complexity gate, plans with a
supervisor model, and executes through specialized operators backed by
local inference.

One-shot task:       overseer ask "find my hyprland config"
Service mode:        overseer serve
Council consensus:   overseer council "review this diff" --preset code-review`,
		PersistentPreRunE: initApp,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.overseer/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Overseer v%s\n", version)
		},
	})

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(councilCmd())
	rootCmd.AddCommand(benchCmd())
	rootCmd.AddCommand(rsiCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(fleetCmd())
	rootCmd.AddCommand(vramCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initApp loads configuration and initializes logging for every command.
func initApp(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.Init(logging.Config{
		Level:   level,
		File:    cfg.Logging.File,
		Console: verbose,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUNTIME WIRING
// ═══════════════════════════════════════════════════════════════════════════════

// runtime bundles the shared clients a command needs.
type runtime struct {
	chat     *llm.Client
	searcher *search.Client
	store    *data.Store
	registry *metrics.Registry
	tools    *tools.Registry
}

func newRuntime() (*runtime, error) {
	chat := llm.New(cfg.Inference.BaseURL,
		llm.WithTimeout(cfg.Inference.Timeout),
		llm.WithAliases(cfg.Inference.Aliases),
		llm.WithDefaultModel(cfg.Inference.DefaultModel),
	)
	searcher := search.New(cfg.Search.BaseURL)

	store, err := data.Open(cfg.Store.DataDir, fingerprint.MachineKey())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := tools.NewRegistry()
	reg.Register(tools.RunCommand{})
	reg.Register(tools.FindFiles{})
	reg.Register(tools.ReadFile{})
	reg.Register(tools.WriteFile{})
	reg.Register(tools.ListDir{})
	reg.Register(tools.NewWebSearch(searcher))

	return &runtime{
		chat:     chat,
		searcher: searcher,
		store:    store,
		registry: metrics.New(cfg.Store.DataDir),
		tools:    reg,
	}, nil
}

func (rt *runtime) close() {
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

// buildExecutor wires the full ask pipeline: one operator per agent kind,
// a lazy supervisor on the default model, and outcome recording.
func (rt *runtime) buildExecutor(eventBus *bus.Bus) *executor.Executor {
	small := rt.chat.ResolveModel("fast")
	large := rt.chat.ResolveModel("default")

	kinds := []types.AgentKind{
		types.AgentFile, types.AgentCode, types.AgentWeb,
		types.AgentShell, types.AgentRAG,
	}
	ops := make(map[types.AgentKind]*operator.Operator, len(kinds))
	for _, kind := range kinds {
		ops[kind] = operator.New(kind, small, rt.chat, rt.tools, eventBus)
	}

	newSupervisor := func() executor.Planner {
		return supervisor.New(rt.chat, large, cfg.Executor.MaxRetries)
	}
	return executor.New(newSupervisor, ops, rt.registry, rt.store, small, large)
}

func executionContext() types.Context {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return types.Context{WorkingDir: wd, Language: "en"}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASK
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Run one task through the orchestrator pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			query := strings.Join(args, " ")
			result := rt.buildExecutor(nil).Execute(ctx, query, executionContext())

			if result.Output != "" {
				fmt.Println(result.Output)
			}
			if verbose {
				fmt.Fprintf(os.Stderr, "duration=%s supervisor_calls=%d operator_calls=%d steps=%d\n",
					result.Duration.Round(time.Millisecond), result.SupervisorCalls,
					result.OperatorCalls, result.StepsCompleted)
			}
			if !result.Success {
				for _, e := range result.Errors {
					fmt.Fprintln(os.Stderr, "  "+e)
				}
				return fmt.Errorf("task failed")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline (0 = none)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run Overseer as a long-lived service with the event observer",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()

			b := bus.New(bus.WithQueueSize(cfg.Bus.QueueSize))
			defer b.Close()

			reg := registry.New(b, registry.WithMonitorInterval(cfg.Bus.HealthInterval))
			if err := registerServices(reg, rt, b); err != nil {
				return err
			}

			if err := reg.StartAll(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			reg.StartMonitor()
			defer reg.StopMonitor()
			defer reg.StopAll(context.Background())

			go compactionLoop(ctx, rt.store)

			fmt.Printf("Overseer v%s serving. Observer on :%d. Ctrl-C to stop.\n",
				version, cfg.Bus.ObserverPort)
			for _, info := range reg.List() {
				fmt.Printf("  %-12s %s\n", info.Name, info.Status)
			}

			<-ctx.Done()
			fmt.Println("\nShutting down.")
			return nil
		},
	}
}

// compactionLoop prunes stale low-importance memories once a day.
func compactionLoop(ctx context.Context, store *data.Store) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	log := logging.Component("compaction")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maxAge := time.Duration(cfg.Store.CompactDays) * 24 * time.Hour
			n, err := store.Compact(ctx, maxAge, cfg.Store.CompactMinImportance)
			if err != nil {
				log.Warn().Err(err).Msg("compaction failed")
				continue
			}
			log.Info().Int("pruned", n).Msg("memory compaction")
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COUNCIL
// ═══════════════════════════════════════════════════════════════════════════════

func councilCmd() *cobra.Command {
	var preset string

	cmd := &cobra.Command{
		Use:   "council <prompt>",
		Short: "Convene the model council and report its consensus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()

			engine := council.New(rt.chat, cfg.Council)
			result, err := engine.Convene(ctx, strings.Join(args, " "), preset)
			if err != nil {
				return err
			}
			fmt.Println(result.Summary())
			fmt.Println()
			fmt.Println(result.Consensus)
			return nil
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "",
		"deliberation preset ("+strings.Join(council.Presets(), ", ")+")")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// BENCH AND RSI
// ═══════════════════════════════════════════════════════════════════════════════

func loadProblems(path string) ([]bench.Problem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problems: %w", err)
	}
	var problems []bench.Problem
	if err := json.Unmarshal(raw, &problems); err != nil {
		return nil, fmt.Errorf("parse problems: %w", err)
	}
	if len(problems) == 0 {
		return nil, fmt.Errorf("no problems in %s", path)
	}
	return problems, nil
}

func benchCmd() *cobra.Command {
	var name, model string
	var setBaseline bool

	cmd := &cobra.Command{
		Use:   "bench <problems.json>",
		Short: "Run a benchmark against the configured inference server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			problems, err := loadProblems(args[0])
			if err != nil {
				return err
			}
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()

			runner := bench.NewRunner(cfg.Bench.Dir)
			run, err := runner.Execute(ctx, name, problems, &modelSolver{
				chat:  rt.chat,
				model: rt.chat.ResolveModel(model),
			})
			if err != nil {
				return err
			}

			fmt.Printf("%s: %d/%d passed, average score %.3f, %d tokens, %s\n",
				run.RunID, run.PassedCount, run.TotalProblems,
				run.AverageScore, run.TotalTokens, run.Duration.Round(time.Millisecond))
			for id, res := range run.Results {
				mark := "PASS"
				if !res.Passed {
					mark = "FAIL"
				}
				fmt.Printf("  [%s] %-20s score=%.2f\n", mark, id, res.Score)
			}

			if setBaseline {
				if err := runner.SetBaseline(run); err != nil {
					return fmt.Errorf("set baseline: %w", err)
				}
				fmt.Printf("Baseline for %q set to %s\n", name, run.RunID)
			} else if base, err := runner.GetBaseline(name); err == nil && base != nil {
				fmt.Printf("Baseline %s: %.3f (delta %+.3f)\n",
					base.RunID, base.AverageScore, run.AverageScore-base.AverageScore)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "custom", "benchmark name")
	cmd.Flags().StringVar(&model, "model", "default", "model or alias to benchmark")
	cmd.Flags().BoolVar(&setBaseline, "set-baseline", false, "record this run as the baseline")
	return cmd
}

func rsiCmd() *cobra.Command {
	var name, target string
	var auto bool

	cmd := &cobra.Command{
		Use:   "rsi <problems.json>",
		Short: "Run one self-improvement iteration against a benchmark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			problems, err := loadProblems(args[0])
			if err != nil {
				return err
			}
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()

			approve := confirmHypothesis
			if auto {
				approve = nil
			}
			loop := rsi.New(
				bench.NewRunner(cfg.Bench.Dir),
				&modelAnalyzer{chat: rt.chat, model: rt.chat.ResolveModel("default")},
				rsi.Options{
					TargetRoot:     target,
					SandboxDir:     cfg.RSI.SandboxDir,
					RecordDir:      filepath.Join(cfg.Store.DataDir, "rsi"),
					MinImprovement: cfg.RSI.MinImprovement,
					MaxRegression:  cfg.RSI.MaxRegression,
					Approve:        approve,
				},
			)

			iter, err := loop.RunIteration(ctx, name, problems, &modelSolver{
				chat:  rt.chat,
				model: rt.chat.ResolveModel("default"),
			})
			if err != nil {
				return err
			}

			fmt.Printf("Iteration %d: %s\n", iter.ID, iter.Phase)
			fmt.Printf("  baseline %.3f -> new %.3f (delta %+.3f)\n",
				iter.BaselineScore, iter.NewScore, iter.Delta)
			fmt.Printf("  %s\n", iter.Reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "rsi", "benchmark name")
	cmd.Flags().StringVar(&target, "target", ".", "tree the hypothesis may modify")
	cmd.Flags().BoolVar(&auto, "auto", false, "apply hypotheses without confirmation")
	return cmd
}

// confirmHypothesis shows the proposed changes and asks before applying.
func confirmHypothesis(h *rsi.Hypothesis) bool {
	fmt.Printf("Hypothesis: %s\n", h.Description)
	for path, change := range h.Changes {
		fmt.Printf("  %s %s\n", change.Op, path)
	}
	fmt.Print("Apply? [y/N] ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// ═══════════════════════════════════════════════════════════════════════════════
// INGEST
// ═══════════════════════════════════════════════════════════════════════════════

func ingestCmd() *cobra.Command {
	var query string
	var limit, budget int

	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Chunk and embed a source tree; optionally retrieve against it",
		Long: `Chunks every supported source file under the given path and embeds the
chunks, caching vectors in the store keyed by content hash. With --query,
ranks the chunks against the query and prints the best matches within the
token budget.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()

			chunks, err := ingestion.ChunkDir(args[0])
			if err != nil {
				return err
			}
			if len(chunks) == 0 {
				fmt.Println("No supported source files found.")
				return nil
			}

			embedder := ingestion.NewEmbedder(cfg.Inference.BaseURL,
				cfg.Inference.EmbeddingModel, rt.store)
			embedded, err := embedder.EmbedChunks(ctx, chunks)
			if err != nil {
				return fmt.Errorf("embed chunks: %w", err)
			}
			fmt.Printf("Ingested %d chunks from %s.\n", len(embedded), args[0])

			if query == "" {
				return nil
			}

			queryVec, err := embedder.EmbedQuery(ctx, query)
			if err != nil {
				return fmt.Errorf("embed query: %w", err)
			}
			hits := ingestion.NewIndex(embedded).Search(queryVec, query, limit)
			hits = ingestion.SelectWithinBudget(hits, budget)
			if len(hits) == 0 {
				fmt.Println("No relevant chunks.")
				return nil
			}
			for _, hit := range hits {
				fmt.Printf("--- %s (lines %d-%d, score %.3f)\n%s\n",
					hit.FilePath, hit.StartLine, hit.EndLine, hit.Score, hit.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "rank chunks against this query")
	cmd.Flags().IntVar(&limit, "limit", 8, "maximum candidate chunks")
	cmd.Flags().IntVar(&budget, "budget", 2000, "token budget for printed chunks")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY, FLEET, VRAM
// ═══════════════════════════════════════════════════════════════════════════════

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain the persistent memory store",
	}

	var limit int
	recall := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search memories by keyword relevance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			results, err := rt.store.Recall(cmd.Context(), strings.Join(args, " "),
				data.RecallOptions{Limit: limit})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matching memories.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("[%.2f] %s (%s): %s\n",
					r.Score, r.Entry.Key, r.Entry.Type, r.Entry.Value)
			}
			return nil
		},
	}
	recall.Flags().IntVar(&limit, "limit", 10, "maximum results")

	compact := &cobra.Command{
		Use:   "compact",
		Short: "Prune old low-importance memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			maxAge := time.Duration(cfg.Store.CompactDays) * 24 * time.Hour
			n, err := rt.store.Compact(cmd.Context(), maxAge, cfg.Store.CompactMinImportance)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d memories.\n", n)
			return nil
		},
	}

	cmd.AddCommand(recall, compact)
	return cmd
}

func fleetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fleet",
		Short: "Report per-model fleet performance",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := metrics.New(cfg.Store.DataDir)
			stats := reg.All()
			if len(stats) == 0 {
				fmt.Println("No model statistics recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tCALLS\tSUCCESS\tLATENCY\tQUALITY\tSTATUS")
			for i := range stats {
				s := &stats[i]
				status := "active"
				if s.Fired {
					status = "fired"
				} else if s.Promoted {
					status = "promoted"
				}
				fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%.0fms\t%.1f\t%s\n",
					s.Model, s.Total, s.SuccessRate()*100,
					s.AvgLatencyMs(), s.AvgQuality(), status)
			}
			return w.Flush()
		},
	}
}

func vramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vram [model]",
		Short: "Show GPU memory state, or whether a model fits",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			chat := llm.New(cfg.Inference.BaseURL,
				llm.WithTimeout(cfg.Inference.Timeout),
				llm.WithAliases(cfg.Inference.Aliases),
				llm.WithDefaultModel(cfg.Inference.DefaultModel))
			guard := vram.New(vram.DetectProber(ctx),
				vram.WithSafePercent(cfg.VRAM.SafePercent),
				vram.WithModelLister(chat))
			if err := guard.Refresh(ctx); err != nil {
				return fmt.Errorf("probe gpu: %w", err)
			}

			snap := guard.Snapshot()
			fmt.Printf("VRAM: %d MB used of %d MB (safe ceiling %.0f%%)\n",
				snap.UsedMB, snap.TotalMB, cfg.VRAM.SafePercent*100)
			for model, mb := range snap.Loaded {
				fmt.Printf("  loaded: %-30s %d MB\n", model, mb)
			}

			if len(args) == 1 {
				advice := guard.CanLoad(args[0])
				fmt.Printf("\n%s: %s (needs ~%d MB, %d MB free)\n",
					args[0], advice.Decision, advice.EstimateMB, advice.FreeMB)
				if len(advice.Evict) > 0 {
					fmt.Printf("  evict first: %s\n", strings.Join(advice.Evict, ", "))
				}
			}
			return nil
		},
	}
}
