package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/logging"
	"github.com/normanking/overseer/internal/metrics"
)

const (
	// DefaultSubmitWait is how long Submit polls for an idle worker.
	DefaultSubmitWait = 10 * time.Second

	// submitPollInterval is the availability polling cadence.
	submitPollInterval = 100 * time.Millisecond
)

// ErrNoWorkers is returned when every worker stayed busy for the whole
// submit wait. No external service is invoked in that case.
var ErrNoWorkers = errors.New("no workers available")

// Pool owns a fixed-size fleet of workers, each bound round-robin to a
// model from the small-model catalogue. Scheduling is availability based:
// the first idle worker takes the task.
type Pool struct {
	chat       chatCaller
	search     searchCaller
	registry   *metrics.Registry
	catalogue  []string
	submitWait time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	workers []*Worker
	nextID  int
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithSubmitWait overrides how long Submit polls before failing.
func WithSubmitWait(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.submitWait = d
		}
	}
}

// NewPool builds size workers over the small-model catalogue. The metrics
// registry may be nil, which disables scoring and fleet adjustment.
func NewPool(size int, catalogue []string, chat chatCaller, searcher searchCaller, registry *metrics.Registry, opts ...PoolOption) *Pool {
	p := &Pool{
		chat:       chat,
		search:     searcher,
		registry:   registry,
		catalogue:  catalogue,
		submitWait: DefaultSubmitWait,
		log:        logging.Component("pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < size; i++ {
		p.workers = append(p.workers, NewWorker(i, catalogue[i%len(catalogue)], chat, searcher))
		p.nextID = i + 1
	}
	return p
}

// Size is the number of workers in the fleet.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Models lists the model identity of each worker in slot order.
func (p *Pool) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	models := make([]string, len(p.workers))
	for i, w := range p.workers {
		models[i] = w.Model()
	}
	return models
}

// Submit hands the task to the first idle worker, polling every 100 ms up
// to the submit wait. On exhaustion it returns ErrNoWorkers without calling
// any external service. Task-level failures are carried in the Result, not
// the error.
func (p *Pool) Submit(ctx context.Context, task Task) (Result, error) {
	deadline := time.Now().Add(p.submitWait)
	for {
		if w := p.acquireIdle(); w != nil {
			res := w.Execute(ctx, task)
			p.score(&res)
			return res, nil
		}
		if time.Now().After(deadline) {
			return Result{TaskID: task.ID, Error: ErrNoWorkers.Error()}, ErrNoWorkers
		}
		select {
		case <-ctx.Done():
			return Result{TaskID: task.ID, Error: ctx.Err().Error()}, ctx.Err()
		case <-time.After(submitPollInterval):
		}
	}
}

// SubmitParallel fans one task per prompt out concurrently. The result
// slice preserves input order: result[i] belongs to prompts[i].
func (p *Pool) SubmitParallel(ctx context.Context, prompts []string, kind Kind) []Result {
	results := make([]Result, len(prompts))
	var wg sync.WaitGroup
	for i, prompt := range prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			res, err := p.Submit(ctx, NewTask(kind, prompt))
			if err != nil {
				res.Error = err.Error()
				res.Success = false
			}
			results[i] = res
		}(i, prompt)
	}
	wg.Wait()
	return results
}

// ParallelSearch expands the query into up to n variants and runs them as
// search tasks.
func (p *Pool) ParallelSearch(ctx context.Context, query string, n int) []Result {
	variants := searchVariants(query)
	if n > 0 && n < len(variants) {
		variants = variants[:n]
	}
	return p.SubmitParallel(ctx, variants, KindSearch)
}

// searchVariants synthesizes query rephrasings, identity first.
func searchVariants(query string) []string {
	return []string{
		query,
		"what is " + query,
		query + " explained",
		query + " tutorial",
		query + " examples",
	}
}

// Sweep performs one fleet adjustment pass: the worst performer, judged by
// (success rate, average quality) ascending with at least 10 recorded
// tasks, is replaced by a fresh worker bound to the best composite model
// when it meets the fire threshold. Returns the replaced model identity,
// or empty when nothing changed.
func (p *Pool) Sweep() string {
	if p.registry == nil {
		return ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	worstIdx := -1
	var worstStats metrics.ModelStats
	for i, w := range p.workers {
		s, ok := p.registry.Get(w.Model())
		if !ok || s.Total < 10 {
			continue
		}
		if worstIdx == -1 || worse(s, worstStats) {
			worstIdx = i
			worstStats = s
		}
	}
	if worstIdx == -1 || !p.registry.ShouldFire(p.workers[worstIdx].Model()) {
		return ""
	}

	best := p.registry.BestModels(1, true)
	if len(best) == 0 {
		return ""
	}
	fired := p.workers[worstIdx].Model()
	if best[0] == fired {
		return ""
	}

	p.workers[worstIdx] = NewWorker(p.nextID, best[0], p.chat, p.search)
	p.nextID++
	p.log.Warn().Str("fired", fired).Str("replacement", best[0]).Msg("worker replaced")
	return fired
}

// worse orders stats ascending by (success rate, average quality).
func worse(a, b metrics.ModelStats) bool {
	if a.SuccessRate() != b.SuccessRate() {
		return a.SuccessRate() < b.SuccessRate()
	}
	return a.AvgQuality() < b.AvgQuality()
}

// acquireIdle claims the first idle worker, or nil when all are busy.
func (p *Pool) acquireIdle() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.tryAcquire() {
			return w
		}
	}
	return nil
}

// score assigns a heuristic quality to the result and records the outcome
// with the metrics registry.
func (p *Pool) score(res *Result) {
	if res.Success {
		res.Quality = scoreOutput(res.Output)
	}
	if p.registry == nil {
		return
	}
	quality := res.Quality
	if !res.Success {
		quality = -1 // no quality sample for failures
	}
	p.registry.Record(res.Model, res.Success, res.Latency, quality)
}

// scoreOutput is a cheap quality heuristic over the response text: length
// bands plus penalties for refusal boilerplate, clamped to [0, 10].
func scoreOutput(output string) float64 {
	text := strings.TrimSpace(output)
	if text == "" {
		return 1
	}

	score := 5.0
	switch {
	case len(text) > 500:
		score += 3
	case len(text) > 200:
		score += 2
	case len(text) > 50:
		score += 1
	case len(text) < 10:
		score -= 2
	}

	lower := strings.ToLower(text)
	for _, marker := range []string{"i cannot", "i can't", "as an ai", "i'm unable"} {
		if strings.Contains(lower, marker) {
			score -= 3
			break
		}
	}

	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

// Status is a human-readable one-line-per-worker fleet summary.
func (p *Pool) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	for i, w := range p.workers {
		state := "idle"
		if w.Busy() {
			state = "busy"
		}
		fmt.Fprintf(&b, "worker %d: %s (%s)\n", i, w.Model(), state)
	}
	return b.String()
}
