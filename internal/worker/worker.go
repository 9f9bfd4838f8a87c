package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/llm"
	"github.com/normanking/overseer/internal/logging"
	"github.com/normanking/overseer/internal/search"
)

// DefaultTaskTimeout bounds a task when neither the task nor the pool sets
// a deadline.
const DefaultTaskTimeout = 30 * time.Second

// chatCaller is the slice of the inference client a worker uses.
type chatCaller interface {
	Generate(ctx context.Context, prompt, system, model string) (*llm.ChatResponse, error)
}

// searchCaller is the slice of the search client a worker uses.
type searchCaller interface {
	Search(ctx context.Context, query string, opts search.Options) (*search.Response, error)
}

// Worker executes one task at a time against the model identity it was
// bound to at construction. It never retries and owns its own busy flag.
type Worker struct {
	id     int
	model  string
	chat   chatCaller
	search searchCaller
	log    zerolog.Logger

	busy atomic.Bool
}

// NewWorker binds a worker to a model identity.
func NewWorker(id int, model string, chat chatCaller, searcher searchCaller) *Worker {
	return &Worker{
		id:     id,
		model:  model,
		chat:   chat,
		search: searcher,
		log:    logging.Component("worker").With().Int("worker", id).Logger(),
	}
}

// Model is the model identity this worker is bound to.
func (w *Worker) Model() string { return w.model }

// Busy reports whether the worker currently holds a task.
func (w *Worker) Busy() bool { return w.busy.Load() }

// tryAcquire claims the worker. Only the pool calls this.
func (w *Worker) tryAcquire() bool {
	return w.busy.CompareAndSwap(false, true)
}

// Execute runs exactly one external call for the task, records latency and
// success, and releases the worker. The caller must have acquired the
// worker first.
func (w *Worker) Execute(ctx context.Context, task Task) Result {
	defer w.busy.Store(false)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := Result{TaskID: task.ID, Model: w.model}

	var output string
	var err error
	if task.Kind == KindSearch {
		output, err = w.runSearch(ctx, task)
	} else {
		output, err = w.runChat(ctx, task)
	}

	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		w.log.Debug().Str("task", task.ID).Err(err).Msg("task failed")
		return res
	}
	res.Success = true
	res.Output = output
	return res
}

func (w *Worker) runSearch(ctx context.Context, task Task) (string, error) {
	if w.search == nil {
		return "", fmt.Errorf("worker %d has no search backend", w.id)
	}
	resp, err := w.search.Search(ctx, task.Prompt, search.Options{})
	if err != nil {
		return "", fmt.Errorf("search task: %w", err)
	}
	return resp.Summarize(), nil
}

func (w *Worker) runChat(ctx context.Context, task Task) (string, error) {
	prompt := task.Prompt
	if content := task.Params["content"]; content != "" {
		prompt = prompt + "\n\n" + content
	}
	resp, err := w.chat.Generate(ctx, prompt, task.Kind.systemPrompt(), w.model)
	if err != nil {
		return "", fmt.Errorf("chat task: %w", err)
	}
	return resp.Content, nil
}
