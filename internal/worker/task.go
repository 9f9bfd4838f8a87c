// Package worker implements the fleet: single-task workers bound to a model
// identity, and the fixed-size pool that schedules them.
package worker

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the task type a worker executes.
type Kind string

const (
	KindSearch    Kind = "search"
	KindSummarize Kind = "summarize"
	KindExtract   Kind = "extract"
	KindValidate  Kind = "validate"
	KindGeneral   Kind = "general"
)

// systemPrompt returns the role framing for a chat-backed task kind.
func (k Kind) systemPrompt() string {
	switch k {
	case KindSummarize:
		return "Summarize the following content concisely. Keep key facts, drop filler."
	case KindExtract:
		return "Extract the requested information from the following content. Answer with only the extracted data."
	case KindValidate:
		return "Check the following claim or output for correctness. State clearly whether it is valid and why."
	default:
		return "You are a helpful assistant. Answer concisely."
	}
}

// Task is one unit of work for a worker.
type Task struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"kind"`
	Prompt   string            `json:"prompt"`
	Params   map[string]string `json:"params,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
	Priority int               `json:"priority,omitempty"`
}

// NewTask builds a task with a fresh id and the default priority.
func NewTask(kind Kind, prompt string) Task {
	return Task{
		ID:       uuid.NewString(),
		Kind:     kind,
		Prompt:   prompt,
		Priority: 5,
	}
}

// Result is the outcome of one task. Quality is filled in by the pool's
// dispatcher after the worker returns, not by the worker itself.
type Result struct {
	TaskID  string        `json:"task_id"`
	Success bool          `json:"success"`
	Output  string        `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
	Model   string        `json:"model"`
	Quality float64       `json:"quality"`
}
