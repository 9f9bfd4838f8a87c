// Package llm is the inference client for OpenAI-compatible serving
// endpoints (vLLM, llama.cpp server, Ollama's compat layer). All model
// traffic in Overseer goes through it.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/logging"
)

const (
	// DefaultTimeout bounds a single inference call.
	DefaultTimeout = 120 * time.Second

	// MaxErrorBodySize caps how much of an error response body is read.
	MaxErrorBodySize = 4096
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a chat call. Model may be an alias; see ResolveModel.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ChatResponse is a completed (non-stream) chat call.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	FinishReason     string        `json:"finish_reason"`
	Latency          time.Duration `json:"latency"`
}

// StreamDelta is one element of a streamed response. A terminal error (if
// any) arrives as the final element with Err set.
type StreamDelta struct {
	Content string
	Err     error
}

// Client talks to one OpenAI-compatible endpoint. It is stateless beyond
// the HTTP connection pool and safe for concurrent use.
type Client struct {
	baseURL      string
	defaultModel string
	aliases      map[string]string
	httpClient   *http.Client
	log          zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithAliases sets the alias resolution table (default, coder, fast, tiny).
func WithAliases(aliases map[string]string) Option {
	return func(c *Client) {
		c.aliases = aliases
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(c *Client) {
		c.defaultModel = model
	}
}

// New creates a client for the given base URL (e.g. http://localhost:8001).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		aliases:    map[string]string{},
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        logging.Component("llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveModel maps an alias to its concrete model identity. Unknown names
// pass through unchanged; an empty name resolves to the default model.
func (c *Client) ResolveModel(name string) string {
	if name == "" {
		name = "default"
	}
	if concrete, ok := c.aliases[name]; ok && concrete != "" {
		return concrete
	}
	if name == "default" && c.defaultModel != "" {
		return c.defaultModel
	}
	return name
}

// Chat performs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Model = c.ResolveModel(req.Model)
	req.Stream = false
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: ErrParse, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrConnect, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet := readLimited(resp.Body, MaxErrorBodySize)
		return nil, &Error{
			Kind:   ErrHTTP,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("inference error (status %d): %s", resp.StatusCode, snippet),
		}
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Kind: ErrParse, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Kind: ErrParse, Err: fmt.Errorf("no choices in response")}
	}

	choice := parsed.Choices[0]
	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            parsed.Model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
		FinishReason:     choice.FinishReason,
		Latency:          time.Since(start),
	}, nil
}

// Generate is a convenience wrapper producing a two-message chat.
func (c *Client) Generate(ctx context.Context, prompt, system string, model string) (*ChatResponse, error) {
	var messages []Message
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})
	return c.Chat(ctx, ChatRequest{Model: model, Messages: messages})
}

// Stream performs a streaming chat completion and returns a channel of
// incremental deltas. The channel closes after the server's [DONE] sentinel,
// on connection close, or after delivering a terminal error element.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error) {
	req.Model = c.ResolveModel(req.Model)
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: ErrParse, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrConnect, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := readLimited(resp.Body, MaxErrorBodySize)
		resp.Body.Close()
		return nil, &Error{
			Kind:   ErrHTTP,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("inference error (status %d): %s", resp.StatusCode, snippet),
		}
	}

	out := make(chan StreamDelta)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				// Tolerate malformed keep-alive frames.
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if content := chunk.Choices[0].Delta.Content; content != "" {
				select {
				case out <- StreamDelta{Content: content}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamDelta{Err: wrapTransportError(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// Models lists the model identities the server is serving.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, &Error{Kind: ErrConnect, Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: ErrHTTP, Status: resp.StatusCode,
			Err: fmt.Errorf("list models: status %d", resp.StatusCode)}
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Kind: ErrParse, Err: fmt.Errorf("decode models: %w", err)}
	}

	models := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// HealthCheck probes the server's /health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &Error{Kind: ErrConnect, Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: ErrHTTP, Status: resp.StatusCode,
			Err: fmt.Errorf("inference server unhealthy: status %d", resp.StatusCode)}
	}
	return nil
}

// BaseURL returns the endpoint this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Wire types.
type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}
