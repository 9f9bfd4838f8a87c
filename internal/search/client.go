// Package search is the meta-search client. It talks to a SearXNG instance
// over its JSON API and caches recent queries with a short TTL.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/logging"
)

const (
	// DefaultTimeout bounds a single search call.
	DefaultTimeout = 30 * time.Second

	// cacheTTL is how long a cached query stays fresh.
	cacheTTL = 5 * time.Minute

	// cacheMaxSize caps the number of cached queries.
	cacheMaxSize = 100

	// maxQueryLength rejects absurd inputs before they hit the network.
	maxQueryLength = 500
)

// Result is a single search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Engine  string  `json:"engine,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Response is one completed search.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Cached  bool     `json:"cached"`
}

// Options narrows a search.
type Options struct {
	// Engines restricts the upstream engines (comma-joined on the wire).
	Engines []string
	// Language is a language code like "en" or "de".
	Language string
	// MaxResults caps the returned slice; zero means 5.
	MaxResults int
}

// Client queries one SearXNG endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	response  Response
	expiresAt time.Time
}

// New creates a client for the given base URL (e.g. http://localhost:8888).
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        logging.Component("search"),
		cache:      make(map[string]cacheEntry),
	}
}

// Search runs a query through the meta-search endpoint. Recent identical
// queries are served from cache.
func (c *Client) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	if len(query) > maxQueryLength {
		return nil, fmt.Errorf("search query too long (max %d characters)", maxQueryLength)
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	key := cacheKey(query, opts)
	if cached, ok := c.cacheGet(key); ok {
		c.log.Debug().Str("query", query).Msg("search cache hit")
		cached.Cached = true
		return &cached, nil
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	if len(opts.Engines) > 0 {
		params.Set("engines", strings.Join(opts.Engines, ","))
	}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", httpResp.StatusCode)
	}

	var parsed struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	if len(parsed.Results) > maxResults {
		parsed.Results = parsed.Results[:maxResults]
	}

	resp := Response{Query: query, Results: parsed.Results}
	c.cacheSet(key, resp)

	c.log.Debug().Str("query", query).Int("results", len(resp.Results)).Msg("search complete")
	return &resp, nil
}

// Summarize renders results as a compact text block for prompt inclusion.
func (r *Response) Summarize() string {
	if len(r.Results) == 0 {
		return "No results found for: " + r.Query
	}

	var sb strings.Builder
	for i, res := range r.Results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, res.Title, res.URL)
		if res.Content != "" {
			fmt.Fprintf(&sb, "   %s\n", truncate(res.Content, 300))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// HealthCheck probes the instance. SearXNG serves /healthz; instances that
// don't expose it get a trivial search probe instead.
func (c *Client) HealthCheck(ctx context.Context) error {
	status, err := c.probe(ctx, "/healthz")
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		status, err = c.probe(ctx, "/search?q=test")
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK {
		return fmt.Errorf("search instance unhealthy: status %d", status)
	}
	return nil
}

func (c *Client) probe(ctx context.Context, path string) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CACHE
// ═══════════════════════════════════════════════════════════════════════════════

func cacheKey(query string, opts Options) string {
	material := strings.ToLower(query) + "|" + strings.Join(opts.Engines, ",") + "|" + opts.Language
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:16])
}

func (c *Client) cacheGet(key string) (Response, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Response{}, false
	}
	return entry.response, true
}

func (c *Client) cacheSet(key string, resp Response) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if len(c.cache) >= cacheMaxSize {
		c.evictOldestLocked()
	}
	c.cache[key] = cacheEntry{response: resp, expiresAt: time.Now().Add(cacheTTL)}
}

func (c *Client) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.cache {
		if oldestKey == "" || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.cache, oldestKey)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
