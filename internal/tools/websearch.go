package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/overseer/internal/search"
)

// WebSearch queries the meta-search endpoint and renders a compact result
// listing.
type WebSearch struct {
	client *search.Client
}

// NewWebSearch wraps a search client as a tool.
func NewWebSearch(client *search.Client) *WebSearch {
	return &WebSearch{client: client}
}

func (*WebSearch) Name() string { return "web_search" }

func (*WebSearch) Description() string {
	return "Search the web. Params: pattern (the query, required), max_results."
}

func (w *WebSearch) Execute(ctx context.Context, params map[string]string, workDir string) (string, error) {
	query := strings.TrimSpace(params["pattern"])
	if query == "" {
		return "", fmt.Errorf("web_search requires a pattern parameter")
	}

	maxResults := 5
	if n := params["max_results"]; n != "" {
		fmt.Sscanf(n, "%d", &maxResults)
	}

	resp, err := w.client.Search(ctx, query, search.Options{MaxResults: maxResults})
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	return Truncate(resp.Summarize()), nil
}
