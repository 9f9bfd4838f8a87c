package ingestion

import (
	"math"
	"sort"
	"strings"
)

// Scoring weights for the hybrid ranker.
const (
	vectorWeight  = 0.7
	keywordWeight = 0.3
)

// ScoredChunk is one retrieval hit.
type ScoredChunk struct {
	EmbeddedChunk
	Score float64 `json:"score"`
}

// Index is an in-memory hybrid index over embedded chunks: cosine
// similarity blended with keyword overlap.
type Index struct {
	chunks []EmbeddedChunk
}

// NewIndex builds an index over the given chunks.
func NewIndex(chunks []EmbeddedChunk) *Index {
	return &Index{chunks: chunks}
}

// Add appends chunks to the index.
func (idx *Index) Add(chunks ...EmbeddedChunk) {
	idx.chunks = append(idx.chunks, chunks...)
}

// Len is the number of indexed chunks.
func (idx *Index) Len() int { return len(idx.chunks) }

// Search ranks chunks against the query vector and text, descending by
// blended score, capped at limit. Chunks scoring zero are dropped.
func (idx *Index) Search(queryVector []float32, queryText string, limit int) []ScoredChunk {
	queryTokens := tokenSet(queryText)

	var hits []ScoredChunk
	for _, chunk := range idx.chunks {
		score := vectorWeight*cosine(queryVector, chunk.Vector) +
			keywordWeight*keywordOverlap(queryTokens, chunk.Content)
		if score <= 0 {
			continue
		}
		hits = append(hits, ScoredChunk{EmbeddedChunk: chunk, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// SelectWithinBudget keeps the highest-ranked chunks whose combined
// estimated token count stays within maxTokens. Order is preserved.
func SelectWithinBudget(hits []ScoredChunk, maxTokens int) []ScoredChunk {
	var out []ScoredChunk
	used := 0
	for _, hit := range hits {
		tokens := EstimateTokens(hit.Content)
		if used+tokens > maxTokens {
			continue
		}
		out = append(out, hit)
		used += tokens
	}
	return out
}

// cosine is the cosine similarity of two vectors, zero when either is
// empty, mismatched, or degenerate.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// keywordOverlap is the fraction of query tokens present in the content.
func keywordOverlap(queryTokens map[string]struct{}, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	contentTokens := tokenSet(content)
	matched := 0
	for token := range queryTokens {
		if _, ok := contentTokens[token]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

// tokenSet lowercases and splits on non-alphanumeric runs.
func tokenSet(text string) map[string]struct{} {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if token != "" {
			set[token] = struct{}{}
		}
	}
	return set
}
