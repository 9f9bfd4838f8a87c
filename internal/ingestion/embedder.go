package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/data"
	"github.com/normanking/overseer/internal/logging"
)

// DefaultEmbedTimeout bounds one embedding batch call.
const DefaultEmbedTimeout = 60 * time.Second

// EmbeddedChunk binds a chunk to its vector. The persistent cache is keyed
// by (chunk id, content hash) so edits invalidate stale vectors.
type EmbeddedChunk struct {
	Chunk
	Vector      []float32 `json:"vector"`
	ContentHash string    `json:"content_hash"`
}

// Embedder generates chunk vectors through an OpenAI-compatible
// /v1/embeddings endpoint, with a write-through cache in the persistent
// store. The store may be nil, which disables caching.
type Embedder struct {
	baseURL    string
	model      string
	store      *data.Store
	httpClient *http.Client
	log        zerolog.Logger
}

// NewEmbedder builds an embedder against the inference server.
func NewEmbedder(baseURL, model string, store *data.Store) *Embedder {
	return &Embedder{
		baseURL:    baseURL,
		model:      model,
		store:      store,
		httpClient: &http.Client{Timeout: DefaultEmbedTimeout},
		log:        logging.Component("embedder"),
	}
}

// EmbedChunks resolves a vector for every chunk, from cache where the
// content hash still matches, otherwise from the server. Freshly computed
// vectors are written back to the cache.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []Chunk) ([]EmbeddedChunk, error) {
	out := make([]EmbeddedChunk, len(chunks))
	var missTexts []string
	var missIdx []int

	for i, chunk := range chunks {
		hash := contentHash(chunk.Content)
		out[i] = EmbeddedChunk{Chunk: chunk, ContentHash: hash}

		if e.store != nil {
			if vec, err := e.store.GetEmbedding(ctx, chunk.ID, hash); err == nil && vec != nil {
				out[i].Vector = vec
				continue
			}
		}
		missTexts = append(missTexts, chunk.Content)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := e.embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(missTexts))
	}

	for j, i := range missIdx {
		out[i].Vector = vectors[j]
		if e.store != nil {
			if err := e.store.PutEmbedding(ctx, out[i].ID, out[i].ContentHash, vectors[j]); err != nil {
				e.log.Debug().Err(err).Str("chunk", out[i].ID).Msg("embedding not cached")
			}
		}
	}
	return out, nil
}

// EmbedQuery embeds a single query string. Queries are never cached.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected one query vector, got %d", len(vectors))
	}
	return vectors[0], nil
}

// embeddingRequest and embeddingResponse mirror the OpenAI wire format.
type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *Embedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding server returned %d: %s", resp.StatusCode, snippet)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return vectors, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
