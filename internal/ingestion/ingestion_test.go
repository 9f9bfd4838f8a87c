package ingestion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/overseer/internal/data"
)

const goSample = `package demo

func Add(a, b int) int {
	return a + b
}

type Point struct {
	X, Y int
}

func (p Point) Norm() int {
	return p.X*p.X + p.Y*p.Y
}`

func TestChunkGoFile(t *testing.T) {
	chunks := ChunkFile("demo/math.go", goSample)
	require.Len(t, chunks, 4)

	assert.Equal(t, "demo/math.go:1:2", chunks[0].ID)
	assert.Equal(t, KindModule, chunks[0].Kind)

	assert.Equal(t, KindFunction, chunks[1].Kind)
	assert.Contains(t, chunks[1].Content, "func Add")

	assert.Equal(t, KindClass, chunks[2].Kind)
	assert.Contains(t, chunks[2].Content, "type Point struct")

	assert.Equal(t, KindFunction, chunks[3].Kind)
	assert.Equal(t, "go", chunks[3].Language)
}

func TestChunkPythonFile(t *testing.T) {
	src := "import os\n\nclass Runner:\n    pass\n\ndef main():\n    pass\n"
	chunks := ChunkFile("run.py", src)
	require.Len(t, chunks, 3)
	assert.Equal(t, KindClass, chunks[1].Kind)
	assert.Equal(t, KindFunction, chunks[2].Kind)
}

func TestChunkUnknownLanguageFallsBackToBlocks(t *testing.T) {
	var lines string
	for i := 0; i < 130; i++ {
		lines += "line\n"
	}
	chunks := ChunkFile("notes.txt", lines)
	require.Len(t, chunks, 3, "130 lines at 60 per block")
	for _, c := range chunks {
		assert.Equal(t, KindBlock, c.Kind)
	}
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 60, chunks[0].EndLine)
	assert.Equal(t, 61, chunks[1].StartLine)
}

func TestChunkDir(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "pkg/math.go", goSample)
	writeTestFile(t, root, "scripts/run.py", "def main():\n    pass\n")
	writeTestFile(t, root, "README.md", "# readme, not source")
	writeTestFile(t, root, "vendor/dep.go", "package dep")
	writeTestFile(t, root, ".git/objects/junk.go", "package junk")

	chunks, err := ChunkDir(root)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	files := map[string]bool{}
	for _, c := range chunks {
		files[c.FilePath] = true
	}
	assert.True(t, files["pkg/math.go"], "paths are relative to root with forward slashes")
	assert.True(t, files["scripts/run.py"])
	assert.False(t, files["README.md"], "unsupported extensions are skipped")
	assert.False(t, files["vendor/dep.go"], "vendored trees are not descended")
	assert.False(t, files[".git/objects/junk.go"])

	assert.Regexp(t, `^pkg/math\.go:1:\d+$`, chunks[0].ID,
		"chunk IDs carry the relative path")
}

func writeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 0.001)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 0.001)
	assert.Zero(t, cosine(nil, []float32{1}))
	assert.Zero(t, cosine([]float32{1, 2}, []float32{1}))
}

func TestIndexHybridRanking(t *testing.T) {
	idx := NewIndex([]EmbeddedChunk{
		{Chunk: Chunk{ID: "a", Content: "render markdown to terminal"}, Vector: []float32{1, 0}},
		{Chunk: Chunk{ID: "b", Content: "render html templates"}, Vector: []float32{0, 1}},
		{Chunk: Chunk{ID: "c", Content: "load config from disk"}, Vector: []float32{0.9, 0.1}},
	})

	hits := idx.Search([]float32{1, 0}, "config loading", 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c", hits[0].ID, "vector-close plus keyword match wins")

	// Limit caps the result list.
	assert.Len(t, idx.Search([]float32{1, 0}, "config", 1), 1)
}

func TestSelectWithinBudget(t *testing.T) {
	hits := []ScoredChunk{
		{EmbeddedChunk: EmbeddedChunk{Chunk: Chunk{ID: "a", Content: string(make([]byte, 400))}}, Score: 0.9}, // 100 tokens
		{EmbeddedChunk: EmbeddedChunk{Chunk: Chunk{ID: "b", Content: string(make([]byte, 400))}}, Score: 0.8},
		{EmbeddedChunk: EmbeddedChunk{Chunk: Chunk{ID: "c", Content: "tiny"}}, Score: 0.7}, // 1 token
	}

	out := SelectWithinBudget(hits, 150)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "c", out[1].ID, "oversized b skipped, smaller c still fits")
}

func embeddingServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type datum struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []datum `json:"data"`
		}{}
		for i := range req.Input {
			resp.Data = append(resp.Data, datum{Index: i, Embedding: []float32{float32(len(req.Input[i])), 1}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbedChunksUsesCache(t *testing.T) {
	var calls atomic.Int64
	srv := embeddingServer(t, &calls)
	defer srv.Close()

	store, err := data.Open(t.TempDir(), "test-key")
	require.NoError(t, err)
	defer store.Close()

	e := NewEmbedder(srv.URL, "embed-model", store)
	chunks := []Chunk{
		{ID: "f:1:5", Content: "alpha"},
		{ID: "f:6:9", Content: "beta"},
	}

	first, err := e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.NotEmpty(t, first[0].Vector)
	assert.Equal(t, int64(1), calls.Load())

	// Unchanged content hits the cache; no server call.
	second, err := e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, first[0].Vector, second[0].Vector)
	assert.Equal(t, int64(1), calls.Load())

	// Edited content invalidates only its own entry.
	chunks[1].Content = "beta edited"
	_, err = e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestEmbedQueryAndServerError(t *testing.T) {
	var calls atomic.Int64
	srv := embeddingServer(t, &calls)
	defer srv.Close()

	e := NewEmbedder(srv.URL, "embed-model", nil)
	vec, err := e.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 2)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	_, err = NewEmbedder(broken.URL, "m", nil).EmbedQuery(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
