// Package ingestion turns source files into embedded, searchable chunks
// and ranks them against queries under a token budget.
package ingestion

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ChunkKind classifies what a chunk contains.
type ChunkKind string

const (
	KindFunction ChunkKind = "function"
	KindClass    ChunkKind = "class"
	KindModule   ChunkKind = "module"
	KindBlock    ChunkKind = "block"
)

// Chunk is one retrievable slice of a source file. The ID is
// "file:start:end" and is stable across runs for unchanged content.
type Chunk struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	FilePath  string            `json:"file_path"`
	StartLine int               `json:"start_line"`
	EndLine   int               `json:"end_line"`
	Language  string            `json:"language"`
	Kind      ChunkKind         `json:"kind"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// blockLines is the fallback chunk size for languages without boundary
// patterns.
const blockLines = 60

// languageByExt maps file extensions to language tags.
var languageByExt = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".sh":   "shell",
}

// boundary starts a new chunk and names its kind.
type boundary struct {
	regex *regexp.Regexp
	kind  ChunkKind
}

// boundariesByLanguage holds the top-level declaration patterns per
// language. Order matters: the first match wins.
var boundariesByLanguage = map[string][]boundary{
	"go": {
		{regexp.MustCompile(`^func\s`), KindFunction},
		{regexp.MustCompile(`^type\s+\w+\s+(struct|interface)\b`), KindClass},
	},
	"python": {
		{regexp.MustCompile(`^def\s`), KindFunction},
		{regexp.MustCompile(`^class\s`), KindClass},
	},
	"javascript": {
		{regexp.MustCompile(`^(export\s+)?(async\s+)?function\s`), KindFunction},
		{regexp.MustCompile(`^(export\s+)?class\s`), KindClass},
	},
	"typescript": {
		{regexp.MustCompile(`^(export\s+)?(async\s+)?function\s`), KindFunction},
		{regexp.MustCompile(`^(export\s+)?(abstract\s+)?class\s`), KindClass},
	},
	"rust": {
		{regexp.MustCompile(`^(pub\s+)?(async\s+)?fn\s`), KindFunction},
		{regexp.MustCompile(`^(pub\s+)?(struct|enum|trait)\s|^impl\b`), KindClass},
	},
}

// ChunkFile splits file content at language-aware declaration boundaries.
// Unknown languages fall back to fixed-size blocks. Line numbers are
// 1-based and inclusive.
func ChunkFile(path, content string) []Chunk {
	lang := languageByExt[strings.ToLower(filepath.Ext(path))]
	lines := strings.Split(content, "\n")

	bounds, ok := boundariesByLanguage[lang]
	if !ok {
		return blockChunks(path, lang, lines)
	}

	var chunks []Chunk
	start := 0
	kind := KindModule
	for i, line := range lines {
		matched, matchedKind := matchBoundary(bounds, line)
		if !matched || i == start {
			continue
		}
		if c, ok := makeChunk(path, lang, lines, start, i-1, kind); ok {
			chunks = append(chunks, c)
		}
		start = i
		kind = matchedKind
	}
	if c, ok := makeChunk(path, lang, lines, start, len(lines)-1, kind); ok {
		chunks = append(chunks, c)
	}
	return chunks
}

func matchBoundary(bounds []boundary, line string) (bool, ChunkKind) {
	for _, b := range bounds {
		if b.regex.MatchString(line) {
			return true, b.kind
		}
	}
	return false, ""
}

// blockChunks slices the file into fixed-size line blocks.
func blockChunks(path, lang string, lines []string) []Chunk {
	var chunks []Chunk
	for start := 0; start < len(lines); start += blockLines {
		end := start + blockLines - 1
		if end >= len(lines) {
			end = len(lines) - 1
		}
		if c, ok := makeChunk(path, lang, lines, start, end, KindBlock); ok {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// makeChunk builds a chunk over an inclusive 0-based line range, dropping
// whitespace-only ranges.
func makeChunk(path, lang string, lines []string, start, end int, kind ChunkKind) (Chunk, bool) {
	content := strings.Join(lines[start:end+1], "\n")
	if strings.TrimSpace(content) == "" {
		return Chunk{}, false
	}
	return Chunk{
		ID:        fmt.Sprintf("%s:%d:%d", path, start+1, end+1),
		Content:   content,
		FilePath:  path,
		StartLine: start + 1,
		EndLine:   end + 1,
		Language:  lang,
		Kind:      kind,
	}, true
}

// skipDirs are never descended into when chunking a tree.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// ChunkDir chunks every supported source file under root. Paths inside the
// chunks are relative to root, so chunk IDs stay stable when the tree moves.
// Unreadable entries are skipped, not fatal.
func ChunkDir(root string) ([]Chunk, error) {
	var chunks []Chunk
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if _, ok := languageByExt[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		chunks = append(chunks, ChunkFile(filepath.ToSlash(rel), string(content))...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return chunks, nil
}

// EstimateTokens approximates the token count of text at four characters
// per token, never below one for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}
