package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// findFilesLimit caps how many matches find_files reports.
	findFilesLimit = 50

	// readFileLimit caps how much of a file read_file returns.
	readFileLimit = 64 * 1024
)

// skipDirs are never descended into during a file search.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".cache":       true,
}

// FindFiles walks a directory tree matching file names against a glob
// pattern.
type FindFiles struct{}

func (FindFiles) Name() string { return "find_files" }

func (FindFiles) Description() string {
	return "Find files by name. Params: pattern (glob, required), path (root, default cwd)."
}

func (FindFiles) Execute(ctx context.Context, params map[string]string, workDir string) (string, error) {
	pattern := strings.TrimSpace(params["pattern"])
	if pattern == "" {
		return "", fmt.Errorf("find_files requires a pattern parameter")
	}

	root := params["path"]
	if root == "" {
		root = workDir
	}
	if root == "" {
		root = "."
	}

	// Bare substrings work too: "hyprland" matches hyprland.conf.
	if !strings.ContainsAny(pattern, "*?[") {
		pattern = "*" + pattern + "*"
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			matches = append(matches, path)
			if len(matches) >= findFilesLimit {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return "", fmt.Errorf("walk %s: %w", root, err)
	}

	if len(matches) == 0 {
		return "No files matching " + pattern, nil
	}
	return Truncate(strings.Join(matches, "\n")), nil
}

// ReadFile returns a file's contents, capped.
type ReadFile struct{}

func (ReadFile) Name() string { return "read_file" }

func (ReadFile) Description() string {
	return "Read a file. Params: path (required)."
}

func (ReadFile) Execute(ctx context.Context, params map[string]string, workDir string) (string, error) {
	path := strings.TrimSpace(params["path"])
	if path == "" {
		return "", fmt.Errorf("read_file requires a path parameter")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > readFileLimit {
		data = data[:readFileLimit]
	}
	return Truncate(string(data)), nil
}

// WriteFile writes content to a path, creating parent directories.
type WriteFile struct{}

func (WriteFile) Name() string { return "write_file" }

func (WriteFile) Description() string {
	return "Write a file. Params: path (required), content."
}

func (WriteFile) Execute(ctx context.Context, params map[string]string, workDir string) (string, error) {
	path := strings.TrimSpace(params["path"])
	if path == "" {
		return "", fmt.Errorf("write_file requires a path parameter")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(params["content"]), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(params["content"]), path), nil
}

// ListDir lists a directory's entries.
type ListDir struct{}

func (ListDir) Name() string { return "list_dir" }

func (ListDir) Description() string {
	return "List directory entries. Params: path (default cwd)."
}

func (ListDir) Execute(ctx context.Context, params map[string]string, workDir string) (string, error) {
	path := params["path"]
	if path == "" {
		path = workDir
	}
	if path == "" {
		path = "."
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", path, err)
	}

	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			sb.WriteString(e.Name() + "/\n")
		} else {
			sb.WriteString(e.Name() + "\n")
		}
	}
	return Truncate(sb.String()), nil
}
