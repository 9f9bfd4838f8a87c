package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(RunCommand{})
	r.Register(FindFiles{})
	r.Register(ReadFile{})

	_, ok := r.Get("run_command")
	assert.True(t, ok)
	_, ok = r.Get("ghost_tool")
	assert.False(t, ok)

	assert.Equal(t, []string{"find_files", "read_file", "run_command"}, r.Names())

	cat := r.Catalogue()
	assert.Contains(t, cat, "- run_command:")
	assert.Contains(t, cat, "- find_files:")
}

func TestRunCommandCapturesOutput(t *testing.T) {
	out, err := RunCommand{}.Execute(context.Background(),
		map[string]string{"cmd": "echo hello world"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)
}

func TestRunCommandReportsExitCode(t *testing.T) {
	out, err := RunCommand{}.Execute(context.Background(),
		map[string]string{"cmd": "echo partial; echo oops >&2; exit 3"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "oops")
	assert.Equal(t, "partial\n", out, "stdout is captured even on failure")
}

func TestRunCommandHonorsWorkDir(t *testing.T) {
	dir := t.TempDir()
	out, err := RunCommand{}.Execute(context.Background(),
		map[string]string{"cmd": "pwd"}, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(out))
}

func TestRunCommandTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := RunCommand{}.Execute(ctx,
		map[string]string{"cmd": "sleep 5"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunCommandRequiresCmd(t *testing.T) {
	_, err := RunCommand{}.Execute(context.Background(), map[string]string{}, "")
	assert.Error(t, err)
}

func TestFindFilesGlobAndSubstring(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hyprland.conf"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "app.py"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	ctx := context.Background()

	out, err := FindFiles{}.Execute(ctx, map[string]string{"pattern": "*.py", "path": dir}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "app.py")
	assert.NotContains(t, out, "notes.txt")

	// A bare substring matches as *substring*.
	out, err = FindFiles{}.Execute(ctx, map[string]string{"pattern": "hyprland", "path": dir}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "hyprland.conf")
}

func TestFindFilesSkipsVendoredDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "config.py"), nil, 0o644))

	out, err := FindFiles{}.Execute(context.Background(),
		map[string]string{"pattern": "*.py", "path": dir}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "No files matching")
}

func TestFindFilesNoMatches(t *testing.T) {
	out, err := FindFiles{}.Execute(context.Background(),
		map[string]string{"pattern": "*.zig", "path": t.TempDir()}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "No files matching")
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("contents here"), 0o644))

	// Relative paths resolve against workDir.
	out, err := ReadFile{}.Execute(context.Background(),
		map[string]string{"path": "hello.txt"}, dir)
	require.NoError(t, err)
	assert.Equal(t, "contents here", out)

	_, err = ReadFile{}.Execute(context.Background(),
		map[string]string{"path": "missing.txt"}, dir)
	assert.Error(t, err)
}

func TestWriteFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	out, err := WriteFile{}.Execute(context.Background(), map[string]string{
		"path":    "nested/deep/out.txt",
		"content": "written",
	}, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "7 bytes")

	data, err := os.ReadFile(filepath.Join(dir, "nested", "deep", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestListDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.go"), nil, 0o644))

	out, err := ListDir{}.Execute(context.Background(), map[string]string{}, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "subdir/")
	assert.Contains(t, out, "file.go")
}

func TestTruncate(t *testing.T) {
	short := "abc"
	assert.Equal(t, short, Truncate(short))

	long := strings.Repeat("x", MaxOutputBytes+100)
	out := Truncate(long)
	assert.Contains(t, out, "truncated")
	assert.Less(t, len(out), len(long))
}
