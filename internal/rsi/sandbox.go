package rsi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ChangeOp is one file operation in a hypothesis.
type ChangeOp string

const (
	// OpModify replaces Old with New exactly once in the file.
	OpModify ChangeOp = "modify"
	// OpCreate writes Content to a new file.
	OpCreate ChangeOp = "create"
	// OpDelete removes the file.
	OpDelete ChangeOp = "delete"
)

// Change is one proposed file edit.
type Change struct {
	Op      ChangeOp `json:"op"`
	Old     string   `json:"old,omitempty"`
	New     string   `json:"new,omitempty"`
	Content string   `json:"content,omitempty"`
}

// Sandbox stages originals before changes are applied so any failure or
// rejection can be rolled back file by file.
type Sandbox struct {
	root string // tree being modified
	dir  string // backup staging area

	backups map[string][]byte // path -> original content
	created []string          // paths that did not exist before
}

// NewSandbox stages under dir for changes applied inside root.
func NewSandbox(root, dir string) *Sandbox {
	return &Sandbox{
		root:    root,
		dir:     dir,
		backups: make(map[string][]byte),
	}
}

// Apply performs every change, staging originals first. On the first
// failure it stops and the caller should Rollback.
func (s *Sandbox) Apply(changes map[string]Change) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create sandbox dir: %w", err)
	}

	for rel, change := range changes {
		if err := s.applyOne(rel, change); err != nil {
			return fmt.Errorf("apply %s to %s: %w", change.Op, rel, err)
		}
	}
	return nil
}

func (s *Sandbox) applyOne(rel string, change Change) error {
	path := filepath.Join(s.root, rel)

	switch change.Op {
	case OpModify:
		original, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read target: %w", err)
		}
		if !strings.Contains(string(original), change.Old) {
			return fmt.Errorf("old text not found")
		}
		if err := s.stage(rel, original); err != nil {
			return err
		}
		updated := strings.Replace(string(original), change.Old, change.New, 1)
		return os.WriteFile(path, []byte(updated), 0o644)

	case OpCreate:
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("target already exists")
		}
		s.created = append(s.created, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create parent: %w", err)
		}
		return os.WriteFile(path, []byte(change.Content), 0o644)

	case OpDelete:
		original, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read target: %w", err)
		}
		if err := s.stage(rel, original); err != nil {
			return err
		}
		return os.Remove(path)

	default:
		return fmt.Errorf("unknown change op %q", change.Op)
	}
}

// stage backs up a file's original content, in memory and on disk.
func (s *Sandbox) stage(rel string, content []byte) error {
	if _, ok := s.backups[rel]; ok {
		return nil
	}
	s.backups[rel] = content

	backupPath := filepath.Join(s.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return fmt.Errorf("stage dir: %w", err)
	}
	if err := os.WriteFile(backupPath, content, 0o644); err != nil {
		return fmt.Errorf("stage backup: %w", err)
	}
	return nil
}

// Rollback restores every staged original and removes created files. It
// keeps going past individual failures and reports the first one.
func (s *Sandbox) Rollback() error {
	var firstErr error

	for rel, content := range s.backups {
		path := filepath.Join(s.root, rel)
		if err := os.WriteFile(path, content, 0o644); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restore %s: %w", rel, err)
		}
	}
	for _, rel := range s.created {
		path := filepath.Join(s.root, rel)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove created %s: %w", rel, err)
		}
	}
	return firstErr
}

// Commit discards the staging area after an accepted iteration.
func (s *Sandbox) Commit() error {
	s.backups = make(map[string][]byte)
	s.created = nil
	return os.RemoveAll(s.dir)
}
