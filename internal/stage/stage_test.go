package stage

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"pulonia/internal/tree"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		fullPath := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	return files
}

func TestStage_OnlyChangedFiles(t *testing.T) {
	newRoot := t.TempDir()
	writeTree(t, newRoot, map[string]string{
		"file1.txt": "content A",
		"file2.txt": "content C",
		"file3.txt": "content D",
	})
	staging := filepath.Join(t.TempDir(), "staging")

	s := &Stager{Verify: true}
	result, err := s.Stage(newRoot, []string{"file2.txt", "file3.txt"}, staging)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	if got := listFiles(t, staging); len(got) != 2 || got[0] != "file2.txt" || got[1] != "file3.txt" {
		t.Errorf("staging contains %v", got)
	}
	if len(result.Staged) != 2 || len(result.Failures) != 0 {
		t.Errorf("unexpected result %+v", result)
	}

	data, err := os.ReadFile(filepath.Join(staging, "file2.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content C" {
		t.Errorf("staged file2.txt has %q, want new content", data)
	}
}

func TestStage_NestedPathsAndMode(t *testing.T) {
	newRoot := t.TempDir()
	writeTree(t, newRoot, map[string]string{"bin/tools/run.sh": "#!/bin/sh\n"})
	if err := os.Chmod(filepath.Join(newRoot, "bin", "tools", "run.sh"), 0755); err != nil {
		t.Fatal(err)
	}
	staging := t.TempDir()

	if _, err := (&Stager{}).Stage(newRoot, []string{"bin/tools/run.sh"}, staging); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(staging, "bin", "tools", "run.sh"))
	if err != nil {
		t.Fatalf("nested file not staged: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestStage_AggregatesFailures(t *testing.T) {
	newRoot := t.TempDir()
	writeTree(t, newRoot, map[string]string{"a.txt": "a", "c.txt": "c"})
	staging := t.TempDir()

	result, err := (&Stager{Verify: true}).Stage(newRoot, []string{"a.txt", "missing/b.txt", "c.txt", "../escape.txt"}, staging)
	if err == nil {
		t.Fatal("Stage should report failures")
	}

	var stageErr *Error
	if !errors.As(err, &stageErr) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if len(stageErr.Failures) != 2 || stageErr.Total != 4 {
		t.Errorf("unexpected failures %v", stageErr)
	}
	if !errors.Is(err, tree.ErrIO) {
		t.Error("stage failures should match ErrIO")
	}

	if result == nil || len(result.Staged) != 2 {
		t.Fatalf("remaining files should still be staged: %+v", result)
	}
	if result.Failures[0].Path != "missing/b.txt" || result.Failures[1].Path != "../escape.txt" {
		t.Errorf("failures should name the paths: %v", result.Failures)
	}

	if got := listFiles(t, staging); len(got) != 2 {
		t.Errorf("staging contains %v", got)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(staging), "escape.txt")); err == nil {
		t.Error("escaping path must not be written")
	}
}

func TestStage_RequiresEmptyStagingDir(t *testing.T) {
	newRoot := t.TempDir()
	writeTree(t, newRoot, map[string]string{"a.txt": "a"})
	staging := t.TempDir()
	writeTree(t, staging, map[string]string{"stale.txt": "old"})

	_, err := (&Stager{}).Stage(newRoot, []string{"a.txt"}, staging)
	if !errors.Is(err, ErrStagingNotEmpty) {
		t.Fatalf("Expected ErrStagingNotEmpty, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(staging, "a.txt")); err == nil {
		t.Error("nothing should be staged into a dirty directory")
	}
}

func TestStage_NothingToStage(t *testing.T) {
	staging := filepath.Join(t.TempDir(), "fresh")

	result, err := (&Stager{}).Stage(t.TempDir(), nil, staging)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if len(result.Staged) != 0 {
		t.Errorf("unexpected staged files %v", result.Staged)
	}
	if info, err := os.Stat(staging); err != nil || !info.IsDir() {
		t.Error("staging directory should be created")
	}
}
