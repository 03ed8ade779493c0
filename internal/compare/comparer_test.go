package compare

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pulonia/internal/tree"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		fullPath := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}
	}
}

func snapshot(t *testing.T, files map[string]string) (*tree.Tree, string) {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, files)
	snap, err := (&tree.Builder{}).Build(context.Background(), root)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return snap, root
}

func paths(changes []Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Path)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCompare_SameTree(t *testing.T) {
	snap, _ := snapshot(t, map[string]string{"file1.txt": "content A", "file2.txt": "content B"})

	result := Compare(snap, snap)

	if result.HasChanges() {
		t.Errorf("Tree compared with itself should have no changes: %+v", result)
	}
	if !equalStrings(result.Unchanged, []string{"file1.txt", "file2.txt"}) {
		t.Errorf("Unexpected unchanged set %v", result.Unchanged)
	}
}

func TestCompare_MixedChange(t *testing.T) {
	oldSnap, _ := snapshot(t, map[string]string{"file1.txt": "content A", "file2.txt": "content B"})
	newSnap, _ := snapshot(t, map[string]string{"file1.txt": "content A", "file2.txt": "content C", "file3.txt": "content D"})

	result := Compare(oldSnap, newSnap)

	if !equalStrings(paths(result.Added), []string{"file3.txt"}) {
		t.Errorf("Added = %v", paths(result.Added))
	}
	if !equalStrings(paths(result.Modified), []string{"file2.txt"}) {
		t.Errorf("Modified = %v", paths(result.Modified))
	}
	if len(result.Deleted) != 0 {
		t.Errorf("Deleted = %v", paths(result.Deleted))
	}
	if !equalStrings(result.Unchanged, []string{"file1.txt"}) {
		t.Errorf("Unchanged = %v", result.Unchanged)
	}

	newFiles := newSnap.FileMap()
	if result.Modified[0].NewHash != newFiles["file2.txt"] || result.Modified[0].OldHash == result.Modified[0].NewHash {
		t.Error("Modified change should carry both hashes")
	}
	if !equalStrings(paths(result.Changed()), []string{"file2.txt", "file3.txt"}) {
		t.Errorf("Changed = %v", paths(result.Changed()))
	}
}

func TestCompare_Deletion(t *testing.T) {
	oldSnap, _ := snapshot(t, map[string]string{"a/b.txt": "x"})
	newSnap, _ := snapshot(t, map[string]string{})

	result := Compare(oldSnap, newSnap)

	if len(result.Added) != 0 || len(result.Modified) != 0 {
		t.Errorf("Unexpected additions: %+v", result)
	}
	if !equalStrings(paths(result.Deleted), []string{"a/b.txt"}) {
		t.Errorf("Deleted = %v", paths(result.Deleted))
	}
}

func TestCompare_FileBecomesDirectory(t *testing.T) {
	oldSnap, _ := snapshot(t, map[string]string{"a": "file"})
	newSnap, _ := snapshot(t, map[string]string{"a/b.txt": "nested"})

	result := Compare(oldSnap, newSnap)

	if !equalStrings(paths(result.Deleted), []string{"a"}) {
		t.Errorf("Deleted = %v", paths(result.Deleted))
	}
	if !equalStrings(paths(result.Added), []string{"a/b.txt"}) {
		t.Errorf("Added = %v", paths(result.Added))
	}
}

func TestCompareMaps_Partition(t *testing.T) {
	oldFiles := map[string]string{"a": "1", "b": "2", "c": "3", "d/e": "4"}
	newFiles := map[string]string{"a": "1", "b": "20", "d/e": "4", "f": "5", "g/h": "6"}

	result := CompareMaps(oldFiles, newFiles)
	classes := result.Classify()

	union := map[string]bool{}
	for p := range oldFiles {
		union[p] = true
	}
	for p := range newFiles {
		union[p] = true
	}

	total := len(result.Added) + len(result.Modified) + len(result.Deleted) + len(result.Unchanged)
	if total != len(union) {
		t.Errorf("Every path should be classified exactly once: %d classified, %d paths", total, len(union))
	}
	for p := range union {
		if _, ok := classes[p]; !ok {
			t.Errorf("%s not classified", p)
		}
	}

	want := map[string]ChangeType{
		"a": Unchanged, "b": Modified, "c": Deleted, "d/e": Unchanged, "f": Added, "g/h": Added,
	}
	for p, c := range want {
		if classes[p] != c {
			t.Errorf("%s: expected %s, got %s", p, c, classes[p])
		}
	}
}

func TestFormatReport(t *testing.T) {
	if got := FormatReport(CompareMaps(nil, nil)); got != "No changes detected." {
		t.Errorf("Unexpected empty report %q", got)
	}

	report := FormatReport(CompareMaps(
		map[string]string{"old.txt": "1", "mod.txt": "2"},
		map[string]string{"mod.txt": "3", "new.txt": "4"},
	))

	for _, want := range []string{
		"ADDED (1 files):", "  + new.txt",
		"MODIFIED (1 files):", "  ~ mod.txt",
		"DELETED (1 files):", "  - old.txt",
		"Summary: 1 added, 1 modified, 1 deleted, 0 unchanged",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}
