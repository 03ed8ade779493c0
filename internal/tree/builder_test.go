package tree

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"pulonia/internal/hash"
	"pulonia/internal/progress"
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

func mustHash(t *testing.T, path string) string {
	t.Helper()
	h, err := hash.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	return h
}

func build(t *testing.T, b *Builder, root string) *Tree {
	t.Helper()
	tree, err := b.Build(context.Background(), root)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return tree
}

func TestBuild_SingleFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "file1.txt")
	writeTree(t, tmpDir, map[string]string{"file1.txt": "content A"})

	tree := build(t, &Builder{}, path)

	if tree.Root.Kind != FileKind {
		t.Fatalf("Expected file root, got %s", tree.Root.Kind)
	}
	if tree.Root.Name != "file1.txt" {
		t.Errorf("Expected name file1.txt, got %q", tree.Root.Name)
	}
	if tree.Root.Hash != mustHash(t, path) {
		t.Error("File root hash should be the content hash")
	}

	entries := tree.Flatten()
	if len(entries) != 1 || entries[0].Path != "file1.txt" {
		t.Errorf("Unexpected flatten result %+v", entries)
	}
}

func TestBuild_DirectoryHashCanonicalOrder(t *testing.T) {
	tmpDir := t.TempDir()
	writeTree(t, tmpDir, map[string]string{
		"c.txt":     "three",
		"a.txt":     "one",
		"b/y.txt":   "two-y",
		"b/x.txt":   "two-x",
		"b/z/q.txt": "deep",
	})

	tree := build(t, &Builder{Workers: 4}, tmpDir)

	// files and subdirectories interleave by name at every level
	order := []string{"a.txt", "b/x.txt", "b/y.txt", "b/z/q.txt", "c.txt"}
	digests := make([]string, 0, len(order))
	for _, rel := range order {
		digests = append(digests, mustHash(t, filepath.Join(tmpDir, filepath.FromSlash(rel))))
	}

	if want := hash.HashChildren(digests); tree.Root.Hash != want {
		t.Errorf("Root hash = %s, want %s", tree.Root.Hash, want)
	}

	b := tree.Root.Children[1]
	if b.Name != "b" || !b.IsDir() {
		t.Fatalf("Expected directory b at index 1, got %q", b.Name)
	}
	if want := hash.HashChildren(digests[1:4]); b.Hash != want {
		t.Errorf("Directory b hash = %s, want %s", b.Hash, want)
	}

	entries := tree.Flatten()
	if len(entries) != len(order) {
		t.Fatalf("Expected %d entries, got %d", len(order), len(entries))
	}
	for i, e := range entries {
		if e.Path != order[i] {
			t.Errorf("entry %d: expected %q, got %q", i, order[i], e.Path)
		}
		if e.Hash != digests[i] {
			t.Errorf("entry %s: hash mismatch", e.Path)
		}
	}
}

func TestBuild_DeterministicAcrossCreationOrder(t *testing.T) {
	files := map[string]string{
		"lib/a.so":      "a",
		"lib/b.so":      "b",
		"bin/app":       "app",
		"README":        "readme",
		"lib/x/data.db": "data",
	}

	dir1 := t.TempDir()
	dir2 := t.TempDir()

	// write the second copy in reverse order of the first
	names := []string{"lib/x/data.db", "README", "bin/app", "lib/b.so", "lib/a.so"}
	for _, rel := range names {
		writeTree(t, dir1, map[string]string{rel: files[rel]})
	}
	for i := len(names) - 1; i >= 0; i-- {
		writeTree(t, dir2, map[string]string{names[i]: files[names[i]]})
	}

	tree1 := build(t, &Builder{Workers: 1}, dir1)
	tree2 := build(t, &Builder{Workers: 8}, dir2)
	again := build(t, &Builder{Workers: 3}, dir1)

	if tree1.Root.Hash != tree2.Root.Hash {
		t.Error("Same content should produce the same root hash")
	}
	if tree1.Root.Hash != again.Root.Hash {
		t.Error("Rescanning should produce the same root hash")
	}
}

func TestBuild_ContentChangeChangesHash(t *testing.T) {
	tmpDir := t.TempDir()
	writeTree(t, tmpDir, map[string]string{"a/b.txt": "x"})
	before := build(t, &Builder{}, tmpDir)

	writeTree(t, tmpDir, map[string]string{"a/b.txt": "y"})
	after := build(t, &Builder{}, tmpDir)

	if before.Root.Hash == after.Root.Hash {
		t.Error("Changed content should change the root hash")
	}
}

func TestBuild_EmptyDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.Mkdir(filepath.Join(tmpDir, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	tree := build(t, &Builder{}, tmpDir)

	if tree.Root.Hash != hash.HashChildren(nil) {
		t.Error("Directory without files should hash the empty concatenation")
	}
	if len(tree.Root.Children) != 1 || !tree.Root.Children[0].IsDir() {
		t.Fatal("Empty subdirectory should be kept as a directory node")
	}
	if entries := tree.Flatten(); len(entries) != 0 {
		t.Errorf("Directories should not be flattened, got %+v", entries)
	}
}

func TestBuild_Exclude(t *testing.T) {
	tmpDir := t.TempDir()
	writeTree(t, tmpDir, map[string]string{
		"keep.txt":        "keep",
		"skip.tmp":        "skip",
		".git/config":     "git",
		"src/main.go":     "main",
		"src/.git/HEAD":   "nested git",
		"src/cache/x.tmp": "tmp",
	})

	tree := build(t, &Builder{Exclude: []string{"*.tmp", ".git/"}}, tmpDir)

	files := tree.FileMap()
	for _, want := range []string{"keep.txt", "src/main.go"} {
		if _, ok := files[want]; !ok {
			t.Errorf("Expected %s in snapshot", want)
		}
	}
	if len(files) != 2 {
		t.Errorf("Expected 2 files, got %v", files)
	}
}

func TestBuild_SymlinkedFileIsFollowed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	tmpDir := t.TempDir()
	writeTree(t, tmpDir, map[string]string{"real.txt": "content"})
	if err := os.Symlink(filepath.Join(tmpDir, "real.txt"), filepath.Join(tmpDir, "link.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(tmpDir, "missing"), filepath.Join(tmpDir, "dangling")); err != nil {
		t.Fatal(err)
	}

	files := build(t, &Builder{}, tmpDir).FileMap()

	if files["link.txt"] == "" || files["link.txt"] != files["real.txt"] {
		t.Errorf("Symlinked file should hash as its target: %v", files)
	}
	if _, ok := files["dangling"]; ok {
		t.Error("Broken symlink inside the tree should be skipped")
	}
}

func TestBuild_NotFound(t *testing.T) {
	_, err := (&Builder{}).Build(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Path == "" {
		t.Error("NotFoundError should carry the path")
	}
}

func TestBuild_BrokenSymlinkRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	tmpDir := t.TempDir()
	link := filepath.Join(tmpDir, "link")
	if err := os.Symlink(filepath.Join(tmpDir, "nowhere"), link); err != nil {
		t.Fatal(err)
	}

	_, err := (&Builder{}).Build(context.Background(), link)
	if !errors.Is(err, ErrUnsupportedPath) {
		t.Fatalf("Expected ErrUnsupportedPath, got %v", err)
	}
}

func TestBuild_UnreadableFile(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	tmpDir := t.TempDir()
	writeTree(t, tmpDir, map[string]string{"ok.txt": "ok", "locked/secret.txt": "secret"})
	locked := filepath.Join(tmpDir, "locked", "secret.txt")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0644) })

	_, err := (&Builder{}).Build(context.Background(), tmpDir)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Expected ErrIO, got %v", err)
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Path != locked {
		t.Errorf("IOError should name %s, got %v", locked, err)
	}

	tree := build(t, &Builder{SkipUnreadable: true}, tmpDir)
	files := tree.FileMap()
	if _, ok := files["locked/secret.txt"]; ok {
		t.Error("Unreadable file should be skipped")
	}
	if _, ok := files["ok.txt"]; !ok {
		t.Error("Readable sibling should survive")
	}
	if len(tree.Unreadable) != 1 || tree.Unreadable[0] != "locked/secret.txt" {
		t.Errorf("Expected Unreadable [locked/secret.txt], got %v", tree.Unreadable)
	}
}

func TestBuild_ProgressFinishedOnError(t *testing.T) {
	tmpDir := t.TempDir()
	writeTree(t, tmpDir, map[string]string{"a.txt": "a", "b.txt": "b"})

	var out bytes.Buffer
	b := &Builder{
		ProgressLabel: "hashing",
		newBar: func(label string, total int64) *progress.Bar {
			return progress.NewWriter(label, total, &out, true)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Build(ctx, tmpDir)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if !strings.HasSuffix(out.String(), "\n") {
		t.Errorf("Progress line should be terminated, got %q", out.String())
	}
}
