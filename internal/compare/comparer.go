package compare

import (
	"fmt"
	"sort"
	"strings"

	"pulonia/internal/tree"
)

type ChangeType string

const (
	Added     ChangeType = "ADDED"
	Modified  ChangeType = "MODIFIED"
	Deleted   ChangeType = "DELETED"
	Unchanged ChangeType = "UNCHANGED"
)

// Change describes one file path. OldHash is empty for Added paths and
// NewHash is empty for Deleted ones.
type Change struct {
	Type    ChangeType
	Path    string
	OldHash string
	NewHash string
}

// Result classifies every file path of two snapshots exactly once. Each
// slice is sorted by path.
type Result struct {
	Added     []Change
	Modified  []Change
	Deleted   []Change
	Unchanged []string
}

func (r *Result) HasChanges() bool {
	return len(r.Added) > 0 || len(r.Modified) > 0 || len(r.Deleted) > 0
}

// Changed returns the Added and Modified changes merged in path order. These
// are the paths whose new content ships in a patch.
func (r *Result) Changed() []Change {
	changed := make([]Change, 0, len(r.Added)+len(r.Modified))
	changed = append(changed, r.Added...)
	changed = append(changed, r.Modified...)
	sort.Slice(changed, func(i, j int) bool {
		return changed[i].Path < changed[j].Path
	})
	return changed
}

// Classify maps every path of both snapshots to its class.
func (r *Result) Classify() map[string]ChangeType {
	classes := make(map[string]ChangeType, len(r.Added)+len(r.Modified)+len(r.Deleted)+len(r.Unchanged))
	for _, group := range [][]Change{r.Added, r.Modified, r.Deleted} {
		for _, c := range group {
			classes[c.Path] = c.Type
		}
	}
	for _, p := range r.Unchanged {
		classes[p] = Unchanged
	}
	return classes
}

// Compare flattens both trees and classifies their file paths. A path that
// is a file on one side and a directory on the other is not reconciled:
// only file paths are compared.
func Compare(oldTree, newTree *tree.Tree) *Result {
	return CompareMaps(oldTree.FileMap(), newTree.FileMap())
}

// CompareMaps classifies path -> hash maps.
func CompareMaps(oldFiles, newFiles map[string]string) *Result {
	result := &Result{
		Added:     make([]Change, 0),
		Modified:  make([]Change, 0),
		Deleted:   make([]Change, 0),
		Unchanged: make([]string, 0),
	}

	for path, newHash := range newFiles {
		oldHash, exists := oldFiles[path]
		switch {
		case !exists:
			result.Added = append(result.Added, Change{Type: Added, Path: path, NewHash: newHash})
		case oldHash != newHash:
			result.Modified = append(result.Modified, Change{Type: Modified, Path: path, OldHash: oldHash, NewHash: newHash})
		default:
			result.Unchanged = append(result.Unchanged, path)
		}
	}

	for path, oldHash := range oldFiles {
		if _, exists := newFiles[path]; !exists {
			result.Deleted = append(result.Deleted, Change{Type: Deleted, Path: path, OldHash: oldHash})
		}
	}

	// Sort for deterministic output
	byPath := func(changes []Change) {
		sort.Slice(changes, func(i, j int) bool {
			return changes[i].Path < changes[j].Path
		})
	}
	byPath(result.Added)
	byPath(result.Modified)
	byPath(result.Deleted)
	sort.Strings(result.Unchanged)

	return result
}

func FormatReport(result *Result) string {
	if !result.HasChanges() {
		return "No changes detected."
	}

	var report strings.Builder
	report.WriteString("Changes detected:\n\n")

	if len(result.Added) > 0 {
		fmt.Fprintf(&report, "ADDED (%d files):\n", len(result.Added))
		for _, change := range result.Added {
			fmt.Fprintf(&report, "  + %s (hash: %s)\n", change.Path, change.NewHash)
		}
		report.WriteString("\n")
	}

	if len(result.Modified) > 0 {
		fmt.Fprintf(&report, "MODIFIED (%d files):\n", len(result.Modified))
		for _, change := range result.Modified {
			fmt.Fprintf(&report, "  ~ %s\n", change.Path)
			fmt.Fprintf(&report, "    Old: hash=%s\n", change.OldHash)
			fmt.Fprintf(&report, "    New: hash=%s\n", change.NewHash)
		}
		report.WriteString("\n")
	}

	if len(result.Deleted) > 0 {
		fmt.Fprintf(&report, "DELETED (%d files):\n", len(result.Deleted))
		for _, change := range result.Deleted {
			fmt.Fprintf(&report, "  - %s (hash: %s)\n", change.Path, change.OldHash)
		}
		report.WriteString("\n")
	}

	fmt.Fprintf(&report, "Summary: %d added, %d modified, %d deleted, %d unchanged\n",
		len(result.Added), len(result.Modified), len(result.Deleted), len(result.Unchanged))

	return report.String()
}
