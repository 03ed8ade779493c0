package compare

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	difflib "github.com/pmezard/go-difflib/difflib"
)

const diffContext = 3

// UnifiedDiff renders a unified patch for one change, reading the old side
// under oldRoot and the new side under newRoot. Binary content, or content
// larger than maxBytes in total (0 means no limit), yields a one-line note
// instead of hunks.
func UnifiedDiff(oldRoot, newRoot string, change Change, maxBytes int64) (string, error) {
	fromName, toName := "a/"+change.Path, "b/"+change.Path

	var oldData, newData []byte
	var err error
	if change.Type != Added {
		if oldData, err = readLimited(filepath.Join(oldRoot, filepath.FromSlash(change.Path)), maxBytes); err != nil {
			return "", err
		}
	} else {
		fromName = "/dev/null"
	}
	if change.Type != Deleted {
		if newData, err = readLimited(filepath.Join(newRoot, filepath.FromSlash(change.Path)), maxBytes); err != nil {
			return "", err
		}
	} else {
		toName = "/dev/null"
	}

	if oldData == nil && change.Type != Added || newData == nil && change.Type != Deleted ||
		maxBytes > 0 && int64(len(oldData)+len(newData)) > maxBytes {
		return fmt.Sprintf("--- %s\n+++ %s\n# diff omitted (oversize)\n", fromName, toName), nil
	}

	if !isText(oldData) || !isText(newData) {
		return fmt.Sprintf("Binary files %s and %s differ\n", fromName, toName), nil
	}

	u := difflib.UnifiedDiff{
		A:        splitLinesKeepNL(string(oldData)),
		B:        splitLinesKeepNL(string(newData)),
		FromFile: fromName,
		ToFile:   toName,
		Context:  diffContext,
	}
	return difflib.GetUnifiedDiffString(u)
}

// FormatPatch renders unified diffs for every change in result.
func FormatPatch(result *Result, oldRoot, newRoot string, maxBytes int64) (string, error) {
	var out strings.Builder
	for _, group := range [][]Change{result.Added, result.Modified, result.Deleted} {
		for _, change := range group {
			patch, err := UnifiedDiff(oldRoot, newRoot, change, maxBytes)
			if err != nil {
				return "", fmt.Errorf("failed to diff %s: %w", change.Path, err)
			}
			out.WriteString(patch)
		}
	}
	return out.String(), nil
}

// readLimited returns nil data when the file is larger than limit.
func readLimited(path string, limit int64) ([]byte, error) {
	if limit > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() > limit {
			return nil, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func isText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

// splitLinesKeepNL keeps the newline on each line so hunks reproduce the
// file exactly.
func splitLinesKeepNL(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
