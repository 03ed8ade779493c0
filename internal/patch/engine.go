// Package patch runs a full patch generation: two releases in, one patch
// archive and one migration manifest out.
package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"pulonia/internal/archive"
	"pulonia/internal/compare"
	"pulonia/internal/config"
	"pulonia/internal/logging"
	"pulonia/internal/manifest"
	"pulonia/internal/stage"
	"pulonia/internal/tree"
)

// VersionLayout formats the default patch version.
const VersionLayout = "20060102T150405Z"

// Request describes one run. Empty fields fall back to the engine config.
type Request struct {
	Before    string // directory or archive of the previous release
	After     string // directory or archive of the new release
	OutputDir string
	Format    archive.Format
	Version   string
}

// Outcome reports what a run produced. Paths are empty when Empty is true.
type Outcome struct {
	RunID        string
	Version      string
	Empty        bool
	Diff         *compare.Result
	Manifest     *manifest.Manifest
	ArchivePath  string
	ManifestPath string
	Staged       []string
}

type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
	// afterSnapshots runs between hashing and diffing.
	afterSnapshots func(oldTree, newTree *tree.Tree)
	// progress enables a terminal progress bar while staging. Both
	// snapshots hash at the same time, so they run without one.
	progress bool
}

func NewEngine(cfg *config.Config, logger *slog.Logger, progress bool) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{cfg: cfg, logger: logger, now: time.Now, progress: progress}
}

// Run generates the patch described by req.
//
// A staging failure does not discard the run: the files that could be
// staged are still archived, the manifest is still written, and the
// returned error is the *stage.Error listing every failed path.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	logger, runID := logging.WithRun(e.logger)

	req, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	logger.Info("starting patch generation",
		"before", req.Before,
		"after", req.After,
		"output", req.OutputDir,
		"format", req.Format,
		"version", req.Version,
		"os", runtime.GOOS,
		"arch", runtime.GOARCH)

	workDir, err := os.MkdirTemp(e.cfg.TempDir, "pulonia-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove temp directory", "path", workDir, "error", err)
		}
	}()

	oldTree, newTree, err := e.snapshots(ctx, logger, req, workDir)
	if err != nil {
		return nil, err
	}

	if e.afterSnapshots != nil {
		e.afterSnapshots(oldTree, newTree)
	}

	diff := compare.Compare(oldTree, newTree)
	keepUnreadable(diff, newTree.Unreadable, logger)
	logger.Info("diff complete",
		"added", len(diff.Added),
		"modified", len(diff.Modified),
		"deleted", len(diff.Deleted),
		"unchanged", len(diff.Unchanged))

	m, err := manifest.Build(diff)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest: %w", err)
	}

	outcome := &Outcome{
		RunID:    runID,
		Version:  req.Version,
		Diff:     diff,
		Manifest: m,
	}

	if m.IsEmpty() {
		logger.Info("no changes between releases, nothing to package")
		outcome.Empty = true
		return outcome, nil
	}

	stagingDir := filepath.Join(workDir, "staging")
	stager := &stage.Stager{
		Logger:        logger,
		Verify:        e.cfg.VerifyStaged,
		ProgressLabel: e.label("staging"),
	}
	staged, stageErr := stager.Stage(newTree.SourceDir(), m.UpdatePaths(), stagingDir)
	if staged == nil {
		return nil, stageErr
	}
	outcome.Staged = staged.Staged

	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	outcome.ArchivePath = filepath.Join(req.OutputDir, fmt.Sprintf("patch_%s.%s", req.Version, req.Format.Ext()))
	if err := archive.Create(stagingDir, outcome.ArchivePath, req.Format); err != nil {
		return nil, fmt.Errorf("failed to create patch archive: %w", err)
	}
	logger.Info("patch archive written", "path", outcome.ArchivePath, "files", len(staged.Staged))

	outcome.ManifestPath = filepath.Join(req.OutputDir, fmt.Sprintf("migration_%s.json", req.Version))
	if err := m.WriteFile(outcome.ManifestPath); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	logger.Info("manifest written", "path", outcome.ManifestPath)

	if stageErr != nil {
		return outcome, stageErr
	}
	return outcome, nil
}

func (e *Engine) resolve(req Request) (Request, error) {
	if req.Before == "" || req.After == "" {
		return req, errors.New("both before and after paths are required")
	}
	if req.OutputDir == "" {
		req.OutputDir = e.cfg.OutputDir
	}
	if req.Format == "" {
		format, err := archive.ParseFormat(e.cfg.Format)
		if err != nil {
			return req, err
		}
		req.Format = format
	}
	if req.Version == "" {
		req.Version = e.now().UTC().Format(VersionLayout)
	}
	return req, nil
}

// snapshots builds both trees concurrently. Either failure cancels the other.
func (e *Engine) snapshots(ctx context.Context, logger *slog.Logger, req Request, workDir string) (*tree.Tree, *tree.Tree, error) {
	var oldTree, newTree *tree.Tree

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := e.snapshot(gctx, logger, req.Before, filepath.Join(workDir, "before"))
		if err != nil {
			return fmt.Errorf("before: %w", err)
		}
		oldTree = t
		return nil
	})
	g.Go(func() error {
		t, err := e.snapshot(gctx, logger, req.After, filepath.Join(workDir, "after"))
		if err != nil {
			return fmt.Errorf("after: %w", err)
		}
		newTree = t
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return oldTree, newTree, nil
}

// snapshot builds the tree of input, extracting it into extractDir first
// when it is an archive file. It runs concurrently for both releases.
func (e *Engine) snapshot(ctx context.Context, logger *slog.Logger, input, extractDir string) (*tree.Tree, error) {
	root, err := e.prepareInput(logger, input, extractDir)
	if err != nil {
		return nil, err
	}

	builder := &tree.Builder{
		Exclude:        e.cfg.Exclude,
		Workers:        e.cfg.Workers,
		SkipUnreadable: e.cfg.SkipUnreadable,
		Logger:         logger,
	}
	t, err := builder.Build(ctx, root)
	if err != nil {
		return nil, err
	}
	logger.Info("snapshot built", "input", input, "root_hash", t.Root.Hash)
	return t, nil
}

func (e *Engine) prepareInput(logger *slog.Logger, input, extractDir string) (string, error) {
	info, err := os.Stat(input)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &tree.NotFoundError{Path: input}
		}
		return "", &tree.IOError{Path: input, Op: "stat", Err: err}
	}
	if info.IsDir() {
		return input, nil
	}

	if !archive.IsArchive(input) {
		// a plain file is snapshotted as a single-file tree
		return input, nil
	}

	logger.Info("extracting archive", "src", input, "dst", extractDir)
	if err := os.MkdirAll(extractDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}
	if err := archive.Extract(input, extractDir); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", input, err)
	}
	return extractDir, nil
}

func (e *Engine) label(s string) string {
	if !e.progress {
		return ""
	}
	return s
}

// keepUnreadable drops deletions of files that exist in the new release but
// were skipped as unreadable, so clients are never told to remove them.
func keepUnreadable(diff *compare.Result, unreadable []string, logger *slog.Logger) {
	if len(unreadable) == 0 {
		return
	}

	skipped := make(map[string]bool, len(unreadable))
	for _, p := range unreadable {
		skipped[p] = true
	}

	kept := diff.Deleted[:0]
	for _, change := range diff.Deleted {
		if skipped[change.Path] {
			logger.Warn("file unreadable in new release, not deleting it", "path", change.Path)
			continue
		}
		kept = append(kept, change)
	}
	diff.Deleted = kept
	logger.Warn("unreadable files left out of the new snapshot", "count", len(unreadable))
}
