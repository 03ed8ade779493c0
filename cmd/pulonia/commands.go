package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"pulonia/internal/archive"
	"pulonia/internal/compare"
	"pulonia/internal/index"
	"pulonia/internal/manifest"
	"pulonia/internal/patch"
	"pulonia/internal/tree"
)

const defaultMaxDiffBytes = 1 << 20

func newGenerateCmd(a *app) *cobra.Command {
	var (
		before, after string
		patchVersion  string
		bf            buildFlags
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build a patch archive and migration manifest from two releases",
		Long: `Generate snapshots the previous and the new release, each given as a
directory or an archive (zip, tar, tar.gz), and writes
<output>/patch_<version>.<format> with every added or modified file plus
<output>/migration_<version>.json describing updates and deletions.

Nothing is written when the releases are identical.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			bf.apply(fs, a.cfg)
			stringFlag(fs, "output", &a.cfg.OutputDir)
			stringFlag(fs, "format", &a.cfg.Format)
			stringFlag(fs, "temp", &a.cfg.TempDir)
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			format, err := archive.ParseFormat(a.cfg.Format)
			if err != nil {
				return err
			}

			engine := patch.NewEngine(a.cfg, a.logger, true)
			outcome, err := engine.Run(cmd.Context(), patch.Request{
				Before:    before,
				After:     after,
				OutputDir: a.cfg.OutputDir,
				Format:    format,
				Version:   patchVersion,
			})
			if outcome != nil {
				printOutcome(cmd.OutOrStdout(), outcome)
			}
			return err
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&before, "before", "", "previous release (directory or archive)")
	fs.StringVar(&after, "after", "", "new release (directory or archive)")
	fs.StringP("output", "o", "", "output directory (default from config: ota)")
	fs.String("format", "", "patch archive format: zip, tar, tar.gz (default from config: zip)")
	fs.String("temp", "", "directory for extracted inputs and staging (default: system temp)")
	fs.StringVar(&patchVersion, "version", "", "patch version (default: UTC timestamp)")
	bf.register(fs)
	_ = cmd.MarkFlagRequired("before")
	_ = cmd.MarkFlagRequired("after")

	return cmd
}

func printOutcome(w io.Writer, o *patch.Outcome) {
	if o.Empty {
		fmt.Fprintln(w, "No changes detected. Nothing to package.")
		return
	}
	fmt.Fprintf(w, "Patch %s generated\n", o.Version)
	fmt.Fprintf(w, "  Added:    %d\n", len(o.Diff.Added))
	fmt.Fprintf(w, "  Modified: %d\n", len(o.Diff.Modified))
	fmt.Fprintf(w, "  Deleted:  %d\n", len(o.Diff.Deleted))
	fmt.Fprintf(w, "  Staged:   %d\n", len(o.Staged))
	fmt.Fprintf(w, "  Archive:  %s\n", o.ArchivePath)
	fmt.Fprintf(w, "  Manifest: %s\n", o.ManifestPath)
}

func newSnapshotCmd(a *app) *cobra.Command {
	var bf buildFlags

	cmd := &cobra.Command{
		Use:   "snapshot <path> [output.json]",
		Short: "Hash a directory and save its snapshot",
		Long: `Snapshot hashes every file under path and saves the hash tree together
with its index root. Without an output file the snapshot is written to
output/<root-hash>.json.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bf.apply(cmd.Flags(), a.cfg)

			t, err := newBuilder(a, "hashing").Build(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to build snapshot: %w", err)
			}
			entries := t.Flatten()
			ix, err := index.Build(entries)
			if err != nil {
				return err
			}

			doc := tree.NewDocument(t)
			doc.IndexRoot = ix.RootHex()

			outputPath := filepath.Join("output", t.Root.Hash+".json")
			if len(args) == 2 {
				outputPath = args[1]
			}
			if err := tree.Save(doc, outputPath); err != nil {
				return fmt.Errorf("failed to save snapshot: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Snapshot saved")
			fmt.Fprintf(out, "  Root hash:  %s\n", t.Root.Hash)
			fmt.Fprintf(out, "  Index root: %s\n", doc.IndexRoot)
			fmt.Fprintf(out, "  Files:      %d\n", len(entries))
			fmt.Fprintf(out, "  Output:     %s\n", outputPath)
			return nil
		},
	}
	bf.register(cmd.Flags())
	return cmd
}

func newDiffCmd(a *app) *cobra.Command {
	var (
		jsonOut      bool
		withPatch    bool
		maxDiffBytes int64
		bf           buildFlags
	)

	cmd := &cobra.Command{
		Use:   "diff <old> <new>",
		Short: "Classify the files of two paths by content",
		Long: `Diff snapshots both paths and prints which files were added, modified,
deleted or left unchanged. With --json the migration manifest is printed
instead. Exits with status 1 when the paths differ.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bf.apply(cmd.Flags(), a.cfg)
			builder := newBuilder(a, "")

			oldTree, err := builder.Build(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to build snapshot of %s: %w", args[0], err)
			}
			newTree, err := builder.Build(cmd.Context(), args[1])
			if err != nil {
				return fmt.Errorf("failed to build snapshot of %s: %w", args[1], err)
			}

			result := compare.Compare(oldTree, newTree)
			out := cmd.OutOrStdout()

			if jsonOut {
				m, err := manifest.Build(result)
				if err != nil {
					return err
				}
				data, err := m.Marshal()
				if err != nil {
					return err
				}
				if _, err := out.Write(data); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, compare.FormatReport(result))
				if withPatch {
					text, err := compare.FormatPatch(result, oldTree.SourceDir(), newTree.SourceDir(), maxDiffBytes)
					if err != nil {
						return err
					}
					fmt.Fprint(out, text)
				}
			}

			if result.HasChanges() {
				return errChanges
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.BoolVar(&jsonOut, "json", false, "print the migration manifest as JSON")
	fs.BoolVar(&withPatch, "patch", false, "append unified diffs of changed text files")
	fs.Int64Var(&maxDiffBytes, "max-diff-bytes", defaultMaxDiffBytes, "skip unified diffs for files larger than this")
	bf.register(fs)
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var bf buildFlags

	cmd := &cobra.Command{
		Use:   "verify <snapshot.json> <path>",
		Short: "Compare a saved snapshot against a path",
		Long: `Verify re-hashes path and compares it with a snapshot saved by the
snapshot command. Exits with status 1 when anything changed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bf.apply(cmd.Flags(), a.cfg)

			doc, err := tree.Load(args[0])
			if err != nil {
				return fmt.Errorf("failed to load snapshot: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Loaded snapshot (root: %s...)\n", shortHash(doc.Tree.Root.Hash))

			current, err := newBuilder(a, "hashing").Build(cmd.Context(), args[1])
			if err != nil {
				return fmt.Errorf("failed to build snapshot: %w", err)
			}

			result := compare.Compare(doc.Tree, current)
			fmt.Fprintln(out, compare.FormatReport(result))

			changed := result.HasChanges()
			if doc.IndexRoot != "" {
				ix, err := index.Build(current.Flatten())
				if err != nil {
					return err
				}
				if ix.RootHex() == doc.IndexRoot {
					fmt.Fprintln(out, "Index root: match")
				} else {
					fmt.Fprintf(out, "Index root: mismatch (saved %s, current %s)\n", doc.IndexRoot, ix.RootHex())
					changed = true
				}
			}

			if changed {
				return errChanges
			}
			return nil
		},
	}
	bf.register(cmd.Flags())
	return cmd
}

func newProveCmd(a *app) *cobra.Command {
	var bf buildFlags

	cmd := &cobra.Command{
		Use:   "prove <path> <relative/file>",
		Short: "Print the inclusion proof of one file",
		Long: `Prove snapshots path, builds the index over all of its files and prints
the proof that relative/file, with its current hash, is part of that index.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bf.apply(cmd.Flags(), a.cfg)

			t, err := newBuilder(a, "hashing").Build(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to build snapshot: %w", err)
			}
			ix, err := index.Build(t.Flatten())
			if err != nil {
				return err
			}

			proof, err := ix.Prove(filepath.ToSlash(args[1]))
			if err != nil {
				return err
			}
			ok, err := index.Verify(proof, ix.Root)
			if err != nil {
				return fmt.Errorf("failed to verify proof: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Index root: %s\n", ix.RootHex())
			fmt.Fprintf(out, "Entry:      %s %s\n", proof.Entry.Path, proof.Entry.Hash)
			fmt.Fprintf(out, "Position:   %d\n", proof.Position)
			fmt.Fprintf(out, "Siblings:   %d\n", len(proof.Siblings))
			for _, s := range proof.Siblings {
				fmt.Fprintf(out, "  %s\n", hex.EncodeToString(s))
			}
			fmt.Fprintf(out, "Verified:   %t\n", ok)

			if !ok {
				return fmt.Errorf("proof for %s does not verify", proof.Entry.Path)
			}
			return nil
		},
	}
	bf.register(cmd.Flags())
	return cmd
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
