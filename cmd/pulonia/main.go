package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pulonia/internal/config"
	"pulonia/internal/logging"
)

var (
	// Set by the release build
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes follow diff(1): 1 means the inputs differ, 2 means trouble.
const (
	exitOK      = 0
	exitChanges = 1
	exitError   = 2
)

// errChanges is returned by commands that found differences. It is not
// printed as an error.
var errChanges = errors.New("changes detected")

// app holds what every command shares once flags are parsed.
type app struct {
	cfgFile   string
	logLevel  string
	logFormat string
	logDir    string
	workers   int

	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errChanges):
		return exitChanges
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "pulonia",
		Short: "Generate incremental update patches from two releases",
		Long: `pulonia snapshots two releases of a file tree, classifies every file as
added, modified, deleted or unchanged by content hash, and packages the
changed files into a patch archive together with a migration manifest.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", config.DefaultPath, "config file")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "text", "log format (text, json)")
	flags.StringVar(&a.logDir, "log-dir", "", "also append logs to <dir>/"+logging.FileName)
	flags.IntVar(&a.workers, "workers", 0, "concurrent file hashing (default from config, 2*NumCPU)")

	root.AddCommand(
		newGenerateCmd(a),
		newSnapshotCmd(a),
		newDiffCmd(a),
		newVerifyCmd(a),
		newProveCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup builds the logger and loads the config. Flags set on the command
// line win over the config file.
func (a *app) setup(cmd *cobra.Command) error {
	logger, closer, err := logging.New(logging.Options{
		Level:  a.logLevel,
		Format: a.logFormat,
		Dir:    a.logDir,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.logger = logger
	a.closer = closer

	cfg, err := config.LoadConfig(a.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = a.workers
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	logger.Debug("configuration loaded",
		"path", a.cfgFile,
		"workers", cfg.Workers,
		"format", cfg.Format,
		"output_dir", cfg.OutputDir,
		"exclude", len(cfg.Exclude))
	return nil
}

func (a *app) close() {
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// needs neither config nor logger
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pulonia %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
