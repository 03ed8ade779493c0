package main

import (
	"github.com/spf13/pflag"

	"pulonia/internal/config"
	"pulonia/internal/tree"
)

// buildFlags are shared by every command that snapshots a directory.
type buildFlags struct {
	exclude        []string
	skipUnreadable bool
}

func (b *buildFlags) register(fs *pflag.FlagSet) {
	fs.StringSliceVar(&b.exclude, "exclude", nil, "exclude pattern, added to the config list (repeatable)")
	fs.BoolVar(&b.skipUnreadable, "skip-unreadable", false, "skip files that cannot be read instead of failing")
}

// apply merges the flags into cfg. Only flags given on the command line
// override config values.
func (b *buildFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	cfg.Exclude = append(cfg.Exclude, b.exclude...)
	if fs.Changed("skip-unreadable") {
		cfg.SkipUnreadable = b.skipUnreadable
	}
}

func newBuilder(a *app, label string) *tree.Builder {
	return &tree.Builder{
		Exclude:        a.cfg.Exclude,
		Workers:        a.cfg.Workers,
		SkipUnreadable: a.cfg.SkipUnreadable,
		ProgressLabel:  label,
		Logger:         a.logger,
	}
}

// stringFlag copies a string flag into dst when it was set explicitly.
func stringFlag(fs *pflag.FlagSet, name string, dst *string) {
	if !fs.Changed(name) {
		return
	}
	if v, err := fs.GetString(name); err == nil {
		*dst = v
	}
}
