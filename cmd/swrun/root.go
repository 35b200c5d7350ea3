package main

import (
	"io"

	"github.com/joeycumines/go-swruntime/config"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	dir        string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags
	cmd := &cobra.Command{
		Use:          "swrun",
		Short:        "Run scripts on an event loop with HTTP, WebSocket, TCP, UDP and SQLite modules",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "TOML configuration file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level (trace, debug, info, warning, err, ...)")
	cmd.PersistentFlags().StringVar(&flags.dir, "dir", "", "override script.base_dir, the directory relative paths resolve against")

	cmd.AddCommand(
		newRunCommand(&flags),
		newEvalCommand(&flags),
		newREPLCommand(&flags),
		newVersionCommand(),
	)
	return cmd
}

// load reads the configuration and applies the flag overrides.
func (f *globalFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.dir != "" {
		cfg.Script.BaseDir = f.dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg *config.Config) (*logiface.Logger[logiface.Event], error) {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger(), nil
}
