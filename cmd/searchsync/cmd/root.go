// Package cmd provides the CLI commands for searchsync.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/searchsync/internal/config"
	"github.com/Aman-CERP/searchsync/internal/logging"
	"github.com/Aman-CERP/searchsync/internal/profiling"
	"github.com/Aman-CERP/searchsync/pkg/version"
)

// globals holds state set up by the root command for its subcommands.
type globals struct {
	configDir string
	debug     bool
	profile   profiling.Options

	cfg            *config.Config
	loggingCleanup func()
	profiler       *profiling.Session
}

// NewRootCmd creates the root command for the searchsync CLI.
func NewRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "searchsync",
		Short: "Keep a search index in sync with its primary store",
		Long: `searchsync mirrors entities from a primary store into a search index.

Committed changes are written incrementally by a bounded worker pool.
'searchsync rebuild' reconciles a whole entity type and writes only the
differences.`,
		Version:           version.Version,
		SilenceUsage:      true,
		PersistentPreRunE: g.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return g.teardown()
		},
	}
	cmd.SetVersionTemplate("searchsync version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&g.configDir, "config-dir", ".", "Directory containing .searchsync.yaml")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&g.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&g.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&g.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(newRebuildCmd(g))
	cmd.AddCommand(newCheckCmd(g))
	cmd.AddCommand(newPutCmd(g))
	cmd.AddCommand(newDeleteCmd(g))
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setup loads .env and configuration, installs the logger and starts any
// requested profiles.
func (g *globals) setup(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(g.configDir)
	if err != nil {
		return err
	}
	if g.debug {
		cfg.Logging.Level = "debug"
	}
	g.cfg = cfg

	cleanup, err := logging.Install(logging.Config{
		Level:     cfg.Logging.Level,
		FilePath:  cfg.LogPath(),
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
		Stderr:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	g.loggingCleanup = cleanup

	slog.Debug("config_loaded",
		slog.String("data_dir", cfg.DataDir),
		slog.String("store", cfg.StorePath()),
		slog.String("index", cfg.IndexPath()))

	if g.profile.Enabled() {
		if g.profiler, err = profiling.Start(g.profile); err != nil {
			return err
		}
	}
	return nil
}

// teardown stops profiling, then logging. It runs only after a successful
// command.
func (g *globals) teardown() error {
	var err error
	if g.profiler != nil {
		err = g.profiler.Stop()
		g.profiler = nil
	}
	if g.loggingCleanup != nil {
		g.loggingCleanup()
		g.loggingCleanup = nil
	}
	return err
}
