package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/willibrandon/dbnav/internal/config"
	"github.com/willibrandon/dbnav/internal/engine"
	"github.com/willibrandon/dbnav/internal/logger"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
)

func main() {
	rootCmd := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dbnav",
		Short: "Browse, query and export PostgreSQL, MySQL and SQLite databases",
		Long: `dbnav connects to the databases named in its configuration file, optionally
through SSH tunnels, and lets you browse their schema, run statements and export
result sets to CSV, JSON or XLSX files.

  dbnav profiles                          List configured profiles
  dbnav browse <profile> [path...]        Print the metadata tree
  dbnav query <profile> <sql>             Run a statement and print the rows
  dbnav export <profile> <sql> <file>     Stream a result set into a file
  dbnav history [profile]                 Show recent statements`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/dbnav/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newProfilesCmd(),
		newBrowseCmd(),
		newQueryCmd(),
		newExportCmd(),
		newHistoryCmd(),
	)
	return rootCmd
}

// openEngine loads the configuration, initializes logging and starts an
// engine without background maintenance. The caller must call the returned
// close function.
func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.LevelDebug
	}
	logger.InitLogger(level, cfg.Log.File)

	e, err := engine.New(ctx, engine.Options{Config: cfg, NoMaintenance: true})
	if err != nil {
		logger.Close()
		return nil, nil, err
	}

	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Close(ctx); err != nil {
			logger.Warn("Engine close failed", "error", err)
		}
		logger.Close()
	}
	return e, closeFn, nil
}
