// Package cli implements the command-line interface for gatenode.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/visiona/gatenode/internal/accesslog"
	"github.com/visiona/gatenode/internal/config"
	"github.com/visiona/gatenode/internal/index"
	"github.com/visiona/gatenode/internal/store"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Store  *store.Store
	Log    *accesslog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Log != nil {
		c.Log.Close()
	}
	if c.Store != nil {
		c.Store.Close()
	}
}

// initContext initializes config and the identity store
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	st, err := store.Open(cfg.NodePath(), store.Options{
		AcceptThreshold: cfg.AcceptThreshold,
		Index:           index.DefaultOptions(),
	})
	if err != nil {
		if errors.Is(err, store.ErrCorrupted) {
			exitError("identity store corrupted; restore the data directory or re-sync from the authority: %v", err)
		}
		exitError("failed to open identity store: %v", err)
	}

	return &cmdContext{Config: cfg, Store: st}
}

// initContextWithLog initializes config, store, and the access log
func initContextWithLog(logger *slog.Logger) *cmdContext {
	c := initContext()

	log, err := accesslog.New(c.Config.AccessLogPath(), logger)
	if err != nil {
		c.Close()
		exitError("failed to open access log: %v", err)
	}
	c.Log = log

	return c
}

var rootCmd = &cobra.Command{
	Use:   "gatenode",
	Short: "Edge access-control node",
	Long: `gatenode is the on-device decision core of a face-recognition access
gate. It watches a camera, tracks faces across frames, matches them
against a locally synced identity database, and drives the gate without
depending on network connectivity.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(syncCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
