package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	gatesync "github.com/visiona/gatenode/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the identity authority",
	Long: `Fetch and apply pending identity update batches, acknowledge them, and
upload unsynced access log entries. The running node performs the same
reconcile on its own schedule; this command is for provisioning and
manual recovery.`,
	Run: runSync,
}

func runSync(cmd *cobra.Command, args []string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	c := initContextWithLog(logger)
	defer c.Close()
	cfg := c.Config

	if cfg.RemoteURL == "" {
		exitError("no identity authority configured (set remote_url in .gatenode/config)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	before := c.Store.Version()
	fmt.Printf("Syncing with %s (local version %d)...\n", cfg.RemoteURL, before)

	client := gatesync.NewRetryClient(gatesync.NewHTTPClient(cfg.RemoteURL, cfg.Token), nil)
	eng := gatesync.NewEngine(client, c.Store, c.Log, logger, gatesync.Options{
		DeviceID: cfg.DeviceID,
		Interval: cfg.SyncInterval(),
	})

	if err := eng.SyncOnce(ctx); err != nil {
		exitError("sync failed: %v", err)
	}

	after := c.Store.Version()
	green := color.New(color.FgGreen)
	if after > before {
		green.Printf("Applied %d batch(es), identity version %d -> %d\n", after-before, before, after)
	} else {
		green.Println("Already up to date")
	}
}
