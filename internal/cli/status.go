package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/visiona/gatenode/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the node status",
	Long:  `Show the identity database version, enrollment counts, and access log backlog.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	c := initContextWithLog(nil)
	defer c.Close()

	cfg := c.Config
	stats := c.Store.Stats()

	fmt.Printf("Device:   %s\n", cfg.DeviceID)
	if cfg.RemoteURL != "" {
		fmt.Printf("Remote:   %s\n", cfg.RemoteURL)
	} else {
		fmt.Printf("Remote:   (offline)\n")
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	fmt.Println("\nIdentity database:")
	cyan.Printf("  version:    %d\n", stats.Version)
	fmt.Printf("  persons:    %d\n", stats.Persons)
	fmt.Printf("  embeddings: %d\n", stats.Embeddings)
	if n := stats.StatusCounts[models.StatusAuthorized]; n > 0 {
		green.Printf("  authorized: %d\n", n)
	}
	if n := stats.StatusCounts[models.StatusWanted]; n > 0 {
		red.Printf("  wanted:     %d\n", n)
	}

	total, err := c.Log.Count()
	if err != nil {
		exitError("failed to read access log: %v", err)
	}
	unsynced, err := c.Log.UnsyncedCount()
	if err != nil {
		exitError("failed to read access log: %v", err)
	}

	fmt.Println("\nAccess log:")
	fmt.Printf("  entries:  %d\n", total)
	if unsynced > 0 {
		color.New(color.FgYellow).Printf("  unsynced: %d\n", unsynced)
		fmt.Println("\nRun 'gatenode sync' to upload pending entries.")
	} else {
		fmt.Printf("  unsynced: 0\n")
	}
}
