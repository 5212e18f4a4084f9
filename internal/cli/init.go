package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/visiona/gatenode/internal/config"
	"github.com/visiona/gatenode/internal/index"
	"github.com/visiona/gatenode/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new gatenode directory",
	Long: `Initialize a new gatenode data directory in the current directory.
This creates a .gatenode directory holding the configuration, identity
database, index snapshot, and access log.`,
	Run: runInit,
}

var (
	initRemote string
	initToken  string
)

func init() {
	initCmd.Flags().StringVar(&initRemote, "remote", "", "Identity authority base URL (empty keeps the node offline)")
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token for the identity authority")
}

func runInit(cmd *cobra.Command, args []string) {
	// Check if already initialized
	if _, err := config.FindRoot(); err == nil {
		exitError("gatenode directory already exists")
	}

	fmt.Printf("Initializing gatenode...\n")

	cfg, err := config.Initialize(initRemote, initToken)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	// Create the identity database and an empty index snapshot so the
	// first run starts from a clean, validated state.
	st, err := store.Open(cfg.NodePath(), store.Options{
		AcceptThreshold: cfg.AcceptThreshold,
		Index:           index.DefaultOptions(),
	})
	if err != nil {
		exitError("failed to create identity store: %v", err)
	}
	defer st.Close()

	fmt.Printf("\nInitialized empty gatenode directory in .gatenode/\n")
	fmt.Printf("Device ID: %s\n", cfg.DeviceID)
	if initRemote != "" {
		fmt.Printf("Identity authority: %s\n", initRemote)
		fmt.Printf("\nRun 'gatenode sync' to pull the identity database.\n")
	} else {
		fmt.Printf("No identity authority configured; the node will run offline.\n")
	}
}
