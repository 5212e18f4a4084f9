package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/visiona/gatenode/internal/engine"
	"github.com/visiona/gatenode/internal/node"
	gatesync "github.com/visiona/gatenode/internal/sync"
	"github.com/visiona/gatenode/internal/tracker"
	"github.com/visiona/gatenode/internal/vision"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gate node",
	Long: `Run the gate node: pull camera frames, track and match faces, drive
the gate, and reconcile the identity database with the remote authority
in the background.

Examples:
  gatenode run
  gatenode run --log-format text --log-level debug
  gatenode run --dry-run`,
	Run: runRun,
}

var (
	runLogLevel  string
	runLogFormat string
	runDryRun    bool
)

func init() {
	f := runCmd.Flags()
	f.StringVar(&runLogLevel, "log-level", envOrDefault("GATENODE_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	f.StringVar(&runLogFormat, "log-format", envOrDefault("GATENODE_LOG_FORMAT", "json"), "Log format (json|text)")
	f.BoolVar(&runDryRun, "dry-run", false, "Log gate commands instead of driving the relay")
}

func runRun(cmd *cobra.Command, args []string) {
	logger := setupLogger(runLogLevel, runLogFormat)
	slog.SetDefault(logger)

	c := initContextWithLog(logger)
	defer c.Close()
	cfg := c.Config

	// Perception
	infer := vision.NewInferenceClient(cfg.InferenceURL, 10*time.Second)
	pipeline := vision.NewPipeline(infer, infer, cfg.PreAligned)
	camera := vision.NewCameraSource(cfg.CameraURL, cfg.FrameInterval())

	// Tracking
	trk := tracker.NewManager(c.Store, tracker.Options{
		IoUThreshold: cfg.IoUThreshold,
		MaxRetries:   cfg.MaxRetries,
		HiddenAfter:  cfg.HiddenAfter,
		HiddenBound:  8,
		Cooldown:     cfg.Cooldown(),
	})

	// Gate
	var act engine.Actuator
	if cfg.GateURL != "" && !runDryRun {
		act = engine.NewHTTPActuator(cfg.GateURL)
	} else {
		act = &engine.LogActuator{Logger: logger}
		logger.Info("no gate relay configured, logging gate commands")
	}

	alerts := make(chan engine.Alert, 16)
	go consumeAlerts(alerts, logger)

	eng := engine.New(act, c.Log, alerts, logger, engine.Options{
		ActuationTimeout: cfg.ActuationTimeout(),
		ActuationRetries: 3,
		OpenDuration:     cfg.GateOpenDuration(),
	})

	// Sync
	var syncEng *gatesync.Engine
	if cfg.RemoteURL != "" {
		client := gatesync.NewRetryClient(
			gatesync.NewHTTPClient(cfg.RemoteURL, cfg.Token), nil)
		syncEng = gatesync.NewEngine(client, c.Store, c.Log, logger, gatesync.Options{
			DeviceID: cfg.DeviceID,
			Interval: cfg.SyncInterval(),
		})
	} else {
		logger.Info("no identity authority configured, running offline")
	}

	n, err := node.New(node.Options{
		Pipeline: pipeline,
		Tracker:  trk,
		Engine:   eng,
		Store:    c.Store,
		Sync:     syncEng,
		Log:      c.Log,
		Logger:   logger,
	})
	if err != nil {
		exitError("failed to assemble node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := c.Store.Stats()
	logger.Info("starting gatenode",
		"device_id", cfg.DeviceID,
		"identity_version", stats.Version,
		"persons", stats.Persons,
		"camera", cfg.CameraURL)

	if err := n.Run(ctx, camera); err != nil {
		exitError("node stopped: %v", err)
	}
}

func consumeAlerts(alerts <-chan engine.Alert, logger *slog.Logger) {
	for a := range alerts {
		logger.Warn("security alert",
			"reason", a.Reason,
			"track_id", a.Verdict.TrackID,
			"classification", a.Verdict.Class,
			"confidence", a.Verdict.Confidence)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lv}
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
