package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/timelinelabs/timeline-anchor/internal/config"
	"github.com/timelinelabs/timeline-anchor/internal/newsstore"
	"github.com/timelinelabs/timeline-anchor/internal/pipeline"
	"github.com/timelinelabs/timeline-anchor/internal/runtime"
)

var version = "0.1.0-dev"

var (
	configPath string
	cfg        config.Config
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "anchorctl",
	Short:   "AI news anchor service",
	Long:    "anchorctl turns the last day of news articles into a spoken anchor broadcast, served over HTTP or written to disk.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output audio file path")
	generateCmd.Flags().StringVar(&voiceName, "voice", "", "Voice to narrate with (default: random from configured set)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(versionCmd)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("anchorctl", version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the anchor HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := runtime.New(cfg, logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := rt.Start(ctx); err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}

var (
	outputPath string
	voiceName  string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run the pipeline once and write the audio to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := newsstore.Open(ctx, cfg.Store, logger)
		if err != nil {
			return fmt.Errorf("opening news store: %w", err)
		}
		defer store.Close()

		runner := runtime.BuildRunner(cfg, store, nil, logger)
		runID := pipeline.NewRunID()
		logger.Info("starting one-shot generation", slog.String("run_id", runID))

		audio, err := runner.RunComplete(ctx, runID, voiceName)
		if err != nil {
			return err
		}

		out := outputPath
		if out == "" {
			out = filepath.Join("artefacts", "news_anchor."+cfg.Speech.Format)
		}
		if dir := filepath.Dir(out); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}
		}
		if err := os.WriteFile(out, audio, 0o644); err != nil {
			return fmt.Errorf("writing audio file: %w", err)
		}

		logger.Info("audio written", slog.String("path", out), slog.Int("bytes", len(audio)))
		return nil
	},
}

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Print the most recently generated anchor script",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := newsstore.Open(ctx, cfg.Store, logger)
		if err != nil {
			return fmt.Errorf("opening news store: %w", err)
		}
		defer store.Close()

		anchor, err := store.LatestScript(ctx)
		if err != nil {
			return err
		}
		fmt.Println(anchor)
		return nil
	},
}
