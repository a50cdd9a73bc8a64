package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deeprecall/recall-sync/internal/config"
	"github.com/deeprecall/recall-sync/internal/engine"
	"github.com/deeprecall/recall-sync/internal/flush"
	"github.com/deeprecall/recall-sync/internal/logging"
)

var (
	flagDataDir string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "recall-sync",
	Short: "Offline-first sync engine for DeepRecall libraries",
	Long: `recall-sync keeps a local library catalog synchronized with the server.

Writes always land locally first and flush in the background, so the
library stays fully usable offline. Content files (PDFs, images) are
tracked by hash in a content-addressed blob directory.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "",
		"data directory (default ~/.recall-sync)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"log to stderr as well as the log file")
}

// setup loads configuration and assembles the engine. Fatal on error:
// every command needs both.
func setup() (*engine.Engine, config.Config, *zap.Logger) {
	cfg, err := config.Load(flagDataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    flagVerbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.New(engine.Config{
		DataDir:   cfg.DataDir,
		BlobDir:   cfg.BlobDir,
		ServerURL: cfg.ServerURL,
		FeedURL:   cfg.FeedURL,
		Flush: flush.Config{
			BatchSize:     cfg.Flush.BatchSize,
			MaxRetries:    cfg.Flush.MaxRetries,
			Interval:      cfg.Flush.Interval,
			RetryDelay:    cfg.Flush.RetryDelay,
			MaxRetryDelay: cfg.Flush.MaxRetryDelay,
		},
		WipeWait:      cfg.WipeWait,
		WatchDebounce: cfg.WatchDebounce,
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
		os.Exit(1)
	}
	return eng, cfg, log
}
