package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon watches the blob directory for new content, flushes queued
writes to the server when signed in, and applies changes pushed from
other devices over the realtime feed.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, _, log := setup()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting background work: %v\n", err)
			os.Exit(1)
		}

		// Another process taking the catalog means this daemon must not
		// keep writing; shut down and let the newer instance own it.
		eng.OnStoreLocked(cancel)

		snap := eng.Session().Snapshot()
		log.Info("daemon running",
			zap.String("device", eng.Device().ShortID()),
			zap.Bool("authenticated", snap.Authenticated))
		fmt.Printf("recall-sync daemon running (device %s)\n", eng.Device().ShortID())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.Info("shutting down", zap.String("signal", s.String()))
		case <-ctx.Done():
			log.Warn("catalog lost to another instance, shutting down")
		}

		if err := eng.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
