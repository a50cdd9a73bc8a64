package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush queued writes to the server now",
	Run: func(cmd *cobra.Command, args []string) {
		eng, _, _ := setup()
		defer eng.Stop()
		ctx := context.Background()

		if !eng.Session().Snapshot().Authenticated {
			fmt.Fprintf(os.Stderr, "Error: not signed in; writes stay queued until login\n")
			os.Exit(1)
		}

		before, err := eng.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}
		if err := eng.FlushNow(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error flushing: %v\n", err)
			os.Exit(1)
		}
		after, err := eng.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Flushed %d of %d queued writes\n",
			before.PendingWrites-after.PendingWrites, before.PendingWrites)
	},
}

func init() {
	rootCmd.AddCommand(flushCmd)
}
