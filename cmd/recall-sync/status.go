package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the engine's identity, catalog, and queue state",
	Run: func(cmd *cobra.Command, args []string) {
		eng, _, _ := setup()
		defer eng.Stop()

		status, err := eng.Status(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}

		if statusJSON {
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(out))
			return
		}

		fmt.Printf("Device:    %s (%s)\n", status.Device.Name, status.Device.ShortID())
		if status.Session.Authenticated {
			fmt.Printf("Account:   %s\n", status.Session.UserID)
		} else {
			fmt.Println("Account:   guest")
		}
		fmt.Printf("State:     %s\n", status.State)
		fmt.Printf("Catalog:   %s\n", status.Catalog)
		fmt.Printf("Pending:   %d queued writes\n", status.PendingWrites)
		fmt.Printf("Blobs:     %d tracked\n", status.Blobs)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit status as JSON")
	rootCmd.AddCommand(statusCmd)
}
