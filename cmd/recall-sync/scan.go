package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the blob directory and coordinate it with the catalog",
	Run: func(cmd *cobra.Command, args []string) {
		eng, cfg, _ := setup()
		defer eng.Stop()

		stats, err := eng.ScanBlobs(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error scanning blobs: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Scanned %s\n", cfg.BlobDir)
		fmt.Printf("  discovered: %d\n", stats.Discovered)
		fmt.Printf("  new metadata: %d\n", stats.NewMeta)
		fmt.Printf("  new assets: %d\n", stats.NewAssets)
		fmt.Printf("  restored: %d\n", stats.Restored)
	},
}

var integrityRepair bool

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Verify that every blob this device claims to hold exists",
	Long: `Check presence claims against the blob directory.

By default this is read-only: missing files are listed but nothing is
recorded. With --repair, missing files are marked in the catalog so
other devices can see this copy is gone.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, _, _ := setup()
		defer eng.Stop()

		ctx := context.Background()
		if integrityRepair {
			rep, err := eng.RepairIntegrity(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error repairing integrity: %v\n", err)
				os.Exit(1)
			}
			printIntegrity(rep.Checked, rep.Missing, true)
			return
		}

		rep, err := eng.CheckIntegrity(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking integrity: %v\n", err)
			os.Exit(1)
		}
		printIntegrity(rep.Checked, rep.Missing, false)
	},
}

func printIntegrity(checked int, missing []string, repaired bool) {
	fmt.Printf("Checked %d presence records\n", checked)
	if len(missing) == 0 {
		fmt.Println("All blobs accounted for")
		return
	}
	for _, hash := range missing {
		fmt.Printf("  missing: %s\n", hash)
	}
	if repaired {
		fmt.Printf("%d records marked missing\n", len(missing))
	} else {
		fmt.Println("Run with --repair to record these in the catalog")
	}
}

func init() {
	integrityCmd.Flags().BoolVar(&integrityRepair, "repair", false,
		"record missing blobs in the catalog")
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(integrityCmd)
}
