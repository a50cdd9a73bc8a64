package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Sign in to an account",
	Long: `Sign in and transition this device's data to the account.

The first sign-in ever for an account migrates the guest library to it.
Signing in to an account that already has data discards the guest
library and pulls the account's state from the server instead.

The API token is read from --token or the RECALL_TOKEN environment
variable.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		token := loginToken
		if token == "" {
			token = os.Getenv("RECALL_TOKEN")
		}
		if token == "" {
			fmt.Fprintf(os.Stderr, "Error: no API token (use --token or RECALL_TOKEN)\n")
			os.Exit(1)
		}

		eng, _, _ := setup()
		defer eng.Stop()

		if err := eng.SignIn(context.Background(), args[0], token); err != nil {
			fmt.Fprintf(os.Stderr, "Error signing in: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Signed in as %s\n", args[0])
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and return to a fresh guest library",
	Long: `Sign out of the current account.

Local account data is wiped; the server keeps the authoritative copy.
The device returns to an empty guest library.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, _, _ := setup()
		defer eng.Stop()

		if err := eng.SignOut(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error signing out: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Signed out")
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "API token for the account")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
