/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the leave engine. Loads configuration, wires the
  store, workflow service and ledger reconciler, and runs one of the
  subcommands.

COMMANDS:
  serve       Start the HTTP API with the async reconcile dispatcher
  reconcile   Recompute one user's (or every user's) ledger from a month
  token       Issue a bearer token for an existing user

CONFIGURATION:
  --config points at a YAML file; otherwise config.yaml is looked up in .
  and ./config. Every key can be overridden with LEAVE_* environment
  variables (see config/config.go). A .env file is loaded first.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM serve:
  1. Stops accepting new connections
  2. Waits for active requests to complete (30s timeout)
  3. Drains pending ledger reconciliations
  4. Closes the store

EXAMPLES:
  # Run with the embedded SQLite database
  ./server serve

  # Run against PostgreSQL through GORM
  LEAVE_DATABASE_DRIVER=postgres LEAVE_DATABASE_DSN="host=db user=leave dbname=leave" ./server serve

  # Rebuild a user's ledger from May 2024
  ./server reconcile --user u1 --from 2024-05

SEE ALSO:
  - api/server.go: Router configuration
  - settlement/dispatcher.go: Async reconciliation
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Leave and overtime approval engine",
	Long: `Leave engine runs the multi-step leave approval workflow and keeps the
monthly overtime/compensatory ledger reconciled.`,
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: config.yaml)")
	rootCmd.AddCommand(serveCmd, reconcileCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
