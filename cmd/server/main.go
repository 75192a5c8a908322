/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the blend engine. "serve" runs the HTTP API;
  "select" runs the optimizer offline against a pool file or a database
  and prints the proposal as YAML.

COMMANDS:
  blendd serve  [--config blend.yaml] [--port 8080] [--db ./data/blend.db] [--scenario id]
  blendd select --units 4 (--target target.json | --preset capsule) [--pool pool.yaml] [--seed 7]

CONFIGURATION:
  Settings come from blend.yaml (see config/config.go), overridden by
  BLEND_* environment variables, overridden by flags.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the window monitor
  4. Close database connection

EXAMPLES:
  # Run with file database
  blendd serve --db=./data/blend.db

  # Run in memory with a demo pool
  blendd serve --db=:memory: --scenario=capsule-season

  # Offline proposal
  blendd select --preset capsule --units 4 --pool pool.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings and defaults
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes
const (
	exitSuccess = 0
	exitError   = 1
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "blendd",
		Short:         "Batch blending optimizer and blend ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./blend.yaml or /etc/blend-engine/blend.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSelectCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
