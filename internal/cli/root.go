// Package cli implements the parley command line interface: the serve
// command that runs the daemon, and client commands that talk to a running
// daemon over its HTTP API.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagServer  string
	flagAccount string
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Multi-participant AI chat engine",
	Long: `Parley runs structured chat rounds where several AI participants
respond in sequence and a moderator synthesizes the exchange, with
credit-based billing for every round.

Run 'parley serve' to start the daemon, then use the client commands
against it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(),
		"Path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://127.0.0.1:8787",
		"Base URL of a running parley daemon")
	rootCmd.PersistentFlags().StringVar(&flagAccount, "account", os.Getenv("PARLEY_ACCOUNT"),
		"Account ID for client commands (or set PARLEY_ACCOUNT)")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".parley", "config.toml")
}

func requireAccount() (string, error) {
	if flagAccount == "" {
		return "", fmt.Errorf("no account set: pass --account or set PARLEY_ACCOUNT")
	}
	return flagAccount, nil
}
