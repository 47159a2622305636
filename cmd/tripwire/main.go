// Tripwire — rule-based automation engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tripwire",
	Short: "Tripwire — rule-based automation engine.",
	Long: `Tripwire evaluates owner-defined rules against host metrics, schedules,
read-only data queries and pushed events, and performs the configured action
(email, chat message, webhook or dashboard notification) when a rule fires.
Repeated firings are debounced and every delivery sequence is logged.`,
	RunE:          runEngine, // Default to run mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, migrateCmd, cronCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
