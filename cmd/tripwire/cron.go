package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tripwire/internal/trigger"
)

var (
	cronCount    int
	cronTimezone string
)

var cronCmd = &cobra.Command{
	Use:     "cron EXPR",
	Short:   "Print the next minutes a cron expression matches",
	Example: `  tripwire cron "*/15 9-17 * * 1-5" --count 5 --tz Europe/Paris`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc := time.UTC
		if cronTimezone != "" {
			l, err := time.LoadLocation(cronTimezone)
			if err != nil {
				return fmt.Errorf("invalid timezone %q: %w", cronTimezone, err)
			}
			loc = l
		}
		if cronCount <= 0 {
			return fmt.Errorf("--count must be positive")
		}

		next, err := trigger.NextMatches(args[0], time.Now().In(loc), cronCount)
		if err != nil {
			return err
		}
		for _, t := range next {
			fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	cronCmd.Flags().IntVar(&cronCount, "count", 5, "number of matches to print")
	cronCmd.Flags().StringVar(&cronTimezone, "tz", "", "IANA timezone (default UTC)")
}
