package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newPingCmd(flags *globalFlags) *cobra.Command {
	var stats bool

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Test the database connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			errOut := cmd.ErrOrStderr()
			printHeader(errOut, "Test Database Connection")

			s, err := openSession(ctx, cmd, flags)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer s.close()
			printSuccess(errOut, fmt.Sprintf("connected (%s)", s.cfg.Driver))

			start := time.Now()
			if _, err := s.client.Exec(ctx, "SELECT 1"); err != nil {
				return fmt.Errorf("query: %w", err)
			}
			printSuccess(errOut, fmt.Sprintf("SELECT 1 in %s", time.Since(start).Round(time.Microsecond)))

			if !stats {
				return nil
			}

			info := s.client.GetDebugInfo()
			pool, ok := info["pool"].(map[string]interface{})
			if !ok {
				printWarning(errOut, "pool statistics are not available for this driver")
				return nil
			}
			printTable(cmd.OutOrStdout(), []string{"STAT", "VALUE"}, statRows(pool))
			return nil
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "Show pool statistics")
	return cmd
}

func statRows(stats map[string]interface{}) [][]string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, len(keys))
	for i, k := range keys {
		rows[i] = []string{k, fmt.Sprint(stats[k])}
	}
	return rows
}
