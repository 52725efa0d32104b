package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cookielab/pgclient/client"
)

func newQueryCmd(flags *globalFlags) *cobra.Command {
	var allowWrites bool

	cmd := &cobra.Command{
		Use:   "query SQL [ARGS...]",
		Short: "Stream the rows of a query as JSON lines",
		Long: `Runs SQL with positional arguments and writes every row to stdout as a
JSON object. Statements other than reads are rejected unless --allow-writes
is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var hooks []client.Hook
			if !allowWrites {
				hooks = append(hooks, client.NewReadOnlyHook())
			}

			s, err := openSession(ctx, cmd, flags, hooks...)
			if err != nil {
				return err
			}
			defer s.close()

			values := make([]interface{}, len(args)-1)
			for i, a := range args[1:] {
				values[i] = parseKey(a)
			}

			n, err := streamRows(ctx, s.client, client.NewQuery(args[0], values...), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			printSuccess(cmd.ErrOrStderr(), fmt.Sprintf("%d rows", n))
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowWrites, "allow-writes", false, "Allow statements that modify data")
	return cmd
}

// streamRows writes every row of q to out inside one transaction.
func streamRows(ctx context.Context, c *client.Client, q client.Query, out io.Writer) (int, error) {
	w := bufio.NewWriter(out)
	n := 0

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		rs, err := tx.StreamQuery(ctx, q)
		if err != nil {
			return err
		}
		defer rs.Close()

		for rs.Next(ctx) {
			if err := encodeRow(w, rs.Row()); err != nil {
				return err
			}
			n++
		}
		return rs.Err()
	})
	if flushErr := w.Flush(); err == nil {
		err = flushErr
	}
	return n, err
}
