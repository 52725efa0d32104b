package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cookielab/pgclient/client"
)

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	var (
		file      string
		batchSize int
		keyColumn string
	)

	cmd := &cobra.Command{
		Use:   "delete TABLE",
		Short: "Delete rows by key, one key per input line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			in, closeIn, err := openInput(cmd, file)
			if err != nil {
				return err
			}
			defer closeIn()

			s, err := openSession(ctx, cmd, flags)
			if err != nil {
				return err
			}
			defer s.close()

			table := args[0]
			deleted, err := deleteKeys(ctx, s.client, table, in, client.DeleteOptions{
				BatchSize: batchSize,
				KeyColumn: keyColumn,
			})
			if err != nil {
				return err
			}
			printSuccess(cmd.ErrOrStderr(), fmt.Sprintf("deleted %d rows from %s", deleted, table))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Input file of keys, one per line (- for stdin)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Keys per DELETE statement (default from config)")
	cmd.Flags().StringVar(&keyColumn, "key-column", "", "Key column (default from config)")
	return cmd
}

func deleteKeys(ctx context.Context, c *client.Client, table string, in io.Reader, opts client.DeleteOptions) (int64, error) {
	var deleted int64
	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		s, err := tx.DeleteStream(ctx, table, opts)
		if err != nil {
			return err
		}

		err = scanLines(in, func(_ int, line string) error {
			return s.Write(ctx, parseKey(line))
		})
		if err != nil {
			s.Abort(err)
			return err
		}

		deleted, err = s.Close(ctx)
		return err
	})
	return deleted, err
}
