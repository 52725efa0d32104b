package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cookielab/pgclient/client"
)

func newInsertCmd(flags *globalFlags) *cobra.Command {
	var (
		file      string
		batchSize int
		suffix    string
	)

	cmd := &cobra.Command{
		Use:   "insert TABLE",
		Short: "Insert JSON lines into a table in batches",
		Example: `  # Load rows, skipping duplicates
  pgclient insert users --file users.jsonl --suffix "ON CONFLICT DO NOTHING"`,
		Args: cobra.ExactArgs(1),
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
			inserted, err := insertRows(ctx, s.client, table, in, client.InsertOptions{
				BatchSize:   batchSize,
				QuerySuffix: suffix,
			})
			if err != nil {
				return err
			}
			printSuccess(cmd.ErrOrStderr(), fmt.Sprintf("inserted %d rows into %s", inserted, table))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Input file of JSON objects, one per line (- for stdin)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Rows per INSERT statement (default from config)")
	cmd.Flags().StringVar(&suffix, "suffix", "", "Clause appended to every INSERT, e.g. ON CONFLICT DO NOTHING")
	return cmd
}

// insertRows streams every line of in into table inside one transaction.
func insertRows(ctx context.Context, c *client.Client, table string, in io.Reader, opts client.InsertOptions) (int64, error) {
	var inserted int64
	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		s, err := tx.InsertStream(ctx, table, opts)
		if err != nil {
			return err
		}

		err = scanLines(in, func(_ int, line string) error {
			row, err := decodeRow(line)
			if err != nil {
				return err
			}
			return s.Write(ctx, row)
		})
		if err != nil {
			s.Abort(err)
			return err
		}

		inserted, err = s.Close(ctx)
		return err
	})
	return inserted, err
}

// openInput opens path, or stdin for "-".
func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
