package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <profile> <sql> <file>",
		Short: "Stream a result set into a file",
		Long: `Stream a result set into a file. The format follows the file extension:
.csv, .json or .xlsx. Text formats may be compressed by appending .zst or .lz4,
for example orders.csv.zst. A failed export removes the partial file.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			path := args[2]
			res, err := e.ExportFile(cmd.Context(), args[0], args[1], nil, path)
			if err != nil {
				return err
			}

			size := "?"
			if fi, err := os.Stat(path); err == nil {
				size = humanize.Bytes(uint64(fi.Size()))
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Exported %s rows in %d batches to %s (%s, %s)\n",
				humanize.Comma(res.Rows), res.Batches, path, size, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}
