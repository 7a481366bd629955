package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/willibrandon/dbnav/internal/executor"
)

func newQueryCmd() *cobra.Command {
	var (
		timeout time.Duration
		limit   int
		format  string
	)
	cmd := &cobra.Command{
		Use:   "query <profile> <sql>",
		Short: "Run a statement and print its rows",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			rs, err := e.Execute(cmd.Context(), args[0], args[1], nil, timeout)
			if err != nil {
				return err
			}
			defer func() { _ = rs.Close() }()

			return renderStream(cmd, rs, format, limit)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "statement timeout (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 1000, "stop after this many rows (0 for no limit)")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, csv, md")
	return cmd
}

// renderStream prints up to limit rows of rs. Reaching the limit cancels the
// statement.
func renderStream(cmd *cobra.Command, rs *executor.RowStream, format string, limit int) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	cols := rs.ColumnNames()
	if len(cols) > 0 {
		header := make(table.Row, len(cols))
		for i, c := range cols {
			header[i] = c
		}
		t.AppendHeader(header)
	}

	var n int
	truncated := false
	for row, err := range rs.All(ctx) {
		if err != nil {
			return err
		}
		if limit > 0 && n == limit {
			truncated = true
			break
		}
		out := make(table.Row, len(row))
		for i, v := range row {
			out[i] = formatValue(v)
		}
		t.AppendRow(out)
		n++
	}

	if len(cols) > 0 {
		switch format {
		case "csv":
			t.RenderCSV()
		case "md", "markdown":
			t.RenderMarkdown()
		default:
			t.Render()
		}
	}
	return printSummary(w, rs, n, truncated)
}

func printSummary(w io.Writer, rs *executor.RowStream, rows int, truncated bool) error {
	<-rs.Done()
	st := rs.Statement()
	switch {
	case truncated:
		_, _ = fmt.Fprintf(w, "(%s rows shown, more available)\n", humanize.Comma(int64(rows)))
	case len(rs.ColumnNames()) == 0:
		_, _ = fmt.Fprintf(w, "(%s rows affected, %s)\n", humanize.Comma(st.RowsAffected()), st.Duration().Round(time.Millisecond))
	default:
		_, _ = fmt.Fprintf(w, "(%s rows, %s)\n", humanize.Comma(int64(rows)), st.Duration().Round(time.Millisecond))
	}
	if truncated {
		return nil
	}
	return rs.Err()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return `\x` + hex.EncodeToString(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", x)
	}
}
