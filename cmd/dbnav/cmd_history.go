package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/willibrandon/dbnav/internal/storage/sqlite"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit    int
		search   string
		clearAll bool
	)
	cmd := &cobra.Command{
		Use:   "history [profile]",
		Short: "Show recently executed statements",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			store := e.History()
			if store == nil {
				return errors.New("statement history is disabled")
			}
			profileName := ""
			if len(args) == 1 {
				profileName = args[0]
			}

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			if clearAll {
				if err := store.Clear(ctx, profileName); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(w, "History cleared")
				return nil
			}

			var entries []sqlite.HistoryEntry
			if search != "" {
				entries, err = store.Search(ctx, search, limit)
			} else {
				entries, err = store.Recent(ctx, profileName, limit)
			}
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(w, "No history")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(w)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"When", "Profile", "Status", "Rows", "Duration", "Runs", "SQL"})
			for _, h := range entries {
				t.AppendRow(table.Row{
					humanize.Time(h.ExecutedAt),
					h.Profile,
					h.Status,
					humanize.Comma(h.RowCount),
					(time.Duration(h.DurationMs) * time.Millisecond).String(),
					h.Runs,
					truncate(h.SQL, 60),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().StringVar(&search, "search", "", "only show statements containing this text")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "delete the history instead of showing it")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
