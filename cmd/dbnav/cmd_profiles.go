package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/willibrandon/dbnav/internal/profile"
)

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List configured connection profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			profiles := e.Profiles()
			w := cmd.OutOrStdout()
			if len(profiles) == 0 {
				_, _ = fmt.Fprintln(w, "No profiles configured")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(w)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Name", "Driver", "Target", "Database", "Tunnel", "Read-only"})
			for _, p := range profiles {
				target := p.Target()
				if p.Driver == profile.DriverSQLite {
					target = "-"
				}
				tunnel := "-"
				if p.Tunnel != nil {
					tunnel = fmt.Sprintf("%s@%s:%d", p.Tunnel.User, p.Tunnel.Host, p.Tunnel.Port)
				}
				t.AppendRow(table.Row{p.Name, p.Driver, target, p.Database, tunnel, p.ReadOnly})
			}
			t.Render()
			return nil
		},
	}
}
