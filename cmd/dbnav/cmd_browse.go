package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/willibrandon/dbnav/internal/metadata"
	"github.com/xlab/treeprint"
)

func newBrowseCmd() *cobra.Command {
	var (
		depth   int
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "browse <profile> [path...]",
		Short: "Print the metadata tree of a profile",
		Long: `Print the metadata tree of a profile starting at the given path, for example:

  dbnav browse prod app public orders

Each path segment names a child of the previous one (catalog, schema, table).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			cache, err := e.Metadata(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			start, err := cache.Lookup(ctx, args[1:]...)
			if err != nil {
				return err
			}
			if refresh {
				if err := cache.Refresh(ctx, start, depth > 1); err != nil {
					return err
				}
			}

			label := start.Path
			if start.ID == metadata.RootID {
				label = cache.Profile().ID()
			}
			tree := treeprint.NewWithRoot(label)
			if err := addChildren(ctx, cache, tree, start, depth); err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), tree.String())
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 2, "number of levels to expand")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the starting node before printing")
	return cmd
}

// addChildren recursively adds up to depth levels below n.
func addChildren(ctx context.Context, cache *metadata.Cache, branch treeprint.Tree, n metadata.Node, depth int) error {
	if depth <= 0 || !n.Expandable() {
		return nil
	}
	children, err := cache.Children(ctx, n)
	if err != nil {
		return err
	}
	for _, child := range children {
		text := nodeLabel(child)
		if !child.Expandable() || depth == 1 {
			branch.AddNode(text)
			continue
		}
		if err := addChildren(ctx, cache, branch.AddBranch(text), child, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func nodeLabel(n metadata.Node) string {
	switch {
	case n.Type != "" && n.Type != n.Kind.String():
		return fmt.Sprintf("%s %s (%s)", n.Name, n.Type, n.Kind)
	default:
		return fmt.Sprintf("%s (%s)", n.Name, n.Kind)
	}
}
