package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/lattice/internal/store"
)

// ListOptions holds flags for the ls command.
type ListOptions struct {
	*RootOptions
	Recursive bool
}

// NewListCommand creates the ls command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List stored paths under a prefix",
		Long: `List the paths stored under a prefix.

Without --recursive only direct children are shown. The prefix defaults to
the root.

Example:
  lattice ls /Instruments
  lattice ls -r /Positions`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := "/"
			if len(args) == 1 {
				prefix = args[0]
			}
			return listPaths(opts, prefix, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Recursive, "recursive", "r", false, "include all descendants")

	return cmd
}

func listPaths(opts *ListOptions, prefix string, cmd *cobra.Command) error {
	return withStore(cmd, opts.RootOptions, func(ctx context.Context, s *store.Store) error {
		paths, err := s.List(ctx, prefix, opts.Recursive)
		if err != nil {
			return err
		}
		out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
		out.VerboseLog("%d paths under %s", len(paths), prefix)
		return out.Lines(paths)
	})
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <pattern>",
		Short: "List stored paths matching a glob pattern",
		Long: `List the stored paths matching a glob pattern.

"*" matches any run of characters, including "/". "?" matches one
character and "[abc]" a character class.

Example:
  lattice query '/Instruments/AAPL_*'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return queryPaths(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func queryPaths(opts *RootOptions, pattern string, cmd *cobra.Command) error {
	return withStore(cmd, opts, func(ctx context.Context, s *store.Store) error {
		paths, err := s.Query(ctx, pattern)
		if err != nil {
			return err
		}
		return newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr()).Lines(paths)
	})
}
