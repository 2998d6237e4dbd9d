package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lattice/internal/store"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <path>",
		Short: "Print the envelope stored at a path",
		Long: `Print the envelope stored at a path: type, versions, timestamps and the
raw field map.

Example:
  lattice show /Instruments/AAPL_C_150
  lattice show --format json /Instruments/AAPL_C_150`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showObject(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func showObject(opts *RootOptions, path string, cmd *cobra.Command) error {
	return withStore(cmd, opts, func(ctx context.Context, s *store.Store) error {
		obj, found, err := s.Backend().Get(ctx, path)
		if err != nil {
			return fmt.Errorf("get %s: %w", path, err)
		}
		if !found {
			return &store.NotFoundError{Path: path}
		}

		out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		if out.Format == "json" {
			env, err := newJSONEnvelope(obj)
			if err != nil {
				return err
			}
			return out.Success(env)
		}
		return out.Render(nil, func(w io.Writer) error {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(newEnvelope(obj)); err != nil {
				return err
			}
			return enc.Close()
		})
	})
}

// RemoveOptions holds flags for the rm command.
type RemoveOptions struct {
	*RootOptions
	Force bool
}

// NewRemoveCommand creates the rm command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rm <path>...",
		Short: "Delete stored paths",
		Long: `Delete the objects stored at one or more paths. All deletes run in one
transaction: if any path is missing nothing is removed, unless --force is
given, in which case missing paths are skipped.

Example:
  lattice rm /Instruments/AAPL_C_150
  lattice rm -f /Scratch/a /Scratch/b`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return removePaths(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "skip missing paths")

	return cmd
}

func removePaths(opts *RemoveOptions, targets []string, cmd *cobra.Command) error {
	return withStore(cmd, opts.RootOptions, func(ctx context.Context, s *store.Store) error {
		out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
		removed := []string{}

		err := s.Transaction(ctx, func(ctx context.Context) error {
			for _, p := range targets {
				err := s.Delete(ctx, p)
				if store.IsNotFound(err) && opts.Force {
					out.VerboseLog("skipping missing path %s", p)
					continue
				}
				if err != nil {
					return err
				}
				removed = append(removed, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return out.Lines(removed)
	})
}
