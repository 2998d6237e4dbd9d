package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lattice/internal/store"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export [prefix]",
		Short: "Export envelopes under a prefix as YAML",
		Long: `Export every envelope under a prefix (recursively) as a YAML document.
The prefix defaults to the root. Field data is written as stored, so the
document can be re-imported with "lattice import".

Example:
  lattice export /Instruments -o instruments.yaml
  lattice export > backup.yaml`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := "/"
			if len(args) == 1 {
				prefix = args[0]
			}
			return exportObjects(opts, prefix, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")

	return cmd
}

func exportObjects(opts *ExportOptions, prefix string, cmd *cobra.Command) error {
	return withStore(cmd, opts.RootOptions, func(ctx context.Context, s *store.Store) error {
		paths, err := s.List(ctx, prefix, true)
		if err != nil {
			return err
		}

		doc := Document{Objects: make([]Envelope, 0, len(paths))}
		for _, p := range paths {
			obj, found, err := s.Backend().Get(ctx, p)
			if err != nil {
				return fmt.Errorf("get %s: %w", p, err)
			}
			if !found {
				continue
			}
			doc.Objects = append(doc.Objects, newEnvelope(obj))
		}

		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode export: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode export: %w", err)
		}

		if opts.Output == "" {
			_, err := cmd.OutOrStdout().Write(buf.Bytes())
			return err
		}

		if err := os.WriteFile(opts.Output, buf.Bytes(), 0644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output file", err)
		}
		out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
		return out.Render(map[string]any{"exported": len(doc.Objects), "file": opts.Output}, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "exported %d objects to %s\n", len(doc.Objects), opts.Output)
			return err
		})
	})
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import envelopes from a YAML export",
		Long: `Import envelopes from a document written by "lattice export". Use "-" to
read from stdin. Envelopes are written as-is, versions and timestamps
included, in a single transaction: on any error nothing is imported.

Example:
  lattice import backup.yaml
  lattice --store bolt:///copy.bolt import - < backup.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return importObjects(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func importObjects(opts *RootOptions, file string, cmd *cobra.Command) error {
	doc, err := readDocument(file, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read import", err)
	}

	return withStore(cmd, opts, func(ctx context.Context, s *store.Store) error {
		imported := make([]string, 0, len(doc.Objects))
		err := s.Transaction(ctx, func(ctx context.Context) error {
			for i, env := range doc.Objects {
				obj, err := env.StoredObject()
				if err != nil {
					return fmt.Errorf("object %d: %w", i, err)
				}
				if err := s.Backend().Put(ctx, obj); err != nil {
					return fmt.Errorf("put %s: %w", obj.Path, err)
				}
				imported = append(imported, obj.Path)
			}
			return nil
		})
		if err != nil {
			return err
		}

		out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		out.VerboseLog("imported %d objects from %s", len(imported), file)
		return out.Render(map[string]any{"imported": imported}, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "imported %d objects\n", len(imported))
			return err
		})
	})
}

// readDocument parses an export document, rejecting unknown keys.
func readDocument(file string, stdin io.Reader) (*Document, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &doc, nil
}
