package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/roach88/lattice/internal/store"
)

// StoreEnvVar names the environment variable that supplies the default
// store URL.
const StoreEnvVar = "LATTICE_STORE"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Store   string
	EnvFile string
	Verbose bool
	Format  string // "json" | "text"

	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the lattice CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lattice",
		Short: "lattice - path-addressed object store",
		Long: `Inspect and maintain a lattice object store.

The store is chosen with --store or $LATTICE_STORE, which may also be set in
a .env file. Supported URLs: memory://, sqlite:///file.db, bolt:///file.db.

Commands work on stored envelopes directly and need no model types.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.Verbose)
			slog.SetDefault(opts.logger)
			return resolveStoreURL(opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "store URL (default $"+StoreEnvVar+")")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file read before resolving $"+StoreEnvVar)
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

// Run executes the CLI with args and returns the process exit code. Errors
// are reported as a JSON response on stdout, or as text on stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	format, _ := cmd.PersistentFlags().GetString("format")
	if !isValidFormat(format) {
		format = "text"
	}
	verbose, _ := cmd.PersistentFlags().GetBool("verbose")
	out := &OutputFormatter{Format: format, Writer: stdout, ErrWriter: stderr, Verbose: verbose}
	_ = out.Error(errorCode(err), err.Error(), nil)
	return GetExitCode(err)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(w),
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// resolveStoreURL fills opts.Store from the environment when --store is
// unset. The dotenv file is optional and never overrides variables that
// are already set.
func resolveStoreURL(opts *RootOptions) error {
	if opts.Store != "" {
		return nil
	}
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return WrapExitError(ExitCommandError, "failed to read "+opts.EnvFile, err)
		}
	}
	opts.Store = os.Getenv(StoreEnvVar)
	if opts.Store == "" {
		return NewExitError(ExitCommandError, "no store configured: pass --store or set $"+StoreEnvVar)
	}
	return nil
}

// withStore connects to the configured store, runs fn and closes it.
func withStore(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *store.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("opening store", "url", opts.Store)

	s, err := store.Connect(ctx, opts.Store, store.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	return fn(ctx, s)
}
