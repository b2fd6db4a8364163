// Package cli implements the tilegrid command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tilegrid/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Env resolves configuration variables. Nil reads the process
	// environment.
	Env config.Env
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tilegrid CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tilegrid",
		Short: "tilegrid - distributed tiled-matrix runtime",
		Long: `Run block-distributed matrix programs on an in-process fabric of ranks.

Every rank owns a share of each matrix's tiles and executes the kernels
that write them; the others fetch revisions on demand.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// loadConfig resolves the effective configuration.
func (o *RootOptions) loadConfig(path string) (config.Config, error) {
	env := o.Env
	if env == nil {
		env = os.LookupEnv
	}
	return config.Load(path, env)
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command, cfg config.Config) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose || cfg.Verbose,
	}
}

// logger returns the rank logger: text to w at Info, or Debug when verbose.
func (o *RootOptions) logger(w io.Writer, cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose || cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
