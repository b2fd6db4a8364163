package cli

import (
	"github.com/spf13/cobra"
)

// ConfigOptions holds flags for the config command.
type ConfigOptions struct {
	*RootOptions
	Config string
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConfigOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration a run would use: built-in defaults, then the
optional YAML file, then TILEGRID_* environment variables. The result is
validated against the configuration schema.

Examples:
  tilegrid config
  TILEGRID_KERNEL_THREADS=4 tilegrid config --config tilegrid.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "YAML configuration file")

	return cmd
}

func runConfig(opts *ConfigOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	f := opts.formatter(cmd, cfg)
	if f.JSON() {
		return f.Success(cfg)
	}
	data, err := cfg.YAML()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render configuration", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
