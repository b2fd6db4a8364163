package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tilegrid/internal/harness"
	"github.com/roach88/tilegrid/internal/ledger"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Ranks  int
	Trace  string
	Config string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a matrix scenario on an in-process fabric",
		Long: `Run a YAML matrix scenario with one goroutine per rank.

Every rank declares the scenario's matrices, runs its steps and gathers
its outputs. The gathered matrices are printed and checked against the
scenario's expectations. With --trace, the revision history of every rank
is recorded in a SQLite ledger that "tilegrid trace" can read back.

Examples:
  tilegrid run scenario.yaml
  tilegrid run scenario.yaml --ranks 4 --trace ./trace.db
  tilegrid run scenario.yaml --config tilegrid.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, cmd, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.Ranks, "ranks", 0, "number of ranks (overrides the scenario)")
	cmd.Flags().StringVar(&opts.Trace, "trace", "", "record the revision trace into this SQLite database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "YAML configuration file")

	return cmd
}

func runScenario(opts *RunOptions, cmd *cobra.Command, path string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := opts.loadConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	f := opts.formatter(cmd, cfg)

	s, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	if opts.Ranks < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--ranks must be positive, got %d", opts.Ranks))
	}
	if opts.Ranks > 0 {
		s.Ranks = opts.Ranks
	}

	runOpts := []harness.Option{
		harness.WithConfig(cfg),
		harness.WithLogger(opts.logger(f.GetErrWriter(), cfg)),
	}
	tracePath := opts.Trace
	if tracePath == "" {
		tracePath = cfg.Trace
	}
	if tracePath != "" {
		led, err := ledger.Open(tracePath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open trace ledger", err)
		}
		defer led.Close()
		runOpts = append(runOpts, harness.WithLedger(led))
	}

	f.VerboseLog("running %s on %d ranks", s.Name, s.Ranks)
	res, err := harness.Run(ctx, s, runOpts...)
	if err != nil {
		if f.JSON() {
			_ = f.RuntimeError(err)
		}
		return WrapExitError(ExitFailure, "scenario failed", err)
	}

	if f.JSON() {
		if err := f.SuccessRun(res.RunID, res); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		_, _ = w.Write(res.Text())
		fmt.Fprintf(w, "\nrun %s\n", res.RunID)
		for _, st := range res.Stats {
			fmt.Fprintf(w, "rank %d: %s tasks, %s fetches, %s publishes, %s in\n",
				st.Rank, FormatCount(st.Tasks), FormatCount(st.Fetches), FormatCount(st.Publishes), FormatBytes(st.BytesIn))
		}
		for _, e := range res.Errors {
			fmt.Fprintf(w, "FAIL %s\n", e)
		}
	}
	if !res.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s: %d checks failed", s.Name, len(res.Errors)))
	}
	return nil
}
