package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/tilegrid/internal/ledger"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string
	Rank     int
	Kind     string
}

// TraceEvent is one ledger event in the trace timeline.
type TraceEvent struct {
	Rank   int    `json:"rank"`
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Task   string `json:"task,omitempty"`
	Object uint64 `json:"object,omitempty"`
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	Time   int64  `json:"time"`
	Mode   string `json:"mode,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// TraceStats summarizes a run.
type TraceStats struct {
	Events int            `json:"events"`
	Ranks  int            `json:"ranks"`
	Kinds  map[string]int `json:"kinds"`
}

// TraceResult is the output of the trace command.
type TraceResult struct {
	RunID    string       `json:"run_id"`
	Label    string       `json:"label,omitempty"`
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the revision trace of a run",
		Long: `Read back the revision trace recorded by "tilegrid run --trace".

Without --run, the recorded runs are listed. With --run, the events of
that run are printed per rank in sequence order: submissions, fetches,
materializations, completions and publications of tile revisions.

Examples:
  tilegrid trace --db ./trace.db
  tilegrid trace --db ./trace.db --run 0190c6e2-...
  tilegrid trace --db ./trace.db --run 0190c6e2-... --rank 1 --kind complete`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the trace ledger (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to show")
	cmd.Flags().IntVar(&opts.Rank, "rank", -1, "only show events of this rank")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only show events of this kind")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	// Opening would create an empty ledger.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "trace ledger not found", err)
	}
	led, err := ledger.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open trace ledger", err)
	}
	defer led.Close()

	runs, err := led.Runs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read runs", err)
	}
	if opts.RunID == "" {
		return listRuns(f, runs)
	}

	var run *ledger.Run
	for i := range runs {
		if runs[i].ID == opts.RunID {
			run = &runs[i]
			break
		}
	}
	if run == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("run %q not found", opts.RunID))
	}

	events, err := led.Events(ctx, opts.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}
	result := buildTrace(*run, events, opts.Rank, opts.Kind)

	if f.JSON() {
		return f.SuccessRun(run.ID, result)
	}
	return outputTraceText(cmd, result)
}

// buildTrace filters events and computes the summary.
func buildTrace(run ledger.Run, events []ledger.Event, rank int, kind string) TraceResult {
	res := TraceResult{
		RunID:    run.ID,
		Label:    run.Label,
		Timeline: []TraceEvent{},
		Stats:    TraceStats{Ranks: run.Ranks, Kinds: map[string]int{}},
	}
	for _, ev := range events {
		if rank >= 0 && ev.Rank != rank {
			continue
		}
		if kind != "" && ev.Kind != kind {
			continue
		}
		res.Timeline = append(res.Timeline, TraceEvent{
			Rank:   ev.Rank,
			Seq:    ev.Seq,
			Kind:   ev.Kind,
			Task:   ev.Task,
			Object: ev.Object,
			Row:    ev.Row,
			Col:    ev.Col,
			Time:   ev.Time,
			Mode:   ev.Mode,
			Detail: ev.Detail,
		})
		res.Stats.Kinds[ev.Kind]++
	}
	res.Stats.Events = len(res.Timeline)
	return res
}

func listRuns(f *OutputFormatter, runs []ledger.Run) error {
	if f.JSON() {
		if runs == nil {
			runs = []ledger.Run{}
		}
		return f.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(f.Writer, "No runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tRANKS\tLABEL")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.ID, r.Ranks, r.Label)
	}
	return tw.Flush()
}

func outputTraceText(cmd *cobra.Command, result TraceResult) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run: %s", result.RunID)
	if result.Label != "" {
		fmt.Fprintf(w, " (%s)", result.Label)
	}
	fmt.Fprintf(w, "\nRanks: %d  Events: %s\n\n", result.Stats.Ranks, FormatCount(result.Stats.Events))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSEQ\tKIND\tTASK\tTILE\tMODE\tDETAIL")
	for _, ev := range result.Timeline {
		tile := "-"
		if ev.Object != 0 {
			tile = fmt.Sprintf("%d(%d,%d)@%d", ev.Object, ev.Row, ev.Col, ev.Time)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n", ev.Rank, ev.Seq, ev.Kind, ev.Task, tile, ev.Mode, ev.Detail)
	}
	return tw.Flush()
}
