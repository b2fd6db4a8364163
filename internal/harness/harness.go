// Package harness runs YAML matrix scenarios on an in-process fabric.
//
// A scenario is executed by every rank in its own goroutine with its own
// backbone, exactly as a distributed program would be. Each output matrix
// is gathered on every rank and the copies must agree, so a scenario checks
// both the arithmetic and the coherence of the revision protocol.
package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/tilegrid/internal/backbone"
	"github.com/roach88/tilegrid/internal/config"
	"github.com/roach88/tilegrid/internal/ledger"
	"github.com/roach88/tilegrid/internal/matrix"
	"github.com/roach88/tilegrid/internal/testutil"
)

// Output is one gathered matrix.
type Output struct {
	Name   string    `json:"name"`
	Rows   int       `json:"rows"`
	Cols   int       `json:"cols"`
	Values []float64 `json:"values"`
}

// RankStats summarizes the transport work of one rank.
type RankStats struct {
	Rank      int   `json:"rank"`
	Fetches   int   `json:"fetches"`
	Publishes int   `json:"publishes"`
	BytesIn   int64 `json:"bytes_in"`
	Tasks     int   `json:"tasks"`
}

// Result is the outcome of a scenario run.
type Result struct {
	Scenario string      `json:"scenario"`
	RunID    string      `json:"run_id"`
	Ranks    int         `json:"ranks"`
	Pass     bool        `json:"pass"`
	Outputs  []Output    `json:"outputs"`
	Stats    []RankStats `json:"stats"`
	Errors   []string    `json:"errors,omitempty"`
}

// AddError records a failed check and marks the result as failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// Output returns the gathered matrix with the given name.
func (r *Result) Output(name string) (Output, bool) {
	for _, o := range r.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return Output{}, false
}

// Text renders the outputs in a stable form for golden comparison. Run ids
// and transport statistics are left out since they vary between runs.
func (r *Result) Text() []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario %s\nranks %d\n", r.Scenario, r.Ranks)
	for _, o := range r.Outputs {
		fmt.Fprintf(&buf, "\n%s %dx%d\n", o.Name, o.Rows, o.Cols)
		row := make([]string, o.Cols)
		for i := 0; i < o.Rows; i++ {
			for j := range row {
				row[j] = strconv.FormatFloat(o.Values[i*o.Cols+j], 'g', -1, 64)
			}
			buf.WriteString(strings.Join(row, " "))
			buf.WriteByte('\n')
		}
	}
	return []byte(buf.String())
}

// Option configures a run.
type Option func(*runOptions)

type runOptions struct {
	cfg    config.Config
	logger *slog.Logger
	ledger *ledger.Ledger
	gen    backbone.RunIDGenerator
}

// WithConfig sets the runtime configuration. Default: config.Default().
func WithConfig(cfg config.Config) Option {
	return func(o *runOptions) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger of every rank. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) {
		o.logger = l
	}
}

// WithLedger records the revision trace of every rank into l.
func WithLedger(l *ledger.Ledger) Option {
	return func(o *runOptions) {
		o.ledger = l
	}
}

// WithRunIDGenerator sets how the run id is generated.
func WithRunIDGenerator(g backbone.RunIDGenerator) Option {
	return func(o *runOptions) {
		o.gen = g
	}
}

// Run executes the scenario on a fresh fabric. An error is returned when
// a rank fails; failed expectations and rank disagreements are reported in
// the result instead.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{
		cfg:    config.Default(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	var (
		mu      sync.Mutex
		runID   string
		outputs = make([][]Output, s.Ranks)
		stats   = make([]RankStats, s.Ranks)
	)
	rankOpts := func(int) []backbone.Option {
		bo := []backbone.Option{backbone.WithLogger(o.logger)}
		if o.ledger != nil {
			bo = append(bo, backbone.WithLedger(o.ledger, s.Name))
		}
		if o.gen != nil {
			bo = append(bo, backbone.WithRunIDGenerator(o.gen))
		}
		return bo
	}
	err := testutil.RunRanks(ctx, s.Ranks, o.cfg, func(ctx context.Context, b *backbone.Backbone) error {
		outs, err := runRank(ctx, s, b)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		runID = b.RunID()
		outputs[b.Rank()] = outs
		ctl := b.Controller().Stats()
		ch := b.Scope().Channel.Stats()
		stats[b.Rank()] = RankStats{
			Rank:      b.Rank(),
			Fetches:   ctl.Fetches,
			Publishes: ctl.Publishes,
			BytesIn:   ch.BytesIn,
			Tasks:     ctl.Invoked,
		}
		return nil
	}, rankOpts)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	res := &Result{
		Scenario: s.Name,
		RunID:    runID,
		Ranks:    s.Ranks,
		Pass:     true,
		Outputs:  outputs[0],
		Stats:    stats,
	}
	for r := 1; r < s.Ranks; r++ {
		for i, out := range outputs[r] {
			if !slices.Equal(out.Values, res.Outputs[i].Values) {
				res.AddError(fmt.Sprintf("rank %d gathered a different %s than rank 0", r, out.Name))
			}
		}
	}
	for _, e := range s.Expect {
		out, _ := res.Output(e.Matrix)
		for _, err := range e.evaluate(out) {
			res.AddError(err.Error())
		}
	}
	return res, nil
}

// runRank is the program of one rank.
func runRank(ctx context.Context, s *Scenario, b *backbone.Backbone) ([]Output, error) {
	ms := make(map[string]*matrix.Matrix, len(s.Matrices))
	for _, d := range s.Matrices {
		m, err := matrix.New(b, d.Name, d.Rows, d.Cols, d.BlockRows, d.BlockCols)
		if err != nil {
			return nil, err
		}
		ms[d.Name] = m
	}

	for i, st := range s.Steps {
		if err := apply(ctx, b, ms, st); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}

	outs := make([]Output, 0, len(s.Outputs))
	for _, name := range s.Outputs {
		m := ms[name]
		vals, err := m.Gather(ctx)
		if err != nil {
			return nil, fmt.Errorf("gather %s: %w", name, err)
		}
		spec := m.Memspec()
		outs = append(outs, Output{Name: name, Rows: spec.Rows, Cols: spec.Cols, Values: vals})
	}
	if err := b.Sync(ctx); err != nil {
		return nil, err
	}
	return outs, nil
}

func apply(ctx context.Context, b *backbone.Backbone, ms map[string]*matrix.Matrix, st Step) error {
	switch st.Op {
	case OpSync:
		return b.Sync(ctx)
	case OpFill:
		return ms[st.Target].Fill(ctx, st.Value)
	case OpFillReplicated:
		return ms[st.Target].FillReplicated(ctx, st.Value)
	case OpAdd:
		return ms[st.Target].Add(ctx, ms[st.Args[0]], ms[st.Args[1]])
	case OpScale:
		return ms[st.Target].Scale(ctx, st.Value)
	case OpGemm:
		return ms[st.Target].Gemm(ctx, ms[st.Args[0]], ms[st.Args[1]])
	case OpCopy:
		return ms[st.Target].Copy(ctx, ms[st.Args[0]])
	case OpResize:
		ms[st.Target].Resize(st.Rows, st.Cols)
		return nil
	}
	return fmt.Errorf("unknown op %q", st.Op)
}
