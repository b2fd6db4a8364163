package backbone

import (
	"context"

	"github.com/roach88/tilegrid/internal/engine"
	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/ledger"
)

// ledgerRecorder writes controller events to a ledger. Events recorded
// before the run id is known are buffered and flushed by attach.
type ledgerRecorder struct {
	ledger  *ledger.Ledger
	rank    int
	runID   string
	pending []engine.Event
}

func (r *ledgerRecorder) attach(ctx context.Context, run ledger.Run) error {
	if err := r.ledger.BeginRun(ctx, run); err != nil {
		return err
	}
	r.runID = run.ID
	pending := r.pending
	r.pending = nil
	for _, ev := range pending {
		if err := r.Record(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Record implements engine.Recorder. A completion the ledger refuses means
// a revision was completed twice on this rank.
func (r *ledgerRecorder) Record(ctx context.Context, ev engine.Event) error {
	if r.runID == "" {
		r.pending = append(r.pending, ev)
		return nil
	}
	inserted, err := r.ledger.Append(ctx, ledger.Event{
		RunID:  r.runID,
		Rank:   r.rank,
		Seq:    ev.Seq,
		Kind:   string(ev.Kind),
		Task:   ev.Task,
		Object: ev.Tile.Object,
		Row:    ev.Tile.Row,
		Col:    ev.Tile.Col,
		Time:   ev.Time,
		Mode:   ev.Mode,
		Detail: ev.Detail,
	})
	if err != nil {
		return err
	}
	if !inserted && ev.Kind == engine.EventComplete {
		return fault.New(fault.ErrCodeWriteOnce, "revision %s@%d already completed in run %s", ev.Tile, ev.Time, r.runID).
			WithRank(r.rank).WithObject(ev.Tile.Object)
	}
	return nil
}

// teeRecorder fans events out to several recorders.
type teeRecorder []engine.Recorder

func (t teeRecorder) Record(ctx context.Context, ev engine.Event) error {
	for _, r := range t {
		if err := r.Record(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
