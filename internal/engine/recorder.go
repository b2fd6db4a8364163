package engine

import (
	"context"

	"github.com/roach88/tilegrid/internal/revision"
)

// EventKind names a trace event.
type EventKind string

const (
	EventSubmit      EventKind = "submit"
	EventMaterialize EventKind = "materialize"
	EventComplete    EventKind = "complete"
	EventFetch       EventKind = "fetch"
	EventFetched     EventKind = "fetched"
	EventPublish     EventKind = "publish"
	EventBroadcast   EventKind = "broadcast"
)

// Event is one step of the revision trace of a rank.
type Event struct {
	Seq    int64
	Kind   EventKind
	Task   string
	Tile   revision.Tile
	Time   int64
	Mode   string
	Detail string
}

// Recorder receives trace events in seq order from the rank's goroutine.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) error { return nil }

// MemoryRecorder keeps events in memory. Useful in tests.
type MemoryRecorder struct {
	Events []Event
}

// Record appends ev.
func (m *MemoryRecorder) Record(_ context.Context, ev Event) error {
	m.Events = append(m.Events, ev)
	return nil
}

// Filter returns the events of one kind.
func (m *MemoryRecorder) Filter(kind EventKind) []Event {
	var out []Event
	for _, ev := range m.Events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
