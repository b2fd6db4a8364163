package layout

import (
	"slices"

	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/pool"
	"github.com/roach88/tilegrid/internal/revision"
)

// Entry is the state of one block: its history, the storage handle most
// recently materialized for it, a writer lock, the kernels waiting on it and
// whether a fetch is in flight.
type Entry struct {
	history   *revision.History
	handle    pool.Handle
	locked    bool
	waiters   []string
	requested bool
}

func newEntry(tile revision.Tile, spec revision.Spec, owner int) *Entry {
	return &Entry{history: revision.NewHistory(tile, spec, owner)}
}

// History returns the revision chain of the block.
func (e *Entry) History() *revision.History { return e.history }

// Handle returns the last bound storage handle, pool.Nil before the first
// materialization.
func (e *Entry) Handle() pool.Handle { return e.handle }

// Bind records the storage of a freshly materialized revision. Once set the
// handle is only replaced, never cleared, until Teardown.
func (e *Entry) Bind(h pool.Handle) {
	if h == pool.Nil {
		fault.Panic(fault.ErrCodeStaleHandle, "entry %s bound to nil storage", e.history.Tile())
	}
	e.handle = h
}

// Lock marks a writer in flight. A second concurrent writer is a contract
// violation.
func (e *Entry) Lock() {
	if e.locked {
		fault.Panic(fault.ErrCodeWriteOnce, "entry %s already has a writer in flight", e.history.Tile())
	}
	e.locked = true
}

// Unlock clears the writer lock.
func (e *Entry) Unlock() { e.locked = false }

// Locked reports whether a writer is in flight.
func (e *Entry) Locked() bool { return e.locked }

// AddWaiter records a task waiting on the block.
func (e *Entry) AddWaiter(name string) {
	e.waiters = append(e.waiters, name)
}

// RemoveWaiter forgets one occurrence of name.
func (e *Entry) RemoveWaiter(name string) {
	if i := slices.Index(e.waiters, name); i >= 0 {
		e.waiters = slices.Delete(e.waiters, i, i+1)
	}
}

// Waiters returns the tasks waiting on the block in arrival order.
func (e *Entry) Waiters() []string {
	return slices.Clone(e.waiters)
}

// SetRequested records whether a fetch for the block is in flight.
func (e *Entry) SetRequested(v bool) { e.requested = v }

// Requested reports whether a fetch for the block is in flight.
func (e *Entry) Requested() bool { return e.requested }

// Marker is the high-water mark of the materialized part of the grid.
type Marker struct {
	Rows int
	Cols int
}

// Covers reports whether block (i, j) lies inside the mark.
func (m Marker) Covers(i, j int) bool {
	return i < m.Rows && j < m.Cols
}

// extend raises the mark to include block (i, j).
func (m *Marker) extend(i, j int) {
	m.Rows = max(m.Rows, i+1)
	m.Cols = max(m.Cols, j+1)
}
