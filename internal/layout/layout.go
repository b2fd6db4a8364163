package layout

import (
	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/revision"
)

// ProcGrid arranges the ranks of a scope as a 2-D grid for block-cyclic
// distribution.
type ProcGrid struct {
	Rows int
	Cols int
}

// NewProcGrid picks the most square factorization of n with Rows <= Cols.
func NewProcGrid(n int) ProcGrid {
	if n < 1 {
		n = 1
	}
	rows := 1
	for r := 1; r*r <= n; r++ {
		if n%r == 0 {
			rows = r
		}
	}
	return ProcGrid{Rows: rows, Cols: n / rows}
}

// Layout owns the entries of one distributed matrix.
type Layout struct {
	object  uint64
	spec    Memspec
	procs   ProcGrid
	ranks   []int
	entries [][]*Entry
	marker  Marker
}

// New creates a layout distributing the blocks of spec over ranks (world
// ranks of the owning scope, in group order).
func New(object uint64, spec Memspec, ranks []int) *Layout {
	if len(ranks) == 0 {
		ranks = []int{0}
	}
	l := &Layout{
		object: object,
		spec:   spec,
		procs:  NewProcGrid(len(ranks)),
		ranks:  append([]int(nil), ranks...),
	}
	l.resize()
	return l
}

// Object returns the distributed object id.
func (l *Layout) Object() uint64 { return l.object }

// Memspec returns the current shape.
func (l *Layout) Memspec() Memspec { return l.spec }

// Marker returns the materialized high-water mark.
func (l *Layout) Marker() Marker { return l.marker }

// Ranks returns the world ranks the layout distributes over.
func (l *Layout) Ranks() []int { return append([]int(nil), l.ranks...) }

// Owner returns the world rank owning block (i, j).
func (l *Layout) Owner(i, j int) int {
	l.check(i, j)
	p := (i%l.procs.Rows)*l.procs.Cols + j%l.procs.Cols
	return l.ranks[p]
}

// At returns the entry of block (i, j), creating it on first access.
// Blocks outside the current grid panic with OUT_OF_BOUNDS.
func (l *Layout) At(i, j int) *Entry {
	l.check(i, j)
	e := l.entries[i][j]
	if e == nil {
		tile := revision.Tile{Object: l.object, Row: i, Col: j}
		e = newEntry(tile, l.spec.TileSpec(), l.Owner(i, j))
		l.entries[i][j] = e
		l.marker.extend(i, j)
	}
	return e
}

// Lookup returns the entry of block (i, j) if it was ever accessed.
func (l *Layout) Lookup(i, j int) (*Entry, bool) {
	gr, gc := l.spec.Grid()
	if i < 0 || j < 0 || i >= gr || j >= gc {
		return nil, false
	}
	e := l.entries[i][j]
	return e, e != nil
}

// Grow extends the logical dimensions. Existing entries keep their state.
func (l *Layout) Grow(rows, cols int) {
	l.spec = l.spec.Grow(rows, cols)
	l.resize()
}

// Each calls fn for every materialized entry in row-major order.
func (l *Layout) Each(fn func(i, j int, e *Entry)) {
	for i := 0; i < l.marker.Rows; i++ {
		for j := 0; j < l.marker.Cols; j++ {
			if e := l.entries[i][j]; e != nil {
				fn(i, j, e)
			}
		}
	}
}

// Teardown releases all storage and forgets every entry.
func (l *Layout) Teardown(st revision.Storage) {
	l.Each(func(i, j int, e *Entry) {
		e.history.Teardown(st)
		l.entries[i][j] = nil
	})
	l.marker = Marker{}
}

func (l *Layout) check(i, j int) {
	gr, gc := l.spec.Grid()
	if i < 0 || j < 0 || i >= gr || j >= gc {
		panic(fault.New(fault.ErrCodeOutOfBounds, "block (%d,%d) outside %dx%d grid", i, j, gr, gc).WithObject(l.object))
	}
}

func (l *Layout) resize() {
	gr, gc := l.spec.Grid()
	for len(l.entries) < gr {
		l.entries = append(l.entries, nil)
	}
	for i := range l.entries {
		for len(l.entries[i]) < gc {
			l.entries[i] = append(l.entries[i], nil)
		}
	}
}
