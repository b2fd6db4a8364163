// Package layout maps the logical block grid of a distributed matrix to
// per-tile state and to owning ranks.
package layout

import (
	"fmt"

	"github.com/roach88/tilegrid/internal/revision"
)

// Memspec is the immutable shape of a tiled matrix. All tiles share one
// block shape; edge tiles are padded.
type Memspec struct {
	BlockRows int
	BlockCols int
	Rows      int
	Cols      int
	ElemSize  int
}

// NewMemspec validates and returns a shape.
func NewMemspec(rows, cols, blockRows, blockCols, elemSize int) (Memspec, error) {
	if rows < 0 || cols < 0 {
		return Memspec{}, fmt.Errorf("layout: negative dimension %dx%d", rows, cols)
	}
	if blockRows <= 0 || blockCols <= 0 {
		return Memspec{}, fmt.Errorf("layout: block size must be positive, got %dx%d", blockRows, blockCols)
	}
	if elemSize <= 0 {
		return Memspec{}, fmt.Errorf("layout: element size must be positive, got %d", elemSize)
	}
	return Memspec{
		BlockRows: blockRows,
		BlockCols: blockCols,
		Rows:      rows,
		Cols:      cols,
		ElemSize:  elemSize,
	}, nil
}

// Grid returns the number of block rows and block columns.
func (m Memspec) Grid() (int, int) {
	return ceilDiv(m.Rows, m.BlockRows), ceilDiv(m.Cols, m.BlockCols)
}

// TileSpec returns the shape shared by every tile.
func (m Memspec) TileSpec() revision.Spec {
	return revision.Spec{Rows: m.BlockRows, Cols: m.BlockCols, ElemSize: m.ElemSize}
}

// Extent returns the number of logical rows and columns held by tile (i, j).
// Edge tiles hold fewer than a full block.
func (m Memspec) Extent(i, j int) (int, int) {
	return min(m.BlockRows, m.Rows-i*m.BlockRows), min(m.BlockCols, m.Cols-j*m.BlockCols)
}

// Grow returns a shape at least rows x cols. Dimensions never shrink.
func (m Memspec) Grow(rows, cols int) Memspec {
	m.Rows = max(m.Rows, rows)
	m.Cols = max(m.Cols, cols)
	return m
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
