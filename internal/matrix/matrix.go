// Package matrix is the user-facing distributed matrix.
//
// A Matrix is a block-distributed float64 matrix bound to the scope it was
// created in. Every operation submits one kernel per tile; the owner of the
// written tile executes it and peers fetch results on demand. All ranks of
// the scope must call the same operations in the same order.
package matrix

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/tilegrid/internal/backbone"
	"github.com/roach88/tilegrid/internal/engine"
	"github.com/roach88/tilegrid/internal/kernels"
	"github.com/roach88/tilegrid/internal/layout"
	"github.com/roach88/tilegrid/internal/revision"
	"github.com/roach88/tilegrid/internal/transport"
)

const elemSize = 8

// Matrix is a tiled float64 matrix.
type Matrix struct {
	b       *backbone.Backbone
	name    string
	layout  *layout.Layout
	channel *transport.Channel
	freed   bool
}

// New constructs a rows x cols matrix of blockRows x blockCols tiles in the
// innermost scope of b. Tiles are created lazily and read as zero until
// written. The name is NFC-normalized.
func New(b *backbone.Backbone, name string, rows, cols, blockRows, blockCols int) (*Matrix, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("matrix: empty name")
	}
	spec, err := layout.NewMemspec(rows, cols, blockRows, blockCols, elemSize)
	if err != nil {
		return nil, fmt.Errorf("matrix %s: %w", name, err)
	}
	sc := b.Scope()
	m := &Matrix{
		b:       b,
		name:    name,
		layout:  layout.New(b.NewObjectID(), spec, sc.Group.Ranks()),
		channel: sc.Channel,
	}
	b.Logger().Debug("matrix created", "matrix", name, "object", m.ID(), "rows", rows, "cols", cols)
	return m, nil
}

// Name returns the normalized name.
func (m *Matrix) Name() string { return m.name }

// ID returns the distributed object id.
func (m *Matrix) ID() uint64 { return m.layout.Object() }

// Memspec returns the current shape.
func (m *Matrix) Memspec() layout.Memspec { return m.layout.Memspec() }

// Grid returns the tile grid dimensions.
func (m *Matrix) Grid() (int, int) { return m.layout.Memspec().Grid() }

// Layout returns the tile layout.
func (m *Matrix) Layout() *layout.Layout { return m.layout }

// Owner returns the world rank owning tile (i, j).
func (m *Matrix) Owner(i, j int) int { return m.layout.Owner(i, j) }

// Arg requests access to tile (i, j) in the given mode.
func (m *Matrix) Arg(i, j int, mode revision.Mode) engine.Arg {
	return engine.Arg{Entry: m.layout.At(i, j), Owner: m.layout.Owner(i, j), Mode: mode}
}

// Resize grows the matrix to at least rows x cols. Existing tiles keep
// their contents; new cells read as zero.
func (m *Matrix) Resize(rows, cols int) {
	m.layout.Grow(rows, cols)
}

func (m *Matrix) shape(i, j int) kernels.Shape {
	spec := m.layout.Memspec()
	r, c := spec.Extent(i, j)
	return kernels.Shape{Rows: r, Cols: c, LD: spec.BlockCols}
}

func (m *Matrix) kernelName(op string, i, j int) string {
	return fmt.Sprintf("%s.%s(%d,%d)", m.name, op, i, j)
}

func (m *Matrix) each(fn func(i, j int) error) error {
	gr, gc := m.Grid()
	for i := 0; i < gr; i++ {
		for j := 0; j < gc; j++ {
			if err := fn(i, j); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Matrix) sameShape(other *Matrix) error {
	a, b := m.Memspec(), other.Memspec()
	if a != b {
		return fmt.Errorf("matrix %s: shape %dx%d/%dx%d does not match %s %dx%d/%dx%d",
			m.name, a.Rows, a.Cols, a.BlockRows, a.BlockCols, other.name, b.Rows, b.Cols, b.BlockRows, b.BlockCols)
	}
	return nil
}

func (m *Matrix) submit(ctx context.Context, name string, k engine.Kernel, args []engine.Arg, opts ...engine.SubmitOption) error {
	if m.freed {
		return fmt.Errorf("matrix %s: used after Free", m.name)
	}
	return m.b.Controller().Submit(ctx, name, k, args, opts...)
}

// Fill sets every cell to v.
func (m *Matrix) Fill(ctx context.Context, v float64) error {
	return m.each(func(i, j int) error {
		return m.submit(ctx, m.kernelName("fill", i, j), kernels.Fill(v, m.shape(i, j)), []engine.Arg{m.Arg(i, j, revision.WriteOnly)})
	})
}

// FillReplicated sets every cell to v on every rank, without transport.
func (m *Matrix) FillReplicated(ctx context.Context, v float64) error {
	return m.each(func(i, j int) error {
		return m.submit(ctx, m.kernelName("fill", i, j), kernels.Fill(v, m.shape(i, j)), []engine.Arg{m.Arg(i, j, revision.WriteOnly)}, engine.Replicated())
	})
}

// Add stores a + b into m.
func (m *Matrix) Add(ctx context.Context, a, b *Matrix) error {
	if err := m.sameShape(a); err != nil {
		return err
	}
	if err := m.sameShape(b); err != nil {
		return err
	}
	return m.each(func(i, j int) error {
		return m.submit(ctx, m.kernelName("add", i, j), kernels.Add(), []engine.Arg{
			m.Arg(i, j, revision.WriteOnly),
			a.Arg(i, j, revision.ReadOnly),
			b.Arg(i, j, revision.ReadOnly),
		})
	})
}

// AddInPlace adds a to m.
func (m *Matrix) AddInPlace(ctx context.Context, a *Matrix) error {
	if err := m.sameShape(a); err != nil {
		return err
	}
	return m.each(func(i, j int) error {
		return m.submit(ctx, m.kernelName("acc", i, j), kernels.AddInPlace(), []engine.Arg{
			m.Arg(i, j, revision.ReadWrite),
			a.Arg(i, j, revision.ReadOnly),
		})
	})
}

// Scale multiplies m by alpha in place.
func (m *Matrix) Scale(ctx context.Context, alpha float64) error {
	return m.each(func(i, j int) error {
		return m.submit(ctx, m.kernelName("scale", i, j), kernels.Scale(alpha), []engine.Arg{m.Arg(i, j, revision.ReadWrite)})
	})
}

// Copy stores src into m.
func (m *Matrix) Copy(ctx context.Context, src *Matrix) error {
	if err := m.sameShape(src); err != nil {
		return err
	}
	return m.each(func(i, j int) error {
		return m.submit(ctx, m.kernelName("copy", i, j), kernels.Copy(), []engine.Arg{
			m.Arg(i, j, revision.WriteOnly),
			src.Arg(i, j, revision.ReadOnly),
		})
	})
}

// Gemm stores a * b into m. All three matrices must use the same square
// block size.
func (m *Matrix) Gemm(ctx context.Context, a, b *Matrix) error {
	sa, sb, sm := a.Memspec(), b.Memspec(), m.Memspec()
	n := sm.BlockRows
	for _, s := range []layout.Memspec{sa, sb, sm} {
		if s.BlockRows != n || s.BlockCols != n {
			return fmt.Errorf("matrix %s: gemm needs %dx%d blocks everywhere", m.name, n, n)
		}
	}
	if sa.Cols != sb.Rows || sm.Rows != sa.Rows || sm.Cols != sb.Cols {
		return fmt.Errorf("matrix %s: cannot multiply %dx%d by %dx%d into %dx%d",
			m.name, sa.Rows, sa.Cols, sb.Rows, sb.Cols, sm.Rows, sm.Cols)
	}
	_, inner := a.Grid()
	return m.each(func(i, j int) error {
		for k := 0; k < inner; k++ {
			mode := revision.ReadWrite
			if k == 0 {
				mode = revision.ZeroInit
			}
			err := m.submit(ctx, m.kernelName("gemm", i, j), kernels.Gemm(n), []engine.Arg{
				m.Arg(i, j, mode),
				a.Arg(i, k, revision.ReadOnly),
				b.Arg(k, j, revision.ReadOnly),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Gather assembles the whole matrix on the calling rank as a row-major
// slice. Every rank of the scope must call it.
func (m *Matrix) Gather(ctx context.Context) ([]float64, error) {
	spec := m.Memspec()
	out := make([]float64, spec.Rows*spec.Cols)
	err := m.each(func(i, j int) error {
		sh := m.shape(i, j)
		r0, c0 := i*spec.BlockRows, j*spec.BlockCols
		return m.submit(ctx, m.kernelName("gather", i, j), func(inv *engine.Invocation) error {
			src := kernels.Float64s(inv.Args[0])
			for r := 0; r < sh.Rows; r++ {
				copy(out[(r0+r)*spec.Cols+c0:(r0+r)*spec.Cols+c0+sh.Cols], src[r*sh.LD:r*sh.LD+sh.Cols])
			}
			return nil
		}, []engine.Arg{m.Arg(i, j, revision.ReadOnly)})
	})
	if err != nil {
		return nil, err
	}
	if err := m.b.Drain(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Free releases the local storage of every tile and withdraws published
// copies. Every member of the owning group must call it. Pending work is
// drained and the group meets at a barrier first, so no peer still fetches
// from the matrix. The matrix must not be used afterwards.
func (m *Matrix) Free(ctx context.Context) error {
	if m.freed {
		return nil
	}
	if err := m.b.Drain(ctx); err != nil {
		return err
	}
	if err := m.channel.ReleaseBarrier(ctx, m.ID()); err != nil {
		return err
	}
	m.freed = true
	m.layout.Teardown(m.b.Pool())
	m.channel.Forget(m.ID())
	return nil
}
