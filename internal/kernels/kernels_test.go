package kernels

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tilegrid/internal/engine"
	"github.com/roach88/tilegrid/internal/layout"
	"github.com/roach88/tilegrid/internal/pool"
	"github.com/roach88/tilegrid/internal/revision"
	"github.com/roach88/tilegrid/internal/scope"
	"github.com/roach88/tilegrid/internal/transport"
)

func bytesOf(f []float64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*elemSize)
}

func invoke(t *testing.T, k engine.Kernel, args ...[]float64) {
	t.Helper()
	inv := &engine.Invocation{Name: "test"}
	for _, a := range args {
		inv.Args = append(inv.Args, bytesOf(a))
	}
	require.NoError(t, k(inv))
}

func TestFloat64s_View(t *testing.T) {
	f := []float64{1, 2, 3}
	view := Float64s(bytesOf(f))
	require.Len(t, view, 3)
	view[1] = 7
	assert.Equal(t, 7.0, f[1])

	assert.Nil(t, Float64s(nil))
	assert.Nil(t, Float64s(make([]byte, 4)))
}

func TestFill_ExtentOnly(t *testing.T) {
	tile := []float64{9, 9, 9, 9, 9, 9, 9, 9, 9}
	invoke(t, Fill(2, Shape{Rows: 2, Cols: 1, LD: 3}), tile)
	assert.Equal(t, []float64{2, 0, 0, 2, 0, 0, 0, 0, 0}, tile)
}

func TestElementwise(t *testing.T) {
	dst := make([]float64, 4)
	a := []float64{1, 2, 3, 4}
	b := []float64{10, 20, 30, 40}

	invoke(t, Add(), dst, a, b)
	assert.Equal(t, []float64{11, 22, 33, 44}, dst)

	invoke(t, AddInPlace(), dst, a)
	assert.Equal(t, []float64{12, 24, 36, 48}, dst)

	invoke(t, Scale(0.5), dst)
	assert.Equal(t, []float64{6, 12, 18, 24}, dst)

	invoke(t, Copy(), dst, b)
	assert.Equal(t, b, dst)
}

func TestKernels_RejectBadArguments(t *testing.T) {
	inv := &engine.Invocation{Name: "add", Args: [][]byte{make([]byte, 16), make([]byte, 8), make([]byte, 16)}}
	assert.ErrorContains(t, Add()(inv), "argument 1 has 8 bytes")

	inv = &engine.Invocation{Name: "scale", Args: [][]byte{make([]byte, 8), make([]byte, 8)}}
	assert.ErrorContains(t, Scale(2)(inv), "got 2 arguments, want 1")
}

func TestGemm_AccumulatesThroughController(t *testing.T) {
	f := transport.NewFabric(1, transport.DefaultMaxTag)
	p := pool.New(pool.Options{ChunkSize: 4096})
	ch := transport.NewChannel(transport.NewWorld(1), f.Endpoint(0), p)
	c := engine.NewController(scope.NewStack(scope.New(ch), scope.Actor{Name: "main", Kind: scope.Parallel}), p)

	spec, err := layout.NewMemspec(2, 6, 2, 2, elemSize)
	require.NoError(t, err)
	l := layout.New(1, spec, []int{0})
	arg := func(j int, m revision.Mode) engine.Arg {
		return engine.Arg{Entry: l.At(0, j), Owner: 0, Mode: m}
	}
	set := func(vals ...float64) engine.Kernel {
		return func(inv *engine.Invocation) error {
			copy(Float64s(inv.Args[0]), vals)
			return nil
		}
	}

	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, "a", set(1, 2, 3, 4), []engine.Arg{arg(0, revision.WriteOnly)}))
	require.NoError(t, c.Submit(ctx, "b", set(5, 6, 7, 8), []engine.Arg{arg(1, revision.WriteOnly)}))
	require.NoError(t, c.Submit(ctx, "gemm", Gemm(2), []engine.Arg{arg(2, revision.ZeroInit), arg(0, revision.ReadOnly), arg(1, revision.ReadOnly)}))
	require.NoError(t, c.Submit(ctx, "gemm", Gemm(2), []engine.Arg{arg(2, revision.ReadWrite), arg(0, revision.ReadOnly), arg(1, revision.ReadOnly)}))

	n, err := c.Schedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	out := Float64s(p.Bytes(l.At(0, 2).History().Back().Handle()))
	assert.Equal(t, []float64{38, 44, 86, 100}, out[:4])
	assert.Equal(t, 0, p.Stats().Tag(pool.TagInstr).Live, "scratch is rewound after the pass")
}
