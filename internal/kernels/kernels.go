// Package kernels provides the float64 tile kernels used by matrices.
//
// A tile is a padded BlockRows x BlockCols block stored row-major with a
// leading dimension of BlockCols. Edge tiles only use their extent; the
// padding is kept at zero so products over full blocks stay exact.
package kernels

import (
	"fmt"
	"unsafe"

	"github.com/roach88/tilegrid/internal/engine"
)

const elemSize = int(unsafe.Sizeof(float64(0)))

// Float64s views a tile buffer as float64 elements. Pool buffers are
// cache-line aligned, so the view is always aligned.
func Float64s(b []byte) []float64 {
	if len(b) < elemSize {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/elemSize)
}

// Shape is the used extent of a tile and its leading dimension.
type Shape struct {
	Rows int
	Cols int
	LD   int
}

func checkArgs(inv *engine.Invocation, n int) error {
	if len(inv.Args) != n {
		return fmt.Errorf("%s: got %d arguments, want %d", inv.Name, len(inv.Args), n)
	}
	size := len(inv.Args[0])
	for i, a := range inv.Args[1:] {
		if len(a) != size {
			return fmt.Errorf("%s: argument %d has %d bytes, want %d", inv.Name, i+1, len(a), size)
		}
	}
	return nil
}

// Fill sets the extent of args[0] to v and its padding to zero.
func Fill(v float64, s Shape) engine.Kernel {
	return func(inv *engine.Invocation) error {
		if err := checkArgs(inv, 1); err != nil {
			return err
		}
		dst := Float64s(inv.Args[0])
		clear(dst)
		for r := 0; r < s.Rows; r++ {
			row := dst[r*s.LD : r*s.LD+s.Cols]
			for c := range row {
				row[c] = v
			}
		}
		return nil
	}
}

// Copy copies args[1] into args[0].
func Copy() engine.Kernel {
	return func(inv *engine.Invocation) error {
		if err := checkArgs(inv, 2); err != nil {
			return err
		}
		copy(inv.Args[0], inv.Args[1])
		return nil
	}
}

// Add stores args[1] + args[2] into args[0].
func Add() engine.Kernel {
	return func(inv *engine.Invocation) error {
		if err := checkArgs(inv, 3); err != nil {
			return err
		}
		dst, a, b := Float64s(inv.Args[0]), Float64s(inv.Args[1]), Float64s(inv.Args[2])
		for i := range dst {
			dst[i] = a[i] + b[i]
		}
		return nil
	}
}

// AddInPlace adds args[1] to args[0].
func AddInPlace() engine.Kernel {
	return func(inv *engine.Invocation) error {
		if err := checkArgs(inv, 2); err != nil {
			return err
		}
		dst, a := Float64s(inv.Args[0]), Float64s(inv.Args[1])
		for i := range dst {
			dst[i] += a[i]
		}
		return nil
	}
}

// Scale multiplies args[0] by alpha in place.
func Scale(alpha float64) engine.Kernel {
	return func(inv *engine.Invocation) error {
		if err := checkArgs(inv, 1); err != nil {
			return err
		}
		dst := Float64s(inv.Args[0])
		for i := range dst {
			dst[i] *= alpha
		}
		return nil
	}
}

// Gemm accumulates args[1] * args[2] into args[0]. All three are n x n
// blocks. B is transposed into instruction scratch first so the inner loop
// walks both operands contiguously.
func Gemm(n int) engine.Kernel {
	return func(inv *engine.Invocation) error {
		if err := checkArgs(inv, 3); err != nil {
			return err
		}
		c, a, b := Float64s(inv.Args[0]), Float64s(inv.Args[1]), Float64s(inv.Args[2])
		if len(c) < n*n {
			return fmt.Errorf("%s: %d elements cannot hold a %dx%d block", inv.Name, len(c), n, n)
		}
		scratch, err := inv.Scratch(n * n * elemSize)
		if err != nil {
			return err
		}
		bt := Float64s(scratch)
		for k := 0; k < n; k++ {
			for j := 0; j < n; j++ {
				bt[j*n+k] = b[k*n+j]
			}
		}
		for i := 0; i < n; i++ {
			ai := a[i*n : i*n+n]
			for j := 0; j < n; j++ {
				bj := bt[j*n : j*n+n]
				var sum float64
				for k := range ai {
					sum += ai[k] * bj[k]
				}
				c[i*n+j] += sum
			}
		}
		return nil
	}
}
