package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tilegrid/internal/fault"
)

func TestContract_Decisions(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		parent string // "none", "invalid", "locked", "valid"
		want   Decision
	}{
		{"read fresh", ReadOnly, "none", DecideCalloc},
		{"shared invalid parent", ReadWrite, "invalid", DecideCalloc},
		{"shared locked parent", ReadWrite, "locked", DecideCopy},
		{"shared valid parent", ReadWrite, "valid", DecideReuse},
		{"write invalid parent", WriteOnly, "invalid", DecideAlloc},
		{"write locked parent", WriteOnly, "locked", DecideAlloc},
		{"write valid parent", WriteOnly, "valid", DecideReuse},
		{"private no parent", ZeroInit, "none", DecideAlloc},
		{"private valid parent", ZeroInit, "valid", DecideReuse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStorage()
			h := NewHistory(Tile{}, testSpec, 0)

			var parent *Revision
			switch tt.parent {
			case "invalid":
				parent = h.Back()
			case "locked":
				parent = completed(t, st, h, 1)
				parent.Lock()
			case "valid":
				parent = completed(t, st, h, 1)
			}

			r := h.Push(Local, 0)
			c := ContractFor(tt.mode)
			assert.Equal(t, tt.want, c.Decide(r, parent))
			assert.Equal(t, tt.want, c.Materialize(st, r, parent))
			assert.True(t, r.Bound())
			assert.Equal(t, None, c.Decide(r, parent), "materialized revisions need nothing")
		})
	}
}

func TestContract_ReadOnlyNeverTouchesParent(t *testing.T) {
	st := newStorage()
	h := NewHistory(Tile{}, testSpec, 0)
	parent := completed(t, st, h, 5)

	r := h.Back()
	assert.Equal(t, None, Materialize(st, ReadOnly, r, parent))
	assert.True(t, parent.Valid())
	assert.False(t, parent.Moved())
}

// Writing through the write-only contract and reading back through the
// read contract yields exactly the bytes written.
func TestContract_WriteThenReadRoundTrip(t *testing.T) {
	st := newStorage()
	h := NewHistory(Tile{}, testSpec, 0)
	// Leave garbage in the recycled block to prove nothing zeroes it.
	garbage := completed(t, st, h, 0xEE)

	w := h.Push(Local, 0)
	w.Claim(namedTask("writer"))
	require.Equal(t, DecideReuse, Materialize(st, WriteOnly, w, garbage))
	want := []byte("0123456789abcdef0123456789abcdef")
	copy(st.Bytes(w.Handle()), want)
	w.MarkComplete()

	assert.Equal(t, None, Materialize(st, ReadOnly, w, nil))
	assert.Equal(t, want, st.Bytes(w.Handle()))
}

func TestContract_PrivateYieldsZeros(t *testing.T) {
	st := newStorage()
	h := NewHistory(Tile{}, testSpec, 0)
	parent := completed(t, st, h, 0xEE)

	r := h.Push(Local, 0)
	require.Equal(t, DecideReuse, Materialize(st, ZeroInit, r, parent))
	assert.Equal(t, make([]byte, testSpec.Size()), st.Bytes(r.Handle()))
}

func TestContract_WritableRefusesBoundRevision(t *testing.T) {
	for _, m := range []Mode{ReadWrite, WriteOnly, ZeroInit} {
		t.Run(m.String(), func(t *testing.T) {
			st := newStorage()
			h := NewHistory(Tile{}, testSpec, 0)
			r := completed(t, st, h, 4)

			requireCode(t, fault.ErrCodeWriteOnce, func() { Materialize(st, m, r, nil) })
			assert.Equal(t, byte(4), st.Bytes(r.Handle())[0], "stored bytes untouched")
		})
	}
}

func TestContract_SecondWriteOnlyMaterializePanics(t *testing.T) {
	st := newStorage()
	h := NewHistory(Tile{}, testSpec, 0)
	r := h.Push(Local, 0)

	assert.Equal(t, DecideAlloc, Materialize(st, WriteOnly, r, nil))
	requireCode(t, fault.ErrCodeWriteOnce, func() { Materialize(st, WriteOnly, r, nil) })
}

// Two sequential writes alias while the first is unread and split once a
// reader holds it.
func TestContract_SequentialWritesAliasUnlessLocked(t *testing.T) {
	st := newStorage()
	h := NewHistory(Tile{}, testSpec, 0)
	first := completed(t, st, h, 1)

	second := h.Push(Local, 0)
	Materialize(st, WriteOnly, second, first)
	assert.Equal(t, first.Handle(), second.Handle())
	second.MarkComplete()

	second.Lock()
	third := h.Push(Local, 0)
	Materialize(st, WriteOnly, third, second)
	assert.NotEqual(t, second.Handle(), third.Handle())
	assert.True(t, second.Valid(), "locked parent stays readable")
}

func TestMode_Predicates(t *testing.T) {
	assert.False(t, ReadOnly.Writable())
	assert.True(t, ReadWrite.Writable())
	assert.True(t, ZeroInit.Writable())

	assert.True(t, ReadOnly.ReadsParent())
	assert.True(t, ReadWrite.ReadsParent())
	assert.False(t, WriteOnly.ReadsParent())
	assert.False(t, ZeroInit.ReadsParent())
}
