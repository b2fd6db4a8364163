// Package revision implements the versioned-object layer of the runtime.
//
// Every tile of a distributed matrix owns a History: an append-only chain of
// Revisions stamped with a monotonically increasing time. A revision records
// who is authoritative for it (State and Owner), the storage handle backing
// it, and the task that produces it (its generator).
//
// Storage is addressed by pool handles. An in-place update is expressed as
// "same handle, new version" (Reuse) and a copy-on-write as "new handle plus
// memcopy" (Alloc with copy), which keeps aliasing explicit and checkable.
//
// Revisions are write-once: storage is bound at most once, a generator is
// claimed at most once and completion happens at most once. Each violation
// panics with WRITE_ONCE.
package revision

import (
	"fmt"

	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/pool"
)

// State is the coherence state of a revision on the local rank.
type State uint8

const (
	// Unbound revisions have no owner and no memory.
	Unbound State = iota

	// Local revisions are produced by this rank.
	Local

	// Remote revisions are produced by another rank. This rank may hold a
	// fetched copy.
	Remote

	// Common revisions are replicated on every rank of the scope.
	Common
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Local:
		return "local"
	case Remote:
		return "remote"
	case Common:
		return "common"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Spec describes the shape of one tile.
type Spec struct {
	Rows     int
	Cols     int
	ElemSize int
}

// Size returns the payload size in bytes.
func (s Spec) Size() int {
	return s.Rows * s.Cols * s.ElemSize
}

// Tile identifies one block of a distributed object.
type Tile struct {
	Object uint64
	Row    int
	Col    int
}

// String formats the tile as "object(row,col)".
func (t Tile) String() string {
	return fmt.Sprintf("%d(%d,%d)", t.Object, t.Row, t.Col)
}

// Generator is the task that produces a revision.
type Generator interface {
	Name() string
}

// Storage is the allocator revisions materialize from. *pool.Pool
// satisfies it.
type Storage interface {
	MustAlloc(tag pool.Tag, size int) pool.Handle
	Bytes(h pool.Handle) []byte
	Free(h pool.Handle)
	Zero(h pool.Handle)
}

// Revision is one version of a tile.
type Revision struct {
	// Time is the position in the owning history.
	Time int64

	// State is the coherence state at creation.
	State State

	// Owner is the world rank authoritative for this revision.
	Owner int

	// Spec is the tile shape.
	Spec Spec

	tile      Tile
	handle    pool.Handle
	generator Generator
	locks     int
	pins      int

	bound     bool // storage set
	moved     bool // storage handed to a child by Reuse
	freed     bool // storage returned by Squeeze
	used      bool // generator claimed
	complete  bool // generator finished
	requested bool // fetch already issued
	released  bool // fetched copy handed back to the controller
}

// Tile returns the tile this revision belongs to.
func (r *Revision) Tile() Tile { return r.tile }

// Handle returns the storage handle, pool.Nil when unbound.
func (r *Revision) Handle() pool.Handle { return r.handle }

// Bound reports whether storage has been materialized.
func (r *Revision) Bound() bool { return r.bound }

// Moved reports whether a child took over the storage in place.
func (r *Revision) Moved() bool { return r.moved }

// Complete reports whether the generator has finished.
func (r *Revision) Complete() bool { return r.complete }

// Used reports whether a generator has claimed the revision.
func (r *Revision) Used() bool { return r.used }

// Released reports whether a fetched copy was handed back.
func (r *Revision) Released() bool { return r.released }

// Generator returns the claiming task, nil if unclaimed.
func (r *Revision) Generator() Generator { return r.generator }

// Valid reports whether the revision's storage is readable.
func (r *Revision) Valid() bool {
	return r.bound && r.complete && !r.moved && !r.freed
}

// Locked reports whether in-flight readers still depend on the storage.
func (r *Revision) Locked() bool { return r.locks > 0 }

// Lock registers an in-flight reader.
func (r *Revision) Lock() { r.locks++ }

// Unlock drops an in-flight reader.
func (r *Revision) Unlock() {
	if r.locks == 0 {
		fault.Panic(fault.ErrCodeUnbalanced, "unlock of unlocked revision %s@%d", r.tile, r.Time)
	}
	r.locks--
}

// Pin keeps a superseded revision alive for a pending writer that will
// derive from it. Unlike Lock it does not force a copy.
func (r *Revision) Pin() { r.pins++ }

// Unpin drops a pin taken by Pin.
func (r *Revision) Unpin() {
	if r.pins == 0 {
		fault.Panic(fault.ErrCodeUnbalanced, "unpin of unpinned revision %s@%d", r.tile, r.Time)
	}
	r.pins--
}

// Claim records g as the single generator of r.
func (r *Revision) Claim(g Generator) {
	if r.used {
		fault.Panic(fault.ErrCodeWriteOnce, "revision %s@%d already claimed by %s", r.tile, r.Time, generatorName(r.generator))
	}
	r.used = true
	r.generator = g
}

// MarkComplete publishes the revision to readers.
func (r *Revision) MarkComplete() {
	if r.complete {
		fault.Panic(fault.ErrCodeWriteOnce, "revision %s@%d completed twice", r.tile, r.Time)
	}
	r.complete = true
}

// MarkRequested returns true the first time it is called.
func (r *Revision) MarkRequested() bool {
	if r.requested {
		return false
	}
	r.requested = true
	return true
}

// Requested reports whether a fetch was issued.
func (r *Revision) Requested() bool { return r.requested }

// Release marks a fetched copy as handed back.
func (r *Revision) Release() { r.released = true }

// bind sets the storage of r. Storage is write-once.
func (r *Revision) bind(h pool.Handle) {
	if r.bound {
		fault.Panic(fault.ErrCodeWriteOnce, "revision %s@%d already materialized", r.tile, r.Time)
	}
	r.handle = h
	r.bound = true
}

// Calloc materializes r with fresh zeroed storage.
func Calloc(st Storage, r *Revision) {
	h := st.MustAlloc(pool.TagData, r.Spec.Size())
	r.bind(h)
	st.Zero(h)
}

// Alloc materializes r with fresh storage. With copy set the parent's bytes
// are copied in; the parent is left untouched.
func Alloc(st Storage, r, parent *Revision, copyParent bool) {
	h := st.MustAlloc(pool.TagData, r.Spec.Size())
	r.bind(h)
	if copyParent {
		copy(st.Bytes(h), st.Bytes(parent.handle))
	}
}

// Reuse hands the parent's storage to r. The parent must be valid and
// unlocked; afterwards it is no longer readable.
func Reuse(r, parent *Revision) {
	if parent.Locked() {
		fault.Panic(fault.ErrCodeLockedParent, "revision %s@%d has %d in-flight readers", parent.tile, parent.Time, parent.locks)
	}
	if !parent.Valid() {
		fault.Panic(fault.ErrCodeStaleHandle, "revision %s@%d is not valid for reuse", parent.tile, parent.Time)
	}
	r.bind(parent.handle)
	parent.moved = true
}

// Bind attaches externally produced storage, such as a fetched copy.
func Bind(r *Revision, h pool.Handle) {
	r.bind(h)
}

func generatorName(g Generator) string {
	if g == nil {
		return "<nil>"
	}
	return g.Name()
}
