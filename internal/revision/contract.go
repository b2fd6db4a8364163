package revision

import (
	"fmt"

	"github.com/roach88/tilegrid/internal/fault"
)

// Mode is the access mode requested for a kernel argument.
type Mode uint8

const (
	// ReadOnly reads the current revision without mutating it.
	ReadOnly Mode = iota

	// ReadWrite reads the parent revision and writes a new one.
	ReadWrite

	// WriteOnly overwrites the tile entirely; the parent's bytes are not
	// needed.
	WriteOnly

	// ZeroInit is WriteOnly with the buffer zero-filled before the kernel
	// runs.
	ZeroInit
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read"
	case ReadWrite:
		return "shared"
	case WriteOnly:
		return "write"
	case ZeroInit:
		return "private"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Writable reports whether the mode produces a new revision.
func (m Mode) Writable() bool {
	return m != ReadOnly
}

// ReadsParent reports whether the kernel consumes the parent's bytes.
func (m Mode) ReadsParent() bool {
	return m == ReadOnly || m == ReadWrite
}

// Decision is what a contract did to materialize a revision.
type Decision uint8

const (
	// None means the revision was already materialized. Only reads accept
	// that; a writable contract panics instead.
	None Decision = iota
	// DecideCalloc allocated zeroed storage.
	DecideCalloc
	// DecideAlloc allocated storage without copying.
	DecideAlloc
	// DecideCopy allocated storage and copied the parent in.
	DecideCopy
	// DecideReuse took over the parent's storage.
	DecideReuse
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case None:
		return "none"
	case DecideCalloc:
		return "calloc"
	case DecideAlloc:
		return "alloc"
	case DecideCopy:
		return "copy"
	case DecideReuse:
		return "reuse"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// Contract materializes a revision for one access mode.
type Contract interface {
	// Decide picks a transition without side effects.
	Decide(r, parent *Revision) Decision

	// Materialize applies the decision and returns it.
	Materialize(st Storage, r, parent *Revision) Decision
}

// ContractFor returns the contract implementing mode m.
func ContractFor(m Mode) Contract {
	switch m {
	case ReadOnly:
		return readContract{}
	case ReadWrite:
		return sharedContract{}
	case WriteOnly:
		return writeContract{}
	case ZeroInit:
		return privateContract{}
	default:
		panic(fmt.Sprintf("revision: unknown mode %d", m))
	}
}

// Materialize is shorthand for ContractFor(m).Materialize.
func Materialize(st Storage, m Mode, r, parent *Revision) Decision {
	return ContractFor(m).Materialize(st, r, parent)
}

func apply(st Storage, d Decision, r, parent *Revision) Decision {
	switch d {
	case DecideCalloc:
		Calloc(st, r)
	case DecideAlloc:
		Alloc(st, r, parent, false)
	case DecideCopy:
		Alloc(st, r, parent, true)
	case DecideReuse:
		Reuse(r, parent)
	}
	return d
}

// mustBeFresh panics when a writable contract meets storage that is
// already bound. Every revision is written once.
func mustBeFresh(r *Revision) {
	if r.bound {
		fault.Panic(fault.ErrCodeWriteOnce, "revision %s@%d already materialized", r.tile, r.Time)
	}
}

func usable(parent *Revision) bool {
	return parent != nil && parent.Valid()
}

// readContract: an unmaterialized tile reads as zeros.
type readContract struct{}

func (readContract) Decide(r, _ *Revision) Decision {
	if r.bound {
		return None
	}
	return DecideCalloc
}

func (c readContract) Materialize(st Storage, r, parent *Revision) Decision {
	return apply(st, c.Decide(r, parent), r, parent)
}

// sharedContract writes in place unless readers still hold the parent.
type sharedContract struct{}

func (sharedContract) Decide(r, parent *Revision) Decision {
	switch {
	case r.bound:
		return None
	case !usable(parent):
		return DecideCalloc
	case parent.Locked():
		return DecideCopy
	default:
		return DecideReuse
	}
}

func (c sharedContract) Materialize(st Storage, r, parent *Revision) Decision {
	mustBeFresh(r)
	return apply(st, c.Decide(r, parent), r, parent)
}

type writeContract struct{}

func (writeContract) Decide(r, parent *Revision) Decision {
	switch {
	case r.bound:
		return None
	case !usable(parent) || parent.Locked():
		return DecideAlloc
	default:
		return DecideReuse
	}
}

func (c writeContract) Materialize(st Storage, r, parent *Revision) Decision {
	mustBeFresh(r)
	return apply(st, c.Decide(r, parent), r, parent)
}

type privateContract struct{ writeContract }

func (c privateContract) Materialize(st Storage, r, parent *Revision) Decision {
	d := c.writeContract.Materialize(st, r, parent)
	st.Zero(r.handle)
	return d
}
