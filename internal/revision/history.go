package revision

import "github.com/roach88/tilegrid/internal/fault"

// History is the append-only chain of revisions of one tile.
//
// Back is always the most recent revision. Older revisions stay reachable
// through At until Squeeze has released their storage and compacted them
// away; they are never mutated after being superseded.
type History struct {
	tile Tile
	spec Spec
	revs []*Revision
	base int64 // time of revs[0]
}

// NewHistory creates a history holding one unbound revision at time 0.
func NewHistory(tile Tile, spec Spec, owner int) *History {
	h := &History{tile: tile, spec: spec}
	h.revs = append(h.revs, &Revision{
		Time:  0,
		State: Unbound,
		Owner: owner,
		Spec:  spec,
		tile:  tile,
	})
	return h
}

// Tile returns the tile the history belongs to.
func (h *History) Tile() Tile { return h.tile }

// Spec returns the tile shape.
func (h *History) Spec() Spec { return h.spec }

// Back returns the most recent revision.
func (h *History) Back() *Revision {
	return h.revs[len(h.revs)-1]
}

// Push appends a new revision and returns it. Times increase by one.
func (h *History) Push(state State, owner int) *Revision {
	r := &Revision{
		Time:  h.Back().Time + 1,
		State: state,
		Owner: owner,
		Spec:  h.spec,
		tile:  h.tile,
	}
	h.revs = append(h.revs, r)
	return r
}

// At returns the revision stamped with time t. Revisions compacted by
// Squeeze are no longer reachable.
func (h *History) At(t int64) (*Revision, bool) {
	idx := t - h.base
	if idx < 0 || idx >= int64(len(h.revs)) {
		return nil, false
	}
	return h.revs[idx], true
}

// Len returns the number of reachable revisions.
func (h *History) Len() int {
	return len(h.revs)
}

// Squeeze releases the storage of superseded revisions nobody reads any
// more and drops them from the front of the chain. A superseded revision
// with no generator and no readers can never be materialized, so it is
// dropped as well. It returns the number of buffers freed.
func (h *History) Squeeze(st Storage) int {
	freed := 0
	last := len(h.revs) - 1
	for _, r := range h.revs[:last] {
		if r.locks > 0 || r.pins > 0 || r.freed || (!r.complete && r.used) {
			continue
		}
		if r.bound && !r.moved {
			st.Free(r.handle)
			freed++
		}
		r.freed = true
	}

	drop := 0
	for drop < last && h.revs[drop].freed {
		h.revs[drop] = nil
		drop++
	}
	if drop > 0 {
		h.revs = append(h.revs[:0], h.revs[drop:]...)
		h.base += int64(drop)
	}
	return freed
}

// Teardown frees all storage held by the history. It panics if a reader is
// still in flight.
func (h *History) Teardown(st Storage) {
	for _, r := range h.revs {
		if r.locks > 0 {
			fault.Panic(fault.ErrCodeLockedParent, "teardown of %s with in-flight readers", h.tile)
		}
		if r.bound && !r.moved && !r.freed {
			st.Free(r.handle)
		}
		r.freed = true
	}
	h.revs = h.revs[len(h.revs)-1:]
}
