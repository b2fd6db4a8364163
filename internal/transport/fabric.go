// Package transport moves tiles and small values between ranks.
//
// Ranks are attached to a Fabric, an in-process exchange that stands in for
// the interconnect: owners publish completed tiles, readers poll for them,
// roots deposit broadcast values and every rank meets at barriers. All
// operations are non-blocking except Barrier; completion is observed by
// polling a Handle, and every change on the fabric wakes the endpoints'
// signal channels so a driver can wait without spinning.
package transport

import (
	"fmt"
	"sync"
)

// DefaultMaxTag is the tag space used when NewFabric is given zero.
const DefaultMaxTag = 1 << 15

// Key names one published revision of one tile.
type Key struct {
	Object uint64
	Row    int
	Col    int
	Time   int64
}

// String formats the key as "object(row,col)@time".
func (k Key) String() string {
	return fmt.Sprintf("%d(%d,%d)@%d", k.Object, k.Row, k.Col, k.Time)
}

type bcastKey struct {
	group string
	tag   int
}

type bcastSlot struct {
	data    []byte
	readers int // consumers that have not picked the value up yet
}

type barrierKind uint8

const (
	barrierSync barrierKind = iota
	barrierRelease
)

type barrierKey struct {
	group string
	kind  barrierKind
	epoch int64
}

type barrierState struct {
	arrived int
	left    int
	done    bool
}

// Fabric connects a fixed number of ranks.
type Fabric struct {
	mu        sync.Mutex
	size      int
	maxTag    int
	tiles     map[Key][]byte
	bcasts    map[bcastKey]*bcastSlot
	barriers  map[barrierKey]*barrierState
	endpoints []*Endpoint
	err       error
}

// NewFabric creates a fabric of n ranks with the given tag space.
func NewFabric(n, maxTag int) *Fabric {
	if maxTag <= 0 {
		maxTag = DefaultMaxTag
	}
	f := &Fabric{
		size:     n,
		maxTag:   maxTag,
		tiles:    make(map[Key][]byte),
		bcasts:   make(map[bcastKey]*bcastSlot),
		barriers: make(map[barrierKey]*barrierState),
	}
	f.endpoints = make([]*Endpoint, n)
	for i := range f.endpoints {
		f.endpoints[i] = &Endpoint{
			fabric: f,
			rank:   i,
			signal: make(chan struct{}, 1),
		}
	}
	return f
}

// Size returns the number of ranks.
func (f *Fabric) Size() int { return f.size }

// MaxTag returns the exclusive upper bound of session tags.
func (f *Fabric) MaxTag() int { return f.maxTag }

// Endpoint returns the view of one rank.
func (f *Fabric) Endpoint(rank int) *Endpoint { return f.endpoints[rank] }

// Abort fails every pending and future operation with err.
func (f *Fabric) Abort(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.notifyAll()
}

// Err returns the abort cause, nil while the fabric is healthy.
func (f *Fabric) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Published returns the number of tiles currently held by the fabric.
func (f *Fabric) Published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tiles)
}

// pruneLocked drops published revisions that a newer revision of the same
// tile supersedes. Caller holds f.mu.
func (f *Fabric) pruneLocked() {
	type tile struct {
		object   uint64
		row, col int
	}
	latest := make(map[tile]int64, len(f.tiles))
	for k := range f.tiles {
		t := tile{k.Object, k.Row, k.Col}
		if cur, ok := latest[t]; !ok || k.Time > cur {
			latest[t] = k.Time
		}
	}
	for k := range f.tiles {
		if latest[tile{k.Object, k.Row, k.Col}] != k.Time {
			delete(f.tiles, k)
		}
	}
}

func (f *Fabric) notifyAll() {
	for _, ep := range f.endpoints {
		ep.notify()
	}
}

// Endpoint is one rank's attachment to the fabric.
type Endpoint struct {
	fabric *Fabric
	rank   int
	signal chan struct{} // buffered 1, coalesces notifications
}

// Rank returns the world rank.
func (e *Endpoint) Rank() int { return e.rank }

// Fabric returns the fabric the endpoint is attached to.
func (e *Endpoint) Fabric() *Fabric { return e.fabric }

// Wait returns a channel that signals when fabric state may have changed.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-ep.Wait():
//	    // poll handles again
//	}
func (e *Endpoint) Wait() <-chan struct{} {
	return e.signal
}

func (e *Endpoint) notify() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}
