package transport

import (
	"context"
	"fmt"

	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/pool"
)

// Stats counts the traffic of one channel.
type Stats struct {
	Fetches    int
	Broadcasts int
	Publishes  int
	BytesIn    int64
	BytesOut   int64
}

// Channel is a rank's transport bound to one group. Fetched payloads are
// staged in the data bulk of the local pool.
type Channel struct {
	group *Group
	ep    *Endpoint
	pool  *pool.Pool
	stats Stats
}

// NewChannel binds an endpoint to a group.
func NewChannel(g *Group, ep *Endpoint, p *pool.Pool) *Channel {
	return &Channel{group: g, ep: ep, pool: p}
}

// Group returns the communication domain.
func (c *Channel) Group() *Group { return c.group }

// Endpoint returns the local fabric attachment.
func (c *Channel) Endpoint() *Endpoint { return c.ep }

// Rank returns the local group rank.
func (c *Channel) Rank() int { return c.group.Rank(c.ep.rank) }

// Size returns the group size.
func (c *Channel) Size() int { return c.group.Size() }

// Stats returns the traffic counters.
func (c *Channel) Stats() Stats { return c.stats }

// Get starts fetching a tile revision from its owner (a world rank). It
// fails with TRANSPORT_FAILED when the owner does not participate in the
// group, since such a fetch could never complete.
func (c *Channel) Get(key Key, owner int) (*Handle, error) {
	if !c.group.Contains(owner) {
		return nil, fault.New(fault.ErrCodeTransport, "fetch %s from rank %d outside group %s", key, owner, c.group.id).
			WithRank(c.ep.rank).WithObject(key.Object)
	}
	if owner == c.ep.rank {
		return nil, fault.New(fault.ErrCodeTransport, "fetch %s from self", key).
			WithRank(c.ep.rank).WithObject(key.Object)
	}
	c.stats.Fetches++
	return &Handle{ch: c, op: opGet, key: key, involved: c.group.Contains(c.ep.rank)}, nil
}

// Publish exposes a completed tile revision to readers. The payload is
// copied.
func (c *Channel) Publish(key Key, data []byte) {
	f := c.ep.fabric
	f.mu.Lock()
	f.tiles[key] = append([]byte(nil), data...)
	f.mu.Unlock()

	c.stats.Publishes++
	c.stats.BytesOut += int64(len(data))
	f.notifyAll()
}

// Forget drops every published revision of an object.
func (c *Channel) Forget(object uint64) {
	f := c.ep.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.tiles {
		if k.Object == object {
			delete(f.tiles, k)
		}
	}
}

// Bcast distributes value from the group rank root to every member. Only
// the root's value is used. Tags must be unique among concurrently
// in-flight broadcasts of the group.
func (c *Channel) Bcast(value []byte, root, tag int) *Handle {
	f := c.ep.fabric
	h := &Handle{
		ch:       c,
		op:       opBcast,
		bkey:     bcastKey{group: c.group.id, tag: tag % f.maxTag},
		involved: c.group.Contains(c.ep.rank),
	}
	c.stats.Broadcasts++
	if c.Rank() != root {
		return h
	}

	h.done = true
	h.data = append([]byte(nil), value...)
	if c.group.Size() == 1 {
		return h
	}

	f.mu.Lock()
	if _, exists := f.bcasts[h.bkey]; exists {
		f.mu.Unlock()
		h.err = fault.New(fault.ErrCodeTransport, "broadcast tag %d already in flight in group %s", tag, c.group.id).WithRank(c.ep.rank)
		return h
	}
	f.bcasts[h.bkey] = &bcastSlot{data: h.data, readers: c.group.Size() - 1}
	f.mu.Unlock()

	c.stats.BytesOut += int64(len(value))
	f.notifyAll()
	return h
}

// Barrier blocks until every member of the group reached the same epoch.
// When the world group passes a barrier the fabric keeps only the newest
// published revision of each tile; superseded revisions can no longer be
// fetched afterwards.
func (c *Channel) Barrier(ctx context.Context, epoch int64) error {
	return c.meet(ctx, barrierKey{group: c.group.id, kind: barrierSync, epoch: epoch}, fmt.Sprintf("barrier %d", epoch))
}

// ReleaseBarrier blocks until every member of the group is about to
// release object. Each object has its own barrier, apart from the Barrier
// epochs.
func (c *Channel) ReleaseBarrier(ctx context.Context, object uint64) error {
	return c.meet(ctx, barrierKey{group: c.group.id, kind: barrierRelease, epoch: int64(object)}, fmt.Sprintf("release barrier of object %d", object))
}

func (c *Channel) meet(ctx context.Context, k barrierKey, what string) error {
	f := c.ep.fabric

	f.mu.Lock()
	st, ok := f.barriers[k]
	// A passed barrier still draining its last ranks is not joined.
	if !ok || st.done {
		st = &barrierState{}
		f.barriers[k] = st
	}
	st.arrived++
	released := st.arrived == c.group.Size()
	if released {
		st.done = true
		if c.group.parent == nil && k.kind == barrierSync {
			f.pruneLocked()
		}
	}
	f.mu.Unlock()
	if released {
		f.notifyAll()
	}

	for {
		f.mu.Lock()
		if f.err != nil {
			err := f.err
			f.mu.Unlock()
			return fault.Wrap(fault.ErrCodeTransport, err, "%s aborted", what).WithRank(c.ep.rank)
		}
		if st.done {
			st.left++
			if st.left == c.group.Size() && f.barriers[k] == st {
				delete(f.barriers, k)
			}
			f.mu.Unlock()
			return nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			f.mu.Lock()
			arrived := st.arrived
			f.mu.Unlock()
			return fault.Wrap(fault.ErrCodeTransport, ctx.Err(), "%s: %d of %d ranks arrived", what, arrived, c.group.Size()).
				WithRank(c.ep.rank)
		case <-c.ep.Wait():
		}
	}
}

type opKind uint8

const (
	opGet opKind = iota + 1
	opBcast
)

// Handle is a pollable transport operation.
type Handle struct {
	ch       *Channel
	op       opKind
	key      Key
	bkey     bcastKey
	involved bool

	done    bool
	err     error
	staging pool.Handle
	data    []byte
}

// Involved reports whether the local rank participates in the operation.
func (h *Handle) Involved() bool { return h.involved }

// Err returns the failure of a completed operation.
func (h *Handle) Err() error { return h.err }

// Staging returns the bulk buffer holding a fetched tile.
func (h *Handle) Staging() pool.Handle { return h.staging }

// Value returns the payload of a completed broadcast.
func (h *Handle) Value() []byte { return h.data }

// Test polls the operation without blocking and reports whether it has
// finished, successfully or not.
func (h *Handle) Test() bool {
	if h.done {
		return true
	}
	f := h.ch.ep.fabric

	f.mu.Lock()
	if f.err != nil {
		h.done = true
		h.err = fault.Wrap(fault.ErrCodeTransport, f.err, "transport aborted").WithRank(h.ch.ep.rank)
		f.mu.Unlock()
		return true
	}

	var payload []byte
	switch h.op {
	case opGet:
		data, ok := f.tiles[h.key]
		if !ok {
			f.mu.Unlock()
			return false
		}
		payload = data
	case opBcast:
		slot, ok := f.bcasts[h.bkey]
		if !ok {
			f.mu.Unlock()
			return false
		}
		payload = slot.data
		slot.readers--
		if slot.readers == 0 {
			delete(f.bcasts, h.bkey)
		}
	}
	f.mu.Unlock()

	h.done = true
	h.ch.stats.BytesIn += int64(len(payload))
	if h.op == opBcast {
		h.data = payload
		return true
	}

	stage, err := h.ch.pool.Alloc(pool.TagBulk, len(payload))
	if err != nil {
		h.err = err
		return true
	}
	copy(h.ch.pool.Bytes(stage), payload)
	h.staging = stage
	return true
}
