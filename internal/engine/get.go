package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/tilegrid/internal/layout"
	"github.com/roach88/tilegrid/internal/pool"
	"github.com/roach88/tilegrid/internal/revision"
	"github.com/roach88/tilegrid/internal/transport"
)

// GetTask materializes a revision produced on another rank.
//
// Spawning is idempotent per revision: the first reader creates the task
// (which opens the transport handle), later readers only add interest. Once
// the local rank is interested, the task claims the revision as its
// generator, binds storage for it and enqueues itself. The revision stays
// invalid until Invoke copies the payload in.
type GetTask struct {
	c        *Controller
	name     string
	entry    *layout.Entry
	rev      *revision.Revision
	handle   *transport.Handle
	interest []int
	claimed  bool
}

// Spawn returns the fetch task for r, or nil if no fetch is needed.
func Spawn(ctx context.Context, c *Controller, e *layout.Entry, r *revision.Revision) (*GetTask, error) {
	return c.spawn(ctx, e, r)
}

// newGetTask opens the transport handle for r.
func newGetTask(c *Controller, e *layout.Entry, r *revision.Revision) (*GetTask, error) {
	tile := r.Tile()
	key := transport.Key{Object: tile.Object, Row: tile.Row, Col: tile.Col, Time: r.Time}
	h, err := c.Channel().Get(key, r.Owner)
	if err != nil {
		return nil, err
	}
	e.SetRequested(true)
	return &GetTask{
		c:      c,
		name:   c.taskName("get" + key.String()),
		entry:  e,
		rev:    r,
		handle: h,
	}, nil
}

// Name implements Task.
func (g *GetTask) Name() string { return g.name }

// Revision returns the revision being fetched.
func (g *GetTask) Revision() *revision.Revision { return g.rev }

// Interest returns the ranks waiting on the fetch.
func (g *GetTask) Interest() []int { return slices.Clone(g.interest) }

// AddInterest records rank as a reader. The first local interest claims
// the revision and enqueues the task.
func (g *GetTask) AddInterest(rank int) {
	if !slices.Contains(g.interest, rank) {
		g.interest = append(g.interest, rank)
	}
	if rank != g.c.rank || g.claimed || !g.handle.Involved() || g.rev.Valid() {
		return
	}
	g.claimed = true
	g.rev.Claim(g)
	h := g.c.pool.MustAlloc(pool.TagData, g.rev.Spec.Size())
	revision.Bind(g.rev, h)
	g.c.enqueue(g)
}

// Ready polls the transport handle.
func (g *GetTask) Ready() bool {
	return g.handle.Test()
}

// Invoke copies the fetched payload into the revision and completes it.
func (g *GetTask) Invoke(ctx context.Context) error {
	if err := g.handle.Err(); err != nil {
		return err
	}
	c := g.c
	staged := g.handle.Staging()
	dst := c.pool.Bytes(g.rev.Handle())
	if n := copy(dst, c.pool.Bytes(staged)); n != len(dst) {
		return fmt.Errorf("fetch %s: got %d bytes, want %d", g.name, n, len(dst))
	}
	c.pool.Free(staged)

	g.rev.Release()
	g.rev.MarkComplete()
	g.entry.Bind(g.rev.Handle())
	g.entry.SetRequested(false)
	delete(c.gets, g.rev)
	c.Squeeze(g.entry.History())

	return c.record(ctx, Event{Kind: EventFetched, Task: g.name, Tile: g.rev.Tile(), Time: g.rev.Time, Detail: fmt.Sprintf("owner=%d", g.rev.Owner)})
}
