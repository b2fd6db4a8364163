package engine

import (
	"context"
	"fmt"

	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/layout"
	"github.com/roach88/tilegrid/internal/pool"
	"github.com/roach88/tilegrid/internal/revision"
	"github.com/roach88/tilegrid/internal/transport"
)

// Kernel is an opaque numeric routine. It must populate or consume exactly
// Specs[i].Size() bytes of Args[i] and must not retain the buffers.
type Kernel func(inv *Invocation) error

// Arg is one tile argument of a kernel.
type Arg struct {
	Entry *layout.Entry
	Owner int // world rank owning the tile
	Mode  revision.Mode
}

// Invocation is what a kernel body sees.
type Invocation struct {
	Name  string
	Args  [][]byte
	Specs []revision.Spec
	Modes []revision.Mode

	pool *pool.Pool
}

// Scratch returns n bytes of instruction bulk, valid until the end of the
// current schedule pass.
func (inv *Invocation) Scratch(n int) ([]byte, error) {
	h, err := inv.pool.Alloc(pool.TagInstr, n)
	if err != nil {
		return nil, err
	}
	return inv.pool.Bytes(h), nil
}

// SubmitOption adjusts one submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	replicated bool
}

// Replicated runs the kernel on every rank of the scope and yields Common
// revisions.
func Replicated() SubmitOption {
	return func(c *submitConfig) {
		c.replicated = true
	}
}

// kernelArg is an argument bound to the revisions it touches.
type kernelArg struct {
	Arg
	rev    *revision.Revision // read: the revision read; write: the new child
	parent *revision.Revision // write: the revision it derives from
}

// KernelTask is a queued kernel invocation on the executing rank.
type KernelTask struct {
	c       *Controller
	name    string
	kernel  Kernel
	args    []kernelArg
	channel *transport.Channel
	publish bool
	done    bool
}

// Name implements Task.
func (k *KernelTask) Name() string { return k.name }

// Submit queues kernel on the executing rank and pushes revisions for its
// writable arguments on every rank. All writable arguments must share one
// owner; mixing owners panics with MIXED_OWNERSHIP.
func (c *Controller) Submit(ctx context.Context, name string, kernel Kernel, args []Arg, opts ...SubmitOption) error {
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	coordinated := !c.IsSerial()
	executor, err := c.executor(args, cfg, coordinated)
	if err != nil {
		return err
	}
	c.stats.Submitted++

	if executor != c.rank {
		for _, a := range args {
			if a.Mode.Writable() {
				h := a.Entry.History()
				h.Push(revision.Remote, executor)
				c.Squeeze(h)
			}
		}
		return nil
	}

	state := revision.Local
	if cfg.replicated {
		state = revision.Common
	}
	k := &KernelTask{
		c:       c,
		name:    c.taskName(name),
		kernel:  kernel,
		channel: c.Channel(),
		publish: coordinated && !cfg.replicated,
	}

	// Every argument sees the revisions current at submission, so a tile
	// both read and written by one kernel reads the parent, not its own
	// output.
	backs := make([]*revision.Revision, len(args))
	for i, a := range args {
		backs[i] = a.Entry.History().Back()
	}

	for i, a := range args {
		h := a.Entry.History()
		ka := kernelArg{Arg: a}
		if !a.Mode.Writable() {
			ka.rev = backs[i]
			ka.rev.Lock()
			if err := c.IntendRead(ctx, a.Entry, ka.rev); err != nil {
				return err
			}
		} else {
			ka.parent = backs[i]
			ka.parent.Pin()
			if a.Mode.ReadsParent() {
				if err := c.IntendRead(ctx, a.Entry, ka.parent); err != nil {
					return err
				}
			}
			ka.rev = h.Push(state, c.rank)
			c.IntendWrite(ka.rev)
			ka.rev.Claim(k)
		}
		a.Entry.AddWaiter(k.name)
		k.args = append(k.args, ka)

		if err := c.record(ctx, Event{Kind: EventSubmit, Task: k.name, Tile: h.Tile(), Time: ka.rev.Time, Mode: a.Mode.String()}); err != nil {
			return err
		}
	}

	c.logger.Debug("kernel submitted", "task", k.name, "args", len(args), "publish", k.publish)
	c.enqueue(k)
	return nil
}

// executor picks the world rank that runs a submission.
func (c *Controller) executor(args []Arg, cfg submitConfig, coordinated bool) (int, error) {
	if !coordinated || cfg.replicated {
		return c.rank, nil
	}
	owner := -1
	for _, a := range args {
		if !a.Mode.Writable() {
			continue
		}
		if owner == -1 {
			owner = a.Owner
			continue
		}
		if a.Owner != owner {
			fault.Panic(fault.ErrCodeOwnership, "writable arguments owned by ranks %d and %d", owner, a.Owner)
		}
	}
	if owner == -1 {
		return c.rank, nil
	}
	if !c.Channel().Group().Contains(owner) {
		return 0, fault.New(fault.ErrCodeTransport, "owner %d outside scope %s", owner, c.Channel().Group().ID()).WithRank(c.rank)
	}
	return owner, nil
}

// Ready reports whether every input revision is readable and every parent
// has settled.
func (k *KernelTask) Ready() bool {
	for _, a := range k.args {
		if !a.Mode.Writable() {
			if !readable(a.rev) {
				return false
			}
			continue
		}
		if a.parent.Used() && !a.parent.Complete() {
			return false
		}
		if a.Mode.ReadsParent() && !readable(a.parent) {
			return false
		}
	}
	return true
}

// readable reports whether r can be read now. A never-written tile reads
// as zeros.
func readable(r *revision.Revision) bool {
	if r.State == revision.Unbound && !r.Used() {
		return true
	}
	return r.Valid()
}

// Invoke materializes storage, runs the kernel and completes its outputs.
func (k *KernelTask) Invoke(ctx context.Context) error {
	inv, err := k.prepare(ctx)
	if err != nil {
		return err
	}
	if err := runKernel(k.kernel, inv); err != nil {
		return err
	}
	return k.finish(ctx)
}

// prepare binds storage for every argument. Runs on the rank's goroutine.
func (k *KernelTask) prepare(ctx context.Context) (*Invocation, error) {
	c := k.c
	inv := &Invocation{
		Name:  k.name,
		Args:  make([][]byte, len(k.args)),
		Specs: make([]revision.Spec, len(k.args)),
		Modes: make([]revision.Mode, len(k.args)),
		pool:  c.pool,
	}
	for i, a := range k.args {
		if a.Mode.Writable() {
			parent := a.parent
			if parent.State == revision.Unbound && !parent.Used() {
				parent = nil
			}
			a.Entry.Lock()
			d := revision.Materialize(c.pool, a.Mode, a.rev, parent)
			a.Entry.Bind(a.rev.Handle())
			c.stats.Decisions[d]++
			if err := c.record(ctx, Event{Kind: EventMaterialize, Task: k.name, Tile: a.rev.Tile(), Time: a.rev.Time, Mode: a.Mode.String(), Detail: d.String()}); err != nil {
				return nil, err
			}
		} else if !a.rev.Bound() {
			revision.Materialize(c.pool, revision.ReadOnly, a.rev, nil)
			a.rev.MarkComplete()
		}
		inv.Args[i] = c.pool.Bytes(a.rev.Handle())
		inv.Specs[i] = a.rev.Spec
		inv.Modes[i] = a.Mode
	}
	return inv, nil
}

// finish releases inputs and completes outputs. Runs on the rank's
// goroutine.
func (k *KernelTask) finish(ctx context.Context) error {
	if k.done {
		fault.Panic(fault.ErrCodeWriteOnce, "kernel %s invoked twice", k.name)
	}
	k.done = true

	c := k.c
	for _, a := range k.args {
		a.Entry.RemoveWaiter(k.name)
		if !a.Mode.Writable() {
			a.rev.Unlock()
			c.Squeeze(a.Entry.History())
			continue
		}
		a.parent.Unpin()
		a.rev.MarkComplete()
		a.Entry.Unlock()
		if err := c.record(ctx, Event{Kind: EventComplete, Task: k.name, Tile: a.rev.Tile(), Time: a.rev.Time, Mode: a.Mode.String()}); err != nil {
			return err
		}
		if k.publish && k.channel.Size() > 1 {
			tile := a.rev.Tile()
			key := transport.Key{Object: tile.Object, Row: tile.Row, Col: tile.Col, Time: a.rev.Time}
			k.channel.Publish(key, c.pool.Bytes(a.rev.Handle()))
			c.stats.Publishes++
			if err := c.record(ctx, Event{Kind: EventPublish, Task: k.name, Tile: tile, Time: a.rev.Time}); err != nil {
				return err
			}
		}
		c.Squeeze(a.Entry.History())
	}
	return nil
}

// String describes the task for diagnostics.
func (k *KernelTask) String() string {
	return fmt.Sprintf("%s(%d args)", k.name, len(k.args))
}
