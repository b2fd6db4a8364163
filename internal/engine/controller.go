package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/layout"
	"github.com/roach88/tilegrid/internal/pool"
	"github.com/roach88/tilegrid/internal/revision"
	"github.com/roach88/tilegrid/internal/scope"
	"github.com/roach88/tilegrid/internal/transport"
)

// Task is a unit of work drained by Schedule.
type Task interface {
	Name() string
	// Ready polls without blocking.
	Ready() bool
	// Invoke runs the task once Ready reports true.
	Invoke(ctx context.Context) error
}

// Stats counts controller activity.
type Stats struct {
	Submitted int
	Invoked   int
	Fetches   int
	Publishes int
	Decisions map[revision.Decision]int
}

// Controller schedules kernels against revisions for one rank.
//
// All methods except Schedule's kernel bodies run on the rank's goroutine.
type Controller struct {
	rank    int
	stack   *scope.Stack
	pool    *pool.Pool
	queue   *taskQueue
	clock   *Clock
	rec     Recorder
	logger  *slog.Logger
	threads int

	running atomic.Bool
	gets    map[*revision.Revision]*GetTask
	nextID  int
	stats   Stats
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithRecorder sets the trace sink.
func WithRecorder(r Recorder) ControllerOption {
	return func(c *Controller) {
		c.rec = r
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithKernelThreads sets how many kernel bodies may run concurrently in a
// tunable context. Values below 2 keep execution on the rank's goroutine.
func WithKernelThreads(n int) ControllerOption {
	return func(c *Controller) {
		c.threads = n
	}
}

// WithClock sets the trace clock.
func WithClock(clk *Clock) ControllerOption {
	return func(c *Controller) {
		c.clock = clk
	}
}

// NewController creates the controller of the rank attached to the base
// scope of stack.
func NewController(stack *scope.Stack, p *pool.Pool, opts ...ControllerOption) *Controller {
	c := &Controller{
		rank:   stack.Base().Channel.Endpoint().Rank(),
		stack:  stack,
		pool:   p,
		queue:  newTaskQueue(),
		clock:  NewClock(),
		rec:    nopRecorder{},
		logger: slog.Default(),
		gets:   make(map[*revision.Revision]*GetTask),
		stats:  Stats{Decisions: make(map[revision.Decision]int)},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("rank", c.rank)
	return c
}

// Rank returns the world rank.
func (c *Controller) Rank() int { return c.rank }

// Pool returns the rank's allocator.
func (c *Controller) Pool() *pool.Pool { return c.pool }

// Stack returns the rank's context stack.
func (c *Controller) Stack() *scope.Stack { return c.stack }

// Channel returns the transport of the innermost scope.
func (c *Controller) Channel() *transport.Channel { return c.stack.Top().Channel }

// Which returns this rank's rank within the innermost scope.
func (c *Controller) Which() int { return c.Channel().Rank() }

// IsSerial reports whether the innermost region runs without coordination:
// a single participant, or a serial actor.
func (c *Controller) IsSerial() bool {
	return c.stack.Top().Group.Size() == 1 || c.stack.Actor().Kind == scope.Serial
}

// Tunable reports whether the controller may coordinate with other ranks
// and tune execution: not serial, and no nested actor shadows a parallel
// base actor.
func (c *Controller) Tunable() bool {
	return !c.IsSerial() && c.stack.ActorDepth() == 1 && c.stack.BaseActor().Kind == scope.Parallel
}

// Pending returns the number of queued tasks.
func (c *Controller) Pending() int { return c.queue.Len() }

// Waiting returns the names of queued tasks in FIFO order.
func (c *Controller) Waiting() []string {
	ts := c.queue.Snapshot()
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.Name()
	}
	return names
}

// Wait returns a channel signalled when tasks are enqueued.
func (c *Controller) Wait() <-chan struct{} { return c.queue.Wait() }

// Close stops accepting tasks.
func (c *Controller) Close() { c.queue.Close() }

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	s := c.stats
	s.Decisions = make(map[revision.Decision]int, len(c.stats.Decisions))
	for k, v := range c.stats.Decisions {
		s.Decisions[k] = v
	}
	return s
}

// Update reports whether this rank must initiate a fetch for r: true
// exactly once per Remote revision that is not valid locally.
func (c *Controller) Update(r *revision.Revision) bool {
	if r.State != revision.Remote || r.Valid() {
		return false
	}
	return r.MarkRequested()
}

// IntendRead declares an upcoming read of r. A Remote revision that is not
// valid locally gets a fetch; further intents on the same revision join it.
func (c *Controller) IntendRead(ctx context.Context, e *layout.Entry, r *revision.Revision) error {
	_, err := c.spawn(ctx, e, r)
	return err
}

// IntendWrite declares that this rank will produce r. An unbound revision
// becomes Local to this rank.
func (c *Controller) IntendWrite(r *revision.Revision) {
	if r.State == revision.Unbound {
		r.State = revision.Local
		r.Owner = c.rank
	}
}

// Squeeze releases superseded storage of a history.
func (c *Controller) Squeeze(h *revision.History) int {
	return h.Squeeze(c.pool)
}

// Schedule drains ready tasks in FIFO passes until a pass makes no
// progress, and returns the number of tasks invoked. It never blocks on
// transport. Calling Schedule from inside a kernel panics with
// REENTRANT_SCHEDULE.
func (c *Controller) Schedule(ctx context.Context) (int, error) {
	if !c.running.CompareAndSwap(false, true) {
		fault.Panic(fault.ErrCodeReentrant, "schedule re-entered on rank %d", c.rank)
	}
	defer c.running.Store(false)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var (
			n   int
			err error
		)
		if c.threads > 1 && c.Tunable() {
			n, err = c.concurrentPass(ctx)
		} else {
			n, err = c.pass(ctx)
		}
		c.pool.EndPass()
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// pass polls each drained task once, invoking ready ones in order.
func (c *Controller) pass(ctx context.Context) (int, error) {
	batch := c.queue.Drain()
	var waiting []Task
	n := 0
	for i, t := range batch {
		if !t.Ready() {
			waiting = append(waiting, t)
			continue
		}
		if err := c.invoke(ctx, t); err != nil {
			waiting = append(waiting, batch[i+1:]...)
			c.queue.PushFront(waiting)
			return n, err
		}
		n++
	}
	c.queue.PushFront(waiting)
	return n, nil
}

// concurrentPass runs the bodies of the kernels ready at the start of the
// pass on a bounded errgroup. Fetches are invoked inline.
func (c *Controller) concurrentPass(ctx context.Context) (int, error) {
	batch := c.queue.Drain()
	var (
		waiting []Task
		kernels []*KernelTask
	)
	n := 0
	for _, t := range batch {
		if !t.Ready() {
			waiting = append(waiting, t)
			continue
		}
		if k, ok := t.(*KernelTask); ok {
			kernels = append(kernels, k)
			continue
		}
		if err := c.invoke(ctx, t); err != nil {
			c.queue.PushFront(waiting)
			return n, err
		}
		n++
	}
	c.queue.PushFront(waiting)

	invs := make([]*Invocation, len(kernels))
	for i, k := range kernels {
		inv, err := k.prepare(ctx)
		if err != nil {
			return n, err
		}
		invs[i] = inv
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.threads)
	for i, k := range kernels {
		inv := invs[i]
		kernel := k.kernel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return runKernel(kernel, inv)
		})
	}
	if err := g.Wait(); err != nil {
		return n, err
	}

	for _, k := range kernels {
		if err := k.finish(ctx); err != nil {
			return n, err
		}
		c.stats.Invoked++
		n++
	}
	return n, nil
}

func (c *Controller) invoke(ctx context.Context, t Task) error {
	c.logger.Debug("invoke", "task", t.Name())
	if err := t.Invoke(ctx); err != nil {
		return fmt.Errorf("invoke %s: %w", t.Name(), err)
	}
	c.stats.Invoked++
	return nil
}

// spawn returns the fetch task for r, creating it on first need.
func (c *Controller) spawn(ctx context.Context, e *layout.Entry, r *revision.Revision) (*GetTask, error) {
	if g, ok := c.gets[r]; ok {
		g.AddInterest(c.rank)
		return g, nil
	}
	if !c.Update(r) {
		return nil, nil
	}
	g, err := newGetTask(c, e, r)
	if err != nil {
		return nil, err
	}
	c.gets[r] = g
	c.stats.Fetches++
	if err := c.record(ctx, Event{Kind: EventFetch, Task: g.Name(), Tile: r.Tile(), Time: r.Time, Detail: fmt.Sprintf("owner=%d", r.Owner)}); err != nil {
		return nil, err
	}
	g.AddInterest(c.rank)
	return g, nil
}

func (c *Controller) enqueue(t Task) {
	if !c.queue.Enqueue(t) {
		fault.Panic(fault.ErrCodeTransport, "controller of rank %d is closed", c.rank)
	}
}

func (c *Controller) record(ctx context.Context, ev Event) error {
	ev.Seq = c.clock.Next()
	return c.rec.Record(ctx, ev)
}

func (c *Controller) taskName(base string) string {
	c.nextID++
	return fmt.Sprintf("%s#%d", base, c.nextID)
}

// runKernel executes a kernel body and reports a panic as an error.
func runKernel(k Kernel, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.FromPanic(r)
		}
	}()
	return k(inv)
}
