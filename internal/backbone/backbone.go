// Package backbone is the explicit per-rank execution context.
//
// A Backbone owns everything one rank needs to run tile kernels: the memory
// pool, the fabric endpoint, the world group, the scope stack and the
// controller. Nothing is global; a process can host many ranks, each with
// its own Backbone on its own goroutine.
//
// Programs are SPMD: every rank calls the same sequence of backbone and
// matrix operations. Sync, Parallel and object creation rely on it.
package backbone

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/roach88/tilegrid/internal/config"
	"github.com/roach88/tilegrid/internal/engine"
	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/ledger"
	"github.com/roach88/tilegrid/internal/pool"
	"github.com/roach88/tilegrid/internal/scope"
	"github.com/roach88/tilegrid/internal/transport"
)

// BaseActor is the actor every rank starts in.
var BaseActor = scope.Actor{Name: "main", Kind: scope.Parallel}

// SerialActor runs submissions locally without coordination.
var SerialActor = scope.Actor{Name: "serial", Kind: scope.Serial}

// Option configures a Backbone.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	ledger   *ledger.Ledger
	label    string
	runID    string
	gen      RunIDGenerator
	recorder engine.Recorder
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithLedger records the revision trace of the rank into l under the run
// id. The ledger may be shared by all ranks of a process.
func WithLedger(l *ledger.Ledger, label string) Option {
	return func(o *options) {
		o.ledger = l
		o.label = label
	}
}

// WithRunID fixes the run id instead of generating and broadcasting one.
// Every rank must pass the same id.
func WithRunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}

// WithRunIDGenerator sets how rank 0 generates the run id. Default:
// UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(o *options) {
		o.gen = g
	}
}

// WithRecorder adds a trace sink next to the ledger.
func WithRecorder(r engine.Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// Backbone is one rank's runtime context. It is owned by a single
// goroutine.
type Backbone struct {
	cfg    config.Config
	ep     *transport.Endpoint
	pool   *pool.Pool
	world  *scope.Scope
	stack  *scope.Stack
	ctl    *engine.Controller
	logger *slog.Logger
	ledger *ledgerRecorder

	mu      sync.Mutex
	runID   string
	epoch   int64
	objects map[string]uint64
	closed  bool
}

// New attaches a rank to its fabric endpoint. Every rank of the fabric must
// call New; unless WithRunID is given the call blocks until rank 0's run id
// has been broadcast.
func New(ctx context.Context, ep *transport.Endpoint, cfg config.Config, opts ...Option) (*Backbone, error) {
	o := options{
		logger: slog.Default(),
		gen:    UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	rank := ep.Rank()
	size := ep.Fabric().Size()
	p := pool.New(cfg.PoolOptions())
	world := scope.New(transport.NewChannel(transport.NewWorld(size), ep, p))
	stack := scope.NewStack(world, BaseActor)

	b := &Backbone{
		cfg:     cfg,
		ep:      ep,
		pool:    p,
		world:   world,
		stack:   stack,
		logger:  o.logger.With("rank", rank),
		objects: make(map[string]uint64),
	}

	var recs teeRecorder
	if o.ledger != nil {
		b.ledger = &ledgerRecorder{ledger: o.ledger, rank: rank}
		recs = append(recs, b.ledger)
	}
	if o.recorder != nil {
		recs = append(recs, o.recorder)
	}
	ctlOpts := []engine.ControllerOption{
		engine.WithLogger(o.logger),
		engine.WithKernelThreads(cfg.KernelThreads),
	}
	if len(recs) > 0 {
		ctlOpts = append(ctlOpts, engine.WithRecorder(recs))
	}
	b.ctl = engine.NewController(stack, p, ctlOpts...)

	runID, err := b.agreeRunID(ctx, o)
	if err != nil {
		return nil, err
	}
	b.runID = runID
	if b.ledger != nil {
		if err := b.ledger.attach(ctx, ledger.Run{ID: runID, Ranks: size, Label: o.label}); err != nil {
			return nil, err
		}
	}

	b.logger.Debug("backbone ready", "run", runID, "ranks", size, "threads", cfg.KernelThreads)
	return b, nil
}

// agreeRunID returns the run id shared by every rank.
func (b *Backbone) agreeRunID(ctx context.Context, o options) (string, error) {
	if o.runID != "" {
		return o.runID, nil
	}
	var id string
	if b.Rank() == 0 {
		id = o.gen.Generate()
	}
	tr := engine.NewTransformable(id)
	if _, err := engine.Broadcast(ctx, b.ctl, tr, 0); err != nil {
		return "", err
	}
	if err := b.Drain(ctx); err != nil {
		return "", err
	}
	return tr.Value(), nil
}

// Rank returns the world rank.
func (b *Backbone) Rank() int { return b.ep.Rank() }

// Size returns the number of world ranks.
func (b *Backbone) Size() int { return b.ep.Fabric().Size() }

// RunID returns the id shared by every rank of the run.
func (b *Backbone) RunID() string { return b.runID }

// Config returns the effective configuration.
func (b *Backbone) Config() config.Config { return b.cfg }

// Controller returns the rank's controller.
func (b *Backbone) Controller() *engine.Controller { return b.ctl }

// Pool returns the rank's allocator.
func (b *Backbone) Pool() *pool.Pool { return b.pool }

// Stack returns the rank's context stack.
func (b *Backbone) Stack() *scope.Stack { return b.stack }

// Scope returns the innermost scope.
func (b *Backbone) Scope() *scope.Scope { return b.stack.Top() }

// Logger returns the rank's logger.
func (b *Backbone) Logger() *slog.Logger { return b.logger }

// Mutex guards state a program shares between the rank's goroutine and its
// kernel bodies.
func (b *Backbone) Mutex() *sync.Mutex { return &b.mu }

// Session returns the next session id of the innermost scope.
func (b *Backbone) Session() int { return b.stack.Top().Sessions.Next() }

// NewObjectID returns the next distributed object id of the innermost
// scope. Ids agree across the members of a group because they create
// objects in the same order. World objects are numbered 1, 2, ...; objects
// of nested groups get a hashed id with the high bit set, since ranks
// outside a group cannot count its objects.
func (b *Backbone) NewObjectID() uint64 {
	g := b.stack.Top().Group
	b.objects[g.ID()]++
	n := b.objects[g.ID()]
	if g.Parent() == nil {
		return n
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s#%d", g.ID(), n)
	return h.Sum64() | 1<<63
}

// Sync drains the controller, waits for every world rank at a barrier and
// starts a new pool epoch. A fetch that does not resolve before ctx ends is
// reported as TRANSPORT_FAILED naming the stuck tasks.
func (b *Backbone) Sync(ctx context.Context) error {
	if err := b.Drain(ctx); err != nil {
		return err
	}
	b.epoch++
	if err := b.world.Channel.Barrier(ctx, b.epoch); err != nil {
		return err
	}
	b.pool.Sync()
	b.logger.Debug("sync", "epoch", b.epoch)
	return nil
}

// Drain schedules until the controller queue is empty, waiting on the
// fabric between passes.
func (b *Backbone) Drain(ctx context.Context) error {
	for {
		if _, err := b.ctl.Schedule(ctx); err != nil {
			return err
		}
		if b.ctl.Pending() == 0 {
			return nil
		}
		if err := b.ep.Fabric().Err(); err != nil {
			return fault.Wrap(fault.ErrCodeTransport, err, "fabric aborted with %d tasks pending", b.ctl.Pending()).WithRank(b.Rank())
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.ErrCodeTransport, ctx.Err(), "unresolved tasks %v", b.ctl.Waiting()).WithRank(b.Rank())
		case <-b.ep.Wait():
		case <-b.ctl.Wait():
		}
	}
}

// Parallel runs fn in a nested scope over the given ranks of the innermost
// group. Every member of the innermost group must call Parallel with the
// same ranks; fn only runs on the ranks that belong to the new group. The
// region is drained before it is left.
func (b *Backbone) Parallel(ctx context.Context, ranks []int, fn func() error) error {
	parent := b.stack.Top()
	child, err := parent.Group.NewChild(ranks)
	if err != nil {
		return fault.Wrap(fault.ErrCodeConfig, err, "parallel region")
	}
	defer child.Close()

	if !child.Contains(b.Rank()) {
		return nil
	}
	sc := scope.New(transport.NewChannel(child, b.ep, b.pool))
	b.logger.Debug("enter region", "group", child.ID(), "size", child.Size())
	return b.stack.WithScope(sc, func() error {
		if err := fn(); err != nil {
			return err
		}
		return b.Drain(ctx)
	})
}

// Serial runs fn under the serial actor: submissions execute on this rank
// without publishing or fetching.
func (b *Backbone) Serial(fn func() error) error {
	return b.stack.WithActor(SerialActor, fn)
}

// Close stops the controller. Pending tasks are abandoned.
func (b *Backbone) Close() {
	if b.closed {
		return
	}
	b.closed = true
	if n := b.ctl.Pending(); n > 0 {
		b.logger.Warn("closing with pending tasks", "pending", n, "tasks", b.ctl.Waiting())
	}
	b.ctl.Close()
}
