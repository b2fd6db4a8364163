package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/layout"
	"github.com/roach88/tilegrid/internal/pool"
	"github.com/roach88/tilegrid/internal/revision"
	"github.com/roach88/tilegrid/internal/scope"
	"github.com/roach88/tilegrid/internal/transport"
)

// rankEnv is one rank of an in-process world. A 4x4 matrix with 2x2 blocks
// gives a 2x2 tile grid; with two ranks column 0 belongs to rank 0 and
// column 1 to rank 1.
type rankEnv struct {
	c      *Controller
	rec    *MemoryRecorder
	layout *layout.Layout
}

func (e *rankEnv) arg(i, j int, m revision.Mode) Arg {
	return Arg{Entry: e.layout.At(i, j), Owner: e.layout.Owner(i, j), Mode: m}
}

func (e *rankEnv) schedule(t *testing.T) int {
	t.Helper()
	n, err := e.c.Schedule(context.Background())
	require.NoError(t, err)
	return n
}

func newRanks(t *testing.T, n int, opts ...ControllerOption) []*rankEnv {
	t.Helper()
	f := transport.NewFabric(n, transport.DefaultMaxTag)
	spec, err := layout.NewMemspec(4, 4, 2, 2, 8)
	require.NoError(t, err)

	world := make([]int, n)
	for r := range world {
		world[r] = r
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	envs := make([]*rankEnv, n)
	for r := 0; r < n; r++ {
		p := pool.New(pool.Options{ChunkSize: 4096})
		ch := transport.NewChannel(transport.NewWorld(n), f.Endpoint(r), p)
		st := scope.NewStack(scope.New(ch), scope.Actor{Name: "main", Kind: scope.Parallel})
		rec := &MemoryRecorder{}
		all := append([]ControllerOption{WithRecorder(rec), WithLogger(logger)}, opts...)
		envs[r] = &rankEnv{
			c:      NewController(st, p, all...),
			rec:    rec,
			layout: layout.New(1, spec, world),
		}
	}
	return envs
}

func fill(v float64) Kernel {
	return func(inv *Invocation) error {
		b := inv.Args[0]
		for off := 0; off+8 <= len(b); off += 8 {
			binary.LittleEndian.PutUint64(b[off:], math.Float64bits(v))
		}
		return nil
	}
}

func first(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func requireCode(t *testing.T, code fault.Code, fn func()) {
	t.Helper()
	defer func() {
		err := fault.FromPanic(recover())
		require.Error(t, err, "expected panic with %s", code)
		assert.True(t, fault.IsCode(err, code), "got %v", err)
	}()
	fn()
}

func TestSubmit_SingleRankWriteThenRead(t *testing.T) {
	env := newRanks(t, 1)[0]
	ctx := context.Background()

	var got float64
	require.NoError(t, env.c.Submit(ctx, "fill", fill(3), []Arg{env.arg(0, 0, revision.WriteOnly)}))
	require.NoError(t, env.c.Submit(ctx, "peek", func(inv *Invocation) error {
		got = first(inv.Args[0])
		return nil
	}, []Arg{env.arg(0, 0, revision.ReadOnly)}))

	assert.Equal(t, 2, env.schedule(t))
	assert.Equal(t, 3.0, got)
	assert.Equal(t, 0, env.c.Pending())

	back := env.layout.At(0, 0).History().Back()
	assert.True(t, back.Valid())
	assert.Equal(t, revision.Local, back.State)
	assert.Equal(t, int64(1), back.Time)

	stats := env.c.Stats()
	assert.Equal(t, 2, stats.Invoked)
	assert.Equal(t, 0, stats.Fetches)
	assert.Equal(t, 1, stats.Decisions[revision.DecideAlloc])
	assert.Empty(t, env.rec.Filter(EventPublish), "a single rank publishes nothing")
}

func TestSubmit_UnwrittenTileReadsZeros(t *testing.T) {
	env := newRanks(t, 1)[0]

	got := -1.0
	require.NoError(t, env.c.Submit(context.Background(), "peek", func(inv *Invocation) error {
		got = first(inv.Args[0])
		return nil
	}, []Arg{env.arg(1, 1, revision.ReadOnly)}))

	assert.Equal(t, 1, env.schedule(t))
	assert.Equal(t, 0.0, got)
}

func TestSubmit_OwnerComputesPeerFetchesOnce(t *testing.T) {
	envs := newRanks(t, 2)
	ctx := context.Background()

	seen := make([][]float64, 2)
	for r, env := range envs {
		r := r
		require.NoError(t, env.c.Submit(ctx, "fill", fill(3), []Arg{env.arg(0, 0, revision.WriteOnly)}))
		for k := 0; k < 2; k++ {
			require.NoError(t, env.c.Submit(ctx, "peek", func(inv *Invocation) error {
				seen[r] = append(seen[r], first(inv.Args[0]))
				return nil
			}, []Arg{env.arg(0, 0, revision.ReadOnly)}))
		}
	}

	// Rank 1 only holds a Remote revision: nothing is ready and Schedule
	// returns instead of blocking.
	back := envs[1].layout.At(0, 0).History().Back()
	assert.Equal(t, revision.Remote, back.State)
	assert.Equal(t, 0, back.Owner)
	assert.Equal(t, 0, envs[1].schedule(t))
	assert.Equal(t, 3, envs[1].c.Pending())

	assert.Equal(t, 3, envs[0].schedule(t))
	assert.Equal(t, 3, envs[1].schedule(t), "the fetch and both readers run")

	assert.Equal(t, []float64{3, 3}, seen[0])
	assert.Equal(t, []float64{3, 3}, seen[1])

	assert.Equal(t, 1, envs[0].c.Stats().Publishes)
	assert.Equal(t, 0, envs[0].c.Stats().Fetches)
	assert.Equal(t, 1, envs[1].c.Stats().Fetches)
	assert.Len(t, envs[1].rec.Filter(EventFetch), 1)
	assert.Len(t, envs[1].rec.Filter(EventFetched), 1)
	assert.True(t, back.Valid())
	assert.True(t, back.Released())
	assert.False(t, envs[1].layout.At(0, 0).Requested())
}

func TestUpdate_TrueOncePerRemoteRevision(t *testing.T) {
	env := newRanks(t, 2)[1]
	h := revision.NewHistory(revision.Tile{Object: 9}, revision.Spec{Rows: 1, Cols: 1, ElemSize: 8}, 0)

	remote := h.Push(revision.Remote, 0)
	assert.True(t, env.c.Update(remote))
	assert.False(t, env.c.Update(remote))

	local := h.Push(revision.Local, 1)
	assert.False(t, env.c.Update(local))
}

func TestSubmit_LockedParentGetsDistinctStorage(t *testing.T) {
	envs := newRanks(t, 2)
	ctx := context.Background()

	type pair struct{ a, b float64 }
	seen := make([]pair, 2)
	for r, env := range envs {
		r := r
		require.NoError(t, env.c.Submit(ctx, "fillA", fill(1), []Arg{env.arg(0, 0, revision.WriteOnly)}))
		require.NoError(t, env.c.Submit(ctx, "fillB", fill(2), []Arg{env.arg(0, 1, revision.WriteOnly)}))
		require.NoError(t, env.c.Submit(ctx, "peek", func(inv *Invocation) error {
			seen[r] = pair{first(inv.Args[0]), first(inv.Args[1])}
			return nil
		}, []Arg{env.arg(0, 0, revision.ReadOnly), env.arg(0, 1, revision.ReadOnly)}))
		require.NoError(t, env.c.Submit(ctx, "refillB", fill(5), []Arg{env.arg(0, 1, revision.WriteOnly)}))
	}

	// Rank 1 overwrites B while its reader still waits for A from rank 0.
	assert.Equal(t, 2, envs[1].schedule(t))
	h := envs[1].layout.At(0, 1).History()
	old, ok := h.At(1)
	require.True(t, ok)
	cur, ok := h.At(2)
	require.True(t, ok)
	assert.True(t, old.Locked())
	assert.NotEqual(t, old.Handle(), cur.Handle())
	p := envs[1].c.Pool()
	assert.Equal(t, 2.0, first(p.Bytes(old.Handle())))
	assert.Equal(t, 5.0, first(p.Bytes(cur.Handle())))
	assert.Equal(t, 2, envs[1].c.Stats().Decisions[revision.DecideAlloc])

	envs[0].schedule(t)
	envs[1].schedule(t)

	assert.Equal(t, pair{1, 2}, seen[0])
	assert.Equal(t, pair{1, 2}, seen[1], "the reader sees the revision current at submission")
	assert.Equal(t, 1, h.Len(), "the superseded revision is squeezed once its reader finishes")
}

func TestSubmit_ReadWriteSameTileReadsParent(t *testing.T) {
	env := newRanks(t, 1)[0]
	ctx := context.Background()

	require.NoError(t, env.c.Submit(ctx, "fill", fill(4), []Arg{env.arg(0, 0, revision.WriteOnly)}))
	require.NoError(t, env.c.Submit(ctx, "double", func(inv *Invocation) error {
		return fill(2 * first(inv.Args[1]))(inv)
	}, []Arg{env.arg(0, 0, revision.ReadWrite), env.arg(0, 0, revision.ReadOnly)}))

	assert.Equal(t, 2, env.schedule(t))
	back := env.layout.At(0, 0).History().Back()
	assert.Equal(t, 8.0, first(env.c.Pool().Bytes(back.Handle())))
	assert.Equal(t, 1, env.c.Stats().Decisions[revision.DecideCopy])
}

func TestSubmit_ZeroInitClearsReusedStorage(t *testing.T) {
	env := newRanks(t, 1)[0]
	ctx := context.Background()

	zeros := false
	require.NoError(t, env.c.Submit(ctx, "fill", fill(7), []Arg{env.arg(0, 0, revision.WriteOnly)}))
	require.NoError(t, env.c.Submit(ctx, "accumulate", func(inv *Invocation) error {
		zeros = true
		for _, b := range inv.Args[0] {
			if b != 0 {
				zeros = false
			}
		}
		return nil
	}, []Arg{env.arg(0, 0, revision.ZeroInit)}))

	assert.Equal(t, 2, env.schedule(t))
	assert.True(t, zeros)
	assert.Equal(t, 1, env.c.Stats().Decisions[revision.DecideReuse])
}

func TestSubmit_MixedOwnershipPanics(t *testing.T) {
	env := newRanks(t, 2)[0]

	requireCode(t, fault.ErrCodeOwnership, func() {
		_ = env.c.Submit(context.Background(), "bad", fill(1), []Arg{
			env.arg(0, 0, revision.WriteOnly),
			env.arg(0, 1, revision.WriteOnly),
		})
	})
	assert.Equal(t, 0, env.c.Pending())
}

func TestSubmit_SerialActorRunsLocally(t *testing.T) {
	env := newRanks(t, 2)[0]
	ctx := context.Background()

	env.c.Stack().PushActor(scope.Actor{Name: "local", Kind: scope.Serial})
	assert.True(t, env.c.IsSerial())
	assert.False(t, env.c.Tunable())

	require.NoError(t, env.c.Submit(ctx, "fill", fill(6), []Arg{env.arg(0, 1, revision.WriteOnly)}))
	assert.Equal(t, 1, env.schedule(t))
	env.c.Stack().PopActor()

	back := env.layout.At(0, 1).History().Back()
	assert.Equal(t, revision.Local, back.State)
	assert.Equal(t, 0, back.Owner)
	assert.Equal(t, 6.0, first(env.c.Pool().Bytes(back.Handle())))
	assert.Empty(t, env.rec.Filter(EventPublish))
}

func TestSubmit_ReplicatedProducesCommon(t *testing.T) {
	envs := newRanks(t, 2)
	for _, env := range envs {
		require.NoError(t, env.c.Submit(context.Background(), "fill", fill(2), []Arg{env.arg(1, 0, revision.WriteOnly)}, Replicated()))
		assert.Equal(t, 1, env.schedule(t))

		back := env.layout.At(1, 0).History().Back()
		assert.Equal(t, revision.Common, back.State)
		assert.True(t, back.Valid())
		assert.Empty(t, env.rec.Filter(EventPublish))
	}
}

func TestSchedule_ReentrantPanicsBecomesError(t *testing.T) {
	env := newRanks(t, 1)[0]
	ctx := context.Background()

	require.NoError(t, env.c.Submit(ctx, "nested", func(*Invocation) error {
		_, err := env.c.Schedule(ctx)
		return err
	}, []Arg{env.arg(0, 0, revision.WriteOnly)}))

	_, err := env.c.Schedule(ctx)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.ErrCodeReentrant), "got %v", err)

	// The guard is released for later calls.
	_, err = env.c.Schedule(ctx)
	assert.NoError(t, err)
}

func TestSchedule_KernelErrorStopsPass(t *testing.T) {
	env := newRanks(t, 1)[0]
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, env.c.Submit(ctx, "bad", func(*Invocation) error { return boom }, []Arg{env.arg(0, 0, revision.WriteOnly)}))
	require.NoError(t, env.c.Submit(ctx, "later", fill(1), []Arg{env.arg(1, 1, revision.WriteOnly)}))

	_, err := env.c.Schedule(ctx)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad#1")
	assert.Equal(t, []string{"later#2"}, env.c.Waiting())
}

func TestSchedule_ConcurrentKernelBodies(t *testing.T) {
	const kernels = 4
	env := newRanks(t, 2, WithKernelThreads(kernels))[0]
	ctx := context.Background()
	require.True(t, env.c.Tunable())

	var arrived sync.WaitGroup
	arrived.Add(kernels)
	all := make(chan struct{})
	go func() {
		arrived.Wait()
		close(all)
	}()
	body := func(inv *Invocation) error {
		arrived.Done()
		select {
		case <-all:
		case <-time.After(2 * time.Second):
			return errors.New("kernel bodies did not overlap")
		}
		return fill(1)(inv)
	}

	for i := 0; i < kernels; i++ {
		require.NoError(t, env.c.Submit(ctx, "fill", body, []Arg{env.arg(i/2, i%2, revision.WriteOnly)}, Replicated()))
	}

	assert.Equal(t, kernels, env.schedule(t))
	for i := 0; i < kernels; i++ {
		back := env.layout.At(i/2, i%2).History().Back()
		assert.True(t, back.Valid())
		assert.Equal(t, 1.0, first(env.c.Pool().Bytes(back.Handle())))
	}
}

func TestInvocation_ScratchRewoundAfterPass(t *testing.T) {
	env := newRanks(t, 1)[0]

	var size int
	require.NoError(t, env.c.Submit(context.Background(), "scratch", func(inv *Invocation) error {
		buf, err := inv.Scratch(100)
		if err != nil {
			return err
		}
		size = len(buf)
		return nil
	}, []Arg{env.arg(0, 0, revision.WriteOnly)}))

	env.schedule(t)
	assert.Equal(t, 100, size)
	assert.Equal(t, 0, env.c.Pool().Stats().Tag(pool.TagInstr).Live)
}

func TestEnqueue_AfterClosePanics(t *testing.T) {
	env := newRanks(t, 1)[0]
	env.c.Close()

	requireCode(t, fault.ErrCodeTransport, func() {
		_ = env.c.Submit(context.Background(), "late", fill(1), []Arg{env.arg(0, 0, revision.WriteOnly)})
	})
}
