package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/tilegrid/internal/transport"
)

// Transformable is a small value replicated by broadcast rather than
// versioned per tile. Session disambiguates concurrent broadcasts.
type Transformable[T any] struct {
	value   T
	session int
	valid   bool
}

// NewTransformable wraps a locally valid value.
func NewTransformable[T any](v T) *Transformable[T] {
	return &Transformable[T]{value: v, session: -1, valid: true}
}

// Value returns the current value.
func (t *Transformable[T]) Value() T { return t.value }

// Valid reports whether the value may be read.
func (t *Transformable[T]) Valid() bool { return t.valid }

// Session returns the id of the last broadcast, -1 if never broadcast.
func (t *Transformable[T]) Session() int { return t.session }

// Set replaces the value locally.
func (t *Transformable[T]) Set(v T) {
	t.value = v
	t.valid = true
}

// GetTransformable replicates a Transformable from a root rank with a
// one-shot broadcast.
type GetTransformable[T any] struct {
	c      *Controller
	name   string
	target *Transformable[T]
	handle *transport.Handle
}

// Broadcast replicates t from the scope rank root to every rank of the
// innermost scope. Every rank must call it in the same order. The value is
// invalid on non-root ranks until the returned task has been invoked by
// Schedule.
func Broadcast[T any](ctx context.Context, c *Controller, t *Transformable[T], root int) (*GetTransformable[T], error) {
	sc := c.stack.Top()
	session := sc.Sessions.Next()

	var payload []byte
	if sc.Channel.Rank() == root {
		data, err := json.Marshal(t.value)
		if err != nil {
			return nil, fmt.Errorf("encode broadcast value: %w", err)
		}
		payload = data
	} else {
		t.valid = false
	}
	t.session = session

	g := &GetTransformable[T]{
		c:      c,
		name:   c.taskName(fmt.Sprintf("bcast@%d", session)),
		target: t,
		handle: sc.Channel.Bcast(payload, root, session),
	}
	if err := c.record(ctx, Event{Kind: EventBroadcast, Task: g.name, Detail: fmt.Sprintf("root=%d session=%d", root, session)}); err != nil {
		return nil, err
	}
	c.enqueue(g)
	return g, nil
}

// Name implements Task.
func (g *GetTransformable[T]) Name() string { return g.name }

// Ready polls the broadcast handle.
func (g *GetTransformable[T]) Ready() bool { return g.handle.Test() }

// Invoke decodes the root's value into the target.
func (g *GetTransformable[T]) Invoke(context.Context) error {
	if err := g.handle.Err(); err != nil {
		return err
	}
	var v T
	if err := json.Unmarshal(g.handle.Value(), &v); err != nil {
		return fmt.Errorf("decode broadcast value: %w", err)
	}
	g.target.value = v
	g.target.valid = true
	return nil
}
