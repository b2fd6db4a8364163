// Package scope holds the per-rank stack of nested execution contexts.
//
// A scope is the set of ranks participating in the current region (a group
// and the channel bound to it). An actor is the scheduling policy active in
// that region. Both stacks always keep their base entry; pushes and pops
// are strictly paired, and WithScope / WithActor pop on every exit path.
package scope

import (
	"sync"

	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/transport"
)

// Kind is an actor's scheduling policy.
type Kind uint8

const (
	// Serial runs everything on the calling rank without coordination.
	Serial Kind = iota
	// Parallel coordinates with the other ranks of the scope.
	Parallel
)

// String returns the kind name.
func (k Kind) String() string {
	if k == Serial {
		return "serial"
	}
	return "parallel"
}

// Actor is a named scheduling policy.
type Actor struct {
	Name string
	Kind Kind
}

// Scope is one nested region.
type Scope struct {
	Group    *transport.Group
	Channel  *transport.Channel
	Sessions *Sessions
}

// New binds a group to the local endpoint.
func New(ch *transport.Channel) *Scope {
	return &Scope{
		Group:    ch.Group(),
		Channel:  ch,
		Sessions: NewSessions(ch.Endpoint().Fabric().MaxTag()),
	}
}

// Stack is the per-rank context stack. It is owned by one goroutine.
type Stack struct {
	scopes []*Scope
	actors []Actor
}

// NewStack creates a stack with base scope s and base actor a.
func NewStack(s *Scope, a Actor) *Stack {
	return &Stack{scopes: []*Scope{s}, actors: []Actor{a}}
}

// PushScope enters a nested region.
func (st *Stack) PushScope(s *Scope) {
	st.scopes = append(st.scopes, s)
}

// PopScope leaves the innermost region. Popping the base scope panics.
func (st *Stack) PopScope() *Scope {
	if len(st.scopes) <= 1 {
		fault.Panic(fault.ErrCodeUnbalanced, "pop of base scope")
	}
	s := st.scopes[len(st.scopes)-1]
	st.scopes[len(st.scopes)-1] = nil
	st.scopes = st.scopes[:len(st.scopes)-1]
	return s
}

// PushActor activates a scheduling policy.
func (st *Stack) PushActor(a Actor) {
	st.actors = append(st.actors, a)
}

// PopActor restores the previous policy. Popping the base actor panics.
func (st *Stack) PopActor() Actor {
	if len(st.actors) <= 1 {
		fault.Panic(fault.ErrCodeUnbalanced, "pop of base actor")
	}
	a := st.actors[len(st.actors)-1]
	st.actors = st.actors[:len(st.actors)-1]
	return a
}

// Top returns the innermost scope.
func (st *Stack) Top() *Scope { return st.scopes[len(st.scopes)-1] }

// Base returns the outermost scope.
func (st *Stack) Base() *Scope { return st.scopes[0] }

// Actor returns the active policy.
func (st *Stack) Actor() Actor { return st.actors[len(st.actors)-1] }

// BaseActor returns the outermost policy.
func (st *Stack) BaseActor() Actor { return st.actors[0] }

// Depth returns the number of scopes, including the base.
func (st *Stack) Depth() int { return len(st.scopes) }

// ActorDepth returns the number of actors, including the base.
func (st *Stack) ActorDepth() int { return len(st.actors) }

// WithScope runs fn inside s. The scope is popped even if fn panics.
func (st *Stack) WithScope(s *Scope, fn func() error) error {
	st.PushScope(s)
	defer st.PopScope()
	return fn()
}

// WithActor runs fn under a. The actor is popped even if fn panics.
func (st *Stack) WithActor(a Actor, fn func() error) error {
	st.PushActor(a)
	defer st.PopActor()
	return fn()
}

// Sessions hands out session ids modulo the transport's tag space.
type Sessions struct {
	mu     sync.Mutex
	next   int
	maxTag int
}

// NewSessions creates a counter wrapping at maxTag.
func NewSessions(maxTag int) *Sessions {
	if maxTag <= 0 {
		maxTag = transport.DefaultMaxTag
	}
	return &Sessions{maxTag: maxTag}
}

// Next returns the next session id.
func (s *Sessions) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next = (s.next + 1) % s.maxTag
	return id
}
