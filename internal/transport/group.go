package transport

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/roach88/tilegrid/internal/fault"
)

// Group is a rank-remapped communication domain. Group ranks 0..Size()-1
// map onto world ranks; the mapping is fixed at construction.
//
// Groups form a tree: a child is carved out of its parent's ranks, and the
// parent tracks which of its ranks are occupied by live children so nested
// regions never collide.
type Group struct {
	id       string
	parent   *Group
	ranks    []int
	index    map[int]int
	occupied []uint64
	children int
	spawned  map[string]int
	closed   bool
}

// NewWorld creates the root group over world ranks 0..n-1.
func NewWorld(n int) *Group {
	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = i
	}
	return newGroup("w", nil, ranks)
}

func newGroup(id string, parent *Group, ranks []int) *Group {
	g := &Group{
		id:       id,
		parent:   parent,
		ranks:    ranks,
		index:    make(map[int]int, len(ranks)),
		occupied: make([]uint64, (len(ranks)+63)/64),
		spawned:  make(map[string]int),
	}
	for r, w := range ranks {
		g.index[w] = r
	}
	return g
}

// ID identifies the group identically on every member rank.
func (g *Group) ID() string { return g.id }

// Parent returns the enclosing group, nil for the world.
func (g *Group) Parent() *Group { return g.parent }

// Size returns the number of ranks.
func (g *Group) Size() int { return len(g.ranks) }

// Ranks returns the world ranks in group order.
func (g *Group) Ranks() []int { return append([]int(nil), g.ranks...) }

// World maps a group rank to its world rank.
func (g *Group) World(rank int) int { return g.ranks[rank] }

// Rank maps a world rank to its group rank, -1 if not a member.
func (g *Group) Rank(world int) int {
	if r, ok := g.index[world]; ok {
		return r
	}
	return -1
}

// Contains reports whether a world rank is a member.
func (g *Group) Contains(world int) bool {
	_, ok := g.index[world]
	return ok
}

// Children returns the number of live child groups.
func (g *Group) Children() int { return g.children }

// Vacant returns the lowest group rank not occupied by a live child, -1 if
// every rank is taken.
func (g *Group) Vacant() int {
	for w, word := range g.occupied {
		if free := ^word; free != 0 {
			r := w*64 + bits.TrailingZeros64(free)
			if r < len(g.ranks) {
				return r
			}
		}
	}
	return -1
}

// Occupied reports whether a group rank is held by a live child.
func (g *Group) Occupied(rank int) bool {
	return g.occupied[rank/64]&(1<<(rank%64)) != 0
}

// Occupy marks a group rank as taken.
func (g *Group) Occupy(rank int) {
	g.occupied[rank/64] |= 1 << (rank % 64)
}

func (g *Group) vacate(rank int) {
	g.occupied[rank/64] &^= 1 << (rank % 64)
}

// NewChild carves a child group out of the given group ranks. The ranks
// must be distinct, in range and vacant.
func (g *Group) NewChild(ranks []int) (*Group, error) {
	if g.closed {
		return nil, fmt.Errorf("group %s: closed", g.id)
	}
	if len(ranks) == 0 {
		return nil, fmt.Errorf("group %s: empty child", g.id)
	}
	world := make([]int, len(ranks))
	seen := make(map[int]bool, len(ranks))
	for i, r := range ranks {
		if r < 0 || r >= len(g.ranks) {
			return nil, fmt.Errorf("group %s: rank %d out of range [0,%d)", g.id, r, len(g.ranks))
		}
		if seen[r] {
			return nil, fmt.Errorf("group %s: duplicate rank %d", g.id, r)
		}
		if g.Occupied(r) {
			return nil, fmt.Errorf("group %s: rank %d occupied by a live child", g.id, r)
		}
		seen[r] = true
		world[i] = g.ranks[r]
	}
	for _, r := range ranks {
		g.Occupy(r)
	}

	sig := rankSignature(world)
	g.spawned[sig]++
	id := g.id + "/" + sig + "#" + strconv.Itoa(g.spawned[sig])

	g.children++
	return newGroup(id, g, world), nil
}

// Close tears the group down and frees its ranks in the parent. A group
// with live children panics with LIVE_CHILDREN.
func (g *Group) Close() {
	if g.children > 0 {
		fault.Panic(fault.ErrCodeLiveChildren, "group %s has %d live children", g.id, g.children)
	}
	if g.closed {
		return
	}
	g.closed = true
	if p := g.parent; p != nil {
		for _, w := range g.ranks {
			p.vacate(p.index[w])
		}
		p.children--
	}
}

func rankSignature(world []int) string {
	parts := make([]string, len(world))
	for i, w := range world {
		parts[i] = strconv.Itoa(w)
	}
	return strings.Join(parts, ",")
}
