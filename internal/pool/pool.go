// Package pool implements the bulk memory allocator backing tile payloads,
// transport staging buffers and kernel scratch space.
//
// Memory is carved out of cache-line aligned chunks. Each chunk serves one
// tag and one power-of-two size class; requests larger than a chunk get a
// dedicated chunk of their own. Buffers are addressed through stable
// handles into a slot table rather than raw pointers, so aliasing between
// revisions ("same handle, new version") is explicit and checkable.
//
// Every tag has a generation. ResetGeneration and FreeGeneration invalidate
// all handles of a tag at once; using such a handle afterwards panics with
// STALE_HANDLE.
package pool

import (
	"math/bits"
	"strconv"
	"sync"
	"unsafe"

	"github.com/roach88/tilegrid/internal/fault"
)

// Tag selects the family of chunks a buffer is carved from.
type Tag uint8

const (
	// TagData backs tile storage. Freed buffers are always recycled within
	// their chunk; chunks survive Sync.
	TagData Tag = iota

	// TagBulk is the data bulk: transport staging buffers. Dropped at Sync.
	TagBulk

	// TagInstr is the instruction bulk: kernel scratch space. Rewound after
	// every schedule pass unless GC mode is on.
	TagInstr

	numTags
)

// String returns the tag name used in logs and stats.
func (t Tag) String() string {
	switch t {
	case TagData:
		return "data"
	case TagBulk:
		return "bulk"
	case TagInstr:
		return "instr"
	default:
		return "unknown"
	}
}

// Handle identifies a live buffer. The zero value is Nil.
type Handle uint32

// Nil is the handle of no buffer.
const Nil Handle = 0

const (
	// CacheLineSize is the alignment of every chunk.
	CacheLineSize = 64

	// DefaultChunkSize is used when Options.ChunkSize is zero.
	DefaultChunkSize = 1 << 20

	minClassShift = 6 // 64 bytes
)

// Options configures a Pool.
type Options struct {
	// ChunkSize is the capacity of a regular chunk in bytes.
	ChunkSize int

	// Ceiling caps the bytes reserved across all chunks. Zero means no cap.
	Ceiling int64

	// GC recycles freed bulk buffers within their chunk and disables the
	// automatic instruction-bulk rewind.
	GC bool

	// ForceFree releases a chunk as soon as its last buffer is freed.
	ForceFree bool
}

type chunk struct {
	tag       Tag
	class     int
	buf       []byte
	off       int
	live      int
	free      []int
	dedicated bool
}

type slot struct {
	chunk *chunk
	off   int
	size  int
	tag   Tag
	gen   uint32
	live  bool
}

// Pool is a size-classed chunk allocator. Safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	opts      Options
	chunks    [numTags]map[int][]*chunk
	slots     []slot
	freeSlots []Handle
	gens      [numTags]uint32
	reserved  int64
}

// New creates an empty pool.
func New(opts Options) *Pool {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	opts.ChunkSize = alignSize(opts.ChunkSize, CacheLineSize)

	p := &Pool{opts: opts}
	for i := range p.chunks {
		p.chunks[i] = make(map[int][]*chunk)
	}
	return p
}

// Options returns the options the pool was created with.
func (p *Pool) Options() Options {
	return p.opts
}

// Alloc returns a handle to a buffer of exactly size bytes.
// Fails with POOL_EXHAUSTED if growing the pool would exceed the ceiling.
func (p *Pool) Alloc(tag Tag, size int) (Handle, error) {
	if size < 1 {
		size = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	class, classSize := sizeClass(size)
	if classSize > p.opts.ChunkSize {
		c, err := p.grow(tag, -1, alignSize(size, CacheLineSize))
		if err != nil {
			return Nil, err
		}
		c.dedicated = true
		c.off = len(c.buf)
		return p.register(c, 0, size, tag), nil
	}

	for _, c := range p.chunks[tag][class] {
		if off, ok := p.take(c, classSize); ok {
			return p.register(c, off, size, tag), nil
		}
	}

	c, err := p.grow(tag, class, p.opts.ChunkSize)
	if err != nil {
		return Nil, err
	}
	off, _ := p.take(c, classSize)
	return p.register(c, off, size, tag), nil
}

// MustAlloc is Alloc for callers that treat exhaustion as fatal.
func (p *Pool) MustAlloc(tag Tag, size int) Handle {
	h, err := p.Alloc(tag, size)
	if err != nil {
		panic(err)
	}
	return h
}

// Bytes returns the buffer behind a live handle.
func (p *Pool) Bytes(h Handle) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.lookup(h)
	return s.chunk.buf[s.off : s.off+s.size : s.off+s.size]
}

// Size returns the requested size of a live handle.
func (p *Pool) Size(h Handle) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookup(h).size
}

// Live reports whether h refers to a buffer of the current generation.
func (p *Pool) Live(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := int(h) - 1
	if idx < 0 || idx >= len(p.slots) {
		return false
	}
	s := &p.slots[idx]
	return s.live && s.gen == p.gens[s.tag]
}

// Free returns a buffer to its chunk. Freeing a handle whose generation was
// already dropped is a no-op.
func (p *Pool) Free(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := int(h) - 1
	if idx < 0 || idx >= len(p.slots) {
		return
	}
	s := &p.slots[idx]
	if !s.live || s.gen != p.gens[s.tag] {
		return
	}

	c := s.chunk
	s.live = false
	s.chunk = nil
	p.freeSlots = append(p.freeSlots, h)

	c.live--
	if !c.dedicated && (c.tag == TagData || p.opts.GC) {
		c.free = append(c.free, s.off)
	}
	if c.live > 0 {
		return
	}
	if c.dedicated || p.opts.ForceFree {
		p.drop(c)
		return
	}
	c.off = 0
	c.free = c.free[:0]
}

// Zero clears the buffer behind h.
func (p *Pool) Zero(h Handle) {
	clear(p.Bytes(h))
}

// Copy copies the contents of src into dst and returns the bytes copied.
func (p *Pool) Copy(dst, src Handle) int {
	return copy(p.Bytes(dst), p.Bytes(src))
}

// ResetGeneration invalidates every handle of tag and rewinds its chunks,
// keeping them for reuse. Dedicated chunks are released.
func (p *Pool) ResetGeneration(tag Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.invalidate(tag)
	for class, list := range p.chunks[tag] {
		if class < 0 {
			for _, c := range list {
				p.reserved -= int64(len(c.buf))
			}
			delete(p.chunks[tag], class)
			continue
		}
		for _, c := range list {
			c.off = 0
			c.live = 0
			c.free = c.free[:0]
		}
	}
}

// FreeGeneration invalidates every handle of tag and releases its chunks.
func (p *Pool) FreeGeneration(tag Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.invalidate(tag)
	for class, list := range p.chunks[tag] {
		for _, c := range list {
			p.reserved -= int64(len(c.buf))
		}
		delete(p.chunks[tag], class)
	}
}

// EndPass is called by the scheduler after each pass. Outside GC mode the
// instruction bulk is rewound.
func (p *Pool) EndPass() {
	if !p.opts.GC {
		p.ResetGeneration(TagInstr)
	}
}

// Sync marks an epoch boundary: the data bulk is dropped and, outside GC
// mode, the instruction bulk is rewound. No bulk buffer obtained before Sync
// may be referenced afterwards.
func (p *Pool) Sync() {
	p.FreeGeneration(TagBulk)
	if !p.opts.GC {
		p.ResetGeneration(TagInstr)
	}
}

// TagStats summarizes one tag.
type TagStats struct {
	Chunks int
	Live   int
	Bytes  int64
}

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	Reserved int64
	Tags     [numTags]TagStats
}

// Tag returns the stats of one tag.
func (s Stats) Tag(t Tag) TagStats {
	return s.Tags[t]
}

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Reserved: p.reserved}
	for tag := range p.chunks {
		for _, list := range p.chunks[tag] {
			for _, c := range list {
				st.Tags[tag].Chunks++
				st.Tags[tag].Bytes += int64(len(c.buf))
			}
		}
	}
	for i := range p.slots {
		s := &p.slots[i]
		if s.live && s.gen == p.gens[s.tag] {
			st.Tags[s.tag].Live++
		}
	}
	return st
}

// take carves one class-sized block out of c.
func (p *Pool) take(c *chunk, classSize int) (int, bool) {
	if n := len(c.free); n > 0 {
		off := c.free[n-1]
		c.free = c.free[:n-1]
		c.live++
		return off, true
	}
	if c.off+classSize <= len(c.buf) {
		off := c.off
		c.off += classSize
		c.live++
		return off, true
	}
	return 0, false
}

// grow reserves a new chunk. Caller holds p.mu.
func (p *Pool) grow(tag Tag, class, size int) (*chunk, error) {
	if p.opts.Ceiling > 0 && p.reserved+int64(size) > p.opts.Ceiling {
		return nil, &fault.RuntimeError{
			Code:    fault.ErrCodePoolExhausted,
			Message: "pool ceiling reached",
			Rank:    -1,
			Details: map[string]string{
				"tag":      tag.String(),
				"reserved": itoa(p.reserved),
				"request":  itoa(int64(size)),
				"ceiling":  itoa(p.opts.Ceiling),
			},
		}
	}
	c := &chunk{tag: tag, class: class, buf: alignedBytes(size)}
	p.chunks[tag][class] = append(p.chunks[tag][class], c)
	p.reserved += int64(size)
	return c, nil
}

// drop removes c from its class list. Caller holds p.mu.
func (p *Pool) drop(c *chunk) {
	list := p.chunks[c.tag][c.class]
	for i, other := range list {
		if other == c {
			list[i] = list[len(list)-1]
			list[len(list)-1] = nil
			list = list[:len(list)-1]
			break
		}
	}
	if len(list) == 0 {
		delete(p.chunks[c.tag], c.class)
	} else {
		p.chunks[c.tag][c.class] = list
	}
	p.reserved -= int64(len(c.buf))
}

// register binds a slot to a carved block. Caller holds p.mu.
func (p *Pool) register(c *chunk, off, size int, tag Tag) Handle {
	s := slot{chunk: c, off: off, size: size, tag: tag, gen: p.gens[tag], live: true}
	if n := len(p.freeSlots); n > 0 {
		h := p.freeSlots[n-1]
		p.freeSlots = p.freeSlots[:n-1]
		p.slots[h-1] = s
		return h
	}
	p.slots = append(p.slots, s)
	return Handle(len(p.slots))
}

// invalidate retires every live slot of tag. Caller holds p.mu.
func (p *Pool) invalidate(tag Tag) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.tag == tag && s.live {
			s.live = false
			s.chunk = nil
			p.freeSlots = append(p.freeSlots, Handle(i+1))
		}
	}
	p.gens[tag]++
}

// lookup validates h. Caller holds p.mu.
func (p *Pool) lookup(h Handle) *slot {
	idx := int(h) - 1
	if idx < 0 || idx >= len(p.slots) {
		fault.Panic(fault.ErrCodeStaleHandle, "unknown handle %d", h)
	}
	s := &p.slots[idx]
	if !s.live || s.gen != p.gens[s.tag] {
		fault.Panic(fault.ErrCodeStaleHandle, "handle %d (%s) is no longer live", h, s.tag)
	}
	return s
}

// sizeClass returns the class index and rounded size for n bytes.
func sizeClass(n int) (int, int) {
	shift := bits.Len(uint(n - 1))
	if shift < minClassShift {
		shift = minClassShift
	}
	return shift - minClassShift, 1 << shift
}

// alignSize rounds size up to the specified alignment boundary.
func alignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// alignedBytes allocates a byte slice whose first element sits on a cache
// line boundary.
func alignedBytes(size int) []byte {
	buf := make([]byte, size+CacheLineSize-1)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}
	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
