package engine

import "sync/atomic"

// Clock is the monotonic logical clock stamping trace events.
//
// Every event recorded by a controller carries a strictly increasing seq
// from this clock, so a rank's trace has a total order that does not depend
// on wall time and is identical between runs of the same program.
//
// Thread-safety: Clock is safe for concurrent use. Kernel bodies may run on
// worker goroutines, but events are only stamped from the rank's goroutine.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific sequence number.
// Used to continue a trace across controllers of the same rank.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
