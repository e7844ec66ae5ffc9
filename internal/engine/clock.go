package engine

import "sync/atomic"

// Sequencer stamps stage events. Values must strictly increase across all
// callers of one engine.
type Sequencer interface {
	Next() int64
}

// Clock is the production Sequencer. Traces are ordered by seq, not by wall
// time, so two events in the same millisecond still read back in order.
type Clock struct {
	last atomic.Int64
}

func NewClock() *Clock { return &Clock{} }

// Next returns the next seq; the first call returns 1.
func (c *Clock) Next() int64 { return c.last.Add(1) }
