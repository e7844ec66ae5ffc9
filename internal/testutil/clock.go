package testutil

import "sync"

// DeterministicClock is an engine.Sequencer for tests whose traces must be
// byte-stable. Unlike the engine's clock it can be rewound between runs.
type DeterministicClock struct {
	mu   sync.Mutex
	last int64
}

func NewDeterministicClock() *DeterministicClock { return &DeterministicClock{} }

func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	return c.last
}

// Issued reports how many seq values have been handed out since the last
// Reset.
func (c *DeterministicClock) Issued() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	c.last = 0
	c.mu.Unlock()
}
