package testutil

import (
	"fmt"
	"sync"
)

// FixedSessionGenerator returns predetermined session IDs in order, then
// falls back to "session-N" once they run out, so golden traces stay
// byte-identical across runs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedSessionGenerator struct {
	mu  sync.Mutex
	ids []string
	n   int
}

// NewFixedSessionGenerator creates a generator returning ids in order.
func NewFixedSessionGenerator(ids ...string) *FixedSessionGenerator {
	return &FixedSessionGenerator{ids: ids}
}

// Generate implements engine.SessionIDGenerator.
func (g *FixedSessionGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	if g.n <= len(g.ids) {
		return g.ids[g.n-1]
	}
	return fmt.Sprintf("session-%d", g.n)
}
