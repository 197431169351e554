package util

import (
	"sync"
	"time"
)

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// BlockClock reports the timestamp of the block being executed.
// Before the first Set it falls back to wall time.
type BlockClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewBlockClock() *BlockClock { return &BlockClock{} }

// Set pins Now to t until the next Set.
func (c *BlockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *BlockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.now.IsZero() {
		return time.Now()
	}
	return c.now
}

func (c *BlockClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

var _ Clock = RealClock{}
var _ Clock = (*BlockClock)(nil)
