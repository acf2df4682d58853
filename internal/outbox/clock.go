package outbox

import (
	"sync/atomic"
	"time"
)

// Clock hands out event keys for producers that do not stamp their own.
// Keys follow wall-clock milliseconds but never repeat and never go back:
// each is max(now, last+1), so a burst within one millisecond or a clock
// step backwards still yields strictly increasing keys.
//
// Safe for concurrent use.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewClock returns a clock whose first key is greater than last
func NewClock(last int64) *Clock {
	c := &Clock{now: time.Now}
	c.last.Store(last)
	return c
}

// Next returns a key greater than every key returned or observed so far
func (c *Clock) Next() int64 {
	for {
		last := c.last.Load()
		key := max(c.now().UnixMilli(), last+1)
		if c.last.CompareAndSwap(last, key) {
			return key
		}
	}
}

// Observe records a key chosen elsewhere so later keys sort after it
func (c *Clock) Observe(key int64) {
	for {
		last := c.last.Load()
		if key <= last || c.last.CompareAndSwap(last, key) {
			return
		}
	}
}

// Last returns the largest key handed out or observed
func (c *Clock) Last() int64 {
	return c.last.Load()
}
