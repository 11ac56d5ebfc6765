package refs

import (
	"sync/atomic"
)

// Count is the low-level reference counter cells are built on.
// The zero value is an unreferenced count. All methods are safe for
// concurrent use.
type Count struct {
	n atomic.Int64
}

// Hold takes a reference. It reports whether this hold retained the
// count, meaning it was the first reference.
func (c *Count) Hold() bool {
	return c.n.Add(1) == 1
}

// TryHold takes a reference only while at least one is already held,
// so a fully released count can never be revived. It reports whether
// the reference was taken.
func (c *Count) TryHold() bool {
	for {
		n := c.n.Load()
		if n == 0 {
			return false
		}
		if c.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Drop gives up a reference. It reports whether this drop released the
// count, meaning it was the last reference. Dropping below zero panics.
func (c *Count) Drop() bool {
	v := c.n.Add(-1)
	if v < 0 {
		panic("refs: count dropped below zero")
	}
	return v == 0
}

// Value returns the current number of held references.
func (c *Count) Value() int64 {
	return c.n.Load()
}
