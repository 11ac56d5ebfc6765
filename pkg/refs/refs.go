// Package refs provides explicit reference-counted ownership for Go
// values: strong handles keep a value alive, weak handles observe it
// without owning it. Cells and handles carry process-unique ids so
// reports can name them without exposing addresses, and an Observer
// can record every acquire and release for leak analysis.
package refs

import (
	"sync/atomic"
)

var (
	cellSeq   atomic.Uint64
	handleSeq atomic.Uint64
)

// CellConfig controls optional cell behavior set at allocation time
type CellConfig[T any] struct {
	Label     string    // Diagnostic name carried into reports
	Observer  Observer  // Overrides the process-wide observer for this cell
	Finalizer func(*T)  // Runs exactly once when the last strong reference is released
}

// cell is the control block shared by every handle to one value
type cell[T any] struct {
	id     uint64
	label  string
	strong Count
	value  atomic.Pointer[T]
	fin    func(*T)
	obs    Observer
}

func (c *cell[T]) notify(kind EventKind, handle uint64, remaining int64) {
	obs := c.obs
	if obs == nil {
		obs = currentObserver()
	}
	if obs == nil {
		return
	}
	obs.Observe(Event{Kind: kind, Cell: c.id, Label: c.label, Handle: handle, Remaining: remaining})
}

func (c *cell[T]) destroy() {
	v := c.value.Swap(nil)
	if c.fin != nil && v != nil {
		c.fin(v)
	}
}

// Strong is an owning handle: the value stays alive as long as at
// least one strong handle exists. The zero value is an empty handle.
//
// A Strong is an identity, not a value. Use Clone to hand out further
// owners; copying the struct aliases one reference and breaks release
// accounting.
type Strong[T any] struct {
	c  *cell[T]
	id uint64
}

// New allocates a cell owning v and returns its first strong handle.
// A nil v yields an empty handle.
func New[T any](v *T) Strong[T] {
	return NewWithConfig(v, CellConfig[T]{})
}

// NewLabeled is New with a diagnostic label attached to the cell
func NewLabeled[T any](v *T, label string) Strong[T] {
	return NewWithConfig(v, CellConfig[T]{Label: label})
}

// NewWithConfig allocates a cell owning v with explicit configuration
func NewWithConfig[T any](v *T, cfg CellConfig[T]) Strong[T] {
	if v == nil {
		return Strong[T]{}
	}
	c := &cell[T]{
		id:    cellSeq.Add(1),
		label: cfg.Label,
		fin:   cfg.Finalizer,
		obs:   cfg.Observer,
	}
	c.value.Store(v)
	c.strong.Hold()
	h := handleSeq.Add(1)
	c.notify(EventCreate, h, 1)
	return Strong[T]{c: c, id: h}
}

// Get returns the referenced value, or nil when the handle is empty
func (s *Strong[T]) Get() *T {
	if s.c == nil {
		return nil
	}
	return s.c.value.Load()
}

// Clone takes an additional owning reference and returns a new handle
// for it. Cloning an empty handle yields an empty handle.
func (s *Strong[T]) Clone() Strong[T] {
	if s.c == nil {
		return Strong[T]{}
	}
	s.c.strong.Hold()
	h := handleSeq.Add(1)
	s.c.notify(EventAcquire, h, s.c.strong.Value())
	return Strong[T]{c: s.c, id: h}
}

// Release gives up this handle's reference and empties the handle.
// The last release destroys the value: the finalizer runs once and
// weak handles stop resolving. Releasing an empty or already released
// handle is a no-op.
func (s *Strong[T]) Release() {
	c := s.c
	if c == nil {
		return
	}
	h := s.id
	s.c = nil
	s.id = 0
	released := c.strong.Drop()
	var remaining int64
	if !released {
		remaining = c.strong.Value()
	}
	c.notify(EventRelease, h, remaining)
	if released {
		c.destroy()
	}
}

// Weak returns a non-owning handle to the same cell
func (s *Strong[T]) Weak() Weak[T] {
	if s.c == nil {
		return Weak[T]{}
	}
	return Weak[T]{c: s.c, id: handleSeq.Add(1)}
}

// Live reports whether this handle currently owns a reference
func (s *Strong[T]) Live() bool {
	return s.c != nil
}

// ID returns the cell id, or zero for an empty handle
func (s *Strong[T]) ID() uint64 {
	if s.c == nil {
		return 0
	}
	return s.c.id
}

// HandleID returns this handle's own id, or zero once released
func (s *Strong[T]) HandleID() uint64 {
	return s.id
}

// Label returns the cell's diagnostic label
func (s *Strong[T]) Label() string {
	if s.c == nil {
		return ""
	}
	return s.c.label
}

// UseCount returns the current strong count, or zero for an empty handle
func (s *Strong[T]) UseCount() int64 {
	if s.c == nil {
		return 0
	}
	return s.c.strong.Value()
}

// Weak is a non-owning handle. It never keeps the value alive: Lock
// upgrades it to a strong handle only while other strong handles still
// exist. The zero value is an empty handle.
type Weak[T any] struct {
	c  *cell[T]
	id uint64
}

// Lock attempts to upgrade to an owning handle. The strong count is
// raised with compare-and-swap and only from a nonzero value, so a
// destroyed value can never be brought back. The returned handle
// addresses the same value every other live handle does.
func (w *Weak[T]) Lock() (Strong[T], bool) {
	if w.c == nil {
		return Strong[T]{}, false
	}
	if !w.c.strong.TryHold() {
		return Strong[T]{}, false
	}
	h := handleSeq.Add(1)
	w.c.notify(EventAcquire, h, w.c.strong.Value())
	return Strong[T]{c: w.c, id: h}, true
}

// Alive reports whether a Lock at this instant would succeed
func (w *Weak[T]) Alive() bool {
	return w.c != nil && w.c.strong.Value() > 0
}

// ID returns the cell id, or zero for an empty handle
func (w *Weak[T]) ID() uint64 {
	if w.c == nil {
		return 0
	}
	return w.c.id
}

// HandleID returns this weak handle's own id
func (w *Weak[T]) HandleID() uint64 {
	return w.id
}
