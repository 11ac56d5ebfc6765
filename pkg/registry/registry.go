// Package registry is an arena that owns every object it allocates.
// Callers hold (index, generation) ids instead of pointers: objects
// reference each other through owned edges between ids, external code
// retains and releases ids, and a stale id stops resolving the moment
// its slot is destroyed. Reference cycles between objects cannot be
// freed by release alone; Sweep finds them.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned for ids that never existed, were
	// destroyed, or belong to a previous occupant of a reused slot
	ErrNotFound = errors.New("registry: object not found")
	// ErrOverRelease is returned when releasing an id with no
	// external references left
	ErrOverRelease = errors.New("registry: release of unreferenced object")
)

// ID identifies a registry object. The zero ID is never valid. Index
// addresses a slot; Gen changes on every slot reuse so stale ids from
// an earlier occupant cannot resolve.
type ID struct {
	Index uint32 `json:"index"`
	Gen   uint32 `json:"gen"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Index, id.Gen)
}

// IsZero reports whether the id is the invalid zero value
func (id ID) IsZero() bool {
	return id.Gen == 0
}

// slot holds one object. Pointers returned by Resolve point into the
// slot, so slots are heap-allocated and never move.
type slot[T any] struct {
	gen      uint32
	live     bool
	label    string
	value    T
	external int64 // references held by code outside the registry
	inbound  int64 // owned edges pointing at this slot
	out      []ID  // owned edges to other objects
}

func (s *slot[T]) total() int64 {
	return s.external + s.inbound
}

// Registry is a generational arena. All methods are safe for
// concurrent use.
type Registry[T any] struct {
	mu      sync.RWMutex
	slots   []*slot[T]
	free    []uint32
	live    int
	created uint64
}

// New creates an empty registry
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Alloc stores v in the registry with one external reference and
// returns its id
func (r *Registry[T]) Alloc(v T, label string) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, &slot[T]{})
	}

	s := r.slots[idx]
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.label = label
	s.value = v
	s.external = 1
	s.inbound = 0
	s.out = nil

	r.live++
	r.created++
	return ID{Index: idx, Gen: s.gen}
}

// lookup returns the live slot for id, or nil when the id is stale
func (r *Registry[T]) lookup(id ID) *slot[T] {
	if id.Gen == 0 || int(id.Index) >= len(r.slots) {
		return nil
	}
	s := r.slots[id.Index]
	if !s.live || s.gen != id.Gen {
		return nil
	}
	return s
}

// Retain takes an additional external reference on id
func (r *Registry[T]) Retain(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.external++
	return nil
}

// Release drops one external reference on id. When the object's last
// reference (external or inbound) is gone it is destroyed, and every
// object owned solely through it is destroyed with it.
func (r *Registry[T]) Release(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.external == 0 {
		return fmt.Errorf("%w: %s", ErrOverRelease, id)
	}
	s.external--
	if s.total() == 0 {
		r.destroy(id.Index)
	}
	return nil
}

// Resolve returns a pointer to the object, or false when the id is
// stale. The pointer stays valid only until the object is destroyed;
// callers must not hold it across releases.
func (r *Registry[T]) Resolve(id ID) (*T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.lookup(id)
	if s == nil {
		return nil, false
	}
	return &s.value, true
}

// Label returns the object's label, or false when the id is stale
func (r *Registry[T]) Label(id ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.lookup(id)
	if s == nil {
		return "", false
	}
	return s.label, true
}

// Link records an owned edge from one object to another. The edge
// keeps the target alive until it is unlinked or the owner is
// destroyed. Self edges are allowed.
func (r *Registry[T]) Link(from, to ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.lookup(from)
	if src == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, from)
	}
	dst := r.lookup(to)
	if dst == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, to)
	}
	src.out = append(src.out, to)
	dst.inbound++
	return nil
}

// Unlink removes one owned edge from one object to another. Dropping
// the target's last reference destroys it.
func (r *Registry[T]) Unlink(from, to ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.lookup(from)
	if src == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, from)
	}
	dst := r.lookup(to)
	if dst == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, to)
	}

	found := -1
	for i, e := range src.out {
		if e == to {
			found = i
			break
		}
	}
	if found < 0 {
		return fmt.Errorf("%w: no edge %s -> %s", ErrNotFound, from, to)
	}
	src.out = append(src.out[:found], src.out[found+1:]...)

	dst.inbound--
	if dst.total() == 0 {
		r.destroy(to.Index)
	}
	return nil
}

// destroy tears down the slot at idx and cascades over owned edges
// iteratively, since ownership chains can be arbitrarily deep.
// Callers hold the write lock.
func (r *Registry[T]) destroy(idx uint32) {
	stack := []uint32{idx}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		s := r.slots[i]
		if !s.live {
			continue
		}
		s.live = false
		s.gen++
		s.label = ""
		var zero T
		s.value = zero
		edges := s.out
		s.out = nil

		r.free = append(r.free, i)
		r.live--

		for _, e := range edges {
			dst := r.slots[e.Index]
			if !dst.live || dst.gen != e.Gen {
				continue
			}
			dst.inbound--
			if dst.total() == 0 {
				stack = append(stack, e.Index)
			}
		}
	}
}

// Len returns the number of live objects
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Created returns the number of objects allocated over the registry's
// lifetime
func (r *Registry[T]) Created() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.created
}
