package refs_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/reftrack/pkg/refs"
)

// alpha and beta reference each other through strong handles, the
// textbook ownership cycle.
type alpha struct {
	b refs.Strong[beta]
}

type beta struct {
	a refs.Strong[alpha]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []refs.Event
}

func (r *eventRecorder) Observe(ev refs.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []refs.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]refs.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestCycleKeepsValueAlive(t *testing.T) {
	a := refs.NewLabeled(&alpha{}, "a")
	b := refs.NewLabeled(&beta{}, "b")

	wb := b.Weak()
	locked, ok := wb.Lock()
	require.True(t, ok, "lock succeeds while b is owned")
	a.Get().b = locked
	b.Get().a = a.Clone()

	require.Equal(t, int64(2), b.UseCount())
	require.Equal(t, int64(2), a.UseCount())

	wa := a.Weak()
	a.Release()

	assert.True(t, wa.Alive(), "the b→a edge still owns the value")
	got, ok := wa.Lock()
	require.True(t, ok)
	assert.NotNil(t, got.Get())
	got.Release()
}

func TestLockFailsAfterFinalRelease(t *testing.T) {
	destroyed := false
	a1 := refs.NewWithConfig(&alpha{}, refs.CellConfig[alpha]{
		Label:     "a1",
		Finalizer: func(*alpha) { destroyed = true },
	})
	wa := a1.Weak()

	got, ok := wa.Lock()
	require.True(t, ok, "lock succeeds while the owner lives")
	assert.Same(t, a1.Get(), got.Get(), "lock addresses the same value")
	assert.Equal(t, int64(2), a1.UseCount())
	got.Release()

	a1.Release()
	assert.True(t, destroyed, "final release runs the finalizer")
	assert.False(t, wa.Alive())

	_, ok = wa.Lock()
	assert.False(t, ok, "lock after the final release fails")
	_, ok = wa.Lock()
	assert.False(t, ok, "and keeps failing")
}

func TestCloneOutlivesOriginal(t *testing.T) {
	a := refs.New(&alpha{})
	dup := a.Clone()
	a.Release()

	assert.True(t, dup.Live())
	assert.NotNil(t, dup.Get())
	dup.Release()
	assert.False(t, dup.Live())
}

func TestReleaseIsPerHandle(t *testing.T) {
	a := refs.New(&alpha{})
	dup := a.Clone()

	a.Release()
	a.Release() // released handle, no-op
	assert.False(t, a.Live())
	assert.Nil(t, a.Get())
	assert.Zero(t, a.HandleID())

	assert.Equal(t, int64(1), dup.UseCount(), "double release of one handle drops once")
	dup.Release()
}

func TestEmptyHandles(t *testing.T) {
	var s refs.Strong[alpha]
	var w refs.Weak[alpha]

	assert.Nil(t, s.Get())
	assert.False(t, s.Live())
	assert.Zero(t, s.ID())
	assert.Zero(t, s.UseCount())
	s.Release() // no-op

	_, ok := w.Lock()
	assert.False(t, ok)
	assert.False(t, w.Alive())

	empty := s.Clone()
	assert.False(t, empty.Live())

	nilled := refs.New[alpha](nil)
	assert.False(t, nilled.Live(), "nil value yields an empty handle")
}

func TestIDsAreUniqueAndStable(t *testing.T) {
	a := refs.New(&alpha{})
	b := refs.New(&beta{})
	defer a.Release()
	defer b.Release()

	assert.NotZero(t, a.ID())
	assert.NotZero(t, b.ID())
	assert.NotEqual(t, a.ID(), b.ID(), "cells get distinct ids")

	dup := a.Clone()
	defer dup.Release()
	assert.Equal(t, a.ID(), dup.ID(), "clones share the cell id")
	assert.NotEqual(t, a.HandleID(), dup.HandleID(), "handles get their own ids")

	w := a.Weak()
	assert.Equal(t, a.ID(), w.ID())
	assert.NotZero(t, w.HandleID())
}

func TestObserverSeesLifecycle(t *testing.T) {
	rec := &eventRecorder{}
	a := refs.NewWithConfig(&alpha{}, refs.CellConfig[alpha]{Label: "obs", Observer: rec})

	dup := a.Clone()
	w := a.Weak()
	locked, ok := w.Lock()
	require.True(t, ok)

	locked.Release()
	dup.Release()
	a.Release()

	want := []refs.EventKind{
		refs.EventCreate,
		refs.EventAcquire, // clone
		refs.EventAcquire, // lock
		refs.EventRelease,
		refs.EventRelease,
		refs.EventRelease,
	}
	assert.Equal(t, want, rec.kinds())

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, int64(0), last.Remaining, "final release reports zero remaining")
	assert.Equal(t, "obs", last.Label)

	_, ok = w.Lock()
	assert.False(t, ok)
	assert.Len(t, rec.kinds(), 6, "failed lock emits no event")
}

func TestFinalizerRunsOnceUnderContention(t *testing.T) {
	var destroyed atomic.Int32
	root := refs.NewWithConfig(&alpha{}, refs.CellConfig[alpha]{
		Finalizer: func(*alpha) { destroyed.Add(1) },
	})

	const owners = 16
	handles := make([]refs.Strong[alpha], owners)
	for i := range handles {
		handles[i] = root.Clone()
	}
	root.Release()

	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i].Release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), destroyed.Load(), "destruction runs exactly once")
}

func TestConcurrentLockRace(t *testing.T) {
	owner := refs.New(&beta{})
	w := owner.Weak()

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	start := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 500; j++ {
				if s, ok := w.Lock(); ok {
					succeeded.Add(1)
					s.Release()
				}
			}
		}()
	}

	close(start)
	wg.Wait()
	owner.Release()

	assert.Positive(t, succeeded.Load(), "locks succeed while the owner lives")
	_, ok := w.Lock()
	assert.False(t, ok, "once fully released the value stays dead")
}
