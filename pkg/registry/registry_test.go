package registry_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/reftrack/pkg/registry"
)

type record struct {
	name string
	hits int
}

func TestAllocResolveRelease(t *testing.T) {
	r := registry.New[record]()
	id := r.Alloc(record{name: "first"}, "first")
	require.False(t, id.IsZero())

	v, ok := r.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, "first", v.name)

	v.hits++ // resolved pointer writes through to the slot
	again, ok := r.Resolve(id)
	require.True(t, ok)
	assert.Same(t, v, again, "resolve yields the same object while it lives")
	assert.Equal(t, 1, again.hits)

	require.NoError(t, r.Release(id))
	_, ok = r.Resolve(id)
	assert.False(t, ok, "released object does not resolve")
	assert.ErrorIs(t, r.Retain(id), registry.ErrNotFound)
	assert.Zero(t, r.Len())
	assert.Equal(t, uint64(1), r.Created())
}

func TestRetainExtendsLifetime(t *testing.T) {
	r := registry.New[record]()
	id := r.Alloc(record{name: "held"}, "held")
	require.NoError(t, r.Retain(id))

	require.NoError(t, r.Release(id))
	_, ok := r.Resolve(id)
	require.True(t, ok, "second reference keeps the object alive")

	require.NoError(t, r.Release(id))
	_, ok = r.Resolve(id)
	assert.False(t, ok)
}

func TestStaleIDsAfterSlotReuse(t *testing.T) {
	r := registry.New[record]()
	old := r.Alloc(record{name: "old"}, "old")
	require.NoError(t, r.Release(old))

	fresh := r.Alloc(record{name: "fresh"}, "fresh")
	assert.Equal(t, old.Index, fresh.Index, "slot is reused")
	assert.NotEqual(t, old.Gen, fresh.Gen, "generation moved on")

	_, ok := r.Resolve(old)
	assert.False(t, ok, "stale id never resolves the new occupant")
	got, ok := r.Resolve(fresh)
	require.True(t, ok)
	assert.Equal(t, "fresh", got.name)

	assert.ErrorIs(t, r.Release(old), registry.ErrNotFound)
	require.NoError(t, r.Release(fresh))
}

func TestOverRelease(t *testing.T) {
	r := registry.New[record]()
	owner := r.Alloc(record{}, "owner")
	owned := r.Alloc(record{}, "owned")
	require.NoError(t, r.Link(owner, owned))
	require.NoError(t, r.Release(owned))

	_, ok := r.Resolve(owned)
	require.True(t, ok, "the edge keeps the object alive")

	assert.ErrorIs(t, r.Release(owned), registry.ErrOverRelease)
}

func TestLinkOwnershipAndUnlink(t *testing.T) {
	r := registry.New[record]()
	parent := r.Alloc(record{name: "parent"}, "parent")
	child := r.Alloc(record{name: "child"}, "child")

	require.NoError(t, r.Link(parent, child))
	require.NoError(t, r.Release(child)) // parent is now the sole owner

	_, ok := r.Resolve(child)
	require.True(t, ok)

	require.NoError(t, r.Unlink(parent, child))
	_, ok = r.Resolve(child)
	assert.False(t, ok, "unlinking the last edge destroys the child")

	assert.ErrorIs(t, r.Unlink(parent, child), registry.ErrNotFound)
	require.NoError(t, r.Release(parent))
}

func TestReleaseCascadesDeepChains(t *testing.T) {
	r := registry.New[int]()
	const depth = 10000

	head := r.Alloc(0, "head")
	prev := head
	for i := 1; i < depth; i++ {
		next := r.Alloc(i, "")
		require.NoError(t, r.Link(prev, next))
		require.NoError(t, r.Release(next))
		prev = next
	}
	require.Equal(t, depth, r.Len())

	require.NoError(t, r.Release(head))
	assert.Zero(t, r.Len(), "the whole chain is destroyed")
}

func TestSweepFindsCycleLeaks(t *testing.T) {
	r := registry.New[record]()
	a := r.Alloc(record{name: "a"}, "a")
	b := r.Alloc(record{name: "b"}, "b")
	root := r.Alloc(record{name: "root"}, "root")
	kept := r.Alloc(record{name: "kept"}, "kept")
	require.NoError(t, r.Link(root, kept))
	require.NoError(t, r.Release(kept))

	require.NoError(t, r.Link(a, b))
	require.NoError(t, r.Link(b, a))
	require.NoError(t, r.Release(a))
	require.NoError(t, r.Release(b))

	// a and b live on: only their mutual edges hold them now.
	_, ok := r.Resolve(a)
	require.True(t, ok)

	result := r.Sweep()
	assert.False(t, result.Clean())
	assert.Equal(t, 4, result.Live)
	require.Len(t, result.Leaked, 2)
	labels := []string{result.Leaked[0].Label, result.Leaked[1].Label}
	assert.ElementsMatch(t, []string{"a", "b"}, labels)

	require.Len(t, result.Cycles, 1)
	assert.ElementsMatch(t, []registry.ID{a, b}, result.Cycles[0])

	// Breaking the cycle lets the cascade reclaim both.
	require.NoError(t, r.Unlink(a, b))
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Sweep().Clean())

	require.NoError(t, r.Release(root))
	assert.Zero(t, r.Len())
}

func TestSweepSelfCycle(t *testing.T) {
	r := registry.New[record]()
	a := r.Alloc(record{}, "selfish")
	require.NoError(t, r.Link(a, a))
	require.NoError(t, r.Release(a))

	result := r.Sweep()
	require.Len(t, result.Leaked, 1)
	assert.Equal(t, "selfish", result.Leaked[0].Label)
	require.Len(t, result.Cycles, 1)
	assert.Equal(t, []registry.ID{a}, result.Cycles[0])
}

func TestConcurrentRetainRelease(t *testing.T) {
	r := registry.New[int]()
	id := r.Alloc(0, "shared")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := r.Retain(id); err != nil {
					t.Error(err)
					return
				}
				if _, ok := r.Resolve(id); !ok {
					t.Error("resolve failed while retained")
					return
				}
				if err := r.Release(id); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
	require.NoError(t, r.Release(id))
	assert.Zero(t, r.Len())
}
