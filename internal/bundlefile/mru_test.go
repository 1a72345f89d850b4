package bundlefile

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	name   string
	mu     sync.Mutex
	open   bool
	pinned bool
}

func newFakeHandle(name string) *fakeHandle {
	return &fakeHandle{name: name, open: true}
}

func (f *fakeHandle) closeIfIdle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinned {
		return false
	}
	f.open = false
	return true
}

func (f *fakeHandle) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeHandle) setPinned(p bool) {
	f.mu.Lock()
	f.pinned = p
	f.mu.Unlock()
}

type countingStats struct {
	mu      sync.Mutex
	evicted int
	open    int
}

func (c *countingStats) FileEvicted() {
	c.mu.Lock()
	c.evicted++
	c.mu.Unlock()
}

func (c *countingStats) OpenFiles(n int) {
	c.mu.Lock()
	c.open = n
	c.mu.Unlock()
}

func TestMRUEvictsLeastRecentlyUsed(t *testing.T) {
	const capacity = 5
	stats := &countingStats{}
	l := NewMRUList(capacity, stats)

	handles := make([]*fakeHandle, capacity+1)
	for i := range handles {
		handles[i] = newFakeHandle(fmt.Sprintf("h%d", i))
		l.Add(handles[i])
	}

	assert.Equal(t, capacity, l.Len())
	assert.False(t, handles[0].isOpen(), "least recently used handle should be closed")
	for _, h := range handles[1:] {
		assert.True(t, h.isOpen(), h.name)
	}
	assert.Equal(t, 1, stats.evicted)
	assert.Equal(t, capacity, stats.open)
}

func TestMRUTouchProtectsHandle(t *testing.T) {
	l := NewMRUList(2, nil)
	a, b, c := newFakeHandle("a"), newFakeHandle("b"), newFakeHandle("c")
	l.Add(a)
	l.Add(b)
	l.Touch(a)
	l.Add(c)

	assert.True(t, a.isOpen())
	assert.False(t, b.isOpen())
	assert.True(t, c.isOpen())
}

func TestMRUSkipsPinnedHandles(t *testing.T) {
	l := NewMRUList(2, nil)
	a, b, c := newFakeHandle("a"), newFakeHandle("b"), newFakeHandle("c")
	l.Add(a)
	l.Add(b)
	a.setPinned(true)
	l.Add(c)

	assert.True(t, a.isOpen(), "pinned handle must not be closed")
	assert.False(t, b.isOpen(), "next least recently used handle is evicted instead")
	assert.Equal(t, 2, l.Len())
}

func TestMRUAllPinnedExceedsLimitUntilTrim(t *testing.T) {
	l := NewMRUList(1, nil)
	a, b := newFakeHandle("a"), newFakeHandle("b")
	a.setPinned(true)
	l.Add(a)
	l.Add(b)

	assert.Equal(t, 2, l.Len())
	assert.True(t, a.isOpen())
	assert.True(t, b.isOpen())

	// the front entry is never evicted, so unpinning a makes it the victim
	a.setPinned(false)
	l.Trim()
	assert.Equal(t, 1, l.Len())
	assert.False(t, a.isOpen())
	assert.True(t, b.isOpen())
}

func TestMRURemove(t *testing.T) {
	l := NewMRUList(3, nil)
	a := newFakeHandle("a")
	l.Add(a)
	assert.True(t, l.Remove(a))
	assert.False(t, l.Remove(a))
	assert.Equal(t, 0, l.Len())
	assert.True(t, a.isOpen(), "remove does not close")
}

func TestMRUDisabled(t *testing.T) {
	l := NewMRUList(0, nil)
	require.Nil(t, l)

	a := newFakeHandle("a")
	l.Add(a)
	l.Touch(a)
	l.Trim()
	assert.False(t, l.Remove(a))
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Limit())
}

func TestMRUConcurrentAccess(t *testing.T) {
	const capacity = 8
	l := NewMRUList(capacity, nil)
	handles := make([]*fakeHandle, 32)
	for i := range handles {
		handles[i] = newFakeHandle(fmt.Sprintf("h%d", i))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := handles[(w*7+i)%len(handles)]
				if i%3 == 0 {
					l.Add(h)
				} else {
					l.Touch(h)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, l.Len(), capacity)
}
