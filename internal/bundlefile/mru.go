package bundlefile

import (
	"container/list"
	"sync"
)

// DefaultOpenFileLimit is the default number of archives kept open.
const DefaultOpenFileLimit = 100

// Handle is an open resource managed by an MRUList.
type Handle interface {
	// closeIfIdle closes the resource unless it is pinned and reports
	// whether the handle may be dropped from the list.
	closeIfIdle() bool
}

// Stats receives MRU list events.
type Stats interface {
	FileEvicted()
	OpenFiles(n int)
}

// MRUList bounds the number of open handles. The front of the list is the
// most recently used handle. Lock order is MRUList then handle; handles
// never call into the list while holding their own lock.
//
// A nil *MRUList is valid and tracks nothing.
type MRUList struct {
	limit int
	stats Stats

	mu    sync.Mutex
	order *list.List
	index map[Handle]*list.Element
}

// NewMRUList returns a list closing handles beyond limit. A limit <= 0
// returns nil, which disables tracking.
func NewMRUList(limit int, stats Stats) *MRUList {
	if limit <= 0 {
		return nil
	}
	return &MRUList{
		limit: limit,
		stats: stats,
		order: list.New(),
		index: make(map[Handle]*list.Element),
	}
}

// Limit returns the configured capacity.
func (l *MRUList) Limit() int {
	if l == nil {
		return 0
	}
	return l.limit
}

// Len returns the number of tracked handles.
func (l *MRUList) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Add marks h as most recently used, inserting it if needed, and evicts
// least recently used idle handles while over the limit.
func (l *MRUList) Add(h Handle) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.index[h]; ok {
		l.order.MoveToFront(e)
	} else {
		l.index[h] = l.order.PushFront(h)
	}
	l.evictLocked()
	l.report()
}

// Touch marks h as most recently used if it is tracked.
func (l *MRUList) Touch(h Handle) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.index[h]; ok {
		l.order.MoveToFront(e)
	}
}

// Remove stops tracking h without closing it.
func (l *MRUList) Remove(h Handle) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.index[h]
	if !ok {
		return false
	}
	l.order.Remove(e)
	delete(l.index, h)
	l.report()
	return true
}

// Trim evicts idle handles if the list grew past its limit while every
// candidate was pinned.
func (l *MRUList) Trim() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.order.Len() > l.limit {
		l.evictLocked()
		l.report()
	}
}

// evictLocked walks from the least recently used end, skipping pinned
// handles and the front entry, until the list fits or no candidate is left.
func (l *MRUList) evictLocked() {
	for l.order.Len() > l.limit {
		victim := (*list.Element)(nil)
		for e := l.order.Back(); e != nil && e != l.order.Front(); e = e.Prev() {
			if e.Value.(Handle).closeIfIdle() {
				victim = e
				break
			}
		}
		if victim == nil {
			return
		}
		l.order.Remove(victim)
		delete(l.index, victim.Value.(Handle))
		if l.stats != nil {
			l.stats.FileEvicted()
		}
	}
}

func (l *MRUList) report() {
	if l.stats != nil {
		l.stats.OpenFiles(l.order.Len())
	}
}
