package container

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLocationInUse is returned by Install when another module already
	// owns the location. The error is a *DuplicateError carrying that module.
	ErrLocationInUse = errors.New("location already in use")
	// ErrIDInUse is returned by Install when the module id is taken.
	ErrIDInUse = errors.New("module id already in use")
	// ErrUninstalled is returned for operations on an uninstalled module.
	ErrUninstalled = errors.New("module is uninstalled")
)

// DuplicateError reports an install that collided with an existing module.
type DuplicateError struct {
	Existing *Module
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("module %d already installed at %q", e.Existing.ID, e.Existing.Location)
}

// Unwrap lets errors.Is match ErrLocationInUse.
func (e *DuplicateError) Unwrap() error {
	return ErrLocationInUse
}

// State is the lifecycle state of a module inside the container.
type State int32

const (
	StateInstalled State = iota
	StateResolved
	StateUninstalled
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateResolved:
		return "resolved"
	case StateUninstalled:
		return "uninstalled"
	default:
		return "unknown"
	}
}

// Revision is one installed shape of a module.
type Revision struct {
	Descriptor Descriptor
	// Info is owned by the installer (the storage generation).
	Info any
}

// Module is an installed module. Identity fields never change; the current
// revision and state are swapped atomically by the container.
type Module struct {
	ID       int64
	Location string

	revision     atomic.Pointer[Revision]
	state        atomic.Int32
	lastModified atomic.Int64
}

// CurrentRevision returns the module's current revision.
func (m *Module) CurrentRevision() *Revision {
	return m.revision.Load()
}

// State returns the module state.
func (m *Module) State() State {
	return State(m.state.Load())
}

// LastModified returns the time of the last install, update or refresh.
func (m *Module) LastModified() time.Time {
	return time.UnixMilli(m.lastModified.Load())
}

func (m *Module) touch(t time.Time) {
	m.lastModified.Store(t.UnixMilli())
}

// Container is the module database.
type Container struct {
	mu         sync.RWMutex
	modules    map[int64]*Module
	byLocation map[string]*Module
	// retired revisions replaced by Update and not yet refreshed
	removalPending map[int64][]*Revision
	nextID         atomic.Int64
	timestamp      atomic.Int64
	now            func() time.Time
}

// New creates an empty container. Id 0 is reserved for the system module;
// NextID starts at 1.
func New() *Container {
	c := &Container{
		modules:        make(map[int64]*Module),
		byLocation:     make(map[string]*Module),
		removalPending: make(map[int64][]*Revision),
		now:            time.Now,
	}
	c.nextID.Store(1)
	return c
}

// NextID allocates a module id.
func (c *Container) NextID() int64 {
	return c.nextID.Add(1) - 1
}

// Timestamp increases on every change to the module table.
func (c *Container) Timestamp() int64 {
	return c.timestamp.Load()
}

// Install adds a module. If the location is taken the existing module is
// returned together with a *DuplicateError.
func (c *Container) Install(id int64, location string, d Descriptor, info any) (*Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byLocation[location]; ok {
		return existing, &DuplicateError{Existing: existing}
	}
	if _, ok := c.modules[id]; ok {
		return nil, fmt.Errorf("install %q as %d: %w", location, id, ErrIDInUse)
	}

	m := &Module{ID: id, Location: location}
	m.revision.Store(&Revision{Descriptor: d, Info: info})
	m.state.Store(int32(StateInstalled))
	m.touch(c.now())
	c.modules[id] = m
	c.byLocation[location] = m
	c.bumpIDLocked(id)
	c.timestamp.Add(1)
	return m, nil
}

func (c *Container) bumpIDLocked(id int64) {
	for {
		next := c.nextID.Load()
		if id < next || c.nextID.CompareAndSwap(next, id+1) {
			return
		}
	}
}

// Update replaces the current revision of m.
func (c *Container) Update(m *Module, d Descriptor, info any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.modules[m.ID] != m || m.State() == StateUninstalled {
		return fmt.Errorf("update module %d: %w", m.ID, ErrUninstalled)
	}
	old := m.revision.Swap(&Revision{Descriptor: d, Info: info})
	if old != nil && old.Info != info {
		c.removalPending[m.ID] = append(c.removalPending[m.ID], old)
	}
	m.state.Store(int32(StateInstalled))
	m.touch(c.now())
	c.timestamp.Add(1)
	return nil
}

// Uninstall removes m from the table.
func (c *Container) Uninstall(m *Module) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.modules[m.ID] != m || m.State() == StateUninstalled {
		return fmt.Errorf("uninstall module %d: %w", m.ID, ErrUninstalled)
	}
	delete(c.modules, m.ID)
	delete(c.byLocation, m.Location)
	delete(c.removalPending, m.ID)
	m.state.Store(int32(StateUninstalled))
	m.touch(c.now())
	c.timestamp.Add(1)
	return nil
}

// Refresh retires revisions replaced by Update and marks the modules
// resolved. It returns the retired revisions.
func (c *Container) Refresh(modules ...*Module) ([]*Revision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var retired []*Revision
	for _, m := range modules {
		if c.modules[m.ID] != m {
			return retired, fmt.Errorf("refresh module %d: %w", m.ID, ErrUninstalled)
		}
		retired = append(retired, c.removalPending[m.ID]...)
		delete(c.removalPending, m.ID)
		m.state.Store(int32(StateResolved))
		m.touch(c.now())
	}
	if len(modules) > 0 {
		c.timestamp.Add(1)
	}
	return retired, nil
}

// RemovalPending returns the retired revisions of module id.
func (c *Container) RemovalPending(id int64) []*Revision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Revision(nil), c.removalPending[id]...)
}

// Module returns the module with the given id.
func (c *Container) Module(id int64) (*Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modules[id]
	return m, ok
}

// ModuleByLocation returns the module installed at location.
func (c *Container) ModuleByLocation(location string) (*Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byLocation[location]
	return m, ok
}

// Modules returns all modules ordered by id.
func (c *Container) Modules() []*Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked()
}

func (c *Container) sortedLocked() []*Module {
	out := make([]*Module, 0, len(c.modules))
	for _, m := range c.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot is a consistent view of the container taken under its read lock.
type Snapshot struct {
	Modules []*Module
	c       *Container
}

// View calls fn with a snapshot while holding the read lock. Install, Update
// and Uninstall block until fn returns.
func (c *Container) View(fn func(s *Snapshot) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fn(&Snapshot{Modules: c.sortedLocked(), c: c})
}
