package container

import (
	"fmt"
	"io"

	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/codec"
)

// tableVersion is the version of the persisted module table.
const tableVersion = 1

type tableRecord struct {
	Version   int           `cbor:"v"`
	NextID    int64         `cbor:"next"`
	Timestamp int64         `cbor:"ts"`
	Modules   []moduleEntry `cbor:"modules"`
}

type moduleEntry struct {
	ID           int64      `cbor:"id"`
	Location     string     `cbor:"loc"`
	State        State      `cbor:"state"`
	LastModified int64      `cbor:"mod"`
	Descriptor   Descriptor `cbor:"desc"`
}

// Store writes the module table. Revision infos are not written; the
// installer persists them itself and supplies them again to Load.
func (s *Snapshot) Store(w io.Writer) error {
	rec := tableRecord{
		Version:   tableVersion,
		NextID:    s.c.nextID.Load(),
		Timestamp: s.c.timestamp.Load(),
		Modules:   make([]moduleEntry, 0, len(s.Modules)),
	}
	for _, m := range s.Modules {
		rec.Modules = append(rec.Modules, moduleEntry{
			ID:           m.ID,
			Location:     m.Location,
			State:        m.State(),
			LastModified: m.lastModified.Load(),
			Descriptor:   m.CurrentRevision().Descriptor,
		})
	}
	data, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode module table: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write module table: %w", err)
	}
	return nil
}

// Load replaces the container contents with a stored table. resolve returns
// the revision info for a module id; modules it does not know are dropped
// and their ids returned.
func (c *Container) Load(r io.Reader, resolve func(id int64) (any, bool)) ([]int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read module table: %w", err)
	}
	var rec tableRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode module table: %w", err)
	}
	if rec.Version != tableVersion {
		return nil, fmt.Errorf("unsupported module table version %d", rec.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.modules = make(map[int64]*Module, len(rec.Modules))
	c.byLocation = make(map[string]*Module, len(rec.Modules))
	c.removalPending = make(map[int64][]*Revision)

	var dropped []int64
	for _, e := range rec.Modules {
		info, ok := resolve(e.ID)
		if !ok {
			dropped = append(dropped, e.ID)
			continue
		}
		m := &Module{ID: e.ID, Location: e.Location}
		m.revision.Store(&Revision{Descriptor: e.Descriptor, Info: info})
		m.state.Store(int32(e.State))
		m.lastModified.Store(e.LastModified)
		c.modules[m.ID] = m
		c.byLocation[m.Location] = m
	}
	c.nextID.Store(max(rec.NextID, 1))
	c.timestamp.Store(rec.Timestamp)
	return dropped, nil
}

// Reset empties the container.
func (c *Container) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules = make(map[int64]*Module)
	c.byLocation = make(map[string]*Module)
	c.removalPending = make(map[int64][]*Revision)
	c.nextID.Store(1)
	c.timestamp.Add(1)
}
