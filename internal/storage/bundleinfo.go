package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/paths"
)

// ContentType says who owns a generation's content.
type ContentType int32

const (
	// ContentDefault content is copied into the storage root and owned by it.
	ContentDefault ContentType = iota
	// ContentReference content stays at its original path and is never deleted.
	ContentReference
	// ContentConnect content is supplied by a ConnectProvider; there is no file.
	ContentConnect
)

// String returns the string representation of the content type
func (t ContentType) String() string {
	switch t {
	case ContentDefault:
		return "default"
	case ContentReference:
		return "reference"
	case ContentConnect:
		return "connect"
	default:
		return "unknown"
	}
}

func (t ContentType) valid() bool {
	return t >= ContentDefault && t <= ContentConnect
}

// BundleInfo is the storage record of one installed module.
type BundleInfo struct {
	storage  *Storage
	id       int64
	location string

	mu          sync.Mutex
	nextGen     int64
	generations map[int64]*Generation
}

func newBundleInfo(s *Storage, id int64, location string, nextGen int64) *BundleInfo {
	return &BundleInfo{
		storage:     s,
		id:          id,
		location:    location,
		nextGen:     nextGen,
		generations: make(map[int64]*Generation),
	}
}

// ID returns the module id.
func (b *BundleInfo) ID() int64 { return b.id }

// Location returns the install location.
func (b *BundleInfo) Location() string { return b.location }

// NextGenerationID returns the id the next CreateGeneration will use.
func (b *BundleInfo) NextGenerationID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextGen
}

// CreateGeneration allocates the next generation. The generation is
// returned locked: a concurrent save waits for it, so the caller must call
// Unlock on every path once the generation is populated.
func (b *BundleInfo) CreateGeneration() *Generation {
	b.mu.Lock()
	id := b.nextGen
	b.nextGen++
	b.mu.Unlock()

	g := b.newGeneration(id)
	g.mu.Lock()
	g.locked.Store(true)
	return g
}

// restoreGeneration recreates a persisted generation, unlocked.
func (b *BundleInfo) restoreGeneration(id int64) *Generation {
	b.mu.Lock()
	if id >= b.nextGen {
		b.nextGen = id + 1
	}
	b.mu.Unlock()
	return b.newGeneration(id)
}

func (b *BundleInfo) newGeneration(id int64) *Generation {
	g := &Generation{
		info:  b,
		id:    id,
		paths: b.storage.layout.Generation(b.id, id),
		hooks: make([]Hook, len(b.storage.hooks.factories)),
	}
	b.mu.Lock()
	b.generations[id] = g
	b.mu.Unlock()
	return g
}

// Generations returns the generations that have not been deleted.
func (b *BundleInfo) Generations() []*Generation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Generation, 0, len(b.generations))
	for _, g := range b.generations {
		out = append(out, g)
	}
	return out
}

func (b *BundleInfo) forget(g *Generation) {
	b.mu.Lock()
	delete(b.generations, g.id)
	b.mu.Unlock()
}

// delete removes every generation and the module's directories. Failures
// leave a delete marker for compaction.
func (b *BundleInfo) delete() {
	s := b.storage
	for _, g := range b.Generations() {
		if err := g.Delete(); err != nil && !errors.Is(err, ErrStorageReadOnly) {
			s.log.Warn("Failed to delete generation",
				zap.Int64("module_id", b.id),
				zap.Int64("generation", g.id),
				zap.Error(err))
		}
	}
	if s.readOnly {
		return
	}
	for _, dir := range []string{s.layout.ModuleDir(b.id), s.layout.LibTemp(b.id, 0)} {
		if err := os.RemoveAll(dir); err != nil {
			s.markForDelete(dir, err)
		}
	}
}

// markForDelete flags dir for removal by Compact.
func (s *Storage) markForDelete(dir string, cause error) {
	s.log.Warn("Deferring delete", zap.String("dir", dir), zap.Error(cause))
	marker := filepath.Join(dir, paths.DeleteMarker)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		s.log.Error("Failed to write delete marker", zap.String("dir", dir), zap.Error(err))
		return
	}
	s.metrics.IncDeferredDeletes()
}
