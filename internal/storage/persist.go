package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/container"
	"github.com/OpenLiberty/open-liberty-sub342/internal/infrastructure/monitoring"
	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/paths"
)

// Record format versions. Version 3 added the runtime version and the
// system strings, version 4 added the multi-release flag and version 5
// widened locations and content paths to long strings.
const (
	formatVersion    = 5
	minFormatVersion = 2
)

// maxCachedKeys bounds the cached header key table of a record.
const maxCachedKeys = 1024

// record is the header of a loaded framework.info.
type record struct {
	version        int
	runtimeVersion string
	systemCaps     string
	systemPackages string
}

func (s *Storage) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	timer := monitoring.NewTimer(s.metrics, monitoring.OpSave)
	err := s.saveLocked()
	timer.Stop(err)
	if err != nil {
		return err
	}
	s.log.Debug("Saved storage record", zap.String("path", s.layout.FrameworkInfo()))
	return nil
}

func (s *Storage) saveLocked() error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	gens, table, err := s.snapshot()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.layout.Root, 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}
	f, err := os.CreateTemp(s.layout.Root, paths.FrameworkInfo+".*.tmp")
	if err != nil {
		return fmt.Errorf("create record file: %w", err)
	}
	tmp := f.Name()
	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write storage record: %w", err)
	}

	w := newDataWriter(f)
	s.encode(w, formatVersion, gens, table)
	if err := w.flush(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write storage record: %w", err)
	}
	if err := os.Rename(tmp, s.layout.FrameworkInfo()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace storage record: %w", err)
	}
	return nil
}

// snapshot returns the current generation of every installed module and
// the encoded module table.
func (s *Storage) snapshot() ([]*Generation, []byte, error) {
	var table bytes.Buffer
	var gens []*Generation
	err := s.container.View(func(snap *container.Snapshot) error {
		for _, m := range snap.Modules {
			g, err := s.CurrentGeneration(m)
			if err != nil {
				return err
			}
			gens = append(gens, g)
		}
		return snap.Store(&table)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot modules: %w", err)
	}
	return gens, table.Bytes(), nil
}

// encode writes a record in the given format version. Fields a version
// does not carry are left out.
func (s *Storage) encode(w *dataWriter, version int, gens []*Generation, table []byte) {
	w.writeInt32(int32(version))
	if version >= 3 {
		w.writeUTF(s.runtimeVersionString())
		w.writeLong(s.system.Capabilities)
		w.writeLong(s.system.Packages)
	}

	w.writeInt32(int32(len(s.cachedKeys)))
	for _, key := range s.cachedKeys {
		w.writeUTF(key)
	}

	w.writeInt32(int32(len(gens)))
	for _, g := range gens {
		s.encodeGeneration(w, version, g)
	}

	s.hooks.save(w, gens)
	w.writeBytes(table)
}

// encodeGeneration writes one generation, waiting for it to be unlocked.
func (s *Storage) encodeGeneration(w *dataWriter, version int, g *Generation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	writePath := w.writeLong
	if version < 5 {
		writePath = w.writeUTF
	}
	w.writeInt64(g.info.id)
	writePath(g.info.location)
	w.writeInt64(g.info.NextGenerationID())
	w.writeInt64(g.id)
	w.writeBool(g.isDirectory)
	w.writeInt32(int32(g.contentType))
	w.writeBool(g.packageInfo)
	writePath(s.relContent(g))
	w.writeInt64(g.lastModified)
	for _, key := range s.cachedKeys {
		v, ok := g.cached[key]
		w.writeOptLong(v, ok)
	}
	if version >= 4 {
		w.writeBool(g.multiRelease)
	}
}

// relContent returns the persisted form of a content path: relative to the
// storage root for owned content and to the install root for references.
func (s *Storage) relContent(g *Generation) string {
	switch g.contentType {
	case ContentConnect:
		return ""
	case ContentDefault:
		if rel, err := s.layout.Rel(g.content); err == nil {
			return rel
		}
		if s.parent != nil {
			if rel, err := s.parent.Rel(g.content); err == nil {
				return rel
			}
		}
	case ContentReference:
		if rel, err := paths.RelTo(s.installRoot, g.content); err == nil {
			return rel
		}
	}
	return filepath.ToSlash(g.content)
}

// absContent reverses relContent.
func (s *Storage) absContent(p string, t ContentType) string {
	if t == ContentConnect {
		return ""
	}
	native := filepath.FromSlash(p)
	if filepath.IsAbs(native) {
		return native
	}
	if t == ContentReference {
		return filepath.Join(s.installRoot, native)
	}
	return s.lookup(s.layout.Abs(p))
}

// load reads framework.info from the child root, or the parent when the
// child has none. A missing record returns nil.
func (s *Storage) load() (*record, error) {
	path := s.layout.FrameworkInfo()
	if !exists(path) && s.parent != nil {
		path = s.parent.FrameworkInfo()
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open storage record: %w", err)
	}
	defer f.Close()

	timer := monitoring.NewTimer(s.metrics, monitoring.OpLoad)
	rec, err := s.decode(newDataReader(f))
	timer.Stop(err)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	s.log.Debug("Loaded storage record",
		zap.String("path", path),
		zap.Int("version", rec.version),
		zap.String("runtime_version", rec.runtimeVersion))
	return rec, nil
}

func (s *Storage) decode(r *dataReader) (*record, error) {
	version := int(r.readInt32())
	if r.err != nil {
		return nil, r.err
	}
	if version < minFormatVersion || version > formatVersion {
		return nil, fmt.Errorf("%w: version %d, supported %d to %d",
			ErrIncompatibleFormat, version, minFormatVersion, formatVersion)
	}
	rec := &record{version: version}
	if version >= 3 {
		rec.runtimeVersion = r.readUTF()
		rec.systemCaps = r.readLong()
		rec.systemPackages = r.readLong()
	}

	nkeys := int(r.readInt32())
	if r.err == nil && (nkeys < 0 || nkeys > maxCachedKeys) {
		return nil, fmt.Errorf("%w: %d cached header keys", ErrCorruptRecord, nkeys)
	}
	keys := make([]string, 0, nkeys)
	for i := 0; i < nkeys && r.err == nil; i++ {
		keys = append(keys, r.readUTF())
	}

	ngens := int(r.readInt32())
	if r.err != nil {
		return nil, r.err
	}
	if ngens < 0 {
		return nil, fmt.Errorf("%w: negative generation count", ErrCorruptRecord)
	}

	infos := make(map[int64]*BundleInfo)
	var gens []*Generation
	done := false
	defer func() {
		if !done {
			for _, g := range gens {
				g.closeBundleFile(false)
			}
		}
	}()

	for i := 0; i < ngens; i++ {
		g, err := s.decodeGeneration(r, version, keys, infos)
		if err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}

	if err := s.hooks.load(r, gens); err != nil {
		return nil, err
	}
	table := r.readBytes()
	if r.err != nil {
		return nil, r.err
	}
	if !r.atEOF() {
		return nil, fmt.Errorf("%w: trailing data", ErrCorruptRecord)
	}

	current := make(map[int64]*Generation, len(gens))
	for _, g := range gens {
		current[g.info.id] = g
	}
	dropped, err := s.container.Load(bytes.NewReader(table), func(id int64) (any, bool) {
		g, ok := current[id]
		return g, ok
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	done = true

	for _, id := range dropped {
		s.log.Warn("Dropping module without generation", zap.Int64("module_id", id))
	}
	s.mu.Lock()
	for id, info := range infos {
		s.infos[id] = info
	}
	s.mu.Unlock()

	// generations the container does not know about are orphans
	for _, g := range gens {
		if _, known := s.container.Module(g.info.id); !known {
			s.log.Warn("Discarding orphan generation",
				zap.Int64("module_id", g.info.id),
				zap.Int64("generation", g.id))
			g.Delete()
			s.removeInfo(g.info.id)
		}
	}
	return rec, nil
}

func (s *Storage) decodeGeneration(r *dataReader, version int, keys []string, infos map[int64]*BundleInfo) (*Generation, error) {
	readPath := r.readLong
	if version < 5 {
		readPath = r.readUTF
	}
	moduleID := r.readInt64()
	location := readPath()
	nextGen := r.readInt64()
	genID := r.readInt64()
	isDir := r.readBool()
	ctype := ContentType(r.readInt32())
	packageInfo := r.readBool()
	content := readPath()
	lastModified := r.readInt64()
	cached := make(manifest.Headers)
	for _, key := range keys {
		if v, ok := r.readOptLong(); ok {
			cached[key] = v
		}
	}
	multiRelease := false
	if version >= 4 {
		multiRelease = r.readBool()
	}
	if r.err != nil {
		return nil, r.err
	}
	if !ctype.valid() {
		return nil, fmt.Errorf("%w: content type %d", ErrCorruptRecord, ctype)
	}

	info, ok := infos[moduleID]
	if !ok {
		info = newBundleInfo(s, moduleID, location, nextGen)
		infos[moduleID] = info
	} else if info.location != location {
		return nil, fmt.Errorf("%w: module %d has locations %q and %q",
			ErrCorruptRecord, moduleID, info.location, location)
	}

	g := info.restoreGeneration(genID)
	g.isDirectory = isDir
	g.contentType = ctype
	g.packageInfo = packageInfo
	g.content = s.absContent(content, ctype)
	g.lastModified = lastModified
	g.cached = cached
	g.multiRelease = multiRelease
	return g, nil
}
