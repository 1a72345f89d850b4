package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/container"
	"github.com/OpenLiberty/open-liberty-sub342/internal/infrastructure/monitoring"
)

// Install installs the module at location. Content is read from content
// when it is non-nil, otherwise the location is resolved: connect: and
// locations claimed by the ConnectProvider become Connect content,
// reference: and local directories are referenced in place, http(s) and
// local files are copied into the storage root.
//
// When a module already owns location it is returned unchanged with a nil
// error. Concurrent installs of one location share a single result.
func (s *Storage) Install(ctx context.Context, origin *container.Module, location string, content io.Reader) (*container.Module, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if location == "" {
		return nil, fmt.Errorf("%w: empty location", ErrInvalidContent)
	}
	if m, ok := s.container.ModuleByLocation(location); ok {
		return m, nil
	}

	v, err, shared := s.installs.Do(location, func() (any, error) {
		return s.install(ctx, origin, location, content)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.log.Debug("Joined concurrent install", zap.String("location", location))
	}
	return v.(*container.Module), nil
}

func (s *Storage) install(ctx context.Context, origin *container.Module, location string, content io.Reader) (m *container.Module, err error) {
	timer := monitoring.NewTimer(s.metrics, monitoring.OpInstall)
	defer func() { timer.Stop(err) }()

	if existing, ok := s.container.ModuleByLocation(location); ok {
		return existing, nil
	}

	st, err := s.stage(ctx, content, location)
	if err != nil {
		return nil, err
	}

	s.contentMu.RLock()
	defer s.contentMu.RUnlock()

	id := s.container.NextID()
	info := newBundleInfo(s, id, location, 0)
	s.addInfo(info)
	g := info.CreateGeneration()
	defer g.Unlock()

	fail := func(err error) (*container.Module, error) {
		st.discard()
		info.delete()
		s.removeInfo(id)
		return nil, err
	}

	if err := s.commit(g, st); err != nil {
		return fail(err)
	}
	if err := s.hooks.attach(g); err != nil {
		return fail(err)
	}
	d, err := g.Descriptor()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrInvalidContent, err))
	}

	m, err = s.container.Install(id, location, d, g)
	var dup *container.DuplicateError
	if errors.As(err, &dup) {
		// lost a race with an install that bypassed this storage
		info.delete()
		s.removeInfo(id)
		s.log.Debug("Install collided; returning existing module",
			zap.String("location", location),
			zap.Int64("existing_id", dup.Existing.ID))
		return dup.Existing, nil
	}
	if err != nil {
		return fail(err)
	}

	fields := []zap.Field{
		zap.Int64("module_id", id),
		zap.String("location", location),
		zap.Stringer("content_type", g.contentType),
	}
	if origin != nil {
		fields = append(fields, zap.Int64("origin", origin.ID))
	}
	s.log.Info("Installed module", fields...)
	s.metrics.SetModules(len(s.container.Modules()))
	return m, nil
}

// commit moves staged content into the generation.
func (s *Storage) commit(g *Generation, st *staged) error {
	if st.typ != ContentDefault {
		return g.SetContent(st.path, st.typ)
	}
	dst := g.paths.Content()
	if err := os.MkdirAll(g.paths.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrRead, err)
	}
	if err := os.Rename(st.path, dst); err != nil {
		return fmt.Errorf("%w: commit content: %w", ErrRead, err)
	}
	st.temp = false
	return g.SetContent(dst, ContentDefault)
}

// Update replaces the content of m with a new generation. The previous
// generation is deleted only after the container accepts the new one; on
// failure only the new content is removed.
func (s *Storage) Update(ctx context.Context, m *container.Module, content io.Reader) (err error) {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if m.ID == 0 {
		return ErrSystemModule
	}
	timer := monitoring.NewTimer(s.metrics, monitoring.OpUpdate)
	defer func() { timer.Stop(err) }()

	old, err := s.CurrentGeneration(m)
	if err != nil {
		return err
	}
	st, err := s.stage(ctx, content, m.Location)
	if err != nil {
		return err
	}

	s.contentMu.RLock()
	defer s.contentMu.RUnlock()

	g := old.info.CreateGeneration()
	defer g.Unlock()
	fail := func(err error) error {
		st.discard()
		g.Delete()
		return err
	}

	if err := s.commit(g, st); err != nil {
		return fail(err)
	}
	if err := s.hooks.attach(g); err != nil {
		return fail(err)
	}
	d, err := g.Descriptor()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrInvalidContent, err))
	}
	if err := s.container.Update(m, d, g); err != nil {
		return fail(err)
	}
	if err := s.refresh(m); err != nil {
		return err
	}

	s.log.Info("Updated module",
		zap.Int64("module_id", m.ID),
		zap.String("location", m.Location),
		zap.Int64("generation", g.id),
		zap.Int64("previous", old.id))
	return nil
}

// Refresh marks modules resolved and deletes the generations their updates
// retired.
func (s *Storage) Refresh(modules ...*container.Module) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.refresh(modules...)
}

func (s *Storage) refresh(modules ...*container.Module) (err error) {
	timer := monitoring.NewTimer(s.metrics, monitoring.OpRefresh)
	defer func() { timer.Stop(err) }()

	retired, err := s.container.Refresh(modules...)
	current := make(map[*Generation]bool, len(modules))
	for _, m := range modules {
		if g, cerr := s.CurrentGeneration(m); cerr == nil {
			current[g] = true
		}
	}
	for _, rev := range retired {
		// a descriptor recomputed in place retires a revision of the same
		// generation
		if g, ok := rev.Info.(*Generation); ok && !current[g] {
			if derr := g.Delete(); derr != nil && !errors.Is(derr, ErrStorageReadOnly) {
				s.log.Warn("Failed to delete retired generation", zap.Error(derr))
			}
		}
	}
	return err
}

// Uninstall removes m and deletes its content. Deletion failures leave
// delete markers for Compact.
func (s *Storage) Uninstall(m *container.Module) (err error) {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if m.ID == 0 {
		return ErrSystemModule
	}
	timer := monitoring.NewTimer(s.metrics, monitoring.OpUninstall)
	defer func() { timer.Stop(err) }()

	if err := s.uninstall(m); err != nil {
		return err
	}
	s.log.Info("Uninstalled module", zap.Int64("module_id", m.ID), zap.String("location", m.Location))
	return nil
}

func (s *Storage) uninstall(m *container.Module) error {
	if err := s.container.Uninstall(m); err != nil {
		return err
	}
	if info, ok := s.BundleInfo(m.ID); ok {
		info.delete()
		s.removeInfo(m.ID)
	}
	s.metrics.SetModules(len(s.container.Modules()))
	return nil
}
