package storage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/container"
)

// startup runs once after load.
func (s *Storage) startup(rec *record) error {
	s.discardStale()

	if err := s.bootstrapSystem(rec); err != nil {
		return err
	}
	if rec != nil && rec.runtimeVersion != s.runtimeVersionString() {
		if err := s.refreshMultiRelease(rec.runtimeVersion); err != nil {
			return err
		}
	}

	if !s.readOnly {
		s.removeStaleStageFiles(0)
		if _, err := s.compact(); err != nil {
			s.log.Warn("Startup compaction failed", zap.Error(err))
		}
	}
	s.metrics.SetModules(len(s.container.Modules()))
	return nil
}

// staleReason returns why a loaded generation can no longer be used, or
// nil when it is current.
func (s *Storage) staleReason(m *container.Module, g *Generation) error {
	if g.contentType == ContentConnect {
		if !s.claims(m.Location) {
			return errors.New("connect provider no longer supplies the location")
		}
		return s.hooks.revalidate(g)
	}
	mod, err := g.currentModTime()
	if err != nil {
		return fmt.Errorf("content missing: %w", err)
	}
	if mod != g.lastModified {
		return fmt.Errorf("content modified: recorded %d, found %d", g.lastModified, mod)
	}
	return s.hooks.revalidate(g)
}

// discardStale uninstalls modules whose content is missing, modified or
// rejected by a hook.
func (s *Storage) discardStale() {
	for _, m := range s.container.Modules() {
		if m.ID == 0 {
			continue
		}
		g, err := s.CurrentGeneration(m)
		if err != nil {
			continue
		}
		reason := s.staleReason(m, g)
		if reason == nil {
			continue
		}
		s.log.Module(m.ID, m.Location).Warn("Discarding stale module", zap.Error(reason))
		if err := s.uninstall(m); err != nil {
			s.log.Warn("Failed to uninstall stale module", zap.Int64("module_id", m.ID), zap.Error(err))
			continue
		}
		s.metrics.IncStaleDiscarded()
	}
}

// refreshMultiRelease recomputes the descriptors of multi-release modules
// after a runtime version change and refreshes them.
func (s *Storage) refreshMultiRelease(previous string) error {
	var refreshed []*container.Module
	for _, m := range s.container.Modules() {
		g, err := s.CurrentGeneration(m)
		if err != nil || !g.multiRelease {
			continue
		}
		d, err := g.Descriptor()
		if err != nil {
			s.log.Warn("Failed to recompute descriptor", zap.Int64("module_id", m.ID), zap.Error(err))
			continue
		}
		if err := s.container.Update(m, d, g); err != nil {
			return err
		}
		refreshed = append(refreshed, m)
	}
	s.log.Info("Runtime version changed",
		zap.String("previous", previous),
		zap.Int("current", s.runtimeVersion),
		zap.Int("multi_release_modules", len(refreshed)))
	if len(refreshed) == 0 {
		return nil
	}
	return s.refresh(refreshed...)
}
