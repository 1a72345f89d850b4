package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/infrastructure/monitoring"
	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/paths"
)

// markerDepth is the deepest directory level a delete marker is looked for:
// module, generation, or LIB_TEMP module directories.
const markerDepth = 2

// CompactStats reports what Compact removed.
type CompactStats struct {
	MarkedDirs  int `json:"marked_dirs"`
	OrphanDirs  int `json:"orphan_dirs"`
	StagedFiles int `json:"staged_files"`
}

// Compact removes directories flagged by delete markers, directories of
// modules and generations the storage no longer knows, and staging files
// left behind by interrupted installs.
func (s *Storage) Compact() (stats CompactStats, err error) {
	if err := s.checkWritable(); err != nil {
		return CompactStats{}, err
	}
	timer := monitoring.NewTimer(s.metrics, monitoring.OpCompact)
	defer func() { timer.Stop(err) }()

	stats, err = s.compact()
	stats.StagedFiles = s.removeStaleStageFiles(staleStageAge)
	s.log.Info("Compacted storage",
		zap.Int("marked_dirs", stats.MarkedDirs),
		zap.Int("orphan_dirs", stats.OrphanDirs),
		zap.Int("staged_files", stats.StagedFiles))
	return stats, err
}

func (s *Storage) compact() (CompactStats, error) {
	s.contentMu.Lock()
	defer s.contentMu.Unlock()

	var stats CompactStats
	root := s.layout.Root

	liveModules := make(map[int64]bool)
	liveDirs := make(map[string]bool)
	for _, info := range s.bundleInfos() {
		liveModules[info.id] = true
		liveDirs[s.layout.ModuleDir(info.id)] = true
		for _, g := range info.Generations() {
			liveDirs[g.paths.Dir] = true
		}
	}

	marked, err := s.findDeleteMarkers()
	if err != nil {
		return stats, err
	}
	for _, dir := range marked {
		if liveDirs[dir] || dir == root {
			os.Remove(filepath.Join(dir, paths.DeleteMarker))
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("Failed to remove marked directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		stats.MarkedDirs++
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return stats, err
	}
	for _, e := range entries {
		id, ok := paths.ParseModuleDir(e.Name())
		if !ok || !e.IsDir() {
			continue
		}
		dir := s.layout.ModuleDir(id)
		if !liveModules[id] {
			if os.RemoveAll(dir) == nil {
				stats.OrphanDirs++
			}
			continue
		}
		gens, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ge := range gens {
			if _, ok := paths.ParseModuleDir(ge.Name()); !ok || !ge.IsDir() {
				continue
			}
			gdir := filepath.Join(dir, ge.Name())
			if !liveDirs[gdir] && os.RemoveAll(gdir) == nil {
				stats.OrphanDirs++
			}
		}
	}

	libs, err := os.ReadDir(filepath.Join(root, paths.LibTempDir))
	if err == nil {
		for _, e := range libs {
			id, ok := paths.ParseModuleDir(e.Name())
			if ok && !liveModules[id] && os.RemoveAll(s.layout.LibTemp(id, 0)) == nil {
				stats.OrphanDirs++
			}
		}
	}
	return stats, nil
}

// findDeleteMarkers returns the directories holding a delete marker.
func (s *Storage) findDeleteMarkers() ([]string, error) {
	root := s.layout.Root
	var (
		mu   sync.Mutex
		dirs []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		depth := strings.Count(filepath.ToSlash(rel), "/")
		if d.IsDir() {
			switch {
			case path == root:
				return nil
			case d.Name() == paths.ManagerDir, d.Name() == paths.StageDir, d.Name() == paths.ExtractDir:
				return filepath.SkipDir
			case depth > markerDepth:
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == paths.DeleteMarker {
			mu.Lock()
			dirs = append(dirs, filepath.Dir(path))
			mu.Unlock()
		}
		return nil
	})
	return dirs, err
}
